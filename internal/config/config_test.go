package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.TextGen.Endpoint != "http://localhost:11434" {
		t.Fatalf("expected default text generation endpoint, got %q", cfg.TextGen.Endpoint)
	}
	if cfg.Synthesis.Backend != "mock" {
		t.Fatalf("expected default synthesis backend mock, got %q", cfg.Synthesis.Backend)
	}
	if cfg.Synthesis.Format != "mp3" {
		t.Fatalf("expected default synthesis format mp3, got %q", cfg.Synthesis.Format)
	}
	if cfg.Speech.StreamFraming != "trailer" {
		t.Fatalf("expected default stream framing trailer, got %q", cfg.Speech.StreamFraming)
	}
	if !cfg.Speech.CancelGenerationOnAbort {
		t.Fatal("expected generation cancellation on abort by default")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ORATE_TEXT_GENERATION_ENDPOINT", "http://llm:11434")
	t.Setenv("ORATE_TEXT_GENERATION_MODEL", "mistral:7b")
	t.Setenv("ORATE_TEXT_GENERATION_STREAM", "false")
	t.Setenv("ORATE_TEXT_GENERATION_TIMEOUT_MS", "5000")
	t.Setenv("ORATE_SYNTHESIS_BACKEND", "http")
	t.Setenv("ORATE_SYNTHESIS_ENDPOINT", "http://tts:8000")
	t.Setenv("ORATE_SYNTHESIS_FORMAT", "wav")
	t.Setenv("ORATE_SYNTHESIS_MAX_TEXT_CHARS", "2048")
	t.Setenv("ORATE_SPEECH_STREAM_FRAMING", "framed")
	t.Setenv("ORATE_SPEECH_CANCEL_GENERATION_ON_ABORT", "false")
	t.Setenv("ORATE_BUS_ENABLED", "true")
	t.Setenv("ORATE_BUS_SERVERS", "nats://one:4222, nats://two:4222")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.TextGen.Endpoint != "http://llm:11434" {
		t.Fatalf("expected endpoint override, got %q", cfg.TextGen.Endpoint)
	}
	if cfg.TextGen.Model != "mistral:7b" {
		t.Fatalf("expected model override, got %q", cfg.TextGen.Model)
	}
	if cfg.TextGen.Stream {
		t.Fatal("expected stream override false")
	}
	if cfg.TextGen.TimeoutMS != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.TextGen.TimeoutMS)
	}
	if cfg.Synthesis.Backend != "http" || cfg.Synthesis.Endpoint != "http://tts:8000" {
		t.Fatalf("expected http synthesis backend override, got %q %q", cfg.Synthesis.Backend, cfg.Synthesis.Endpoint)
	}
	if cfg.Synthesis.Format != "wav" {
		t.Fatalf("expected wav format override, got %q", cfg.Synthesis.Format)
	}
	if cfg.Synthesis.MaxTextChars != 2048 {
		t.Fatalf("expected max text chars override, got %d", cfg.Synthesis.MaxTextChars)
	}
	if cfg.Speech.StreamFraming != "framed" {
		t.Fatalf("expected framed override, got %q", cfg.Speech.StreamFraming)
	}
	if cfg.Speech.CancelGenerationOnAbort {
		t.Fatal("expected abort policy override false")
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orate.yaml")
	body := []byte(`
synthesis:
  backend: exec
  command: "python3 worker.py --stream"
  format: mp3
text_generation:
  model: llama3.2:1b
`)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Synthesis.Command != "python3 worker.py --stream" {
		t.Fatalf("expected command from file, got %q", cfg.Synthesis.Command)
	}
	if cfg.TextGen.Model != "llama3.2:1b" {
		t.Fatalf("expected model from file, got %q", cfg.TextGen.Model)
	}
	// Untouched keys keep their defaults.
	if cfg.HTTP.Port != 8080 {
		t.Fatalf("expected default port, got %d", cfg.HTTP.Port)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"exec without command", func(c *Config) { c.Synthesis.Backend = "exec"; c.Synthesis.Command = "" }},
		{"http without endpoint", func(c *Config) { c.Synthesis.Backend = "http"; c.Synthesis.Endpoint = "" }},
		{"unknown backend", func(c *Config) { c.Synthesis.Backend = "carrier-pigeon" }},
		{"unknown format", func(c *Config) { c.Synthesis.Format = "flac" }},
		{"unknown framing", func(c *Config) { c.Speech.StreamFraming = "sse" }},
		{"zero timeout", func(c *Config) { c.TextGen.TimeoutMS = 0 }},
		{"marker too long", func(c *Config) { c.Synthesis.MaxTextChars = 2; c.Synthesis.TruncationMarker = "..." }},
		{"stt enabled without endpoint", func(c *Config) { c.STT.Enabled = true; c.STT.Endpoint = "" }},
	}
	for _, tc := range cases {
		cfg := Default()
		cfg.Synthesis.Command = "worker"
		tc.mutate(&cfg)
		if err := validate(cfg); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}
