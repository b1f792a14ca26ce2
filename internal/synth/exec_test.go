package synth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/oratelabs/orate/internal/config"
)

func execCfg(command string) config.SynthesisConfig {
	return config.SynthesisConfig{Backend: "exec", Command: command, ChunkBytes: 8}
}

func collect(t *testing.T, chunks <-chan []byte, errs <-chan error) ([]byte, error) {
	t.Helper()
	var out []byte
	for c := range chunks {
		out = append(out, c...)
	}
	return out, <-errs
}

func TestNewExecSynthRejectsBadCommands(t *testing.T) {
	if _, err := NewExecSynth(execCfg("")); err == nil {
		t.Fatal("expected error for empty command")
	}
	if _, err := NewExecSynth(execCfg("worker 'unterminated")); err == nil {
		t.Fatal("expected error for unparsable command")
	}
}

func TestExecSynthEchoesStdin(t *testing.T) {
	s, err := NewExecSynth(execCfg("cat"))
	if err != nil {
		t.Fatalf("new exec synth: %v", err)
	}
	chunks, errs := s.Synthesize(context.Background(), Request{Text: "hello worker text"})
	out, err := collect(t, chunks, errs)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if string(out) != "hello worker text" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestExecSynthAppendsSpeedAndSampleRate(t *testing.T) {
	s, err := NewExecSynth(execCfg(`sh -c 'printf "%s " "$@"' worker`))
	if err != nil {
		t.Fatalf("new exec synth: %v", err)
	}
	chunks, errs := s.Synthesize(context.Background(), Request{Text: "ignored", Speed: 1.5, SampleRate: 16000})
	out, err := collect(t, chunks, errs)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	got := strings.TrimSpace(string(out))
	if got != "--speed 1.5 --sample-rate 16000" {
		t.Fatalf("unexpected argv %q", got)
	}
}

func TestExecSynthOmitsUnsetArgs(t *testing.T) {
	s, err := NewExecSynth(execCfg(`sh -c 'printf "%s " "$@"' worker`))
	if err != nil {
		t.Fatalf("new exec synth: %v", err)
	}
	chunks, errs := s.Synthesize(context.Background(), Request{Text: "ignored"})
	out, err := collect(t, chunks, errs)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if strings.TrimSpace(string(out)) != "" {
		t.Fatalf("expected no extra args, got %q", out)
	}
}

func TestExecSynthSpawnError(t *testing.T) {
	s, err := NewExecSynth(execCfg("/nonexistent/orate-worker"))
	if err != nil {
		t.Fatalf("new exec synth: %v", err)
	}
	chunks, errs := s.Synthesize(context.Background(), Request{Text: "hi"})
	_, err = collect(t, chunks, errs)
	var se *SpawnError
	if !errors.As(err, &se) {
		t.Fatalf("expected SpawnError, got %v", err)
	}
	if se.Command != "/nonexistent/orate-worker" {
		t.Fatalf("unexpected command in error: %q", se.Command)
	}
}

func TestExecSynthNonzeroExitCarriesStderr(t *testing.T) {
	s, err := NewExecSynth(execCfg(`sh -c 'echo "model load failed" >&2; exit 3'`))
	if err != nil {
		t.Fatalf("new exec synth: %v", err)
	}
	chunks, errs := s.Synthesize(context.Background(), Request{Text: "hi"})
	_, err = collect(t, chunks, errs)
	var synthErr *SynthesisError
	if !errors.As(err, &synthErr) {
		t.Fatalf("expected SynthesisError, got %v", err)
	}
	if !strings.Contains(synthErr.Reason, "exit status 3") {
		t.Fatalf("expected exit status in reason, got %q", synthErr.Reason)
	}
	if !strings.Contains(synthErr.Stderr, "model load failed") {
		t.Fatalf("expected stderr tail, got %q", synthErr.Stderr)
	}
}

func TestExecSynthContextCancelKillsWorker(t *testing.T) {
	s, err := NewExecSynth(execCfg("sleep 30"))
	if err != nil {
		t.Fatalf("new exec synth: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	chunks, errs := s.Synthesize(ctx, Request{Text: "hi"})

	time.AfterFunc(50*time.Millisecond, cancel)
	start := time.Now()
	_, err = collect(t, chunks, errs)
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("worker not killed promptly, took %s", elapsed)
	}
}
