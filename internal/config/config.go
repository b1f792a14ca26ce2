package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	TextGen     TextGenConfig    `yaml:"text_generation"`
	Synthesis   SynthesisConfig  `yaml:"synthesis"`
	Speech      SpeechConfig     `yaml:"speech"`
	STT         STTConfig        `yaml:"stt"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type TextGenConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Model       string  `yaml:"model"`
	System      string  `yaml:"system"`
	Stream      bool    `yaml:"stream"`
	TimeoutMS   int     `yaml:"timeout_ms"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

type SynthesisConfig struct {
	Backend          string `yaml:"backend"` // exec, http, mock
	Command          string `yaml:"command"`
	Endpoint         string `yaml:"endpoint"`
	Format           string `yaml:"format"` // mp3, wav
	SampleRate       int    `yaml:"sample_rate"`
	ChunkBytes       int    `yaml:"chunk_bytes"`
	MaxTextChars     int    `yaml:"max_text_chars"`
	TruncationMarker string `yaml:"truncation_marker"`
}

type SpeechConfig struct {
	StreamFraming           string `yaml:"stream_framing"` // trailer, framed
	CancelGenerationOnAbort bool   `yaml:"cancel_generation_on_abort"`
	TranscriptHeader        string `yaml:"transcript_header"`
}

type STTConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "orate",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/orate-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		TextGen: TextGenConfig{
			Endpoint:    "http://localhost:11434",
			Model:       "llama3.2:latest",
			Stream:      true,
			TimeoutMS:   30000,
			MaxTokens:   256,
			Temperature: 0.7,
		},
		Synthesis: SynthesisConfig{
			Backend:          "mock",
			Format:           "mp3",
			SampleRate:       22050,
			ChunkBytes:       1024,
			MaxTextChars:     4096,
			TruncationMarker: "...",
		},
		Speech: SpeechConfig{
			StreamFraming:           "trailer",
			CancelGenerationOnAbort: true,
			TranscriptHeader:        "X-Transcript",
		},
		STT: STTConfig{
			Enabled:   false,
			TimeoutMS: 30000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "ORATE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "ORATE_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "ORATE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "ORATE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "ORATE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "ORATE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "ORATE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "ORATE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "ORATE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "ORATE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "ORATE_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "ORATE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "ORATE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "ORATE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "ORATE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "ORATE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "ORATE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "ORATE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "ORATE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "ORATE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "ORATE_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "ORATE_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.TextGen.Endpoint, "ORATE_TEXT_GENERATION_ENDPOINT")
	overrideString(&cfg.TextGen.Model, "ORATE_TEXT_GENERATION_MODEL")
	overrideString(&cfg.TextGen.System, "ORATE_TEXT_GENERATION_SYSTEM")
	overrideBool(&cfg.TextGen.Stream, "ORATE_TEXT_GENERATION_STREAM")
	overrideInt(&cfg.TextGen.TimeoutMS, "ORATE_TEXT_GENERATION_TIMEOUT_MS")
	overrideInt(&cfg.TextGen.MaxTokens, "ORATE_TEXT_GENERATION_MAX_TOKENS")
	overrideFloat(&cfg.TextGen.Temperature, "ORATE_TEXT_GENERATION_TEMPERATURE")
	overrideString(&cfg.Synthesis.Backend, "ORATE_SYNTHESIS_BACKEND")
	overrideString(&cfg.Synthesis.Command, "ORATE_SYNTHESIS_COMMAND")
	overrideString(&cfg.Synthesis.Endpoint, "ORATE_SYNTHESIS_ENDPOINT")
	overrideString(&cfg.Synthesis.Format, "ORATE_SYNTHESIS_FORMAT")
	overrideInt(&cfg.Synthesis.SampleRate, "ORATE_SYNTHESIS_SAMPLE_RATE")
	overrideInt(&cfg.Synthesis.ChunkBytes, "ORATE_SYNTHESIS_CHUNK_BYTES")
	overrideInt(&cfg.Synthesis.MaxTextChars, "ORATE_SYNTHESIS_MAX_TEXT_CHARS")
	overrideString(&cfg.Synthesis.TruncationMarker, "ORATE_SYNTHESIS_TRUNCATION_MARKER")
	overrideString(&cfg.Speech.StreamFraming, "ORATE_SPEECH_STREAM_FRAMING")
	overrideBool(&cfg.Speech.CancelGenerationOnAbort, "ORATE_SPEECH_CANCEL_GENERATION_ON_ABORT")
	overrideString(&cfg.Speech.TranscriptHeader, "ORATE_SPEECH_TRANSCRIPT_HEADER")
	overrideBool(&cfg.STT.Enabled, "ORATE_STT_ENABLED")
	overrideString(&cfg.STT.Endpoint, "ORATE_STT_ENDPOINT")
	overrideInt(&cfg.STT.TimeoutMS, "ORATE_STT_TIMEOUT_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.TextGen.Endpoint == "" {
		return errors.New("text_generation.endpoint must not be empty")
	}
	if cfg.TextGen.TimeoutMS <= 0 {
		return errors.New("text_generation.timeout_ms must be positive")
	}
	if cfg.TextGen.MaxTokens < 0 {
		return errors.New("text_generation.max_tokens must be >= 0")
	}
	switch cfg.Synthesis.Backend {
	case "exec", "http", "mock":
	default:
		return errors.New("synthesis.backend must be one of exec|http|mock")
	}
	if cfg.Synthesis.Backend == "exec" && cfg.Synthesis.Command == "" {
		return errors.New("synthesis.command must be set when backend=exec")
	}
	if cfg.Synthesis.Backend == "http" && cfg.Synthesis.Endpoint == "" {
		return errors.New("synthesis.endpoint must be set when backend=http")
	}
	switch cfg.Synthesis.Format {
	case "mp3", "wav":
	default:
		return errors.New("synthesis.format must be one of mp3|wav")
	}
	if cfg.Synthesis.SampleRate <= 0 {
		return errors.New("synthesis.sample_rate must be positive")
	}
	if cfg.Synthesis.ChunkBytes <= 0 {
		return errors.New("synthesis.chunk_bytes must be positive")
	}
	if cfg.Synthesis.MaxTextChars <= 0 {
		return errors.New("synthesis.max_text_chars must be positive")
	}
	if len(cfg.Synthesis.TruncationMarker) >= cfg.Synthesis.MaxTextChars {
		return errors.New("synthesis.truncation_marker must be shorter than max_text_chars")
	}
	switch cfg.Speech.StreamFraming {
	case "trailer", "framed":
	default:
		return errors.New("speech.stream_framing must be one of trailer|framed")
	}
	if cfg.Speech.TranscriptHeader == "" {
		return errors.New("speech.transcript_header must not be empty")
	}
	if cfg.STT.Enabled {
		if cfg.STT.Endpoint == "" {
			return errors.New("stt.endpoint must be set when stt is enabled")
		}
		if cfg.STT.TimeoutMS <= 0 {
			return errors.New("stt.timeout_ms must be positive")
		}
	}
	return nil
}
