package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// TelemetryConfig controls tracing and metrics export. Spans go to the
// OTLP endpoint when set, otherwise to stdout if StdoutTraces is on.
type TelemetryConfig struct {
	LogLevel         string  `yaml:"log_level"`
	OTLPEndpoint     string  `yaml:"otlp_endpoint"`
	OTLPInsecure     bool    `yaml:"otlp_insecure"`
	PrometheusBind   string  `yaml:"prometheus_bind"`
	StdoutTraces     bool    `yaml:"stdout_traces"`
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
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
	STT         STTConfig        `yaml:"stt"`
	Grammar     GrammarConfig    `yaml:"grammar"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	JetStream      bool     `yaml:"jetstream"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
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

// STTConfig controls the decode engine and the endpointing loop.
type STTConfig struct {
	Enabled             bool    `yaml:"enabled"`
	Engine              string  `yaml:"engine"` // mock, exec, whisper
	Command             string  `yaml:"command"`
	ModelPath           string  `yaml:"model_path"`
	Threads             int     `yaml:"threads"`
	Language            string  `yaml:"language"`
	SampleRate          int     `yaml:"sample_rate"`
	SpeechThreshold     float64 `yaml:"speech_threshold"`
	TickMS              int     `yaml:"tick_ms"`
	CooldownMS          int     `yaml:"cooldown_ms"`
	SilenceMS           int     `yaml:"silence_ms"`
	PartialEveryMS      int     `yaml:"partial_every_ms"`
	MinPartialSamples   int     `yaml:"min_partial_samples"`
	MaxUtteranceSamples int     `yaml:"max_utterance_samples"`
	PublishPartials     bool    `yaml:"publish_partials"`
	DecodeTimeoutMS     int     `yaml:"decode_timeout_ms"`
}

type GrammarConfig struct {
	Words []string `yaml:"words"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-voice",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:         "info",
			OTLPEndpoint:     "",
			OTLPInsecure:     true,
			PrometheusBind:   ":9091",
			TraceSampleRatio: 1,
		},
		Bus: BusConfig{
			Embedded:       true,
			JetStream:      true,
			Host:           "127.0.0.1",
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-voice.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		STT: STTConfig{
			Enabled:             true,
			Engine:              "mock",
			Threads:             4,
			Language:            LanguageAuto,
			SampleRate:          16000,
			SpeechThreshold:     0.015,
			TickMS:              15,
			CooldownMS:          100,
			SilenceMS:           350,
			PartialEveryMS:      120,
			MinPartialSamples:   1600,
			MaxUtteranceSamples: 160000,
			PublishPartials:     true,
			DecodeTimeoutMS:     30000,
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
		return Parse(data)
	}
	return finish(cfg)
}

// Parse decodes YAML over the defaults, then applies env overrides and validation.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	return finish(cfg)
}

func finish(cfg Config) (Config, error) {
	applyEnvOverrides(&cfg)
	cfg.STT.Language = NormalizeLanguage(cfg.STT.Language)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Telemetry.StdoutTraces, "LOQA_TELEMETRY_STDOUT_TRACES")
	overrideFloat(&cfg.Telemetry.TraceSampleRatio, "LOQA_TELEMETRY_TRACE_SAMPLE_RATIO")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideBool(&cfg.Bus.JetStream, "LOQA_BUS_JETSTREAM")
	overrideString(&cfg.Bus.Host, "LOQA_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.STT.Enabled, "LOQA_STT_ENABLED")
	overrideString(&cfg.STT.Engine, "LOQA_STT_ENGINE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideInt(&cfg.STT.Threads, "LOQA_STT_THREADS")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideInt(&cfg.STT.SampleRate, "LOQA_STT_SAMPLE_RATE")
	overrideFloat(&cfg.STT.SpeechThreshold, "LOQA_STT_SPEECH_THRESHOLD")
	overrideInt(&cfg.STT.TickMS, "LOQA_STT_TICK_MS")
	overrideInt(&cfg.STT.CooldownMS, "LOQA_STT_COOLDOWN_MS")
	overrideInt(&cfg.STT.SilenceMS, "LOQA_STT_SILENCE_MS")
	overrideInt(&cfg.STT.PartialEveryMS, "LOQA_STT_PARTIAL_EVERY_MS")
	overrideInt(&cfg.STT.MinPartialSamples, "LOQA_STT_MIN_PARTIAL_SAMPLES")
	overrideInt(&cfg.STT.MaxUtteranceSamples, "LOQA_STT_MAX_UTTERANCE_SAMPLES")
	overrideBool(&cfg.STT.PublishPartials, "LOQA_STT_PUBLISH_PARTIALS")
	overrideInt(&cfg.STT.DecodeTimeoutMS, "LOQA_STT_DECODE_TIMEOUT_MS")
	overrideStringSlice(&cfg.Grammar.Words, "LOQA_GRAMMAR_WORDS")
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
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" && cfg.EventStore.RetentionMode != "ephemeral" {
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
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Telemetry.TraceSampleRatio < 0 || cfg.Telemetry.TraceSampleRatio > 1 {
		return errors.New("telemetry.trace_sample_ratio must be between 0 and 1")
	}
	if cfg.STT.Enabled {
		switch cfg.STT.Engine {
		case "mock", "exec", "whisper":
		default:
			return errors.New("stt.engine must be one of mock|exec|whisper")
		}
		if cfg.STT.Engine == "exec" && cfg.STT.Command == "" {
			return errors.New("stt.command must be set when engine=exec")
		}
		if cfg.STT.Engine == "whisper" && cfg.STT.ModelPath == "" {
			return errors.New("stt.model_path must be set when engine=whisper")
		}
		if cfg.STT.SampleRate != 16000 {
			return errors.New("stt.sample_rate must be 16000")
		}
		if cfg.STT.SpeechThreshold < 0 || cfg.STT.SpeechThreshold > 1 {
			return errors.New("stt.speech_threshold must be between 0 and 1")
		}
		if cfg.STT.TickMS <= 0 {
			return errors.New("stt.tick_ms must be positive")
		}
		if cfg.STT.CooldownMS < 0 {
			return errors.New("stt.cooldown_ms must be >= 0")
		}
		if cfg.STT.SilenceMS <= 0 {
			return errors.New("stt.silence_ms must be positive")
		}
		if cfg.STT.MaxUtteranceSamples <= 0 {
			return errors.New("stt.max_utterance_samples must be positive")
		}
		if cfg.STT.MinPartialSamples < 0 {
			return errors.New("stt.min_partial_samples must be >= 0")
		}
	}
	return nil
}
