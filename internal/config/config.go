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
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
	TraceStdout    bool   `yaml:"trace_stdout"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Format     string `yaml:"format"` // text, json
	File       string `yaml:"file"`
	Stdout     bool   `yaml:"stdout"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
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
	Logging     LoggingConfig    `yaml:"logging"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Capture     CaptureConfig    `yaml:"capture"`
	STT         STTConfig        `yaml:"stt"`
	Translator  TranslatorConfig `yaml:"translator"`
	TTS         TTSConfig        `yaml:"tts"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
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

// CaptureConfig drives the voice capture session manager.
type CaptureConfig struct {
	Engine                string   `yaml:"engine"` // mock, bus, none
	SessionID             string   `yaml:"session_id"`
	SourceLanguage        string   `yaml:"source_language"`
	TargetLanguage        string   `yaml:"target_language"`
	ConversationLanguages []string `yaml:"conversation_languages"`
	DebounceMS            int      `yaml:"debounce_ms"`
	RetryDelayMS          int      `yaml:"retry_delay_ms"`
	CorrectionsPath       string   `yaml:"corrections_path"`
	MockPhrases           []string `yaml:"mock_phrases"`
}

// STTConfig drives the bus recognizer that turns audio frames into
// transcripts for capture.engine=bus.
type STTConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Mode           string `yaml:"mode"` // mock, exec
	Command        string `yaml:"command"`
	ModelPath      string `yaml:"model_path"`
	SampleRate     int    `yaml:"sample_rate"`
	Channels       int    `yaml:"channels"`
	PartialEveryMS int    `yaml:"partial_every_ms"`
	PublishInterim bool   `yaml:"publish_interim"`
}

type TranslatorConfig struct {
	Mode         string  `yaml:"mode"` // mock, ollama, exec
	Endpoint     string  `yaml:"endpoint"`
	Command      string  `yaml:"command"`
	Model        string  `yaml:"model"`
	Temperature  float64 `yaml:"temperature"`
	GrammarCheck bool    `yaml:"grammar_check"`
	TimeoutMS    int     `yaml:"timeout_ms"`
}

type TTSConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Mode        string `yaml:"mode"`
	Command     string `yaml:"command"`
	PlayCommand string `yaml:"play_command"`
	Voice       string `yaml:"voice"`
	AutoPlay    bool   `yaml:"auto_play"`
	SampleRate  int    `yaml:"sample_rate"`
	Channels    int    `yaml:"channels"`
	OutputDir   string `yaml:"output_dir"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-translate",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Stdout:     true,
			MaxSizeMB:  20,
			MaxBackups: 3,
			MaxAgeDays: 30,
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-translate.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Capture: CaptureConfig{
			Engine:                "mock",
			SessionID:             "default",
			SourceLanguage:        "en-US",
			TargetLanguage:        "hi-IN",
			ConversationLanguages: []string{"hi-IN", "es-ES", "fr-FR"},
			DebounceMS:            1000,
			RetryDelayMS:          100,
			MockPhrases:           []string{"hello hello world", "I am fine fine today"},
		},
		STT: STTConfig{
			Enabled:        false,
			Mode:           "mock",
			SampleRate:     16000,
			Channels:       1,
			PartialEveryMS: 800,
			PublishInterim: true,
		},
		Translator: TranslatorConfig{
			Mode:         "mock",
			Endpoint:     "http://localhost:11434",
			Model:        "llama3.2:latest",
			Temperature:  0.2,
			GrammarCheck: true,
			TimeoutMS:    60000,
		},
		TTS: TTSConfig{
			Enabled:    true,
			Mode:       "mock",
			AutoPlay:   true,
			SampleRate: 24000,
			Channels:   1,
			OutputDir:  "./data/audio",
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
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Telemetry.TraceStdout, "LOQA_TELEMETRY_TRACE_STDOUT")
	overrideString(&cfg.Logging.Level, "LOQA_LOG_LEVEL")
	overrideString(&cfg.Logging.Format, "LOQA_LOG_FORMAT")
	overrideString(&cfg.Logging.File, "LOQA_LOG_FILE")
	overrideBool(&cfg.Logging.Stdout, "LOQA_LOG_STDOUT")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
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
	overrideString(&cfg.Capture.Engine, "LOQA_CAPTURE_ENGINE")
	overrideString(&cfg.Capture.SessionID, "LOQA_CAPTURE_SESSION_ID")
	overrideString(&cfg.Capture.SourceLanguage, "LOQA_CAPTURE_SOURCE_LANGUAGE")
	overrideString(&cfg.Capture.TargetLanguage, "LOQA_CAPTURE_TARGET_LANGUAGE")
	overrideStringSlice(&cfg.Capture.ConversationLanguages, "LOQA_CAPTURE_CONVERSATION_LANGUAGES")
	overrideInt(&cfg.Capture.DebounceMS, "LOQA_CAPTURE_DEBOUNCE_MS")
	overrideInt(&cfg.Capture.RetryDelayMS, "LOQA_CAPTURE_RETRY_DELAY_MS")
	overrideString(&cfg.Capture.CorrectionsPath, "LOQA_CAPTURE_CORRECTIONS_PATH")
	overrideBool(&cfg.STT.Enabled, "LOQA_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideInt(&cfg.STT.SampleRate, "LOQA_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "LOQA_STT_CHANNELS")
	overrideInt(&cfg.STT.PartialEveryMS, "LOQA_STT_PARTIAL_EVERY_MS")
	overrideBool(&cfg.STT.PublishInterim, "LOQA_STT_PUBLISH_INTERIM")
	overrideString(&cfg.Translator.Mode, "LOQA_TRANSLATOR_MODE")
	overrideString(&cfg.Translator.Endpoint, "LOQA_TRANSLATOR_ENDPOINT")
	overrideString(&cfg.Translator.Command, "LOQA_TRANSLATOR_COMMAND")
	overrideString(&cfg.Translator.Model, "LOQA_TRANSLATOR_MODEL")
	overrideFloat(&cfg.Translator.Temperature, "LOQA_TRANSLATOR_TEMPERATURE")
	overrideBool(&cfg.Translator.GrammarCheck, "LOQA_TRANSLATOR_GRAMMAR_CHECK")
	overrideInt(&cfg.Translator.TimeoutMS, "LOQA_TRANSLATOR_TIMEOUT_MS")
	overrideBool(&cfg.TTS.Enabled, "LOQA_TTS_ENABLED")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.Command, "LOQA_TTS_COMMAND")
	overrideString(&cfg.TTS.PlayCommand, "LOQA_TTS_PLAY_COMMAND")
	overrideString(&cfg.TTS.Voice, "LOQA_TTS_VOICE")
	overrideBool(&cfg.TTS.AutoPlay, "LOQA_TTS_AUTO_PLAY")
	overrideInt(&cfg.TTS.SampleRate, "LOQA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "LOQA_TTS_CHANNELS")
	overrideString(&cfg.TTS.OutputDir, "LOQA_TTS_OUTPUT_DIR")
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
	switch strings.ToLower(cfg.Logging.Format) {
	case "text", "json":
	default:
		return errors.New("logging.format must be one of text|json")
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
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Capture.Engine {
	case "mock", "none":
	case "bus":
		if !cfg.Bus.Enabled {
			return errors.New("capture.engine=bus requires bus.enabled")
		}
	default:
		return errors.New("capture.engine must be one of mock|bus|none")
	}
	if cfg.Capture.SourceLanguage == "" || cfg.Capture.TargetLanguage == "" {
		return errors.New("capture.source_language and capture.target_language must be set")
	}
	if cfg.Capture.DebounceMS <= 0 {
		return errors.New("capture.debounce_ms must be positive")
	}
	if cfg.Capture.RetryDelayMS <= 0 {
		return errors.New("capture.retry_delay_ms must be positive")
	}
	if cfg.STT.Enabled {
		if !cfg.Bus.Enabled {
			return errors.New("stt.enabled requires bus.enabled")
		}
		switch cfg.STT.Mode {
		case "mock":
		case "exec":
			if cfg.STT.Command == "" {
				return errors.New("stt.command must be set when mode=exec")
			}
		default:
			return errors.New("stt.mode must be one of mock|exec")
		}
		if cfg.STT.SampleRate <= 0 || cfg.STT.Channels <= 0 {
			return errors.New("stt.sample_rate and stt.channels must be positive")
		}
	}
	switch cfg.Translator.Mode {
	case "mock":
	case "ollama":
		if cfg.Translator.Endpoint == "" {
			return errors.New("translator.endpoint must be set when mode=ollama")
		}
	case "exec":
		if cfg.Translator.Command == "" {
			return errors.New("translator.command must be set when mode=exec")
		}
	default:
		return errors.New("translator.mode must be one of mock|ollama|exec")
	}
	if cfg.TTS.Enabled {
		switch cfg.TTS.Mode {
		case "mock", "exec":
		default:
			return errors.New("tts.mode must be one of mock|exec")
		}
		if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
		if cfg.TTS.SampleRate <= 0 {
			return errors.New("tts.sample_rate must be positive")
		}
		if cfg.TTS.Channels <= 0 {
			return errors.New("tts.channels must be positive")
		}
	}
	return nil
}
