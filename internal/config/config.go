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

	// TraceExporter is auto, otlp, stdout or none. auto picks otlp when an
	// endpoint is configured and stdout otherwise.
	TraceExporter    string  `yaml:"trace_exporter"`
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	Node        NodeConfig       `yaml:"node"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Capture     CaptureConfig    `yaml:"capture"`
	STT         STTConfig        `yaml:"stt"`
	TTS         TTSConfig        `yaml:"tts"`
}

// NodeConfig identifies this runtime to presentation clients on the bus.
type NodeConfig struct {
	ID                  string `yaml:"id"`
	HeartbeatIntervalMS int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMS  int    `yaml:"heartbeat_timeout_ms"`
}

type BusConfig struct {
	Embedded bool   `yaml:"embedded"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`

	// MaxPayload bounds a single message on the embedded broker; audio
	// frames and synthesized chunks must fit in it.
	MaxPayload     int      `yaml:"max_payload_bytes"`
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

	// PruneIntervalMin re-applies retention while running; 0 prunes only on open.
	PruneIntervalMin int `yaml:"prune_interval_minutes"`
}

// CaptureConfig selects the audio input device feeding the recognizer.
type CaptureConfig struct {
	Mode       string `yaml:"mode"` // bus, wav
	DeviceID   string `yaml:"device_id"`
	File       string `yaml:"file"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	TapFrames  int    `yaml:"tap_frames"`
}

type STTConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Mode           string `yaml:"mode"` // mock, exec
	Command        string `yaml:"command"`
	ModelPath      string `yaml:"model_path"`
	Language       string `yaml:"language"`
	Authorization  string `yaml:"authorization"`
	PartialEveryMS int    `yaml:"partial_every_ms"`
	TimeoutMS      int    `yaml:"timeout_ms"`
}

type TTSConfig struct {
	Enabled         bool             `yaml:"enabled"`
	Mode            string           `yaml:"mode"` // mock, exec
	Command         string           `yaml:"command"`
	SampleRate      int              `yaml:"sample_rate"`
	Channels        int              `yaml:"channels"`
	ChunkDurationMS int              `yaml:"chunk_duration_ms"`
	Target          string           `yaml:"target"`
	Languages       []LanguageConfig `yaml:"languages"`
}

type LanguageConfig struct {
	Name string `yaml:"name"`
	Code string `yaml:"code"`
}

func Default() Config {
	return Config{
		RuntimeName: "speechpad",
		Environment: "development",
		Node: NodeConfig{
			ID:                  "speechpad-local",
			HeartbeatIntervalMS: 2000,
			HeartbeatTimeoutMS:  6000,
		},
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:         "info",
			OTLPEndpoint:     "",
			OTLPInsecure:     true,
			PrometheusBind:   ":9091",
			TraceExporter:    "auto",
			TraceSampleRatio: 1,
		},
		Bus: BusConfig{
			Embedded:       true,
			Host:           "0.0.0.0",
			Port:           4222,
			MaxPayload:     4 << 20,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:             "./data/speechpad.db",
			RetentionMode:    "ephemeral",
			RetentionDays:    30,
			MaxSessions:      1000,
			PruneIntervalMin: 60,
		},
		Capture: CaptureConfig{
			Mode:       "bus",
			DeviceID:   "default",
			SampleRate: 16000,
			Channels:   1,
			TapFrames:  1024,
		},
		STT: STTConfig{
			Enabled:        true,
			Mode:           "mock",
			Authorization:  "authorized",
			PartialEveryMS: 800,
			TimeoutMS:      45000,
		},
		TTS: TTSConfig{
			Enabled:         true,
			Mode:            "mock",
			SampleRate:      22050,
			Channels:        1,
			ChunkDurationMS: 400,
			Target:          "default",
			Languages: []LanguageConfig{
				{Name: "English", Code: "en-US"},
				{Name: "Indonesian", Code: "id"},
			},
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
	overrideString(&cfg.RuntimeName, "SPEECHPAD_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SPEECHPAD_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.Node.ID, "SPEECHPAD_NODE_ID")
	overrideInt(&cfg.Node.HeartbeatIntervalMS, "SPEECHPAD_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeoutMS, "SPEECHPAD_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.HTTP.Bind, "SPEECHPAD_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SPEECHPAD_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SPEECHPAD_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SPEECHPAD_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SPEECHPAD_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "SPEECHPAD_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.Telemetry.TraceExporter, "SPEECHPAD_TELEMETRY_TRACE_EXPORTER")
	overrideFloat(&cfg.Telemetry.TraceSampleRatio, "SPEECHPAD_TELEMETRY_TRACE_SAMPLE_RATIO")
	overrideBool(&cfg.Bus.Embedded, "SPEECHPAD_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "SPEECHPAD_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "SPEECHPAD_BUS_PORT")
	overrideInt(&cfg.Bus.MaxPayload, "SPEECHPAD_BUS_MAX_PAYLOAD_BYTES")
	overrideStringSlice(&cfg.Bus.Servers, "SPEECHPAD_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SPEECHPAD_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SPEECHPAD_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SPEECHPAD_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SPEECHPAD_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SPEECHPAD_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "SPEECHPAD_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "SPEECHPAD_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "SPEECHPAD_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "SPEECHPAD_EVENT_STORE_MAX_SESSIONS")
	overrideInt(&cfg.EventStore.PruneIntervalMin, "SPEECHPAD_EVENT_STORE_PRUNE_INTERVAL_MINUTES")
	overrideBool(&cfg.EventStore.VacuumOnStart, "SPEECHPAD_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Capture.Mode, "SPEECHPAD_CAPTURE_MODE")
	overrideString(&cfg.Capture.DeviceID, "SPEECHPAD_CAPTURE_DEVICE_ID")
	overrideString(&cfg.Capture.File, "SPEECHPAD_CAPTURE_FILE")
	overrideInt(&cfg.Capture.SampleRate, "SPEECHPAD_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "SPEECHPAD_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.TapFrames, "SPEECHPAD_CAPTURE_TAP_FRAMES")
	overrideBool(&cfg.STT.Enabled, "SPEECHPAD_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "SPEECHPAD_STT_MODE")
	overrideString(&cfg.STT.Command, "SPEECHPAD_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "SPEECHPAD_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "SPEECHPAD_STT_LANGUAGE")
	overrideString(&cfg.STT.Authorization, "SPEECHPAD_STT_AUTHORIZATION")
	overrideInt(&cfg.STT.PartialEveryMS, "SPEECHPAD_STT_PARTIAL_EVERY_MS")
	overrideInt(&cfg.STT.TimeoutMS, "SPEECHPAD_STT_TIMEOUT_MS")
	overrideBool(&cfg.TTS.Enabled, "SPEECHPAD_TTS_ENABLED")
	overrideString(&cfg.TTS.Mode, "SPEECHPAD_TTS_MODE")
	overrideString(&cfg.TTS.Command, "SPEECHPAD_TTS_COMMAND")
	overrideInt(&cfg.TTS.SampleRate, "SPEECHPAD_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "SPEECHPAD_TTS_CHANNELS")
	overrideInt(&cfg.TTS.ChunkDurationMS, "SPEECHPAD_TTS_CHUNK_DURATION_MS")
	overrideString(&cfg.TTS.Target, "SPEECHPAD_TTS_TARGET")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatIntervalMS <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeoutMS <= cfg.Node.HeartbeatIntervalMS {
		return errors.New("node.heartbeat_timeout_ms must exceed heartbeat_interval_ms")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
		if cfg.Bus.MaxPayload <= 0 || cfg.Bus.MaxPayload > 64<<20 {
			return errors.New("bus.max_payload_bytes must be between 1 and 64MiB")
		}
	} else if len(cfg.Bus.Servers) == 0 {
		return errors.New("bus.servers must not be empty when embedded mode is disabled")
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
	if cfg.EventStore.PruneIntervalMin < 0 {
		return errors.New("event_store.prune_interval_minutes must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Telemetry.TraceExporter {
	case "auto", "stdout", "none":
	case "otlp":
		if strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) == "" {
			return errors.New("telemetry.otlp_endpoint must be set when trace_exporter=otlp")
		}
	default:
		return errors.New("telemetry.trace_exporter must be one of auto|otlp|stdout|none")
	}
	if cfg.Telemetry.TraceSampleRatio < 0 || cfg.Telemetry.TraceSampleRatio > 1 {
		return errors.New("telemetry.trace_sample_ratio must be between 0 and 1")
	}
	if cfg.STT.Enabled {
		switch cfg.Capture.Mode {
		case "bus":
		case "wav":
			if cfg.Capture.File == "" {
				return errors.New("capture.file must be set when mode=wav")
			}
		default:
			return errors.New("capture.mode must be one of bus|wav")
		}
		if cfg.Capture.SampleRate <= 0 {
			return errors.New("capture.sample_rate must be positive")
		}
		if cfg.Capture.Channels <= 0 {
			return errors.New("capture.channels must be positive")
		}
		if cfg.Capture.TapFrames <= 0 {
			return errors.New("capture.tap_frames must be positive")
		}
		switch cfg.STT.Mode {
		case "mock", "exec":
		default:
			return errors.New("stt.mode must be one of mock|exec")
		}
		if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
		if cfg.STT.PartialEveryMS <= 0 {
			return errors.New("stt.partial_every_ms must be positive")
		}
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
		if len(cfg.TTS.Languages) == 0 {
			return errors.New("tts.languages must not be empty")
		}
		seen := make(map[string]struct{}, len(cfg.TTS.Languages))
		for _, lang := range cfg.TTS.Languages {
			if lang.Name == "" || lang.Code == "" {
				return errors.New("tts.languages entries need both name and code")
			}
			if _, dup := seen[lang.Code]; dup {
				return fmt.Errorf("tts.languages has duplicate code %q", lang.Code)
			}
			seen[lang.Code] = struct{}{}
		}
	}
	return nil
}
