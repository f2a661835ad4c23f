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
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	StdoutTraces bool   `yaml:"stdout_traces"`
}

type HTTPConfig struct {
	Bind     string `yaml:"bind"`
	Port     int    `yaml:"port"`
	LivePath string `yaml:"live_path"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Upstream    UpstreamConfig   `yaml:"upstream"`
	Vision      VisionConfig     `yaml:"vision"`
	Transport   TransportConfig  `yaml:"transport"`
	Session     SessionConfig    `yaml:"session"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Stream         string   `yaml:"stream"`
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

// UpstreamConfig selects and tunes the dialogue service.
type UpstreamConfig struct {
	Mode              string `yaml:"mode"` // gemini, mock
	APIKey            string `yaml:"api_key"`
	Model             string `yaml:"model"`
	Voice             string `yaml:"voice"`
	SystemInstruction string `yaml:"system_instruction"`
	ConnectTimeoutMS  int    `yaml:"connect_timeout_ms"`
	ResponseTimeoutMS int    `yaml:"response_timeout_ms"`
	ReadyTimeoutMS    int    `yaml:"ready_timeout_ms"`
	InputSampleRate   int    `yaml:"input_sample_rate"`
	OutputSampleRate  int    `yaml:"output_sample_rate"`
}

type VisionConfig struct {
	Mode      string `yaml:"mode"` // gemini, exec, mock
	Model     string `yaml:"model"`
	Command   string `yaml:"command"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type TransportConfig struct {
	MaxMessageBytes       int64   `yaml:"max_message_bytes"`
	WriteTimeoutMS        int     `yaml:"write_timeout_ms"`
	PingIntervalMS        int     `yaml:"ping_interval_ms"`
	OutboundQueue         int     `yaml:"outbound_queue"`
	InboundMessagesPerSec float64 `yaml:"inbound_messages_per_sec"`
	InboundBurst          int     `yaml:"inbound_burst"`
}

type SessionConfig struct {
	AbortOnBargeIn    bool   `yaml:"abort_on_barge_in"`
	MaxUtteranceBytes int    `yaml:"max_utterance_bytes"`
	DumpDir           string `yaml:"dump_dir"`
}

const defaultSystemInstruction = `You are a friendly voice assistant. Answer briefly in speech. ` +
	`When the user asks about what is on their screen, reply with only this JSON and nothing else: ` +
	`{"kind":"vision_analysis","question":"<the user's question>"}`

func Default() Config {
	return Config{
		RuntimeName: "loqa-live",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:     "0.0.0.0",
			Port:     8080,
			LivePath: "/live",
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       false,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-live-events.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Upstream: UpstreamConfig{
			Mode:              "gemini",
			Model:             "gemini-live-2.5-flash-preview",
			Voice:             "Puck",
			SystemInstruction: defaultSystemInstruction,
			ConnectTimeoutMS:  10000,
			ResponseTimeoutMS: 15000,
			ReadyTimeoutMS:    5000,
			InputSampleRate:   16000,
			OutputSampleRate:  24000,
		},
		Vision: VisionConfig{
			Mode:      "gemini",
			Model:     "gemini-2.5-flash",
			TimeoutMS: 30000,
		},
		Transport: TransportConfig{
			MaxMessageBytes:       8 << 20,
			WriteTimeoutMS:        5000,
			PingIntervalMS:        20000,
			OutboundQueue:         256,
			InboundMessagesPerSec: 400,
			InboundBurst:          800,
		},
		Session: SessionConfig{
			AbortOnBargeIn:    true,
			MaxUtteranceBytes: 16000 * 2 * 120,
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
	if cfg.Upstream.APIKey == "" {
		overrideString(&cfg.Upstream.APIKey, "GEMINI_API_KEY")
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_LIVE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_LIVE_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_LIVE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_LIVE_HTTP_PORT")
	overrideString(&cfg.HTTP.LivePath, "LOQA_LIVE_HTTP_LIVE_PATH")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_LIVE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_LIVE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_LIVE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "LOQA_LIVE_TELEMETRY_STDOUT_TRACES")
	overrideBool(&cfg.Bus.Enabled, "LOQA_LIVE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_LIVE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_LIVE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_LIVE_BUS_STORE_DIR")
	overrideString(&cfg.Bus.Stream, "LOQA_LIVE_BUS_STREAM")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_LIVE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_LIVE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_LIVE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_LIVE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_LIVE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_LIVE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_LIVE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_LIVE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_LIVE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_LIVE_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_LIVE_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Upstream.Mode, "LOQA_LIVE_UPSTREAM_MODE")
	overrideString(&cfg.Upstream.APIKey, "LOQA_LIVE_UPSTREAM_API_KEY")
	overrideString(&cfg.Upstream.Model, "LOQA_LIVE_UPSTREAM_MODEL")
	overrideString(&cfg.Upstream.Voice, "LOQA_LIVE_UPSTREAM_VOICE")
	overrideString(&cfg.Upstream.SystemInstruction, "LOQA_LIVE_UPSTREAM_SYSTEM_INSTRUCTION")
	overrideInt(&cfg.Upstream.ConnectTimeoutMS, "LOQA_LIVE_UPSTREAM_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Upstream.ResponseTimeoutMS, "LOQA_LIVE_UPSTREAM_RESPONSE_TIMEOUT_MS")
	overrideInt(&cfg.Upstream.ReadyTimeoutMS, "LOQA_LIVE_UPSTREAM_READY_TIMEOUT_MS")
	overrideInt(&cfg.Upstream.InputSampleRate, "LOQA_LIVE_UPSTREAM_INPUT_SAMPLE_RATE")
	overrideInt(&cfg.Upstream.OutputSampleRate, "LOQA_LIVE_UPSTREAM_OUTPUT_SAMPLE_RATE")
	overrideString(&cfg.Vision.Mode, "LOQA_LIVE_VISION_MODE")
	overrideString(&cfg.Vision.Model, "LOQA_LIVE_VISION_MODEL")
	overrideString(&cfg.Vision.Command, "LOQA_LIVE_VISION_COMMAND")
	overrideInt(&cfg.Vision.TimeoutMS, "LOQA_LIVE_VISION_TIMEOUT_MS")
	overrideInt64(&cfg.Transport.MaxMessageBytes, "LOQA_LIVE_TRANSPORT_MAX_MESSAGE_BYTES")
	overrideInt(&cfg.Transport.WriteTimeoutMS, "LOQA_LIVE_TRANSPORT_WRITE_TIMEOUT_MS")
	overrideInt(&cfg.Transport.PingIntervalMS, "LOQA_LIVE_TRANSPORT_PING_INTERVAL_MS")
	overrideInt(&cfg.Transport.OutboundQueue, "LOQA_LIVE_TRANSPORT_OUTBOUND_QUEUE")
	overrideFloat(&cfg.Transport.InboundMessagesPerSec, "LOQA_LIVE_TRANSPORT_INBOUND_MESSAGES_PER_SEC")
	overrideInt(&cfg.Transport.InboundBurst, "LOQA_LIVE_TRANSPORT_INBOUND_BURST")
	overrideBool(&cfg.Session.AbortOnBargeIn, "LOQA_LIVE_SESSION_ABORT_ON_BARGE_IN")
	overrideInt(&cfg.Session.MaxUtteranceBytes, "LOQA_LIVE_SESSION_MAX_UTTERANCE_BYTES")
	overrideString(&cfg.Session.DumpDir, "LOQA_LIVE_SESSION_DUMP_DIR")
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

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
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
	if !strings.HasPrefix(cfg.HTTP.LivePath, "/") {
		return errors.New("http.live_path must start with /")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
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
	switch cfg.EventStore.RetentionMode {
	case "ephemeral":
	case "session", "persistent":
		if cfg.EventStore.Path == "" {
			return errors.New("event_store.path must not be empty")
		}
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.Upstream.Mode {
	case "gemini":
		if strings.TrimSpace(cfg.Upstream.APIKey) == "" {
			return errors.New("upstream.api_key (or GEMINI_API_KEY) must be set when mode=gemini")
		}
		if cfg.Upstream.Model == "" {
			return errors.New("upstream.model must not be empty")
		}
	case "mock":
	default:
		return errors.New("upstream.mode must be one of gemini|mock")
	}
	if cfg.Upstream.ConnectTimeoutMS <= 0 || cfg.Upstream.ResponseTimeoutMS <= 0 || cfg.Upstream.ReadyTimeoutMS <= 0 {
		return errors.New("upstream timeouts must be positive")
	}
	if cfg.Upstream.InputSampleRate <= 0 || cfg.Upstream.OutputSampleRate <= 0 {
		return errors.New("upstream sample rates must be positive")
	}
	switch cfg.Vision.Mode {
	case "gemini":
		if cfg.Upstream.Mode != "gemini" {
			return errors.New("vision.mode=gemini requires upstream.mode=gemini")
		}
	case "exec":
		if strings.TrimSpace(cfg.Vision.Command) == "" {
			return errors.New("vision.command must be set when mode=exec")
		}
	case "mock":
	default:
		return errors.New("vision.mode must be one of gemini|exec|mock")
	}
	if cfg.Transport.MaxMessageBytes < 0 {
		return errors.New("transport.max_message_bytes must be >= 0")
	}
	if cfg.Transport.WriteTimeoutMS <= 0 || cfg.Transport.PingIntervalMS <= 0 {
		return errors.New("transport timeouts must be positive")
	}
	if cfg.Transport.OutboundQueue <= 0 {
		return errors.New("transport.outbound_queue must be >= 1")
	}
	if cfg.Transport.InboundMessagesPerSec < 0 || cfg.Transport.InboundBurst < 0 {
		return errors.New("transport inbound limits must be >= 0")
	}
	if cfg.Session.MaxUtteranceBytes < 0 {
		return errors.New("session.max_utterance_bytes must be >= 0")
	}
	return nil
}
