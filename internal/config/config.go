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
	// Traces selects the span exporter when no OTLP endpoint is set:
	// stdout or none.
	Traces string `yaml:"traces"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Node        NodeConfig      `yaml:"node"`
	Ledger      LedgerConfig    `yaml:"ledger"`
	Render      RenderConfig    `yaml:"render"`
	Voice       VoiceConfig     `yaml:"voice"`
	Dispatch    DispatchConfig  `yaml:"dispatch"`
}

type BusConfig struct {
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

type NodeConfig struct {
	ID                string `yaml:"id"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type LedgerConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"` // ephemeral, session, persistent
	RetentionDays int    `yaml:"retention_days"`
	MaxRenders    int    `yaml:"max_renders"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type RenderConfig struct {
	Workers            int   `yaml:"workers"` // 0 means one per CPU
	GeneratorTimeoutMS int   `yaml:"generator_timeout_ms"`
	MemoryBudgetMB     int   `yaml:"memory_budget_mb"`
	BlockSize          int   `yaml:"block_size"`
	LockTimeoutMS      int   `yaml:"lock_timeout_ms"`
	DefaultSeed        int64 `yaml:"default_seed"`
}

type VoiceConfig struct {
	Mode     string `yaml:"mode"` // file, exec, mock
	Command  string `yaml:"command"`
	Voice    string `yaml:"voice"`
	Channels int    `yaml:"channels"`
}

type DispatchConfig struct {
	Enabled        bool   `yaml:"enabled"`
	MaxConcurrency int    `yaml:"max_concurrency"`
	ManifestDir    string `yaml:"manifest_dir"`
	OutputDir      string `yaml:"output_dir"`
	TimeoutMS      int    `yaml:"timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-render",
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
			Traces:         "stdout",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "loqa-render-1",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		Ledger: LedgerConfig{
			Path:          "./data/loqa-renders.db",
			RetentionMode: "persistent",
			RetentionDays: 90,
			MaxRenders:    10000,
		},
		Render: RenderConfig{
			Workers:            0,
			GeneratorTimeoutMS: 10 * 60 * 1000,
			MemoryBudgetMB:     4096,
			LockTimeoutMS:      30000,
		},
		Voice: VoiceConfig{
			Mode:     "file",
			Channels: 1,
		},
		Dispatch: DispatchConfig{
			Enabled:        true,
			MaxConcurrency: 1,
			ManifestDir:    "./sessions",
			OutputDir:      "./renders",
			TimeoutMS:      60 * 60 * 1000,
		},
	}
}

// Load starts from Default, overlays the YAML file at path when given, then
// applies LOQA_* environment overrides and validates the result.
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
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.Telemetry.Traces, "LOQA_TELEMETRY_TRACES")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.Ledger.Path, "LOQA_LEDGER_PATH")
	overrideString(&cfg.Ledger.RetentionMode, "LOQA_LEDGER_RETENTION_MODE")
	overrideInt(&cfg.Ledger.RetentionDays, "LOQA_LEDGER_RETENTION_DAYS")
	overrideInt(&cfg.Ledger.MaxRenders, "LOQA_LEDGER_MAX_RENDERS")
	overrideBool(&cfg.Ledger.VacuumOnStart, "LOQA_LEDGER_VACUUM_ON_START")
	overrideInt(&cfg.Render.Workers, "LOQA_RENDER_WORKERS")
	overrideInt(&cfg.Render.GeneratorTimeoutMS, "LOQA_RENDER_GENERATOR_TIMEOUT_MS")
	overrideInt(&cfg.Render.MemoryBudgetMB, "LOQA_RENDER_MEMORY_BUDGET_MB")
	overrideInt(&cfg.Render.BlockSize, "LOQA_RENDER_BLOCK_SIZE")
	overrideInt(&cfg.Render.LockTimeoutMS, "LOQA_RENDER_LOCK_TIMEOUT_MS")
	overrideInt64(&cfg.Render.DefaultSeed, "LOQA_RENDER_DEFAULT_SEED")
	overrideString(&cfg.Voice.Mode, "LOQA_VOICE_MODE")
	overrideString(&cfg.Voice.Command, "LOQA_VOICE_COMMAND")
	overrideString(&cfg.Voice.Voice, "LOQA_VOICE_VOICE")
	overrideInt(&cfg.Voice.Channels, "LOQA_VOICE_CHANNELS")
	overrideBool(&cfg.Dispatch.Enabled, "LOQA_DISPATCH_ENABLED")
	overrideInt(&cfg.Dispatch.MaxConcurrency, "LOQA_DISPATCH_MAX_CONCURRENCY")
	overrideString(&cfg.Dispatch.ManifestDir, "LOQA_DISPATCH_MANIFEST_DIR")
	overrideString(&cfg.Dispatch.OutputDir, "LOQA_DISPATCH_OUTPUT_DIR")
	overrideInt(&cfg.Dispatch.TimeoutMS, "LOQA_DISPATCH_TIMEOUT_MS")
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	switch cfg.Telemetry.Traces {
	case "stdout", "none":
	default:
		return errors.New("telemetry.traces must be one of stdout|none")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
		if cfg.Bus.StoreDir == "" {
			return errors.New("bus.store_dir must not be empty when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if cfg.Ledger.Path == "" {
		return errors.New("ledger.path must not be empty")
	}
	switch cfg.Ledger.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("ledger.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Ledger.RetentionDays < 0 {
		return errors.New("ledger.retention_days must be >= 0")
	}
	if cfg.Ledger.MaxRenders < 0 {
		return errors.New("ledger.max_renders must be >= 0")
	}
	if cfg.Render.Workers < 0 {
		return errors.New("render.workers must be >= 0")
	}
	if cfg.Render.GeneratorTimeoutMS <= 0 {
		return errors.New("render.generator_timeout_ms must be positive")
	}
	if cfg.Render.MemoryBudgetMB <= 0 {
		return errors.New("render.memory_budget_mb must be positive")
	}
	if cfg.Render.BlockSize < 0 {
		return errors.New("render.block_size must be >= 0")
	}
	if cfg.Render.LockTimeoutMS < 0 {
		return errors.New("render.lock_timeout_ms must be >= 0")
	}
	switch cfg.Voice.Mode {
	case "file", "mock":
	case "exec":
		if cfg.Voice.Command == "" {
			return errors.New("voice.command must be set when mode=exec")
		}
	default:
		return errors.New("voice.mode must be one of file|exec|mock")
	}
	if cfg.Voice.Channels != 1 && cfg.Voice.Channels != 2 {
		return errors.New("voice.channels must be 1 or 2")
	}
	if cfg.Dispatch.Enabled {
		if cfg.Dispatch.MaxConcurrency <= 0 {
			return errors.New("dispatch.max_concurrency must be >= 1")
		}
		if cfg.Dispatch.OutputDir == "" {
			return errors.New("dispatch.output_dir must not be empty when dispatch is enabled")
		}
		if cfg.Dispatch.TimeoutMS <= 0 {
			return errors.New("dispatch.timeout_ms must be positive")
		}
	}
	return nil
}
