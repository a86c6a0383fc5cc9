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
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Render.MemoryBudgetMB != 4096 || cfg.Render.Workers != 0 {
		t.Fatalf("unexpected render defaults %+v", cfg.Render)
	}
	if cfg.Voice.Mode != "file" || cfg.Ledger.RetentionMode != "persistent" {
		t.Fatalf("unexpected defaults voice=%q ledger=%q", cfg.Voice.Mode, cfg.Ledger.RetentionMode)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loqa.yaml")
	doc := `
runtime_name: studio
render:
  workers: 3
  memory_budget_mb: 512
  generator_timeout_ms: 1000
voice:
  mode: exec
  command: "piper --json"
dispatch:
  enabled: false
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RuntimeName != "studio" || cfg.Render.Workers != 3 || cfg.Render.MemoryBudgetMB != 512 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Voice.Command != "piper --json" || cfg.Dispatch.Enabled {
		t.Fatalf("voice/dispatch not applied: %+v %+v", cfg.Voice, cfg.Dispatch)
	}
	// untouched sections keep their defaults
	if cfg.Ledger.MaxRenders != 10000 || cfg.Voice.Channels != 1 {
		t.Fatalf("defaults lost: %+v", cfg.Ledger)
	}
}

func TestMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_NODE_ID", "test-node")
	t.Setenv("LOQA_NODE_HEARTBEAT_INTERVAL_MS", "1500")
	t.Setenv("LOQA_NODE_HEARTBEAT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_LEDGER_PATH", "./tmp.db")
	t.Setenv("LOQA_LEDGER_RETENTION_MODE", "session")
	t.Setenv("LOQA_LEDGER_RETENTION_DAYS", "7")
	t.Setenv("LOQA_LEDGER_MAX_RENDERS", "123")
	t.Setenv("LOQA_LEDGER_VACUUM_ON_START", "true")
	t.Setenv("LOQA_RENDER_WORKERS", "2")
	t.Setenv("LOQA_RENDER_MEMORY_BUDGET_MB", "256")
	t.Setenv("LOQA_RENDER_DEFAULT_SEED", "77")
	t.Setenv("LOQA_VOICE_MODE", "mock")
	t.Setenv("LOQA_DISPATCH_MAX_CONCURRENCY", "4")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Node.ID != "test-node" {
		t.Fatalf("expected node id override")
	}
	if cfg.Node.HeartbeatInterval != 1500 || cfg.Node.HeartbeatTimeout != 5000 {
		t.Fatalf("expected heartbeat overrides")
	}
	if cfg.Ledger.Path != "./tmp.db" || cfg.Ledger.RetentionMode != "session" {
		t.Fatalf("expected ledger overrides, got %+v", cfg.Ledger)
	}
	if cfg.Ledger.RetentionDays != 7 || cfg.Ledger.MaxRenders != 123 || !cfg.Ledger.VacuumOnStart {
		t.Fatalf("expected ledger retention overrides, got %+v", cfg.Ledger)
	}
	if cfg.Render.Workers != 2 || cfg.Render.MemoryBudgetMB != 256 || cfg.Render.DefaultSeed != 77 {
		t.Fatalf("expected render overrides, got %+v", cfg.Render)
	}
	if cfg.Voice.Mode != "mock" {
		t.Fatalf("expected voice mode override")
	}
	if cfg.Dispatch.MaxConcurrency != 4 {
		t.Fatalf("expected dispatch concurrency override")
	}
}

func TestValidation(t *testing.T) {
	cases := map[string]string{
		"LOQA_VOICE_MODE":              "tts",
		"LOQA_LEDGER_RETENTION_MODE":   "forever",
		"LOQA_RENDER_MEMORY_BUDGET_MB": "0",
		"LOQA_TELEMETRY_LOG_LEVEL":     "verbose",
		"LOQA_VOICE_CHANNELS":          "6",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			if _, err := Load(""); err == nil {
				t.Fatalf("expected validation error for %s=%s", key, value)
			}
		})
	}

	t.Run("exec without command", func(t *testing.T) {
		t.Setenv("LOQA_VOICE_MODE", "exec")
		if _, err := Load(""); err == nil {
			t.Fatal("expected error for exec voice without command")
		}
	})
}
