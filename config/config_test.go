package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

const minimalYAML = `
chainflow:
  name: chainflow
  version: 0.1.0
bus:
  brokers: ["localhost:9092"]
  group_id: chainflow-engine
  trades_topic: chain.trades
  transfers_topic: chain.transfers
`

func TestLoadConfigDefaults(t *testing.T) {
	path := writeFile(t, "config.yml", minimalYAML)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine.Workers != 8 {
		t.Errorf("workers = %d, want default 8", cfg.Engine.Workers)
	}
	if cfg.State.RecoveryBudget != 30*time.Second {
		t.Errorf("recovery budget = %v, want 30s", cfg.State.RecoveryBudget)
	}
	if cfg.State.CheckpointInterval != time.Minute {
		t.Errorf("checkpoint interval = %v, want 1m", cfg.State.CheckpointInterval)
	}
	if cfg.Channels.EventBuffer != 4096 {
		t.Errorf("event buffer = %d, want 4096", cfg.Channels.EventBuffer)
	}
}

func TestLoadConfigEnvExpansion(t *testing.T) {
	t.Setenv("CHAINFLOW_GROUP", "engine-prod")
	path := writeFile(t, "config.yml", `
chainflow:
  name: chainflow
bus:
  brokers: ["localhost:9092"]
  group_id: ${CHAINFLOW_GROUP}
  trades_topic: chain.trades
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Bus.GroupID != "engine-prod" {
		t.Errorf("group id = %q, want env-expanded value", cfg.Bus.GroupID)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	cases := map[string]string{
		"missing name":    "bus:\n  brokers: [\"b:9092\"]\n  group_id: g\n  trades_topic: t\n",
		"missing brokers": "chainflow:\n  name: c\nbus:\n  group_id: g\n  trades_topic: t\n",
		"missing topic":   "chainflow:\n  name: c\nbus:\n  brokers: [\"b:9092\"]\n  group_id: g\n",
		"sink without dsn": `
chainflow:
  name: c
bus:
  brokers: ["b:9092"]
  group_id: g
  trades_topic: t
sink:
  clickhouse:
    enabled: true
`,
	}
	for name, content := range cases {
		path := writeFile(t, "config.yml", content)
		if _, err := LoadConfig(path); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestLoadTransforms(t *testing.T) {
	path := writeFile(t, "transforms.yml", `
transforms:
  - pipeline: market
    name: token_candles
    kind: candles
    source: trades
    key_by: token
    timeframes: ["1s", "1m", "1h"]
    output: candles
  - pipeline: traders
    name: trader_positions
    kind: position
    source: trades
    key_by: trader_token
    output: position_overviews
`)
	catalog, err := LoadTransforms(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(catalog.Transforms) != 2 {
		t.Fatalf("got %d transforms, want 2", len(catalog.Transforms))
	}
	if catalog.Transforms[0].Encoding != "json" {
		t.Errorf("encoding default = %q, want json", catalog.Transforms[0].Encoding)
	}
	if len(catalog.Transforms[0].Timeframes) != 3 {
		t.Errorf("timeframes = %v", catalog.Transforms[0].Timeframes)
	}
}

func TestAppEnvironment(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	if got := AppEnvironment(); got != EnvironmentProduction {
		t.Errorf("env = %q, want production", got)
	}
	if !IsProductionLike(EnvironmentStaging) {
		t.Error("staging should be production-like")
	}
	t.Setenv("APP_ENV", "")
	if got := AppEnvironment(); got != EnvironmentDevelopment {
		t.Errorf("env = %q, want development", got)
	}
}
