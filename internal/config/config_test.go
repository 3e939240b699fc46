package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadDefaultsWithoutFiles(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Environment != "dev" {
		t.Fatalf("environment = %q", cfg.Environment)
	}
	if cfg.BreakerFailureThreshold != 5 {
		t.Fatalf("threshold = %d", cfg.BreakerFailureThreshold)
	}
	if cfg.BreakerRecoveryWindow != 60*time.Second {
		t.Fatalf("recovery = %s", cfg.BreakerRecoveryWindow)
	}
	if cfg.DefaultProvider != "openai" || cfg.DefaultModel != "gpt-4o" {
		t.Fatalf("defaults = %s/%s", cfg.DefaultProvider, cfg.DefaultModel)
	}
}

func TestLoadLayeredFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "config/setting.ini"), `
environment = prod
log_level = debug
default_model = gpt-4o-mini
`)
	writeFile(t, filepath.Join(root, "config/prod/streamkit.ini"), `
# per-environment overrides
default_model = o3-mini
breaker_threshold = 3
breaker_recovery = 90s
openai_base_url = https://proxy.internal/v1
`)

	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Environment != "prod" {
		t.Fatalf("environment = %q", cfg.Environment)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level = %q", cfg.LogLevel)
	}
	// The environment file wins over the root defaults.
	if cfg.DefaultModel != "o3-mini" {
		t.Fatalf("model = %q", cfg.DefaultModel)
	}
	if cfg.BreakerFailureThreshold != 3 || cfg.BreakerRecoveryWindow != 90*time.Second {
		t.Fatalf("breaker = %d/%s", cfg.BreakerFailureThreshold, cfg.BreakerRecoveryWindow)
	}
	if cfg.OpenAIBaseURL != "https://proxy.internal/v1" {
		t.Fatalf("base url = %q", cfg.OpenAIBaseURL)
	}
}

func TestEnvOverrides(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "config/setting.ini"), "default_provider = google\n")

	t.Setenv("STREAMKIT_DEFAULT_PROVIDER", "azure")
	t.Setenv("STREAMKIT_BREAKER_THRESHOLD", "7")

	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DefaultProvider != "azure" {
		t.Fatalf("provider = %q, env must win", cfg.DefaultProvider)
	}
	if cfg.BreakerFailureThreshold != 7 {
		t.Fatalf("threshold = %d", cfg.BreakerFailureThreshold)
	}
}

func TestInvalidRecoveryWindow(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "config/setting.ini"), "breaker_recovery = soon\n")
	if _, err := Load(root); err == nil {
		t.Fatal("expected error for unparseable duration")
	}
}

func TestModelAliasesFile(t *testing.T) {
	root := t.TempDir()
	aliasPath := filepath.Join(root, "aliases.yaml")
	writeFile(t, aliasPath, `
gpt-latest: gpt-4o
Claude-Best: claude-3-7-sonnet
"": dropped
empty-target: ""
`)
	writeFile(t, filepath.Join(root, "config/setting.ini"), "model_aliases_file = "+aliasPath+"\n")

	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ModelAliases["gpt-latest"] != "gpt-4o" {
		t.Fatalf("aliases = %v", cfg.ModelAliases)
	}
	// Keys are lowercased; blank keys and targets dropped.
	if cfg.ModelAliases["claude-best"] != "claude-3-7-sonnet" {
		t.Fatalf("aliases = %v", cfg.ModelAliases)
	}
	if len(cfg.ModelAliases) != 2 {
		t.Fatalf("aliases = %v", cfg.ModelAliases)
	}
}

func TestParseINI(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.ini")
	writeFile(t, path, `
# comment
; also comment
[section]
Key = value
 spaced  =  trimmed
broken-line-no-equals
=nokey
`)
	values, err := parseINI(path)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if values["key"] != "value" {
		t.Fatalf("values = %v", values)
	}
	if values["spaced"] != "trimmed" {
		t.Fatalf("values = %v", values)
	}
	if len(values) != 2 {
		t.Fatalf("values = %v", values)
	}
}
