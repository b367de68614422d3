package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// isolate points every lookup Load performs at a fresh temp home.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("CODECLAW_HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	t.Setenv("CODECLAW_CONFIG", "")
	t.Setenv("CODECLAW_ENV_FILE", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("OPENAI_API_BASE", "")
	return home
}

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.Tools.ApprovalMode != "default" || cfg.Tools.MaxConcurrent != 4 {
		t.Errorf("unexpected tool defaults: %+v", cfg.Tools)
	}
	if !cfg.Tools.Exec.RestrictToWorkspace || !cfg.Tools.Exec.StrictAllowList {
		t.Error("exec should be restricted by default")
	}
	if cfg.Kafka.Enabled || !cfg.Timeline.Enabled {
		t.Errorf("unexpected journal defaults: timeline=%v kafka=%v", cfg.Timeline.Enabled, cfg.Kafka.Enabled)
	}
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "loud"
	cfg.Logging.Format = "xml"
	cfg.Kafka.Enabled = true
	cfg.Kafka.Topic = ""
	cfg.Tools.MaxConcurrent = -1

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"logging.level", "logging.format", "kafka.brokers", "kafka.topic", "tools.maxConcurrent"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in %v", want, err)
		}
	}
}

func TestConfigPathHonoursOverrides(t *testing.T) {
	home := isolate(t)
	p, err := ConfigPath()
	if err != nil {
		t.Fatal(err)
	}
	if p != filepath.Join(home, ".codeclaw", "config.json") {
		t.Fatalf("unexpected default path %q", p)
	}

	explicit := filepath.Join(t.TempDir(), "custom.json")
	t.Setenv("CODECLAW_CONFIG", explicit)
	p, err = ConfigPath()
	if err != nil {
		t.Fatal(err)
	}
	if p != explicit {
		t.Fatalf("expected explicit path %q, got %q", explicit, p)
	}
}

func TestLoadWithoutFileUsesDefaultsAndDerivesPaths(t *testing.T) {
	home := isolate(t)
	t.Setenv("CODECLAW_PATHS_STATE_DIR", filepath.Join(home, "state"))
	t.Setenv("CODECLAW_PATHS_WORKSPACE", filepath.Join(home, "ws"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	state := filepath.Join(home, "state")
	want := map[string]string{
		"sessions":  filepath.Join(state, "sessions"),
		"allowlist": filepath.Join(state, "allowlist.yaml"),
		"output":    filepath.Join(state, "output"),
		"hooks":     filepath.Join(state, "hooks.yaml"),
		"agents":    filepath.Join(state, "agents.yaml"),
		"timeline":  filepath.Join(state, "timeline.db"),
	}
	got := map[string]string{
		"sessions":  cfg.Paths.SessionsDir,
		"allowlist": cfg.Tools.AllowListFile,
		"output":    cfg.Tools.OutputDir,
		"hooks":     cfg.Hooks.File,
		"agents":    cfg.Subagents.File,
		"timeline":  cfg.Timeline.DBPath,
	}
	for k, w := range want {
		if got[k] != w {
			t.Errorf("%s: expected %q, got %q", k, w, got[k])
		}
	}
	if cfg.Paths.Workspace != filepath.Join(home, "ws") {
		t.Errorf("unexpected workspace %q", cfg.Paths.Workspace)
	}
	if cfg.Model.Name != "gpt-4o" {
		t.Errorf("expected default model, got %q", cfg.Model.Name)
	}
}

func TestLoadEnvironmentOverridesFile(t *testing.T) {
	home := isolate(t)
	writeConfig(t, filepath.Join(home, ".codeclaw", "config.json"), `{
  "model": {"name": "from-file", "maxTokens": 1000},
  "tools": {"approvalMode": "auto_edit"}
}`)
	t.Setenv("CODECLAW_MODEL_MODEL", "from-env")
	t.Setenv("CODECLAW_TOOLS_EXEC_TIMEOUT", "5s")
	t.Setenv("CODECLAW_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Model.Name != "from-env" {
		t.Errorf("env should win over file, got %q", cfg.Model.Name)
	}
	if cfg.Model.MaxTokens != 1000 {
		t.Errorf("file value lost, got %d", cfg.Model.MaxTokens)
	}
	if cfg.Tools.ApprovalMode != "auto_edit" {
		t.Errorf("expected auto_edit from file, got %q", cfg.Tools.ApprovalMode)
	}
	if cfg.Tools.Exec.Timeout != 5*time.Second {
		t.Errorf("expected nested exec timeout override, got %v", cfg.Tools.Exec.Timeout)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Errorf("unexpected brokers %v", cfg.Kafka.Brokers)
	}
	if cfg.Provider.APIKey != "sk-test" {
		t.Errorf("expected OPENAI_API_KEY fallback, got %q", cfg.Provider.APIKey)
	}
}

func TestLoadEnvFileFeedsOverrides(t *testing.T) {
	home := isolate(t)
	envPath := filepath.Join(home, ".codeclaw", "env")
	writeConfig(t, envPath, "CODECLAW_MODEL_MODEL=from-env-file\n")
	t.Setenv("CODECLAW_MODEL_MODEL", "")
	os.Unsetenv("CODECLAW_MODEL_MODEL")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Model.Name != "from-env-file" {
		t.Fatalf("expected env file value, got %q", cfg.Model.Name)
	}
}

func TestLoadMergesIncludesAndSubstitutesEnv(t *testing.T) {
	home := isolate(t)
	dir := filepath.Join(home, ".codeclaw")
	writeConfig(t, filepath.Join(dir, "base.json"), `{
  "model": {"name": "base-model", "maxTokens": 2048},
  "kafka": {"topic": "base.topic"}
}`)
	writeConfig(t, filepath.Join(dir, "config.json"), `{
  "$include": "base.json",
  "model": {"name": "top-model"},
  "provider": {"apiKey": "${TEST_CODECLAW_KEY}"}
}`)
	t.Setenv("TEST_CODECLAW_KEY", "secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Model.Name != "top-model" || cfg.Model.MaxTokens != 2048 {
		t.Errorf("unexpected merged model: %+v", cfg.Model)
	}
	if cfg.Kafka.Topic != "base.topic" {
		t.Errorf("included value lost: %q", cfg.Kafka.Topic)
	}
	if cfg.Provider.APIKey != "secret" {
		t.Errorf("expected substituted key, got %q", cfg.Provider.APIKey)
	}
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	home := isolate(t)
	dir := filepath.Join(home, ".codeclaw")
	writeConfig(t, filepath.Join(dir, "config.json"), `{"$include": "other.json"}`)
	writeConfig(t, filepath.Join(dir, "other.json"), `{"$include": "config.json"}`)

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected include cycle error, got %v", err)
	}
}

func TestLoadRejectsInvalidJSON(t *testing.T) {
	home := isolate(t)
	writeConfig(t, filepath.Join(home, ".codeclaw", "config.json"), `{"model": `)
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "parse config") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestSaveRoundTripsThroughLoad(t *testing.T) {
	home := isolate(t)
	cfg := DefaultConfig()
	cfg.Model.Name = "saved-model"
	cfg.Tools.Deny = []string{"exec"}
	if err := Save(cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	info, err := os.Stat(filepath.Join(home, ".codeclaw", "config.json"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected 0600, got %v", info.Mode().Perm())
	}

	loaded, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Model.Name != "saved-model" || len(loaded.Tools.Deny) != 1 {
		t.Fatalf("saved values not loaded: %+v", loaded.Tools)
	}
}
