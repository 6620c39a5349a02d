package config

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func mapLookup(m map[string]string) func(string) string {
	return func(key string) string { return m[key] }
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Worker.Mode != ModeTranscription {
		t.Errorf("default mode = %q", cfg.Worker.Mode)
	}
	if cfg.Worker.HeartbeatInterval != 15*time.Second {
		t.Errorf("heartbeat interval = %v", cfg.Worker.HeartbeatInterval)
	}
	if cfg.Discovery.PollingInterval != 5*time.Second {
		t.Errorf("polling interval = %v", cfg.Discovery.PollingInterval)
	}
	if !cfg.Discovery.EnablePolling || !cfg.Discovery.EnableNotify {
		t.Error("discovery notifiers should default on")
	}
	if cfg.Transcription.Language != "en" || cfg.Transcription.OperatingPoint != "enhanced" {
		t.Errorf("transcription defaults = %q/%q", cfg.Transcription.Language, cfg.Transcription.OperatingPoint)
	}
	if cfg.Server.LogLevel != LogInfo {
		t.Errorf("log level = %q", cfg.Server.LogLevel)
	}
}

func TestLoadFromReaderOverridesDefaults(t *testing.T) {
	yaml := `
store:
  url: postgres://localhost/coord
  service_key: sk-test
worker:
  mode: ai-jobs
  heartbeat_interval: 5s
ai:
  provider: ollama
  model: llama3
`
	cfg, err := LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Worker.Mode != ModeAIJobs {
		t.Errorf("mode = %q", cfg.Worker.Mode)
	}
	if cfg.Worker.HeartbeatInterval != 5*time.Second {
		t.Errorf("heartbeat = %v", cfg.Worker.HeartbeatInterval)
	}
	if cfg.AI.Provider != "ollama" || cfg.AI.Model != "llama3" {
		t.Errorf("ai = %q/%q", cfg.AI.Provider, cfg.AI.Model)
	}
	// Untouched sections keep their defaults.
	if cfg.Discovery.PollingInterval != 5*time.Second {
		t.Errorf("polling interval = %v", cfg.Discovery.PollingInterval)
	}
}

func TestLoadFromReaderRejectsUnknownKeys(t *testing.T) {
	if _, err := LoadFromReader(strings.NewReader("stoer:\n  url: x\n")); err == nil {
		t.Error("unknown top-level key should be rejected")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := Defaults()
	err := ApplyEnv(cfg, mapLookup(map[string]string{
		"STORE_URL":               "postgres://db/coord",
		"MODE":                    "both",
		"HEARTBEAT_INTERVAL_MS":   "30000",
		"ENABLE_POLLING_FALLBACK": "false",
		"LOG_LEVEL":               "debug",
	}))
	if err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Store.URL != "postgres://db/coord" {
		t.Errorf("store url = %q", cfg.Store.URL)
	}
	if cfg.Worker.Mode != ModeBoth {
		t.Errorf("mode = %q", cfg.Worker.Mode)
	}
	if cfg.Worker.HeartbeatInterval != 30*time.Second {
		t.Errorf("heartbeat = %v", cfg.Worker.HeartbeatInterval)
	}
	if cfg.Discovery.EnablePolling {
		t.Error("polling should be disabled")
	}
	if cfg.Server.LogLevel != LogDebug {
		t.Errorf("log level = %q", cfg.Server.LogLevel)
	}
}

func TestApplyEnvEmptyLeavesValues(t *testing.T) {
	cfg := Defaults()
	cfg.Store.URL = "postgres://keep/me"
	if err := ApplyEnv(cfg, mapLookup(nil)); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Store.URL != "postgres://keep/me" {
		t.Errorf("store url = %q", cfg.Store.URL)
	}
}

func TestApplyEnvRejectsBadDuration(t *testing.T) {
	cfg := Defaults()
	err := ApplyEnv(cfg, mapLookup(map[string]string{"POLLING_INTERVAL_MS": "soon"}))
	if err == nil {
		t.Error("non-numeric duration should be rejected")
	}
}

func validConfig() *Config {
	cfg := Defaults()
	cfg.Store.URL = "postgres://localhost/coord"
	cfg.Store.ServiceKey = "sk"
	cfg.Transcription.APIKey = "tk"
	return cfg
}

func TestValidateGeneratesWorkerID(t *testing.T) {
	cfg := validConfig()
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if _, err := uuid.Parse(cfg.Worker.ID); err != nil {
		t.Errorf("generated worker id %q is not a UUID", cfg.Worker.ID)
	}
}

func TestValidateRejectsNonUUIDWorkerID(t *testing.T) {
	cfg := validConfig()
	cfg.Worker.ID = "worker-7"
	if err := Validate(cfg); err == nil {
		t.Error("non-UUID worker id should be rejected")
	}
}

func TestValidateRequiresStoreURL(t *testing.T) {
	cfg := validConfig()
	cfg.Store.URL = ""
	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "STORE_URL") {
		t.Errorf("err = %v", err)
	}
}

func TestValidateRequiresSTTKeyOnlyWhenTranscribing(t *testing.T) {
	cfg := validConfig()
	cfg.Transcription.APIKey = ""
	if err := Validate(cfg); err == nil {
		t.Error("transcription mode without api key should be rejected")
	}

	cfg = validConfig()
	cfg.Transcription.APIKey = ""
	cfg.Worker.Mode = ModeAIJobs
	if err := Validate(cfg); err != nil {
		t.Errorf("ai-jobs mode must not require stt key: %v", err)
	}
}

func TestValidateDisablesNotifyWithoutDirectURL(t *testing.T) {
	cfg := validConfig()
	cfg.Discovery.EnableNotify = true
	cfg.Store.DirectURL = ""
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Discovery.EnableNotify {
		t.Error("notify must be forced off without a direct url")
	}
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Port = "http"
	if err := Validate(cfg); err == nil {
		t.Error("non-numeric port should be rejected")
	}
}

func TestModePredicates(t *testing.T) {
	cases := []struct {
		mode        Mode
		transcribes bool
		runsJobs    bool
	}{
		{ModeTranscription, true, false},
		{ModeAIJobs, false, true},
		{ModeBoth, true, true},
	}
	for _, tc := range cases {
		if got := tc.mode.Transcribes(); got != tc.transcribes {
			t.Errorf("%s.Transcribes() = %v", tc.mode, got)
		}
		if got := tc.mode.RunsAIJobs(); got != tc.runsJobs {
			t.Errorf("%s.RunsAIJobs() = %v", tc.mode, got)
		}
	}
}
