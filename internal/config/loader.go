package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Load builds the effective configuration. When path is non-empty the
// YAML file is read first; environment variables are then applied on
// top, and the result validated. A missing file at an explicit path is
// an error; path == "" skips the file layer entirely.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()
		if err := decodeYAML(f, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}

	if err := ApplyEnv(cfg, os.Getenv); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Defaults] and
// validates the result. Useful in tests where configs are constructed
// from string literals. Environment variables are not consulted.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Defaults()
	if err := decodeYAML(r, cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	return nil
}

// ApplyEnv overlays environment variables onto cfg. lookup is usually
// [os.Getenv]; tests inject a map lookup. Unset and empty variables
// leave the existing value untouched.
func ApplyEnv(cfg *Config, lookup func(string) string) error {
	var errs []error

	setStr := func(key string, dst *string) {
		if v := lookup(key); v != "" {
			*dst = v
		}
	}
	setDurMS := func(key string, dst *time.Duration) {
		v := lookup(key)
		if v == "" {
			return
		}
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			errs = append(errs, fmt.Errorf("config: %s %q is not a positive integer", key, v))
			return
		}
		*dst = time.Duration(ms) * time.Millisecond
	}
	setBool := func(key string, dst *bool) {
		v := lookup(key)
		if v == "" {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s %q is not a boolean", key, v))
			return
		}
		*dst = b
	}

	setStr("STORE_URL", &cfg.Store.URL)
	setStr("STORE_SERVICE_KEY", &cfg.Store.ServiceKey)
	setStr("STORE_DIRECT_URL", &cfg.Store.DirectURL)
	setStr("STORE_REALTIME_URL", &cfg.Store.RealtimeURL)

	setStr("WORKER_ID", &cfg.Worker.ID)
	if v := lookup("MODE"); v != "" {
		cfg.Worker.Mode = Mode(v)
	}
	setDurMS("HEARTBEAT_INTERVAL_MS", &cfg.Worker.HeartbeatInterval)

	setDurMS("POLLING_INTERVAL_MS", &cfg.Discovery.PollingInterval)
	setDurMS("REALTIME_TIMEOUT_MS", &cfg.Discovery.RealtimeTimeout)
	setDurMS("REALTIME_RETRY_INTERVAL_MS", &cfg.Discovery.RealtimeRetryInterval)
	setDurMS("ROOM_CLAIM_CACHE_DURATION_MS", &cfg.Discovery.ClaimCacheWindow)
	setBool("ENABLE_POLLING_FALLBACK", &cfg.Discovery.EnablePolling)
	setBool("ENABLE_DATABASE_NOTIFY", &cfg.Discovery.EnableNotify)

	setStr("TRANSCRIPTION_API_KEY", &cfg.Transcription.APIKey)
	setStr("TRANSCRIPTION_URL", &cfg.Transcription.URL)
	setStr("TRANSCRIPTION_LANGUAGE", &cfg.Transcription.Language)

	setStr("AI_PROVIDER", &cfg.AI.Provider)
	setStr("AI_MODEL", &cfg.AI.Model)
	setStr("AI_API_KEY", &cfg.AI.APIKey)
	setStr("AI_BASE_URL", &cfg.AI.BaseURL)

	setStr("PORT", &cfg.Server.Port)
	if v := lookup("LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = LogLevel(v)
	}

	return errors.Join(errs...)
}

// Validate checks that cfg contains a coherent set of values and fills
// generated defaults (worker ID). It returns a joined error listing all
// failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Store.URL == "" {
		errs = append(errs, errors.New("store.url (STORE_URL) is required"))
	}
	if cfg.Store.ServiceKey == "" {
		errs = append(errs, errors.New("store.service_key (STORE_SERVICE_KEY) is required"))
	}

	if cfg.Worker.ID == "" {
		cfg.Worker.ID = uuid.NewString()
	} else if _, err := uuid.Parse(cfg.Worker.ID); err != nil {
		errs = append(errs, fmt.Errorf("worker.id %q is not a UUID", cfg.Worker.ID))
	}

	if !cfg.Worker.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("worker.mode %q is invalid; valid values: transcription, ai-jobs, both", cfg.Worker.Mode))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error, fatal", cfg.Server.LogLevel))
	}

	if cfg.Worker.Mode.Transcribes() && cfg.Transcription.APIKey == "" {
		errs = append(errs, errors.New("transcription.api_key (TRANSCRIPTION_API_KEY) is required in transcription mode"))
	}

	// The notify notifier needs its own SQL connection.
	if cfg.Store.DirectURL == "" {
		cfg.Discovery.EnableNotify = false
	}

	if cfg.Server.Port != "" {
		if p, err := strconv.Atoi(cfg.Server.Port); err != nil || p < 1 || p > 65535 {
			errs = append(errs, fmt.Errorf("server.port %q is not a valid TCP port", cfg.Server.Port))
		}
	}

	return errors.Join(errs...)
}
