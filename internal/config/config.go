// Package config provides the configuration schema and loader for the
// media-worker process.
//
// Configuration is layered: an optional YAML file supplies base values,
// and environment variables override individual keys. Every tunable the
// worker honours has an environment name documented on its field.
package config

import "time"

// LogLevel controls log verbosity for the worker process.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
	LogFatal LogLevel = "fatal"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError, LogFatal:
		return true
	}
	return false
}

// Mode selects which work the process performs.
type Mode string

const (
	// ModeTranscription attaches to live rooms and produces transcripts.
	ModeTranscription Mode = "transcription"

	// ModeAIJobs runs the post-call analysis job queue only.
	ModeAIJobs Mode = "ai-jobs"

	// ModeBoth runs transcription and the AI job queue in one process.
	ModeBoth Mode = "both"
)

// IsValid reports whether m is a recognised worker mode.
func (m Mode) IsValid() bool {
	switch m {
	case ModeTranscription, ModeAIJobs, ModeBoth:
		return true
	}
	return false
}

// Transcribes reports whether the mode claims transcription rooms.
func (m Mode) Transcribes() bool { return m == ModeTranscription || m == ModeBoth }

// RunsAIJobs reports whether the mode drives the AI job queue.
func (m Mode) RunsAIJobs() bool { return m == ModeAIJobs || m == ModeBoth }

// Config is the root configuration structure for the media worker.
// Load it with [Load]; environment variables always win over file values.
type Config struct {
	Store         StoreConfig         `yaml:"store"`
	Worker        WorkerConfig        `yaml:"worker"`
	Discovery     DiscoveryConfig     `yaml:"discovery"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	AI            AIConfig            `yaml:"ai"`
	Server        ServerConfig        `yaml:"server"`
}

// StoreConfig holds connection settings for the coordination store.
type StoreConfig struct {
	// URL is the PostgreSQL connection string of the coordination store.
	// Env: STORE_URL. Required.
	URL string `yaml:"url"`

	// ServiceKey is the privileged credential presented to the store's
	// realtime gateway. Env: STORE_SERVICE_KEY. Required.
	ServiceKey string `yaml:"service_key"`

	// DirectURL is a separate SQL connection string used for the
	// LISTEN/NOTIFY channel. When empty the notify discovery path is
	// disabled. Env: STORE_DIRECT_URL.
	DirectURL string `yaml:"direct_url"`

	// RealtimeURL is the websocket endpoint of the store's row-change
	// stream. When empty the realtime discovery path is disabled.
	// Env: STORE_REALTIME_URL.
	RealtimeURL string `yaml:"realtime_url"`
}

// WorkerConfig holds the worker's identity and liveness settings.
type WorkerConfig struct {
	// ID is a stable UUID identifying this worker across restarts.
	// Env: WORKER_ID. Default: freshly generated.
	ID string `yaml:"id"`

	// Mode selects transcription, ai-jobs, or both.
	// Env: MODE (also --mode flag). Default: transcription.
	Mode Mode `yaml:"mode"`

	// HeartbeatInterval is the period between liveness writes.
	// Env: HEARTBEAT_INTERVAL_MS. Default: 15s.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// DiscoveryConfig tunes the three room-discovery notifiers.
type DiscoveryConfig struct {
	// PollingInterval is the claimable-room polling tick.
	// Env: POLLING_INTERVAL_MS. Default: 5s.
	PollingInterval time.Duration `yaml:"polling_interval"`

	// RealtimeTimeout bounds establishment of the realtime subscription.
	// Env: REALTIME_TIMEOUT_MS. Default: 30s.
	RealtimeTimeout time.Duration `yaml:"realtime_timeout"`

	// RealtimeRetryInterval is the reconnect backoff after the realtime
	// stream drops. Env: REALTIME_RETRY_INTERVAL_MS. Default: 2m.
	RealtimeRetryInterval time.Duration `yaml:"realtime_retry_interval"`

	// ClaimCacheWindow is the per-room de-duplication window during
	// which only one notifier may attempt a claim.
	// Env: ROOM_CLAIM_CACHE_DURATION_MS. Default: 30s.
	ClaimCacheWindow time.Duration `yaml:"claim_cache_window"`

	// EnablePolling toggles the polling fallback notifier.
	// Env: ENABLE_POLLING_FALLBACK. Default: true.
	EnablePolling bool `yaml:"enable_polling"`

	// EnableNotify toggles the database NOTIFY notifier. Forced off when
	// Store.DirectURL is empty. Env: ENABLE_DATABASE_NOTIFY. Default: true.
	EnableNotify bool `yaml:"enable_notify"`
}

// TranscriptionConfig configures the external streaming STT provider.
type TranscriptionConfig struct {
	// APIKey is the bearer token for the provider.
	// Env: TRANSCRIPTION_API_KEY.
	APIKey string `yaml:"api_key"`

	// URL overrides the provider's websocket endpoint.
	// Env: TRANSCRIPTION_URL.
	URL string `yaml:"url"`

	// Language is the BCP-47 recognition language. Default: "en".
	Language string `yaml:"language"`

	// OperatingPoint selects the provider's accuracy/latency trade-off
	// (e.g. "enhanced"). Default: "enhanced".
	OperatingPoint string `yaml:"operating_point"`

	// EnablePartials requests interim results from the provider. Only
	// final fragments are ever persisted. Default: false.
	EnablePartials bool `yaml:"enable_partials"`
}

// AIConfig configures the LLM used by the post-call analysis driver.
type AIConfig struct {
	// Provider names the LLM backend (e.g. "openai", "anthropic",
	// "ollama"). Env: AI_PROVIDER. Default: "openai".
	Provider string `yaml:"provider"`

	// Model selects the model within the provider. Env: AI_MODEL.
	Model string `yaml:"model"`

	// APIKey is the provider credential. Env: AI_API_KEY.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint. Env: AI_BASE_URL.
	BaseURL string `yaml:"base_url"`

	// PollInterval is the job-queue polling tick. Default: 10s.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// ServerConfig holds the optional health/metrics listener and logging.
type ServerConfig struct {
	// Port is the TCP port for the health endpoint. When empty no
	// listener is started. Env: PORT.
	Port string `yaml:"port"`

	// LogLevel controls verbosity. Env: LOG_LEVEL. Default: info.
	LogLevel LogLevel `yaml:"log_level"`
}

// Defaults returns a Config populated with every documented default.
func Defaults() *Config {
	return &Config{
		Worker: WorkerConfig{
			Mode:              ModeTranscription,
			HeartbeatInterval: 15 * time.Second,
		},
		Discovery: DiscoveryConfig{
			PollingInterval:       5 * time.Second,
			RealtimeTimeout:       30 * time.Second,
			RealtimeRetryInterval: 2 * time.Minute,
			ClaimCacheWindow:      30 * time.Second,
			EnablePolling:         true,
			EnableNotify:          true,
		},
		Transcription: TranscriptionConfig{
			Language:       "en",
			OperatingPoint: "enhanced",
		},
		AI: AIConfig{
			Provider:     "openai",
			PollInterval: 10 * time.Second,
		},
		Server: ServerConfig{
			LogLevel: LogInfo,
		},
	}
}
