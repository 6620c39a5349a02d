// Command media-worker attaches to live conferencing rooms, streams
// per-speaker audio through an external recognition service, persists
// the transcript timeline, and (depending on mode) runs the post-call
// AI analysis queue.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/vollawetscher/media-worker/internal/config"
	"github.com/vollawetscher/media-worker/internal/health"
	"github.com/vollawetscher/media-worker/internal/observe"
	"github.com/vollawetscher/media-worker/internal/resilience"
	"github.com/vollawetscher/media-worker/internal/store"
	"github.com/vollawetscher/media-worker/internal/worker"
	"github.com/vollawetscher/media-worker/pkg/provider/llm"
	"github.com/vollawetscher/media-worker/pkg/provider/llm/anyllm"
	"github.com/vollawetscher/media-worker/pkg/provider/stt"
	"github.com/vollawetscher/media-worker/pkg/provider/stt/speechmatics"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the YAML configuration file (optional; environment variables override)")
	modeFlag := flag.String("mode", "", "worker mode: transcription, ai-jobs, or both (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "media-worker: %v\n", err)
		return 1
	}
	if *modeFlag != "" {
		cfg.Worker.Mode = config.Mode(*modeFlag)
		if !cfg.Worker.Mode.IsValid() {
			fmt.Fprintf(os.Stderr, "media-worker: invalid --mode %q\n", *modeFlag)
			return 1
		}
	}

	slog.SetDefault(newLogger(cfg.Server.LogLevel))

	slog.Info("media-worker starting",
		"worker_id", cfg.Worker.ID,
		"mode", cfg.Worker.Mode,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	st, err := store.New(ctx, cfg.Store.URL)
	if err != nil {
		slog.Error("failed to connect to coordination store", "err", err)
		return 1
	}
	defer st.Close()

	sttProvider, llmProvider, err := buildProviders(cfg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	mgr := worker.New(cfg, st, sttProvider, llmProvider, metrics)

	var healthSrv *http.Server
	if cfg.Server.Port != "" {
		checkers := []health.Checker{
			{Name: "database", Check: st.Ping},
		}
		if cfg.Store.RealtimeURL != "" && cfg.Worker.Mode.Transcribes() {
			checkers = append(checkers, health.Checker{
				Name: "realtime",
				Check: func(context.Context) error {
					if !mgr.RealtimeHealthy() {
						return errors.New("realtime stream stalled")
					}
					return nil
				},
			})
		}

		mux := http.NewServeMux()
		health.New(cfg.Worker.ID, string(cfg.Worker.Mode), checkers...).Register(mux)
		healthSrv = &http.Server{Addr: ":" + cfg.Server.Port, Handler: mux}
		go func() {
			slog.Info("health endpoint listening", "port", cfg.Server.Port)
			if err := healthSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("health server error", "err", err)
			}
		}()
	}

	err = mgr.Run(ctx)

	if healthSrv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := healthSrv.Shutdown(sctx); serr != nil {
			slog.Warn("health server shutdown error", "err", serr)
		}
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("worker exited with error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// buildProviders instantiates the STT and LLM providers the configured
// mode needs. A mode that does not use a provider leaves it nil.
func buildProviders(cfg *config.Config) (stt.Provider, llm.Provider, error) {
	var sttProvider stt.Provider
	if cfg.Worker.Mode.Transcribes() {
		var opts []speechmatics.Option
		if cfg.Transcription.URL != "" {
			opts = append(opts, speechmatics.WithEndpoint(cfg.Transcription.URL))
		}
		if cfg.Transcription.Language != "" {
			opts = append(opts, speechmatics.WithLanguage(cfg.Transcription.Language))
		}
		if cfg.Transcription.OperatingPoint != "" {
			opts = append(opts, speechmatics.WithOperatingPoint(cfg.Transcription.OperatingPoint))
		}
		p, err := speechmatics.New(cfg.Transcription.APIKey, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("create stt provider: %w", err)
		}
		sttProvider = resilience.NewSTTFallback(p, "speechmatics", resilience.FallbackConfig{})
		slog.Info("provider created", "kind", "stt", "name", "speechmatics")
	}

	var llmProvider llm.Provider
	if cfg.Worker.Mode.RunsAIJobs() {
		var opts []anyllmlib.Option
		if cfg.AI.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(cfg.AI.APIKey))
		}
		if cfg.AI.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(cfg.AI.BaseURL))
		}
		p, err := anyllm.New(cfg.AI.Provider, cfg.AI.Model, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("create llm provider %q: %w", cfg.AI.Provider, err)
		}
		llmProvider = resilience.NewLLMFallback(p, cfg.AI.Provider, resilience.FallbackConfig{})
		slog.Info("provider created", "kind", "llm", "name", cfg.AI.Provider, "model", cfg.AI.Model)
	}

	return sttProvider, llmProvider, nil
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError, config.LogFatal:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
