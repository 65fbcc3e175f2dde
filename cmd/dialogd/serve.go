package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dialogd/dialogd/internal/abuse"
	apihttp "github.com/dialogd/dialogd/internal/api/http"
	"github.com/dialogd/dialogd/internal/config"
	"github.com/dialogd/dialogd/internal/conversation"
	"github.com/dialogd/dialogd/internal/dialogue"
	"github.com/dialogd/dialogd/internal/intent"
	"github.com/dialogd/dialogd/internal/llm"
	"github.com/dialogd/dialogd/internal/platform/factory"
	"github.com/dialogd/dialogd/internal/platform/logger"
	"github.com/dialogd/dialogd/internal/quota"
	"github.com/dialogd/dialogd/internal/router"
	"github.com/dialogd/dialogd/internal/weather"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the dialog service",
		RunE:  func(cmd *cobra.Command, args []string) error { return runServe() },
	}
}

func runServe() error {
	log := logger.New("dialogd")

	cfg, err := config.New()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger.SetGlobalLevel(cfg.LogLevel)

	ctx := context.Background()
	st, err := factory.NewStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Storage adapter unavailable")
	}
	defer func() { _ = st.Close() }()

	ch, err := factory.NewCache(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Cache adapter unavailable")
	}
	defer func() { _ = ch.Close() }()

	manager := conversation.NewManager(st, ch, cfg, log)
	ledger := quota.NewLedger(st, cfg, log)
	guard := abuse.NewGuard(st, cfg, log)

	// The completion client backs both reply generation and the intent
	// fallback; both degrade gracefully when unconfigured.
	var (
		gen      dialogue.ReplyGenerator
		fallback intent.ModelClassifier
	)
	if cfg.LLMBaseURL != "" {
		client := llm.NewClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, cfg.LLMTimeout, log)
		gen = client
		fallback = client
	}
	var lookup dialogue.WeatherLookup
	if cfg.WeatherBaseURL != "" {
		lookup = weather.NewClient(cfg.WeatherBaseURL, cfg.WeatherAPIKey, cfg.WeatherTimeout, log)
	}

	rules := intent.DefaultRules()
	if cfg.IntentRulesPath != "" {
		if rules, err = intent.LoadRules(cfg.IntentRulesPath); err != nil {
			log.Fatal().Err(err).Msg("Failed to load intent rules")
		}
	}
	classifier, err := intent.NewClassifier(rules, fallback, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build intent classifier")
	}

	graph := dialogue.NewGraph(manager, classifier, gen, lookup, guard, cfg, log)
	msgRouter := router.New(guard, ledger, manager, graph, cfg, log)

	// Background expiry sweeps.
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go runSweepLoop(sweepCtx, manager, cfg.CleanupInterval)

	mux := apihttp.NewRouter(apihttp.Deps{
		Store:   st,
		Manager: manager,
		Guard:   guard,
		Ledger:  ledger,
		Router:  msgRouter,
		Log:     log,
	})
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Int("port", cfg.HTTPPort).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited")
	return nil
}

func runSweepLoop(ctx context.Context, m *conversation.Manager, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _, _, _ = m.CleanupExpired(ctx)
		}
	}
}
