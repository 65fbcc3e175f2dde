package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/dialogd/dialogd/internal/config"
	"github.com/dialogd/dialogd/internal/conversation"
	"github.com/dialogd/dialogd/internal/platform/factory"
	"github.com/dialogd/dialogd/internal/platform/logger"
)

// sweep runs one expiry/retention pass and exits. Useful when the service
// runs behind a scheduler instead of the built-in loop.
func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one context expiry and retention sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger.New("dialogd-sweep")
			cfg, err := config.New()
			if err != nil {
				return err
			}
			logger.SetGlobalLevel(cfg.LogLevel)

			ctx := context.Background()
			st, err := factory.NewStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			ch, err := factory.NewCache(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = ch.Close() }()

			manager := conversation.NewManager(st, ch, cfg, log)
			expired, archived, purged, err := manager.CleanupExpired(ctx)
			if err != nil {
				return err
			}
			log.Info().
				Int("expired", expired).
				Int("archived", archived).
				Int("purged", purged).
				Msg("sweep complete")
			return nil
		},
	}
}
