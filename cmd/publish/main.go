// Command publish performs one publication run against the delayed-post
// queue. It is meant to be invoked by a scheduler (cron, systemd timer) at
// the pace the destination instance tolerates; overlapping runs are not
// supported.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/feedmirror/internal/config"
	"github.com/fpang/feedmirror/internal/logging"
	"github.com/fpang/feedmirror/internal/mastodon"
	"github.com/fpang/feedmirror/internal/media"
	"github.com/fpang/feedmirror/internal/publisher"
	"github.com/fpang/feedmirror/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish the oldest queued post to the destination instance",
	Long: `Publish takes the oldest post from the delayed-post queue, converts
its attachments to WebP, uploads them, and creates a status on the destination
instance. On failure it moves on to the next queued post within a bounded
attempt budget; the failed post stays queued for the next run.

Configuration is read from the environment (a .env file is honored).

Examples:
  publish
  PUBLISH_ATTEMPTS=5 publish`,
	Run: runMain,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runMain(cmd *cobra.Command, args []string) {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}
	logging.Init(cfg.LogLevel)

	if cfg.MastodonToken == "" {
		log.Fatal().Msg("TOKEN is required to publish")
	}

	s, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("Database migration failed")
	}

	pipeline := media.New(media.Options{
		EnhanceProviders: cfg.EnhanceProviderList(),
		ConvertTimeout:   cfg.ConvertTimeout,
		HTTPTimeout:      cfg.HTTPTimeout,
	})

	worker := publisher.New(s, pipeline,
		mastodon.NewClient(cfg.MastodonURL, cfg.MastodonToken),
		publisher.Options{
			Visibility: cfg.Visibility,
			Attempts:   cfg.PublishAttempts,
			QueueField: cfg.QueueField,
		})

	if err := worker.Run(ctx); err != nil {
		if errors.Is(err, publisher.ErrAttemptsExhausted) {
			log.Error().Msg("Run aborted: attempt budget exhausted")
		} else {
			log.Error().Err(err).Msg("Run failed")
		}
		os.Exit(1)
	}
}
