// Command server runs the webhook gateway: it receives page-feed deliveries
// from the source platform, validates and deduplicates them, and enqueues
// posts into the delayed-post queue for the publish worker.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/feedmirror/internal/config"
	"github.com/fpang/feedmirror/internal/graph"
	"github.com/fpang/feedmirror/internal/logging"
	"github.com/fpang/feedmirror/internal/store"
	"github.com/fpang/feedmirror/internal/webhook"
)

var rootCmd = &cobra.Command{
	Use:   "server",
	Short: "Webhook gateway for the delayed-post relay",
	Long: `Server listens for page-feed webhook deliveries, verifies their
signatures, resolves attachment images through the source platform's API,
and stores validated posts in the delayed-post queue.

Configuration is read from the environment (a .env file is honored).

Examples:
  server
  PORT=9090 ENDPOINT=/hooks/feed server`,
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

	s, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer s.Close()

	if err := s.Migrate(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Database migration failed")
	}

	handler := webhook.NewHandler(s, graph.NewClient(cfg.GraphURL), webhook.Options{
		VerifyToken: cfg.VerifyToken,
		AppSecret:   cfg.AppSecret,
		AccountURL:  cfg.AccountURL,
		Provider:    cfg.Provider,
		Cooldown:    cfg.EventCooldown,
	})

	mux := http.NewServeMux()
	mux.Handle(cfg.Endpoint, handler)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: cors.Default().Handler(mux),
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info().Msg("Shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	log.Info().
		Int("port", cfg.Port).
		Str("endpoint", cfg.Endpoint).
		Msg("Webhook gateway listening")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Server failed")
	}

	// Deliveries past the cooldown may still be resolving; let them land in
	// the queue before exiting. Deliveries still parked on the cooldown are
	// discarded, the platform redelivers them.
	handler.Shutdown()
	log.Info().Msg("Shutdown complete")
}
