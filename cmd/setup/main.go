// Command setup stores a source-platform page access token. Run it once per
// page before starting the gateway; the token is verified against the
// platform's identity endpoint and saved keyed by the page's account id.
//
// Use the Graph API Explorer to obtain a long-lived page token with the
// public_profile, pages_manage_metadata, pages_read_engagement, and
// pages_show_list permissions.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/fpang/feedmirror/internal/config"
	"github.com/fpang/feedmirror/internal/graph"
	"github.com/fpang/feedmirror/internal/logging"
	"github.com/fpang/feedmirror/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "setup",
	Short: "Verify and store a page access token",
	Long: `Setup prompts for a long-lived page access token, verifies it against
the source platform's identity endpoint, and stores it in the database keyed
by the resolved account id. Run it again to add tokens for more pages or to
replace an expired one.`,
	RunE: runMain,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runMain(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	logging.Init(cfg.LogLevel)

	fmt.Print("Page access token: ")
	reader := bufio.NewReader(os.Stdin)
	token, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("read token: %w", err)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("token is empty")
	}

	ctx := context.Background()

	fmt.Println("Verifying access token...")
	account, err := graph.NewClient(cfg.GraphURL).Me(ctx, token)
	if err != nil {
		return fmt.Errorf("token verification failed: %w", err)
	}
	fmt.Printf("Verified as %s (id %s). Saving token...\n", account.Name, account.ID)

	s, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer s.Close()

	if err := s.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	if err := s.SetToken(ctx, account.ID, token); err != nil {
		return fmt.Errorf("save token: %w", err)
	}

	fmt.Println("Token saved to the database")
	return nil
}
