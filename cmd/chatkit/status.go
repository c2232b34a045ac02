package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and unread totals",
	Long:  "Display the current configuration and, when credentials are set, the live unread counts per conversation.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEnvConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		if cfg.Default.RealtimeURL != "" {
			fmt.Printf("  Realtime:    %s\n", cfg.Default.RealtimeURL)
		}
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:       %s\n", maskToken(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}
		if cfg.Auth.UserID != 0 {
			fmt.Printf("  User:        %s (id %d)\n", valueOrDefault(cfg.Auth.DisplayName, "?"), cfg.Auth.UserID)
		} else {
			fmt.Println("  User:        (not set)")
		}

		fmt.Println()
		fmt.Println("Notifications:")
		fmt.Printf("  Enabled:     %v\n", cfg.Notifications.Enabled)
		if cfg.Notifications.QuietStart != "" && cfg.Notifications.QuietEnd != "" {
			fmt.Printf("  Quiet hours: %s - %s\n", cfg.Notifications.QuietStart, cfg.Notifications.QuietEnd)
		}

		if cfg.Auth.Token == "" || cfg.Default.BaseURL == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")

		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		counts, err := client.UnreadCounts(ctx)
		if err != nil {
			fmt.Printf("  Error fetching unread counts: %v\n", err)
			return nil
		}

		total := 0
		for _, n := range counts {
			total += n
		}
		fmt.Printf("  Unread total: %d across %d conversations\n", total, len(counts))
		for id, n := range counts {
			if n > 0 {
				fmt.Printf("    conversation %d: %d unread\n", id, n)
			}
		}
		return nil
	},
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 12 {
		return "****"
	}
	return token[:8] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
