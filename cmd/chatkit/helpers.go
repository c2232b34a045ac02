package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	chatkit "github.com/skillbridge-app/chatkit"
)

// loadEnvConfig loads the config file with environment overrides applied.
// A .env file in the working directory is honored for local development;
// CHATKIT_TOKEN, CHATKIT_USER_ID, and CHATKIT_BASE_URL take precedence over
// the config file.
func loadEnvConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if v := os.Getenv("CHATKIT_TOKEN"); v != "" {
		cfg.Auth.Token = v
	}
	if v := os.Getenv("CHATKIT_USER_ID"); v != "" {
		var id int64
		if _, err := fmt.Sscanf(v, "%d", &id); err != nil {
			return nil, fmt.Errorf("CHATKIT_USER_ID must be a number")
		}
		cfg.Auth.UserID = id
	}
	if v := os.Getenv("CHATKIT_BASE_URL"); v != "" {
		cfg.Default.BaseURL = v
	}
	return cfg, nil
}

// getClient creates an authenticated REST client from the stored config.
func getClient() *chatkit.Client {
	cfg, err := loadEnvConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No auth token. Run 'chatkit config set auth.token <token>' first.")
		os.Exit(1)
	}
	if cfg.Default.BaseURL == "" {
		fmt.Fprintln(os.Stderr, "No base URL. Run 'chatkit config set default.base_url <url>' first.")
		os.Exit(1)
	}
	return chatkit.NewClient(cfg.Default.BaseURL,
		chatkit.WithTokenProvider(chatkit.StaticToken(cfg.Auth.Token)))
}

// getEngine creates a full engine from the stored config. The caller owns
// Start and Close.
func getEngine() (*chatkit.Engine, *Config) {
	cfg, err := loadEnvConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" || cfg.Auth.UserID == 0 {
		fmt.Fprintln(os.Stderr, "Missing auth. Set auth.token and auth.user_id first.")
		os.Exit(1)
	}
	if cfg.Default.BaseURL == "" {
		fmt.Fprintln(os.Stderr, "No base URL. Run 'chatkit config set default.base_url <url>' first.")
		os.Exit(1)
	}

	rest := chatkit.NewClient(cfg.Default.BaseURL,
		chatkit.WithTokenProvider(chatkit.StaticToken(cfg.Auth.Token)))

	engine, err := chatkit.NewEngine(chatkit.Options{
		REST:        rest,
		RealtimeURL: cfg.Default.RealtimeURL,
		CurrentUser: chatkit.Participant{UserID: cfg.Auth.UserID, DisplayName: cfg.Auth.DisplayName},
		Prefs:       chatkit.StaticPreferences(cfg.Notifications),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create engine: %v\n", err)
		os.Exit(1)
	}
	return engine, cfg
}
