package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	chatkit "github.com/skillbridge-app/chatkit"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatkit/config.toml.
type Config struct {
	Default       ConfigDefault                  `toml:"default"`
	Auth          ConfigAuth                     `toml:"auth"`
	Notifications chatkit.NotificationPreference `toml:"notifications"`
}

// ConfigDefault holds general settings.
type ConfigDefault struct {
	BaseURL     string `toml:"base_url"`
	RealtimeURL string `toml:"realtime_url"`
}

// ConfigAuth holds authentication state.
type ConfigAuth struct {
	Token       string `toml:"token"`
	UserID      int64  `toml:"user_id"`
	DisplayName string `toml:"display_name"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatkit, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatkit")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a Config with default notification
// preferences.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{Notifications: chatkit.DefaultPreferences()}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "auth.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. auth.token)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "realtime_url":
			cfg.Default.RealtimeURL = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			var id int64
			if _, err := fmt.Sscanf(value, "%d", &id); err != nil {
				return fmt.Errorf("auth.user_id must be a number")
			}
			cfg.Auth.UserID = id
		case "display_name":
			cfg.Auth.DisplayName = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "notifications":
		return setNotificationValue(&cfg.Notifications, field, value)
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, notifications)", section)
	}
	return nil
}

func setNotificationValue(p *chatkit.NotificationPreference, field, value string) error {
	boolVal := func() (bool, error) {
		switch value {
		case "true", "1", "on":
			return true, nil
		case "false", "0", "off":
			return false, nil
		}
		return false, fmt.Errorf("notifications.%s must be true or false", field)
	}

	switch field {
	case "enabled":
		v, err := boolVal()
		if err != nil {
			return err
		}
		p.Enabled = v
	case "sound":
		v, err := boolVal()
		if err != nil {
			return err
		}
		p.Sound = v
	case "browser_alert":
		v, err := boolVal()
		if err != nil {
			return err
		}
		p.BrowserAlert = v
	case "only_when_away":
		v, err := boolVal()
		if err != nil {
			return err
		}
		p.OnlyWhenAway = v
	case "direct":
		v, err := boolVal()
		if err != nil {
			return err
		}
		p.Direct = v
	case "group":
		v, err := boolVal()
		if err != nil {
			return err
		}
		p.Group = v
	case "skill_group":
		v, err := boolVal()
		if err != nil {
			return err
		}
		p.SkillGroup = v
	case "quiet_start":
		p.QuietStart = value
	case "quiet_end":
		p.QuietEnd = value
	default:
		return fmt.Errorf("unknown field %q in section [notifications]", field)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "chatkit",
	Short: "SkillBridge chat CLI",
	Long:  "Command-line interface for the SkillBridge chat engine.\nManage configuration, list conversations, send messages, and watch live traffic.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
