package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultPort is the default listen port.
const DefaultPort = 9010

// DefaultDatabase is the default database URL, relative to the working directory.
const DefaultDatabase = "sqlite:///data.db"

// Default returns a Config with every field at its default value.
func Default() *Config {
	return &Config{
		Host: "0.0.0.0",
		Port: DefaultPort,
		Log: LogConfig{
			Level:     "INFO",
			File:      "logs/{date}.log",
			FileLevel: "INFO",
		},
		Database:                      DefaultDatabase,
		PingInterval:                  20,
		WSRefreshInterval:             5,
		AuthAccessTokenExpiresMinutes: 60,
		AuthRefreshTokenExpiresDays:   30,
		DeviceTokenExpiresDays:        365,
		LoginAttemptsPerMinute:        10,
		CookieName:                    "sleepy-token",
		Redis: RedisConfig{
			TTLSeconds: 30,
		},
	}
}

// DefaultConfigPath returns the TOML config location inside dir.
func DefaultConfigPath(dir string) string {
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, "config.toml")
}

// WriteDefault creates a commented config.toml at path.
//
// Behavior:
//   - If the file already exists, returns without error (does not overwrite).
//   - Creates the parent directory if it doesn't exist.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := fmt.Sprintf(`# sleepy configuration
# Environment variables (SLEEPY_<KEY>), config.yaml and config.json are merged with this file.

host = "0.0.0.0"
port = %d

# Allow "dev" logins. Keep this off outside development.
dev = false

database = %q

# Event-stream keep-alive in seconds (0 disables)
ping_interval = 20

# Public WebSocket snapshot period in seconds
ws_refresh_interval = 5

auth_access_token_expires_minutes = 60
auth_refresh_token_expires_days = 30
device_token_expires_days = 365

[log]
level = "INFO"
file = "logs/{date}.log"
`, DefaultPort, DefaultDatabase)

	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
