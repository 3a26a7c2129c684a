// Package config provides layered configuration loading for the server.
//
// Settings come from four sources, lowest to highest precedence, deep-merged
// key by key over the built-in defaults:
//
//  1. environment variables prefixed SLEEPY_ (a .env file in the config
//     directory is read first; real environment variables win over it)
//  2. config.yaml
//  3. config.toml
//  4. config.json (comments allowed)
//
// CLI flags are applied by the caller after Load and always win.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Config represents the server configuration.
// Field names use Go camelCase internally but map to snake_case keys in every
// file format via struct tags.
type Config struct {
	// Host is the listen address.
	// Default: 0.0.0.0
	Host string `toml:"host" json:"host"`

	// Port is the listen port.
	// Default: 9010
	Port int `toml:"port" json:"port"`

	// Dev enables "dev" logins. Dev tokens never authorize while this is off.
	// Default: false
	Dev bool `toml:"dev" json:"dev"`

	// Log controls console and file logging.
	Log LogConfig `toml:"log" json:"log"`

	// Database is the database URL: sqlite:///<path> or postgres://...
	// Default: sqlite:///data.db
	Database string `toml:"database" json:"database"`

	// PingInterval is the event-stream keep-alive period in seconds. 0 disables pings.
	// Default: 20
	PingInterval int `toml:"ping_interval" json:"ping_interval"`

	// WSRefreshInterval is the public WebSocket snapshot period in seconds.
	// Default: 5
	WSRefreshInterval int `toml:"ws_refresh_interval" json:"ws_refresh_interval"`

	// AuthAccessTokenExpiresMinutes is the access token lifetime.
	// Default: 60
	AuthAccessTokenExpiresMinutes int `toml:"auth_access_token_expires_minutes" json:"auth_access_token_expires_minutes"`

	// AuthRefreshTokenExpiresDays is the refresh token lifetime for web/dev sessions.
	// Default: 30
	AuthRefreshTokenExpiresDays int `toml:"auth_refresh_token_expires_days" json:"auth_refresh_token_expires_days"`

	// DeviceTokenExpiresDays is the refresh token lifetime for device sessions.
	// Default: 365
	DeviceTokenExpiresDays int `toml:"device_token_expires_days" json:"device_token_expires_days"`

	// LoginAttemptsPerMinute bounds password checks across all clients.
	// Default: 10
	LoginAttemptsPerMinute int `toml:"login_attempts_per_minute" json:"login_attempts_per_minute"`

	// CookieName is the browser session cookie read by cookie-aware endpoints.
	// Default: sleepy-token
	CookieName string `toml:"cookie_name" json:"cookie_name"`

	// MdnsEnabled advertises the server on the local network via DNS-SD.
	// Default: false
	MdnsEnabled bool `toml:"mdns_enabled" json:"mdns_enabled"`

	// TLS enables HTTPS/WSS.
	TLS TLSConfig `toml:"tls" json:"tls"`

	// Redis configures the optional snapshot cache.
	Redis RedisConfig `toml:"redis" json:"redis"`
}

// LogConfig controls logging output.
type LogConfig struct {
	// Level is one of DEBUG, INFO, WARNING, ERROR, CRITICAL.
	Level string `toml:"level" json:"level"`

	// File is the log file path. "{date}" expands to the start date.
	// Empty disables file logging.
	File string `toml:"file" json:"file"`

	// FileLevel overrides Level for the file output. Empty uses Level.
	FileLevel string `toml:"file_level" json:"file_level"`
}

// TLSConfig holds certificate settings.
type TLSConfig struct {
	Enabled bool `toml:"enabled" json:"enabled"`

	// Cert and Key default to certs/server.crt and certs/server.key in the
	// config directory and are generated when missing.
	Cert string `toml:"cert" json:"cert"`
	Key  string `toml:"key" json:"key"`
}

// RedisConfig holds snapshot cache settings.
type RedisConfig struct {
	// URL is a redis:// URL. Empty disables the cache.
	URL string `toml:"url" json:"url"`

	// TTLSeconds bounds how long a cached snapshot may be served.
	TTLSeconds int `toml:"ttl_seconds" json:"ttl_seconds"`
}

var validLevels = map[string]bool{
	"DEBUG":    true,
	"INFO":     true,
	"WARNING":  true,
	"ERROR":    true,
	"CRITICAL": true,
}

// Validate checks value ranges and normalizes log levels to upper case.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.PingInterval < 0 {
		return fmt.Errorf("ping_interval must not be negative")
	}
	if c.WSRefreshInterval <= 0 {
		return fmt.Errorf("ws_refresh_interval must be positive")
	}
	if c.AuthAccessTokenExpiresMinutes <= 0 {
		return fmt.Errorf("auth_access_token_expires_minutes must be positive")
	}
	if c.AuthRefreshTokenExpiresDays <= 0 {
		return fmt.Errorf("auth_refresh_token_expires_days must be positive")
	}
	if c.DeviceTokenExpiresDays <= 0 {
		return fmt.Errorf("device_token_expires_days must be positive")
	}
	if c.LoginAttemptsPerMinute <= 0 {
		return fmt.Errorf("login_attempts_per_minute must be positive")
	}
	if c.Redis.URL != "" && c.Redis.TTLSeconds <= 0 {
		return fmt.Errorf("redis.ttl_seconds must be positive")
	}

	c.Log.Level = strings.ToUpper(c.Log.Level)
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	if c.Log.FileLevel != "" {
		c.Log.FileLevel = strings.ToUpper(c.Log.FileLevel)
		if !validLevels[c.Log.FileLevel] {
			return fmt.Errorf("unknown log file_level %q", c.Log.FileLevel)
		}
	}
	return nil
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// AccessTTL is the access token lifetime.
func (c *Config) AccessTTL() time.Duration {
	return time.Duration(c.AuthAccessTokenExpiresMinutes) * time.Minute
}

// RefreshTTL is the web/dev refresh token lifetime.
func (c *Config) RefreshTTL() time.Duration {
	return time.Duration(c.AuthRefreshTokenExpiresDays) * 24 * time.Hour
}

// DeviceRefreshTTL is the device refresh token lifetime.
func (c *Config) DeviceRefreshTTL() time.Duration {
	return time.Duration(c.DeviceTokenExpiresDays) * 24 * time.Hour
}

// PingPeriod is the event-stream keep-alive period; zero means disabled.
func (c *Config) PingPeriod() time.Duration {
	return time.Duration(c.PingInterval) * time.Second
}

// WSRefreshPeriod is the public WebSocket snapshot period.
func (c *Config) WSRefreshPeriod() time.Duration {
	return time.Duration(c.WSRefreshInterval) * time.Second
}

// RedisTTL is the snapshot cache lifetime.
func (c *Config) RedisTTL() time.Duration {
	return time.Duration(c.Redis.TTLSeconds) * time.Second
}
