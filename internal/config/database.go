package config

import (
	"fmt"
	"net/url"
	"time"
)

// DatabaseConfig selects and tunes the run history database.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite or postgres

	// SQLite
	Path string `mapstructure:"path"`

	// PostgreSQL: URL wins over the discrete fields when set.
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`

	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// DSN returns the connection string for the configured driver.
func (c *DatabaseConfig) DSN() string {
	if c.Driver == "postgres" {
		if c.URL != "" {
			return c.URL
		}
		u := url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(c.User, c.Password),
			Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
			Path:   "/" + c.DBName,
		}
		if c.SSLMode != "" {
			u.RawQuery = "sslmode=" + url.QueryEscape(c.SSLMode)
		}
		return u.String()
	}

	if c.Path == "" || c.Path == ":memory:" {
		return "file::memory:?cache=shared"
	}
	return c.Path + "?_busy_timeout=5000"
}
