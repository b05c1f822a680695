package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/timmy/caseboard/internal/domain"
	"github.com/timmy/caseboard/internal/logger"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Backend   BackendConfig   `mapstructure:"backend"`
	Poll      PollConfig      `mapstructure:"poll"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Batch     BatchConfig     `mapstructure:"batch"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Port int        `mapstructure:"port"`
	Mode string     `mapstructure:"mode"`
	CORS CORSConfig `mapstructure:"cors"`
	// MaxUploadMB limits multipart CSV uploads.
	MaxUploadMB int `mapstructure:"max_upload_mb"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

// PollConfig tunes the adaptive polling loop.
type PollConfig struct {
	InitialInterval        time.Duration `mapstructure:"initial_interval"`
	MaxInterval            time.Duration `mapstructure:"max_interval"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
}

// ToDomain converts the section to a validated domain.PollConfig.
func (c PollConfig) ToDomain() (domain.PollConfig, error) {
	pc := domain.PollConfig{
		InitialInterval:        c.InitialInterval,
		MaxInterval:            c.MaxInterval,
		MaxConsecutiveFailures: c.MaxConsecutiveFailures,
	}
	return pc, pc.Validate()
}

// ReconcileConfig overrides the recognized status columns and negative outcomes.
// Empty lists keep the built-in defaults.
type ReconcileConfig struct {
	StatusColumns    []string `mapstructure:"status_columns"`
	NegativeOutcomes []string `mapstructure:"negative_outcomes"`
}

type BatchConfig struct {
	MaxActiveRuns  int           `mapstructure:"max_active_runs"`
	SubmitTimeout  time.Duration `mapstructure:"submit_timeout"`
	RecordPageSize int           `mapstructure:"record_page_size"`
	SaveBatchSize  int           `mapstructure:"save_batch_size"`
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	FileOnly   bool   `mapstructure:"file_only"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// LoggerConfig converts the section to a logger.Config.
func (c LogConfig) LoggerConfig(service string) *logger.Config {
	return &logger.Config{
		Level:       c.Level,
		Format:      c.Format,
		ServiceName: service,
		File: logger.FileConfig{
			Path:       c.File,
			Only:       c.FileOnly,
			MaxSizeMB:  c.MaxSizeMB,
			MaxBackups: c.MaxBackups,
			MaxAgeDays: c.MaxAgeDays,
			Compress:   c.Compress,
		},
	}
}

// Load reads configuration from the YAML file at configPath (or ./configs/config.yaml),
// environment variables and a .env file, in increasing order of precedence for env.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Sensitive values are usually provided through the environment.
	v.BindEnv("database.url", "DATABASE_URL")
	v.BindEnv("database.password", "DATABASE_PASSWORD")
	v.BindEnv("backend.base_url", "CASEBOARD_BACKEND_URL")
	v.BindEnv("backend.api_key", "CASEBOARD_BACKEND_API_KEY")
	v.BindEnv("storage.access_key", "STORAGE_ACCESS_KEY", "AWS_ACCESS_KEY_ID")
	v.BindEnv("storage.secret_key", "STORAGE_SECRET_KEY", "AWS_SECRET_ACCESS_KEY")
	v.BindEnv("log.level", "LOG_LEVEL")
	v.BindEnv("log.format", "LOG_FORMAT")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Backend.ResolveEnvVars()
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})
	v.SetDefault("server.max_upload_mb", 32)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/caseboard.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "caseboard")
	v.SetDefault("database.dbname", "caseboard")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("backend.base_url", "http://localhost:9000/api/v1")
	v.SetDefault("backend.api_key_env", "CASEBOARD_BACKEND_API_KEY")
	v.SetDefault("backend.timeout", "30s")
	v.SetDefault("backend.user_agent", "caseboard/1.0")

	v.SetDefault("poll.initial_interval", "2s")
	v.SetDefault("poll.max_interval", "30s")
	v.SetDefault("poll.max_consecutive_failures", 5)

	v.SetDefault("reconcile.status_columns", []string{})
	v.SetDefault("reconcile.negative_outcomes", []string{})

	v.SetDefault("batch.max_active_runs", 16)
	v.SetDefault("batch.submit_timeout", "1m")
	v.SetDefault("batch.record_page_size", 100)
	v.SetDefault("batch.save_batch_size", 500)

	v.SetDefault("storage.type", "local")
	v.SetDefault("storage.local_dir", "./data/archive")
	v.SetDefault("storage.prefix", "results")
	v.SetDefault("storage.use_ssl", true)
	v.SetDefault("storage.bucket", "caseboard")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "caseboard")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 7)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.compress", true)
}
