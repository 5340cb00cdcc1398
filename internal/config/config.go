package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Service    ServiceConfig    `koanf:"service"`
	Queue      QueueConfig      `koanf:"queue"`
	DB         DBConfig         `koanf:"db"`
	Matcher    MatcherConfig    `koanf:"matcher"`
	Processing ProcessingConfig `koanf:"processing"`
	API        APIConfig        `koanf:"api"`
}

type ServiceConfig struct {
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_s"`
}

type QueueConfig struct {
	URL               string `koanf:"url"`
	PopTimeoutSeconds int    `koanf:"pop_timeout_s"`
}

type DBConfig struct {
	Host             string `koanf:"host"`
	Port             int    `koanf:"port"`
	Database         string `koanf:"database"`
	User             string `koanf:"user"`
	Password         string `koanf:"password"`
	PoolMax          int32  `koanf:"pool_max"`
	TxTimeoutSeconds int    `koanf:"tx_timeout_s"`
}

// DSN renders the keyword/value connection string pgx expects.
func (d DBConfig) DSN() string {
	parts := []string{
		fmt.Sprintf("host=%s", d.Host),
		fmt.Sprintf("port=%d", d.Port),
		fmt.Sprintf("dbname=%s", d.Database),
		fmt.Sprintf("user=%s", d.User),
	}
	if d.Password != "" {
		parts = append(parts, fmt.Sprintf("password=%s", d.Password))
	}
	return strings.Join(parts, " ")
}

type MatcherConfig struct {
	BaseURL   string `koanf:"base_url"`
	TimeoutMs int    `koanf:"timeout_ms"`
	CacheSize int    `koanf:"cache_size"`
}

type ProcessingConfig struct {
	BatchSizeMax         int     `koanf:"batch_size_max"`
	WindowMinutesMax     int     `koanf:"window_minutes_max"`
	MinMovementMeters    float64 `koanf:"min_movement_m"`
	ConnectGapMinutesMax int     `koanf:"connect_gap_minutes_max"`
	MaxRetries           int     `koanf:"max_retries"`
	StatsIntervalMs      int     `koanf:"stats_interval_ms"`
	Workers              int     `koanf:"workers"`
}

type APIConfig struct {
	Port         int    `koanf:"port"`
	CORSOrigin   string `koanf:"cors_origin"`
	DefaultHours int    `koanf:"default_hours"`
	MaxHours     int    `koanf:"max_hours"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load YAML file first.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: MUDMAPS_DB__HOST → db.host
	if err := k.Load(env.Provider("MUDMAPS_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "MUDMAPS_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Queue: QueueConfig{
			PopTimeoutSeconds: 5,
		},
		DB: DBConfig{
			Port:             5432,
			PoolMax:          10,
			TxTimeoutSeconds: 30,
		},
		Matcher: MatcherConfig{
			TimeoutMs: 10000,
			CacheSize: 256,
		},
		Processing: ProcessingConfig{
			BatchSizeMax:         5,
			WindowMinutesMax:     2,
			MinMovementMeters:    50,
			ConnectGapMinutesMax: 5,
			MaxRetries:           3,
			StatsIntervalMs:      300000,
			Workers:              1,
		},
		API: APIConfig{
			Port:         8080,
			DefaultHours: 168,
			MaxHours:     720,
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Queue.URL == "" {
		return fmt.Errorf("config: queue.url is required")
	}
	if c.Queue.PopTimeoutSeconds <= 0 {
		return fmt.Errorf("config: queue.pop_timeout_s must be > 0 (got %d)", c.Queue.PopTimeoutSeconds)
	}
	if c.DB.Host == "" {
		return fmt.Errorf("config: db.host is required")
	}
	if c.DB.Database == "" {
		return fmt.Errorf("config: db.database is required")
	}
	if c.DB.User == "" {
		return fmt.Errorf("config: db.user is required")
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		return fmt.Errorf("config: db.port is invalid (got %d)", c.DB.Port)
	}
	if c.DB.PoolMax <= 0 {
		return fmt.Errorf("config: db.pool_max must be > 0 (got %d)", c.DB.PoolMax)
	}
	if c.DB.TxTimeoutSeconds <= 0 {
		return fmt.Errorf("config: db.tx_timeout_s must be > 0 (got %d)", c.DB.TxTimeoutSeconds)
	}
	if c.Matcher.BaseURL == "" {
		return fmt.Errorf("config: matcher.base_url is required")
	}
	if !strings.HasPrefix(c.Matcher.BaseURL, "http://") && !strings.HasPrefix(c.Matcher.BaseURL, "https://") {
		return fmt.Errorf("config: matcher.base_url must be an http(s) URL (got %q)", c.Matcher.BaseURL)
	}
	if c.Matcher.TimeoutMs <= 0 {
		return fmt.Errorf("config: matcher.timeout_ms must be > 0 (got %d)", c.Matcher.TimeoutMs)
	}
	if c.Matcher.CacheSize <= 0 {
		return fmt.Errorf("config: matcher.cache_size must be > 0 (got %d)", c.Matcher.CacheSize)
	}
	if c.Processing.BatchSizeMax < 2 {
		return fmt.Errorf("config: processing.batch_size_max must be >= 2 (got %d)", c.Processing.BatchSizeMax)
	}
	if c.Processing.WindowMinutesMax <= 0 {
		return fmt.Errorf("config: processing.window_minutes_max must be > 0 (got %d)", c.Processing.WindowMinutesMax)
	}
	if c.Processing.MinMovementMeters < 0 {
		return fmt.Errorf("config: processing.min_movement_m must be >= 0 (got %f)", c.Processing.MinMovementMeters)
	}
	if c.Processing.ConnectGapMinutesMax <= 0 {
		return fmt.Errorf("config: processing.connect_gap_minutes_max must be > 0 (got %d)", c.Processing.ConnectGapMinutesMax)
	}
	if c.Processing.MaxRetries <= 0 {
		return fmt.Errorf("config: processing.max_retries must be > 0 (got %d)", c.Processing.MaxRetries)
	}
	if c.Processing.StatsIntervalMs <= 0 {
		return fmt.Errorf("config: processing.stats_interval_ms must be > 0 (got %d)", c.Processing.StatsIntervalMs)
	}
	if c.Processing.Workers <= 0 {
		return fmt.Errorf("config: processing.workers must be > 0 (got %d)", c.Processing.Workers)
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("config: api.port is invalid (got %d)", c.API.Port)
	}
	if c.API.DefaultHours <= 0 {
		return fmt.Errorf("config: api.default_hours must be > 0 (got %d)", c.API.DefaultHours)
	}
	if c.API.MaxHours < c.API.DefaultHours {
		return fmt.Errorf("config: api.max_hours (%d) must be >= api.default_hours (%d)", c.API.MaxHours, c.API.DefaultHours)
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_s must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	return nil
}
