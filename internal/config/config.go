package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	DefaultPort = 8545
	DefaultHost = "0.0.0.0"

	DefaultFileWriteDelay = 150 * time.Millisecond // lets a config write finish landing on disk
)

var (
	lastReload  time.Time
	reloadMutex sync.Mutex
)

// DefaultConfig returns the option defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            DefaultHost,
			Port:            DefaultPort,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Endpoints: []string{},
		RateLimit: RateLimitConfig{
			DetectionThreshold: 0.5,
			MinCooldownMs:      60_000,
			MaxCooldownMs:      300_000,
			BackoffMultiplier:  2,
			HistoryWindowSize:  20,
			AverageLookback:    7 * 24 * time.Hour,
		},
		Worker: WorkerConfig{
			RequestTimeout:      30 * time.Second,
			MaxQueueSize:        1000,
			HealthCheckInterval: 30 * time.Second,
			ErrorStateThreshold: 5,
		},
		Database: DatabaseConfig{
			Path: "./data/statistics.db",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Theme:      "default",
			LogDir:     "./logs",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			FileOutput: true,
			PrettyLogs: true,
		},
	}
}

// Load reads config.yaml (if present), overlays RPCGATE_-prefixed
// environment variables, and invokes onConfigChange on hot-reload of the
// watched file. Only the endpoint roster is expected to change at runtime;
// other sections require a restart to take effect.
func Load(onConfigChange func(*Config)) (*Config, error) {
	cfg := DefaultConfig()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetEnvPrefix("RPCGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	// Unmarshal only sees keys viper already knows about, so every option is
	// bound to its RPCGATE_ variable explicitly.
	for _, key := range []string{
		"endpoints",
		"server.host", "server.port", "server.readTimeout", "server.writeTimeout", "server.shutdownTimeout",
		"rateLimit.detectionThreshold", "rateLimit.minCooldownMs", "rateLimit.maxCooldownMs",
		"rateLimit.backoffMultiplier", "rateLimit.historyWindowSize", "rateLimit.averageLookback",
		"worker.requestTimeout", "worker.maxQueueSize", "worker.healthCheckInterval", "worker.errorStateThreshold",
		"database.path", "database.redisAddr", "database.redisDb",
		"logging.level", "logging.theme", "logging.logDir", "logging.maxSize", "logging.maxBackups",
		"logging.maxAge", "logging.fileOutput", "logging.prettyLogs",
	} {
		_ = viper.BindEnv(key)
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if configFile := os.Getenv("RPCGATE_CONFIG_FILE"); configFile != "" {
			viper.SetConfigFile(configFile)
			if err := viper.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
			}
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if onConfigChange != nil {
		viper.WatchConfig()
		viper.OnConfigChange(func(e fsnotify.Event) {
			reloadMutex.Lock()
			defer reloadMutex.Unlock()

			now := time.Now()
			if now.Sub(lastReload) < 500*time.Millisecond {
				return // debounce rapid-fire fsnotify events
			}
			lastReload = now

			time.Sleep(DefaultFileWriteDelay)

			reloaded := DefaultConfig()
			if err := viper.Unmarshal(reloaded); err != nil {
				return
			}
			onConfigChange(reloaded)
		})
	}

	return cfg, nil
}

// Validate rejects configurations that would panic or misbehave at runtime.
// Hot-reload only ever applies to Endpoints, so Validate is deliberately
// permissive about every other field changing only at process start.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in (0, 65535], got %d", c.Server.Port)
	}
	if c.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if c.RateLimit.DetectionThreshold < 0 || c.RateLimit.DetectionThreshold > 1 {
		return fmt.Errorf("rateLimit.detectionThreshold must be in [0, 1], got %f", c.RateLimit.DetectionThreshold)
	}
	if c.RateLimit.MinCooldownMs <= 0 || c.RateLimit.MaxCooldownMs < c.RateLimit.MinCooldownMs {
		return fmt.Errorf("rateLimit.minCooldownMs/maxCooldownMs must satisfy 0 < min <= max")
	}
	if c.RateLimit.BackoffMultiplier <= 1 {
		return fmt.Errorf("rateLimit.backoffMultiplier must be > 1, got %f", c.RateLimit.BackoffMultiplier)
	}
	if c.Worker.MaxQueueSize <= 0 {
		return fmt.Errorf("worker.maxQueueSize must be positive, got %d", c.Worker.MaxQueueSize)
	}
	if c.Worker.RequestTimeout <= 0 {
		return fmt.Errorf("worker.requestTimeout must be positive")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path must not be empty")
	}
	return nil
}
