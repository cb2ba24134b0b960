package config

import "time"

// Config holds all configuration for rpcgate, matching the options table of
// the external interface contract: server bind, the upstream endpoint
// roster, rate-limit detection tuning, worker behaviour, and persistence.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Server    ServerConfig    `mapstructure:"server"`
	Endpoints []string        `mapstructure:"endpoints"`
	RateLimit RateLimitConfig `mapstructure:"rateLimit"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Database  DatabaseConfig  `mapstructure:"database"`
}

// ServerConfig holds the JSON-RPC ingress bind address.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"readTimeout"`
	WriteTimeout    time.Duration `mapstructure:"writeTimeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
}

// RateLimitConfig tunes the RateLimitDetector.
type RateLimitConfig struct {
	DetectionThreshold float64       `mapstructure:"detectionThreshold"`
	MinCooldownMs      int64         `mapstructure:"minCooldownMs"`
	MaxCooldownMs      int64         `mapstructure:"maxCooldownMs"`
	BackoffMultiplier  float64       `mapstructure:"backoffMultiplier"`
	HistoryWindowSize  int           `mapstructure:"historyWindowSize"`
	AverageLookback    time.Duration `mapstructure:"averageLookback"`
}

// WorkerConfig tunes EndpointWorker and WorkerPool behaviour.
type WorkerConfig struct {
	RequestTimeout      time.Duration `mapstructure:"requestTimeout"`
	MaxQueueSize        int           `mapstructure:"maxQueueSize"`
	HealthCheckInterval time.Duration `mapstructure:"healthCheckInterval"`
	ErrorStateThreshold int           `mapstructure:"errorStateThreshold"`
}

// DatabaseConfig points at the StatsStore's SQLite file and optional Redis
// front for the shared recent-request window.
type DatabaseConfig struct {
	Path       string `mapstructure:"path"`
	RedisAddr  string `mapstructure:"redisAddr"`
	RedisDB    int    `mapstructure:"redisDb"`
}

// LoggingConfig mirrors logger.Config's shape closely enough that
// config.Load can populate it directly.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Theme      string `mapstructure:"theme"`
	LogDir     string `mapstructure:"logDir"`
	MaxSize    int    `mapstructure:"maxSize"`
	MaxBackups int    `mapstructure:"maxBackups"`
	MaxAge     int    `mapstructure:"maxAge"`
	FileOutput bool   `mapstructure:"fileOutput"`
	PrettyLogs bool   `mapstructure:"prettyLogs"`
}
