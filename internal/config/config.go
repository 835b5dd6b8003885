package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Worker    WorkerConfig
	Dispatch  DispatchConfig
	ColdStore ColdStoreConfig
	Metrics   MetricsConfig
	LogLevel  string
}

type ServerConfig struct {
	Host         string
	BackendPort  int
	FrontendPort int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	RateLimitRPS int
}

type RedisConfig struct {
	Host           string
	Port           int
	DB             int
	Password       string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	PoolSize       int
}

type AuthConfig struct {
	SecretKey             string
	JWTAlgorithm          string
	AccessTokenExpireDays int
}

// HandlerConfig describes one handler a worker can advertise. The
// handler id is derived, never stored.
type HandlerConfig struct {
	Name        string `json:"name" mapstructure:"name"`
	TaskType    string `json:"task_type" mapstructure:"task_type"`
	ImportPath  string `json:"import_path" mapstructure:"import_path"`
	Version     string `json:"version" mapstructure:"version"`
	Description string `json:"description" mapstructure:"description"`
}

// HandlerID returns the `<task_type>:<version>` identity of the handler.
func (h HandlerConfig) HandlerID() string {
	return h.TaskType + ":" + h.Version
}

type WorkerConfig struct {
	MaxRetries        int
	Handlers          []HandlerConfig
	HeartbeatInterval time.Duration
	HeartbeatTTL      time.Duration
	ShutdownTimeout   time.Duration
}

type DispatchConfig struct {
	ReconcileInterval time.Duration
	ClaimTimeout      time.Duration
	JanitorInterval   time.Duration
	JanitorThreshold  int64
}

type ColdStoreConfig struct {
	Enabled      bool
	DSN          string
	Schema       string
	Table        string
	ScanInterval time.Duration
}

type MetricsConfig struct {
	Enabled bool
	Path    string
}

var ErrMissingSecret = errors.New("auth.secretkey is required")

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/dispatchq")

	setDefaults()

	viper.SetEnvPrefix("DISPATCHQ")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate catches configuration errors that must abort startup.
func (c *Config) Validate() error {
	if c.Auth.SecretKey == "" {
		return ErrMissingSecret
	}
	if c.Worker.MaxRetries < 1 {
		return fmt.Errorf("worker.maxretries must be positive, got %d", c.Worker.MaxRetries)
	}
	for _, h := range c.Worker.Handlers {
		if h.TaskType == "" || h.Version == "" {
			return fmt.Errorf("handler %q: task_type and version are required", h.Name)
		}
	}
	return nil
}

// Addr returns the host:port pair for the store client.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "127.0.0.1")
	viper.SetDefault("server.backendport", 8000)
	viper.SetDefault("server.frontendport", 5000)
	viper.SetDefault("server.readtimeout", 30*time.Second)
	viper.SetDefault("server.writetimeout", 0*time.Second) // SSE streams stay open
	viper.SetDefault("server.idletimeout", 120*time.Second)
	viper.SetDefault("server.ratelimitrps", 100)

	// Redis defaults
	viper.SetDefault("redis.host", "127.0.0.1")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.connecttimeout", 5*time.Second)
	viper.SetDefault("redis.readtimeout", 10*time.Second)
	viper.SetDefault("redis.writetimeout", 10*time.Second)
	viper.SetDefault("redis.poolsize", 50)

	// Auth defaults
	viper.SetDefault("auth.jwtalgorithm", "HS256")
	viper.SetDefault("auth.accesstokenexpiredays", 90)

	// Worker defaults
	viper.SetDefault("worker.maxretries", 3)
	viper.SetDefault("worker.heartbeatinterval", 15*time.Second)
	viper.SetDefault("worker.heartbeatttl", 30*time.Second)
	viper.SetDefault("worker.shutdowntimeout", 10*time.Second)

	// Dispatch defaults
	viper.SetDefault("dispatch.reconcileinterval", 10*time.Second)
	viper.SetDefault("dispatch.claimtimeout", 1*time.Second)
	viper.SetDefault("dispatch.janitorinterval", 1*time.Hour)
	viper.SetDefault("dispatch.janitorthreshold", 50)

	// Cold store defaults
	viper.SetDefault("coldstore.enabled", false)
	viper.SetDefault("coldstore.dsn", "")
	viper.SetDefault("coldstore.schema", "public")
	viper.SetDefault("coldstore.table", "user_tasks")
	viper.SetDefault("coldstore.scaninterval", 60*time.Second)

	// Metrics defaults
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")

	// Logging defaults
	viper.SetDefault("loglevel", "info")
}
