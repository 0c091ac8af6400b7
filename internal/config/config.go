package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Defaults applied when a value is omitted
const (
	DefaultUploadMaxBytes     = 5 << 20
	DefaultUploadFormField    = "image"
	DefaultHeartbeatInterval  = 30 * time.Second
	DefaultForceExitTimeout   = 30 * time.Second
	DefaultHandlerTimeout     = 5 * time.Second
	DefaultServerTimeout      = 10 * time.Second
	DefaultQueueType          = "quorum"
	DefaultDeliveryLimit      = 3
	DefaultWorkerConcurrency  = 2
	DefaultJobTimeout         = 2 * time.Minute
	DefaultRelayChannel       = "recipe-results"
	DefaultRequestsPerMinute  = 10
	DefaultRateLimitBurst     = 3
	DefaultRateLimitIdleTTL   = 10 * time.Minute
	DefaultRedisDialTimeout   = 5 * time.Second
	DefaultRabbitConfirmDelay = 5 * time.Second
)

// Config represents the complete application configuration
type Config struct {
	App       AppConfig       `yaml:"app"`
	Server    ServerConfig    `yaml:"server"`
	Upload    UploadConfig    `yaml:"upload"`
	Database  DatabaseConfig  `yaml:"database"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Redis     RedisConfig     `yaml:"redis"`
	Worker    WorkerConfig    `yaml:"worker"`
	Push      PushConfig      `yaml:"push"`
	Gemini    GeminiConfig    `yaml:"gemini"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Shutdown  ShutdownConfig  `yaml:"shutdown"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// ServerConfig holds HTTP server configuration. WriteTimeout applies to
// ordinary responses; the push stream clears its own deadline.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// UploadConfig bounds image uploads
type UploadConfig struct {
	MaxBytes  int64  `yaml:"max_bytes"`
	FormField string `yaml:"form_field"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration. DeliveryLimit only applies
// to quorum queues; once exceeded the broker dead-letters the job.
type QueueConfig struct {
	Name               string `yaml:"name"`
	Type               string `yaml:"type"`
	Durable            bool   `yaml:"durable"`
	AutoDelete         bool   `yaml:"auto_delete"`
	Exclusive          bool   `yaml:"exclusive"`
	DeliveryLimit      int    `yaml:"delivery_limit"`
	DeadLetterExchange string `yaml:"dead_letter_exchange"`
	DeadLetterQueue    string `yaml:"dead_letter_queue"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	ConfirmTimeout    time.Duration `yaml:"confirm_timeout"`
}

// RedisConfig holds the push relay connection. The relay is needed whenever
// the worker runs in a different process from the push connections.
type RedisConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	Channel     string        `yaml:"channel"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// WorkerConfig holds worker configuration. Embedded runs the worker inside
// the API process, delivering straight into the local registry.
type WorkerConfig struct {
	Embedded    bool          `yaml:"embedded"`
	Concurrency int           `yaml:"concurrency"`
	JobTimeout  time.Duration `yaml:"job_timeout"`
	WorkerID    string        `yaml:"worker_id"`
}

// PushConfig holds push connection settings
type PushConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	AllowedOrigins    []string      `yaml:"allowed_origins"`
	DefaultOrigin     string        `yaml:"default_origin"`
}

// GeminiConfig holds the generation service settings
type GeminiConfig struct {
	APIKey     string        `yaml:"api_key"`
	Model      string        `yaml:"model"`
	MaxRecipes int           `yaml:"max_recipes"`
	Timeout    time.Duration `yaml:"timeout"`
}

// AuthConfig holds bearer token verification settings
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

// RateLimitConfig bounds uploads per user
type RateLimitConfig struct {
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	Burst             int           `yaml:"burst"`
	IdleTTL           time.Duration `yaml:"idle_ttl"`
}

// ShutdownConfig bounds the shutdown sequence
type ShutdownConfig struct {
	ForceExitTimeout time.Duration `yaml:"force_exit_timeout"`
	HandlerTimeout   time.Duration `yaml:"handler_timeout"`
	ServerTimeout    time.Duration `yaml:"server_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// Load reads and parses the configuration file. ${VAR} references are
// expanded from the environment before parsing.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Upload.MaxBytes == 0 {
		c.Upload.MaxBytes = DefaultUploadMaxBytes
	}
	if c.Upload.FormField == "" {
		c.Upload.FormField = DefaultUploadFormField
	}
	if c.RabbitMQ.Queue.Type == "" {
		c.RabbitMQ.Queue.Type = DefaultQueueType
	}
	if c.RabbitMQ.Queue.DeliveryLimit == 0 {
		c.RabbitMQ.Queue.DeliveryLimit = DefaultDeliveryLimit
	}
	if c.RabbitMQ.Publish.ConfirmTimeout == 0 {
		c.RabbitMQ.Publish.ConfirmTimeout = DefaultRabbitConfirmDelay
	}
	if c.Redis.Channel == "" {
		c.Redis.Channel = DefaultRelayChannel
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = DefaultRedisDialTimeout
	}
	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = DefaultWorkerConcurrency
	}
	if c.Worker.JobTimeout == 0 {
		c.Worker.JobTimeout = DefaultJobTimeout
	}
	if c.Push.HeartbeatInterval == 0 {
		c.Push.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.RateLimit.RequestsPerMinute == 0 {
		c.RateLimit.RequestsPerMinute = DefaultRequestsPerMinute
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = DefaultRateLimitBurst
	}
	if c.RateLimit.IdleTTL == 0 {
		c.RateLimit.IdleTTL = DefaultRateLimitIdleTTL
	}
	if c.Shutdown.ForceExitTimeout == 0 {
		c.Shutdown.ForceExitTimeout = DefaultForceExitTimeout
	}
	if c.Shutdown.HandlerTimeout == 0 {
		c.Shutdown.HandlerTimeout = DefaultHandlerTimeout
	}
	if c.Shutdown.ServerTimeout == 0 {
		c.Shutdown.ServerTimeout = DefaultServerTimeout
	}
}

// Validate checks the settings shared by every service
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return errors.New("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return errors.New("database name is required")
	}

	if c.RabbitMQ.Host == "" {
		return errors.New("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return errors.New("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return errors.New("rabbitmq queue name is required")
	}

	switch c.RabbitMQ.Queue.Type {
	case "", "classic", "quorum":
	default:
		return fmt.Errorf("invalid rabbitmq queue type: %q (must be classic or quorum)", c.RabbitMQ.Queue.Type)
	}

	if c.Redis.Enabled {
		if c.Redis.Host == "" {
			return errors.New("redis host is required when the relay is enabled")
		}
		if c.Redis.Port < MinPort || c.Redis.Port > MaxPort {
			return fmt.Errorf("invalid redis port: %d (must be between %d and %d)", c.Redis.Port, MinPort, MaxPort)
		}
	}

	if c.Shutdown.HandlerTimeout < 0 || c.Shutdown.ForceExitTimeout < 0 {
		return errors.New("shutdown timeouts must not be negative")
	}

	return nil
}

// ValidateAPIConfig checks the settings the API service needs
func (c *Config) ValidateAPIConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Upload.MaxBytes <= 0 {
		return errors.New("upload max_bytes must be greater than 0")
	}

	if c.Auth.JWTSecret == "" {
		return errors.New("auth jwt_secret is required")
	}

	if c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.Burst < 0 {
		return errors.New("rate_limit values must not be negative")
	}

	if c.Push.HeartbeatInterval <= 0 {
		return errors.New("push heartbeat_interval must be greater than 0")
	}

	if c.Worker.Embedded {
		return c.ValidateWorkerConfig()
	}

	return nil
}

// ValidateWorkerConfig checks the settings a worker needs
func (c *Config) ValidateWorkerConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return errors.New("worker concurrency must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return errors.New("worker job_timeout must be greater than 0")
	}

	if c.Gemini.APIKey == "" {
		return errors.New("gemini api_key is required")
	}

	return nil
}
