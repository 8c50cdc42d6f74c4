// Package config provides configuration management for Trinity.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the Trinity control plane.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Docker      DockerConfig      `mapstructure:"docker"`
	Agent       AgentConfig       `mapstructure:"agent"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds the embedded state store configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"` // SQLite file path
}

// RedisConfig holds the lock & queue backend location.
// When URL is empty the control plane runs with the in-process backend,
// which is only safe for a single-node deployment.
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NATSConfig holds NATS messaging configuration for the activity broadcast bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
	VolumeBasePath string `mapstructure:"volumeBasePath"`
}

// AgentConfig holds per-agent runtime configuration.
type AgentConfig struct {
	// TemplateDir is the directory holding local templates ("local:<name>").
	TemplateDir string `mapstructure:"templateDir"`
	// WorkspaceDir is the base directory for agent workspaces on the host.
	WorkspaceDir string `mapstructure:"workspaceDir"`
	// DefaultImage is the container image used when a template names none.
	DefaultImage string `mapstructure:"defaultImage"`
	// BaseSSHPort is the first port considered when allocating SSH ports.
	BaseSSHPort int `mapstructure:"baseSshPort"`
	// HealthTimeout bounds the post-start readiness wait, in seconds.
	HealthTimeout int `mapstructure:"healthTimeout"`
	// ControlPlaneURL is the URL agents use to call back into the core.
	ControlPlaneURL string `mapstructure:"controlPlaneUrl"`
	// DefaultCPUs / DefaultMemory apply when a template names no resources.
	DefaultCPUs   float64 `mapstructure:"defaultCpus"`
	DefaultMemory string  `mapstructure:"defaultMemory"`
}

// QueueConfig holds execution queue tuning.
type QueueConfig struct {
	MaxQueueSize    int `mapstructure:"maxQueueSize"`    // waiters per agent
	ExecutionTTL    int `mapstructure:"executionTtl"`    // running-slot TTL, seconds
	WaitTimeout     int `mapstructure:"waitTimeout"`     // queue-wait timeout, seconds
	StatsPoolSize   int `mapstructure:"statsPoolSize"`   // parallel container stat calls
	TaskCallTimeout int `mapstructure:"taskCallTimeout"` // agent task call timeout, seconds
}

// SchedulerConfig holds cron scheduler tuning.
type SchedulerConfig struct {
	TickInterval    int `mapstructure:"tickInterval"`    // seconds between ticks
	LockTTL         int `mapstructure:"lockTtl"`         // per-schedule lock TTL, seconds
	LeaderTTL       int `mapstructure:"leaderTtl"`       // leader heartbeat TTL, seconds
	HistoryRetained int `mapstructure:"historyRetained"` // schedule executions kept per agent
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	JWTSecret     string `mapstructure:"jwtSecret"`
	TokenDuration int    `mapstructure:"tokenDuration"` // in seconds
}

// CredentialsConfig holds the credential envelope policy.
type CredentialsConfig struct {
	// EncryptionKey is the 32-byte hex AES-256-GCM key. Loaded from
	// CREDENTIAL_ENCRYPTION_KEY when unset in the config file.
	EncryptionKey string `mapstructure:"encryptionKey"`
	// RequireKey refuses to start when no key is configured instead of
	// generating an ephemeral per-process key.
	RequireKey bool `mapstructure:"requireKey"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Addr returns the host:port the server binds to.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ExecutionTTLDuration returns the running-slot TTL.
func (q *QueueConfig) ExecutionTTLDuration() time.Duration {
	return time.Duration(q.ExecutionTTL) * time.Second
}

// WaitTimeoutDuration returns the queue-wait timeout.
func (q *QueueConfig) WaitTimeoutDuration() time.Duration {
	return time.Duration(q.WaitTimeout) * time.Second
}

// TaskCallTimeoutDuration returns the agent task call timeout.
func (q *QueueConfig) TaskCallTimeoutDuration() time.Duration {
	return time.Duration(q.TaskCallTimeout) * time.Second
}

// TickIntervalDuration returns the scheduler tick interval.
func (s *SchedulerConfig) TickIntervalDuration() time.Duration {
	return time.Duration(s.TickInterval) * time.Second
}

// LockTTLDuration returns the per-schedule lock TTL.
func (s *SchedulerConfig) LockTTLDuration() time.Duration {
	return time.Duration(s.LockTTL) * time.Second
}

// LeaderTTLDuration returns the leader heartbeat TTL.
func (s *SchedulerConfig) LeaderTTLDuration() time.Duration {
	return time.Duration(s.LeaderTTL) * time.Second
}

// Load reads configuration from file and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("trinity")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/trinity")

	v.SetEnvPrefix("TRINITY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional; env + defaults are enough.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides maps the documented flat environment variables onto the
// config. These take precedence over file values.
func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("SECRET_KEY"); val != "" {
		cfg.Auth.JWTSecret = val
	}
	if val := os.Getenv("CREDENTIAL_ENCRYPTION_KEY"); val != "" {
		cfg.Credentials.EncryptionKey = val
	}
	if val := os.Getenv("REDIS_URL"); val != "" {
		cfg.Redis.URL = val
	}
	if val := os.Getenv("REDIS_PASSWORD"); val != "" {
		cfg.Redis.Password = val
	}
	if val := os.Getenv("DOCKER_HOST"); val != "" {
		cfg.Docker.Host = val
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 630) // task calls may run up to 10 minutes

	v.SetDefault("database.path", "./trinity.db")

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "trinity-control-plane")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("docker.defaultNetwork", "trinity")
	v.SetDefault("docker.volumeBasePath", "")

	v.SetDefault("agent.templateDir", "./templates")
	v.SetDefault("agent.workspaceDir", "./workspaces")
	v.SetDefault("agent.defaultImage", "trinity/agent:latest")
	v.SetDefault("agent.baseSshPort", 2289)
	v.SetDefault("agent.healthTimeout", 30)
	v.SetDefault("agent.controlPlaneUrl", "http://trinity-core:8000")
	v.SetDefault("agent.defaultCpus", 2.0)
	v.SetDefault("agent.defaultMemory", "2g")

	v.SetDefault("queue.maxQueueSize", 3)
	v.SetDefault("queue.executionTtl", 600)
	v.SetDefault("queue.waitTimeout", 120)
	v.SetDefault("queue.statsPoolSize", 4)
	v.SetDefault("queue.taskCallTimeout", 600)

	v.SetDefault("scheduler.tickInterval", 15)
	v.SetDefault("scheduler.lockTtl", 60)
	v.SetDefault("scheduler.leaderTtl", 30)
	v.SetDefault("scheduler.historyRetained", 200)

	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.tokenDuration", 86400)

	v.SetDefault("credentials.encryptionKey", "")
	v.SetDefault("credentials.requireKey", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.outputPath", "stdout")
}
