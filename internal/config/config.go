package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"telegate/internal/constants"
	"telegate/internal/utils"
)

const (
	EnvConfigFile = "TELEGATE_CONFIG"
	EnvFile       = ".env"
)

// Config is the complete gateway configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Gateway GatewayConfig `yaml:"gateway"`
	Redis   RedisConfig   `yaml:"redis"`
	Audit   AuditConfig   `yaml:"audit"`
}

type ServerConfig struct {
	// Host is the bind address. Empty listens on every interface.
	Host      string `yaml:"host"`
	Port      string `yaml:"port"`
	EnableTLS bool   `yaml:"enableTls"`
	CertFile  string `yaml:"certFile"`
	KeyFile   string `yaml:"keyFile"`

	// AllowedOrigins restricts browser origins on /ws. Empty allows all.
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

// GatewayConfig holds the session manager limits.
type GatewayConfig struct {
	MaxClients          int           `yaml:"maxClients"`
	MaxUpdateRate       int           `yaml:"maxUpdateRate"`
	ClientTimeout       time.Duration `yaml:"clientTimeout"`
	ReapInterval        time.Duration `yaml:"reapInterval"`
	HeartbeatInterval   time.Duration `yaml:"heartbeatInterval"`
	MaxPayloadBytes     int           `yaml:"maxPayloadBytes"`
	HistorySize         int           `yaml:"historySize"`
	ShutdownGrace       time.Duration `yaml:"shutdownGrace"`
	MaxConnectionsPerIP int           `yaml:"maxConnectionsPerIp"`
	SendQueueSize       int           `yaml:"sendQueueSize"`

	// AutoStopX, when set, sends "stop" to a device reporting x beyond it.
	AutoStopX *float64 `yaml:"autoStopX"`
}

// RedisConfig enables the Redis command source when Host is set.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Channel  string `yaml:"channel"`
}

// ListenAddr is the address handed to the HTTP listener.
func (s ServerConfig) ListenAddr() string { return net.JoinHostPort(s.Host, s.Port) }

func (r RedisConfig) Enabled() bool { return r.Host != "" }

func (r RedisConfig) Addr() string { return r.Host + ":" + r.Port }

type AuditConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"maxSizeMb"`
	MaxBackups int    `yaml:"maxBackups"`
}

// Load merges defaults, the optional YAML file named by TELEGATE_CONFIG,
// an optional .env file and environment overrides, then validates the result.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv(EnvConfigFile); path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := godotenv.Load(EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", EnvFile, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     constants.DefaultPort,
			CertFile: "certs/server.crt",
			KeyFile:  "certs/server.key",
		},
		Gateway: GatewayConfig{
			MaxClients:          constants.DefaultMaxClients,
			MaxUpdateRate:       constants.DefaultMaxUpdateRate,
			ClientTimeout:       constants.DefaultClientTimeout,
			ReapInterval:        constants.DefaultReapInterval,
			HeartbeatInterval:   constants.DefaultHeartbeatInterval,
			MaxPayloadBytes:     constants.DefaultMaxPayloadBytes,
			HistorySize:         constants.DefaultHistorySize,
			ShutdownGrace:       constants.DefaultShutdownGrace,
			MaxConnectionsPerIP: constants.DefaultMaxConnectionsPerIP,
			SendQueueSize:       constants.DefaultSendQueueSize,
		},
		Redis: RedisConfig{
			Port:    constants.DefaultRedisPort,
			Channel: constants.DefaultCommandChannel,
		},
		Audit: AuditConfig{
			MaxSizeMB:  constants.DefaultAuditMaxSizeMB,
			MaxBackups: constants.DefaultAuditMaxBackups,
		},
	}
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func applyEnvOverrides(cfg *Config) {
	s := &cfg.Server
	s.Host = utils.GetEnv("TELEGATE_HOST", s.Host)
	s.Port = utils.GetEnv("PORT", s.Port)
	s.EnableTLS = utils.GetEnvBool("TELEGATE_ENABLE_TLS", s.EnableTLS)
	s.CertFile = utils.GetEnv("TELEGATE_CERT_FILE", s.CertFile)
	s.KeyFile = utils.GetEnv("TELEGATE_KEY_FILE", s.KeyFile)
	s.AllowedOrigins = utils.GetEnvList("ALLOWED_ORIGINS", s.AllowedOrigins)

	g := &cfg.Gateway
	g.MaxClients = utils.GetEnvInt("MAX_CLIENTS", g.MaxClients)
	g.MaxUpdateRate = utils.GetEnvInt("MAX_UPDATE_RATE", g.MaxUpdateRate)
	g.ClientTimeout = utils.GetEnvMillis("CLIENT_TIMEOUT", g.ClientTimeout)
	g.ReapInterval = utils.GetEnvMillis("REAP_INTERVAL", g.ReapInterval)
	g.HeartbeatInterval = utils.GetEnvMillis("HEARTBEAT_INTERVAL", g.HeartbeatInterval)
	g.MaxPayloadBytes = utils.GetEnvInt("MAX_PAYLOAD_BYTES", g.MaxPayloadBytes)
	g.HistorySize = utils.GetEnvInt("HISTORY_SIZE", g.HistorySize)
	g.ShutdownGrace = utils.GetEnvMillis("SHUTDOWN_GRACE", g.ShutdownGrace)
	g.MaxConnectionsPerIP = utils.GetEnvInt("MAX_CONNECTIONS_PER_IP", g.MaxConnectionsPerIP)
	g.SendQueueSize = utils.GetEnvInt("SEND_QUEUE_SIZE", g.SendQueueSize)
	g.AutoStopX = utils.GetEnvFloat("AUTO_STOP_X", g.AutoStopX)

	r := &cfg.Redis
	r.Host = utils.GetEnv("REDIS_HOST", r.Host)
	r.Port = utils.GetEnv("REDIS_PORT", r.Port)
	r.Username = utils.GetEnv("REDIS_USERNAME", r.Username)
	r.Password = utils.GetEnv("REDIS_PASSWORD", r.Password)
	r.Channel = utils.GetEnv("REDIS_COMMAND_CHANNEL", r.Channel)

	a := &cfg.Audit
	a.Path = utils.GetEnv("AUDIT_LOG_PATH", a.Path)
	a.MaxSizeMB = utils.GetEnvInt("AUDIT_LOG_MAX_MB", a.MaxSizeMB)
	a.MaxBackups = utils.GetEnvInt("AUDIT_LOG_MAX_BACKUPS", a.MaxBackups)
}

// Validate rejects configurations the gateway cannot run with.
func (c *Config) Validate() error {
	var problems []string
	g := c.Gateway

	if c.Server.Port == "" {
		problems = append(problems, "server port is required")
	}
	if g.MaxClients <= 0 {
		problems = append(problems, fmt.Sprintf("maxClients must be positive, got %d", g.MaxClients))
	}
	if g.MaxUpdateRate < 0 {
		problems = append(problems, fmt.Sprintf("maxUpdateRate must not be negative, got %d", g.MaxUpdateRate))
	}
	if g.ClientTimeout <= 0 {
		problems = append(problems, "clientTimeout must be positive")
	}
	if g.ReapInterval <= 0 {
		problems = append(problems, "reapInterval must be positive")
	}
	if g.HeartbeatInterval <= 0 {
		problems = append(problems, "heartbeatInterval must be positive")
	}
	if g.HeartbeatInterval >= g.ClientTimeout {
		problems = append(problems, "heartbeatInterval must be shorter than clientTimeout")
	}
	if g.MaxPayloadBytes <= 0 {
		problems = append(problems, "maxPayloadBytes must be positive")
	}
	if g.HistorySize <= 0 {
		problems = append(problems, "historySize must be positive")
	}
	if g.ShutdownGrace < 0 {
		problems = append(problems, "shutdownGrace must not be negative")
	}
	if g.MaxConnectionsPerIP <= 0 {
		problems = append(problems, "maxConnectionsPerIp must be positive")
	}
	if g.SendQueueSize <= 0 {
		problems = append(problems, "sendQueueSize must be positive")
	}
	if c.Redis.Enabled() && c.Redis.Channel == "" {
		problems = append(problems, "redis channel is required when redis host is set")
	}

	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}
