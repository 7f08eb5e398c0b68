// Package config loads the livequery server configuration from a YAML file,
// LIVEQUERY_* environment variables and command line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. LIVEQUERY_HTTP_ADDR.
const EnvPrefix = "LIVEQUERY"

// DefaultSecretKey is only acceptable for local development.
const DefaultSecretKey = "livequery-dev-secret-change-in-production"

var (
	// ErrEmptyNodeID is returned when node ID is empty
	ErrEmptyNodeID = errors.New("node ID cannot be empty")
	// ErrInvalidListenAddress is returned when listen address is invalid
	ErrInvalidListenAddress = errors.New("listen address cannot be empty")
	// ErrEmptySecret is returned when no token secret is configured
	ErrEmptySecret = errors.New("auth secret cannot be empty")
)

// Config is the complete server configuration.
type Config struct {
	Node     NodeConfig     `mapstructure:"node"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Store    StoreConfig    `mapstructure:"store"`
	Realtime RealtimeConfig `mapstructure:"realtime"`
	NATS     NATSConfig     `mapstructure:"nats"`
	GRPC     GRPCConfig     `mapstructure:"grpc"`
	Log      LogConfig      `mapstructure:"log"`
}

// NodeConfig identifies the process.
type NodeConfig struct {
	ID string `mapstructure:"id"`
}

// HTTPConfig configures the HTTP and websocket listener.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"readTimeout"`
	WriteTimeout    time.Duration `mapstructure:"writeTimeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
	AllowedOrigins  []string      `mapstructure:"allowedOrigins"`

	// Websocket settings.
	MaxMessageSize int64         `mapstructure:"maxMessageSize"`
	WriteWait      time.Duration `mapstructure:"writeWait"`
	PongWait       time.Duration `mapstructure:"pongWait"`
}

// AuthConfig configures token issuing and validation.
type AuthConfig struct {
	Secret         string        `mapstructure:"secret"`
	TokenTTL       time.Duration `mapstructure:"tokenTTL"`
	AllowAnonymous bool          `mapstructure:"allowAnonymous"`

	// Users are the clients allowed to log in. A list rather than a map so
	// that client ids keep their case.
	Users []UserConfig `mapstructure:"users"`
}

// UserConfig is one configured client.
type UserConfig struct {
	ID   string `mapstructure:"id"`
	Role string `mapstructure:"role"`
}

// Roles returns the users as a client id to role map.
func (a AuthConfig) Roles() map[string]string {
	roles := make(map[string]string, len(a.Users))
	for _, u := range a.Users {
		roles[u.ID] = u.Role
	}
	return roles
}

// StoreConfig configures the reference data store.
type StoreConfig struct {
	Path         string `mapstructure:"path"`
	PolicyFile   string `mapstructure:"policyFile"`
	SeedFile     string `mapstructure:"seedFile"`
	DefaultLimit int    `mapstructure:"defaultLimit"`
}

// RealtimeConfig configures subscription handling.
type RealtimeConfig struct {
	Modules               []string `mapstructure:"modules"`
	RejectFailedSubscribe bool     `mapstructure:"rejectFailedSubscribe"`
}

// NATSConfig configures the optional NATS mutation source.
type NATSConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	SubjectPrefix string        `mapstructure:"subjectPrefix"`
	ReconnectWait time.Duration `mapstructure:"reconnectWait"`
	MaxReconnects int           `mapstructure:"maxReconnects"`
}

// GRPCConfig configures the gRPC health server.
type GRPCConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Addr           string        `mapstructure:"addr"`
	HealthInterval time.Duration `mapstructure:"healthInterval"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.SetDefaults()
	return c
}

// SetDefaults fills in unset fields.
func (c *Config) SetDefaults() {
	if c.Node.ID == "" {
		c.Node.ID = defaultNodeID()
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.HTTP.ReadTimeout == 0 {
		c.HTTP.ReadTimeout = 30 * time.Second
	}
	if c.HTTP.WriteTimeout == 0 {
		c.HTTP.WriteTimeout = 30 * time.Second
	}
	if c.HTTP.ShutdownTimeout == 0 {
		c.HTTP.ShutdownTimeout = 30 * time.Second
	}
	if c.HTTP.MaxMessageSize == 0 {
		c.HTTP.MaxMessageSize = 64 * 1024
	}
	if c.HTTP.WriteWait == 0 {
		c.HTTP.WriteWait = 10 * time.Second
	}
	if c.HTTP.PongWait == 0 {
		c.HTTP.PongWait = 60 * time.Second
	}
	if c.Auth.Secret == "" {
		c.Auth.Secret = DefaultSecretKey
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 24 * time.Hour
	}
	if c.Store.Path == "" {
		c.Store.Path = ":memory:"
	}
	if c.Store.DefaultLimit == 0 {
		c.Store.DefaultLimit = 100
	}
	if len(c.Realtime.Modules) == 0 {
		c.Realtime.Modules = []string{"items"}
	}
	if c.NATS.URL == "" {
		c.NATS.URL = "nats://127.0.0.1:4222"
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "livequery"
	}
	if c.GRPC.Addr == "" {
		c.GRPC.Addr = ":9090"
	}
	if c.GRPC.HealthInterval == 0 {
		c.GRPC.HealthInterval = 5 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return ErrEmptyNodeID
	}
	if c.HTTP.Addr == "" {
		return ErrInvalidListenAddress
	}
	if c.Auth.Secret == "" {
		return ErrEmptySecret
	}
	if c.Auth.TokenTTL < 0 {
		return fmt.Errorf("token TTL cannot be negative, got %v", c.Auth.TokenTTL)
	}
	if c.HTTP.MaxMessageSize < 0 {
		return fmt.Errorf("max message size cannot be negative, got %d", c.HTTP.MaxMessageSize)
	}
	if c.HTTP.PongWait <= c.HTTP.WriteWait {
		return fmt.Errorf("pong wait (%v) must be longer than write wait (%v)", c.HTTP.PongWait, c.HTTP.WriteWait)
	}
	if c.Store.DefaultLimit < -1 {
		return fmt.Errorf("store default limit must be -1 or positive, got %d", c.Store.DefaultLimit)
	}
	for _, u := range c.Auth.Users {
		if u.ID == "" {
			return errors.New("auth user id cannot be empty")
		}
	}
	for _, m := range c.Realtime.Modules {
		if m == "" || strings.ContainsAny(m, ". ") {
			return fmt.Errorf("invalid realtime module %q", m)
		}
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return errors.New("nats url cannot be empty when nats is enabled")
	}
	if c.GRPC.Enabled && c.GRPC.Addr == "" {
		return errors.New("grpc address cannot be empty when grpc is enabled")
	}
	return nil
}

// flagKeys maps command line flag names onto configuration keys.
var flagKeys = map[string]string{
	"node-id":                 "node.id",
	"listen":                  "http.addr",
	"secret":                  "auth.secret",
	"allow-anonymous":         "auth.allowAnonymous",
	"store-path":              "store.path",
	"policy":                  "store.policyFile",
	"seed":                    "store.seedFile",
	"reject-failed-subscribe": "realtime.rejectFailedSubscribe",
	"nats-url":                "nats.url",
	"grpc-listen":             "grpc.addr",
	"log-level":               "log.level",
}

// Flags returns the flag set understood by Load.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("livequery", pflag.ContinueOnError)
	fs.String("node-id", "", "Unique node identifier")
	fs.String("listen", "", "Listen address for HTTP and websocket connections")
	fs.String("secret", "", "Secret used to sign access tokens")
	fs.Bool("allow-anonymous", false, "Accept websocket connections without a token")
	fs.String("store-path", "", "buntdb file, :memory: for a volatile store")
	fs.String("policy", "", "Permission policy file (YAML)")
	fs.String("seed", "", "Seed data file (YAML)")
	fs.Bool("reject-failed-subscribe", false, "Answer failed subscriptions with an error frame")
	fs.String("nats-url", "", "NATS server URL, enables the NATS mutation source")
	fs.String("grpc-listen", "", "Listen address of the gRPC health server, enables it")
	fs.String("log-level", "", "Log level (debug, info, warn, error)")
	return fs
}

// Load reads the configuration. path may be empty; flags may be nil. Only
// flags that were set on the command line override file and environment.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil || !f.Changed {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
			}
		}
		if f := flags.Lookup("nats-url"); f != nil && f.Changed {
			v.Set("nats.enabled", true)
		}
		if f := flags.Lookup("grpc-listen"); f != nil && f.Changed {
			v.Set("grpc.enabled", true)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// bindEnv registers every scalar key so that AutomaticEnv sees it during
// Unmarshal even when no config file mentions it.
func bindEnv(v *viper.Viper) {
	keys := []string{
		"node.id",
		"http.addr", "http.readTimeout", "http.writeTimeout", "http.shutdownTimeout",
		"http.maxMessageSize", "http.writeWait", "http.pongWait",
		"auth.secret", "auth.tokenTTL", "auth.allowAnonymous",
		"store.path", "store.policyFile", "store.seedFile", "store.defaultLimit",
		"realtime.rejectFailedSubscribe",
		"nats.enabled", "nats.url", "nats.subjectPrefix", "nats.reconnectWait", "nats.maxReconnects",
		"grpc.enabled", "grpc.addr", "grpc.healthInterval",
		"log.level",
	}
	for _, k := range keys {
		_ = v.BindEnv(k)
	}
}

// defaultNodeID generates a default node ID based on hostname
func defaultNodeID() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "livequery-node-1"
	}
	return fmt.Sprintf("livequery-%s", hostname)
}
