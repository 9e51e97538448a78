// Package config loads server settings from an optional YAML file with
// command-line flags taking precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("invalid configuration")

// Config holds every server setting.
type Config struct {
	Listen  string `yaml:"listen"`
	Backend string `yaml:"backend"`

	DataDir            string        `yaml:"data_dir"`
	Durability         string        `yaml:"durability"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`

	MongoURI      string `yaml:"mongo_uri"`
	MongoDBPrefix string `yaml:"mongo_db_prefix"`

	JWTSecret string `yaml:"jwt_secret"`
	JWTIssuer string `yaml:"jwt_issuer"`

	// DurableDomains are queried in storage instead of being loaded into memory.
	DurableDomains []string `yaml:"durable_domains"`

	SendBuffer   int           `yaml:"send_buffer"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PingInterval time.Duration `yaml:"ping_interval"`

	Debug bool `yaml:"debug"`
}

// DefaultIssuer is the issuer `go-syncdb token` signs and the server expects.
const DefaultIssuer = "go-syncdb"

// Default returns the settings used when neither file nor flags say otherwise.
func Default() *Config {
	return &Config{
		Listen:             ":18080",
		Backend:            "file",
		DataDir:            "./data",
		Durability:         "os",
		CheckpointInterval: 30 * time.Second,
		JWTIssuer:          DefaultIssuer,
		SendBuffer:         256,
		WriteTimeout:       10 * time.Second,
		PingInterval:       30 * time.Second,
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first setting the server cannot run with.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("%w: jwt_secret is required", ErrInvalid)
	}
	if c.JWTIssuer == "" {
		return fmt.Errorf("%w: jwt_issuer is required", ErrInvalid)
	}
	switch c.Backend {
	case "file":
		if c.DataDir == "" {
			return fmt.Errorf("%w: data_dir is required for the file backend", ErrInvalid)
		}
	case "mongo":
		if c.MongoURI == "" {
			return fmt.Errorf("%w: mongo_uri is required for the mongo backend", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalid, c.Backend)
	}
	switch c.Durability {
	case "none", "os", "full":
	default:
		return fmt.Errorf("%w: unknown durability %q", ErrInvalid, c.Durability)
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("%w: send_buffer must be positive", ErrInvalid)
	}
	if c.WriteTimeout <= 0 || c.PingInterval <= 0 {
		return fmt.Errorf("%w: write_timeout and ping_interval must be positive", ErrInvalid)
	}
	return nil
}

// Flags binds command-line overrides. Call Apply after parsing to copy the flags
// that were actually given onto a loaded Config.
type Flags struct {
	fs         *flag.FlagSet
	values     Config
	durable    string
	ConfigPath string
}

// RegisterFlags declares the server flags on fs.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	d := Default()
	f := &Flags{fs: fs}
	fs.StringVar(&f.ConfigPath, "config", "", "YAML config file")
	fs.StringVar(&f.values.Listen, "listen", d.Listen, "Listen address")
	fs.StringVar(&f.values.Backend, "backend", d.Backend, "Durable storage backend: file or mongo")
	fs.StringVar(&f.values.DataDir, "data-dir", d.DataDir, "Data directory for the file backend")
	fs.StringVar(&f.values.Durability, "durability", d.Durability, "WAL durability: none, os or full")
	fs.DurationVar(&f.values.CheckpointInterval, "checkpoint-interval", d.CheckpointInterval, "Checkpoint interval (e.g. 30s). 0 disables background checkpoints")
	fs.StringVar(&f.values.MongoURI, "mongo-uri", "", "MongoDB connection URI")
	fs.StringVar(&f.values.MongoDBPrefix, "mongo-db-prefix", "", "Prefix for tenant database names")
	fs.StringVar(&f.values.JWTSecret, "jwt-secret", "", "HS256 secret for bearer tokens")
	fs.StringVar(&f.values.JWTIssuer, "jwt-issuer", "", "Issuer that tokens must carry")
	fs.StringVar(&f.durable, "durable-domains", "", "Comma separated domains served from storage instead of memory")
	fs.IntVar(&f.values.SendBuffer, "send-buffer", d.SendBuffer, "Outbound frames queued per connection")
	fs.DurationVar(&f.values.WriteTimeout, "write-timeout", d.WriteTimeout, "Websocket write deadline")
	fs.DurationVar(&f.values.PingInterval, "ping-interval", d.PingInterval, "Websocket ping interval")
	fs.BoolVar(&f.values.Debug, "debug", false, "Development logging")
	return f
}

// Apply copies every flag set on the command line onto cfg.
func (f *Flags) Apply(cfg *Config) {
	f.fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "listen":
			cfg.Listen = f.values.Listen
		case "backend":
			cfg.Backend = f.values.Backend
		case "data-dir":
			cfg.DataDir = f.values.DataDir
		case "durability":
			cfg.Durability = f.values.Durability
		case "checkpoint-interval":
			cfg.CheckpointInterval = f.values.CheckpointInterval
		case "mongo-uri":
			cfg.MongoURI = f.values.MongoURI
		case "mongo-db-prefix":
			cfg.MongoDBPrefix = f.values.MongoDBPrefix
		case "jwt-secret":
			cfg.JWTSecret = f.values.JWTSecret
		case "jwt-issuer":
			cfg.JWTIssuer = f.values.JWTIssuer
		case "durable-domains":
			cfg.DurableDomains = splitList(f.durable)
		case "send-buffer":
			cfg.SendBuffer = f.values.SendBuffer
		case "write-timeout":
			cfg.WriteTimeout = f.values.WriteTimeout
		case "ping-interval":
			cfg.PingInterval = f.values.PingInterval
		case "debug":
			cfg.Debug = f.values.Debug
		}
	})
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
