package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/bcnet/internal/contype"
	"github.com/danmuck/bcnet/internal/transport"
)

// DaemonConfig configures bcnetd.
type DaemonConfig struct {
	ListenAddr      string
	AdminAddr       string
	MaxConnections  int
	MaxPayloadBytes int
	// AdminToken enables token-guarded admin routes when non-empty.
	AdminToken string
}

// ClientConfig configures bcctl and any embedded backchannel client.
type ClientConfig struct {
	Address   string
	Timeout   time.Duration
	Transport transport.Config
}

// Config is the full file shape shared by bcnetd and bcctl.
type Config struct {
	LogLevel  string
	ConnTypes []string
	Daemon    DaemonConfig
	Client    ClientConfig
}

func DefaultConfig() Config {
	return Config{
		LogLevel:  "info",
		ConnTypes: contype.DefaultNames(),
		Daemon: DaemonConfig{
			ListenAddr:      ":7700",
			AdminAddr:       ":7701",
			MaxConnections:  1024,
			MaxPayloadBytes: 4096,
		},
		Client: ClientConfig{
			Address:   "127.0.0.1:7700",
			Timeout:   10 * time.Second,
			Transport: transport.DefaultConfig(),
		},
	}
}

type fileConfig struct {
	LogLevel  string     `toml:"log_level"`
	ConnTypes []string   `toml:"conn_types"`
	Daemon    fileDaemon `toml:"daemon"`
	Client    fileClient `toml:"client"`
}

type fileDaemon struct {
	ListenAddr      string `toml:"listen_addr"`
	AdminAddr       string `toml:"admin_addr"`
	MaxConnections  int    `toml:"max_connections"`
	MaxPayloadBytes int    `toml:"max_payload_bytes"`
	AdminToken      string `toml:"admin_token"`
}

type fileClient struct {
	Address         string `toml:"address"`
	Timeout         string `toml:"timeout"`
	TxBufSize       int    `toml:"tx_buf_size"`
	QueueDepth      int    `toml:"queue_depth"`
	DialTimeout     string `toml:"dial_timeout"`
	WriteTimeout    string `toml:"write_timeout"`
	MaxDialAttempts int    `toml:"max_dial_attempts"`
}

// Load reads path and overlays every defined key onto DefaultConfig.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("config parse failed (%s): unknown key %q", path, undecoded[0].String())
	}
	cfg, err := apply(DefaultConfig(), raw, meta)
	if err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func apply(cfg Config, raw fileConfig, meta toml.MetaData) (Config, error) {
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("conn_types") {
		cfg.ConnTypes = raw.ConnTypes
	}

	if meta.IsDefined("daemon", "listen_addr") {
		cfg.Daemon.ListenAddr = strings.TrimSpace(raw.Daemon.ListenAddr)
	}
	if meta.IsDefined("daemon", "admin_addr") {
		cfg.Daemon.AdminAddr = strings.TrimSpace(raw.Daemon.AdminAddr)
	}
	if meta.IsDefined("daemon", "max_connections") {
		cfg.Daemon.MaxConnections = raw.Daemon.MaxConnections
	}
	if meta.IsDefined("daemon", "max_payload_bytes") {
		cfg.Daemon.MaxPayloadBytes = raw.Daemon.MaxPayloadBytes
	}

	if meta.IsDefined("daemon", "admin_token") {
		cfg.Daemon.AdminToken = strings.TrimSpace(raw.Daemon.AdminToken)
	}

	if meta.IsDefined("client", "address") {
		cfg.Client.Address = strings.TrimSpace(raw.Client.Address)
	}
	if meta.IsDefined("client", "timeout") {
		d, err := parseDuration("client.timeout", raw.Client.Timeout)
		if err != nil {
			return Config{}, err
		}
		cfg.Client.Timeout = d
	}
	if meta.IsDefined("client", "tx_buf_size") {
		cfg.Client.Transport.TxBufSize = raw.Client.TxBufSize
	}
	if meta.IsDefined("client", "queue_depth") {
		cfg.Client.Transport.QueueDepth = raw.Client.QueueDepth
	}
	if meta.IsDefined("client", "dial_timeout") {
		d, err := parseDuration("client.dial_timeout", raw.Client.DialTimeout)
		if err != nil {
			return Config{}, err
		}
		cfg.Client.Transport.DialTimeout = d
	}
	if meta.IsDefined("client", "write_timeout") {
		d, err := parseDuration("client.write_timeout", raw.Client.WriteTimeout)
		if err != nil {
			return Config{}, err
		}
		cfg.Client.Transport.WriteTimeout = d
	}
	if meta.IsDefined("client", "max_dial_attempts") {
		cfg.Client.Transport.MaxDialAttempts = raw.Client.MaxDialAttempts
	}
	return cfg, nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func Validate(cfg Config) error {
	if len(cfg.ConnTypes) == 0 {
		return fmt.Errorf("config missing conn_types")
	}
	if strings.TrimSpace(cfg.ConnTypes[0]) != contype.BackchannelName {
		return fmt.Errorf("conn_types[0] must be %q, got %q", contype.BackchannelName, cfg.ConnTypes[0])
	}
	if _, err := contype.NewRegistry(cfg.ConnTypes...); err != nil {
		return fmt.Errorf("conn_types invalid: %w", err)
	}
	if strings.TrimSpace(cfg.Daemon.ListenAddr) == "" {
		return fmt.Errorf("daemon config missing listen_addr")
	}
	if cfg.Daemon.MaxConnections < 0 {
		return fmt.Errorf("daemon max_connections must not be negative")
	}
	if cfg.Daemon.MaxPayloadBytes <= 0 || cfg.Daemon.MaxPayloadBytes > 0xFFFF {
		return fmt.Errorf("daemon max_payload_bytes must be in 1..65535")
	}
	if strings.TrimSpace(cfg.Client.Address) == "" {
		return fmt.Errorf("client config missing address")
	}
	if cfg.Client.Transport.TxBufSize <= 0 || cfg.Client.Transport.TxBufSize > 0xFFFF {
		return fmt.Errorf("client tx_buf_size must be in 1..65535")
	}
	if cfg.Client.Timeout <= 0 {
		return fmt.Errorf("client timeout must be positive")
	}
	return nil
}

// Registry builds the connection-type registry described by cfg.
func (c Config) Registry() (*contype.Registry, error) {
	return contype.NewRegistry(c.ConnTypes...)
}
