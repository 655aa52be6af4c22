// Package config loads the worker's configuration the way the
// teacher's chaos-utils config package does: a struct of nested
// sections, a set of defaults, a YAML file with environment-variable
// expansion, and a small Validate pass — adapted here from scenario
// runner settings to the worker's own strategy/broker/VMM/database
// settings (spec.md §6, §9 "Global state").
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Strategy names the active neighbor-scoring strategy (spec §3, §4.B).
type Strategy string

const (
	StrategyGeoDistance    Strategy = "GeoDistance"
	StrategySimpleCellular Strategy = "SimpleCellular"
	StrategySmartLatency   Strategy = "SmartLatency"
)

func (s Strategy) Valid() bool {
	switch s {
	case StrategyGeoDistance, StrategySimpleCellular, StrategySmartLatency:
		return true
	default:
		return false
	}
}

// Config is the complete worker configuration, assembled once at
// process startup from CLI flags, a YAML file, and environment
// variables, then passed by value into every component that needs it
// (spec §9: "no singletons beyond the top-level handle").
type Config struct {
	Framework  FrameworkConfig  `yaml:"framework"`
	Broker     BrokerConfig     `yaml:"broker"`
	Network    NetworkConfig    `yaml:"network"`
	Firecracker FirecrackerConfig `yaml:"firecracker"`
	Database   DatabaseConfig   `yaml:"database"`
	Execution  ExecutionConfig  `yaml:"execution"`
}

// FrameworkConfig carries general logging/runtime settings.
type FrameworkConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// BrokerConfig describes how to reach the cluster-view message broker.
type BrokerConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// NetworkConfig carries the CIDR, bind port, bridge name and scoring
// strategy named in spec §6's CLI flags / environment variables.
type NetworkConfig struct {
	CIDR       string   `yaml:"cidr"`
	BindPort   int      `yaml:"bind_port"`
	BridgeName string   `yaml:"bridge_name"`
	Strategy   Strategy `yaml:"strategy"`
}

// FirecrackerConfig names the external monitor binary and guest kernel
// image (spec §6 env vars FIRECRACKER_EXECUTABLE, NANOS_KERNEL).
type FirecrackerConfig struct {
	Executable string        `yaml:"executable"`
	Kernel     string        `yaml:"kernel"`
	SocketDir  string        `yaml:"socket_dir"`
	BootTimeout time.Duration `yaml:"boot_timeout"`
}

// DatabaseConfig names the persistent invocation log (spec §6 env var
// DATABASE_URL).
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// ExecutionConfig carries the tunables the spec's Design Notes leave
// open: pipeline retry count and framing deadlines (spec §4.D, §9 Open
// Questions).
type ExecutionConfig struct {
	PipelineRetries     int           `yaml:"pipeline_retries"`
	HandshakeDeadline   time.Duration `yaml:"handshake_deadline"`
	PayloadDeadline     time.Duration `yaml:"payload_deadline"`
	ResponseDeadline    time.Duration `yaml:"response_deadline"`
	SocketBindPollEvery time.Duration `yaml:"socket_bind_poll_interval"`
	SocketBindTimeout   time.Duration `yaml:"socket_bind_timeout"`
}

// DefaultConfig mirrors DefaultConfig in the teacher's pkg/config: a
// fully populated, independently valid starting point that a YAML file
// and environment variables only ever override.
func DefaultConfig() *Config {
	return &Config{
		Framework: FrameworkConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
		Broker: BrokerConfig{
			Address: "127.0.0.1",
			Port:    9092,
		},
		Network: NetworkConfig{
			BindPort:   8085,
			BridgeName: "br0",
			Strategy:   StrategyGeoDistance,
		},
		Firecracker: FirecrackerConfig{
			SocketDir:   "/tmp/spare/sockets",
			BootTimeout: 5 * time.Second,
		},
		Execution: ExecutionConfig{
			PipelineRetries:     3,
			HandshakeDeadline:   500 * time.Millisecond,
			PayloadDeadline:     1000 * time.Millisecond,
			ResponseDeadline:    10000 * time.Millisecond,
			SocketBindPollEvery: 20 * time.Millisecond,
			SocketBindTimeout:   2 * time.Second,
		},
	}
}

// Load reads configuration the way pkg/config.Load does: start from
// defaults, overlay an (optional) YAML file with environment variables
// expanded, then let select environment variables win outright — the
// spec's required CLI flags (§6) are applied by the caller after Load
// returns, since cobra owns flag parsing.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read config file: %w", err)
			}
			expanded := []byte(os.ExpandEnv(string(data)))
			if err := yaml.Unmarshal(expanded, cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config file: %w", err)
		}
	}

	if fc := os.Getenv("FIRECRACKER_EXECUTABLE"); fc != "" {
		cfg.Firecracker.Executable = fc
	}
	if kernel := os.Getenv("NANOS_KERNEL"); kernel != "" {
		cfg.Firecracker.Kernel = kernel
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		cfg.Database.URL = dsn
	}
	if strategy := os.Getenv("STRATEGY"); strategy != "" {
		cfg.Network.Strategy = Strategy(strategy)
	}

	return cfg, nil
}

// Validate enforces the "missing or invalid values abort startup"
// requirement from spec §6.
func (c *Config) Validate() error {
	if c.Network.CIDR == "" {
		return fmt.Errorf("network.cidr is required")
	}
	if c.Network.BindPort <= 0 {
		return fmt.Errorf("network.bind_port must be positive")
	}
	if c.Network.BridgeName == "" {
		return fmt.Errorf("network.bridge_name is required")
	}
	if !c.Network.Strategy.Valid() {
		return fmt.Errorf("invalid strategy %q: must be one of GeoDistance, SimpleCellular, SmartLatency", c.Network.Strategy)
	}
	if c.Firecracker.Executable == "" {
		return fmt.Errorf("FIRECRACKER_EXECUTABLE is required")
	}
	if c.Firecracker.Kernel == "" {
		return fmt.Errorf("NANOS_KERNEL is required")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Execution.PipelineRetries < 0 {
		return fmt.Errorf("execution.pipeline_retries must be >= 0")
	}
	if strings.TrimSpace(c.Broker.Address) == "" {
		return fmt.Errorf("broker.address is required")
	}
	return nil
}
