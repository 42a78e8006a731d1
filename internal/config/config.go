// Package config loads and validates the immutable startup parameters the
// gossip layer reads once. An invalid configuration is rejected before the
// gossiper starts; nothing here is recoverable at runtime.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"memberd/internal/transport"
)

// Duration wraps time.Duration for YAML fields written as "1s" or "250ms".
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML renders the duration string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Etcd configures optional etcd-based seed discovery.
type Etcd struct {
	Endpoints []string `yaml:"endpoints"`
	Prefix    string   `yaml:"prefix"`
	LeaseTTL  int64    `yaml:"lease_ttl_seconds"`
}

// Config is the node configuration.
type Config struct {
	ClusterName         string   `yaml:"cluster_name"`
	Partitioner         string   `yaml:"partitioner"`
	ListenAddress       string   `yaml:"listen_address"`
	Seeds               []string `yaml:"seeds"`
	GossipInterval      Duration `yaml:"gossip_interval"`
	PhiConvictThreshold float64  `yaml:"phi_convict_threshold"`
	FailureWindowSize   int      `yaml:"failure_window_size"`
	NumTokens           int      `yaml:"num_tokens"`
	MetricsAddress      string   `yaml:"metrics_address"`
	Etcd                *Etcd    `yaml:"etcd"`
}

// Default returns a configuration with every optional knob set to its
// default. ClusterName, ListenAddress and Seeds have no defaults.
func Default() *Config {
	return &Config{
		Partitioner:         "murmur3",
		GossipInterval:      Duration{time.Second},
		PhiConvictThreshold: 8,
		FailureWindowSize:   1000,
		NumTokens:           128,
	}
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects any configuration the gossip layer cannot start with.
func (c *Config) Validate() error {
	if c.ClusterName == "" {
		return fmt.Errorf("missing directive: cluster_name")
	}
	if c.Partitioner == "" {
		return fmt.Errorf("missing directive: partitioner")
	}
	if c.ListenAddress == "" {
		return fmt.Errorf("missing directive: listen_address")
	}
	if _, _, err := transport.Endpoint(c.ListenAddress).HostPort(); err != nil {
		return err
	}
	if len(c.Seeds) == 0 && c.Etcd == nil {
		return fmt.Errorf("seeds configuration is missing; a minimum of one seed is required")
	}
	for _, s := range c.Seeds {
		if _, _, err := transport.Endpoint(s).HostPort(); err != nil {
			return err
		}
	}
	if c.PhiConvictThreshold < 5 || c.PhiConvictThreshold > 16 {
		return fmt.Errorf("phi_convict_threshold must be between 5 and 16")
	}
	if c.GossipInterval.Duration <= 0 {
		return fmt.Errorf("gossip_interval must be positive")
	}
	if c.FailureWindowSize <= 0 {
		return fmt.Errorf("failure_window_size must be positive")
	}
	if c.NumTokens <= 0 {
		return fmt.Errorf("num_tokens must be positive")
	}
	if c.Etcd != nil {
		if len(c.Etcd.Endpoints) == 0 {
			return fmt.Errorf("etcd seed discovery requires at least one endpoint")
		}
		if c.Etcd.Prefix == "" {
			c.Etcd.Prefix = "/memberd/nodes"
		}
		if c.Etcd.LeaseTTL <= 0 {
			c.Etcd.LeaseTTL = 10
		}
	}
	return nil
}

// LocalEndpoint returns the listen address as an endpoint value.
func (c *Config) LocalEndpoint() transport.Endpoint {
	return transport.Endpoint(c.ListenAddress)
}

// SeedEndpoints returns the static seed list as endpoint values.
func (c *Config) SeedEndpoints() []transport.Endpoint {
	eps := make([]transport.Endpoint, 0, len(c.Seeds))
	for _, s := range c.Seeds {
		eps = append(eps, transport.Endpoint(s))
	}
	return eps
}
