// Package config loads the server configuration, workflow definitions and
// role assignments from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/eventflow/metrics"
	"github.com/GoCodeAlone/eventflow/observability/tracing"
	"github.com/GoCodeAlone/eventflow/registry"
)

// PeerConfig is a peer whose base URL is read from an environment variable.
type PeerConfig struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name,omitempty"`
	EnvVar       string   `yaml:"envVar"`
	Capabilities []string `yaml:"capabilities,omitempty"`
}

// RegistryConfig tunes peer health checking.
type RegistryConfig struct {
	HealthCheckInterval time.Duration `yaml:"healthCheckInterval"`
	HealthCheckTimeout  time.Duration `yaml:"healthCheckTimeout"`
}

// DeliveryConfig tunes targeted cross-server delivery.
type DeliveryConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	RateLimit float64       `yaml:"rateLimit"`
	RateBurst int           `yaml:"rateBurst"`
}

// ExecutorConfig tunes the workflow executor.
type ExecutorConfig struct {
	MaxTransitions int `yaml:"maxTransitions"`
	Retention      int `yaml:"retention"`
}

// RedisConfig enables the Redis execution store when Address is set.
type RedisConfig struct {
	Address        string        `yaml:"address"`
	Password       string        `yaml:"password"`
	DB             int           `yaml:"db"`
	Prefix         string        `yaml:"prefix"`
	TTL            time.Duration `yaml:"ttl"`
	MaxPerWorkflow int           `yaml:"maxPerWorkflow"`
}

// NATSConfig enables the NATS relay when URL is set.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subjectPrefix"`
}

// RecordsConfig selects the record store. An empty SQLitePath keeps records
// in memory.
type RecordsConfig struct {
	SQLitePath string `yaml:"sqlitePath"`
}

// NotificationsConfig selects the notification channel. With WebhookURL set
// notifications are posted there; otherwise they are published on the bus.
type NotificationsConfig struct {
	WebhookURL string `yaml:"webhookUrl"`
}

// ServerConfig is the configuration of one eventflow server.
type ServerConfig struct {
	ServerID       string              `yaml:"serverId"`
	Name           string              `yaml:"name"`
	Version        string              `yaml:"version"`
	ListenAddr     string              `yaml:"listenAddr"`
	WorkflowsPath  string              `yaml:"workflows"`
	RolesPath      string              `yaml:"roles"`
	WatchWorkflows bool                `yaml:"watchWorkflows"`
	UserHeader     string              `yaml:"userHeader"`
	Peers          []PeerConfig        `yaml:"peers"`
	Registry       RegistryConfig      `yaml:"registry"`
	Delivery       DeliveryConfig      `yaml:"delivery"`
	Executor       ExecutorConfig      `yaml:"executor"`
	Redis          RedisConfig         `yaml:"redis"`
	NATS           NATSConfig          `yaml:"nats"`
	Records        RecordsConfig       `yaml:"records"`
	Notifications  NotificationsConfig `yaml:"notifications"`
	Tracing        tracing.Config      `yaml:"tracing"`
	Metrics        metrics.Config      `yaml:"metrics"`
}

// DefaultServerConfig returns the configuration used for unset fields. Peers
// default to the well-known services.
func DefaultServerConfig() ServerConfig {
	peers := make([]PeerConfig, 0, len(registry.DefaultPeers))
	for _, p := range registry.DefaultPeers {
		peers = append(peers, PeerConfig{ID: p.ID, Name: p.Name, EnvVar: p.EnvVar, Capabilities: p.Capabilities})
	}
	return ServerConfig{
		ServerID:   "workflow-service",
		Name:       "Workflow Service",
		Version:    "1.0.0",
		ListenAddr: ":8080",
		UserHeader: "X-User-ID",
		Peers:      peers,
		Registry: RegistryConfig{
			HealthCheckInterval: registry.DefaultHealthCheckInterval,
			HealthCheckTimeout:  registry.DefaultHealthCheckTimeout,
		},
		Delivery: DeliveryConfig{
			Timeout:   10 * time.Second,
			RateLimit: 50,
			RateBurst: 10,
		},
		Executor: ExecutorConfig{
			MaxTransitions: 100,
			Retention:      1000,
		},
		Redis:   RedisConfig{Prefix: "eventflow:"},
		NATS:    NATSConfig{SubjectPrefix: "eventflow.events"},
		Tracing: tracing.DefaultConfig(),
		Metrics: metrics.DefaultConfig(),
	}
}

// LoadServerConfig reads path over the defaults. An empty path returns the
// defaults.
func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required fields and value ranges.
func (c *ServerConfig) Validate() error {
	var errs []error
	if c.ServerID == "" {
		errs = append(errs, errors.New("serverId is required"))
	}
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listenAddr is required"))
	}
	seen := make(map[string]bool, len(c.Peers))
	for i, p := range c.Peers {
		switch {
		case p.ID == "":
			errs = append(errs, fmt.Errorf("peers[%d]: id is required", i))
		case p.EnvVar == "":
			errs = append(errs, fmt.Errorf("peer %s: envVar is required", p.ID))
		case seen[p.ID]:
			errs = append(errs, fmt.Errorf("peer %s: duplicate id", p.ID))
		}
		seen[p.ID] = true
	}
	if c.Registry.HealthCheckInterval < 0 || c.Registry.HealthCheckTimeout < 0 {
		errs = append(errs, errors.New("registry: durations must not be negative"))
	}
	if c.Delivery.RateLimit < 0 || c.Delivery.RateBurst < 0 {
		errs = append(errs, errors.New("delivery: rate limit must not be negative"))
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, errors.New("tracing: sampleRate must be between 0 and 1"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}
	return nil
}

// PeerSpecs converts the configured peers for the registry.
func (c *ServerConfig) PeerSpecs() []registry.PeerSpec {
	out := make([]registry.PeerSpec, len(c.Peers))
	for i, p := range c.Peers {
		out[i] = registry.PeerSpec{ID: p.ID, Name: p.Name, EnvVar: p.EnvVar, Capabilities: p.Capabilities}
	}
	return out
}
