// Package config provides configuration loading for the taskwire runtime.
// All settings are supplied once at construction time; there is no hot
// reload.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the complete runtime configuration.
type Config struct {
	Broker   BrokerConfig   `yaml:"broker"`
	Subjects SubjectsConfig `yaml:"subjects"`
	Store    StoreConfig    `yaml:"store"`
	HTTP     HTTPConfig     `yaml:"http"`
	// Modules selects which modules run in this process:
	// coordinator, worker, server.
	Modules []string `yaml:"modules"`
}

// BrokerConfig configures the NATS connection pools.
type BrokerConfig struct {
	// URL is the NATS server URL.
	URL string `yaml:"url"`
	// PoolSize bounds the number of broker connections.
	PoolSize int `yaml:"pool_size"`
	// ChannelSize bounds the number of channels drawn from the pool.
	ChannelSize int `yaml:"channel_size"`
}

// SubjectsConfig names the broker stream and subjects.
type SubjectsConfig struct {
	// Stream is the JetStream stream backing all three subjects.
	Stream string `yaml:"stream"`
	// Submit carries task submissions from producers.
	Submit string `yaml:"submit"`
	// Dispatch carries ready tasks to executors.
	Dispatch string `yaml:"dispatch"`
	// Event carries task lifecycle events.
	Event string `yaml:"event"`
}

// StoreConfig selects the task store backend.
type StoreConfig struct {
	// Backend is "memory" or "sqlite".
	Backend string `yaml:"backend"`
	// Path is the SQLite database path; ignored for the memory backend.
	Path string `yaml:"path"`
}

// HTTPConfig configures the status server.
type HTTPConfig struct {
	Port string `yaml:"port"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Broker: BrokerConfig{
			URL:         "nats://127.0.0.1:4222",
			PoolSize:    4,
			ChannelSize: 8,
		},
		Subjects: SubjectsConfig{
			Stream:   "TASKWIRE",
			Submit:   "tasks.submit",
			Dispatch: "tasks.dispatch",
			Event:    "tasks.event",
		},
		Store: StoreConfig{
			Backend: "memory",
		},
		HTTP: HTTPConfig{
			Port: "8080",
		},
		Modules: []string{"coordinator", "worker", "server"},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Broker.URL == "" {
		return fmt.Errorf("broker.url is required")
	}
	if c.Broker.PoolSize <= 0 {
		return fmt.Errorf("broker.pool_size must be positive")
	}
	if c.Broker.ChannelSize <= 0 {
		return fmt.Errorf("broker.channel_size must be positive")
	}
	if c.Subjects.Stream == "" || c.Subjects.Submit == "" ||
		c.Subjects.Dispatch == "" || c.Subjects.Event == "" {
		return fmt.Errorf("all subjects settings are required")
	}
	switch c.Store.Backend {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	for _, m := range c.Modules {
		switch m {
		case "coordinator", "worker", "server":
		default:
			return fmt.Errorf("unknown module %q", m)
		}
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file, layered over defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return config, nil
}

// HasModule reports whether the named module is enabled.
func (c *Config) HasModule(name string) bool {
	for _, m := range c.Modules {
		if m == name {
			return true
		}
	}
	return false
}
