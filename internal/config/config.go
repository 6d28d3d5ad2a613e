// Package config loads the hub's network, storage, and tag-velocity
// seed configuration from the environment and an optional YAML file,
// per SPEC_FULL.md §3/§6.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/buelon-hub/pipehub/internal/platform/env"
)

// Config holds every environment-sourced setting the hub binary needs
// to wire its dependencies. Metadata store, object store, and Redis
// cache configs are loaded separately by their own ConfigFromEnv, since
// they are owned by their respective packages.
type Config struct {
	Host               string
	Port               string
	ShutdownTimeout    time.Duration
	TxQueueDir         string
	VelocityConfigPath string
}

func FromEnv() (Config, error) {
	shutdownTimeout, err := env.Duration("PIPELINE_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return Config{}, err
	}
	return Config{
		Host:               env.String("PIPELINE_HOST", "0.0.0.0"),
		Port:               env.String("PIPELINE_PORT", "8888"),
		ShutdownTimeout:    shutdownTimeout,
		TxQueueDir:         env.String("PIPELINE_QUEUE_DIR", "./pipehub-queue"),
		VelocityConfigPath: env.String("PIPELINE_VELOCITY_CONFIG", ""),
	}, nil
}

// Addr returns the host:port the dispatcher should bind.
func (c Config) Addr() string {
	return c.Host + ":" + c.Port
}

// VelocitySeed is one entry of the optional YAML velocity-seed file.
type VelocitySeed struct {
	Tag           string `yaml:"tag"`
	VelocityLimit int    `yaml:"velocity_limit"`
}

// LoadVelocitySeed reads and parses the YAML file at path. It returns an
// empty slice, not an error, when path is empty (no seed configured).
func LoadVelocitySeed(path string) ([]VelocitySeed, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read velocity seed %s: %w", path, err)
	}
	var seeds []VelocitySeed
	if err := yaml.Unmarshal(raw, &seeds); err != nil {
		return nil, fmt.Errorf("config: parse velocity seed %s: %w", path, err)
	}
	return seeds, nil
}
