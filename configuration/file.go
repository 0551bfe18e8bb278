package configuration

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadFile reads a YAML configuration file and merges it over DefaultConfig.
// Fields absent from the file keep their defaults, so a minimal file only
// overriding the local rate needs nothing else. The Redis password is never
// read from the file; use SetRedisPassword (or the REDIS_PASSWORD
// environment variable) to supply it.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is caller-supplied configuration
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		cfg.RateLimit.Global.RedisPassword = pw
	}

	if err := cfg.ValidateRateLimit(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	return cfg, nil
}

// SetRedisPassword supplies the Redis credential out of band, keeping it out
// of serialized configuration.
func (c *Config) SetRedisPassword(password string) {
	c.RateLimit.Global.RedisPassword = password
}
