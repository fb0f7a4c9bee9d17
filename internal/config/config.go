// Package config handles loading and validating service and bucket configuration from YAML files.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/joao-brasil/connpool/pkg/bucket"
)

// Fallback modes.
const (
	FallbackPropagate = "propagate"
	FallbackStatic    = "static"
	FallbackStale     = "stale"
	FallbackRedis     = "redis"
	// FallbackChain tries the in-memory stale cache, then Redis when
	// configured, then the static value.
	FallbackChain = "chain"
)

// ServiceConfig holds the main service configuration.
type ServiceConfig struct {
	InstanceID          string        `yaml:"instance_id"`
	LogLevel            string        `yaml:"log_level"`
	AcquireTimeout      time.Duration `yaml:"acquire_timeout"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	HealthCheckTimeout  time.Duration `yaml:"health_check_timeout"`
	HealthCheckPort     int           `yaml:"health_check_port"`
	MetricsPort         int           `yaml:"metrics_port"`
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`
}

// RedisConfig holds the Redis connection configuration.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTTL      time.Duration `yaml:"heartbeat_ttl"`
}

// FallbackConfig selects what a run serves once its retries are exhausted.
type FallbackConfig struct {
	Mode         string        `yaml:"mode"`
	StaticValue  string        `yaml:"static_value"`
	StaleEntries int           `yaml:"stale_entries"`
	StaleMaxAge  time.Duration `yaml:"stale_max_age"`
	RedisTTL     time.Duration `yaml:"redis_ttl"`
}

// Config is the root configuration structure.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Redis    RedisConfig    `yaml:"redis"`
	Fallback FallbackConfig `yaml:"fallback"`
	Buckets  []bucket.Bucket
}

// serviceFileConfig mirrors the YAML structure for the service config file.
type serviceFileConfig struct {
	Service  ServiceConfig  `yaml:"service"`
	Redis    RedisConfig    `yaml:"redis"`
	Fallback FallbackConfig `yaml:"fallback"`
}

// bucketsFileConfig mirrors the YAML structure for the buckets config file.
type bucketsFileConfig struct {
	Buckets []bucket.Bucket `yaml:"buckets"`
}

// Load reads and parses both service and buckets configuration files.
func Load(serviceConfigPath, bucketsConfigPath string) (*Config, error) {
	serviceData, err := os.ReadFile(serviceConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading service config %s: %w", serviceConfigPath, err)
	}

	bucketsData, err := os.ReadFile(bucketsConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading buckets config %s: %w", bucketsConfigPath, err)
	}

	return Parse(serviceData, bucketsData)
}

// Parse builds a Config from the contents of the two files.
func Parse(serviceData, bucketsData []byte) (*Config, error) {
	var serviceFile serviceFileConfig
	if err := yaml.Unmarshal(serviceData, &serviceFile); err != nil {
		return nil, fmt.Errorf("parsing service config: %w", err)
	}

	var bucketsFile bucketsFileConfig
	if err := yaml.Unmarshal(bucketsData, &bucketsFile); err != nil {
		return nil, fmt.Errorf("parsing buckets config: %w", err)
	}

	cfg := &Config{
		Service:  serviceFile.Service,
		Redis:    serviceFile.Redis,
		Fallback: serviceFile.Fallback,
		Buckets:  bucketsFile.Buckets,
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// validate checks mandatory fields. It runs after applyDefaults so bucket
// validation sees the effective timeouts.
func (c *Config) validate() error {
	if len(c.Buckets) == 0 {
		return errors.New("at least one bucket must be configured")
	}

	seen := make(map[string]struct{}, len(c.Buckets))
	for i := range c.Buckets {
		b := &c.Buckets[i]
		if b.ID == "" {
			return fmt.Errorf("bucket[%d].id is required", i)
		}
		if _, dup := seen[b.ID]; dup {
			return fmt.Errorf("bucket[%d]: duplicate id %q", i, b.ID)
		}
		seen[b.ID] = struct{}{}
		if b.Driver != bucket.DriverSQLite {
			if b.Host == "" {
				return fmt.Errorf("bucket[%d].host is required", i)
			}
			if b.Port == 0 {
				return fmt.Errorf("bucket[%d].port is required", i)
			}
		}
		if err := b.Validate(); err != nil {
			return fmt.Errorf("bucket[%d]: %w", i, err)
		}
	}

	switch c.Fallback.Mode {
	case FallbackPropagate, FallbackStatic, FallbackStale, FallbackRedis, FallbackChain:
	default:
		return fmt.Errorf("fallback.mode %q is not one of propagate, static, stale, redis, chain", c.Fallback.Mode)
	}
	if c.Fallback.Mode == FallbackRedis && c.Redis.Addr == "" {
		return errors.New("redis.addr is required for the redis fallback")
	}
	return nil
}

// applyDefaults fills in reasonable defaults for unset optional fields.
func (c *Config) applyDefaults() {
	if c.Service.LogLevel == "" {
		c.Service.LogLevel = "info"
	}
	if c.Service.AcquireTimeout == 0 {
		c.Service.AcquireTimeout = 30 * time.Second
	}
	if c.Service.HealthCheckInterval == 0 {
		c.Service.HealthCheckInterval = 15 * time.Second
	}
	if c.Service.HealthCheckTimeout == 0 {
		c.Service.HealthCheckTimeout = 5 * time.Second
	}
	if c.Service.HealthCheckPort == 0 {
		c.Service.HealthCheckPort = 8080
	}
	if c.Service.MetricsPort == 0 {
		c.Service.MetricsPort = 9090
	}
	if c.Service.ShutdownTimeout == 0 {
		c.Service.ShutdownTimeout = 10 * time.Second
	}
	if c.Service.InstanceID == "" {
		hostname, _ := os.Hostname()
		c.Service.InstanceID = hostname
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 20
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}
	if c.Redis.HeartbeatInterval == 0 {
		c.Redis.HeartbeatInterval = 10 * time.Second
	}
	if c.Redis.HeartbeatTTL == 0 {
		c.Redis.HeartbeatTTL = 30 * time.Second
	}
	if c.Fallback.Mode == "" {
		c.Fallback.Mode = FallbackPropagate
	}
	if c.Fallback.StaleEntries == 0 {
		c.Fallback.StaleEntries = 1024
	}
	if c.Fallback.RedisTTL == 0 {
		c.Fallback.RedisTTL = 5 * time.Minute
	}

	for i := range c.Buckets {
		b := &c.Buckets[i]
		b.Password = os.ExpandEnv(b.Password)
		if b.MaxIdleTime == 0 {
			b.MaxIdleTime = 5 * time.Minute
		}
		if b.ConnectionTimeout == 0 {
			b.ConnectionTimeout = 30 * time.Second
		}
		if b.AcquireTimeout == 0 {
			b.AcquireTimeout = c.Service.AcquireTimeout
		}
		if b.MaintenanceInterval == 0 {
			b.MaintenanceInterval = time.Minute
		}
	}
}

// BucketByID returns the bucket configuration for a given bucket ID.
func (c *Config) BucketByID(id string) (*bucket.Bucket, bool) {
	for i := range c.Buckets {
		if c.Buckets[i].ID == id {
			return &c.Buckets[i], true
		}
	}
	return nil, false
}

// BucketByDatabase returns the bucket configuration for a given database name.
func (c *Config) BucketByDatabase(database string) (*bucket.Bucket, bool) {
	for i := range c.Buckets {
		if c.Buckets[i].Database == database {
			return &c.Buckets[i], true
		}
	}
	return nil, false
}
