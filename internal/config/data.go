package config

import (
	"fmt"
	"net"
	"time"
)

// DataPlaneConfig configures the gRPC evaluation API and, for replica
// processes, the in-process flag cache.
type DataPlaneConfig struct {
	Port string `envconfig:"PORT" default:"50051"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`

	MaxConcurrentStreams uint32        `envconfig:"MAX_CONCURRENT_STREAMS" default:"100"`
	KeepaliveTime        time.Duration `envconfig:"KEEPALIVE_TIME" default:"120s"`
	KeepaliveTimeout     time.Duration `envconfig:"KEEPALIVE_TIMEOUT" default:"20s"`
	MaxConnectionAge     time.Duration `envconfig:"MAX_CONNECTION_AGE" default:"300s"`

	L1CacheCapacity int           `envconfig:"L1_CACHE_CAPACITY" default:"10000" validate:"min=1"`
	L1CacheTTL      time.Duration `envconfig:"L1_CACHE_TTL" default:"30s"`
}

// Address returns host:port.
func (c *DataPlaneConfig) Address() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// Validate checks the listener and cache settings.
func (c *DataPlaneConfig) Validate() error {
	if err := validatePort(c.Port, "data plane"); err != nil {
		return err
	}
	if err := validateHost(c.Host, "data plane"); err != nil {
		return err
	}
	if c.L1CacheTTL <= 0 {
		return fmt.Errorf("data plane L1 cache TTL must be positive, got %s", c.L1CacheTTL)
	}
	return nil
}
