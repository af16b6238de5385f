package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const defaultDialTimeout = 5 * time.Second

// Mode selects the Redis deployment topology.
type Mode string

const (
	ModeSingle   Mode = "single"
	ModeSentinel Mode = "sentinel"
	ModeCluster  Mode = "cluster"
)

// Config configures a topology-agnostic Redis connection.
type Config struct {
	Mode         Mode
	Addrs        []string // single: 1 addr, sentinel: sentinel addrs, cluster: seed nodes
	MasterName   string   // sentinel only
	Username     string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (c Config) validate() error {
	if len(c.Addrs) == 0 {
		return fmt.Errorf("at least one redis address is required")
	}
	switch c.Mode {
	case "", ModeSingle:
		if len(c.Addrs) > 1 {
			return fmt.Errorf("single mode takes one address, got %d", len(c.Addrs))
		}
	case ModeSentinel:
		if c.MasterName == "" {
			return fmt.Errorf("sentinel mode requires a master name")
		}
	case ModeCluster:
	default:
		return fmt.Errorf("unknown redis mode %q", c.Mode)
	}
	return nil
}

// NewUniversalClient creates a client for single-node, Sentinel or Cluster
// relays. go-redis picks the topology: MasterName set means Sentinel,
// several Addrs mean Cluster, one Addr means standalone.
func NewUniversalClient(ctx context.Context, cfg Config) (goredis.UniversalClient, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	opts := &goredis.UniversalOptions{
		Addrs:        cfg.Addrs,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  orDefault(cfg.DialTimeout),
		ReadTimeout:  orDefault(cfg.ReadTimeout),
		WriteTimeout: orDefault(cfg.WriteTimeout),
	}
	if cfg.Mode == ModeSentinel {
		opts.MasterName = cfg.MasterName
	}

	client := goredis.NewUniversalClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}

// NewClientFromURL creates a client from a redis:// or rediss:// URL, or
// from a comma-separated list of cluster seed addresses.
func NewClientFromURL(ctx context.Context, redisURL string) (goredis.UniversalClient, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis url is required")
	}
	if !strings.Contains(redisURL, "://") {
		addrs := strings.Split(redisURL, ",")
		mode := ModeSingle
		if len(addrs) > 1 {
			mode = ModeCluster
		}
		return NewUniversalClient(ctx, Config{Mode: mode, Addrs: addrs})
	}

	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = orDefault(opts.DialTimeout)
	opts.ReadTimeout = orDefault(opts.ReadTimeout)
	opts.WriteTimeout = orDefault(opts.WriteTimeout)

	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}

func orDefault(d time.Duration) time.Duration {
	if d == 0 {
		return defaultDialTimeout
	}
	return d
}

// Pinger adapts a client to monitoring.Pinger.
type Pinger struct {
	Client goredis.UniversalClient
}

func (p Pinger) Ping(ctx context.Context) error {
	return p.Client.Ping(ctx).Err()
}
