package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/compozy/epoxy/pkg/logger"
	"github.com/redis/go-redis/v9"
)

const fallbackPingTimeout = 10 * time.Second

// Client owns a go-redis connection and, in embedded mode, the miniredis server
// behind it.
type Client struct {
	client   redis.UniversalClient
	embedded *miniredis.Miniredis
	config   *Config
	once     sync.Once
}

func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	log := logger.FromContext(ctx).With("component", "infra_redis")
	ctx = logger.ContextWithLogger(ctx, log)
	if cfg == nil {
		return nil, fmt.Errorf("redis config is required")
	}
	opt, err := buildOptions(cfg)
	if err != nil {
		return nil, err
	}
	var embedded *miniredis.Miniredis
	if cfg.Embedded {
		embedded, err = miniredis.Run()
		if err != nil {
			return nil, fmt.Errorf("starting embedded redis: %w", err)
		}
		opt = &redis.Options{Addr: embedded.Addr()}
	}
	client := redis.NewClient(opt)
	timeout := cfg.PingTimeout
	if timeout <= 0 {
		timeout = fallbackPingTimeout
	}
	if err := ping(ctx, client, timeout); err != nil {
		client.Close()
		if embedded != nil {
			embedded.Close()
		}
		return nil, err
	}
	log.With(
		"store_driver", "redis",
		"addr", opt.Addr,
		"db", opt.DB,
		"embedded", cfg.Embedded,
		"tls_enabled", opt.TLSConfig != nil,
	).Info("Redis connection established")
	return &Client{client: client, embedded: embedded, config: cfg}, nil
}

func buildOptions(cfg *Config) (*redis.Options, error) {
	if cfg.Embedded {
		return nil, nil
	}
	var opt *redis.Options
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing Redis URL: %w", err)
		}
		opt = parsed
	} else {
		opt = &redis.Options{
			Addr:     net.JoinHostPort(cfg.Host, cfg.Port),
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	}
	applyConfigToOptions(opt, cfg)
	return opt, nil
}

func applyConfigToOptions(opt *redis.Options, cfg *Config) {
	if cfg.PoolSize > 0 {
		opt.PoolSize = cfg.PoolSize
	}
	if cfg.DialTimeout > 0 {
		opt.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opt.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opt.WriteTimeout = cfg.WriteTimeout
	}
	if cfg.MaxRetries != 0 {
		opt.MaxRetries = cfg.MaxRetries
	}
	if cfg.TLSEnabled && opt.TLSConfig == nil {
		if cfg.TLSConfig != nil {
			opt.TLSConfig = cfg.TLSConfig
		} else {
			host, _, _ := net.SplitHostPort(opt.Addr)
			opt.TLSConfig = &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
		}
	}
}

func ping(ctx context.Context, client redis.UniversalClient, timeout time.Duration) error {
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("pinging Redis server (timeout=%s): %w", timeout, err)
	}
	return nil
}

func (c *Client) Client() redis.UniversalClient { return c.client }

// Prefix returns the configured key prefix or DefaultPrefix.
func (c *Client) Prefix() string {
	if c.config.Prefix == "" {
		return DefaultPrefix
	}
	return c.config.Prefix
}

func (c *Client) HealthCheck(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	return nil
}

// Close is safe to call more than once.
func (c *Client) Close(ctx context.Context) error {
	var err error
	c.once.Do(func() {
		err = c.client.Close()
		if c.embedded != nil {
			c.embedded.Close()
		}
		if err != nil {
			logger.FromContext(ctx).Error("Redis connection close failed", "error", err)
			return
		}
		logger.FromContext(ctx).Debug("Redis connection closed")
	})
	return err
}
