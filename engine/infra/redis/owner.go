package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/compozy/epoxy/engine/txn"
	"github.com/compozy/epoxy/pkg/logger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const DefaultLeaseTTL = 30 * time.Second

// ErrLeaseLost is returned when the owner key expired or was taken over.
var ErrLeaseLost = errors.New("ownership lease lost")

const (
	renewLeaseScript = "if redis.call('GET', KEYS[1]) == ARGV[1] then " +
		"return redis.call('PEXPIRE', KEYS[1], ARGV[2]) end; return 0"
	dropLeaseScript = "if redis.call('GET', KEYS[1]) == ARGV[1] then " +
		"return redis.call('DEL', KEYS[1]) end; return 0"
)

// Lease marks a key prefix as owned by one coordinator. It is renewed every
// third of its TTL until Release.
type Lease struct {
	client redis.UniversalClient
	key    string
	token  string
	ttl    time.Duration
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func ownerKey(prefix string) string { return prefix + ":owner" }

// ClaimPrefix takes the {prefix}:owner lease. A prefix leased elsewhere fails
// with txn.ErrStoreLocked.
func ClaimPrefix(ctx context.Context, client redis.UniversalClient, prefix string, ttl time.Duration) (*Lease, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	l := &Lease{
		client: client,
		key:    ownerKey(prefix),
		token:  uuid.NewString(),
		ttl:    ttl,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	ok, err := client.SetNX(ctx, l.key, l.token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: claim %s: %w", prefix, err)
	}
	if !ok {
		return nil, fmt.Errorf("redis: claim %s: %w", prefix, txn.ErrStoreLocked)
	}
	go l.keepAlive(logger.FromContext(ctx))
	return l, nil
}

func (l *Lease) keepAlive(log logger.Logger) {
	defer close(l.done)
	interval := max(l.ttl/3, time.Millisecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			err := l.renew(ctx)
			cancel()
			if errors.Is(err, ErrLeaseLost) {
				log.Error("Redis ownership lease lost", "key", l.key)
				return
			}
			if err != nil {
				log.Warn("Redis ownership lease renewal failed", "key", l.key, "error", err)
			}
		}
	}
}

func (l *Lease) renew(ctx context.Context) error {
	n, err := l.client.Eval(ctx, renewLeaseScript, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("redis: renew %s: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("redis: renew %s: %w", l.key, ErrLeaseLost)
	}
	return nil
}

// Release stops renewal and deletes the owner key if this lease still holds
// it. It is safe to call more than once.
func (l *Lease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		close(l.stop)
		<-l.done
		if _, evalErr := l.client.Eval(ctx, dropLeaseScript, []string{l.key}, l.token).Result(); evalErr != nil {
			err = fmt.Errorf("redis: release %s: %w", l.key, evalErr)
		}
	})
	return err
}

// Claim leases the client's prefix for config.LeaseTTL.
func (c *Client) Claim(ctx context.Context) (*Lease, error) {
	return ClaimPrefix(ctx, c.client, c.Prefix(), c.config.LeaseTTL)
}
