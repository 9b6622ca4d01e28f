package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/compozy/epoxy/engine/txn"
	"github.com/compozy/epoxy/engine/txn/keylock"
	"github.com/compozy/epoxy/pkg/logger"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
)

const (
	maxWatchRetries = 8
	watchBackoff    = 5 * time.Millisecond
)

// ErrContention is returned when a key kept changing under WATCH.
var ErrContention = errors.New("redis: optimistic lock retries exhausted")

// Adapter stores the history of every key as a hash keyed by writer id. Committed
// versions with a finite end are indexed in a sorted set so collection never scans
// the keyspace.
//
//	{prefix}:doc:{key}  hash  begin id -> JSON version
//	{prefix}:ended      zset  "{begin}:{key}" scored by end id
//
// Scores are float64, so end ids above 2^53 are rounded in the index. The index
// only selects candidate keys; collection re-checks the exact end of every
// version, so rounding can delay a deletion but never removes a live version.
type Adapter struct {
	client redis.UniversalClient
	name   string
	prefix string
	locks  *keylock.Table
}

var (
	_ txn.Adapter   = (*Adapter)(nil)
	_ txn.Recoverer = (*Adapter)(nil)
)

type AdapterOption func(*Adapter)

func WithName(name string) AdapterOption {
	return func(a *Adapter) {
		if name != "" {
			a.name = name
		}
	}
}

func WithPrefix(prefix string) AdapterOption {
	return func(a *Adapter) {
		if prefix != "" {
			a.prefix = prefix
		}
	}
}

func NewAdapter(client redis.UniversalClient, opts ...AdapterOption) (*Adapter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis: client is required")
	}
	a := &Adapter{client: client, name: "redis", prefix: DefaultPrefix, locks: keylock.New()}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) docKey(key string) string { return a.prefix + ":doc:" + key }

func (a *Adapter) endedKey() string { return a.prefix + ":ended" }

func member(key string, begin txn.ID) string {
	return strconv.FormatInt(int64(begin), 10) + ":" + key
}

func parseMember(m string) (string, txn.ID, error) {
	raw, key, ok := strings.Cut(m, ":")
	if !ok {
		return "", 0, fmt.Errorf("redis: malformed index member %q", m)
	}
	begin, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("redis: malformed index member %q: %w", m, err)
	}
	return key, txn.ID(begin), nil
}

type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func (a *Adapter) load(ctx context.Context, r hashReader, key string) (txn.Chain, error) {
	fields, err := r.HGetAll(ctx, a.docKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: load %q: %w", key, err)
	}
	chain := make(txn.Chain, 0, len(fields))
	for field, payload := range fields {
		var v txn.Version
		if err := json.Unmarshal([]byte(payload), &v); err != nil {
			return nil, fmt.Errorf("redis: decode %q@%s: %w", key, field, err)
		}
		chain = chain.Put(v)
	}
	return chain, nil
}

// mutate applies fn to the stored chain of key inside WATCH/MULTI and returns the
// number of versions it removed.
func (a *Adapter) mutate(ctx context.Context, key string, fn func(txn.Chain) txn.Chain) (int, error) {
	doc := a.docKey(key)
	var removed int
	apply := func(tx *redis.Tx) error {
		before, err := a.load(ctx, tx, key)
		if err != nil {
			return err
		}
		writes, deletes := txn.Diff(before, fn(slices.Clone(before)))
		removed = len(deletes)
		if len(writes) == 0 && len(deletes) == 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, v := range writes {
				payload, err := json.Marshal(v)
				if err != nil {
					return fmt.Errorf("redis: encode %q: %w", key, err)
				}
				field := strconv.FormatInt(int64(v.BeginTxn), 10)
				pipe.HSet(ctx, doc, field, payload)
				if v.Committed && v.EndTxn != txn.Infinity {
					pipe.ZAdd(ctx, a.endedKey(), redis.Z{Score: float64(v.EndTxn), Member: member(key, v.BeginTxn)})
				} else {
					pipe.ZRem(ctx, a.endedKey(), member(key, v.BeginTxn))
				}
			}
			for _, v := range deletes {
				pipe.HDel(ctx, doc, strconv.FormatInt(int64(v.BeginTxn), 10))
				pipe.ZRem(ctx, a.endedKey(), member(key, v.BeginTxn))
			}
			return nil
		})
		return err
	}
	backoff := retry.WithMaxRetries(maxWatchRetries, retry.NewExponential(watchBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := a.client.Watch(ctx, apply, doc)
		if errors.Is(err, redis.TxFailedErr) {
			return retry.RetryableError(err)
		}
		return err
	})
	if errors.Is(err, redis.TxFailedErr) {
		return 0, fmt.Errorf("%w: key %q", ErrContention, key)
	}
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (a *Adapter) Update(ctx context.Context, tc *txn.Context, key, value string) error {
	if err := tc.EnsureActive(); err != nil {
		return err
	}
	if err := txn.ValidateKey(key); err != nil {
		return err
	}
	if err := a.locks.Lock(ctx, key); err != nil {
		return fmt.Errorf("redis: update: %w", err)
	}
	defer a.locks.Unlock(key)
	v := txn.Version{Key: key, Value: value, BeginTxn: tc.ID(), EndTxn: txn.Infinity}
	if _, err := a.mutate(ctx, key, func(ch txn.Chain) txn.Chain { return ch.Put(v) }); err != nil {
		return fmt.Errorf("redis: update %q: %w", key, err)
	}
	tc.AddModifiedKey(a.name, key)
	return nil
}

func (a *Adapter) Query(ctx context.Context, tc *txn.Context, key string) (string, error) {
	if err := txn.ValidateKey(key); err != nil {
		return "", err
	}
	chain, err := a.load(ctx, a.client, key)
	if err != nil {
		return "", err
	}
	v, ok := chain.Visible(tc)
	if !ok {
		return "", txn.ErrNotFound
	}
	return v.Value, nil
}

func (a *Adapter) Validate(ctx context.Context, tc *txn.Context) (bool, error) {
	for _, key := range tc.ModifiedKeys(a.name) {
		chain, err := a.load(ctx, a.client, key)
		if err != nil {
			return false, err
		}
		if chain.Conflicts(tc) {
			logger.FromContext(ctx).Debug("Conflicting version found", "store", a.name, "txn", tc.ID(), "key", key)
			return false, nil
		}
	}
	return true, nil
}

func (a *Adapter) PrepareCommit(ctx context.Context, tc *txn.Context) error {
	keys := tc.ModifiedKeys(a.name)
	if len(keys) == 0 {
		return nil
	}
	unlock, err := a.locks.LockAll(ctx, keys)
	if err != nil {
		return fmt.Errorf("redis: prepare: %w", err)
	}
	defer unlock()
	for _, key := range keys {
		_, err := a.mutate(ctx, key, func(ch txn.Chain) txn.Chain {
			ch.Promote(tc.ID())
			return ch
		})
		if err != nil {
			return fmt.Errorf("redis: prepare txn %s key %q: %w", tc.ID(), key, err)
		}
	}
	return nil
}

func (a *Adapter) FinalizeCommit(context.Context, *txn.Context) error { return nil }

func (a *Adapter) Abort(ctx context.Context, tc *txn.Context) error {
	keys := tc.ModifiedKeys(a.name)
	if len(keys) == 0 {
		return nil
	}
	unlock, err := a.locks.LockAll(ctx, keys)
	if err != nil {
		return fmt.Errorf("redis: abort: %w", err)
	}
	defer unlock()
	var errs []error
	for _, key := range keys {
		_, err := a.mutate(ctx, key, func(ch txn.Chain) txn.Chain {
			ch, _, _ = ch.Remove(tc.ID())
			return ch
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("redis: abort txn %s key %q: %w", tc.ID(), key, err))
		}
	}
	return errors.Join(errs...)
}

func (a *Adapter) GarbageCollect(ctx context.Context, globalXmin txn.ID) (int64, error) {
	members, err := a.client.ZRangeByScore(ctx, a.endedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(int64(globalXmin), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: gc scan: %w", err)
	}
	var keys []string
	var stale []any
	for _, m := range members {
		key, _, err := parseMember(m)
		if err != nil {
			stale = append(stale, m)
			continue
		}
		if !slices.Contains(keys, key) {
			keys = append(keys, key)
		}
	}
	var deleted int64
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		n, err := a.collectKey(ctx, key, globalXmin)
		if err != nil {
			return deleted, err
		}
		deleted += int64(n)
	}
	if len(stale) > 0 {
		if err := a.client.ZRem(ctx, a.endedKey(), stale...).Err(); err != nil {
			return deleted, fmt.Errorf("redis: gc index cleanup: %w", err)
		}
	}
	return deleted, nil
}

func (a *Adapter) collectKey(ctx context.Context, key string, mark txn.ID) (int, error) {
	if err := a.locks.Lock(ctx, key); err != nil {
		return 0, fmt.Errorf("redis: gc: %w", err)
	}
	defer a.locks.Unlock(key)
	n, err := a.mutate(ctx, key, func(ch txn.Chain) txn.Chain {
		kept, _ := ch.Collect(mark)
		return kept
	})
	if err != nil {
		return 0, fmt.Errorf("redis: gc %q: %w", key, err)
	}
	return n, nil
}

// Recover implements txn.Recoverer by scanning every document under the prefix.
// Pending versions count towards the reported id before they are dropped.
func (a *Adapter) Recover(ctx context.Context) (txn.ID, error) {
	docPrefix := a.docKey("")
	var maxID txn.ID
	var dropped int
	iter := a.client.Scan(ctx, 0, docPrefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		key := strings.TrimPrefix(iter.Val(), docPrefix)
		n, err := a.recoverKey(ctx, key, &maxID)
		if err != nil {
			return 0, err
		}
		dropped += n
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("redis: recover scan: %w", err)
	}
	if dropped > 0 {
		logger.FromContext(ctx).Info("Dropped pending versions", "store", a.name, "count", dropped)
	}
	return maxID, nil
}

func (a *Adapter) recoverKey(ctx context.Context, key string, maxID *txn.ID) (int, error) {
	if err := a.locks.Lock(ctx, key); err != nil {
		return 0, fmt.Errorf("redis: recover: %w", err)
	}
	defer a.locks.Unlock(key)
	n, err := a.mutate(ctx, key, func(ch txn.Chain) txn.Chain {
		for _, v := range ch {
			*maxID = max(*maxID, v.BeginTxn)
		}
		return slices.DeleteFunc(ch, func(v txn.Version) bool { return !v.Committed })
	})
	if err != nil {
		return 0, fmt.Errorf("redis: recover %q: %w", key, err)
	}
	return n, nil
}

// Versions returns the stored history of key, oldest first.
func (a *Adapter) Versions(ctx context.Context, key string) ([]txn.Version, error) {
	chain, err := a.load(ctx, a.client, key)
	if err != nil {
		return nil, err
	}
	return chain, nil
}
