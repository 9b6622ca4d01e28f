// Package bolt is a durable embedded adapter over bbolt. Writes skip fsync and
// PrepareCommit syncs the file, so a transaction becomes durable exactly when it
// prepares.
package bolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/compozy/epoxy/engine/txn"
	"github.com/compozy/epoxy/pkg/logger"
	"go.etcd.io/bbolt"
)

const (
	defaultName        = "bolt"
	defaultOpenTimeout = time.Second
)

var (
	versionsBucket = []byte("versions")
	endedBucket    = []byte("ended")
)

type Config struct {
	Path string
	// Timeout bounds how long Open waits for the file lock held by another
	// process or Store.
	Timeout time.Duration
}

// Store keeps every version under uvarint(len(key)) | key | be64(begin) so the
// history of a key is one contiguous cursor range. Committed versions with a
// finite end are mirrored in the ended bucket under be64(end) | version key.
type Store struct {
	db   *bbolt.DB
	name string
	path string
}

var (
	_ txn.Adapter   = (*Store)(nil)
	_ txn.Recoverer = (*Store)(nil)
)

func Open(ctx context.Context, name string, cfg *Config) (*Store, error) {
	if cfg == nil || cfg.Path == "" {
		return nil, fmt.Errorf("bolt: path is required")
	}
	if name == "" {
		name = defaultName
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultOpenTimeout
	}
	db, err := bbolt.Open(cfg.Path, 0o600, &bbolt.Options{Timeout: timeout, NoSync: true})
	if errors.Is(err, bbolt.ErrTimeout) {
		return nil, fmt.Errorf("bolt: open %s: %w", cfg.Path, txn.ErrStoreLocked)
	}
	if err != nil {
		return nil, fmt.Errorf("bolt: open %s: %w", cfg.Path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{versionsBucket, endedBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("bolt: init %s: %w", cfg.Path, err)
	}
	logger.FromContext(ctx).With("store_driver", "bolt", "path", cfg.Path).Info("Store initialized")
	return &Store{db: db, name: name, path: cfg.Path}, nil
}

func (s *Store) Name() string { return s.name }

func (s *Store) Close(ctx context.Context) error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("bolt: close: %w", err)
	}
	logger.FromContext(ctx).Info("Bolt store closed", "path", s.path)
	return nil
}

func keyPrefix(key string) []byte {
	buf := binary.AppendUvarint(make([]byte, 0, binary.MaxVarintLen64+len(key)+8), uint64(len(key)))
	return append(buf, key...)
}

func versionKey(key string, begin txn.ID) []byte {
	return binary.BigEndian.AppendUint64(keyPrefix(key), uint64(begin))
}

func endedKey(v txn.Version) []byte {
	buf := binary.BigEndian.AppendUint64(nil, uint64(v.EndTxn))
	return append(buf, versionKey(v.Key, v.BeginTxn)...)
}

func loadChain(tx *bbolt.Tx, key string) (txn.Chain, error) {
	prefix := keyPrefix(key)
	var chain txn.Chain
	c := tx.Bucket(versionsBucket).Cursor()
	for k, raw := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, raw = c.Next() {
		var v txn.Version
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %q: %w", key, err)
		}
		chain = append(chain, v)
	}
	return chain, nil
}

// persist writes the difference between before and after, keeping the ended index
// in step with the versions bucket.
func persist(tx *bbolt.Tx, before, after txn.Chain) (int, error) {
	versions := tx.Bucket(versionsBucket)
	ended := tx.Bucket(endedBucket)
	writes, deletes := txn.Diff(before, after)
	for _, v := range writes {
		if old, ok := before.Get(v.BeginTxn); ok && old.EndTxn != v.EndTxn {
			if err := ended.Delete(endedKey(old)); err != nil {
				return 0, err
			}
		}
		payload, err := json.Marshal(v)
		if err != nil {
			return 0, fmt.Errorf("encode %q: %w", v.Key, err)
		}
		if err := versions.Put(versionKey(v.Key, v.BeginTxn), payload); err != nil {
			return 0, err
		}
		if v.Committed && v.EndTxn != txn.Infinity {
			if err := ended.Put(endedKey(v), nil); err != nil {
				return 0, err
			}
		}
	}
	for _, v := range deletes {
		if err := versions.Delete(versionKey(v.Key, v.BeginTxn)); err != nil {
			return 0, err
		}
		if err := ended.Delete(endedKey(v)); err != nil {
			return 0, err
		}
	}
	return len(deletes), nil
}

func (s *Store) mutate(tx *bbolt.Tx, key string, fn func(txn.Chain) txn.Chain) (int, error) {
	before, err := loadChain(tx, key)
	if err != nil {
		return 0, err
	}
	return persist(tx, before, fn(slices.Clone(before)))
}

func (s *Store) sync() error {
	if err := s.db.Sync(); err != nil {
		return fmt.Errorf("bolt: sync: %w", err)
	}
	return nil
}

func (s *Store) Update(_ context.Context, tc *txn.Context, key, value string) error {
	if err := tc.EnsureActive(); err != nil {
		return err
	}
	if err := txn.ValidateKey(key); err != nil {
		return err
	}
	v := txn.Version{Key: key, Value: value, BeginTxn: tc.ID(), EndTxn: txn.Infinity}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		_, err := s.mutate(tx, key, func(ch txn.Chain) txn.Chain { return ch.Put(v) })
		return err
	})
	if err != nil {
		return fmt.Errorf("bolt: update %q: %w", key, err)
	}
	tc.AddModifiedKey(s.name, key)
	return nil
}

func (s *Store) Query(_ context.Context, tc *txn.Context, key string) (string, error) {
	if err := txn.ValidateKey(key); err != nil {
		return "", err
	}
	var (
		found txn.Version
		ok    bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		chain, err := loadChain(tx, key)
		if err != nil {
			return err
		}
		found, ok = chain.Visible(tc)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("bolt: query %q: %w", key, err)
	}
	if !ok {
		return "", txn.ErrNotFound
	}
	return found.Value, nil
}

func (s *Store) Validate(_ context.Context, tc *txn.Context) (bool, error) {
	keys := tc.ModifiedKeys(s.name)
	if len(keys) == 0 {
		return true, nil
	}
	valid := true
	err := s.db.View(func(tx *bbolt.Tx) error {
		for _, key := range keys {
			chain, err := loadChain(tx, key)
			if err != nil {
				return err
			}
			if chain.Conflicts(tc) {
				valid = false
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("bolt: validate: %w", err)
	}
	return valid, nil
}

func (s *Store) PrepareCommit(_ context.Context, tc *txn.Context) error {
	keys := tc.ModifiedKeys(s.name)
	if len(keys) == 0 {
		return nil
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, key := range keys {
			_, err := s.mutate(tx, key, func(ch txn.Chain) txn.Chain {
				ch.Promote(tc.ID())
				return ch
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("bolt: prepare txn %s: %w", tc.ID(), err)
	}
	return s.sync()
}

func (s *Store) FinalizeCommit(context.Context, *txn.Context) error { return nil }

func (s *Store) Abort(_ context.Context, tc *txn.Context) error {
	keys := tc.ModifiedKeys(s.name)
	if len(keys) == 0 {
		return nil
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, key := range keys {
			_, err := s.mutate(tx, key, func(ch txn.Chain) txn.Chain {
				ch, _, _ = ch.Remove(tc.ID())
				return ch
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("bolt: abort txn %s: %w", tc.ID(), err)
	}
	return s.sync()
}

var errStopScan = errors.New("stop scan")

func (s *Store) GarbageCollect(ctx context.Context, globalXmin txn.ID) (int64, error) {
	var deleted int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var expired [][]byte
		limit := binary.BigEndian.AppendUint64(nil, uint64(globalXmin))
		err := tx.Bucket(endedBucket).ForEach(func(k, _ []byte) error {
			if bytes.Compare(k[:8], limit) >= 0 {
				return errStopScan
			}
			expired = append(expired, bytes.Clone(k))
			return nil
		})
		if err != nil && !errors.Is(err, errStopScan) {
			return err
		}
		versions := tx.Bucket(versionsBucket)
		ended := tx.Bucket(endedBucket)
		for _, k := range expired {
			if err := ctx.Err(); err != nil {
				return err
			}
			vk := k[8:]
			if versions.Get(vk) != nil {
				if err := versions.Delete(vk); err != nil {
					return err
				}
				deleted++
			}
			if err := ended.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("bolt: gc: %w", err)
	}
	return deleted, nil
}

// Recover implements txn.Recoverer. Pending versions count towards the reported
// id before they are dropped.
func (s *Store) Recover(ctx context.Context) (txn.ID, error) {
	var maxID txn.ID
	var dropped int
	err := s.db.Update(func(tx *bbolt.Tx) error {
		versions := tx.Bucket(versionsBucket)
		var pending [][]byte
		err := versions.ForEach(func(k, raw []byte) error {
			var v txn.Version
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("decode %x: %w", k, err)
			}
			maxID = max(maxID, v.BeginTxn)
			if !v.Committed {
				pending = append(pending, bytes.Clone(k))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range pending {
			if err := versions.Delete(k); err != nil {
				return err
			}
		}
		dropped = len(pending)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("bolt: recover: %w", err)
	}
	if dropped > 0 {
		logger.FromContext(ctx).Info("Dropped pending versions", "store", s.name, "count", dropped)
		if err := s.sync(); err != nil {
			return 0, err
		}
	}
	return maxID, nil
}

// Versions returns the stored history of key, oldest first.
func (s *Store) Versions(key string) ([]txn.Version, error) {
	var chain txn.Chain
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		chain, err = loadChain(tx, key)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("bolt: versions %q: %w", key, err)
	}
	return chain, nil
}
