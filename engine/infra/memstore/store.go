// Package memstore is a process-local multi-version adapter. It is the reference
// implementation of the adapter contract and backs the coordinator tests.
package memstore

import (
	"context"
	"strings"
	"sync"

	"github.com/compozy/epoxy/engine/txn"
	"github.com/google/btree"
)

const defaultName = "memory"

var _ txn.Adapter = (*Store)(nil)

// chain is the history of one key. Its mutex doubles as the key's write lock.
type chain struct {
	key      string
	mu       sync.RWMutex
	versions txn.Chain
	dropped  bool
}

func lessChain(a, b *chain) bool { return a.key < b.key }

type Store struct {
	name string

	mu   sync.RWMutex
	tree *btree.BTreeG[*chain]
}

func New(name string) *Store {
	if name == "" {
		name = defaultName
	}
	return &Store{name: name, tree: btree.NewG(32, lessChain)}
}

func (s *Store) Name() string { return s.name }

func (s *Store) lookup(key string) (*chain, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Get(&chain{key: key})
}

func (s *Store) lookupOrCreate(key string) *chain {
	if ch, ok := s.lookup(key); ok {
		return ch
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.tree.Get(&chain{key: key}); ok {
		return ch
	}
	ch := &chain{key: key}
	s.tree.ReplaceOrInsert(ch)
	return ch
}

func (s *Store) Update(_ context.Context, tc *txn.Context, key, value string) error {
	if err := tc.EnsureActive(); err != nil {
		return err
	}
	if err := txn.ValidateKey(key); err != nil {
		return err
	}
	v := txn.Version{Key: key, Value: value, BeginTxn: tc.ID(), EndTxn: txn.Infinity}
	for {
		ch := s.lookupOrCreate(key)
		ch.mu.Lock()
		if ch.dropped {
			ch.mu.Unlock()
			continue
		}
		ch.versions = ch.versions.Put(v)
		ch.mu.Unlock()
		break
	}
	tc.AddModifiedKey(s.name, key)
	return nil
}

func (s *Store) Query(_ context.Context, tc *txn.Context, key string) (string, error) {
	if err := txn.ValidateKey(key); err != nil {
		return "", err
	}
	ch, ok := s.lookup(key)
	if !ok {
		return "", txn.ErrNotFound
	}
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	v, ok := ch.versions.Visible(tc)
	if !ok {
		return "", txn.ErrNotFound
	}
	return v.Value, nil
}

func (s *Store) Validate(_ context.Context, tc *txn.Context) (bool, error) {
	for _, key := range tc.ModifiedKeys(s.name) {
		ch, ok := s.lookup(key)
		if !ok {
			continue
		}
		ch.mu.RLock()
		conflict := ch.versions.Conflicts(tc)
		ch.mu.RUnlock()
		if conflict {
			return false, nil
		}
	}
	return true, nil
}

func (s *Store) PrepareCommit(_ context.Context, tc *txn.Context) error {
	for _, key := range tc.ModifiedKeys(s.name) {
		ch, ok := s.lookup(key)
		if !ok {
			continue
		}
		ch.mu.Lock()
		ch.versions.Promote(tc.ID())
		ch.mu.Unlock()
	}
	return nil
}

func (s *Store) FinalizeCommit(context.Context, *txn.Context) error { return nil }

func (s *Store) Abort(_ context.Context, tc *txn.Context) error {
	for _, key := range tc.ModifiedKeys(s.name) {
		ch, ok := s.lookup(key)
		if !ok {
			continue
		}
		ch.mu.Lock()
		ch.versions, _, _ = ch.versions.Remove(tc.ID())
		ch.mu.Unlock()
	}
	return nil
}

func (s *Store) GarbageCollect(ctx context.Context, globalXmin txn.ID) (int64, error) {
	var chains []*chain
	s.mu.RLock()
	s.tree.Ascend(func(ch *chain) bool {
		chains = append(chains, ch)
		return true
	})
	s.mu.RUnlock()
	var deleted int64
	var empty []*chain
	for _, ch := range chains {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		ch.mu.Lock()
		kept, dropped := ch.versions.Collect(globalXmin)
		ch.versions = kept
		if len(kept) == 0 {
			empty = append(empty, ch)
		}
		ch.mu.Unlock()
		deleted += int64(len(dropped))
	}
	s.dropEmpty(empty)
	return deleted, nil
}

// dropEmpty removes chains that are still empty once the tree lock is held, so a
// concurrent Update that refilled one keeps its history.
func (s *Store) dropEmpty(empty []*chain) {
	if len(empty) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range empty {
		ch.mu.Lock()
		if len(ch.versions) == 0 {
			ch.dropped = true
			s.tree.Delete(ch)
		}
		ch.mu.Unlock()
	}
}

// Versions returns a copy of the stored history of key, oldest first.
func (s *Store) Versions(key string) []txn.Version {
	ch, ok := s.lookup(key)
	if !ok {
		return nil
	}
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	out := make([]txn.Version, len(ch.versions))
	copy(out, ch.versions)
	return out
}

// Keys returns the keys with at least one version, optionally filtered by prefix.
func (s *Store) Keys(prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	s.tree.AscendGreaterOrEqual(&chain{key: prefix}, func(ch *chain) bool {
		if !strings.HasPrefix(ch.key, prefix) {
			return false
		}
		keys = append(keys, ch.key)
		return true
	})
	return keys
}
