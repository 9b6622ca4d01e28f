// Package keylock provides per-key mutual exclusion with context-aware acquisition.
package keylock

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrNotHeld is returned by Release for a key nobody holds.
var ErrNotHeld = errors.New("key is not locked")

type entry struct {
	sem  *semaphore.Weighted
	refs int
	// held is guarded by Table.mu.
	held bool
}

// Table holds one lock per key. Entries are created on first use and dropped once
// no goroutine holds or waits for them, so the table never grows with the keyspace.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New returns an empty table.
func New() *Table {
	return &Table{entries: make(map[string]*entry)}
}

func (t *Table) acquire(key string) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(1)}
		t.entries[key] = e
	}
	e.refs++
	return e
}

func (t *Table) release(key string, e *entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(t.entries, key)
	}
}

// Lock blocks until key is held or ctx is done.
func (t *Table) Lock(ctx context.Context, key string) error {
	e := t.acquire(key)
	if err := e.sem.Acquire(ctx, 1); err != nil {
		t.release(key, e)
		return fmt.Errorf("lock %q: %w", key, err)
	}
	t.mu.Lock()
	e.held = true
	t.mu.Unlock()
	return nil
}

// Release frees key. It returns ErrNotHeld, and changes nothing, when key is
// not held.
func (t *Table) Release(key string) error {
	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok || !e.held {
		t.mu.Unlock()
		return fmt.Errorf("release %q: %w", key, ErrNotHeld)
	}
	e.held = false
	t.mu.Unlock()
	e.sem.Release(1)
	t.release(key, e)
	return nil
}

// Unlock is Release for callers that own the lock. Unlocking a key that is not
// held panics.
func (t *Table) Unlock(key string) {
	if err := t.Release(key); err != nil {
		panic("keylock: " + err.Error())
	}
}

// LockAll acquires every key in order and returns a func releasing them.
// Callers pass keys sorted to avoid lock-order inversions.
func (t *Table) LockAll(ctx context.Context, keys []string) (func(), error) {
	held := make([]string, 0, len(keys))
	unlock := func() {
		for i := len(held) - 1; i >= 0; i-- {
			t.Unlock(held[i])
		}
	}
	for _, k := range keys {
		if err := t.Lock(ctx, k); err != nil {
			unlock()
			return nil, err
		}
		held = append(held, k)
	}
	return unlock, nil
}

// Len returns the number of keys currently held or waited on.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
