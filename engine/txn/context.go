package txn

import (
	"fmt"
	"slices"
	"sync"
)

// Context is the handle threaded through a transaction's lifetime: its identity,
// snapshot bounds and the keys it wrote per store.
//
// A Context belongs to the caller that began it. The internal mutex only protects
// the state and the write set, so adapters may be driven from helper goroutines.
type Context struct {
	id                ID
	xmin              ID
	recentlyCommitted IDSet

	mu       sync.Mutex
	state    State
	modified map[string]map[string]struct{}
}

// NewContext creates an active context. Only the coordinator should call it; tests
// use it to build snapshots directly.
func NewContext(id, xmin ID, recentlyCommitted IDSet) *Context {
	return &Context{
		id:                id,
		xmin:              xmin,
		recentlyCommitted: recentlyCommitted,
		state:             StateActive,
		modified:          make(map[string]map[string]struct{}),
	}
}

// ID returns the transaction id.
func (c *Context) ID() ID { return c.id }

// Xmin returns the lower edge of the snapshot.
func (c *Context) Xmin() ID { return c.xmin }

// Xmax returns the upper edge of the snapshot. It always equals ID.
func (c *Context) Xmax() ID { return c.id }

// RecentlyCommitted returns the ids in [xmin, id) that committed before begin.
func (c *Context) RecentlyCommitted() IDSet { return c.recentlyCommitted }

// State returns the current lifecycle state.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// EnsureActive returns ErrTransactionClosed unless the context is still active.
func (c *Context) EnsureActive() error {
	if s := c.State(); s != StateActive {
		return fmt.Errorf("txn %s is %s: %w", c.id, s, ErrTransactionClosed)
	}
	return nil
}

// Transition moves the context to next if the state machine allows it.
func (c *Context) Transition(next State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Terminal() {
		return fmt.Errorf("txn %s is %s: %w", c.id, c.state, ErrTransactionClosed)
	}
	if !c.state.CanTransition(next) {
		return fmt.Errorf("txn %s: %s -> %s: %w", c.id, c.state, next, ErrInvalidTransition)
	}
	c.state = next
	return nil
}

// AddModifiedKey records that key was written through the named store.
func (c *Context) AddModifiedKey(store, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys, ok := c.modified[store]
	if !ok {
		keys = make(map[string]struct{})
		c.modified[store] = keys
	}
	keys[key] = struct{}{}
}

// ModifiedKeys returns the keys written through the named store, sorted.
func (c *Context) ModifiedKeys(store string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.modified[store]))
	for k := range c.modified[store] {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Stores lists the stores this transaction wrote to, sorted.
func (c *Context) Stores() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.modified))
	for name := range c.modified {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
