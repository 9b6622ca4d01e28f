// Package coordinator drives optimistic transactions across independent stores.
//
// A Coordinator hands out transaction contexts with snapshot bounds, checks writes
// for conflicts at commit, runs the prepare / primary commit / finalize sequence over
// every registered adapter and periodically reclaims versions no snapshot can read.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/compozy/epoxy/engine/txn"
	"github.com/compozy/epoxy/engine/txn/keylock"
	"github.com/compozy/epoxy/pkg/logger"
)

type Coordinator struct {
	primary    Primary
	gcInterval time.Duration
	log        logger.Logger

	beginMu sync.Mutex
	lastID  txn.ID

	registry *registry
	commits  *commitLog
	locks    *keylock.Table

	storesMu sync.RWMutex
	stores   []txn.Adapter

	gcMu     sync.Mutex
	gcCancel context.CancelFunc
	gcDone   chan struct{}
}

// Stats is a point-in-time view of coordinator bookkeeping.
type Stats struct {
	Active    int
	CommitLog int
	NextID    txn.ID
	Stores    int
	Locks     int
}

func New(opts ...Option) *Coordinator {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if err := ensureCoordinatorMetrics(); err != nil {
		o.log.Warn("Failed to initialize coordinator metrics", "error", err)
	}
	return &Coordinator{
		primary:    o.primary,
		gcInterval: o.gcInterval,
		log:        o.log,
		registry:   newRegistry(),
		commits:    newCommitLog(),
		locks:      keylock.New(),
	}
}

// AddStore registers an adapter. Adapters are driven in registration order.
func (c *Coordinator) AddStore(a txn.Adapter) error {
	if a == nil {
		return ErrNilStore
	}
	c.storesMu.Lock()
	defer c.storesMu.Unlock()
	for _, s := range c.stores {
		if s.Name() == a.Name() {
			return fmt.Errorf("%q: %w", a.Name(), ErrDuplicateStore)
		}
	}
	c.stores = append(c.stores, a)
	c.log.Debug("Store registered", "store", a.Name(), "position", len(c.stores))
	return nil
}

// Stores returns the registered adapters in order.
func (c *Coordinator) Stores() []txn.Adapter {
	c.storesMu.RLock()
	defer c.storesMu.RUnlock()
	out := make([]txn.Adapter, len(c.stores))
	copy(out, c.stores)
	return out
}

// Store looks up an adapter by name.
func (c *Coordinator) Store(name string) (txn.Adapter, error) {
	c.storesMu.RLock()
	defer c.storesMu.RUnlock()
	for _, s := range c.stores {
		if s.Name() == name {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%q: %w", name, ErrUnknownStore)
}

// Begin starts a transaction. The id, snapshot bounds and registry entry are set up
// atomically with respect to other begins; an id is never reused even when the
// primary store refuses to begin.
func (c *Coordinator) Begin(ctx context.Context) (*txn.Context, error) {
	tc, err := c.allocate()
	if err != nil {
		return nil, err
	}
	if err := c.primary.Begin(ctx, tc); err != nil {
		c.registry.remove(tc.ID())
		return nil, fmt.Errorf("begin txn %s: %w", tc.ID(), err)
	}
	recordBegin(ctx)
	c.log.Debug("Transaction started", "txn", tc.ID(), "xmin", tc.Xmin(),
		"recently_committed", tc.RecentlyCommitted().Len())
	return tc, nil
}

func (c *Coordinator) allocate() (*txn.Context, error) {
	c.beginMu.Lock()
	defer c.beginMu.Unlock()
	if c.lastID >= txn.Infinity-1 {
		return nil, txn.ErrIDSpaceExhausted
	}
	c.lastID++
	id := c.lastID
	xmin, ok := c.registry.minID()
	if !ok {
		xmin = id
	}
	tc := txn.NewContext(id, xmin, c.commits.between(xmin, id))
	c.registry.add(tc)
	return tc, nil
}

// Validate asks every adapter whether tc's writes are free of conflicts. The first
// adapter that says no wins.
func (c *Coordinator) Validate(ctx context.Context, tc *txn.Context) (bool, error) {
	for _, s := range c.Stores() {
		ok, err := s.Validate(ctx, tc)
		if err != nil {
			return false, fmt.Errorf("validate %s: %w", s.Name(), err)
		}
		if !ok {
			c.log.Info("Write conflict detected", "txn", tc.ID(), "store", s.Name())
			return false, nil
		}
	}
	return true, nil
}

// Commit validates and applies tc on every store.
//
// A conflict aborts the transaction and returns ErrValidationFailed. Any other error
// before the primary commit leaves the context in the validating state so the caller
// can Abort it. Failures after some stores applied their writes surface as
// *PartialCommitError.
func (c *Coordinator) Commit(ctx context.Context, tc *txn.Context) error {
	started := time.Now()
	if err := tc.Transition(txn.StateValidating); err != nil {
		return err
	}
	ok, err := c.Validate(ctx, tc)
	if err != nil {
		recordOutcome(ctx, outcomeFailed, started)
		return fmt.Errorf("txn %s: %w", tc.ID(), err)
	}
	if !ok {
		abortErr := c.abort(ctx, tc)
		recordOutcome(ctx, outcomeConflict, started)
		return errors.Join(fmt.Errorf("txn %s: %w", tc.ID(), ErrValidationFailed), abortErr)
	}
	stores := c.Stores()
	if err := c.prepare(ctx, tc, stores); err != nil {
		recordOutcome(ctx, outcomeFailed, started)
		return err
	}
	if err := c.primary.Commit(ctx, tc); err != nil {
		recordOutcome(ctx, outcomeFailed, started)
		c.log.Error("Primary commit failed", "txn", tc.ID(), "error", err)
		return fmt.Errorf("txn %s: %w: %w", tc.ID(), ErrPrimaryCommit, err)
	}
	c.commits.add(tc.ID())
	finalizeErr := c.finalize(ctx, tc, stores)
	if err := tc.Transition(txn.StateCommitted); err != nil {
		return errors.Join(finalizeErr, err)
	}
	c.registry.remove(tc.ID())
	if finalizeErr != nil {
		recordOutcome(ctx, outcomePartial, started)
		c.log.Error("Transaction committed with finalize failures", "txn", tc.ID(), "error", finalizeErr)
		return finalizeErr
	}
	recordOutcome(ctx, outcomeCommitted, started)
	c.log.Debug("Transaction committed", "txn", tc.ID(), "stores", len(stores))
	return nil
}

func (c *Coordinator) prepare(ctx context.Context, tc *txn.Context, stores []txn.Adapter) error {
	prepared := make([]string, 0, len(stores))
	for _, s := range stores {
		if err := s.PrepareCommit(ctx, tc); err != nil {
			if len(prepared) == 0 {
				return fmt.Errorf("txn %s: prepare %s: %w", tc.ID(), s.Name(), err)
			}
			pce := &PartialCommitError{Phase: PhasePrepare, Store: s.Name(), Prepared: prepared, Err: err}
			c.log.Error("Prepare failed after other stores prepared", "txn", tc.ID(), "error", pce)
			return pce
		}
		prepared = append(prepared, s.Name())
	}
	return nil
}

func (c *Coordinator) finalize(ctx context.Context, tc *txn.Context, stores []txn.Adapter) error {
	var (
		failedStore string
		finalized   []string
		errs        []error
	)
	for _, s := range stores {
		if err := s.FinalizeCommit(ctx, tc); err != nil {
			if failedStore == "" {
				failedStore = s.Name()
			}
			errs = append(errs, fmt.Errorf("finalize %s: %w", s.Name(), err))
			continue
		}
		finalized = append(finalized, s.Name())
	}
	if len(errs) == 0 {
		return nil
	}
	prepared := make([]string, len(stores))
	for i, s := range stores {
		prepared[i] = s.Name()
	}
	return &PartialCommitError{
		Phase:     PhaseFinalize,
		Store:     failedStore,
		Prepared:  prepared,
		Finalized: finalized,
		Err:       errors.Join(errs...),
	}
}

// Abort rolls tc back on the primary store and on every adapter. Every adapter is
// attempted even when some fail.
func (c *Coordinator) Abort(ctx context.Context, tc *txn.Context) error {
	err := c.abort(ctx, tc)
	if !errors.Is(err, txn.ErrTransactionClosed) {
		recordOutcome(ctx, outcomeAborted, time.Time{})
	}
	return err
}

func (c *Coordinator) abort(ctx context.Context, tc *txn.Context) error {
	if err := tc.Transition(txn.StateAborted); err != nil {
		return err
	}
	defer c.registry.remove(tc.ID())
	var errs []error
	if err := c.primary.Rollback(ctx, tc); err != nil {
		errs = append(errs, fmt.Errorf("txn %s: %w: %w", tc.ID(), ErrPrimaryRollback, err))
	}
	for _, s := range c.Stores() {
		if err := s.Abort(ctx, tc); err != nil {
			errs = append(errs, fmt.Errorf("txn %s: abort %s: %w", tc.ID(), s.Name(), err))
		}
	}
	if len(errs) > 0 {
		err := errors.Join(errs...)
		c.log.Warn("Abort incomplete", "txn", tc.ID(), "error", err)
		return err
	}
	c.log.Debug("Transaction aborted", "txn", tc.ID())
	return nil
}

// AcquireGlobalLock blocks until key is held by the caller or ctx is done.
func (c *Coordinator) AcquireGlobalLock(ctx context.Context, key string) error {
	if err := txn.ValidateKey(key); err != nil {
		return err
	}
	return c.locks.Lock(ctx, key)
}

// ReleaseGlobalLock releases a lock taken with AcquireGlobalLock. Releasing a key
// that is not held returns an error wrapping keylock.ErrNotHeld.
func (c *Coordinator) ReleaseGlobalLock(key string) error {
	return c.locks.Release(key)
}

// Active returns the context of an id that has not finished yet.
func (c *Coordinator) Active(id txn.ID) (*txn.Context, bool) {
	return c.registry.get(id)
}

func (c *Coordinator) Stats() Stats {
	c.beginMu.Lock()
	next := c.lastID + 1
	c.beginMu.Unlock()
	c.storesMu.RLock()
	stores := len(c.stores)
	c.storesMu.RUnlock()
	return Stats{
		Active:    c.registry.len(),
		CommitLog: c.commits.len(),
		NextID:    next,
		Stores:    stores,
		Locks:     c.locks.Len(),
	}
}
