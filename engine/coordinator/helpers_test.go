package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/compozy/epoxy/engine/infra/memstore"
	"github.com/compozy/epoxy/engine/txn"
	"github.com/compozy/epoxy/pkg/logger"
	"github.com/stretchr/testify/require"
)

var errInjected = errors.New("injected failure")

// faultyStore wraps a memory store and fails selected operations.
type faultyStore struct {
	*memstore.Store
	validateErr error
	prepareErr  error
	finalizeErr error
	abortErr    error
	gcErr       error

	mu    sync.Mutex
	calls []string
}

func newFaultyStore(name string) *faultyStore {
	return &faultyStore{Store: memstore.New(name)}
}

func (f *faultyStore) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
}

func (f *faultyStore) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *faultyStore) Validate(ctx context.Context, tc *txn.Context) (bool, error) {
	f.record("validate")
	if f.validateErr != nil {
		return false, f.validateErr
	}
	return f.Store.Validate(ctx, tc)
}

func (f *faultyStore) PrepareCommit(ctx context.Context, tc *txn.Context) error {
	f.record("prepare")
	if f.prepareErr != nil {
		return f.prepareErr
	}
	return f.Store.PrepareCommit(ctx, tc)
}

func (f *faultyStore) FinalizeCommit(ctx context.Context, tc *txn.Context) error {
	f.record("finalize")
	if f.finalizeErr != nil {
		return f.finalizeErr
	}
	return f.Store.FinalizeCommit(ctx, tc)
}

func (f *faultyStore) Abort(ctx context.Context, tc *txn.Context) error {
	f.record("abort")
	if f.abortErr != nil {
		return f.abortErr
	}
	return f.Store.Abort(ctx, tc)
}

func (f *faultyStore) GarbageCollect(ctx context.Context, mark txn.ID) (int64, error) {
	f.record("gc")
	if f.gcErr != nil {
		return 0, f.gcErr
	}
	return f.Store.GarbageCollect(ctx, mark)
}

// recordingPrimary tracks the primary hook calls.
type recordingPrimary struct {
	beginErr    error
	commitErr   error
	rollbackErr error

	mu        sync.Mutex
	begun     []txn.ID
	committed []txn.ID
	rolled    []txn.ID
}

func (p *recordingPrimary) Begin(_ context.Context, tc *txn.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.begun = append(p.begun, tc.ID())
	return p.beginErr
}

func (p *recordingPrimary) Commit(_ context.Context, tc *txn.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.commitErr != nil {
		return p.commitErr
	}
	p.committed = append(p.committed, tc.ID())
	return nil
}

func (p *recordingPrimary) Rollback(_ context.Context, tc *txn.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rolled = append(p.rolled, tc.ID())
	return p.rollbackErr
}

func newTestCoordinator(t *testing.T, opts ...Option) *Coordinator {
	t.Helper()
	opts = append([]Option{WithLogger(logger.NewForTests())}, opts...)
	c := New(opts...)
	t.Cleanup(c.Stop)
	return c
}

func withStores(t *testing.T, c *Coordinator, stores ...txn.Adapter) {
	t.Helper()
	for _, s := range stores {
		require.NoError(t, c.AddStore(s))
	}
}

func write(t *testing.T, s txn.Adapter, tc *txn.Context, key, value string) {
	t.Helper()
	require.NoError(t, s.Update(t.Context(), tc, key, value))
}

func read(t *testing.T, c *Coordinator, s txn.Adapter, key string) (string, error) {
	t.Helper()
	tc, err := c.Begin(t.Context())
	require.NoError(t, err)
	defer func() { require.NoError(t, c.Abort(t.Context(), tc)) }()
	return s.Query(t.Context(), tc, key)
}
