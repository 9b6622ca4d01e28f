package coordinator

import (
	"sync"

	"github.com/compozy/epoxy/engine/txn"
	"github.com/google/btree"
)

// registry holds the contexts that began and have not yet committed or aborted.
type registry struct {
	mu     sync.RWMutex
	active map[txn.ID]*txn.Context
}

func newRegistry() *registry {
	return &registry{active: make(map[txn.ID]*txn.Context)}
}

func (r *registry) add(tc *txn.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[tc.ID()] = tc
}

func (r *registry) remove(id txn.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, id)
}

func (r *registry) get(id txn.ID) (*txn.Context, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tc, ok := r.active[id]
	return tc, ok
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}

// minID returns the oldest active id.
func (r *registry) minID() (txn.ID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var lowest txn.ID
	found := false
	for id := range r.active {
		if !found || id < lowest {
			lowest, found = id, true
		}
	}
	return lowest, found
}

// minXmin returns the smallest snapshot lower bound among active contexts.
func (r *registry) minXmin() (txn.ID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var lowest txn.ID
	found := false
	for _, tc := range r.active {
		if x := tc.Xmin(); !found || x < lowest {
			lowest, found = x, true
		}
	}
	return lowest, found
}

// commitLog is the ordered set of committed ids still relevant to some snapshot.
type commitLog struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[txn.ID]
}

func newCommitLog() *commitLog {
	return &commitLog{tree: btree.NewOrderedG[txn.ID](16)}
}

func (l *commitLog) add(id txn.ID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tree.ReplaceOrInsert(id)
}

// between returns the committed ids in [lo, hi).
func (l *commitLog) between(lo, hi txn.ID) txn.IDSet {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var ids []txn.ID
	l.tree.AscendRange(lo, hi, func(id txn.ID) bool {
		ids = append(ids, id)
		return true
	})
	return txn.NewIDSet(ids...)
}

// prune drops ids below mark and returns how many were removed.
func (l *commitLog) prune(mark txn.ID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	var stale []txn.ID
	l.tree.AscendLessThan(mark, func(id txn.ID) bool {
		stale = append(stale, id)
		return true
	})
	for _, id := range stale {
		l.tree.Delete(id)
	}
	return len(stale)
}

func (l *commitLog) len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tree.Len()
}
