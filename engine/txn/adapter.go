package txn

import "context"

// Adapter is the contract every backing store implements to take part in
// cross-store transactions. Implementations keep their own versioned records
// and their own per-key locks; they never share state with each other.
type Adapter interface {
	// Name identifies the adapter inside a Context's write set. It must be unique
	// per coordinator.
	Name() string
	// Update writes a pending version of key for tc and records key in the write set.
	// Concurrent updates of the same key are serialized.
	Update(ctx context.Context, tc *Context, key, value string) error
	// Query returns the value visible to tc's snapshot, or ErrNotFound.
	Query(ctx context.Context, tc *Context, key string) (string, error)
	// Validate reports false when a key tc wrote has a committed version from a
	// concurrent transaction outside tc's snapshot.
	Validate(ctx context.Context, tc *Context) (bool, error)
	// PrepareCommit promotes tc's pending versions and makes them durable.
	// It must be idempotent.
	PrepareCommit(ctx context.Context, tc *Context) error
	// FinalizeCommit releases whatever the adapter still tracks for tc.
	FinalizeCommit(ctx context.Context, tc *Context) error
	// Abort deletes every version written by tc and reopens the versions it closed.
	// It is safe on a context that wrote nothing here.
	Abort(ctx context.Context, tc *Context) error
	// GarbageCollect deletes committed versions whose end_txn is below globalXmin
	// and returns how many were removed.
	GarbageCollect(ctx context.Context, globalXmin ID) (int64, error)
}

// Recoverer is implemented by stores whose records outlive the coordinator.
type Recoverer interface {
	// Recover deletes pending versions left behind by transactions of an earlier
	// process and returns the greatest begin_txn the store holds, or 0.
	Recover(ctx context.Context) (ID, error)
}

// ValidateKey rejects keys no store can address.
func ValidateKey(key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	return nil
}
