package txn

import "errors"

var (
	ErrNotFound          = errors.New("key not found")
	ErrEmptyKey          = errors.New("key is empty")
	ErrTransactionClosed = errors.New("transaction is no longer active")
	ErrInvalidTransition = errors.New("invalid transaction state transition")
	// ErrIDSpaceExhausted is returned once ids reach Infinity. The redis GC index
	// holds ids as float64 and is exact only up to 2^53.
	ErrIDSpaceExhausted = errors.New("transaction id space exhausted")
	// ErrStoreLocked means another coordinator owns the store.
	ErrStoreLocked = errors.New("store is owned by another coordinator")
)
