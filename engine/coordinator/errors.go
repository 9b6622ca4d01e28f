package coordinator

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidationFailed reports a write-write conflict. The transaction has
	// already been aborted when it is returned.
	ErrValidationFailed = errors.New("validation failed: conflicting committed write")

	// ErrPartialCommit matches every *PartialCommitError.
	ErrPartialCommit = errors.New("partial commit")

	ErrPrimaryCommit   = errors.New("primary store commit failed")
	ErrPrimaryRollback = errors.New("primary store rollback failed")
	ErrDuplicateStore  = errors.New("store already registered")
	ErrNilStore        = errors.New("store is nil")
	ErrAlreadyStarted  = errors.New("garbage collector already started")
	ErrUnknownStore    = errors.New("unknown store")
	ErrResumeActive    = errors.New("cannot resume with active transactions")
)

// Commit phases reported by PartialCommitError.
const (
	PhasePrepare  = "prepare"
	PhaseFinalize = "finalize"
)

// PartialCommitError is returned when some stores applied a transaction and others
// did not. The coordinator does not repair the divergence.
type PartialCommitError struct {
	Phase     string
	Store     string
	Prepared  []string
	Finalized []string
	Err       error
}

func (e *PartialCommitError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "partial commit during %s at store %q", e.Phase, e.Store)
	if len(e.Prepared) > 0 {
		fmt.Fprintf(&b, " (prepared: %s)", strings.Join(e.Prepared, ","))
	}
	if len(e.Finalized) > 0 {
		fmt.Fprintf(&b, " (finalized: %s)", strings.Join(e.Finalized, ","))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *PartialCommitError) Unwrap() error { return e.Err }

func (e *PartialCommitError) Is(target error) bool { return target == ErrPartialCommit }
