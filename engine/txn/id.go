package txn

import (
	"math"
	"slices"
	"strconv"
)

// ID identifies a transaction. IDs are allocated once, strictly increasing, starting at 1.
// The type is signed so it maps directly onto SQL BIGINT columns.
type ID int64

// Infinity marks the end_txn of a version that has not been superseded. The usable
// id space ends just below it (ErrIDSpaceExhausted). Stores that index ids as
// float64 scores, such as the redis adapter, are exact only up to 2^53.
const Infinity ID = math.MaxInt64

func (id ID) String() string {
	if id == Infinity {
		return "inf"
	}
	return strconv.FormatInt(int64(id), 10)
}

// IDSet is an immutable set of transaction ids.
type IDSet struct {
	ids map[ID]struct{}
}

// NewIDSet builds a set from the provided ids.
func NewIDSet(ids ...ID) IDSet {
	if len(ids) == 0 {
		return IDSet{}
	}
	m := make(map[ID]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return IDSet{ids: m}
}

// Has reports whether id belongs to the set.
func (s IDSet) Has(id ID) bool {
	_, ok := s.ids[id]
	return ok
}

// Len returns the number of ids in the set.
func (s IDSet) Len() int { return len(s.ids) }

// Slice returns the ids in ascending order.
func (s IDSet) Slice() []ID {
	out := make([]ID, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Int64s returns the ids in ascending order as int64 values for driver arguments.
func (s IDSet) Int64s() []int64 {
	ids := s.Slice()
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}
