package txn

import "slices"

// Version is one entry of a key's history inside a store. It is live for snapshots
// in the window [BeginTxn, EndTxn). Pending versions belong to a transaction that
// has not prepared yet and never count as conflicts.
type Version struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	BeginTxn  ID     `json:"begin_txn"`
	EndTxn    ID     `json:"end_txn"`
	Committed bool   `json:"committed"`
}

// Sees reports whether v belongs to the snapshot of c: committed, written at or
// before c's id, not superseded before xmin, and written either before xmin or by
// a transaction that committed between xmin and c's begin. Pending versions are
// never seen, even when a failed abort leaves them behind.
func (c *Context) Sees(v Version) bool {
	if !v.Committed || v.BeginTxn > c.id || v.EndTxn < c.xmin {
		return false
	}
	return v.BeginTxn < c.xmin || c.recentlyCommitted.Has(v.BeginTxn)
}

// ConflictsWith reports whether v is a committed write by a transaction that ran
// concurrently with c and is not part of c's snapshot.
func (c *Context) ConflictsWith(v Version) bool {
	if !v.Committed || v.BeginTxn == c.id {
		return false
	}
	return v.BeginTxn >= c.xmin && !c.recentlyCommitted.Has(v.BeginTxn)
}

// Chain is the history of a single key ordered by BeginTxn. Stores that keep whole
// histories in one place (memory, bolt, redis) apply protocol steps through it; SQL
// stores express the same rules as statements.
type Chain []Version

func (ch Chain) index(begin ID) (int, bool) {
	return slices.BinarySearchFunc(ch, begin, func(v Version, id ID) int {
		switch {
		case v.BeginTxn < id:
			return -1
		case v.BeginTxn > id:
			return 1
		default:
			return 0
		}
	})
}

// Get returns the version written by begin.
func (ch Chain) Get(begin ID) (Version, bool) {
	i, ok := ch.index(begin)
	if !ok {
		return Version{}, false
	}
	return ch[i], true
}

// Put inserts v or replaces the version with the same BeginTxn.
func (ch Chain) Put(v Version) Chain {
	i, ok := ch.index(v.BeginTxn)
	if ok {
		ch[i] = v
		return ch
	}
	return slices.Insert(ch, i, v)
}

// Visible returns the version of c's snapshot with the greatest BeginTxn.
func (ch Chain) Visible(c *Context) (Version, bool) {
	for i := len(ch) - 1; i >= 0; i-- {
		if c.Sees(ch[i]) {
			return ch[i], true
		}
	}
	return Version{}, false
}

// Conflicts reports whether any version conflicts with c.
func (ch Chain) Conflicts(c *Context) bool {
	return slices.ContainsFunc(ch, c.ConflictsWith)
}

// nextCommitted returns the smallest committed BeginTxn strictly above after.
func (ch Chain) nextCommitted(after ID) ID {
	for _, v := range ch {
		if v.Committed && v.BeginTxn > after {
			return v.BeginTxn
		}
	}
	return Infinity
}

// Promote commits the pending version of id: committed versions spanning id are
// closed at id and the promoted version ends where the next committed one begins.
// It returns the versions that changed; calling it again changes nothing.
func (ch Chain) Promote(id ID) []Version {
	var changed []Version
	for i := range ch {
		v := &ch[i]
		if v.Committed && v.BeginTxn < id && v.EndTxn > id {
			v.EndTxn = id
			changed = append(changed, *v)
		}
	}
	i, ok := ch.index(id)
	if !ok {
		return changed
	}
	end := ch.nextCommitted(id)
	if !ch[i].Committed || ch[i].EndTxn != end {
		ch[i].Committed = true
		ch[i].EndTxn = end
		changed = append(changed, ch[i])
	}
	return changed
}

// Remove drops the version written by id and reopens the versions it closed.
// It returns the new chain, whether a version was removed and the reopened versions.
func (ch Chain) Remove(id ID) (Chain, bool, []Version) {
	i, ok := ch.index(id)
	if ok {
		ch = slices.Delete(ch, i, i+1)
	}
	var reopened []Version
	for j := range ch {
		v := &ch[j]
		if v.EndTxn == id {
			v.EndTxn = ch.nextCommitted(v.BeginTxn)
			reopened = append(reopened, *v)
		}
	}
	return ch, ok, reopened
}

// Collect splits the chain into the versions still reachable by snapshots whose
// xmin is at least mark and the committed versions that ended before it.
func (ch Chain) Collect(mark ID) (Chain, []Version) {
	var dropped []Version
	kept := ch[:0:0]
	for _, v := range ch {
		if v.Committed && v.EndTxn < mark {
			dropped = append(dropped, v)
			continue
		}
		kept = append(kept, v)
	}
	return kept, dropped
}

// Diff returns the versions of after that are new or changed relative to before
// and the versions of before that after no longer holds.
func Diff(before, after Chain) (writes, deletes []Version) {
	for _, v := range after {
		if old, ok := before.Get(v.BeginTxn); !ok || old != v {
			writes = append(writes, v)
		}
	}
	for _, v := range before {
		if _, ok := after.Get(v.BeginTxn); !ok {
			deletes = append(deletes, v)
		}
	}
	return writes, deletes
}
