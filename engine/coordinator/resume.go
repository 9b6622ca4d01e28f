package coordinator

import (
	"context"
	"fmt"

	"github.com/compozy/epoxy/engine/txn"
)

// Resume recovers every registered store that implements txn.Recoverer and moves
// id allocation past the greatest id any of them holds. Call it once after the
// stores are registered and before the first Begin.
func (c *Coordinator) Resume(ctx context.Context) error {
	c.beginMu.Lock()
	defer c.beginMu.Unlock()
	if c.registry.len() > 0 {
		return ErrResumeActive
	}
	var high txn.ID
	for _, s := range c.Stores() {
		r, ok := s.(txn.Recoverer)
		if !ok {
			continue
		}
		id, err := r.Recover(ctx)
		if err != nil {
			return fmt.Errorf("resume %q: %w", s.Name(), err)
		}
		high = max(high, id)
	}
	if high >= txn.Infinity-1 {
		return txn.ErrIDSpaceExhausted
	}
	if high > c.lastID {
		c.lastID = high
	}
	c.log.Debug("Coordinator resumed", "last_id", c.lastID)
	return nil
}
