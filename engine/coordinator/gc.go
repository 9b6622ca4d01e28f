package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/compozy/epoxy/engine/txn"
)

// SweepResult describes one garbage collection pass.
type SweepResult struct {
	Mark    txn.ID
	Deleted map[string]int64
	Pruned  int
}

// Total returns the number of versions deleted across stores.
func (r SweepResult) Total() int64 {
	var n int64
	for _, d := range r.Deleted {
		n += d
	}
	return n
}

// LowWaterMark returns the smallest xmin among active transactions, or the next id
// when nothing is active. No current or future snapshot reads a version that ended
// before it.
func (c *Coordinator) LowWaterMark() txn.ID {
	c.beginMu.Lock()
	defer c.beginMu.Unlock()
	if xmin, ok := c.registry.minXmin(); ok {
		return xmin
	}
	return c.lastID + 1
}

// CollectGarbage runs one sweep over every adapter and trims the commit log. All
// adapters are attempted; their errors are joined.
func (c *Coordinator) CollectGarbage(ctx context.Context) (SweepResult, error) {
	mark := c.LowWaterMark()
	res := SweepResult{Mark: mark, Deleted: make(map[string]int64)}
	var errs []error
	for _, s := range c.Stores() {
		n, err := s.GarbageCollect(ctx, mark)
		recordSweep(ctx, s.Name(), n, err != nil)
		if err != nil {
			errs = append(errs, fmt.Errorf("gc %s: %w", s.Name(), err))
			continue
		}
		res.Deleted[s.Name()] = n
	}
	res.Pruned = c.commits.prune(mark)
	c.log.Debug("Garbage collection sweep finished",
		"mark", mark, "deleted", res.Total(), "pruned", res.Pruned)
	return res, errors.Join(errs...)
}

// Start launches the background collector: one sweep right away, then one per
// interval until Stop is called or ctx is done.
func (c *Coordinator) Start(ctx context.Context) error {
	c.gcMu.Lock()
	defer c.gcMu.Unlock()
	if c.gcCancel != nil {
		return ErrAlreadyStarted
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.gcCancel = cancel
	c.gcDone = done
	go c.gcLoop(loopCtx, done)
	c.log.Info("Garbage collector started", "interval", c.gcInterval)
	return nil
}

func (c *Coordinator) gcLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.gcInterval)
	defer ticker.Stop()
	for {
		c.sweepAndLog(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) sweepAndLog(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := c.CollectGarbage(ctx); err != nil {
		c.log.Warn("Garbage collection sweep failed", "error", err)
	}
}

// Stop ends the background collector and waits for an in-flight sweep. Calling it
// when the collector is not running is a no-op.
func (c *Coordinator) Stop() {
	c.gcMu.Lock()
	cancel, done := c.gcCancel, c.gcDone
	c.gcCancel, c.gcDone = nil, nil
	c.gcMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.log.Info("Garbage collector stopped")
}
