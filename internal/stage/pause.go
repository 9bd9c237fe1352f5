package stage

import (
	"context"
	"sync/atomic"
	"time"
)

// pausePollInterval is the cooperative pause-polling increment spec §4.7
// mandates for a paused worker.
const pausePollInterval = 500 * time.Millisecond

// pauseGate is the shared atomic flag a Per-Stage Orchestrator's workers
// poll. It is never preemptive - a worker only notices a pause between
// jobs, at the top of its loop.
type pauseGate struct {
	paused atomic.Bool
}

func (g *pauseGate) Pause()  { g.paused.Store(true) }
func (g *pauseGate) Resume() { g.paused.Store(false) }
func (g *pauseGate) IsPaused() bool { return g.paused.Load() }

// waitUnlessCancelled blocks in pausePollInterval increments while the gate
// is paused, returning ctx.Err() if the context is cancelled first.
func (g *pauseGate) waitUnlessCancelled(ctx context.Context) error {
	for g.IsPaused() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pausePollInterval):
		}
	}
	return nil
}
