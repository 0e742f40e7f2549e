// Package processor evaluates data cubes chunk by chunk. It contains
// the materialiser that turns an indexed collection into a raster data
// cube, the lazy operators that derive new cubes from existing ones,
// the streaming engine that walks a cube's chunk grid on a bounded
// worker pool, and the exporters.
package processor

import (
	"context"
	"sync"
)

// ConcLimiter bounds the number of concurrently evaluated chunks and
// doubles as the wait group the engine blocks on for draining.
type ConcLimiter struct {
	*sync.WaitGroup
	Pool chan struct{}
}

func NewConcLimiter(concLimit int) *ConcLimiter {
	if concLimit < 1 {
		concLimit = 1
	}
	return &ConcLimiter{&sync.WaitGroup{}, make(chan struct{}, concLimit)}
}

// Acquire claims a worker slot, blocking until one frees up or ctx is
// cancelled. Every successful Acquire must be paired with a Release.
func (c *ConcLimiter) Acquire(ctx context.Context) error {
	select {
	case c.Pool <- struct{}{}:
		c.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *ConcLimiter) Release() {
	select {
	case <-c.Pool:
		c.Done()
	default:
	}
}
