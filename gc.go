package repocache

import (
	"context"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
)

// StartGC starts a background collector that runs an eviction pass every
// interval: capacity eviction, then age-based eviction when
// Config.EvictAfter is set. The collector logs through ctx's logger and
// stops when ctx is done.
//
// Returns a function that stops the collector. It is safe to call more
// than once and blocks until the collector has exited.
//
//	stop := c.StartGC(ctx, 10*time.Minute)
//	defer stop()
func (c *Cache) StartGC(ctx context.Context, interval time.Duration) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.collect(ctx)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}
}

func (c *Cache) collect(ctx context.Context) {
	log := clog.FromContext(ctx)

	if c.cfg.CapacityLimit > 0 {
		if res, err := c.Evict(ctx); err != nil {
			log.Warn("capacity eviction failed", "error", err)
		} else if len(res.Evicted) > 0 {
			log.Info("capacity eviction finished", "evicted", len(res.Evicted), "freed", res.Freed())
		}
	}

	if c.cfg.EvictAfter > 0 {
		if res, err := c.EvictOlderThan(ctx, c.cfg.EvictAfter); err != nil {
			log.Warn("age eviction failed", "error", err)
		} else if len(res.Evicted) > 0 {
			log.Info("age eviction finished", "evicted", len(res.Evicted), "freed", res.Freed())
		}
	}
}
