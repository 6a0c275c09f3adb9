package rategate

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/shelfbridge/shelfbridge/internal/logger"
)

// window is the sliding window used by the per-minute limiter
const window = time.Minute

// Gate bounds outbound calls to one external collaborator. It composes two
// primitives: a concurrency limiter with a FIFO waiter queue, and a sliding
// one-minute-window rate limiter that blocks callers until the window permits.
//
// Acquire must precede every remote call and Release must follow it on all
// exit paths. One Gate instance is constructed per collaborator and shared
// by all workers.
type Gate struct {
	name           string
	maxConcurrency int
	maxPerMinute   int
	log            *logger.Logger

	mu       sync.Mutex
	inFlight int
	waiters  []chan struct{}
	stamps   []time.Time
}

// New creates a Gate for the named collaborator
func New(name string, maxConcurrency, maxPerMinute int, log *logger.Logger) *Gate {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	if maxPerMinute < 1 {
		maxPerMinute = 1
	}
	return &Gate{
		name:           name,
		maxConcurrency: maxConcurrency,
		maxPerMinute:   maxPerMinute,
		log: log.With(map[string]interface{}{
			"component": "rate_gate",
			"service":   name,
		}),
	}
}

// Acquire blocks until a concurrency slot and a rate-window token are both
// available, or the context is cancelled. On success the caller owns a slot
// and must call Release exactly once.
func (g *Gate) Acquire(ctx context.Context) error {
	if err := g.acquireSlot(ctx); err != nil {
		return err
	}
	if err := g.waitForWindow(ctx); err != nil {
		g.Release()
		return err
	}
	return nil
}

// Release returns a concurrency slot. If a waiter is queued, the slot is
// handed directly to the head of the queue.
func (g *Gate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.waiters) > 0 {
		ready := g.waiters[0]
		g.waiters = g.waiters[1:]
		close(ready)
		return
	}
	if g.inFlight > 0 {
		g.inFlight--
	}
}

// Do runs fn under the gate, guaranteeing the slot is released afterwards
func (g *Gate) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := g.Acquire(ctx); err != nil {
		return err
	}
	defer g.Release()
	return fn(ctx)
}

// InFlight returns the number of calls currently holding a slot
func (g *Gate) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight
}

func (g *Gate) acquireSlot(ctx context.Context) error {
	g.mu.Lock()
	if g.inFlight < g.maxConcurrency {
		g.inFlight++
		g.mu.Unlock()
		return nil
	}

	// Queue behind earlier callers; Release hands slots over in FIFO order
	ready := make(chan struct{})
	g.waiters = append(g.waiters, ready)
	g.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		select {
		case <-ready:
			// Release already granted us the slot; pass it on
			g.mu.Unlock()
			g.Release()
		default:
			for i, w := range g.waiters {
				if w == ready {
					g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
					break
				}
			}
			g.mu.Unlock()
		}
		return ctx.Err()
	}
}

// waitForWindow blocks until the sliding one-minute window has room for one
// more request, re-checking after each computed wait rather than failing.
func (g *Gate) waitForWindow(ctx context.Context) error {
	for {
		g.mu.Lock()
		now := time.Now()
		g.pruneStamps(now)

		if len(g.stamps) < g.maxPerMinute {
			g.stamps = append(g.stamps, now)
			g.mu.Unlock()
			return nil
		}

		// Oldest stamp leaving the window frees a token; add jitter so
		// concurrent waiters don't stampede
		wait := g.stamps[0].Add(window).Sub(now)
		g.mu.Unlock()

		wait += time.Duration(rand.Float64() * 0.1 * float64(wait))
		if wait < time.Millisecond {
			wait = time.Millisecond
		}

		g.log.Warn("Rate limit reached, waiting before retry", map[string]interface{}{
			"wait":           wait.String(),
			"max_per_minute": g.maxPerMinute,
		})

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// pruneStamps drops timestamps older than the window. Caller holds g.mu.
func (g *Gate) pruneStamps(now time.Time) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(g.stamps) && !g.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		g.stamps = append(g.stamps[:0], g.stamps[i:]...)
	}
}
