// Package stats derives pool-wide statistics from connection events. The
// aggregator is a side consumer: bus handlers only flag work, the recompute
// itself runs on the aggregator's own goroutine so ingestion never waits on
// aggregation.
package stats

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"feedpool/internal/events"
	"feedpool/internal/pool"
)

const defaultInterval = time.Second

// Aggregator recomputes PoolStatistics whenever connection activity is
// observed and on a fixed tick, so rate figures stay fresh even with no
// events.
type Aggregator struct {
	pool     *pool.Pool
	bus      *events.Bus
	interval time.Duration

	dirty chan struct{}

	mu      sync.RWMutex
	current pool.PoolStatistics
}

// New creates an aggregator over p publishing to bus. interval <= 0 takes
// the 1s default.
func New(p *pool.Pool, bus *events.Bus, interval time.Duration) *Aggregator {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Aggregator{
		pool:     p,
		bus:      bus,
		interval: interval,
		dirty:    make(chan struct{}, 1),
	}
}

// Run subscribes to connection events and recomputes until ctx is done.
// Blocks; run it on its own goroutine.
func (a *Aggregator) Run(ctx context.Context) {
	unsubStatus := a.bus.Subscribe(events.TopicStatusChanged, a.markDirty)
	unsubMessage := a.bus.Subscribe(events.TopicMessage, a.markDirty)
	defer unsubStatus()
	defer unsubMessage()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.recompute()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("statistics aggregator stopped")
			return
		case <-a.dirty:
			a.recompute()
		case <-ticker.C:
			a.recompute()
		}
	}
}

// markDirty coalesces bursts of events into a single pending recompute and
// never blocks the publisher.
func (a *Aggregator) markDirty(events.Event) {
	select {
	case a.dirty <- struct{}{}:
	default:
	}
}

func (a *Aggregator) recompute() {
	snap := a.pool.Statistics()

	a.mu.Lock()
	a.current = snap
	a.mu.Unlock()

	a.bus.Publish(events.TopicStatistics, snap)
}

// Current returns the latest snapshot. The value is a detached copy; the
// aggregator never hands out live references.
func (a *Aggregator) Current() pool.PoolStatistics {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := a.current
	out.Connections = make([]pool.ConnectionSnapshot, len(a.current.Connections))
	copy(out.Connections, a.current.Connections)
	return out
}
