package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"feedpool/internal/events"
)

// Pool owns a registry of Connections and fans lifecycle operations out
// across them. The registry is only mutated by Add and Remove; background
// work never grows or shrinks it. Construct one per process at the
// composition root and pass it by reference; there is no package-level
// instance.
type Pool struct {
	bus     *events.Bus
	dialer  Dialer
	timings Timings

	mu    sync.RWMutex
	conns map[string]*Connection
}

// New creates an empty pool. A nil dialer gets the WebSocket default.
func New(bus *events.Bus, dialer Dialer, timings Timings) *Pool {
	if dialer == nil {
		dialer = WSDialer{}
	}
	return &Pool{
		bus:     bus,
		dialer:  dialer,
		timings: timings.withDefaults(),
		conns:   make(map[string]*Connection),
	}
}

// Add registers a new connection in closed state. It does not auto-connect.
// An empty ID gets a generated one; a duplicate ID is an error.
func (p *Pool) Add(cfg ConnConfig) (*Connection, error) {
	if cfg.URL == "" {
		return nil, errors.New("connection url required")
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.conns[cfg.ID]; exists {
		return nil, fmt.Errorf("connection %q already registered", cfg.ID)
	}
	c := newConnection(cfg, p.dialer, p.bus, p.timings)
	p.conns[cfg.ID] = c

	log.Info().
		Str("conn", cfg.ID).
		Str("exchange", cfg.Exchange).
		Str("url", cfg.URL).
		Msg("connection registered")
	return c, nil
}

// Remove forces the connection to closed, bypassing the graceful closing
// grace period if still open, and deletes it from the registry. An unknown
// id is a silent no-op: callers doing cleanup race against removal and that
// is expected.
func (p *Pool) Remove(id string) {
	p.mu.Lock()
	c, ok := p.conns[id]
	if ok {
		delete(p.conns, id)
	}
	p.mu.Unlock()

	if !ok {
		return
	}
	c.forceClose()
	log.Info().Str("conn", id).Msg("connection removed")
}

// Get returns the live connection or nil. Callers must not assume existence.
func (p *Pool) Get(id string) *Connection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.conns[id]
}

// Len returns the number of registered connections.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}

// snapshot copies the registry under the read lock so fan-out never races
// Add/Remove and a connection removed mid-fan-out is processed at most once.
func (p *Pool) snapshot() []*Connection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Connection, 0, len(p.conns))
	for _, c := range p.conns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// ConnectAll attempts to connect every registered connection concurrently and
// returns once all attempts have settled, one result per connection id. A
// failed handshake lands in the result map as that connection's error; it
// never fails the fan-out.
func (p *Pool) ConnectAll(ctx context.Context) map[string]error {
	conns := p.snapshot()
	results := make(map[string]error, len(conns))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			err := c.Connect(ctx)
			mu.Lock()
			results[c.id] = err
			mu.Unlock()
		}(c)
	}
	wg.Wait()
	return results
}

// DisconnectAll gracefully disconnects every connection concurrently and
// returns once all have reached closed.
func (p *Pool) DisconnectAll(ctx context.Context) {
	conns := p.snapshot()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			if err := c.Disconnect(ctx); err != nil {
				log.Warn().Err(err).Str("conn", c.id).Msg("disconnect failed")
			}
		}(c)
	}
	wg.Wait()
}

// Statistics returns the aggregated point-in-time snapshot. The copy is
// detached: observers cannot mutate pool state through it.
func (p *Pool) Statistics() PoolStatistics {
	conns := p.snapshot()

	stats := PoolStatistics{
		GeneratedAt: time.Now(),
		Connections: make([]ConnectionSnapshot, 0, len(conns)),
	}
	for _, c := range conns {
		s := c.Snapshot()
		if s.Status == StatusOpen {
			stats.ActiveConnections++
			stats.MessageRate += s.MessageRate
		}
		stats.Connections = append(stats.Connections, s)
	}
	return stats
}
