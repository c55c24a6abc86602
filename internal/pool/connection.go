// Package pool implements the upstream feed connection pool: per-connection
// lifecycle state machines with automatic backoff reconnection, subscription
// replay, message accounting, and a registry aggregating it all for
// monitoring consumers.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"feedpool/internal/events"
)

// attempt tracks one in-flight connect so concurrent callers can share its
// outcome. err is written before done closes.
type attempt struct {
	once sync.Once
	done chan struct{}
	err  error
}

func (a *attempt) settle(err error) {
	a.once.Do(func() {
		a.err = err
		close(a.done)
	})
}

// Connection is a single logical subscription channel to one upstream feed.
// It owns its socket lifecycle exclusively: only its own API calls and
// transport handlers mutate state, everything else reads snapshots.
type Connection struct {
	id       string
	name     string
	exchange string
	url      string

	dialer  Dialer
	bus     *events.Bus
	timings Timings
	retry   *backoff.Backoff

	flight  singleflight.Group
	dropLog *rate.Limiter

	mu               sync.Mutex
	status           Status
	connectedAt      time.Time
	messagesReceived uint64
	bytesReceived    uint64
	lastMessageAt    time.Time
	window           *rateWindow
	subs             []Subscription
	retryCount       int
	dropped          uint64

	// Session bookkeeping. gen invalidates goroutines and timers of a
	// superseded session: every new attempt and every hard teardown bumps
	// it, and stale callbacks compare before acting.
	gen         uint64
	sock        Socket
	cancelDial  context.CancelFunc
	retryTimer  *time.Timer
	att         *attempt
	readDone    chan struct{}
	closingDone chan struct{}
}

func newConnection(cfg ConnConfig, dialer Dialer, bus *events.Bus, t Timings) *Connection {
	subs := make([]Subscription, len(cfg.Subscriptions))
	copy(subs, cfg.Subscriptions)

	return &Connection{
		id:       cfg.ID,
		name:     cfg.Name,
		exchange: cfg.Exchange,
		url:      cfg.URL,
		dialer:   dialer,
		bus:      bus,
		timings:  t,
		retry: &backoff.Backoff{
			Min:    t.BackoffMin,
			Max:    t.BackoffMax,
			Factor: 2,
			Jitter: true,
		},
		dropLog: rate.NewLimiter(rate.Every(5*time.Second), 1),
		status:  StatusClosed,
		window:  newRateWindow(t.RateWindow),
		subs:    subs,
	}
}

func (c *Connection) ID() string       { return c.id }
func (c *Connection) Name() string     { return c.name }
func (c *Connection) Exchange() string { return c.exchange }
func (c *Connection) URL() string      { return c.url }

// Status returns the current lifecycle state.
func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connect brings the connection up. It settles once the attempt reaches open
// or error; concurrent callers collapse into a single handshake and observe
// the same outcome. Calling Connect on an open connection is a no-op. An
// explicit Connect on a connection whose retry budget is exhausted clears the
// budget and resumes.
func (c *Connection) Connect(ctx context.Context) error {
	_, err, _ := c.flight.Do("connect", func() (any, error) {
		return nil, c.connect(ctx)
	})
	return err
}

func (c *Connection) connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.status {
	case StatusOpen:
		c.mu.Unlock()
		return nil

	case StatusConnecting:
		// Join the in-flight attempt rather than starting a second
		// handshake.
		a := c.att
		c.mu.Unlock()
		select {
		case <-a.done:
			return a.err
		case <-ctx.Done():
			return ctx.Err()
		}

	case StatusClosing:
		c.mu.Unlock()
		return ErrConnectionClosed

	case StatusError:
		// Explicit resume: drop any pending automatic retry and clear
		// the budget.
		if c.retryTimer != nil {
			c.retryTimer.Stop()
			c.retryTimer = nil
		}
		c.retryCount = 0
	}

	ev := c.beginAttemptLocked("")
	gen := c.gen
	c.mu.Unlock()

	c.publishStatus(ev)
	return c.attempt(gen)
}

// beginAttemptLocked moves the connection into connecting and arms a fresh
// attempt. Caller holds c.mu and publishes the returned event after
// unlocking.
func (c *Connection) beginAttemptLocked(cause string) StatusChanged {
	prev := c.status
	c.status = StatusConnecting
	c.gen++
	c.att = &attempt{done: make(chan struct{})}
	return c.statusEventLocked(prev, StatusConnecting, cause)
}

func (c *Connection) attempt(gen uint64) error {
	dctx, cancel := context.WithTimeout(context.Background(), c.timings.HandshakeTimeout)
	defer cancel()

	c.mu.Lock()
	if c.gen != gen || c.status != StatusConnecting {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	a := c.att
	c.cancelDial = cancel
	c.mu.Unlock()

	sock, err := c.dialer.Dial(dctx, c.url)
	if err != nil {
		return c.attemptFailed(gen, a, classifyDialError(dctx, err))
	}
	return c.attemptSucceeded(gen, a, sock)
}

func classifyDialError(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return ErrHandshakeTimeout
	case errors.Is(ctx.Err(), context.Canceled):
		return ErrConnectionClosed
	default:
		return fmt.Errorf("%w: %v", ErrHandshakeRejected, err)
	}
}

func (c *Connection) attemptSucceeded(gen uint64, a *attempt, sock Socket) error {
	c.mu.Lock()
	if c.gen != gen || c.status != StatusConnecting {
		// Torn down while the handshake was in flight.
		c.mu.Unlock()
		sock.Close()
		a.settle(ErrConnectionClosed)
		return ErrConnectionClosed
	}

	prev := c.status
	c.status = StatusOpen
	c.connectedAt = time.Now()
	c.retryCount = 0
	c.retry.Reset()
	c.sock = sock
	c.cancelDial = nil
	c.readDone = make(chan struct{})
	readDone := c.readDone
	replay := make([]Subscription, len(c.subs))
	copy(replay, c.subs)
	ev := c.statusEventLocked(prev, StatusOpen, "")
	c.mu.Unlock()

	log.Info().
		Str("conn", c.id).
		Str("exchange", c.exchange).
		Str("url", c.url).
		Msg("feed connected")
	c.publishStatus(ev)

	if len(replay) > 0 {
		if err := sock.WriteJSON(subscribePayload("subscribe", replay...)); err != nil {
			log.Warn().Err(err).Str("conn", c.id).Msg("subscription replay failed")
			c.publishDiagnostic(DiagSubscribeFailed, err.Error())
		}
	}

	go c.readLoop(sock, gen, readDone)
	a.settle(nil)
	return nil
}

func (c *Connection) attemptFailed(gen uint64, a *attempt, cause error) error {
	c.mu.Lock()
	if c.gen != gen || c.status != StatusConnecting {
		c.mu.Unlock()
		a.settle(ErrConnectionClosed)
		return ErrConnectionClosed
	}

	c.cancelDial = nil
	prev := c.status
	c.status = StatusError
	c.retryCount++
	rc := c.retryCount
	ev := c.statusEventLocked(prev, StatusError, cause.Error())
	c.mu.Unlock()

	log.Warn().
		Err(cause).
		Str("conn", c.id).
		Int("retry_count", rc).
		Msg("feed handshake failed")
	c.publishStatus(ev)
	a.settle(cause)

	if rc > c.timings.MaxRetries {
		log.Warn().
			Str("conn", c.id).
			Int("retry_count", rc).
			Msg("retry budget exhausted, awaiting explicit connect")
		c.publishDiagnostic(DiagRetryExhausted, ErrRetryBudgetExhausted.Error())
		return cause
	}

	c.scheduleRetry(gen, rc)
	return cause
}

// scheduleRetry arms the backoff timer for an automatic error -> connecting
// transition. The delay grows exponentially with jitter and is capped; the
// timer is cancelled by Disconnect, Remove, or an explicit Connect.
func (c *Connection) scheduleRetry(gen uint64, retryCount int) {
	delay := c.retry.ForAttempt(float64(retryCount - 1))

	c.mu.Lock()
	if c.gen != gen || c.status != StatusError {
		c.mu.Unlock()
		return
	}
	c.retryTimer = time.AfterFunc(delay, func() { c.autoRetry(gen) })
	c.mu.Unlock()

	log.Debug().
		Str("conn", c.id).
		Dur("backoff", delay).
		Int("retry_count", retryCount).
		Msg("reconnect scheduled")
}

func (c *Connection) autoRetry(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.status != StatusError {
		c.mu.Unlock()
		return
	}
	c.retryTimer = nil
	ev := c.beginAttemptLocked("automatic retry")
	newGen := c.gen
	c.mu.Unlock()

	c.publishStatus(ev)
	if err := c.attempt(newGen); err != nil && !errors.Is(err, ErrConnectionClosed) {
		log.Debug().Err(err).Str("conn", c.id).Msg("automatic reconnect failed")
	}
}

func (c *Connection) readLoop(sock Socket, gen uint64, done chan struct{}) {
	defer close(done)
	for {
		data, err := sock.Read()
		if err != nil {
			c.handleReadError(sock, gen, err)
			return
		}
		c.ingest(len(data))
	}
}

// handleReadError distinguishes an abrupt transport drop from the expected
// read failure during a graceful teardown. Drops move the connection to
// error and start the backoff cycle; observers can tell "we closed it" from
// "it broke" by the resulting transition.
func (c *Connection) handleReadError(sock Socket, gen uint64, cause error) {
	c.mu.Lock()
	if c.gen != gen || c.status != StatusOpen {
		c.mu.Unlock()
		return
	}

	prev := c.status
	c.status = StatusError
	c.connectedAt = time.Time{}
	c.sock = nil
	c.retryCount++
	rc := c.retryCount
	ev := c.statusEventLocked(prev, StatusError, fmt.Sprintf("%v: %v", ErrTransportDropped, cause))
	c.mu.Unlock()

	sock.Close()
	log.Warn().
		Err(cause).
		Str("conn", c.id).
		Msg("feed transport dropped")
	c.publishStatus(ev)

	if rc > c.timings.MaxRetries {
		c.publishDiagnostic(DiagRetryExhausted, ErrRetryBudgetExhausted.Error())
		return
	}
	c.scheduleRetry(gen, rc)
}

// ingest accounts one inbound message. Messages are only valid while open;
// anything arriving in another state is dropped and tracked as an anomaly,
// never merged into the real counters.
func (c *Connection) ingest(size int) {
	now := time.Now()

	c.mu.Lock()
	if c.status != StatusOpen {
		c.dropped++
		n := c.dropped
		c.mu.Unlock()
		if c.dropLog.Allow() {
			log.Warn().
				Str("conn", c.id).
				Uint64("dropped_total", n).
				Msg("message received outside open state, dropped")
			c.publishDiagnostic(DiagDroppedMessage, fmt.Sprintf("%d dropped so far", n))
		}
		return
	}
	c.messagesReceived++
	c.bytesReceived += uint64(size)
	c.lastMessageAt = now
	c.window.add(now)
	c.mu.Unlock()

	c.bus.Publish(events.TopicMessage, MessageEvent{
		ConnectionID: c.id,
		SizeBytes:    size,
		Timestamp:    now,
	})
}

// Disconnect takes the connection down gracefully. From open it passes
// through closing with a bounded teardown; from error it cancels any pending
// backoff retry; from connecting it abandons the in-flight handshake. It
// settles once the connection is closed.
func (c *Connection) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	switch c.status {
	case StatusClosed:
		c.mu.Unlock()
		return nil

	case StatusClosing:
		// Another caller owns the teardown; wait for it to finish so every
		// Disconnect settles only once the connection is closed.
		teardown := c.closingDone
		c.mu.Unlock()
		if teardown != nil {
			select {
			case <-teardown:
			case <-ctx.Done():
			}
		}
		return nil

	case StatusError:
		if c.retryTimer != nil {
			c.retryTimer.Stop()
			c.retryTimer = nil
		}
		ev := c.toClosedLocked("")
		c.mu.Unlock()
		c.publishStatus(ev)
		return nil

	case StatusConnecting:
		cancel := c.cancelDial
		c.cancelDial = nil
		a := c.att
		ev := c.toClosedLocked("")
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		a.settle(ErrConnectionClosed)
		c.publishStatus(ev)
		return nil
	}

	// open -> closing -> closed
	sock := c.sock
	done := c.readDone
	c.sock = nil
	c.connectedAt = time.Time{}
	prev := c.status
	c.status = StatusClosing
	c.closingDone = make(chan struct{})
	ev := c.statusEventLocked(prev, StatusClosing, "")
	c.mu.Unlock()

	c.publishStatus(ev)
	sock.Close()

	cause := ""
	select {
	case <-done:
	case <-time.After(c.timings.TeardownTimeout):
		cause = ErrTeardownTimeout.Error()
	case <-ctx.Done():
		cause = fmt.Sprintf("teardown abandoned: %v", ctx.Err())
	}

	c.mu.Lock()
	teardown := c.closingDone
	c.closingDone = nil
	if c.status != StatusClosing {
		// Removed underneath us while waiting; the hard teardown already
		// reported closed.
		c.mu.Unlock()
		if teardown != nil {
			close(teardown)
		}
		return nil
	}
	ev = c.toClosedLocked(cause)
	c.mu.Unlock()

	if cause != "" {
		log.Warn().Str("conn", c.id).Str("cause", cause).Msg("teardown incomplete, close forced")
		c.publishDiagnostic(DiagForcedClose, cause)
	} else {
		log.Info().Str("conn", c.id).Msg("feed disconnected")
	}
	c.publishStatus(ev)
	if teardown != nil {
		close(teardown)
	}
	return nil
}

// forceClose is the hard teardown used by Pool.Remove: any state straight to
// closed, bypassing the closing grace period.
func (c *Connection) forceClose() {
	c.mu.Lock()
	if c.status == StatusClosed {
		c.mu.Unlock()
		return
	}
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	cancel := c.cancelDial
	c.cancelDial = nil
	a := c.att
	sock := c.sock
	c.sock = nil
	teardown := c.closingDone
	c.closingDone = nil
	ev := c.toClosedLocked("removed")
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if a != nil {
		a.settle(ErrConnectionClosed)
	}
	if sock != nil {
		sock.Close()
	}
	c.publishStatus(ev)
	if teardown != nil {
		close(teardown)
	}
}

// toClosedLocked finalizes a transition to closed. Caller holds c.mu.
func (c *Connection) toClosedLocked(cause string) StatusChanged {
	prev := c.status
	c.status = StatusClosed
	c.connectedAt = time.Time{}
	c.gen++
	return c.statusEventLocked(prev, StatusClosed, cause)
}

// Subscribe adds or replaces a logical feed. The same channel and symbol set
// replaces the stored params without duplicating the entry. While open the
// subscribe frame is sent immediately; otherwise it is queued for replay on
// the next successful open.
func (c *Connection) Subscribe(sub Subscription) error {
	key := sub.key()

	c.mu.Lock()
	replaced := false
	for i := range c.subs {
		if c.subs[i].key() == key {
			c.subs[i] = sub
			replaced = true
			break
		}
	}
	if !replaced {
		c.subs = append(c.subs, sub)
	}
	sock := c.sock
	open := c.status == StatusOpen
	c.mu.Unlock()

	if open && sock != nil {
		if err := sock.WriteJSON(subscribePayload("subscribe", sub)); err != nil {
			return fmt.Errorf("send subscribe: %w", err)
		}
	}
	return nil
}

// Unsubscribe removes the subscription for channel+symbols. Unknown
// subscriptions are a no-op.
func (c *Connection) Unsubscribe(channel string, symbols []string) error {
	target := Subscription{Channel: channel, Symbols: symbols}
	key := target.key()

	c.mu.Lock()
	found := false
	for i := range c.subs {
		if c.subs[i].key() == key {
			c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
			found = true
			break
		}
	}
	sock := c.sock
	open := c.status == StatusOpen
	c.mu.Unlock()

	if !found {
		return nil
	}
	if open && sock != nil {
		if err := sock.WriteJSON(subscribePayload("unsubscribe", target)); err != nil {
			return fmt.Errorf("send unsubscribe: %w", err)
		}
	}
	return nil
}

// Subscriptions returns a copy of the current subscription list in order.
func (c *Connection) Subscriptions() []Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Subscription, len(c.subs))
	copy(out, c.subs)
	return out
}

// ResetCounters explicitly zeroes the message counters. Counters never reset
// on their own, not even across reconnects.
func (c *Connection) ResetCounters() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messagesReceived = 0
	c.bytesReceived = 0
	c.dropped = 0
	c.lastMessageAt = time.Time{}
	c.window.reset()
}

// Snapshot returns a point-in-time copy of the observable state.
func (c *Connection) Snapshot() ConnectionSnapshot {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	snap := ConnectionSnapshot{
		ID:               c.id,
		Name:             c.name,
		Exchange:         c.exchange,
		Status:           c.status,
		MessagesReceived: c.messagesReceived,
		BytesReceived:    c.bytesReceived,
		RetryCount:       c.retryCount,
		DroppedMessages:  c.dropped,
		Subscriptions:    make([]Subscription, len(c.subs)),
	}
	copy(snap.Subscriptions, c.subs)

	if !c.connectedAt.IsZero() {
		t := c.connectedAt
		snap.ConnectedAt = &t
	}
	if !c.lastMessageAt.IsZero() {
		t := c.lastMessageAt
		snap.LastMessageAt = &t
	}
	if c.status == StatusOpen {
		snap.MessageRate = c.window.rate(now)
	}
	return snap
}

func (c *Connection) statusEventLocked(prev, next Status, cause string) StatusChanged {
	return StatusChanged{
		ConnectionID:   c.id,
		PreviousStatus: prev,
		NewStatus:      next,
		Cause:          cause,
		Timestamp:      time.Now(),
	}
}

func (c *Connection) publishStatus(ev StatusChanged) {
	log.Debug().
		Str("conn", ev.ConnectionID).
		Str("from", string(ev.PreviousStatus)).
		Str("to", string(ev.NewStatus)).
		Msg("status transition")
	c.bus.Publish(events.TopicStatusChanged, ev)
}

func (c *Connection) publishDiagnostic(kind, detail string) {
	c.bus.Publish(events.TopicDiagnostic, Diagnostic{
		ConnectionID: c.id,
		Kind:         kind,
		Detail:       detail,
		Timestamp:    time.Now(),
	})
}
