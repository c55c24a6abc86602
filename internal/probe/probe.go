// Package probe polls exchange status endpoints over REST and reports
// reachability alongside the WebSocket health picture.
package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"feedpool/internal/events"
)

// Target is one HTTP endpoint to poll.
type Target struct {
	Name string
	URL  string
}

// Result is published on the probe topic after each poll.
type Result struct {
	Name       string        `json:"name"`
	URL        string        `json:"url"`
	Reachable  bool          `json:"reachable"`
	StatusCode int           `json:"statusCode,omitempty"`
	Latency    time.Duration `json:"latency"`
	Error      string        `json:"error,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Prober polls a fixed set of targets on an interval.
type Prober struct {
	rest     *resty.Client
	bus      *events.Bus
	targets  []Target
	interval time.Duration
}

// New creates a prober. timeout <= 0 falls back to 5s, interval <= 0 to 30s.
func New(bus *events.Bus, targets []Target, interval, timeout time.Duration) *Prober {
	r := resty.New()
	if timeout > 0 {
		r.SetTimeout(timeout)
	} else {
		r.SetTimeout(5 * time.Second) // default fallback
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Prober{rest: r, bus: bus, targets: targets, interval: interval}
}

// Run polls all targets on the interval until ctx is done. Blocks; run it on
// its own goroutine.
func (p *Prober) Run(ctx context.Context) {
	if len(p.targets) == 0 {
		return
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.pollAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollAll(ctx)
		}
	}
}

func (p *Prober) pollAll(ctx context.Context) {
	for _, tgt := range p.targets {
		res := p.poll(ctx, tgt)
		if !res.Reachable {
			log.Warn().Str("target", tgt.Name).Str("url", tgt.URL).Str("error", res.Error).Msg("status probe failed")
		}
		p.bus.Publish(events.TopicProbe, res)
	}
}

func (p *Prober) poll(ctx context.Context, tgt Target) Result {
	start := time.Now()
	resp, err := p.rest.R().SetContext(ctx).Get(tgt.URL)

	res := Result{
		Name:      tgt.Name,
		URL:       tgt.URL,
		Latency:   time.Since(start),
		Timestamp: time.Now(),
	}
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.StatusCode = resp.StatusCode()
	if resp.IsError() {
		res.Error = fmt.Sprintf("status %d", resp.StatusCode())
		return res
	}
	res.Reachable = true
	return res
}
