// Package breaker wraps a TitleGenerator in a circuit breaker so a failing
// title backend is skipped for a while instead of delaying every
// settlement. While open, titles fail immediately and callers fall back to
// the dated title.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ineyio/quotaledger"
)

const (
	defaultThreshold = 3
	defaultWindow    = 5 * time.Minute
	defaultCooldown  = 30 * time.Second
)

// ErrOpen is returned while the breaker rejects calls.
var ErrOpen = errors.New("quotaledger/breaker: title generator unavailable")

// State is the breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	}
	return "closed"
}

// Generator is a quotaledger.TitleGenerator guarded by a circuit breaker.
type Generator struct {
	next      quotaledger.TitleGenerator
	threshold int
	window    time.Duration
	cooldown  time.Duration
	now       func() time.Time

	mu           sync.Mutex
	state        State
	failures     []time.Time // sliding window of failure timestamps
	openedAt     time.Time
	trialRunning bool // a half-open trial call is in flight
}

var _ quotaledger.TitleGenerator = (*Generator)(nil)

// Option configures a Generator.
type Option func(*Generator)

// WithThreshold sets how many failures within the window open the breaker.
func WithThreshold(n int) Option {
	return func(g *Generator) { g.threshold = n }
}

// WithWindow sets the failure counting window.
func WithWindow(d time.Duration) Option {
	return func(g *Generator) { g.window = d }
}

// WithCooldown sets how long the breaker stays open before a trial call.
func WithCooldown(d time.Duration) Option {
	return func(g *Generator) { g.cooldown = d }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// New wraps next.
func New(next quotaledger.TitleGenerator, opts ...Option) *Generator {
	g := &Generator{
		next:      next,
		threshold: defaultThreshold,
		window:    defaultWindow,
		cooldown:  defaultCooldown,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// State returns the current state, moving an expired open breaker to
// half-open.
func (g *Generator) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stateLocked()
}

func (g *Generator) stateLocked() State {
	if g.state == Open && g.now().Sub(g.openedAt) >= g.cooldown {
		g.state = HalfOpen
	}
	return g.state
}

// GenerateTitle calls the wrapped generator unless the breaker is open.
// Only errors count as failures: a failed result without an error means
// the backend answered but had nothing to title. A caller's own
// cancellation is not counted. In half-open state one trial call runs and
// the others are rejected until it finishes.
func (g *Generator) GenerateTitle(ctx context.Context, in quotaledger.TitleInput) (quotaledger.TitleResult, error) {
	g.mu.Lock()
	state := g.stateLocked()
	if state == Open || (state == HalfOpen && g.trialRunning) {
		g.mu.Unlock()
		return quotaledger.TitleResult{Status: quotaledger.TitleFailed, Source: in.Source()}, ErrOpen
	}
	trial := state == HalfOpen
	if trial {
		g.trialRunning = true
	}
	g.mu.Unlock()

	res, err := g.next.GenerateTitle(ctx, in)
	switch {
	case err != nil && ctx.Err() != nil:
		if trial {
			g.mu.Lock()
			g.trialRunning = false
			g.mu.Unlock()
		}
	case err != nil:
		g.recordFailure()
	default:
		g.recordSuccess()
	}
	return res, err
}

func (g *Generator) recordSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = Closed
	g.trialRunning = false
	g.failures = g.failures[:0]
}

func (g *Generator) recordFailure() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if g.stateLocked() == HalfOpen {
		g.state = Open
		g.openedAt = now
		g.trialRunning = false
		return
	}

	// Prune old failures outside the window.
	cutoff := now.Add(-g.window)
	valid := g.failures[:0]
	for _, t := range g.failures {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	g.failures = append(valid, now)

	if len(g.failures) >= g.threshold {
		g.state = Open
		g.openedAt = now
		g.failures = g.failures[:0]
	}
}
