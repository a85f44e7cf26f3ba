// Package quotaledger meters billable translation seconds. Each user has a
// monthly plan allowance and a purchased ticket balance. The Engine reserves
// time for one running job per user, bills completed jobs against the
// reservation, and credits ticket purchases exactly once. All state changes
// go through a transactional Store.
package quotaledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxAttempts is the number of times a conflicting transaction is
// re-run before the engine gives up with ErrTransactionExhausted.
const DefaultMaxAttempts = 10

const defaultRetryBackoff = 5 * time.Millisecond

// DefaultLocation is the canonical zone used for day, month and minute keys.
var DefaultLocation = time.FixedZone("JST", 9*60*60)

// Engine runs the ledger transactions against a Store.
type Engine struct {
	store       Store
	meter       Meter
	logger      *slog.Logger
	plans       Plans
	loc         *time.Location
	clock       func() time.Time
	maxAttempts int
	backoff     time.Duration
	newID       func() string
	titles      TitleGenerator
}

// Option configures an Engine.
type Option func(*Engine)

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(e *Engine) { e.meter = m }
}

// WithLogger sets the logger used for operational messages.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithPlans replaces the plan table. The table is copied.
func WithPlans(p Plans) Option {
	return func(e *Engine) { e.plans = p.Clone() }
}

// WithLocation sets the canonical time zone.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) { e.loc = loc }
}

// WithClock sets the time source used when a request carries no timestamp.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.clock = now }
}

// WithMaxAttempts sets how many times a conflicting transaction is re-run.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) { e.maxAttempts = n }
}

// WithRetryBackoff sets the base delay between transaction attempts. The
// n-th retry waits n times this value.
func WithRetryBackoff(d time.Duration) Option {
	return func(e *Engine) { e.backoff = d }
}

// WithIDGenerator sets the job id generator.
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) { e.newID = gen }
}

// WithTitleGenerator sets the generator used by FinishTitle.
func WithTitleGenerator(g TitleGenerator) Option {
	return func(e *Engine) { e.titles = g }
}

// NewEngine creates an Engine on top of store.
// Default components (DefaultPlans, NoopMeter, slog.Default, JST) are used
// unless overridden via options.
func NewEngine(store Store, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("quotaledger: store is required")
	}

	e := &Engine{store: store}
	for _, opt := range opts {
		opt(e)
	}

	// Apply defaults after options.
	if e.meter == nil {
		e.meter = &noopMeter{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if len(e.plans) == 0 {
		e.plans = DefaultPlans()
	}
	if _, ok := e.plans[PlanFree]; !ok {
		return nil, fmt.Errorf("quotaledger: plan %q must be configured", PlanFree)
	}
	if e.loc == nil {
		e.loc = DefaultLocation
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	if e.maxAttempts <= 0 {
		e.maxAttempts = DefaultMaxAttempts
	}
	if e.backoff <= 0 {
		e.backoff = defaultRetryBackoff
	}
	if e.newID == nil {
		e.newID = NewJobID
	}
	if e.titles == nil {
		e.titles = noopTitleGenerator{}
	}

	return e, nil
}

// Plans returns a copy of the engine's plan table.
func (e *Engine) Plans() Plans { return e.plans.Clone() }

// Location returns the canonical time zone.
func (e *Engine) Location() *time.Location { return e.loc }

// NewJobID returns a random 32-character hex job id.
func NewJobID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// at converts t to the canonical zone, using the clock when t is zero.
func (e *Engine) at(t time.Time) time.Time {
	if t.IsZero() {
		t = e.clock()
	}
	return t.In(e.loc)
}

// runTx runs fn through the store, re-running it on ErrTxConflict. It
// returns the number of attempts made.
func (e *Engine) runTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) (int, error) {
	for attempt := 1; ; attempt++ {
		err := e.store.RunTx(ctx, fn)
		if !errors.Is(err, ErrTxConflict) {
			return attempt, err
		}
		if attempt >= e.maxAttempts {
			return attempt, ErrTransactionExhausted
		}

		timer := time.NewTimer(time.Duration(attempt) * e.backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C:
		}
	}
}

// putLedger stamps and writes l.
func putLedger(ctx context.Context, tx Tx, l UserLedger, now time.Time) error {
	l.UpdatedAt = now
	return tx.PutUser(ctx, l)
}

// noopMeter is a meter that does nothing.
type noopMeter struct{}

func (noopMeter) OnReserve(ReserveEvent) {}
func (noopMeter) OnSettle(SettleEvent)   {}
func (noopMeter) OnCredit(CreditEvent)   {}
func (noopMeter) OnAnomaly(AnomalyEvent) {}
func (noopMeter) OnSweep(SweepEvent)     {}
