package quotaledger_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	ql "github.com/ineyio/quotaledger"
	"github.com/ineyio/quotaledger/store/memory"
)

// t0 is 2025-01-15 10:30 in the canonical zone.
var t0 = time.Date(2025, 1, 15, 10, 30, 0, 0, ql.DefaultLocation)

func newTestEngine(t *testing.T, st ql.Store, opts ...ql.Option) *ql.Engine {
	t.Helper()
	opts = append([]ql.Option{
		ql.WithClock(func() time.Time { return t0 }),
		ql.WithRetryBackoff(time.Microsecond),
	}, opts...)
	e, err := ql.NewEngine(st, opts...)
	require.NoError(t, err)
	return e
}

func runTx(t *testing.T, st ql.Store, fn func(ctx context.Context, tx ql.Tx) error) {
	t.Helper()
	require.NoError(t, st.RunTx(context.Background(), fn))
}

func putUser(t *testing.T, st ql.Store, l ql.UserLedger) {
	t.Helper()
	runTx(t, st, func(ctx context.Context, tx ql.Tx) error { return tx.PutUser(ctx, l) })
}

func putJob(t *testing.T, st ql.Store, j ql.Job) {
	t.Helper()
	runTx(t, st, func(ctx context.Context, tx ql.Tx) error { return tx.PutJob(ctx, j) })
}

func getUser(t *testing.T, st ql.Store, uid string) *ql.UserLedger {
	t.Helper()
	var l *ql.UserLedger
	runTx(t, st, func(ctx context.Context, tx ql.Tx) error {
		var err error
		l, err = tx.User(ctx, uid)
		return err
	})
	return l
}

func getJob(t *testing.T, st ql.Store, id string) *ql.Job {
	t.Helper()
	var j *ql.Job
	runTx(t, st, func(ctx context.Context, tx ql.Tx) error {
		var err error
		j, err = tx.Job(ctx, id)
		return err
	})
	return j
}

// currentLedger returns a ledger whose day and month keys match t0.
func currentLedger(uid string, plan ql.Plan) ql.UserLedger {
	return ql.UserLedger{
		UID:       uid,
		Plan:      plan,
		MonthKey:  "2025-01",
		DayKey:    "2025-01-15",
		CreatedAt: t0.Add(-24 * time.Hour),
	}
}

// recordingMeter keeps every event it receives.
type recordingMeter struct {
	mu        sync.Mutex
	reserves  []ql.ReserveEvent
	settles   []ql.SettleEvent
	credits   []ql.CreditEvent
	anomalies []ql.AnomalyEvent
	sweeps    []ql.SweepEvent
}

func (m *recordingMeter) OnReserve(e ql.ReserveEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reserves = append(m.reserves, e)
}

func (m *recordingMeter) OnSettle(e ql.SettleEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settles = append(m.settles, e)
}

func (m *recordingMeter) OnCredit(e ql.CreditEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credits = append(m.credits, e)
}

func (m *recordingMeter) OnAnomaly(e ql.AnomalyEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.anomalies = append(m.anomalies, e)
}

func (m *recordingMeter) OnSweep(e ql.SweepEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweeps = append(m.sweeps, e)
}

var errStoreDown = errors.New("store down")

// flakyStore fails RunTx while down is set.
type flakyStore struct {
	*memory.Store
	down atomic.Bool
}

func (s *flakyStore) RunTx(ctx context.Context, fn func(ctx context.Context, tx ql.Tx) error) error {
	if s.down.Load() {
		return errStoreDown
	}
	return s.Store.RunTx(ctx, fn)
}

// conflictStore reports a conflict on every transaction.
type conflictStore struct {
	*memory.Store
	calls atomic.Int32
}

func (s *conflictStore) RunTx(context.Context, func(ctx context.Context, tx ql.Tx) error) error {
	s.calls.Add(1)
	return ql.ErrTxConflict
}

// stickyStore makes one job look like the user's running active job on
// every read, whatever was written.
type stickyStore struct {
	*memory.Store
	jobID     string
	startedAt time.Time
}

func (s *stickyStore) RunTx(ctx context.Context, fn func(ctx context.Context, tx ql.Tx) error) error {
	return s.Store.RunTx(ctx, func(ctx context.Context, tx ql.Tx) error {
		return fn(ctx, &stickyTx{Tx: tx, s: s})
	})
}

type stickyTx struct {
	ql.Tx
	s *stickyStore
}

func (t *stickyTx) User(ctx context.Context, uid string) (*ql.UserLedger, error) {
	l, err := t.Tx.User(ctx, uid)
	if err != nil || l == nil {
		return l, err
	}
	started := t.s.startedAt
	l.ActiveJobID = t.s.jobID
	l.ActiveJobStartedAt = &started
	return l, nil
}

func (t *stickyTx) Job(ctx context.Context, id string) (*ql.Job, error) {
	j, err := t.Tx.Job(ctx, id)
	if err != nil || j == nil || id != t.s.jobID {
		return j, err
	}
	j.Status = ql.JobRunning
	j.CompletedAt = nil
	return j, nil
}

// memBlobs records deleted paths and fails for paths in fail.
type memBlobs struct {
	mu      sync.Mutex
	deleted []string
	fail    map[string]bool
}

func (b *memBlobs) DeleteBlob(_ context.Context, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail[path] {
		return errors.New("blob backend unavailable")
	}
	b.deleted = append(b.deleted, path)
	return nil
}
