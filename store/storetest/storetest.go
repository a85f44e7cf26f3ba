// Package storetest checks that a quotaledger.Store honours the
// transaction contract the engine relies on.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/quotaledger"
)

var base = time.Date(2025, 1, 15, 10, 30, 0, 0, quotaledger.DefaultLocation)

type options struct {
	nestedTx bool
}

// Option adjusts the suite to a backend.
type Option func(*options)

// WithoutNestedTx skips the check that runs a second transaction inside the
// first. Backends that lock rows on read would wait on themselves.
func WithoutNestedTx() Option {
	return func(o *options) { o.nestedTx = false }
}

// Run runs the conformance suite. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) quotaledger.Store, opts ...Option) {
	o := options{nestedTx: true}
	for _, opt := range opts {
		opt(&o)
	}

	t.Run("MissingRecordsAreNil", func(t *testing.T) { testMissing(t, newStore(t)) })
	t.Run("CommitAndReadBack", func(t *testing.T) { testCommit(t, newStore(t)) })
	t.Run("ReadYourWrites", func(t *testing.T) { testReadYourWrites(t, newStore(t)) })
	t.Run("ErrorAbortsWrites", func(t *testing.T) { testAbort(t, newStore(t)) })
	if o.nestedTx {
		t.Run("ConflictDetected", func(t *testing.T) { testConflict(t, newStore(t)) })
	}
	t.Run("ExpiredJobs", func(t *testing.T) { testExpired(t, newStore(t)) })
	t.Run("EngineExclusivity", func(t *testing.T) { testEngine(t, newStore(t)) })
}

func ledger(uid string) quotaledger.UserLedger {
	return quotaledger.UserLedger{
		UID:       uid,
		Plan:      quotaledger.PlanFree,
		MonthKey:  "2025-01",
		DayKey:    "2025-01-15",
		CreatedAt: base,
		UpdatedAt: base,
	}
}

func testMissing(t *testing.T, st quotaledger.Store) {
	err := st.RunTx(context.Background(), func(ctx context.Context, tx quotaledger.Tx) error {
		u, err := tx.User(ctx, "nobody")
		require.NoError(t, err)
		assert.Nil(t, u)

		j, err := tx.Job(ctx, "nothing")
		require.NoError(t, err)
		assert.Nil(t, j)

		p, err := tx.Purchase(ctx, "nobody", "evt")
		require.NoError(t, err)
		assert.Nil(t, p)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, st.DeleteJob(context.Background(), "nothing"))
}

func testCommit(t *testing.T, st quotaledger.Store) {
	ctx := context.Background()
	l := ledger("alice")
	l.CreditSeconds = 7200
	started := base
	l.ActiveJobID = "job-1"
	l.ActiveJobStartedAt = &started

	job := quotaledger.Job{
		ID:              "job-1",
		UID:             "alice",
		Status:          quotaledger.JobRunning,
		ReservedSeconds: 600,
		StartedAt:       &started,
		CreatedAt:       base,
		DeleteAt:        base.AddDate(0, 0, 7),
		Title:           "会議",
	}
	entry := quotaledger.PurchaseLedgerEntry{
		UID:             "alice",
		ExternalEventID: "evt_1",
		DeltaSeconds:    7200,
		BalanceAfter:    7200,
		Source:          "manual",
		CreatedAt:       base,
	}

	require.NoError(t, st.RunTx(ctx, func(ctx context.Context, tx quotaledger.Tx) error {
		if err := tx.PutUser(ctx, l); err != nil {
			return err
		}
		if err := tx.PutJob(ctx, job); err != nil {
			return err
		}
		return tx.PutPurchase(ctx, entry)
	}))

	require.NoError(t, st.RunTx(ctx, func(ctx context.Context, tx quotaledger.Tx) error {
		u, err := tx.User(ctx, "alice")
		require.NoError(t, err)
		require.NotNil(t, u)
		assert.Equal(t, int64(7200), u.CreditSeconds)
		assert.Equal(t, "job-1", u.ActiveJobID)
		require.NotNil(t, u.ActiveJobStartedAt)
		assert.True(t, u.ActiveJobStartedAt.Equal(base))

		j, err := tx.Job(ctx, "job-1")
		require.NoError(t, err)
		require.NotNil(t, j)
		assert.Equal(t, quotaledger.JobRunning, j.Status)
		assert.Equal(t, "会議", j.Title)
		assert.True(t, j.DeleteAt.Equal(job.DeleteAt))

		p, err := tx.Purchase(ctx, "alice", "evt_1")
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.Equal(t, int64(7200), p.DeltaSeconds)
		return nil
	}))
}

func testReadYourWrites(t *testing.T, st quotaledger.Store) {
	require.NoError(t, st.RunTx(context.Background(), func(ctx context.Context, tx quotaledger.Tx) error {
		l := ledger("bob")
		l.UsedSecondsToday = 42
		require.NoError(t, tx.PutUser(ctx, l))

		u, err := tx.User(ctx, "bob")
		require.NoError(t, err)
		require.NotNil(t, u)
		assert.Equal(t, int64(42), u.UsedSecondsToday)
		return nil
	}))
}

func testAbort(t *testing.T, st quotaledger.Store) {
	ctx := context.Background()
	boom := fmt.Errorf("boom")
	err := st.RunTx(ctx, func(ctx context.Context, tx quotaledger.Tx) error {
		require.NoError(t, tx.PutUser(ctx, ledger("carol")))
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, st.RunTx(ctx, func(ctx context.Context, tx quotaledger.Tx) error {
		u, err := tx.User(ctx, "carol")
		require.NoError(t, err)
		assert.Nil(t, u)
		return nil
	}))
}

func testConflict(t *testing.T, st quotaledger.Store) {
	ctx := context.Background()
	require.NoError(t, st.RunTx(ctx, func(ctx context.Context, tx quotaledger.Tx) error {
		return tx.PutUser(ctx, ledger("dave"))
	}))

	err := st.RunTx(ctx, func(ctx context.Context, tx quotaledger.Tx) error {
		u, err := tx.User(ctx, "dave")
		if err != nil {
			return err
		}

		// A concurrent writer commits between our read and our commit.
		require.NoError(t, st.RunTx(ctx, func(ctx context.Context, other quotaledger.Tx) error {
			l := ledger("dave")
			l.CreditSeconds = 1
			return other.PutUser(ctx, l)
		}))

		u.CreditSeconds = 999
		return tx.PutUser(ctx, *u)
	})
	require.ErrorIs(t, err, quotaledger.ErrTxConflict)

	require.NoError(t, st.RunTx(ctx, func(ctx context.Context, tx quotaledger.Tx) error {
		u, err := tx.User(ctx, "dave")
		require.NoError(t, err)
		assert.Equal(t, int64(1), u.CreditSeconds)
		return nil
	}))
}

func testExpired(t *testing.T, st quotaledger.Store) {
	ctx := context.Background()
	jobs := []quotaledger.Job{
		{ID: "a", UID: "erin", Status: quotaledger.JobCompleted, DeleteAt: base.Add(-2 * time.Hour)},
		{ID: "b", UID: "erin", Status: quotaledger.JobCompleted, DeleteAt: base.Add(-time.Hour)},
		{ID: "c", UID: "erin", Status: quotaledger.JobCompleted, DeleteAt: base},
		{ID: "d", UID: "erin", Status: quotaledger.JobCompleted, DeleteAt: base.Add(time.Hour)},
	}
	require.NoError(t, st.RunTx(ctx, func(ctx context.Context, tx quotaledger.Tx) error {
		for _, j := range jobs {
			if err := tx.PutJob(ctx, j); err != nil {
				return err
			}
		}
		return nil
	}))

	got, err := st.ExpiredJobs(ctx, base, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids(got))

	got, err = st.ExpiredJobs(ctx, base, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(got))

	require.NoError(t, st.DeleteJob(ctx, "a"))
	got, err = st.ExpiredJobs(ctx, base, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, ids(got))

	// Moving DeleteAt forward takes the job out of the window.
	require.NoError(t, st.RunTx(ctx, func(ctx context.Context, tx quotaledger.Tx) error {
		j := jobs[1]
		j.DeleteAt = base.AddDate(0, 0, 30)
		return tx.PutJob(ctx, j)
	}))
	got, err = st.ExpiredJobs(ctx, base, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, ids(got))
}

func ids(jobs []quotaledger.Job) []string {
	out := make([]string, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.ID)
	}
	return out
}

func testEngine(t *testing.T, st quotaledger.Store) {
	e, err := quotaledger.NewEngine(st,
		quotaledger.WithMaxAttempts(200),
		quotaledger.WithRetryBackoff(time.Millisecond),
	)
	require.NoError(t, err)
	ctx := context.Background()

	const n = 8
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		got = map[string]int{}
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.CreateJob(ctx, quotaledger.CreateJobRequest{UID: "frank", Now: base})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			got[res.JobID]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Len(t, got, 1)

	var jobID string
	for id := range got {
		jobID = id
	}
	s, err := e.CompleteJob(ctx, quotaledger.CompleteJobRequest{UID: "frank", JobID: jobID, Now: base.Add(90 * time.Second)})
	require.NoError(t, err)
	assert.Equal(t, int64(90), s.BilledSeconds)

	acct, err := e.Usage(ctx, "frank", base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1710), acct.Snapshot.TotalAvailableSeconds)
	assert.False(t, acct.HasActiveJob)
}
