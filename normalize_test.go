package quotaledger_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	ql "github.com/ineyio/quotaledger"
)

func TestNormalizeLedger_NewUser(t *testing.T) {
	n := ql.NormalizeLedger(nil, "alice", t0, ql.DefaultPlans())
	assert.True(t, n.IsNew)
	assert.True(t, n.Dirty())
	assert.Equal(t, "alice", n.Ledger.UID)
	assert.Equal(t, ql.PlanFree, n.Plan)
	assert.Equal(t, "2025-01", n.Ledger.MonthKey)
	assert.Equal(t, "2025-01-15", n.Ledger.DayKey)
	assert.True(t, n.Ledger.CreatedAt.Equal(t0))
	assert.True(t, n.Changed(ql.FieldPlan))
	assert.True(t, n.Changed(ql.FieldCreatedAt))
}

func TestNormalizeLedger_CurrentLedgerUnchanged(t *testing.T) {
	raw := currentLedger("bob", ql.PlanPro)
	raw.UsedSecondsToday = 30
	n := ql.NormalizeLedger(&raw, "bob", t0, ql.DefaultPlans())
	assert.False(t, n.Dirty())
	assert.Equal(t, raw, n.Ledger)
}

func TestNormalizeLedger_DayRolloverKeepsMonth(t *testing.T) {
	raw := currentLedger("carol", ql.PlanFree)
	raw.DayKey = "2025-01-14"
	raw.UsedSecondsToday = 500
	raw.UsedBaseSecondsThisMonth = 900

	n := ql.NormalizeLedger(&raw, "carol", t0, ql.DefaultPlans())
	assert.Equal(t, int64(0), n.Ledger.UsedSecondsToday)
	assert.Equal(t, int64(900), n.Ledger.UsedBaseSecondsThisMonth)
	assert.True(t, n.Changed(ql.FieldDayKey))
	assert.False(t, n.Changed(ql.FieldMonthKey))
	assert.Equal(t, int64(500), raw.UsedSecondsToday, "raw must not be modified")
}

func TestNormalizeLedger_ClampsNegatives(t *testing.T) {
	raw := currentLedger("dave", ql.PlanFree)
	raw.UsedSecondsToday = -5
	raw.UsedBaseSecondsThisMonth = -5
	raw.CreditSeconds = -5
	raw.JobCreateCount = -1

	n := ql.NormalizeLedger(&raw, "dave", t0, ql.DefaultPlans())
	assert.Equal(t, int64(0), n.Ledger.UsedSecondsToday)
	assert.Equal(t, int64(0), n.Ledger.UsedBaseSecondsThisMonth)
	assert.Equal(t, int64(0), n.Ledger.CreditSeconds)
	assert.Equal(t, 0, n.Ledger.JobCreateCount)
	assert.ElementsMatch(t, []string{
		ql.FieldUsedSecondsToday, ql.FieldUsedBaseSeconds, ql.FieldCreditSeconds, ql.FieldJobCreateCount,
	}, n.Changes)
}

func TestNormalizeLedger_OrphanStartTimeCleared(t *testing.T) {
	raw := currentLedger("erin", ql.PlanFree)
	raw.ActiveJobStartedAt = &t0
	n := ql.NormalizeLedger(&raw, "erin", t0, ql.DefaultPlans())
	assert.Nil(t, n.Ledger.ActiveJobStartedAt)
	assert.Equal(t, []string{ql.FieldActiveJobStartedAt}, n.Changes)
}

func TestKeys(t *testing.T) {
	// 23:30 UTC on Jan 31 is already Feb 1 in JST.
	ts := time.Date(2025, 1, 31, 23, 30, 0, 0, time.UTC).In(ql.DefaultLocation)
	assert.Equal(t, "2025-02-01", ql.DayKey(ts))
	assert.Equal(t, "2025-02", ql.MonthKey(ts))
	assert.Equal(t, "2025-02-01T08:30", ql.MinuteKey(ts))

	next := ql.NextMonthStart(time.Date(2025, 12, 20, 0, 0, 0, 0, ql.DefaultLocation))
	assert.True(t, next.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, ql.DefaultLocation)))
}

func TestSnapshot(t *testing.T) {
	plans := ql.DefaultPlans()

	l := currentLedger("frank", ql.PlanFree)
	l.UsedBaseSecondsThisMonth = 2000
	l.CreditSeconds = 300
	l.UsedSecondsToday = 100
	s := ql.Snapshot(l, plans[ql.PlanFree])
	assert.Equal(t, int64(0), s.BaseRemainingSeconds)
	assert.Equal(t, int64(300), s.TotalAvailableSeconds)
	if assert.NotNil(t, s.DailyRemainingSeconds) {
		assert.Equal(t, int64(500), *s.DailyRemainingSeconds)
	}

	pro := ql.Snapshot(currentLedger("gina", ql.PlanPro), plans[ql.PlanPro])
	assert.Equal(t, int64(7200), pro.TotalAvailableSeconds)
	assert.Nil(t, pro.DailyCapSeconds)
	assert.Nil(t, pro.DailyRemainingSeconds)
}

func TestPlans_Normalize(t *testing.T) {
	plans := ql.DefaultPlans()
	assert.Equal(t, ql.PlanPro, plans.Normalize(ql.PlanPro))
	assert.Equal(t, ql.PlanFree, plans.Normalize(""))
	assert.Equal(t, ql.PlanFree, plans.Normalize("team"))
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		code   string
		status int
	}{
		{ql.ErrQuotaExhausted, "no_remaining_minutes", http.StatusPaymentRequired},
		{ql.ErrNoReservableMinutes, "no_reservable_minutes", http.StatusPaymentRequired},
		{ql.ErrDailyLimitReached, "daily_limit_reached", http.StatusTooManyRequests},
		{ql.ErrActiveJobConflict, "active_job_in_progress", http.StatusConflict},
		{ql.ErrNoActiveJob, "no_active_job", http.StatusNotFound},
		{ql.ErrInvalidCredential, "invalid_auth", http.StatusUnauthorized},
		{ql.ErrSignatureInvalid, "invalid_signature", http.StatusBadRequest},
		{errors.New("boom"), "internal", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		wrapped := &ql.LedgerError{Op: "test", UID: "u", Err: tt.err}
		assert.Equal(t, tt.code, ql.Code(wrapped), tt.err.Error())
		assert.Equal(t, tt.status, ql.HTTPStatus(wrapped), tt.err.Error())
	}
	assert.Equal(t, http.StatusOK, ql.HTTPStatus(nil))
}

func TestLedgerError_Message(t *testing.T) {
	err := &ql.LedgerError{Op: "complete_job", UID: "u1", JobID: "j1", Err: ql.ErrForbidden}
	assert.Equal(t, "quotaledger: op=complete_job uid=u1 job=j1: quotaledger: forbidden", err.Error())

	wrapped := fmt.Errorf("handler: %w", err)
	var le *ql.LedgerError
	assert.True(t, errors.As(wrapped, &le))
	assert.Equal(t, "j1", le.JobID)
}
