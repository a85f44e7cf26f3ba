package quotaledger

import (
	"context"
	"fmt"
	"time"
)

// Usage returns the user's current quota view. Day and month rollovers
// found on the way are persisted.
func (e *Engine) Usage(ctx context.Context, uid string, now time.Time) (AccountSnapshot, error) {
	if uid == "" {
		return AccountSnapshot{}, &LedgerError{Op: "usage", Err: ErrUnauthorized}
	}
	now = e.at(now)

	var n Normalized
	_, err := e.runTx(ctx, func(ctx context.Context, tx Tx) error {
		raw, err := tx.User(ctx, uid)
		if err != nil {
			return err
		}
		n = NormalizeLedger(raw, uid, now, e.plans)
		if !n.Dirty() {
			return nil
		}
		return putLedger(ctx, tx, n.Ledger, now)
	})
	if err != nil {
		return AccountSnapshot{}, &LedgerError{Op: "usage", UID: uid, Err: err}
	}

	return accountSnapshot(n, now), nil
}

func accountSnapshot(n Normalized, now time.Time) AccountSnapshot {
	snap := Snapshot(n.Ledger, n.Config)
	acct := AccountSnapshot{
		UID:          n.Ledger.UID,
		Plan:         n.Plan,
		Config:       n.Config.Clone(),
		Snapshot:     snap,
		MonthKey:     n.Ledger.MonthKey,
		DayKey:       n.Ledger.DayKey,
		NextResetAt:  NextMonthStart(now),
		HasActiveJob: n.Ledger.ActiveJobID != "",
	}
	switch {
	case snap.TotalAvailableSeconds <= 0:
		acct.BlockedReason = BlockedMonthlyQuotaExhausted
	case snap.DailyRemainingSeconds != nil && *snap.DailyRemainingSeconds <= 0:
		acct.BlockedReason = BlockedDailyLimitReached
	}
	return acct
}

// SetPlan moves a user to another configured plan. Counters, credit and the
// active job are kept; a running job keeps the reservation it started with
// and is billed against the new plan's ledger on completion.
func (e *Engine) SetPlan(ctx context.Context, ch PlanChange) (PlanChangeResult, error) {
	if ch.UID == "" {
		return PlanChangeResult{}, &LedgerError{Op: "set_plan", Err: ErrUnauthorized}
	}
	if _, ok := e.plans[ch.Plan]; !ok {
		return PlanChangeResult{}, &LedgerError{Op: "set_plan", UID: ch.UID, Err: fmt.Errorf("%w: %q", ErrUnknownPlan, ch.Plan)}
	}
	now := e.at(ch.Now)

	var (
		res PlanChangeResult
		n   Normalized
	)
	_, err := e.runTx(ctx, func(ctx context.Context, tx Tx) error {
		raw, err := tx.User(ctx, ch.UID)
		if err != nil {
			return err
		}
		n = NormalizeLedger(raw, ch.UID, now, e.plans)
		res = PlanChangeResult{UID: ch.UID, Previous: n.Plan, Plan: ch.Plan, Changed: n.Plan != ch.Plan}
		if res.Changed {
			n.Ledger.Plan = ch.Plan
			n.Plan, n.Config = e.plans.Resolve(ch.Plan)
			n.Changes = append(n.Changes, FieldPlan)
		}
		if !n.Dirty() {
			return nil
		}
		return putLedger(ctx, tx, n.Ledger, now)
	})
	if err != nil {
		return PlanChangeResult{}, &LedgerError{Op: "set_plan", UID: ch.UID, Err: err}
	}

	if res.Changed {
		e.logger.Info("plan changed", "uid", ch.UID, "from", res.Previous, "to", res.Plan,
			"subscription_status", ch.SubscriptionStatus, "customer", ch.CustomerID)
	}
	res.Account = accountSnapshot(n, now)
	return res, nil
}

// ActiveJob returns the user's running job. A pointer to a missing,
// foreign or finished job is cleared and reported as ErrNoActiveJob.
func (e *Engine) ActiveJob(ctx context.Context, uid string, now time.Time) (Reservation, error) {
	if uid == "" {
		return Reservation{}, &LedgerError{Op: "active_job", Err: ErrUnauthorized}
	}
	now = e.at(now)

	var (
		res   Reservation
		stale bool
	)
	_, err := e.runTx(ctx, func(ctx context.Context, tx Tx) error {
		stale = false
		raw, err := tx.User(ctx, uid)
		if err != nil {
			return err
		}
		n := NormalizeLedger(raw, uid, now, e.plans)
		l := n.Ledger
		if l.ActiveJobID == "" {
			return ErrNoActiveJob
		}

		job, err := tx.Job(ctx, l.ActiveJobID)
		if err != nil {
			return err
		}
		if job == nil || job.UID != uid || job.Status.Terminal() {
			l.ActiveJobID = ""
			l.ActiveJobStartedAt = nil
			stale = true
			return putLedger(ctx, tx, l, now)
		}

		if n.Dirty() {
			if err := putLedger(ctx, tx, l, now); err != nil {
				return err
			}
		}
		res = reusedReservation(*job, l, Snapshot(l, n.Config))
		res.Reused = false
		return nil
	})
	if err == nil && stale {
		err = ErrNoActiveJob
	}
	if err != nil {
		return Reservation{}, &LedgerError{Op: "active_job", UID: uid, Err: err}
	}
	return res, nil
}
