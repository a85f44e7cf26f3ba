package quotaledger

import (
	"context"
	"time"
)

// sessionGrace is added to a plan's max session length before an active
// job stops blocking new reservations.
const sessionGrace = 120 * time.Second

// CreateJobRequest asks for a new reservation.
type CreateJobRequest struct {
	UID   string
	JobID string    // generated when empty
	Now   time.Time // engine clock when zero

	// ForceTakeover settles a live active job and reserves a new one in
	// its place.
	ForceTakeover bool
}

// reserveOutcome carries side results of a reservation attempt.
type reserveOutcome struct {
	res      Reservation
	takeover *Settlement
	anomaly  *AnomalyEvent
}

// CreateJob reserves session time for a new job. At most one job per user
// is running at any time.
func (e *Engine) CreateJob(ctx context.Context, req CreateJobRequest) (Reservation, error) {
	if req.UID == "" {
		return Reservation{}, &LedgerError{Op: "create_job", Err: ErrUnauthorized}
	}
	now := e.at(req.Now)
	jobID := req.JobID
	if jobID == "" {
		jobID = e.newID()
	}

	var out reserveOutcome
	attempts, err := e.runTx(ctx, func(ctx context.Context, tx Tx) error {
		out = reserveOutcome{}
		return e.reserveInTx(ctx, tx, req.UID, jobID, now, req.ForceTakeover, false, &out)
	})
	if err != nil {
		return Reservation{}, &LedgerError{Op: "create_job", UID: req.UID, JobID: jobID, Err: err}
	}

	if out.anomaly != nil {
		e.meter.OnAnomaly(*out.anomaly)
	}
	ev := ReserveEvent{
		UID:                   req.UID,
		JobID:                 out.res.JobID,
		Plan:                  out.res.Plan,
		ReservedSeconds:       out.res.ReservedSeconds,
		ReservedBaseSeconds:   out.res.ReservedBaseSeconds,
		ReservedTicketSeconds: out.res.ReservedTicketSeconds,
		Reused:                out.res.Reused,
		Attempts:              attempts,
	}
	if s := out.takeover; s != nil {
		ev.TookOver = s.JobID
		e.meter.OnSettle(settleEvent(*s, true))
	}
	e.meter.OnReserve(ev)

	return out.res, nil
}

// reserveInTx is one pass of the reservation state machine. A blocking
// active job with force set is settled and the pass re-runs once with
// takeoverUsed; a second blocking job on that pass is a conflict.
func (e *Engine) reserveInTx(ctx context.Context, tx Tx, uid, jobID string, now time.Time, force, takeoverUsed bool, out *reserveOutcome) error {
	raw, err := tx.User(ctx, uid)
	if err != nil {
		return err
	}
	n := NormalizeLedger(raw, uid, now, e.plans)
	l, cfg := n.Ledger, n.Config
	snap := Snapshot(l, cfg)

	if snap.TotalAvailableSeconds <= 0 {
		return ErrQuotaExhausted
	}
	if snap.DailyRemainingSeconds != nil && *snap.DailyRemainingSeconds <= 0 {
		return ErrDailyLimitReached
	}

	minuteKey := MinuteKey(now)
	createCount := l.JobCreateCount
	if l.JobCreateMinuteKey != minuteKey {
		createCount = 0
	}
	if cfg.CreateRateLimitPerMin > 0 && createCount >= cfg.CreateRateLimitPerMin {
		return ErrRateLimited
	}

	if l.ActiveJobID != "" {
		if activeJobBlocks(l, cfg, now) {
			active, err := tx.Job(ctx, l.ActiveJobID)
			if err != nil {
				return err
			}
			if active != nil && active.UID == uid && active.Status == JobRunning {
				switch {
				case force && takeoverUsed:
					return ErrActiveJobConflict
				case force:
					s, anomaly, err := e.settleInTx(ctx, tx, active.ID, uid, nil, now, false)
					if err != nil {
						return err
					}
					out.takeover, out.anomaly = &s, anomaly
					return e.reserveInTx(ctx, tx, uid, jobID, now, force, true, out)
				default:
					if n.Dirty() {
						if err := putLedger(ctx, tx, l, now); err != nil {
							return err
						}
					}
					out.res = reusedReservation(*active, l, snap)
					return nil
				}
			}
		}

		// Stale pointer: the job is gone, finished, foreign or past its
		// grace window.
		l.ActiveJobID = ""
		l.ActiveJobStartedAt = nil
	}

	existing, err := tx.Job(ctx, jobID)
	if err != nil {
		return err
	}
	if existing != nil {
		return ErrJobIDConflict
	}

	reserved := min(snap.TotalAvailableSeconds, cfg.MaxSessionSeconds)
	if snap.DailyRemainingSeconds != nil {
		reserved = min(reserved, *snap.DailyRemainingSeconds)
	}
	if reserved <= 0 {
		return ErrNoReservableMinutes
	}
	reservedBase := min(snap.BaseRemainingSeconds, reserved)
	reservedTicket := reserved - reservedBase

	startedAt := now
	l.JobCreateMinuteKey = minuteKey
	l.JobCreateCount = createCount + 1
	l.ActiveJobID = jobID
	l.ActiveJobStartedAt = &startedAt
	if err := putLedger(ctx, tx, l, now); err != nil {
		return err
	}

	job := Job{
		ID:                           jobID,
		UID:                          uid,
		Status:                       JobRunning,
		PlanAtStart:                  n.Plan,
		ReservedSeconds:              reserved,
		ReservedBaseSeconds:          reservedBase,
		ReservedTicketSeconds:        reservedTicket,
		ReservedDailyLimitSeconds:    cloneInt64(cfg.DailyCapSeconds),
		TotalAvailableSecondsAtStart: snap.TotalAvailableSeconds,
		BaseRemainingSecondsAtStart:  snap.BaseRemainingSeconds,
		CreditSecondsAtStart:         snap.CreditSeconds,
		DailyRemainingSecondsAtStart: snap.DailyRemainingSeconds,
		MonthKey:                     l.MonthKey,
		DayKey:                       l.DayKey,
		MaxSessionSeconds:            cfg.MaxSessionSeconds,
		RetentionDays:                cfg.RetentionDays,
		DeleteAt:                     now.AddDate(0, 0, cfg.RetentionDays),
		StartedAt:                    &startedAt,
		CreatedAt:                    now,
		UpdatedAt:                    now,
	}
	if err := tx.PutJob(ctx, job); err != nil {
		return err
	}

	out.res = Reservation{
		JobID:                 jobID,
		Status:                JobRunning,
		Plan:                  n.Plan,
		ReservedSeconds:       reserved,
		ReservedBaseSeconds:   reservedBase,
		ReservedTicketSeconds: reservedTicket,
		BaseRemainingSeconds:  snap.BaseRemainingSeconds,
		CreditSeconds:         snap.CreditSeconds,
		TotalAvailableSeconds: snap.TotalAvailableSeconds,
		MonthlyAllowance:      snap.MonthlyAllowanceSeconds,
		DailyCapSeconds:       cloneInt64(cfg.DailyCapSeconds),
		DailyRemainingSeconds: snap.DailyRemainingSeconds,
		MaxSessionSeconds:     cfg.MaxSessionSeconds,
		RetentionDays:         cfg.RetentionDays,
		MonthKey:              l.MonthKey,
		CreatedAt:             now,
		DeleteAt:              job.DeleteAt,
	}
	return nil
}

// activeJobBlocks reports whether the ledger's active job still holds the
// exclusivity slot. A pointer without a start time never blocks.
func activeJobBlocks(l UserLedger, cfg PlanConfig, now time.Time) bool {
	if l.ActiveJobStartedAt == nil {
		return false
	}
	grace := time.Duration(cfg.MaxSessionSeconds)*time.Second + sessionGrace
	return now.Sub(*l.ActiveJobStartedAt) <= grace
}

func reusedReservation(j Job, l UserLedger, snap QuotaSnapshot) Reservation {
	return Reservation{
		JobID:                 j.ID,
		Status:                j.Status,
		Plan:                  j.PlanAtStart,
		ReservedSeconds:       j.ReservedSeconds,
		ReservedBaseSeconds:   j.ReservedBaseSeconds,
		ReservedTicketSeconds: j.ReservedTicketSeconds,
		BaseRemainingSeconds:  snap.BaseRemainingSeconds,
		CreditSeconds:         snap.CreditSeconds,
		TotalAvailableSeconds: snap.TotalAvailableSeconds,
		MonthlyAllowance:      snap.MonthlyAllowanceSeconds,
		DailyCapSeconds:       cloneInt64(j.ReservedDailyLimitSeconds),
		DailyRemainingSeconds: snap.DailyRemainingSeconds,
		MaxSessionSeconds:     j.MaxSessionSeconds,
		RetentionDays:         j.RetentionDays,
		MonthKey:              l.MonthKey,
		CreatedAt:             j.CreatedAt,
		DeleteAt:              j.DeleteAt,
		Reused:                true,
	}
}
