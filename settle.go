package quotaledger

import (
	"context"
	"time"
)

// CompleteJobRequest asks to settle a job.
type CompleteJobRequest struct {
	JobID string
	UID   string

	// ReportedSeconds is the client's view of the session length. It is
	// only billed when the job has no start time.
	ReportedSeconds *int64

	Now time.Time // engine clock when zero
}

// CompleteJob settles a running job: it bills min(actual, reserved) to the
// ledger, releases the exclusivity slot and tries to take the title lock.
// Completing an already terminal job is a no-op that reports Skipped.
func (e *Engine) CompleteJob(ctx context.Context, req CompleteJobRequest) (Settlement, error) {
	if req.ReportedSeconds != nil && *req.ReportedSeconds < 0 {
		return Settlement{}, &LedgerError{Op: "complete_job", UID: req.UID, JobID: req.JobID, Err: ErrInvalidReportedSeconds}
	}
	now := e.at(req.Now)
	start := time.Now()

	var (
		s       Settlement
		anomaly *AnomalyEvent
	)
	_, err := e.runTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		s, anomaly, err = e.settleInTx(ctx, tx, req.JobID, req.UID, req.ReportedSeconds, now, true)
		return err
	})
	if err != nil {
		return Settlement{}, &LedgerError{Op: "complete_job", UID: req.UID, JobID: req.JobID, Err: err}
	}

	if anomaly != nil {
		e.meter.OnAnomaly(*anomaly)
	}
	if !s.Skipped {
		ev := settleEvent(s, false)
		ev.Duration = time.Since(start)
		e.meter.OnSettle(ev)
	}
	return s, nil
}

// settleInTx bills a job inside tx. It is shared by CompleteJob and by the
// takeover path of CreateJob; only the former takes the title lock.
func (e *Engine) settleInTx(ctx context.Context, tx Tx, jobID, uid string, reported *int64, now time.Time, acquireTitleLock bool) (Settlement, *AnomalyEvent, error) {
	job, err := tx.Job(ctx, jobID)
	if err != nil {
		return Settlement{}, nil, err
	}
	if job == nil {
		return Settlement{}, nil, ErrJobNotFound
	}
	if job.UID != uid {
		return Settlement{}, nil, ErrForbidden
	}

	if job.Status.Terminal() {
		return Settlement{
			JobID:               job.ID,
			UID:                 job.UID,
			Status:              job.Status,
			Skipped:             true,
			PlanAtStart:         job.PlanAtStart,
			PlanAtCompletion:    job.PlanAtCompletion,
			ReservedSeconds:     job.ReservedSeconds,
			ActualSeconds:       job.ActualSeconds,
			BilledSeconds:       job.BilledSeconds,
			BilledBaseSeconds:   job.BilledBaseSeconds,
			BilledTicketSeconds: job.BilledTicketSeconds,
			ExistingTitle:       job.Title,
			ExistingTitleStatus: job.TitleStatus,
		}, nil, nil
	}

	reserved := max(0, job.ReservedSeconds)
	reservedBase := min(max(0, job.ReservedBaseSeconds), reserved)

	var actual int64
	switch {
	case job.StartedAt != nil:
		actual = max(0, int64(now.Sub(*job.StartedAt)/time.Second))
	case reported != nil:
		actual = *reported
	default:
		actual = reserved
	}
	billed := min(actual, reserved)
	billedBase := min(billed, reservedBase)
	billedTicket := billed - billedBase

	raw, err := tx.User(ctx, uid)
	if err != nil {
		return Settlement{}, nil, err
	}
	n := NormalizeLedger(raw, uid, now, e.plans)
	l := n.Ledger

	var anomaly *AnomalyEvent
	credit := l.CreditSeconds - billedTicket
	if credit < 0 {
		anomaly = &AnomalyEvent{
			UID:      uid,
			JobID:    job.ID,
			Kind:     AnomalyTicketUnderflow,
			Expected: billedTicket,
			Actual:   l.CreditSeconds,
		}
		credit = 0
	}
	l.CreditSeconds = credit
	l.UsedBaseSecondsThisMonth += billedBase
	l.UsedSecondsToday += billed
	if l.ActiveJobID == job.ID {
		l.ActiveJobID = ""
		l.ActiveJobStartedAt = nil
	}
	if err := putLedger(ctx, tx, l, now); err != nil {
		return Settlement{}, nil, err
	}

	completedAt := now
	existingTitle, existingStatus := job.Title, job.TitleStatus
	job.Status = JobCompleted
	job.PlanAtCompletion = n.Plan
	job.CompletedAt = &completedAt
	job.UpdatedAt = now
	job.ActualSeconds = actual
	job.BilledSeconds = billed
	job.BilledBaseSeconds = billedBase
	job.BilledTicketSeconds = billedTicket
	if reported != nil {
		v := *reported
		job.ReportedSeconds = &v
	}

	lockAcquired := false
	if acquireTitleLock && titleLockFree(existingTitle, existingStatus) {
		job.TitleStatus = TitlePending
		lockAcquired = true
	}
	if err := tx.PutJob(ctx, *job); err != nil {
		return Settlement{}, nil, err
	}

	return Settlement{
		JobID:               job.ID,
		UID:                 uid,
		Status:              JobCompleted,
		PlanAtStart:         job.PlanAtStart,
		PlanAtCompletion:    n.Plan,
		ReservedSeconds:     reserved,
		ActualSeconds:       actual,
		BilledSeconds:       billed,
		BilledBaseSeconds:   billedBase,
		BilledTicketSeconds: billedTicket,
		Snapshot:            Snapshot(l, n.Config),
		TitleLockAcquired:   lockAcquired,
		ExistingTitle:       existingTitle,
		ExistingTitleStatus: existingStatus,
		CompletedAt:         completedAt,
	}, anomaly, nil
}

// titleLockFree reports whether a settlement may take the title lock.
// Manual titles, finished auto titles and in-flight generations keep it.
func titleLockFree(title string, status TitleStatus) bool {
	switch status {
	case TitleManual, TitlePending:
		return false
	case TitleAuto:
		return title == ""
	}
	return true
}

func settleEvent(s Settlement, takeover bool) SettleEvent {
	return SettleEvent{
		UID:                 s.UID,
		JobID:               s.JobID,
		Plan:                s.PlanAtCompletion,
		ReservedSeconds:     s.ReservedSeconds,
		ActualSeconds:       s.ActualSeconds,
		BilledSeconds:       s.BilledSeconds,
		BilledBaseSeconds:   s.BilledBaseSeconds,
		BilledTicketSeconds: s.BilledTicketSeconds,
		Takeover:            takeover,
	}
}
