package quotaledger

import (
	"slices"
	"time"
)

// Ledger field names reported in Normalized.Changes.
const (
	FieldPlan               = "plan"
	FieldDayKey             = "dayKey"
	FieldUsedSecondsToday   = "usedSecondsToday"
	FieldMonthKey           = "monthKey"
	FieldUsedBaseSeconds    = "usedBaseSecondsThisMonth"
	FieldCreditSeconds      = "creditSeconds"
	FieldJobCreateCount     = "jobCreateCount"
	FieldActiveJobID        = "activeJobId"
	FieldActiveJobStartedAt = "activeJobStartedAt"
	FieldCreatedAt          = "createdAt"
)

// Normalized is the canonical ledger state produced by NormalizeLedger.
type Normalized struct {
	Ledger UserLedger
	Plan   Plan
	Config PlanConfig
	IsNew  bool

	// Changes lists the fields that differ from the raw state and must be
	// persisted.
	Changes []string
}

// Changed reports whether field is listed in Changes.
func (n Normalized) Changed(field string) bool {
	return slices.Contains(n.Changes, field)
}

// Dirty reports whether anything must be written back.
func (n Normalized) Dirty() bool { return len(n.Changes) > 0 }

// DayKey returns the calendar day key for t.
func DayKey(t time.Time) string { return t.Format("2006-01-02") }

// MonthKey returns the billing month key for t.
func MonthKey(t time.Time) string { return t.Format("2006-01") }

// MinuteKey returns the rate-limit bucket key for t.
func MinuteKey(t time.Time) string { return t.Format("2006-01-02T15:04") }

// NextMonthStart returns the first instant of the month after t, in t's zone.
func NextMonthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
}

// NormalizeLedger rolls day and month counters over, seeds defaults for a
// new user and clamps counters that went negative. now must already be in
// the canonical zone. raw is not modified.
func NormalizeLedger(raw *UserLedger, uid string, now time.Time, plans Plans) Normalized {
	var n Normalized
	mark := func(field string) { n.Changes = append(n.Changes, field) }

	if raw == nil {
		n.IsNew = true
		n.Ledger = UserLedger{UID: uid, CreatedAt: now}
		mark(FieldCreatedAt)
		mark(FieldActiveJobID)
		mark(FieldActiveJobStartedAt)
	} else {
		n.Ledger = *raw
		if n.Ledger.UID == "" {
			n.Ledger.UID = uid
		}
	}
	l := &n.Ledger

	plan, cfg := plans.Resolve(l.Plan)
	if l.Plan != plan {
		l.Plan = plan
		mark(FieldPlan)
	}
	n.Plan, n.Config = plan, cfg

	if today := DayKey(now); l.DayKey != today {
		l.DayKey = today
		l.UsedSecondsToday = 0
		mark(FieldDayKey)
		mark(FieldUsedSecondsToday)
	} else if l.UsedSecondsToday < 0 {
		l.UsedSecondsToday = 0
		mark(FieldUsedSecondsToday)
	}

	if month := MonthKey(now); l.MonthKey != month {
		l.MonthKey = month
		l.UsedBaseSecondsThisMonth = 0
		mark(FieldMonthKey)
		mark(FieldUsedBaseSeconds)
	} else if l.UsedBaseSecondsThisMonth < 0 {
		l.UsedBaseSecondsThisMonth = 0
		mark(FieldUsedBaseSeconds)
	}

	if l.CreditSeconds < 0 {
		l.CreditSeconds = 0
		mark(FieldCreditSeconds)
	}
	if l.JobCreateCount < 0 {
		l.JobCreateCount = 0
		mark(FieldJobCreateCount)
	}
	if l.ActiveJobID == "" && l.ActiveJobStartedAt != nil {
		l.ActiveJobStartedAt = nil
		mark(FieldActiveJobStartedAt)
	}

	return n
}
