package quotaledger

import "time"

// Meter observes ledger events for monitoring/logging.
type Meter interface {
	// OnReserve is called after a reservation transaction commits.
	OnReserve(event ReserveEvent)

	// OnSettle is called after a settlement transaction commits.
	OnSettle(event SettleEvent)

	// OnCredit is called after a ticket credit is recorded or replayed.
	OnCredit(event CreditEvent)

	// OnAnomaly is called when the ledger had to clamp an inconsistent value.
	OnAnomaly(event AnomalyEvent)

	// OnSweep is called after each retention sweep.
	OnSweep(event SweepEvent)
}

// ReserveEvent describes a committed reservation.
type ReserveEvent struct {
	UID                   string
	JobID                 string
	Plan                  Plan
	ReservedSeconds       int64
	ReservedBaseSeconds   int64
	ReservedTicketSeconds int64
	Reused                bool
	TookOver              string // id of the job settled by takeover, if any
	Attempts              int
}

// SettleEvent describes a committed settlement.
type SettleEvent struct {
	UID                 string
	JobID               string
	Plan                Plan
	ReservedSeconds     int64
	ActualSeconds       int64
	BilledSeconds       int64
	BilledBaseSeconds   int64
	BilledTicketSeconds int64
	Takeover            bool
	Duration            time.Duration
}

// CreditEvent describes a ticket credit.
type CreditEvent struct {
	UID              string
	ExternalEventID  string
	Source           string
	DeltaSeconds     int64
	BalanceAfter     int64
	AlreadyProcessed bool
}

// AnomalyEvent describes a clamped ledger inconsistency.
type AnomalyEvent struct {
	UID      string
	JobID    string
	Kind     string
	Expected int64
	Actual   int64
}

// Anomaly kinds.
const (
	AnomalyTicketUnderflow = "ticket_underflow"
)

// SweepEvent describes one retention sweep.
type SweepEvent struct {
	Scanned      int
	Deleted      int
	Errors       int
	BlobFailures int
	Duration     time.Duration
}
