package quotaledger

import "time"

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobRunning      JobStatus = "running"
	JobCompleted    JobStatus = "completed"
	JobFailed       JobStatus = "failed"
	JobStoppedQuota JobStatus = "stopped_quota"
	JobExpired      JobStatus = "expired"

	// jobSucceeded is a legacy terminal status still found in old records.
	jobSucceeded JobStatus = "succeeded"
)

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobStoppedQuota, JobExpired, jobSucceeded:
		return true
	}
	return false
}

// TitleStatus is the state of the job title lock.
type TitleStatus string

const (
	TitleUnset   TitleStatus = ""
	TitlePending TitleStatus = "pending"
	TitleAuto    TitleStatus = "auto"
	TitleManual  TitleStatus = "manual"
	TitleFailed  TitleStatus = "failed"
)

// UserLedger is the per-user quota record. It is the single point of
// contention for a user and is only read and written inside transactions.
type UserLedger struct {
	UID                      string     `json:"uid"`
	Plan                     Plan       `json:"plan"`
	MonthKey                 string     `json:"monthKey"`
	UsedBaseSecondsThisMonth int64      `json:"usedBaseSecondsThisMonth"`
	DayKey                   string     `json:"dayKey"`
	UsedSecondsToday         int64      `json:"usedSecondsToday"`
	CreditSeconds            int64      `json:"creditSeconds"`
	ActiveJobID              string     `json:"activeJobId,omitempty"`
	ActiveJobStartedAt       *time.Time `json:"activeJobStartedAt,omitempty"`
	JobCreateMinuteKey       string     `json:"jobCreateMinuteKey,omitempty"`
	JobCreateCount           int        `json:"jobCreateCount"`
	CreatedAt                time.Time  `json:"createdAt"`
	UpdatedAt                time.Time  `json:"updatedAt"`
}

// Job is one reservation of session time.
type Job struct {
	ID     string    `json:"id"`
	UID    string    `json:"uid"`
	Status JobStatus `json:"status"`

	PlanAtStart      Plan `json:"planAtStart"`
	PlanAtCompletion Plan `json:"planAtCompletion,omitempty"`

	ReservedSeconds           int64  `json:"reservedSeconds"`
	ReservedBaseSeconds       int64  `json:"reservedBaseSeconds"`
	ReservedTicketSeconds     int64  `json:"reservedTicketSeconds"`
	ReservedDailyLimitSeconds *int64 `json:"reservedDailyLimitSeconds"`

	// Figures observed when the reservation was made, kept for audit.
	TotalAvailableSecondsAtStart int64  `json:"totalAvailableSecondsAtStart"`
	BaseRemainingSecondsAtStart  int64  `json:"baseRemainingSecondsAtStart"`
	CreditSecondsAtStart         int64  `json:"creditSecondsAtStart"`
	DailyRemainingSecondsAtStart *int64 `json:"dailyRemainingSecondsAtStart"`
	MonthKey                     string `json:"monthKey"`
	DayKey                       string `json:"dayKey"`

	MaxSessionSeconds int64     `json:"maxSessionSeconds"`
	RetentionDays     int       `json:"retentionDays"`
	DeleteAt          time.Time `json:"deleteAt"`

	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	ReportedSeconds     *int64 `json:"reportedSeconds,omitempty"`
	ActualSeconds       int64  `json:"actualSeconds"`
	BilledSeconds       int64  `json:"billedSeconds"`
	BilledBaseSeconds   int64  `json:"billedBaseSeconds"`
	BilledTicketSeconds int64  `json:"billedTicketSeconds"`

	StoragePath string `json:"storagePath,omitempty"`

	Title              string      `json:"title,omitempty"`
	TitleStatus        TitleStatus `json:"title_status,omitempty"`
	TitleSource        string      `json:"title_source,omitempty"`
	TitleModel         string      `json:"title_model,omitempty"`
	TitlePromptVersion string      `json:"title_prompt_version,omitempty"`
	TitleUpdatedAt     *time.Time  `json:"title_updated_at,omitempty"`
}

// PurchaseLedgerEntry records one credited purchase. Its existence for a
// (UID, ExternalEventID) pair is the idempotency guard for ticket crediting.
type PurchaseLedgerEntry struct {
	UID             string    `json:"uid"`
	ExternalEventID string    `json:"externalEventId"`
	DeltaSeconds    int64     `json:"deltaSeconds"`
	BalanceBefore   int64     `json:"balanceBefore"`
	BalanceAfter    int64     `json:"balanceAfter"`
	Source          string    `json:"source"`
	PackID          string    `json:"packId,omitempty"`
	CustomerID      string    `json:"customerId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Reservation describes a running job returned by CreateJob and ActiveJob.
type Reservation struct {
	JobID                 string
	Status                JobStatus
	Plan                  Plan
	ReservedSeconds       int64
	ReservedBaseSeconds   int64
	ReservedTicketSeconds int64

	BaseRemainingSeconds  int64
	CreditSeconds         int64
	TotalAvailableSeconds int64
	MonthlyAllowance      int64
	DailyCapSeconds       *int64
	DailyRemainingSeconds *int64

	MaxSessionSeconds int64
	RetentionDays     int
	MonthKey          string
	CreatedAt         time.Time
	DeleteAt          time.Time

	// Reused is set when an already running job was returned instead of
	// reserving a new one.
	Reused bool
}

// Settlement is the result of CompleteJob.
type Settlement struct {
	JobID  string
	UID    string
	Status JobStatus

	// Skipped is set when the job was already terminal; nothing was billed.
	Skipped bool

	PlanAtStart      Plan
	PlanAtCompletion Plan

	ReservedSeconds     int64
	ActualSeconds       int64
	BilledSeconds       int64
	BilledBaseSeconds   int64
	BilledTicketSeconds int64

	Snapshot QuotaSnapshot

	// Title lock state observed inside the settlement transaction.
	TitleLockAcquired   bool
	ExistingTitle       string
	ExistingTitleStatus TitleStatus

	// CompletedAt is the settlement time in the canonical zone.
	CompletedAt time.Time
}

// PurchaseEvent is a verified purchase delivered by the payment collaborator.
type PurchaseEvent struct {
	UID             string
	ExternalEventID string
	Seconds         int64
	Source          string
	PackID          string
	CustomerID      string
	Now             time.Time
}

// CreditResult is the outcome of CreditTickets.
type CreditResult struct {
	UID              string
	ExternalEventID  string
	AlreadyProcessed bool
	DeltaSeconds     int64
	BalanceBefore    int64
	BalanceAfter     int64
}

// PlanChange moves a user to another plan, usually after a subscription
// event from the payment provider.
type PlanChange struct {
	UID                string
	Plan               Plan
	SubscriptionStatus string // provider status, logged only
	CustomerID         string
	Now                time.Time
}

// PlanChangeResult is the outcome of SetPlan.
type PlanChangeResult struct {
	UID      string
	Previous Plan
	Plan     Plan
	Changed  bool
	Account  AccountSnapshot
}

// AccountSnapshot is the read view of a user's quota.
type AccountSnapshot struct {
	UID           string
	Plan          Plan
	Config        PlanConfig
	Snapshot      QuotaSnapshot
	MonthKey      string
	DayKey        string
	NextResetAt   time.Time
	HasActiveJob  bool
	BlockedReason string
}

// Blocked reasons reported by Usage.
const (
	BlockedMonthlyQuotaExhausted = "monthly_quota_exhausted"
	BlockedDailyLimitReached     = "daily_limit_reached"
)
