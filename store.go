package quotaledger

import (
	"context"
	"time"
)

// Tx is a unit of work against the ledger store. Reads observe the
// transaction's own buffered writes; writes become visible to others only
// when RunTx commits.
type Tx interface {
	// User returns the ledger for uid, or nil when the user has none yet.
	User(ctx context.Context, uid string) (*UserLedger, error)
	PutUser(ctx context.Context, l UserLedger) error

	// Job returns the job with the given id, or nil when absent.
	Job(ctx context.Context, id string) (*Job, error)
	PutJob(ctx context.Context, j Job) error

	// Purchase returns the ledger entry for (uid, eventID), or nil when absent.
	Purchase(ctx context.Context, uid, eventID string) (*PurchaseLedgerEntry, error)
	PutPurchase(ctx context.Context, e PurchaseLedgerEntry) error
}

// Store persists ledgers, jobs and purchase entries.
type Store interface {
	// RunTx runs fn once inside a transaction and commits its writes
	// atomically. It returns ErrTxConflict when data read by fn was changed
	// concurrently. Any error returned by fn aborts the transaction and is
	// returned unchanged.
	RunTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// ExpiredJobs returns up to limit jobs whose DeleteAt is not after before.
	ExpiredJobs(ctx context.Context, before time.Time, limit int) ([]Job, error)

	// DeleteJob removes a job record. Deleting a missing job is not an error.
	DeleteJob(ctx context.Context, id string) error
}
