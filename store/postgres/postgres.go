// Package postgres provides a PostgreSQL-backed Store for quotaledger.
//
// Each transaction runs at SERIALIZABLE isolation and locks the rows it
// reads with SELECT ... FOR UPDATE. Serialization failures and deadlocks
// are reported as ErrTxConflict so the engine re-runs the transaction.
// This makes it safe for multi-instance deployments and provides
// durability across restarts.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/quotaledger"
)

// Store is a PostgreSQL-backed quotaledger.Store.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var _ quotaledger.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "quotaledger_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// New creates a new PostgreSQL-backed Store.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "quotaledger_",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) usersTable() string     { return s.tablePrefix + "users" }
func (s *Store) jobsTable() string      { return s.tablePrefix + "jobs" }
func (s *Store) purchasesTable() string { return s.tablePrefix + "purchases" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			uid TEXT PRIMARY KEY,
			data JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS %[2]s (
			id TEXT PRIMARY KEY,
			uid TEXT NOT NULL,
			status TEXT NOT NULL,
			delete_at TIMESTAMPTZ NOT NULL,
			data JSONB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %[2]s_delete_at_idx ON %[2]s (delete_at);
		CREATE TABLE IF NOT EXISTS %[3]s (
			uid TEXT NOT NULL,
			event_id TEXT NOT NULL,
			data JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (uid, event_id)
		);
	`, s.usersTable(), s.jobsTable(), s.purchasesTable())
	_, err := s.pool.Exec(ctx, q)
	if err != nil {
		return fmt.Errorf("quotaledger/postgres: ensure schema: %w", err)
	}
	return nil
}

// RunTx runs fn once inside a SERIALIZABLE transaction.
func (s *Store) RunTx(ctx context.Context, fn func(ctx context.Context, tx quotaledger.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("quotaledger/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTx{store: s, tx: tx}); err != nil {
		if isConflict(err) {
			return quotaledger.ErrTxConflict
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		if isConflict(err) {
			return quotaledger.ErrTxConflict
		}
		return fmt.Errorf("quotaledger/postgres: commit: %w", err)
	}
	return nil
}

// isConflict reports serialization failures, deadlocks and lost insert
// races, all of which succeed when the transaction is re-run.
func isConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01", "23505":
		return true
	}
	return false
}

// ExpiredJobs returns up to limit jobs with delete_at at or before before,
// oldest first.
func (s *Store) ExpiredJobs(ctx context.Context, before time.Time, limit int) ([]quotaledger.Job, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT data FROM %s WHERE delete_at <= $1 ORDER BY delete_at, id LIMIT $2`, s.jobsTable()),
		before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("quotaledger/postgres: expired jobs: %w", err)
	}
	defer rows.Close()

	var jobs []quotaledger.Job
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("quotaledger/postgres: expired jobs: %w", err)
		}
		var j quotaledger.Job
		if err := json.Unmarshal(raw, &j); err != nil {
			return nil, fmt.Errorf("quotaledger/postgres: decode job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("quotaledger/postgres: expired jobs: %w", err)
	}
	return jobs, nil
}

// DeleteJob removes a job.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.jobsTable()), id)
	if err != nil {
		return fmt.Errorf("quotaledger/postgres: delete job: %w", err)
	}
	return nil
}

type pgTx struct {
	store *Store
	tx    pgx.Tx
}

// load runs a locking single-row query and decodes its data column.
func (t *pgTx) load(ctx context.Context, q string, v any, args ...any) (bool, error) {
	var raw []byte
	err := t.tx.QueryRow(ctx, q, args...).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("quotaledger/postgres: select: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("quotaledger/postgres: decode: %w", err)
	}
	return true, nil
}

func (t *pgTx) exec(ctx context.Context, op, q string, args ...any) error {
	if _, err := t.tx.Exec(ctx, q, args...); err != nil {
		return fmt.Errorf("quotaledger/postgres: %s: %w", op, err)
	}
	return nil
}

func (t *pgTx) User(ctx context.Context, uid string) (*quotaledger.UserLedger, error) {
	var l quotaledger.UserLedger
	ok, err := t.load(ctx,
		fmt.Sprintf(`SELECT data FROM %s WHERE uid = $1 FOR UPDATE`, t.store.usersTable()),
		&l, uid,
	)
	if err != nil || !ok {
		return nil, err
	}
	return &l, nil
}

func (t *pgTx) PutUser(ctx context.Context, l quotaledger.UserLedger) error {
	raw, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("quotaledger/postgres: encode user: %w", err)
	}
	return t.exec(ctx, "put user",
		fmt.Sprintf(`INSERT INTO %s (uid, data, updated_at) VALUES ($1, $2::jsonb, now())
			ON CONFLICT (uid) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`, t.store.usersTable()),
		l.UID, string(raw),
	)
}

func (t *pgTx) Job(ctx context.Context, id string) (*quotaledger.Job, error) {
	var j quotaledger.Job
	ok, err := t.load(ctx,
		fmt.Sprintf(`SELECT data FROM %s WHERE id = $1 FOR UPDATE`, t.store.jobsTable()),
		&j, id,
	)
	if err != nil || !ok {
		return nil, err
	}
	return &j, nil
}

func (t *pgTx) PutJob(ctx context.Context, j quotaledger.Job) error {
	raw, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("quotaledger/postgres: encode job: %w", err)
	}
	return t.exec(ctx, "put job",
		fmt.Sprintf(`INSERT INTO %s (id, uid, status, delete_at, data) VALUES ($1, $2, $3, $4, $5::jsonb)
			ON CONFLICT (id) DO UPDATE SET uid = EXCLUDED.uid, status = EXCLUDED.status,
				delete_at = EXCLUDED.delete_at, data = EXCLUDED.data`, t.store.jobsTable()),
		j.ID, j.UID, string(j.Status), j.DeleteAt, string(raw),
	)
}

func (t *pgTx) Purchase(ctx context.Context, uid, eventID string) (*quotaledger.PurchaseLedgerEntry, error) {
	var e quotaledger.PurchaseLedgerEntry
	ok, err := t.load(ctx,
		fmt.Sprintf(`SELECT data FROM %s WHERE uid = $1 AND event_id = $2 FOR UPDATE`, t.store.purchasesTable()),
		&e, uid, eventID,
	)
	if err != nil || !ok {
		return nil, err
	}
	return &e, nil
}

// PutPurchase inserts a ledger entry. Entries are append-only, so a second
// insert for the same key fails and the transaction is retried.
func (t *pgTx) PutPurchase(ctx context.Context, e quotaledger.PurchaseLedgerEntry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("quotaledger/postgres: encode purchase: %w", err)
	}
	return t.exec(ctx, "put purchase",
		fmt.Sprintf(`INSERT INTO %s (uid, event_id, data, created_at) VALUES ($1, $2, $3::jsonb, $4)`,
			t.store.purchasesTable()),
		e.UID, e.ExternalEventID, string(raw), e.CreatedAt,
	)
}
