// Package redis provides a Redis-backed Store for quotaledger.
//
// Records are stored as JSON strings. Transactions use optimistic locking:
// every key is WATCHed before it is read and all writes are applied in one
// MULTI/EXEC, so a concurrent change to anything read aborts the commit.
// This makes it safe for multi-instance deployments.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/quotaledger"
)

// Store is a Redis-backed quotaledger.Store.
type Store struct {
	client    goredis.UniversalClient
	keyPrefix string
}

var _ quotaledger.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "quotaledger:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// New creates a new Redis-backed Store.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
// With a cluster, use a key prefix containing a hash tag so all keys of a
// transaction land in one slot.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "quotaledger:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) userKey(uid string) string { return s.keyPrefix + "user:" + uid }
func (s *Store) jobKey(id string) string   { return s.keyPrefix + "job:" + id }
func (s *Store) purchaseKey(uid, event string) string {
	return s.keyPrefix + "purchase:" + uid + ":" + event
}

// deleteIndexKey is a sorted set of job ids scored by DeleteAt (unix ms).
func (s *Store) deleteIndexKey() string { return s.keyPrefix + "jobs:delete_at" }

// RunTx runs fn once inside WATCH/MULTI/EXEC.
func (s *Store) RunTx(ctx context.Context, fn func(ctx context.Context, tx quotaledger.Tx) error) error {
	err := s.client.Watch(ctx, func(rtx *goredis.Tx) error {
		tx := &redisTx{
			store:  s,
			rtx:    rtx,
			writes: make(map[string][]byte),
			jobs:   make(map[string]time.Time),
		}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		if len(tx.writes) == 0 {
			return nil
		}

		_, err := rtx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			for key, val := range tx.writes {
				p.Set(ctx, key, val, 0)
			}
			for id, deleteAt := range tx.jobs {
				p.ZAdd(ctx, s.deleteIndexKey(), goredis.Z{Score: float64(deleteAt.UnixMilli()), Member: id})
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("quotaledger/redis: commit: %w", err)
		}
		return nil
	})
	if errors.Is(err, goredis.TxFailedErr) {
		return quotaledger.ErrTxConflict
	}
	return err
}

// ExpiredJobs returns up to limit jobs with DeleteAt at or before before,
// oldest first. Index entries whose record is already gone are dropped.
func (s *Store) ExpiredJobs(ctx context.Context, before time.Time, limit int) ([]quotaledger.Job, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.deleteIndexKey(), &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(before.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("quotaledger/redis: expired jobs: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.jobKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("quotaledger/redis: expired jobs: %w", err)
	}

	jobs := make([]quotaledger.Job, 0, len(ids))
	var orphans []any
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			orphans = append(orphans, ids[i])
			continue
		}
		var j quotaledger.Job
		if err := json.Unmarshal([]byte(raw), &j); err != nil {
			return nil, fmt.Errorf("quotaledger/redis: decode job %s: %w", ids[i], err)
		}
		if j.DeleteAt.After(before) {
			continue
		}
		jobs = append(jobs, j)
	}
	if len(orphans) > 0 {
		if err := s.client.ZRem(ctx, s.deleteIndexKey(), orphans...).Err(); err != nil {
			return nil, fmt.Errorf("quotaledger/redis: prune index: %w", err)
		}
	}
	return jobs, nil
}

// DeleteJob removes a job and its index entry.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	_, err := s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Del(ctx, s.jobKey(id))
		p.ZRem(ctx, s.deleteIndexKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("quotaledger/redis: delete job: %w", err)
	}
	return nil
}

type redisTx struct {
	store  *Store
	rtx    *goredis.Tx
	writes map[string][]byte
	jobs   map[string]time.Time // job id -> DeleteAt for the index
}

// load reads key into v, watching it first. Buffered writes win.
func (t *redisTx) load(ctx context.Context, key string, v any) (bool, error) {
	raw, ok := t.writes[key]
	if !ok {
		if err := t.rtx.Watch(ctx, key).Err(); err != nil {
			return false, fmt.Errorf("quotaledger/redis: watch: %w", err)
		}
		b, err := t.rtx.Get(ctx, key).Bytes()
		if errors.Is(err, goredis.Nil) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("quotaledger/redis: get: %w", err)
		}
		raw = b
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("quotaledger/redis: decode %s: %w", key, err)
	}
	return true, nil
}

func (t *redisTx) put(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("quotaledger/redis: encode %s: %w", key, err)
	}
	t.writes[key] = raw
	return nil
}

func (t *redisTx) User(ctx context.Context, uid string) (*quotaledger.UserLedger, error) {
	var l quotaledger.UserLedger
	ok, err := t.load(ctx, t.store.userKey(uid), &l)
	if err != nil || !ok {
		return nil, err
	}
	return &l, nil
}

func (t *redisTx) PutUser(_ context.Context, l quotaledger.UserLedger) error {
	return t.put(t.store.userKey(l.UID), l)
}

func (t *redisTx) Job(ctx context.Context, id string) (*quotaledger.Job, error) {
	var j quotaledger.Job
	ok, err := t.load(ctx, t.store.jobKey(id), &j)
	if err != nil || !ok {
		return nil, err
	}
	return &j, nil
}

func (t *redisTx) PutJob(_ context.Context, j quotaledger.Job) error {
	if err := t.put(t.store.jobKey(j.ID), j); err != nil {
		return err
	}
	t.jobs[j.ID] = j.DeleteAt
	return nil
}

func (t *redisTx) Purchase(ctx context.Context, uid, eventID string) (*quotaledger.PurchaseLedgerEntry, error) {
	var e quotaledger.PurchaseLedgerEntry
	ok, err := t.load(ctx, t.store.purchaseKey(uid, eventID), &e)
	if err != nil || !ok {
		return nil, err
	}
	return &e, nil
}

func (t *redisTx) PutPurchase(_ context.Context, e quotaledger.PurchaseLedgerEntry) error {
	return t.put(t.store.purchaseKey(e.UID, e.ExternalEventID), e)
}
