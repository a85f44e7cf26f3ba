// Package memory provides an in-memory Store with optimistic concurrency.
// Every key carries a version; a transaction records the version of each
// key it reads and fails with ErrTxConflict at commit if any changed.
package memory

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ineyio/quotaledger"
)

// Store is an in-memory quotaledger.Store.
type Store struct {
	mu       sync.Mutex
	data     map[string][]byte
	versions map[string]uint64 // survives deletion so a delete is a change
}

var _ quotaledger.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		data:     make(map[string][]byte),
		versions: make(map[string]uint64),
	}
}

func userKey(uid string) string            { return "user/" + uid }
func jobKey(id string) string              { return "job/" + id }
func purchaseKey(uid, event string) string { return "purchase/" + uid + "/" + event }

// RunTx runs fn once and commits its writes if nothing it read has changed.
func (s *Store) RunTx(ctx context.Context, fn func(ctx context.Context, tx quotaledger.Tx) error) error {
	tx := &memTx{
		store:  s,
		reads:  make(map[string]uint64),
		writes: make(map[string][]byte),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *Store) commit(tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, v := range tx.reads {
		if s.versions[key] != v {
			return quotaledger.ErrTxConflict
		}
	}
	for key, val := range tx.writes {
		s.data[key] = val
		s.versions[key]++
	}
	return nil
}

// ExpiredJobs returns up to limit jobs with DeleteAt at or before before,
// oldest first.
func (s *Store) ExpiredJobs(_ context.Context, before time.Time, limit int) ([]quotaledger.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []quotaledger.Job
	for key, raw := range s.data {
		if !strings.HasPrefix(key, "job/") {
			continue
		}
		var j quotaledger.Job
		if err := json.Unmarshal(raw, &j); err != nil {
			return nil, fmt.Errorf("quotaledger/memory: decode %s: %w", key, err)
		}
		if !j.DeleteAt.After(before) {
			out = append(out, j)
		}
	}
	slices.SortFunc(out, func(a, b quotaledger.Job) int {
		return cmp.Or(a.DeleteAt.Compare(b.DeleteAt), cmp.Compare(a.ID, b.ID))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteJob removes a job.
func (s *Store) DeleteJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := jobKey(id)
	if _, ok := s.data[key]; !ok {
		return nil
	}
	delete(s.data, key)
	s.versions[key]++
	return nil
}

// get returns the stored value and version of key.
func (s *Store) get(key string) ([]byte, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[key], s.versions[key]
}

type memTx struct {
	store  *Store
	reads  map[string]uint64
	writes map[string][]byte
}

func (t *memTx) load(key string, v any) (bool, error) {
	raw, ok := t.writes[key]
	if !ok {
		var version uint64
		raw, version = t.store.get(key)
		if _, seen := t.reads[key]; !seen {
			t.reads[key] = version
		}
	}
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("quotaledger/memory: decode %s: %w", key, err)
	}
	return true, nil
}

func (t *memTx) put(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("quotaledger/memory: encode %s: %w", key, err)
	}
	t.writes[key] = raw
	return nil
}

func (t *memTx) User(_ context.Context, uid string) (*quotaledger.UserLedger, error) {
	var l quotaledger.UserLedger
	ok, err := t.load(userKey(uid), &l)
	if err != nil || !ok {
		return nil, err
	}
	return &l, nil
}

func (t *memTx) PutUser(_ context.Context, l quotaledger.UserLedger) error {
	return t.put(userKey(l.UID), l)
}

func (t *memTx) Job(_ context.Context, id string) (*quotaledger.Job, error) {
	var j quotaledger.Job
	ok, err := t.load(jobKey(id), &j)
	if err != nil || !ok {
		return nil, err
	}
	return &j, nil
}

func (t *memTx) PutJob(_ context.Context, j quotaledger.Job) error {
	return t.put(jobKey(j.ID), j)
}

func (t *memTx) Purchase(_ context.Context, uid, eventID string) (*quotaledger.PurchaseLedgerEntry, error) {
	var e quotaledger.PurchaseLedgerEntry
	ok, err := t.load(purchaseKey(uid, eventID), &e)
	if err != nil || !ok {
		return nil, err
	}
	return &e, nil
}

func (t *memTx) PutPurchase(_ context.Context, e quotaledger.PurchaseLedgerEntry) error {
	return t.put(purchaseKey(e.UID, e.ExternalEventID), e)
}
