package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/quotaledger"
	"github.com/ineyio/quotaledger/store/redis"
	"github.com/ineyio/quotaledger/store/storetest"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) quotaledger.Store {
		_, client := newTestClient(t)
		return redis.New(client, redis.WithKeyPrefix("test:"+t.Name()+":"))
	})
}

func TestKeyLayout(t *testing.T) {
	mr, client := newTestClient(t)
	st := redis.New(client, redis.WithKeyPrefix("ql:"))
	ctx := context.Background()
	deleteAt := time.Date(2025, 1, 22, 10, 30, 0, 0, quotaledger.DefaultLocation)

	require.NoError(t, st.RunTx(ctx, func(ctx context.Context, tx quotaledger.Tx) error {
		if err := tx.PutUser(ctx, quotaledger.UserLedger{UID: "alice"}); err != nil {
			return err
		}
		if err := tx.PutJob(ctx, quotaledger.Job{ID: "j1", UID: "alice", DeleteAt: deleteAt}); err != nil {
			return err
		}
		return tx.PutPurchase(ctx, quotaledger.PurchaseLedgerEntry{UID: "alice", ExternalEventID: "evt", DeltaSeconds: 1})
	}))

	assert.True(t, mr.Exists("ql:user:alice"))
	assert.True(t, mr.Exists("ql:job:j1"))
	assert.True(t, mr.Exists("ql:purchase:alice:evt"))

	score, err := mr.ZScore("ql:jobs:delete_at", "j1")
	require.NoError(t, err)
	assert.Equal(t, float64(deleteAt.UnixMilli()), score)

	require.NoError(t, st.DeleteJob(ctx, "j1"))
	assert.False(t, mr.Exists("ql:job:j1"))
	members, err := mr.ZMembers("ql:jobs:delete_at")
	if err == nil {
		assert.Empty(t, members)
	}
}

func TestExpiredJobs_PrunesOrphanIndexEntries(t *testing.T) {
	mr, client := newTestClient(t)
	st := redis.New(client, redis.WithKeyPrefix("ql:"))
	ctx := context.Background()
	past := time.Date(2025, 1, 1, 0, 0, 0, 0, quotaledger.DefaultLocation)

	require.NoError(t, st.RunTx(ctx, func(ctx context.Context, tx quotaledger.Tx) error {
		return tx.PutJob(ctx, quotaledger.Job{ID: "gone", UID: "bob", DeleteAt: past})
	}))
	mr.Del("ql:job:gone")

	jobs, err := st.ExpiredJobs(ctx, past.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	members, err := mr.ZMembers("ql:jobs:delete_at")
	if err == nil {
		assert.Empty(t, members)
	}
}
