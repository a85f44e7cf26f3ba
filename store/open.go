// Package store opens the configured quotaledger.Store backend.
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/quotaledger"
	"github.com/ineyio/quotaledger/store/memory"
	"github.com/ineyio/quotaledger/store/postgres"
	"github.com/ineyio/quotaledger/store/redis"
)

// Handle is an open store together with the client it owns.
type Handle struct {
	quotaledger.Store
	Backend string
	close   func() error
}

// Close releases the backend client.
func (h *Handle) Close() error {
	if h.close == nil {
		return nil
	}
	return h.close()
}

type schemaEnsurer interface {
	EnsureSchema(ctx context.Context) error
}

// EnsureSchema creates backend tables where the backend has any. It is a
// no-op for memory and redis.
func (h *Handle) EnsureSchema(ctx context.Context) error {
	if se, ok := h.Store.(schemaEnsurer); ok {
		return se.EnsureSchema(ctx)
	}
	return nil
}

// Open connects to the backend named by cfg.Backend and verifies the
// connection.
func Open(ctx context.Context, cfg quotaledger.StoreConfig) (*Handle, error) {
	switch cfg.Backend {
	case "", quotaledger.BackendMemory:
		return &Handle{Store: memory.New(), Backend: quotaledger.BackendMemory}, nil

	case quotaledger.BackendRedis:
		client := goredis.NewUniversalClient(&goredis.UniversalOptions{
			Addrs:    []string{cfg.RedisAddr},
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("quotaledger/store: redis ping %s: %w", cfg.RedisAddr, err)
		}
		var opts []redis.Option
		if cfg.KeyPrefix != "" {
			opts = append(opts, redis.WithKeyPrefix(cfg.KeyPrefix))
		}
		return &Handle{Store: redis.New(client, opts...), Backend: cfg.Backend, close: client.Close}, nil

	case quotaledger.BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("quotaledger/store: postgres connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("quotaledger/store: postgres ping: %w", err)
		}
		var opts []postgres.Option
		if cfg.TablePrefix != "" {
			opts = append(opts, postgres.WithTablePrefix(cfg.TablePrefix))
		}
		return &Handle{
			Store:   postgres.New(pool, opts...),
			Backend: cfg.Backend,
			close:   func() error { pool.Close(); return nil },
		}, nil
	}
	return nil, fmt.Errorf("quotaledger/store: unknown backend %q", cfg.Backend)
}

// Lazy opens a store on first use and hands the same handle to every
// caller afterwards. A failed open is not retried. Get and Close are safe
// for concurrent use.
type Lazy struct {
	cfg quotaledger.StoreConfig

	mu     sync.Mutex
	opened bool
	handle *Handle
	err    error
}

// NewLazy returns a Lazy for cfg. Nothing is opened until Get.
func NewLazy(cfg quotaledger.StoreConfig) *Lazy {
	return &Lazy{cfg: cfg}
}

// Get returns the shared handle, opening it on the first call.
func (l *Lazy) Get(ctx context.Context) (*Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.opened {
		l.opened = true
		l.handle, l.err = Open(ctx, l.cfg)
	}
	return l.handle, l.err
}

// Close closes the handle if it was opened.
func (l *Lazy) Close() error {
	l.mu.Lock()
	h := l.handle
	l.mu.Unlock()
	if h == nil {
		return nil
	}
	return h.Close()
}
