package semantic

import (
	"context"
	"fmt"
	"sync"
	"time"

	"catalogsync/internal/logger"
	"catalogsync/internal/syncerr"

	"golang.org/x/sync/singleflight"
)

// Locker guards store creation across processes.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl, poll time.Duration) (string, error)
	Release(ctx context.Context, key, token string) error
}

// StoreResolver finds or creates the store named displayName. Concurrent
// callers share one in-flight resolution; the shared call is forgotten once it
// returns, so a failed creation can be retried by the next caller.
type StoreResolver struct {
	api         StoreAPI
	displayName string
	locker      Locker
	lockTTL     time.Duration
	logger      *logger.Logger

	group singleflight.Group
	mu    sync.RWMutex
	id    string
}

type ResolverOption func(*StoreResolver)

// WithLocker serializes creation through a distributed lock held for at most ttl.
func WithLocker(l Locker, ttl time.Duration) ResolverOption {
	return func(r *StoreResolver) {
		r.locker = l
		r.lockTTL = ttl
	}
}

func NewStoreResolver(api StoreAPI, displayName string, log *logger.Logger, opts ...ResolverOption) *StoreResolver {
	r := &StoreResolver{api: api, displayName: displayName, logger: log, lockTTL: 30 * time.Second}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *StoreResolver) Resolve(ctx context.Context) (string, error) {
	r.mu.RLock()
	id := r.id
	r.mu.RUnlock()
	if id != "" {
		return id, nil
	}

	ch := r.group.DoChan(r.displayName, func() (interface{}, error) {
		return r.resolve(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Forget drops the cached id, e.g. after the store was deleted upstream.
func (r *StoreResolver) Forget() {
	r.mu.Lock()
	r.id = ""
	r.mu.Unlock()
}

func (r *StoreResolver) resolve(ctx context.Context) (string, error) {
	if id, err := r.find(ctx); err != nil || id != "" {
		return id, err
	}

	if r.locker != nil {
		key := "semantic-store:" + r.displayName
		token, err := r.locker.Acquire(ctx, key, r.lockTTL, 200*time.Millisecond)
		if err != nil {
			return "", syncerr.TransientErr("semantic store lock", err)
		}
		defer r.locker.Release(context.Background(), key, token)

		// another process may have created it while we waited
		if id, err := r.find(ctx); err != nil || id != "" {
			return id, err
		}
	}

	store, err := r.api.CreateStore(ctx, r.displayName)
	if err != nil {
		return "", syncerr.FatalErr("create semantic store", err)
	}
	if store.Name == "" {
		return "", syncerr.FatalErr("create semantic store", fmt.Errorf("empty store name"))
	}
	r.logger.Info("Created semantic store", "store", store.Name, "display_name", r.displayName)
	r.remember(store.Name)
	return store.Name, nil
}

func (r *StoreResolver) find(ctx context.Context) (string, error) {
	stores, err := r.api.ListStores(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list semantic stores: %w", err)
	}
	for _, s := range stores {
		if s.DisplayName == r.displayName {
			r.remember(s.Name)
			return s.Name, nil
		}
	}
	return "", nil
}

func (r *StoreResolver) remember(id string) {
	r.mu.Lock()
	r.id = id
	r.mu.Unlock()
}
