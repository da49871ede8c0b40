// Package cache is a keyed query cache for server state. Each key holds a
// JSON-encoded value in a Store together with in-process metadata: the
// request generation and the last read error. Invalidation is recorded on
// the stored item so that every Cache sharing the Store observes it.
//
// Reads go through Query. A value younger than the stale time is served from
// the store; anything else triggers a fetch. Concurrent fetches for one key
// coalesce onto a single call. Every fetch, overwrite, removal and
// invalidation bumps the key's generation, and a fetch result is written only
// if its generation is still current, so a slow response can never replace a
// newer value.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/loco-client-go/internal/logctx"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultStaleTime is how long a fetched value is served without a refetch.
	DefaultStaleTime = 5 * time.Minute
	// DefaultGCTime is how long a value is retained in the store.
	DefaultGCTime = 10 * time.Minute
	// DefaultReadRetries is the number of extra attempts for a failed read.
	DefaultReadRetries = 1
	// DefaultRetryDelay is the pause between read attempts.
	DefaultRetryDelay = time.Second
)

// Key identifies a cache entry. String must be canonical: two keys that
// address the same data return the same string.
type Key interface {
	String() string
}

// Config contains configuration options for a Cache.
type Config struct {
	// Store holds encoded values. Required.
	Store Store

	// StaleTime is the freshness window. Zero uses DefaultStaleTime; a
	// negative value treats every value as stale.
	StaleTime time.Duration

	// GCTime is the store TTL for values. Default: DefaultGCTime.
	GCTime time.Duration

	// ReadRetries is the number of extra attempts for a failed fetch. Zero
	// uses DefaultReadRetries; a negative value disables retries.
	ReadRetries int

	// RetryDelay is the pause between attempts. Default: DefaultRetryDelay;
	// a negative value retries immediately.
	RetryDelay time.Duration

	// ShouldRetry reports whether a fetch error is worth another attempt.
	// Default: every error except context cancellation.
	ShouldRetry func(error) bool

	// Logger receives cache events. Default: discard.
	Logger *slog.Logger
}

// Cache is a keyed query cache. It is safe for concurrent use.
type Cache struct {
	store       Store
	staleTime   time.Duration
	gcTime      time.Duration
	retries     int
	retryDelay  time.Duration
	shouldRetry func(error) bool
	log         *slog.Logger

	group singleflight.Group
	watch *notifier

	// mu guards entries and serializes generation checks with store writes.
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	gen      uint64
	inflight int
	err      error
	errAt    time.Time
}

// New creates a Cache from cfg, applying defaults for zero fields.
func New(cfg Config) (*Cache, error) {
	if cfg.Store == nil {
		return nil, errors.New("cache: store is required")
	}
	switch {
	case cfg.StaleTime == 0:
		cfg.StaleTime = DefaultStaleTime
	case cfg.StaleTime < 0:
		cfg.StaleTime = 0
	}
	if cfg.GCTime <= 0 {
		cfg.GCTime = DefaultGCTime
	}
	switch {
	case cfg.ReadRetries == 0:
		cfg.ReadRetries = DefaultReadRetries
	case cfg.ReadRetries < 0:
		cfg.ReadRetries = 0
	}
	switch {
	case cfg.RetryDelay == 0:
		cfg.RetryDelay = DefaultRetryDelay
	case cfg.RetryDelay < 0:
		cfg.RetryDelay = 0
	}
	if cfg.ShouldRetry == nil {
		cfg.ShouldRetry = func(err error) bool {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		}
	}

	return &Cache{
		store:       cfg.Store,
		staleTime:   cfg.StaleTime,
		gcTime:      cfg.GCTime,
		retries:     cfg.ReadRetries,
		retryDelay:  cfg.RetryDelay,
		shouldRetry: cfg.ShouldRetry,
		log:         logctx.Wrap(cfg.Logger),
		watch:       newNotifier(),
		entries:     make(map[string]*entry),
	}, nil
}

// Status describes the outcome of a Query.
type Status int

const (
	// StatusDisabled means the query was not run.
	StatusDisabled Status = iota
	// StatusSuccess means Data holds a value.
	StatusSuccess
	// StatusError means the fetch failed; Err holds the cause.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusDisabled:
		return "disabled"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Result is the outcome of a Query. On error, Data still carries the last
// cached value when one exists (HasData reports whether it does).
type Result[T any] struct {
	Data      T
	HasData   bool
	Err       error
	Status    Status
	UpdatedAt time.Time
	FromCache bool
}

// QueryOption configures a single Query.
type QueryOption func(*queryOptions)

type queryOptions struct {
	enabled bool
	refetch bool
}

// Enabled gates the query. A disabled query returns StatusDisabled without
// touching the store or the network.
func Enabled(enabled bool) QueryOption {
	return func(o *queryOptions) { o.enabled = enabled }
}

// Refetch skips the freshness check and starts a new fetch even when one is
// already in flight. The superseded fetch is not written to the cache.
func Refetch() QueryOption {
	return func(o *queryOptions) { o.refetch = true }
}

// Query reads key through the cache, calling fetch when the cached value is
// missing, stale or invalidated.
func Query[T any](ctx context.Context, c *Cache, key Key, fetch func(context.Context) (T, error), opts ...QueryOption) Result[T] {
	qo := queryOptions{enabled: true}
	for _, opt := range opts {
		opt(&qo)
	}
	if !qo.enabled {
		return Result[T]{Status: StatusDisabled}
	}

	k := key.String()
	ctx = logctx.WithCacheData(ctx, &logctx.CacheData{Key: k})

	if !qo.refetch {
		if item, ok := c.fresh(ctx, k); ok {
			if v, err := decode[T](item.Data); err == nil {
				c.log.DebugContext(ctx, "cache.hit")
				return Result[T]{Data: v, HasData: true, Status: StatusSuccess, UpdatedAt: item.CreatedAt, FromCache: true}
			}
		}
	}

	out, err := c.load(ctx, k, qo.refetch, func(ctx context.Context) (any, error) {
		return fetch(ctx)
	})
	if err != nil {
		res := Result[T]{Err: err, Status: StatusError}
		if item, gerr := c.store.Get(ctx, k); gerr == nil && item != nil {
			if v, derr := decode[T](item.Data); derr == nil {
				res.Data, res.HasData, res.UpdatedAt = v, true, item.CreatedAt
			}
		}
		return res
	}

	v, ok := out.value.(T)
	if !ok {
		// A concurrent caller fetched the same key with a different type.
		if v, err = decode[T](out.data); err != nil {
			return Result[T]{Err: err, Status: StatusError}
		}
	}
	return Result[T]{Data: v, HasData: true, Status: StatusSuccess, UpdatedAt: out.at}
}

// Peek returns the cached value for key without fetching, regardless of
// freshness.
func Peek[T any](ctx context.Context, c *Cache, key Key) (T, bool) {
	var zero T
	item, err := c.store.Get(ctx, key.String())
	if err != nil || item == nil {
		return zero, false
	}
	v, err := decode[T](item.Data)
	if err != nil {
		return zero, false
	}
	return v, true
}

// Set overwrites the value for key. The value is fresh from now and any
// in-flight fetch for key is superseded.
func (c *Cache) Set(ctx context.Context, key Key, v any) error {
	k := key.String()
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", k, err)
	}

	c.group.Forget(k)
	c.mu.Lock()
	e := c.entry(k)
	e.gen++
	gen := e.gen
	err = c.store.Set(ctx, k, data, WithTTL(c.gcTime))
	if err == nil {
		e.err = nil
	}
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("cache: set %s: %w", k, err)
	}

	c.log.DebugContext(logctx.WithCacheData(ctx, &logctx.CacheData{Key: k, Generation: gen}), "cache.set")
	c.watch.notify(k)
	return nil
}

// Invalidate marks key stale so the next Query refetches it, in this process
// or any other sharing the store. The cached value stays readable through
// Peek until then. Nothing is fetched here.
func (c *Cache) Invalidate(ctx context.Context, key Key) {
	k := key.String()
	c.group.Forget(k)
	c.mu.Lock()
	e := c.entry(k)
	e.gen++
	gen := e.gen
	err := c.markStale(ctx, k)
	c.mu.Unlock()

	ctx = logctx.WithCacheData(ctx, &logctx.CacheData{Key: k, Generation: gen})
	if err != nil {
		c.log.WarnContext(ctx, "cache.store.set.fail", slog.String("err", err.Error()))
	}
	c.log.DebugContext(ctx, "cache.invalidate")
	c.watch.notify(k)
}

// markStale rewrites the stored item for k with the stale mark, keeping its
// data, write time and remaining lifetime. Callers hold mu.
func (c *Cache) markStale(ctx context.Context, k string) error {
	item, err := c.store.Get(ctx, k)
	if err != nil || item == nil || item.Stale {
		return err
	}
	ttl := c.gcTime
	if item.ExpiresAt != nil {
		if ttl = time.Until(*item.ExpiresAt); ttl <= 0 {
			return nil
		}
	}
	return c.store.Set(ctx, k, item.Data, WithTTL(ttl), WithCreatedAt(item.CreatedAt), MarkStale())
}

// Remove drops the value and metadata for key. The generation survives so
// that an in-flight fetch cannot resurrect the entry.
func (c *Cache) Remove(ctx context.Context, key Key) error {
	k := key.String()
	c.group.Forget(k)
	c.mu.Lock()
	e := c.entry(k)
	e.gen++
	e.err = nil
	e.errAt = time.Time{}
	gen := e.gen
	err := c.store.Delete(ctx, k)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("cache: remove %s: %w", k, err)
	}

	c.log.DebugContext(logctx.WithCacheData(ctx, &logctx.CacheData{Key: k, Generation: gen}), "cache.remove")
	c.watch.notify(k)
	return nil
}

// Clear drops every value and supersedes every in-flight fetch.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	for k, e := range c.entries {
		c.group.Forget(k)
		e.gen++
		e.err = nil
		e.errAt = time.Time{}
	}
	err := c.store.Clear(ctx)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("cache: clear: %w", err)
	}

	c.log.DebugContext(ctx, "cache.clear")
	c.watch.notifyAll()
	return nil
}

// State is a snapshot of one key's metadata.
type State struct {
	Generation  uint64
	HasValue    bool
	UpdatedAt   time.Time
	Invalidated bool
	IsStale     bool
	Fetching    bool
	Err         error
	ErrAt       time.Time
}

// State reports the metadata held for key.
func (c *Cache) State(ctx context.Context, key Key) State {
	k := key.String()
	var st State
	c.mu.Lock()
	if e, ok := c.entries[k]; ok {
		st.Generation = e.gen
		st.Fetching = e.inflight > 0
		st.Err = e.err
		st.ErrAt = e.errAt
	}
	c.mu.Unlock()

	item, err := c.store.Get(ctx, k)
	if err != nil {
		c.log.WarnContext(ctx, "cache.store.get.fail", slog.String("key", k), slog.String("err", err.Error()))
	}
	if item != nil {
		st.HasValue = true
		st.UpdatedAt = item.CreatedAt
		st.Invalidated = item.Stale
	}
	st.IsStale = !st.HasValue || st.Invalidated || time.Since(st.UpdatedAt) >= c.staleTime
	return st
}

// Watch returns a channel signalled whenever key changes: a fetch settles,
// or the key is overwritten, invalidated, removed or cleared. Signals
// coalesce. After cancel returns the channel is closed and receives nothing
// more.
func (c *Cache) Watch(key Key) (<-chan struct{}, func()) {
	return c.watch.subscribe(key.String())
}

// Close closes all watch channels and the store.
func (c *Cache) Close() error {
	c.watch.close()
	return c.store.Close()
}

type outcome struct {
	value any
	data  []byte
	at    time.Time
}

// load joins or starts the fetch for k. The fetch runs detached from the
// caller's cancellation so that other waiters still receive its result; the
// caller stops waiting when ctx is done.
func (c *Cache) load(ctx context.Context, k string, force bool, fetch func(context.Context) (any, error)) (*outcome, error) {
	if force {
		c.group.Forget(k)
	}
	ch := c.group.DoChan(k, func() (any, error) {
		return c.run(context.WithoutCancel(ctx), k, fetch)
	})

	select {
	case res := <-ch:
		if res.Shared {
			c.log.DebugContext(ctx, "cache.fetch.shared")
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*outcome), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) run(ctx context.Context, k string, fetch func(context.Context) (any, error)) (*outcome, error) {
	c.mu.Lock()
	e := c.entry(k)
	e.gen++
	e.inflight++
	gen := e.gen
	c.mu.Unlock()

	ctx = logctx.WithCacheData(ctx, &logctx.CacheData{Key: k, Generation: gen})
	c.log.DebugContext(ctx, "cache.fetch.start")

	v, err := c.attempt(ctx, fetch)
	var data []byte
	if err == nil {
		if data, err = json.Marshal(v); err != nil {
			err = fmt.Errorf("cache: encode %s: %w", k, err)
		}
	}

	at := time.Now()
	applied, serr := c.commit(ctx, k, gen, data, err)
	switch {
	case serr != nil:
		c.log.WarnContext(ctx, "cache.store.set.fail", slog.String("err", serr.Error()))
	case !applied:
		c.log.DebugContext(ctx, "cache.fetch.superseded")
	case err != nil:
		c.log.DebugContext(ctx, "cache.fetch.fail", slog.String("err", err.Error()))
	}
	if err != nil {
		return nil, err
	}
	return &outcome{value: v, data: data, at: at}, nil
}

func (c *Cache) attempt(ctx context.Context, fetch func(context.Context) (any, error)) (any, error) {
	for n := 0; ; n++ {
		v, err := fetch(ctx)
		if err == nil {
			return v, nil
		}
		if n >= c.retries || !c.shouldRetry(err) {
			return nil, err
		}
		c.log.DebugContext(ctx, "cache.fetch.retry", slog.Int("attempt", n+1), slog.String("err", err.Error()))
		if c.retryDelay > 0 {
			t := time.NewTimer(c.retryDelay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return nil, err
			}
		}
	}
}

// commit applies a settled fetch if gen is still current. It reports whether
// the result was applied.
func (c *Cache) commit(ctx context.Context, k string, gen uint64, data []byte, ferr error) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entry(k)
	e.inflight--
	if e.gen != gen {
		return false, nil
	}
	defer c.watch.notify(k)

	if ferr != nil {
		e.err = ferr
		e.errAt = time.Now()
		return true, nil
	}
	if err := c.store.Set(ctx, k, data, WithTTL(c.gcTime)); err != nil {
		e.err = err
		e.errAt = time.Now()
		return true, err
	}
	e.err = nil
	e.errAt = time.Time{}
	return true, nil
}

func (c *Cache) fresh(ctx context.Context, k string) (*Item, bool) {
	item, err := c.store.Get(ctx, k)
	if err != nil {
		c.log.WarnContext(ctx, "cache.store.get.fail", slog.String("err", err.Error()))
		return nil, false
	}
	if item == nil || item.Stale {
		return nil, false
	}
	return item, time.Since(item.CreatedAt) < c.staleTime
}

// entry returns the metadata for k, creating it. Callers hold mu.
func (c *Cache) entry(k string) *entry {
	e, ok := c.entries[k]
	if !ok {
		e = &entry{}
		c.entries[k] = e
	}
	return e
}

func decode[T any](data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("cache: decode: %w", err)
	}
	return v, nil
}
