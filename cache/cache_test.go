package cache_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/loco-client-go/cache"
	"github.com/ggoodman/loco-client-go/cache/memory"
)

type testKey string

func (k testKey) String() string { return string(k) }

const key = testKey("rooms:public:detail:1")

type room struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Members int    `json:"members"`
}

func newCache(t *testing.T, cfg cache.Config) *cache.Cache {
	t.Helper()
	if cfg.Store == nil {
		cfg.Store = memory.New(64, 0)
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = -1
	}
	c, err := cache.New(cfg)
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func counting(n *atomic.Int32, v room) func(context.Context) (room, error) {
	return func(context.Context) (room, error) {
		n.Add(1)
		return v, nil
	}
}

func TestNew_RequiresStore(t *testing.T) {
	if _, err := cache.New(cache.Config{}); err == nil {
		t.Fatal("expected error without store")
	}
}

func TestQuery_ServesFreshValueFromCache(t *testing.T) {
	c := newCache(t, cache.Config{})
	ctx := context.Background()
	var calls atomic.Int32
	fetch := counting(&calls, room{ID: 1, Name: "one"})

	first := cache.Query(ctx, c, key, fetch)
	if first.Status != cache.StatusSuccess || first.FromCache {
		t.Fatalf("expected fetched success, got %+v", first)
	}
	second := cache.Query(ctx, c, key, fetch)
	if second.Status != cache.StatusSuccess || !second.FromCache {
		t.Fatalf("expected cached success, got %+v", second)
	}
	if second.Data != first.Data {
		t.Fatalf("cached value mismatch: %+v vs %+v", second.Data, first.Data)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("expected 1 fetch, got %d", n)
	}
}

func TestQuery_RefetchesAfterStaleTime(t *testing.T) {
	c := newCache(t, cache.Config{StaleTime: 20 * time.Millisecond})
	ctx := context.Background()
	var calls atomic.Int32
	fetch := counting(&calls, room{ID: 1})

	cache.Query(ctx, c, key, fetch)
	time.Sleep(40 * time.Millisecond)
	if st := c.State(ctx, key); !st.IsStale || !st.HasValue {
		t.Fatalf("expected stale value, got %+v", st)
	}
	cache.Query(ctx, c, key, fetch)
	if n := calls.Load(); n != 2 {
		t.Fatalf("expected 2 fetches, got %d", n)
	}
}

func TestQuery_Disabled(t *testing.T) {
	c := newCache(t, cache.Config{})
	var calls atomic.Int32

	res := cache.Query(context.Background(), c, key, counting(&calls, room{ID: 1}), cache.Enabled(false))
	if res.Status != cache.StatusDisabled || res.HasData || res.Err != nil {
		t.Fatalf("expected disabled result, got %+v", res)
	}
	if n := calls.Load(); n != 0 {
		t.Fatalf("disabled query fetched %d times", n)
	}
}

func TestQuery_ConcurrentReadsShareOneFetch(t *testing.T) {
	c := newCache(t, cache.Config{})
	ctx := context.Background()
	release := make(chan struct{})
	var calls atomic.Int32
	fetch := func(context.Context) (room, error) {
		calls.Add(1)
		<-release
		return room{ID: 1, Name: "shared"}, nil
	}

	const readers = 8
	results := make([]cache.Result[room], readers)
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = cache.Query(ctx, c, key, fetch)
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Fatalf("expected exactly 1 fetch, got %d", n)
	}
	for i, r := range results {
		if r.Status != cache.StatusSuccess || r.Data.Name != "shared" {
			t.Fatalf("reader %d: unexpected result %+v", i, r)
		}
	}
}

func TestQuery_SupersededResultIsNotCached(t *testing.T) {
	c := newCache(t, cache.Config{})
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	fetch := func(context.Context) (room, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-release
			return room{ID: 1, Name: "old"}, nil
		}
		return room{ID: 1, Name: "new"}, nil
	}

	firstDone := make(chan cache.Result[room], 1)
	go func() { firstDone <- cache.Query(ctx, c, key, fetch) }()
	<-started

	second := cache.Query(ctx, c, key, fetch, cache.Refetch())
	if second.Data.Name != "new" {
		t.Fatalf("expected second read to see new, got %+v", second)
	}

	close(release)
	first := <-firstDone
	if first.Status != cache.StatusSuccess || first.Data.Name != "old" {
		t.Fatalf("superseded read should still return its own value, got %+v", first)
	}

	got, ok := cache.Peek[room](ctx, c, key)
	if !ok || got.Name != "new" {
		t.Fatalf("expected cache to hold the newer value, got %+v (ok=%v)", got, ok)
	}
}

func TestInvalidate_MarksStaleWithoutFetching(t *testing.T) {
	c := newCache(t, cache.Config{})
	ctx := context.Background()
	var calls atomic.Int32
	fetch := counting(&calls, room{ID: 1, Name: "one"})

	cache.Query(ctx, c, key, fetch)
	genBefore := c.State(ctx, key).Generation
	c.Invalidate(ctx, key)

	st := c.State(ctx, key)
	if !st.Invalidated || !st.IsStale || !st.HasValue {
		t.Fatalf("expected invalidated stale value, got %+v", st)
	}
	if st.Generation <= genBefore {
		t.Fatalf("expected generation bump, %d -> %d", genBefore, st.Generation)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("invalidate must not fetch, got %d fetches", n)
	}
	if _, ok := cache.Peek[room](ctx, c, key); !ok {
		t.Fatal("invalidated value should remain peekable")
	}

	res := cache.Query(ctx, c, key, fetch)
	if res.FromCache {
		t.Fatal("expected refetch after invalidation")
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("expected 2 fetches, got %d", n)
	}
	if c.State(ctx, key).Invalidated {
		t.Fatal("successful fetch should clear the invalidated flag")
	}
}

func TestInvalidate_SupersedesInFlightFetch(t *testing.T) {
	c := newCache(t, cache.Config{})
	ctx := context.Background()
	started := make(chan struct{})
	release := make(chan struct{})
	fetch := func(context.Context) (room, error) {
		close(started)
		<-release
		return room{ID: 1, Name: "before-write"}, nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		cache.Query(ctx, c, key, fetch)
	}()
	<-started
	c.Invalidate(ctx, key)
	close(release)
	<-done

	if _, ok := cache.Peek[room](ctx, c, key); ok {
		t.Fatal("fetch issued before invalidation must not be applied")
	}
	if !c.State(ctx, key).IsStale {
		t.Fatal("key should stay stale")
	}
}

func TestInvalidate_IsSharedThroughTheStore(t *testing.T) {
	store := memory.New(64, 0)
	a := newCache(t, cache.Config{Store: store})
	b := newCache(t, cache.Config{Store: store})
	ctx := context.Background()
	var calls atomic.Int32
	fetch := counting(&calls, room{ID: 1, Name: "one"})

	cache.Query(ctx, a, key, fetch)
	if res := cache.Query(ctx, b, key, fetch); !res.FromCache {
		t.Fatalf("expected second cache to read the shared value, got %+v", res)
	}
	a.Invalidate(ctx, key)

	if st := b.State(ctx, key); !st.Invalidated || !st.IsStale {
		t.Fatalf("expected invalidation visible through the store, got %+v", st)
	}
	res := cache.Query(ctx, b, key, fetch)
	if res.FromCache || res.Status != cache.StatusSuccess {
		t.Fatalf("expected refetch after invalidation elsewhere, got %+v", res)
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("expected 2 fetches, got %d", n)
	}
	if res := cache.Query(ctx, a, key, fetch); !res.FromCache {
		t.Fatalf("expected the refetched value to be fresh everywhere, got %+v", res)
	}
}

func TestQuery_NegativeStaleTimeAlwaysRefetches(t *testing.T) {
	c := newCache(t, cache.Config{StaleTime: -1})
	ctx := context.Background()
	var calls atomic.Int32
	fetch := counting(&calls, room{ID: 1})

	cache.Query(ctx, c, key, fetch)
	if st := c.State(ctx, key); !st.IsStale {
		t.Fatalf("expected value stale immediately, got %+v", st)
	}
	if res := cache.Query(ctx, c, key, fetch); res.FromCache {
		t.Fatalf("expected refetch, got %+v", res)
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("expected 2 fetches, got %d", n)
	}
}

func TestSet_OverwritesAndServesFresh(t *testing.T) {
	c := newCache(t, cache.Config{})
	ctx := context.Background()
	var calls atomic.Int32

	if err := c.Set(ctx, key, room{ID: 1, Members: 4}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	res := cache.Query(ctx, c, key, counting(&calls, room{ID: 1, Members: 3}))
	if !res.FromCache || res.Data.Members != 4 {
		t.Fatalf("expected overwritten value from cache, got %+v", res)
	}
	if n := calls.Load(); n != 0 {
		t.Fatalf("expected no fetch, got %d", n)
	}
}

func TestRemove_DropsValueAndMetadata(t *testing.T) {
	c := newCache(t, cache.Config{})
	ctx := context.Background()
	var calls atomic.Int32
	fetch := counting(&calls, room{ID: 1})

	cache.Query(ctx, c, key, fetch)
	if err := c.Remove(ctx, key); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := cache.Peek[room](ctx, c, key); ok {
		t.Fatal("expected value removed")
	}
	st := c.State(ctx, key)
	if st.HasValue || st.Invalidated || st.Err != nil {
		t.Fatalf("expected empty state, got %+v", st)
	}

	cache.Query(ctx, c, key, fetch)
	if n := calls.Load(); n != 2 {
		t.Fatalf("expected refetch after remove, got %d fetches", n)
	}
}

var errFlaky = errors.New("flaky")

func TestQuery_RetriesRetryableFailures(t *testing.T) {
	c := newCache(t, cache.Config{
		ShouldRetry: func(err error) bool { return errors.Is(err, errFlaky) },
	})
	ctx := context.Background()

	var calls atomic.Int32
	res := cache.Query(ctx, c, key, func(context.Context) (room, error) {
		if calls.Add(1) == 1 {
			return room{}, errFlaky
		}
		return room{ID: 1}, nil
	})
	if res.Status != cache.StatusSuccess {
		t.Fatalf("expected success after retry, got %+v", res)
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("expected 2 attempts, got %d", n)
	}
}

func TestQuery_RetryBudget(t *testing.T) {
	errFatal := errors.New("fatal")
	cases := []struct {
		name    string
		retries int
		err     error
		want    int32
	}{
		{"default retries once", 0, errFlaky, 2},
		{"disabled", -1, errFlaky, 1},
		{"two retries", 2, errFlaky, 3},
		{"not retryable", 0, errFatal, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newCache(t, cache.Config{
				ReadRetries: tc.retries,
				ShouldRetry: func(err error) bool { return errors.Is(err, errFlaky) },
			})
			var calls atomic.Int32
			res := cache.Query(context.Background(), c, key, func(context.Context) (room, error) {
				calls.Add(1)
				return room{}, tc.err
			})
			if res.Status != cache.StatusError || !errors.Is(res.Err, tc.err) {
				t.Fatalf("expected error result, got %+v", res)
			}
			if n := calls.Load(); n != tc.want {
				t.Fatalf("expected %d attempts, got %d", tc.want, n)
			}
		})
	}
}

func TestQuery_FailureIsHeldPerKeyAndKeepsLastValue(t *testing.T) {
	c := newCache(t, cache.Config{ReadRetries: -1})
	ctx := context.Background()
	boom := errors.New("boom")

	if err := c.Set(ctx, key, room{ID: 1, Name: "cached"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	res := cache.Query(ctx, c, key, func(context.Context) (room, error) {
		return room{}, boom
	}, cache.Refetch())

	if res.Status != cache.StatusError || !errors.Is(res.Err, boom) {
		t.Fatalf("expected error result, got %+v", res)
	}
	if !res.HasData || res.Data.Name != "cached" {
		t.Fatalf("expected last value alongside error, got %+v", res)
	}
	if st := c.State(ctx, key); !errors.Is(st.Err, boom) || st.ErrAt.IsZero() {
		t.Fatalf("expected error held in state, got %+v", st)
	}
	if other := c.State(ctx, testKey("rooms:public:list")); other.Err != nil {
		t.Fatalf("error leaked to another key: %+v", other)
	}
}

func TestQuery_CallerCancellationDoesNotAbortSharedFetch(t *testing.T) {
	c := newCache(t, cache.Config{})
	release := make(chan struct{})
	started := make(chan struct{})
	fetch := func(ctx context.Context) (room, error) {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			return room{}, err
		}
		return room{ID: 1, Name: "late"}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan cache.Result[room], 1)
	go func() { done <- cache.Query(ctx, c, key, fetch) }()
	<-started
	cancel()
	res := <-done
	if !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("expected cancellation error, got %+v", res)
	}

	ch, stop := c.Watch(key)
	defer stop()
	close(release)
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fetch to settle")
	}
	got, ok := cache.Peek[room](context.Background(), c, key)
	if !ok || got.Name != "late" {
		t.Fatalf("expected detached fetch to populate cache, got %+v (ok=%v)", got, ok)
	}
}

func TestWatch_SignalsUntilCancelled(t *testing.T) {
	c := newCache(t, cache.Config{})
	ctx := context.Background()

	ch, cancel := c.Watch(key)
	if err := c.Set(ctx, key, room{ID: 1}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	c.Invalidate(ctx, key)
	select {
	case <-ch:
	default:
		t.Fatal("expected a change signal")
	}
	select {
	case <-ch:
		t.Fatal("signals should coalesce into one pending notification")
	default:
	}

	cancel()
	cancel()
	if _, open := <-ch; open {
		t.Fatal("expected channel closed after cancel")
	}
	if err := c.Set(ctx, key, room{ID: 2}); err != nil {
		t.Fatalf("Set after cancel: %v", err)
	}
}

func TestClear_DropsEverythingAndNotifies(t *testing.T) {
	c := newCache(t, cache.Config{})
	ctx := context.Background()
	other := testKey("rooms:hosted:7")

	_ = c.Set(ctx, key, room{ID: 1})
	_ = c.Set(ctx, other, []room{{ID: 2}})
	ch, cancel := c.Watch(other)
	defer cancel()

	if err := c.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, ok := cache.Peek[room](ctx, c, key); ok {
		t.Fatal("expected key cleared")
	}
	if _, ok := cache.Peek[[]room](ctx, c, other); ok {
		t.Fatal("expected other cleared")
	}
	select {
	case <-ch:
	default:
		t.Fatal("expected watchers notified on clear")
	}
}

func TestStatus_String(t *testing.T) {
	for s, want := range map[cache.Status]string{
		cache.StatusDisabled: "disabled",
		cache.StatusSuccess:  "success",
		cache.StatusError:    "error",
	} {
		if s.String() != want {
			t.Fatalf("%d: got %q want %q", int(s), s.String(), want)
		}
	}
}
