// Package cachetest provides a conformance suite for cache.Store
// implementations. Backends call RunStoreTests from their own tests.
package cachetest

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/ggoodman/loco-client-go/cache"
)

// Factory returns a fresh, empty store for one subtest. Cleanup is the
// caller's responsibility (t.Cleanup is typical).
type Factory func(t *testing.T) cache.Store

// RunStoreTests exercises the cache.Store contract against stores built by
// newStore.
func RunStoreTests(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("SetAndGet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		data := []byte(`{"id":1}`)

		before := time.Now()
		if err := s.Set(ctx, "rooms:public:detail:1", data); err != nil {
			t.Fatalf("Set: %v", err)
		}
		item, err := s.Get(ctx, "rooms:public:detail:1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if item == nil {
			t.Fatal("expected item, got nil")
		}
		if !bytes.Equal(item.Data, data) {
			t.Fatalf("data mismatch: got %q want %q", item.Data, data)
		}
		if item.CreatedAt.Before(before.Add(-time.Second)) {
			t.Fatalf("CreatedAt %v earlier than write time %v", item.CreatedAt, before)
		}
		if item.ExpiresAt != nil {
			t.Fatalf("expected no expiry without TTL, got %v", item.ExpiresAt)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		item, err := s.Get(context.Background(), "missing")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if item != nil {
			t.Fatalf("expected nil item, got %+v", item)
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if err := s.Set(ctx, "k", []byte("one")); err != nil {
			t.Fatalf("Set: %v", err)
		}
		if err := s.Set(ctx, "k", []byte("two")); err != nil {
			t.Fatalf("Set: %v", err)
		}
		item, err := s.Get(ctx, "k")
		if err != nil || item == nil {
			t.Fatalf("Get: item=%v err=%v", item, err)
		}
		if string(item.Data) != "two" {
			t.Fatalf("expected last write to win, got %q", item.Data)
		}
	})

	t.Run("CallerBufferNotRetained", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		buf := []byte("abc")
		if err := s.Set(ctx, "k", buf); err != nil {
			t.Fatalf("Set: %v", err)
		}
		buf[0] = 'x'
		item, err := s.Get(ctx, "k")
		if err != nil || item == nil {
			t.Fatalf("Get: item=%v err=%v", item, err)
		}
		if string(item.Data) != "abc" {
			t.Fatalf("store aliased caller buffer: %q", item.Data)
		}
	})

	t.Run("TTL", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if err := s.Set(ctx, "k", []byte("v"), cache.WithTTL(time.Second)); err != nil {
			t.Fatalf("Set: %v", err)
		}
		item, err := s.Get(ctx, "k")
		if err != nil || item == nil {
			t.Fatalf("expected item before expiry: item=%v err=%v", item, err)
		}
		if item.ExpiresAt == nil {
			t.Fatal("expected ExpiresAt with TTL")
		}

		time.Sleep(1100 * time.Millisecond)
		item, err = s.Get(ctx, "k")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if item != nil {
			t.Fatal("expected item to expire")
		}
	})

	t.Run("Delete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_ = s.Set(ctx, "a", []byte("1"))
		_ = s.Set(ctx, "b", []byte("2"))
		if err := s.Delete(ctx, "a"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if err := s.Delete(ctx, "never-set"); err != nil {
			t.Fatalf("Delete missing key: %v", err)
		}
		if item, _ := s.Get(ctx, "a"); item != nil {
			t.Fatal("expected a to be deleted")
		}
		if item, _ := s.Get(ctx, "b"); item == nil {
			t.Fatal("expected b to survive")
		}
	})

	t.Run("Clear", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for _, k := range []string{"rooms:public:list", "rooms:hosted:7", "rooms:joined:7"} {
			if err := s.Set(ctx, k, []byte("[]")); err != nil {
				t.Fatalf("Set %s: %v", k, err)
			}
		}
		if err := s.Clear(ctx); err != nil {
			t.Fatalf("Clear: %v", err)
		}
		for _, k := range []string{"rooms:public:list", "rooms:hosted:7", "rooms:joined:7"} {
			if item, _ := s.Get(ctx, k); item != nil {
				t.Fatalf("expected %s cleared", k)
			}
		}
	})
	t.Run("StaleMark", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		written := time.Now().Add(-time.Minute).Truncate(time.Millisecond)
		if err := s.Set(ctx, "rooms:joined:7", []byte("[]"), cache.WithTTL(time.Minute), cache.WithCreatedAt(written), cache.MarkStale()); err != nil {
			t.Fatalf("Set: %v", err)
		}
		item, err := s.Get(ctx, "rooms:joined:7")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if item == nil {
			t.Fatal("expected item, got nil")
		}
		if !item.Stale {
			t.Fatal("expected stale mark to survive the store")
		}
		if !item.CreatedAt.Equal(written) {
			t.Fatalf("CreatedAt = %v, want %v", item.CreatedAt, written)
		}
		if item.ExpiresAt == nil || !item.ExpiresAt.After(time.Now()) {
			t.Fatalf("expected expiry counted from the rewrite, got %v", item.ExpiresAt)
		}

		if err := s.Set(ctx, "rooms:joined:7", []byte("[]")); err != nil {
			t.Fatalf("Set: %v", err)
		}
		if item, _ := s.Get(ctx, "rooms:joined:7"); item == nil || item.Stale {
			t.Fatalf("expected a plain write to clear the stale mark, got %+v", item)
		}
	})
}
