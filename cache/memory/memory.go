// Package memory provides an in-process cache.Store backed by
// github.com/hashicorp/golang-lru/v2/expirable. Entries are evicted when the
// store is full (least recently used first) or when their TTL elapses.
package memory

import (
	"context"
	"time"

	"github.com/ggoodman/loco-client-go/cache"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultSize is the entry limit used when New is given a non-positive size.
const DefaultSize = 1024

// Store implements cache.Store in memory.
type Store struct {
	lru *expirable.LRU[string, *cache.Item]
}

// New creates a store holding at most size entries. ttl bounds the lifetime
// of every entry; items written with a shorter cache.WithTTL expire sooner.
// A zero ttl keeps entries until they are evicted.
func New(size int, ttl time.Duration) *Store {
	if size <= 0 {
		size = DefaultSize
	}
	return &Store{lru: expirable.NewLRU[string, *cache.Item](size, nil, ttl)}
}

// Get returns the item for key or nil if it is missing or expired.
func (s *Store) Get(ctx context.Context, key string) (*cache.Item, error) {
	item, ok := s.lru.Get(key)
	if !ok {
		return nil, nil
	}
	if item.IsExpired() {
		s.lru.Remove(key)
		return nil, nil
	}
	return item, nil
}

// Set stores a copy of data under key.
func (s *Store) Set(ctx context.Context, key string, data []byte, opts ...cache.Option) error {
	s.lru.Add(key, cache.NewItem(data, opts...))
	return nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.lru.Remove(key)
	return nil
}

// Clear removes every entry.
func (s *Store) Clear(ctx context.Context) error {
	s.lru.Purge()
	return nil
}

// Len returns the number of entries, expired ones included until they are
// reaped.
func (s *Store) Len() int {
	return s.lru.Len()
}

// Close empties the store.
func (s *Store) Close() error {
	s.lru.Purge()
	return nil
}

var _ cache.Store = (*Store)(nil)
