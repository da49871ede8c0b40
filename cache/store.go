package cache

import (
	"context"
	"time"
)

// Store holds encoded cache values. Implementations must be safe for
// concurrent use.
type Store interface {
	// Get returns the item stored under key. It returns nil without error
	// when the key does not exist or has expired.
	Get(ctx context.Context, key string) (*Item, error)

	// Set stores data under key, replacing any previous item.
	Set(ctx context.Context, key string, data []byte, opts ...Option) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Clear removes every key owned by the store.
	Clear(ctx context.Context) error

	// Close releases resources held by the backend.
	Close() error
}

// Item is a stored value with its metadata.
type Item struct {
	Data      []byte     // JSON-encoded value
	CreatedAt time.Time  // When the value was written
	ExpiresAt *time.Time // When the item is garbage collected (nil = never)
	Stale     bool       // Marked stale by an invalidation
}

// IsExpired reports whether the item has passed its expiry.
func (i *Item) IsExpired() bool {
	return i.ExpiresAt != nil && time.Now().After(*i.ExpiresAt)
}

// Option configures a Set.
type Option func(*Options)

// Options holds per-call store settings.
type Options struct {
	TTL       *time.Duration
	CreatedAt *time.Time
	Stale     bool
}

// WithTTL sets how long the item is kept before it is garbage collected.
func WithTTL(ttl time.Duration) Option {
	return func(o *Options) {
		o.TTL = &ttl
	}
}

// WithCreatedAt keeps the write time of an item that is rewritten in place.
func WithCreatedAt(t time.Time) Option {
	return func(o *Options) {
		o.CreatedAt = &t
	}
}

// MarkStale stores the item as stale so every reader refetches it.
func MarkStale() Option {
	return func(o *Options) {
		o.Stale = true
	}
}

// ApplyOptions folds opts into an Options value. Store implementations use it
// to read the per-call settings.
func ApplyOptions(opts ...Option) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewItem builds an item for data written now, honouring the options. The
// TTL counts from now even when CreatedAt is carried over.
func NewItem(data []byte, opts ...Option) *Item {
	o := ApplyOptions(opts...)
	now := time.Now()
	item := &Item{
		Data:      make([]byte, len(data)),
		CreatedAt: now,
		Stale:     o.Stale,
	}
	if o.CreatedAt != nil {
		item.CreatedAt = *o.CreatedAt
	}
	copy(item.Data, data)
	if o.TTL != nil && *o.TTL > 0 {
		expiresAt := now.Add(*o.TTL)
		item.ExpiresAt = &expiresAt
	}
	return item
}
