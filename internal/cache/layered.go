package cache

import (
	"context"
	"log/slog"
	"time"
)

// Tier is a shared byte-level cache consulted after the in-process cache,
// typically Redis so several daemons can share warmed segments.
type Tier interface {
	// Get returns the value and its remaining time to live. A zero ttl means
	// the entry has no expiry.
	Get(ctx context.Context, key string) (value []byte, ttl time.Duration, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Expire resets the time to live of an existing entry.
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// Codec converts cache values to and from the bytes stored in a Tier.
type Codec[T any] struct {
	Encode func(T) []byte
	Decode func([]byte) (T, error)
}

// BytesCodec stores values as-is.
var BytesCodec = Codec[[]byte]{
	Encode: func(b []byte) []byte { return b },
	Decode: func(b []byte) ([]byte, error) { return b, nil },
}

// StringCodec stores strings as their bytes.
var StringCodec = Codec[string]{
	Encode: func(s string) []byte { return []byte(s) },
	Decode: func(b []byte) (string, error) { return string(b), nil },
}

// Layered reads the memory cache first and falls back to the optional Tier,
// promoting tier hits into memory with the age they already have. Writes go
// to both. Tier failures are logged and treated as misses.
type Layered[T any] struct {
	mem   *Cache[T]
	tier  Tier
	codec Codec[T]
	log   *slog.Logger
}

// NewLayered composes mem with tier. tier may be nil.
func NewLayered[T any](mem *Cache[T], tier Tier, codec Codec[T], log *slog.Logger) *Layered[T] {
	return &Layered[T]{mem: mem, tier: tier, codec: codec, log: log.With(slog.String("cache", mem.Name()))}
}

// Memory returns the in-process cache.
func (l *Layered[T]) Memory() *Cache[T] { return l.mem }

// Get looks up key in memory, then in the tier.
func (l *Layered[T]) Get(ctx context.Context, key string) (T, bool) {
	if v, ok := l.mem.Get(key); ok {
		return v, true
	}
	var zero T
	if l.tier == nil {
		return zero, false
	}
	b, remaining, ok, err := l.tier.Get(ctx, key)
	if err != nil {
		l.log.Warn("cache tier get failed", slog.String("key", key), slog.String("error", err.Error()))
		return zero, false
	}
	if !ok {
		return zero, false
	}
	v, err := l.codec.Decode(b)
	if err != nil {
		l.log.Warn("cache tier decode failed", slog.String("key", key), slog.String("error", err.Error()))
		return zero, false
	}
	var age time.Duration
	if remaining > 0 {
		age = l.mem.TTL() - remaining
	}
	l.mem.PutAged(key, v, age)
	return v, true
}

// Put writes key to memory and, best effort, to the tier.
func (l *Layered[T]) Put(ctx context.Context, key string, value T) {
	l.mem.Put(key, value)
	if l.tier == nil {
		return
	}
	if err := l.tier.Set(ctx, key, l.codec.Encode(value), l.mem.TTL()); err != nil {
		l.log.Warn("cache tier set failed", slog.String("key", key), slog.String("error", err.Error()))
	}
}

// Refresh restarts the lifetime of a value just served from the cache. The
// tier only has its expiry extended; the value is not rewritten.
func (l *Layered[T]) Refresh(ctx context.Context, key string, value T) {
	l.mem.Put(key, value)
	if l.tier == nil {
		return
	}
	if err := l.tier.Expire(ctx, key, l.mem.TTL()); err != nil {
		l.log.Warn("cache tier expire failed", slog.String("key", key), slog.String("error", err.Error()))
	}
}
