// Package cache provides a small concurrency-safe LRU cache with optional
// per-entry TTL. The backbone uses it for the fan-out recent-event buffer
// and for the publisher's bounded de-duplication window.
package cache

import "time"

type PutOptions struct {
	TTL time.Duration
}

type PutOption func(*PutOptions)

// WithTTL sets a per-entry expiry. Expired entries are evicted lazily.
func WithTTL(ttl time.Duration) PutOption {
	return func(o *PutOptions) {
		o.TTL = ttl
	}
}

type Cache interface {
	Get(key string) (any, bool)
	Put(key string, val any, opts ...PutOption)
	Delete(key string)
	// Len returns the number of live (non-expired) entries.
	Len() int
}

// TypedCache is a generic, type-safe view over a Cache.
type TypedCache[T any] interface {
	Put(key string, val T, opts ...PutOption)
	Get(key string) (T, bool)
	Delete(key string)
	Len() int
}

type typedCache[T any] struct {
	c Cache
}

func NewTyped[T any](c Cache) TypedCache[T] { return &typedCache[T]{c: c} }

func (t *typedCache[T]) Get(key string) (out T, ok bool) {
	var v any
	v, ok = t.c.Get(key)
	if !ok {
		return out, false
	}
	if out, ok = v.(T); !ok {
		return out, false
	}
	return
}

func (t *typedCache[T]) Put(key string, val T, opts ...PutOption) {
	t.c.Put(key, val, opts...)
}

func (t *typedCache[T]) Delete(key string) { t.c.Delete(key) }
func (t *typedCache[T]) Len() int          { return t.c.Len() }

var _ TypedCache[any] = (*typedCache[any])(nil)
