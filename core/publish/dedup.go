package publish

import (
	"time"

	"github.com/streamhaus/backbone/core/cache"
)

// Deduper remembers event IDs for a sliding window so redeliveries can be
// dropped before they reach the broker twice.
type Deduper struct {
	cache cache.Cache
	ttl   time.Duration
}

// NewDeduper builds a deduper remembering up to size IDs for window each.
func NewDeduper(size int, window time.Duration) *Deduper {
	return &Deduper{
		cache: cache.NewLRU(cache.LRUOpts{Size: size}),
		ttl:   window,
	}
}

// Seen records id and reports whether it was already inside the window.
func (d *Deduper) Seen(id string) bool {
	if id == "" {
		return false
	}
	_, ok := d.cache.Get(id)
	if ok {
		return true
	}
	d.cache.Put(id, struct{}{}, cache.WithTTL(d.ttl))
	return false
}
