package cache

import (
	"container/list"
	"sync"
	"time"
)

type LRUOpts struct {
	// Size is the maximum number of entries. Defaults to 1024.
	Size int
}

type lruEntry struct {
	key       string
	val       any
	expiresAt time.Time // zero means no expiry
}

// LRU is an in-memory LRU cache safe for concurrent use. Entries past
// their TTL count as absent and are evicted on access.
type LRU struct {
	mu   sync.Mutex
	size int
	ll   *list.List
	idx  map[string]*list.Element
}

func NewLRU(opts LRUOpts) *LRU {
	size := opts.Size
	if size <= 0 {
		size = 1024
	}
	return &LRU{
		size: size,
		ll:   list.New(),
		idx:  make(map[string]*list.Element),
	}
}

func (l *LRU) Get(key string) (any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	el, ok := l.idx[key]
	if !ok {
		return nil, false
	}
	ent := el.Value.(*lruEntry)
	if ent.expired(time.Now()) {
		l.remove(el)
		return nil, false
	}
	l.ll.MoveToFront(el)
	return ent.val, true
}

func (l *LRU) Put(key string, val any, opts ...PutOption) {
	options := PutOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	var expiresAt time.Time
	if options.TTL > 0 {
		expiresAt = time.Now().Add(options.TTL)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if el, ok := l.idx[key]; ok {
		ent := el.Value.(*lruEntry)
		ent.val = val
		ent.expiresAt = expiresAt
		l.ll.MoveToFront(el)
		return
	}

	el := l.ll.PushFront(&lruEntry{key: key, val: val, expiresAt: expiresAt})
	l.idx[key] = el

	for l.ll.Len() > l.size {
		l.remove(l.ll.Back())
	}
}

func (l *LRU) Delete(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.idx[key]; ok {
		l.remove(el)
	}
}

func (l *LRU) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	n := 0
	for el := l.ll.Front(); el != nil; el = el.Next() {
		if !el.Value.(*lruEntry).expired(now) {
			n++
		}
	}
	return n
}

// remove must be called with l.mu held.
func (l *LRU) remove(el *list.Element) {
	if el == nil {
		return
	}
	ent := el.Value.(*lruEntry)
	delete(l.idx, ent.key)
	l.ll.Remove(el)
}

func (e *lruEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

var _ Cache = (*LRU)(nil)
