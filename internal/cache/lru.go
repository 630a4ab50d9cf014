package cache

import (
	"container/list"
	"sync"
	"time"
)

type LRUOpts struct {
	Size int
	// TTL applies to entries put without WithTTL. Zero means no expiry.
	TTL time.Duration
	Now func() time.Time
}

type entry struct {
	key     string
	val     any
	expires time.Time
}

// LRU is a size-bounded cache evicting the least recently used entry.
// Safe for concurrent use.
type LRU struct {
	mu    sync.Mutex
	size  int
	ttl   time.Duration
	now   func() time.Time
	ll    *list.List
	items map[string]*list.Element
}

func NewLRU(opts LRUOpts) *LRU {
	if opts.Size <= 0 {
		opts.Size = 128
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &LRU{
		size:  opts.Size,
		ttl:   opts.TTL,
		now:   opts.Now,
		ll:    list.New(),
		items: make(map[string]*list.Element),
	}
}

func (l *LRU) Get(key string) (any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ele, ok := l.items[key]
	if !ok {
		return nil, false
	}
	e := ele.Value.(*entry)
	if !e.expires.IsZero() && !l.now().Before(e.expires) {
		l.remove(ele)
		return nil, false
	}
	l.ll.MoveToFront(ele)
	return e.val, true
}

func (l *LRU) Put(key string, val any, opts ...PutOption) {
	o := PutOptions{TTL: l.ttl}
	for _, opt := range opts {
		opt(&o)
	}
	var expires time.Time
	if o.TTL > 0 {
		expires = l.now().Add(o.TTL)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if ele, ok := l.items[key]; ok {
		l.ll.MoveToFront(ele)
		e := ele.Value.(*entry)
		e.val = val
		e.expires = expires
		return
	}
	l.items[key] = l.ll.PushFront(&entry{key: key, val: val, expires: expires})
	if l.ll.Len() > l.size {
		if last := l.ll.Back(); last != nil {
			l.remove(last)
		}
	}
}

func (l *LRU) Delete(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ele, ok := l.items[key]; ok {
		l.remove(ele)
	}
}

// Len returns the number of entries, including expired ones not yet evicted.
func (l *LRU) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ll.Len()
}

func (l *LRU) remove(ele *list.Element) {
	l.ll.Remove(ele)
	delete(l.items, ele.Value.(*entry).key)
}

var _ Cache = (*LRU)(nil)
