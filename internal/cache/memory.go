package cache

import (
	"context"
	"sync"
)

// MemoryStorage keeps every bucket in process memory. Each bucket is an LRU
// bounded by maxBytes of entry data (0 means unbounded).
type MemoryStorage struct {
	maxBytes int64

	mu      sync.Mutex
	buckets map[string]*memBucket
}

func NewMemoryStorage(maxBytes int64) *MemoryStorage {
	return &MemoryStorage{maxBytes: maxBytes, buckets: map[string]*memBucket{}}
}

func (s *MemoryStorage) Open(_ context.Context, name string) (Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[name]
	if !ok {
		b = newMemBucket(s.maxBytes)
		s.buckets[name] = b
	}
	return b, nil
}

type memItem struct {
	key  string
	ent  *Entry
	size int64
	prev *memItem
	next *memItem
}

type memBucket struct {
	maxBytes int64

	mu    sync.Mutex
	items map[string]*memItem
	head  *memItem
	tail  *memItem
	total int64
}

func newMemBucket(maxBytes int64) *memBucket {
	return &memBucket{maxBytes: maxBytes, items: map[string]*memItem{}}
}

func (c *memBucket) Match(_ context.Context, key string) (*Entry, bool, error) {
	ent, ok := c.get(key)
	return ent, ok, nil
}

func (c *memBucket) Put(_ context.Context, key string, ent *Entry) error {
	c.put(key, ent)
	return nil
}

func (c *memBucket) Delete(_ context.Context, key string) error {
	c.delete(key)
	return nil
}

func (c *memBucket) Keys(context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.items))
	for it := c.head; it != nil; it = it.next {
		out = append(out, it.key)
	}
	return out, nil
}

func (c *memBucket) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *memBucket) get(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.moveToFront(it)
	return it.ent.Clone(), true
}

func (c *memBucket) delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return
	}
	c.remove(it)
	delete(c.items, key)
	c.total -= it.size
}

// put stores a copy of ent. Entries larger than the whole budget are not
// kept at all.
func (c *memBucket) put(key string, ent *Entry) {
	ent = ent.Clone()
	sz := ent.size()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxBytes > 0 && sz > c.maxBytes {
		if it, ok := c.items[key]; ok {
			c.remove(it)
			delete(c.items, key)
			c.total -= it.size
		}
		return
	}

	if it, ok := c.items[key]; ok {
		c.total -= it.size
		it.ent = ent
		it.size = sz
		c.total += sz
		c.moveToFront(it)
		c.evictLocked(0)
		return
	}

	c.evictLocked(sz)

	it := &memItem{key: key, ent: ent, size: sz}
	c.items[key] = it
	c.addToFront(it)
	c.total += sz
}

// evictLocked drops least recently used items until incoming more bytes fit.
func (c *memBucket) evictLocked(incoming int64) {
	for c.maxBytes > 0 && c.total+incoming > c.maxBytes && c.tail != nil {
		it := c.tail
		c.remove(it)
		delete(c.items, it.key)
		c.total -= it.size
	}
}

func (c *memBucket) addToFront(it *memItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *memBucket) remove(it *memItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *memBucket) moveToFront(it *memItem) {
	if c.head == it {
		return
	}
	c.remove(it)
	c.addToFront(it)
}
