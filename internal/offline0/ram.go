package offline0

import (
	"strings"
	"sync"
)

type ramItem struct {
	key  string
	ent  Entry
	size int64
	prev *ramItem
	next *ramItem
}

// ramCache is a byte-bounded LRU kept in front of a disk backend. It is a
// read cache only: the disk backend is always written first, so evicting
// from RAM never loses data.
type ramCache struct {
	maxBytes int64

	mu    sync.Mutex
	items map[string]*ramItem
	head  *ramItem
	tail  *ramItem
	total int64
}

// newRAMCache returns nil when maxBytes is not positive; all methods accept a
// nil receiver.
func newRAMCache(maxBytes int64) *ramCache {
	if maxBytes <= 0 {
		return nil
	}
	return &ramCache{maxBytes: maxBytes, items: map[string]*ramItem{}}
}

func (c *ramCache) TotalSize() int64 {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *ramCache) Get(key string) (Entry, bool) {
	if c == nil {
		return Entry{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return Entry{}, false
	}
	c.moveToFront(it)
	return it.ent.clone(), true
}

func (c *ramCache) Delete(key string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.items[key]; ok {
		c.removeLocked(it)
	}
}

func (c *ramCache) DeletePrefix(prefix string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, it := range c.items {
		if strings.HasPrefix(k, prefix) {
			c.removeLocked(it)
		}
	}
}

func (c *ramCache) Put(key string, ent Entry, size int64) {
	if c == nil {
		return
	}
	if size > c.maxBytes {
		// too big for RAM, served from disk only
		c.Delete(key)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if it, ok := c.items[key]; ok {
		c.total -= it.size
		it.ent = ent.clone()
		it.size = size
		c.total += size
		c.moveToFront(it)
	} else {
		it := &ramItem{key: key, ent: ent.clone(), size: size}
		c.items[key] = it
		c.addToFront(it)
		c.total += size
	}

	for c.total > c.maxBytes && c.tail != nil {
		c.removeLocked(c.tail)
	}
}

func (c *ramCache) removeLocked(it *ramItem) {
	c.unlink(it)
	delete(c.items, it.key)
	c.total -= it.size
}

func (c *ramCache) addToFront(it *ramItem) {
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

func (c *ramCache) unlink(it *ramItem) {
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

func (c *ramCache) moveToFront(it *ramItem) {
	if c.head == it {
		return
	}
	c.unlink(it)
	c.addToFront(it)
}
