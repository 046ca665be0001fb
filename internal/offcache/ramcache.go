package offcache

import (
	"strings"
	"sync"
)

type ramItem struct {
	key  string
	resp Response
	size int64
	prev *ramItem
	next *ramItem
}

// ramCache is a byte-bounded LRU kept in front of a disk backend. Dropping an
// item only costs a disk read later; the disk copy stays authoritative.
type ramCache struct {
	maxBytes int64
	overflow *rateLimitedLogger

	mu    sync.Mutex
	items map[string]*ramItem
	head  *ramItem
	tail  *ramItem
	total int64
}

func newRAMCache(maxBytes int64, overflow *rateLimitedLogger) *ramCache {
	return &ramCache{maxBytes: maxBytes, overflow: overflow, items: map[string]*ramItem{}}
}

func (c *ramCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *ramCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *ramCache) Get(key string) (Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return Response{}, false
	}
	c.moveToFront(it)
	return it.resp, true
}

func (c *ramCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.items[key]; ok {
		c.drop(it)
	}
}

// DeletePrefix drops every key starting with prefix.
func (c *ramCache) DeletePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, it := range c.items {
		if strings.HasPrefix(k, prefix) {
			c.drop(it)
		}
	}
}

// Put stores resp with its encoded size. Entries larger than the whole budget
// are not kept in RAM at all.
func (c *ramCache) Put(key string, resp Response, size int64) {
	if c.maxBytes <= 0 || size > c.maxBytes {
		c.Delete(key)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if it, ok := c.items[key]; ok {
		c.total += size - it.size
		it.resp = resp
		it.size = size
		c.moveToFront(it)
		c.evictLocked()
		return
	}

	it := &ramItem{key: key, resp: resp, size: size}
	c.items[key] = it
	c.addToFront(it)
	c.total += size
	c.evictLocked()
}

func (c *ramCache) evictLocked() {
	if c.total <= c.maxBytes {
		return
	}
	if c.overflow != nil {
		c.overflow.Debug("ram tier full, evicting least recently used entries")
	}
	for c.total > c.maxBytes && c.tail != nil {
		c.drop(c.tail)
	}
}

func (c *ramCache) drop(it *ramItem) {
	c.remove(it)
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

func (c *ramCache) remove(it *ramItem) {
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
	c.remove(it)
	c.addToFront(it)
}
