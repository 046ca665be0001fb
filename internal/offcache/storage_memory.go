package offcache

import (
	"context"
	"sort"
	"sync"
)

// MemoryStorage keeps buckets in process memory. Used for tests and for
// deployments that accept a cold cache after restart.
type MemoryStorage struct {
	mu      sync.Mutex
	buckets map[string]*memoryBucket
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{buckets: map[string]*memoryBucket{}}
}

func (s *MemoryStorage) Open(_ context.Context, name string) (Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[name]
	if !ok {
		b = &memoryBucket{name: name, items: map[string]Response{}}
		s.buckets[name] = b
	}
	return b, nil
}

func (s *MemoryStorage) Has(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.buckets[name]
	return ok, nil
}

func (s *MemoryStorage) Keys(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.buckets))
	for k := range s.buckets {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStorage) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.buckets[name]
	delete(s.buckets, name)
	return ok, nil
}

func (s *MemoryStorage) Close() error { return nil }

type memoryBucket struct {
	name  string
	mu    sync.RWMutex
	items map[string]Response
}

func (b *memoryBucket) Name() string { return b.name }

func (b *memoryBucket) Match(_ context.Context, key string) (Response, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.items[key]
	if !ok {
		return Response{}, false, nil
	}
	return r.Clone(), true, nil
}

func (b *memoryBucket) Put(_ context.Context, key string, resp Response) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items[key] = resp.Clone()
	return nil
}

func (b *memoryBucket) PutAll(_ context.Context, entries []Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range entries {
		b.items[e.Key] = e.Response.Clone()
	}
	return nil
}

func (b *memoryBucket) Delete(_ context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.items[key]
	delete(b.items, key)
	return ok, nil
}

func (b *memoryBucket) Keys(context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.items))
	for k := range b.items {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}
