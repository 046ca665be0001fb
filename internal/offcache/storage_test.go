package offcache

import (
	"context"
	"net/http"
	"path/filepath"
	"reflect"
	"testing"

	"go.uber.org/zap"
)

type storageFactory struct {
	name string
	open func(t *testing.T) CacheStorage
}

func storageBackends() []storageFactory {
	return []storageFactory{
		{"memory", func(t *testing.T) CacheStorage { return NewMemoryStorage() }},
		{"leveldb", func(t *testing.T) CacheStorage {
			s, err := OpenLevelDBStorage(filepath.Join(t.TempDir(), "db"), 1<<20, zap.NewNop())
			if err != nil {
				t.Fatalf("open leveldb: %v", err)
			}
			t.Cleanup(func() { _ = s.Close() })
			return s
		}},
		{"sqlite", func(t *testing.T) CacheStorage {
			s, err := OpenSQLiteStorage(filepath.Join(t.TempDir(), "cache.db"))
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			t.Cleanup(func() { _ = s.Close() })
			return s
		}},
	}
}

func sampleResponse(body string) Response {
	return Response{
		URL:      testOrigin + "/x",
		Status:   http.StatusOK,
		Header:   http.Header{"Content-Type": []string{"text/css"}, "Etag": []string{`"v1"`}},
		Body:     []byte(body),
		StoredAt: 1700000000,
		Hash32:   42,
	}
}

func TestStorageBuckets(t *testing.T) {
	ctx := context.Background()
	for _, backend := range storageBackends() {
		t.Run(backend.name, func(t *testing.T) {
			s := backend.open(t)

			if ok, _ := s.Has(ctx, "v1"); ok {
				t.Fatal("empty storage reports a bucket")
			}
			for _, name := range []string{"v2", "v1"} {
				if _, err := s.Open(ctx, name); err != nil {
					t.Fatalf("open %s: %v", name, err)
				}
			}
			names, err := s.Keys(ctx)
			if err != nil {
				t.Fatalf("keys: %v", err)
			}
			if !reflect.DeepEqual(names, []string{"v1", "v2"}) {
				t.Fatalf("keys = %v", names)
			}

			deleted, err := s.Delete(ctx, "v1")
			if err != nil || !deleted {
				t.Fatalf("delete v1 = %v, %v", deleted, err)
			}
			deleted, err = s.Delete(ctx, "v1")
			if err != nil || deleted {
				t.Fatalf("second delete = %v, %v", deleted, err)
			}
			if ok, _ := s.Has(ctx, "v1"); ok {
				t.Fatal("deleted bucket still present")
			}
			if ok, _ := s.Has(ctx, "v2"); !ok {
				t.Fatal("untouched bucket vanished")
			}
		})
	}
}

func TestStorageEntries(t *testing.T) {
	ctx := context.Background()
	for _, backend := range storageBackends() {
		t.Run(backend.name, func(t *testing.T) {
			s := backend.open(t)
			b, err := s.Open(ctx, "v1")
			if err != nil {
				t.Fatalf("open: %v", err)
			}

			if _, ok, err := b.Match(ctx, "GET /missing"); err != nil || ok {
				t.Fatalf("match missing = %v, %v", ok, err)
			}

			want := sampleResponse("body{}")
			if err := b.Put(ctx, "GET /b", want); err != nil {
				t.Fatalf("put: %v", err)
			}
			got, ok, err := b.Match(ctx, "GET /b")
			if err != nil || !ok {
				t.Fatalf("match = %v, %v", ok, err)
			}
			if !reflect.DeepEqual(got, want) {
				t.Fatalf("match = %+v, want %+v", got, want)
			}

			// returned responses are copies
			got.Body[0] = 'X'
			got.Header.Set("Etag", "changed")
			again, _, _ := b.Match(ctx, "GET /b")
			if string(again.Body) != "body{}" || again.Header.Get("Etag") != `"v1"` {
				t.Fatal("mutating a match result changed the stored entry")
			}

			if err := b.PutAll(ctx, []Entry{
				{Key: "GET /a", Response: sampleResponse("a")},
				{Key: "GET /b", Response: sampleResponse("b2")},
			}); err != nil {
				t.Fatalf("put all: %v", err)
			}
			keys, err := b.Keys(ctx)
			if err != nil {
				t.Fatalf("keys: %v", err)
			}
			if !reflect.DeepEqual(keys, []string{"GET /a", "GET /b"}) {
				t.Fatalf("keys = %v", keys)
			}
			if r, _, _ := b.Match(ctx, "GET /b"); string(r.Body) != "b2" {
				t.Fatalf("put all did not replace: %q", r.Body)
			}

			if ok, err := b.Delete(ctx, "GET /a"); err != nil || !ok {
				t.Fatalf("delete entry = %v, %v", ok, err)
			}
			if ok, _ := b.Delete(ctx, "GET /a"); ok {
				t.Fatal("second delete reported an entry")
			}
			if _, ok, _ := b.Match(ctx, "GET /a"); ok {
				t.Fatal("deleted entry still matches")
			}
		})
	}
}

func TestStorageBucketsAreIsolated(t *testing.T) {
	ctx := context.Background()
	for _, backend := range storageBackends() {
		t.Run(backend.name, func(t *testing.T) {
			s := backend.open(t)
			a, _ := s.Open(ctx, "app")
			ab, _ := s.Open(ctx, "app-b")
			if err := a.Put(ctx, "GET /x", sampleResponse("a")); err != nil {
				t.Fatalf("put: %v", err)
			}
			if _, ok, _ := ab.Match(ctx, "GET /x"); ok {
				t.Fatal("entry leaked into a bucket with a shared name prefix")
			}
			if _, err := s.Delete(ctx, "app-b"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, ok, _ := a.Match(ctx, "GET /x"); !ok {
				t.Fatal("deleting a sibling bucket removed entries")
			}
		})
	}
}

func TestStorageStaleHandleWritesAreDiscarded(t *testing.T) {
	ctx := context.Background()
	for _, backend := range storageBackends() {
		t.Run(backend.name, func(t *testing.T) {
			s := backend.open(t)
			stale, _ := s.Open(ctx, "v1")
			if _, err := s.Delete(ctx, "v1"); err != nil {
				t.Fatalf("delete: %v", err)
			}

			// a late background refresh writing through the old handle
			if err := stale.Put(ctx, "GET /late", sampleResponse("late")); err != nil {
				t.Fatalf("stale put: %v", err)
			}
			if names, _ := s.Keys(ctx); len(names) != 0 {
				t.Fatalf("stale write resurrected bucket: %v", names)
			}

			fresh, err := s.Open(ctx, "v1")
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			if keys, _ := fresh.Keys(ctx); len(keys) != 0 {
				t.Fatalf("reopened bucket has orphan entries %v", keys)
			}
		})
	}
}

func TestLevelDBStorageSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "db")

	s, err := OpenLevelDBStorage(path, 1<<20, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	b, _ := s.Open(ctx, "v1")
	if err := b.Put(ctx, "GET /", sampleResponse("home")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if size, n := s.RAMUsage(); size <= 0 || n != 1 {
		t.Fatalf("ram tier = %d bytes, %d entries", size, n)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = OpenLevelDBStorage(path, 1<<20, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	b, _ = s.Open(ctx, "v1")
	got, ok, err := b.Match(ctx, "GET /")
	if err != nil || !ok || string(got.Body) != "home" {
		t.Fatalf("after reopen = %q, %v, %v", got.Body, ok, err)
	}
}

func TestOpenStorageDrivers(t *testing.T) {
	for _, driver := range []string{"memory", "leveldb", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Storage.Driver = driver
			cfg.Storage.Path = filepath.Join(t.TempDir(), "store")
			cfg, err := cfg.Normalize()
			if err != nil {
				t.Fatalf("normalize: %v", err)
			}
			s, err := OpenStorage(cfg, zap.NewNop())
			if err != nil {
				t.Fatalf("open storage: %v", err)
			}
			_ = s.Close()
		})
	}

	cfg := testConfig(t)
	cfg.Storage.Driver = "redis"
	if _, err := OpenStorage(cfg, nil); err == nil {
		t.Fatal("unknown driver accepted")
	}
}
