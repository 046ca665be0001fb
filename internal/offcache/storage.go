package offcache

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// CacheStorage is the set of named buckets owned by one origin.
type CacheStorage interface {
	// Open returns the bucket called name, creating it when absent.
	Open(ctx context.Context, name string) (Bucket, error)
	Has(ctx context.Context, name string) (bool, error)
	// Keys lists bucket names in lexical order.
	Keys(ctx context.Context) ([]string, error)
	// Delete drops the bucket and all its entries. It reports whether the
	// bucket existed.
	Delete(ctx context.Context, name string) (bool, error)
	Close() error
}

// Bucket is one named request -> response store.
//
// A Bucket handle stays usable after its bucket is deleted; writes through it
// land in an orphan that Keys never lists and that a later Open of the same
// name discards.
type Bucket interface {
	Name() string
	Match(ctx context.Context, key string) (Response, bool, error)
	Put(ctx context.Context, key string, resp Response) error
	// PutAll stores every entry or none of them.
	PutAll(ctx context.Context, entries []Entry) error
	Delete(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
}

// Entry is a key/response pair for PutAll.
type Entry struct {
	Key      string
	Response Response
}

// OpenStorage builds the storage backend selected by cfg.Storage.Driver.
func OpenStorage(cfg Config, logger *zap.Logger) (CacheStorage, error) {
	switch cfg.Storage.Driver {
	case "leveldb":
		return OpenLevelDBStorage(cfg.Storage.Path, cfg.ramMax, logger)
	case "sqlite":
		return OpenSQLiteStorage(cfg.Storage.Path)
	case "memory":
		return NewMemoryStorage(), nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
