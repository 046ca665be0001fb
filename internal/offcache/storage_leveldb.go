package offcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"
)

// Key layout:
//
//	n:<bucket>             bucket marker (gob bucketMeta)
//	e:<bucket>\x00<key>    entry (gob Response)
const (
	lvlNamePrefix  = "n:"
	lvlEntryPrefix = "e:"
)

type bucketMeta struct {
	CreatedAt int64
}

// LevelDBStorage persists buckets in a goleveldb database with a RAM LRU in
// front of entry reads.
type LevelDBStorage struct {
	db  *leveldb.DB
	ram *ramCache

	// serializes bucket create/delete; entry writes do not take it
	mu sync.Mutex
}

func OpenLevelDBStorage(path string, ramMax int64, logger *zap.Logger) (*LevelDBStorage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &LevelDBStorage{
		db:  db,
		ram: newRAMCache(ramMax, newRateLimitedLogger(logger, time.Minute)),
	}, nil
}

func (s *LevelDBStorage) Close() error {
	return s.db.Close()
}

func validBucketName(name string) error {
	if name == "" || strings.ContainsRune(name, 0) {
		return fmt.Errorf("invalid bucket name %q", name)
	}
	return nil
}

func entryPrefix(name string) string { return lvlEntryPrefix + name + "\x00" }

func (s *LevelDBStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if err := validBucketName(name); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.db.Has([]byte(lvlNamePrefix+name), nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Drop orphans written through handles of a deleted bucket.
		batch := s.purgeBatch(name)
		mb, err := encodeGob(bucketMeta{CreatedAt: time.Now().Unix()})
		if err != nil {
			return nil, err
		}
		batch.Put([]byte(lvlNamePrefix+name), mb)
		if err := s.db.Write(batch, nil); err != nil {
			return nil, err
		}
		s.ram.DeletePrefix(entryPrefix(name))
	}
	return &levelDBBucket{s: s, name: name}, nil
}

func (s *LevelDBStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.db.Has([]byte(lvlNamePrefix+name), nil)
}

func (s *LevelDBStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	it := s.db.NewIterator(util.BytesPrefix([]byte(lvlNamePrefix)), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte(lvlNamePrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (s *LevelDBStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.db.Has([]byte(lvlNamePrefix+name), nil)
	if err != nil || !ok {
		return false, err
	}
	batch := s.purgeBatch(name)
	batch.Delete([]byte(lvlNamePrefix + name))
	if err := s.db.Write(batch, nil); err != nil {
		return false, err
	}
	s.ram.DeletePrefix(entryPrefix(name))
	return true, nil
}

func (s *LevelDBStorage) purgeBatch(name string) *leveldb.Batch {
	batch := new(leveldb.Batch)
	it := s.db.NewIterator(util.BytesPrefix([]byte(entryPrefix(name))), nil)
	defer it.Release()
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	return batch
}

// RAMUsage reports the bytes and entries held by the RAM tier.
func (s *LevelDBStorage) RAMUsage() (int64, int) {
	return s.ram.TotalSize(), s.ram.Len()
}

type levelDBBucket struct {
	s    *LevelDBStorage
	name string
}

func (b *levelDBBucket) Name() string { return b.name }

func (b *levelDBBucket) dbKey(key string) string { return entryPrefix(b.name) + key }

func (b *levelDBBucket) Match(ctx context.Context, key string) (Response, bool, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, false, err
	}
	k := b.dbKey(key)
	if resp, ok := b.s.ram.Get(k); ok {
		return resp.Clone(), true, nil
	}
	raw, err := b.s.db.Get([]byte(k), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Response{}, false, nil
	}
	if err != nil {
		return Response{}, false, err
	}
	var resp Response
	if err := decodeGob(raw, &resp); err != nil {
		return Response{}, false, fmt.Errorf("decode %s: %w", key, err)
	}
	b.s.ram.Put(k, resp, int64(len(raw)))
	return resp.Clone(), true, nil
}

func (b *levelDBBucket) Put(ctx context.Context, key string, resp Response) error {
	return b.PutAll(ctx, []Entry{{Key: key, Response: resp}})
}

func (b *levelDBBucket) PutAll(ctx context.Context, entries []Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	encoded := make([][]byte, len(entries))
	for i, e := range entries {
		raw, err := encodeGob(e.Response)
		if err != nil {
			return fmt.Errorf("encode %s: %w", e.Key, err)
		}
		encoded[i] = raw
		batch.Put([]byte(b.dbKey(e.Key)), raw)
	}
	if err := b.s.db.Write(batch, nil); err != nil {
		return err
	}
	for i, e := range entries {
		b.s.ram.Put(b.dbKey(e.Key), e.Response.Clone(), int64(len(encoded[i])))
	}
	return nil
}

func (b *levelDBBucket) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	k := []byte(b.dbKey(key))
	ok, err := b.s.db.Has(k, nil)
	if err != nil || !ok {
		return false, err
	}
	if err := b.s.db.Delete(k, nil); err != nil {
		return false, err
	}
	b.s.ram.Delete(string(k))
	return true, nil
}

func (b *levelDBBucket) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := []byte(entryPrefix(b.name))
	it := b.s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	return out, it.Error()
}
