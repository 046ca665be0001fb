package offcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS buckets (
	name       TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
	bucket    TEXT NOT NULL,
	key       TEXT NOT NULL,
	url       TEXT NOT NULL,
	status    INTEGER NOT NULL,
	header    BLOB NOT NULL,
	body      BLOB NOT NULL,
	stored_at INTEGER NOT NULL,
	hash      INTEGER NOT NULL,
	PRIMARY KEY (bucket, key)
);`

// SQLiteStorage keeps buckets in a single SQLite file. Entries carry no
// foreign key to buckets so writes through a stale handle never fail.
type SQLiteStorage struct {
	db *sql.DB
}

func OpenSQLiteStorage(path string) (*SQLiteStorage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage path is required")
	}
	dsn := path
	if path != ":memory:" {
		clean := filepath.Clean(path)
		if err := os.MkdirAll(filepath.Dir(clean), 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
		dsn = clean + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// one writer keeps SQLITE_BUSY away and lets :memory: share one database
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

func (s *SQLiteStorage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if err := validBucketName(name); err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO buckets (name, created_at) VALUES (?, ?)`, name, time.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("create bucket %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		// fresh bucket: drop orphans left by writes after a delete
		if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE bucket = ?`, name); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &sqliteBucket{db: s.db, name: name}, nil
}

func (s *SQLiteStorage) Has(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM buckets WHERE name = ?`, name).Scan(&n)
	return n > 0, err
}

func (s *SQLiteStorage) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM buckets ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM buckets WHERE name = ?`, name)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE bucket = ?`, name); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

type sqliteBucket struct {
	db   *sql.DB
	name string
}

func (b *sqliteBucket) Name() string { return b.name }

func (b *sqliteBucket) Match(ctx context.Context, key string) (Response, bool, error) {
	var (
		resp   Response
		header []byte
		hash   int64
	)
	err := b.db.QueryRowContext(ctx,
		`SELECT url, status, header, body, stored_at, hash FROM entries WHERE bucket = ? AND key = ?`,
		b.name, key,
	).Scan(&resp.URL, &resp.Status, &header, &resp.Body, &resp.StoredAt, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return Response{}, false, nil
	}
	if err != nil {
		return Response{}, false, err
	}
	resp.Header = make(http.Header)
	if err := json.Unmarshal(header, &resp.Header); err != nil {
		return Response{}, false, fmt.Errorf("decode header of %s: %w", key, err)
	}
	resp.Hash32 = uint32(hash)
	return resp, true, nil
}

func (b *sqliteBucket) Put(ctx context.Context, key string, resp Response) error {
	return b.PutAll(ctx, []Entry{{Key: key, Response: resp}})
}

func (b *sqliteBucket) PutAll(ctx context.Context, entries []Entry) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO entries
		(bucket, key, url, status, header, body, stored_at, hash) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range entries {
		header, err := json.Marshal(e.Response.Header)
		if err != nil {
			return fmt.Errorf("encode header of %s: %w", e.Key, err)
		}
		body := e.Response.Body
		if body == nil {
			body = []byte{}
		}
		if _, err := stmt.ExecContext(ctx, b.name, e.Key, e.Response.URL, e.Response.Status,
			header, body, e.Response.StoredAt, int64(e.Response.Hash32)); err != nil {
			return fmt.Errorf("store %s: %w", e.Key, err)
		}
	}
	return tx.Commit()
}

func (b *sqliteBucket) Delete(ctx context.Context, key string) (bool, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM entries WHERE bucket = ? AND key = ?`, b.name, key)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (b *sqliteBucket) Keys(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT key FROM entries WHERE bucket = ? ORDER BY key`, b.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}
