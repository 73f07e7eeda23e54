// Package ocr runs PDF-OCR sessions: render pages, recognize them through
// a provider, cache both, and stream progress events.
package ocr

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/satchel-app/satchel/core/errors"
	"github.com/satchel-app/satchel/core/storage"
	"github.com/satchel-app/satchel/core/vfs"

	_ "modernc.org/sqlite"
)

// PageCache holds rendered page images and their OCR results in a
// standalone cache database. Everything here is reproducible, so eviction
// and even deleting the whole file are safe.
//
// The cache runs on its own single-connection modernc handle instead of
// the primary pool: page blobs are large and churn fast, and keeping them
// out of the primary file keeps its WAL small.
type PageCache struct {
	db   *sql.DB
	soft int64
	hard int64
}

// OpenPageCache opens (or creates) the cache at the standard location.
// soft/hard are the byte budgets for Evict; zero means the defaults
// (800 MiB soft, 1 GiB hard).
func OpenPageCache(dirs *storage.Dirs, soft, hard int64) (*PageCache, error) {
	path := dirs.PageCacheFile()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Database("create cache dir", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Database("open page cache", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Database("enable wal", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS pages (
    hash        TEXT PRIMARY KEY,
    data        BLOB NOT NULL,
    size        INTEGER NOT NULL,
    mime_type   TEXT NOT NULL,
    created_at  INTEGER NOT NULL,
    last_access INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pages_access ON pages(last_access);

CREATE TABLE IF NOT EXISTS page_results (
    hash       TEXT PRIMARY KEY,
    result     TEXT NOT NULL,
    created_at INTEGER NOT NULL
);`); err != nil {
		db.Close()
		return nil, errors.Database("init page cache schema", err)
	}

	if soft <= 0 {
		soft = 800 << 20
	}
	if hard <= 0 {
		hard = 1 << 30
	}
	return &PageCache{db: db, soft: soft, hard: hard}, nil
}

func (c *PageCache) Close() error {
	return c.db.Close()
}

// Put stores a rendered page and returns its content hash. Re-putting an
// existing page only refreshes its access time.
func (c *PageCache) Put(data []byte, mimeType string) (string, error) {
	if len(data) == 0 {
		return "", errors.InvalidArgument("empty page image")
	}
	hash := vfs.ContentHash(data, "")
	now := vfs.NowMillis()
	_, err := c.db.Exec(`
INSERT INTO pages (hash, data, size, mime_type, created_at, last_access) VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(hash) DO UPDATE SET last_access = excluded.last_access`,
		hash, data, int64(len(data)), mimeType, now, now)
	if err != nil {
		return "", errors.Database("put page image", err)
	}
	return hash, nil
}

// Get returns a cached page image and bumps its access time. Satisfies
// the indexer's PageSource.
func (c *PageCache) Get(hash string) ([]byte, error) {
	var data []byte
	err := c.db.QueryRow("SELECT data FROM pages WHERE hash = ?", hash).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("page image %s", hash)
	}
	if err != nil {
		return nil, errors.Database("get page image", err)
	}
	_, _ = c.db.Exec("UPDATE pages SET last_access = ? WHERE hash = ?", vfs.NowMillis(), hash)
	return data, nil
}

func (c *PageCache) Has(hash string) bool {
	var one int
	err := c.db.QueryRow("SELECT 1 FROM pages WHERE hash = ?", hash).Scan(&one)
	return err == nil
}

// PutResult caches the OCR result for a page image.
func (c *PageCache) PutResult(hash string, result *PageResult) error {
	encoded, err := json.Marshal(result)
	if err != nil {
		return errors.InvalidArgument("encode page result: %v", err)
	}
	_, err = c.db.Exec(`
INSERT INTO page_results (hash, result, created_at) VALUES (?, ?, ?)
ON CONFLICT(hash) DO UPDATE SET result = excluded.result`,
		hash, string(encoded), vfs.NowMillis())
	if err != nil {
		return errors.Database("put page result", err)
	}
	return nil
}

// GetResult returns the cached OCR result for a page image, or NotFound.
func (c *PageCache) GetResult(hash string) (*PageResult, error) {
	var encoded string
	err := c.db.QueryRow("SELECT result FROM page_results WHERE hash = ?", hash).Scan(&encoded)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("page result %s", hash)
	}
	if err != nil {
		return nil, errors.Database("get page result", err)
	}
	var result PageResult
	if err := json.Unmarshal([]byte(encoded), &result); err != nil {
		return nil, errors.Database("decode page result", err)
	}
	return &result, nil
}

// TotalSize is the sum of cached page image bytes.
func (c *PageCache) TotalSize() (int64, error) {
	var total sql.NullInt64
	err := c.db.QueryRow("SELECT SUM(size) FROM pages").Scan(&total)
	if err != nil {
		return 0, errors.Database("sum page cache", err)
	}
	return total.Int64, nil
}

// Evict enforces the budget: once the cache crosses the hard cap it is
// trimmed back down to the soft target, least recently accessed first.
// Orphaned results (image evicted) go with their image.
func (c *PageCache) Evict() (int, error) {
	total, err := c.TotalSize()
	if err != nil {
		return 0, err
	}
	if total <= c.hard {
		return 0, nil
	}

	rows, err := c.db.Query("SELECT hash, size FROM pages ORDER BY last_access ASC")
	if err != nil {
		return 0, errors.Database("list pages for eviction", err)
	}
	type victim struct {
		hash string
		size int64
	}
	var victims []victim
	for rows.Next() {
		var v victim
		if err := rows.Scan(&v.hash, &v.size); err != nil {
			rows.Close()
			return 0, errors.Database("scan eviction candidate", err)
		}
		victims = append(victims, v)
		total -= v.size
		if total <= c.soft {
			break
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, errors.Database("iterate eviction candidates", err)
	}

	evicted := 0
	for _, v := range victims {
		if _, err := c.db.Exec("DELETE FROM pages WHERE hash = ?", v.hash); err != nil {
			return evicted, errors.Database("evict page", err)
		}
		_, _ = c.db.Exec("DELETE FROM page_results WHERE hash = ?", v.hash)
		evicted++
	}
	return evicted, nil
}
