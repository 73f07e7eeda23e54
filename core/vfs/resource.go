// Package vfs implements the virtual file system storage engine: the
// content-addressed resource store and the folder graph it hangs from.
package vfs

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/satchel-app/satchel/core/errors"
	"github.com/satchel-app/satchel/core/storage"
)

// InlineLimit is the largest payload stored inline in the resources table.
// Bigger or non-UTF-8 payloads spill to a content-addressed blob file.
const InlineLimit = 512 << 10

// Resource is one row of the content-addressed store.
type Resource struct {
	ID        string
	Type      ResourceType
	Hash      string
	Data      string // inline payload, empty when spilled
	BlobPath  string // relative blob path, empty when inline
	Size      int64
	RefCount  int
	SourceID  string
	OCRText   string
	OCRPages  []*string // index aligns with page order; nil = page not recognized
	CreatedAt string
	UpdatedAt string
}

// ResourceStore persists resources. All mutating methods run on a caller
// transaction: the hash lookup and the insert/increment must share one
// IMMEDIATE transaction or concurrent create-or-reuse produces duplicates.
type ResourceStore struct {
	dirs *storage.Dirs
}

func NewResourceStore(dirs *storage.Dirs) *ResourceStore {
	return &ResourceStore{dirs: dirs}
}

// CreateOrReuse stores a payload under its content address. When a row with
// the same hash exists its ref_count is incremented and its id returned
// with reused=true; otherwise a new row is inserted with ref_count=1.
func (s *ResourceStore) CreateOrReuse(tx *sql.Tx, typ ResourceType, payload []byte, sourceID, subdir string) (string, bool, error) {
	if len(payload) == 0 {
		return "", false, errors.InvalidArgument("empty resource payload")
	}

	hash := HashFor(typ, payload, sourceID)

	var existingID string
	err := tx.QueryRow("SELECT id FROM resources WHERE hash = ?", hash).Scan(&existingID)
	switch {
	case err == nil:
		if _, err := tx.Exec("UPDATE resources SET ref_count = ref_count + 1, updated_at = ? WHERE id = ?", NowISO(), existingID); err != nil {
			return "", false, errors.Database("increment ref count", err)
		}
		return existingID, true, nil
	case err != sql.ErrNoRows:
		return "", false, errors.Database("lookup resource hash", err)
	}

	id := uuid.NewString()
	now := NowISO()

	inline, blobPath, err := s.place(hash, payload, subdir)
	if err != nil {
		return "", false, err
	}

	_, err = tx.Exec(`
INSERT INTO resources (id, type, hash, data, blob_path, size, ref_count, source_id, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?, ?)`,
		id, string(typ), hash, nullable(inline), nullable(blobPath), len(payload), nullable(sourceID), now, now)
	if err != nil {
		return "", false, errors.Database("insert resource", err)
	}
	return id, false, nil
}

// Rewrite updates a resource's payload. A single-referrer resource is
// rewritten in place, keeping its id so downstream indexes stay stable. A
// shared resource is copied on write: a new row is created for the caller
// and the old row's ref_count decremented. Returns the id the caller should
// now reference and whether a copy was made.
func (s *ResourceStore) Rewrite(tx *sql.Tx, id string, payload []byte, sourceID string) (string, bool, error) {
	res, err := s.get(tx, id)
	if err != nil {
		return "", false, err
	}

	newHash := HashFor(res.Type, payload, sourceID)
	if newHash == res.Hash {
		return id, false, nil
	}

	if res.RefCount > 1 {
		newID, _, err := s.CreateOrReuse(tx, res.Type, payload, sourceID, "")
		if err != nil {
			return "", false, err
		}
		if err := s.Decrement(tx, id); err != nil {
			return "", false, err
		}
		return newID, true, nil
	}

	inline, blobPath, err := s.place(newHash, payload, "")
	if err != nil {
		return "", false, err
	}
	_, err = tx.Exec(`
UPDATE resources SET hash = ?, data = ?, blob_path = ?, size = ?, updated_at = ? WHERE id = ?`,
		newHash, nullable(inline), nullable(blobPath), len(payload), NowISO(), id)
	if err != nil {
		return "", false, errors.Database("rewrite resource", err)
	}
	return id, false, nil
}

// Increment bumps the ref count of an existing resource.
func (s *ResourceStore) Increment(tx *sql.Tx, id string) error {
	result, err := tx.Exec("UPDATE resources SET ref_count = ref_count + 1 WHERE id = ?", id)
	if err != nil {
		return errors.Database("increment ref count", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return errors.NotFound("resource %s", id)
	}
	return nil
}

// Decrement drops a reference. At zero, with no version record still
// pointing at the row, the resource is deleted. Going negative is a
// data-integrity bug and fails loudly.
func (s *ResourceStore) Decrement(tx *sql.Tx, id string) error {
	var refCount int
	var blobPath sql.NullString
	err := tx.QueryRow("SELECT ref_count, blob_path FROM resources WHERE id = ?", id).Scan(&refCount, &blobPath)
	if err == sql.ErrNoRows {
		return errors.NotFound("resource %s", id)
	}
	if err != nil {
		return errors.Database("read resource", err)
	}
	if refCount <= 0 {
		return errors.InvalidOperation("ref count underflow on resource %s", id)
	}

	refCount--
	if refCount > 0 {
		_, err := tx.Exec("UPDATE resources SET ref_count = ? WHERE id = ?", refCount, id)
		if err != nil {
			return errors.Database("decrement ref count", err)
		}
		return nil
	}

	referenced, err := s.versionReferenced(tx, id)
	if err != nil {
		return err
	}
	if referenced {
		_, err := tx.Exec("UPDATE resources SET ref_count = 0 WHERE id = ?", id)
		if err != nil {
			return errors.Database("zero ref count", err)
		}
		return nil
	}

	if _, err := tx.Exec("DELETE FROM resources WHERE id = ?", id); err != nil {
		return errors.Database("delete resource", err)
	}
	if blobPath.Valid && blobPath.String != "" {
		// Best effort; orphans are reclaimed by the blob sweep.
		_ = os.Remove(filepath.Join(s.dirs.BlobDir(), blobPath.String))
	}
	return nil
}

func (s *ResourceStore) versionReferenced(tx *sql.Tx, id string) (bool, error) {
	var count int
	err := tx.QueryRow(`
SELECT (SELECT COUNT(*) FROM notes_versions WHERE resource_id = ?) +
       (SELECT COUNT(*) FROM mindmap_versions WHERE resource_id = ?)`, id, id).Scan(&count)
	if err != nil {
		return false, errors.Database("count version references", err)
	}
	return count > 0, nil
}

// Get loads a resource by id on the caller's transaction.
func (s *ResourceStore) Get(tx *sql.Tx, id string) (*Resource, error) {
	return s.get(tx, id)
}

func (s *ResourceStore) get(q interface {
	QueryRow(query string, args ...any) *sql.Row
}, id string) (*Resource, error) {
	row := q.QueryRow(`
SELECT id, type, hash, data, blob_path, size, ref_count, source_id, ocr_text, ocr_pages, created_at, updated_at
FROM resources WHERE id = ?`, id)
	return scanResource(row, id)
}

func scanResource(row *sql.Row, id string) (*Resource, error) {
	var res Resource
	var typ string
	var data, blobPath, sourceID, ocrText, ocrPages sql.NullString
	err := row.Scan(&res.ID, &typ, &res.Hash, &data, &blobPath, &res.Size, &res.RefCount, &sourceID, &ocrText, &ocrPages, &res.CreatedAt, &res.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("resource %s", id)
	}
	if err != nil {
		return nil, errors.Database("scan resource", err)
	}
	res.Type = ResourceType(typ)
	res.Data = data.String
	res.BlobPath = blobPath.String
	res.SourceID = sourceID.String
	res.OCRText = ocrText.String
	if ocrPages.Valid && ocrPages.String != "" {
		_ = json.Unmarshal([]byte(ocrPages.String), &res.OCRPages)
	}
	return &res, nil
}

// Payload returns the resource's bytes, reading the blob file when spilled.
func (s *ResourceStore) Payload(res *Resource) ([]byte, error) {
	if res.BlobPath != "" {
		data, err := os.ReadFile(filepath.Join(s.dirs.BlobDir(), res.BlobPath))
		if err != nil {
			return nil, errors.Database("read blob", err)
		}
		return data, nil
	}
	return []byte(res.Data), nil
}

// SetOCR stores the aggregate and per-page OCR text for a resource.
func (s *ResourceStore) SetOCR(tx *sql.Tx, id, text string, pages []*string) error {
	encoded, err := json.Marshal(pages)
	if err != nil {
		return errors.InvalidArgument("encode ocr pages: %v", err)
	}
	result, err := tx.Exec("UPDATE resources SET ocr_text = ?, ocr_pages = ? WHERE id = ?", text, string(encoded), id)
	if err != nil {
		return errors.Database("set ocr", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return errors.NotFound("resource %s", id)
	}
	return nil
}

// place decides between inline storage and a blob file. Blob writes happen
// before the insert commits; a rollback leaves an orphan file behind, which
// the maintenance sweep reclaims.
func (s *ResourceStore) place(hash string, payload []byte, subdir string) (inline string, blobPath string, err error) {
	if len(payload) <= InlineLimit && utf8.Valid(payload) {
		return string(payload), "", nil
	}

	rel := filepath.Join(hash[:2], hash)
	if subdir != "" {
		rel = filepath.Join(subdir, rel)
	}
	abs := filepath.Join(s.dirs.BlobDir(), rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return "", "", errors.Database("create blob dir", err)
	}
	if _, statErr := os.Stat(abs); statErr != nil {
		if err := os.WriteFile(abs, payload, 0600); err != nil {
			return "", "", errors.Database("write blob", err)
		}
	}
	return "", rel, nil
}

// SweepOrphanBlobs removes blob files no resource row references. Run from
// the maintenance command only.
func (s *ResourceStore) SweepOrphanBlobs(db *sql.DB) (int, error) {
	known := make(map[string]bool)
	rows, err := db.Query("SELECT blob_path FROM resources WHERE blob_path IS NOT NULL")
	if err != nil {
		return 0, errors.Database("list blob paths", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return 0, errors.Database("scan blob path", err)
		}
		known[p] = true
	}
	if err := rows.Err(); err != nil {
		return 0, errors.Database("iterate blob paths", err)
	}

	removed := 0
	root := s.dirs.BlobDir()
	walkErr := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		if !known[rel] {
			if os.Remove(path) == nil {
				removed++
			}
		}
		return nil
	})
	if walkErr != nil && !os.IsNotExist(walkErr) {
		return removed, walkErr
	}
	return removed, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
