package index

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/satchel-app/satchel/core/errors"
	"github.com/satchel-app/satchel/core/library"
	"github.com/satchel-app/satchel/core/vector"
	"github.com/satchel-app/satchel/core/vfs"
)

// pageRef is one page to index: either a cached render identified by blob
// hash, or inline data for single-image resources.
type pageRef struct {
	index    int
	blobHash string
	mimeType string
	data     []byte
}

// indexPages embeds each page of a paginated resource. A page whose blob
// hash matches the recorded metadata is skipped, so re-indexing after an
// OCR re-run or a trailing-page append only touches what changed. Removed
// pages force a full rebuild because vector deletes are per-resource.
func (s *Service) indexPages(ctx context.Context, res *vfs.Resource, own *owner) error {
	pages, err := s.collectPages(res, own)
	if err != nil {
		return err
	}

	store, err := s.vectors.Get(LibraryTable)
	if err != nil {
		return err
	}

	meta, err := s.loadPageMeta(ctx, res.ID)
	if err != nil {
		return err
	}
	if len(pages) < len(meta) {
		if err := s.dropVectors(ctx, res.ID); err != nil {
			return err
		}
		meta = map[int]string{}
	}

	var records []vector.Record
	var indexed []pageRef
	now := vfs.NowMillis()
	for _, page := range pages {
		if page.blobHash != "" && meta[page.index] == page.blobHash {
			continue
		}
		ocr := pageText(res.OCRPages, page.index)
		vec, caption, embedErr := s.embedPage(ctx, page, ocr)
		if embedErr != nil {
			return embedErr
		}
		if vec == nil {
			continue
		}
		text := ocr
		if text == "" {
			text = caption
		}
		records = append(records, vector.Record{
			ResourceID: res.ID,
			ChunkIndex: page.index,
			PageIndex:  page.index,
			SourceType: string(res.Type),
			FolderID:   own.folderID,
			Text:       text,
			Tags:       own.tags,
			Vector:     vec,
			CreatedAt:  now,
		})
		indexed = append(indexed, page)
	}

	if len(records) > 0 {
		if err := store.Upsert(ctx, records); err != nil {
			return err
		}
	}
	return s.savePageMeta(ctx, res.ID, indexed)
}

// embedPage prefers vision embedding of the page image and falls back to
// text embedding of the OCR transcript. A page with neither an image nor
// OCR text yields nil and is skipped.
func (s *Service) embedPage(ctx context.Context, page pageRef, ocr string) ([]float32, string, error) {
	data := page.data
	if data == nil && page.blobHash != "" && s.pages != nil {
		loaded, err := s.pages.Get(page.blobHash)
		if err == nil {
			data = loaded
		} else if !errors.IsKind(err, errors.KindNotFound) {
			return nil, "", err
		}
	}

	if s.vl != nil && data != nil {
		vec, caption, err := s.vl.EmbedImage(ctx, data, page.mimeType)
		if err == nil {
			return vec, caption, nil
		}
		if ocr == "" {
			return nil, "", err
		}
		s.logger.Warn("vision embed failed, using ocr text", "page", page.index, "error", err)
	}

	if ocr != "" {
		vec, err := s.text.Embed(ctx, ocr)
		if err != nil {
			return nil, "", err
		}
		return vec, "", nil
	}
	return nil, "", nil
}

func (s *Service) collectPages(res *vfs.Resource, own *owner) ([]pageRef, error) {
	if res.Type == vfs.TypeImage {
		payload, err := s.res.Payload(res)
		if err != nil {
			return nil, err
		}
		mime := own.mimeType
		if mime == "" {
			mime = "image/png"
		}
		return []pageRef{{index: 0, blobHash: res.Hash, mimeType: mime, data: payload}}, nil
	}
	if own.preview == "" {
		// Not rendered yet. OCR text pages, if any, still get indexed.
		return ocrOnlyPages(res.OCRPages), nil
	}

	switch own.kind {
	case library.KindExam:
		var preview library.ExamPreview
		if err := json.Unmarshal([]byte(own.preview), &preview); err != nil {
			return nil, errors.InvalidArgument("decode exam preview: %v", err)
		}
		pages := make([]pageRef, 0, len(preview.Pages))
		for _, p := range preview.Pages {
			pages = append(pages, pageRef{index: p.PageIndex, blobHash: p.BlobHash, mimeType: p.MimeType})
		}
		return pages, nil
	case library.KindFile:
		var preview library.PDFPreview
		if err := json.Unmarshal([]byte(own.preview), &preview); err != nil {
			return nil, errors.InvalidArgument("decode file preview: %v", err)
		}
		pages := make([]pageRef, 0, len(preview.Pages))
		for _, p := range preview.Pages {
			pages = append(pages, pageRef{index: p.PageIndex, blobHash: p.BlobHash, mimeType: p.MimeType})
		}
		return pages, nil
	}
	return nil, errors.InvalidOperation("paginated index for unexpected kind %s", own.kind)
}

func ocrOnlyPages(ocrPages []*string) []pageRef {
	var pages []pageRef
	for i, p := range ocrPages {
		if p != nil && *p != "" {
			pages = append(pages, pageRef{index: i})
		}
	}
	return pages
}

func pageText(ocrPages []*string, index int) string {
	if index < 0 || index >= len(ocrPages) || ocrPages[index] == nil {
		return ""
	}
	return *ocrPages[index]
}

func (s *Service) loadPageMeta(ctx context.Context, resourceID string) (map[int]string, error) {
	rows, err := s.pool.Query(ctx, `
SELECT page_index, blob_hash FROM page_index_meta WHERE resource_id = ?`, resourceID)
	if err != nil {
		return nil, errors.Database("load page index meta", err)
	}
	defer rows.Close()

	meta := map[int]string{}
	for rows.Next() {
		var idx int
		var hash string
		if err := rows.Scan(&idx, &hash); err != nil {
			return nil, errors.Database("scan page index meta", err)
		}
		meta[idx] = hash
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Database("iterate page index meta", err)
	}
	return meta, nil
}

func (s *Service) savePageMeta(ctx context.Context, resourceID string, pages []pageRef) error {
	if len(pages) == 0 {
		return nil
	}
	return s.pool.Transaction(ctx, func(tx *sql.Tx) error {
		for _, page := range pages {
			if page.blobHash == "" {
				continue
			}
			_, err := tx.Exec(`
INSERT INTO page_index_meta (resource_id, page_index, blob_hash, indexed_at) VALUES (?, ?, ?, ?)
ON CONFLICT(resource_id, page_index) DO UPDATE SET blob_hash = excluded.blob_hash, indexed_at = excluded.indexed_at`,
				resourceID, page.index, page.blobHash, vfs.NowISO())
			if err != nil {
				return errors.Database("save page index meta", err)
			}
		}
		return nil
	})
}
