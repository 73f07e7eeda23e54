// Package library implements the typed entity repositories (note, mindmap,
// essay, exam sheet, file) layered over the vfs resource store. Every repo
// follows one contract: IMMEDIATE transactions for multi-step mutations,
// optimistic concurrency on expected_updated_at, soft delete synchronized
// with the folder item, restore with collision rename, and hard purge that
// settles resource ref counts.
package library

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/satchel-app/satchel/core/errors"
	"github.com/satchel-app/satchel/core/vfs"
)

// Entity kind tags used in folder_items.item_type and __change_log.
const (
	KindNote    = "note"
	KindMindMap = "mindmap"
	KindEssay   = "essay"
	KindExam    = "exam"
	KindFile    = "file"
)

// escapeLike neutralizes % and _ in user keywords so they match literally.
// The queries use ESCAPE '\'.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}

// logChange appends a __change_log row in the caller's transaction.
func logChange(tx *sql.Tx, entityType, entityID, op string) error {
	_, err := tx.Exec(
		"INSERT INTO __change_log (entity_type, entity_id, op, created_at) VALUES (?, ?, ?, ?)",
		entityType, entityID, op, vfs.NowISO())
	if err != nil {
		return errors.Database("append change log", err)
	}
	return nil
}

// uniqueTitle returns title unchanged when no live row of the table holds
// it, otherwise "title (n)" for the smallest n ≥ 1 producing uniqueness.
// Used on restore, where a live duplicate may have been created while the
// row sat in the trash.
func uniqueTitle(tx *sql.Tx, table, titleColumn, title, excludeID string) (string, error) {
	candidate := title
	for n := 1; ; n++ {
		var count int
		query := fmt.Sprintf(
			"SELECT COUNT(*) FROM %s WHERE deleted_at IS NULL AND %s = ? AND id != ?",
			table, titleColumn)
		if err := tx.QueryRow(query, candidate, excludeID).Scan(&count); err != nil {
			return "", errors.Database("check title collision", err)
		}
		if count == 0 {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s (%d)", title, n)
	}
}

// checkOptimistic enforces expected_updated_at when the caller provides it.
func checkOptimistic(expected *string, current string) error {
	if expected != nil && *expected != current {
		return errors.Conflict("entity changed since read (expected %s, now %s)", *expected, current)
	}
	return nil
}

func marshalNullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
