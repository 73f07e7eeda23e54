// Package audit appends operation records to the __audit_log table. Audit
// writes are strictly best effort: a failure degrades the process health
// state but never propagates to the operation being recorded.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/satchel-app/satchel/core/database"
	"github.com/satchel-app/satchel/core/vfs"
)

// Health is a snapshot of the audit subsystem state.
type Health struct {
	Healthy       bool   `json:"healthy"`
	Failures      int64  `json:"failures"`
	LastError     string `json:"last_error,omitempty"`
	LastFailureAt string `json:"last_failure_at,omitempty"`
}

// Logger writes audit records.
type Logger struct {
	pool *database.Pool
	log  *slog.Logger

	mu     sync.Mutex
	health Health
}

// NewLogger creates an audit logger over the primary pool.
func NewLogger(pool *database.Pool, log *slog.Logger) *Logger {
	return &Logger{
		pool:   pool,
		log:    log.With("component", "audit"),
		health: Health{Healthy: true},
	}
}

// Record appends one audit row. Detail is serialized to JSON; a nil detail
// leaves the column NULL. Failures are absorbed into the health state.
func (l *Logger) Record(ctx context.Context, operation, entity, entityID string, detail any) {
	var detailJSON any
	if detail != nil {
		payload, err := json.Marshal(detail)
		if err != nil {
			l.fail(operation, err)
			return
		}
		detailJSON = string(payload)
	}

	var idArg any
	if entityID != "" {
		idArg = entityID
	}

	_, err := l.pool.Exec(ctx, `
		INSERT INTO __audit_log (operation, entity, entity_id, detail, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		operation, entity, idArg, detailJSON, vfs.NowISO())
	if err != nil {
		l.fail(operation, err)
		return
	}

	l.mu.Lock()
	l.health.Healthy = true
	l.mu.Unlock()
}

func (l *Logger) fail(operation string, err error) {
	l.log.Warn("audit write failed", "operation", operation, "error", err)

	l.mu.Lock()
	l.health.Healthy = false
	l.health.Failures++
	l.health.LastError = err.Error()
	l.health.LastFailureAt = vfs.NowISO()
	l.mu.Unlock()
}

// Health returns the current health snapshot.
func (l *Logger) Health() Health {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.health
}

// Recent returns the newest records, newest first.
func (l *Logger) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.pool.Query(ctx, `
		SELECT id, operation, entity, entity_id, detail, created_at
		FROM __audit_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.Operation, &rec.Entity, &rec.EntityID,
			&rec.Detail, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Record is one persisted audit row.
type Record struct {
	ID        int64   `json:"id"`
	Operation string  `json:"operation"`
	Entity    string  `json:"entity"`
	EntityID  *string `json:"entity_id,omitempty"`
	Detail    *string `json:"detail,omitempty"`
	CreatedAt string  `json:"created_at"`
}
