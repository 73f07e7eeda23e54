// Package indexstate tracks the per-resource indexing state machine:
// pending → indexing → {indexed | failed}, with disabled as a terminal
// opt-out. The registry is the pending-work queue the indexer drains.
package indexstate

import (
	"context"
	"database/sql"

	"github.com/satchel-app/satchel/core/database"
	"github.com/satchel-app/satchel/core/errors"
	"github.com/satchel-app/satchel/core/vfs"
)

type State string

const (
	StatePending  State = "pending"
	StateIndexing State = "indexing"
	StateIndexed  State = "indexed"
	StateFailed   State = "failed"
	StateDisabled State = "disabled"
)

// Entry is one row of the registry.
type Entry struct {
	ResourceID    string
	State         State
	LastHash      string
	LastError     string
	LastAttemptAt string
}

type Registry struct {
	pool *database.Pool
}

func NewRegistry(pool *database.Pool) *Registry {
	return &Registry{pool: pool}
}

// MarkPending queues a resource for (re)indexing. Disabled resources stay
// disabled; an explicit Enable is required first.
func (r *Registry) MarkPending(ctx context.Context, resourceID string) error {
	return r.pool.Transaction(ctx, func(tx *sql.Tx) error {
		return r.MarkPendingTx(tx, resourceID)
	})
}

// MarkPendingTx is MarkPending inside a caller transaction, so entity repos
// can queue reindexing atomically with the content write.
func (r *Registry) MarkPendingTx(tx *sql.Tx, resourceID string) error {
	_, err := tx.Exec(`
INSERT INTO index_states (resource_id, state, last_attempt_at) VALUES (?, 'pending', ?)
ON CONFLICT(resource_id) DO UPDATE SET state = 'pending', last_error = NULL
WHERE index_states.state != 'disabled'`,
		resourceID, vfs.NowISO())
	if err != nil {
		return errors.Database("mark pending", err)
	}
	return nil
}

// MarkIndexing claims a resource for a worker. The transition is gated:
// pending and failed rows are always claimable; an indexed row only when
// it is stale, meaning last_hash no longer matches the resource's current
// hash. A fresh indexed row is not claimable, which serializes indexing
// per resource within the process.
func (r *Registry) MarkIndexing(ctx context.Context, resourceID string) error {
	result, err := r.pool.Exec(ctx, `
UPDATE index_states SET state = 'indexing', last_attempt_at = ?
WHERE resource_id = ?
  AND (state IN ('pending', 'failed')
       OR (state = 'indexed'
           AND last_hash IS NOT (SELECT hash FROM resources WHERE id = resource_id)))`,
		vfs.NowISO(), resourceID)
	if err != nil {
		return errors.Database("mark indexing", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return errors.InvalidOperation("resource %s is not claimable for indexing", resourceID)
	}
	return nil
}

// MarkIndexed records a successful pass and the hash it covered.
func (r *Registry) MarkIndexed(ctx context.Context, resourceID, lastHash string) error {
	_, err := r.pool.Exec(ctx, `
UPDATE index_states SET state = 'indexed', last_hash = ?, last_error = NULL, last_attempt_at = ?
WHERE resource_id = ?`,
		lastHash, vfs.NowISO(), resourceID)
	if err != nil {
		return errors.Database("mark indexed", err)
	}
	return nil
}

// MarkFailed records a persistent failure. The resource is retried only on
// the next explicit MarkPending.
func (r *Registry) MarkFailed(ctx context.Context, resourceID, message string) error {
	_, err := r.pool.Exec(ctx, `
UPDATE index_states SET state = 'failed', last_error = ?, last_attempt_at = ?
WHERE resource_id = ?`,
		message, vfs.NowISO(), resourceID)
	if err != nil {
		return errors.Database("mark failed", err)
	}
	return nil
}

// MarkDisabled opts a resource out of indexing entirely.
func (r *Registry) MarkDisabled(ctx context.Context, resourceID, reason string) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO index_states (resource_id, state, last_error, last_attempt_at) VALUES (?, 'disabled', ?, ?)
ON CONFLICT(resource_id) DO UPDATE SET state = 'disabled', last_error = excluded.last_error`,
		resourceID, reason, vfs.NowISO())
	if err != nil {
		return errors.Database("mark disabled", err)
	}
	return nil
}

// Enable lifts a disabled resource back to pending.
func (r *Registry) Enable(ctx context.Context, resourceID string) error {
	_, err := r.pool.Exec(ctx, `
UPDATE index_states SET state = 'pending', last_error = NULL WHERE resource_id = ? AND state = 'disabled'`,
		resourceID)
	if err != nil {
		return errors.Database("enable", err)
	}
	return nil
}

// Get returns the registry entry for a resource.
func (r *Registry) Get(ctx context.Context, resourceID string) (*Entry, error) {
	var entry Entry
	var lastHash, lastError, lastAttempt sql.NullString
	var state string
	err := r.pool.QueryRow(ctx, `
SELECT resource_id, state, last_hash, last_error, last_attempt_at FROM index_states WHERE resource_id = ?`,
		resourceID).Scan(&entry.ResourceID, &state, &lastHash, &lastError, &lastAttempt)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("index state for resource %s", resourceID)
	}
	if err != nil {
		return nil, errors.Database("read index state", err)
	}
	entry.State = State(state)
	entry.LastHash = lastHash.String
	entry.LastError = lastError.String
	entry.LastAttemptAt = lastAttempt.String
	return &entry, nil
}

// ListPending returns up to limit pending resources, oldest attempt first.
func (r *Registry) ListPending(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 16
	}
	rows, err := r.pool.Query(ctx, `
SELECT resource_id FROM index_states WHERE state = 'pending' ORDER BY last_attempt_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Database("list pending", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Database("scan pending id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Database("iterate pending", err)
	}
	return ids, nil
}

// ListStale returns indexed resources whose last hash no longer matches the
// resource's current hash. The maintenance sweep re-queues them.
func (r *Registry) ListStale(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 64
	}
	rows, err := r.pool.Query(ctx, `
SELECT s.resource_id FROM index_states s
JOIN resources r ON r.id = s.resource_id
WHERE s.state = 'indexed' AND s.last_hash IS NOT NULL AND s.last_hash != r.hash
LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Database("list stale", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Database("scan stale id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Database("iterate stale", err)
	}
	return ids, nil
}

// Delete removes the registry row for a purged resource.
func (r *Registry) Delete(ctx context.Context, resourceID string) error {
	_, err := r.pool.Exec(ctx, "DELETE FROM index_states WHERE resource_id = ?", resourceID)
	if err != nil {
		return errors.Database("delete index state", err)
	}
	return nil
}
