// Package chat implements sessions, the block-structured message model and
// the streaming turn pipeline. An assistant message is an ordered list of
// blocks (thinking, tool, content, and one per retrieval source) saved
// through a single merge protocol that tolerates frontend-appended blocks.
package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"github.com/satchel-app/satchel/core/database"
	"github.com/satchel-app/satchel/core/errors"
	"github.com/satchel-app/satchel/core/vfs"
)

// Block types. Tool blocks carry the invocation and its result in one row;
// rag, memory and web_search blocks each hold the hits of one retrieval
// source.
const (
	BlockTypeThinking  = "thinking"
	BlockTypeContent   = "content"
	BlockTypeTool      = "mcp_tool"
	BlockTypeRAG       = "rag"
	BlockTypeMemory    = "memory"
	BlockTypeWebSearch = "web_search"
	BlockTypeAnkiCards = "anki_cards"
	BlockTypeWorkspace = "workspace_status"
)

// Block statuses.
const (
	StatusStreaming = "streaming"
	StatusSuccess   = "success"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Session is one conversation.
type Session struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	ModelID   string         `json:"model_id,omitempty"`
	Options   map[string]any `json:"options"`
	CreatedAt string         `json:"created_at"`
	UpdatedAt string         `json:"updated_at"`
	DeletedAt *string        `json:"deleted_at,omitempty"`
}

// Message is one turn half. BlockIDs is the merged ordered id list;
// Metadata carries model id, usage, retrieval sources and tool results.
type Message struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Role      string         `json:"role"`
	BlockIDs  []string       `json:"block_ids"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt string         `json:"created_at"`
	UpdatedAt string         `json:"updated_at"`

	Blocks []*Block `json:"blocks,omitempty"`
}

// Block is one atomic unit of a message body.
type Block struct {
	ID           string  `json:"id"`
	MessageID    string  `json:"message_id"`
	Type         string  `json:"block_type"`
	Index        int     `json:"block_index"`
	Status       string  `json:"status"`
	Content      string  `json:"content,omitempty"`
	ToolName     string  `json:"tool_name,omitempty"`
	ToolInput    string  `json:"tool_input,omitempty"`
	ToolOutput   string  `json:"tool_output,omitempty"`
	StartedAt    string  `json:"started_at,omitempty"`
	EndedAt      string  `json:"ended_at,omitempty"`
	FirstChunkAt *string `json:"first_chunk_at,omitempty"`
}

// Store persists sessions, messages and blocks.
type Store struct {
	pool   *database.Pool
	logger *slog.Logger
}

// NewStore creates a chat store over the primary pool.
func NewStore(pool *database.Pool, logger *slog.Logger) *Store {
	return &Store{pool: pool, logger: logger.With("component", "chat")}
}

// CreateSession starts a new conversation.
func (s *Store) CreateSession(ctx context.Context, title, modelID string) (*Session, error) {
	session := &Session{
		ID:        uuid.NewString(),
		Title:     title,
		ModelID:   modelID,
		Options:   map[string]any{},
		CreatedAt: vfs.NowISO(),
		UpdatedAt: vfs.NowISO(),
	}
	options, _ := json.Marshal(session.Options)

	_, err := s.pool.Exec(ctx, `
		INSERT INTO chat_v2_sessions (id, title, model_id, options, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		session.ID, session.Title, nullable(session.ModelID), string(options), session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return nil, errors.Database("create chat session", err)
	}
	return session, nil
}

// GetSession loads a live session.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, title, model_id, options, created_at, updated_at, deleted_at
		FROM chat_v2_sessions WHERE id = ? AND deleted_at IS NULL`, id)

	session := &Session{}
	var modelID sql.NullString
	var options string
	if err := row.Scan(&session.ID, &session.Title, &modelID, &options,
		&session.CreatedAt, &session.UpdatedAt, &session.DeletedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFound("chat session %s not found", id)
		}
		return nil, errors.Database("get chat session", err)
	}
	session.ModelID = modelID.String
	if err := json.Unmarshal([]byte(options), &session.Options); err != nil {
		session.Options = map[string]any{}
	}
	return session, nil
}

// ListSessions returns live sessions, most recently updated first.
func (s *Store) ListSessions(ctx context.Context) ([]*Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, title, model_id, options, created_at, updated_at
		FROM chat_v2_sessions WHERE deleted_at IS NULL
		ORDER BY updated_at DESC`)
	if err != nil {
		return nil, errors.Database("list chat sessions", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		session := &Session{}
		var modelID sql.NullString
		var options string
		if err := rows.Scan(&session.ID, &session.Title, &modelID, &options,
			&session.CreatedAt, &session.UpdatedAt); err != nil {
			return nil, errors.Database("scan chat session", err)
		}
		session.ModelID = modelID.String
		if err := json.Unmarshal([]byte(options), &session.Options); err != nil {
			session.Options = map[string]any{}
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// DeleteSession soft-deletes a session. Its messages stay until purge.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	result, err := s.pool.Exec(ctx, `
		UPDATE chat_v2_sessions SET deleted_at = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`, vfs.NowISO(), vfs.NowISO(), id)
	if err != nil {
		return errors.Database("delete chat session", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return errors.NotFound("chat session %s not found", id)
	}
	return nil
}

// Messages returns a session's messages in creation order, blocks attached
// and ordered by the message's merged block id list.
func (s *Store) Messages(ctx context.Context, sessionID string) ([]*Message, error) {
	// The two halves of one turn can share a millisecond timestamp; the
	// user half sorts first within the tie.
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, role, block_ids, metadata, created_at, updated_at
		FROM chat_v2_messages WHERE session_id = ?
		ORDER BY created_at ASC, CASE WHEN role = 'user' THEN 0 ELSE 1 END ASC, id ASC`, sessionID)
	if err != nil {
		return nil, errors.Database("list chat messages", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Database("list chat messages", err)
	}

	for _, msg := range messages {
		if err := s.attachBlocks(ctx, msg); err != nil {
			return nil, err
		}
	}
	return messages, nil
}

// GetMessage loads one message with its blocks.
func (s *Store) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, session_id, role, block_ids, metadata, created_at, updated_at
		FROM chat_v2_messages WHERE id = ?`, id)

	msg, err := scanMessage(row)
	if err != nil {
		return nil, err
	}
	if err := s.attachBlocks(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	msg := &Message{}
	var blockIDs, metadata string
	if err := row.Scan(&msg.ID, &msg.SessionID, &msg.Role, &blockIDs, &metadata,
		&msg.CreatedAt, &msg.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFound("chat message not found")
		}
		return nil, errors.Database("scan chat message", err)
	}
	if err := json.Unmarshal([]byte(blockIDs), &msg.BlockIDs); err != nil {
		msg.BlockIDs = nil
	}
	if err := json.Unmarshal([]byte(metadata), &msg.Metadata); err != nil {
		msg.Metadata = map[string]any{}
	}
	return msg, nil
}

func (s *Store) attachBlocks(ctx context.Context, msg *Message) error {
	rows, err := s.pool.Query(ctx, `
		SELECT id, message_id, block_type, block_index, status, content,
		       tool_name, tool_input, tool_output, started_at, ended_at, first_chunk_at
		FROM chat_v2_blocks WHERE message_id = ?
		ORDER BY block_index ASC`, msg.ID)
	if err != nil {
		return errors.Database("load chat blocks", err)
	}
	defer rows.Close()

	for rows.Next() {
		block := &Block{}
		var content, toolName, toolInput, toolOutput, startedAt, endedAt sql.NullString
		if err := rows.Scan(&block.ID, &block.MessageID, &block.Type, &block.Index,
			&block.Status, &content, &toolName, &toolInput, &toolOutput,
			&startedAt, &endedAt, &block.FirstChunkAt); err != nil {
			return errors.Database("scan chat block", err)
		}
		block.Content = content.String
		block.ToolName = toolName.String
		block.ToolInput = toolInput.String
		block.ToolOutput = toolOutput.String
		block.StartedAt = startedAt.String
		block.EndedAt = endedAt.String
		msg.Blocks = append(msg.Blocks, block)
	}
	return rows.Err()
}

// AppendFrontendBlock inserts a block outside the pipeline (the shell's
// anki-card generation path). The message's block id list is extended.
func (s *Store) AppendFrontendBlock(ctx context.Context, messageID string, block *Block) error {
	if block.ID == "" {
		block.ID = uuid.NewString()
	}
	block.MessageID = messageID
	if block.Status == "" {
		block.Status = StatusSuccess
	}

	return s.pool.Transaction(ctx, func(tx *sql.Tx) error {
		var blockIDs string
		if err := tx.QueryRow(`SELECT block_ids FROM chat_v2_messages WHERE id = ?`, messageID).
			Scan(&blockIDs); err != nil {
			if err == sql.ErrNoRows {
				return errors.NotFound("chat message not found")
			}
			return errors.Database("load chat message", err)
		}

		var ids []string
		if err := json.Unmarshal([]byte(blockIDs), &ids); err != nil {
			ids = nil
		}
		block.Index = len(ids)
		if err := writeBlock(tx, block); err != nil {
			return err
		}

		ids = append(ids, block.ID)
		merged, _ := json.Marshal(ids)
		if _, err := tx.Exec(`UPDATE chat_v2_messages SET block_ids = ?, updated_at = ? WHERE id = ?`,
			string(merged), vfs.NowISO(), messageID); err != nil {
			return errors.Database("update chat message", err)
		}
		return nil
	})
}

// SaveTurnParams is one invocation of the merge protocol.
type SaveTurnParams struct {
	SessionID string

	// User half. UserBlock is the content block shown for the user
	// message; both are skipped when SkipUserSave is set.
	UserMessage  *Message
	UserBlock    *Block
	SkipUserSave bool

	// Assistant half. When SkipAssistantInsert is set the row must
	// already exist and is updated in place (retry).
	AssistantMessage    *Message
	Blocks              []*Block
	SkipAssistantInsert bool
}

// SaveTurn runs the unified block-merge protocol in one IMMEDIATE
// transaction: upsert the user half, re-read frontend-owned anki_cards
// blocks, upsert the assistant row, then write the merged ordered block
// list with 0-based indices. Preserved anki blocks keep their original
// index; frontend-appended ids the pipeline does not know about are
// concatenated after the merged list.
func (s *Store) SaveTurn(ctx context.Context, params SaveTurnParams) error {
	now := vfs.NowISO()

	return s.pool.Transaction(ctx, func(tx *sql.Tx) error {
		if !params.SkipUserSave && params.UserMessage != nil {
			userIDs := []string{}
			if params.UserBlock != nil {
				userIDs = append(userIDs, params.UserBlock.ID)
			}
			if err := writeMessage(tx, params.UserMessage, userIDs, now); err != nil {
				return err
			}
			if params.UserBlock != nil {
				params.UserBlock.MessageID = params.UserMessage.ID
				params.UserBlock.Index = 0
				if err := writeBlock(tx, params.UserBlock); err != nil {
					return err
				}
			}
		}

		assistant := params.AssistantMessage
		if assistant == nil {
			return nil
		}

		preserved, unknownIDs, err := readForeignBlocks(tx, assistant.ID, params.Blocks)
		if err != nil {
			return err
		}

		ordered := mergeBlocks(params.Blocks, preserved)
		mergedIDs := make([]string, 0, len(ordered)+len(unknownIDs))
		for i, block := range ordered {
			block.MessageID = assistant.ID
			block.Index = i
			mergedIDs = append(mergedIDs, block.ID)
		}
		mergedIDs = append(dedupe(mergedIDs), unknownIDs...)

		if params.SkipAssistantInsert {
			if err := updateMessage(tx, assistant, mergedIDs, now); err != nil {
				return err
			}
		} else {
			if err := writeMessage(tx, assistant, mergedIDs, now); err != nil {
				return err
			}
		}

		// Retry replaces the assistant body wholesale; anything not in
		// the merged list (except frontend-owned blocks) is stale.
		if err := pruneBlocks(tx, assistant.ID, mergedIDs); err != nil {
			return err
		}

		for _, block := range ordered {
			if err := writeBlock(tx, block); err != nil {
				return err
			}
		}
		return nil
	})
}

// readForeignBlocks returns the assistant's existing anki_cards blocks
// that the pipeline list does not contain, plus existing block ids on the
// row that are neither pipeline blocks nor preserved ones.
func readForeignBlocks(tx *sql.Tx, messageID string, pipeline []*Block) ([]*Block, []string, error) {
	known := make(map[string]bool, len(pipeline))
	for _, block := range pipeline {
		known[block.ID] = true
	}

	var preserved []*Block
	preservedIDs := make(map[string]bool)
	rows, err := tx.Query(`
		SELECT id, block_type, block_index, status, content, tool_name, tool_input, tool_output,
		       started_at, ended_at, first_chunk_at
		FROM chat_v2_blocks WHERE message_id = ? AND block_type = ?
		ORDER BY block_index`, messageID, BlockTypeAnkiCards)
	if err != nil {
		return nil, nil, errors.Database("read preserved blocks", err)
	}
	defer rows.Close()

	for rows.Next() {
		block := &Block{MessageID: messageID}
		var content, toolName, toolInput, toolOutput, startedAt, endedAt sql.NullString
		if err := rows.Scan(&block.ID, &block.Type, &block.Index, &block.Status, &content,
			&toolName, &toolInput, &toolOutput, &startedAt, &endedAt, &block.FirstChunkAt); err != nil {
			return nil, nil, errors.Database("scan preserved block", err)
		}
		block.Content = content.String
		block.ToolName = toolName.String
		block.ToolInput = toolInput.String
		block.ToolOutput = toolOutput.String
		block.StartedAt = startedAt.String
		block.EndedAt = endedAt.String
		if !known[block.ID] {
			preserved = append(preserved, block)
			preservedIDs[block.ID] = true
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, errors.Database("read preserved blocks", err)
	}

	var existing string
	err = tx.QueryRow(`SELECT block_ids FROM chat_v2_messages WHERE id = ?`, messageID).Scan(&existing)
	if err == sql.ErrNoRows {
		return preserved, nil, nil
	}
	if err != nil {
		return nil, nil, errors.Database("read message block ids", err)
	}

	var existingIDs []string
	if err := json.Unmarshal([]byte(existing), &existingIDs); err != nil {
		existingIDs = nil
	}
	var unknown []string
	for _, id := range existingIDs {
		if !known[id] && !preservedIDs[id] {
			unknown = append(unknown, id)
		}
	}
	return preserved, unknown, nil
}

// mergeBlocks interleaves preserved blocks at their original indices into
// the pipeline's ordered list.
func mergeBlocks(pipeline, preserved []*Block) []*Block {
	if len(preserved) == 0 {
		return pipeline
	}

	merged := make([]*Block, 0, len(pipeline)+len(preserved))
	merged = append(merged, pipeline...)
	for _, block := range preserved {
		at := block.Index
		if at < 0 {
			at = 0
		}
		if at >= len(merged) {
			merged = append(merged, block)
			continue
		}
		merged = append(merged[:at], append([]*Block{block}, merged[at:]...)...)
	}
	return merged
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func writeMessage(tx *sql.Tx, msg *Message, blockIDs []string, now string) error {
	if msg.CreatedAt == "" {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = now
	msg.BlockIDs = blockIDs

	ids, _ := json.Marshal(blockIDs)
	metadata, _ := json.Marshal(orEmpty(msg.Metadata))
	_, err := tx.Exec(`
		INSERT OR REPLACE INTO chat_v2_messages (id, session_id, role, block_ids, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Role, string(ids), string(metadata), msg.CreatedAt, msg.UpdatedAt)
	if err != nil {
		return errors.Database("write chat message", err)
	}
	return nil
}

func updateMessage(tx *sql.Tx, msg *Message, blockIDs []string, now string) error {
	msg.UpdatedAt = now
	msg.BlockIDs = blockIDs

	ids, _ := json.Marshal(blockIDs)
	metadata, _ := json.Marshal(orEmpty(msg.Metadata))
	result, err := tx.Exec(`
		UPDATE chat_v2_messages SET block_ids = ?, metadata = ?, updated_at = ? WHERE id = ?`,
		string(ids), string(metadata), msg.UpdatedAt, msg.ID)
	if err != nil {
		return errors.Database("update chat message", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return errors.NotFound("chat message %s not found for retry", msg.ID)
	}
	return nil
}

func pruneBlocks(tx *sql.Tx, messageID string, keep []string) error {
	args := make([]any, 0, len(keep)+2)
	args = append(args, messageID, BlockTypeAnkiCards)
	query := `DELETE FROM chat_v2_blocks WHERE message_id = ? AND block_type != ?`
	if len(keep) > 0 {
		query += ` AND id NOT IN (?` + repeat(",?", len(keep)-1) + `)`
		for _, id := range keep {
			args = append(args, id)
		}
	}
	if _, err := tx.Exec(query, args...); err != nil {
		return errors.Database("prune chat blocks", err)
	}
	return nil
}

func writeBlock(tx *sql.Tx, block *Block) error {
	_, err := tx.Exec(`
		INSERT OR REPLACE INTO chat_v2_blocks
			(id, message_id, block_type, block_index, status, content,
			 tool_name, tool_input, tool_output, started_at, ended_at, first_chunk_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		block.ID, block.MessageID, block.Type, block.Index, block.Status,
		nullable(block.Content), nullable(block.ToolName), nullable(block.ToolInput),
		nullable(block.ToolOutput), nullable(block.StartedAt), nullable(block.EndedAt),
		block.FirstChunkAt)
	if err != nil {
		return errors.Database("write chat block", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
