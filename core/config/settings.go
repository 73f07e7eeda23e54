package config

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/satchel-app/satchel/core/database"
	"github.com/satchel-app/satchel/core/errors"
)

// Settings keys stored in the primary database. These are runtime knobs the
// user changes from the shell, as opposed to process config from YAML.
const (
	KeyEmbeddingModel   = "embedding_model_id"
	KeyRerankerModel    = "reranker_model_id"
	KeyTranslationModel = "translation_model_id"
	KeyMemoryRootFolder = "memory_root_folder_id"
	KeyAutoSubfolders   = "memory_auto_subfolders"
	KeyPrivacyMode      = "privacy_mode"
	KeyRAGTopK          = "rag_top_k"
	KeyVectorBackend    = "vector_backend"
)

// Settings reads and writes runtime settings rows.
type Settings struct {
	pool *database.Pool
}

func NewSettings(pool *database.Pool) *Settings {
	return &Settings{pool: pool}
}

func (s *Settings) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", errors.NotFound("setting %s", key)
	}
	if err != nil {
		return "", errors.Database("read setting", err)
	}
	return value, nil
}

// GetOr returns the value or fallback when the key has never been written.
func (s *Settings) GetOr(ctx context.Context, key, fallback string) string {
	value, err := s.Get(ctx, key)
	if err != nil {
		return fallback
	}
	return value
}

func (s *Settings) GetBool(ctx context.Context, key string) bool {
	value, err := s.Get(ctx, key)
	if err != nil {
		return false
	}
	parsed, _ := strconv.ParseBool(value)
	return parsed
}

func (s *Settings) GetInt(ctx context.Context, key string, fallback int) int {
	value, err := s.Get(ctx, key)
	if err != nil {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func (s *Settings) Set(ctx context.Context, key, value string) error {
	now := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	_, err := s.pool.Exec(ctx,
		"INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at",
		key, value, now)
	if err != nil {
		return errors.Database("write setting", err)
	}
	return nil
}

func (s *Settings) SetBool(ctx context.Context, key string, value bool) error {
	return s.Set(ctx, key, strconv.FormatBool(value))
}
