// Package config holds the two configuration layers: the YAML process config
// and the settings rows in the primary database.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/satchel-app/satchel/core/storage"
	"gopkg.in/yaml.v3"
)

type Manager struct {
	configPtr unsafe.Pointer
	dirs      *storage.Dirs
	watchers  []func(*Config)
	watcherMu sync.RWMutex
	stopWatch chan struct{}
	watchOnce sync.Once
}

type Config struct {
	LLM      LLMConfig      `yaml:"llm"`
	Embed    EmbedConfig    `yaml:"embedding"`
	Indexing IndexingConfig `yaml:"indexing"`
	OCR      OCRConfig      `yaml:"ocr"`
	Chat     ChatConfig     `yaml:"chat"`
}

type LLMConfig struct {
	DefaultProvider string        `yaml:"default_provider"`
	DefaultModel    string        `yaml:"default_model"`
	DecisionModel   string        `yaml:"decision_model"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxRetries      int           `yaml:"max_retries"`
}

type EmbedConfig struct {
	Provider      string `yaml:"provider"` // "openai", "local"
	Model         string `yaml:"model"`
	Dimension     int    `yaml:"dimension"`
	MaxModelToken int    `yaml:"max_model_tokens"`
	CacheEntries  int    `yaml:"cache_entries"`
}

type IndexingConfig struct {
	BatchSize    int           `yaml:"batch_size"`
	ChunkSize    int           `yaml:"chunk_size"`
	ChunkOverlap int           `yaml:"chunk_overlap"`
	MinChunkSize int           `yaml:"min_chunk_size"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type OCRConfig struct {
	Concurrency      int           `yaml:"concurrency"`
	MaxAttempts      int           `yaml:"max_attempts"`
	BackoffCap       time.Duration `yaml:"backoff_cap"`
	CacheSoftBytes   int64         `yaml:"cache_soft_bytes"`
	CacheHardBytes   int64         `yaml:"cache_hard_bytes"`
	RenderDPI        int           `yaml:"render_dpi"`
	ProviderEndpoint string        `yaml:"provider_endpoint"`
}

type ChatConfig struct {
	MaxTokens        int           `yaml:"max_tokens"`
	ToolTimeout      time.Duration `yaml:"tool_timeout"`
	RetrievalTopK    int           `yaml:"retrieval_top_k"`
	RetrievalEnabled bool          `yaml:"retrieval_enabled"`
}

func DefaultConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			DefaultProvider: "anthropic",
			Timeout:         120 * time.Second,
			MaxRetries:      3,
		},
		Embed: EmbedConfig{
			Provider:      "openai",
			Model:         "text-embedding-3-small",
			Dimension:     1536,
			MaxModelToken: 8192,
			CacheEntries:  4096,
		},
		Indexing: IndexingConfig{
			BatchSize:    8,
			ChunkSize:    800,
			ChunkOverlap: 80,
			MinChunkSize: 64,
			PollInterval: 2 * time.Second,
		},
		OCR: OCRConfig{
			Concurrency:    4,
			MaxAttempts:    3,
			BackoffCap:     20 * time.Second,
			CacheSoftBytes: 800 << 20,
			CacheHardBytes: 1 << 30,
			RenderDPI:      144,
		},
		Chat: ChatConfig{
			MaxTokens:        8192,
			ToolTimeout:      60 * time.Second,
			RetrievalTopK:    8,
			RetrievalEnabled: true,
		},
	}
}

func NewManager(dirs *storage.Dirs) *Manager {
	m := &Manager{
		dirs:      dirs,
		stopWatch: make(chan struct{}),
	}
	cfg := DefaultConfig()
	atomic.StorePointer(&m.configPtr, unsafe.Pointer(cfg))
	return m
}

// Get returns the current config snapshot. Callers must not mutate it.
func (m *Manager) Get() *Config {
	return (*Config)(atomic.LoadPointer(&m.configPtr))
}

func (m *Manager) set(cfg *Config) {
	atomic.StorePointer(&m.configPtr, unsafe.Pointer(cfg))
	m.notifyWatchers(cfg)
}

// Load reads config.yaml over the defaults. A missing file is not an error.
func (m *Manager) Load() error {
	path := m.dirs.ConfigFile()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	m.set(cfg)
	return nil
}

// Save writes the current config snapshot back to disk.
func (m *Manager) Save() error {
	cfg := m.Get()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	path := m.dirs.ConfigFile()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Subscribe registers a callback invoked after every reload.
func (m *Manager) Subscribe(fn func(*Config)) {
	m.watcherMu.Lock()
	defer m.watcherMu.Unlock()
	m.watchers = append(m.watchers, fn)
}

func (m *Manager) notifyWatchers(cfg *Config) {
	m.watcherMu.RLock()
	defer m.watcherMu.RUnlock()
	for _, fn := range m.watchers {
		fn(cfg)
	}
}
