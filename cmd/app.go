package cmd

import (
	"context"
	"log/slog"
	"os"

	"github.com/satchel-app/satchel/core/audit"
	"github.com/satchel-app/satchel/core/chat"
	"github.com/satchel-app/satchel/core/config"
	"github.com/satchel-app/satchel/core/database"
	"github.com/satchel-app/satchel/core/embedding"
	"github.com/satchel-app/satchel/core/index"
	"github.com/satchel-app/satchel/core/indexstate"
	"github.com/satchel-app/satchel/core/library"
	"github.com/satchel-app/satchel/core/memory"
	"github.com/satchel-app/satchel/core/ocr"
	"github.com/satchel-app/satchel/core/providers"
	"github.com/satchel-app/satchel/core/retrieval"
	"github.com/satchel-app/satchel/core/secrets"
	"github.com/satchel-app/satchel/core/storage"
	"github.com/satchel-app/satchel/core/tools"
	"github.com/satchel-app/satchel/core/vector"
	"github.com/satchel-app/satchel/core/vfs"
)

// app holds the wired service graph every command runs against.
type app struct {
	dirs     *storage.Dirs
	cfg      *config.Manager
	db       *database.Manager
	pool     *database.Pool
	settings *config.Settings
	keys     *secrets.Store

	resources *vfs.ResourceStore
	folders   *vfs.FolderStore
	items     *vfs.ItemStore
	states    *indexstate.Registry

	notes    *library.NoteRepo
	mindmaps *library.MindMapRepo
	essays   *library.EssayRepo
	exams    *library.ExamRepo
	files    *library.FileRepo
	exporter *library.Exporter

	vectors   *vector.Manager
	embedder  embedding.Embedder
	vl        *embedding.VLEmbedder
	indexer   *index.Service
	memories  *memory.Service
	providers *providers.Registry
	tools     *tools.Registry
	retriever *retrieval.Aggregator
	chatStore *chat.Store
	audit     *audit.Logger
	ocr       *ocr.Manager
	pageCache *ocr.PageCache

	logger *slog.Logger
}

// openApp builds the full service graph. Commands that only touch the
// database still pay for the whole graph; startup is cheap enough that a
// lighter tier has not been worth it.
func openApp(ctx context.Context) (*app, error) {
	logger := slog.Default()

	var dirs *storage.Dirs
	if flagDataDir != "" {
		dirs = storage.DirsAt(flagDataDir)
	} else {
		resolved, err := storage.ResolveDirs()
		if err != nil {
			return nil, err
		}
		dirs = resolved
	}
	if err := dirs.EnsureAll(); err != nil {
		return nil, err
	}

	keys, err := secrets.Open(dirs.StateDir("secrets"))
	if err != nil {
		logger.Warn("secret store unavailable", "error", err)
	}

	cfgManager := config.NewManager(dirs)
	if err := cfgManager.Load(); err != nil {
		logger.Warn("config load failed, using defaults", "error", err)
	}
	cfg := cfgManager.Get()

	db := database.NewManager(dirs)
	pool, err := db.Open("primary", database.DefaultPoolConfig())
	if err != nil {
		return nil, err
	}
	if err := database.NewMigrator(pool, database.PrimaryMigrations()).Migrate(ctx); err != nil {
		db.CloseAll()
		return nil, err
	}

	settings := config.NewSettings(pool)
	res := vfs.NewResourceStore(dirs)
	folders := vfs.NewFolderStore(pool)
	items := vfs.NewItemStore(pool)
	states := indexstate.NewRegistry(pool)

	notes := library.NewNoteRepo(pool, res, items, folders, states, logger)
	mindmaps := library.NewMindMapRepo(pool, res, items, folders, states, logger)
	essays := library.NewEssayRepo(pool, res, items, states, logger)
	exams := library.NewExamRepo(pool, res, items, states, logger)
	files := library.NewFileRepo(pool, res, items, states, logger)
	exporter := library.NewExporter(notes, folders, items, logger)

	vectors := vector.NewManager(dirs.VectorDir(), qdrantFactory(ctx, settings, cfg), logger)

	embedder, err := buildEmbedder(dirs, cfg, keys)
	if err != nil {
		db.CloseAll()
		return nil, err
	}

	var vl *embedding.VLEmbedder
	if key := apiKey(keys, "GEMINI_API_KEY", "gemini"); key != "" {
		built, err := embedding.NewVLEmbedder(ctx, embedding.VLConfig{APIKey: key}, embedder)
		if err != nil {
			logger.Warn("vision embedder unavailable", "error", err)
		} else {
			vl = built
		}
	}

	pageCache, err := ocr.OpenPageCache(dirs, cfg.OCR.CacheSoftBytes, cfg.OCR.CacheHardBytes)
	if err != nil {
		logger.Warn("ocr page cache unavailable", "error", err)
	}

	registry := providers.NewRegistry()
	registerProviders(registry, cfg, keys, logger)

	var pages index.PageSource
	if pageCache != nil {
		pages = pageCache
	}
	indexer := index.NewService(pool, res, items, states, vectors, embedder, vl,
		pages, cfgManager.Get, logger)

	var arbiter memory.LLM
	if provider, err := registry.Default(); err == nil {
		arbiter = memory.NewArbiter(provider, cfg.LLM.DecisionModel)
	}

	memories := memory.NewService(memory.Deps{
		Pool:      pool,
		Resources: res,
		Items:     items,
		Folders:   folders,
		Notes:     notes,
		Registry:  states,
		Vectors:   vectors,
		Embedder:  embedder,
		Settings:  settings,
		Indexer:   indexer,
		LLM:       arbiter,
		Logger:    logger,
	})

	var reranker retrieval.Reranker
	if provider, err := registry.Default(); err == nil {
		reranker = retrieval.NewLLMReranker(provider, cfg.LLM.DecisionModel)
	}

	retriever, err := retrieval.NewAggregator(retrieval.Deps{
		Pool:     pool,
		Vectors:  vectors,
		Embedder: embedder,
		Memories: memories,
		Reranker: reranker,
		Settings: settings,
		Logger:   logger,
	})
	if err != nil {
		db.CloseAll()
		return nil, err
	}

	chatStore := chat.NewStore(pool, logger)
	auditLog := audit.NewLogger(pool, logger)

	a := &app{
		dirs:      dirs,
		cfg:       cfgManager,
		db:        db,
		pool:      pool,
		settings:  settings,
		keys:      keys,
		resources: res,
		folders:   folders,
		items:     items,
		states:    states,
		notes:     notes,
		mindmaps:  mindmaps,
		essays:    essays,
		exams:     exams,
		files:     files,
		exporter:  exporter,
		vectors:   vectors,
		embedder:  embedder,
		vl:        vl,
		pageCache: pageCache,
		indexer:   indexer,
		memories:  memories,
		providers: registry,
		retriever: retriever,
		chatStore: chatStore,
		audit:     auditLog,
		logger:    logger,
	}

	a.openOCR(cfg, logger)
	a.tools = a.buildTools()
	return a, nil
}

// openOCR wires page recognition when a backend exists: the configured
// HTTP endpoint when set, otherwise the vision model.
func (a *app) openOCR(cfg *config.Config, logger *slog.Logger) {
	if a.pageCache == nil {
		return
	}
	provider, err := buildOCRProvider(cfg, a.vl)
	if err != nil {
		logger.Debug("ocr provider unavailable", "error", err)
		return
	}
	a.ocr = ocr.NewManager(ocr.NewImageRenderer(), provider, a.pageCache, a.cfg.Get, logger)
}

func buildOCRProvider(cfg *config.Config, vl *embedding.VLEmbedder) (ocr.Provider, error) {
	if cfg.OCR.ProviderEndpoint != "" {
		return ocr.NewHTTPProvider(cfg.OCR.ProviderEndpoint)
	}
	return ocr.NewVisionProvider(vl)
}

func (a *app) buildTools() *tools.Registry {
	registry := tools.NewRegistry()
	tools.RegisterLibraryTools(registry, tools.LibraryDeps{
		Pool:     a.pool,
		Items:    a.items,
		Folders:  a.folders,
		Notes:    a.notes,
		MindMaps: a.mindmaps,
		Essays:   a.essays,
		Exams:    a.exams,
	})
	tools.RegisterMemoryTools(registry, a.memories)
	tools.RegisterIndexTools(registry, a.states, a.indexer)
	if a.ocr != nil {
		tools.RegisterOCRTools(registry, a.ocr)
	}
	return registry
}

// pipeline builds the chat turn pipeline, attaching the auto-memory
// extractor when a provider is configured.
func (a *app) pipeline() *chat.Pipeline {
	cfg := a.cfg.Get()

	var extractor chat.MemoryExtractor
	if provider, err := a.providers.Default(); err == nil {
		extractor = chat.NewExtractor(provider, cfg.LLM.DecisionModel, a.memories, a.logger)
	}

	return chat.NewPipeline(chat.PipelineDeps{
		Store:     a.chatStore,
		Providers: a.providers,
		Tools:     a.tools,
		Retriever: a.retriever,
		Pool:      a.pool,
		Resources: a.resources,
		Extractor: extractor,
		Logger:    a.logger,
	})
}

func (a *app) close() {
	if a.retriever != nil {
		a.retriever.Close()
	}
	if a.pageCache != nil {
		_ = a.pageCache.Close()
	}
	_ = a.providers.Close()
	_ = a.vectors.CloseAll()
	_ = a.db.CloseAll()
}

// apiKey resolves a provider key, preferring the environment over the
// sealed key file.
func apiKey(keys *secrets.Store, envVar, provider string) string {
	if key := os.Getenv(envVar); key != "" {
		return key
	}
	if keys == nil {
		return ""
	}
	key, err := keys.Get(provider)
	if err != nil {
		return ""
	}
	return key
}

// registerProviders wires LLM backends from the environment and the key
// store. A missing key just leaves that backend unregistered.
func registerProviders(registry *providers.Registry, cfg *config.Config, keys *secrets.Store, logger *slog.Logger) {
	if key := apiKey(keys, "ANTHROPIC_API_KEY", "anthropic"); key != "" {
		anthropicCfg := providers.DefaultAnthropicConfig()
		anthropicCfg.APIKey = key
		if cfg.LLM.DefaultModel != "" && cfg.LLM.DefaultProvider == "anthropic" {
			anthropicCfg.Model = cfg.LLM.DefaultModel
		}
		if err := registry.RegisterAnthropic(anthropicCfg); err != nil {
			logger.Warn("anthropic provider rejected", "error", err)
		}
	}
	if key := apiKey(keys, "OPENAI_API_KEY", "openai"); key != "" {
		openaiCfg := providers.DefaultOpenAIConfig()
		openaiCfg.APIKey = key
		if cfg.LLM.DefaultModel != "" && cfg.LLM.DefaultProvider == "openai" {
			openaiCfg.Model = cfg.LLM.DefaultModel
		}
		if err := registry.RegisterOpenAI(openaiCfg); err != nil {
			logger.Warn("openai provider rejected", "error", err)
		}
	}
	if registry.Has(providers.ProviderType(cfg.LLM.DefaultProvider)) {
		_ = registry.SetDefault(providers.ProviderType(cfg.LLM.DefaultProvider))
	}
}

// buildEmbedder picks the embedding tier: OpenAI when a key is present
// and the config asks for it, otherwise the local ONNX model with its
// deterministic hash fallback.
func buildEmbedder(dirs *storage.Dirs, cfg *config.Config, keys *secrets.Store) (embedding.Embedder, error) {
	var inner embedding.Embedder

	if cfg.Embed.Provider == "openai" {
		if key := apiKey(keys, "OPENAI_API_KEY", "openai"); key != "" {
			embedder, err := embedding.NewOpenAIEmbedder(embedding.OpenAIConfig{
				APIKey:    key,
				Model:     cfg.Embed.Model,
				Dimension: cfg.Embed.Dimension,
			})
			if err != nil {
				return nil, err
			}
			inner = embedder
		}
	}
	if inner == nil {
		embedder, err := embedding.NewLocalEmbedder(embedding.LocalConfig{
			CacheDir:  dirs.ModelDir(),
			Dimension: cfg.Embed.Dimension,
		})
		if err != nil {
			return nil, err
		}
		inner = embedder
	}

	cached, err := embedding.NewCachedEmbedder(inner, cfg.Embed.CacheEntries)
	if err != nil {
		return nil, err
	}
	return cached, nil
}

// qdrantFactory returns a backend factory when the vector backend setting
// selects qdrant; otherwise nil, which keeps the local bleve store.
func qdrantFactory(ctx context.Context, settings *config.Settings, cfg *config.Config) func(string) (vector.VectorBackend, error) {
	if settings.GetOr(ctx, config.KeyVectorBackend, "") != "qdrant" {
		return nil
	}
	dimension := cfg.Embed.Dimension
	return func(table string) (vector.VectorBackend, error) {
		return vector.NewQdrantBackend(ctx, vector.QdrantConfig{
			Host:       os.Getenv("QDRANT_HOST"),
			APIKey:     os.Getenv("QDRANT_API_KEY"),
			Collection: "satchel_" + table,
			Dimension:  dimension,
		})
	}
}
