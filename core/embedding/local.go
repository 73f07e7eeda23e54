package embedding

import (
	"context"
	"hash/fnv"
	"os"
	"runtime"
	"sync"

	"github.com/knights-analytics/hugot"
	"github.com/knights-analytics/hugot/options"
	"github.com/knights-analytics/hugot/pipelines"
	"github.com/satchel-app/satchel/core/errors"
)

// LocalEmbedder runs an ONNX feature-extraction model through hugot.
// Until the model is downloaded and loaded it answers with a
// deterministic hashed embedding so indexing can proceed offline; those
// vectors are only comparable with each other, which is acceptable for
// a fallback tier.
type LocalEmbedder struct {
	modelRepo string
	cacheDir  string
	dimension int

	mu       sync.RWMutex
	session  *hugot.Session
	pipeline *pipelines.FeatureExtractionPipeline
	loaded   bool

	fallback *hashEmbedder
}

type LocalConfig struct {
	// ModelRepo is the HuggingFace repo of the ONNX model.
	ModelRepo string `json:"model_repo" yaml:"model_repo"`

	// CacheDir is where downloaded models are kept.
	CacheDir string `json:"cache_dir" yaml:"cache_dir"`

	// Dimension of the model output.
	Dimension int `json:"dimension" yaml:"dimension"`
}

func NewLocalEmbedder(config LocalConfig) (*LocalEmbedder, error) {
	if config.CacheDir == "" {
		return nil, errors.Configuration("local embedder cache dir is not set")
	}
	if config.Dimension <= 0 {
		config.Dimension = 384
	}
	if err := os.MkdirAll(config.CacheDir, 0o755); err != nil {
		return nil, errors.Wrap(errors.KindConfiguration, "create model cache dir", err)
	}
	return &LocalEmbedder{
		modelRepo: config.ModelRepo,
		cacheDir:  config.CacheDir,
		dimension: config.Dimension,
		fallback:  newHashEmbedder(config.Dimension),
	}, nil
}

func (e *LocalEmbedder) Dimension() int { return e.dimension }

func (e *LocalEmbedder) ModelID() string {
	if e.modelRepo != "" {
		return e.modelRepo
	}
	return "local-hash"
}

// EnsureModel downloads and loads the ONNX model. Safe to call more than
// once; later calls are no-ops.
func (e *LocalEmbedder) EnsureModel(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.loaded {
		return nil
	}
	if e.modelRepo == "" {
		return errors.Configuration("no local embedding model repo configured")
	}

	modelPath, err := hugot.DownloadModel(e.modelRepo, e.cacheDir, hugot.NewDownloadOptions())
	if err != nil {
		return errors.Network("download embedding model", err)
	}

	session, err := hugot.NewORTSession(options.WithIntraOpNumThreads(runtime.NumCPU()))
	if err != nil {
		return errors.Wrap(errors.KindConfiguration, "create onnx session", err)
	}

	pipeline, err := hugot.NewPipeline(session, hugot.FeatureExtractionConfig{
		ModelPath: modelPath,
		Name:      "satchel-local-embedder",
	})
	if err != nil {
		session.Destroy()
		return errors.Wrap(errors.KindConfiguration, "create embedding pipeline", err)
	}

	e.session = session
	e.pipeline = pipeline
	e.loaded = true
	return nil
}

func (e *LocalEmbedder) Ready() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.loaded
}

func (e *LocalEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (e *LocalEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	e.mu.RLock()
	pipeline := e.pipeline
	loaded := e.loaded
	e.mu.RUnlock()

	if !loaded {
		return e.fallback.embedBatch(texts), nil
	}

	output, err := pipeline.RunPipeline(texts)
	if err != nil {
		return nil, errors.Wrap(errors.KindLLM, "onnx inference", err)
	}
	for _, vec := range output.Embeddings {
		Normalize(vec)
	}
	return output.Embeddings, nil
}

func (e *LocalEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil {
		e.session.Destroy()
		e.session = nil
	}
	e.pipeline = nil
	e.loaded = false
	return nil
}

// hashEmbedder maps character trigrams and whitespace tokens into a
// fixed vector by multi-hashing. Deterministic across runs.
type hashEmbedder struct {
	dimension int
}

func newHashEmbedder(dimension int) *hashEmbedder {
	return &hashEmbedder{dimension: dimension}
}

func (h *hashEmbedder) embedBatch(texts []string) [][]float32 {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = h.embed(text)
	}
	return out
}

func (h *hashEmbedder) embed(text string) []float32 {
	vec := make([]float32, h.dimension)
	runes := []rune(text)
	for i := 0; i+3 <= len(runes); i++ {
		h.addFeature(vec, string(runes[i:i+3]))
	}
	if len(runes) < 3 && len(runes) > 0 {
		h.addFeature(vec, text)
	}
	Normalize(vec)
	return vec
}

func (h *hashEmbedder) addFeature(vec []float32, feature string) {
	hasher := fnv.New64a()
	hasher.Write([]byte(feature))
	sum := hasher.Sum64()

	// Four probes per feature, sign taken from the hash bits.
	for probe := 0; probe < 4; probe++ {
		idx := int((sum >> (probe * 16)) & 0xFFFF) % h.dimension
		sign := float32(1)
		if (sum>>(probe*16+15))&1 == 1 {
			sign = -1
		}
		vec[idx] += sign
	}
}
