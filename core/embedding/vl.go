package embedding

import (
	"context"

	"github.com/satchel-app/satchel/core/errors"
	"google.golang.org/genai"
)

// VLEmbedder embeds image pages. Two modes: direct multimodal embedding,
// or a vision-language description pass followed by a text embedding.
// When the mode's model is unavailable the other mode is tried.
type VLEmbedder struct {
	client       *genai.Client
	embedModel   string
	captionModel string
	mode         VLMode
	text         Embedder
}

type VLConfig struct {
	APIKey       string `json:"api_key" yaml:"api_key"`
	EmbedModel   string `json:"embed_model" yaml:"embed_model"`
	CaptionModel string `json:"caption_model" yaml:"caption_model"`
	Mode         VLMode `json:"mode" yaml:"mode"`
}

const captionPrompt = "Transcribe all text in this image and briefly describe any figures, tables, or diagrams. Answer in the language of the image content."

// NewVLEmbedder builds the multimodal embedder. textEmbedder backs the
// summary mode and must not be nil when that mode can be reached.
func NewVLEmbedder(ctx context.Context, config VLConfig, textEmbedder Embedder) (*VLEmbedder, error) {
	if config.APIKey == "" {
		return nil, errors.Configuration("vision embedding api key is not set")
	}
	if config.CaptionModel == "" {
		config.CaptionModel = "gemini-2.5-flash"
	}
	if config.Mode == "" {
		config.Mode = VLModeSummary
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, errors.Wrap(errors.KindConfiguration, "create vision client", err)
	}

	return &VLEmbedder{
		client:       client,
		embedModel:   config.EmbedModel,
		captionModel: config.CaptionModel,
		mode:         config.Mode,
		text:         textEmbedder,
	}, nil
}

func (e *VLEmbedder) Mode() VLMode { return e.mode }

// EmbedImage returns the page vector plus the caption text when one was
// produced. The caption doubles as OCR text for the page.
func (e *VLEmbedder) EmbedImage(ctx context.Context, data []byte, mimeType string) ([]float32, string, error) {
	switch e.mode {
	case VLModeDirect:
		vec, err := e.embedDirect(ctx, data, mimeType)
		if err == nil {
			return vec, "", nil
		}
		if !errors.IsKind(err, errors.KindConfiguration) {
			return nil, "", err
		}
		// Model unavailable, fall through to summary mode.
		return e.embedViaSummary(ctx, data, mimeType)
	default:
		vec, caption, err := e.embedViaSummary(ctx, data, mimeType)
		if err == nil {
			return vec, caption, nil
		}
		if e.embedModel != "" {
			if direct, derr := e.embedDirect(ctx, data, mimeType); derr == nil {
				return direct, "", nil
			}
		}
		return nil, "", err
	}
}

func (e *VLEmbedder) embedDirect(ctx context.Context, data []byte, mimeType string) ([]float32, error) {
	if e.embedModel == "" {
		return nil, errors.Configuration("no multimodal embedding model configured")
	}

	content := genai.NewContentFromParts([]*genai.Part{
		genai.NewPartFromBytes(data, mimeType),
	}, genai.RoleUser)

	resp, err := e.client.Models.EmbedContent(ctx, e.embedModel, []*genai.Content{content}, nil)
	if err != nil {
		return nil, errors.Network("multimodal embedding request", err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Values) == 0 {
		return nil, errors.LLM("empty multimodal embedding", nil)
	}
	vec := resp.Embeddings[0].Values
	Normalize(vec)
	return vec, nil
}

func (e *VLEmbedder) embedViaSummary(ctx context.Context, data []byte, mimeType string) ([]float32, string, error) {
	if e.text == nil {
		return nil, "", errors.Configuration("no text embedder available for summary mode")
	}

	caption, err := e.Caption(ctx, data, mimeType)
	if err != nil {
		return nil, "", err
	}
	if caption == "" {
		return nil, "", errors.LLM("empty vision description", nil)
	}

	vec, err := e.text.Embed(ctx, caption)
	if err != nil {
		return nil, "", err
	}
	return vec, caption, nil
}

// Caption runs the description pass alone. Used by OCR when only text is
// needed.
func (e *VLEmbedder) Caption(ctx context.Context, data []byte, mimeType string) (string, error) {
	content := genai.NewContentFromParts([]*genai.Part{
		genai.NewPartFromBytes(data, mimeType),
		genai.NewPartFromText(captionPrompt),
	}, genai.RoleUser)

	resp, err := e.client.Models.GenerateContent(ctx, e.captionModel, []*genai.Content{content}, nil)
	if err != nil {
		return "", errors.Network("vision description request", err)
	}
	return resp.Text(), nil
}
