package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/satchel-app/satchel/core/embedding"
	"github.com/satchel-app/satchel/core/errors"
)

// HTTPProvider posts page images to a recognition endpoint and decodes the
// block list it returns. The endpoint contract is a single POST with the raw
// image body and a JSON PageResult response.
type HTTPProvider struct {
	endpoint string
	client   *http.Client
}

func NewHTTPProvider(endpoint string) (*HTTPProvider, error) {
	if endpoint == "" {
		return nil, errors.Configuration("ocr provider endpoint is not set")
	}
	return &HTTPProvider{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 120 * time.Second},
	}, nil
}

func (p *HTTPProvider) Recognize(ctx context.Context, image []byte, mimeType string) (*PageResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(image))
	if err != nil {
		return nil, errors.Network("build recognition request", err)
	}
	req.Header.Set("Content-Type", mimeType)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, errors.Network("recognition request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		herr := errors.FromHTTPStatus(resp.StatusCode, "recognition failed: "+string(body), nil)
		if resp.StatusCode == http.StatusTooManyRequests {
			if secs, perr := strconv.Atoi(resp.Header.Get("Retry-After")); perr == nil && secs > 0 {
				var e *errors.Error
				if errors.As(herr, &e) {
					e.RetryAfter = time.Duration(secs) * time.Second
				}
			}
		}
		return nil, herr
	}

	var result PageResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, errors.LLM("decode recognition response", err)
	}
	return &result, nil
}

// VisionProvider recognizes pages through the vision-language model that
// also backs page embedding. The transcription comes back as a single
// unpositioned block.
type VisionProvider struct {
	vl *embedding.VLEmbedder
}

func NewVisionProvider(vl *embedding.VLEmbedder) (*VisionProvider, error) {
	if vl == nil {
		return nil, errors.Configuration("no vision model available for recognition")
	}
	return &VisionProvider{vl: vl}, nil
}

func (p *VisionProvider) Recognize(ctx context.Context, image []byte, mimeType string) (*PageResult, error) {
	text, err := p.vl.Caption(ctx, image, mimeType)
	if err != nil {
		return nil, err
	}
	if text == "" {
		return nil, errors.LLM("empty recognition result", nil)
	}
	return &PageResult{Blocks: []Block{{Text: text}}}, nil
}
