package ocr

import (
	"bytes"
	"context"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"github.com/satchel-app/satchel/core/errors"
)

// ImageRenderer treats the whole document as a single pre-rendered page.
// It covers plain image uploads; PDF rasterization comes from an external
// renderer behind the same interface.
type ImageRenderer struct{}

// NewImageRenderer creates an image passthrough renderer.
func NewImageRenderer() *ImageRenderer {
	return &ImageRenderer{}
}

func (r *ImageRenderer) PageCount(ctx context.Context, doc []byte) (int, error) {
	if _, _, err := image.DecodeConfig(bytes.NewReader(doc)); err != nil {
		return 0, errors.InvalidArgument("document is not a supported image: %v", err)
	}
	return 1, nil
}

func (r *ImageRenderer) RenderPage(ctx context.Context, doc []byte, pageNumber, dpi int) (*RenderedPage, error) {
	if pageNumber != 1 {
		return nil, errors.InvalidArgument("image documents have a single page, got %d", pageNumber)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(doc))
	if err != nil {
		return nil, errors.InvalidArgument("document is not a supported image: %v", err)
	}
	return &RenderedPage{
		Data:     doc,
		MimeType: "image/" + format,
		Width:    cfg.Width,
		Height:   cfg.Height,
	}, nil
}
