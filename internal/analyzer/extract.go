package analyzer

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"log/slog"
	"os"

	"golang.org/x/image/draw"
)

const (
	// DefaultMaxImageDim bounds the longest side of an image sent to the model
	DefaultMaxImageDim = 768
	vlmJPEGQuality     = 85
)

// AttributeExtractor asks a vision model to describe a crop
type AttributeExtractor struct {
	model  VisionModel
	maxDim int
	logger *slog.Logger
}

// NewAttributeExtractor creates an extractor. maxDim <= 0 uses DefaultMaxImageDim.
func NewAttributeExtractor(model VisionModel, maxDim int, logger *slog.Logger) *AttributeExtractor {
	if maxDim <= 0 {
		maxDim = DefaultMaxImageDim
	}
	return &AttributeExtractor{
		model:  model,
		maxDim: maxDim,
		logger: logger.With("component", "attributes"),
	}
}

// Extract returns the attributes of the object in the crop at path. It never fails:
// an unreadable image, a model error or an unparsable answer all give the
// all-unknown default for kind.
func (x *AttributeExtractor) Extract(ctx context.Context, kind Kind, path string) Attributes {
	img, err := LoadForModel(path, x.maxDim)
	if err != nil {
		x.logger.Warn("crop unreadable", "path", path, "error", err)
		return DefaultAttributes(kind)
	}

	raw, err := x.model.Generate(ctx, Prompt(kind), img)
	if err != nil {
		x.logger.Warn("attribute extraction failed", "path", path, "kind", kind, "error", err)
		return DefaultAttributes(kind)
	}

	data, ok := ParseObject(raw)
	if !ok {
		x.logger.Warn("attribute response not parsable", "path", path, "raw", truncate(raw, 200))
		return DefaultAttributes(kind)
	}

	attrs := decodeAttributes(kind, data)
	x.logger.Info("attributes extracted", "path", path, "kind", kind, "attributes", attrs.Map(""))
	return attrs
}

// LoadForModel reads an image, scales it down so its longest side is at most
// maxDim, and re-encodes it as JPEG.
func LoadForModel(path string, maxDim int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	img := Downscale(src, maxDim)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: vlmJPEGQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return buf.Bytes(), nil
}

// Downscale returns src unchanged when it already fits in maxDim, otherwise a copy
// scaled with the aspect ratio kept.
func Downscale(src image.Image, maxDim int) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	longest := max(w, h)
	if maxDim <= 0 || longest <= maxDim {
		return src
	}

	nw := max(1, w*maxDim/longest)
	nh := max(1, h*maxDim/longest)

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
