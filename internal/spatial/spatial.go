// Package spatial holds the stateless geometry helpers used on every detection:
// coarse frame quadrant labels, bbox normalization, and padded crops.
package spatial

import (
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"

	"github.com/bdougie/vigil/internal/models"
)

// DefaultPadding is the fraction of box width/height added on each side of a crop
const DefaultPadding = 0.1

const cropQuality = 90

// Quadrant returns where the center of bbox falls within a frame of w x h pixels.
// The label is "{vertical}-{horizontal}" except for the middle cell, which is "center".
func Quadrant(bbox models.BBox, w, h int) string {
	cx := (bbox.X1 + bbox.X2) / 2 / float64(w)
	cy := (bbox.Y1 + bbox.Y2) / 2 / float64(h)

	var hz string
	switch {
	case cx < 0.33:
		hz = "left"
	case cx < 0.66:
		hz = "center"
	default:
		hz = "right"
	}

	var vz string
	switch {
	case cy < 0.4:
		vz = "top"
	case cy < 0.7:
		vz = "mid"
	default:
		vz = "bottom"
	}

	if hz == "center" && vz == "mid" {
		return "center"
	}
	return vz + "-" + hz
}

// NormalizeBBox converts a pixel box to 0-1 coordinates
func NormalizeBBox(bbox models.BBox, w, h int) models.BBox {
	fw, fh := float64(w), float64(h)
	return models.BBox{
		X1: bbox.X1 / fw,
		Y1: bbox.Y1 / fh,
		X2: bbox.X2 / fw,
		Y2: bbox.Y2 / fh,
	}
}

// CropRect computes the padded crop rectangle for bbox inside bounds.
// If padding collapses the box to zero area, the unpadded box clamped to bounds is used.
func CropRect(bounds image.Rectangle, bbox models.BBox, padding float64) image.Rectangle {
	padX := bbox.Width() * padding
	padY := bbox.Height() * padding

	padded := image.Rect(
		int(bbox.X1-padX), int(bbox.Y1-padY),
		int(bbox.X2+padX), int(bbox.Y2+padY),
	).Intersect(bounds)
	if !padded.Empty() {
		return padded
	}

	return image.Rect(
		int(bbox.X1), int(bbox.Y1),
		int(bbox.X2), int(bbox.Y2),
	).Intersect(bounds)
}

// ExtractCrop copies the padded region around bbox out of img.
// The result is origin-based so it can be encoded directly.
func ExtractCrop(img image.Image, bbox models.BBox, padding float64) image.Image {
	r := CropRect(img.Bounds(), bbox, padding)
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), img, r.Min, draw.Src)
	return dst
}

// CropPath returns the deterministic location of a track crop:
// {baseDir}/keyframes/{video stem}/crops/{class}_{track}_{second}.jpg
func CropPath(baseDir, videoID, class string, trackID int, second float64) string {
	stem := strings.TrimSuffix(filepath.Base(videoID), filepath.Ext(videoID))
	name := fmt.Sprintf("%s_%d_%.2f.jpg", class, trackID, second)
	return filepath.Join(baseDir, "keyframes", stem, "crops", name)
}

// SaveCrop writes crop as a JPEG at CropPath and returns the path
func SaveCrop(crop image.Image, baseDir, videoID, class string, trackID int, second float64) (string, error) {
	if crop.Bounds().Empty() {
		return "", fmt.Errorf("empty crop for %s track %d at %.2fs", class, trackID, second)
	}

	path := CropPath(baseDir, videoID, class, trackID, second)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create crop directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create crop file '%s': %w", path, err)
	}
	defer f.Close()

	if err := jpeg.Encode(f, crop, &jpeg.Options{Quality: cropQuality}); err != nil {
		return "", fmt.Errorf("failed to encode crop: %w", err)
	}
	return path, nil
}
