// Package visualization renders local correction surfaces as PNG previews.
package visualization

import (
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"

	"github.com/fogleman/gg"
	"github.com/lucasb-eyer/go-colorful"

	"rrnorm/pkg/local"
)

// MaxPreviewEdge bounds the longest side of a rendered preview in pixels.
const MaxPreviewEdge = 512

var (
	negative = colorful.Color{R: 0.13, G: 0.40, B: 0.67}
	neutral  = colorful.Color{R: 0.97, G: 0.97, B: 0.97}
	positive = colorful.Color{R: 0.70, G: 0.09, B: 0.17}
)

// Diverging maps v in [-limit, limit] to a blue-white-red ramp blended in
// Lab space. Values outside the range saturate.
func Diverging(v, limit float64) colorful.Color {
	if limit <= 0 || v == 0 || math.IsNaN(v) {
		return neutral
	}
	t := math.Min(math.Abs(v)/limit, 1)
	if v < 0 {
		return neutral.BlendLab(negative, t).Clamped()
	}
	return neutral.BlendLab(positive, t).Clamped()
}

// PreviewSize scales an image footprint so its longest side is at most
// MaxPreviewEdge.
func PreviewSize(width, height int) (int, int, float64) {
	scale := 1.0
	if edge := max(width, height); edge > MaxPreviewEdge {
		scale = float64(edge) / MaxPreviewEdge
	}
	w := max(1, int(math.Round(float64(width)/scale)))
	h := max(1, int(math.Round(float64(height)/scale)))
	return w, h, scale
}

// RenderSurface draws the surface of an image of width x height pixels.
// The colour scale is symmetric around zero and spans the surface's
// largest absolute correction.
func RenderSurface(s *local.Surface, width, height int, title string) image.Image {
	return render(s, width, height, title).Image()
}

func render(s *local.Surface, width, height int, title string) *gg.Context {
	w, h, scale := PreviewSize(width, height)
	limit := s.MaxAbs()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := s.At((float64(x)+0.5)*scale, (float64(y)+0.5)*scale)
			img.Set(x, y, Diverging(v, limit))
		}
	}

	dc := gg.NewContextForImage(img)
	if title != "" {
		dc.SetRGB(0, 0, 0)
		dc.DrawString(title, 8, 16)
		dc.DrawString(fmt.Sprintf("max |corr| = %.3g", limit), 8, 32)
	}
	return dc
}

// SaveSurfacePNG renders the surface and writes it to filename.
func SaveSurfacePNG(s *local.Surface, width, height int, title, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return fmt.Errorf("failed to create preview directory: %w", err)
	}
	if err := render(s, width, height, title).SavePNG(filename); err != nil {
		return fmt.Errorf("failed to save preview %s: %w", filename, err)
	}
	return nil
}

// PreviewName is the file name of the preview of one image band.
func PreviewName(id string, band int) string {
	return fmt.Sprintf("%s_b%d_surface.png", id, band+1)
}
