// Package raster defines the windowed raster access the normalization core
// depends on, together with an in-memory backend and a directory backend
// that stores each band as a single-band TIFF.
package raster

import (
	"context"
	"fmt"

	"rrnorm/internal/models"
)

// Block is a window of one band, stored row-major as float64.
type Block struct {
	Data      []float64
	Width     int
	Height    int
	NoData    float64
	HasNoData bool
}

// At returns the value at column x, row y of the block.
func (b *Block) At(x, y int) float64 { return b.Data[y*b.Width+x] }

// Source reads pixels of the input images.
type Source interface {
	// Images lists the images available from this source
	Images() []models.Image

	// ReadWindow reads one band (0-based) of an image within a window
	ReadWindow(ctx context.Context, id string, band int, w models.Window) (*Block, error)
}

// Mask reports which pixels may contribute to statistics. A false entry
// excludes the pixel; an all-false window is valid and yields zero counts.
type Mask interface {
	MaskWindow(ctx context.Context, id string, w models.Window) ([]bool, error)
}

// Writer receives the normalized windows of one output image. Windows of
// one band never overlap and together cover the image exactly once, so
// concurrent WriteWindow calls on distinct windows are safe.
type Writer interface {
	WriteWindow(ctx context.Context, band int, w models.Window, data []float64) error

	// Commit makes the output visible as complete
	Commit() error

	// Abort discards everything written so far
	Abort() error
}

// Sink creates the output for each normalized image.
type Sink interface {
	Create(ctx context.Context, img models.Image) (Writer, error)
}

// Footprint looks up an image footprint by ID.
func Footprint(src Source, id string) (models.Footprint, error) {
	for _, img := range src.Images() {
		if img.ID == id {
			return img.Footprint, nil
		}
	}
	return models.Footprint{}, fmt.Errorf("unknown image %q", id)
}

// UsableWindow returns the mask for a window, or nil when every pixel is
// usable (no mask configured).
func UsableWindow(ctx context.Context, m Mask, id string, w models.Window) ([]bool, error) {
	if m == nil {
		return nil, nil
	}
	usable, err := m.MaskWindow(ctx, id, w)
	if err != nil {
		return nil, err
	}
	if len(usable) != w.Pixels() {
		return nil, fmt.Errorf("mask for %s window %v has %d entries, want %d", id, w, len(usable), w.Pixels())
	}
	return usable, nil
}

// Tiles splits a width×height raster into row-major tiles of at most
// size×size pixels.
func Tiles(width, height, size int) []models.Window {
	if size < 1 {
		size = max(width, height)
	}
	var tiles []models.Window
	for row := 0; row < height; row += size {
		for col := 0; col < width; col += size {
			tiles = append(tiles, models.Window{
				Col:    col,
				Row:    row,
				Width:  min(size, width-col),
				Height: min(size, height-row),
			})
		}
	}
	return tiles
}

// Strips splits a window into horizontal strips of at most maxPixels
// pixels each (at least one row per strip).
func Strips(w models.Window, maxPixels int) []models.Window {
	if w.Empty() {
		return nil
	}
	rows := w.Height
	if maxPixels > 0 {
		rows = max(1, maxPixels/w.Width)
	}
	var strips []models.Window
	for r := 0; r < w.Height; r += rows {
		strips = append(strips, models.Window{
			Col:    w.Col,
			Row:    w.Row + r,
			Width:  w.Width,
			Height: min(rows, w.Height-r),
		})
	}
	return strips
}

// SubWindow returns the part of parent described by a window relative to
// the parent's origin.
func SubWindow(parent, rel models.Window) models.Window {
	return models.Window{
		Col:    parent.Col + rel.Col,
		Row:    parent.Row + rel.Row,
		Width:  rel.Width,
		Height: rel.Height,
	}
}
