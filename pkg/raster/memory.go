package raster

import (
	"context"
	"fmt"
	"sync"

	"rrnorm/internal/models"
)

// MemoryImage is an image held fully in memory. Bands are row-major.
type MemoryImage struct {
	Image  models.Image
	Bands  [][]float64
	Usable []bool // optional per-pixel mask; nil means every pixel is usable
}

// MemorySource serves images from memory. It implements both Source and
// Mask and is safe for concurrent reads.
type MemorySource struct {
	images []models.Image
	byID   map[string]*MemoryImage
}

// NewMemorySource validates the images and indexes them by ID.
func NewMemorySource(images ...*MemoryImage) (*MemorySource, error) {
	s := &MemorySource{byID: make(map[string]*MemoryImage, len(images))}
	for _, m := range images {
		fp := m.Image.Footprint
		if _, dup := s.byID[m.Image.ID]; dup {
			return nil, fmt.Errorf("duplicate image id %q", m.Image.ID)
		}
		if len(m.Bands) != m.Image.Bands {
			return nil, fmt.Errorf("image %s: %d bands declared, %d provided", m.Image.ID, m.Image.Bands, len(m.Bands))
		}
		for b, data := range m.Bands {
			if len(data) != fp.Width*fp.Height {
				return nil, fmt.Errorf("image %s band %d: %d values, want %d", m.Image.ID, b+1, len(data), fp.Width*fp.Height)
			}
		}
		if m.Usable != nil && len(m.Usable) != fp.Width*fp.Height {
			return nil, fmt.Errorf("image %s: mask has %d values, want %d", m.Image.ID, len(m.Usable), fp.Width*fp.Height)
		}
		s.images = append(s.images, m.Image)
		s.byID[m.Image.ID] = m
	}
	return s, nil
}

// Images implements Source.
func (s *MemorySource) Images() []models.Image {
	out := make([]models.Image, len(s.images))
	copy(out, s.images)
	return out
}

func (s *MemorySource) lookup(id string, w models.Window) (*MemoryImage, error) {
	m, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("unknown image %q", id)
	}
	fp := m.Image.Footprint
	if w.Col < 0 || w.Row < 0 || w.Col+w.Width > fp.Width || w.Row+w.Height > fp.Height {
		return nil, fmt.Errorf("window %v outside %dx%d raster", w, fp.Width, fp.Height)
	}
	return m, nil
}

// ReadWindow implements Source.
func (s *MemorySource) ReadWindow(ctx context.Context, id string, band int, w models.Window) (*Block, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, err := s.lookup(id, w)
	if err != nil {
		return nil, err
	}
	if band < 0 || band >= len(m.Bands) {
		return nil, fmt.Errorf("image %s has no band %d", id, band+1)
	}
	width := m.Image.Footprint.Width
	data := make([]float64, w.Pixels())
	for r := 0; r < w.Height; r++ {
		src := m.Bands[band][(w.Row+r)*width+w.Col:]
		copy(data[r*w.Width:(r+1)*w.Width], src[:w.Width])
	}
	return &Block{Data: data, Width: w.Width, Height: w.Height, NoData: m.Image.NoData, HasNoData: m.Image.HasNoData}, nil
}

// MaskWindow implements Mask.
func (s *MemorySource) MaskWindow(ctx context.Context, id string, w models.Window) ([]bool, error) {
	m, err := s.lookup(id, w)
	if err != nil {
		return nil, err
	}
	out := make([]bool, w.Pixels())
	if m.Usable == nil {
		for i := range out {
			out[i] = true
		}
		return out, nil
	}
	width := m.Image.Footprint.Width
	for r := 0; r < w.Height; r++ {
		copy(out[r*w.Width:(r+1)*w.Width], m.Usable[(w.Row+r)*width+w.Col:])
	}
	return out, nil
}

// MemorySink keeps committed outputs in memory.
type MemorySink struct {
	mu        sync.Mutex
	committed map[string]*MemoryImage
}

// NewMemorySink returns an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{committed: make(map[string]*MemoryImage)}
}

// Create implements Sink.
func (s *MemorySink) Create(ctx context.Context, img models.Image) (Writer, error) {
	fp := img.Footprint
	bands := make([][]float64, img.Bands)
	for b := range bands {
		bands[b] = make([]float64, fp.Width*fp.Height)
	}
	return &memoryWriter{sink: s, out: &MemoryImage{Image: img, Bands: bands}}, nil
}

// Output returns the committed output for an image.
func (s *MemorySink) Output(id string) (*MemoryImage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.committed[id]
	return m, ok
}

type memoryWriter struct {
	sink *MemorySink
	out  *MemoryImage
	done bool
}

func (w *memoryWriter) WriteWindow(ctx context.Context, band int, win models.Window, data []float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if band < 0 || band >= len(w.out.Bands) {
		return fmt.Errorf("output %s has no band %d", w.out.Image.ID, band+1)
	}
	if len(data) != win.Pixels() {
		return fmt.Errorf("window %v: %d values, want %d", win, len(data), win.Pixels())
	}
	width := w.out.Image.Footprint.Width
	for r := 0; r < win.Height; r++ {
		copy(w.out.Bands[band][(win.Row+r)*width+win.Col:], data[r*win.Width:(r+1)*win.Width])
	}
	return nil
}

func (w *memoryWriter) Commit() error {
	if w.done {
		return fmt.Errorf("output %s already finished", w.out.Image.ID)
	}
	w.done = true
	w.sink.mu.Lock()
	w.sink.committed[w.out.Image.ID] = w.out
	w.sink.mu.Unlock()
	return nil
}

func (w *memoryWriter) Abort() error {
	w.done = true
	w.out = &MemoryImage{Image: w.out.Image}
	return nil
}
