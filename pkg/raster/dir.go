package raster

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/image/tiff"
	"gopkg.in/yaml.v3"

	"rrnorm/internal/models"
)

// Sidecar is the YAML description stored next to the band files of an
// image in a dataset directory.
type Sidecar struct {
	ID        string           `yaml:"id"`
	Bands     int              `yaml:"bands"`
	DataType  string           `yaml:"data_type"`
	NoData    *float64         `yaml:"nodata,omitempty"`
	Footprint models.Footprint `yaml:"footprint"`
}

func sidecarFor(img models.Image) Sidecar {
	sc := Sidecar{ID: img.ID, Bands: img.Bands, DataType: img.DataType.String(), Footprint: img.Footprint}
	if img.HasNoData {
		nd := img.NoData
		sc.NoData = &nd
	}
	return sc
}

func (sc Sidecar) image() (models.Image, error) {
	dt, err := models.ParseDataType(sc.DataType)
	if err != nil {
		return models.Image{}, err
	}
	img := models.Image{ID: sc.ID, Bands: sc.Bands, Footprint: sc.Footprint, DataType: dt}
	if sc.NoData != nil {
		img.NoData, img.HasNoData = *sc.NoData, true
	}
	if img.Bands < 1 || img.Footprint.Width < 1 || img.Footprint.Height < 1 {
		return models.Image{}, fmt.Errorf("image %s: invalid size %dx%d with %d bands",
			img.ID, img.Footprint.Width, img.Footprint.Height, img.Bands)
	}
	return img, nil
}

// BandPath returns the file holding a band (0-based) of an image.
func BandPath(dir, id string, band int) string {
	return filepath.Join(dir, fmt.Sprintf("%s_b%d.tif", id, band+1))
}

// MaskPath returns the optional usable-pixel mask file of an image.
func MaskPath(dir, id string) string {
	return filepath.Join(dir, id+"_mask.tif")
}

// SidecarPath returns the YAML sidecar of an image.
func SidecarPath(dir, id string) string {
	return filepath.Join(dir, id+".yaml")
}

// DefaultCacheBytes bounds the decoded rasters a DirSource keeps.
const DefaultCacheBytes = 1 << 30

// DirSource reads a dataset directory. Bands are decoded on first use and
// cached up to a byte budget; the least recently used rasters are evicted
// first.
type DirSource struct {
	dir    string
	images []models.Image
	byID   map[string]models.Image

	mu     sync.Mutex
	cache  map[string]*decoded
	order  []string
	cached int64
	budget int64
}

type decoded struct {
	once   sync.Once
	values []float64
	err    error
	size   int64
}

// OpenDir lists every image with a sidecar in dir.
func OpenDir(dir string) (*DirSource, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	s := &DirSource{
		dir:    dir,
		byID:   make(map[string]models.Image),
		cache:  make(map[string]*decoded),
		budget: DefaultCacheBytes,
	}
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("error reading sidecar: %w", err)
		}
		var sc Sidecar
		if err := yaml.Unmarshal(data, &sc); err != nil {
			return nil, fmt.Errorf("error parsing sidecar %s: %w", filepath.Base(p), err)
		}
		if sc.ID == "" {
			sc.ID = strings.TrimSuffix(filepath.Base(p), ".yaml")
		}
		img, err := sc.image()
		if err != nil {
			return nil, err
		}
		s.images = append(s.images, img)
		s.byID[img.ID] = img
	}
	if len(s.images) == 0 {
		return nil, fmt.Errorf("no images found in %s", dir)
	}
	sort.Slice(s.images, func(i, j int) bool { return s.images[i].ID < s.images[j].ID })
	return s, nil
}

// Images implements Source.
func (s *DirSource) Images() []models.Image {
	out := make([]models.Image, len(s.images))
	copy(out, s.images)
	return out
}

// SetCacheBytes changes the decode cache budget. The raster being read is
// always kept, so a budget below one raster caches exactly one.
func (s *DirSource) SetCacheBytes(budget int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.budget = budget
	s.evict("")
}

// CachedBytes is the size of the decoded rasters currently held.
func (s *DirSource) CachedBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cached
}

func (s *DirSource) load(path string, width, height int) ([]float64, error) {
	s.mu.Lock()
	d, ok := s.cache[path]
	if ok {
		s.touch(path)
	} else {
		d = &decoded{size: int64(width) * int64(height) * 8}
		s.cache[path] = d
		s.order = append(s.order, path)
		s.cached += d.size
		s.evict(path)
	}
	s.mu.Unlock()

	d.once.Do(func() {
		d.values, d.err = decodeTIFF(path, width, height)
	})
	return d.values, d.err
}

// touch marks path as most recently used. Callers hold mu.
func (s *DirSource) touch(path string) {
	for i, p := range s.order {
		if p == path {
			s.order = append(append(s.order[:i:i], s.order[i+1:]...), path)
			return
		}
	}
}

// evict drops least recently used rasters other than keep until the cache
// fits its budget. Readers holding an evicted slice keep it alive until
// they finish. Callers hold mu.
func (s *DirSource) evict(keep string) {
	for i := 0; s.cached > s.budget && i < len(s.order); {
		p := s.order[i]
		if p == keep {
			i++
			continue
		}
		s.cached -= s.cache[p].size
		delete(s.cache, p)
		s.order = append(s.order[:i], s.order[i+1:]...)
	}
}

func (s *DirSource) image(id string, w models.Window) (models.Image, error) {
	img, ok := s.byID[id]
	if !ok {
		return models.Image{}, fmt.Errorf("unknown image %q", id)
	}
	fp := img.Footprint
	if w.Col < 0 || w.Row < 0 || w.Col+w.Width > fp.Width || w.Row+w.Height > fp.Height {
		return models.Image{}, fmt.Errorf("window %v outside %dx%d raster", w, fp.Width, fp.Height)
	}
	return img, nil
}

// ReadWindow implements Source.
func (s *DirSource) ReadWindow(ctx context.Context, id string, band int, w models.Window) (*Block, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, err := s.image(id, w)
	if err != nil {
		return nil, err
	}
	if band < 0 || band >= img.Bands {
		return nil, fmt.Errorf("image %s has no band %d", id, band+1)
	}
	fp := img.Footprint
	values, err := s.load(BandPath(s.dir, id, band), fp.Width, fp.Height)
	if err != nil {
		return nil, err
	}
	data := make([]float64, w.Pixels())
	for r := 0; r < w.Height; r++ {
		copy(data[r*w.Width:(r+1)*w.Width], values[(w.Row+r)*fp.Width+w.Col:])
	}
	return &Block{Data: data, Width: w.Width, Height: w.Height, NoData: img.NoData, HasNoData: img.HasNoData}, nil
}

// MaskWindow implements Mask. Images without a mask file are fully usable.
func (s *DirSource) MaskWindow(ctx context.Context, id string, w models.Window) ([]bool, error) {
	img, err := s.image(id, w)
	if err != nil {
		return nil, err
	}
	out := make([]bool, w.Pixels())
	path := MaskPath(s.dir, id)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		for i := range out {
			out[i] = true
		}
		return out, nil
	}
	fp := img.Footprint
	values, err := s.load(path, fp.Width, fp.Height)
	if err != nil {
		return nil, err
	}
	for r := 0; r < w.Height; r++ {
		for c := 0; c < w.Width; c++ {
			out[r*w.Width+c] = values[(w.Row+r)*fp.Width+w.Col+c] != 0
		}
	}
	return out, nil
}

func decodeTIFF(path string, width, height int) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, err := tiff.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", filepath.Base(path), err)
	}
	b := img.Bounds()
	if b.Dx() != width || b.Dy() != height {
		return nil, fmt.Errorf("%s is %dx%d, sidecar says %dx%d", filepath.Base(path), b.Dx(), b.Dy(), width, height)
	}

	values := make([]float64, width*height)
	switch g := img.(type) {
	case *image.Gray:
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				values[y*width+x] = float64(g.GrayAt(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
	case *image.Gray16:
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				values[y*width+x] = float64(g.Gray16At(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
	default:
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				c := color.Gray16Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
				values[y*width+x] = float64(c.Y)
			}
		}
	}
	return values, nil
}

func encodeTIFF(path string, values []float64, width, height int, dt models.DataType) error {
	var img image.Image
	switch dt {
	case models.Uint8:
		g := image.NewGray(image.Rect(0, 0, width, height))
		for i, v := range values {
			g.Pix[i] = uint8(math.Max(0, math.Min(math.MaxUint8, math.Round(v))))
		}
		img = g
	case models.Uint16:
		g := image.NewGray16(image.Rect(0, 0, width, height))
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				v := math.Max(0, math.Min(math.MaxUint16, math.Round(values[y*width+x])))
				g.SetGray16(x, y, color.Gray16{Y: uint16(v)})
			}
		}
		img = g
	default:
		return fmt.Errorf("directory backend stores uint8 or uint16 bands, not %s", dt)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := tiff.Encode(f, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true}); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

// WriteImage stores an in-memory image in a dataset directory. The sidecar
// is written last, so a reader never sees an image whose bands are missing.
func WriteImage(dir string, m *MemoryImage) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating dataset directory: %w", err)
	}
	img := m.Image
	fp := img.Footprint
	for b, values := range m.Bands {
		if err := encodeTIFF(BandPath(dir, img.ID, b), values, fp.Width, fp.Height, img.DataType); err != nil {
			return err
		}
	}
	if m.Usable != nil {
		mask := make([]float64, len(m.Usable))
		for i, ok := range m.Usable {
			if ok {
				mask[i] = 1
			}
		}
		if err := encodeTIFF(MaskPath(dir, img.ID), mask, fp.Width, fp.Height, models.Uint8); err != nil {
			return err
		}
	}
	data, err := yaml.Marshal(sidecarFor(img))
	if err != nil {
		return fmt.Errorf("error marshaling sidecar: %w", err)
	}
	return os.WriteFile(SidecarPath(dir, img.ID), data, 0644)
}

// DirSink writes normalized images into a dataset directory. Each output
// is assembled in a private staging directory and moved into place on
// Commit; an aborted or failed output leaves no sidecar behind.
type DirSink struct {
	dir    string
	suffix string
}

// NewDirSink returns a sink writing to dir. Output IDs are the input IDs
// followed by suffix.
func NewDirSink(dir, suffix string) (*DirSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("error creating output directory: %w", err)
	}
	return &DirSink{dir: dir, suffix: suffix}, nil
}

// Create implements Sink.
func (s *DirSink) Create(ctx context.Context, img models.Image) (Writer, error) {
	if img.DataType != models.Uint8 && img.DataType != models.Uint16 {
		return nil, fmt.Errorf("directory backend stores uint8 or uint16 bands, not %s", img.DataType)
	}
	out := img
	out.ID = img.ID + s.suffix
	mem, err := NewMemorySink().Create(ctx, out)
	if err != nil {
		return nil, err
	}
	return &dirWriter{sink: s, img: out, mem: mem.(*memoryWriter)}, nil
}

type dirWriter struct {
	sink *DirSink
	img  models.Image
	mem  *memoryWriter
}

func (w *dirWriter) WriteWindow(ctx context.Context, band int, win models.Window, data []float64) error {
	return w.mem.WriteWindow(ctx, band, win, data)
}

func (w *dirWriter) Commit() error {
	staging, err := os.MkdirTemp(w.sink.dir, ".staging-"+w.img.ID+"-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)

	if err := WriteImage(staging, w.mem.out); err != nil {
		return err
	}
	for b := 0; b < w.img.Bands; b++ {
		if err := os.Rename(BandPath(staging, w.img.ID, b), BandPath(w.sink.dir, w.img.ID, b)); err != nil {
			return err
		}
	}
	if err := os.Rename(SidecarPath(staging, w.img.ID), SidecarPath(w.sink.dir, w.img.ID)); err != nil {
		return err
	}
	w.mem.done = true
	return nil
}

func (w *dirWriter) Abort() error {
	// Nothing reached the output directory yet.
	return w.mem.Abort()
}
