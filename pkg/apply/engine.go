// Package apply writes the normalized images: the global transform plus
// the local surface, applied window by window in parallel.
package apply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codahale/hdrhistogram"

	"rrnorm/internal/models"
	"rrnorm/internal/parallel"
	"rrnorm/pkg/global"
	"rrnorm/pkg/local"
	"rrnorm/pkg/raster"
)

// Policy decides what happens to corrected values outside the output range.
type Policy int

const (
	// Clamp clips to the range and counts the clipped pixels
	Clamp Policy = iota

	// Fail rejects the image with ErrOutOfRangeOutput
	Fail
)

func (p Policy) String() string {
	if p == Fail {
		return "error"
	}
	return "clamp"
}

// ParsePolicy reads the configuration value of an out-of-range policy.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "clamp":
		return Clamp, nil
	case "error", "fail":
		return Fail, nil
	}
	return Clamp, fmt.Errorf("unknown out-of-range policy %q (want clamp or error)", s)
}

// Options tune the engine.
type Options struct {
	// TileSize is the window edge in pixels
	TileSize int

	Workers int
	Policy  Policy
	Logger  *slog.Logger
}

// ImageResult reports the outcome for one image.
type ImageResult struct {
	ID            string
	Err           error
	ClampedPixels int64
	Windows       int64
	WindowP50     time.Duration
	WindowP99     time.Duration
}

// Engine applies corrections and writes outputs.
type Engine struct {
	src    raster.Source
	sink   raster.Sink
	opts   Options
	logger *slog.Logger
}

// NewEngine returns an engine reading from src and writing to sink.
func NewEngine(src raster.Source, sink raster.Sink, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TileSize <= 0 {
		opts.TileSize = 512
	}
	return &Engine{src: src, sink: sink, opts: opts, logger: logger}
}

// imageState tracks one output while its windows are in flight.
type imageState struct {
	img     models.Image
	writer  raster.Writer
	clamped atomic.Int64
	windows atomic.Int64

	mu   sync.Mutex
	err  error
	hist *hdrhistogram.Histogram
}

func (s *imageState) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *imageState) failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err != nil
}

func (s *imageState) record(d time.Duration) {
	s.mu.Lock()
	_ = s.hist.RecordValue(d.Microseconds())
	s.mu.Unlock()
}

type task struct {
	image  int
	window models.Window
	band   int
}

// Apply normalizes every image. A failing window fails only its image: that
// image's writer is aborted while the others complete. Cancellation aborts
// every writer that has not been committed.
func (e *Engine) Apply(ctx context.Context, images []models.Image, sol *global.Solution, surfaces *local.Surfaces) ([]ImageResult, error) {
	states := make([]*imageState, len(images))
	var tasks []task
	for i, img := range images {
		st := &imageState{img: img, hist: hdrhistogram.New(1, int64(time.Hour/time.Microsecond), 3)}
		states[i] = st
		w, err := e.sink.Create(ctx, img)
		if err != nil {
			st.fail(&models.RasterIOError{Op: "create", Image: img.ID, Err: err})
			continue
		}
		st.writer = w
		for _, win := range raster.Tiles(img.Footprint.Width, img.Footprint.Height, e.opts.TileSize) {
			for b := 0; b < img.Bands; b++ {
				tasks = append(tasks, task{image: i, window: win, band: b})
			}
		}
	}

	runErr := parallel.ForEach(ctx, len(tasks), e.opts.Workers, func(ctx context.Context, n int) error {
		t := tasks[n]
		st := states[t.image]
		if st.failed() {
			return nil
		}
		start := time.Now()
		if err := e.window(ctx, st, t, sol, surfaces); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			st.fail(err)
			return nil
		}
		st.windows.Add(1)
		st.record(time.Since(start))
		return nil
	})

	results := make([]ImageResult, len(images))
	for i, st := range states {
		res := ImageResult{ID: st.img.ID, ClampedPixels: st.clamped.Load(), Windows: st.windows.Load()}
		if st.hist.TotalCount() > 0 {
			res.WindowP50 = time.Duration(st.hist.ValueAtQuantile(50)) * time.Microsecond
			res.WindowP99 = time.Duration(st.hist.ValueAtQuantile(99)) * time.Microsecond
		}
		switch {
		case st.writer == nil:
		case runErr != nil || st.failed():
			if err := st.writer.Abort(); err != nil {
				e.logger.Warn("failed to abort output", "image", st.img.ID, "error", err)
			}
		default:
			if err := st.writer.Commit(); err != nil {
				st.fail(&models.RasterIOError{Op: "commit", Image: st.img.ID, Err: err})
			}
		}
		st.mu.Lock()
		res.Err = st.err
		st.mu.Unlock()
		if res.Err == nil && runErr != nil {
			res.Err = runErr
		}
		results[i] = res

		if res.Err != nil {
			e.logger.Error("image failed", "image", res.ID, "error", res.Err)
		} else {
			e.logger.Info("image written", "image", res.ID,
				"windows", res.Windows, "clamped", res.ClampedPixels,
				"p50", res.WindowP50, "p99", res.WindowP99)
		}
	}
	return results, runErr
}

func (e *Engine) window(ctx context.Context, st *imageState, t task, sol *global.Solution, surfaces *local.Surfaces) error {
	img := st.img
	block, err := e.src.ReadWindow(ctx, img.ID, t.band, t.window)
	if err != nil {
		return &models.RasterIOError{Op: "read", Image: img.ID, Band: t.band, Window: t.window, Err: err}
	}
	out := make([]float64, len(block.Data))
	clamped, err := Correct(img, sol.Transform(t.image, t.band), surfaces.At(t.image, t.band), t.window, block.Data, out, e.opts.Policy)
	if err != nil {
		return fmt.Errorf("image %s band %d window %v: %w", img.ID, t.band+1, t.window, err)
	}
	st.clamped.Add(clamped)
	if err := st.writer.WriteWindow(ctx, t.band, t.window, out); err != nil {
		return &models.RasterIOError{Op: "write", Image: img.ID, Band: t.band, Window: t.window, Err: err}
	}
	return nil
}

// Correct computes out = a*raw + b + surface(col+0.5, row+0.5) for one
// window and fits the result to the image's data type. Nodata pixels are
// copied unchanged. It returns the number of clamped pixels.
func Correct(img models.Image, tr models.GlobalTransform, surf *local.Surface, w models.Window, in, out []float64, policy Policy) (int64, error) {
	lo, hi := img.DataType.Range()
	integer := img.DataType.IsInteger()
	var clamped int64
	for r := 0; r < w.Height; r++ {
		for c := 0; c < w.Width; c++ {
			i := r*w.Width + c
			v := in[i]
			if img.IsNoData(v) {
				out[i] = v
				continue
			}
			x := tr.Apply(v) + surf.At(float64(w.Col+c)+0.5, float64(w.Row+r)+0.5)
			if integer {
				x = math.Round(x)
			} else if img.DataType == models.Float32 {
				x = float64(float32(x))
			}
			if math.IsNaN(x) || x < lo || x > hi {
				if policy == Fail {
					return clamped, fmt.Errorf("%w: %g at pixel (%d, %d)", models.ErrOutOfRangeOutput, x, w.Col+c, w.Row+r)
				}
				clamped++
				if math.IsNaN(x) {
					x = lo
				}
				x = math.Max(lo, math.Min(hi, x))
			}
			if img.HasNoData && x == img.NoData {
				x = nudge(x, lo, hi, img.DataType)
			}
			out[i] = x
		}
	}
	return clamped, nil
}

// nudge moves a valid value off the nodata value by one unit of the output
// type toward the middle of the range.
func nudge(x, lo, hi float64, dt models.DataType) float64 {
	dir := math.Inf(-1)
	if x < lo/2+hi/2 {
		dir = math.Inf(1)
	}
	switch {
	case dt.IsInteger():
		if dir > 0 {
			return x + 1
		}
		return x - 1
	case dt == models.Float32:
		return float64(math.Nextafter32(float32(x), float32(dir)))
	}
	return math.Nextafter(x, dir)
}

// Failed returns the results of the images that failed.
func Failed(results []ImageResult) []ImageResult {
	var out []ImageResult
	for _, r := range results {
		if r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}

// ErrImagesFailed reports that at least one output was not written.
var ErrImagesFailed = errors.New("some images failed")
