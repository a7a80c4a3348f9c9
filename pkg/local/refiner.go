package local

import (
	"context"
	"fmt"
	"log/slog"

	"rrnorm/internal/models"
	"rrnorm/internal/parallel"
	"rrnorm/pkg/artifact"
	"rrnorm/pkg/global"
	"rrnorm/pkg/overlap"
	"rrnorm/pkg/raster"
)

// Options tune the refiner.
type Options struct {
	// BlockSize is the block edge in pixels of the first image of a pair
	BlockSize int

	// MinBlockPixels skips blocks with fewer usable pixels on either side
	MinBlockPixels int

	Surface SurfaceParams

	// ModelImages receive no local correction
	ModelImages []string

	Workers int
	Store   artifact.Store
	Logger  *slog.Logger
}

// Surfaces holds the local correction of every image and band.
type Surfaces struct {
	byImage [][]*Surface // [image][band], nil means zero
	samples [][]int
}

// At returns the surface of one image and band. It may be nil.
func (s *Surfaces) At(image, band int) *Surface {
	if s == nil {
		return nil
	}
	return s.byImage[image][band]
}

// Samples returns how many block samples shaped a surface.
func (s *Surfaces) Samples(image, band int) int {
	if s == nil {
		return 0
	}
	return s.samples[image][band]
}

// Refiner builds local correction surfaces.
type Refiner struct {
	src    raster.Source
	opts   Options
	mapper *blockMapper
	logger *slog.Logger
}

// NewRefiner returns a refiner reading from src. mask may be nil.
func NewRefiner(src raster.Source, mask raster.Mask, opts Options) *Refiner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = 128
	}
	return &Refiner{
		src:    src,
		opts:   opts,
		mapper: &blockMapper{src: src, mask: mask, blockSize: opts.BlockSize, minBlockPixels: opts.MinBlockPixels},
		logger: logger,
	}
}

// Refine computes block grids for every pair and band in parallel, gathers
// the samples of each image, then builds the surfaces in parallel.
func (r *Refiner) Refine(ctx context.Context, idx *overlap.Index, bands int, sol *global.Solution) (*Surfaces, error) {
	images := idx.Images()
	pairs := idx.Pairs()
	model := make(map[string]bool, len(r.opts.ModelImages))
	for _, id := range r.opts.ModelImages {
		model[id] = true
	}

	grids, err := parallel.Map(ctx, len(pairs)*bands, r.opts.Workers, func(ctx context.Context, task int) (models.BlockGrid, error) {
		p, b := task/bands, task%bands
		return r.grid(ctx, images, pairs[p], p, b, sol)
	})
	if err != nil {
		return nil, err
	}

	// Reduction: each image collects the samples of all its pairs.
	perImage := make([][][]models.Sample, len(images))
	for i := range perImage {
		perImage[i] = make([][]models.Sample, bands)
	}
	for _, g := range grids {
		pair := pairs[g.Pair]
		forA, forB := samples(g, model[pair.IDA], model[pair.IDB])
		perImage[pair.A][g.Band] = append(perImage[pair.A][g.Band], forA...)
		perImage[pair.B][g.Band] = append(perImage[pair.B][g.Band], forB...)
	}

	out := &Surfaces{byImage: make([][]*Surface, len(images)), samples: make([][]int, len(images))}
	for i := range images {
		out.byImage[i] = make([]*Surface, bands)
		out.samples[i] = make([]int, bands)
	}
	err = parallel.ForEach(ctx, len(images)*bands, r.opts.Workers, func(ctx context.Context, task int) error {
		i, b := task/bands, task%bands
		fp := images[i].Footprint
		s := perImage[i][b]
		out.samples[i][b] = len(s)
		out.byImage[i][b] = BuildSurface(s, fp.Width, fp.Height, r.opts.Surface)
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, img := range images {
		for b := 0; b < bands; b++ {
			r.logger.Debug("local surface built",
				"image", img.ID, "band", b+1,
				"samples", out.samples[i][b], "max_abs", out.byImage[i][b].MaxAbs())
		}
	}
	return out, nil
}

func (r *Refiner) grid(ctx context.Context, images []models.Image, pair models.OverlapPair, p, band int, sol *global.Solution) (models.BlockGrid, error) {
	ta, tb := sol.Transform(pair.A, band), sol.Transform(pair.B, band)
	key := artifact.Key{
		Subject: fmt.Sprintf("%s:%s", pair.Key(), artifact.Digest([]any{
			ta, tb, pair.WindowA, pair.WindowB, r.opts.BlockSize, r.opts.MinBlockPixels,
		})),
		Band: band,
		Kind: artifact.KindBlockMap,
	}

	var cached models.BlockGrid
	if ok, err := artifact.Load(ctx, r.opts.Store, key, &cached); err != nil {
		r.logger.Warn("ignoring unreadable block map artifact", "pair", pair.Key(), "band", band+1, "error", err)
	} else if ok {
		cached.Pair, cached.Band = p, band
		return cached, nil
	}

	g, err := r.mapper.grid(ctx, images[pair.A], images[pair.B], pair, p, band, ta, tb)
	if err != nil {
		return models.BlockGrid{}, err
	}
	if err := artifact.Save(ctx, r.opts.Store, key, g); err != nil {
		r.logger.Warn("failed to cache block map", "pair", pair.Key(), "band", band+1, "error", err)
	}
	return g, nil
}
