package statistics

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"
	"github.com/pbnjay/memory"

	"rrnorm/internal/models"
	"rrnorm/internal/parallel"
	"rrnorm/pkg/artifact"
	"rrnorm/pkg/overlap"
	"rrnorm/pkg/raster"
)

// Table holds the statistics of every pair and band.
type Table struct {
	Bands int
	Pairs []models.OverlapPair
	stats [][]models.PairStatistics // [pair][band]
}

// NewTable wraps precomputed statistics, indexed [pair][band].
func NewTable(pairs []models.OverlapPair, bands int, stats [][]models.PairStatistics) *Table {
	return &Table{Bands: bands, Pairs: pairs, stats: stats}
}

// At returns the statistics of one pair and band.
func (t *Table) At(pair, band int) models.PairStatistics { return t.stats[pair][band] }

// Band returns the statistics of every pair for one band, in pair order.
func (t *Table) Band(band int) []models.PairStatistics {
	out := make([]models.PairStatistics, len(t.stats))
	for p := range t.stats {
		out[p] = t.stats[p][band]
	}
	return out
}

// Options tune the collector.
type Options struct {
	// Workers bounds the number of pairs processed at once
	Workers int

	// TilePixels bounds the pixels read per side in one request. Zero
	// derives a budget from total system memory.
	TilePixels int

	// MemoryFraction is the share of system memory the derived budget may use
	MemoryFraction float64

	// Store caches results across runs; nil disables caching
	Store artifact.Store

	Logger *slog.Logger
}

// Collector streams overlap windows and summarizes them.
type Collector struct {
	src    raster.Source
	mask   raster.Mask
	opts   Options
	logger *slog.Logger
}

// NewCollector returns a collector reading from src. mask may be nil.
func NewCollector(src raster.Source, mask raster.Mask, opts Options) *Collector {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TilePixels <= 0 {
		opts.TilePixels = TilePixelBudget(opts.MemoryFraction, parallel.Workers(opts.Workers))
	}
	return &Collector{src: src, mask: mask, opts: opts, logger: logger}
}

// TilePixelBudget derives the per-request pixel budget from system memory.
// Each worker holds two float64 windows plus two masks at a time.
func TilePixelBudget(fraction float64, workers int) int {
	if fraction <= 0 || fraction > 1 {
		fraction = 0.25
	}
	total := memory.TotalMemory()
	if total == 0 {
		return 1 << 20
	}
	const bytesPerPixel = 2 * (8 + 1)
	budget := int(float64(total) * fraction / float64(bytesPerPixel*max(workers, 1)))
	return max(4096, min(budget, 1<<24))
}

// Collect computes statistics for every pair of idx. Pairs are processed in
// parallel; each task produces its own records and the table is assembled
// once all tasks have finished.
func (c *Collector) Collect(ctx context.Context, idx *overlap.Index) (*Table, error) {
	images := idx.Images()
	pairs := idx.Pairs()
	bands := commonBands(images)

	c.logger.Debug("collecting overlap statistics",
		"pairs", len(pairs), "bands", bands,
		"tile_budget", humanize.Comma(int64(c.opts.TilePixels)))

	results, err := parallel.Map(ctx, len(pairs), c.opts.Workers, func(ctx context.Context, p int) ([]models.PairStatistics, error) {
		return c.pair(ctx, images, pairs[p], p, bands)
	})
	if err != nil {
		return nil, err
	}

	empty := 0
	for p, rows := range results {
		for _, st := range rows {
			if !st.Usable() {
				empty++
				c.logger.Info("overlap has no usable pixels",
					"kind", models.ErrEmptyOverlap, "pair", pairs[p].Key(), "band", st.Band+1)
			}
		}
	}
	if empty > 0 {
		c.logger.Debug("empty overlaps dropped from solve", "count", empty)
	}
	return NewTable(pairs, bands, results), nil
}

func (c *Collector) pair(ctx context.Context, images []models.Image, pair models.OverlapPair, p, bands int) ([]models.PairStatistics, error) {
	imgA, imgB := images[pair.A], images[pair.B]
	key := artifact.Key{
		Subject: fmt.Sprintf("%s:%v:%v", pair.Key(), pair.WindowA, pair.WindowB),
		Kind:    artifact.KindStats,
	}

	var cached []models.PairStatistics
	if ok, err := artifact.Load(ctx, c.opts.Store, key, &cached); err != nil {
		c.logger.Warn("ignoring unreadable statistics artifact", "pair", pair.Key(), "error", err)
	} else if ok && len(cached) == bands {
		for b := range cached {
			cached[b].Pair = p
		}
		return cached, nil
	}

	out := make([]models.PairStatistics, bands)
	for b := 0; b < bands; b++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var (
			sa, sb models.SideStats
			err    error
		)
		if pair.WindowA.Width == pair.WindowB.Width && pair.WindowA.Height == pair.WindowB.Height {
			sa, sb, err = c.jointSides(ctx, imgA, imgB, pair, b)
		} else {
			if sa, err = c.side(ctx, imgA, pair.WindowA, b); err == nil {
				sb, err = c.side(ctx, imgB, pair.WindowB, b)
			}
		}
		if err != nil {
			return nil, err
		}
		out[b] = models.PairStatistics{Pair: p, Band: b, A: sa, B: sb}
	}

	if err := artifact.Save(ctx, c.opts.Store, key, out); err != nil {
		c.logger.Warn("failed to cache statistics", "pair", pair.Key(), "error", err)
	}
	return out, nil
}

// jointSides reads both windows strip by strip. The grids coincide, so a
// pixel counts only when it is usable on both sides.
func (c *Collector) jointSides(ctx context.Context, imgA, imgB models.Image, pair models.OverlapPair, band int) (models.SideStats, models.SideStats, error) {
	var accA, accB Accumulator
	rel := models.Window{Width: pair.WindowA.Width, Height: pair.WindowA.Height}
	for _, strip := range raster.Strips(rel, c.opts.TilePixels) {
		wa, wb := raster.SubWindow(pair.WindowA, strip), raster.SubWindow(pair.WindowB, strip)
		blockA, usableA, err := c.read(ctx, imgA, band, wa)
		if err != nil {
			return models.SideStats{}, models.SideStats{}, err
		}
		blockB, usableB, err := c.read(ctx, imgB, band, wb)
		if err != nil {
			return models.SideStats{}, models.SideStats{}, err
		}

		va := make([]float64, 0, len(blockA.Data))
		vb := make([]float64, 0, len(blockB.Data))
		for i := range blockA.Data {
			if !usable(imgA, blockA.Data[i], usableA, i) || !usable(imgB, blockB.Data[i], usableB, i) {
				continue
			}
			va = append(va, blockA.Data[i])
			vb = append(vb, blockB.Data[i])
		}
		accA.Merge(Summarize(va))
		accB.Merge(Summarize(vb))
	}
	return accA.Result(), accB.Result(), nil
}

func (c *Collector) side(ctx context.Context, img models.Image, w models.Window, band int) (models.SideStats, error) {
	var acc Accumulator
	rel := models.Window{Width: w.Width, Height: w.Height}
	for _, strip := range raster.Strips(rel, c.opts.TilePixels) {
		block, mask, err := c.read(ctx, img, band, raster.SubWindow(w, strip))
		if err != nil {
			return models.SideStats{}, err
		}
		values := make([]float64, 0, len(block.Data))
		for i, v := range block.Data {
			if usable(img, v, mask, i) {
				values = append(values, v)
			}
		}
		acc.Merge(Summarize(values))
	}
	return acc.Result(), nil
}

func (c *Collector) read(ctx context.Context, img models.Image, band int, w models.Window) (*raster.Block, []bool, error) {
	block, err := c.src.ReadWindow(ctx, img.ID, band, w)
	if err != nil {
		return nil, nil, &models.RasterIOError{Op: "read", Image: img.ID, Band: band, Window: w, Err: err}
	}
	mask, err := raster.UsableWindow(ctx, c.mask, img.ID, w)
	if err != nil {
		return nil, nil, &models.RasterIOError{Op: "mask", Image: img.ID, Band: band, Window: w, Err: err}
	}
	return block, mask, nil
}

func usable(img models.Image, v float64, mask []bool, i int) bool {
	if img.IsNoData(v) {
		return false
	}
	return mask == nil || mask[i]
}

func commonBands(images []models.Image) int {
	if len(images) == 0 {
		return 0
	}
	bands := images[0].Bands
	for _, img := range images[1:] {
		bands = min(bands, img.Bands)
	}
	return bands
}
