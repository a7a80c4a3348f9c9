// Package local removes the spatially varying residual left after the
// global correction. Overlaps are split into blocks, block means are
// compared, and the differences are spread into a smooth per-image
// correction surface.
package local

import (
	"context"

	"github.com/paulmach/orb"
	"gonum.org/v1/gonum/stat"

	"rrnorm/internal/models"
	"rrnorm/pkg/raster"
)

// blockMapper computes the block grid of one pair and band.
type blockMapper struct {
	src            raster.Source
	mask           raster.Mask
	blockSize      int
	minBlockPixels int
}

// grid splits the overlap into blocks of blockSize pixels of image A, maps
// each block into image B through world coordinates and records the
// globally corrected means of both sides. Blocks with too few usable
// pixels on either side are left out.
func (m *blockMapper) grid(ctx context.Context, imgA, imgB models.Image, pair models.OverlapPair, p, band int, ta, tb models.GlobalTransform) (models.BlockGrid, error) {
	size := max(m.blockSize, 1)
	wa := pair.WindowA
	grid := models.BlockGrid{
		Pair: p,
		Band: band,
		Cols: (wa.Width + size - 1) / size,
		Rows: (wa.Height + size - 1) / size,
	}

	fpA, fpB := imgA.Footprint, imgB.Footprint
	for r := 0; r < grid.Rows; r++ {
		for c := 0; c < grid.Cols; c++ {
			if err := ctx.Err(); err != nil {
				return models.BlockGrid{}, err
			}
			blockA := models.Window{
				Col:    wa.Col + c*size,
				Row:    wa.Row + r*size,
				Width:  min(size, wa.Width-c*size),
				Height: min(size, wa.Height-r*size),
			}
			blockB, ok := fpB.WindowFor(windowBounds(fpA, blockA))
			if !ok {
				continue
			}

			meanA, countA, err := m.mean(ctx, imgA, band, blockA)
			if err != nil {
				return models.BlockGrid{}, err
			}
			if countA < int64(m.minBlockPixels) || countA == 0 {
				continue
			}
			meanB, countB, err := m.mean(ctx, imgB, band, blockB)
			if err != nil {
				return models.BlockGrid{}, err
			}
			if countB < int64(m.minBlockPixels) || countB == 0 {
				continue
			}

			ax, ay := blockA.Center()
			bx, by := blockB.Center()
			grid.Blocks = append(grid.Blocks, models.BlockResidual{
				CenterA: [2]float64{ax, ay},
				CenterB: [2]float64{bx, by},
				// The mean of a linear correction is the correction of the mean.
				MeanA:  ta.Apply(meanA),
				MeanB:  tb.Apply(meanB),
				CountA: countA,
				CountB: countB,
			})
		}
	}
	return grid, nil
}

// mean returns the raw mean and count of the usable pixels of a window.
func (m *blockMapper) mean(ctx context.Context, img models.Image, band int, w models.Window) (float64, int64, error) {
	block, err := m.src.ReadWindow(ctx, img.ID, band, w)
	if err != nil {
		return 0, 0, &models.RasterIOError{Op: "read", Image: img.ID, Band: band, Window: w, Err: err}
	}
	usable, err := raster.UsableWindow(ctx, m.mask, img.ID, w)
	if err != nil {
		return 0, 0, &models.RasterIOError{Op: "mask", Image: img.ID, Band: band, Window: w, Err: err}
	}
	values := make([]float64, 0, len(block.Data))
	for i, v := range block.Data {
		if img.IsNoData(v) || (usable != nil && !usable[i]) {
			continue
		}
		values = append(values, v)
	}
	if len(values) == 0 {
		return 0, 0, nil
	}
	return stat.Mean(values, nil), int64(len(values)), nil
}

// samples turns the block residuals of a grid into correction samples. The
// residual d = B' - A' is split evenly when neither side is a model image;
// a model side takes nothing and the other side takes all of it.
func samples(grid models.BlockGrid, modelA, modelB bool) (forA, forB []models.Sample) {
	if modelA && modelB {
		return nil, nil
	}
	shareA, shareB := 0.5, -0.5
	switch {
	case modelA:
		shareA, shareB = 0, -1
	case modelB:
		shareA, shareB = 1, 0
	}
	for _, blk := range grid.Blocks {
		d := blk.Difference()
		if shareA != 0 {
			forA = append(forA, models.Sample{X: blk.CenterA[0], Y: blk.CenterA[1], Value: shareA * d})
		}
		if shareB != 0 {
			forB = append(forB, models.Sample{X: blk.CenterB[0], Y: blk.CenterB[1], Value: shareB * d})
		}
	}
	return forA, forB
}

// windowBounds returns the world bounding box of a pixel window.
func windowBounds(fp models.Footprint, w models.Window) orb.Bound {
	x, y := fp.Transform.Apply(float64(w.Col), float64(w.Row))
	b := orb.Bound{Min: orb.Point{x, y}, Max: orb.Point{x, y}}
	for _, c := range [][2]int{{w.Col + w.Width, w.Row}, {w.Col, w.Row + w.Height}, {w.Col + w.Width, w.Row + w.Height}} {
		x, y := fp.Transform.Apply(float64(c[0]), float64(c[1]))
		b = b.Extend(orb.Point{x, y})
	}
	return b
}
