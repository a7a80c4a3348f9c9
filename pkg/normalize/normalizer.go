// Package normalize runs the full normalization pipeline: overlap discovery,
// overlap statistics, the global solve, local refinement and the apply step.
package normalize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"rrnorm/internal/models"
	"rrnorm/pkg/apply"
	"rrnorm/pkg/artifact"
	"rrnorm/pkg/config"
	"rrnorm/pkg/global"
	"rrnorm/pkg/local"
	"rrnorm/pkg/logging"
	"rrnorm/pkg/overlap"
	"rrnorm/pkg/raster"
	"rrnorm/pkg/statistics"
	"rrnorm/pkg/visualization"
)

// Params holds the collaborators and settings of one normalization run.
type Params struct {
	// Source provides the input images and their pixels.
	Source raster.Source

	// Mask restricts which pixels contribute to statistics. It may be nil,
	// in which case every valid pixel is usable.
	Mask raster.Mask

	// Sink receives the normalized outputs.
	Sink raster.Sink

	// Store caches statistics and block maps between runs. It may be nil.
	Store artifact.Store

	// Config carries every tunable of the run. Nil means DefaultConfig.
	Config *config.Config

	Logger *slog.Logger
}

// Normalizer orchestrates the pipeline phases. Every phase completes for
// all images before the next one starts.
type Normalizer struct {
	params *Params
	cfg    *config.Config
	logger *slog.Logger
	runID  string
}

// NewNormalizer creates a normalizer for the provided parameters.
func NewNormalizer(params *Params) *Normalizer {
	cfg := params.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runID := uuid.New().String()
	return &Normalizer{
		params: params,
		cfg:    cfg,
		logger: logger.With("run", runID),
		runID:  runID,
	}
}

// RunID identifies this run in logs and reports.
func (n *Normalizer) RunID() string { return n.runID }

// Process runs every phase and writes the outputs. When some images fail
// to be written the report is still returned together with an error
// wrapping apply.ErrImagesFailed.
func (n *Normalizer) Process(ctx context.Context) (*Report, error) {
	start := time.Now()
	if err := n.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	policy, err := apply.ParsePolicy(n.cfg.Output.OutOfRange)
	if err != nil {
		return nil, err
	}

	images := n.params.Source.Images()
	bands, err := checkBands(images)
	if err != nil {
		return nil, err
	}
	var pixels int64
	for _, img := range images {
		pixels += int64(img.Footprint.Width) * int64(img.Footprint.Height) * int64(img.Bands)
	}
	n.logger.Info("normalization started",
		"images", len(images), "bands", bands, "pixels", humanize.Comma(pixels),
		"workers", n.cfg.Processing.Workers, "local", n.cfg.Local.Enabled)

	report := &Report{RunID: n.runID, Images: len(images), Bands: bands}

	var idx *overlap.Index
	err = n.phase("overlap", func() error {
		idx, err = overlap.NewIndex(images)
		return err
	})
	if err != nil {
		return nil, err
	}
	report.Pairs = idx.Len()

	var table *statistics.Table
	err = n.phase("statistics", func() error {
		table, err = statistics.NewCollector(n.params.Source, n.params.Mask, statistics.Options{
			Workers:        n.cfg.Processing.Workers,
			TilePixels:     n.cfg.Processing.TilePixels,
			MemoryFraction: n.cfg.Processing.MemoryFraction,
			Store:          n.params.Store,
			Logger:         n.logger,
		}).Collect(ctx, idx)
		return err
	})
	if err != nil {
		return nil, err
	}

	var sol *global.Solution
	err = n.phase("solve", func() error {
		sol, err = global.NewSolver(global.Options{
			Weighted:        n.cfg.Global.Weighted,
			MatchStd:        n.cfg.Global.MatchStd,
			CenteringWeight: n.cfg.Global.CenteringWeight,
			ModelImages:     n.cfg.Global.ModelImages,
			Workers:         n.cfg.Processing.Workers,
			Logger:          n.logger,
		}).Solve(ctx, images, table)
		return err
	})
	if err != nil {
		return nil, err
	}
	report.Solution = sol
	report.Quality = assess(table, sol)
	for _, q := range report.Quality {
		n.logger.Info("global fit",
			"band", q.Band+1, "pairs", q.Pairs,
			"rms_before", q.Before.RMS, "rms_after", q.After.RMS,
			"p95_before", q.Before.P95, "p95_after", q.After.P95)
	}

	var surfaces *local.Surfaces
	if n.cfg.Local.Enabled {
		err = n.phase("refine", func() error {
			surfaces, err = local.NewRefiner(n.params.Source, n.params.Mask, local.Options{
				BlockSize:      n.cfg.Local.BlockSize,
				MinBlockPixels: n.cfg.Local.MinBlockPixels,
				Surface: local.SurfaceParams{
					Step:          n.cfg.Local.SurfaceStep,
					Neighbors:     n.cfg.Local.Neighbors,
					Power:         n.cfg.Local.Power,
					DampingRadius: n.cfg.Local.DampingRadius,
				},
				ModelImages: n.cfg.Global.ModelImages,
				Workers:     n.cfg.Processing.Workers,
				Store:       n.params.Store,
				Logger:      n.logger,
			}).Refine(ctx, idx, bands, sol)
			return err
		})
		if err != nil {
			return nil, err
		}
		report.Surfaces = surfaces
	}

	var runErr error
	err = n.phase("apply", func() error {
		report.Results, runErr = apply.NewEngine(n.params.Source, n.params.Sink, apply.Options{
			TileSize: n.cfg.Processing.TileSize,
			Workers:  n.cfg.Processing.Workers,
			Policy:   policy,
			Logger:   n.logger,
		}).Apply(ctx, images, sol, surfaces)
		return runErr
	})
	if err != nil {
		return nil, err
	}

	if n.cfg.Local.Enabled && n.cfg.Output.Previews {
		report.Previews, err = n.previews(images, bands, surfaces)
		if err != nil {
			n.logger.Warn("failed to write surface previews", "error", err)
		}
	}

	report.Duration = time.Since(start)
	failed := report.Failed()
	n.logger.Info("normalization finished",
		"duration", report.Duration.Round(time.Millisecond),
		"written", len(report.Results)-len(failed), "failed", len(failed),
		"clamped", humanize.Comma(report.Clamped()))
	if len(failed) > 0 {
		return report, fmt.Errorf("%w: %d of %d", apply.ErrImagesFailed, len(failed), len(report.Results))
	}
	return report, nil
}

// phase runs fn between start and completion log records.
func (n *Normalizer) phase(name string, fn func() error) error {
	start := time.Now()
	logging.LogPhaseStart(n.logger, name)
	if err := fn(); err != nil {
		logging.LogPhaseError(n.logger, name, time.Since(start), err)
		return fmt.Errorf("%s: %w", name, err)
	}
	logging.LogPhaseComplete(n.logger, name, time.Since(start))
	return nil
}

func (n *Normalizer) previews(images []models.Image, bands int, surfaces *local.Surfaces) ([]string, error) {
	var written []string
	var errs []error
	for i, img := range images {
		for b := 0; b < bands; b++ {
			s := surfaces.At(i, b)
			if s == nil {
				continue
			}
			path := filepath.Join(n.cfg.Output.PreviewDir, visualization.PreviewName(img.ID, b))
			title := fmt.Sprintf("%s band %d (%d samples)", img.ID, b+1, surfaces.Samples(i, b))
			if err := visualization.SaveSurfacePNG(s, img.Footprint.Width, img.Footprint.Height, title, path); err != nil {
				errs = append(errs, err)
				continue
			}
			written = append(written, path)
		}
	}
	return written, errors.Join(errs...)
}

// checkBands requires at least one image and the same band count on all.
func checkBands(images []models.Image) (int, error) {
	if len(images) == 0 {
		return 0, errors.New("no input images")
	}
	bands := images[0].Bands
	for _, img := range images[1:] {
		if img.Bands != bands {
			return 0, fmt.Errorf("image %s has %d bands, image %s has %d",
				img.ID, img.Bands, images[0].ID, bands)
		}
	}
	if bands <= 0 {
		return 0, fmt.Errorf("image %s has no bands", images[0].ID)
	}
	return bands, nil
}
