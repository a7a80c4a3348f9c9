// Package global estimates one linear correction per image and band so
// that overlapping images agree in mean (and optionally spread).
package global

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"rrnorm/internal/models"
	"rrnorm/internal/parallel"
	"rrnorm/pkg/statistics"
)

// Stds below this are treated as zero.
const stdEpsilon = 1e-9

// Options control the least-squares system.
type Options struct {
	// Weighted scales each pair's rows by sqrt(min(nA, nB))
	Weighted bool

	// MatchStd adds rows asking both sides of a pair to agree in spread.
	// Without them only offsets are estimated.
	MatchStd bool

	// CenteringWeight scales the rows that anchor an ensemble without
	// model images to its raw mean
	CenteringWeight float64

	// ModelImages are kept unchanged and anchor the solution
	ModelImages []string

	Workers int
	Logger  *slog.Logger
}

// Solution holds the solved transforms.
type Solution struct {
	// Transforms is indexed [image][band]
	Transforms [][]models.GlobalTransform

	// Degenerate lists the bands that fell back to offset-only
	Degenerate []int
}

// Transform returns the correction of one image and band.
func (s *Solution) Transform(image, band int) models.GlobalTransform {
	return s.Transforms[image][band]
}

// Band returns the correction of every image for one band.
func (s *Solution) Band(band int) []models.GlobalTransform {
	out := make([]models.GlobalTransform, len(s.Transforms))
	for i := range s.Transforms {
		out[i] = s.Transforms[i][band]
	}
	return out
}

// IdentitySolution leaves every image unchanged.
func IdentitySolution(images, bands int) *Solution {
	s := &Solution{Transforms: make([][]models.GlobalTransform, images)}
	for i := range s.Transforms {
		s.Transforms[i] = make([]models.GlobalTransform, bands)
		for b := range s.Transforms[i] {
			s.Transforms[i][b] = models.Identity()
		}
	}
	return s
}

// Solver solves every band of a statistics table.
type Solver struct {
	opts   Options
	logger *slog.Logger
}

// NewSolver returns a solver with the given options.
func NewSolver(opts Options) *Solver {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.CenteringWeight <= 0 {
		opts.CenteringWeight = 1
	}
	return &Solver{opts: opts, logger: logger}
}

type bandResult struct {
	transforms []models.GlobalTransform
	degenerate bool
}

// Solve estimates the transforms of every image and band. Bands are
// independent and solved in parallel.
func (s *Solver) Solve(ctx context.Context, images []models.Image, table *statistics.Table) (*Solution, error) {
	model := make([]bool, len(images))
	byID := make(map[string]int, len(images))
	for i, img := range images {
		byID[img.ID] = i
	}
	for _, id := range s.opts.ModelImages {
		i, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("model image %q is not an input image", id)
		}
		model[i] = true
	}

	results, err := parallel.Map(ctx, table.Bands, s.opts.Workers, func(ctx context.Context, b int) (bandResult, error) {
		return s.solveBand(images, model, table.Pairs, table.Band(b), b)
	})
	if err != nil {
		return nil, err
	}

	sol := IdentitySolution(len(images), table.Bands)
	for b, r := range results {
		for i, t := range r.transforms {
			sol.Transforms[i][b] = t
		}
		if r.degenerate {
			sol.Degenerate = append(sol.Degenerate, b)
		}
	}
	return sol, nil
}

func (s *Solver) solveBand(images []models.Image, model []bool, pairs []models.OverlapPair, stats []models.PairStatistics, band int) (bandResult, error) {
	var usable []int
	for p, st := range stats {
		if st.Usable() {
			usable = append(usable, p)
		}
	}

	if err := checkConnected(images, model, pairs, usable, band); err != nil {
		return bandResult{}, err
	}

	withScale := s.opts.MatchStd
	degenerate := false
	if withScale && allStdsZero(stats, usable) {
		s.logger.Warn("no spread in overlaps, estimating offsets only",
			"kind", models.ErrDegenerateBand, "band", band+1)
		withScale, degenerate = false, true
	}

	sys := newSystem(images, model, pairs, stats, usable, s.opts, withScale)
	transforms, err := sys.solve()
	if withScale && (errors.Is(err, errSingular) || (err == nil && !positiveScales(transforms))) {
		reason := "non-positive scale"
		if err != nil {
			reason = "singular system"
		}
		s.logger.Warn("scale not estimable, estimating offsets only",
			"kind", models.ErrDegenerateBand, "band", band+1, "reason", reason)
		degenerate = true
		sys = newSystem(images, model, pairs, stats, usable, s.opts, false)
		transforms, err = sys.solve()
	}
	if err != nil {
		return bandResult{}, fmt.Errorf("band %d: %w", band+1, err)
	}
	return bandResult{transforms: transforms, degenerate: degenerate}, nil
}

// checkConnected fails when some image cannot be tied to an anchor through
// overlaps with usable pixels.
func checkConnected(images []models.Image, model []bool, pairs []models.OverlapPair, usable []int, band int) error {
	g := simple.NewUndirectedGraph()
	for i := range images {
		g.AddNode(simple.Node(i))
	}
	for _, p := range usable {
		g.SetEdge(simple.Edge{F: simple.Node(pairs[p].A), T: simple.Node(pairs[p].B)})
	}
	components := topo.ConnectedComponents(g)

	hasModel := false
	for _, m := range model {
		hasModel = hasModel || m
	}

	var lost []string
	if hasModel {
		for _, comp := range components {
			anchored := false
			for _, n := range comp {
				anchored = anchored || model[n.ID()]
			}
			if anchored {
				continue
			}
			for _, n := range comp {
				lost = append(lost, images[n.ID()].ID)
			}
		}
	} else if len(components) > 1 {
		for _, img := range images {
			lost = append(lost, img.ID)
		}
	}
	if len(lost) == 0 {
		return nil
	}
	sort.Strings(lost)
	return &models.DisconnectedError{Band: band, Images: lost}
}

func allStdsZero(stats []models.PairStatistics, usable []int) bool {
	for _, p := range usable {
		if stats[p].A.Std() > stdEpsilon || stats[p].B.Std() > stdEpsilon {
			return false
		}
	}
	return true
}

func positiveScales(ts []models.GlobalTransform) bool {
	for _, t := range ts {
		if !(t.Scale > 0) || math.IsInf(t.Scale, 0) || math.IsNaN(t.Offset) {
			return false
		}
	}
	return true
}
