package normalize

import (
	"math"
	"time"

	"github.com/montanaflynn/stats"

	"rrnorm/internal/models"
	"rrnorm/pkg/apply"
	"rrnorm/pkg/global"
	"rrnorm/pkg/local"
	"rrnorm/pkg/statistics"
)

// Quality summarizes |corrected mean A - corrected mean B| over the usable
// pairs of one band.
type Quality struct {
	RMS    float64
	Median float64
	P95    float64
}

// BandQuality compares a band before and after the global solve.
type BandQuality struct {
	Band   int
	Pairs  int
	Before Quality
	After  Quality
}

// Report describes a finished run.
type Report struct {
	RunID    string
	Images   int
	Pairs    int
	Bands    int
	Solution *global.Solution
	Surfaces *local.Surfaces
	Quality  []BandQuality
	Results  []apply.ImageResult
	Previews []string
	Duration time.Duration
}

// Failed returns the images whose output was not written.
func (r *Report) Failed() []apply.ImageResult { return apply.Failed(r.Results) }

// Clamped is the number of clamped pixels over all outputs.
func (r *Report) Clamped() int64 {
	var n int64
	for _, res := range r.Results {
		n += res.ClampedPixels
	}
	return n
}

func assess(table *statistics.Table, sol *global.Solution) []BandQuality {
	identity := make([]models.GlobalTransform, len(sol.Transforms))
	for i := range identity {
		identity[i] = models.Identity()
	}
	out := make([]BandQuality, table.Bands)
	for b := range out {
		st := table.Band(b)
		before := global.PairDifferences(table.Pairs, st, identity)
		out[b] = BandQuality{
			Band:   b,
			Pairs:  len(before),
			Before: summarize(before),
			After:  summarize(global.PairDifferences(table.Pairs, st, sol.Band(b))),
		}
	}
	return out
}

// summarize returns zeros for an empty band.
func summarize(diffs []float64) Quality {
	if len(diffs) == 0 {
		return Quality{}
	}
	data := stats.Float64Data(diffs)
	squares := make(stats.Float64Data, len(diffs))
	for i, d := range diffs {
		squares[i] = d * d
	}
	meanSquare, _ := stats.Mean(squares)
	median, _ := stats.Median(data)
	p95, _ := stats.Percentile(data, 95)
	return Quality{RMS: math.Sqrt(meanSquare), Median: median, P95: p95}
}
