// Package statistics computes per-band pixel statistics of both sides of
// every overlap.
package statistics

import (
	"gonum.org/v1/gonum/stat"

	"rrnorm/internal/models"
)

// Accumulator keeps a count, mean and M2 (sum of squared deviations) that
// can be merged across strips. The zero value is empty.
type Accumulator struct {
	n    int64
	mean float64
	m2   float64
}

// Summarize returns the accumulator of one batch of usable values.
func Summarize(values []float64) Accumulator {
	if len(values) == 0 {
		return Accumulator{}
	}
	mean, variance := stat.PopMeanVariance(values, nil)
	n := int64(len(values))
	return Accumulator{n: n, mean: mean, m2: variance * float64(n)}
}

// Merge folds another accumulator in using Chan's parallel update.
func (a *Accumulator) Merge(b Accumulator) {
	if b.n == 0 {
		return
	}
	if a.n == 0 {
		*a = b
		return
	}
	n := a.n + b.n
	delta := b.mean - a.mean
	a.mean += delta * float64(b.n) / float64(n)
	a.m2 += b.m2 + delta*delta*float64(a.n)*float64(b.n)/float64(n)
	a.n = n
}

// Result returns the summary collected so far.
func (a Accumulator) Result() models.SideStats {
	return models.SideStats{Count: a.n, Mean: a.mean, M2: a.m2}
}
