package models

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// OverlapPair is the unordered pair of images whose footprints intersect.
// A always refers to the image with the smaller index.
type OverlapPair struct {
	A, B     int
	IDA, IDB string

	// Bounds is the world-space intersection of both footprints
	Bounds orb.Bound

	// WindowA and WindowB cover Bounds in each image's own raster space
	WindowA Window
	WindowB Window
}

// Key identifies the pair independently of its position in a pair list.
func (p OverlapPair) Key() string {
	return fmt.Sprintf("%s|%s", p.IDA, p.IDB)
}

// Involves reports whether image index i is one side of the pair.
func (p OverlapPair) Involves(i int) bool { return p.A == i || p.B == i }

// SideStats summarizes the usable pixels one image contributes to an
// overlap: count, mean and the aggregate sum of squared deviations (M2).
type SideStats struct {
	Count int64   `json:"count"`
	Mean  float64 `json:"mean"`
	M2    float64 `json:"m2"`
}

// Variance returns the population variance, zero for fewer than two pixels.
func (s SideStats) Variance() float64 {
	if s.Count < 2 {
		return 0
	}
	return s.M2 / float64(s.Count)
}

// Std returns the population standard deviation.
func (s SideStats) Std() float64 { return math.Sqrt(s.Variance()) }

// PairStatistics holds the per-band statistics of both sides of one pair.
type PairStatistics struct {
	Pair int       `json:"pair"`
	Band int       `json:"band"`
	A    SideStats `json:"a"`
	B    SideStats `json:"b"`
}

// Usable reports whether the pair constrains the solver for this band.
func (p PairStatistics) Usable() bool { return p.A.Count > 0 && p.B.Count > 0 }

// Weight is the minimum usable pixel count of the two sides.
func (p PairStatistics) Weight() int64 { return min(p.A.Count, p.B.Count) }

// GlobalTransform is the per-image, per-band linear correction
// corrected = Scale*raw + Offset.
type GlobalTransform struct {
	Scale  float64 `json:"scale"`
	Offset float64 `json:"offset"`
}

// Identity is the transform that leaves values unchanged.
func Identity() GlobalTransform { return GlobalTransform{Scale: 1} }

// Apply corrects a raw value.
func (t GlobalTransform) Apply(v float64) float64 { return t.Scale*v + t.Offset }

// Invert recovers the raw value from a corrected one. Scale is always
// positive for transforms produced by the solver.
func (t GlobalTransform) Invert(v float64) float64 { return (v - t.Offset) / t.Scale }

// IsIdentity reports whether the transform is exactly (1, 0).
func (t GlobalTransform) IsIdentity() bool { return t.Scale == 1 && t.Offset == 0 }

// BlockResidual is one block of an overlap after global correction: the
// corrected mean of each side and where the block sits in each image.
type BlockResidual struct {
	CenterA [2]float64 `json:"center_a"`
	CenterB [2]float64 `json:"center_b"`
	MeanA   float64    `json:"mean_a"`
	MeanB   float64    `json:"mean_b"`
	CountA  int64      `json:"count_a"`
	CountB  int64      `json:"count_b"`
}

// Difference is the residual B minus A.
func (b BlockResidual) Difference() float64 { return b.MeanB - b.MeanA }

// BlockGrid partitions one overlap into fixed-size blocks for one band.
// Only blocks with enough usable pixels on both sides are kept.
type BlockGrid struct {
	Pair   int             `json:"pair"`
	Band   int             `json:"band"`
	Cols   int             `json:"cols"`
	Rows   int             `json:"rows"`
	Blocks []BlockResidual `json:"blocks"`
}

// Sample is a local correction value anchored at a pixel-space position of
// one image.
type Sample struct {
	X, Y  float64
	Value float64
}
