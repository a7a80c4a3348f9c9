package local

import (
	"math"

	"gonum.org/v1/gonum/spatial/kdtree"

	"rrnorm/internal/models"
)

// samplePoint is a correction sample in pixel space
type samplePoint struct {
	X, Y  float64
	Value float64
}

// Compare implements the kdtree.Comparable interface
func (p samplePoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(samplePoint)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	default:
		panic("illegal dimension")
	}
}

// Dims returns the number of dimensions for the KD-tree
func (p samplePoint) Dims() int { return 2 }

// Distance returns the squared Euclidean distance between two points
func (p samplePoint) Distance(c kdtree.Comparable) float64 {
	q := c.(samplePoint)
	dx := p.X - q.X
	dy := p.Y - q.Y
	return dx*dx + dy*dy
}

// samplePoints satisfies kdtree.Interface
type samplePoints []samplePoint

func (p samplePoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p samplePoints) Len() int                              { return len(p) }
func (p samplePoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method
func (p samplePoints) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(samplePlane{samplePoints: p, Dim: d}, kdtree.MedianOfRandoms(samplePlane{samplePoints: p, Dim: d}, 100))
}

// samplePlane implements sort.Interface and kdtree.SortSlicer for samplePoints
type samplePlane struct {
	samplePoints
	kdtree.Dim
}

func (p samplePlane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.samplePoints[i].X < p.samplePoints[j].X
	case 1:
		return p.samplePoints[i].Y < p.samplePoints[j].Y
	default:
		panic("illegal dimension")
	}
}

func (p samplePlane) Slice(start, end int) kdtree.SortSlicer {
	return samplePlane{samplePoints: p.samplePoints[start:end], Dim: p.Dim}
}

func (p samplePlane) Swap(i, j int) {
	p.samplePoints[i], p.samplePoints[j] = p.samplePoints[j], p.samplePoints[i]
}

// SurfaceParams control how samples are spread into a surface.
type SurfaceParams struct {
	// Step is the node spacing in pixels
	Step float64

	// Neighbors is the number of nearest samples weighted per node
	Neighbors int

	// Power is the inverse-distance exponent
	Power float64

	// DampingRadius adds a phantom zero sample at this distance, pulling
	// the surface to zero far from any sample
	DampingRadius float64
}

// Surface is a local correction sampled on a regular node grid. Node
// (i, j) sits at pixel position (i*Step, j*Step); values in between are
// bilinear. A nil Surface is zero everywhere.
type Surface struct {
	Step  float64   `json:"step"`
	Cols  int       `json:"cols"`
	Rows  int       `json:"rows"`
	Nodes []float64 `json:"nodes"`
}

// BuildSurface evaluates the damped inverse-distance field of the samples
// on a node grid covering a width×height image. It returns nil when every
// sample is zero.
func BuildSurface(samples []models.Sample, width, height int, params SurfaceParams) *Surface {
	points := make(samplePoints, 0, len(samples))
	nonzero := false
	for _, s := range samples {
		if math.IsNaN(s.Value) {
			continue
		}
		nonzero = nonzero || s.Value != 0
		points = append(points, samplePoint{X: s.X, Y: s.Y, Value: s.Value})
	}
	if !nonzero {
		return nil
	}

	step := params.Step
	if step <= 0 {
		step = 16
	}
	k := max(params.Neighbors, 1)
	power := params.Power
	if power <= 0 {
		power = 2
	}
	w0 := 0.0
	if params.DampingRadius > 0 {
		w0 = 1 / math.Pow(params.DampingRadius, power)
	}

	surf := &Surface{
		Step: step,
		Cols: int(math.Ceil(float64(width)/step)) + 1,
		Rows: int(math.Ceil(float64(height)/step)) + 1,
	}
	surf.Nodes = make([]float64, surf.Cols*surf.Rows)

	tree := kdtree.New(points, false)
	for j := 0; j < surf.Rows; j++ {
		for i := 0; i < surf.Cols; i++ {
			q := samplePoint{X: float64(i) * step, Y: float64(j) * step}
			surf.Nodes[j*surf.Cols+i] = idw(tree, q, k, power, w0)
		}
	}
	return surf
}

// idw evaluates sum(w*s) / (sum(w) + w0) over the k nearest samples with
// w = 1/d^power. Samples coinciding with q are averaged exactly.
func idw(tree *kdtree.Tree, q samplePoint, k int, power, w0 float64) float64 {
	keeper := kdtree.NewNKeeper(k)
	tree.NearestSet(keeper, q)

	var (
		num, den   float64
		exact      float64
		exactCount int
	)
	for _, item := range keeper.Heap {
		// Skip the sentinel value
		if item.Comparable == nil {
			continue
		}
		p := item.Comparable.(samplePoint)
		if item.Dist < 1e-18 {
			exact += p.Value
			exactCount++
			continue
		}
		// Dist is squared.
		w := 1 / math.Pow(item.Dist, power/2)
		num += w * p.Value
		den += w
	}
	if exactCount > 0 {
		return exact / float64(exactCount)
	}
	if den+w0 == 0 {
		return 0
	}
	return num / (den + w0)
}

// At returns the bilinear surface value at pixel position (x, y).
func (s *Surface) At(x, y float64) float64 {
	if s == nil || len(s.Nodes) == 0 {
		return 0
	}
	gx := math.Max(0, math.Min(x/s.Step, float64(s.Cols-1)))
	gy := math.Max(0, math.Min(y/s.Step, float64(s.Rows-1)))
	i0, j0 := int(gx), int(gy)
	i1, j1 := min(i0+1, s.Cols-1), min(j0+1, s.Rows-1)
	fx, fy := gx-float64(i0), gy-float64(j0)

	v00 := s.Nodes[j0*s.Cols+i0]
	v10 := s.Nodes[j0*s.Cols+i1]
	v01 := s.Nodes[j1*s.Cols+i0]
	v11 := s.Nodes[j1*s.Cols+i1]
	top := v00 + fx*(v10-v00)
	bottom := v01 + fx*(v11-v01)
	return top + fy*(bottom-top)
}

// MaxAbs returns the largest absolute node value.
func (s *Surface) MaxAbs() float64 {
	if s == nil {
		return 0
	}
	m := 0.0
	for _, v := range s.Nodes {
		m = math.Max(m, math.Abs(v))
	}
	return m
}
