package global

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"rrnorm/internal/models"
)

var errSingular = errors.New("singular least-squares system")

// system is the weighted least-squares problem of one band. Model images
// are substituted by the identity, so only free images get columns.
type system struct {
	n         int
	model     []bool
	col       []int // image index -> first column, -1 for model images
	cols      int
	withScale bool

	rows [][]float64
	rhs  []float64
}

func newSystem(images []models.Image, model []bool, pairs []models.OverlapPair, stats []models.PairStatistics, usable []int, opts Options, withScale bool) *system {
	s := &system{n: len(images), model: model, col: make([]int, len(images)), withScale: withScale}
	perImage := 1
	if withScale {
		perImage = 2
	}
	hasModel := false
	for i := range images {
		if model[i] {
			s.col[i] = -1
			hasModel = true
			continue
		}
		s.col[i] = s.cols
		s.cols += perImage
	}

	maxWeight := 1.0
	if opts.Weighted {
		maxWeight = 0
		for _, p := range usable {
			maxWeight = math.Max(maxWeight, math.Sqrt(float64(stats[p].Weight())))
		}
	}

	// per-image raw summary, used for centering and the scale prior
	var (
		meanAcc  = make([]float64, s.n)
		stdAcc   = make([]float64, s.n)
		countAcc = make([]float64, s.n)
		spread   = make([]bool, s.n)
	)
	side := func(i int, st models.SideStats) {
		c := float64(st.Count)
		meanAcc[i] += st.Mean * c
		stdAcc[i] += st.Std() * c
		countAcc[i] += c
		spread[i] = spread[i] || st.Std() > stdEpsilon
	}

	for _, p := range usable {
		st := stats[p]
		a, b := pairs[p].A, pairs[p].B
		side(a, st.A)
		side(b, st.B)

		w := 1.0
		if opts.Weighted {
			w = math.Sqrt(float64(st.Weight())) / maxWeight
		}

		// mean: aA*muA + bA - aB*muB - bB = 0
		row, rhs := s.newRow()
		rhs = s.addMean(row, rhs, a, st.A.Mean, 1)
		rhs = s.addMean(row, rhs, b, st.B.Mean, -1)
		s.push(row, rhs, w)

		if withScale {
			// spread: aA*sdA - aB*sdB = 0
			row, rhs := s.newRow()
			rhs = s.addStd(row, rhs, a, st.A.Std(), 1)
			rhs = s.addStd(row, rhs, b, st.B.Std(), -1)
			s.push(row, rhs, w)
		}
	}

	if !hasModel && s.n > 0 {
		// Pull the ensemble's corrected mean (and spread) to its raw value.
		cw := opts.CenteringWeight
		row, rhs := s.newRow()
		srow, srhs := s.newRow()
		for i := 0; i < s.n; i++ {
			m, sd := 0.0, 0.0
			if countAcc[i] > 0 {
				m, sd = meanAcc[i]/countAcc[i], stdAcc[i]/countAcc[i]
			}
			rhs = s.addMean(row, rhs, i, m, 1)
			rhs += m
			if withScale {
				srhs = s.addStd(srow, srhs, i, sd, 1)
				srhs += sd
			}
		}
		s.push(row, rhs, cw/float64(s.n))
		if withScale {
			s.push(srow, srhs, cw/float64(s.n))
		}
	}

	if withScale {
		// An image without spread in any overlap has no information about
		// its scale; hold it at one.
		for i := 0; i < s.n; i++ {
			if s.col[i] < 0 || spread[i] {
				continue
			}
			row, _ := s.newRow()
			row[s.col[i]] = 1
			s.push(row, 1, 1)
		}
	}
	return s
}

func (s *system) newRow() ([]float64, float64) { return make([]float64, s.cols), 0 }

// addMean adds sign*(a_i*mu + b_i) to the row; known terms move to the
// right-hand side.
func (s *system) addMean(row []float64, rhs float64, i int, mu, sign float64) float64 {
	c := s.col[i]
	switch {
	case c < 0:
		return rhs - sign*mu
	case s.withScale:
		row[c] += sign * mu
		row[c+1] += sign
		return rhs
	default:
		row[c] += sign
		return rhs - sign*mu
	}
}

// addStd adds sign*a_i*sd to the row.
func (s *system) addStd(row []float64, rhs float64, i int, sd, sign float64) float64 {
	c := s.col[i]
	if c < 0 {
		return rhs - sign*sd
	}
	row[c] += sign * sd
	return rhs
}

func (s *system) push(row []float64, rhs, w float64) {
	for k := range row {
		row[k] *= w
	}
	s.rows = append(s.rows, row)
	s.rhs = append(s.rhs, rhs*w)
}

// solve returns the transform of every image.
func (s *system) solve() ([]models.GlobalTransform, error) {
	out := make([]models.GlobalTransform, s.n)
	for i := range out {
		out[i] = models.Identity()
	}
	if s.cols == 0 {
		return out, nil
	}
	if len(s.rows) < s.cols {
		return nil, fmt.Errorf("%w: %d equations for %d unknowns", errSingular, len(s.rows), s.cols)
	}

	a := mat.NewDense(len(s.rows), s.cols, nil)
	for r, row := range s.rows {
		a.SetRow(r, row)
	}
	b := mat.NewVecDense(len(s.rhs), s.rhs)

	var x mat.VecDense
	if err := x.SolveVec(a, b); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) || math.IsInf(float64(cond), 1) {
			return nil, fmt.Errorf("%w: %v", errSingular, err)
		}
		// Ill-conditioned but solved; the caller's scale checks still apply.
	}

	for i := range out {
		c := s.col[i]
		if c < 0 {
			continue
		}
		if s.withScale {
			out[i] = models.GlobalTransform{Scale: x.AtVec(c), Offset: x.AtVec(c + 1)}
		} else {
			out[i] = models.GlobalTransform{Scale: 1, Offset: x.AtVec(c)}
		}
		if math.IsNaN(out[i].Scale) || math.IsNaN(out[i].Offset) {
			return nil, fmt.Errorf("%w: non-finite solution", errSingular)
		}
	}
	return out, nil
}

// PairDifferences returns |corrected mean A - corrected mean B| for every
// usable pair of one band.
func PairDifferences(pairs []models.OverlapPair, stats []models.PairStatistics, transforms []models.GlobalTransform) []float64 {
	var out []float64
	for p, st := range stats {
		if !st.Usable() {
			continue
		}
		ta, tb := transforms[pairs[p].A], transforms[pairs[p].B]
		out = append(out, math.Abs(ta.Apply(st.A.Mean)-tb.Apply(st.B.Mean)))
	}
	return out
}
