package statistics

import (
	"context"
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/stat"

	"rrnorm/internal/models"
	"rrnorm/pkg/artifact"
	"rrnorm/pkg/overlap"
	"rrnorm/pkg/raster"
)

// TestAccumulatorMatchesDirect verifies strip summaries merged with Chan's update
func TestAccumulatorMatchesDirect(t *testing.T) {
	values := []float64{3, 7, 7, 19, 24, 1, 0.5, 12, 8, 8, 9}

	whole := Summarize(values)

	var left Accumulator
	left.Merge(Summarize(values[:4]))
	left.Merge(Summarize(nil))
	left.Merge(Summarize(values[4:7]))
	left.Merge(Summarize(values[7:]))

	mean, variance := stat.PopMeanVariance(values, nil)
	for name, acc := range map[string]Accumulator{"sequential": whole, "merged": left} {
		r := acc.Result()
		if r.Count != int64(len(values)) {
			t.Errorf("%s: count = %d", name, r.Count)
		}
		if math.Abs(r.Mean-mean) > 1e-12 {
			t.Errorf("%s: mean = %f, want %f", name, r.Mean, mean)
		}
		if math.Abs(r.Variance()-variance) > 1e-9 {
			t.Errorf("%s: variance = %f, want %f", name, r.Variance(), variance)
		}
	}

	var empty Accumulator
	empty.Merge(Accumulator{})
	if empty.Result().Count != 0 {
		t.Error("merging empty accumulators must stay empty")
	}
}

func constImage(id string, x0 float64, size int, value float64) *raster.MemoryImage {
	data := make([]float64, size*size)
	for i := range data {
		data[i] = value
	}
	return &raster.MemoryImage{
		Image: models.Image{
			ID:    id,
			Bands: 1,
			Footprint: models.Footprint{
				Transform: models.GeoTransform{x0, 1, 0, float64(size), 0, -1},
				Width:     size,
				Height:    size,
			},
			NoData:    0,
			HasNoData: true,
		},
		Bands: [][]float64{data},
	}
}

func collect(t *testing.T, opts Options, images ...*raster.MemoryImage) *Table {
	t.Helper()
	src, err := raster.NewMemorySource(images...)
	if err != nil {
		t.Fatalf("NewMemorySource failed: %v", err)
	}
	idx, err := overlap.NewIndex(src.Images())
	if err != nil {
		t.Fatalf("NewIndex failed: %v", err)
	}
	table, err := NewCollector(src, src, opts).Collect(context.Background(), idx)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	return table
}

// TestCollectConstantImages verifies counts and means of a simple overlap
func TestCollectConstantImages(t *testing.T) {
	table := collect(t, Options{TilePixels: 7}, constImage("a", 0, 10, 100), constImage("b", 5, 10, 150))
	if len(table.Pairs) != 1 || table.Bands != 1 {
		t.Fatalf("Unexpected table shape: %d pairs, %d bands", len(table.Pairs), table.Bands)
	}
	st := table.At(0, 0)
	if st.A.Count != 50 || st.B.Count != 50 {
		t.Errorf("counts = %d, %d; want 50, 50", st.A.Count, st.B.Count)
	}
	if st.A.Mean != 100 || st.B.Mean != 150 {
		t.Errorf("means = %f, %f", st.A.Mean, st.B.Mean)
	}
	if st.A.Std() != 0 {
		t.Errorf("std of constant image = %f", st.A.Std())
	}
}

// TestCollectAllMasked verifies that a fully masked overlap yields zero counts
func TestCollectAllMasked(t *testing.T) {
	a := constImage("a", 0, 10, 100)
	a.Usable = make([]bool, 100) // nothing usable
	table := collect(t, Options{}, a, constImage("b", 5, 10, 150))

	st := table.At(0, 0)
	if st.A.Count != 0 || st.B.Count != 0 {
		t.Errorf("counts = %d, %d; want 0, 0", st.A.Count, st.B.Count)
	}
	if st.Usable() {
		t.Error("all-masked pair must not be usable")
	}
}

// TestCollectNoDataIntersection verifies both sides describe the same pixels
func TestCollectNoDataIntersection(t *testing.T) {
	a := constImage("a", 0, 10, 100)
	b := constImage("b", 5, 10, 150)
	// Knock out the first overlap column of a (column 5) and one pixel of b.
	for row := 0; row < 10; row++ {
		a.Bands[0][row*10+5] = 0
	}
	b.Bands[0][9*10+4] = 0

	st := collect(t, Options{}, a, b).At(0, 0)
	if st.A.Count != 39 || st.B.Count != 39 {
		t.Errorf("counts = %d, %d; want 39, 39", st.A.Count, st.B.Count)
	}
}

// TestCollectUsesCache verifies statistics are served from the store
func TestCollectUsesCache(t *testing.T) {
	store := artifact.NewMemoryStore()
	collect(t, Options{Store: store}, constImage("a", 0, 10, 100), constImage("b", 5, 10, 150))
	if store.Len() != 1 {
		t.Fatalf("Expected 1 cached artifact, got %d", store.Len())
	}

	// Same geometry, different pixels: the cached record wins.
	st := collect(t, Options{Store: store}, constImage("a", 0, 10, 1), constImage("b", 5, 10, 2)).At(0, 0)
	if st.A.Mean != 100 {
		t.Errorf("Expected cached mean 100, got %f", st.A.Mean)
	}
}

type failingSource struct{ *raster.MemorySource }

func (failingSource) ReadWindow(ctx context.Context, id string, band int, w models.Window) (*raster.Block, error) {
	return nil, errors.New("read failed")
}

// TestCollectReadError verifies raster failures are reported with context
func TestCollectReadError(t *testing.T) {
	src, _ := raster.NewMemorySource(constImage("a", 0, 10, 1), constImage("b", 5, 10, 2))
	idx, _ := overlap.NewIndex(src.Images())
	_, err := NewCollector(failingSource{src}, nil, Options{}).Collect(context.Background(), idx)

	var ioErr *models.RasterIOError
	if !errors.As(err, &ioErr) || ioErr.Image != "a" {
		t.Fatalf("Expected RasterIOError for image a, got %v", err)
	}
}

// TestTilePixelBudget verifies the derived budget is bounded
func TestTilePixelBudget(t *testing.T) {
	b := TilePixelBudget(0.5, 4)
	if b < 4096 || b > 1<<24 {
		t.Errorf("budget %d out of bounds", b)
	}
}

// TestCollectDifferentResolutions verifies that each side keeps its own
// mask when the overlap windows have different pixel grids
func TestCollectDifferentResolutions(t *testing.T) {
	fine := &raster.MemoryImage{
		Image: models.Image{
			ID:        "fine",
			Bands:     1,
			Footprint: models.Footprint{Transform: models.GeoTransform{0, 1, 0, 20, 0, -1}, Width: 20, Height: 20},
		},
		Bands: [][]float64{make([]float64, 400)},
	}
	for r := 0; r < 20; r++ {
		for c := 0; c < 20; c++ {
			fine.Bands[0][r*20+c] = float64(c)
		}
	}

	coarse := &raster.MemoryImage{
		Image: models.Image{
			ID:        "coarse",
			Bands:     1,
			Footprint: models.Footprint{Transform: models.GeoTransform{10, 2, 0, 20, 0, -2}, Width: 10, Height: 10},
		},
		Bands:  [][]float64{make([]float64, 100)},
		Usable: make([]bool, 100),
	}
	for r := 0; r < 10; r++ {
		for c := 0; c < 10; c++ {
			coarse.Bands[0][r*10+c] = 100 + float64(r)
			coarse.Usable[r*10+c] = r < 5
		}
	}

	table := collect(t, Options{TilePixels: 7}, fine, coarse)
	p := table.Pairs[0]
	if p.WindowA.Width == p.WindowB.Width {
		t.Fatalf("windows %v and %v should differ in size", p.WindowA, p.WindowB)
	}
	st := table.At(0, 0)
	if st.A.Count != 200 || st.B.Count != 25 {
		t.Errorf("counts = %d, %d; want 200, 25", st.A.Count, st.B.Count)
	}
	if math.Abs(st.A.Mean-14.5) > 1e-12 || math.Abs(st.B.Mean-102) > 1e-12 {
		t.Errorf("means = %f, %f; want 14.5, 102", st.A.Mean, st.B.Mean)
	}
	if math.Abs(st.A.Variance()-8.25) > 1e-9 || math.Abs(st.B.Variance()-2) > 1e-9 {
		t.Errorf("variances = %f, %f; want 8.25, 2", st.A.Variance(), st.B.Variance())
	}
}
