package normalize

import (
	"context"
	"errors"
	"math"
	"os"
	"testing"

	"rrnorm/internal/models"
	"rrnorm/pkg/apply"
	"rrnorm/pkg/artifact"
	"rrnorm/pkg/config"
	"rrnorm/pkg/raster"
)

const tileEdge = 30

// gridImage builds one tile of a 2x2 mosaic. The scene value at global
// pixel (x, y) is 100 + x + 2y; bias is added on top.
func gridImage(id string, ox, oy int, bias float64) *raster.MemoryImage {
	data := make([]float64, tileEdge*tileEdge)
	for r := 0; r < tileEdge; r++ {
		for c := 0; c < tileEdge; c++ {
			data[r*tileEdge+c] = 100 + float64(ox+c) + 2*float64(oy+r) + bias
		}
	}
	return &raster.MemoryImage{
		Image: models.Image{
			ID:    id,
			Bands: 1,
			Footprint: models.Footprint{
				Transform: models.GeoTransform{float64(ox), 1, 0, -float64(oy), 0, -1},
				Width:     tileEdge,
				Height:    tileEdge,
			},
			DataType: models.Uint16,
		},
		Bands: [][]float64{data},
	}
}

func mosaic(t *testing.T, biasC float64) *raster.MemorySource {
	t.Helper()
	src, err := raster.NewMemorySource(
		gridImage("a", 0, 0, 0),
		gridImage("b", 20, 0, 0),
		gridImage("c", 0, 20, biasC),
		gridImage("d", 20, 20, 0),
	)
	if err != nil {
		t.Fatalf("NewMemorySource failed: %v", err)
	}
	return src
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Processing.Workers = 4
	cfg.Processing.TileSize = 16
	cfg.Processing.TilePixels = 64
	cfg.Global.ModelImages = []string{"a"}
	cfg.Local.BlockSize = 5
	cfg.Local.MinBlockPixels = 4
	cfg.Local.SurfaceStep = 4
	cfg.Local.DampingRadius = 20
	return cfg
}

// TestProcessRemovesOffset verifies an end-to-end run on a biased mosaic
func TestProcessRemovesOffset(t *testing.T) {
	src := mosaic(t, 50)
	sink := raster.NewMemorySink()
	cfg := testConfig()

	report, err := NewNormalizer(&Params{Source: src, Mask: src, Sink: sink, Config: cfg}).Process(context.Background())
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if report.Images != 4 || report.Pairs != 6 || report.Bands != 1 {
		t.Errorf("report counts = %d images, %d pairs, %d bands", report.Images, report.Pairs, report.Bands)
	}
	if report.RunID == "" {
		t.Error("run id missing")
	}

	c := report.Solution.Transform(2, 0)
	if math.Abs(c.Scale-1) > 1e-6 || math.Abs(c.Offset+50) > 1e-6 {
		t.Errorf("transform of c = %+v, want (1, -50)", c)
	}
	if a := report.Solution.Transform(0, 0); !a.IsIdentity() {
		t.Errorf("model image transform = %+v, want identity", a)
	}

	q := report.Quality[0]
	if q.Pairs != 6 || q.Before.RMS < 10 || q.After.RMS > 1e-6 {
		t.Errorf("quality = %+v", q)
	}

	for _, m := range []*raster.MemoryImage{gridImage("a", 0, 0, 0), gridImage("c", 0, 20, 0)} {
		out, ok := sink.Output(m.Image.ID)
		if !ok {
			t.Fatalf("output %s not committed", m.Image.ID)
		}
		for i, want := range m.Bands[0] {
			if out.Bands[0][i] != want {
				t.Fatalf("%s[%d] = %f, want %f", m.Image.ID, i, out.Bands[0][i], want)
			}
		}
	}
	if len(report.Failed()) != 0 || report.Clamped() != 0 {
		t.Errorf("unexpected failures %v or clamping %d", report.Failed(), report.Clamped())
	}
}

// TestProcessReusesCache verifies a second run reads cached artifacts
func TestProcessReusesCache(t *testing.T) {
	src := mosaic(t, 50)
	store := artifact.NewMemoryStore()
	cfg := testConfig()

	if _, err := NewNormalizer(&Params{Source: src, Sink: raster.NewMemorySink(), Store: store, Config: cfg}).Process(context.Background()); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	cached := store.Len()
	if cached == 0 {
		t.Fatal("nothing was cached")
	}

	sink := raster.NewMemorySink()
	report, err := NewNormalizer(&Params{Source: src, Sink: sink, Store: store, Config: cfg}).Process(context.Background())
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if store.Len() != cached {
		t.Errorf("cache grew from %d to %d on an identical run", cached, store.Len())
	}
	if c := report.Solution.Transform(2, 0); math.Abs(c.Offset+50) > 1e-6 {
		t.Errorf("cached run solved c = %+v", c)
	}
}

type brokenSink struct{ *raster.MemorySink }

func (s brokenSink) Create(ctx context.Context, img models.Image) (raster.Writer, error) {
	if img.ID == "d" {
		return nil, errors.New("read-only volume")
	}
	return s.MemorySink.Create(ctx, img)
}

// TestProcessReportsFailedImages verifies partial failures surface as ErrImagesFailed
func TestProcessReportsFailedImages(t *testing.T) {
	src := mosaic(t, 0)
	sink := brokenSink{raster.NewMemorySink()}

	report, err := NewNormalizer(&Params{Source: src, Sink: sink, Config: testConfig()}).Process(context.Background())
	if !errors.Is(err, apply.ErrImagesFailed) {
		t.Fatalf("Expected ErrImagesFailed, got %v", err)
	}
	if report == nil || len(report.Failed()) != 1 || report.Failed()[0].ID != "d" {
		t.Fatalf("failed images = %+v", report)
	}
	if _, ok := sink.Output("a"); !ok {
		t.Error("healthy image a must still be written")
	}
}

// TestProcessRejectsBadInput verifies input validation
func TestProcessRejectsBadInput(t *testing.T) {
	two := gridImage("b", 20, 0, 0)
	two.Image.Bands = 2
	two.Bands = append(two.Bands, two.Bands[0])
	src, err := raster.NewMemorySource(gridImage("a", 0, 0, 0), two)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewNormalizer(&Params{Source: src, Sink: raster.NewMemorySink()}).Process(context.Background()); err == nil {
		t.Error("Expected error for mismatched band counts")
	}

	empty, _ := raster.NewMemorySource()
	if _, err := NewNormalizer(&Params{Source: empty, Sink: raster.NewMemorySink()}).Process(context.Background()); err == nil {
		t.Error("Expected error without images")
	}

	cfg := testConfig()
	cfg.Output.OutOfRange = "wrap"
	if _, err := NewNormalizer(&Params{Source: mosaic(t, 0), Sink: raster.NewMemorySink(), Config: cfg}).Process(context.Background()); err == nil {
		t.Error("Expected error for invalid configuration")
	}
}

// TestProcessDisconnected verifies an isolated image aborts the run
func TestProcessDisconnected(t *testing.T) {
	src, _ := raster.NewMemorySource(gridImage("a", 0, 0, 0), gridImage("b", 20, 0, 0), gridImage("far", 500, 500, 0))
	sink := raster.NewMemorySink()
	cfg := testConfig()

	_, err := NewNormalizer(&Params{Source: src, Sink: sink, Config: cfg}).Process(context.Background())
	var disc *models.DisconnectedError
	if !errors.As(err, &disc) || len(disc.Images) != 1 || disc.Images[0] != "far" {
		t.Fatalf("Expected DisconnectedError naming far, got %v", err)
	}
	if _, ok := sink.Output("a"); ok {
		t.Error("nothing may be written when the solve fails")
	}
}

// TestProcessWritesPreviews verifies surface previews for corrected images
func TestProcessWritesPreviews(t *testing.T) {
	// A local bump in b that the global model cannot absorb.
	bumped := gridImage("b", 20, 0, 0)
	for r := 0; r < 10; r++ {
		for c := 0; c < 10; c++ {
			bumped.Bands[0][r*tileEdge+c] += 8
		}
	}
	src, _ := raster.NewMemorySource(gridImage("a", 0, 0, 0), bumped, gridImage("c", 0, 20, 0), gridImage("d", 20, 20, 0))

	cfg := testConfig()
	cfg.Output.Previews = true
	cfg.Output.PreviewDir = t.TempDir()

	report, err := NewNormalizer(&Params{Source: src, Sink: raster.NewMemorySink(), Config: cfg}).Process(context.Background())
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if len(report.Previews) == 0 {
		t.Fatal("no previews written")
	}
	for _, p := range report.Previews {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("preview %s missing: %v", p, err)
		}
	}
}

// TestSummarize verifies the RMS, median and p95 of pair differences
func TestSummarize(t *testing.T) {
	diffs := make([]float64, 20)
	for i := range diffs {
		diffs[i] = float64((i*7)%20 + 1) // 1..20 in scrambled order
	}
	q := summarize(diffs)
	if want := math.Sqrt(2870.0 / 20); math.Abs(q.RMS-want) > 1e-12 {
		t.Errorf("RMS = %f, want %f", q.RMS, want)
	}
	if q.Median != 10.5 {
		t.Errorf("Median = %f, want 10.5", q.Median)
	}
	if q.P95 != 19 {
		t.Errorf("P95 = %f, want 19", q.P95)
	}
	if (summarize(nil) != Quality{}) {
		t.Error("empty band must summarize to zeros")
	}
}
