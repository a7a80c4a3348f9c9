package models

import (
	"errors"
	"math"
	"testing"

	"github.com/paulmach/orb"
)

// TestGeoTransformInvert verifies that Invert undoes Apply
func TestGeoTransformInvert(t *testing.T) {
	transforms := []GeoTransform{
		{100, 2, 0, 500, 0, -2},
		{10, 0.5, 0.1, 20, -0.2, -0.5},
	}
	for _, gt := range transforms {
		inv, err := gt.Invert()
		if err != nil {
			t.Fatalf("Invert(%v) failed: %v", gt, err)
		}
		x, y := gt.Apply(13.5, 7.25)
		c, r := inv.Apply(x, y)
		if math.Abs(c-13.5) > 1e-9 || math.Abs(r-7.25) > 1e-9 {
			t.Errorf("round trip gave (%f, %f), want (13.5, 7.25)", c, r)
		}
	}

	if _, err := (GeoTransform{0, 0, 0, 0, 0, 0}).Invert(); err == nil {
		t.Error("Expected singular transform to fail")
	}
}

// TestFootprintWindowFor verifies world-to-window conversion and clipping
func TestFootprintWindowFor(t *testing.T) {
	fp := Footprint{Transform: GeoTransform{100, 1, 0, 200, 0, -1}, Width: 50, Height: 40}

	b := fp.Bounds()
	if b.Min != (orb.Point{100, 160}) || b.Max != (orb.Point{150, 200}) {
		t.Fatalf("Unexpected bounds %v", b)
	}

	tests := []struct {
		name  string
		bound orb.Bound
		want  Window
		ok    bool
	}{
		{"inside", orb.Bound{Min: orb.Point{110, 180}, Max: orb.Point{120, 190}}, Window{Col: 10, Row: 10, Width: 10, Height: 10}, true},
		{"clipped", orb.Bound{Min: orb.Point{140, 150}, Max: orb.Point{170, 170}}, Window{Col: 40, Row: 30, Width: 10, Height: 10}, true},
		{"fractional", orb.Bound{Min: orb.Point{110.5, 180}, Max: orb.Point{111.5, 181}}, Window{Col: 10, Row: 19, Width: 2, Height: 1}, true},
		{"outside", orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{10, 10}}, Window{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := fp.WindowFor(tt.bound)
			if ok != tt.ok || got != tt.want {
				t.Errorf("WindowFor = %v, %v; want %v, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

// TestDataTypeRange verifies parsing and ranges of output types
func TestDataTypeRange(t *testing.T) {
	for dt, name := range dataTypeNames {
		parsed, err := ParseDataType(name)
		if err != nil || parsed != dt {
			t.Errorf("ParseDataType(%q) = %v, %v", name, parsed, err)
		}
	}
	if _, err := ParseDataType("complex64"); err == nil {
		t.Error("Expected error for unknown type")
	}

	lo, hi := Uint8.Range()
	if lo != 0 || hi != 255 {
		t.Errorf("Uint8 range = [%f, %f]", lo, hi)
	}
	if !Int16.IsInteger() || Float32.IsInteger() {
		t.Error("IsInteger misreports")
	}
}

// TestImageIsNoData verifies nodata detection
func TestImageIsNoData(t *testing.T) {
	img := Image{NoData: -9999, HasNoData: true}
	if !img.IsNoData(-9999) || img.IsNoData(0) || !img.IsNoData(math.NaN()) {
		t.Error("IsNoData misreports with nodata set")
	}
	img.HasNoData = false
	if img.IsNoData(-9999) {
		t.Error("IsNoData reports nodata without a nodata value")
	}
}

// TestSideStatsAndTransforms verifies small value helpers
func TestSideStatsAndTransforms(t *testing.T) {
	s := SideStats{Count: 4, Mean: 2.5, M2: 5}
	if s.Variance() != 1.25 {
		t.Errorf("Variance = %f, want 1.25", s.Variance())
	}
	if (SideStats{Count: 1, M2: 3}).Variance() != 0 {
		t.Error("Variance of a single pixel must be zero")
	}

	tr := GlobalTransform{Scale: 1.5, Offset: -20}
	if got := tr.Invert(tr.Apply(117)); math.Abs(got-117) > 1e-12 {
		t.Errorf("Invert(Apply(117)) = %f", got)
	}
	if !Identity().IsIdentity() || tr.IsIdentity() {
		t.Error("IsIdentity misreports")
	}

	ps := PairStatistics{A: SideStats{Count: 10}, B: SideStats{Count: 0}}
	if ps.Usable() || ps.Weight() != 0 {
		t.Error("pair with an empty side must not be usable")
	}
}

// TestErrorKinds verifies wrapping of the typed errors
func TestErrorKinds(t *testing.T) {
	var err error = &DisconnectedError{Band: 0, Images: []string{"a", "b"}}
	if !errors.Is(err, ErrDisconnectedOverlapGraph) {
		t.Error("DisconnectedError must match ErrDisconnectedOverlapGraph")
	}

	cause := errors.New("disk gone")
	err = &RasterIOError{Op: "read", Image: "a", Window: Window{Width: 1, Height: 1}, Err: cause}
	if !errors.Is(err, ErrRasterIO) || !errors.Is(err, cause) {
		t.Error("RasterIOError must match both its kind and its cause")
	}
}
