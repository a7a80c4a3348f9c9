package models

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/paulmach/orb"
)

// DataType describes the sample type of a raster band and therefore the
// range of values a normalized output may hold.
type DataType int

const (
	Float64 DataType = iota
	Float32
	Uint8
	Uint16
	Int16
	Uint32
	Int32
)

var dataTypeNames = map[DataType]string{
	Float64: "float64",
	Float32: "float32",
	Uint8:   "uint8",
	Uint16:  "uint16",
	Int16:   "int16",
	Uint32:  "uint32",
	Int32:   "int32",
}

// String returns the lower-case name used in dataset sidecar files.
func (d DataType) String() string {
	if name, ok := dataTypeNames[d]; ok {
		return name
	}
	return fmt.Sprintf("DataType(%d)", int(d))
}

// ParseDataType is the inverse of DataType.String.
func ParseDataType(s string) (DataType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Float64, nil
	}
	for dt, name := range dataTypeNames {
		if name == s {
			return dt, nil
		}
	}
	return Float64, fmt.Errorf("unknown data type %q", s)
}

// IsInteger reports whether values of this type are stored as integers.
func (d DataType) IsInteger() bool {
	switch d {
	case Uint8, Uint16, Int16, Uint32, Int32:
		return true
	}
	return false
}

// Range returns the smallest and largest representable value.
func (d DataType) Range() (float64, float64) {
	switch d {
	case Uint8:
		return 0, math.MaxUint8
	case Uint16:
		return 0, math.MaxUint16
	case Int16:
		return math.MinInt16, math.MaxInt16
	case Uint32:
		return 0, math.MaxUint32
	case Int32:
		return math.MinInt32, math.MaxInt32
	case Float32:
		return -math.MaxFloat32, math.MaxFloat32
	default:
		return -math.MaxFloat64, math.MaxFloat64
	}
}

// GeoTransform is an affine pixel-to-world transform in GDAL order:
//
//	x = T[0] + col*T[1] + row*T[2]
//	y = T[3] + col*T[4] + row*T[5]
type GeoTransform [6]float64

// Apply maps a (fractional) pixel position to world coordinates.
func (t GeoTransform) Apply(col, row float64) (float64, float64) {
	return t[0] + col*t[1] + row*t[2], t[3] + col*t[4] + row*t[5]
}

// Invert returns the world-to-pixel transform.
func (t GeoTransform) Invert() (GeoTransform, error) {
	det := t[1]*t[5] - t[2]*t[4]
	if math.Abs(det) < 1e-15 {
		return GeoTransform{}, errors.New("geotransform is not invertible")
	}
	inv := GeoTransform{}
	inv[1] = t[5] / det
	inv[2] = -t[2] / det
	inv[4] = -t[4] / det
	inv[5] = t[1] / det
	inv[0] = -(inv[1]*t[0] + inv[2]*t[3])
	inv[3] = -(inv[4]*t[0] + inv[5]*t[3])
	return inv, nil
}

// Footprint is the spatial extent of an image: its geotransform plus its
// raster size in pixels.
type Footprint struct {
	Transform GeoTransform `yaml:"geotransform"`
	Width     int          `yaml:"width"`
	Height    int          `yaml:"height"`
}

// Bounds returns the axis-aligned world bounding box of the four raster
// corners.
func (f Footprint) Bounds() orb.Bound {
	corners := [4][2]float64{
		{0, 0},
		{float64(f.Width), 0},
		{0, float64(f.Height)},
		{float64(f.Width), float64(f.Height)},
	}
	x, y := f.Transform.Apply(0, 0)
	b := orb.Bound{Min: orb.Point{x, y}, Max: orb.Point{x, y}}
	for _, c := range corners[1:] {
		x, y := f.Transform.Apply(c[0], c[1])
		b = b.Extend(orb.Point{x, y})
	}
	return b
}

// WindowFor converts a world-space bounding box into the smallest pixel
// window of this footprint that covers it, clipped to the raster. The
// second return value is false when the clipped window is empty.
func (f Footprint) WindowFor(b orb.Bound) (Window, bool) {
	inv, err := f.Transform.Invert()
	if err != nil {
		return Window{}, false
	}
	minC, minR := math.Inf(1), math.Inf(1)
	maxC, maxR := math.Inf(-1), math.Inf(-1)
	for _, p := range []orb.Point{b.Min, b.Max, {b.Min[0], b.Max[1]}, {b.Max[0], b.Min[1]}} {
		c, r := inv.Apply(p[0], p[1])
		minC, maxC = math.Min(minC, c), math.Max(maxC, c)
		minR, maxR = math.Min(minR, r), math.Max(maxR, r)
	}

	// Snap values within a tiny tolerance of a pixel edge onto that edge so
	// floating point noise does not add a sliver row or column.
	const eps = 1e-6
	c0 := int(math.Floor(minC + eps))
	r0 := int(math.Floor(minR + eps))
	c1 := int(math.Ceil(maxC - eps))
	r1 := int(math.Ceil(maxR - eps))

	c0, r0 = max(c0, 0), max(r0, 0)
	c1, r1 = min(c1, f.Width), min(r1, f.Height)
	if c1 <= c0 || r1 <= r0 {
		return Window{}, false
	}
	return Window{Col: c0, Row: r0, Width: c1 - c0, Height: r1 - r0}, true
}

// Window is a rectangle of pixels in one image's raster space.
type Window struct {
	Col    int `json:"col"`
	Row    int `json:"row"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Empty reports whether the window covers no pixels.
func (w Window) Empty() bool { return w.Width <= 0 || w.Height <= 0 }

// Pixels returns the number of pixels in the window.
func (w Window) Pixels() int {
	if w.Empty() {
		return 0
	}
	return w.Width * w.Height
}

// Center returns the pixel-space center of the window.
func (w Window) Center() (float64, float64) {
	return float64(w.Col) + float64(w.Width)/2, float64(w.Row) + float64(w.Height)/2
}

func (w Window) String() string {
	return fmt.Sprintf("[%d,%d %dx%d]", w.Col, w.Row, w.Width, w.Height)
}

// Image is one input raster as seen by the normalization core. The core
// never touches pixels directly; it reads and writes them through windowed
// access.
type Image struct {
	// ID uniquely identifies the image within a run
	ID string

	// Bands is the number of spectral bands
	Bands int

	// Footprint locates the image in world space
	Footprint Footprint

	// NoData is the value marking missing pixels when HasNoData is set
	NoData    float64
	HasNoData bool

	// DataType determines the representable output range
	DataType DataType
}

// IsNoData reports whether v marks a missing pixel of this image.
func (img Image) IsNoData(v float64) bool {
	if math.IsNaN(v) {
		return true
	}
	return img.HasNoData && v == img.NoData
}
