// Package overlap finds the image pairs whose footprints intersect and
// the pixel window each pair covers in both images.
package overlap

import (
	"fmt"
	"sort"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/index/rtree"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"rrnorm/internal/models"
)

// footprintEntry is what the R-tree stores: the footprint outline of one
// image and its index in the input list.
type footprintEntry struct {
	geom.Polygon
	index int
}

// Index holds every overlapping pair of a set of images. It is immutable
// after construction and safe for concurrent use.
type Index struct {
	images []models.Image
	pairs  []models.OverlapPair
	byImg  [][]int
}

// NewIndex builds the index. Candidates come from an R-tree of footprint
// bounding boxes; each candidate is then intersected exactly and turned
// into a window in both images. Pairs whose intersection or either window
// is empty are dropped.
func NewIndex(images []models.Image) (*Index, error) {
	seen := make(map[string]bool, len(images))
	for _, img := range images {
		if seen[img.ID] {
			return nil, fmt.Errorf("duplicate image id %q", img.ID)
		}
		seen[img.ID] = true
		if _, err := img.Footprint.Transform.Invert(); err != nil {
			return nil, fmt.Errorf("image %s: %w", img.ID, err)
		}
	}

	tree := rtree.NewTree(25, 50)
	bounds := make([]orb.Bound, len(images))
	for i, img := range images {
		bounds[i] = img.Footprint.Bounds()
		tree.Insert(footprintEntry{Polygon: outline(img.Footprint), index: i})
	}

	idx := &Index{images: images, byImg: make([][]int, len(images))}
	for i := range images {
		for _, g := range tree.SearchIntersect(toGeomBounds(bounds[i])) {
			j := g.(footprintEntry).index
			if j <= i {
				continue
			}
			pair, ok := newPair(images, bounds, i, j)
			if !ok {
				continue
			}
			idx.pairs = append(idx.pairs, pair)
		}
	}

	// Deterministic order regardless of R-tree traversal.
	sort.Slice(idx.pairs, func(a, b int) bool {
		pa, pb := idx.pairs[a], idx.pairs[b]
		if pa.A != pb.A {
			return pa.A < pb.A
		}
		return pa.B < pb.B
	})
	for p, pair := range idx.pairs {
		idx.byImg[pair.A] = append(idx.byImg[pair.A], p)
		idx.byImg[pair.B] = append(idx.byImg[pair.B], p)
	}
	return idx, nil
}

func newPair(images []models.Image, bounds []orb.Bound, i, j int) (models.OverlapPair, bool) {
	inter, ok := intersect(bounds[i], bounds[j])
	if !ok {
		return models.OverlapPair{}, false
	}
	wa, okA := images[i].Footprint.WindowFor(inter)
	wb, okB := images[j].Footprint.WindowFor(inter)
	if !okA || !okB {
		return models.OverlapPair{}, false
	}
	return models.OverlapPair{
		A: i, B: j,
		IDA: images[i].ID, IDB: images[j].ID,
		Bounds:  inter,
		WindowA: wa,
		WindowB: wb,
	}, true
}

// intersect returns the intersection of two bounds; touching edges do not
// count as an overlap.
func intersect(a, b orb.Bound) (orb.Bound, bool) {
	out := orb.Bound{
		Min: orb.Point{max(a.Min[0], b.Min[0]), max(a.Min[1], b.Min[1])},
		Max: orb.Point{min(a.Max[0], b.Max[0]), min(a.Max[1], b.Max[1])},
	}
	if out.Max[0] <= out.Min[0] || out.Max[1] <= out.Min[1] {
		return orb.Bound{}, false
	}
	return out, true
}

// outline returns the footprint's four transformed corners as a ring.
func outline(fp models.Footprint) geom.Polygon {
	w, h := float64(fp.Width), float64(fp.Height)
	ring := make(geom.Path, 0, 5)
	for _, c := range [][2]float64{{0, 0}, {w, 0}, {w, h}, {0, h}, {0, 0}} {
		x, y := fp.Transform.Apply(c[0], c[1])
		ring = append(ring, geom.Point{X: x, Y: y})
	}
	return geom.Polygon{ring}
}

func toGeomBounds(b orb.Bound) *geom.Bounds {
	return &geom.Bounds{
		Min: geom.Point{X: b.Min[0], Y: b.Min[1]},
		Max: geom.Point{X: b.Max[0], Y: b.Max[1]},
	}
}

// Images returns the indexed images in input order.
func (idx *Index) Images() []models.Image { return idx.images }

// Len returns the number of overlapping pairs.
func (idx *Index) Len() int { return len(idx.pairs) }

// Pairs returns every pair, ordered by (A, B).
func (idx *Index) Pairs() []models.OverlapPair { return idx.pairs }

// PairsFor returns the positions in Pairs of the pairs involving image i.
func (idx *Index) PairsFor(i int) []int {
	if i < 0 || i >= len(idx.byImg) {
		return nil
	}
	return idx.byImg[i]
}

// Neighbors returns the indices of the images overlapping image i.
func (idx *Index) Neighbors(i int) []int {
	var out []int
	for _, p := range idx.PairsFor(i) {
		pair := idx.pairs[p]
		if pair.A == i {
			out = append(out, pair.B)
		} else {
			out = append(out, pair.A)
		}
	}
	sort.Ints(out)
	return out
}

// FeatureCollection exports footprints and overlaps as GeoJSON for
// inspection in a GIS.
func (idx *Index) FeatureCollection() *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for i, img := range idx.images {
		ring := orb.Ring{}
		for _, p := range outline(img.Footprint)[0] {
			ring = append(ring, orb.Point{p.X, p.Y})
		}
		f := geojson.NewFeature(orb.Polygon{ring})
		f.Properties["kind"] = "footprint"
		f.Properties["image"] = img.ID
		f.Properties["neighbors"] = len(idx.byImg[i])
		fc.Append(f)
	}
	for _, pair := range idx.pairs {
		f := geojson.NewFeature(pair.Bounds.ToPolygon())
		f.Properties["kind"] = "overlap"
		f.Properties["a"] = pair.IDA
		f.Properties["b"] = pair.IDB
		f.Properties["window_a"] = pair.WindowA.String()
		f.Properties["window_b"] = pair.WindowB.String()
		fc.Append(f)
	}
	return fc
}
