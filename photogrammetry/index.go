package photogrammetry

import (
	"math"

	"github.com/golang/geo/r2"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// indexedPoint is a 2-d point that remembers its position in the source slice.
type indexedPoint struct {
	r2.Point
	i int
}

func (p indexedPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(indexedPoint)
	if d == 0 {
		return p.X - q.X
	}
	return p.Y - q.Y
}

func (p indexedPoint) Dims() int { return 2 }

func (p indexedPoint) Distance(c kdtree.Comparable) float64 {
	d := p.Sub(c.(indexedPoint).Point)
	return d.Dot(d)
}

type indexedPoints []indexedPoint

func (p indexedPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p indexedPoints) Len() int                              { return len(p) }
func (p indexedPoints) Pivot(d kdtree.Dim) int                { return indexedPlane{indexedPoints: p, Dim: d}.Pivot() }
func (p indexedPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

type indexedPlane struct {
	kdtree.Dim
	indexedPoints
}

func (p indexedPlane) Less(i, j int) bool {
	return p.indexedPoints[i].Compare(p.indexedPoints[j], p.Dim) < 0
}
func (p indexedPlane) Pivot() int {
	return kdtree.Partition(p, kdtree.MedianOfRandoms(p, 100))
}
func (p indexedPlane) Slice(start, end int) kdtree.SortSlicer {
	p.indexedPoints = p.indexedPoints[start:end]
	return p
}
func (p indexedPlane) Swap(i, j int) {
	p.indexedPoints[i], p.indexedPoints[j] = p.indexedPoints[j], p.indexedPoints[i]
}

// PointIndex answers nearest-neighbor queries over a fixed set of image
// points. Points with NaN coordinates are not indexed.
type PointIndex struct {
	tree *kdtree.Tree
	n    int
}

// NewPointIndex builds an index over pts.
func NewPointIndex(pts []r2.Point) *PointIndex {
	data := make(indexedPoints, 0, len(pts))
	for i, p := range pts {
		if math.IsNaN(p.X) || math.IsNaN(p.Y) {
			continue
		}
		data = append(data, indexedPoint{Point: p, i: i})
	}
	idx := &PointIndex{n: len(data)}
	if len(data) > 0 {
		idx.tree = kdtree.New(data, false)
	}
	return idx
}

// Len returns the number of indexed points.
func (x *PointIndex) Len() int { return x.n }

// Nearest returns the index of the point closest to q and its distance.
// Ties are broken by the lowest index. It returns -1 for an empty index.
func (x *PointIndex) Nearest(q r2.Point) (int, float64) {
	if x.tree == nil {
		return -1, math.NaN()
	}
	c, d2 := x.tree.Nearest(indexedPoint{Point: q})
	best := c.(indexedPoint).i
	keep := kdtree.NewDistKeeper(d2)
	x.tree.NearestSet(keep, indexedPoint{Point: q})
	for _, cd := range keep.Heap {
		if cd.Comparable == nil {
			continue
		}
		if i := cd.Comparable.(indexedPoint).i; i < best {
			best = i
		}
	}
	return best, math.Sqrt(d2)
}

// NearestN returns the indices of up to n points closest to q, in no
// particular order.
func (x *PointIndex) NearestN(q r2.Point, n int) []int {
	if x.tree == nil || n <= 0 {
		return nil
	}
	keep := kdtree.NewNKeeper(n)
	x.tree.NearestSet(keep, indexedPoint{Point: q})
	out := make([]int, 0, n)
	for _, cd := range keep.Heap {
		if cd.Comparable == nil {
			continue
		}
		out = append(out, cd.Comparable.(indexedPoint).i)
	}
	return out
}
