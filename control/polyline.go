package control

import (
	"math"

	"github.com/golang/geo/r2"
)

func isNaN(p r2.Point) bool { return math.IsNaN(p.X) || math.IsNaN(p.Y) }

// splitNaN splits a polyline into the runs of vertices without NaN.
func splitNaN(line []r2.Point) [][]r2.Point {
	var out [][]r2.Point
	start := -1
	for i, p := range line {
		switch {
		case isNaN(p) && start >= 0:
			out = append(out, line[start:i])
			start = -1
		case !isNaN(p) && start < 0:
			start = i
		}
	}
	if start >= 0 {
		out = append(out, line[start:])
	}
	return out
}

// clipSegment clips the segment a-b to box (Liang-Barsky).
func clipSegment(a, b r2.Point, box r2.Rect) (r2.Point, r2.Point, bool) {
	d := b.Sub(a)
	lo, hi := box.Lo(), box.Hi()
	t0, t1 := 0.0, 1.0
	edges := [4][2]float64{
		{-d.X, a.X - lo.X},
		{d.X, hi.X - a.X},
		{-d.Y, a.Y - lo.Y},
		{d.Y, hi.Y - a.Y},
	}
	for _, e := range edges {
		p, q := e[0], e[1]
		if p == 0 {
			if q < 0 {
				return a, b, false
			}
			continue
		}
		r := q / p
		if p < 0 {
			t0 = math.Max(t0, r)
		} else {
			t1 = math.Min(t1, r)
		}
		if t0 > t1 {
			return a, b, false
		}
	}
	ca, cb := a, b
	if t0 > 0 {
		ca = a.Add(d.Mul(t0))
	}
	if t1 < 1 {
		cb = a.Add(d.Mul(t1))
	}
	return ca, cb, true
}

// clipPolyline returns the parts of a polyline inside box.
func clipPolyline(line []r2.Point, box r2.Rect) [][]r2.Point {
	if len(line) == 1 {
		if box.ContainsPoint(line[0]) {
			return [][]r2.Point{{line[0]}}
		}
		return nil
	}
	var out [][]r2.Point
	var current []r2.Point
	for i := 0; i+1 < len(line); i++ {
		a, b, ok := clipSegment(line[i], line[i+1], box)
		switch {
		case !ok:
			if current != nil {
				out = append(out, current)
				current = nil
			}
		case current != nil && current[len(current)-1] == a:
			current = append(current, b)
		default:
			if current != nil {
				out = append(out, current)
			}
			current = []r2.Point{a, b}
		}
	}
	if current != nil {
		out = append(out, current)
	}
	return out
}

// interpolatePolyline returns points evenly spaced along a polyline, no
// further than dx apart, including both ends.
func interpolatePolyline(line []r2.Point, dx float64) []r2.Point {
	if len(line) < 2 || dx <= 0 {
		return append([]r2.Point(nil), line...)
	}
	cum := make([]float64, len(line))
	for i := 1; i < len(line); i++ {
		cum[i] = cum[i-1] + line[i].Sub(line[i-1]).Norm()
	}
	total := cum[len(cum)-1]
	if total == 0 {
		return []r2.Point{line[0]}
	}
	n := int(math.Ceil(total/dx)) + 1
	out := make([]r2.Point, n)
	seg := 0
	for i := 0; i < n; i++ {
		s := total * float64(i) / float64(n-1)
		for seg < len(line)-2 && cum[seg+1] < s {
			seg++
		}
		length := cum[seg+1] - cum[seg]
		if length == 0 {
			out[i] = line[seg]
			continue
		}
		t := (s - cum[seg]) / length
		out[i] = line[seg].Add(line[seg+1].Sub(line[seg]).Mul(t))
	}
	out[n-1] = line[len(line)-1]
	return out
}
