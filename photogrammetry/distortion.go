package photogrammetry

import (
	"math"

	"github.com/golang/geo/r2"
)

// UndistortMethod names an iterative distortion removal strategy.
type UndistortMethod string

const (
	// Oulu is the fixed-point iteration of comp_distortion_oulu. Fast, but
	// fails under extreme distortion.
	Oulu UndistortMethod = "oulu"
	// Lookup interpolates from a distorted regular grid. Stable but slow.
	Lookup UndistortMethod = "lookup"
	// RegulaFalsi is a per-point false position root search.
	RegulaFalsi UndistortMethod = "regulafalsi"
)

// UndistortOptions configures distortion removal for cameras with more
// than first order radial distortion.
type UndistortOptions struct {
	// Method defaults to Oulu.
	Method UndistortMethod `json:"method,omitempty"`
	// Iterations is the maximum number of iterations (Oulu: 20, RegulaFalsi: 100).
	Iterations int `json:"iterations,omitempty"`
	// Tolerance is the pixel displacement below which iteration stops early.
	// Zero disables early exit.
	Tolerance float64 `json:"tolerance,omitempty"`
	// Density is the number of lookup grid points per pixel (default 1).
	Density float64 `json:"density,omitempty"`
}

func (c *Camera) hasK() bool {
	for _, k := range c.K {
		if k != 0 {
			return true
		}
	}
	return false
}

func (c *Camera) hasP() bool {
	return c.P[0] != 0 || c.P[1] != 0
}

// radialDistortion returns the radial multiplier dr for squared radius rr.
//
// dr = (1 + k1 r^2 + k2 r^4 + k3 r^6) / (1 + k4 r^2 + k5 r^4 + k6 r^6)
func (c *Camera) radialDistortion(rr float64) float64 {
	k := c.K
	dr := 1 + k[0]*rr + k[1]*rr*rr + k[2]*rr*rr*rr
	if k[3] != 0 || k[4] != 0 || k[5] != 0 {
		dr /= 1 + k[3]*rr + k[4]*rr*rr + k[5]*rr*rr*rr
	}
	return dr
}

// tangentialDistortion returns the additive term [dtx, dty].
//
// dtx = 2xy p1 + p2 (r^2 + 2x^2)
// dty = p1 (r^2 + 2y^2) + 2xy p2
func (c *Camera) tangentialDistortion(xy r2.Point, rr float64) r2.Point {
	xty := xy.X * xy.Y
	return r2Point(
		2*xty*c.P[0]+c.P[1]*(rr+2*xy.X*xy.X),
		c.P[0]*(rr+2*xy.Y*xy.Y)+2*xty*c.P[1],
	)
}

func r2Point(x, y float64) r2.Point { return r2.Point{X: x, Y: y} }

func (c *Camera) distortPoint(xy r2.Point, hasK, hasP bool) r2.Point {
	rr := xy.Dot(xy)
	out := xy
	if hasK {
		out = out.Mul(c.radialDistortion(rr))
	}
	if hasP {
		out = out.Add(c.tangentialDistortion(xy, rr))
	}
	return out
}

// Distort applies distortion to camera coordinates.
func (c *Camera) Distort(xy []r2.Point) []r2.Point {
	out := make([]r2.Point, len(xy))
	hasK, hasP := c.hasK(), c.hasP()
	if !hasK && !hasP {
		copy(out, xy)
		return out
	}
	for i, p := range xy {
		out[i] = c.distortPoint(p, hasK, hasP)
	}
	return out
}

// Undistort removes distortion from camera coordinates.
//
// First order radial distortion is inverted in closed form. Anything else
// uses the camera's Undistortion method.
func (c *Camera) Undistort(xy []r2.Point) []r2.Point {
	hasK, hasP := c.hasK(), c.hasP()
	switch {
	case !hasK && !hasP:
		out := make([]r2.Point, len(xy))
		copy(out, xy)
		return out
	case c.K[0] != 0 && !hasP && c.K[1] == 0 && c.K[2] == 0 && c.K[3] == 0 && c.K[4] == 0 && c.K[5] == 0:
		return c.undistortK1(xy)
	}
	o := c.Undistortion
	switch o.Method {
	case Lookup:
		return c.undistortLookup(xy, o.Density)
	case RegulaFalsi:
		return c.undistortRegulaFalsi(xy, o.Iterations, o.Tolerance)
	default:
		return c.undistortOulu(xy, o.Iterations, o.Tolerance)
	}
}

// undistortK1 solves r^3 + r/k1 - r'/k1 = 0 for the undistorted radius
// (Numerical Recipes in C, 2nd ed., pp. 183-185).
func (c *Camera) undistortK1(xy []r2.Point) []r2.Point {
	k := c.K[0]
	Q := -1 / (3 * k)
	out := make([]r2.Point, len(xy))
	for i, p := range xy {
		phi := math.Atan2(p.Y, p.X)
		R := -math.Hypot(p.X, p.Y) / (2 * k)
		var r float64
		if R*R < Q*Q*Q {
			th := math.Acos(R * math.Pow(Q, -1.5))
			r = -2 * math.Sqrt(Q) * math.Cos((th-2*math.Pi)/3)
		} else {
			A := -sign(R) * math.Cbrt(math.Abs(R)+math.Sqrt(R*R-Q*Q*Q))
			var B float64
			if A != 0 {
				B = Q / A
			}
			r = A + B
		}
		out[i] = r2Point(math.Cos(phi), math.Sin(phi)).Mul(r)
	}
	return out
}

func sign(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	case x == 0:
		return 0
	}
	return math.NaN()
}

// undistortOulu iterates uxy = (xy - dt(uxy)) / dr(uxy) from uxy = xy.
func (c *Camera) undistortOulu(xy []r2.Point, iterations int, tolerance float64) []r2.Point {
	if iterations <= 0 {
		iterations = 20
	}
	hasK, hasP := c.hasK(), c.hasP()
	uxy := make([]r2.Point, len(xy))
	copy(uxy, xy)
	tol := tolerance / c.MeanF()
	for n := 0; n < iterations; n++ {
		for i, p := range uxy {
			rr := p.Dot(p)
			u := xy[i]
			if hasP {
				u = u.Sub(c.tangentialDistortion(p, rr))
			}
			if hasK {
				u = u.Mul(1 / c.radialDistortion(rr))
			}
			uxy[i] = u
		}
		if tolerance > 0 && c.withinTolerance(uxy, xy, tol, hasK, hasP) {
			break
		}
	}
	return uxy
}

func (c *Camera) withinTolerance(uxy, xy []r2.Point, tol float64, hasK, hasP bool) bool {
	for i, p := range uxy {
		d := c.distortPoint(p, hasK, hasP).Sub(xy[i])
		if !(math.Abs(d.X) < tol && math.Abs(d.Y) < tol) {
			return false
		}
	}
	return true
}

// undistortRegulaFalsi brackets each coordinate between the image center
// and the distorted coordinate and applies false position updates. Points
// leave the working set as soon as they converge.
func (c *Camera) undistortRegulaFalsi(xy []r2.Point, iterations int, tolerance float64) []r2.Point {
	if iterations <= 0 {
		iterations = 100
	}
	hasK, hasP := c.hasK(), c.hasP()
	tol := tolerance / c.MeanF()
	n := len(xy)
	uxy := make([]r2.Point, n)
	active := make([]int, n)
	x1 := make([]r2.Point, n)
	y1 := make([]r2.Point, n)
	x2 := make([]r2.Point, n)
	y2 := make([]r2.Point, n)
	for i, p := range xy {
		active[i] = i
		y1[i] = p.Mul(-1)
		x2[i] = p.Mul(0.5)
		y2[i] = c.distortPoint(x2[i], hasK, hasP).Sub(p)
	}
	for iter := 0; iter < iterations && len(active) > 0; iter++ {
		next := active[:0]
		nx1, ny1, nx2, ny2 := x1[:0], y1[:0], x2[:0], y2[:0]
		for j, i := range active {
			dy := y2[j].Sub(y1[j])
			converged := dy.X == 0 && dy.Y == 0
			if tolerance > 0 && math.Abs(y2[j].X) <= tol && math.Abs(y2[j].Y) <= tol {
				converged = true
			}
			if converged {
				uxy[i] = x2[j]
				continue
			}
			// A coordinate whose bracket has collapsed stays put.
			x3 := x2[j]
			if dy.X != 0 {
				x3.X = (x1[j].X*y2[j].X - x2[j].X*y1[j].X) / dy.X
			}
			if dy.Y != 0 {
				x3.Y = (x1[j].Y*y2[j].Y - x2[j].Y*y1[j].Y) / dy.Y
			}
			y3 := c.distortPoint(x3, hasK, hasP).Sub(xy[i])
			next = append(next, i)
			nx1 = append(nx1, x2[j])
			ny1 = append(ny1, y2[j])
			nx2 = append(nx2, x3)
			ny2 = append(ny2, y3)
		}
		active, x1, y1, x2, y2 = next, nx1, ny1, nx2, ny2
	}
	for j, i := range active {
		uxy[i] = x2[j]
	}
	return uxy
}

// undistortLookup distorts a regular grid of undistorted coordinates
// spanning the image and linearly interpolates the inverse mapping within
// the triangles of the distorted grid. Points outside the grid are NaN.
func (c *Camera) undistortLookup(xy []r2.Point, density float64) []r2.Point {
	if density <= 0 {
		density = 1
	}
	edges := [8][2]float64{{0, 0}, {0.5, 0}, {1, 0}, {1, 0.5}, {1, 1}, {0.5, 1}, {0, 1}, {0, 0.5}}
	lo := r2Point(math.Inf(1), math.Inf(1))
	hi := r2Point(math.Inf(-1), math.Inf(-1))
	for _, e := range edges {
		u := r2Point(
			(e[0]*c.Imgsz[0]-(c.Imgsz[0]/2+c.C[0]))/c.F[0],
			(e[1]*c.Imgsz[1]-(c.Imgsz[1]/2+c.C[1]))/c.F[1],
		)
		for _, p := range []r2.Point{u, c.distortPoint(u, c.hasK(), c.hasP())} {
			lo = r2Point(math.Min(lo.X, p.X), math.Min(lo.Y, p.Y))
			hi = r2Point(math.Max(hi.X, p.X), math.Max(hi.Y, p.Y))
		}
	}
	nx := int(density * c.Imgsz[0])
	ny := int(density * c.Imgsz[1])
	ux := linspace(lo.X, hi.X, nx)
	uy := linspace(lo.Y, hi.Y, ny)
	grid := make([]r2.Point, 0, nx*ny)
	for _, y := range uy {
		for _, x := range ux {
			grid = append(grid, r2Point(x, y))
		}
	}
	mesh := &triangleMesh{src: c.Distort(grid), dst: grid, nx: nx, ny: ny}
	mesh.index = NewPointIndex(mesh.src)
	out := make([]r2.Point, len(xy))
	for i, p := range xy {
		out[i] = mesh.interpolate(p)
	}
	return out
}

// triangleMesh is a regular nx by ny grid, split into two triangles per
// cell, whose vertices map from src to dst.
type triangleMesh struct {
	src, dst []r2.Point
	nx, ny   int
	index    *PointIndex
}

func (m *triangleMesh) interpolate(q r2.Point) r2.Point {
	nan := r2Point(math.NaN(), math.NaN())
	if math.IsNaN(q.X) || math.IsNaN(q.Y) || m.nx < 2 || m.ny < 2 {
		return nan
	}
	for _, v := range m.index.NearestN(q, 4) {
		ix, iy := v%m.nx, v/m.nx
		for cy := iy - 1; cy <= iy; cy++ {
			for cx := ix - 1; cx <= ix; cx++ {
				if cx < 0 || cy < 0 || cx >= m.nx-1 || cy >= m.ny-1 {
					continue
				}
				a := cy*m.nx + cx
				b, d, e := a+1, a+m.nx+1, a+m.nx
				for _, tri := range [2][3]int{{a, b, d}, {a, d, e}} {
					if p, ok := m.barycentric(q, tri); ok {
						return p
					}
				}
			}
		}
	}
	return nan
}

func (m *triangleMesh) barycentric(q r2.Point, tri [3]int) (r2.Point, bool) {
	const eps = 1e-12
	p0, p1, p2 := m.src[tri[0]], m.src[tri[1]], m.src[tri[2]]
	v0, v1, v2 := p1.Sub(p0), p2.Sub(p0), q.Sub(p0)
	den := v0.Cross(v1)
	if den == 0 {
		return r2.Point{}, false
	}
	l1 := v2.Cross(v1) / den
	l2 := v0.Cross(v2) / den
	l0 := 1 - l1 - l2
	if l0 < -eps || l1 < -eps || l2 < -eps {
		return r2.Point{}, false
	}
	d0, d1, d2 := m.dst[tri[0]], m.dst[tri[1]], m.dst[tri[2]]
	return d0.Mul(l0).Add(d1.Mul(l1)).Add(d2.Mul(l2)), true
}

// Reversible reports whether distortion increases monotonically along the
// central row and column of the image. Otherwise distorted coordinates are
// not unique and cannot be reversed.
func (c *Camera) Reversible() bool {
	nx, ny := int(c.Imgsz[0]), int(c.Imgsz[1])
	row := make([]r2.Point, nx)
	for i, x := range linspace(-c.Imgsz[0]/(2*c.F[0]), c.Imgsz[0]/(2*c.F[0]), nx) {
		row[i] = r2Point(x, 0)
	}
	col := make([]r2.Point, ny)
	for i, y := range linspace(-c.Imgsz[1]/(2*c.F[1]), c.Imgsz[1]/(2*c.F[1]), ny) {
		col[i] = r2Point(0, y)
	}
	drow, dcol := c.Distort(row), c.Distort(col)
	for i := 1; i < len(drow); i++ {
		if !(drow[i].X >= drow[i-1].X) {
			return false
		}
	}
	for i := 1; i < len(dcol); i++ {
		if !(dcol[i].Y >= dcol[i-1].Y) {
			return false
		}
	}
	return true
}

// linspace returns n evenly spaced values over [start, stop].
func linspace(start, stop float64, n int) []float64 {
	switch {
	case n <= 0:
		return nil
	case n == 1:
		return []float64{start}
	}
	out := make([]float64, n)
	step := (stop - start) / float64(n-1)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	out[n-1] = stop
	return out
}
