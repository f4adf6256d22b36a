package photogrammetry

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
)

// Correction describes the apparent drop of distant points caused by earth
// curvature and atmospheric refraction.
type Correction struct {
	// EarthRadius in meters.
	EarthRadius float64
	// Refraction is the coefficient of refraction of light.
	Refraction float64
}

// DefaultCorrection is a mean earth radius with standard refraction.
var DefaultCorrection = Correction{EarthRadius: 6.3781e6, Refraction: 0.13}

// Offset returns the vertical offset for a squared horizontal distance.
func (c Correction) Offset(squaredDistance float64) float64 {
	return (c.Refraction - 1) * squaredDistance / (2 * c.EarthRadius)
}

// ProjectOptions control how world coordinates are projected.
type ProjectOptions struct {
	// Directions treats inputs as ray directions rather than absolute
	// coordinates.
	Directions bool
	// Correction, if not nil, is applied to absolute coordinates.
	Correction *Correction
}

// Project projects world coordinates (or ray directions) to image
// coordinates. Points behind the camera are NaN.
func (c *Camera) Project(xyz []r3.Vector, directions bool) []r2.Point {
	uv, _ := c.ProjectWith(xyz, ProjectOptions{Directions: directions})
	return uv
}

// ProjectWith projects world coordinates to image coordinates and also
// returns the depth of each point along the optical axis.
func (c *Camera) ProjectWith(xyz []r3.Vector, opts ProjectOptions) ([]r2.Point, []float64) {
	xy, depth := c.WorldToCamera(xyz, opts)
	return c.CameraToImage(xy), depth
}

// InvProject projects image coordinates to world ray directions, or to
// absolute world coordinates if directions is false. depth is the distance
// along the optical axis: nil means 1, a single value applies to all points.
func (c *Camera) InvProject(uv []r2.Point, directions bool, depth []float64) []r3.Vector {
	return c.CameraToWorld(c.ImageToCamera(uv), directions, depth)
}

// WorldToCamera projects world coordinates to normalized camera coordinates
// and returns their depths. Points at or behind the camera are NaN.
func (c *Camera) WorldToCamera(xyz []r3.Vector, opts ProjectOptions) ([]r2.Point, []float64) {
	R := c.R()
	xy := make([]r2.Point, len(xyz))
	depth := make([]float64, len(xyz))
	for i, p := range xyz {
		d := p
		if !opts.Directions {
			d = p.Sub(c.XYZ)
			if opts.Correction != nil {
				d.Z += opts.Correction.Offset(d.X*d.X + d.Y*d.Y)
			}
		}
		v := mulR(R, [3]float64{d.X, d.Y, d.Z})
		depth[i] = v[2]
		if v[2] <= 0 || math.IsNaN(v[2]) {
			xy[i] = r2Point(math.NaN(), math.NaN())
			continue
		}
		xy[i] = r2Point(v[0]/v[2], v[1]/v[2])
	}
	return xy, depth
}

// CameraToWorld projects normalized camera coordinates to world ray
// directions (or absolute coordinates) at the given depths.
func (c *Camera) CameraToWorld(xy []r2.Point, directions bool, depth []float64) []r3.Vector {
	R := c.R()
	out := make([]r3.Vector, len(xy))
	for i, p := range xy {
		v := mulRT(R, [3]float64{p.X, p.Y, 1})
		w := r3.Vector{X: v[0], Y: v[1], Z: v[2]}
		switch len(depth) {
		case 0:
		case 1:
			w = w.Mul(depth[0])
		default:
			w = w.Mul(depth[i])
		}
		if !directions {
			w = w.Add(c.XYZ)
		}
		out[i] = w
	}
	return out
}

// CameraToImage distorts camera coordinates and converts them to pixels.
func (c *Camera) CameraToImage(xy []r2.Point) []r2.Point {
	uv := c.Distort(xy)
	for i, p := range uv {
		uv[i] = r2Point(
			p.X*c.F[0]+c.Imgsz[0]/2+c.C[0],
			p.Y*c.F[1]+c.Imgsz[1]/2+c.C[1],
		)
	}
	return uv
}

// ImageToCamera converts pixels to undistorted camera coordinates.
func (c *Camera) ImageToCamera(uv []r2.Point) []r2.Point {
	return c.Undistort(c.Normalize(uv))
}

// Normalize converts pixels to distorted camera coordinates.
func (c *Camera) Normalize(uv []r2.Point) []r2.Point {
	xy := make([]r2.Point, len(uv))
	for i, p := range uv {
		xy[i] = r2Point(
			(p.X-(c.Imgsz[0]/2+c.C[0]))/c.F[0],
			(p.Y-(c.Imgsz[1]/2+c.C[1]))/c.F[1],
		)
	}
	return xy
}

// InFront reports whether each point is in front of the camera.
func (c *Camera) InFront(xyz []r3.Vector, directions bool) []bool {
	R := c.R()
	axis := r3.Vector{X: R[2][0], Y: R[2][1], Z: R[2][2]}
	out := make([]bool, len(xyz))
	for i, p := range xyz {
		if !directions {
			p = p.Sub(c.XYZ)
		}
		out[i] = p.Dot(axis) > 0
	}
	return out
}

// InFrame reports whether each image point is in or on the image frame.
func (c *Camera) InFrame(uv []r2.Point) []bool {
	out := make([]bool, len(uv))
	for i, p := range uv {
		out[i] = p.X >= 0 && p.Y >= 0 && p.X <= c.Imgsz[0] && p.Y <= c.Imgsz[1]
	}
	return out
}

// InView reports whether each world point projects into the image frame.
func (c *Camera) InView(xyz []r3.Vector, directions bool) []bool {
	return c.InFrame(c.Project(xyz, directions))
}

// Edges returns points along the image edges, clockwise from (0, 0), with
// the given pixel spacing in x and y. A zero step yields only the corners.
func (c *Camera) Edges(step [2]float64) []r2.Point {
	nu, nv := 2, 2
	if step[0] != 0 {
		nu = int(c.Imgsz[0]/step[0] + 1)
	}
	if step[1] != 0 {
		nv = int(c.Imgsz[1]/step[1] + 1)
	}
	u := linspace(0, c.Imgsz[0], nu)
	v := linspace(0, c.Imgsz[1], nv)
	out := make([]r2.Point, 0, 2*len(u)+2*len(v))
	for _, x := range u {
		out = append(out, r2Point(x, 0))
	}
	for _, y := range v[1 : len(v)-1] {
		out = append(out, r2Point(u[len(u)-1], y))
	}
	for i := len(u) - 1; i >= 0; i-- {
		out = append(out, r2Point(u[i], v[len(v)-1]))
	}
	for i := len(v) - 2; i >= 1; i-- {
		out = append(out, r2Point(0, v[i]))
	}
	return out
}

// ViewBox returns the bounding box (min, max) of the camera viewshed
// formed by projecting the image edges out to depth.
func (c *Camera) ViewBox(depth float64, step [2]float64) (r3.Vector, r3.Vector) {
	xyz := c.InvProject(c.Edges(step), false, []float64{depth})
	lo, hi := c.XYZ, c.XYZ
	for _, p := range xyz {
		lo = r3.Vector{X: math.Min(lo.X, p.X), Y: math.Min(lo.Y, p.Y), Z: math.Min(lo.Z, p.Z)}
		hi = r3.Vector{X: math.Max(hi.X, p.X), Y: math.Max(hi.Y, p.Y), Z: math.Max(hi.Z, p.Z)}
	}
	return lo, hi
}

// Spherical is a direction from the camera (azimuth degrees clockwise from
// north, altitude degrees above the horizon) with an optional distance.
type Spherical struct {
	Azimuth  float64
	Altitude float64
	Distance float64
}

// SphericalToXYZ converts spherical coordinates to ray directions if
// directions is true, or to absolute world coordinates using Distance.
func (c *Camera) SphericalToXYZ(angles []Spherical, directions bool) []r3.Vector {
	out := make([]r3.Vector, len(angles))
	for i, a := range angles {
		az := math.Mod(math.Pi/2-Degrees2Rad(a.Azimuth), 2*math.Pi)
		alt := math.Mod(math.Pi/2-Degrees2Rad(a.Altitude), 2*math.Pi)
		v := r3.Vector{
			X: math.Sin(alt) * math.Cos(az),
			Y: math.Sin(alt) * math.Sin(az),
			Z: math.Cos(alt),
		}
		if !directions {
			v = v.Mul(a.Distance).Add(c.XYZ)
		}
		out[i] = v
	}
	return out
}

// XYZToSpherical converts world coordinates to spherical coordinates
// relative to the camera. Distance is set for absolute coordinates only.
func (c *Camera) XYZToSpherical(xyz []r3.Vector, directions bool) []Spherical {
	out := make([]Spherical, len(xyz))
	for i, p := range xyz {
		if !directions {
			p = p.Sub(c.XYZ)
		}
		r := p.Norm()
		az := Rad2Degrees(math.Atan2(p.Y, p.X))
		alt := Rad2Degrees(math.Acos(p.Z / r))
		out[i] = Spherical{
			Azimuth:  math.Mod(math.Mod(90-az, 360)+360, 360),
			Altitude: 90 - alt,
		}
		if !directions {
			out[i].Distance = r
		}
	}
	return out
}
