package photogrammetry

import (
	"math"
	"math/rand"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// VectorLen is the number of core camera parameters.
const VectorLen = 20

// Vector is the flat serialization of the core camera parameters, ordered
// xyz(3), viewdir(3), imgsz(2), f(2), c(2), k(6), p(2).
type Vector [VectorLen]float64

// Offsets of each field in a Vector.
const (
	OffsetXYZ     = 0
	OffsetViewdir = 3
	OffsetImgsz   = 6
	OffsetF       = 8
	OffsetC       = 10
	OffsetK       = 12
	OffsetP       = 18
)

// Camera is a distorted pinhole camera.
//
// By default a camera sits at the origin, level with the horizon (xy-plane)
// and looking north (+y).
type Camera struct {
	// XYZ is the position in world coordinates.
	XYZ r3.Vector
	// Viewdir is the view direction in degrees (yaw, pitch, roll).
	//   - yaw: clockwise rotation about z (0 = north)
	//   - pitch: rotation from horizon (+ up, - down)
	//   - roll: rotation about the optical axis (+ down right, - down left, from behind)
	Viewdir [3]float64
	// Imgsz is the image size in pixels (nx, ny).
	Imgsz [2]float64
	// F is the focal length in pixels (fx, fy).
	F [2]float64
	// C is the principal point offset from the image center in pixels.
	C [2]float64
	// K holds the radial distortion coefficients k1..k6.
	K [6]float64
	// P holds the tangential distortion coefficients p1, p2.
	P [2]float64
	// Sensorsz is the sensor size in millimeters (nx, ny), or nil if unknown.
	Sensorsz *[2]float64
	// Undistortion selects how distortion is removed.
	Undistortion UndistortOptions

	original Vector
}

// Option configures a camera built by New.
type Option func(*cameraArgs)

type cameraArgs struct {
	xyz      r3.Vector
	viewdir  [3]float64
	imgsz    [2]float64
	f        [2]float64
	c        [2]float64
	k        [6]float64
	p        [2]float64
	sensorsz *[2]float64
	fmm      *[2]float64
	cmm      *[2]float64
	method   UndistortOptions
}

// WithXYZ sets the camera center in world coordinates.
func WithXYZ(xyz r3.Vector) Option { return func(a *cameraArgs) { a.xyz = xyz } }

// WithViewdir sets the view direction in degrees.
func WithViewdir(v [3]float64) Option { return func(a *cameraArgs) { a.viewdir = v } }

// WithImgsz sets the image size in pixels.
func WithImgsz(v [2]float64) Option { return func(a *cameraArgs) { a.imgsz = v } }

// WithF sets the focal length in pixels.
func WithF(v [2]float64) Option { return func(a *cameraArgs) { a.f = v } }

// WithC sets the principal point offset from the image center in pixels.
func WithC(v [2]float64) Option { return func(a *cameraArgs) { a.c = v } }

// WithK sets the radial distortion coefficients.
func WithK(v [6]float64) Option { return func(a *cameraArgs) { a.k = v } }

// WithP sets the tangential distortion coefficients.
func WithP(v [2]float64) Option { return func(a *cameraArgs) { a.p = v } }

// WithSensorsz sets the sensor size in millimeters.
func WithSensorsz(v [2]float64) Option { return func(a *cameraArgs) { a.sensorsz = &v } }

// WithFMM sets the focal length in millimeters. Requires WithSensorsz.
func WithFMM(v [2]float64) Option { return func(a *cameraArgs) { a.fmm = &v } }

// WithCMM sets the principal point offset in millimeters. Requires WithSensorsz.
func WithCMM(v [2]float64) Option { return func(a *cameraArgs) { a.cmm = &v } }

// WithUndistort selects how image points are undistorted.
func WithUndistort(o UndistortOptions) Option { return func(a *cameraArgs) { a.method = o } }

// New returns a camera built from the given options.
//
// The focal length in pixels is computed from WithFMM and the principal point
// offset from WithCMM when a sensor size is also given.
func New(opts ...Option) (*Camera, error) {
	args := cameraArgs{
		imgsz: [2]float64{100, 100},
		f:     [2]float64{100, 100},
	}
	for _, opt := range opts {
		opt(&args)
	}
	if (args.fmm != nil || args.cmm != nil) && args.sensorsz == nil {
		return nil, errors.New("fmm or cmm provided without sensorsz")
	}
	cam := &Camera{
		XYZ:          args.xyz,
		Viewdir:      args.viewdir,
		Imgsz:        args.imgsz,
		F:            args.f,
		C:            args.c,
		K:            args.k,
		P:            args.p,
		Sensorsz:     args.sensorsz,
		Undistortion: args.method,
	}
	if args.fmm != nil {
		for i := range cam.F {
			cam.F[i] = args.fmm[i] * cam.Imgsz[i] / args.sensorsz[i]
		}
	}
	if args.cmm != nil {
		for i := range cam.C {
			cam.C[i] = args.cmm[i] * cam.Imgsz[i] / args.sensorsz[i]
		}
	}
	if err := cam.Validate(); err != nil {
		return nil, err
	}
	cam.original = cam.Vector()
	return cam, nil
}

// FromVector returns a camera with the given core parameters.
func FromVector(v Vector, sensorsz *[2]float64) *Camera {
	cam := &Camera{}
	cam.SetVector(v)
	if sensorsz != nil {
		s := *sensorsz
		cam.Sensorsz = &s
	}
	cam.original = v
	return cam
}

// Validate checks that the image size and focal length are positive and
// that the distortion coefficients are finite.
func (c *Camera) Validate() error {
	for i := 0; i < 2; i++ {
		if !(c.Imgsz[i] > 0) {
			return errors.Errorf("image size must be positive: %v", c.Imgsz)
		}
		if !(c.F[i] > 0) {
			return errors.Errorf("focal length must be positive: %v", c.F)
		}
	}
	for _, k := range c.K {
		if math.IsNaN(k) || math.IsInf(k, 0) {
			return errors.Errorf("radial distortion must be finite: %v", c.K)
		}
	}
	for _, p := range c.P {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return errors.Errorf("tangential distortion must be finite: %v", c.P)
		}
	}
	return nil
}

// Vector returns the core parameters as a flat vector.
func (c *Camera) Vector() Vector {
	var v Vector
	v[0], v[1], v[2] = c.XYZ.X, c.XYZ.Y, c.XYZ.Z
	copy(v[OffsetViewdir:OffsetImgsz], c.Viewdir[:])
	copy(v[OffsetImgsz:OffsetF], c.Imgsz[:])
	copy(v[OffsetF:OffsetC], c.F[:])
	copy(v[OffsetC:OffsetK], c.C[:])
	copy(v[OffsetK:OffsetP], c.K[:])
	copy(v[OffsetP:], c.P[:])
	return v
}

// SetVector overwrites the core parameters from a flat vector.
func (c *Camera) SetVector(v Vector) {
	c.XYZ = r3.Vector{X: v[0], Y: v[1], Z: v[2]}
	copy(c.Viewdir[:], v[OffsetViewdir:OffsetImgsz])
	copy(c.Imgsz[:], v[OffsetImgsz:OffsetF])
	copy(c.F[:], v[OffsetF:OffsetC])
	copy(c.C[:], v[OffsetC:OffsetK])
	copy(c.K[:], v[OffsetK:OffsetP])
	copy(c.P[:], v[OffsetP:])
}

// OriginalVector returns the vector recorded when the camera was created.
func (c *Camera) OriginalVector() Vector {
	return c.original
}

// Copy returns an independent camera whose original vector is the current
// vector of c.
func (c *Camera) Copy() *Camera {
	cam := FromVector(c.Vector(), c.Sensorsz)
	cam.Undistortion = c.Undistortion
	return cam
}

// Reset restores the core parameters to their original values.
func (c *Camera) Reset() {
	c.SetVector(c.original)
}

// Idealize removes distortion and the principal point offset.
func (c *Camera) Idealize() {
	c.K = [6]float64{}
	c.P = [2]float64{}
	c.C = [2]float64{}
}

// Normal returns a camera sampled from a normal distribution centered on c
// with per-parameter standard deviations sigma.
func (c *Camera) Normal(sigma Vector, rng *rand.Rand) *Camera {
	v := c.Vector()
	for i := range v {
		if sigma[i] != 0 {
			v[i] += rng.NormFloat64() * sigma[i]
		}
	}
	cam := FromVector(v, c.Sensorsz)
	cam.Undistortion = c.Undistortion
	return cam
}

// FMM returns the focal length in millimeters, or NaN without a sensor size.
func (c *Camera) FMM() [2]float64 {
	return c.toMM(c.F)
}

// CMM returns the principal point offset in millimeters, or NaN without a
// sensor size.
func (c *Camera) CMM() [2]float64 {
	return c.toMM(c.C)
}

func (c *Camera) toMM(v [2]float64) [2]float64 {
	if c.Sensorsz == nil {
		return [2]float64{math.NaN(), math.NaN()}
	}
	return [2]float64{v[0] * c.Sensorsz[0] / c.Imgsz[0], v[1] * c.Sensorsz[1] / c.Imgsz[1]}
}

// CameraMatrix returns the camera matrix in OpenCV format.
func (c *Camera) CameraMatrix() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		c.F[0], 0, c.C[0] + c.Imgsz[0]/2,
		0, c.F[1], c.C[1] + c.Imgsz[1]/2,
		0, 0, 1,
	})
}

// DistCoeffs returns the distortion coefficients in OpenCV order
// (k1, k2, p1, p2, k3, k4, k5, k6).
func (c *Camera) DistCoeffs() []float64 {
	return []float64{c.K[0], c.K[1], c.P[0], c.P[1], c.K[2], c.K[3], c.K[4], c.K[5]}
}

// MeanF returns the mean focal length in pixels.
func (c *Camera) MeanF() float64 {
	return (c.F[0] + c.F[1]) / 2
}

// Shape returns the image shape as (rows, cols).
func (c *Camera) Shape() (int, int) {
	return int(c.Imgsz[1]), int(c.Imgsz[0])
}
