package optimize

import (
	"log"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	gopt "gonum.org/v1/gonum/optimize"

	"sphaeroptica.be/glimpse/control"
	"sphaeroptica.be/glimpse/photogrammetry"
)

// DefaultAnchorWeight holds anchor view directions in place.
const DefaultAnchorWeight = 1e6

// ObserverCameras orients cameras sharing a position, such as the images of
// a fixed observer, from matches between them. Only view directions change.
type ObserverCameras struct {
	Cams    []*photogrammetry.Camera
	Matches []*control.RotationMatchesXYZ
	// Anchors are the cameras whose view directions are held near their
	// starting values.
	Anchors []int

	viewdirs [][3]float64
	pairs    [][2]int
}

// ObserverResult is the outcome of ObserverCameras.Fit.
type ObserverResult struct {
	// Viewdirs are the fitted view directions, one per camera.
	Viewdirs [][3]float64
	// F is the objective at Viewdirs.
	F       float64
	Success bool
	Message string
}

// NewObserverCameras returns an orientation of cams from matches. Without
// anchors, the first camera is the anchor.
func NewObserverCameras(cams []*photogrammetry.Camera, matches []*control.RotationMatchesXYZ, anchors []int) (*ObserverCameras, error) {
	if len(cams) == 0 {
		return nil, errors.New("no cameras")
	}
	if len(anchors) == 0 {
		log.Printf("no anchor image found, using first image as anchor")
		anchors = []int{0}
	}
	for _, a := range anchors {
		if a < 0 || a >= len(cams) {
			return nil, errors.Errorf("anchor %d out of range", a)
		}
	}
	o := &ObserverCameras{Cams: cams, Matches: matches, Anchors: anchors}
	position := make(map[*photogrammetry.Camera]int, len(cams))
	for i, cam := range cams {
		position[cam] = i
		o.viewdirs = append(o.viewdirs, cam.Viewdir)
	}
	for k, m := range matches {
		var pair [2]int
		for side, cam := range m.Cameras() {
			i, ok := position[cam]
			if !ok {
				return nil, errors.Wrapf(ErrCameraNotInControls, "match %d", k)
			}
			pair[side] = i
		}
		o.pairs = append(o.pairs, pair)
	}
	return o, nil
}

func (o *ObserverCameras) setViewdirs(x []float64) {
	for i, cam := range o.Cams {
		copy(cam.Viewdir[:], x[3*i:3*i+3])
	}
}

// ResetCameras restores the view directions saved at construction.
func (o *ObserverCameras) ResetCameras() {
	for i, cam := range o.Cams {
		cam.Viewdir = o.viewdirs[i]
	}
}

// objective returns the anchor penalty plus the sum of absolute differences
// between the ray directions of matched points, and its gradient with
// respect to the view directions x.
func (o *ObserverCameras) objective(x, grad []float64, anchorWeight float64) (float64, error) {
	o.setViewdirs(x)
	for i := range grad {
		grad[i] = 0
	}
	f := 0.0
	for _, i := range o.Anchors {
		for a := 0; a < 3; a++ {
			d := x[3*i+a] - o.viewdirs[i][a]
			f += anchorWeight / 2 * d * d
			grad[3*i+a] += anchorWeight * d
		}
	}
	for k, m := range o.Matches {
		d0, err := m.PredictedIn(nil, 0)
		if err != nil {
			return 0, err
		}
		d1, err := m.PredictedIn(nil, 1)
		if err != nil {
			return 0, err
		}
		for n := range d0 {
			dxyz := d0[n].Sub(d1[n])
			f += math.Abs(dxyz.X) + math.Abs(dxyz.Y) + math.Abs(dxyz.Z)
		}
		for side, sign := range [2]float64{1, -1} {
			i := o.pairs[k][side]
			g := rayGradient(m.Cams[side], m.XYs[side], d0, d1)
			for a := 0; a < 3; a++ {
				grad[3*i+a] += sign * g[a]
			}
		}
	}
	return f, nil
}

// rayGradient returns the sum over points of sign(d0 - d1) dotted with the
// derivative of the unit ray of xy with respect to the view direction of
// cam. Rotation keeps |RPrime xy| = |xy|, so the derivative of the unit ray
// is RPrime xy / |xy|.
func rayGradient(cam *photogrammetry.Camera, xys []r2.Point, d0, d1 []r3.Vector) [3]float64 {
	rp := cam.RPrime()
	var g [3]float64
	for n, xy := range xys {
		v := r3.Vector{X: xy.X, Y: xy.Y, Z: 1}
		dxyz := d0[n].Sub(d1[n])
		sign := r3.Vector{X: signum(dxyz.X), Y: signum(dxyz.Y), Z: signum(dxyz.Z)}
		norm := v.Norm()
		for a := 0; a < 3; a++ {
			dv := r3.Vector{
				X: rp[a][0][0]*v.X + rp[a][0][1]*v.Y + rp[a][0][2]*v.Z,
				Y: rp[a][1][0]*v.X + rp[a][1][1]*v.Y + rp[a][1][2]*v.Z,
				Z: rp[a][2][0]*v.X + rp[a][2][1]*v.Y + rp[a][2][2]*v.Z,
			}
			g[a] += sign.Dot(dv) / norm
		}
	}
	return g
}

func signum(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	}
	return 0
}

// Fit returns the view directions that minimize the sum of absolute
// differences between matched ray directions, by BFGS. Anchor view
// directions are held by a quadratic penalty of weight anchorWeight, or
// DefaultAnchorWeight if zero. The cameras are left unchanged.
//
// A fit that does not converge is not an error: the result reports
// Success false and its message.
func (o *ObserverCameras) Fit(anchorWeight float64, settings *gopt.Settings) (*ObserverResult, error) {
	if anchorWeight == 0 {
		anchorWeight = DefaultAnchorWeight
	}
	defer o.ResetCameras()
	x0 := make([]float64, 0, 3*len(o.Cams))
	for _, cam := range o.Cams {
		x0 = append(x0, cam.Viewdir[:]...)
	}
	var evalErr error
	scratch := make([]float64, len(x0))
	problem := gopt.Problem{
		Func: func(x []float64) float64 {
			f, err := o.objective(x, scratch, anchorWeight)
			if err != nil {
				evalErr = err
				return math.NaN()
			}
			return f
		},
		Grad: func(grad, x []float64) {
			if _, err := o.objective(x, grad, anchorWeight); err != nil {
				evalErr = err
			}
		},
	}
	res, err := gopt.Minimize(problem, x0, settings, &gopt.BFGS{})
	if evalErr != nil {
		return nil, evalErr
	}
	if res == nil {
		return nil, errors.Wrap(err, "minimize")
	}
	out := &ObserverResult{F: res.F, Success: err == nil && res.Status.Err() == nil, Message: res.Status.String()}
	if err != nil {
		out.Message = err.Error()
	}
	for i := range o.Cams {
		out.Viewdirs = append(out.Viewdirs, [3]float64{res.X[3*i], res.X[3*i+1], res.X[3*i+2]})
	}
	if !out.Success {
		log.Printf("fit failed: %s", out.Message)
	}
	return out, nil
}
