// Package control holds observations that constrain cameras: image points
// matched to world points, image lines matched to world lines, and image
// points matched across pairs of cameras.
package control

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"sphaeroptica.be/glimpse/photogrammetry"
)

var (
	// ErrShapeMismatch is returned when paired coordinate arrays differ in length.
	ErrShapeMismatch = errors.New("coordinate arrays have different lengths")
	// ErrSameCamera is returned when both cameras of a pair are the same object.
	ErrSameCamera = errors.New("both cameras are the same object")
	// ErrCameraMoved is returned when a camera has moved since ray directions
	// were recorded against it.
	ErrCameraMoved = errors.New("camera has changed position (xyz) and directions are used")
	// ErrInternalsChanged is returned when the internal parameters of rotation
	// matches have changed since construction.
	ErrInternalsChanged = errors.New("camera internal parameters (imgsz, f, c, k, p) have changed")
	// ErrInternalsDiffer is returned when rotation matches are built between
	// cameras with different internal parameters.
	ErrInternalsDiffer = errors.New("camera internal parameters (imgsz, f, c, k, p) are not equal")
	// ErrCamerasApart is returned when matched cameras are not at the same position.
	ErrCamerasApart = errors.New("cameras have different positions (xyz)")
	// ErrUnsupported is returned by operations a variant does not provide.
	ErrUnsupported = errors.New("operation not supported")
)

// Kind identifies a variant of control.
type Kind int

const (
	KindPoints Kind = iota
	KindLines
	KindMatches
	KindRotationMatches
	KindRotationMatchesXY
	KindRotationMatchesXYZ
)

func (k Kind) String() string {
	switch k {
	case KindPoints:
		return "points"
	case KindLines:
		return "lines"
	case KindMatches:
		return "matches"
	case KindRotationMatches:
		return "rotation-matches"
	case KindRotationMatchesXY:
		return "rotation-matches-xy"
	case KindRotationMatchesXYZ:
		return "rotation-matches-xyz"
	}
	return "unknown"
}

// Set is the part of the contract shared by every variant.
type Set interface {
	Kind() Kind
	// Size is the number of observations.
	Size() int
	// Cameras are the cameras the observations refer to.
	Cameras() []*photogrammetry.Camera
	// IsStatic reports whether the invariants on camera position recorded at
	// construction still hold.
	IsStatic() bool
	// Resize resizes the cameras by scale and rescales the stored image
	// coordinates to the new image sizes. A scale of 1 only rescales the
	// coordinates to cameras that were resized elsewhere.
	Resize(scale float64) error
	// ResizeTo resizes the cameras to an image size and rescales the stored
	// image coordinates.
	ResizeTo(size [2]float64, force bool) error
}

// Control is a Set whose observations and predictions are 2-D coordinates,
// the ones a bundle adjustment can compare. A nil index selects all
// observations.
type Control interface {
	Set
	Observed(index []int) ([]r2.Point, error)
	Predicted(index []int) ([]r2.Point, error)
}

// Weighted is implemented by controls carrying a weight per observation.
type Weighted interface {
	ObservationWeights() []float64
}

// Refers reports whether c observes any of cams.
func Refers(c Set, cams ...*photogrammetry.Camera) bool {
	for _, a := range c.Cameras() {
		for _, b := range cams {
			if a == b {
				return true
			}
		}
	}
	return false
}

// Prune returns the controls that observe any of cams.
func Prune[S Set](controls []S, cams ...*photogrammetry.Camera) []S {
	var out []S
	for _, c := range controls {
		if Refers(c, cams...) {
			out = append(out, c)
		}
	}
	return out
}

func selectPoints(pts []r2.Point, index []int) []r2.Point {
	if index == nil {
		return append([]r2.Point(nil), pts...)
	}
	out := make([]r2.Point, len(index))
	for i, j := range index {
		out[i] = pts[j]
	}
	return out
}

func selectVectors(v []r3.Vector, index []int) []r3.Vector {
	if index == nil {
		return append([]r3.Vector(nil), v...)
	}
	out := make([]r3.Vector, len(index))
	for i, j := range index {
		out[i] = v[j]
	}
	return out
}

func scalePoints(pts []r2.Point, scale [2]float64) []r2.Point {
	out := make([]r2.Point, len(pts))
	for i, p := range pts {
		out[i] = r2.Point{X: p.X * scale[0], Y: p.Y * scale[1]}
	}
	return out
}

// imageScale returns the ratio of the camera's image size to size, and
// whether it differs from 1.
func imageScale(cam *photogrammetry.Camera, size [2]float64) ([2]float64, bool) {
	s := [2]float64{cam.Imgsz[0] / size[0], cam.Imgsz[1] / size[1]}
	return s, s[0] != 1 || s[1] != 1
}

// resizer resizes a camera either by scale or to a target size.
type resizer func(cam *photogrammetry.Camera) error

func byScale(scale float64) resizer {
	return func(cam *photogrammetry.Camera) error {
		if scale != 1 {
			cam.Resize(scale)
		}
		return nil
	}
}

func toSize(size [2]float64, force bool) resizer {
	return func(cam *photogrammetry.Camera) error {
		return cam.ResizeTo(size, force)
	}
}
