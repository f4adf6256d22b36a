package control

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"sphaeroptica.be/glimpse/photogrammetry"
)

// Points are image points matched to world points.
//
// World coordinates are projected into the camera and compared to the
// image coordinates.
type Points struct {
	Cam *photogrammetry.Camera
	UV  []r2.Point
	// XYZ are absolute world coordinates, or ray directions if Directions is set.
	XYZ        []r3.Vector
	Directions bool
	// Correction, if not nil, is applied when projecting absolute coordinates.
	Correction *photogrammetry.Correction

	camXYZ r3.Vector
	imgsz  [2]float64
}

// NewPoints returns image-world point correspondences for cam.
func NewPoints(cam *photogrammetry.Camera, uv []r2.Point, xyz []r3.Vector, opts photogrammetry.ProjectOptions) (*Points, error) {
	if len(uv) != len(xyz) {
		return nil, errors.Wrapf(ErrShapeMismatch, "%d image points for %d world points", len(uv), len(xyz))
	}
	return &Points{
		Cam:        cam,
		UV:         uv,
		XYZ:        xyz,
		Directions: opts.Directions,
		Correction: opts.Correction,
		camXYZ:     cam.XYZ,
		imgsz:      cam.Imgsz,
	}, nil
}

func (p *Points) Kind() Kind { return KindPoints }

func (p *Points) Size() int { return len(p.UV) }

func (p *Points) Cameras() []*photogrammetry.Camera { return []*photogrammetry.Camera{p.Cam} }

// IsStatic reports whether the camera is at its original position.
func (p *Points) IsStatic() bool { return p.Cam.XYZ == p.camXYZ }

// Observed returns the image coordinates.
func (p *Points) Observed(index []int) ([]r2.Point, error) {
	return selectPoints(p.UV, index), nil
}

// Predicted projects the world coordinates into the camera.
func (p *Points) Predicted(index []int) ([]r2.Point, error) {
	if p.Directions && !p.IsStatic() {
		return nil, ErrCameraMoved
	}
	uv, _ := p.Cam.ProjectWith(selectVectors(p.XYZ, index), p.projectOptions())
	return uv, nil
}

func (p *Points) projectOptions() photogrammetry.ProjectOptions {
	return photogrammetry.ProjectOptions{Directions: p.Directions, Correction: p.Correction}
}

func (p *Points) Resize(scale float64) error { return p.resize(byScale(scale)) }

func (p *Points) ResizeTo(size [2]float64, force bool) error {
	return p.resize(toSize(size, force))
}

func (p *Points) resize(fn resizer) error {
	if err := fn(p.Cam); err != nil {
		return err
	}
	if scale, changed := imageScale(p.Cam, p.imgsz); changed {
		p.UV = scalePoints(p.UV, scale)
		p.imgsz = p.Cam.Imgsz
	}
	return nil
}
