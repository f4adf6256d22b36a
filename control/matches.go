package control

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"sphaeroptica.be/glimpse/photogrammetry"
)

type pair struct {
	Cams [2]*photogrammetry.Camera
}

func newPair(cams [2]*photogrammetry.Camera, n0, n1 int) (pair, error) {
	if cams[0] == cams[1] {
		return pair{}, ErrSameCamera
	}
	if n0 != n1 {
		return pair{}, errors.Wrapf(ErrShapeMismatch, "%d and %d points", n0, n1)
	}
	return pair{Cams: cams}, nil
}

func (p *pair) Cameras() []*photogrammetry.Camera { return p.Cams[:] }

// IsStatic reports whether both cameras are at the same position.
func (p *pair) IsStatic() bool { return p.Cams[0].XYZ == p.Cams[1].XYZ }

// CameraIndex returns the position of cam in the pair.
func (p *pair) CameraIndex(cam *photogrammetry.Camera) (int, error) {
	for i, c := range p.Cams {
		if c == cam {
			return i, nil
		}
	}
	return -1, errors.New("camera is not part of the pair")
}

func checkIndex(cam int) error {
	if cam != 0 && cam != 1 {
		return errors.Errorf("camera index %d out of range", cam)
	}
	return nil
}

// Matches are image points matched between two cameras.
//
// The image coordinates of one camera are projected into the other camera
// and compared to the coordinates observed there. Both cameras must be at
// the same position.
type Matches struct {
	pair
	UVs [2][]r2.Point
	// Weights, if not nil, is the relative weight of each point pair.
	Weights []float64

	imgszs [2][2]float64
}

// NewMatches returns point matches between two cameras. weights may be nil.
func NewMatches(cams [2]*photogrammetry.Camera, uvs [2][]r2.Point, weights []float64) (*Matches, error) {
	p, err := newPair(cams, len(uvs[0]), len(uvs[1]))
	if err != nil {
		return nil, err
	}
	if weights != nil && len(weights) != len(uvs[0]) {
		return nil, errors.Wrapf(ErrShapeMismatch, "%d weights for %d points", len(weights), len(uvs[0]))
	}
	return &Matches{
		pair:    p,
		UVs:     uvs,
		Weights: weights,
		imgszs:  [2][2]float64{cams[0].Imgsz, cams[1].Imgsz},
	}, nil
}

func (m *Matches) Kind() Kind { return KindMatches }

func (m *Matches) Size() int { return len(m.UVs[0]) }

func (m *Matches) ObservationWeights() []float64 { return m.Weights }

// Observed returns the image coordinates in the first camera.
func (m *Matches) Observed(index []int) ([]r2.Point, error) { return m.ObservedIn(index, 0) }

// ObservedIn returns the image coordinates in camera cam (0 or 1).
func (m *Matches) ObservedIn(index []int, cam int) ([]r2.Point, error) {
	if err := checkIndex(cam); err != nil {
		return nil, err
	}
	return selectPoints(m.UVs[cam], index), nil
}

// Predicted projects the points of the second camera into the first.
func (m *Matches) Predicted(index []int) ([]r2.Point, error) { return m.PredictedIn(index, 0) }

// PredictedIn projects the points of the other camera into camera cam.
func (m *Matches) PredictedIn(index []int, cam int) ([]r2.Point, error) {
	if err := checkIndex(cam); err != nil {
		return nil, err
	}
	if !m.IsStatic() {
		return nil, ErrCamerasApart
	}
	from := 1 - cam
	dxyz := m.Cams[from].InvProject(selectPoints(m.UVs[from], index), true, nil)
	return m.Cams[cam].Project(dxyz, true), nil
}

// AsType returns the matches as another variant of matches.
func (m *Matches) AsType(kind Kind) (Set, error) {
	if kind == KindMatches {
		return m, nil
	}
	return newRotationKind(kind, m.Cams, m.UVs, [2][]r2.Point{})
}

func (m *Matches) Resize(scale float64) error { return m.resize(byScale(scale)) }

func (m *Matches) ResizeTo(size [2]float64, force bool) error {
	return m.resize(toSize(size, force))
}

func (m *Matches) resize(fn resizer) error {
	for i, cam := range m.Cams {
		if err := fn(cam); err != nil {
			return err
		}
		if scale, changed := imageScale(cam, m.imgszs[i]); changed {
			m.UVs[i] = scalePoints(m.UVs[i], scale)
			m.imgszs[i] = cam.Imgsz
		}
	}
	return nil
}

// internals are the camera parameters after position and view direction.
type internals [photogrammetry.VectorLen - photogrammetry.OffsetImgsz]float64

func internalsOf(cam *photogrammetry.Camera) internals {
	var in internals
	v := cam.Vector()
	copy(in[:], v[photogrammetry.OffsetImgsz:])
	return in
}

// rotationPair holds matches between cameras separated only by a rotation.
// Normalized camera coordinates are computed once, so the cameras must stay
// at the same position and keep the internal parameters they had when the
// matches were built.
type rotationPair struct {
	pair
	// UVs are the image coordinates. They may be nil for the XY and XYZ variants.
	UVs [2][]r2.Point
	// XYs are the normalized camera coordinates.
	XYs [2][]r2.Point

	original internals
}

func newRotationPair(cams [2]*photogrammetry.Camera, uvs, xys [2][]r2.Point) (rotationPair, error) {
	if xys[0] == nil && xys[1] == nil {
		xys = [2][]r2.Point{cams[0].ImageToCamera(uvs[0]), cams[1].ImageToCamera(uvs[1])}
	}
	p, err := newPair(cams, len(xys[0]), len(xys[1]))
	if err != nil {
		return rotationPair{}, err
	}
	if uvs[0] != nil && len(uvs[0]) != len(xys[0]) || uvs[1] != nil && len(uvs[1]) != len(xys[1]) {
		return rotationPair{}, errors.Wrap(ErrShapeMismatch, "image and camera coordinates")
	}
	original := internalsOf(cams[0])
	if internalsOf(cams[1]) != original {
		return rotationPair{}, ErrInternalsDiffer
	}
	return rotationPair{pair: p, UVs: uvs, XYs: xys, original: original}, nil
}

func newRotationKind(kind Kind, cams [2]*photogrammetry.Camera, uvs, xys [2][]r2.Point) (Set, error) {
	switch kind {
	case KindMatches:
		if uvs[0] == nil && uvs[1] == nil {
			uvs = [2][]r2.Point{cams[0].CameraToImage(xys[0]), cams[1].CameraToImage(xys[1])}
		}
		return NewMatches(cams, uvs, nil)
	case KindRotationMatches:
		if uvs[0] == nil && uvs[1] == nil {
			uvs = [2][]r2.Point{cams[0].CameraToImage(xys[0]), cams[1].CameraToImage(xys[1])}
		}
		r, err := newRotationPair(cams, uvs, xys)
		if err != nil {
			return nil, err
		}
		return &RotationMatches{r}, nil
	case KindRotationMatchesXY:
		r, err := newRotationPair(cams, uvs, xys)
		if err != nil {
			return nil, err
		}
		return &RotationMatchesXY{r}, nil
	case KindRotationMatchesXYZ:
		r, err := newRotationPair(cams, uvs, xys)
		if err != nil {
			return nil, err
		}
		return &RotationMatchesXYZ{r}, nil
	}
	return nil, errors.Wrapf(ErrUnsupported, "conversion to %s", kind)
}

func (r *rotationPair) Size() int { return len(r.XYs[0]) }

// IsOriginalInternals reports whether the internal parameters of both
// cameras are unchanged.
func (r *rotationPair) IsOriginalInternals() bool {
	return internalsOf(r.Cams[0]) == r.original && internalsOf(r.Cams[1]) == r.original
}

func (r *rotationPair) check(cam int) error {
	if err := checkIndex(cam); err != nil {
		return err
	}
	if !r.IsStatic() {
		return ErrCamerasApart
	}
	if !r.IsOriginalInternals() {
		return ErrInternalsChanged
	}
	return nil
}

// directions returns the world ray directions of the points of camera cam.
func (r *rotationPair) directions(index []int, cam int) []r3.Vector {
	return r.Cams[cam].CameraToWorld(selectPoints(r.XYs[cam], index), true, nil)
}

func (r *rotationPair) asType(kind Kind) (Set, error) {
	return newRotationKind(kind, r.Cams, r.UVs, r.XYs)
}

// Resizing would change the internal parameters the normalized coordinates
// were computed with.
func (r *rotationPair) Resize(float64) error { return errors.Wrap(ErrUnsupported, "resize rotation matches") }

func (r *rotationPair) ResizeTo([2]float64, bool) error {
	return errors.Wrap(ErrUnsupported, "resize rotation matches")
}

// RotationMatches are Matches between cameras separated only by a rotation.
type RotationMatches struct {
	rotationPair
}

// NewRotationMatches returns rotation matches from image coordinates.
func NewRotationMatches(cams [2]*photogrammetry.Camera, uvs [2][]r2.Point) (*RotationMatches, error) {
	r, err := newRotationPair(cams, uvs, [2][]r2.Point{})
	if err != nil {
		return nil, err
	}
	return &RotationMatches{r}, nil
}

func (m *RotationMatches) Kind() Kind { return KindRotationMatches }

func (m *RotationMatches) Observed(index []int) ([]r2.Point, error) { return m.ObservedIn(index, 0) }

// ObservedIn returns the image coordinates in camera cam.
func (m *RotationMatches) ObservedIn(index []int, cam int) ([]r2.Point, error) {
	if err := checkIndex(cam); err != nil {
		return nil, err
	}
	return selectPoints(m.UVs[cam], index), nil
}

func (m *RotationMatches) Predicted(index []int) ([]r2.Point, error) { return m.PredictedIn(index, 0) }

// PredictedIn projects the points of the other camera into camera cam.
func (m *RotationMatches) PredictedIn(index []int, cam int) ([]r2.Point, error) {
	if err := m.check(cam); err != nil {
		return nil, err
	}
	return m.Cams[cam].Project(m.directions(index, 1-cam), true), nil
}

func (m *RotationMatches) AsType(kind Kind) (Set, error) {
	if kind == KindRotationMatches {
		return m, nil
	}
	return m.asType(kind)
}

// RotationMatchesXY are RotationMatches observed and predicted in
// normalized camera coordinates rather than pixels.
type RotationMatchesXY struct {
	rotationPair
}

// NewRotationMatchesXY returns rotation matches from image coordinates.
// Only the normalized coordinates are kept.
func NewRotationMatchesXY(cams [2]*photogrammetry.Camera, uvs [2][]r2.Point) (*RotationMatchesXY, error) {
	xys := [2][]r2.Point{cams[0].ImageToCamera(uvs[0]), cams[1].ImageToCamera(uvs[1])}
	r, err := newRotationPair(cams, [2][]r2.Point{}, xys)
	if err != nil {
		return nil, err
	}
	return &RotationMatchesXY{r}, nil
}

func (m *RotationMatchesXY) Kind() Kind { return KindRotationMatchesXY }

func (m *RotationMatchesXY) Observed(index []int) ([]r2.Point, error) { return m.ObservedIn(index, 0) }

// ObservedIn returns the normalized coordinates in camera cam.
func (m *RotationMatchesXY) ObservedIn(index []int, cam int) ([]r2.Point, error) {
	if err := checkIndex(cam); err != nil {
		return nil, err
	}
	return selectPoints(m.XYs[cam], index), nil
}

func (m *RotationMatchesXY) Predicted(index []int) ([]r2.Point, error) { return m.PredictedIn(index, 0) }

// PredictedIn projects the points of the other camera into the normalized
// coordinates of camera cam.
func (m *RotationMatchesXY) PredictedIn(index []int, cam int) ([]r2.Point, error) {
	if err := m.check(cam); err != nil {
		return nil, err
	}
	xy, _ := m.Cams[cam].WorldToCamera(m.directions(index, 1-cam), photogrammetry.ProjectOptions{Directions: true})
	return xy, nil
}

func (m *RotationMatchesXY) AsType(kind Kind) (Set, error) {
	if kind == KindRotationMatchesXY {
		return m, nil
	}
	return m.asType(kind)
}

// RotationMatchesXYZ predict the world ray directions of the points of each
// camera. They have no observations and only serve rotation-only fits.
type RotationMatchesXYZ struct {
	rotationPair
}

// NewRotationMatchesXYZ returns rotation matches from image coordinates.
// Only the normalized coordinates are kept.
func NewRotationMatchesXYZ(cams [2]*photogrammetry.Camera, uvs [2][]r2.Point) (*RotationMatchesXYZ, error) {
	xys := [2][]r2.Point{cams[0].ImageToCamera(uvs[0]), cams[1].ImageToCamera(uvs[1])}
	r, err := newRotationPair(cams, [2][]r2.Point{}, xys)
	if err != nil {
		return nil, err
	}
	return &RotationMatchesXYZ{r}, nil
}

func (m *RotationMatchesXYZ) Kind() Kind { return KindRotationMatchesXYZ }

func (m *RotationMatchesXYZ) Observed([]int) ([]r3.Vector, error) {
	return nil, errors.Wrap(ErrUnsupported, "observed rotation matches xyz")
}

func (m *RotationMatchesXYZ) Predicted(index []int) ([]r3.Vector, error) {
	return m.PredictedIn(index, 0)
}

// PredictedIn returns the unit world ray directions of the points of
// camera cam.
func (m *RotationMatchesXYZ) PredictedIn(index []int, cam int) ([]r3.Vector, error) {
	if err := m.check(cam); err != nil {
		return nil, err
	}
	d := m.directions(index, cam)
	for i := range d {
		d[i] = d[i].Normalize()
	}
	return d, nil
}

func (m *RotationMatchesXYZ) AsType(kind Kind) (Set, error) {
	if kind == KindRotationMatchesXYZ {
		return m, nil
	}
	return m.asType(kind)
}
