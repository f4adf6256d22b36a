package control

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"sphaeroptica.be/glimpse/photogrammetry"
)

// Lines are image lines believed to overlap world lines.
//
// Image lines are interpolated to a single list of image points. World
// lines are projected into the camera, and the nearest point along any of
// them is matched to each image point.
type Lines struct {
	Cam *photogrammetry.Camera
	// UVs are the image line vertices.
	UVs [][]r2.Point
	// XYZs are the world line vertices, as absolute coordinates or as ray
	// directions if Directions is set.
	XYZs       [][]r3.Vector
	Directions bool
	Correction *photogrammetry.Correction
	// Step is the distance between image points interpolated from UVs, or 0
	// to use the vertices as they are.
	Step float64

	uvi    []r2.Point
	camXYZ r3.Vector
	imgsz  [2]float64
}

// NewLines returns image-world line correspondences for cam.
func NewLines(cam *photogrammetry.Camera, uvs [][]r2.Point, xyzs [][]r3.Vector, opts photogrammetry.ProjectOptions, step float64) *Lines {
	l := &Lines{
		Cam:        cam,
		UVs:        uvs,
		XYZs:       xyzs,
		Directions: opts.Directions,
		Correction: opts.Correction,
		Step:       step,
		camXYZ:     cam.XYZ,
		imgsz:      cam.Imgsz,
	}
	l.interpolate()
	return l
}

func (l *Lines) interpolate() {
	l.uvi = l.uvi[:0]
	for _, uv := range l.UVs {
		if l.Step > 0 {
			uv = interpolatePolyline(uv, l.Step)
		}
		l.uvi = append(l.uvi, uv...)
	}
}

func (l *Lines) Kind() Kind { return KindLines }

// Size is the number of interpolated image points.
func (l *Lines) Size() int { return len(l.uvi) }

func (l *Lines) Cameras() []*photogrammetry.Camera { return []*photogrammetry.Camera{l.Cam} }

func (l *Lines) IsStatic() bool { return l.Cam.XYZ == l.camXYZ }

// Observed returns the interpolated image points.
func (l *Lines) Observed(index []int) ([]r2.Point, error) {
	return selectPoints(l.uvi, index), nil
}

// Project projects the world lines into the image.
//
// Lines are split where they pass behind the camera, clipped to the
// undistorted field of view so that strong distortion cannot fold distant
// parts back into the frame, and interpolated to about one pixel. If no
// line survives clipping, the vertices in front of the camera are
// projected instead.
func (l *Lines) Project() ([][]r2.Point, error) {
	if l.Directions && !l.IsStatic() {
		return nil, ErrCameraMoved
	}
	cam := l.Cam
	step := 1 / cam.MeanF()
	box := l.viewBox()
	opts := photogrammetry.ProjectOptions{Directions: l.Directions, Correction: l.Correction}
	var puvs, infront [][]r2.Point
	for _, xyz := range l.XYZs {
		xy, _ := cam.WorldToCamera(xyz, opts)
		for _, line := range splitNaN(xy) {
			infront = append(infront, line)
			for _, clipped := range clipPolyline(line, box) {
				puvs = append(puvs, cam.CameraToImage(interpolatePolyline(clipped, step)))
			}
		}
	}
	if len(puvs) > 0 {
		return puvs, nil
	}
	for _, line := range infront {
		puvs = append(puvs, cam.CameraToImage(line))
	}
	return puvs, nil
}

// viewBox returns the bounding box of the image frame in undistorted camera
// coordinates.
func (l *Lines) viewBox() r2.Rect {
	cam := l.Cam
	edges := cam.ImageToCamera(cam.Edges([2]float64{cam.Imgsz[0] / 2, cam.Imgsz[1] / 2}))
	box := r2.EmptyRect()
	for _, p := range edges {
		if !isNaN(p) {
			box = box.AddPoint(p)
		}
	}
	return box
}

// Predicted returns, for each image point, the nearest point on the
// projected world lines. Ties go to the first projected point.
func (l *Lines) Predicted(index []int) ([]r2.Point, error) {
	lines, err := l.Project()
	if err != nil {
		return nil, err
	}
	var puv []r2.Point
	for _, line := range lines {
		puv = append(puv, line...)
	}
	tree := photogrammetry.NewPointIndex(puv)
	observed := selectPoints(l.uvi, index)
	out := make([]r2.Point, len(observed))
	for i, p := range observed {
		j, _ := tree.Nearest(p)
		if j < 0 {
			out[i] = r2.Point{X: math.NaN(), Y: math.NaN()}
			continue
		}
		out[i] = puv[j]
	}
	return out, nil
}

func (l *Lines) Resize(scale float64) error { return l.resize(byScale(scale)) }

func (l *Lines) ResizeTo(size [2]float64, force bool) error {
	return l.resize(toSize(size, force))
}

func (l *Lines) resize(fn resizer) error {
	if err := fn(l.Cam); err != nil {
		return err
	}
	scale, changed := imageScale(l.Cam, l.imgsz)
	if !changed {
		return nil
	}
	for i, uv := range l.UVs {
		l.UVs[i] = scalePoints(uv, scale)
	}
	l.uvi = scalePoints(l.uvi, scale)
	l.imgsz = l.Cam.Imgsz
	return nil
}
