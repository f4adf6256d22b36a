package main

import (
	"time"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"sphaeroptica.be/glimpse/control"
	"sphaeroptica.be/glimpse/optimize"
	"sphaeroptica.be/glimpse/photogrammetry"
)

// project is a set of images and their cameras, keyed by image file name.
type project struct {
	// Images and Thumbnails are directories relative to the project file.
	Images     string                            `json:"images,omitempty"`
	Thumbnails string                            `json:"thumbnails,omitempty"`
	Cameras    map[string]*photogrammetry.Camera `json:"cameras"`
	// Times override the capture times read from the images.
	Times map[string]time.Time `json:"times,omitempty"`
	// Points are ground control points observed in the images.
	Points []PointsJSON `json:"points,omitempty"`
	// Matches is the directory of keypoint match files of the images.
	Matches string `json:"matches,omitempty"`
}

// PointsJSON are image points of one image matched to world points.
type PointsJSON struct {
	Image      string       `json:"image"`
	UV         [][2]float64 `json:"uv"`
	XYZ        [][3]float64 `json:"xyz"`
	Directions bool         `json:"directions,omitempty"`
}

func (p PointsJSON) control(cam *photogrammetry.Camera) (*control.Points, error) {
	uv := make([]r2.Point, len(p.UV))
	for i, v := range p.UV {
		uv[i] = r2.Point{X: v[0], Y: v[1]}
	}
	xyz := make([]r3.Vector, len(p.XYZ))
	for i, v := range p.XYZ {
		xyz[i] = r3.Vector{X: v[0], Y: v[1], Z: v[2]}
	}
	pts, err := control.NewPoints(cam, uv, xyz, photogrammetry.ProjectOptions{Directions: p.Directions})
	if err != nil {
		return nil, errors.Wrap(err, p.Image)
	}
	return pts, nil
}

type Pos struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Coordinates struct {
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
}

type VirtualCameraImage struct {
	Name        string      `json:"name"`
	FullImage   string      `json:"fullImage"`
	Thumbnail   string      `json:"thumbnail"`
	Coordinates Coordinates `json:"coordinates"`
}

type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type CameraViewer struct {
	Images     []VirtualCameraImage `json:"images"`
	Size       Size                 `json:"size"`
	Thumbnails bool                 `json:"thumbnails"`
}

// CalibrationReport summarizes a camera fit.
type CalibrationReport struct {
	Success   bool              `json:"success"`
	Message   string            `json:"message,omitempty"`
	NFev      int               `json:"nfev"`
	MeanError float64           `json:"mean_error"`
	Criteria  optimize.Criteria `json:"criteria"`
	Inliers   []int             `json:"inliers,omitempty"`
	Labels    []string          `json:"labels"`
	Values    []float64         `json:"values,omitempty"`
}

// OrientReport summarizes the orientation of cameras from matches.
type OrientReport struct {
	Pairs    int                   `json:"pairs"`
	Success  bool                  `json:"success"`
	Message  string                `json:"message,omitempty"`
	F        float64               `json:"f"`
	Viewdirs map[string][3]float64 `json:"viewdirs"`
}
