// Package imports reads cameras from images and from the exports of other
// photogrammetry software.
package imports

import (
	"encoding/csv"
	"encoding/xml"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"sphaeroptica.be/glimpse/photogrammetry"
)

// opencvMatrix is a matrix of an OpenCV XML storage file.
type opencvMatrix struct {
	Rows int    `xml:"rows"`
	Cols int    `xml:"cols"`
	Data string `xml:"data"`
}

func (m opencvMatrix) values() ([]float64, error) {
	fields := strings.Fields(m.Data)
	if len(fields) != m.Rows*m.Cols {
		return nil, errors.Errorf("%d values for a %dx%d matrix", len(fields), m.Rows, m.Cols)
	}
	out := make([]float64, len(fields))
	for i, s := range fields {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// intrinsicsXML is the calibration file exported by Metashape in OpenCV
// format.
type intrinsicsXML struct {
	XMLName    xml.Name     `xml:"opencv_storage"`
	Width      int          `xml:"image_Width"`
	Height     int          `xml:"image_Height"`
	Matrix     opencvMatrix `xml:"Camera_Matrix"`
	Distortion opencvMatrix `xml:"Distortion_Coefficients"`
}

// ReadIntrinsicMetashape reads a camera calibration exported by Metashape in
// OpenCV format. The camera sits at the origin looking north.
func ReadIntrinsicMetashape(path string, opts ...photogrammetry.Option) (*photogrammetry.Camera, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var in intrinsicsXML
	if err := xml.NewDecoder(f).Decode(&in); err != nil {
		return nil, errors.Wrap(err, path)
	}
	K, err := in.Matrix.values()
	if err != nil {
		return nil, errors.Wrapf(err, "%s: camera matrix", path)
	}
	if len(K) != 9 {
		return nil, errors.Errorf("%s: camera matrix is %dx%d, want 3x3", path, in.Matrix.Rows, in.Matrix.Cols)
	}
	dist, err := in.Distortion.values()
	if err != nil {
		return nil, errors.Wrapf(err, "%s: distortion coefficients", path)
	}
	if len(dist) > 8 {
		return nil, errors.Errorf("%s: %d distortion coefficients, want at most 8", path, len(dist))
	}
	// k1 k2 p1 p2 k3 k4 k5 k6
	var d [8]float64
	copy(d[:], dist)

	imgsz := [2]float64{float64(in.Width), float64(in.Height)}
	args := []photogrammetry.Option{
		photogrammetry.WithImgsz(imgsz),
		photogrammetry.WithF([2]float64{K[0], K[4]}),
		photogrammetry.WithC([2]float64{K[2] - imgsz[0]/2, K[5] - imgsz[1]/2}),
		photogrammetry.WithK([6]float64{d[0], d[1], d[4], d[5], d[6], d[7]}),
		photogrammetry.WithP([2]float64{d[2], d[3]}),
	}
	cam, err := photogrammetry.New(append(args, opts...)...)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return cam, nil
}

// flipX turns a rotation whose camera looks down -z with y up into one that
// looks down +z with y down.
func flipX(R [3][3]float64) [3][3]float64 {
	for j := 0; j < 3; j++ {
		R[1][j], R[2][j] = -R[1][j], -R[2][j]
	}
	return R
}

// ReadExtrinsicMetashape reads the camera positions and orientations
// exported by Metashape as tab-separated values:
//
//	Label X Y Z Omega Phi Kappa r11 r12 r13 r21 r22 r23 r31 r32 r33
//
// Each camera is a copy of intrinsics moved to its position and orientation,
// keyed by names[Label], or by Label if names is nil. Labels missing from a
// non-nil names are skipped.
func ReadExtrinsicMetashape(path string, intrinsics *photogrammetry.Camera, names map[string]string) (map[string]*photogrammetry.Camera, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = '\t'
	r.Comment = '#'
	r.FieldsPerRecord = -1

	cams := make(map[string]*photogrammetry.Camera)
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, path)
		}
		line, _ := r.FieldPos(0)
		if len(record) < 16 {
			return nil, errors.Errorf("%s:%d: %d columns, want 16", path, line, len(record))
		}
		name := record[0]
		if names != nil {
			var ok bool
			if name, ok = names[record[0]]; !ok {
				log.Printf("skipping camera %s: no matching image", record[0])
				continue
			}
		}
		var v [12]float64
		for i, col := range append(record[1:4:4], record[7:16]...) {
			if v[i], err = strconv.ParseFloat(strings.TrimSpace(col), 64); err != nil {
				return nil, errors.Wrapf(err, "%s:%d", path, line)
			}
		}
		R := flipX([3][3]float64{
			{v[3], v[4], v[5]},
			{v[6], v[7], v[8]},
			{v[9], v[10], v[11]},
		})
		pose := intrinsics.Copy()
		pose.XYZ = r3.Vector{X: v[0], Y: v[1], Z: v[2]}
		pose.Viewdir = photogrammetry.ViewdirFromRotation(R)
		// Copy records the pose as the original vector.
		cams[name] = pose.Copy()
	}
	return cams, nil
}

// LatitudeRange returns the lowest and highest latitude in degrees of the
// cameras on the sphere that best fits their positions.
func LatitudeRange(cams map[string]*photogrammetry.Camera) (float64, float64, error) {
	points := make([]r3.Vector, 0, len(cams))
	for _, cam := range cams {
		points = append(points, cam.XYZ)
	}
	_, center, err := photogrammetry.SphereFit(points)
	if err != nil {
		return 0, 0, err
	}
	latMin, latMax := 90.0, -90.0
	for _, p := range points {
		_, lat := photogrammetry.LongLat(p.Sub(center))
		lat = photogrammetry.Rad2Degrees(lat)
		latMin = min(latMin, lat)
		latMax = max(latMax, lat)
	}
	return latMin, latMax, nil
}
