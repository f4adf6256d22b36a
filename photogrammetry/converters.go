package photogrammetry

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// FormatMatrixPrint formats a matrix for logging.
func FormatMatrixPrint(matrix mat.Matrix) fmt.Formatter {
	return mat.Formatted(matrix, mat.Prefix("    "), mat.Squeeze())
}

func Degrees2Rad(deg float64) float64 {
	return deg * math.Pi / 180
}

func Rad2Degrees(rad float64) float64 {
	return rad * 180 / math.Pi
}

// CameraWorldCoordinates returns the camera center -R^T t of an extrinsic
// rotation and translation.
func CameraWorldCoordinates(rotation mat.Matrix, trans mat.Vector) r3.Vector {
	var coordinates mat.VecDense
	coordinates.MulVec(rotation.T(), trans)
	coordinates.ScaleVec(-1, &coordinates)
	return r3.Vector{X: coordinates.AtVec(0), Y: coordinates.AtVec(1), Z: coordinates.AtVec(2)}
}

// LongLat returns the longitude and latitude in radians of a vector from
// the origin.
func LongLat(v r3.Vector) (float64, float64) {
	v = v.Normalize()
	latitude := math.Atan2(v.Z, math.Sqrt(v.X*v.X+v.Y*v.Y))
	longitude := math.Atan2(v.Y, v.X)
	return longitude, latitude
}
