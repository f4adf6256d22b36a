package photogrammetry

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

func scaleHomogeneousPoint(point mat.Vector) mat.Vector {
	var vector mat.VecDense
	vector.ScaleVec(1/point.AtVec(point.Len()-1), point)
	return &vector
}

// Extrinsics returns the 3x4 world to camera matrix [R | -R xyz].
func (c *Camera) Extrinsics() *mat.Dense {
	R := c.R()
	t := mulR(R, [3]float64{-c.XYZ.X, -c.XYZ.Y, -c.XYZ.Z})
	return mat.NewDense(3, 4, []float64{
		R[0][0], R[0][1], R[0][2], t[0],
		R[1][0], R[1][1], R[1][2], t[1],
		R[2][0], R[2][1], R[2][2], t[2],
	})
}

// ProjectionMatrix returns the 3x4 projection matrix of an ideal camera
// with the intrinsics of c.
func ProjectionMatrix(c *Camera) *mat.Dense {
	var projMat mat.Dense
	projMat.Mul(c.CameraMatrix(), c.Extrinsics())
	return &projMat
}

// Triangulate returns the world point that best fits the image points
// observed by each camera, by linear triangulation of the undistorted
// observations.
func Triangulate(cams []*Camera, uv []r2.Point) (r3.Vector, error) {
	if len(cams) != len(uv) {
		return r3.Vector{}, errors.Errorf("%d cameras for %d points", len(cams), len(uv))
	}
	if len(cams) < 2 {
		return r3.Vector{}, errors.New("at least two views are required")
	}
	A := mat.NewDense(2*len(cams), 4, nil)
	for i, cam := range cams {
		xy := cam.ImageToCamera(uv[i : i+1])[0]
		if math.IsNaN(xy.X) || math.IsNaN(xy.Y) {
			return r3.Vector{}, errors.Errorf("point %d cannot be undistorted", i)
		}
		projMat := cam.Extrinsics()
		row1 := mat.NewVecDense(4, nil)
		row1.ScaleVec(xy.Y, projMat.RowView(2))
		row1.SubVec(row1, projMat.RowView(1))
		row2 := mat.NewVecDense(4, nil)
		row2.ScaleVec(xy.X, projMat.RowView(2))
		row2.SubVec(projMat.RowView(0), row2)
		A.SetRow(2*i, row1.RawVector().Data)
		A.SetRow(2*i+1, row2.RawVector().Data)
	}
	var svd mat.SVD
	if ok := svd.Factorize(A, mat.SVDThin); !ok {
		return r3.Vector{}, errors.New("failed to factorize A")
	}
	var V mat.Dense
	svd.VTo(&V)
	X := scaleHomogeneousPoint(V.ColView(3))
	return r3.Vector{X: X.AtVec(0), Y: X.AtVec(1), Z: X.AtVec(2)}, nil
}

// SphereFit fits a sphere to points by linear least squares and returns its
// radius and center. Method by Charles Jekel.
func SphereFit(points []r3.Vector) (float64, r3.Vector, error) {
	if len(points) < 4 {
		return 0, r3.Vector{}, errors.New("at least four points are required")
	}
	A := mat.NewDense(len(points), 4, nil)
	b := mat.NewVecDense(len(points), nil)
	for i, p := range points {
		A.SetRow(i, []float64{2 * p.X, 2 * p.Y, 2 * p.Z, 1})
		b.SetVec(i, p.Norm2())
	}
	var svd mat.SVD
	if ok := svd.Factorize(A, mat.SVDThin); !ok {
		return 0, r3.Vector{}, errors.New("failed to factorize A")
	}
	var center mat.VecDense
	svd.SolveVecTo(&center, b, svd.Rank(1e-12))
	c := r3.Vector{X: center.AtVec(0), Y: center.AtVec(1), Z: center.AtVec(2)}
	t := c.Norm2() + center.AtVec(3)
	return math.Sqrt(t), c, nil
}
