package photogrammetry

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

func viewdirTrig(viewdir [3]float64) (c, s [3]float64) {
	for i, v := range viewdir {
		r := Degrees2Rad(v)
		c[i], s[i] = math.Cos(r), math.Sin(r)
	}
	return c, s
}

// R returns the rotation matrix from world to camera coordinates.
//
// The camera coordinate system has x right, y down and z forward.
func (c *Camera) R() [3][3]float64 {
	return RotationFromViewdir(c.Viewdir)
}

// RotationFromViewdir returns the world to camera rotation matrix for a view
// direction (yaw, pitch, roll) in degrees.
func RotationFromViewdir(viewdir [3]float64) [3][3]float64 {
	C, S := viewdirTrig(viewdir)
	return [3][3]float64{
		{C[0]*C[2] + S[0]*S[1]*S[2], C[0]*S[1]*S[2] - C[2]*S[0], -C[1] * S[2]},
		{C[2]*S[0]*S[1] - C[0]*S[2], S[0]*S[2] + C[0]*C[2]*S[1], -C[1] * C[2]},
		{C[1] * S[0], C[0] * C[1], S[1]},
	}
}

// ViewdirFromRotation returns the view direction (yaw, pitch, roll) in
// degrees of a world to camera rotation matrix.
func ViewdirFromRotation(R [3][3]float64) [3]float64 {
	pitch := math.Asin(math.Max(-1, math.Min(1, R[2][2])))
	yaw := math.Atan2(R[2][0], R[2][1])
	roll := math.Atan2(-R[0][2], -R[1][2])
	return [3]float64{Rad2Degrees(yaw), Rad2Degrees(pitch), Rad2Degrees(roll)}
}

// RotationMatrix returns R as a dense matrix.
func (c *Camera) RotationMatrix() *mat.Dense {
	R := c.R()
	return mat.NewDense(3, 3, []float64{
		R[0][0], R[0][1], R[0][2],
		R[1][0], R[1][1], R[1][2],
		R[2][0], R[2][1], R[2][2],
	})
}

// RPrime returns the derivatives of the camera to world rotation (the
// transpose of R) with respect to yaw, pitch and roll, per degree.
//
// RPrime()[a] is d(R^T)/d(viewdir[a]).
func (c *Camera) RPrime() [3][3][3]float64 {
	C, S := viewdirTrig(c.Viewdir)
	k := math.Pi / 180
	dyaw := [3][3]float64{
		{C[0]*S[1]*S[2] - S[0]*C[2], S[0]*S[2] + C[0]*S[1]*C[2], C[0] * C[1]},
		{-S[0]*S[1]*S[2] - C[0]*C[2], C[0]*S[2] - S[0]*S[1]*C[2], -S[0] * C[1]},
		{0, 0, 0},
	}
	dpitch := [3][3]float64{
		{S[0] * C[1] * S[2], S[0] * C[1] * C[2], -S[0] * S[1]},
		{C[0] * C[1] * S[2], C[0] * C[1] * C[2], -C[0] * S[1]},
		{S[1] * S[2], S[1] * C[2], C[1]},
	}
	droll := [3][3]float64{
		{S[0]*S[1]*C[2] - C[0]*S[2], -S[0]*S[1]*S[2] - C[0]*C[2], 0},
		{S[0]*S[2] + C[0]*S[1]*C[2], S[0]*C[2] - C[0]*S[1]*S[2], 0},
		{-C[1] * C[2], C[1] * S[2], 0},
	}
	var out [3][3][3]float64
	for a, d := range [3][3][3]float64{dyaw, dpitch, droll} {
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				out[a][i][j] = d[i][j] * k
			}
		}
	}
	return out
}

func mulR(R [3][3]float64, v [3]float64) [3]float64 {
	return [3]float64{
		R[0][0]*v[0] + R[0][1]*v[1] + R[0][2]*v[2],
		R[1][0]*v[0] + R[1][1]*v[1] + R[1][2]*v[2],
		R[2][0]*v[0] + R[2][1]*v[1] + R[2][2]*v[2],
	}
}

func mulRT(R [3][3]float64, v [3]float64) [3]float64 {
	return [3]float64{
		R[0][0]*v[0] + R[1][0]*v[1] + R[2][0]*v[2],
		R[0][1]*v[0] + R[1][1]*v[1] + R[2][1]*v[2],
		R[0][2]*v[0] + R[1][2]*v[1] + R[2][2]*v[2],
	}
}
