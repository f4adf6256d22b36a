package photogrammetry

import (
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func normalizedGrid(lim float64, n int) []r2.Point {
	var xy []r2.Point
	for _, x := range linspace(-lim, lim, n) {
		for _, y := range linspace(-lim, lim, n) {
			xy = append(xy, r2.Point{X: x, Y: y})
		}
	}
	return xy
}

func TestDistortNoop(t *testing.T) {
	cam := mustCamera(t)
	xy := normalizedGrid(0.5, 5)
	assert.Equal(t, xy, cam.Distort(xy))
	assert.Equal(t, xy, cam.Undistort(xy))
}

func TestDistortFormula(t *testing.T) {
	cam := mustCamera(t,
		WithK([6]float64{0.1, 0.01, 0.001, 0.02, 0.002, 0.0002}),
		WithP([2]float64{0.003, -0.004}),
	)
	x, y := 0.3, -0.2
	rr := x*x + y*y
	dr := (1 + 0.1*rr + 0.01*rr*rr + 0.001*rr*rr*rr) / (1 + 0.02*rr + 0.002*rr*rr + 0.0002*rr*rr*rr)
	dtx := 2*x*y*0.003 + -0.004*(rr+2*x*x)
	dty := 0.003*(rr+2*y*y) + 2*x*y*-0.004
	got := cam.Distort([]r2.Point{{X: x, Y: y}})
	assert.InDelta(t, x*dr+dtx, got[0].X, 1e-14)
	assert.InDelta(t, y*dr+dty, got[0].Y, 1e-14)
}

func TestUndistortK1MatchesOulu(t *testing.T) {
	for _, k := range []float64{0.1, -0.1, 0.3} {
		cam := mustCamera(t, WithK([6]float64{k}))
		xy := normalizedGrid(0.5, 11)
		closed := cam.undistortK1(xy)
		iterative := cam.undistortOulu(xy, 50, 0)
		assertPointsInDelta(t, iterative, closed, 1e-9)
		assertPointsInDelta(t, xy, cam.Distort(closed), 1e-12)
	}
}

func TestUndistortDispatchK1(t *testing.T) {
	cam := mustCamera(t, WithK([6]float64{0.2}), WithUndistort(UndistortOptions{Method: Lookup}))
	xy := normalizedGrid(0.4, 5)
	// Closed form is used regardless of the configured method.
	assert.Equal(t, cam.undistortK1(xy), cam.Undistort(xy))
}

func TestUndistortMethods(t *testing.T) {
	undistorted := normalizedGrid(0.4, 9)
	tests := []struct {
		name  string
		opts  UndistortOptions
		delta float64
	}{
		{"oulu", UndistortOptions{}, 1e-9},
		{"oulu with tolerance", UndistortOptions{Method: Oulu, Tolerance: 1e-6}, 1e-7},
		{"regula falsi", UndistortOptions{Method: RegulaFalsi}, 1e-9},
		{"regula falsi with tolerance", UndistortOptions{Method: RegulaFalsi, Tolerance: 1e-6}, 1e-6},
		{"lookup", UndistortOptions{Method: Lookup}, 1e-3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cam := mustCamera(t,
				WithK([6]float64{0.1, 0.05, 0, 0, 0, 0}),
				WithP([2]float64{0.001, -0.001}),
				WithUndistort(tt.opts),
			)
			distorted := cam.Distort(undistorted)
			assertPointsInDelta(t, undistorted, cam.Undistort(distorted), tt.delta)
		})
	}
}

func TestUndistortRegulaFalsiRadialAxes(t *testing.T) {
	cam := mustCamera(t,
		WithK([6]float64{0.1, 0.05}),
		WithUndistort(UndistortOptions{Method: RegulaFalsi}),
	)
	// Points on the axes have one coordinate with no distortion at all.
	undistorted := []r2.Point{{X: 0, Y: 0.3}, {X: -0.35, Y: 0}, {X: 0, Y: 0}}
	assertPointsInDelta(t, undistorted, cam.Undistort(cam.Distort(undistorted)), 1e-9)
}

func TestUndistortLookupOutside(t *testing.T) {
	cam := mustCamera(t, WithK([6]float64{0.1, 0.05}), WithUndistort(UndistortOptions{Method: Lookup}))
	got := cam.Undistort([]r2.Point{{X: 10, Y: 10}, {X: math.NaN(), Y: 0}})
	for _, p := range got {
		assert.True(t, math.IsNaN(p.X))
		assert.True(t, math.IsNaN(p.Y))
	}
}

func TestUndistortTangentialOnly(t *testing.T) {
	cam := mustCamera(t, WithP([2]float64{0.002, 0.001}))
	xy := normalizedGrid(0.4, 5)
	assertPointsInDelta(t, xy, cam.Undistort(cam.Distort(xy)), 1e-9)
}

func TestReversible(t *testing.T) {
	assert.True(t, mustCamera(t).Reversible())
	assert.True(t, mustCamera(t, WithK([6]float64{0.1})).Reversible())
	assert.False(t, mustCamera(t, WithK([6]float64{-10})).Reversible())
}

func TestRotation(t *testing.T) {
	viewdir := [3]float64{35, -20, 10}
	cam := mustCamera(t, WithViewdir(viewdir))
	R := cam.R()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var dot float64
			for k := 0; k < 3; k++ {
				dot += R[i][k] * R[j][k]
			}
			want := 0.0
			if i == j {
				want = 1
			}
			assert.InDelta(t, want, dot, 1e-12)
		}
	}
	got := ViewdirFromRotation(R)
	assert.InDeltaSlice(t, viewdir[:], got[:], 1e-9)

	m := cam.RotationMatrix()
	assert.Equal(t, R[1][2], m.At(1, 2))
}

func TestRPrime(t *testing.T) {
	cam := mustCamera(t, WithViewdir([3]float64{35, -20, 10}))
	prime := cam.RPrime()
	const h = 1e-6
	for a := 0; a < 3; a++ {
		plus, minus := cam.Viewdir, cam.Viewdir
		plus[a] += h
		minus[a] -= h
		Rp, Rm := RotationFromViewdir(plus), RotationFromViewdir(minus)
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				// Derivative of the transpose.
				want := (Rp[j][i] - Rm[j][i]) / (2 * h)
				require.InDelta(t, want, prime[a][i][j], 1e-8, "a=%d i=%d j=%d", a, i, j)
			}
		}
	}
}

func TestLinspace(t *testing.T) {
	assert.Equal(t, []float64{0, 0.5, 1}, linspace(0, 1, 3))
	assert.Equal(t, []float64{2}, linspace(2, 3, 1))
	assert.Nil(t, linspace(0, 1, 0))
}
