package optimize

import (
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sphaeroptica.be/glimpse/control"
	"sphaeroptica.be/glimpse/photogrammetry"
)

// observer returns two cameras at the same position and matches between
// them, with the second camera turned away from the orientation the matches
// were taken at.
func observer(t *testing.T) (*ObserverCameras, [3]float64) {
	t.Helper()
	truth := [3]float64{4, -2, 1}
	a := mustCamera(t, photogrammetry.WithXYZ(r3.Vector{X: 1, Y: 2, Z: 3}))
	b := mustCamera(t,
		photogrammetry.WithXYZ(r3.Vector{X: 1, Y: 2, Z: 3}),
		photogrammetry.WithViewdir(truth),
	)
	var d []r3.Vector
	for x := -0.2; x <= 0.2; x += 0.1 {
		for z := -0.2; z <= 0.2; z += 0.1 {
			d = append(d, r3.Vector{X: x, Y: 1, Z: z})
		}
	}
	m, err := control.NewRotationMatchesXYZ([2]*photogrammetry.Camera{a, b},
		[2][]r2.Point{a.Project(d, true), b.Project(d, true)})
	require.NoError(t, err)
	b.Viewdir = [3]float64{5, -1, 0}
	o, err := NewObserverCameras([]*photogrammetry.Camera{a, b}, []*control.RotationMatchesXYZ{m}, nil)
	require.NoError(t, err)
	return o, truth
}

func TestObserverGradient(t *testing.T) {
	o, _ := observer(t)
	assert.Equal(t, []int{0}, o.Anchors)
	x := []float64{0.5, 0.3, -0.2, 3, -1.5, 2}
	grad := make([]float64, len(x))
	_, err := o.objective(x, grad, 10)
	require.NoError(t, err)

	const h = 1e-6
	scratch := make([]float64, len(x))
	for i := range x {
		xp := append([]float64(nil), x...)
		xm := append([]float64(nil), x...)
		xp[i] += h
		xm[i] -= h
		fp, err := o.objective(xp, scratch, 10)
		require.NoError(t, err)
		fm, err := o.objective(xm, scratch, 10)
		require.NoError(t, err)
		fd := (fp - fm) / (2 * h)
		assert.InDelta(t, fd, grad[i], 1e-4*math.Max(1, math.Abs(fd)), "d/dx[%d]", i)
	}
}

func TestObserverFit(t *testing.T) {
	o, truth := observer(t)
	start := o.Cams[1].Viewdir
	x0 := []float64{0, 0, 0, start[0], start[1], start[2]}
	f0, err := o.objective(x0, make([]float64, 6), DefaultAnchorWeight)
	require.NoError(t, err)
	o.ResetCameras()

	res, err := o.Fit(0, nil)
	require.NoError(t, err)
	require.Len(t, res.Viewdirs, 2)
	assert.Less(t, res.F, f0)
	assert.Equal(t, start, o.Cams[1].Viewdir, "cameras are left unchanged")

	before := math.Abs(start[0]-truth[0]) + math.Abs(start[1]-truth[1]) + math.Abs(start[2]-truth[2])
	after := 0.0
	for a := 0; a < 3; a++ {
		after += math.Abs(res.Viewdirs[1][a] - truth[a])
	}
	assert.Less(t, after, before)
	assert.InDeltaSlice(t, []float64{0, 0, 0}, res.Viewdirs[0][:], 1e-3)
}

func TestObserverValidation(t *testing.T) {
	o, _ := observer(t)
	_, err := NewObserverCameras(o.Cams[:1], o.Matches, nil)
	assert.ErrorIs(t, err, ErrCameraNotInControls)
	_, err = NewObserverCameras(o.Cams, o.Matches, []int{2})
	assert.Error(t, err)
	_, err = NewObserverCameras(nil, nil, nil)
	assert.Error(t, err)
}
