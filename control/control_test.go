package control

import (
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sphaeroptica.be/glimpse/photogrammetry"
)

func mustCamera(t *testing.T, opts ...photogrammetry.Option) *photogrammetry.Camera {
	t.Helper()
	cam, err := photogrammetry.New(opts...)
	require.NoError(t, err)
	return cam
}

func assertPointsInDelta(t *testing.T, want, got []r2.Point, delta float64) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.InDelta(t, want[i].X, got[i].X, delta, "x[%d]", i)
		assert.InDelta(t, want[i].Y, got[i].Y, delta, "y[%d]", i)
	}
}

// rayGrid returns ray directions around north.
func rayGrid() []r3.Vector {
	var d []r3.Vector
	for x := -0.2; x <= 0.2; x += 0.1 {
		for z := -0.2; z <= 0.2; z += 0.1 {
			d = append(d, r3.Vector{X: x, Y: 1, Z: z})
		}
	}
	return d
}

// matchedPair returns two cameras at the same position and the image
// coordinates of the same rays in both.
func matchedPair(t *testing.T) ([2]*photogrammetry.Camera, [2][]r2.Point) {
	a := mustCamera(t, photogrammetry.WithXYZ(r3.Vector{X: 1, Y: 2, Z: 3}))
	b := mustCamera(t,
		photogrammetry.WithXYZ(r3.Vector{X: 1, Y: 2, Z: 3}),
		photogrammetry.WithViewdir([3]float64{4, -2, 1}),
	)
	d := rayGrid()
	return [2]*photogrammetry.Camera{a, b}, [2][]r2.Point{a.Project(d, true), b.Project(d, true)}
}

func TestPoints(t *testing.T) {
	cam := mustCamera(t)
	uv := []r2.Point{{X: 50, Y: 50}, {X: 60, Y: 40}}
	xyz := []r3.Vector{{X: 0, Y: 10, Z: 0}, {X: 1, Y: 10, Z: 1}}

	_, err := NewPoints(cam, uv, xyz[:1], photogrammetry.ProjectOptions{})
	assert.True(t, errors.Is(err, ErrShapeMismatch))

	p, err := NewPoints(cam, uv, xyz, photogrammetry.ProjectOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, p.Size())
	assert.Equal(t, KindPoints, p.Kind())

	predicted, err := p.Predicted(nil)
	require.NoError(t, err)
	assertPointsInDelta(t, uv, predicted, 1e-9)

	predicted, err = p.Predicted([]int{1})
	require.NoError(t, err)
	assertPointsInDelta(t, uv[1:], predicted, 1e-9)

	observed, err := p.Observed([]int{1, 0})
	require.NoError(t, err)
	assert.Equal(t, []r2.Point{uv[1], uv[0]}, observed)
}

func TestPointsDirections(t *testing.T) {
	cam := mustCamera(t)
	p, err := NewPoints(cam, []r2.Point{{X: 50, Y: 50}}, []r3.Vector{{X: 0, Y: 1, Z: 0}},
		photogrammetry.ProjectOptions{Directions: true})
	require.NoError(t, err)
	assert.True(t, p.IsStatic())

	cam.XYZ = r3.Vector{X: 1}
	assert.False(t, p.IsStatic())
	_, err = p.Predicted(nil)
	assert.Equal(t, ErrCameraMoved, err)
}

func TestPointsResize(t *testing.T) {
	cam := mustCamera(t)
	p, err := NewPoints(cam, []r2.Point{{X: 50, Y: 50}}, []r3.Vector{{X: 0, Y: 10, Z: 0}},
		photogrammetry.ProjectOptions{})
	require.NoError(t, err)

	require.NoError(t, p.Resize(2))
	assert.Equal(t, [2]float64{200, 200}, cam.Imgsz)
	assert.Equal(t, []r2.Point{{X: 100, Y: 100}}, p.UV)
	predicted, err := p.Predicted(nil)
	require.NoError(t, err)
	assertPointsInDelta(t, p.UV, predicted, 1e-9)

	require.NoError(t, p.ResizeTo([2]float64{50, 50}, false))
	assert.Equal(t, []r2.Point{{X: 25, Y: 25}}, p.UV)

	// Cameras resized elsewhere are caught up with a unit scale.
	cam.Resize(2)
	require.NoError(t, p.Resize(1))
	assert.Equal(t, []r2.Point{{X: 50, Y: 50}}, p.UV)

	err = p.ResizeTo([2]float64{30, 60}, false)
	assert.True(t, errors.Is(err, photogrammetry.ErrAspectRatio))
}

func TestLines(t *testing.T) {
	cam := mustCamera(t)
	// A horizontal world line on the optical axis plane projects to v = 50,
	// from u = 30 to u = 70.
	xyzs := [][]r3.Vector{{{X: -2, Y: 10, Z: 0}, {X: 2, Y: 10, Z: 0}}}
	uvs := [][]r2.Point{{{X: 35, Y: 52}, {X: 65, Y: 52}}}
	l := NewLines(cam, uvs, xyzs, photogrammetry.ProjectOptions{}, 1)
	assert.Equal(t, KindLines, l.Kind())
	assert.Equal(t, 31, l.Size())

	lines, err := l.Project()
	require.NoError(t, err)
	require.Len(t, lines, 1)
	n := len(lines[0])
	assert.GreaterOrEqual(t, n, 41)
	assert.InDelta(t, 30, lines[0][0].X, 1e-9)
	assert.InDelta(t, 70, lines[0][n-1].X, 1e-9)

	observed, err := l.Observed(nil)
	require.NoError(t, err)
	predicted, err := l.Predicted(nil)
	require.NoError(t, err)
	require.Len(t, predicted, len(observed))
	for i := range observed {
		assert.InDelta(t, 50, predicted[i].Y, 1e-9)
		assert.InDelta(t, observed[i].X, predicted[i].X, 0.5+1e-9)
	}

	require.NoError(t, l.Resize(2))
	assert.Equal(t, r2.Point{X: 70, Y: 104}, l.UVs[0][0])
	observed, err = l.Observed([]int{0})
	require.NoError(t, err)
	assert.Equal(t, []r2.Point{{X: 70, Y: 104}}, observed)
}

func TestLinesOutOfFrame(t *testing.T) {
	cam := mustCamera(t)
	// Entirely right of the frame: the in-front vertices are used.
	xyzs := [][]r3.Vector{{{X: 20, Y: 10, Z: 0}, {X: 30, Y: 10, Z: 0}}}
	l := NewLines(cam, [][]r2.Point{{{X: 90, Y: 50}}}, xyzs, photogrammetry.ProjectOptions{}, 0)
	lines, err := l.Project()
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assertPointsInDelta(t, []r2.Point{{X: 250, Y: 50}, {X: 350, Y: 50}}, lines[0], 1e-9)

	// Entirely behind the camera: nothing to match.
	l = NewLines(cam, [][]r2.Point{{{X: 90, Y: 50}}}, [][]r3.Vector{{{X: 0, Y: -10, Z: 0}, {X: 1, Y: -10, Z: 0}}},
		photogrammetry.ProjectOptions{}, 0)
	predicted, err := l.Predicted(nil)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(predicted[0].X))
}

func TestLinesDirections(t *testing.T) {
	cam := mustCamera(t)
	l := NewLines(cam, [][]r2.Point{{{X: 50, Y: 50}}}, [][]r3.Vector{{{X: -1, Y: 10, Z: 0}, {X: 1, Y: 10, Z: 0}}},
		photogrammetry.ProjectOptions{Directions: true}, 0)
	cam.XYZ = r3.Vector{Z: 1}
	_, err := l.Predicted(nil)
	assert.Equal(t, ErrCameraMoved, err)
}

func TestMatches(t *testing.T) {
	cams, uvs := matchedPair(t)

	_, err := NewMatches([2]*photogrammetry.Camera{cams[0], cams[0]}, uvs, nil)
	assert.Equal(t, ErrSameCamera, err)
	_, err = NewMatches(cams, [2][]r2.Point{uvs[0], uvs[1][1:]}, nil)
	assert.True(t, errors.Is(err, ErrShapeMismatch))
	_, err = NewMatches(cams, uvs, []float64{1})
	assert.True(t, errors.Is(err, ErrShapeMismatch))

	m, err := NewMatches(cams, uvs, nil)
	require.NoError(t, err)
	assert.Equal(t, len(uvs[0]), m.Size())
	assert.True(t, m.IsStatic())

	predicted, err := m.Predicted(nil)
	require.NoError(t, err)
	assertPointsInDelta(t, uvs[0], predicted, 1e-9)
	predicted, err = m.PredictedIn([]int{2, 3}, 1)
	require.NoError(t, err)
	assertPointsInDelta(t, uvs[1][2:4], predicted, 1e-9)
	observed, err := m.ObservedIn([]int{2}, 1)
	require.NoError(t, err)
	assert.Equal(t, uvs[1][2:3], observed)

	i, err := m.CameraIndex(cams[1])
	require.NoError(t, err)
	assert.Equal(t, 1, i)
	_, err = m.CameraIndex(mustCamera(t))
	assert.Error(t, err)
	_, err = m.ObservedIn(nil, 2)
	assert.Error(t, err)

	cams[1].XYZ = r3.Vector{}
	_, err = m.Predicted(nil)
	assert.Equal(t, ErrCamerasApart, err)
}

func TestMatchesResize(t *testing.T) {
	cams, uvs := matchedPair(t)
	m, err := NewMatches(cams, uvs, nil)
	require.NoError(t, err)
	require.NoError(t, m.Resize(0.5))
	assert.Equal(t, [2]float64{50, 50}, cams[1].Imgsz)
	assert.InDelta(t, uvs[1][0].X/2, m.UVs[1][0].X, 1e-12)
	predicted, err := m.PredictedIn(nil, 1)
	require.NoError(t, err)
	assertPointsInDelta(t, m.UVs[1], predicted, 1e-9)
}

func TestRotationMatches(t *testing.T) {
	cams, uvs := matchedPair(t)
	m, err := NewRotationMatches(cams, uvs)
	require.NoError(t, err)
	assert.Equal(t, KindRotationMatches, m.Kind())
	predicted, err := m.PredictedIn(nil, 1)
	require.NoError(t, err)
	assertPointsInDelta(t, uvs[1], predicted, 1e-9)

	// A rotation is allowed, a change of internals is not.
	cams[0].Viewdir[0] += 1
	_, err = m.Predicted(nil)
	require.NoError(t, err)
	cams[0].F[0] = 120
	_, err = m.Predicted(nil)
	assert.Equal(t, ErrInternalsChanged, err)
	assert.True(t, errors.Is(m.Resize(2), ErrUnsupported))
}

func TestRotationMatchesInternalsDiffer(t *testing.T) {
	cams, uvs := matchedPair(t)
	cams[1].K[0] = 0.1
	_, err := NewRotationMatches(cams, uvs)
	assert.Equal(t, ErrInternalsDiffer, err)
}

func TestRotationMatchesXY(t *testing.T) {
	cams, uvs := matchedPair(t)
	m, err := NewRotationMatchesXY(cams, uvs)
	require.NoError(t, err)
	assert.Nil(t, m.UVs[0])
	observed, err := m.ObservedIn(nil, 1)
	require.NoError(t, err)
	assertPointsInDelta(t, cams[1].ImageToCamera(uvs[1]), observed, 1e-12)
	predicted, err := m.PredictedIn(nil, 1)
	require.NoError(t, err)
	assertPointsInDelta(t, observed, predicted, 1e-9)
}

func TestRotationMatchesXYZ(t *testing.T) {
	cams, uvs := matchedPair(t)
	m, err := NewRotationMatchesXYZ(cams, uvs)
	require.NoError(t, err)
	_, err = m.Observed(nil)
	assert.True(t, errors.Is(err, ErrUnsupported))

	a, err := m.PredictedIn(nil, 0)
	require.NoError(t, err)
	b, err := m.PredictedIn(nil, 1)
	require.NoError(t, err)
	require.Len(t, b, len(a))
	want := rayGrid()
	for i := range a {
		assert.InDelta(t, 1, a[i].Norm(), 1e-12)
		assert.InDelta(t, 0, a[i].Sub(b[i]).Norm(), 1e-9)
		assert.InDelta(t, 0, a[i].Sub(want[i].Normalize()).Norm(), 1e-9)
	}
}

func TestAsType(t *testing.T) {
	cams, uvs := matchedPair(t)
	m, err := NewMatches(cams, uvs, nil)
	require.NoError(t, err)

	same, err := m.AsType(KindMatches)
	require.NoError(t, err)
	assert.Same(t, m, same.(*Matches))

	xyz, err := m.AsType(KindRotationMatchesXYZ)
	require.NoError(t, err)
	require.IsType(t, &RotationMatchesXYZ{}, xyz)

	xy, err := xyz.(*RotationMatchesXYZ).AsType(KindRotationMatchesXY)
	require.NoError(t, err)
	back, err := xy.(*RotationMatchesXY).AsType(KindMatches)
	require.NoError(t, err)
	require.IsType(t, &Matches{}, back)
	assertPointsInDelta(t, uvs[1], back.(*Matches).UVs[1], 1e-9)

	_, err = m.AsType(KindPoints)
	assert.True(t, errors.Is(err, ErrUnsupported))
}

func TestPrune(t *testing.T) {
	cams, uvs := matchedPair(t)
	m, err := NewMatches(cams, uvs, nil)
	require.NoError(t, err)
	other := mustCamera(t)
	p, err := NewPoints(other, nil, nil, photogrammetry.ProjectOptions{})
	require.NoError(t, err)

	controls := []Control{m, p}
	assert.Equal(t, []Control{m}, Prune(controls, cams[1]))
	assert.Equal(t, []Control{p}, Prune(controls, other))
	assert.Empty(t, Prune(controls, mustCamera(t)))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "rotation-matches-xy", KindRotationMatchesXY.String())
	assert.Equal(t, "unknown", Kind(42).String())
}
