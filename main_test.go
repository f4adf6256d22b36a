package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sphaeroptica.be/glimpse/photogrammetry"
)

func mustCamera(t *testing.T, opts ...photogrammetry.Option) *photogrammetry.Camera {
	t.Helper()
	base := []photogrammetry.Option{
		photogrammetry.WithImgsz([2]float64{1000, 800}),
		photogrammetry.WithF([2]float64{1000, 1000}),
	}
	cam, err := photogrammetry.New(append(base, opts...)...)
	require.NoError(t, err)
	return cam
}

// wall returns points on a wall north of the origin.
func wall() []r3.Vector {
	var pts []r3.Vector
	for x := -3.0; x <= 3; x++ {
		for z := -3.0; z <= 3; z++ {
			pts = append(pts, r3.Vector{X: x, Y: 10, Z: z})
		}
	}
	return pts
}

func pointsJSON(image string, cam *photogrammetry.Camera, xyz []r3.Vector) PointsJSON {
	p := PointsJSON{Image: image}
	for i, uv := range cam.Project(xyz, false) {
		p.UV = append(p.UV, [2]float64{uv.X, uv.Y})
		p.XYZ = append(p.XYZ, [3]float64{xyz[i].X, xyz[i].Y, xyz[i].Z})
	}
	return p
}

// testProject writes a project whose cameras are turned away from the
// orientations their points were observed at, and returns the true cameras.
func testProject(t *testing.T) (string, map[string]*photogrammetry.Camera) {
	t.Helper()
	truth := map[string]*photogrammetry.Camera{
		"a.jpg": mustCamera(t, photogrammetry.WithViewdir([3]float64{2, 1, 0})),
		"b.jpg": mustCamera(t,
			photogrammetry.WithXYZ(r3.Vector{X: 1}),
			photogrammetry.WithViewdir([3]float64{-4, -1, 1}),
		),
	}
	p := &project{Cameras: map[string]*photogrammetry.Camera{}}
	for _, name := range []string{"a.jpg", "b.jpg"} {
		cam := truth[name].Copy()
		cam.Viewdir = [3]float64{0, 0, 0}
		p.Cameras[name] = cam
		p.Points = append(p.Points, pointsJSON(name, truth[name], wall()))
	}
	path := filepath.Join(t.TempDir(), "project.json")
	require.NoError(t, saveProject(path, p))
	return path, truth
}

func runJSON(t *testing.T, out any, args ...string) {
	t.Helper()
	var stdout bytes.Buffer
	require.NoError(t, run(context.Background(), args, &stdout))
	require.NoError(t, json.Unmarshal(stdout.Bytes(), out))
}

func TestCalibrate(t *testing.T) {
	path, truth := testProject(t)
	out := filepath.Join(filepath.Dir(path), "fitted.json")

	var report CalibrationReport
	runJSON(t, &report, "calibrate", "-project", path, "-out", out)
	assert.True(t, report.Success, report.Message)
	assert.Less(t, report.MeanError, 1e-3)
	assert.Equal(t, []string{
		"cam0_viewdir0", "cam0_viewdir1", "cam0_viewdir2",
		"cam1_viewdir0", "cam1_viewdir1", "cam1_viewdir2",
	}, report.Labels)
	assert.Len(t, report.Values, 6)
	assert.Empty(t, report.Inliers)

	fitted, err := NewApp(nil).loadProject(out)
	require.NoError(t, err)
	for name, cam := range truth {
		assert.InDeltaSlice(t, cam.Viewdir[:], fitted.Cameras[name].Viewdir[:], 1e-4, name)
	}
	assert.Len(t, fitted.Points, 2)

	// The input project is not modified.
	orig, err := NewApp(nil).loadProject(path)
	require.NoError(t, err)
	assert.Equal(t, [3]float64{}, orig.Cameras["a.jpg"].Viewdir)
}

func TestCalibrateConfig(t *testing.T) {
	path, truth := testProject(t)
	cfg := filepath.Join(t.TempDir(), "fit.json")
	require.NoError(t, os.WriteFile(cfg, []byte(`{
		"stages": [{"cam_params": {"viewdir": [0, 1]}}],
		"ransac": {"sample_size": 20, "max_error": 1, "min_inliers": 20, "iterations": 5, "seed": 1}
	}`), 0o644))

	var report CalibrationReport
	runJSON(t, &report, "calibrate", "-project", path, "-config", cfg)
	assert.True(t, report.Success, report.Message)
	assert.Len(t, report.Inliers, 2*len(wall()))
	assert.InDeltaSlice(t, truth["a.jpg"].Viewdir[:], report.Values[:3], 1e-4)
}

func TestReprojectTriangulate(t *testing.T) {
	path, truth := testProject(t)
	out := filepath.Join(filepath.Dir(path), "fitted.json")
	var report CalibrationReport
	runJSON(t, &report, "calibrate", "-project", path, "-out", out)
	require.True(t, report.Success)

	xyz := r3.Vector{X: 0.5, Y: 8, Z: -1}
	want := map[string]r2.Point{}
	for name, cam := range truth {
		want[name] = cam.Project([]r3.Vector{xyz}, false)[0]
	}

	var pos Pos
	runJSON(t, &pos, "reproject", "-project", out, "-image", "b.jpg", "0.5", "8", "-1")
	assert.InDelta(t, want["b.jpg"].X, pos.X, 1e-2)
	assert.InDelta(t, want["b.jpg"].Y, pos.Y, 1e-2)

	var got r3.Vector
	runJSON(t, &got, "triangulate", "-project", out,
		fmt.Sprintf("a.jpg=%g,%g", want["a.jpg"].X, want["a.jpg"].Y),
		fmt.Sprintf("b.jpg=%g,%g", want["b.jpg"].X, want["b.jpg"].Y),
	)
	assert.InDelta(t, 0, got.Sub(xyz).Norm(), 1e-3)
}

func TestImages(t *testing.T) {
	p := &project{Cameras: map[string]*photogrammetry.Camera{}, Thumbnails: "thumbs"}
	for name, xyz := range map[string]r3.Vector{
		"east.jpg":  {X: 5},
		"west.jpg":  {X: -5},
		"north.jpg": {Y: 5},
		"south.jpg": {Y: -5},
		"top.jpg":   {Z: 5},
		"low.jpg":   {Z: -5},
	} {
		p.Cameras[name] = mustCamera(t, photogrammetry.WithXYZ(xyz.Add(r3.Vector{X: 1, Y: 1, Z: 1})))
	}
	path := filepath.Join(t.TempDir(), "project.json")
	require.NoError(t, saveProject(path, p))

	viewer, err := NewApp(nil).Images(path)
	require.NoError(t, err)
	require.Len(t, viewer.Images, 6)
	assert.True(t, viewer.Thumbnails)
	assert.Equal(t, Size{Width: 1000, Height: 800}, viewer.Size)

	byName := map[string]VirtualCameraImage{}
	for _, img := range viewer.Images {
		byName[img.Name] = img
	}
	assert.Equal(t, "east.jpg", viewer.Images[0].Name)
	assert.InDelta(t, 90, byName["top.jpg"].Coordinates.Latitude, 1e-6)
	assert.InDelta(t, -90, byName["low.jpg"].Coordinates.Latitude, 1e-6)
	assert.InDelta(t, 90, byName["north.jpg"].Coordinates.Longitude, 1e-6)
	assert.InDelta(t, 0, byName["east.jpg"].Coordinates.Latitude, 1e-6)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "thumbs", "top.jpg"), byName["top.jpg"].Thumbnail)
}

func TestOrient(t *testing.T) {
	dir := t.TempDir()
	truth := [3]float64{10, 2, -1}
	a := mustCamera(t)
	b := mustCamera(t, photogrammetry.WithViewdir(truth))
	var d []r3.Vector
	for x := -0.3; x <= 0.3; x += 0.1 {
		for z := -0.3; z <= 0.3; z += 0.1 {
			d = append(d, r3.Vector{X: x, Y: 1, Z: z})
		}
	}
	file := map[string]any{}
	for i, uv := range [2][]r2.Point{a.Project(d, true), b.Project(d, true)} {
		pts := make([][2]float64, len(uv))
		for k, p := range uv {
			pts[k] = [2]float64{p.X, p.Y}
		}
		file[[]string{"uv_a", "uv_b"}[i]] = pts
	}
	data, err := json.Marshal(file)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "matches"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "matches", "a-b.json"), data, 0o644))

	start := b.Copy()
	start.Viewdir = [3]float64{8, 0, 0}
	t0 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	p := &project{
		Cameras: map[string]*photogrammetry.Camera{"a.jpg": a, "b.jpg": start},
		Times:   map[string]time.Time{"a.jpg": t0, "b.jpg": t0.Add(time.Second)},
		Matches: "matches",
	}
	path := filepath.Join(dir, "project.json")
	require.NoError(t, saveProject(path, p))

	out := filepath.Join(dir, "oriented.json")
	db := filepath.Join(dir, "matches.db")
	var report OrientReport
	runJSON(t, &report, "orient", "-project", path, "-db", db, "-out", out)
	assert.Equal(t, 1, report.Pairs)
	require.Contains(t, report.Viewdirs, "b.jpg")
	got := report.Viewdirs["b.jpg"]
	before, after := 0.0, 0.0
	for i := range truth {
		before += math.Abs(start.Viewdir[i] - truth[i])
		after += math.Abs(got[i] - truth[i])
	}
	assert.Less(t, after, before)

	// Matches are reused from the database.
	require.NoError(t, os.Remove(filepath.Join(dir, "matches", "a-b.json")))
	runJSON(t, &report, "orient", "-project", path, "-db", db)
	assert.Equal(t, 1, report.Pairs)
}

func TestRunErrors(t *testing.T) {
	var stdout bytes.Buffer
	ctx := context.Background()
	assert.Error(t, run(ctx, nil, &stdout))
	assert.ErrorContains(t, run(ctx, []string{"fly"}, &stdout), "unknown command")
	assert.Error(t, run(ctx, []string{"reproject", "-project", "missing.json", "1", "2", "3"}, &stdout))
	assert.Error(t, run(ctx, []string{"reproject", "1", "2"}, &stdout))
	assert.Error(t, run(ctx, []string{"triangulate", "a.jpg:1,2"}, &stdout))
	assert.ErrorContains(t, run(ctx, []string{"import", "-xml", "c.xml"}, &stdout), "requires")
	assert.Error(t, run(ctx, []string{"calibrate", "-config", "fit.yaml"}, &stdout))

	path, _ := testProject(t)
	assert.ErrorContains(t, run(ctx, []string{"reproject", "-project", path, "-image", "c.jpg", "1", "2", "3"}, &stdout), "no camera")
}

func TestParsePoses(t *testing.T) {
	poses, err := parsePoses([]string{"a.jpg=10.5,20", "b.jpg=-3,4e2"})
	require.NoError(t, err)
	assert.Equal(t, map[string]Pos{"a.jpg": {X: 10.5, Y: 20}, "b.jpg": {X: -3, Y: 400}}, poses)

	_, err = parsePoses([]string{"a.jpg=10"})
	assert.Error(t, err)
}
