package matching

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sphaeroptica.be/glimpse/matchstore"
	"sphaeroptica.be/glimpse/photogrammetry"
)

type countingMatcher struct {
	calls atomic.Int64
}

func (m *countingMatcher) Match(_ context.Context, a, b Image) (*Result, error) {
	m.calls.Add(1)
	return &Result{
		UVs:    [2][]r2.Point{{{X: 10, Y: 20}, {X: 30, Y: 40}}, {{X: 11, Y: 21}, {X: 31, Y: 41}}},
		Ratios: []float64{0.5, 0.25},
	}, nil
}

type failingMatcher struct{}

func (failingMatcher) Match(context.Context, Image, Image) (*Result, error) {
	return nil, errors.New("no keypoints")
}

func testImages(t *testing.T, minutes ...int) []Image {
	t.Helper()
	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	images := make([]Image, len(minutes))
	for i, m := range minutes {
		cam, err := photogrammetry.New()
		require.NoError(t, err)
		images[i] = Image{
			Name: filepath.Join("images", string(rune('a'+i))+".jpg"),
			Time: start.Add(time.Duration(m) * time.Minute),
			Cam:  cam,
		}
	}
	return images
}

func TestPairs(t *testing.T) {
	images := testImages(t, 0, 1, 2, 10, 30)

	all, err := Pairs(images, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{1, 2, 3, 4}, {2, 3, 4}, {3, 4}, {4}, nil}, all)

	window, err := Pairs(images, 2*time.Minute, 0)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{1, 2}, {2}, nil, nil, nil}, window)

	nearest, err := Pairs(images, 2*time.Minute, 2)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{1, 2}, {2, 3}, {3, 4}, {4}, nil}, nearest)

	_, err = Pairs(testImages(t, 5, 0), 0, 0)
	assert.ErrorIs(t, err, ErrUnsorted)
}

func TestBuild(t *testing.T) {
	images := testImages(t, 0, 1, 2)
	m := &countingMatcher{}
	matches, err := Build(context.Background(), images, m, Options{Workers: 2, Weights: true})
	require.NoError(t, err)
	assert.Equal(t, int64(3), m.calls.Load())
	require.Len(t, matches, 3)

	ab := matches[Pair{I: 0, J: 1}]
	require.NotNil(t, ab)
	assert.Same(t, images[0].Cam, ab.Cams[0])
	assert.Same(t, images[1].Cam, ab.Cams[1])
	assert.Equal(t, []float64{2, 4}, ab.Weights)
	assert.Equal(t, 2, ab.Size())

	matches, err = Build(context.Background(), images, m, Options{})
	require.NoError(t, err)
	assert.Nil(t, matches[Pair{I: 1, J: 2}].Weights)

	_, err = Build(context.Background(), images, failingMatcher{}, Options{Workers: 3})
	assert.Error(t, err)
}

func TestBuildStore(t *testing.T) {
	ctx := context.Background()
	store, err := matchstore.Open(filepath.Join(t.TempDir(), "matches.db"))
	require.NoError(t, err)
	defer store.Close()

	images := testImages(t, 0, 1, 2)
	m := &countingMatcher{}
	_, err = Build(ctx, images, m, Options{Workers: 2, Store: store})
	require.NoError(t, err)
	assert.Equal(t, int64(3), m.calls.Load())

	rec, err := store.Get(ctx, images[0].Name, images[2].Name)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{2, 4}, rec.Weights, 1e-12)

	// Stored results are reused.
	matches, err := Build(ctx, images, m, Options{Store: store, Weights: true})
	require.NoError(t, err)
	assert.Equal(t, int64(3), m.calls.Load())
	assert.InDeltaSlice(t, []float64{2, 4}, matches[Pair{I: 0, J: 2}].Weights, 1e-12)

	_, err = Build(ctx, images, m, Options{Store: store, Overwrite: true})
	require.NoError(t, err)
	assert.Equal(t, int64(6), m.calls.Load())

	dup := append(testImages(t, 0), testImages(t, 1)...)
	_, err = Build(ctx, dup, m, Options{Store: store})
	assert.ErrorIs(t, err, ErrDuplicateName)
}

func TestFileMatcher(t *testing.T) {
	dir := t.TempDir()
	data := `{"uv_a": [[1, 2], [3, 4]], "uv_b": [[5, 6], [7, 8]], "ratios": [0.5, 0.8]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a-b.json"), []byte(data), 0o644))
	images := testImages(t, 0, 1)

	r, err := FileMatcher{Dir: dir}.Match(context.Background(), images[0], images[1])
	require.NoError(t, err)
	assert.Equal(t, []r2.Point{{X: 1, Y: 2}, {X: 3, Y: 4}}, r.UVs[0])
	assert.Equal(t, []r2.Point{{X: 5, Y: 6}, {X: 7, Y: 8}}, r.UVs[1])
	assert.Equal(t, []float64{0.5, 0.8}, r.Ratios)

	_, err = FileMatcher{Dir: dir}.Match(context.Background(), images[1], images[0])
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a-b.json"), []byte(`{"uv_a": [[1, 2]], "uv_b": []}`), 0o644))
	_, err = FileMatcher{Dir: dir}.Match(context.Background(), images[0], images[1])
	assert.Error(t, err)
}
