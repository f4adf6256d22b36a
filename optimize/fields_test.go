package optimize

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sphaeroptica.be/glimpse/photogrammetry"
)

func TestFieldByName(t *testing.T) {
	for f := Field(0); f < numFields; f++ {
		got, err := FieldByName(f.String())
		require.NoError(t, err)
		assert.Equal(t, f, got)
	}
	_, err := FieldByName("sensorsz")
	assert.Error(t, err)

	assert.Equal(t, photogrammetry.OffsetK, FieldK.Offset())
	assert.Equal(t, 6, FieldK.Len())
	assert.Equal(t, "k0", vectorLabels[photogrammetry.OffsetK])
	assert.Equal(t, "p1", vectorLabels[photogrammetry.VectorLen-1])
}

func TestParamsUnmarshalJSON(t *testing.T) {
	var p Params
	err := json.Unmarshal([]byte(`{
		"k": [0, 1],
		"viewdir": true,
		"c": false,
		"f": {"indices": true, "min": 0},
		"xyz": {"indices": 2, "min": [null], "max": 5}
	}`), &p)
	require.NoError(t, err)

	want := Params{
		{Field: FieldXYZ, Indices: []int{2}, Min: []float64{math.NaN()}, Max: []float64{5}},
		{Field: FieldViewdir},
		{Field: FieldF, Min: []float64{0}},
		{Field: FieldK, Indices: []int{0, 1}},
	}
	if diff := cmp.Diff(want, p, cmp.Comparer(func(a, b float64) bool {
		return a == b || math.IsNaN(a) && math.IsNaN(b)
	})); diff != "" {
		t.Errorf("params mismatch (-want +got):\n%s", diff)
	}
	assert.True(t, p.Has(FieldK))
	assert.False(t, p.Has(FieldC))

	assert.Error(t, json.Unmarshal([]byte(`{"q": true}`), &p))
	assert.Error(t, json.Unmarshal([]byte(`{"k": "all"}`), &p))
}

func TestParamsParse(t *testing.T) {
	cam, err := photogrammetry.New()
	require.NoError(t, err)
	defaults := CameraBounds(cam)

	p := Params{
		{Field: FieldF, Min: []float64{1}},
		{Field: FieldK, Indices: []int{0}},
	}
	m, b, err := p.parse(&defaults)
	require.NoError(t, err)
	assert.Equal(t, 3, m.count())
	assert.True(t, m[photogrammetry.OffsetF])
	assert.True(t, m[photogrammetry.OffsetF+1])
	assert.True(t, m[photogrammetry.OffsetK])
	assert.Equal(t, [2]float64{1, math.Inf(1)}, b[photogrammetry.OffsetF])
	assert.InDeltaSlice(t, []float64{-0.025, 0.025}, b[photogrammetry.OffsetK][:], 1e-12)
	// Unselected elements still carry defaults.
	assert.Equal(t, [2]float64{-50, 50}, b[photogrammetry.OffsetC])

	_, b, err = p.parse(nil)
	require.NoError(t, err)
	assert.Equal(t, [2]float64{math.Inf(-1), math.Inf(1)}, b[photogrammetry.OffsetK])

	_, _, err = Params{{Field: FieldF, Indices: []int{2}}}.parse(nil)
	assert.Error(t, err)
	_, _, err = Params{{Field: FieldK, Min: []float64{0, 0}}}.parse(nil)
	assert.Error(t, err)
}

func TestCameraBounds(t *testing.T) {
	cam, err := photogrammetry.New(
		photogrammetry.WithImgsz([2]float64{400, 200}),
		photogrammetry.WithF([2]float64{4000, 4000}),
	)
	require.NoError(t, err)
	b := CameraBounds(cam)
	assert.Equal(t, [2]float64{0, math.Inf(1)}, b[photogrammetry.OffsetF])
	assert.Equal(t, [2]float64{-200, 200}, b[photogrammetry.OffsetC])
	assert.Equal(t, [2]float64{-100, 100}, b[photogrammetry.OffsetC+1])
	assert.Equal(t, [2]float64{-1, 1}, b[photogrammetry.OffsetK])
	assert.Equal(t, [2]float64{-0.5, 0.5}, b[photogrammetry.OffsetK+1])
	assert.Equal(t, [2]float64{-0.1, 0.1}, b[photogrammetry.OffsetP])
	assert.Equal(t, math.Inf(-1), b[0][0])
}
