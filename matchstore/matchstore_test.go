package matchstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/geo/r2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "matches.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGet(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.Get(ctx, "a.jpg", "b.jpg")
	assert.ErrorIs(t, err, ErrNotFound)

	r := &Record{
		A:       "a.jpg",
		B:       "b.jpg",
		UVs:     [2][]r2.Point{{{X: 1, Y: 2}, {X: 3.5, Y: 4}}, {{X: 5, Y: 6}, {X: 7, Y: 8.25}}},
		Weights: []float64{1, 0.5},
	}
	require.NoError(t, s.Put(ctx, r))
	assert.NotEqual(t, uuid.Nil, r.ID)
	assert.False(t, r.Created.IsZero())

	got, err := s.Get(ctx, "a.jpg", "b.jpg")
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
	assert.Equal(t, r.UVs, got.UVs)
	assert.Equal(t, r.Weights, got.Weights)
	assert.Equal(t, r.Created.UnixNano(), got.Created.UnixNano())

	// Pairs are ordered.
	_, err = s.Get(ctx, "b.jpg", "a.jpg")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutReplace(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	created := time.Unix(1700000000, 0)
	require.NoError(t, s.Put(ctx, &Record{A: "a", B: "b", UVs: [2][]r2.Point{{{X: 1}}, {{X: 2}}}, Created: created}))
	require.NoError(t, s.Put(ctx, &Record{A: "a", B: "b"}))

	got, err := s.Get(ctx, "a", "b")
	require.NoError(t, err)
	assert.Empty(t, got.UVs[0])
	assert.Nil(t, got.Weights)
	assert.True(t, got.Created.After(created))

	require.NoError(t, s.Delete(ctx, "a", "b"))
	_, err = s.Get(ctx, "a", "b")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutInvalid(t *testing.T) {
	s := openTestStore(t)
	err := s.Put(context.Background(), &Record{A: "a", B: "b", UVs: [2][]r2.Point{{{X: 1}}, nil}})
	assert.Error(t, err)
	err = s.Put(context.Background(), &Record{A: "a", B: "b", Weights: []float64{1}})
	assert.Error(t, err)
}
