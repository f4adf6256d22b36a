// Package matchstore persists keypoint matches between pairs of images.
package matchstore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"log"
	"time"

	"github.com/golang/geo/r2"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no record exists for a pair of images.
var ErrNotFound = errors.New("match record not found")

// schema.sql creates the matches table, one row per ordered pair of images.
//
//go:embed schema.sql
var schemaSQL string

// Record holds the matched image coordinates of two images.
type Record struct {
	ID uuid.UUID
	// A and B are the image names.
	A, B string
	// UVs are the image coordinates in A and B.
	UVs [2][]r2.Point
	// Weights, if not nil, weigh each match.
	Weights []float64
	Created time.Time
}

// Store is a SQLite database of match records.
type Store struct {
	*sql.DB
}

// Open opens or creates the store at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open match store")
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create match store schema")
	}
	log.Printf("opened match store %s", path)
	return &Store{db}, nil
}

func encodePoints(pts []r2.Point) (string, error) {
	flat := make([]float64, 0, 2*len(pts))
	for _, p := range pts {
		flat = append(flat, p.X, p.Y)
	}
	b, err := json.Marshal(flat)
	return string(b), err
}

func decodePoints(s string) ([]r2.Point, error) {
	var flat []float64
	if err := json.Unmarshal([]byte(s), &flat); err != nil {
		return nil, err
	}
	if len(flat)%2 != 0 {
		return nil, errors.Errorf("odd number of coordinates: %d", len(flat))
	}
	pts := make([]r2.Point, len(flat)/2)
	for i := range pts {
		pts[i] = r2.Point{X: flat[2*i], Y: flat[2*i+1]}
	}
	return pts, nil
}

// Put inserts or replaces the record of r.A and r.B. A zero ID or creation
// time is set first.
func (s *Store) Put(ctx context.Context, r *Record) error {
	if len(r.UVs[0]) != len(r.UVs[1]) {
		return errors.Errorf("%d and %d points", len(r.UVs[0]), len(r.UVs[1]))
	}
	if r.Weights != nil && len(r.Weights) != len(r.UVs[0]) {
		return errors.Errorf("%d weights for %d points", len(r.Weights), len(r.UVs[0]))
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Created.IsZero() {
		r.Created = time.Now()
	}
	uvA, err := encodePoints(r.UVs[0])
	if err != nil {
		return err
	}
	uvB, err := encodePoints(r.UVs[1])
	if err != nil {
		return err
	}
	var weights sql.NullString
	if r.Weights != nil {
		b, err := json.Marshal(r.Weights)
		if err != nil {
			return err
		}
		weights = sql.NullString{String: string(b), Valid: true}
	}
	stmt := `INSERT OR REPLACE INTO matches (id, image_a, image_b, uv_a, uv_b, weights, created_unix_nanos)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err = s.ExecContext(ctx, stmt, r.ID.String(), r.A, r.B, uvA, uvB, weights, r.Created.UnixNano())
	return errors.Wrapf(err, "put %s %s", r.A, r.B)
}

// Get returns the record of images a and b.
func (s *Store) Get(ctx context.Context, a, b string) (*Record, error) {
	var (
		id, uvA, uvB string
		weights      sql.NullString
		created      int64
	)
	row := s.QueryRowContext(ctx,
		`SELECT id, uv_a, uv_b, weights, created_unix_nanos FROM matches WHERE image_a = ? AND image_b = ?`, a, b)
	if err := row.Scan(&id, &uvA, &uvB, &weights, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(ErrNotFound, "%s %s", a, b)
		}
		return nil, errors.Wrapf(err, "get %s %s", a, b)
	}
	r := &Record{A: a, B: b, Created: time.Unix(0, created)}
	var err error
	if r.ID, err = uuid.Parse(id); err != nil {
		return nil, errors.Wrap(err, "record id")
	}
	if r.UVs[0], err = decodePoints(uvA); err != nil {
		return nil, errors.Wrap(err, "uv_a")
	}
	if r.UVs[1], err = decodePoints(uvB); err != nil {
		return nil, errors.Wrap(err, "uv_b")
	}
	if weights.Valid {
		if err := json.Unmarshal([]byte(weights.String), &r.Weights); err != nil {
			return nil, errors.Wrap(err, "weights")
		}
	}
	return r, nil
}

// Delete removes the record of images a and b, if any.
func (s *Store) Delete(ctx context.Context, a, b string) error {
	_, err := s.ExecContext(ctx, `DELETE FROM matches WHERE image_a = ? AND image_b = ?`, a, b)
	return errors.Wrapf(err, "delete %s %s", a, b)
}
