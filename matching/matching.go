// Package matching builds keypoint matches between images taken from the
// same position, for orienting their cameras.
package matching

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"sphaeroptica.be/glimpse/control"
	"sphaeroptica.be/glimpse/matchstore"
	"sphaeroptica.be/glimpse/photogrammetry"
)

var (
	// ErrUnsorted is returned when images are not in ascending time order.
	ErrUnsorted = errors.New("images are not sorted by time")
	// ErrDuplicateName is returned when image names are not unique.
	ErrDuplicateName = errors.New("image names are not unique")
)

// Image is an image and the camera that took it.
type Image struct {
	Name string
	Time time.Time
	Cam  *photogrammetry.Camera
}

// Pair identifies the images i < j of a match.
type Pair struct {
	I, J int
}

// Result holds the image coordinates of matched keypoints and, optionally,
// the ratio of the descriptor distances to the best and second best match.
type Result struct {
	UVs    [2][]r2.Point
	Ratios []float64
}

// Matcher matches the keypoints of two images.
type Matcher interface {
	Match(ctx context.Context, a, b Image) (*Result, error)
}

// Options configure Build.
type Options struct {
	// Workers is the number of images matched concurrently. Defaults to 1.
	Workers int
	// MaxDT is the maximum time between matched images. Zero matches all
	// pairs.
	MaxDT time.Duration
	// MinNearest is the minimum number of following images each image is
	// matched with, regardless of MaxDT.
	MinNearest int
	// Weights weighs each match by the inverse of its distance ratio.
	Weights bool
	// Store, if not nil, holds match results. Stored results are reused
	// unless Overwrite is set.
	Store     *matchstore.Store
	Overwrite bool
}

// Pairs returns, for each image, the following images to match it with.
func Pairs(images []Image, maxDT time.Duration, minNearest int) ([][]int, error) {
	n := len(images)
	for i := 1; i < n; i++ {
		if images[i].Time.Before(images[i-1].Time) {
			return nil, errors.Wrapf(ErrUnsorted, "image %d", i)
		}
	}
	out := make([][]int, n)
	for i := range images {
		end := n
		if maxDT > 0 {
			end = i + 1
			limit := images[i].Time.Add(maxDT)
			for end < n && !images[end].Time.After(limit) {
				end++
			}
			if minNearest > 0 {
				end = max(end, min(i+minNearest+1, n))
			}
		}
		for j := i + 1; j < end; j++ {
			out[i] = append(out[i], j)
		}
	}
	return out, nil
}

// Build matches each image with the images selected by Pairs and returns
// the matches bound to the cameras of the images.
func Build(ctx context.Context, images []Image, m Matcher, opts Options) (map[Pair]*control.Matches, error) {
	pairs, err := Pairs(images, opts.MaxDT, opts.MinNearest)
	if err != nil {
		return nil, err
	}
	if opts.Store != nil {
		seen := make(map[string]bool, len(images))
		for _, img := range images {
			if seen[img.Name] {
				return nil, errors.Wrap(ErrDuplicateName, img.Name)
			}
			seen[img.Name] = true
		}
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}

	// Each task writes only its own row.
	results := make([][]*Result, len(images))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, js := range pairs {
		if len(js) == 0 {
			continue
		}
		i, js := i, js
		g.Go(func() error {
			log.Printf("matching %s -> %d images", images[i].Name, len(js))
			row := make([]*Result, len(js))
			for k, j := range js {
				r, err := matchPair(ctx, images[i], images[j], m, opts)
				if err != nil {
					return errors.Wrapf(err, "%s %s", images[i].Name, images[j].Name)
				}
				row[k] = r
			}
			results[i] = row
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[Pair]*control.Matches)
	for i, js := range pairs {
		for k, j := range js {
			r := results[i][k]
			var weights []float64
			if opts.Weights {
				weights = invert(r.Ratios)
			}
			matches, err := control.NewMatches([2]*photogrammetry.Camera{images[i].Cam, images[j].Cam}, r.UVs, weights)
			if err != nil {
				return nil, errors.Wrapf(err, "%s %s", images[i].Name, images[j].Name)
			}
			out[Pair{I: i, J: j}] = matches
		}
	}
	return out, nil
}

func matchPair(ctx context.Context, a, b Image, m Matcher, opts Options) (*Result, error) {
	if opts.Store != nil && !opts.Overwrite {
		rec, err := opts.Store.Get(ctx, a.Name, b.Name)
		if err == nil {
			return &Result{UVs: rec.UVs, Ratios: invert(rec.Weights)}, nil
		}
		if !errors.Is(err, matchstore.ErrNotFound) {
			return nil, err
		}
	}
	r, err := m.Match(ctx, a, b)
	if err != nil {
		return nil, err
	}
	if opts.Store != nil {
		rec := &matchstore.Record{A: a.Name, B: b.Name, UVs: r.UVs, Weights: invert(r.Ratios)}
		if err := opts.Store.Put(ctx, rec); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// invert returns the inverse of each value, or nil. Stored weights are the
// inverse of the ratios.
func invert(v []float64) []float64 {
	if v == nil {
		return nil
	}
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = 1 / x
	}
	return out
}

// FileMatcher reads matches computed elsewhere from JSON files named
// <a>-<b>.json in Dir, after the base names of the images without
// extension, holding {"uv_a": [[u, v], ...], "uv_b": [...], "ratios": [...]}.
type FileMatcher struct {
	Dir string
}

type matchFile struct {
	UVA    [][2]float64 `json:"uv_a"`
	UVB    [][2]float64 `json:"uv_b"`
	Ratios []float64    `json:"ratios,omitempty"`
}

func basename(name string) string {
	base := filepath.Base(name)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func (f FileMatcher) Match(ctx context.Context, a, b Image) (*Result, error) {
	path := filepath.Join(f.Dir, basename(a.Name)+"-"+basename(b.Name)+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var in matchFile
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, errors.Wrap(err, path)
	}
	if len(in.UVA) != len(in.UVB) {
		return nil, errors.Errorf("%s: %d and %d points", path, len(in.UVA), len(in.UVB))
	}
	if in.Ratios != nil && len(in.Ratios) != len(in.UVA) {
		return nil, errors.Errorf("%s: %d ratios for %d points", path, len(in.Ratios), len(in.UVA))
	}
	r := &Result{Ratios: in.Ratios}
	for side, uvs := range [2][][2]float64{in.UVA, in.UVB} {
		r.UVs[side] = make([]r2.Point, len(uvs))
		for i, uv := range uvs {
			r.UVs[side][i] = r2.Point{X: uv[0], Y: uv[1]}
		}
	}
	return r, nil
}
