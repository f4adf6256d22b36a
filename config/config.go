// Package config reads the settings of camera fits and match building.
package config

import (
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"sphaeroptica.be/glimpse/matching"
	"sphaeroptica.be/glimpse/optimize"
	"sphaeroptica.be/glimpse/photogrammetry"
	"sphaeroptica.be/glimpse/ransac"
)

const maxFileSize = 1 << 20

// Config holds fit and matching settings. Fields omitted from the JSON keep
// their defaults, so partial files are safe.
type Config struct {
	Undistortion *Undistortion `json:"undistortion,omitempty"`

	// CamParams and GroupParams select the camera parameters to fit, per
	// camera and shared by all cameras.
	CamParams   *optimize.Params `json:"cam_params,omitempty"`
	GroupParams *optimize.Params `json:"group_params,omitempty"`
	// Stages are fitted before the final fit.
	Stages []Stage   `json:"stages,omitempty"`
	Solver *Solver   `json:"solver,omitempty"`
	Ransac *Ransac   `json:"ransac,omitempty"`
	Match  *Matching `json:"matching,omitempty"`
}

type Undistortion struct {
	Method     *string  `json:"method,omitempty"`
	Iterations *int     `json:"iterations,omitempty"`
	Tolerance  *float64 `json:"tolerance,omitempty"`
	Density    *float64 `json:"density,omitempty"`
}

type Stage struct {
	CamParams   *optimize.Params `json:"cam_params,omitempty"`
	GroupParams *optimize.Params `json:"group_params,omitempty"`
}

type Solver struct {
	MaxNFev *int     `json:"max_nfev,omitempty"`
	FTol    *float64 `json:"ftol,omitempty"`
	XTol    *float64 `json:"xtol,omitempty"`
	GTol    *float64 `json:"gtol,omitempty"`
}

// Ransac enables outlier removal before the fit.
type Ransac struct {
	Iterations *int     `json:"iterations,omitempty"`
	SampleSize *int     `json:"sample_size,omitempty"`
	MaxError   *float64 `json:"max_error,omitempty"`
	MinInliers *int     `json:"min_inliers,omitempty"`
	Seed       *int64   `json:"seed,omitempty"`
}

type Matching struct {
	Workers    *int    `json:"workers,omitempty"`
	MaxDT      *string `json:"max_dt,omitempty"` // duration string like "10m"
	MinNearest *int    `json:"min_nearest,omitempty"`
	Weights    *bool   `json:"weights,omitempty"`
	Overwrite  *bool   `json:"overwrite,omitempty"`
}

func ptrInt(v int) *int             { return &v }
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrBool(v bool) *bool          { return &v }

// Defaults returns a configuration with every default written out.
func Defaults() *Config {
	return &Config{
		Undistortion: &Undistortion{
			Method:     ptrString(string(photogrammetry.Oulu)),
			Iterations: ptrInt(20),
			Tolerance:  ptrFloat64(0),
			Density:    ptrFloat64(1),
		},
		CamParams:   &optimize.Params{{Field: optimize.FieldViewdir}},
		GroupParams: &optimize.Params{},
		Solver: &Solver{
			FTol: ptrFloat64(1e-8),
			XTol: ptrFloat64(1e-8),
			GTol: ptrFloat64(1e-8),
		},
		Ransac: &Ransac{
			Iterations: ptrInt(100),
			SampleSize: ptrInt(4),
			MaxError:   ptrFloat64(5),
			MinInliers: ptrInt(10),
		},
		Match: &Matching{
			Workers:    ptrInt(1),
			MaxDT:      ptrString("0s"),
			MinNearest: ptrInt(0),
			Weights:    ptrBool(false),
			Overwrite:  ptrBool(false),
		},
	}
}

// Load reads a configuration from a JSON file of at most 1 MiB.
func Load(path string) (*Config, error) {
	clean := filepath.Clean(path)
	if ext := filepath.Ext(clean); ext != ".json" {
		return nil, errors.Errorf("config file must have .json extension, got %q", ext)
	}
	info, err := os.Stat(clean)
	if err != nil {
		return nil, errors.Wrap(err, "stat config file")
	}
	if info.Size() > maxFileSize {
		return nil, errors.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}
	data, err := os.ReadFile(clean)
	if err != nil {
		return nil, errors.Wrap(err, "read config file")
	}
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parse config JSON")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

func positive(name string, v *int) error {
	if v != nil && *v <= 0 {
		return errors.Errorf("%s must be positive, got %d", name, *v)
	}
	return nil
}

// Validate checks the values that are set.
func (c *Config) Validate() error {
	if u := c.Undistortion; u != nil {
		if u.Method != nil {
			switch photogrammetry.UndistortMethod(*u.Method) {
			case photogrammetry.Oulu, photogrammetry.Lookup, photogrammetry.RegulaFalsi:
			default:
				return errors.Errorf("unknown undistortion method %q", *u.Method)
			}
		}
		if err := positive("undistortion iterations", u.Iterations); err != nil {
			return err
		}
		if u.Density != nil && *u.Density <= 0 {
			return errors.Errorf("undistortion density must be positive, got %g", *u.Density)
		}
	}
	if s := c.Solver; s != nil {
		if err := positive("max_nfev", s.MaxNFev); err != nil {
			return err
		}
	}
	if r := c.Ransac; r != nil {
		for name, v := range map[string]*int{"ransac iterations": r.Iterations, "sample_size": r.SampleSize} {
			if err := positive(name, v); err != nil {
				return err
			}
		}
		if r.MinInliers != nil && *r.MinInliers < 0 {
			return errors.Errorf("min_inliers must be non-negative, got %d", *r.MinInliers)
		}
	}
	if m := c.Match; m != nil {
		if err := positive("workers", m.Workers); err != nil {
			return err
		}
		if m.MaxDT != nil && *m.MaxDT != "" {
			if _, err := time.ParseDuration(*m.MaxDT); err != nil {
				return errors.Wrapf(err, "invalid max_dt %q", *m.MaxDT)
			}
		}
		if m.MinNearest != nil && *m.MinNearest < 0 {
			return errors.Errorf("min_nearest must be non-negative, got %d", *m.MinNearest)
		}
	}
	return nil
}

// UndistortOptions returns the undistortion settings of new cameras.
func (c *Config) UndistortOptions() photogrammetry.UndistortOptions {
	var o photogrammetry.UndistortOptions
	if u := c.Undistortion; u != nil {
		if u.Method != nil {
			o.Method = photogrammetry.UndistortMethod(*u.Method)
		}
		if u.Iterations != nil {
			o.Iterations = *u.Iterations
		}
		if u.Tolerance != nil {
			o.Tolerance = *u.Tolerance
		}
		if u.Density != nil {
			o.Density = *u.Density
		}
	}
	return o
}

// FitOptions returns the bundle adjustment options and stages.
func (c *Config) FitOptions() (optimize.Options, []optimize.Stage) {
	var o optimize.Options
	if c.CamParams != nil {
		o.CamParams = []optimize.Params{*c.CamParams}
	}
	if c.GroupParams != nil {
		o.GroupParams = *c.GroupParams
	}
	if s := c.Solver; s != nil {
		if s.MaxNFev != nil {
			o.Solver.MaxNFev = *s.MaxNFev
		}
		if s.FTol != nil {
			o.Solver.FTol = *s.FTol
		}
		if s.XTol != nil {
			o.Solver.XTol = *s.XTol
		}
		if s.GTol != nil {
			o.Solver.GTol = *s.GTol
		}
	}
	var stages []optimize.Stage
	for _, s := range c.Stages {
		var stage optimize.Stage
		if s.CamParams != nil {
			stage.CamParams = []optimize.Params{*s.CamParams}
		}
		if s.GroupParams != nil {
			stage.GroupParams = *s.GroupParams
		}
		stages = append(stages, stage)
	}
	return o, stages
}

// RansacOptions returns the outlier removal settings, or false if outlier
// removal is not configured.
func (c *Config) RansacOptions() (ransac.Options, bool) {
	r := c.Ransac
	if r == nil {
		return ransac.Options{}, false
	}
	d := Defaults().Ransac
	get := func(v, def *int) int {
		if v != nil {
			return *v
		}
		return *def
	}
	o := ransac.Options{
		Iterations: get(r.Iterations, d.Iterations),
		SampleSize: get(r.SampleSize, d.SampleSize),
		MinInliers: get(r.MinInliers, d.MinInliers),
		MaxError:   *d.MaxError,
	}
	if r.MaxError != nil {
		o.MaxError = *r.MaxError
	}
	if r.Seed != nil {
		o.Rand = rand.New(rand.NewSource(*r.Seed))
	}
	return o, true
}

// MatchingOptions returns the match building settings.
func (c *Config) MatchingOptions() matching.Options {
	var o matching.Options
	m := c.Match
	if m == nil {
		return o
	}
	if m.Workers != nil {
		o.Workers = *m.Workers
	}
	if m.MaxDT != nil && *m.MaxDT != "" {
		// Validated by Validate.
		o.MaxDT, _ = time.ParseDuration(*m.MaxDT)
	}
	if m.MinNearest != nil {
		o.MinNearest = *m.MinNearest
	}
	if m.Weights != nil {
		o.Weights = *m.Weights
	}
	if m.Overwrite != nil {
		o.Overwrite = *m.Overwrite
	}
	return o
}
