package optimize

import (
	"log"
	"math"
	"strconv"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"sphaeroptica.be/glimpse/control"
	"sphaeroptica.be/glimpse/photogrammetry"
	"sphaeroptica.be/glimpse/ransac"
)

var (
	// ErrNoControls is returned when no control observes the cameras.
	ErrNoControls = errors.New("no controls reference the cameras")
	// ErrImageSizes is returned when f or c are shared by cameras of
	// different image sizes.
	ErrImageSizes = errors.New("'f' or 'c' in group params but image sizes not equal")
	// ErrCameraNotInControls is returned when a camera is not observed by
	// any control.
	ErrCameraNotInControls = errors.New("not all cameras appear in controls")
	// ErrDirectionsXYZ is returned when the position of a camera observed
	// through ray directions would be optimized.
	ErrDirectionsXYZ = errors.New("'xyz' cannot be optimized for cameras observed through ray directions")
	// ErrWeights is returned when weights do not match the observations.
	ErrWeights = errors.New("one weight per observation is required")
	// ErrNotConverged is returned by Fit when the solver does not succeed.
	ErrNotConverged = errors.New("fit did not converge")
)

// Options configure a bundle adjustment.
type Options struct {
	// CamParams are the parameters optimized for each camera separately:
	// one selection per camera, or a single one for all of them. Defaults
	// to the view direction.
	CamParams []Params
	// GroupParams are the parameters shared by all cameras.
	GroupParams Params
	// Weights, if not nil, weigh each observation. Otherwise the weights of
	// weighted controls are used, if any.
	Weights []float64
	// Scales override the computed variable scales.
	Scales []float64
	// Dense estimates the Jacobian without its sparsity pattern.
	Dense bool
	// Solver tunes the least-squares solver.
	Solver SolverOptions
}

// Stage is a preliminary fit over a different selection of parameters.
// Nil fields fall back to those of the final fit.
type Stage struct {
	CamParams   []Params
	GroupParams Params
}

// Cameras adjusts the parameters of cameras to minimize the reprojection
// errors of the controls that observe them.
//
// Values are ordered by group, then by camera [group | cam0 | cam1 | ...],
// each block in camera vector order.
type Cameras struct {
	Cams        []*photogrammetry.Camera
	Controls    []control.Control
	CamParams   []Params
	GroupParams Params
	Solver      SolverOptions

	// Initial, Lower and Upper are the starting values and bounds.
	Initial, Lower, Upper []float64
	// Scales are the characteristic scales of the values.
	Scales []float64
	// Sparsity is the Jacobian pattern, or nil for a dense Jacobian.
	Sparsity *Sparsity

	vectors   []photogrammetry.Vector
	camMasks  []mask
	groupMask mask
	weights   []float64
}

var _ ransac.Model[[]float64] = (*Cameras)(nil)

// NewCameras returns a bundle adjustment of cams over the controls that
// observe them.
func NewCameras(cams []*photogrammetry.Camera, controls []control.Control, opts Options) (*Cameras, error) {
	if len(cams) == 0 {
		return nil, errors.New("no cameras")
	}
	c := &Cameras{
		Cams:        cams,
		Controls:    control.Prune(controls, cams...),
		CamParams:   opts.CamParams,
		GroupParams: opts.GroupParams,
		Solver:      opts.Solver,
	}
	c.vectors = make([]photogrammetry.Vector, len(cams))
	for i, cam := range cams {
		c.vectors[i] = cam.Vector()
	}
	switch len(c.CamParams) {
	case 0:
		c.CamParams = []Params{{{Field: FieldViewdir}}}
		fallthrough
	case 1:
		one := c.CamParams[0]
		c.CamParams = make([]Params, len(cams))
		for i := range c.CamParams {
			c.CamParams[i] = one
		}
	case len(cams):
	default:
		return nil, errors.Errorf("%d camera params for %d cameras", len(c.CamParams), len(cams))
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	if err := c.UpdateParams(); err != nil {
		return nil, err
	}
	if err := c.setWeights(opts.Weights); err != nil {
		return nil, err
	}
	if opts.Scales != nil {
		if len(opts.Scales) != len(c.Initial) {
			return nil, errors.Errorf("%d scales for %d parameters", len(opts.Scales), len(c.Initial))
		}
		c.Scales = opts.Scales
	} else {
		c.Scales = c.scaleFactors()
	}
	if !opts.Dense {
		c.Sparsity = c.buildSparsity()
	}
	return c, nil
}

func directions(ctrl control.Control) bool {
	switch ctrl := ctrl.(type) {
	case *control.Points:
		return ctrl.Directions
	case *control.Lines:
		return ctrl.Directions
	}
	return false
}

func (c *Cameras) validate() error {
	if len(c.Controls) == 0 {
		return ErrNoControls
	}
	if c.GroupParams.Has(FieldF) || c.GroupParams.Has(FieldC) {
		for _, cam := range c.Cams[1:] {
			if cam.Imgsz != c.Cams[0].Imgsz {
				return errors.Wrapf(ErrImageSizes, "%v and %v", c.Cams[0].Imgsz, cam.Imgsz)
			}
		}
	}
	for _, cam := range c.Cams {
		if !c.observed(cam, false) {
			return ErrCameraNotInControls
		}
	}
	if c.GroupParams.Has(FieldXYZ) {
		for _, ctrl := range c.Controls {
			if directions(ctrl) {
				return ErrDirectionsXYZ
			}
		}
	}
	for i, cam := range c.Cams {
		if c.CamParams[i].Has(FieldXYZ) && c.observed(cam, true) {
			return errors.Wrapf(ErrDirectionsXYZ, "camera %d", i)
		}
	}
	return nil
}

// observed reports whether a control observes cam, optionally only through
// ray directions.
func (c *Cameras) observed(cam *photogrammetry.Camera, onlyDirections bool) bool {
	for _, ctrl := range c.Controls {
		if (!onlyDirections || directions(ctrl)) && control.Refers(ctrl, cam) {
			return true
		}
	}
	return false
}

// UpdateParams recomputes the initial values and bounds from the current
// state of the cameras.
func (c *Cameras) UpdateParams() error {
	defaults := make([]Bounds, len(c.Cams))
	var group Bounds
	for j := range group {
		group[j] = [2]float64{math.Inf(-1), math.Inf(1)}
	}
	for i, cam := range c.Cams {
		defaults[i] = CameraBounds(cam)
		for j, b := range defaults[i] {
			group[j] = [2]float64{math.Max(group[j][0], b[0]), math.Min(group[j][1], b[1])}
		}
	}
	gmask, gbounds, err := c.GroupParams.parse(&group)
	if err != nil {
		return errors.Wrap(err, "group params")
	}
	c.groupMask = gmask
	c.Initial, c.Lower, c.Upper = nil, nil, nil
	v := c.Cams[0].Vector()
	for j, ok := range gmask {
		if ok {
			c.Initial = append(c.Initial, v[j])
			c.Lower = append(c.Lower, gbounds[j][0])
			c.Upper = append(c.Upper, gbounds[j][1])
		}
	}
	c.camMasks = make([]mask, len(c.Cams))
	for i, cam := range c.Cams {
		m, b, err := c.CamParams[i].parse(&defaults[i])
		if err != nil {
			return errors.Wrapf(err, "camera %d params", i)
		}
		c.camMasks[i] = m
		v := cam.Vector()
		for j, ok := range m {
			if ok {
				c.Initial = append(c.Initial, v[j])
				c.Lower = append(c.Lower, b[j][0])
				c.Upper = append(c.Upper, b[j][1])
			}
		}
	}
	return nil
}

// Labels names each value: viewdir0 for group values, cam1_f0 for camera
// values.
func (c *Cameras) Labels() []string {
	var labels []string
	for j, ok := range c.groupMask {
		if ok {
			labels = append(labels, vectorLabels[j])
		}
	}
	for i, m := range c.camMasks {
		for j, ok := range m {
			if ok {
				labels = append(labels, "cam"+strconv.Itoa(i)+"_"+vectorLabels[j])
			}
		}
	}
	return labels
}

func (c *Cameras) setWeights(w []float64) error {
	n := c.DataSize()
	if w == nil {
		weighted := false
		for _, ctrl := range c.Controls {
			if wc, ok := ctrl.(control.Weighted); ok && wc.ObservationWeights() != nil {
				weighted = true
			}
		}
		if !weighted {
			return nil
		}
		for _, ctrl := range c.Controls {
			cw := []float64(nil)
			if wc, ok := ctrl.(control.Weighted); ok {
				cw = wc.ObservationWeights()
			}
			if cw == nil {
				cw = constant(ctrl.Size(), 1)
			}
			w = append(w, cw...)
		}
	}
	if len(w) != n {
		return errors.Wrapf(ErrWeights, "%d weights for %d observations", len(w), n)
	}
	sum := floats.Sum(w)
	c.weights = make([]float64, n)
	for i, v := range w {
		c.weights[i] = v * float64(n) / sum
	}
	return nil
}

// Weights returns the normalized weight of each observation, or nil.
func (c *Cameras) Weights() []float64 { return c.weights }

func (c *Cameras) scaleFactors() []float64 {
	scales := make([]photogrammetry.Vector, len(c.Cams))
	for i, cam := range c.Cams {
		scales[i] = ScaleFactors(cam, c.Controls)
	}
	var out []float64
	column := make([]float64, len(c.Cams))
	for j, ok := range c.groupMask {
		if ok {
			for i := range scales {
				column[i] = scales[i][j]
			}
			out = append(out, stat.Mean(column, nil))
		}
	}
	for i, m := range c.camMasks {
		for j, ok := range m {
			if ok {
				out = append(out, scales[i][j])
			}
		}
	}
	return out
}

func (c *Cameras) buildSparsity() *Sparsity {
	s := &Sparsity{nGroup: c.groupMask.count()}
	s.camEnds = append(s.camEnds, s.nGroup)
	for i, m := range c.camMasks {
		s.camEnds = append(s.camEnds, s.camEnds[i]+m.count())
	}
	for k, ctrl := range c.Controls {
		for i := 0; i < 2*ctrl.Size(); i++ {
			s.rowControl = append(s.rowControl, k)
		}
		live := make([]bool, len(c.Cams))
		for i, cam := range c.Cams {
			live[i] = control.Refers(ctrl, cam)
		}
		s.live = append(s.live, live)
	}
	return s
}

// DataSize returns the number of observations.
func (c *Cameras) DataSize() int {
	n := 0
	for _, ctrl := range c.Controls {
		n += ctrl.Size()
	}
	return n
}

// SetCameras applies values to the cameras. The saved vectors are kept, so
// ResetCameras undoes it.
func (c *Cameras) SetCameras(values []float64) error {
	if len(values) != len(c.Initial) {
		return errors.Errorf("%d values for %d parameters", len(values), len(c.Initial))
	}
	nGroup := c.groupMask.count()
	k := nGroup
	for i, cam := range c.Cams {
		v := cam.Vector()
		for j, ok := range c.camMasks[i] {
			if ok {
				v[j] = values[k]
				k++
			}
		}
		g := 0
		for j, ok := range c.groupMask {
			if ok {
				v[j] = values[g]
				g++
			}
		}
		cam.SetVector(v)
	}
	return nil
}

// ResetCameras restores the camera vectors, by default the ones saved at
// construction. With save, vectors become the new saved vectors.
func (c *Cameras) ResetCameras(vectors []photogrammetry.Vector, save bool) {
	if vectors == nil {
		vectors = c.vectors
	} else if save {
		c.vectors = append([]photogrammetry.Vector(nil), vectors...)
	}
	for i, cam := range c.Cams {
		cam.SetVector(vectors[i])
	}
}

func (c *Cameras) snapshot() []photogrammetry.Vector {
	out := make([]photogrammetry.Vector, len(c.Cams))
	for i, cam := range c.Cams {
		out[i] = cam.Vector()
	}
	return out
}

// gather evaluates fn on each control for the observations in index,
// numbered across all controls, and returns the results in index order.
func (c *Cameras) gather(index []int, fn func(ctrl control.Control, local []int) ([]r2.Point, error)) ([]r2.Point, error) {
	if index == nil {
		var out []r2.Point
		for _, ctrl := range c.Controls {
			pts, err := fn(ctrl, nil)
			if err != nil {
				return nil, err
			}
			out = append(out, pts...)
		}
		return out, nil
	}
	ends := make([]int, len(c.Controls))
	n := 0
	for k, ctrl := range c.Controls {
		n += ctrl.Size()
		ends[k] = n
	}
	locals := make([][]int, len(c.Controls))
	positions := make([][]int, len(c.Controls))
	for pos, i := range index {
		if i < 0 || i >= n {
			return nil, errors.Errorf("index %d out of range", i)
		}
		k := 0
		for i >= ends[k] {
			k++
		}
		start := ends[k] - c.Controls[k].Size()
		locals[k] = append(locals[k], i-start)
		positions[k] = append(positions[k], pos)
	}
	out := make([]r2.Point, len(index))
	for k, ctrl := range c.Controls {
		if len(locals[k]) == 0 {
			continue
		}
		pts, err := fn(ctrl, locals[k])
		if err != nil {
			return nil, err
		}
		for j, pos := range positions[k] {
			out[pos] = pts[j]
		}
	}
	return out, nil
}

// Observed returns the observations in index, or all if index is nil.
func (c *Cameras) Observed(index []int) ([]r2.Point, error) {
	return c.gather(index, control.Control.Observed)
}

// Predicted returns the predictions for the observations in index with the
// cameras set to values. Nil values use the cameras as they are.
func (c *Cameras) Predicted(values []float64, index []int) ([]r2.Point, error) {
	if values != nil {
		vectors := c.snapshot()
		defer c.ResetCameras(vectors, false)
		if err := c.SetCameras(values); err != nil {
			return nil, err
		}
	}
	return c.gather(index, control.Control.Predicted)
}

// Residuals returns predicted minus observed coordinates, weighted.
func (c *Cameras) Residuals(values []float64, index []int) ([]r2.Point, error) {
	predicted, err := c.Predicted(values, index)
	if err != nil {
		return nil, err
	}
	observed, err := c.Observed(index)
	if err != nil {
		return nil, err
	}
	d := make([]r2.Point, len(observed))
	for i := range d {
		d[i] = predicted[i].Sub(observed[i])
		if c.weights != nil {
			w := c.weights[i]
			if index != nil {
				w = c.weights[index[i]]
			}
			d[i] = d[i].Mul(w)
		}
	}
	return d, nil
}

// Errors returns the length of each residual.
func (c *Cameras) Errors(values []float64, index []int) ([]float64, error) {
	d, err := c.Residuals(values, index)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(d))
	for i, p := range d {
		out[i] = p.Norm()
	}
	return out, nil
}

func (c *Cameras) residualVector(values []float64, index []int) ([]float64, error) {
	d, err := c.Residuals(values, index)
	if err != nil {
		return nil, err
	}
	out := make([]float64, 0, 2*len(d))
	for _, p := range d {
		out = append(out, p.X, p.Y)
	}
	return out, nil
}

// meanError is the mean length of the residuals in a flat residual vector.
func meanError(residual []float64) float64 {
	lengths := make([]float64, len(residual)/2)
	for i := range lengths {
		lengths[i] = math.Hypot(residual[2*i], residual[2*i+1])
	}
	return stat.Mean(lengths, nil)
}

// FitResult is the outcome of a bundle adjustment.
type FitResult struct {
	// Values are the fitted values, or nil if the fit failed.
	Values  []float64
	Success bool
	Message string
	// Cost is half the sum of squared residuals.
	Cost float64
	NFev int
	// NData is the number of residuals, NaN excluded.
	NData int
	// NVarys is the number of fitted values.
	NVarys int
	// ChiSqr is the sum of squared residuals.
	ChiSqr   float64
	Residual []float64
}

// MeanError is the mean length of the residual vectors.
func (r *FitResult) MeanError() float64 { return meanError(r.Residual) }

func (c *Cameras) problem(index []int) Problem {
	p := Problem{
		Func:  func(x []float64) ([]float64, error) { return c.residualVector(x, index) },
		X0:    c.Initial,
		Lower: c.Lower,
		Upper: c.Upper,
		Scale: c.Scales,
	}
	if c.Sparsity != nil {
		p.Sparsity = c.Sparsity.rows(index)
	}
	return p
}

func (c *Cameras) solve(index []int) (*FitResult, error) {
	sol, err := LeastSquares(c.problem(index), c.Solver, func(iter int, residual []float64) {
		log.Printf("iteration %d: mean error %g", iter, meanError(residual))
	})
	if err != nil {
		return nil, err
	}
	res := &FitResult{
		Success:  sol.Success,
		Message:  sol.Message,
		Cost:     sol.Cost,
		NFev:     sol.NFev,
		NData:    sol.NData,
		NVarys:   len(sol.X),
		ChiSqr:   2 * sol.Cost,
		Residual: sol.Residual,
	}
	if sol.Success {
		res.Values = sol.X
	} else {
		log.Printf("fit failed: %s", sol.Message)
	}
	return res, nil
}

// Adjust returns the camera values that minimize the residuals of the
// observations in index, or all if index is nil. Each stage is fitted first,
// starting from the cameras as left by the previous stage, and the final fit
// starts from the last stage. The cameras are left unchanged.
//
// A fit that does not converge is not an error: the result reports
// Success false and its message, with nil Values.
func (c *Cameras) Adjust(index []int, stages ...Stage) (*FitResult, error) {
	vectors := c.snapshot()
	defer c.ResetCameras(vectors, false)
	if len(stages) > 0 {
		for i, stage := range stages {
			opts := Options{
				CamParams:   stage.CamParams,
				GroupParams: stage.GroupParams,
				Weights:     c.weights,
				Dense:       c.Sparsity == nil,
				Solver:      c.Solver,
			}
			if opts.CamParams == nil {
				opts.CamParams = c.CamParams
			}
			if opts.GroupParams == nil {
				opts.GroupParams = c.GroupParams
			}
			model, err := NewCameras(c.Cams, c.Controls, opts)
			if err != nil {
				return nil, errors.Wrapf(err, "stage %d", i)
			}
			res, err := model.solve(index)
			if err != nil {
				return nil, errors.Wrapf(err, "stage %d", i)
			}
			if res.Values != nil {
				if err := model.SetCameras(res.Values); err != nil {
					return nil, err
				}
			}
		}
		if err := c.UpdateParams(); err != nil {
			return nil, err
		}
		defer func() {
			c.ResetCameras(vectors, false)
			// Initial values and bounds of the unstaged cameras
			if err := c.UpdateParams(); err != nil {
				log.Printf("restoring params: %v", err)
			}
		}()
	}
	return c.solve(index)
}

// Fit returns the values fitted to the observations in index, without
// stages. It returns ErrNotConverged if the fit fails.
func (c *Cameras) Fit(index []int) ([]float64, error) {
	res, err := c.Adjust(index)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, errors.Wrap(ErrNotConverged, res.Message)
	}
	return res.Values, nil
}

// Criteria are model selection criteria of a fit. Lower is better.
type Criteria struct {
	AIC  float64 `json:"aic"`
	CAIC float64 `json:"caic"`
	BIC  float64 `json:"bic"`
	SSD  float64 `json:"ssd"`
	MDL  float64 `json:"mdl"`
}

// ModelCriteria returns the Akaike (AIC), consistent Akaike (CAIC),
// Bayesian (BIC), shortest data description (SSD) and minimum description
// length (MDL) criteria of a fit.
func ModelCriteria(res *FitResult) Criteria {
	n := float64(res.NData)
	k := float64(res.NVarys)
	base := n * math.Log(res.ChiSqr/n)
	return Criteria{
		AIC:  base + 2*k,
		CAIC: base + k*(math.Log(n)+1),
		BIC:  base + 2*k*math.Log(n),
		SSD:  base + k*math.Log((n+2)/24) + math.Log(k+1),
		MDL:  base + 1/(2*k*math.Log(n)),
	}
}
