package optimize

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Problem is a bounded nonlinear least-squares problem: minimize half the
// sum of squared residuals of Func over lower <= x <= upper.
type Problem struct {
	// Func returns the residuals at x. NaN residuals are left out.
	Func func(x []float64) ([]float64, error)
	X0   []float64
	// Lower and Upper bound each variable. Nil means unbounded.
	Lower, Upper []float64
	// Scale is the characteristic scale of each variable. Nil means 1.
	Scale []float64
	// Sparsity is nonzero where a residual depends on a variable. Variables
	// that share no residual are perturbed together when estimating the
	// Jacobian. Nil means dense.
	Sparsity mat.Matrix
}

// SolverOptions tune the solver. Zero values select the defaults.
type SolverOptions struct {
	// MaxNFev is the maximum number of function evaluations. Defaults to 100
	// per variable.
	MaxNFev int `json:"max_nfev,omitempty"`
	// FTol stops when the cost decreases by less than this fraction.
	FTol float64 `json:"ftol,omitempty"`
	// XTol stops when the scaled step is smaller than this fraction of the
	// scaled variables.
	XTol float64 `json:"xtol,omitempty"`
	// GTol stops when the largest scaled gradient element is below it.
	GTol float64 `json:"gtol,omitempty"`
}

func (o SolverOptions) withDefaults(n int) SolverOptions {
	if o.MaxNFev <= 0 {
		o.MaxNFev = 100 * n
	}
	if o.FTol <= 0 {
		o.FTol = 1e-8
	}
	if o.XTol <= 0 {
		o.XTol = 1e-8
	}
	if o.GTol <= 0 {
		o.GTol = 1e-8
	}
	return o
}

// Solution is the outcome of LeastSquares.
type Solution struct {
	X []float64
	// Residual at X, with NaN residuals set to zero.
	Residual []float64
	// NData is the number of residuals that are not NaN.
	NData int
	// Cost is half the sum of squared residuals.
	Cost    float64
	NFev    int
	Success bool
	Message string
}

// LeastSquares solves p with a Levenberg-Marquardt method in scaled
// variables, keeping each step within bounds. The Jacobian is estimated by
// forward differences. iterate, if not nil, is called with the residual
// after each accepted step. Errors returned by p.Func are returned as is;
// failure to converge is reported in the Solution.
func LeastSquares(p Problem, opts SolverOptions, iterate func(iter int, residual []float64)) (*Solution, error) {
	n := len(p.X0)
	if n == 0 {
		return nil, errors.New("no variables to optimize")
	}
	opts = opts.withDefaults(n)
	lower, upper, scale := p.Lower, p.Upper, p.Scale
	if lower == nil {
		lower = constant(n, math.Inf(-1))
	}
	if upper == nil {
		upper = constant(n, math.Inf(1))
	}
	if scale == nil {
		scale = constant(n, 1)
	}
	if len(lower) != n || len(upper) != n || len(scale) != n {
		return nil, errors.Errorf("bounds and scales must have %d elements", n)
	}
	x := make([]float64, n)
	for i, v := range p.X0 {
		x[i] = math.Min(math.Max(v, lower[i]), upper[i])
	}

	sol := &Solution{}
	eval := func(x []float64) ([]float64, error) {
		sol.NFev++
		return p.Func(x)
	}
	raw, err := eval(x)
	if err != nil {
		return nil, err
	}
	m := len(raw)
	if m == 0 {
		return nil, errors.New("no residuals")
	}
	groups, rows := columnGroups(p.Sparsity, m, n)
	f := omitNaN(raw)
	cost := halfSquaredNorm(f)

	finish := func(success bool, msg string) (*Solution, error) {
		sol.X, sol.Residual, sol.Cost = x, f, cost
		for _, v := range raw {
			if !math.IsNaN(v) {
				sol.NData++
			}
		}
		sol.Success, sol.Message = success, msg
		return sol, nil
	}

	J := mat.NewDense(m, n, nil)
	var A mat.SymDense
	var chol mat.Cholesky
	g := mat.NewVecDense(n, nil)
	dz := mat.NewVecDense(n, nil)
	lambda := -1.0
	for iter := 1; ; iter++ {
		if sol.NFev >= opts.MaxNFev {
			return finish(false, "maximum number of function evaluations exceeded")
		}
		if err := jacobian(J, eval, x, raw, upper, groups, rows); err != nil {
			return nil, err
		}
		// Work in scaled variables z = x / scale.
		for j := 0; j < n; j++ {
			for i := 0; i < m; i++ {
				J.Set(i, j, J.At(i, j)*scale[j])
			}
		}
		g.MulVec(J.T(), mat.NewVecDense(m, f))
		if mat.Norm(g, math.Inf(1)) < opts.GTol {
			return finish(true, "gradient tolerance satisfied")
		}
		A.SymOuterK(1, J.T())
		if lambda < 0 {
			lambda = 1e-3 * maxDiag(&A)
			if lambda == 0 {
				lambda = 1e-3
			}
		}
		znorm := 0.0
		for j := range x {
			znorm += (x[j] / scale[j]) * (x[j] / scale[j])
		}
		znorm = math.Sqrt(znorm)
		for {
			if sol.NFev >= opts.MaxNFev {
				return finish(false, "maximum number of function evaluations exceeded")
			}
			if lambda > 1e300 {
				return finish(false, "damping diverged without reducing the cost")
			}
			damped := mat.NewSymDense(n, nil)
			damped.CopySym(&A)
			for j := 0; j < n; j++ {
				damped.SetSym(j, j, damped.At(j, j)+lambda)
			}
			if ok := chol.Factorize(damped); !ok {
				lambda *= 10
				continue
			}
			if err := chol.SolveVecTo(dz, g); err != nil {
				lambda *= 10
				continue
			}
			xnew := make([]float64, n)
			step, free := 0.0, 0.0
			for j := range x {
				d := dz.AtVec(j)
				xnew[j] = math.Min(math.Max(x[j]-d*scale[j], lower[j]), upper[j])
				s := (xnew[j] - x[j]) / scale[j]
				step += s * s
				free += d * d
			}
			step, free = math.Sqrt(step), math.Sqrt(free)
			if tol := opts.XTol * (opts.XTol + znorm); step < tol {
				if free >= tol {
					return finish(true, "step blocked by bounds")
				}
				return finish(true, "step size tolerance satisfied")
			}
			rawNew, err := eval(xnew)
			if err != nil {
				return nil, err
			}
			fNew := omitNaN(rawNew)
			costNew := halfSquaredNorm(fNew)
			if costNew < cost {
				reduction := cost - costNew
				x, raw, f = xnew, rawNew, fNew
				cost, lambda = costNew, math.Max(lambda/10, 1e-15)
				if iterate != nil {
					iterate(iter, f)
				}
				if reduction < opts.FTol*(cost+reduction) {
					return finish(true, "cost reduction tolerance satisfied")
				}
				break
			}
			lambda *= 10
		}
	}
}

// jacobian estimates the Jacobian of the residuals at x by forward
// differences, one function evaluation per column group.
func jacobian(J *mat.Dense, eval func([]float64) ([]float64, error), x, f0, upper []float64, groups [][]int, rows [][]int) error {
	J.Zero()
	m, _ := J.Dims()
	h := make([]float64, len(x))
	for _, group := range groups {
		xp := append([]float64(nil), x...)
		for _, j := range group {
			h[j] = math.Sqrt(2.220446049250313e-16) * math.Max(1, math.Abs(x[j]))
			if x[j]+h[j] > upper[j] {
				h[j] = -h[j]
			}
			xp[j] = x[j] + h[j]
			// Use the representable step.
			h[j] = xp[j] - x[j]
		}
		fp, err := eval(xp)
		if err != nil {
			return err
		}
		if len(fp) != m {
			return errors.Errorf("residual length changed from %d to %d", m, len(fp))
		}
		for _, j := range group {
			each := func(i int) {
				if math.IsNaN(fp[i]) || math.IsNaN(f0[i]) {
					return
				}
				J.Set(i, j, (fp[i]-f0[i])/h[j])
			}
			if rows == nil {
				for i := 0; i < m; i++ {
					each(i)
				}
				continue
			}
			for _, i := range rows[j] {
				each(i)
			}
		}
	}
	return nil
}

// columnGroups partitions the columns of a sparsity pattern into groups
// of columns without a common nonzero row, and lists the nonzero rows of
// each column. Without a pattern every column is its own group.
func columnGroups(sparsity mat.Matrix, m, n int) ([][]int, [][]int) {
	if sparsity == nil {
		groups := make([][]int, n)
		for j := range groups {
			groups[j] = []int{j}
		}
		return groups, nil
	}
	rows := make([][]int, n)
	for j := 0; j < n; j++ {
		for i := 0; i < m; i++ {
			if sparsity.At(i, j) != 0 {
				rows[j] = append(rows[j], i)
			}
		}
	}
	var groups [][]int
	var used [][]bool
	for j := 0; j < n; j++ {
		placed := false
		for k := range groups {
			free := true
			for _, i := range rows[j] {
				if used[k][i] {
					free = false
					break
				}
			}
			if !free {
				continue
			}
			groups[k] = append(groups[k], j)
			for _, i := range rows[j] {
				used[k][i] = true
			}
			placed = true
			break
		}
		if !placed {
			occupied := make([]bool, m)
			for _, i := range rows[j] {
				occupied[i] = true
			}
			groups = append(groups, []int{j})
			used = append(used, occupied)
		}
	}
	return groups, rows
}

func constant(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func omitNaN(f []float64) []float64 {
	out := make([]float64, len(f))
	for i, v := range f {
		if !math.IsNaN(v) {
			out[i] = v
		}
	}
	return out
}

func halfSquaredNorm(f []float64) float64 {
	return floats.Dot(f, f) / 2
}

func maxDiag(a mat.Symmetric) float64 {
	var out float64
	for i := 0; i < a.SymmetricDim(); i++ {
		out = math.Max(out, a.At(i, i))
	}
	return out
}
