package ransac

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Polynomial is a least-squares 1-D polynomial of degree Deg fit to points
// (x, y). Parameters are ordered from the highest degree to the constant.
type Polynomial struct {
	Data []r2.Point
	Deg  int
}

var _ Model[[]float64] = (*Polynomial)(nil)

func (p *Polynomial) DataSize() int { return len(p.Data) }

func (p *Polynomial) points(index []int) []r2.Point {
	if index == nil {
		return p.Data
	}
	out := make([]r2.Point, len(index))
	for i, j := range index {
		out[i] = p.Data[j]
	}
	return out
}

// Predict evaluates the polynomial at the x of each point in index.
func (p *Polynomial) Predict(params []float64, index []int) []float64 {
	pts := p.points(index)
	out := make([]float64, len(pts))
	for i, pt := range pts {
		var y float64
		for _, c := range params {
			y = y*pt.X + c
		}
		out[i] = y
	}
	return out
}

// Errors returns the absolute difference between predicted and observed y.
func (p *Polynomial) Errors(params []float64, index []int) ([]float64, error) {
	pts := p.points(index)
	pred := p.Predict(params, index)
	for i := range pred {
		pred[i] = math.Abs(pred[i] - pts[i].Y)
	}
	return pred, nil
}

// Fit returns the least-squares polynomial through the points in index.
func (p *Polynomial) Fit(index []int) ([]float64, error) {
	pts := p.points(index)
	m := p.Deg + 1
	if len(pts) < m {
		return nil, errors.Errorf("%d points cannot fit a polynomial of degree %d", len(pts), p.Deg)
	}
	A := mat.NewDense(len(pts), m, nil)
	b := mat.NewVecDense(len(pts), nil)
	for i, pt := range pts {
		x := 1.0
		for j := m - 1; j >= 0; j-- {
			A.Set(i, j, x)
			x *= pt.X
		}
		b.SetVec(i, pt.Y)
	}
	var qr mat.QR
	qr.Factorize(A)
	var coef mat.VecDense
	if err := qr.SolveVecTo(&coef, false, b); err != nil {
		return nil, errors.Wrap(err, "polynomial fit")
	}
	return coef.RawVector().Data, nil
}
