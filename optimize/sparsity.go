package optimize

import (
	"gonum.org/v1/gonum/mat"
)

// Sparsity is the pattern of a bundle adjustment Jacobian: which residual
// rows depend on which parameter columns. Group parameters affect every
// row; the parameters of a camera affect only the rows of the controls
// that observe it. It implements mat.Matrix with ones and zeros.
type Sparsity struct {
	nGroup int
	// camEnds are the column ends of each camera block, after the group block.
	camEnds []int
	// rowControl is the control of each row.
	rowControl []int
	// live reports whether a control observes a camera: live[control][camera].
	live [][]bool
}

func (s *Sparsity) Dims() (int, int) {
	return len(s.rowControl), s.camEnds[len(s.camEnds)-1]
}

func (s *Sparsity) At(i, j int) float64 {
	r, c := s.Dims()
	if i < 0 || i >= r || j < 0 || j >= c {
		panic(mat.ErrIndexOutOfRange)
	}
	if j < s.nGroup {
		return 1
	}
	cam := 0
	for j >= s.camEnds[cam+1] {
		cam++
	}
	if s.live[s.rowControl[i]][cam] {
		return 1
	}
	return 0
}

func (s *Sparsity) T() mat.Matrix { return mat.Transpose{Matrix: s} }

// rows returns the pattern restricted to the rows of the points in index,
// two rows per point.
func (s *Sparsity) rows(index []int) *Sparsity {
	if index == nil {
		return s
	}
	out := *s
	out.rowControl = make([]int, 0, 2*len(index))
	for _, k := range index {
		out.rowControl = append(out.rowControl, s.rowControl[2*k], s.rowControl[2*k+1])
	}
	return &out
}
