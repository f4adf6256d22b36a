// Package ransac fits model parameters to data containing outliers with the
// Random Sample Consensus algorithm.
package ransac

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

var (
	// ErrNoConsensus is returned when no candidate meets the acceptance criteria.
	ErrNoConsensus = errors.New("best fit does not meet acceptance criteria")
	// ErrSampleSize is returned when the sample would include all the data.
	ErrSampleSize = errors.New("sample size must be smaller than data size")
)

// Model is a model bound to the data it is fit to.
type Model[P any] interface {
	// DataSize returns the number of data elements.
	DataSize() int
	// Fit returns the parameters fit to the elements in index. An error
	// means the sample could not be fit.
	Fit(index []int) (P, error)
	// Errors returns the error of each element in index, or of all elements
	// if index is nil.
	Errors(params P, index []int) ([]float64, error)
}

// Options configure a RANSAC search.
type Options struct {
	// SampleSize is the number of elements used to fit a candidate.
	SampleSize int
	// MaxError is the error at or below which an element is an inlier.
	MaxError float64
	// MinInliers is the number of inliers, beyond the sample, a candidate
	// needs to be considered.
	MinInliers int
	// Iterations is the number of samples drawn. Defaults to 100.
	Iterations int
	// Rand is the source of samples. Defaults to the math/rand global source.
	Rand *rand.Rand
}

// Fit returns the best parameters found and the indices of their inliers.
//
// Each iteration fits a random sample and counts the other elements with an
// error below MaxError. Candidates with more than MinInliers such elements
// are refit on sample and inliers, and the one with the lowest mean error
// wins. A sample that cannot be fit still uses up its iteration. The final
// inliers are recomputed against the winning parameters over all the data.
func Fit[P any](model Model[P], opts Options) (P, []int, error) {
	var best P
	n := model.DataSize()
	if opts.SampleSize >= n {
		return best, nil, errors.Wrapf(ErrSampleSize, "%d >= %d", opts.SampleSize, n)
	}
	iterations := opts.Iterations
	if iterations <= 0 {
		iterations = 100
	}
	perm := rand.Perm
	if opts.Rand != nil {
		perm = opts.Rand.Perm
	}
	found := false
	bestErr := math.Inf(1)
	for i := 0; i < iterations; i++ {
		idx := perm(n)
		sample, test := idx[:opts.SampleSize], idx[opts.SampleSize:]
		params, err := model.Fit(sample)
		if err != nil {
			continue
		}
		errs, err := model.Errors(params, test)
		if err != nil {
			return best, nil, err
		}
		also := make([]int, 0, len(test))
		for j, e := range errs {
			if e < opts.MaxError {
				also = append(also, test[j])
			}
		}
		if len(also) <= opts.MinInliers {
			continue
		}
		better := append(append([]int(nil), sample...), also...)
		params, err = model.Fit(better)
		if err != nil {
			continue
		}
		errs, err = model.Errors(params, better)
		if err != nil {
			return best, nil, err
		}
		if mean := stat.Mean(errs, nil); mean < bestErr {
			best, bestErr, found = params, mean, true
		}
	}
	if !found {
		return best, nil, ErrNoConsensus
	}
	errs, err := model.Errors(best, nil)
	if err != nil {
		return best, nil, err
	}
	var inliers []int
	for i, e := range errs {
		if e <= opts.MaxError {
			inliers = append(inliers, i)
		}
	}
	return best, inliers, nil
}
