// Package weights estimates the cross-sectional weighting matrix used by
// min-trace reconciliation from a matrix of one-step-ahead forecast errors.
package weights

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Method selects the weighting matrix estimator.
type Method string

const (
	// MethodOLS weights all series equally with an identity matrix.
	MethodOLS Method = "ols"
	// MethodWLSVar weights each series by its residual sample variance.
	MethodWLSVar Method = "wls_var"
	// MethodWLSStruct weights each series by the number of leaves it aggregates.
	MethodWLSStruct Method = "wls_struct"
	// MethodMinTCov uses the full sample covariance of the residuals.
	MethodMinTCov Method = "mint_cov"
	// MethodMinTShrink shrinks the sample covariance towards its diagonal.
	MethodMinTShrink Method = "mint_shrink"
)

var (
	ErrUnsupportedMethod   = errors.New("unsupported weighting method")
	ErrNotPositiveDefinite = errors.New("weight matrix is not positive definite")
	ErrNoResiduals         = errors.New("no residual observations")
)

// MinEigenvalue is the smallest eigenvalue accepted when validating that an
// estimated weight matrix is positive definite.
const MinEigenvalue = 1e-8

// ValidateMethod checks the method name before any matrix work is done.
func ValidateMethod(method Method) error {
	switch method {
	case MethodOLS, MethodWLSVar, MethodWLSStruct, MethodMinTCov, MethodMinTShrink:
		return nil
	}
	return fmt.Errorf("method %q, %w", method, ErrUnsupportedMethod)
}

// Estimate computes the weighting matrix over all series from an aligned
// residual matrix (rows are timestamps, columns are series) and the summing
// matrix s. The result is validated to be positive definite.
func Estimate(residual *mat.Dense, s mat.Matrix, method Method) (*mat.SymDense, error) {
	if err := ValidateMethod(method); err != nil {
		return nil, err
	}

	n, _ := s.Dims()

	var w *mat.SymDense
	switch method {
	case MethodOLS:
		w = identity(n)
	case MethodWLSStruct:
		w = structuralDiag(s)
	case MethodWLSVar:
		cov, err := sampleCovariance(residual, n)
		if err != nil {
			return nil, err
		}
		w = diagOf(cov)
	case MethodMinTCov:
		cov, err := sampleCovariance(residual, n)
		if err != nil {
			return nil, err
		}
		w = cov
	case MethodMinTShrink:
		cov, err := sampleCovariance(residual, n)
		if err != nil {
			return nil, err
		}
		w = shrink(residual, cov)
	}

	if err := validatePositiveDefinite(w); err != nil {
		return nil, err
	}
	return w, nil
}

func identity(n int) *mat.SymDense {
	w := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		w.SetSym(i, i, 1)
	}
	return w
}

// structuralDiag weights series by their summing matrix row sums, the number
// of leaves each series aggregates.
func structuralDiag(s mat.Matrix) *mat.SymDense {
	n, nl := s.Dims()
	w := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		var sum float64
		for j := 0; j < nl; j++ {
			sum += s.At(i, j)
		}
		w.SetSym(i, i, sum)
	}
	return w
}

// sampleCovariance computes (Rᵀ·R)/n over the aligned residuals. Residuals
// are one-step forecast errors and treated as mean zero.
func sampleCovariance(residual *mat.Dense, n int) (*mat.SymDense, error) {
	if residual == nil {
		return nil, ErrNoResiduals
	}
	rows, cols := residual.Dims()
	if rows == 0 {
		return nil, ErrNoResiduals
	}
	if cols != n {
		return nil, fmt.Errorf("residual matrix has %d series, summing matrix has %d, %w", cols, n, ErrNoResiduals)
	}

	var rtr mat.Dense
	rtr.Mul(residual.T(), residual)
	rtr.Scale(1/float64(rows), &rtr)

	cov := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			cov.SetSym(i, j, rtr.At(i, j))
		}
	}
	return cov, nil
}

func diagOf(cov *mat.SymDense) *mat.SymDense {
	n := cov.SymmetricDim()
	w := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		w.SetSym(i, i, cov.At(i, i))
	}
	return w
}

// shrink blends the diagonal target with the sample covariance under the
// estimated shrinkage intensity.
func shrink(residual *mat.Dense, cov *mat.SymDense) *mat.SymDense {
	return blendCovariance(cov, shrinkIntensity(residual, cov))
}

// shrinkIntensity estimates the shrinkage intensity λ as the ratio of the
// summed variances of the pairwise sample correlations to the summed squared
// off-diagonal correlations, clipped to [0, 1]. Uncorrelated residuals push λ
// towards 1 (the diagonal target), strongly correlated residuals towards 0
// (the sample covariance).
func shrinkIntensity(residual *mat.Dense, cov *mat.SymDense) float64 {
	rows, n := residual.Dims()

	// standardize residuals by each series' sample standard deviation
	xs := mat.NewDense(rows, n, nil)
	for j := 0; j < n; j++ {
		sd := math.Sqrt(cov.At(j, j))
		for t := 0; t < rows; t++ {
			if sd > 0 {
				xs.Set(t, j, residual.At(t, j)/sd)
			}
		}
	}

	var lambdaNum, lambdaDen float64
	nf := float64(rows)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			var sumSq, sum float64
			for t := 0; t < rows; t++ {
				p := xs.At(t, i) * xs.At(t, j)
				sum += p
				sumSq += p * p
			}
			if rows > 1 {
				lambdaNum += (sumSq - sum*sum/nf) / (nf * (nf - 1))
			}
			corr := sum / nf
			lambdaDen += corr * corr
		}
	}

	lambda := 1.0
	if lambdaDen > 0 {
		lambda = lambdaNum / lambdaDen
	}
	return math.Max(0, math.Min(1, lambda))
}

// blendCovariance returns λ·diag(cov) + (1−λ)·cov. At λ = 1 the blend is the
// wls_var diagonal; at λ = 0 it is the mint_cov sample covariance.
func blendCovariance(cov *mat.SymDense, lambda float64) *mat.SymDense {
	n := cov.SymmetricDim()
	target := diagOf(cov)
	w := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			w.SetSym(i, j, lambda*target.At(i, j)+(1-lambda)*cov.At(i, j))
		}
	}
	return w
}

func validatePositiveDefinite(w *mat.SymDense) error {
	var eig mat.EigenSym
	if ok := eig.Factorize(w, false); !ok {
		return fmt.Errorf("eigendecomposition failed, %w", ErrNotPositiveDefinite)
	}
	vals := eig.Values(nil)
	for _, v := range vals {
		if v <= MinEigenvalue {
			return fmt.Errorf("eigenvalue %g below %g, %w", v, MinEigenvalue, ErrNotPositiveDefinite)
		}
	}
	return nil
}
