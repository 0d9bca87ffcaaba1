// Package projection computes the operators mapping incoherent base forecasts
// onto the coherent subspace implied by a summing matrix, and propagates the
// projection through forecast variances.
package projection

import (
	"errors"
	"fmt"
	"math"

	"github.com/james-bowman/sparse"
	"gonum.org/v1/gonum/mat"
)

var (
	ErrFactorization  = errors.New("unable to factorize weight matrix")
	ErrSingularSystem = errors.New("unable to solve reconciliation system")
	ErrNotSumming     = errors.New("matrix is not a valid summing matrix")
	ErrSeriesLen      = errors.New("input length does not match number of series")
)

// Projector holds the projection P mapping base forecasts over all series to
// coherent leaf forecasts, with S·P the oblique projector onto the coherent
// subspace. It is built once per reconciliation call and immutable thereafter.
type Projector struct {
	s  mat.Matrix
	p  *mat.Dense // len(leaves) × len(series)
	sp *mat.Dense // len(series) × len(series), S·P

	// correlation matrix of the weight matrix used for per-step variance
	// propagation; nil for bottom-up where leaf variances sum linearly
	r1 *mat.SymDense
}

// NewMinTrace computes the min-trace projector for the summing matrix s under
// the weight matrix w. The sparse algorithm solves the aggregation constraint
// system U·W·Uᵀ instead of inverting over all series and should be preferred
// when the number of aggregate series is small relative to the total. leaves
// holds the row of s carrying each leaf column's unit vector; pass nil to
// derive it by scanning s.
func NewMinTrace(s mat.Matrix, w *mat.SymDense, sparseAlg bool, leaves []int) (*Projector, error) {
	var p *mat.Dense
	var err error
	if sparseAlg {
		p, err = minTraceSparse(s, w, leaves)
	} else {
		p, err = minTraceDense(s, w)
	}
	if err != nil {
		return nil, err
	}

	pr := &Projector{
		s:  s,
		p:  p,
		r1: correlation(w),
	}
	pr.sp = new(mat.Dense)
	pr.sp.Mul(s, p)
	return pr, nil
}

// NewBottomUp builds the degenerate projector selecting exactly the leaf rows
// of s, discarding all aggregate base forecasts. leaves holds the row of s
// carrying each leaf column's unit vector; pass nil to derive it by scanning s.
func NewBottomUp(s mat.Matrix, leaves []int) (*Projector, error) {
	n, _ := s.Dims()
	rows, err := resolveLeafRows(s, leaves)
	if err != nil {
		return nil, err
	}

	p := mat.NewDense(len(rows), n, nil)
	for j, i := range rows {
		p.Set(j, i, 1)
	}

	pr := &Projector{
		s: s,
		p: p,
	}
	pr.sp = new(mat.Dense)
	pr.sp.Mul(s, p)
	return pr, nil
}

// minTraceDense computes P = (Sᵀ·W⁻¹·S)⁻¹·Sᵀ·W⁻¹ with a Cholesky solve
// against W followed by a direct solve of the leaf-sized system.
func minTraceDense(s mat.Matrix, w *mat.SymDense) (*mat.Dense, error) {
	var chol mat.Cholesky
	if ok := chol.Factorize(w); !ok {
		return nil, ErrFactorization
	}

	var winvS mat.Dense // W⁻¹·S
	if err := chol.SolveTo(&winvS, s); err != nil {
		return nil, fmt.Errorf("solving W·X = S, %w", ErrSingularSystem)
	}

	var g mat.Dense // Sᵀ·W⁻¹·S
	g.Mul(s.T(), &winvS)

	var p mat.Dense
	if err := p.Solve(&g, winvS.T()); err != nil {
		return nil, fmt.Errorf("solving (Sᵀ·W⁻¹·S)·P = Sᵀ·W⁻¹, %w", ErrSingularSystem)
	}
	return &p, nil
}

// minTraceSparse computes P = J − J·W·Uᵀ·(U·W·Uᵀ)⁻¹·U where J selects the
// leaf rows and U encodes the aggregation constraints among the remaining
// series, solving only the aggregate-sized system.
func minTraceSparse(s mat.Matrix, w *mat.SymDense, leafHint []int) (*mat.Dense, error) {
	n, nl := s.Dims()
	leaves, err := resolveLeafRows(s, leafHint)
	if err != nil {
		return nil, err
	}

	isLeaf := make([]bool, n)
	for _, i := range leaves {
		isLeaf[i] = true
	}
	var aggs []int
	for i := 0; i < n; i++ {
		if !isLeaf[i] {
			aggs = append(aggs, i)
		}
	}

	j := sparse.NewDOK(nl, n)
	for col, i := range leaves {
		j.Set(col, i, 1)
	}
	jc := j.ToCSR()

	p := jc.ToDense()
	if len(aggs) == 0 {
		return p, nil
	}

	// U = [I | −S_agg] reordered to original series order: each aggregate row
	// a asserts base[a] − Σ S[a,l]·base[leaf l] = 0 on coherent forecasts
	u := sparse.NewDOK(len(aggs), n)
	for r, a := range aggs {
		u.Set(r, a, 1)
		for col := 0; col < nl; col++ {
			if v := s.At(a, col); v != 0 {
				u.Set(r, leaves[col], -v)
			}
		}
	}
	uc := u.ToCSR()

	var uw mat.Dense // U·W
	uw.Mul(uc, w)
	var uwut mat.Dense // U·W·Uᵀ
	uwut.Mul(&uw, uc.T())

	var x mat.Dense // (U·W·Uᵀ)⁻¹·U
	if err := x.Solve(&uwut, uc.ToDense()); err != nil {
		return nil, fmt.Errorf("solving (U·W·Uᵀ)·X = U, %w", ErrSingularSystem)
	}

	var jw mat.Dense // J·W
	jw.Mul(jc, w)
	var jwut mat.Dense // J·W·Uᵀ
	jwut.Mul(&jw, uc.T())

	var corr mat.Dense
	corr.Mul(&jwut, &x)
	p.Sub(p, &corr)
	return p, nil
}

// resolveLeafRows validates the caller-provided leaf row per summing matrix
// column, or scans s for unit rows when none is given. An aggregate spanning a
// single leaf has a row identical to that leaf's unit row, so the structural
// assignment from the key table is authoritative; the scan tolerates such
// duplicates by claiming the first unit row per column.
func resolveLeafRows(s mat.Matrix, leaves []int) ([]int, error) {
	n, nl := s.Dims()
	if leaves == nil {
		return scanLeafRows(s)
	}

	if len(leaves) != nl {
		return nil, fmt.Errorf("got %d leaf rows for %d columns, %w", len(leaves), nl, ErrNotSumming)
	}
	rows := make([]int, nl)
	for col, i := range leaves {
		if i < 0 || i >= n || !isUnitRow(s, i, col) {
			return nil, fmt.Errorf("row %d is not the unit row for column %d, %w", i, col, ErrNotSumming)
		}
		rows[col] = i
	}
	return rows, nil
}

// scanLeafRows finds, for each summing matrix column, a row holding that
// leaf's unit vector.
func scanLeafRows(s mat.Matrix) ([]int, error) {
	n, nl := s.Dims()
	rows := make([]int, nl)
	found := make([]bool, nl)
	for i := 0; i < n; i++ {
		var nnz int
		col := -1
		unit := true
		for j := 0; j < nl; j++ {
			v := s.At(i, j)
			if v == 0 {
				continue
			}
			if v != 1 {
				unit = false
			}
			nnz++
			col = j
		}
		if nnz == 1 && unit && !found[col] {
			rows[col] = i
			found[col] = true
		}
	}
	for col, ok := range found {
		if !ok {
			return nil, fmt.Errorf("no leaf row for column %d, %w", col, ErrNotSumming)
		}
	}
	return rows, nil
}

func isUnitRow(s mat.Matrix, i, col int) bool {
	_, nl := s.Dims()
	for j := 0; j < nl; j++ {
		v := s.At(i, j)
		if j == col && v != 1 {
			return false
		}
		if j != col && v != 0 {
			return false
		}
	}
	return true
}

// correlation derives the correlation matrix of w.
func correlation(w *mat.SymDense) *mat.SymDense {
	n := w.SymmetricDim()
	r1 := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			d := math.Sqrt(w.At(i, i) * w.At(j, j))
			if d > 0 {
				r1.SetSym(i, j, w.At(i, j)/d)
			}
		}
	}
	return r1
}

// Reconcile maps base forecasts over all series to coherent forecasts via S·P.
func (pr *Projector) Reconcile(base []float64) ([]float64, error) {
	n, _ := pr.sp.Dims()
	if len(base) != n {
		return nil, fmt.Errorf("got %d base forecasts, expected %d, %w", len(base), n, ErrSeriesLen)
	}

	var out mat.VecDense
	out.MulVec(pr.sp, mat.NewVecDense(n, base))

	res := make([]float64, n)
	copy(res, out.RawVector().Data)
	return res, nil
}

// StepVariance propagates one horizon step's per-series forecast standard
// deviations through the projection, returning reconciled per-series
// variances. Min-trace scales the weight correlation matrix by the step's
// standard deviations; bottom-up sums leaf variances linearly.
func (pr *Projector) StepVariance(sd []float64) ([]float64, error) {
	n, _ := pr.sp.Dims()
	if len(sd) != n {
		return nil, fmt.Errorf("got %d standard deviations, expected %d, %w", len(sd), n, ErrSeriesLen)
	}

	out := make([]float64, n)
	if pr.r1 == nil {
		// bottom-up: reconciled variance is the summation of leaf variances
		for i := 0; i < n; i++ {
			var sum float64
			for k := 0; k < n; k++ {
				sum += pr.sp.At(i, k) * sd[k] * sd[k]
			}
			out[i] = sum
		}
		return out, nil
	}

	// W_h = diag(sd)·R1·diag(sd); variance = diag(S·P·W_h·Pᵀ·Sᵀ)
	b := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for k := 0; k < n; k++ {
			b.Set(i, k, pr.sp.At(i, k)*sd[k])
		}
	}
	var br mat.Dense
	br.Mul(b, pr.r1)
	for i := 0; i < n; i++ {
		var sum float64
		for k := 0; k < n; k++ {
			sum += br.At(i, k) * b.At(i, k)
		}
		out[i] = sum
	}
	return out, nil
}

// Matrix returns a copy of the projection matrix P.
func (pr *Projector) Matrix() *mat.Dense {
	var p mat.Dense
	p.CloneFrom(pr.p)
	return &p
}

// CoherenceError returns the maximum absolute entry of S·P·S − S, the
// idempotence residual of the projection on the coherent subspace.
func CoherenceError(s mat.Matrix, p mat.Matrix) float64 {
	var sp mat.Dense
	sp.Mul(s, p)
	var sps mat.Dense
	sps.Mul(&sp, s)

	var diff mat.Dense
	diff.Sub(&sps, s)

	var max float64
	r, c := diff.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if v := math.Abs(diff.At(i, j)); v > max {
				max = v
			}
		}
	}
	return max
}
