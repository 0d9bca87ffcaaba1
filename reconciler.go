package reconciler

import (
	"errors"
	"fmt"
	"math"

	"github.com/aouyang1/go-reconciler/hierarchy"
	"github.com/aouyang1/go-reconciler/projection"
	"github.com/aouyang1/go-reconciler/weights"
	"gonum.org/v1/gonum/mat"
)

var (
	ErrUnknownStrategy = errors.New("unknown reconciliation strategy")
	ErrNotReconciled   = errors.New("no reconciliation has been run")
)

// Reconciler maps a collection of independently produced base forecasts onto
// the coherent subspace implied by the hierarchy's summation constraints.
// Single-threaded; the structure is derived once at construction and the
// projector once per Reconcile call.
type Reconciler struct {
	opt       *Options
	structure *hierarchy.Structure
	strat     strategy

	projector *projection.Projector // from the most recent Reconcile
}

type strategy interface {
	reconcile(ordered []*Forecast) (*projection.Projector, error)
}

// New creates a Reconciler for the hierarchy described by the key table. If
// no options are provided a default is used. The weighting method is
// validated here, before any matrix work.
func New(table hierarchy.KeyTable, opt *Options) (*Reconciler, error) {
	if opt == nil {
		opt = NewDefaultOptions()
	}

	st, err := hierarchy.NewStructure(table)
	if err != nil {
		return nil, fmt.Errorf("unable to resolve aggregation structure, %w", err)
	}

	r := &Reconciler{
		opt:       opt,
		structure: st,
	}
	switch opt.Strategy {
	case StrategyMinTrace:
		if err := weights.ValidateMethod(opt.Method); err != nil {
			return nil, err
		}
		r.strat = &minTraceStrategy{structure: st, opt: opt}
	case StrategyBottomUp:
		r.strat = &bottomUpStrategy{structure: st, opt: opt}
	default:
		return nil, fmt.Errorf("strategy %q, %w", opt.Strategy, ErrUnknownStrategy)
	}
	return r, nil
}

// Reconcile replaces every series' forecast with its reconciled distribution
// and recomputed point summaries. Results are returned in the input order
// with original metadata reattached.
func (r *Reconciler) Reconcile(fcs []*Forecast) ([]*Result, error) {
	ordered, err := orderForecasts(r.structure, fcs)
	if err != nil {
		return nil, err
	}
	if err := validateHorizons(ordered); err != nil {
		return nil, err
	}

	pr, err := r.strat.reconcile(ordered)
	if err != nil {
		return nil, err
	}
	r.projector = pr

	return applyProjector(r.structure, pr, ordered, fcs, r.opt)
}

// Structure returns the resolved aggregation structure.
func (r *Reconciler) Structure() *hierarchy.Structure {
	return r.structure
}

// Projector returns the projector computed by the most recent Reconcile call.
func (r *Reconciler) Projector() (*projection.Projector, error) {
	if r.projector == nil {
		return nil, ErrNotReconciled
	}
	return r.projector, nil
}

type minTraceStrategy struct {
	structure *hierarchy.Structure
	opt       *Options
}

func (m *minTraceStrategy) reconcile(ordered []*Forecast) (*projection.Projector, error) {
	var residual *mat.Dense
	var err error
	if methodNeedsResiduals(m.opt.Method) {
		residual, err = alignResiduals(ordered)
		if err != nil {
			return nil, err
		}
	}

	useSparse := resolveSparse(m.opt.Sparse, m.structure)
	s := summingMatrix(m.structure, useSparse)

	w, err := weights.Estimate(residual, s, m.opt.Method)
	if err != nil {
		return nil, fmt.Errorf("unable to estimate weight matrix, %w", err)
	}

	pr, err := projection.NewMinTrace(s, w, useSparse, m.structure.LeafIndices())
	if err != nil {
		return nil, fmt.Errorf("unable to compute min-trace projector, %w", err)
	}
	return pr, nil
}

type bottomUpStrategy struct {
	structure *hierarchy.Structure
	opt       *Options
}

func (b *bottomUpStrategy) reconcile([]*Forecast) (*projection.Projector, error) {
	useSparse := resolveSparse(b.opt.Sparse, b.structure)
	s := summingMatrix(b.structure, useSparse)

	pr, err := projection.NewBottomUp(s, b.structure.LeafIndices())
	if err != nil {
		return nil, fmt.Errorf("unable to compute bottom-up projector, %w", err)
	}
	return pr, nil
}

func methodNeedsResiduals(method weights.Method) bool {
	switch method {
	case weights.MethodOLS, weights.MethodWLSStruct:
		return false
	}
	return true
}

// resolveSparse fixes the code path once per call. Auto selects sparse when
// the hierarchy carries aggregate series, else dense.
func resolveSparse(opt SparseOption, st *hierarchy.Structure) bool {
	switch opt {
	case SparseTrue:
		return true
	case SparseFalse:
		return false
	}
	return st.NumSeries() > st.NumLeaves()
}

func summingMatrix(st *hierarchy.Structure, useSparse bool) mat.Matrix {
	if useSparse {
		return st.SummingMatrixSparse()
	}
	return st.SummingMatrix()
}

// applyProjector propagates the projection through forecast means and, for
// Gaussian forecasts, variances at every horizon step independently.
func applyProjector(st *hierarchy.Structure, pr *projection.Projector, ordered, input []*Forecast, opt *Options) ([]*Result, error) {
	n := st.NumSeries()
	horizon := len(ordered[0].Mean)

	gaussian := true
	for _, fc := range ordered {
		if fc.Family != FamilyGaussian {
			gaussian = false
			break
		}
	}

	recMean := make([][]float64, n)
	recVar := make([][]float64, n)
	for i := 0; i < n; i++ {
		recMean[i] = make([]float64, horizon)
		if gaussian {
			recVar[i] = make([]float64, horizon)
		}
	}

	base := make([]float64, n)
	sd := make([]float64, n)
	for step := 0; step < horizon; step++ {
		for i, fc := range ordered {
			base[i] = fc.Mean[step]
		}
		rec, err := pr.Reconcile(base)
		if err != nil {
			return nil, fmt.Errorf("unable to reconcile horizon step %d, %w", step, err)
		}
		for i := 0; i < n; i++ {
			recMean[i][step] = rec[i]
		}

		if !gaussian {
			continue
		}
		for i, fc := range ordered {
			sd[i] = math.Sqrt(fc.Variance[step])
		}
		vars, err := pr.StepVariance(sd)
		if err != nil {
			return nil, fmt.Errorf("unable to propagate variance at horizon step %d, %w", step, err)
		}
		for i := 0; i < n; i++ {
			recVar[i][step] = vars[i]
		}
	}

	rowOf := make(map[string]int, n)
	for i, key := range st.Keys() {
		rowOf[key.String()] = i
	}

	results := make([]*Result, 0, len(input))
	for _, fc := range input {
		i := rowOf[fc.Series]
		res := &Result{
			Series: fc.Series,
			T:      fc.T,
			Mean:   recMean[i],
			Meta:   fc.Meta,
			Family: FamilyPoint,
		}
		if gaussian {
			res.Family = FamilyGaussian
			res.Variance = recVar[i]
		}
		summarize(res, opt)
		results = append(results, res)
	}
	return results, nil
}

// summarize recomputes the point forecast summaries from the reconciled
// distribution. Point-mass results collapse the bands onto the mean.
func summarize(res *Result, opt *Options) {
	horizon := len(res.Mean)
	res.Forecast = make([]float64, horizon)
	res.Upper = make([]float64, horizon)
	res.Lower = make([]float64, horizon)

	for step := 0; step < horizon; step++ {
		m := res.Mean[step]
		var stddev float64
		if res.Family == FamilyGaussian {
			stddev = math.Sqrt(res.Variance[step])
		}
		res.Forecast[step] = m
		res.Upper[step] = m + opt.Zscore*stddev
		res.Lower[step] = m - opt.Zscore*stddev
	}

	if len(opt.Summaries) == 0 {
		return
	}
	res.Summaries = make(map[string][]float64, len(opt.Summaries))
	for label, fn := range opt.Summaries {
		vals := make([]float64, horizon)
		for step := 0; step < horizon; step++ {
			var stddev float64
			if res.Family == FamilyGaussian {
				stddev = math.Sqrt(res.Variance[step])
			}
			vals[step] = fn(res.Mean[step], stddev)
		}
		res.Summaries[label] = vals
	}
}
