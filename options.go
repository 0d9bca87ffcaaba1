package reconciler

import (
	"github.com/aouyang1/go-reconciler/weights"
)

// StrategyType selects how base forecasts are mapped onto the coherent
// subspace.
type StrategyType string

const (
	// StrategyMinTrace projects base forecasts using a weighting matrix
	// estimated from forecast residuals.
	StrategyMinTrace StrategyType = "min_trace"
	// StrategyBottomUp discards aggregate base forecasts and recomputes them
	// from the leaves.
	StrategyBottomUp StrategyType = "bottom_up"
)

// SparseOption controls whether the summing matrix and projector use the
// sparse code path.
type SparseOption string

const (
	// SparseAuto selects the sparse path when the hierarchy carries aggregate
	// series, else dense.
	SparseAuto  SparseOption = "auto"
	SparseTrue  SparseOption = "true"
	SparseFalse SparseOption = "false"
)

// SummaryFunc derives a point summary from a reconciled step mean and
// standard deviation.
type SummaryFunc func(mean, stddev float64) float64

type Options struct {
	Strategy StrategyType   `json:"strategy"`
	Method   weights.Method `json:"method"`
	Sparse   SparseOption   `json:"sparse"`

	// Zscore sets the width of the upper and lower summary bands on the
	// reconciled Gaussian distributions.
	Zscore float64 `json:"zscore"`

	// Summaries holds additional caller-supplied point summaries recomputed
	// from the reconciled distributions, keyed by output label.
	Summaries map[string]SummaryFunc `json:"-"`
}

func NewDefaultOptions() *Options {
	return &Options{
		Strategy: StrategyMinTrace,
		Method:   weights.MethodMinTShrink,
		Sparse:   SparseAuto,
		Zscore:   1.96,
	}
}
