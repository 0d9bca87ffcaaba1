package reconciler

import (
	"testing"
	"time"

	"github.com/aouyang1/go-reconciler/hierarchy"
	"github.com/aouyang1/go-reconciler/projection"
	"github.com/aouyang1/go-reconciler/weights"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoLevelTable() hierarchy.KeyTable {
	return hierarchy.KeyTable{
		{Key: hierarchy.SeriesKey{hierarchy.Aggregated}, Rows: []int{0, 1, 2, 3}},
		{Key: hierarchy.SeriesKey{"east"}, Rows: []int{0, 1}},
		{Key: hierarchy.SeriesKey{"west"}, Rows: []int{2, 3}},
	}
}

func horizonTimes(n int) []time.Time {
	t := make([]time.Time, 0, n)
	ct := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		t = append(t, ct.Add(time.Duration(i)*time.Hour))
	}
	return t
}

func regionalForecasts() []*Forecast {
	t := horizonTimes(2)
	return []*Forecast{
		{
			Series:   hierarchy.Aggregated,
			T:        t,
			Family:   FamilyGaussian,
			Mean:     []float64{12, 24},
			Variance: []float64{1, 4},
			Meta:     map[string]string{"unit": "orders"},
		},
		{
			Series:   "east",
			T:        t,
			Family:   FamilyGaussian,
			Mean:     []float64{5, 10},
			Variance: []float64{1, 1},
		},
		{
			Series:   "west",
			T:        t,
			Family:   FamilyGaussian,
			Mean:     []float64{6, 12},
			Variance: []float64{1, 1},
		},
	}
}

func TestReconcileStructural(t *testing.T) {
	opt := NewDefaultOptions()
	opt.Method = weights.MethodWLSStruct

	r, err := New(twoLevelTable(), opt)
	require.NoError(t, err)

	res, err := r.Reconcile(regionalForecasts())
	require.NoError(t, err)
	require.Len(t, res, 3)

	// direct dense solve with W = diag(2,1,1) forces the total towards the
	// leaf sum
	assert.InDeltaSlice(t, []float64{11.5, 23}, res[0].Mean, 1e-10)
	assert.InDeltaSlice(t, []float64{5.25, 10.5}, res[1].Mean, 1e-10)
	assert.InDeltaSlice(t, []float64{6.25, 12.5}, res[2].Mean, 1e-10)

	// reconciled forecasts are coherent at every step
	for step := 0; step < 2; step++ {
		assert.InDelta(t, res[0].Mean[step], res[1].Mean[step]+res[2].Mean[step], 1e-10)
	}

	// metadata and labeling are preserved
	assert.Equal(t, hierarchy.Aggregated, res[0].Series)
	assert.Equal(t, map[string]string{"unit": "orders"}, res[0].Meta)
	assert.Equal(t, FamilyGaussian, res[0].Family)
	assert.Equal(t, horizonTimes(2), res[0].T)
}

func TestReconcileStructuralVariance(t *testing.T) {
	opt := NewDefaultOptions()
	opt.Method = weights.MethodWLSStruct

	r, err := New(twoLevelTable(), opt)
	require.NoError(t, err)

	res, err := r.Reconcile(regionalForecasts())
	require.NoError(t, err)

	// diagonal weights make the step covariance diag(sd²); at step 0 every
	// series has unit variance so variance = Σ (SP)²
	assert.InDelta(t, 0.75, res[0].Variance[0], 1e-10)
	assert.InDelta(t, 0.6875, res[1].Variance[0], 1e-10)
	assert.InDelta(t, 0.6875, res[2].Variance[0], 1e-10)

	// upper and lower summaries recomputed from the reconciled distribution
	for _, sr := range res {
		for step := range sr.Mean {
			assert.Greater(t, sr.Upper[step], sr.Mean[step])
			assert.Less(t, sr.Lower[step], sr.Mean[step])
		}
		assert.InDeltaSlice(t, sr.Mean, sr.Forecast, 1e-12)
	}
}

func TestReconcileSparseMatchesDense(t *testing.T) {
	for _, method := range []weights.Method{weights.MethodOLS, weights.MethodWLSStruct} {
		var meanDense, meanSparse [][]float64
		for _, sparse := range []SparseOption{SparseFalse, SparseTrue} {
			opt := NewDefaultOptions()
			opt.Method = method
			opt.Sparse = sparse

			r, err := New(twoLevelTable(), opt)
			require.NoError(t, err)
			res, err := r.Reconcile(regionalForecasts())
			require.NoError(t, err)

			means := make([][]float64, len(res))
			for i, sr := range res {
				means[i] = sr.Mean
			}
			if sparse == SparseFalse {
				meanDense = means
			} else {
				meanSparse = means
			}
		}
		for i := range meanDense {
			assert.InDeltaSlice(t, meanDense[i], meanSparse[i], 1e-10, method)
		}
	}
}

func TestReconcileBottomUp(t *testing.T) {
	opt := NewDefaultOptions()
	opt.Strategy = StrategyBottomUp

	r, err := New(twoLevelTable(), opt)
	require.NoError(t, err)

	res, err := r.Reconcile(regionalForecasts())
	require.NoError(t, err)

	// leaf forecasts pass through unchanged, total recomputed from leaves
	assert.InDeltaSlice(t, []float64{11, 22}, res[0].Mean, 1e-12)
	assert.InDeltaSlice(t, []float64{5, 10}, res[1].Mean, 1e-12)
	assert.InDeltaSlice(t, []float64{6, 12}, res[2].Mean, 1e-12)

	// leaf variances pass through the summation linearly
	assert.InDeltaSlice(t, []float64{2, 2}, res[0].Variance, 1e-12)
	assert.InDeltaSlice(t, []float64{1, 1}, res[1].Variance, 1e-12)
}

func countryTable() hierarchy.KeyTable {
	return hierarchy.KeyTable{
		{Key: hierarchy.SeriesKey{hierarchy.Aggregated, hierarchy.Aggregated}, Rows: []int{0, 1, 2}},
		{Key: hierarchy.SeriesKey{"US", hierarchy.Aggregated}, Rows: []int{0, 1}},
		{Key: hierarchy.SeriesKey{"CA", hierarchy.Aggregated}, Rows: []int{2}},
		{Key: hierarchy.SeriesKey{"US", "east"}, Rows: []int{0}},
		{Key: hierarchy.SeriesKey{"US", "west"}, Rows: []int{1}},
		{Key: hierarchy.SeriesKey{"CA", "east"}, Rows: []int{2}},
	}
}

func countryForecasts() []*Forecast {
	t := horizonTimes(1)
	means := map[string]float64{
		"<aggregated>/<aggregated>": 10,
		"US/<aggregated>":           7,
		"CA/<aggregated>":           9,
		"US/east":                   2,
		"US/west":                   3,
		"CA/east":                   5,
	}
	fcs := make([]*Forecast, 0, len(means))
	for series, m := range means {
		fcs = append(fcs, &Forecast{
			Series:   series,
			T:        t,
			Family:   FamilyGaussian,
			Mean:     []float64{m},
			Variance: []float64{1},
		})
	}
	return fcs
}

func TestReconcileSingleLeafAggregate(t *testing.T) {
	// the CA subtree holds exactly one leaf, so CA's summing matrix row
	// duplicates the CA/east unit row; every strategy and sparse option must
	// still resolve the leaves from the key table
	for _, sparse := range []SparseOption{SparseAuto, SparseTrue, SparseFalse} {
		opt := NewDefaultOptions()
		opt.Method = weights.MethodWLSStruct
		opt.Sparse = sparse

		r, err := New(countryTable(), opt)
		require.NoError(t, err)
		res, err := r.Reconcile(countryForecasts())
		require.NoError(t, err)
		require.Len(t, res, 6)

		byName := make(map[string]*Result, len(res))
		for _, sr := range res {
			byName[sr.Series] = sr
		}
		total := byName["<aggregated>/<aggregated>"].Mean[0]
		us := byName["US/<aggregated>"].Mean[0]
		ca := byName["CA/<aggregated>"].Mean[0]
		assert.InDelta(t, total, us+ca, 1e-9, sparse)
		assert.InDelta(t, us, byName["US/east"].Mean[0]+byName["US/west"].Mean[0], 1e-9, sparse)
		assert.InDelta(t, ca, byName["CA/east"].Mean[0], 1e-9, sparse)
	}

	opt := NewDefaultOptions()
	opt.Strategy = StrategyBottomUp
	r, err := New(countryTable(), opt)
	require.NoError(t, err)
	res, err := r.Reconcile(countryForecasts())
	require.NoError(t, err)

	byName := make(map[string]*Result, len(res))
	for _, sr := range res {
		byName[sr.Series] = sr
	}
	// CA's own base forecast of 9 is discarded in favor of its single leaf
	assert.InDelta(t, 10, byName["<aggregated>/<aggregated>"].Mean[0], 1e-12)
	assert.InDelta(t, 5, byName["US/<aggregated>"].Mean[0], 1e-12)
	assert.InDelta(t, 5, byName["CA/<aggregated>"].Mean[0], 1e-12)
	assert.InDelta(t, 5, byName["CA/east"].Mean[0], 1e-12)
}

func TestReconcileMinTShrinkEndToEnd(t *testing.T) {
	fcs := regionalForecasts()
	residT := horizonTimes(8)
	resid := [][]float64{
		{1.1, -0.6, 0.4, -0.9, 0.6, -0.2, 0.8, -0.5},
		{0.5, -0.2, 0.3, -0.6, 0.1, -0.3, 0.4, -0.1},
		{0.7, -0.3, 0.2, -0.4, 0.5, 0.1, 0.3, -0.6},
	}
	for i, fc := range fcs {
		fc.ResidualT = residT
		fc.Residual = resid[i]
	}

	r, err := New(twoLevelTable(), nil)
	require.NoError(t, err)

	res, err := r.Reconcile(fcs)
	require.NoError(t, err)

	for step := 0; step < 2; step++ {
		assert.InDelta(t, res[0].Mean[step], res[1].Mean[step]+res[2].Mean[step], 1e-9)
	}

	pr, err := r.Projector()
	require.NoError(t, err)
	s := r.Structure().SummingMatrix()
	assert.Less(t, projection.CoherenceError(s, pr.Matrix()), 1e-9)
}

func TestReconcilePointMassFallback(t *testing.T) {
	opt := NewDefaultOptions()
	opt.Method = weights.MethodOLS

	fcs := regionalForecasts()
	fcs[2].Family = FamilyPoint
	fcs[2].Variance = nil

	r, err := New(twoLevelTable(), opt)
	require.NoError(t, err)
	res, err := r.Reconcile(fcs)
	require.NoError(t, err)

	for _, sr := range res {
		assert.Equal(t, FamilyPoint, sr.Family)
		assert.Empty(t, sr.Variance)
		// bands collapse onto the reconciled mean
		assert.InDeltaSlice(t, sr.Mean, sr.Upper, 1e-12)
		assert.InDeltaSlice(t, sr.Mean, sr.Lower, 1e-12)
	}
}

func TestReconcileCustomSummaries(t *testing.T) {
	opt := NewDefaultOptions()
	opt.Method = weights.MethodWLSStruct
	opt.Summaries = map[string]SummaryFunc{
		"p50": func(mean, _ float64) float64 { return mean },
	}

	r, err := New(twoLevelTable(), opt)
	require.NoError(t, err)
	res, err := r.Reconcile(regionalForecasts())
	require.NoError(t, err)

	for _, sr := range res {
		require.Contains(t, sr.Summaries, "p50")
		assert.InDeltaSlice(t, sr.Mean, sr.Summaries["p50"], 1e-12)
	}
}

func TestNewUnsupportedMethod(t *testing.T) {
	opt := NewDefaultOptions()
	opt.Method = "bogus"

	// fails at construction before any matrix work
	_, err := New(twoLevelTable(), opt)
	assert.ErrorIs(t, err, weights.ErrUnsupportedMethod)
}

func TestNewUnknownStrategy(t *testing.T) {
	opt := NewDefaultOptions()
	opt.Strategy = "top_down"

	_, err := New(twoLevelTable(), opt)
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestReconcileTemporalMismatch(t *testing.T) {
	opt := NewDefaultOptions()
	opt.Method = weights.MethodOLS

	fcs := regionalForecasts()
	fcs[1].T = fcs[1].T[:1]
	fcs[1].Mean = fcs[1].Mean[:1]
	fcs[1].Variance = fcs[1].Variance[:1]

	r, err := New(twoLevelTable(), opt)
	require.NoError(t, err)
	_, err = r.Reconcile(fcs)
	assert.ErrorIs(t, err, ErrTemporalMismatch)
}

func TestReconcileDifferingIntervals(t *testing.T) {
	opt := NewDefaultOptions()
	opt.Method = weights.MethodOLS

	fcs := regionalForecasts()
	shifted := make([]time.Time, len(fcs[2].T))
	for i, ts := range fcs[2].T {
		shifted[i] = ts.Add(30 * time.Minute)
	}
	fcs[2].T = shifted

	r, err := New(twoLevelTable(), opt)
	require.NoError(t, err)
	_, err = r.Reconcile(fcs)
	assert.ErrorIs(t, err, ErrTemporalMismatch)
}

func TestReconcileSeriesMatching(t *testing.T) {
	r, err := New(twoLevelTable(), nil)
	require.NoError(t, err)

	fcs := regionalForecasts()
	fcs[2].Series = "north"
	_, err = r.Reconcile(fcs)
	assert.ErrorIs(t, err, ErrMissingSeries)

	fcs = regionalForecasts()
	fcs[2].Series = "east"
	_, err = r.Reconcile(fcs)
	assert.ErrorIs(t, err, ErrDuplicateSeries)

	_, err = r.Reconcile(nil)
	assert.ErrorIs(t, err, ErrNoForecasts)
}

func TestProjectorBeforeReconcile(t *testing.T) {
	r, err := New(twoLevelTable(), nil)
	require.NoError(t, err)

	_, err = r.Projector()
	assert.ErrorIs(t, err, ErrNotReconciled)
	_, err = r.Model()
	assert.ErrorIs(t, err, ErrNotReconciled)
}
