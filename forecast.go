package reconciler

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aouyang1/go-reconciler/hierarchy"
	"gonum.org/v1/gonum/mat"
)

var (
	ErrNoForecasts         = errors.New("no forecasts to reconcile")
	ErrTemporalMismatch    = errors.New("series have differing forecast horizons or intervals")
	ErrMissingSeries       = errors.New("missing forecast for series")
	ErrUnknownSeries       = errors.New("forecast series not in key table")
	ErrDuplicateSeries     = errors.New("duplicate forecast for series")
	ErrForecastLenMismatch = errors.New("forecast mean and variance have different lengths")
)

// Family identifies the distribution family of a forecast.
type Family string

const (
	// FamilyGaussian forecasts expose a mean and variance per horizon step.
	FamilyGaussian Family = "gaussian"
	// FamilyPoint forecasts are point masses at the mean.
	FamilyPoint Family = "point"
)

// Forecast is one series' base forecast produced by an external model,
// consumed as opaque mean/variance-per-step and residual-per-timestamp data.
// Series must match the String form of the series' key in the key table.
type Forecast struct {
	Series   string            `json:"series"`
	T        []time.Time       `json:"time"`
	Family   Family            `json:"family"`
	Mean     []float64         `json:"mean"`
	Variance []float64         `json:"variance,omitempty"`
	Meta     map[string]string `json:"meta,omitempty"`

	// one-step-ahead forecast errors from the series' own model
	ResidualT []time.Time `json:"residual_time,omitempty"`
	Residual  []float64   `json:"residual,omitempty"`
}

// orderForecasts matches forecasts to key table order by series name.
func orderForecasts(st *hierarchy.Structure, fcs []*Forecast) ([]*Forecast, error) {
	if len(fcs) == 0 {
		return nil, ErrNoForecasts
	}

	bySeries := make(map[string]*Forecast, len(fcs))
	for _, fc := range fcs {
		if _, exists := bySeries[fc.Series]; exists {
			return nil, fmt.Errorf("series %q, %w", fc.Series, ErrDuplicateSeries)
		}
		bySeries[fc.Series] = fc
	}

	keys := st.Keys()
	ordered := make([]*Forecast, len(keys))
	for i, key := range keys {
		fc, exists := bySeries[key.String()]
		if !exists {
			return nil, fmt.Errorf("series %q, %w", key, ErrMissingSeries)
		}
		ordered[i] = fc
		delete(bySeries, key.String())
	}
	for series := range bySeries {
		return nil, fmt.Errorf("series %q, %w", series, ErrUnknownSeries)
	}
	return ordered, nil
}

// validateHorizons checks that every series shares an identical forecast
// horizon and interval. Reconciliation across differing temporal
// granularities is unsupported.
func validateHorizons(ordered []*Forecast) error {
	ref := ordered[0]
	for _, fc := range ordered[1:] {
		if len(fc.Mean) != len(ref.Mean) {
			return fmt.Errorf(
				"series %q has horizon %d, series %q has %d, %w",
				ref.Series, len(ref.Mean), fc.Series, len(fc.Mean), ErrTemporalMismatch,
			)
		}
		if len(fc.T) != len(ref.T) {
			return fmt.Errorf("series %q and %q have differing horizon times, %w", ref.Series, fc.Series, ErrTemporalMismatch)
		}
		for i := range fc.T {
			if !fc.T[i].Equal(ref.T[i]) {
				return fmt.Errorf(
					"series %q and %q diverge at horizon step %d, %w",
					ref.Series, fc.Series, i, ErrTemporalMismatch,
				)
			}
		}
	}
	for _, fc := range ordered {
		if fc.Family == FamilyGaussian && len(fc.Variance) != len(fc.Mean) {
			return fmt.Errorf("series %q has %d variances for %d means, %w", fc.Series, len(fc.Variance), len(fc.Mean), ErrForecastLenMismatch)
		}
	}
	return nil
}

// alignResiduals assembles the timestamps × series residual matrix. Series
// carrying time indexes are joined by timestamp keeping only timestamps
// present in every series; the direct column bind applies only when every
// series shares the identical time index, or no series carries one. Residual
// windows can be shifted relative to one another even at equal lengths, so a
// populated time index always wins over position.
func alignResiduals(ordered []*Forecast) (*mat.Dense, error) {
	timestamped := true
	for _, fc := range ordered {
		if len(fc.ResidualT) == 0 {
			timestamped = false
			break
		}
		if len(fc.ResidualT) != len(fc.Residual) {
			return nil, fmt.Errorf("series %q has %d residual timestamps for %d residuals, %w",
				fc.Series, len(fc.ResidualT), len(fc.Residual), hierarchy.ErrHierarchyStructure)
		}
	}
	if timestamped && !identicalResidualTimes(ordered) {
		return joinResidualsByTime(ordered)
	}

	n := len(ordered[0].Residual)
	for _, fc := range ordered[1:] {
		if len(fc.Residual) != n {
			return nil, fmt.Errorf("series %q residuals cannot be joined by timestamp, %w", fc.Series, hierarchy.ErrHierarchyStructure)
		}
	}
	if n == 0 {
		return nil, fmt.Errorf("aligned residual matrix is empty, %w", hierarchy.ErrHierarchyStructure)
	}
	r := mat.NewDense(n, len(ordered), nil)
	for j, fc := range ordered {
		for i, v := range fc.Residual {
			r.Set(i, j, v)
		}
	}
	return r, nil
}

func identicalResidualTimes(ordered []*Forecast) bool {
	ref := ordered[0].ResidualT
	for _, fc := range ordered[1:] {
		if len(fc.ResidualT) != len(ref) {
			return false
		}
		for i, t := range fc.ResidualT {
			if !t.Equal(ref[i]) {
				return false
			}
		}
	}
	return true
}

// joinResidualsByTime performs a pairwise-complete join on timestamps.
func joinResidualsByTime(ordered []*Forecast) (*mat.Dense, error) {
	counts := make(map[int64]int)
	for _, fc := range ordered {
		seen := make(map[int64]struct{}, len(fc.ResidualT))
		for _, t := range fc.ResidualT {
			ts := t.UnixNano()
			if _, exists := seen[ts]; exists {
				continue
			}
			seen[ts] = struct{}{}
			counts[ts]++
		}
	}

	var common []int64
	for ts, c := range counts {
		if c == len(ordered) {
			common = append(common, ts)
		}
	}
	if len(common) == 0 {
		return nil, fmt.Errorf("aligned residual matrix is empty, %w", hierarchy.ErrHierarchyStructure)
	}
	sort.Slice(common, func(a, b int) bool { return common[a] < common[b] })

	rowOf := make(map[int64]int, len(common))
	for i, ts := range common {
		rowOf[ts] = i
	}

	r := mat.NewDense(len(common), len(ordered), nil)
	for j, fc := range ordered {
		for i, t := range fc.ResidualT {
			if row, exists := rowOf[t.UnixNano()]; exists {
				r.Set(row, j, fc.Residual[i])
			}
		}
	}
	return r, nil
}
