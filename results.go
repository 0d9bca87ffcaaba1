package reconciler

import "time"

// Result is one series' reconciled forecast with its recomputed point
// summaries and the original labeling carried through.
type Result struct {
	Series   string            `json:"series"`
	T        []time.Time       `json:"time"`
	Family   Family            `json:"family"`
	Mean     []float64         `json:"mean"`
	Variance []float64         `json:"variance,omitempty"`
	Meta     map[string]string `json:"meta,omitempty"`

	Forecast []float64 `json:"forecast"`
	Upper    []float64 `json:"upper"`
	Lower    []float64 `json:"lower"`

	// additional caller-supplied summaries keyed by label
	Summaries map[string][]float64 `json:"summaries,omitempty"`
}
