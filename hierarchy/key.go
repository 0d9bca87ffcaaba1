// Package hierarchy describes the aggregation structure relating a collection
// of time series and builds the summing matrix mapping leaf series values to
// every series in the collection.
package hierarchy

import (
	"errors"
	"strings"
)

// Aggregated is the dimension value marking a series as summed over that
// dimension. A series with no aggregated dimensions is a leaf series.
const Aggregated = "<aggregated>"

var (
	ErrHierarchyStructure = errors.New("key table does not describe a valid aggregation structure")
	ErrDimensionMismatch  = errors.New("series key has a different number of dimensions")
)

// SeriesKey is an ordered tuple of categorical values, one per hierarchy or
// grouping dimension. A dimension holds either a concrete category or the
// Aggregated marker.
type SeriesKey []string

// IsLeaf reports whether no dimension of the key is aggregated.
func (k SeriesKey) IsLeaf() bool {
	for _, v := range k {
		if v == Aggregated {
			return false
		}
	}
	return true
}

// Flags returns the aggregated-flag pattern of the key, one flag per dimension.
func (k SeriesKey) Flags() []bool {
	flags := make([]bool, len(k))
	for i, v := range k {
		flags[i] = v == Aggregated
	}
	return flags
}

func (k SeriesKey) String() string {
	return strings.Join(k, "/")
}

// Entry pairs a series key with the original observation row indices belonging
// to that series.
type Entry struct {
	Key  SeriesKey
	Rows []int
}

// KeyTable is an ordered sequence of series definitions, one per series. Leaf
// entries must not share observation rows.
type KeyTable []Entry
