package hierarchy

import (
	"fmt"
	"sort"
)

// Level groups the series sharing the same aggregated-flag pattern.
type Level struct {
	flags  []bool
	series []int // table row indices in original order
}

func (l Level) aggCount() int {
	var n int
	for _, f := range l.flags {
		if f {
			n++
		}
	}
	return n
}

// moreAggregatedThan reports whether l is aggregated at every dimension o is.
func (l Level) moreAggregatedThan(o Level) bool {
	for d := range l.flags {
		if o.flags[d] && !l.flags[d] {
			return false
		}
	}
	return true
}

// Structure is the resolved aggregation structure of a key table. It is
// derived once per hierarchy and immutable thereafter.
type Structure struct {
	table  KeyTable
	dims   int
	levels []Level // chain order, leaves first
	leaves []int   // table row indices of leaf series, canonical column order
	agg    [][]int // per table row, the leaf column ids composing the series
}

// NewStructure groups the key table into aggregation levels, identifies the
// unique leaf level, and resolves every series' constituent leaf set. The
// levels must form a single chain under the "more aggregated than" elementwise
// ordering; cross-classified groupings whose levels cannot be ordered fail
// with ErrHierarchyStructure.
func NewStructure(table KeyTable) (*Structure, error) {
	if len(table) == 0 {
		return nil, fmt.Errorf("empty key table, %w", ErrHierarchyStructure)
	}

	dims := len(table[0].Key)
	for i, e := range table {
		if len(e.Key) != dims {
			return nil, fmt.Errorf("series %d has %d dimensions, expected %d, %w", i, len(e.Key), dims, ErrDimensionMismatch)
		}
	}

	levels, err := groupLevels(table)
	if err != nil {
		return nil, err
	}

	leaves := levels[0].series
	leafPos := make(map[int]int, len(leaves))
	for j, ti := range leaves {
		leafPos[ti] = j
	}

	if err := validateLeafRows(table, leaves); err != nil {
		return nil, err
	}

	st := &Structure{
		table:  table,
		dims:   dims,
		levels: levels,
		leaves: leaves,
		agg:    make([][]int, len(table)),
	}

	// resolve every series to the leaf columns matching its non-aggregated
	// dimension values
	for i, e := range table {
		if e.Key.IsLeaf() {
			st.agg[i] = []int{leafPos[i]}
			continue
		}
		var cols []int
		for j, ti := range leaves {
			if matchesLeaf(e.Key, table[ti].Key) {
				cols = append(cols, j)
			}
		}
		st.agg[i] = cols
	}

	return st, nil
}

// groupLevels buckets series by aggregated-flag pattern and orders the levels
// into a chain, leaves first.
func groupLevels(table KeyTable) ([]Level, error) {
	var levels []Level
	byPattern := make(map[string]int)
	for i, e := range table {
		flags := e.Key.Flags()
		pat := patternKey(flags)
		li, exists := byPattern[pat]
		if !exists {
			li = len(levels)
			byPattern[pat] = li
			levels = append(levels, Level{flags: flags})
		}
		levels[li].series = append(levels[li].series, i)
	}

	sort.SliceStable(levels, func(a, b int) bool {
		return levels[a].aggCount() < levels[b].aggCount()
	})

	if levels[0].aggCount() != 0 {
		return nil, fmt.Errorf("no leaf level with zero aggregated dimensions, %w", ErrHierarchyStructure)
	}

	// a chain requires each level to contain the previous; two levels with the
	// same aggregation count but different patterns are incomparable
	for i := 1; i < len(levels); i++ {
		prev, curr := levels[i-1], levels[i]
		if curr.aggCount() == prev.aggCount() || !curr.moreAggregatedThan(prev) {
			return nil, fmt.Errorf(
				"aggregation levels %q and %q cannot be ordered, %w",
				patternKey(prev.flags), patternKey(curr.flags), ErrHierarchyStructure,
			)
		}
	}
	return levels, nil
}

// matchesLeaf reports whether the leaf key agrees with the series key on every
// non-aggregated dimension of the series.
func matchesLeaf(key, leafKey SeriesKey) bool {
	for d, v := range key {
		if v == Aggregated {
			continue
		}
		if leafKey[d] != v {
			return false
		}
	}
	return true
}

// validateLeafRows checks that leaf series never share observation rows.
func validateLeafRows(table KeyTable, leaves []int) error {
	seen := make(map[int]int)
	for _, ti := range leaves {
		for _, r := range table[ti].Rows {
			if other, exists := seen[r]; exists {
				return fmt.Errorf(
					"leaf series %q and %q share observation row %d, %w",
					table[other].Key, table[ti].Key, r, ErrHierarchyStructure,
				)
			}
			seen[r] = ti
		}
	}
	return nil
}

func patternKey(flags []bool) string {
	b := make([]byte, len(flags))
	for i, f := range flags {
		if f {
			b[i] = '1'
		} else {
			b[i] = '0'
		}
	}
	return string(b)
}

// NumSeries returns the number of series in the key table.
func (st *Structure) NumSeries() int {
	return len(st.table)
}

// NumLeaves returns the number of leaf series.
func (st *Structure) NumLeaves() int {
	return len(st.leaves)
}

// Dims returns the number of hierarchy dimensions.
func (st *Structure) Dims() int {
	return st.dims
}

// Keys returns the series keys in original table order.
func (st *Structure) Keys() []SeriesKey {
	keys := make([]SeriesKey, len(st.table))
	for i, e := range st.table {
		keys[i] = e.Key
	}
	return keys
}

// LeafIndices returns the table row indices of the leaf series in canonical
// column order.
func (st *Structure) LeafIndices() []int {
	idx := make([]int, len(st.leaves))
	copy(idx, st.leaves)
	return idx
}

// LeafSet returns the leaf column ids composing series i, in canonical column
// order.
func (st *Structure) LeafSet(i int) []int {
	cols := make([]int, len(st.agg[i]))
	copy(cols, st.agg[i])
	return cols
}

// NumLevels returns the number of aggregation levels, leaves included.
func (st *Structure) NumLevels() int {
	return len(st.levels)
}
