package hierarchy

import (
	"github.com/james-bowman/sparse"
	"gonum.org/v1/gonum/mat"
)

// SummingMatrix builds the dense 0/1 aggregation matrix S with one row per
// series in original table order and one column per leaf series. Construction
// merges levels bottom-up: the leaf level starts as an identity block and each
// more aggregated level stacks rows formed by matching its series' concrete
// dimension values against the leaf columns of the block below. A final row
// permutation restores original table order.
func (st *Structure) SummingMatrix() *mat.Dense {
	n := len(st.table)
	nl := len(st.leaves)

	stacked := mat.NewDense(n, nl, nil)
	rowOrder := make([]int, 0, n)

	// leaf level identity block
	for j, ti := range st.leaves {
		stacked.Set(len(rowOrder), j, 1)
		rowOrder = append(rowOrder, ti)
	}

	// merge each more aggregated level onto the block, matching series to the
	// leaf columns sharing its non-aggregated dimension values
	for _, lvl := range st.levels[1:] {
		for _, ti := range lvl.series {
			r := len(rowOrder)
			for j, li := range st.leaves {
				if matchesLeaf(st.table[ti].Key, st.table[li].Key) {
					stacked.Set(r, j, 1)
				}
			}
			rowOrder = append(rowOrder, ti)
		}
	}

	// permute rows back to original table order
	s := mat.NewDense(n, nl, nil)
	for r, ti := range rowOrder {
		s.SetRow(ti, stacked.RawRowView(r))
	}
	return s
}

// SummingMatrixSparse builds S directly as a sparse coordinate list from the
// resolved leaf sets, one entry per (series, constituent leaf) pair.
func (st *Structure) SummingMatrixSparse() *sparse.CSR {
	var nnz int
	for _, cols := range st.agg {
		nnz += len(cols)
	}

	rows := make([]int, 0, nnz)
	cols := make([]int, 0, nnz)
	data := make([]float64, 0, nnz)
	for i, leafCols := range st.agg {
		for _, j := range leafCols {
			rows = append(rows, i)
			cols = append(cols, j)
			data = append(data, 1)
		}
	}

	coo := sparse.NewCOO(len(st.table), len(st.leaves), rows, cols, data)
	return coo.ToCSR()
}
