package reconciler

// Model is a serializable record of a reconciliation run: the configuration,
// the series and leaf ordering, and the computed projection matrix.
type Model struct {
	Options    *Options    `json:"options"`
	Series     []string    `json:"series"`
	Leaves     []string    `json:"leaves"`
	Projection [][]float64 `json:"projection"`
}

// Model returns the snapshot of the most recent Reconcile call.
func (r *Reconciler) Model() (Model, error) {
	if r.projector == nil {
		return Model{}, ErrNotReconciled
	}

	keys := r.structure.Keys()
	series := make([]string, len(keys))
	for i, key := range keys {
		series[i] = key.String()
	}
	leaves := make([]string, 0, r.structure.NumLeaves())
	for _, ti := range r.structure.LeafIndices() {
		leaves = append(leaves, keys[ti].String())
	}

	p := r.projector.Matrix()
	rows, cols := p.Dims()
	proj := make([][]float64, rows)
	for i := 0; i < rows; i++ {
		proj[i] = make([]float64, cols)
		copy(proj[i], p.RawRowView(i))
	}

	m := Model{
		Options:    r.opt,
		Series:     series,
		Leaves:     leaves,
		Projection: proj,
	}
	return m, nil
}
