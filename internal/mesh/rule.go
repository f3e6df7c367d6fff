package mesh

import "path"

// Rule decides the partition of a parameter from its hierarchical path and
// shape. Rules are read-only configuration.
type Rule interface {
	Spec(m *Mesh, path string, shape []int) PartitionSpec
}

// FSDPRule shards the largest dimension of every parameter that is divisible
// by the size of Axis, and replicates everything else. Tensors with fewer than
// MinElements elements are always replicated.
type FSDPRule struct {
	Axis        string
	MinElements int
}

func (r FSDPRule) Spec(m *Mesh, _ string, shape []int) PartitionSpec {
	size, ok := m.AxisSize(r.Axis)
	if !ok || size <= 1 || len(shape) == 0 {
		return Replicate()
	}
	n := 1
	for _, d := range shape {
		n *= d
	}
	if n < r.MinElements {
		return Replicate()
	}
	best := -1
	for i, d := range shape {
		if d%size != 0 || d < size {
			continue
		}
		if best < 0 || d > shape[best] {
			best = i
		}
	}
	if best < 0 {
		return Replicate()
	}
	return ShardDim(best, r.Axis)
}

// ReplicateRule replicates every tensor.
type ReplicateRule struct{}

func (ReplicateRule) Spec(*Mesh, string, []int) PartitionSpec { return Replicate() }

// PathSpec pins parameters whose path matches Pattern (path.Match syntax) to
// Spec.
type PathSpec struct {
	Pattern string
	Spec    PartitionSpec
}

// FixedRule applies the first matching PathSpec and defers to Fallback
// otherwise. Specs are applied verbatim; incompatibilities surface when the
// step function is first called.
type FixedRule struct {
	Specs    []PathSpec
	Fallback Rule
}

func (r FixedRule) Spec(m *Mesh, p string, shape []int) PartitionSpec {
	for _, ps := range r.Specs {
		if ok, _ := path.Match(ps.Pattern, p); ok {
			return ps.Spec
		}
	}
	if r.Fallback == nil {
		return Replicate()
	}
	return r.Fallback.Spec(m, p, shape)
}
