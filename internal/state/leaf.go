package state

import (
	"slices"

	"github.com/samcharles93/meshtrain/internal/mesh"
	"github.com/samcharles93/meshtrain/internal/tensor"
)

// Leaf is one named tensor of the sharded state.
//
// Shards holds one buffer per coordinate of the mesh axis the tensor is split
// across, or a single buffer when the tensor is replicated. Devices that share
// a coordinate share the buffer.
type Leaf struct {
	Path  string
	Shape []int
	// Spec is the declared partition. When the declared partition cannot be
	// honoured the leaf is held replicated and the conflict is reported by the
	// step function on its first call.
	Spec   mesh.PartitionSpec
	Shards [][]float32

	dim  int
	axis string
}

// Place lays t out on m according to spec. The tensor data is copied.
func Place(m *mesh.Mesh, path string, t *tensor.Tensor, spec mesh.PartitionSpec) *Leaf {
	l := &Leaf{
		Path:  path,
		Shape: slices.Clone(t.Shape),
		Spec:  slices.Clone(spec),
		dim:   -1,
	}
	if dim, axis, ok := spec.ShardedDim(); ok && mesh.CheckShape(m, path, spec, t.Shape) == nil {
		size, _ := m.AxisSize(axis)
		parts, err := tensor.Split(t.Shape, t.Data, dim, size)
		if err == nil {
			l.Shards = parts
			l.dim = dim
			l.axis = axis
			return l
		}
	}
	l.Shards = [][]float32{slices.Clone(t.Data)}
	return l
}

// Sharded reports the dimension and mesh axis the leaf is actually split
// along.
func (l *Leaf) Sharded() (int, string, bool) {
	return l.dim, l.axis, l.dim >= 0
}

// NumShards returns the number of distinct buffers.
func (l *Leaf) NumShards() int { return len(l.Shards) }

// ShardShape returns the shape of one buffer.
func (l *Leaf) ShardShape() []int {
	if l.dim < 0 {
		return slices.Clone(l.Shape)
	}
	return tensor.ShardShape(l.Shape, l.dim, len(l.Shards))
}

// Numel returns the element count of the full tensor.
func (l *Leaf) Numel() int { return tensor.Numel(l.Shape) }

// Gather assembles the full tensor.
func (l *Leaf) Gather() *tensor.Tensor {
	out := tensor.New(l.Shape...)
	l.GatherInto(out.Data)
	return out
}

// GatherInto writes the full tensor into dst.
func (l *Leaf) GatherInto(dst []float32) {
	if l.dim < 0 {
		copy(dst, l.Shards[0])
		return
	}
	tensor.JoinInto(dst, l.Shape, l.dim, l.Shards)
}

// ScatterFrom splits full-tensor values into the leaf's shards, reusing the
// shard buffers.
func (l *Leaf) ScatterFrom(src []float32) error {
	if l.dim < 0 {
		copy(l.Shards[0], src)
		return nil
	}
	parts, err := tensor.Split(l.Shape, src, l.dim, len(l.Shards))
	if err != nil {
		return err
	}
	for i := range parts {
		copy(l.Shards[i], parts[i])
	}
	return nil
}

// Group is an ordered list of leaves.
type Group []*Leaf

// Find returns the leaf with the given path.
func (g Group) Find(path string) (*Leaf, bool) {
	for _, l := range g {
		if l.Path == path {
			return l, true
		}
	}
	return nil, false
}

// Gather assembles every leaf.
func (g Group) Gather() []*tensor.Tensor {
	out := make([]*tensor.Tensor, len(g))
	for i, l := range g {
		out[i] = l.Gather()
	}
	return out
}
