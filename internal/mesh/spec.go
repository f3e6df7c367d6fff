package mesh

import (
	"strconv"
	"strings"
)

// PartitionSpec defines, per tensor dimension, how the dimension is laid out
// on the mesh: "" means replicated, otherwise the dimension is split across
// the devices of the named mesh axis. Dimensions beyond the spec's length are
// replicated.
type PartitionSpec []string

// Replicate returns the spec of a tensor held in full on every device.
func Replicate() PartitionSpec { return nil }

// Shard returns a spec splitting the leading dimension across axis.
func Shard(axis string) PartitionSpec { return PartitionSpec{axis} }

// ShardDim returns a spec splitting dimension dim across axis.
func ShardDim(dim int, axis string) PartitionSpec {
	s := make(PartitionSpec, dim+1)
	s[dim] = axis
	return s
}

// IsReplicated reports whether no dimension is sharded.
func (s PartitionSpec) IsReplicated() bool {
	for _, a := range s {
		if a != "" {
			return false
		}
	}
	return true
}

// ShardedDim returns the sharded dimension and its mesh axis.
func (s PartitionSpec) ShardedDim() (int, string, bool) {
	for i, a := range s {
		if a != "" {
			return i, a, true
		}
	}
	return 0, "", false
}

// Validate checks that the spec refers only to axes present in m, uses each
// axis at most once, and shards at most one dimension.
func (s PartitionSpec) Validate(m *Mesh) error {
	used := make(map[string]bool)
	sharded := 0
	for i, a := range s {
		if a == "" {
			continue
		}
		if !m.HasAxis(a) {
			return Configurationf("%s dim %d refers to unknown mesh axis %q", s, i, a)
		}
		if used[a] {
			return Configurationf("mesh axis %q used more than once in %s", a, s)
		}
		used[a] = true
		sharded++
	}
	if sharded > 1 {
		return Configurationf("%s shards %d dimensions; at most one is supported", s, sharded)
	}
	return nil
}

func (s PartitionSpec) String() string {
	if len(s) == 0 {
		return "PartitionSpec()"
	}
	parts := make([]string, len(s))
	for i, a := range s {
		if a == "" {
			parts[i] = "None"
		} else {
			parts[i] = "'" + a + "'"
		}
	}
	return "PartitionSpec(" + strings.Join(parts, ", ") + ")"
}

// CheckShape verifies that a tensor of the given shape can be laid out with
// spec on m. path only labels the error.
func CheckShape(m *Mesh, path string, spec PartitionSpec, shape []int) error {
	if err := spec.Validate(m); err != nil {
		return &ShardingConflictError{Path: path, Shape: shape, Spec: spec, Reason: err.Error()}
	}
	if len(spec) > len(shape) {
		return &ShardingConflictError{Path: path, Shape: shape, Spec: spec, Reason: "spec rank exceeds tensor rank"}
	}
	dim, axis, ok := spec.ShardedDim()
	if !ok {
		return nil
	}
	size, _ := m.AxisSize(axis)
	if shape[dim]%size != 0 {
		return &ShardingConflictError{
			Path:   path,
			Shape:  shape,
			Spec:   spec,
			Reason: "dimension not divisible by axis size " + strconv.Itoa(size),
		}
	}
	return nil
}
