package mesh

import (
	"errors"
	"slices"
	"testing"
)

func TestNewWildcardUsesAllDevices(t *testing.T) {
	t.Parallel()
	m, err := New(Topology{Processes: 2, LocalDevices: 4}, []int{Wildcard}, []string{"fsdp"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := m.Shape(); !slices.Equal(got, []int{8}) {
		t.Fatalf("shape = %v, want [8]", got)
	}
	if size, _ := m.AxisSize("fsdp"); size != 8 {
		t.Fatalf("fsdp size = %d", size)
	}
}

func TestNewWildcardWithFixedAxis(t *testing.T) {
	t.Parallel()
	m, err := New(Topology{Processes: 1, LocalDevices: 8}, []int{Wildcard, 2}, []string{"fsdp", "tensor"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := m.Shape(); !slices.Equal(got, []int{4, 2}) {
		t.Fatalf("shape = %v, want [4 2]", got)
	}
}

func TestNewRejectsNonDividingSizes(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name  string
		sizes []int
		names []string
	}{
		{"wildcard remainder", []int{Wildcard, 3}, []string{"fsdp", "tensor"}},
		{"product mismatch", []int{2, 2}, []string{"fsdp", "tensor"}},
		{"two wildcards", []int{Wildcard, Wildcard}, []string{"fsdp", "tensor"}},
		{"zero size", []int{0}, []string{"fsdp"}},
		{"name count", []int{8}, []string{"fsdp", "tensor"}},
		{"duplicate name", []int{4, 2}, []string{"fsdp", "fsdp"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(Topology{Processes: 1, LocalDevices: 8}, tc.sizes, tc.names)
			if !errors.Is(err, ErrConfiguration) {
				t.Fatalf("expected ErrConfiguration, got %v", err)
			}
			var cfgErr *ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected *ConfigurationError, got %T", err)
			}
		})
	}
}

func TestGroupsAndCoords(t *testing.T) {
	t.Parallel()
	m, err := New(Topology{Processes: 1, LocalDevices: 6}, []int{3, 2}, []string{"fsdp", "tensor"})
	if err != nil {
		t.Fatal(err)
	}
	if got := m.Coords(5); !slices.Equal(got, []int{2, 1}) {
		t.Fatalf("coords(5) = %v", got)
	}
	groups, err := m.Groups("fsdp")
	if err != nil {
		t.Fatal(err)
	}
	want := [][]int{{0, 2, 4}, {1, 3, 5}}
	if len(groups) != len(want) {
		t.Fatalf("groups = %v", groups)
	}
	for i := range want {
		if !slices.Equal(groups[i], want[i]) {
			t.Fatalf("groups = %v, want %v", groups, want)
		}
	}
}

func TestLocalCoordsSplitAcrossProcesses(t *testing.T) {
	t.Parallel()
	m, err := New(Topology{Processes: 2, LocalDevices: 2}, []int{Wildcard}, []string{"fsdp"})
	if err != nil {
		t.Fatal(err)
	}
	c0, _ := m.LocalCoords(0, "fsdp")
	c1, _ := m.LocalCoords(1, "fsdp")
	if !slices.Equal(c0, []int{0, 1}) || !slices.Equal(c1, []int{2, 3}) {
		t.Fatalf("local coords = %v, %v", c0, c1)
	}
}

func TestFSDPRuleShardsLargestDivisibleDim(t *testing.T) {
	t.Parallel()
	m, _ := New(Topology{Processes: 1, LocalDevices: 4}, []int{Wildcard}, []string{"fsdp"})
	rule := FSDPRule{Axis: "fsdp"}

	cases := []struct {
		shape []int
		want  PartitionSpec
	}{
		{[]int{16, 64}, ShardDim(1, "fsdp")},
		{[]int{64, 16}, Shard("fsdp")},
		{[]int{6, 8}, ShardDim(1, "fsdp")},
		{[]int{6, 7}, Replicate()},
		{[]int{}, Replicate()},
		{[]int{2}, Replicate()},
	}
	for _, tc := range cases {
		got := rule.Spec(m, "p", tc.shape)
		if !slices.Equal(got, tc.want) && !(got.IsReplicated() && tc.want.IsReplicated()) {
			t.Fatalf("shape %v: got %s want %s", tc.shape, got, tc.want)
		}
		if err := CheckShape(m, "p", got, tc.shape); err != nil {
			t.Fatalf("rule produced incompatible spec: %v", err)
		}
	}
}

func TestFSDPRuleMinElements(t *testing.T) {
	t.Parallel()
	m, _ := New(Topology{Processes: 1, LocalDevices: 2}, []int{Wildcard}, []string{"fsdp"})
	rule := FSDPRule{Axis: "fsdp", MinElements: 100}
	if got := rule.Spec(m, "bias", []int{8}); !got.IsReplicated() {
		t.Fatalf("small tensor should be replicated, got %s", got)
	}
}

func TestCheckShapeConflicts(t *testing.T) {
	t.Parallel()
	m, _ := New(Topology{Processes: 1, LocalDevices: 4}, []int{Wildcard}, []string{"fsdp"})
	cases := []struct {
		spec  PartitionSpec
		shape []int
	}{
		{Shard("fsdp"), []int{6, 4}},
		{Shard("data"), []int{8}},
		{ShardDim(2, "fsdp"), []int{8, 8}},
	}
	for _, tc := range cases {
		err := CheckShape(m, "w", tc.spec, tc.shape)
		if !errors.Is(err, ErrShardingConflict) {
			t.Fatalf("%s on %v: expected ErrShardingConflict, got %v", tc.spec, tc.shape, err)
		}
	}
}

func TestFixedRuleFallsBack(t *testing.T) {
	t.Parallel()
	m, _ := New(Topology{Processes: 1, LocalDevices: 2}, []int{Wildcard}, []string{"fsdp"})
	rule := FixedRule{
		Specs:    []PathSpec{{Pattern: "embed/*", Spec: Replicate()}},
		Fallback: FSDPRule{Axis: "fsdp"},
	}
	if got := rule.Spec(m, "embed/table", []int{8, 8}); !got.IsReplicated() {
		t.Fatalf("embed should be replicated, got %s", got)
	}
	if got := rule.Spec(m, "proj/kernel", []int{8, 4}); got.IsReplicated() {
		t.Fatal("proj should be sharded")
	}
}

func TestPartitionSpecString(t *testing.T) {
	t.Parallel()
	if got := ShardDim(1, "fsdp").String(); got != "PartitionSpec(None, 'fsdp')" {
		t.Fatalf("String() = %q", got)
	}
}
