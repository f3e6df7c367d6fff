package state

import (
	"errors"
	"slices"
	"testing"

	"github.com/samcharles93/meshtrain/internal/mesh"
	"github.com/samcharles93/meshtrain/internal/optim"
	"github.com/samcharles93/meshtrain/internal/tensor"
	"github.com/samcharles93/meshtrain/internal/toy"
)

func newMesh(t *testing.T, devices int) *mesh.Mesh {
	t.Helper()
	m, err := mesh.New(mesh.Topology{Processes: 1, LocalDevices: devices}, []int{mesh.Wildcard}, []string{"fsdp"})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func seq(shape ...int) *tensor.Tensor {
	out := tensor.New(shape...)
	for i := range out.Data {
		out.Data[i] = float32(i)
	}
	return out
}

func TestPlaceShardsAndGathers(t *testing.T) {
	t.Parallel()
	src := seq(4, 6)
	l := Place(newMesh(t, 2), "w", src, mesh.ShardDim(1, "fsdp"))

	dim, axis, ok := l.Sharded()
	if !ok || dim != 1 || axis != "fsdp" {
		t.Fatalf("sharded = %d %q %v", dim, axis, ok)
	}
	if l.NumShards() != 2 || !slices.Equal(l.ShardShape(), []int{4, 3}) {
		t.Fatalf("shards=%d shape=%v", l.NumShards(), l.ShardShape())
	}
	// Columns 0..2 of row 1 belong to the first shard.
	if !slices.Equal(l.Shards[0][3:6], []float32{6, 7, 8}) {
		t.Fatalf("shard 0 = %v", l.Shards[0])
	}
	if got := l.Gather(); !slices.Equal(got.Data, src.Data) {
		t.Fatalf("gathered %v", got.Data)
	}

	src.Data[0] = 100
	if l.Shards[0][0] == 100 {
		t.Fatal("place must copy the source tensor")
	}

	updated := seq(4, 6)
	for i := range updated.Data {
		updated.Data[i] *= 2
	}
	if err := l.ScatterFrom(updated.Data); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(l.Gather().Data, updated.Data) {
		t.Fatal("scatter then gather should round trip")
	}
}

func TestPlaceKeepsIncompatibleSpecReplicated(t *testing.T) {
	t.Parallel()
	l := Place(newMesh(t, 2), "odd", seq(3, 2), mesh.ShardDim(0, "fsdp"))
	if _, _, ok := l.Sharded(); ok {
		t.Fatal("three rows cannot be split over two devices")
	}
	if l.NumShards() != 1 {
		t.Fatalf("shards = %d", l.NumShards())
	}
	if _, axis, ok := l.Spec.ShardedDim(); !ok || axis != "fsdp" {
		t.Fatal("declared spec should be kept for the step function to report")
	}
}

func TestBuildLaysOutEveryGroup(t *testing.T) {
	t.Parallel()
	lm := toy.NewToyLM(8, 4, 1)
	opt, err := optim.New(optim.Config{Name: "adam", LearningRate: 0.01})
	if err != nil {
		t.Fatal(err)
	}
	st, err := Build(newMesh(t, 2), mesh.FSDPRule{Axis: "fsdp"}, lm, opt)
	if err != nil {
		t.Fatal(err)
	}
	err = st.View(func(g *Groups) error {
		if len(g.Trainable) != 5 || len(g.NonTrainable) != 1 {
			t.Fatalf("groups = %d trainable, %d non-trainable", len(g.Trainable), len(g.NonTrainable))
		}
		if !slices.Equal(g.Slots, []string{"m", "v"}) || len(g.Optimizer) != 10 {
			t.Fatalf("slots %v with %d leaves", g.Slots, len(g.Optimizer))
		}
		head, ok := g.Trainable.Find(toy.PathHeadW)
		if !ok {
			t.Fatal("lm head missing")
		}
		if dim, _, ok := head.Sharded(); !ok || dim != 1 {
			t.Fatalf("lm head should be split along the vocabulary, got dim %d", dim)
		}
		slots := g.SlotLeaves(3)
		if slots[0].Path != "optimizer/m/"+toy.PathHeadW || slots[1].Path != "optimizer/v/"+toy.PathHeadW {
			t.Fatalf("slot paths = %q, %q", slots[0].Path, slots[1].Path)
		}
		if !slices.Equal(slots[1].ShardShape(), head.ShardShape()) {
			t.Fatal("slots should follow their parameter's layout")
		}
		for _, l := range g.Optimizer {
			for _, s := range l.Shards {
				if slices.ContainsFunc(s, func(v float32) bool { return v != 0 }) {
					t.Fatalf("%s should start at zero", l.Path)
				}
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestTakeConsumesHandle(t *testing.T) {
	t.Parallel()
	st := New(Groups{Iterations: 3})
	g, err := st.Take()
	if err != nil || g.Iterations != 3 {
		t.Fatalf("take = %v, %v", g, err)
	}
	if st.Valid() {
		t.Fatal("handle should be invalid after take")
	}
	if _, err := st.Take(); !errors.Is(err, ErrConsumed) {
		t.Fatalf("second take: %v", err)
	}
	if err := st.View(func(*Groups) error { return nil }); !errors.Is(err, ErrConsumed) {
		t.Fatalf("view after take: %v", err)
	}
	var nilState *State
	if nilState.Valid() {
		t.Fatal("nil handle is not valid")
	}
}

func TestMaterializeWritesLiveModel(t *testing.T) {
	t.Parallel()
	lm := toy.NewToyLM(8, 4, 1)
	st, err := Build(newMesh(t, 2), mesh.FSDPRule{Axis: "fsdp"}, lm, optim.SGD{LR: optim.Constant(0.1)})
	if err != nil {
		t.Fatal(err)
	}
	_ = st.View(func(g *Groups) error {
		emb, _ := g.Trainable.Find(toy.PathEmbedding)
		for i := range emb.Shards[1] {
			emb.Shards[1][i] = 7
		}
		return nil
	})
	for i := 0; i < 2; i++ {
		if err := Materialize(st, lm); err != nil {
			t.Fatal(err)
		}
		emb := lm.TrainableVariables()[0].Value
		// The second shard holds rows 4..7.
		if emb.Data[4*4] != 7 || emb.Data[len(emb.Data)-1] != 7 || emb.Data[0] == 7 {
			t.Fatalf("pass %d: embedding not materialized", i)
		}
	}
	if !st.Valid() {
		t.Fatal("materialize must not consume the state")
	}
}

func TestMaterializeRejectsMismatchedModel(t *testing.T) {
	t.Parallel()
	st, err := Build(newMesh(t, 1), mesh.ReplicateRule{}, toy.NewToyLM(8, 4, 1), optim.SGD{LR: optim.Constant(0.1)})
	if err != nil {
		t.Fatal(err)
	}
	err = Materialize(st, toy.NewToyLM(9, 4, 1))
	var shapeErr *StateShapeError
	if !errors.As(err, &shapeErr) {
		t.Fatalf("expected StateShapeError, got %v", err)
	}
	if shapeErr.Group != "trainable" || shapeErr.Path != toy.PathEmbedding {
		t.Fatalf("error = %+v", shapeErr)
	}
	if !errors.Is(err, ErrStateShape) {
		t.Fatal("error should wrap ErrStateShape")
	}
}

func TestFingerprintIgnoresLayout(t *testing.T) {
	t.Parallel()
	lm := toy.NewToyLM(8, 4, 2)
	opt := optim.SGD{LR: optim.Constant(0.1)}
	single, err := Build(newMesh(t, 1), mesh.FSDPRule{Axis: "fsdp"}, lm, opt)
	if err != nil {
		t.Fatal(err)
	}
	sharded, err := Build(newMesh(t, 4), mesh.FSDPRule{Axis: "fsdp"}, lm, opt)
	if err != nil {
		t.Fatal(err)
	}
	a, err := Fingerprint(single)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Fingerprint(sharded)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("fingerprints differ: %x vs %x", a, b)
	}

	g, _ := sharded.Take()
	g.Iterations++
	c, err := Fingerprint(New(*g))
	if err != nil {
		t.Fatal(err)
	}
	if c == a {
		t.Fatal("iteration counter should change the fingerprint")
	}
	if _, err := Fingerprint(sharded); !errors.Is(err, ErrConsumed) {
		t.Fatalf("fingerprint of consumed handle: %v", err)
	}
}
