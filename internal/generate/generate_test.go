package generate

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/samcharles93/meshtrain/internal/collective"
	"github.com/samcharles93/meshtrain/internal/logger"
	"github.com/samcharles93/meshtrain/internal/mesh"
	"github.com/samcharles93/meshtrain/internal/model"
	"github.com/samcharles93/meshtrain/internal/tensor"
	"github.com/samcharles93/meshtrain/internal/toy"
)

// counter predicts the successor of each token, modulo its vocabulary.
type counter struct {
	vocab int
	mu    sync.Mutex
	calls int
}

func (c *counter) TrainableVariables() []*model.Variable    { return nil }
func (c *counter) NonTrainableVariables() []*model.Variable { return nil }
func (c *counter) VocabSize() int                            { return c.vocab }

func (c *counter) StatelessCall(_, _ []*tensor.Tensor, in model.Input, _ bool) (*model.Output, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	logits := tensor.New(in.Tokens.Rows, in.Tokens.Cols, c.vocab)
	for p, tok := range in.Tokens.Data {
		next := (int(tok) + 1) % c.vocab
		logits.Data[p*c.vocab+next] = 1
	}
	return &model.Output{Logits: logits}, nil
}

func newMesh(t *testing.T, processes, local int) *mesh.Mesh {
	t.Helper()
	m, err := mesh.New(mesh.Topology{Processes: processes, LocalDevices: local}, []int{mesh.Wildcard}, []string{"fsdp"})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func newCoordinator(t *testing.T, m *mesh.Mesh, mdl model.Model, coll collective.Collective) *Coordinator {
	t.Helper()
	c, err := New(Config{Mesh: m, DataAxis: "fsdp", Model: mdl, Collective: coll, Logger: logger.Discard()})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

// prompts builds left-aligned inputs of width seqLen.
func prompts(t *testing.T, seqLen int, rows ...[]int32) Inputs {
	t.Helper()
	toks := tensor.NewInts(len(rows), seqLen)
	mask := tensor.NewInts(len(rows), seqLen)
	for r, row := range rows {
		for c, v := range row {
			toks.Set(r, c, v)
			mask.Set(r, c, 1)
		}
	}
	return Inputs{TokenIDs: toks, PaddingMask: mask}
}

func TestPromptOfFourFillsSequenceOfEight(t *testing.T) {
	t.Parallel()
	mdl := &counter{vocab: 50}
	c := newCoordinator(t, newMesh(t, 1, 2), mdl, nil)
	in := prompts(t, 8, []int32{10, 11, 12, 13})

	out, err := c.Generate(context.Background(), in, Options{MaxLength: 8})
	if err != nil {
		t.Fatal(err)
	}
	if out.Steps != 4 || out.NumTokens != 8 {
		t.Fatalf("steps=%d num_tokens=%d, want 4 and 8", out.Steps, out.NumTokens)
	}
	if out.TokenIDs.Rows != 1 || out.TokenIDs.Cols != 8 {
		t.Fatalf("output shape [%d %d]", out.TokenIDs.Rows, out.TokenIDs.Cols)
	}
	if want := []int32{10, 11, 12, 13, 14, 15, 16, 17}; !slices.Equal(out.TokenIDs.Row(0), want) {
		t.Fatalf("tokens = %v, want %v", out.TokenIDs.Row(0), want)
	}
	if out.PaddingMask.CountEqual(0, 1) != 8 {
		t.Fatalf("mask = %v, want all valid", out.PaddingMask.Row(0))
	}
	// One forward per step per data shard.
	if mdl.calls != 8 {
		t.Fatalf("model called %d times, want 8", mdl.calls)
	}
	if in.TokenIDs.At(0, 4) != 0 {
		t.Fatal("inputs must not be modified")
	}
}

func TestGenerationIsDeterministic(t *testing.T) {
	t.Parallel()
	lm := toy.NewToyLM(11, 6, 7)
	c := newCoordinator(t, newMesh(t, 1, 2), lm, nil)
	in := prompts(t, 10, []int32{1, 4, 2}, []int32{1, 9, 9})

	a, err := c.Generate(context.Background(), in, Options{MaxLength: 9})
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.Generate(context.Background(), in, Options{MaxLength: 9})
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(a.TokenIDs.Data, b.TokenIDs.Data) {
		t.Fatalf("runs differ: %v vs %v", a.TokenIDs.Data, b.TokenIDs.Data)
	}
	if a.Steps != 6 {
		t.Fatalf("steps = %d, want 6", a.Steps)
	}
}

func TestPaddedRowsDoNotLeakIntoOutput(t *testing.T) {
	t.Parallel()
	lm := toy.NewToyLM(11, 6, 3)
	c := newCoordinator(t, newMesh(t, 1, 4), lm, nil)
	rows := [][]int32{{1, 2, 3}, {1, 7, 5}, {1, 10, 0}}

	batch, err := c.Generate(context.Background(), prompts(t, 8, rows...), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if batch.TokenIDs.Rows != 3 || batch.PaddingMask.Rows != 3 {
		t.Fatalf("got %d rows, want 3", batch.TokenIDs.Rows)
	}
	for r, row := range rows {
		alone, err := c.Generate(context.Background(), prompts(t, 8, row), Options{})
		if err != nil {
			t.Fatal(err)
		}
		if !slices.Equal(alone.TokenIDs.Row(0), batch.TokenIDs.Row(r)) {
			t.Fatalf("row %d: batched %v, alone %v", r, batch.TokenIDs.Row(r), alone.TokenIDs.Row(0))
		}
	}
}

func TestStopsOnceEverySequenceReachesEOS(t *testing.T) {
	t.Parallel()
	c := newCoordinator(t, newMesh(t, 1, 1), &counter{vocab: 20}, nil)
	// Row 0 samples 4 then 5; row 1 samples 5 first.
	in := prompts(t, 10, []int32{1, 2, 3}, []int32{1, 3, 4})

	out, err := c.Generate(context.Background(), in, Options{StopTokenIDs: []int32{5}})
	if err != nil {
		t.Fatal(err)
	}
	if out.Steps != 2 || out.NumTokens != 5 {
		t.Fatalf("steps=%d num_tokens=%d, want 2 and 5", out.Steps, out.NumTokens)
	}
	if out.TokenIDs.Cols != 5 {
		t.Fatalf("output width %d, want 5", out.TokenIDs.Cols)
	}
	if !slices.Equal(out.TokenIDs.Row(0), []int32{1, 2, 3, 4, 5}) || !slices.Equal(out.TokenIDs.Row(1), []int32{1, 3, 4, 5, 6}) {
		t.Fatalf("tokens = %v", out.TokenIDs.Rows2D())
	}
}

func TestNoStepsReturnsPrompt(t *testing.T) {
	t.Parallel()
	mdl := &counter{vocab: 20}
	c := newCoordinator(t, newMesh(t, 1, 2), mdl, nil)
	in := prompts(t, 6, []int32{3, 4, 5, 6})

	for _, maxLength := range []int{4, 3, -1} {
		out, err := c.Generate(context.Background(), in, Options{MaxLength: maxLength})
		if err != nil {
			t.Fatal(err)
		}
		if out.Steps != 0 || !slices.Equal(out.TokenIDs.Row(0), []int32{3, 4, 5, 6}) {
			t.Fatalf("max_length %d: steps=%d tokens=%v", maxLength, out.Steps, out.TokenIDs.Row(0))
		}
	}
	if mdl.calls != 0 {
		t.Fatalf("model called %d times", mdl.calls)
	}
}

func TestStripPromptReturnsSuffixAndItsMask(t *testing.T) {
	t.Parallel()
	c := newCoordinator(t, newMesh(t, 1, 2), &counter{vocab: 20}, nil)
	in := prompts(t, 8, []int32{1, 2, 3}, []int32{4, 5, 6}, []int32{7, 8, 9})

	out, err := c.Generate(context.Background(), in, Options{MaxLength: 6, StripPrompt: true})
	if err != nil {
		t.Fatal(err)
	}
	if out.TokenIDs.Rows != 3 || out.TokenIDs.Cols != 3 {
		t.Fatalf("suffix shape [%d %d]", out.TokenIDs.Rows, out.TokenIDs.Cols)
	}
	if !slices.Equal(out.TokenIDs.Row(2), []int32{10, 11, 12}) {
		t.Fatalf("suffix = %v", out.TokenIDs.Row(2))
	}
	for r := 0; r < 3; r++ {
		if out.PaddingMask.CountEqual(r, 1) != 3 {
			t.Fatalf("mask row %d = %v", r, out.PaddingMask.Row(r))
		}
	}
}

func TestHostsAgreeAcrossProcesses(t *testing.T) {
	t.Parallel()
	lm := toy.NewToyLM(13, 6, 5)
	in := prompts(t, 9, []int32{1, 2}, []int32{1, 6}, []int32{1, 12})

	single, err := newCoordinator(t, newMesh(t, 1, 4), lm, nil).Generate(context.Background(), in, Options{})
	if err != nil {
		t.Fatal(err)
	}

	m := newMesh(t, 2, 2)
	hub, err := collective.NewHub(2)
	if err != nil {
		t.Fatal(err)
	}
	outs := make([]*Output, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for p := 0; p < 2; p++ {
		c := newCoordinator(t, m, lm, hub.Member(p))
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			outs[p], errs[p] = c.Generate(context.Background(), in, Options{})
		}(p)
	}
	wg.Wait()
	for p := range outs {
		if errs[p] != nil {
			t.Fatalf("process %d: %v", p, errs[p])
		}
		if !slices.Equal(outs[p].TokenIDs.Data, single.TokenIDs.Data) {
			t.Fatalf("process %d: %v, single host %v", p, outs[p].TokenIDs.Data, single.TokenIDs.Data)
		}
	}
}

// splitBrain reports different tokens for the same rows.
type splitBrain struct{}

func (splitBrain) Process() int   { return 0 }
func (splitBrain) Processes() int { return 2 }
func (splitBrain) AllGather(_ context.Context, local []int32) ([][]int32, error) {
	other := slices.Clone(local)
	for i := range other {
		other[i]++
	}
	return [][]int32{local, other}, nil
}

func TestDivergentHostsAreDetected(t *testing.T) {
	t.Parallel()
	// Both processes hold data shard 0, so they must sample the same rows.
	m, err := mesh.New(mesh.Topology{Processes: 2, LocalDevices: 1}, []int{1, 2}, []string{"fsdp", "tensor"})
	if err != nil {
		t.Fatal(err)
	}
	c := newCoordinator(t, m, &counter{vocab: 20}, splitBrain{})
	_, err = c.Generate(context.Background(), prompts(t, 4, []int32{1, 2}), Options{})
	if !errors.Is(err, collective.ErrHostDivergence) {
		t.Fatalf("expected divergence, got %v", err)
	}
}

func TestCollectiveMustMatchMesh(t *testing.T) {
	t.Parallel()
	_, err := New(Config{Mesh: newMesh(t, 2, 1), DataAxis: "fsdp", Model: &counter{vocab: 4}})
	if !errors.Is(err, mesh.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
