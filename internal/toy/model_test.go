package toy

import (
	"math"
	"slices"
	"testing"

	"github.com/samcharles93/meshtrain/internal/model"
	"github.com/samcharles93/meshtrain/internal/tensor"
)

func testInput(t *testing.T) model.Input {
	t.Helper()
	toks, err := tensor.IntsFromRows([][]int32{{1, 4, 2, 0}, {3, 3, 5, 1}})
	if err != nil {
		t.Fatal(err)
	}
	mask, err := tensor.IntsFromRows([][]int32{{1, 1, 1, 0}, {1, 1, 1, 1}})
	if err != nil {
		t.Fatal(err)
	}
	return model.Input{Tokens: toks, Mask: mask}
}

// weightedLoss is sum(r * logits) for a fixed r; its gradient w.r.t. the
// logits is r itself.
func weightedLoss(t *testing.T, m *ToyLM, params []*tensor.Tensor, in model.Input, r *tensor.Tensor) float64 {
	t.Helper()
	out, err := m.StatelessCall(params, model.Values(m.NonTrainableVariables()), in, false)
	if err != nil {
		t.Fatal(err)
	}
	var s float64
	for i, v := range out.Logits.Data {
		s += float64(v) * float64(r.Data[i])
	}
	return s
}

// TestBackwardMatchesFiniteDifferences compares the analytic gradients with
// central differences for a sample of elements of every parameter.
func TestBackwardMatchesFiniteDifferences(t *testing.T) {
	t.Parallel()
	m := NewToyLM(6, 4, 3)
	in := testInput(t)
	params := model.Values(m.TrainableVariables())

	out, err := m.StatelessCall(params, model.Values(m.NonTrainableVariables()), in, true)
	if err != nil {
		t.Fatal(err)
	}
	r := tensor.New(out.Logits.Shape...)
	tensor.FillRand(r, 99, 2)
	grads, err := out.Tape.Backward(r)
	if err != nil {
		t.Fatal(err)
	}

	const eps = 1e-2
	for pi, p := range params {
		for _, idx := range []int{0, p.Numel() / 2, p.Numel() - 1} {
			perturbed := make([]*tensor.Tensor, len(params))
			for i := range params {
				perturbed[i] = params[i].Clone()
			}
			perturbed[pi].Data[idx] += eps
			up := weightedLoss(t, m, perturbed, in, r)
			perturbed[pi].Data[idx] -= 2 * eps
			down := weightedLoss(t, m, perturbed, in, r)

			numeric := (up - down) / (2 * eps)
			analytic := float64(grads[pi].Data[idx])
			if math.Abs(numeric-analytic) > 1e-2+2e-2*math.Abs(numeric) {
				t.Fatalf("%s[%d]: analytic %f, numeric %f", m.TrainableVariables()[pi].Path, idx, analytic, numeric)
			}
		}
	}
}

func TestStatelessCallIsCausal(t *testing.T) {
	t.Parallel()
	m := NewToyLM(8, 4, 1)
	in := testInput(t)
	params := model.Values(m.TrainableVariables())
	nt := model.Values(m.NonTrainableVariables())

	a, err := m.StatelessCall(params, nt, in, false)
	if err != nil {
		t.Fatal(err)
	}
	changed := model.Input{Tokens: in.Tokens.Clone(), Mask: in.Mask}
	changed.Tokens.Set(0, 3, 7)
	b, err := m.StatelessCall(params, nt, changed, false)
	if err != nil {
		t.Fatal(err)
	}
	V := m.Vocab
	cols := in.Tokens.Cols
	for c := 0; c < 3; c++ {
		p := c * V
		if !slices.Equal(a.Logits.Data[p:p+V], b.Logits.Data[p:p+V]) {
			t.Fatalf("logits at position %d changed when a later token changed", c)
		}
	}
	last := (cols - 1) * V
	if slices.Equal(a.Logits.Data[last:last+V], b.Logits.Data[last:last+V]) {
		t.Fatal("logits at the changed position did not change")
	}
}

func TestRunningMeanOnlyUpdatesWhenTraining(t *testing.T) {
	t.Parallel()
	m := NewToyLM(8, 4, 1)
	in := testInput(t)
	params := model.Values(m.TrainableVariables())
	nt := model.Values(m.NonTrainableVariables())

	inf, err := m.StatelessCall(params, nt, in, false)
	if err != nil {
		t.Fatal(err)
	}
	if inf.Tape != nil {
		t.Fatal("inference call should not record a tape")
	}
	if !slices.Equal(inf.NonTrainable[0].Data, nt[0].Data) {
		t.Fatal("inference call changed the running mean")
	}

	tr, err := m.StatelessCall(params, nt, in, true)
	if err != nil {
		t.Fatal(err)
	}
	if slices.Equal(tr.NonTrainable[0].Data, nt[0].Data) {
		t.Fatal("training call did not update the running mean")
	}
	for _, v := range nt[0].Data {
		if v != 0 {
			t.Fatal("StatelessCall mutated its non-trainable argument")
		}
	}
}

func TestStatelessCallRejectsWrongParams(t *testing.T) {
	t.Parallel()
	m := NewToyLM(8, 4, 1)
	in := testInput(t)
	params := model.Values(m.TrainableVariables())
	if _, err := m.StatelessCall(params[:2], model.Values(m.NonTrainableVariables()), in, false); err == nil {
		t.Fatal("expected error for missing parameters")
	}
}

// TestForwardNoAllocsBeyondOutputs keeps the inference path from growing
// per-element allocations.
func TestForwardNoAllocsBeyondOutputs(t *testing.T) {
	m := NewToyLM(5, 3, 2)
	toks, _ := tensor.IntsFromRows([][]int32{{1, 2, 3}})
	in := model.Input{Tokens: toks}
	params := model.Values(m.TrainableVariables())
	nt := model.Values(m.NonTrainableVariables())
	allocs := testing.AllocsPerRun(50, func() {
		_, _ = m.StatelessCall(params, nt, in, false)
	})
	if allocs > 24 {
		t.Fatalf("expected a bounded number of allocations, got %v", allocs)
	}
}
