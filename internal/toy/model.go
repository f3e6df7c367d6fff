package toy

import (
	"fmt"
	"math"

	"github.com/samcharles93/meshtrain/internal/model"
	"github.com/samcharles93/meshtrain/internal/tensor"
)

// Parameter paths, in the order the variables are enumerated.
const (
	PathEmbedding   = "embedding/table"
	PathHiddenW     = "hidden/kernel"
	PathHiddenB     = "hidden/bias"
	PathHeadW       = "lm_head/kernel"
	PathHeadB       = "lm_head/bias"
	PathRunningMean = "hidden/running_mean"
)

const (
	idxEmb = iota
	idxW1
	idxB1
	idxW2
	idxB2
	numTrainable
)

// ToyLM is a minimal causal language model used to exercise the trainer and
// the generation loop. Each position embeds its token, adds the mean
// embedding of the earlier valid positions, applies a tanh hidden layer and
// projects back to vocabulary logits. A running mean of the hidden
// activations is kept as non-trainable state and updated by training calls.
type ToyLM struct {
	Vocab    int
	Hidden   int
	Momentum float32

	trainable    []*model.Variable
	nonTrainable []*model.Variable
}

// NewToyLM constructs a model with the given vocabulary and hidden size. Weights
// are initialised deterministically from seed; biases and the running mean
// start at zero.
func NewToyLM(vocab, hidden int, seed int64) *ToyLM {
	emb := tensor.New(vocab, hidden)
	w1 := tensor.New(hidden, hidden)
	w2 := tensor.New(hidden, vocab)
	scale := float32(2 / math.Sqrt(float64(hidden)))
	tensor.FillRand(emb, seed+11, 0.5)
	tensor.FillRand(w1, seed+23, scale)
	tensor.FillRand(w2, seed+37, scale)

	return &ToyLM{
		Vocab:    vocab,
		Hidden:   hidden,
		Momentum: 0.9,
		trainable: []*model.Variable{
			{Path: PathEmbedding, Value: emb, Trainable: true},
			{Path: PathHiddenW, Value: w1, Trainable: true},
			{Path: PathHiddenB, Value: tensor.New(hidden), Trainable: true},
			{Path: PathHeadW, Value: w2, Trainable: true},
			{Path: PathHeadB, Value: tensor.New(vocab), Trainable: true},
		},
		nonTrainable: []*model.Variable{
			{Path: PathRunningMean, Value: tensor.New(hidden)},
		},
	}
}

func (m *ToyLM) TrainableVariables() []*model.Variable    { return m.trainable }
func (m *ToyLM) NonTrainableVariables() []*model.Variable { return m.nonTrainable }
func (m *ToyLM) VocabSize() int                            { return m.Vocab }

// StatelessCall runs the forward pass with explicit parameters.
func (m *ToyLM) StatelessCall(trainable, nonTrainable []*tensor.Tensor, in model.Input, training bool) (*model.Output, error) {
	if err := m.checkParams(trainable, nonTrainable); err != nil {
		return nil, err
	}
	if in.Tokens == nil {
		return nil, fmt.Errorf("toy: input has no tokens")
	}
	if in.Mask != nil && !in.Mask.SameShape(in.Tokens) {
		return nil, fmt.Errorf("toy: mask shape [%d %d] does not match tokens [%d %d]",
			in.Mask.Rows, in.Mask.Cols, in.Tokens.Rows, in.Tokens.Cols)
	}

	rows, cols := in.Tokens.Rows, in.Tokens.Cols
	H, V := m.Hidden, m.Vocab
	emb, w1, b1 := trainable[idxEmb].Data, trainable[idxW1].Data, trainable[idxB1].Data
	w2, b2 := trainable[idxW2].Data, trainable[idxB2].Data

	tp := &tape{
		m:    m,
		w1:   w1,
		w2:   w2,
		toks: make([]int, rows*cols),
		cnt:  make([]int, rows*cols),
		mask: make([]bool, rows*cols),
		u:    make([]float32, rows*cols*H),
		h:    make([]float32, rows*cols*H),
	}
	logits := tensor.New(rows, cols, V)
	prefix := make([]float32, H)
	hiddenSum := make([]float64, H)

	for r := 0; r < rows; r++ {
		clear(prefix)
		valid := 0
		for c := 0; c < cols; c++ {
			p := r*cols + c
			tok := m.wrap(int(in.Tokens.At(r, c)))
			tp.toks[p] = tok
			tp.cnt[p] = valid
			tp.mask[p] = in.Mask == nil || in.Mask.At(r, c) == 1

			u := tp.u[p*H : (p+1)*H]
			copy(u, emb[tok*H:(tok+1)*H])
			if valid > 0 {
				tensor.Axpy(u, 1/float32(valid), prefix)
			}

			h := tp.h[p*H : (p+1)*H]
			copy(h, b1)
			for i := 0; i < H; i++ {
				tensor.Axpy(h, u[i], w1[i*H:(i+1)*H])
			}
			for j := range h {
				h[j] = tensor.Tanh(h[j])
				hiddenSum[j] += float64(h[j])
			}

			out := logits.Data[p*V : (p+1)*V]
			copy(out, b2)
			for j := 0; j < H; j++ {
				tensor.Axpy(out, h[j], w2[j*V:(j+1)*V])
			}

			if tp.mask[p] {
				tensor.Add(prefix, emb[tok*H:(tok+1)*H])
				valid++
			}
		}
	}

	running := nonTrainable[0].Clone()
	if training && rows*cols > 0 {
		inv := 1 / float64(rows*cols)
		for j := range running.Data {
			running.Data[j] = m.Momentum*running.Data[j] + (1-m.Momentum)*float32(hiddenSum[j]*inv)
		}
	}

	outp := &model.Output{
		Logits:       logits,
		NonTrainable: []*tensor.Tensor{running},
	}
	if training {
		outp.Tape = tp
	}
	return outp, nil
}

func (m *ToyLM) wrap(tok int) int {
	if tok < 0 || tok >= m.Vocab {
		tok %= m.Vocab
		if tok < 0 {
			tok += m.Vocab
		}
	}
	return tok
}

func (m *ToyLM) checkParams(trainable, nonTrainable []*tensor.Tensor) error {
	if len(trainable) != numTrainable {
		return fmt.Errorf("toy: expected %d trainable tensors, got %d", numTrainable, len(trainable))
	}
	if len(nonTrainable) != 1 {
		return fmt.Errorf("toy: expected 1 non-trainable tensor, got %d", len(nonTrainable))
	}
	for i, v := range m.trainable {
		if !tensor.SameShape(v.Value.Shape, trainable[i].Shape) {
			return fmt.Errorf("toy: %s has shape %v, want %v", v.Path, trainable[i].Shape, v.Value.Shape)
		}
	}
	return nil
}

type tape struct {
	m      *ToyLM
	w1, w2 []float32
	toks   []int
	cnt    []int
	mask   []bool
	u, h   []float32
}

func (tp *tape) Backward(gradLogits *tensor.Tensor) ([]*tensor.Tensor, error) {
	H, V := tp.m.Hidden, tp.m.Vocab
	n := len(tp.toks)
	if gradLogits.Numel() != n*V {
		return nil, fmt.Errorf("toy: gradient has %d values, want %d", gradLogits.Numel(), n*V)
	}
	rows, cols := gradLogits.Shape[0], gradLogits.Shape[1]

	gEmb := tensor.New(V, H)
	gW1 := tensor.New(H, H)
	gB1 := tensor.New(H)
	gW2 := tensor.New(H, V)
	gB2 := tensor.New(V)

	gh := make([]float32, H)
	ga := make([]float32, H)
	gu := make([]float32, n*H)

	for p := 0; p < n; p++ {
		gl := gradLogits.Data[p*V : (p+1)*V]
		h := tp.h[p*H : (p+1)*H]
		u := tp.u[p*H : (p+1)*H]

		tensor.Add(gB2.Data, gl)
		for j := 0; j < H; j++ {
			tensor.Axpy(gW2.Data[j*V:(j+1)*V], h[j], gl)
			gh[j] = tensor.Dot(tp.w2[j*V:(j+1)*V], gl)
		}
		for j := range ga {
			ga[j] = gh[j] * (1 - h[j]*h[j])
		}
		tensor.Add(gB1.Data, ga)
		g := gu[p*H : (p+1)*H]
		for i := 0; i < H; i++ {
			tensor.Axpy(gW1.Data[i*H:(i+1)*H], u[i], ga)
			g[i] = tensor.Dot(tp.w1[i*H:(i+1)*H], ga)
		}
	}

	// Each position feeds its own u directly and, when valid, the prefix
	// mean of every later position in the row.
	suffix := make([]float32, H)
	for r := 0; r < rows; r++ {
		clear(suffix)
		for c := cols - 1; c >= 0; c-- {
			p := r*cols + c
			row := gEmb.Data[tp.toks[p]*H : (tp.toks[p]+1)*H]
			g := gu[p*H : (p+1)*H]
			tensor.Add(row, g)
			if tp.mask[p] {
				tensor.Add(row, suffix)
			}
			if tp.cnt[p] > 0 {
				tensor.Axpy(suffix, 1/float32(tp.cnt[p]), g)
			}
		}
	}

	return []*tensor.Tensor{gEmb, gW1, gB1, gW2, gB2}, nil
}
