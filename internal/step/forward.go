package step

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/samcharles93/meshtrain/internal/logger"
	"github.com/samcharles93/meshtrain/internal/mesh"
	"github.com/samcharles93/meshtrain/internal/model"
	"github.com/samcharles93/meshtrain/internal/tensor"
)

// Params are full parameter tensors in variable order.
type Params struct {
	Trainable    []*tensor.Tensor
	NonTrainable []*tensor.Tensor
}

// ParamsOf returns the live values of m's variables.
func ParamsOf(m model.Model) Params {
	return Params{
		Trainable:    model.Values(m.TrainableVariables()),
		NonTrainable: model.Values(m.NonTrainableVariables()),
	}
}

// ForwardFunc is a compiled inference pass. Batch rows are split along the
// data axis and each shard runs in its own goroutine.
type ForwardFunc struct {
	cfg       Config
	shards    int
	precision model.Precision
	log       logger.Logger

	mu       sync.Mutex
	compiled map[[2]int]bool
}

// CompileForward validates cfg for inference. Optimizer, IgnoreID and
// ClipNorm are unused; only the activation precision applies.
func CompileForward(cfg Config) (*ForwardFunc, error) {
	shards, err := cfg.validate()
	if err != nil {
		return nil, err
	}
	return &ForwardFunc{
		cfg:       cfg,
		shards:    shards,
		precision: cfg.Precision.Normalized(),
		log:       logger.OrDefault(context.Background(), cfg.Logger),
		compiled:  make(map[[2]int]bool),
	}, nil
}

// Shards returns the data axis size.
func (f *ForwardFunc) Shards() int { return f.shards }

// Greedy runs the model on the rows of the given data shards and returns the
// argmax token at column pos of each row, in row order. The batch must have a
// row count divisible by the data axis size.
func (f *ForwardFunc) Greedy(ctx context.Context, p Params, in model.Input, pos int, shards []int) ([]int32, error) {
	rows, cols := in.Tokens.Rows, in.Tokens.Cols
	if err := f.prepare(rows, cols); err != nil {
		return nil, err
	}
	if pos < 0 || pos >= cols {
		return nil, fmt.Errorf("sample position %d outside sequence of %d", pos, cols)
	}
	for _, k := range shards {
		if k < 0 || k >= f.shards {
			return nil, fmt.Errorf("data shard %d out of range [0, %d)", k, f.shards)
		}
	}
	per := rows / f.shards
	out := make([]int32, len(shards)*per)
	errs := make([]error, len(shards))

	var wg sync.WaitGroup
	for i, k := range shards {
		wg.Add(1)
		go func(i, k int) {
			defer wg.Done()
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return
			}
			shardIn := model.Input{Tokens: in.Tokens.RowRange(k*per, (k+1)*per)}
			if in.Mask != nil {
				shardIn.Mask = in.Mask.RowRange(k*per, (k+1)*per)
			}
			res, err := f.cfg.Model.StatelessCall(p.Trainable, p.NonTrainable, shardIn, false)
			if err != nil {
				errs[i] = fmt.Errorf("forward shard %d: %w", k, err)
				return
			}
			vocab := res.Logits.Shape[2]
			for r := 0; r < per; r++ {
				at := (r*cols + pos) * vocab
				logits := res.Logits.Data[at : at+vocab]
				f.precision.Activations.Round(logits)
				out[i*per+r] = int32(tensor.Argmax(logits))
			}
		}(i, k)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (f *ForwardFunc) prepare(rows, cols int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := [2]int{rows, cols}
	if f.compiled[key] {
		return nil
	}
	if rows == 0 || rows%f.shards != 0 {
		return &mesh.ShardingConflictError{
			Path:   "inputs",
			Shape:  []int{rows, cols},
			Spec:   mesh.Shard(f.cfg.DataAxis),
			Reason: "batch rows not divisible by data axis size " + strconv.Itoa(f.shards),
		}
	}
	f.compiled[key] = true
	f.log.Debug("compiled forward", "rows", rows, "cols", cols, "shards", f.shards)
	return nil
}
