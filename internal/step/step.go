// Package step compiles the sharded training step and the forward-only pass
// used by generation.
//
// A compiled function validates its configuration eagerly and builds its
// execution plan on first call. The plan fixes per-leaf layouts and owns the
// gather and gradient buffers reused by every later call. Each call runs one
// goroutine per shard of the data axis.
package step

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/samcharles93/meshtrain/internal/logger"
	"github.com/samcharles93/meshtrain/internal/mesh"
	"github.com/samcharles93/meshtrain/internal/model"
	"github.com/samcharles93/meshtrain/internal/optim"
	"github.com/samcharles93/meshtrain/internal/state"
	"github.com/samcharles93/meshtrain/internal/tensor"
)

// Batch is one replicated training batch. X holds input ids and Y the target
// ids, both shaped [rows, seq_len].
type Batch struct {
	X *tensor.Ints
	Y *tensor.Ints
}

// Config is everything a step function depends on.
type Config struct {
	Mesh      *mesh.Mesh
	DataAxis  string
	Model     model.Model
	Optimizer optim.Optimizer
	// IgnoreID is the target id excluded from the loss, normally the pad id.
	IgnoreID int32
	// ClipNorm clips gradients by global norm when positive.
	ClipNorm float64
	// Precision rounds stored weights and logits. The zero value is float32.
	Precision model.Precision
	Logger    logger.Logger
}

func (c Config) validate() (int, error) {
	if c.Mesh == nil {
		return 0, mesh.Configurationf("step needs a mesh")
	}
	if c.Model == nil {
		return 0, mesh.Configurationf("step needs a model")
	}
	if err := c.Precision.Validate(); err != nil {
		return 0, mesh.Configurationf("precision: %v", err)
	}
	size, ok := c.Mesh.AxisSize(c.DataAxis)
	if !ok {
		return 0, mesh.Configurationf("data axis %q is not a mesh axis (have %v)", c.DataAxis, c.Mesh.AxisNames())
	}
	return size, nil
}

// Func is a compiled training step.
type Func struct {
	cfg       Config
	shards    int
	precision model.Precision
	log       logger.Logger

	mu    sync.Mutex
	plan  *plan
	calls int64
}

type plan struct {
	trainable    []*tensor.Tensor
	nonTrainable []*tensor.Tensor
	grads        []*tensor.Tensor
}

// Compile validates cfg. The execution plan is built by the first Call.
func Compile(cfg Config) (*Func, error) {
	if cfg.Optimizer == nil {
		return nil, mesh.Configurationf("step needs an optimizer")
	}
	shards, err := cfg.validate()
	if err != nil {
		return nil, err
	}
	return &Func{
		cfg:       cfg,
		shards:    shards,
		precision: cfg.Precision.Normalized(),
		log:       logger.OrDefault(context.Background(), cfg.Logger),
	}, nil
}

// Calls returns how many steps have completed.
func (f *Func) Calls() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Call runs one training step. It takes ownership of st; the caller must use
// the returned handle from then on. The returned loss is the mean
// cross-entropy over every non-ignored target of the batch.
func (f *Func) Call(ctx context.Context, st *state.State, b Batch) (float32, *state.State, error) {
	g, err := st.Take()
	if err != nil {
		return 0, nil, err
	}
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.plan == nil {
		p, err := f.compile(g)
		if err != nil {
			return 0, nil, err
		}
		f.plan = p
		roundWeights(g, f.precision.Weights)
		f.log.Debug("compiled step", "mesh", f.cfg.Mesh.String(), "data_axis", f.cfg.DataAxis, "precision", f.precision.String(), "leaves", len(g.Trainable)+len(g.NonTrainable)+len(g.Optimizer))
	}
	if err := f.checkBatch(b); err != nil {
		return 0, nil, err
	}

	start := time.Now()
	p := f.plan
	for i, l := range g.Trainable {
		l.GatherInto(p.trainable[i].Data)
	}
	for i, l := range g.NonTrainable {
		l.GatherInto(p.nonTrainable[i].Data)
	}

	outs, err := f.forward(ctx, p, b)
	if err != nil {
		return 0, nil, err
	}

	loss, count := globalLoss(outs)

	if err := f.backward(outs, p, count); err != nil {
		return 0, nil, err
	}
	if f.cfg.ClipNorm > 0 {
		clipByGlobalNorm(p.grads, f.cfg.ClipNorm)
	}

	g.Iterations++
	if err := f.apply(g, p); err != nil {
		return 0, nil, err
	}
	roundWeights(g, f.precision.Weights)
	if err := averageNonTrainable(g, outs); err != nil {
		return 0, nil, err
	}

	f.calls++
	f.log.Debug("step", "iteration", g.Iterations, "loss", loss, "targets", count, "elapsed", time.Since(start))
	return float32(loss), state.New(*g), nil
}

func (f *Func) compile(g *state.Groups) (*plan, error) {
	groups := []state.Group{g.Trainable, g.NonTrainable, g.Optimizer}
	for _, group := range groups {
		for _, l := range group {
			if err := mesh.CheckShape(f.cfg.Mesh, l.Path, l.Spec, l.Shape); err != nil {
				return nil, err
			}
		}
	}

	trainable := f.cfg.Model.TrainableVariables()
	nonTrainable := f.cfg.Model.NonTrainableVariables()
	if err := matchVariables("trainable", g.Trainable, trainable); err != nil {
		return nil, err
	}
	if err := matchVariables("non_trainable", g.NonTrainable, nonTrainable); err != nil {
		return nil, err
	}
	if len(g.Optimizer) != len(g.Slots)*len(g.Trainable) {
		return nil, &state.StateShapeError{
			Group:  "optimizer",
			Index:  -1,
			Reason: fmt.Sprintf("%d leaves for %d slots over %d parameters", len(g.Optimizer), len(g.Slots), len(g.Trainable)),
		}
	}

	p := &plan{
		trainable:    make([]*tensor.Tensor, len(g.Trainable)),
		nonTrainable: make([]*tensor.Tensor, len(g.NonTrainable)),
		grads:        make([]*tensor.Tensor, len(g.Trainable)),
	}
	for i, l := range g.Trainable {
		p.trainable[i] = tensor.New(l.Shape...)
		p.grads[i] = tensor.New(l.Shape...)
	}
	for i, l := range g.NonTrainable {
		p.nonTrainable[i] = tensor.New(l.Shape...)
	}
	return p, nil
}

func matchVariables(group string, leaves state.Group, vars []*model.Variable) error {
	if len(leaves) != len(vars) {
		return &state.StateShapeError{
			Group:  group,
			Index:  -1,
			Reason: fmt.Sprintf("state has %d leaves, model has %d variables", len(leaves), len(vars)),
		}
	}
	for i, l := range leaves {
		if !tensor.SameShape(l.Shape, vars[i].Value.Shape) {
			return &state.StateShapeError{
				Group:  group,
				Index:  i,
				Path:   vars[i].Path,
				Reason: fmt.Sprintf("leaf shape %v, variable shape %v", l.Shape, vars[i].Value.Shape),
			}
		}
	}
	return nil
}

func (f *Func) checkBatch(b Batch) error {
	if b.X == nil || b.Y == nil {
		return fmt.Errorf("batch needs inputs and targets")
	}
	if !b.X.SameShape(b.Y) {
		return fmt.Errorf("batch inputs [%d %d] and targets [%d %d] differ in shape", b.X.Rows, b.X.Cols, b.Y.Rows, b.Y.Cols)
	}
	if b.X.Rows == 0 || b.X.Rows%f.shards != 0 {
		return &mesh.ShardingConflictError{
			Path:   "batch",
			Shape:  []int{b.X.Rows, b.X.Cols},
			Spec:   mesh.Shard(f.cfg.DataAxis),
			Reason: "batch rows not divisible by data axis size " + strconv.Itoa(f.shards),
		}
	}
	return nil
}

// shardOutput is what one data shard produced during a step.
type shardOutput struct {
	out  *model.Output
	grad *tensor.Tensor
	sum  float64
	n    int
}

func (f *Func) forward(ctx context.Context, p *plan, b Batch) ([]*shardOutput, error) {
	per := b.X.Rows / f.shards
	outs := make([]*shardOutput, f.shards)
	errs := make([]error, f.shards)
	var wg sync.WaitGroup
	for k := 0; k < f.shards; k++ {
		wg.Add(1)
		go func(k int) {
			defer wg.Done()
			if err := ctx.Err(); err != nil {
				errs[k] = err
				return
			}
			in := model.Input{Tokens: b.X.RowRange(k*per, (k+1)*per)}
			out, err := f.cfg.Model.StatelessCall(p.trainable, p.nonTrainable, in, true)
			if err != nil {
				errs[k] = fmt.Errorf("forward shard %d: %w", k, err)
				return
			}
			if out.Tape == nil {
				errs[k] = fmt.Errorf("forward shard %d: model returned no tape for a training call", k)
				return
			}
			f.precision.Activations.Round(out.Logits.Data)
			y := b.Y.RowRange(k*per, (k+1)*per)
			grad := tensor.New(out.Logits.Shape...)
			sum, n, err := crossEntropySum(out.Logits, y, f.cfg.IgnoreID, grad.Data)
			if err != nil {
				errs[k] = fmt.Errorf("loss shard %d: %w", k, err)
				return
			}
			outs[k] = &shardOutput{out: out, grad: grad, sum: sum, n: n}
		}(k)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return outs, nil
}

func globalLoss(outs []*shardOutput) (float64, int) {
	var sum float64
	count := 0
	for _, o := range outs {
		sum += o.sum
		count += o.n
	}
	if count == 0 {
		return 0, 0
	}
	return sum / float64(count), count
}

func (f *Func) backward(outs []*shardOutput, p *plan, count int) error {
	scale := float32(0)
	if count > 0 {
		scale = 1 / float32(count)
	}
	grads := make([][]*tensor.Tensor, len(outs))
	errs := make([]error, len(outs))
	var wg sync.WaitGroup
	for k, o := range outs {
		wg.Add(1)
		go func(k int, o *shardOutput) {
			defer wg.Done()
			tensor.Scale(o.grad.Data, scale)
			gs, err := o.out.Tape.Backward(o.grad)
			if err != nil {
				errs[k] = fmt.Errorf("backward shard %d: %w", k, err)
				return
			}
			if len(gs) != len(p.grads) {
				errs[k] = fmt.Errorf("backward shard %d: %d gradients for %d parameters", k, len(gs), len(p.grads))
				return
			}
			grads[k] = gs
		}(k, o)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	// Summed in shard order so results do not depend on scheduling.
	for i, dst := range p.grads {
		clear(dst.Data)
		for k := range grads {
			tensor.Add(dst.Data, grads[k][i].Data)
		}
	}
	return nil
}

func clipByGlobalNorm(grads []*tensor.Tensor, maxNorm float64) {
	var sq float64
	for _, g := range grads {
		sq += tensor.SumSquares(g.Data)
	}
	norm := math.Sqrt(sq)
	if norm <= maxNorm || norm == 0 {
		return
	}
	scale := float32(maxNorm / norm)
	for _, g := range grads {
		tensor.Scale(g.Data, scale)
	}
}

// apply reduce-scatters the gradients into each parameter's layout and runs
// the optimizer on every shard in parallel.
func (f *Func) apply(g *state.Groups, p *plan) error {
	type job struct {
		param []float32
		grad  []float32
		slots [][]float32
	}
	var jobs []job
	for i, l := range g.Trainable {
		gradShards := [][]float32{p.grads[i].Data}
		if dim, _, ok := l.Sharded(); ok {
			parts, err := tensor.Split(l.Shape, p.grads[i].Data, dim, l.NumShards())
			if err != nil {
				return fmt.Errorf("scatter gradient %s: %w", l.Path, err)
			}
			gradShards = parts
		}
		slotLeaves := g.SlotLeaves(i)
		for s := range l.Shards {
			slots := make([][]float32, len(slotLeaves))
			for j, sl := range slotLeaves {
				if sl.NumShards() != l.NumShards() {
					return &state.StateShapeError{
						Group:  "optimizer",
						Index:  i,
						Path:   sl.Path,
						Reason: fmt.Sprintf("%d shards, parameter has %d", sl.NumShards(), l.NumShards()),
					}
				}
				slots[j] = sl.Shards[s]
			}
			jobs = append(jobs, job{param: l.Shards[s], grad: gradShards[s], slots: slots})
		}
	}

	var wg sync.WaitGroup
	for _, j := range jobs {
		wg.Add(1)
		go func(j job) {
			defer wg.Done()
			f.cfg.Optimizer.Update(g.Iterations, j.param, j.grad, j.slots)
		}(j)
	}
	wg.Wait()
	return nil
}

// roundWeights stores every trainable shard at precision d. Optimizer slots
// keep full precision.
func roundWeights(g *state.Groups, d tensor.DType) {
	for _, l := range g.Trainable {
		for _, shard := range l.Shards {
			d.Round(shard)
		}
	}
}

// averageNonTrainable stores the mean of the shards' updated non-trainable
// values.
func averageNonTrainable(g *state.Groups, outs []*shardOutput) error {
	for i, l := range g.NonTrainable {
		mean := make([]float32, l.Numel())
		for k, o := range outs {
			if len(o.out.NonTrainable) != len(g.NonTrainable) {
				return fmt.Errorf("shard %d returned %d non-trainable values, want %d", k, len(o.out.NonTrainable), len(g.NonTrainable))
			}
			v := o.out.NonTrainable[i]
			if !tensor.SameShape(v.Shape, l.Shape) {
				return fmt.Errorf("shard %d returned %s with shape %v, want %v", k, l.Path, v.Shape, l.Shape)
			}
			tensor.Add(mean, v.Data)
		}
		tensor.Scale(mean, 1/float32(len(outs)))
		if err := l.ScatterFrom(mean); err != nil {
			return fmt.Errorf("scatter %s: %w", l.Path, err)
		}
	}
	return nil
}
