// Package trainer drives the compiled step over a dataset and writes the
// result back into the live model.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/meshtrain/internal/checkpoint"
	"github.com/samcharles93/meshtrain/internal/dataset"
	"github.com/samcharles93/meshtrain/internal/generate"
	"github.com/samcharles93/meshtrain/internal/logger"
	"github.com/samcharles93/meshtrain/internal/mesh"
	"github.com/samcharles93/meshtrain/internal/model"
	"github.com/samcharles93/meshtrain/internal/optim"
	"github.com/samcharles93/meshtrain/internal/preprocess"
	"github.com/samcharles93/meshtrain/internal/state"
	"github.com/samcharles93/meshtrain/internal/step"
	"github.com/samcharles93/meshtrain/internal/tokenizer"
)

// ErrAlreadyRun is returned by a second call to Train.
var ErrAlreadyRun = errors.New("trainer already ran")

// Phase is the lifecycle state of a Trainer.
type Phase int

const (
	NotStarted Phase = iota
	Running
	Completed
	Failed
)

func (p Phase) String() string {
	switch p {
	case NotStarted:
		return "not_started"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "phase(" + strconv.Itoa(int(p)) + ")"
	}
}

// Config is the explicit configuration of one training run.
type Config struct {
	// Steps is the number of optimizer steps to run.
	Steps int64
	// LogSteps reports the loss every LogSteps steps. Zero disables it.
	LogSteps   int64
	SeqLen     int
	InputField string
	Mesh       *mesh.Mesh
	// Rule defaults to an FSDP rule over DataAxis.
	Rule     mesh.Rule
	DataAxis string
	ClipNorm float64
	// Precision is the dtype policy for weights and activations. The zero
	// value trains in float32.
	Precision model.Precision
}

// Progress is notified after every step.
type Progress interface {
	Add(n int) error
}

// Option customises a Trainer.
type Option func(*Trainer)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(t *Trainer) { t.log = l }
}

// WithReport registers a hook called on every logging step.
func WithReport(fn func(step int64, loss float32)) Option {
	return func(t *Trainer) { t.report = fn }
}

// WithProgress registers a per-step progress sink.
func WithProgress(p Progress) Option {
	return func(t *Trainer) { t.progress = p }
}

// StepLoss is the loss observed at one step.
type StepLoss struct {
	Step int64
	Loss float32
}

// Result summarises a completed run.
type Result struct {
	RunID     string
	Steps     int64
	FinalLoss float32
	// Losses holds the logged steps.
	Losses []StepLoss
	// Passes counts how many times the dataset was opened.
	Passes      int
	Duration    time.Duration
	Fingerprint uint64
}

// Trainer owns a model, an optimizer and the sharded state for one run.
type Trainer struct {
	cfg      Config
	model    model.Model
	opt      optim.Optimizer
	tok      tokenizer.Tokenizer
	data     dataset.Dataset
	strategy preprocess.Strategy
	log      logger.Logger
	report   func(int64, float32)
	progress Progress

	mu    sync.Mutex
	phase Phase
	st    *state.State
	gen   *generate.Coordinator
}

// New validates cfg and wires the collaborators.
func New(cfg Config, m model.Model, opt optim.Optimizer, tok tokenizer.Tokenizer, data dataset.Dataset, strategy preprocess.Strategy, opts ...Option) (*Trainer, error) {
	if cfg.DataAxis == "" {
		cfg.DataAxis = "fsdp"
	}
	if cfg.InputField == "" {
		cfg.InputField = "text"
	}
	if cfg.Rule == nil {
		cfg.Rule = mesh.FSDPRule{Axis: cfg.DataAxis}
	}
	switch {
	case cfg.Mesh == nil:
		return nil, mesh.Configurationf("trainer needs a mesh")
	case !cfg.Mesh.HasAxis(cfg.DataAxis):
		return nil, mesh.Configurationf("data axis %q is not a mesh axis", cfg.DataAxis)
	case cfg.Mesh.Processes() != 1:
		return nil, mesh.Configurationf("training runs in a single process, mesh spans %d", cfg.Mesh.Processes())
	case cfg.Steps < 0:
		return nil, mesh.Configurationf("steps must not be negative, got %d", cfg.Steps)
	case cfg.LogSteps < 0:
		return nil, mesh.Configurationf("log steps must not be negative, got %d", cfg.LogSteps)
	case cfg.SeqLen <= 0:
		return nil, mesh.Configurationf("sequence length must be positive, got %d", cfg.SeqLen)
	case cfg.Precision.Validate() != nil:
		return nil, mesh.Configurationf("precision: %v", cfg.Precision.Validate())
	case m == nil || opt == nil || tok == nil || data == nil:
		return nil, mesh.Configurationf("trainer needs a model, optimizer, tokenizer and dataset")
	}
	if strategy == nil {
		strategy = preprocess.Default{}
	}
	t := &Trainer{
		cfg:      cfg,
		model:    m,
		opt:      opt,
		tok:      tok,
		data:     data,
		strategy: strategy,
	}
	for _, o := range opts {
		o(t)
	}
	if t.log == nil {
		t.log = logger.Default()
	}
	return t, nil
}

// Phase returns the current lifecycle state.
func (t *Trainer) Phase() Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

func (t *Trainer) setPhase(p Phase) {
	t.mu.Lock()
	t.phase = p
	t.mu.Unlock()
}

// Train runs the configured number of steps. Any preprocessing or step
// failure aborts the run and is returned wrapped with the step number.
func (t *Trainer) Train(ctx context.Context) (*Result, error) {
	t.mu.Lock()
	if t.phase != NotStarted {
		t.mu.Unlock()
		return nil, ErrAlreadyRun
	}
	t.phase = Running
	t.mu.Unlock()

	res, err := t.train(ctx)
	if err != nil {
		t.setPhase(Failed)
		return nil, err
	}
	t.setPhase(Completed)
	return res, nil
}

func (t *Trainer) train(ctx context.Context) (*Result, error) {
	start := time.Now()
	runID := uuid.NewString()
	log := t.log.With("run", runID)

	st, err := state.Build(t.cfg.Mesh, t.cfg.Rule, t.model, t.opt)
	if err != nil {
		return nil, err
	}

	fn, err := step.Compile(step.Config{
		Mesh:      t.cfg.Mesh,
		DataAxis:  t.cfg.DataAxis,
		Model:     t.model,
		Optimizer: t.opt,
		IgnoreID:  int32(t.tok.Special().PadTokenID),
		ClipNorm:  t.cfg.ClipNorm,
		Precision: t.cfg.Precision,
		Logger:    log,
	})
	if err != nil {
		return nil, err
	}
	log.Info("training started",
		"steps", t.cfg.Steps,
		"mesh", t.cfg.Mesh.String(),
		"optimizer", t.opt.Name(),
		"precision", t.cfg.Precision.String(),
		"parameters", model.CountParameters(t.model.TrainableVariables()),
	)

	res := &Result{RunID: runID}
	var it dataset.Iterator
	defer func() {
		if it != nil {
			_ = it.Close()
		}
	}()
	fresh := false

	for res.Steps < t.cfg.Steps {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("step %d: %w", res.Steps+1, err)
		}
		if it == nil {
			if it, err = t.data.Iterator(ctx); err != nil {
				return nil, fmt.Errorf("open dataset: %w", err)
			}
			res.Passes++
			fresh = true
		}
		raw, ok, err := it.Next(ctx)
		if err != nil {
			return nil, fmt.Errorf("step %d: read batch: %w", res.Steps+1, err)
		}
		if !ok {
			_ = it.Close()
			it = nil
			if fresh {
				return nil, mesh.Configurationf("dataset yielded no batches")
			}
			continue
		}
		fresh = false

		batch, err := t.strategy.PrepareTrainingInput(raw, t.tok, t.cfg.SeqLen, t.cfg.InputField)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", res.Steps+1, err)
		}
		loss, next, err := fn.Call(ctx, st, batch)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", res.Steps+1, err)
		}
		st = next
		res.Steps++
		res.FinalLoss = loss

		if math.IsNaN(float64(loss)) || math.IsInf(float64(loss), 0) {
			log.Warn("non-finite loss", "step", res.Steps, "loss", loss)
		}
		if t.progress != nil {
			_ = t.progress.Add(1)
		}
		if t.cfg.LogSteps > 0 && res.Steps%t.cfg.LogSteps == 0 {
			res.Losses = append(res.Losses, StepLoss{Step: res.Steps, Loss: loss})
			log.Info(fmt.Sprintf("Training loss at step %d: %v", res.Steps, loss), "step", res.Steps, "loss", loss)
			if t.report != nil {
				t.report(res.Steps, loss)
			}
		}
	}

	if err := state.Materialize(st, t.model); err != nil {
		return nil, err
	}
	fp, err := state.Fingerprint(st)
	if err != nil {
		return nil, err
	}
	res.Fingerprint = fp
	res.Duration = time.Since(start)

	t.mu.Lock()
	t.st = st
	t.mu.Unlock()
	log.Info("training completed", "steps", res.Steps, "loss", res.FinalLoss, "passes", res.Passes, "elapsed", res.Duration)
	return res, nil
}

// Materialize writes the final state into the model again. It is a no-op
// before training completes.
func (t *Trainer) Materialize() error {
	t.mu.Lock()
	st := t.st
	t.mu.Unlock()
	if st == nil {
		return nil
	}
	return state.Materialize(st, t.model)
}

// Generate completes prompt with the live model and decodes the first
// sequence. Generation stops at the tokenizer's eos id.
func (t *Trainer) Generate(ctx context.Context, prompt string) (string, error) {
	gen, err := t.coordinator()
	if err != nil {
		return "", err
	}
	in, err := t.strategy.PrepareInferenceInput(prompt, t.tok, t.cfg.SeqLen)
	if err != nil {
		return "", err
	}
	out, err := gen.Generate(ctx, in, generate.Options{
		StopTokenIDs: []int32{int32(t.tok.Special().EOSTokenID)},
	})
	if err != nil {
		return "", err
	}
	row := out.TokenIDs.Row(0)
	ids := make([]int, len(row))
	for i, v := range row {
		ids[i] = int(v)
	}
	return t.tok.Decode(ids)
}

func (t *Trainer) coordinator() (*generate.Coordinator, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gen != nil {
		return t.gen, nil
	}
	gen, err := generate.New(generate.Config{
		Mesh:      t.cfg.Mesh,
		DataAxis:  t.cfg.DataAxis,
		Model:     t.model,
		Precision: t.cfg.Precision,
		Logger:    t.log,
	})
	if err != nil {
		return nil, err
	}
	t.gen = gen
	return gen, nil
}

// SaveModel writes the live model variables to path.
func (t *Trainer) SaveModel(path string) error {
	vars := append(append([]*model.Variable{}, t.model.TrainableVariables()...), t.model.NonTrainableVariables()...)
	meta := map[string]string{
		"format":    "meshtrain",
		"optimizer": t.opt.Name(),
		"seq_len":   strconv.Itoa(t.cfg.SeqLen),
	}
	t.mu.Lock()
	if t.st != nil {
		_ = t.st.View(func(g *state.Groups) error {
			meta["iterations"] = strconv.FormatInt(g.Iterations, 10)
			return nil
		})
	}
	t.mu.Unlock()
	return checkpoint.Save(path, vars, meta)
}
