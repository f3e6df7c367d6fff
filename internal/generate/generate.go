// Package generate runs greedy autoregressive decoding over a device mesh.
//
// Each iteration samples one token per sequence. A host computes the rows of
// its local data shards and exchanges them with every other host so that all
// hosts apply identical updates to their copies of the batch.
package generate

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/samcharles93/meshtrain/internal/collective"
	"github.com/samcharles93/meshtrain/internal/logger"
	"github.com/samcharles93/meshtrain/internal/mesh"
	"github.com/samcharles93/meshtrain/internal/model"
	"github.com/samcharles93/meshtrain/internal/step"
	"github.com/samcharles93/meshtrain/internal/tensor"
)

// ErrEmptyPrompt is returned when the first sequence has no valid position.
var ErrEmptyPrompt = errors.New("prompt has no valid tokens")

// Inputs are left-aligned prompts. PaddingMask marks prompt positions with 1.
type Inputs struct {
	TokenIDs    *tensor.Ints
	PaddingMask *tensor.Ints
}

// Options control one Generate call.
type Options struct {
	// MaxLength caps the total length of prompt plus generated tokens. Zero
	// means the sequence length of the inputs.
	MaxLength int
	// StopTokenIDs end a sequence once sampled. Empty means every call runs
	// the full number of steps.
	StopTokenIDs []int32
	// StripPrompt returns only the generated suffix.
	StripPrompt bool
}

// Output is the generated batch, truncated to the caller's batch size and to
// the number of populated positions.
type Output struct {
	TokenIDs    *tensor.Ints
	PaddingMask *tensor.Ints
	// Steps is the number of forward passes run.
	Steps int
	// NumTokens is the populated length including the prompt.
	NumTokens int
}

// Config wires a Coordinator.
type Config struct {
	Mesh     *mesh.Mesh
	DataAxis string
	Model    model.Model
	// Precision applies its activation dtype to sampled logits.
	Precision model.Precision
	// Collective defaults to collective.Local for single-process meshes.
	Collective collective.Collective
	Logger     logger.Logger
}

// Coordinator runs generation for one host process.
type Coordinator struct {
	model    model.Model
	forward  *step.ForwardFunc
	coll     collective.Collective
	log      logger.Logger
	owners   [][]int
	myShards []int
}

// New validates cfg and compiles the forward pass.
func New(cfg Config) (*Coordinator, error) {
	fwd, err := step.CompileForward(step.Config{
		Mesh:      cfg.Mesh,
		DataAxis:  cfg.DataAxis,
		Model:     cfg.Model,
		Precision: cfg.Precision,
		Logger:    cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	coll := cfg.Collective
	if coll == nil {
		coll = collective.Local{}
	}
	if coll.Processes() != cfg.Mesh.Processes() {
		return nil, mesh.Configurationf("collective spans %d processes, mesh spans %d", coll.Processes(), cfg.Mesh.Processes())
	}

	owners := make([][]int, coll.Processes())
	for p := range owners {
		shards, err := cfg.Mesh.LocalCoords(p, cfg.DataAxis)
		if err != nil {
			return nil, err
		}
		owners[p] = shards
	}
	log := logger.OrDefault(context.Background(), cfg.Logger).With("process", coll.Process())
	return &Coordinator{
		model:    cfg.Model,
		forward:  fwd,
		coll:     coll,
		log:      log,
		owners:   owners,
		myShards: owners[coll.Process()],
	}, nil
}

// trace is the mutable per-call generation state.
type trace struct {
	tokens     *tensor.Ints
	mask       *tensor.Ints
	numTokens  int
	reachedEOS []bool
}

// Generate extends every prompt in in by greedy decoding. The live model
// weights are read once at the start of the call.
func (c *Coordinator) Generate(ctx context.Context, in Inputs, opts Options) (*Output, error) {
	if err := checkInputs(in); err != nil {
		return nil, err
	}
	batch, seqLen := in.TokenIDs.Rows, in.TokenIDs.Cols

	shards := c.forward.Shards()
	pad := (shards - batch%shards) % shards
	tr := &trace{
		tokens: in.TokenIDs.PadRows(pad, 0),
		mask:   in.PaddingMask.PadRows(pad, 0),
	}
	tr.numTokens = tr.mask.CountEqual(0, 1)
	tr.reachedEOS = make([]bool, batch)
	promptLen := tr.numTokens

	maxLength := seqLen
	if opts.MaxLength != 0 {
		maxLength = min(opts.MaxLength, seqLen)
	}
	generateSteps := maxLength - tr.numTokens
	if generateSteps > 0 && tr.numTokens == 0 {
		return nil, ErrEmptyPrompt
	}

	params := step.ParamsOf(c.model)
	steps := 0
	for i := 0; i < generateSteps; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := time.Now()
		next, err := c.nextTokens(ctx, params, tr)
		if err != nil {
			return nil, fmt.Errorf("generation step %d: %w", i, err)
		}
		steps++

		for r, tok := range next {
			tr.tokens.Set(r, tr.numTokens, tok)
		}
		tr.mask.RollRight(1)
		for r := 0; r < tr.mask.Rows; r++ {
			tr.mask.Set(r, 0, 1)
		}
		tr.numTokens++

		for r, tok := range next[:batch] {
			if slices.Contains(opts.StopTokenIDs, tok) {
				tr.reachedEOS[r] = true
			}
		}
		c.log.Debug("generated token", "step", i, "num_tokens", tr.numTokens, "elapsed", time.Since(start))
		if !slices.Contains(tr.reachedEOS, false) {
			break
		}
	}

	out := &Output{Steps: steps, NumTokens: tr.numTokens}
	if opts.StripPrompt {
		out.TokenIDs = tr.tokens.Slice(batch, promptLen, tr.numTokens)
		out.PaddingMask = tr.mask.Slice(batch, promptLen, tr.numTokens)
	} else {
		out.TokenIDs = tr.tokens.Slice(batch, 0, tr.numTokens)
		out.PaddingMask = tr.mask.Slice(batch, 0, tr.numTokens)
	}
	return out, nil
}

// nextTokens samples position numTokens-1 for every row of the padded batch.
// Rows held by this host are computed locally and the rest arrive through the
// collective.
func (c *Coordinator) nextTokens(ctx context.Context, params step.Params, tr *trace) ([]int32, error) {
	in := model.Input{Tokens: tr.tokens, Mask: tr.mask}
	local, err := c.forward.Greedy(ctx, params, in, tr.numTokens-1, c.myShards)
	if err != nil {
		return nil, err
	}
	gathered, err := c.coll.AllGather(ctx, local)
	if err != nil {
		return nil, err
	}
	return c.merge(gathered, tr.tokens.Rows)
}

func (c *Coordinator) merge(gathered [][]int32, rows int) ([]int32, error) {
	if len(gathered) != len(c.owners) {
		return nil, fmt.Errorf("gathered %d contributions from %d processes: %w", len(gathered), len(c.owners), collective.ErrHostDivergence)
	}
	per := rows / c.forward.Shards()
	out := make([]int32, rows)
	seen := make([]bool, rows)
	for p, vals := range gathered {
		shards := c.owners[p]
		if len(vals) != len(shards)*per {
			return nil, fmt.Errorf("process %d sent %d tokens, want %d: %w", p, len(vals), len(shards)*per, collective.ErrHostDivergence)
		}
		for i, k := range shards {
			for r := 0; r < per; r++ {
				row := k*per + r
				v := vals[i*per+r]
				if seen[row] && out[row] != v {
					return nil, fmt.Errorf("row %d sampled as %d and %d: %w", row, out[row], v, collective.ErrHostDivergence)
				}
				out[row] = v
				seen[row] = true
			}
		}
	}
	if i := slices.Index(seen, false); i >= 0 {
		return nil, fmt.Errorf("no process produced row %d: %w", i, collective.ErrHostDivergence)
	}
	return out, nil
}

func checkInputs(in Inputs) error {
	if in.TokenIDs == nil || in.PaddingMask == nil {
		return fmt.Errorf("inputs need token ids and a padding mask")
	}
	if !in.TokenIDs.SameShape(in.PaddingMask) {
		return fmt.Errorf("token ids [%d %d] and padding mask [%d %d] differ in shape",
			in.TokenIDs.Rows, in.TokenIDs.Cols, in.PaddingMask.Rows, in.PaddingMask.Cols)
	}
	if in.TokenIDs.Rows == 0 || in.TokenIDs.Cols == 0 {
		return fmt.Errorf("inputs are empty")
	}
	return nil
}
