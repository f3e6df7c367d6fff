package api

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/meshtrain/internal/generate"
	"github.com/samcharles93/meshtrain/internal/logger"
	"github.com/samcharles93/meshtrain/internal/mesh"
	"github.com/samcharles93/meshtrain/internal/model"
	"github.com/samcharles93/meshtrain/internal/preprocess"
	"github.com/samcharles93/meshtrain/internal/state"
	"github.com/samcharles93/meshtrain/internal/tokenizer"
)

// ServiceConfig wires a GenerationService.
type ServiceConfig struct {
	Mesh      *mesh.Mesh
	DataAxis  string
	Model     model.Model
	Tokenizer tokenizer.Tokenizer
	// Strategy defaults to preprocess.Default.
	Strategy preprocess.Strategy
	SeqLen   int
	// Precision applies its activation dtype to sampled logits.
	Precision model.Precision
	Logger    logger.Logger
}

// GenerationService turns text prompts into greedy completions. Calls are
// serialized because a generation reads the live model weights for its whole
// duration.
type GenerationService struct {
	mu       sync.Mutex
	cfg      ServiceConfig
	gen      *generate.Coordinator
	log      logger.Logger
	clockNow func() int64
}

func NewGenerationService(cfg ServiceConfig) (*GenerationService, error) {
	if cfg.Tokenizer == nil {
		return nil, mesh.Configurationf("generation service needs a tokenizer")
	}
	if cfg.SeqLen <= 0 {
		return nil, mesh.Configurationf("sequence length must be positive, got %d", cfg.SeqLen)
	}
	if cfg.DataAxis == "" {
		cfg.DataAxis = "fsdp"
	}
	if cfg.Strategy == nil {
		cfg.Strategy = preprocess.Default{}
	}
	gen, err := generate.New(generate.Config{
		Mesh:      cfg.Mesh,
		DataAxis:  cfg.DataAxis,
		Model:     cfg.Model,
		Precision: cfg.Precision,
		Logger:    cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	return &GenerationService{
		cfg:      cfg,
		gen:      gen,
		log:      logger.OrDefault(context.Background(), cfg.Logger),
		clockNow: func() int64 { return time.Now().Unix() },
	}, nil
}

// Generate completes every prompt in req in order.
func (s *GenerationService) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	prompts, err := requestPrompts(req)
	if err != nil {
		return nil, err
	}
	opts := generate.Options{
		StopTokenIDs: []int32{int32(s.cfg.Tokenizer.Special().EOSTokenID)},
		StripPrompt:  req.StripPrompt,
	}
	if req.MaxLength != nil {
		if *req.MaxLength <= 0 {
			return nil, newInvalidRequest("max_length", codeInvalidMaxLength, "must be positive, got %d", *req.MaxLength)
		}
		opts.MaxLength = *req.MaxLength
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	resp := &GenerateResponse{
		ID:        newGenerationID(),
		Object:    "generation",
		CreatedAt: s.clockNow(),
		Outputs:   make([]GenerateOutput, 0, len(prompts)),
	}
	start := time.Now()
	for i, prompt := range prompts {
		in, err := s.cfg.Strategy.PrepareInferenceInput(prompt, s.cfg.Tokenizer, s.cfg.SeqLen)
		if err != nil {
			if errors.Is(err, preprocess.ErrPreprocessing) {
				return nil, newInvalidRequest(promptParam(req, i), codePromptRejected, "%v", err)
			}
			return nil, err
		}
		out, err := s.gen.Generate(ctx, in, opts)
		if err != nil {
			return nil, fmt.Errorf("prompts[%d]: %w", i, err)
		}
		row := out.TokenIDs.Row(0)
		text, err := s.decode(row)
		if err != nil {
			return nil, fmt.Errorf("prompts[%d]: %w", i, err)
		}
		resp.Outputs = append(resp.Outputs, GenerateOutput{
			Index:     i,
			Text:      text,
			TokenIDs:  append([]int32(nil), row...),
			NumTokens: out.NumTokens,
			Steps:     out.Steps,
		})
		resp.Steps += out.Steps
	}
	s.log.Info("generation completed", "id", resp.ID, "prompts", len(prompts), "steps", resp.Steps, "elapsed", time.Since(start))
	return resp, nil
}

func (s *GenerationService) decode(row []int32) (string, error) {
	ids := make([]int, len(row))
	for i, v := range row {
		ids[i] = int(v)
	}
	return s.cfg.Tokenizer.Decode(ids)
}

// Info describes the served model. The fingerprint covers the live weights.
func (s *GenerationService) Info() ModelInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	vars := append(append([]*model.Variable{}, s.cfg.Model.TrainableVariables()...), s.cfg.Model.NonTrainableVariables()...)
	paths := make([]string, len(vars))
	shapes := make([][]int, len(vars))
	values := make([][]float32, len(vars))
	for i, v := range vars {
		paths[i] = v.Path
		shapes[i] = v.Value.Shape
		values[i] = v.Value.Data
	}
	return ModelInfo{
		Object:      "model",
		Parameters:  model.CountParameters(s.cfg.Model.TrainableVariables()),
		VocabSize:   s.cfg.Model.VocabSize(),
		SeqLen:      s.cfg.SeqLen,
		Mesh:        s.cfg.Mesh.String(),
		Precision:   s.cfg.Precision.String(),
		Fingerprint: strconv.FormatUint(state.FingerprintValues(paths, shapes, values), 16),
	}
}

func requestPrompts(req *GenerateRequest) ([]string, error) {
	switch {
	case req.Prompt != "" && len(req.Prompts) > 0:
		return nil, newInvalidRequest("prompts", codeConflictingInput, "prompt and prompts are mutually exclusive")
	case req.Prompt != "":
		return []string{req.Prompt}, nil
	case len(req.Prompts) > 0:
		for i, p := range req.Prompts {
			if strings.TrimSpace(p) == "" {
				return nil, newInvalidRequest(fmt.Sprintf("prompts[%d]", i), codeEmptyPrompt, "is empty")
			}
		}
		return req.Prompts, nil
	default:
		return nil, newInvalidRequest("prompt", codeMissingPrompt, "is required")
	}
}

func newGenerationID() string {
	return "gen_" + uuid.NewString()
}
