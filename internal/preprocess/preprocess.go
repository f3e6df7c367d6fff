// Package preprocess turns raw dataset rows and prompts into token tensors.
package preprocess

import (
	"errors"
	"fmt"

	"github.com/samcharles93/meshtrain/internal/dataset"
	"github.com/samcharles93/meshtrain/internal/generate"
	"github.com/samcharles93/meshtrain/internal/step"
	"github.com/samcharles93/meshtrain/internal/tensor"
	"github.com/samcharles93/meshtrain/internal/tokenizer"
)

// ErrPreprocessing marks malformed raw batches or prompts.
var ErrPreprocessing = errors.New("preprocessing error")

// PreprocessingError describes which row or prompt could not be prepared.
// Row is -1 when the failure is not tied to a row.
type PreprocessingError struct {
	Row    int
	Field  string
	Reason string
}

func (e *PreprocessingError) Error() string {
	if e.Row < 0 {
		return "preprocessing error: " + e.Reason
	}
	return fmt.Sprintf("preprocessing error: row %d field %q: %s", e.Row, e.Field, e.Reason)
}

func (e *PreprocessingError) Unwrap() error {
	return ErrPreprocessing
}

// Strategy prepares model inputs.
type Strategy interface {
	PrepareTrainingInput(raw dataset.Batch, tok tokenizer.Tokenizer, seqLen int, field string) (step.Batch, error)
	PrepareInferenceInput(prompt string, tok tokenizer.Tokenizer, seqLen int) (generate.Inputs, error)
}

// Default frames each text as bos, text, eos, truncated or padded to
// seqLen+1 ids, and trains on next-token prediction.
type Default struct{}

func (Default) PrepareTrainingInput(raw dataset.Batch, tok tokenizer.Tokenizer, seqLen int, field string) (step.Batch, error) {
	if len(raw) == 0 {
		return step.Batch{}, &PreprocessingError{Row: -1, Reason: "empty batch"}
	}
	if seqLen <= 0 {
		return step.Batch{}, &PreprocessingError{Row: -1, Reason: fmt.Sprintf("sequence length must be positive, got %d", seqLen)}
	}
	special := tok.Special()
	x := tensor.NewInts(len(raw), seqLen)
	y := tensor.NewInts(len(raw), seqLen)
	framed := make([]int, seqLen+1)
	for r, row := range raw {
		v, ok := row[field]
		if !ok {
			return step.Batch{}, &PreprocessingError{Row: r, Field: field, Reason: "field missing"}
		}
		text, ok := v.(string)
		if !ok {
			return step.Batch{}, &PreprocessingError{Row: r, Field: field, Reason: fmt.Sprintf("expected string, got %T", v)}
		}
		ids, err := tok.Encode(text)
		if err != nil {
			return step.Batch{}, &PreprocessingError{Row: r, Field: field, Reason: err.Error()}
		}

		for i := range framed {
			framed[i] = special.PadTokenID
		}
		framed[0] = special.BOSTokenID
		n := 1 + copy(framed[1:], ids)
		if n < len(framed) {
			framed[n] = special.EOSTokenID
		}
		for c := 0; c < seqLen; c++ {
			x.Set(r, c, int32(framed[c]))
			y.Set(r, c, int32(framed[c+1]))
		}
	}
	return step.Batch{X: x, Y: y}, nil
}

func (Default) PrepareInferenceInput(prompt string, tok tokenizer.Tokenizer, seqLen int) (generate.Inputs, error) {
	ids, err := tok.Encode(prompt)
	if err != nil {
		return generate.Inputs{}, &PreprocessingError{Row: -1, Reason: err.Error()}
	}
	n := len(ids) + 1
	if n > seqLen {
		return generate.Inputs{}, &PreprocessingError{Row: -1, Reason: fmt.Sprintf("prompt of %d tokens does not fit sequence length %d", n, seqLen)}
	}
	special := tok.Special()
	toks := tensor.NewInts(1, seqLen)
	mask := tensor.NewInts(1, seqLen)
	row := toks.Row(0)
	for i := range row {
		row[i] = int32(special.PadTokenID)
	}
	row[0] = int32(special.BOSTokenID)
	for i, id := range ids {
		row[i+1] = int32(id)
	}
	for c := 0; c < n; c++ {
		mask.Set(0, c, 1)
	}
	return generate.Inputs{TokenIDs: toks, PaddingMask: mask}, nil
}
