// Package model defines the capability interface a language model must
// implement to be trained and sampled under a device mesh.
package model

import (
	"fmt"

	"github.com/samcharles93/meshtrain/internal/tensor"
)

// Variable is a live, named model parameter.
type Variable struct {
	Path      string
	Value     *tensor.Tensor
	Trainable bool
}

// Assign replaces the variable's value with a copy of t. The shape must
// match.
func (v *Variable) Assign(t *tensor.Tensor) error {
	if !tensor.SameShape(v.Value.Shape, t.Shape) {
		return fmt.Errorf("assign %s: shape %v does not match %v", v.Path, t.Shape, v.Value.Shape)
	}
	copy(v.Value.Data, t.Data)
	return nil
}

// Input is a batch of token sequences. Mask marks valid positions with 1;
// a nil Mask means every position is valid.
type Input struct {
	Tokens *tensor.Ints
	Mask   *tensor.Ints
}

// Output is the result of a stateless call.
type Output struct {
	// Logits has shape [rows, cols, vocab].
	Logits *tensor.Tensor
	// NonTrainable holds the updated non-trainable values, in variable order.
	NonTrainable []*tensor.Tensor
	// Tape computes gradients of the trainable parameters. It is nil for
	// inference calls.
	Tape Tape
}

// Tape carries what the forward pass recorded so gradients can be computed
// afterwards.
type Tape interface {
	// Backward returns d(loss)/d(trainable) in variable order, given
	// d(loss)/d(logits) shaped like Output.Logits.
	Backward(gradLogits *tensor.Tensor) ([]*tensor.Tensor, error)
}

// Model is the capability interface a trained model exposes.
//
// StatelessCall must not read or write captured mutable state: everything
// it depends on arrives as arguments and everything it changes leaves as
// results. Given equal arguments it returns equal results, and it may be
// called concurrently on disjoint inputs sharing read-only parameters.
// Variable lists are enumerated in a fixed order that matches the order of
// the tensors passed to and returned from StatelessCall.
type Model interface {
	TrainableVariables() []*Variable
	NonTrainableVariables() []*Variable
	StatelessCall(trainable, nonTrainable []*tensor.Tensor, in Input, training bool) (*Output, error)
	VocabSize() int
}

// Values returns the current tensors of vars.
func Values(vars []*Variable) []*tensor.Tensor {
	out := make([]*tensor.Tensor, len(vars))
	for i, v := range vars {
		out[i] = v.Value
	}
	return out
}

// CountParameters returns the total number of elements across vars.
func CountParameters(vars ...[]*Variable) int {
	n := 0
	for _, group := range vars {
		for _, v := range group {
			n += v.Value.Numel()
		}
	}
	return n
}
