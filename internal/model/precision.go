package model

import (
	"fmt"
	"strings"

	"github.com/samcharles93/meshtrain/internal/tensor"
)

// Precision is the dtype policy of a run. Weights is the precision parameters
// are stored at between steps; Activations is the precision logits are
// rounded to before the loss or sampling. The zero value is full float32.
type Precision struct {
	Weights     tensor.DType `yaml:"weights"`
	Activations tensor.DType `yaml:"activations"`
}

// ParsePrecision reads a policy name: "float32", "bfloat16" or
// "mixed_bfloat16" (float32 weights, bfloat16 activations).
func ParsePrecision(name string) (Precision, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if rest, ok := strings.CutPrefix(name, "mixed_"); ok {
		act, err := tensor.ParseDType(rest)
		if err != nil || act == tensor.Float32 {
			return Precision{}, fmt.Errorf("unknown precision policy %q", name)
		}
		return Precision{Weights: tensor.Float32, Activations: act}, nil
	}
	d, err := tensor.ParseDType(name)
	if err != nil {
		return Precision{}, fmt.Errorf("unknown precision policy %q", name)
	}
	return Precision{Weights: d, Activations: d}, nil
}

// Validate rejects unsupported dtypes and weights narrower than activations.
func (p Precision) Validate() error {
	w, err := tensor.ParseDType(string(p.Weights))
	if err != nil {
		return fmt.Errorf("weights: %w", err)
	}
	a, err := tensor.ParseDType(string(p.Activations))
	if err != nil {
		return fmt.Errorf("activations: %w", err)
	}
	if w == tensor.BFloat16 && a == tensor.Float32 {
		return fmt.Errorf("bfloat16 weights need bfloat16 activations")
	}
	return nil
}

// Normalized fills unset dtypes with float32.
func (p Precision) Normalized() Precision {
	w, _ := tensor.ParseDType(string(p.Weights))
	a, _ := tensor.ParseDType(string(p.Activations))
	return Precision{Weights: w, Activations: a}
}

// String returns the policy name accepted by ParsePrecision.
func (p Precision) String() string {
	p = p.Normalized()
	if p.Weights == p.Activations {
		return string(p.Weights)
	}
	return "mixed_" + string(p.Activations)
}
