package tensor

import (
	"fmt"
	"math/rand"
	"slices"
)

// Tensor is a dense row-major array of float32 values.
//
// Shape lists the extent of every dimension, outermost first. A scalar has an
// empty shape and exactly one element. Data holds the flattened values and is
// always Numel(Shape) long.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New allocates a zero-initialised tensor with the given shape.
func New(shape ...int) *Tensor {
	n, err := numel(shape)
	if err != nil {
		panic(err)
	}
	return &Tensor{
		Shape: slices.Clone(shape),
		Data:  make([]float32, n),
	}
}

// FromData wraps existing data. The data length must match the shape.
func FromData(shape []int, data []float32) (*Tensor, error) {
	n, err := numel(shape)
	if err != nil {
		return nil, err
	}
	if len(data) != n {
		return nil, fmt.Errorf("%w: shape %v needs %d values, got %d", errDataSizeMismatch, shape, n, len(data))
	}
	return &Tensor{Shape: slices.Clone(shape), Data: data}, nil
}

// Scalar returns a rank-0 tensor holding v.
func Scalar(v float32) *Tensor {
	return &Tensor{Shape: []int{}, Data: []float32{v}}
}

// Numel returns the number of elements.
func (t *Tensor) Numel() int { return len(t.Data) }

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int { return len(t.Shape) }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Shape: slices.Clone(t.Shape),
		Data:  slices.Clone(t.Data),
	}
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b []int) bool {
	return slices.Equal(a, b)
}

// Numel returns the element count of a shape. It panics on a negative
// dimension or an overflowing count; use CheckedNumel for untrusted shapes.
func Numel(shape []int) int {
	n, err := numel(shape)
	if err != nil {
		panic(err)
	}
	return n
}

// CheckedNumel returns the element count of a shape read from outside the
// process.
func CheckedNumel(shape []int) (int, error) {
	return numel(shape)
}

func numel(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, errNegativeDim
		}
		if d != 0 && n > int(^uint(0)>>1)/d {
			return 0, errTooLarge
		}
		n *= d
	}
	return n, nil
}

// FillRand fills the tensor with reproducible values in (-scale/2, scale/2).
// Multiple calls with the same seed produce identical tensors.
func FillRand(t *Tensor, seed int64, scale float32) {
	rng := rand.New(rand.NewSource(seed))
	for i := range t.Data {
		t.Data[i] = (rng.Float32() - 0.5) * scale
	}
}

var (
	errNegativeDim      = fmtError("negative dimension for tensor")
	errTooLarge         = fmtError("tensor too large")
	errDataSizeMismatch = fmtError("tensor data length mismatch")
)

type fmtError string

func (e fmtError) Error() string { return string(e) }
