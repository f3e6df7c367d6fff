package tensor

import (
	"fmt"
	"math"
	"strings"
)

// DType names a storage precision. Values are always held as float32 and
// rounded to the named precision where it applies.
type DType string

const (
	Float32  DType = "float32"
	BFloat16 DType = "bfloat16"
)

// ParseDType accepts the long names and the safetensors short forms.
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "float32", "f32", "fp32":
		return Float32, nil
	case "bfloat16", "bf16":
		return BFloat16, nil
	}
	return "", fmt.Errorf("unsupported dtype %q", s)
}

// Round rounds x in place to precision d.
func (d DType) Round(x []float32) {
	if d != BFloat16 {
		return
	}
	for i, v := range x {
		x[i] = BF16ToFloat32(Float32ToBF16(v))
	}
}

// Float32ToBF16 rounds v to the nearest bfloat16, ties to even. NaN stays NaN.
func Float32ToBF16(v float32) uint16 {
	bits := math.Float32bits(v)
	if math.IsNaN(float64(v)) {
		return uint16(bits>>16) | 0x40
	}
	bias := uint32(0x7fff) + (bits>>16)&1
	return uint16((bits + bias) >> 16)
}

// BF16ToFloat32 widens a bfloat16 bit pattern.
func BF16ToFloat32(b uint16) float32 {
	return math.Float32frombits(uint32(b) << 16)
}
