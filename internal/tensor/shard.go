package tensor

import "fmt"

// Split cuts data laid out with the given shape into parts equal slabs along
// dim. Each part is a fresh row-major buffer of shape with shape[dim]/parts.
func Split(shape []int, data []float32, dim, parts int) ([][]float32, error) {
	if dim < 0 || dim >= len(shape) {
		return nil, fmt.Errorf("split dim %d out of range for shape %v", dim, shape)
	}
	if parts <= 0 || shape[dim]%parts != 0 {
		return nil, fmt.Errorf("split dim %d of size %d into %d parts", dim, shape[dim], parts)
	}
	outer, inner := outerInner(shape, dim)
	chunk := shape[dim] / parts
	span := chunk * inner
	out := make([][]float32, parts)
	for p := range out {
		buf := make([]float32, outer*span)
		for o := 0; o < outer; o++ {
			src := o*shape[dim]*inner + p*span
			copy(buf[o*span:(o+1)*span], data[src:src+span])
		}
		out[p] = buf
	}
	return out, nil
}

// JoinInto is the inverse of Split: it writes parts back into dst, which has
// the full shape.
func JoinInto(dst []float32, shape []int, dim int, parts [][]float32) {
	outer, inner := outerInner(shape, dim)
	chunk := shape[dim] / len(parts)
	span := chunk * inner
	for p, part := range parts {
		for o := 0; o < outer; o++ {
			off := o*shape[dim]*inner + p*span
			copy(dst[off:off+span], part[o*span:(o+1)*span])
		}
	}
}

// ShardShape returns shape with dimension dim divided by parts.
func ShardShape(shape []int, dim, parts int) []int {
	out := append([]int(nil), shape...)
	out[dim] /= parts
	return out
}

func outerInner(shape []int, dim int) (int, int) {
	outer, inner := 1, 1
	for i := 0; i < dim; i++ {
		outer *= shape[i]
	}
	for i := dim + 1; i < len(shape); i++ {
		inner *= shape[i]
	}
	return outer, inner
}
