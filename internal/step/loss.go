package step

import (
	"fmt"
	"math"

	"github.com/samcharles93/meshtrain/internal/tensor"
)

// CrossEntropy is the mean over non-ignored positions of
// -log softmax(logits)[target]. logits has shape [rows, cols, vocab] and
// targets [rows, cols]. It returns 0 when every target is ignored.
func CrossEntropy(logits *tensor.Tensor, targets *tensor.Ints, ignoreID int32) (float64, int, error) {
	sum, count, err := crossEntropySum(logits, targets, ignoreID, nil)
	if err != nil {
		return 0, 0, err
	}
	if count == 0 {
		return 0, 0, nil
	}
	return sum / float64(count), count, nil
}

// crossEntropySum returns the summed negative log-likelihood and the number
// of counted positions. When grad is non-nil it receives softmax - onehot at
// counted positions and zero elsewhere, unscaled.
func crossEntropySum(logits *tensor.Tensor, targets *tensor.Ints, ignoreID int32, grad []float32) (float64, int, error) {
	if logits.Rank() != 3 || logits.Shape[0] != targets.Rows || logits.Shape[1] != targets.Cols {
		return 0, 0, fmt.Errorf("logits shape %v does not match targets [%d %d]", logits.Shape, targets.Rows, targets.Cols)
	}
	vocab := logits.Shape[2]
	var sum float64
	count := 0
	for p, target := range targets.Data {
		row := logits.Data[p*vocab : (p+1)*vocab]
		if target == ignoreID {
			if grad != nil {
				clear(grad[p*vocab : (p+1)*vocab])
			}
			continue
		}
		if target < 0 || int(target) >= vocab {
			return 0, 0, fmt.Errorf("target id %d at position %d outside vocabulary of %d", target, p, vocab)
		}
		lse := tensor.LogSumExp(row)
		sum += lse - float64(row[target])
		count++
		if grad != nil {
			g := grad[p*vocab : (p+1)*vocab]
			for i, v := range row {
				g[i] = float32(math.Exp(float64(v) - lse))
			}
			g[target]--
		}
	}
	return sum, count, nil
}
