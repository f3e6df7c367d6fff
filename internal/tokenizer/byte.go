package tokenizer

import (
	"fmt"
	"strings"
)

const byteOffset = 3

// Byte maps every byte of UTF-8 text to its own id. Ids 0, 1 and 2 are the
// pad, bos and eos tokens; byte b is id b+3.
type Byte struct{}

func (Byte) Special() Special {
	return Special{PadTokenID: 0, BOSTokenID: 1, EOSTokenID: 2}
}

func (Byte) VocabSize() int { return 256 + byteOffset }

func (Byte) Encode(text string) ([]int, error) {
	ids := make([]int, len(text))
	for i := 0; i < len(text); i++ {
		ids[i] = int(text[i]) + byteOffset
	}
	return ids, nil
}

// Decode drops special ids and rejects ids outside the vocabulary.
func (b Byte) Decode(ids []int) (string, error) {
	var sb strings.Builder
	sb.Grow(len(ids))
	special := b.Special()
	for _, id := range ids {
		if special.IsSpecial(id) {
			continue
		}
		if id < byteOffset || id >= b.VocabSize() {
			return "", fmt.Errorf("token id %d outside byte vocabulary", id)
		}
		sb.WriteByte(byte(id - byteOffset))
	}
	return sb.String(), nil
}
