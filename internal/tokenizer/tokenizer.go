package tokenizer

// Tokenizer converts between text and token ids.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	Decode(ids []int) (string, error)
	Special() Special
	VocabSize() int
}

// Special holds the ids with reserved meaning.
type Special struct {
	PadTokenID int
	BOSTokenID int
	EOSTokenID int
}

// IsSpecial reports whether id is one of the reserved ids.
func (s Special) IsSpecial(id int) bool {
	return id == s.PadTokenID || id == s.BOSTokenID || id == s.EOSTokenID
}
