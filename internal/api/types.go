package api

// GenerateRequest asks for greedy completions of one or more prompts.
// Exactly one of Prompt and Prompts must be set.
type GenerateRequest struct {
	Prompt      string   `json:"prompt,omitempty"`
	Prompts     []string `json:"prompts,omitempty"`
	MaxLength   *int     `json:"max_length,omitempty"`
	StripPrompt bool     `json:"strip_prompt,omitempty"`
	// Store keeps the result retrievable by id. Defaults to true.
	Store *bool `json:"store,omitempty"`
}

type GenerateOutput struct {
	Index     int     `json:"index"`
	Text      string  `json:"text"`
	TokenIDs  []int32 `json:"token_ids"`
	NumTokens int     `json:"num_tokens"`
	Steps     int     `json:"steps"`
}

type GenerateResponse struct {
	ID        string           `json:"id"`
	Object    string           `json:"object"`
	CreatedAt int64            `json:"created_at"`
	Outputs   []GenerateOutput `json:"outputs"`
	// Steps is the total number of forward passes across all prompts.
	Steps int `json:"steps"`
}

type ModelInfo struct {
	Object      string `json:"object"`
	Parameters  int    `json:"parameters"`
	VocabSize   int    `json:"vocab_size"`
	SeqLen      int    `json:"seq_len"`
	Mesh        string `json:"mesh"`
	Precision   string `json:"precision"`
	Fingerprint string `json:"fingerprint"`
}

type DeleteResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}
