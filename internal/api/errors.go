package api

import (
	"errors"
	"fmt"
)

// ErrInvalidRequest marks errors caused by the caller's request body.
var ErrInvalidRequest = errors.New("invalid_request")

// Codes reported in the error envelope of a rejected generation request.
const (
	codeInvalidJSON      = "invalid_json"
	codeMissingPrompt    = "missing_prompt"
	codeConflictingInput = "conflicting_prompts"
	codeEmptyPrompt      = "empty_prompt"
	codeInvalidMaxLength = "invalid_max_length"
	codePromptRejected   = "prompt_rejected"
)

// invalidRequestError names the request field at fault so clients can point
// at it without parsing the message.
type invalidRequestError struct {
	param string
	code  string
	msg   string
}

func (e *invalidRequestError) Error() string {
	if e.param == "" {
		return e.msg
	}
	return e.param + ": " + e.msg
}

func (e *invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(param, code, format string, args ...any) error {
	return &invalidRequestError{param: param, code: code, msg: fmt.Sprintf(format, args...)}
}

// promptParam names the request field holding prompt i.
func promptParam(req *GenerateRequest, i int) string {
	if req.Prompt != "" {
		return "prompt"
	}
	return fmt.Sprintf("prompts[%d]", i)
}

// requestErrorDetails returns the field and code of an invalid request error.
func requestErrorDetails(err error) (param, code string) {
	var ire *invalidRequestError
	if errors.As(err, &ire) {
		return ire.param, ire.code
	}
	return "", ""
}
