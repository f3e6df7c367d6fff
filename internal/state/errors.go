package state

import (
	"errors"
	"fmt"
)

// ErrStateShape marks a mismatch between state leaves and model variables.
var ErrStateShape = errors.New("state shape mismatch")

// StateShapeError reports which leaf failed to line up with the live model.
// Index is -1 when the groups differ in length.
type StateShapeError struct {
	Group  string
	Index  int
	Path   string
	Reason string
}

func (e *StateShapeError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("state shape mismatch in %s: %s", e.Group, e.Reason)
	}
	return fmt.Sprintf("state shape mismatch in %s[%d] (%s): %s", e.Group, e.Index, e.Path, e.Reason)
}

func (e *StateShapeError) Unwrap() error {
	return ErrStateShape
}
