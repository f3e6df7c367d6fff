package mesh

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks invalid mesh or axis sizing.
	ErrConfiguration = errors.New("configuration error")
	// ErrShardingConflict marks a tensor whose shape cannot satisfy its partition.
	ErrShardingConflict = errors.New("sharding conflict")
)

// ConfigurationError reports an invalid mesh, topology or axis layout.
type ConfigurationError struct {
	msg string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.msg
}

func (e *ConfigurationError) Unwrap() error {
	return ErrConfiguration
}

// Configurationf builds a ConfigurationError.
func Configurationf(format string, args ...any) error {
	return &ConfigurationError{msg: fmt.Sprintf(format, args...)}
}

// ShardingConflictError reports a tensor whose declared partition is
// incompatible with its shape.
type ShardingConflictError struct {
	Path   string
	Shape  []int
	Spec   PartitionSpec
	Reason string
}

func (e *ShardingConflictError) Error() string {
	return fmt.Sprintf("sharding conflict for %q: shape %v with %s: %s", e.Path, e.Shape, e.Spec, e.Reason)
}

func (e *ShardingConflictError) Unwrap() error {
	return ErrShardingConflict
}
