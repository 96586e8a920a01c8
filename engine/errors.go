package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrEngineClosed is returned by operations invoked after Close.
	ErrEngineClosed = errors.New("engine is closed")
	// ErrEngineFailed is returned by mutating operations after the engine
	// has been marked failed.
	ErrEngineFailed = errors.New("engine is failed")
	// ErrUnsupported signals an operation this engine variant deliberately
	// does not serve. It is a contract signal, not a bug.
	ErrUnsupported = errors.New("operation not supported by replication engine")
)

// CreationError reports a failure during engine construction. All resources
// acquired before the failure were released before this error was returned.
type CreationError struct {
	Shard string
	Err   error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("failed to create replication engine for shard %s: %v", e.Shard, e.Err)
}

func (e *CreationError) Unwrap() error {
	return e.Err
}
