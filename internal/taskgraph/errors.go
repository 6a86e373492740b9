package taskgraph

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTaskInputs is the kind of every InsertTask validation failure.
	ErrInvalidTaskInputs = errors.New("invalid task inputs")

	// ErrDecode wraps every failure to rebuild a graph from its serialized form.
	ErrDecode = errors.New("task graph decode error")

	// ErrSchemaVersion marks an unparsable or incompatible schema version. It
	// is always reported together with ErrDecode.
	ErrSchemaVersion = errors.New("task graph schema version")

	// ErrCorrupted is returned by Validate when the graph's cross references
	// disagree with each other.
	ErrCorrupted = errors.New("task graph corrupted")
)

// GraphError carries a failure kind and a position-addressed message.
type GraphError struct {
	Kind error
	Msg  string
}

func (e *GraphError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *GraphError) Unwrap() error { return e.Kind }

func invalidInputsf(format string, args ...any) error {
	return &GraphError{Kind: ErrInvalidTaskInputs, Msg: fmt.Sprintf(format, args...)}
}

func corruptedf(format string, args ...any) error {
	return &GraphError{Kind: ErrCorrupted, Msg: fmt.Sprintf(format, args...)}
}

func decodef(format string, args ...any) error {
	return &GraphError{Kind: ErrDecode, Msg: fmt.Sprintf(format, args...)}
}
