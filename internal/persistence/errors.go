package persistence

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrInvalidState    = errors.New("invalid state")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrInternal        = errors.New("internal storage error")
)

// StorageError is returned by every store operation. Kind is one of the
// sentinel errors above; Err, when set, is the underlying cause.
type StorageError struct {
	Kind error
	Msg  string
	Err  error
}

func (e *StorageError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Kind.Error()
	if e.Msg != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *StorageError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func notFoundf(format string, args ...any) error {
	return &StorageError{Kind: ErrNotFound, Msg: fmt.Sprintf(format, args...)}
}

func unauthorizedf(format string, args ...any) error {
	return &StorageError{Kind: ErrUnauthorized, Msg: fmt.Sprintf(format, args...)}
}

func invalidStatef(format string, args ...any) error {
	return &StorageError{Kind: ErrInvalidState, Msg: fmt.Sprintf(format, args...)}
}

func invalidArgumentf(format string, args ...any) error {
	return &StorageError{Kind: ErrInvalidArgument, Msg: fmt.Sprintf(format, args...)}
}

func internal(err error, format string, args ...any) error {
	return &StorageError{Kind: ErrInternal, Msg: fmt.Sprintf(format, args...), Err: err}
}
