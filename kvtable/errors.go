package kvtable

import (
	"errors"
	"fmt"
)

// error kinds, test with errors.Is()
var (
	// ErrInvalidArgument is for bad keys or values. The caller can fix it
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrIO is for failures to open, read, write or sync the log
	ErrIO = errors.New("i/o error")
)

// Error is returned by all Table operations
type Error struct {
	// "load", "set" or "get"
	Op  string
	Key string
	// ErrInvalidArgument or ErrIO
	Kind error
	// underlying error
	Err error
}

func (e *Error) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s '%s': %s: %s", e.Op, e.Key, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// KindName returns a short name of error kind, suitable for metrics
// and protocol responses. Returns "" for nil error
func KindName(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrIO):
		return "io"
	}
	return "unknown"
}

func invalidArgf(op string, key string, format string, args ...any) error {
	return &Error{
		Op:   op,
		Key:  key,
		Kind: ErrInvalidArgument,
		Err:  fmt.Errorf(format, args...),
	}
}

func ioErr(op string, key string, err error) error {
	return &Error{
		Op:   op,
		Key:  key,
		Kind: ErrIO,
		Err:  err,
	}
}
