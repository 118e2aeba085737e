package remote

import (
	"errors"
	"fmt"
)

// Kind classifies a remote failure.
type Kind string

const (
	// KindTransport is a network or transport failure.
	KindTransport Kind = "transport"
	// KindRejected means the server answered with an error or with no data.
	KindRejected Kind = "rejected"
)

var (
	// ErrNoData indicates the server answered a mutation without data.
	ErrNoData = errors.New("remote: no data returned")
	// ErrClosed indicates the service connection is closed.
	ErrClosed = errors.New("remote: connection closed")
)

// Error is the typed failure surfaced to the presentation layer after local
// state has been reverted.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s failure: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transport wraps err as a transport failure of op.
func Transport(op string, err error) error {
	return &Error{Op: op, Kind: KindTransport, Err: err}
}

// Rejected wraps err as a server rejection of op.
func Rejected(op string, err error) error {
	if err == nil {
		err = ErrNoData
	}
	return &Error{Op: op, Kind: KindRejected, Err: err}
}

// Wrap attaches op to err. Errors that are already classified keep their
// kind; anything else is treated as a transport failure.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var remoteErr *Error
	if errors.As(err, &remoteErr) {
		if remoteErr.Op == op {
			return err
		}
		return &Error{Op: op, Kind: remoteErr.Kind, Err: err}
	}
	if errors.Is(err, ErrNoData) {
		return Rejected(op, err)
	}
	return Transport(op, err)
}

// IsRejected reports whether err is a server rejection.
func IsRejected(err error) bool {
	var remoteErr *Error
	return errors.As(err, &remoteErr) && remoteErr.Kind == KindRejected
}

// IsTransport reports whether err is a transport failure.
func IsTransport(err error) bool {
	var remoteErr *Error
	return errors.As(err, &remoteErr) && remoteErr.Kind == KindTransport
}
