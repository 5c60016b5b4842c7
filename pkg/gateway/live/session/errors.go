package session

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a session that has reached Closed.
var ErrClosed = errors.New("session closed")

// errBackpressure reports a full outbound queue.
var errBackpressure = errors.New("outbound backpressure")

// TransportError reports a failure on the telephony leg. It is terminal.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProviderStreamError reports a failed recognition, synthesis or model stream.
// It is retried within the session's budget and terminal once that is spent.
type ProviderStreamError struct {
	Provider string
	Err      error
}

func (e *ProviderStreamError) Error() string {
	return fmt.Sprintf("%s stream: %v", e.Provider, e.Err)
}

func (e *ProviderStreamError) Unwrap() error { return e.Err }

// IsTransport reports whether err is a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
