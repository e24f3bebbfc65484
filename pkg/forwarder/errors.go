package forwarder

import (
	"errors"
	"fmt"
)

var (
	// ErrTransmit is returned when the query datagram could not be dispatched
	ErrTransmit = errors.New("failed to transmit query")

	// ErrNetwork is returned when the transport failed while awaiting a reply
	ErrNetwork = errors.New("upstream network error")

	// ErrTimeout is returned when no reply arrived before the deadline
	ErrTimeout = errors.New("upstream timeout")
)

// Kind classifies a failed exchange
type Kind int

const (
	// KindTransmit means the query never left the socket
	KindTransmit Kind = iota + 1
	// KindNetwork means the socket reported an error before any reply
	KindNetwork
	// KindTimeout means the deadline passed with no reply
	KindTimeout
)

// String returns the label used in logs and metrics
func (k Kind) String() string {
	switch k {
	case KindTransmit:
		return "transmit"
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindTransmit:
		return ErrTransmit
	case KindNetwork:
		return ErrNetwork
	case KindTimeout:
		return ErrTimeout
	default:
		return nil
	}
}

// Error is the terminal failure of one exchange
type Error struct {
	Err      error // underlying cause, may be nil
	Upstream string
	Kind     Kind
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%v: %s", e.Kind.sentinel(), e.Upstream)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind
func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// KindOf returns the kind of a forwarding error, or 0 if err is not one
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return 0
}
