package sacn

import "github.com/pkg/errors"

// ErrorKind classifies engine errors per spec.md §7.
type ErrorKind string

// Error kinds. The first four are recovered locally by the listener (the
// datagram is dropped and the occurrence counted); the rest are surfaced
// synchronously to the caller.
const (
	KindMalformedPacket      ErrorKind = "malformed_packet"
	KindUnsupportedVersion   ErrorKind = "unsupported_version"
	KindWrongUniverse        ErrorKind = "wrong_universe"
	KindSequenceOutOfOrder   ErrorKind = "sequence_out_of_order"
	KindSocketBindFailed     ErrorKind = "socket_bind_failed"
	KindMulticastJoinFailed  ErrorKind = "multicast_join_failed"
	KindNoSuitableInterface  ErrorKind = "no_suitable_interface"
	KindSendFailed           ErrorKind = "send_failed"
	KindInvalidHandle        ErrorKind = "invalid_handle"
	KindUniverseZeroRejected ErrorKind = "universe_zero_rejected"
	KindSlotRangeOutOfBounds ErrorKind = "slot_range_out_of_bounds"

	// kindQueueOverflow is an internal metrics-only label (not part of
	// spec.md §7's surfaced error kinds) for datagrams dropped because a
	// listener's inbound queue was full.
	kindQueueOverflow ErrorKind = "queue_overflow"
)

// Error is the engine's error type: a stable Kind plus an optional wrapped
// cause (annotated with github.com/pkg/errors so callers keep a stack).
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// newError builds an *Error, wrapping cause (if any) with pkg/errors so a
// stack trace is attached the first time the error is created.
func newError(kind ErrorKind, cause error, msg string) *Error {
	if cause == nil {
		return &Error{Kind: kind, Err: errors.New(msg)}
	}
	return &Error{Kind: kind, Err: errors.WithMessage(cause, msg)}
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
