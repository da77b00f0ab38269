package models

import "errors"

type ErrorKind string

const (
	KindInvalidSignal     ErrorKind = "invalid_signal"
	KindSignalUnavailable ErrorKind = "signal_unavailable"
	KindSessionTerminated ErrorKind = "session_terminated"
	KindExpiredSession    ErrorKind = "expired_session"
	KindMethodNotAllowed  ErrorKind = "method_not_allowed"
	KindSessionNotFound   ErrorKind = "session_not_found"
	KindInvalidRequest    ErrorKind = "invalid_request"
)

// Sentinels for errors.Is. A *GateError matches the sentinel of its kind.
var (
	ErrInvalidSignal     = errors.New(string(KindInvalidSignal))
	ErrSignalUnavailable = errors.New(string(KindSignalUnavailable))
	ErrSessionTerminated = errors.New(string(KindSessionTerminated))
	ErrExpiredSession    = errors.New(string(KindExpiredSession))
	ErrMethodNotAllowed  = errors.New(string(KindMethodNotAllowed))
	ErrSessionNotFound   = errors.New(string(KindSessionNotFound))
	ErrInvalidRequest    = errors.New(string(KindInvalidRequest))
)

var sentinels = map[ErrorKind]error{
	KindInvalidSignal:     ErrInvalidSignal,
	KindSignalUnavailable: ErrSignalUnavailable,
	KindSessionTerminated: ErrSessionTerminated,
	KindExpiredSession:    ErrExpiredSession,
	KindMethodNotAllowed:  ErrMethodNotAllowed,
	KindSessionNotFound:   ErrSessionNotFound,
	KindInvalidRequest:    ErrInvalidRequest,
}

// GateError carries an enumerated kind plus an optional underlying cause.
type GateError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func NewError(kind ErrorKind, msg string, cause error) *GateError {
	return &GateError{Kind: kind, Msg: msg, Err: cause}
}

func (e *GateError) Error() string {
	msg := string(e.Kind)
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GateError) Unwrap() error {
	return e.Err
}

func (e *GateError) Is(target error) bool {
	return sentinels[e.Kind] == target
}

// KindOf returns the kind of the first GateError in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var ge *GateError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return ""
}
