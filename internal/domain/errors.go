package domain

import (
	"errors"
	"fmt"
)

// Kind is the machine-readable failure reason surfaced to callers.
type Kind string

const (
	KindInvalidRequest     Kind = "InvalidRequest"
	KindInvalidState       Kind = "InvalidState"
	KindGatewayUnavailable Kind = "GatewayUnavailable"
	KindDuplicateKey       Kind = "DuplicateKey"
	KindInternal           Kind = "Internal"
	KindNotFound           Kind = "NotFound"
	KindTerminalBusy       Kind = "TerminalBusy"
	KindLedgerUnavailable  Kind = "LedgerUnavailable"
)

// Sentinels usable with errors.Is against any *Error of the same kind.
var (
	ErrInvalidRequest     = &Error{Kind: KindInvalidRequest}
	ErrInvalidState       = &Error{Kind: KindInvalidState}
	ErrGatewayUnavailable = &Error{Kind: KindGatewayUnavailable}
	ErrDuplicateKey       = &Error{Kind: KindDuplicateKey}
	ErrInternal           = &Error{Kind: KindInternal}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrTerminalBusy       = &Error{Kind: KindTerminalBusy}
	ErrLedgerUnavailable  = &Error{Kind: KindLedgerUnavailable}
)

// Error carries a Kind plus the operation that failed and its cause.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind, so callers can write
// errors.Is(err, domain.ErrInvalidState).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// E builds an *Error.
func E(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error around cause.
func Wrap(kind Kind, op string, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...), Err: cause}
}

// KindOf returns the Kind of the first *Error in err's chain, or
// KindInternal for foreign errors. A nil error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}
