package domain

import (
	"errors"
	"fmt"
)

var (
	ErrUntrustedSignature     = errors.New("untrusted signature")
	ErrSessionClosed          = errors.New("session closed")
	ErrConflictingConsumption = errors.New("conflicting consumption")
	ErrTimeout                = errors.New("timeout")
	ErrCancelled              = errors.New("cancelled")
	ErrNotaryUnavailable      = errors.New("notary unavailable")
	ErrPartyNotFound          = errors.New("party not found")
	ErrNotFound               = errors.New("not found")
	// ErrTransportFailure is a session failure; errors.Is(err, ErrSessionClosed) holds for it.
	ErrTransportFailure error = &transportError{msg: "transport failure"}
)

type transportError struct{ msg string }

func (e *transportError) Error() string      { return e.msg }
func (*transportError) Is(target error) bool { return target == ErrSessionClosed }

// Violation is a contract rule failure. Reason is the exact rule text.
type Violation struct {
	Reason string
}

func (v *Violation) Error() string { return "contract violation: " + v.Reason }

func NewViolation(format string, args ...any) *Violation {
	return &Violation{Reason: fmt.Sprintf(format, args...)}
}

// AsViolation returns the violation wrapped in err, if any.
func AsViolation(err error) (*Violation, bool) {
	var v *Violation
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}

// CounterpartyRejection is returned when a counterparty answers a proposal with RejectTx.
type CounterpartyRejection struct {
	Party  string
	Reason string
}

func (r *CounterpartyRejection) Error() string {
	return fmt.Sprintf("rejected by %s: %s", r.Party, r.Reason)
}
