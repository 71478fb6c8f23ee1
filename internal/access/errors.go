package access

import (
	"errors"
	"fmt"
)

// ErrorKind is the user-facing failure taxonomy shared by verification,
// level selection and content loading.
type ErrorKind string

const (
	ErrKindInvalidCode          ErrorKind = "invalid_code"
	ErrKindExpired              ErrorKind = "expired"
	ErrKindSeatsExhausted       ErrorKind = "seats_exhausted"
	ErrKindPackageTypeForbidden ErrorKind = "package_type_forbidden"
	ErrKindLevelLocked          ErrorKind = "level_locked"
	ErrKindContentUnavailable   ErrorKind = "content_unavailable"
	ErrKindTransientNetwork     ErrorKind = "transient_network"
)

// SeatReason distinguishes the two ways seats can be exhausted.
type SeatReason string

const (
	SeatReasonNone         SeatReason = ""
	SeatReasonOwnSeatUsed  SeatReason = "own_seat_used"
	SeatReasonAllSeatsUsed SeatReason = "all_seats_used"
)

// Sentinels for errors.Is. Matching is by kind only.
var (
	ErrInvalidCode          = &Error{Kind: ErrKindInvalidCode}
	ErrExpired              = &Error{Kind: ErrKindExpired}
	ErrSeatsExhausted       = &Error{Kind: ErrKindSeatsExhausted}
	ErrPackageTypeForbidden = &Error{Kind: ErrKindPackageTypeForbidden}
	ErrLevelLocked          = &Error{Kind: ErrKindLevelLocked}
	ErrContentUnavailable   = &Error{Kind: ErrKindContentUnavailable}
	ErrTransientNetwork     = &Error{Kind: ErrKindTransientNetwork}
)

// Error is a classified failure carrying the message shown to the player
// and the action they can take next.
type Error struct {
	Kind      ErrorKind
	SubReason SeatReason
	Message   string
	NextStep  string
	Err       error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.SubReason != SeatReasonNone {
		msg = fmt.Sprintf("%s (%s)", msg, e.SubReason)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind, and of the same sub-reason
// when the target sets one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.SubReason == SeatReasonNone || t.SubReason == e.SubReason
}

// Retryable reports whether the same attempt may be retried as-is.
func (e *Error) Retryable() bool {
	return e.Kind == ErrKindTransientNetwork
}

// Soft reports whether the code entry should stay open for another try.
func (e *Error) Soft() bool {
	switch e.Kind {
	case ErrKindPackageTypeForbidden, ErrKindInvalidCode, ErrKindTransientNetwork:
		return true
	}
	return false
}

// KindOf returns the taxonomy kind of err, or "" if err is not classified.
func KindOf(err error) ErrorKind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

func newInvalidCode() *Error {
	return &Error{
		Kind:     ErrKindInvalidCode,
		Message:  "This code is not recognized.",
		NextStep: "Check the code and enter it again.",
	}
}

func newExpired() *Error {
	return &Error{
		Kind:     ErrKindExpired,
		Message:  "This code has expired.",
		NextStep: "Contact support to renew your access.",
	}
}

func newSeatsExhausted(reason SeatReason) *Error {
	e := &Error{
		Kind:      ErrKindSeatsExhausted,
		SubReason: reason,
		Message:   "All seats for this code have been used.",
		NextStep:  "Contact the code owner or support for more seats.",
	}
	if reason == SeatReasonOwnSeatUsed {
		e.Message = "You have already used your seat for this code."
		e.NextStep = "Ask a colleague with an unused seat to play, or contact support."
	}
	return e
}

func newPackageTypeForbidden() *Error {
	return &Error{
		Kind:     ErrKindPackageTypeForbidden,
		Message:  "This package is a physical edition and cannot be played online.",
		NextStep: "Enter a code for a digital package.",
	}
}

// NewLevelLocked reports a level whose unlock precondition is not met.
func NewLevelLocked(level int, reason string) *Error {
	msg := fmt.Sprintf("Level %d is locked.", level)
	if reason != "" {
		msg = fmt.Sprintf("Level %d is locked: %s.", level, reason)
	}
	return &Error{
		Kind:     ErrKindLevelLocked,
		Message:  msg,
		NextStep: "Complete the previous level first.",
	}
}

// NewContentUnavailable reports a level with no playable items.
func NewContentUnavailable(level int) *Error {
	return &Error{
		Kind:     ErrKindContentUnavailable,
		Message:  fmt.Sprintf("Level %d is not available yet.", level),
		NextStep: "Choose another level or try again later.",
	}
}

// NewTransient wraps a network or server fault as a retryable error.
func NewTransient(err error) *Error {
	return &Error{
		Kind:     ErrKindTransientNetwork,
		Message:  "The service could not be reached.",
		NextStep: "Try again in a moment.",
		Err:      err,
	}
}
