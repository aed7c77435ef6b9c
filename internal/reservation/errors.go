package reservation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/andreasstove999/ecommerce-system/services/erp-reservation-service-go/internal/allocation"
)

type Code string

const (
	CodeValidation            Code = "ValidationError"
	CodeNotFound              Code = "ReservationNotFound"
	CodeDuplicateReference    Code = "DuplicateReference"
	CodeExpired               Code = "ReservationExpired"
	CodeAlreadyConfirmed      Code = "ReservationAlreadyConfirmed"
	CodeAlreadyCancelled      Code = "ReservationAlreadyCancelled"
	CodeFailed                Code = "ReservationFailed"
	CodeLockAcquisitionFailed Code = "LockAcquisitionFailed"
	CodeConcurrencyConflict   Code = "ConcurrencyConflict"
)

// Error is a caller-facing failure with a stable code. Stock failures carry the
// per-line diagnostics produced by the allocation engine.
type Error struct {
	Code    Code                    `json:"code"`
	Message string                  `json:"message"`
	Lines   []*allocation.LineError `json:"lines,omitempty"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

// Is matches any *Error with the same code, so errors.Is(err, ErrNotFound) works
// regardless of the message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// StockError reports whether the failure came out of allocation.
func (e *Error) StockError() bool {
	return len(e.Lines) > 0 && e.Code != CodeConcurrencyConflict
}

var (
	ErrValidation            = &Error{Code: CodeValidation}
	ErrNotFound              = &Error{Code: CodeNotFound}
	ErrDuplicateReference    = &Error{Code: CodeDuplicateReference}
	ErrExpired               = &Error{Code: CodeExpired}
	ErrAlreadyConfirmed      = &Error{Code: CodeAlreadyConfirmed}
	ErrAlreadyCancelled      = &Error{Code: CodeAlreadyCancelled}
	ErrFailed                = &Error{Code: CodeFailed}
	ErrLockAcquisitionFailed = &Error{Code: CodeLockAcquisitionFailed}
	ErrConcurrencyConflict   = &Error{Code: CodeConcurrencyConflict}
)

// Store-level conditions. The manager turns them into coded errors.
var (
	ErrStatusChanged     = errors.New("reservation status changed")
	ErrIllegalTransition = errors.New("illegal reservation status transition")
)

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// allocationError folds line failures into one error whose code is the first line's.
func allocationError(lines []*allocation.LineError) *Error {
	msgs := make([]string, 0, len(lines))
	for _, l := range lines {
		msgs = append(msgs, l.Error())
	}
	return &Error{
		Code:    Code(lines[0].Code),
		Message: strings.Join(msgs, "; "),
		Lines:   lines,
	}
}

// stateError explains why a non-pending reservation cannot be acted on.
func stateError(r *Reservation) *Error {
	switch r.Status {
	case StatusConfirmed:
		return newError(CodeAlreadyConfirmed, "reservation %s is already confirmed", r.ID)
	case StatusCancelled:
		return newError(CodeAlreadyCancelled, "reservation %s is cancelled", r.ID)
	case StatusExpired:
		return newError(CodeExpired, "reservation %s has expired", r.ID)
	case StatusFailed:
		return newError(CodeFailed, "reservation %s failed: %s", r.ID, r.FailureReason)
	default:
		return newError(CodeConcurrencyConflict, "reservation %s changed concurrently", r.ID)
	}
}
