package billing

import (
	"errors"
	"fmt"

	"github.com/bher20/wargabill/internal/storage"
)

// Code classifies a billing failure for callers such as the HTTP API.
type Code string

const (
	CodeValidation       Code = "VALIDATION_FAILED"
	CodeNotFound         Code = "NOT_FOUND"
	CodeDuplicatePeriod  Code = "CONFLICT_DUPLICATE_PERIOD"
	CodeStoreUnavailable Code = "STORE_UNAVAILABLE"
	CodeReferenced       Code = "CONFLICT_REFERENCED"
	CodeBusy             Code = "CONFLICT_BUSY"
)

// Error is a coded billing error.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) ErrorCode() Code { return e.Code }

// ConflictError reports a bill that already occupies the candidate's period.
type ConflictError struct {
	Existing  storage.Bill
	Candidate storage.Bill
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: resident %s already has a bill for %d/%d (existing total %d, new total %d)",
		CodeDuplicatePeriod, e.Existing.ResidentID, e.Existing.PeriodMonth, e.Existing.PeriodYear,
		e.Existing.Total, e.Candidate.Total)
}

func (e *ConflictError) ErrorCode() Code { return CodeDuplicatePeriod }

type coder interface {
	ErrorCode() Code
}

// CodeOf returns the code carried by err, or STORE_UNAVAILABLE for uncoded
// errors and "" for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var c coder
	if errors.As(err, &c) {
		return c.ErrorCode()
	}
	return CodeStoreUnavailable
}

// IsCode reports whether err carries code.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

func validationf(format string, args ...any) error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

func notFound(kind, id string) error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf("%s %q not found", kind, id)}
}

// storeErr passes coded errors through and wraps everything else as
// STORE_UNAVAILABLE.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var c coder
	if errors.As(err, &c) {
		return err
	}
	return &Error{Code: CodeStoreUnavailable, Message: op, Err: err}
}
