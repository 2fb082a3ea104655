package ledger

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-checkable rejection reason.
type Code string

const (
	CodeNotFound          Code = "not_found"
	CodeInstanceDisabled  Code = "instance_disabled"
	CodeInvalidArgument   Code = "invalid_argument"
	CodeZeroAmount        Code = "zero_amount"
	CodeZeroRecipient     Code = "zero_recipient"
	CodeStartNotInFuture  Code = "start_not_in_future"
	CodeZeroPrice         Code = "zero_price"
	CodeWrongStatus       Code = "wrong_status"
	CodeTooEarly          Code = "too_early"
	CodeTooLate           Code = "too_late"
	CodeSessionFull       Code = "session_full"
	CodeAlreadyJoined     Code = "already_joined"
	CodeNotJoined         Code = "not_joined"
	CodeBelowRequirement  Code = "below_requirement"
	CodeNotFunded         Code = "not_funded"
	CodeNotRecipient      Code = "not_recipient"
	CodeNothingToWithdraw Code = "nothing_to_withdraw"
	CodeNothingToRefund   Code = "nothing_to_refund"
	CodeAlreadyClaimed    Code = "already_claimed"
	CodeNotSupported      Code = "not_supported"
	CodeReentrantCall     Code = "reentrant_call"
	CodeTransferFailed    Code = "transfer_failed"
	CodeInsufficientFunds Code = "insufficient_funds"
	CodeOverflow          Code = "overflow"
)

// Error is a rejected ledger operation. Two errors match under errors.Is when
// their codes are equal, so callers compare against the Err* values below.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrNotFound          = newError(CodeNotFound, "resource not found")
	ErrInstanceDisabled  = newError(CodeInstanceDisabled, "instance is disabled")
	ErrInvalidArgument   = newError(CodeInvalidArgument, "invalid argument")
	ErrZeroAmount        = newError(CodeZeroAmount, "amount must be positive")
	ErrZeroRecipient     = newError(CodeZeroRecipient, "payout recipient is required")
	ErrStartNotInFuture  = newError(CodeStartNotInFuture, "start must be in the future")
	ErrZeroPrice         = newError(CodeZeroPrice, "tier price is zero")
	ErrWrongStatus       = newError(CodeWrongStatus, "wrong status for this operation")
	ErrTooEarly          = newError(CodeTooEarly, "too early")
	ErrTooLate           = newError(CodeTooLate, "too late")
	ErrSessionFull       = newError(CodeSessionFull, "session is full")
	ErrAlreadyJoined     = newError(CodeAlreadyJoined, "already joined")
	ErrNotJoined         = newError(CodeNotJoined, "not joined")
	ErrBelowRequirement  = newError(CodeBelowRequirement, "amount exceeds allowed withdrawal")
	ErrNotFunded         = newError(CodeNotFunded, "funding threshold not reached")
	ErrNotRecipient      = newError(CodeNotRecipient, "caller is not the payout recipient")
	ErrNothingToWithdraw = newError(CodeNothingToWithdraw, "nothing to withdraw")
	ErrNothingToRefund   = newError(CodeNothingToRefund, "nothing to refund")
	ErrAlreadyClaimed    = newError(CodeAlreadyClaimed, "already claimed")
	ErrNotSupported      = newError(CodeNotSupported, "operation not supported in this activation mode")
	ErrReentrantCall     = newError(CodeReentrantCall, "re-entrant call on a locked session")
	ErrTransferFailed    = newError(CodeTransferFailed, "value transfer failed")
	ErrInsufficientFunds = newError(CodeInsufficientFunds, "insufficient balance")
	ErrOverflow          = newError(CodeOverflow, "amount overflow")
)

func newError(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// reject returns a coded error with op context in its message.
func reject(base *Error, format string, args ...any) *Error {
	return &Error{Code: base.Code, Message: base.Message + ": " + fmt.Sprintf(format, args...)}
}

// CodeOf returns the reason code carried by err, or "" for errors that did not
// originate from a ledger rejection.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
