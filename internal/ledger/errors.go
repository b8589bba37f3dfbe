package ledger

import (
	"errors"
	"fmt"
)

// SubmissionError means the outcome of a submit is unknown: network failure,
// timeout or a 5xx from the relay. Retrying with the same reference is safe.
type SubmissionError struct {
	Ledger string
	Err    error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("%s: submission failed: %v", e.Ledger, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// RejectedError is a definite refusal by the ledger.
type RejectedError struct {
	Ledger string
	Code   string
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: rejected (%s): %s", e.Ledger, e.Code, e.Reason)
}

// RefundError means the original transfer cannot be reversed.
type RefundError struct {
	Ledger         string
	OriginalTxHash string
	Reason         string
}

func (e *RefundError) Error() string {
	return fmt.Sprintf("%s: refund of %s failed: %s", e.Ledger, e.OriginalTxHash, e.Reason)
}

func IsRejected(err error) bool {
	var r *RejectedError
	return errors.As(err, &r)
}

func IsRefundError(err error) bool {
	var r *RefundError
	return errors.As(err, &r)
}

// ErrorKind labels an error for metrics and logs.
func ErrorKind(err error) string {
	var (
		sub *SubmissionError
		rej *RejectedError
		ref *RefundError
	)
	switch {
	case errors.As(err, &rej):
		return "rejected"
	case errors.As(err, &ref):
		return "refund"
	case errors.As(err, &sub):
		return "submission"
	default:
		return "other"
	}
}
