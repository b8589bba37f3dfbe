package domain

import "errors"

var (
	ErrNotFound                = errors.New("not found")
	ErrInvalidAmount           = errors.New("amount must be greater than zero")
	ErrInvalidRequest          = errors.New("invalid request")
	ErrDuplicateTransfer       = errors.New("duplicate transfer")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrStoreConflict           = errors.New("store conflict: transfer was modified concurrently")
	ErrTransferTerminal        = errors.New("transfer already in terminal state")
	ErrNotCancellable          = errors.New("transfer can no longer be cancelled")
	ErrNotRefundable           = errors.New("transfer is not eligible for refund")
	ErrInvariantViolated       = errors.New("transfer invariant violated")
)
