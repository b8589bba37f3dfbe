package handler

import "net/http"

type AppError struct {
	Status  int
	Code    string
	Message string
}

func (e *AppError) Error() string { return e.Message }

var (
	ErrMissingToken     = &AppError{http.StatusUnauthorized, "MISSING_TOKEN", "Authorization header required"}
	ErrInvalidToken     = &AppError{http.StatusUnauthorized, "INVALID_TOKEN", "Token is invalid or expired"}
	ErrForbidden        = &AppError{http.StatusForbidden, "FORBIDDEN", "Operator role required"}
	ErrInvalidRequest   = &AppError{http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body"}
	ErrValidationFailed = &AppError{http.StatusBadRequest, "VALIDATION_FAILED", "Validation failed"}
	ErrResourceNotFound = &AppError{http.StatusNotFound, "RESOURCE_NOT_FOUND", "Resource not found"}
	ErrInternalError    = &AppError{http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred"}

	ErrInvalidAmount         = &AppError{http.StatusBadRequest, "INVALID_AMOUNT", "Amount must be greater than zero"}
	ErrDuplicateTransfer     = &AppError{http.StatusConflict, "DUPLICATE_TRANSFER", "Idempotency key already used for a different transfer"}
	ErrTransferBusy          = &AppError{http.StatusConflict, "TRANSFER_BUSY", "Transfer is being processed, retry shortly"}
	ErrTransferTerminal      = &AppError{http.StatusConflict, "TRANSFER_TERMINAL", "Transfer has already reached a final state"}
	ErrNotCancellable        = &AppError{http.StatusUnprocessableEntity, "NOT_CANCELLABLE", "Transfer can no longer be cancelled"}
	ErrNotRefundable         = &AppError{http.StatusUnprocessableEntity, "NOT_REFUNDABLE", "Transfer is not eligible for a refund"}
	ErrMissingIdempotencyKey = &AppError{http.StatusBadRequest, "MISSING_IDEMPOTENCY_KEY", "Idempotency-Key header is required"}
	ErrIdempotencyConflict   = &AppError{http.StatusConflict, "IDEMPOTENCY_CONFLICT", "Idempotency key already used with a different request"}
)
