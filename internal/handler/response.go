package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/josh-kwaku/crossledger/internal/domain"
)

type APIResponse struct {
	Success bool      `json:"success"`
	Data    any       `json:"data"`
	Error   *APIError `json:"error"`
}

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func RespondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func RespondSuccess(w http.ResponseWriter, status int, data any) {
	RespondJSON(w, status, APIResponse{
		Success: true,
		Data:    data,
		Error:   nil,
	})
}

func RespondAppError(w http.ResponseWriter, appErr *AppError, details any) {
	RespondJSON(w, appErr.Status, APIResponse{
		Success: false,
		Data:    nil,
		Error: &APIError{
			Code:    appErr.Code,
			Message: appErr.Message,
			Details: details,
		},
	})
}

func RespondValidationError(w http.ResponseWriter, fields []FieldError) {
	RespondAppError(w, ErrValidationFailed, fields)
}

// domainErrors maps domain sentinels to API errors, first match wins.
var domainErrors = []struct {
	err    error
	appErr *AppError
}{
	{domain.ErrNotFound, ErrResourceNotFound},
	{domain.ErrInvalidAmount, ErrInvalidAmount},
	{domain.ErrInvalidRequest, ErrInvalidRequest},
	{domain.ErrDuplicateTransfer, ErrDuplicateTransfer},
	{domain.ErrDuplicateIdempotencyKey, ErrDuplicateTransfer},
	{domain.ErrStoreConflict, ErrTransferBusy},
	{domain.ErrTransferTerminal, ErrTransferTerminal},
	{domain.ErrNotCancellable, ErrNotCancellable},
	{domain.ErrNotRefundable, ErrNotRefundable},
}

// busyRetryAfter is the Retry-After hint, in seconds, sent while another
// worker holds the transfer.
const busyRetryAfter = "2"

func RespondDomainError(w http.ResponseWriter, err error) {
	for _, m := range domainErrors {
		if errors.Is(err, m.err) {
			if m.appErr == ErrTransferBusy {
				w.Header().Set("Retry-After", busyRetryAfter)
			}
			RespondAppError(w, m.appErr, nil)
			return
		}
	}

	slog.Error("unhandled domain error", "error", err)
	RespondAppError(w, ErrInternalError, nil)
}
