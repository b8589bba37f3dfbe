package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/josh-kwaku/crossledger/internal/auth"
	"github.com/josh-kwaku/crossledger/internal/domain"
	"github.com/josh-kwaku/crossledger/internal/logging"
	"github.com/josh-kwaku/crossledger/internal/service/transfer"
)

type transferService interface {
	Create(ctx context.Context, req transfer.CreateRequest) (*domain.Transfer, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.Transfer, error)
	Cancel(ctx context.Context, id uuid.UUID, operator string) (*domain.Transfer, error)
	ManualRefund(ctx context.Context, id uuid.UUID, operator string) (*domain.Transfer, error)
}

type transferEventReader interface {
	GetByTransferID(ctx context.Context, transferID uuid.UUID) ([]domain.TransferEvent, error)
}

type TransferHandler struct {
	transfers transferService
	events    transferEventReader
}

func NewTransferHandler(transfers transferService, events transferEventReader) *TransferHandler {
	return &TransferHandler{transfers: transfers, events: events}
}

type createTransferRequest struct {
	From           string          `json:"from"`
	To             string          `json:"to"`
	Amount         decimal.Decimal `json:"amount"`
	Asset          string          `json:"asset"`
	DestinationTag *uint32         `json:"destination_tag"`
}

func (r createTransferRequest) Validate() []FieldError {
	var errs []FieldError

	if r.From == "" {
		errs = append(errs, FieldError{Field: "from", Message: "required"})
	}
	if r.To == "" {
		errs = append(errs, FieldError{Field: "to", Message: "required"})
	}
	if r.From != "" && r.From == r.To {
		errs = append(errs, FieldError{Field: "to", Message: "must differ from from"})
	}
	if r.Asset == "" {
		errs = append(errs, FieldError{Field: "asset", Message: "required"})
	}
	if !r.Amount.IsPositive() {
		errs = append(errs, FieldError{Field: "amount", Message: "must be greater than 0"})
	}

	return errs
}

type refundRequest struct {
	TransferID string `json:"transfer_id"`
}

type transferDTO struct {
	ID             uuid.UUID `json:"id"`
	From           string    `json:"from"`
	To             string    `json:"to"`
	Amount         string    `json:"amount"`
	Asset          string    `json:"asset"`
	DestinationTag *uint32   `json:"destination_tag,omitempty"`
	State          string    `json:"state"`
	Step           string    `json:"step"`
	LegAStatus     string    `json:"leg_a_status"`
	LegBStatus     string    `json:"leg_b_status"`
	LegATxHash     *string   `json:"leg_a_tx_hash"`
	LegBTxHash     *string   `json:"leg_b_tx_hash"`
	RefundTxHash   *string   `json:"refund_tx_hash,omitempty"`
	NeedsReview    bool      `json:"needs_review"`
	FailureReason  *string   `json:"failure_reason,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	Deadline       time.Time `json:"deadline"`
}

type transferEventDTO struct {
	ID        uuid.UUID       `json:"id"`
	FromStep  string          `json:"from_step"`
	ToStep    string          `json:"to_step"`
	State     string          `json:"state"`
	Actor     string          `json:"actor"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func toTransferDTO(t *domain.Transfer) transferDTO {
	return transferDTO{
		ID:             t.ID,
		From:           t.From,
		To:             t.To,
		Amount:         t.Amount.String(),
		Asset:          t.Asset,
		DestinationTag: t.DestinationTag,
		State:          string(t.State),
		Step:           string(t.Step),
		LegAStatus:     string(t.LegAStatus),
		LegBStatus:     string(t.LegBStatus),
		LegATxHash:     t.LegATxHash,
		LegBTxHash:     t.LegBTxHash,
		RefundTxHash:   t.RefundTxHash,
		NeedsReview:    t.NeedsReview,
		FailureReason:  t.FailureReason,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
		Deadline:       t.Deadline,
	}
}

// Create accepts a transfer intent and answers before either ledger is
// touched; the outcome is observed by polling Get.
func (h *TransferHandler) Create(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey == "" {
		RespondAppError(w, ErrMissingIdempotencyKey, nil)
		return
	}

	var req createTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}

	if fields := req.Validate(); len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	t, err := h.transfers.Create(r.Context(), transfer.CreateRequest{
		IdempotencyKey: idempotencyKey,
		From:           req.From,
		To:             req.To,
		Amount:         req.Amount,
		Asset:          req.Asset,
		DestinationTag: req.DestinationTag,
	})
	if err != nil {
		log.Warn("transfer creation failed", "error", err)
		RespondDomainError(w, err)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/api/v1/transfers/%s", t.ID))
	RespondSuccess(w, http.StatusAccepted, toTransferDTO(t))
}

func (h *TransferHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		RespondAppError(w, ErrResourceNotFound, nil)
		return
	}

	t, err := h.transfers.Get(r.Context(), id)
	if err != nil {
		logging.FromContext(r.Context()).Warn("transfer lookup failed", "error", err)
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, http.StatusOK, toTransferDTO(t))
}

func (h *TransferHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrMissingToken, nil)
		return
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		RespondAppError(w, ErrResourceNotFound, nil)
		return
	}

	t, err := h.transfers.Cancel(r.Context(), id, claims.Subject)
	if err != nil {
		logging.FromContext(r.Context()).Warn("transfer cancel failed", "transfer_id", id, "error", err)
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, http.StatusOK, toTransferDTO(t))
}

// Refund is the operator's manual compensation trigger.
func (h *TransferHandler) Refund(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrMissingToken, nil)
		return
	}

	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}
	id, err := uuid.Parse(req.TransferID)
	if err != nil {
		RespondValidationError(w, []FieldError{{Field: "transfer_id", Message: "must be a UUID"}})
		return
	}

	t, err := h.transfers.ManualRefund(r.Context(), id, claims.Subject)
	if err != nil {
		logging.FromContext(r.Context()).Warn("manual refund failed", "transfer_id", id, "error", err)
		RespondDomainError(w, err)
		return
	}

	logging.FromContext(r.Context()).Info("manual refund processed",
		"transfer_id", id,
		"operator", claims.Subject,
		"state", t.State,
	)
	RespondSuccess(w, http.StatusOK, toTransferDTO(t))
}

// Events returns the transfer's audit trail, oldest first.
func (h *TransferHandler) Events(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		RespondAppError(w, ErrResourceNotFound, nil)
		return
	}

	if _, err := h.transfers.Get(r.Context(), id); err != nil {
		RespondDomainError(w, err)
		return
	}

	events, err := h.events.GetByTransferID(r.Context(), id)
	if err != nil {
		logging.FromContext(r.Context()).Error("transfer events lookup failed", "transfer_id", id, "error", err)
		RespondDomainError(w, err)
		return
	}

	out := make([]transferEventDTO, 0, len(events))
	for _, e := range events {
		out = append(out, transferEventDTO{
			ID:        e.ID,
			FromStep:  string(e.FromStep),
			ToStep:    string(e.ToStep),
			State:     string(e.State),
			Actor:     e.Actor,
			Payload:   e.Payload,
			CreatedAt: e.CreatedAt,
		})
	}
	RespondSuccess(w, http.StatusOK, out)
}
