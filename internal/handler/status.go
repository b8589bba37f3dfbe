package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/josh-kwaku/crossledger/internal/domain"
	"github.com/josh-kwaku/crossledger/internal/logging"
	"github.com/josh-kwaku/crossledger/internal/service/history"
)

type historyService interface {
	GetStatus(ctx context.Context) history.Status
	GetTransactions(ctx context.Context, address string) (*history.History, error)
}

type StatusHandler struct {
	history historyService
}

func NewStatusHandler(h historyService) *StatusHandler {
	return &StatusHandler{history: h}
}

type ledgerStatusDTO struct {
	Ledger    string    `json:"ledger"`
	Available bool      `json:"available"`
	Height    int64     `json:"height,omitempty"`
	LatencyMS int64     `json:"latency_ms,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
	Error     string    `json:"error,omitempty"`
}

type historyEntryDTO struct {
	TxHash     string     `json:"tx_hash"`
	Ledger     string     `json:"ledger"`
	Amount     string     `json:"amount"`
	Asset      string     `json:"asset"`
	Timestamp  time.Time  `json:"timestamp"`
	Direction  string     `json:"direction"`
	TransferID *uuid.UUID `json:"transfer_id,omitempty"`
	LegATxHash *string    `json:"leg_a_tx_hash,omitempty"`
	LegBTxHash *string    `json:"leg_b_tx_hash,omitempty"`
	State      *string    `json:"state,omitempty"`
}

type historyDTO struct {
	Address     string            `json:"address"`
	Entries     []historyEntryDTO `json:"entries"`
	Unavailable []string          `json:"unavailable"`
}

func toHistoryEntryDTO(e domain.HistoryEntry) historyEntryDTO {
	dto := historyEntryDTO{
		TxHash:     e.TxHash,
		Ledger:     e.Ledger,
		Amount:     e.Amount.String(),
		Asset:      e.Asset,
		Timestamp:  e.Timestamp,
		Direction:  string(e.Direction),
		TransferID: e.TransferID,
		LegATxHash: e.LegATxHash,
		LegBTxHash: e.LegBTxHash,
	}
	if e.State != nil {
		s := string(*e.State)
		dto.State = &s
	}
	return dto
}

// Status always answers 200; each ledger reports its own availability.
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	status := h.history.GetStatus(r.Context())

	ledgers := make(map[string]ledgerStatusDTO, len(status.Ledgers))
	for _, l := range status.Ledgers {
		ledgers[l.Ledger] = ledgerStatusDTO{
			Ledger:    l.Ledger,
			Available: l.Available,
			Height:    l.Height,
			LatencyMS: l.Latency.Milliseconds(),
			CheckedAt: l.CheckedAt,
			Error:     l.Error,
		}
	}

	RespondSuccess(w, http.StatusOK, map[string]any{
		"ledgers": ledgers,
	})
}

func (h *StatusHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	address := r.PathValue("address")

	hist, err := h.history.GetTransactions(r.Context(), address)
	if err != nil {
		logging.FromContext(r.Context()).Warn("history lookup failed", "address", address, "error", err)
		RespondDomainError(w, err)
		return
	}

	entries := make([]historyEntryDTO, 0, len(hist.Entries))
	for _, e := range hist.Entries {
		entries = append(entries, toHistoryEntryDTO(e))
	}

	RespondSuccess(w, http.StatusOK, historyDTO{
		Address:     hist.Address,
		Entries:     entries,
		Unavailable: hist.Unavailable,
	})
}
