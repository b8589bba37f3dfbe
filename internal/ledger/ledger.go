// Package ledger defines the contract the coordinator consumes from each
// ledger, plus the signing relay client shared by the implementations.
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/josh-kwaku/crossledger/internal/domain"
)

type TxStatus string

const (
	TxStatusPending   TxStatus = "pending"
	TxStatusConfirmed TxStatus = "confirmed"
	TxStatusFailed    TxStatus = "failed"
)

type SubmitRequest struct {
	Reference      string
	From           string
	To             string
	Amount         decimal.Decimal
	Asset          string
	DestinationTag *uint32
	Memo           string
}

type SubmitResult struct {
	TxHash string
}

// RefundRequest describes a full-amount compensating transfer. From and To
// are the original sender and recipient; funds move To -> From.
type RefundRequest struct {
	Reference      string
	OriginalTxHash string
	From           string
	To             string
	Amount         decimal.Decimal
	Asset          string
}

type Health struct {
	Ledger    string
	Height    int64
	Latency   time.Duration
	CheckedAt time.Time
}

// Adapter is implemented once per ledger. Submit and Refund return
// *SubmissionError when the outcome is unknown and *RejectedError or
// *RefundError when the ledger gave a definite refusal.
type Adapter interface {
	Name() string
	Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error)
	PollStatus(ctx context.Context, txHash string) (TxStatus, error)
	Refund(ctx context.Context, req RefundRequest) (*SubmitResult, error)
	ListTransactions(ctx context.Context, address string, limit int) ([]domain.LedgerTx, error)
	Health(ctx context.Context) (*Health, error)
}
