package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// LedgerTx is a normalized transaction as reported by one ledger. Not persisted.
type LedgerTx struct {
	Address   string
	TxHash    string
	Ledger    string
	Amount    decimal.Decimal
	Asset     string
	Timestamp time.Time
	Direction Direction
}

// HistoryEntry is a row of the merged per-address history. Cross-ledger
// transfers appear once, attributed to both legs.
type HistoryEntry struct {
	TxHash    string
	Ledger    string
	Amount    decimal.Decimal
	Asset     string
	Timestamp time.Time
	Direction Direction

	TransferID *uuid.UUID
	LegATxHash *string
	LegBTxHash *string
	State      *TransferState
}
