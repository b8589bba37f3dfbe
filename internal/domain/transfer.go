package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type LegStatus string

const (
	LegStatusPending   LegStatus = "pending"
	LegStatusSubmitted LegStatus = "submitted"
	LegStatusConfirmed LegStatus = "confirmed"
	LegStatusFailed    LegStatus = "failed"
	LegStatusRefunded  LegStatus = "refunded"
)

type TransferState string

const (
	TransferStateCreated      TransferState = "created"
	TransferStateInProgress   TransferState = "in_progress"
	TransferStateCommitted    TransferState = "committed"
	TransferStateCompensating TransferState = "compensating"
	TransferStateRefunded     TransferState = "refunded"
	TransferStateFailed       TransferState = "failed"
)

func (s TransferState) IsTerminal() bool {
	switch s {
	case TransferStateCommitted, TransferStateRefunded, TransferStateFailed:
		return true
	}
	return false
}

// TerminalStates is used by the store to guard conditional updates.
var TerminalStates = []TransferState{
	TransferStateCommitted,
	TransferStateRefunded,
	TransferStateFailed,
}

// Step is the persisted position of a transfer in the coordinator state machine.
type Step string

const (
	StepCreated        Step = "created"
	StepLegASubmitting Step = "legA_submitting"
	StepLegAResult     Step = "legA_result"
	StepLegBSubmitting Step = "legB_submitting"
	StepLegBResult     Step = "legB_result"
	StepCompensating   Step = "compensating"
	StepCommitted      Step = "committed"
	StepRefunded       Step = "refunded"
	StepFailed         Step = "failed"
)

type Leg string

const (
	LegA Leg = "A"
	LegB Leg = "B"
)

type Transfer struct {
	ID             uuid.UUID
	IdempotencyKey string
	From           string
	To             string
	Amount         decimal.Decimal
	Asset          string
	DestinationTag *uint32

	LegAStatus   LegStatus
	LegBStatus   LegStatus
	LegATxHash   *string
	LegBTxHash   *string
	RefundTxHash *string

	State          TransferState
	Step           Step
	LegAAttempts   int
	LegBAttempts   int
	RefundAttempts int
	SweepAttempts  int
	NeedsReview    bool
	FailureReason  *string
	Version        int64

	CreatedAt time.Time
	UpdatedAt time.Time
	Deadline  time.Time
}

// NewTransfer builds a transfer in its initial state.
func NewTransfer(idempotencyKey, from, to string, amount decimal.Decimal, asset string, tag *uint32, now time.Time, deadline time.Duration) *Transfer {
	return &Transfer{
		ID:             uuid.New(),
		IdempotencyKey: idempotencyKey,
		From:           from,
		To:             to,
		Amount:         amount,
		Asset:          asset,
		DestinationTag: tag,
		LegAStatus:     LegStatusPending,
		LegBStatus:     LegStatusPending,
		State:          TransferStateCreated,
		Step:           StepCreated,
		CreatedAt:      now,
		UpdatedAt:      now,
		Deadline:       now.Add(deadline),
	}
}

func (t *Transfer) IsTerminal() bool {
	return t.State.IsTerminal()
}

// Clone returns a deep copy so a candidate next state can be built without
// touching the persisted snapshot.
func (t *Transfer) Clone() *Transfer {
	c := *t
	c.DestinationTag = cloneUint32(t.DestinationTag)
	c.LegATxHash = cloneString(t.LegATxHash)
	c.LegBTxHash = cloneString(t.LegBTxHash)
	c.RefundTxHash = cloneString(t.RefundTxHash)
	c.FailureReason = cloneString(t.FailureReason)
	return &c
}

// Reference is the deterministic submission reference the signing relay
// deduplicates on.
func (t *Transfer) Reference(leg Leg) string {
	return fmt.Sprintf("%s:%s", t.ID, leg)
}

func (t *Transfer) RefundReference() string {
	return fmt.Sprintf("%s:%s:refund", t.ID, LegA)
}

// CheckInvariants reports the first violated consistency rule.
func (t *Transfer) CheckInvariants() error {
	bothConfirmed := t.LegAStatus == LegStatusConfirmed && t.LegBStatus == LegStatusConfirmed
	if t.State == TransferStateCommitted && !bothConfirmed {
		return fmt.Errorf("CheckInvariants: committed without both legs confirmed: %w", ErrInvariantViolated)
	}
	if bothConfirmed && t.State != TransferStateCommitted {
		return fmt.Errorf("CheckInvariants: both legs confirmed but state is %s: %w", t.State, ErrInvariantViolated)
	}
	if t.State == TransferStateRefunded {
		if t.RefundTxHash == nil {
			return fmt.Errorf("CheckInvariants: refunded without refund hash: %w", ErrInvariantViolated)
		}
		if t.LegBStatus == LegStatusConfirmed {
			return fmt.Errorf("CheckInvariants: refunded with leg B confirmed: %w", ErrInvariantViolated)
		}
	}
	if needsHash(t.LegAStatus) && t.LegATxHash == nil {
		return fmt.Errorf("CheckInvariants: leg A %s without hash: %w", t.LegAStatus, ErrInvariantViolated)
	}
	if needsHash(t.LegBStatus) && t.LegBTxHash == nil {
		return fmt.Errorf("CheckInvariants: leg B %s without hash: %w", t.LegBStatus, ErrInvariantViolated)
	}
	return nil
}

func needsHash(s LegStatus) bool {
	return s == LegStatusSubmitted || s == LegStatusConfirmed || s == LegStatusRefunded
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneUint32(n *uint32) *uint32 {
	if n == nil {
		return nil
	}
	v := *n
	return &v
}
