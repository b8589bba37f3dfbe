package testutil

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/josh-kwaku/crossledger/internal/domain"
)

const (
	CosmosSender  = "cosmos1qypqxpq9qcrsszg2pvxq6rs0zqg3yyc5lzv7xu"
	XRPLRecipient = "rPT1Sjq2YGrBMTttX4GZHjKu9dyfzbpAYe"
)

// NewTransfer returns an unsaved transfer with sensible defaults.
func NewTransfer(amount string) *domain.Transfer {
	tag := uint32(1001)
	return domain.NewTransfer(
		uuid.NewString(),
		CosmosSender,
		XRPLRecipient,
		decimal.RequireFromString(amount),
		"uatom",
		&tag,
		time.Now().UTC().Truncate(time.Microsecond),
		5*time.Minute,
	)
}

type transferCreator interface {
	Create(ctx context.Context, t *domain.Transfer, event *domain.TransferEvent) error
}

func SeedTransfer(t *testing.T, repo transferCreator, tr *domain.Transfer) *domain.Transfer {
	t.Helper()

	event := &domain.TransferEvent{
		ID:         uuid.New(),
		TransferID: tr.ID,
		FromStep:   domain.StepCreated,
		ToStep:     domain.StepCreated,
		State:      tr.State,
		Actor:      domain.ActorCoordinator,
		CreatedAt:  tr.CreatedAt,
	}
	if err := repo.Create(context.Background(), tr, event); err != nil {
		t.Fatalf("seed transfer %s: %v", tr.ID, err)
	}
	return tr
}

func CountTransferEvents(t *testing.T, db *sql.DB, transferID uuid.UUID) int {
	t.Helper()

	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM transfer_events WHERE transfer_id = $1`, transferID).Scan(&count)
	if err != nil {
		t.Fatalf("count transfer events for %s: %v", transferID, err)
	}
	return count
}
