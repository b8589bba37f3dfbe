package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	ActorCoordinator = "coordinator"
	ActorSweeper     = "sweeper"
)

// TransferEvent is one row of the append-only audit trail, written in the
// same transaction as the transition it records.
type TransferEvent struct {
	ID         uuid.UUID
	TransferID uuid.UUID
	FromStep   Step
	ToStep     Step
	State      TransferState
	Actor      string
	Payload    json.RawMessage
	CreatedAt  time.Time
}

func OperatorActor(subject string) string {
	return "operator:" + subject
}
