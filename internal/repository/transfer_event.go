package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/josh-kwaku/crossledger/internal/domain"
)

const transferEventColumns = `id, transfer_id, from_step, to_step, state, actor, payload, created_at`

type TransferEventRepository struct {
	db *sql.DB
}

func NewTransferEventRepository(db *sql.DB) *TransferEventRepository {
	return &TransferEventRepository{db: db}
}

func (r *TransferEventRepository) GetByTransferID(ctx context.Context, transferID uuid.UUID) ([]domain.TransferEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+transferEventColumns+` FROM transfer_events
		WHERE transfer_id = $1 ORDER BY created_at, id`, transferID,
	)
	if err != nil {
		return nil, fmt.Errorf("GetByTransferID: %w", err)
	}
	defer rows.Close()

	var events []domain.TransferEvent
	for rows.Next() {
		e, err := scanTransferEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("GetByTransferID: scan: %w", err)
		}
		events = append(events, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("GetByTransferID: rows: %w", err)
	}
	return events, nil
}

func insertTransferEvent(ctx context.Context, tx *sql.Tx, event *domain.TransferEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	var payload []byte
	if len(event.Payload) > 0 {
		payload = event.Payload
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO transfer_events (`+transferEventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.ID, event.TransferID, event.FromStep, event.ToStep, event.State,
		event.Actor, payload, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insertTransferEvent: %w", err)
	}
	return nil
}

func scanTransferEvent(s scanner) (*domain.TransferEvent, error) {
	var e domain.TransferEvent
	var payload []byte
	err := s.Scan(
		&e.ID, &e.TransferID, &e.FromStep, &e.ToStep, &e.State,
		&e.Actor, &payload, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Payload = payload
	return &e, nil
}
