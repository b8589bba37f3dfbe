package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/josh-kwaku/crossledger/internal/domain"
)

const transferColumns = `id, idempotency_key, from_address, to_address, amount, asset, destination_tag,
	leg_a_status, leg_b_status, leg_a_tx_hash, leg_b_tx_hash, refund_tx_hash,
	state, step, leg_a_attempts, leg_b_attempts, refund_attempts, sweep_attempts,
	needs_review, failure_reason, version, created_at, updated_at, deadline`

const pqUniqueViolation = "23505"

type TransferRepository struct {
	db *sql.DB
}

func NewTransferRepository(db *sql.DB) *TransferRepository {
	return &TransferRepository{db: db}
}

// Create inserts a new transfer together with its first audit event.
func (r *TransferRepository) Create(ctx context.Context, t *domain.Transfer, event *domain.TransferEvent) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("Create: begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO transfers (`+transferColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24
		)`,
		t.ID, t.IdempotencyKey, t.From, t.To, t.Amount, t.Asset, tagToNull(t.DestinationTag),
		t.LegAStatus, t.LegBStatus, t.LegATxHash, t.LegBTxHash, t.RefundTxHash,
		t.State, t.Step, t.LegAAttempts, t.LegBAttempts, t.RefundAttempts, t.SweepAttempts,
		t.NeedsReview, t.FailureReason, t.Version, t.CreatedAt, t.UpdatedAt, t.Deadline,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return fmt.Errorf("Create: %w", domain.ErrDuplicateIdempotencyKey)
		}
		return fmt.Errorf("Create: %w", err)
	}

	if event != nil {
		if err := insertTransferEvent(ctx, tx, event); err != nil {
			return fmt.Errorf("Create: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("Create: commit: %w", err)
	}
	return nil
}

func (r *TransferRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Transfer, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+transferColumns+` FROM transfers WHERE id = $1`, id,
	)
	t, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByID: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByID: %w", err)
	}
	return t, nil
}

func (r *TransferRepository) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Transfer, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+transferColumns+` FROM transfers WHERE idempotency_key = $1`, key,
	)
	t, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByIdempotencyKey: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByIdempotencyKey: %w", err)
	}
	return t, nil
}

// Transition persists next only if the row still matches prev's version and
// step and is not terminal. On success next.Version and next.UpdatedAt are
// advanced in place. Losing the race yields domain.ErrStoreConflict, writing
// over a terminal row yields domain.ErrTransferTerminal.
func (r *TransferRepository) Transition(ctx context.Context, prev, next *domain.Transfer, event *domain.TransferEvent) error {
	if prev.IsTerminal() {
		return fmt.Errorf("Transition: %w", domain.ErrTransferTerminal)
	}
	if err := next.CheckInvariants(); err != nil {
		return fmt.Errorf("Transition: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("Transition: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE transfers SET
			leg_a_status = $1, leg_b_status = $2, leg_a_tx_hash = $3, leg_b_tx_hash = $4, refund_tx_hash = $5,
			state = $6, step = $7, leg_a_attempts = $8, leg_b_attempts = $9, refund_attempts = $10,
			sweep_attempts = $11, needs_review = $12, failure_reason = $13, deadline = $14,
			version = version + 1, updated_at = $15
		WHERE id = $16 AND version = $17 AND step = $18 AND state <> ALL($19)`,
		next.LegAStatus, next.LegBStatus, next.LegATxHash, next.LegBTxHash, next.RefundTxHash,
		next.State, next.Step, next.LegAAttempts, next.LegBAttempts, next.RefundAttempts,
		next.SweepAttempts, next.NeedsReview, next.FailureReason, next.Deadline,
		now, prev.ID, prev.Version, prev.Step, pq.Array(terminalStateNames()),
	)
	if err != nil {
		return fmt.Errorf("Transition: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("Transition: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("Transition: %w", r.classifyMiss(ctx, tx, prev.ID))
	}

	if event != nil {
		event.TransferID = prev.ID
		event.FromStep = prev.Step
		event.ToStep = next.Step
		event.State = next.State
		event.CreatedAt = now
		if err := insertTransferEvent(ctx, tx, event); err != nil {
			return fmt.Errorf("Transition: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("Transition: commit: %w", err)
	}

	next.Version = prev.Version + 1
	next.UpdatedAt = now
	return nil
}

func (r *TransferRepository) classifyMiss(ctx context.Context, tx *sql.Tx, id uuid.UUID) error {
	var state domain.TransferState
	err := tx.QueryRowContext(ctx, `SELECT state FROM transfers WHERE id = $1`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	if state.IsTerminal() {
		return domain.ErrTransferTerminal
	}
	return domain.ErrStoreConflict
}

// ListStale returns non-terminal transfers whose deadline has passed and that
// have not been handed to an operator, oldest deadline first.
func (r *TransferRepository) ListStale(ctx context.Context, now time.Time, limit int) ([]domain.Transfer, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+transferColumns+` FROM transfers
		WHERE state <> ALL($1) AND needs_review = false AND deadline <= $2
		ORDER BY deadline
		LIMIT $3`,
		pq.Array(terminalStateNames()), now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ListStale: %w", err)
	}
	defer rows.Close()

	transfers, err := collectTransfers(rows)
	if err != nil {
		return nil, fmt.Errorf("ListStale: %w", err)
	}
	return transfers, nil
}

func (r *TransferRepository) ListByAddress(ctx context.Context, address string, limit int) ([]domain.Transfer, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+transferColumns+` FROM transfers
		WHERE from_address = $1 OR to_address = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		address, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ListByAddress: %w", err)
	}
	defer rows.Close()

	transfers, err := collectTransfers(rows)
	if err != nil {
		return nil, fmt.Errorf("ListByAddress: %w", err)
	}
	return transfers, nil
}

func collectTransfers(rows *sql.Rows) ([]domain.Transfer, error) {
	var transfers []domain.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		transfers = append(transfers, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return transfers, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransfer(s scanner) (*domain.Transfer, error) {
	var t domain.Transfer
	var tag sql.NullInt64

	err := s.Scan(
		&t.ID, &t.IdempotencyKey, &t.From, &t.To, &t.Amount, &t.Asset, &tag,
		&t.LegAStatus, &t.LegBStatus, &t.LegATxHash, &t.LegBTxHash, &t.RefundTxHash,
		&t.State, &t.Step, &t.LegAAttempts, &t.LegBAttempts, &t.RefundAttempts, &t.SweepAttempts,
		&t.NeedsReview, &t.FailureReason, &t.Version, &t.CreatedAt, &t.UpdatedAt, &t.Deadline,
	)
	if err != nil {
		return nil, err
	}

	if tag.Valid {
		v := uint32(tag.Int64)
		t.DestinationTag = &v
	}
	return &t, nil
}

func tagToNull(tag *uint32) sql.NullInt64 {
	if tag == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*tag), Valid: true}
}

func terminalStateNames() []string {
	names := make([]string, len(domain.TerminalStates))
	for i, s := range domain.TerminalStates {
		names[i] = string(s)
	}
	return names
}
