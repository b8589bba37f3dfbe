package transfer

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/josh-kwaku/crossledger/internal/alert"
	"github.com/josh-kwaku/crossledger/internal/domain"
	"github.com/josh-kwaku/crossledger/internal/ledger"
	"github.com/josh-kwaku/crossledger/internal/logging"
	"github.com/josh-kwaku/crossledger/internal/telemetry"
)

// run advances t until it is terminal or parked. The returned transfer is
// the last persisted snapshot.
func (c *Coordinator) run(ctx context.Context, t *domain.Transfer, actor string) (*domain.Transfer, error) {
	for !t.IsTerminal() {
		next, parked, err := c.advance(ctx, t, actor)
		if err != nil {
			return t, err
		}
		t = next
		if parked {
			break
		}
	}
	return t, nil
}

func (c *Coordinator) advance(ctx context.Context, t *domain.Transfer, actor string) (*domain.Transfer, bool, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "transfer.step",
		trace.WithAttributes(
			attribute.String("transfer.id", t.ID.String()),
			attribute.String("transfer.step", string(t.Step)),
		),
	)
	defer span.End()

	ctx = logging.WithLogger(ctx, logging.FromContext(ctx).With("transfer_id", t.ID, "step", t.Step))

	var (
		next   *domain.Transfer
		parked bool
		err    error
	)
	switch t.Step {
	case domain.StepCreated:
		next, err = c.start(ctx, t, actor)
	case domain.StepLegASubmitting:
		next, parked, err = c.submitLegA(ctx, t, actor)
	case domain.StepLegAResult:
		next, parked, err = c.awaitLegA(ctx, t, actor)
	case domain.StepLegBSubmitting:
		next, parked, err = c.submitLegB(ctx, t, actor)
	case domain.StepLegBResult:
		next, parked, err = c.awaitLegB(ctx, t, actor)
	case domain.StepCompensating:
		next, parked, err = c.compensate(ctx, t, actor)
	default:
		err = fmt.Errorf("advance: unknown step %q: %w", t.Step, domain.ErrInvariantViolated)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, domain.ErrInvariantViolated) {
			c.raise(ctx, alert.KindInvariantBroken, t, err.Error())
		}
		return nil, false, err
	}
	span.SetAttributes(attribute.String("transfer.next_step", string(next.Step)))
	return next, parked, nil
}

func (c *Coordinator) start(ctx context.Context, t *domain.Transfer, actor string) (*domain.Transfer, error) {
	next := t.Clone()
	next.State = domain.TransferStateInProgress
	next.Step = domain.StepLegASubmitting
	if err := c.persist(ctx, t, next, actor, nil); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	return next, nil
}

func (c *Coordinator) submitLegA(ctx context.Context, t *domain.Transfer, actor string) (*domain.Transfer, bool, error) {
	log := logging.FromContext(ctx)
	res, attempts, err := c.submit(ctx, c.legA, ledger.SubmitRequest{
		Reference: t.Reference(domain.LegA),
		From:      t.From,
		To:        t.To,
		Amount:    t.Amount,
		Asset:     t.Asset,
		Memo:      t.ID.String(),
	})

	next := t.Clone()
	next.LegAAttempts += attempts

	switch {
	case err == nil:
		next.LegAStatus = domain.LegStatusSubmitted
		next.LegATxHash = &res.TxHash
		next.Step = domain.StepLegAResult
		next.Deadline = c.now().Add(c.cfg.LegDeadline)
		if err := c.persist(ctx, t, next, actor, map[string]any{"tx_hash": res.TxHash, "attempts": attempts}); err != nil {
			return nil, false, fmt.Errorf("submitLegA: %w", err)
		}
		log.Info("leg A submitted", "tx_hash", res.TxHash)
		return next, false, nil

	case ledger.IsRejected(err):
		reason := err.Error()
		next.LegAStatus = domain.LegStatusFailed
		next.State = domain.TransferStateFailed
		next.Step = domain.StepFailed
		next.FailureReason = &reason
		if err := c.persist(ctx, t, next, actor, map[string]any{"reason": reason}); err != nil {
			return nil, false, fmt.Errorf("submitLegA: %w", err)
		}
		log.Warn("leg A rejected, transfer failed", "reason", reason)
		return next, false, nil
	}

	return c.park(ctx, t, next, actor, err)
}

func (c *Coordinator) awaitLegA(ctx context.Context, t *domain.Transfer, actor string) (*domain.Transfer, bool, error) {
	if t.LegATxHash == nil {
		return nil, false, fmt.Errorf("awaitLegA: no leg A hash: %w", domain.ErrInvariantViolated)
	}
	status, err := c.poll(ctx, c.legA, *t.LegATxHash)
	next := t.Clone()
	if err != nil || status == ledger.TxStatusPending {
		return c.park(ctx, t, next, actor, err)
	}

	if status == ledger.TxStatusConfirmed {
		next.LegAStatus = domain.LegStatusConfirmed
		next.Step = domain.StepLegBSubmitting
	} else {
		reason := "leg A failed on " + c.legA.Name()
		next.LegAStatus = domain.LegStatusFailed
		next.State = domain.TransferStateFailed
		next.Step = domain.StepFailed
		next.FailureReason = &reason
	}
	if err := c.persist(ctx, t, next, actor, map[string]any{"status": status}); err != nil {
		return nil, false, fmt.Errorf("awaitLegA: %w", err)
	}
	logging.FromContext(ctx).Info("leg A settled", "status", status)
	return next, false, nil
}

func (c *Coordinator) submitLegB(ctx context.Context, t *domain.Transfer, actor string) (*domain.Transfer, bool, error) {
	log := logging.FromContext(ctx)
	req := ledger.SubmitRequest{
		Reference:      t.Reference(domain.LegB),
		From:           t.From,
		To:             t.To,
		Amount:         t.Amount,
		Asset:          t.Asset,
		DestinationTag: t.DestinationTag,
		Memo:           t.ID.String(),
	}
	res, attempts, err := c.submit(ctx, c.legB, req)

	// Budget spent on unknown outcomes. A last call with the same reference
	// returns the original hash if any earlier attempt was accepted.
	if err != nil && ctx.Err() == nil && !ledger.IsRejected(err) {
		var lastErr error
		res, lastErr = c.submitOnce(ctx, c.legB, req)
		attempts++
		switch {
		case lastErr == nil:
			err = nil
			log.Info("leg B accepted on final check", "attempts", attempts)
		case ledger.IsRejected(lastErr):
			err = lastErr
		default:
			err = fmt.Errorf("leg B outcome unknown after %d attempts: %w", attempts, lastErr)
		}
	}

	next := t.Clone()
	next.LegBAttempts += attempts

	if err == nil {
		next.LegBStatus = domain.LegStatusSubmitted
		next.LegBTxHash = &res.TxHash
		next.Step = domain.StepLegBResult
		next.Deadline = c.now().Add(c.cfg.LegDeadline)
		if err := c.persist(ctx, t, next, actor, map[string]any{"tx_hash": res.TxHash, "attempts": attempts}); err != nil {
			return nil, false, fmt.Errorf("submitLegB: %w", err)
		}
		log.Info("leg B submitted", "tx_hash", res.TxHash)
		return next, false, nil
	}

	// Shutdown or drive timeout: the attempt budget was not spent.
	if ctx.Err() != nil && !ledger.IsRejected(err) {
		return c.park(ctx, t, next, actor, err)
	}

	reason := err.Error()
	next.LegBStatus = domain.LegStatusFailed
	next.State = domain.TransferStateCompensating
	next.Step = domain.StepCompensating
	next.FailureReason = &reason
	if err := c.persist(ctx, t, next, actor, map[string]any{"reason": reason, "attempts": attempts}); err != nil {
		return nil, false, fmt.Errorf("submitLegB: %w", err)
	}
	log.Warn("leg B failed, compensating leg A", "reason", reason)
	return next, false, nil
}

func (c *Coordinator) awaitLegB(ctx context.Context, t *domain.Transfer, actor string) (*domain.Transfer, bool, error) {
	if t.LegBTxHash == nil {
		return nil, false, fmt.Errorf("awaitLegB: no leg B hash: %w", domain.ErrInvariantViolated)
	}
	status, err := c.poll(ctx, c.legB, *t.LegBTxHash)
	next := t.Clone()
	if err != nil || status == ledger.TxStatusPending {
		return c.park(ctx, t, next, actor, err)
	}

	if status == ledger.TxStatusConfirmed {
		next.LegBStatus = domain.LegStatusConfirmed
		next.State = domain.TransferStateCommitted
		next.Step = domain.StepCommitted
		next.FailureReason = nil
	} else {
		reason := "leg B failed on " + c.legB.Name()
		next.LegBStatus = domain.LegStatusFailed
		next.State = domain.TransferStateCompensating
		next.Step = domain.StepCompensating
		next.FailureReason = &reason
	}
	if err := c.persist(ctx, t, next, actor, map[string]any{"status": status}); err != nil {
		return nil, false, fmt.Errorf("awaitLegB: %w", err)
	}
	logging.FromContext(ctx).Info("leg B settled", "status", status)
	return next, false, nil
}

func (c *Coordinator) compensate(ctx context.Context, t *domain.Transfer, actor string) (*domain.Transfer, bool, error) {
	log := logging.FromContext(ctx)
	if t.LegATxHash == nil {
		return nil, false, fmt.Errorf("compensate: no leg A hash: %w", domain.ErrInvariantViolated)
	}

	res, attempts, err := c.refund(ctx, c.legA, ledger.RefundRequest{
		Reference:      t.RefundReference(),
		OriginalTxHash: *t.LegATxHash,
		From:           t.From,
		To:             t.To,
		Amount:         t.Amount,
		Asset:          t.Asset,
	})

	next := t.Clone()
	next.RefundAttempts += attempts

	switch {
	case err == nil:
		next.LegAStatus = domain.LegStatusRefunded
		next.RefundTxHash = &res.TxHash
		next.State = domain.TransferStateRefunded
		next.Step = domain.StepRefunded
		if err := c.persist(ctx, t, next, actor, map[string]any{"refund_tx_hash": res.TxHash, "attempts": attempts}); err != nil {
			return nil, false, fmt.Errorf("compensate: %w", err)
		}
		log.Info("leg A refunded", "refund_tx_hash", res.TxHash)
		return next, false, nil

	case ledger.IsRefundError(err):
		reason := err.Error()
		next.State = domain.TransferStateFailed
		next.Step = domain.StepFailed
		next.NeedsReview = true
		next.FailureReason = &reason
		if err := c.persist(ctx, t, next, actor, map[string]any{"reason": reason}); err != nil {
			return nil, false, fmt.Errorf("compensate: %w", err)
		}
		log.Error("refund refused, operator review required", "reason", reason)
		c.raise(ctx, alert.KindRefundFailed, next, reason)
		return next, false, nil
	}

	return c.park(ctx, t, next, actor, err)
}

// park persists attempt counters and pushes the deadline out so the sweeper
// resumes the transfer later.
func (c *Coordinator) park(ctx context.Context, prev, next *domain.Transfer, actor string, cause error) (*domain.Transfer, bool, error) {
	next.Deadline = c.now().Add(c.cfg.LegDeadline)

	payload := map[string]any{"parked": true}
	if cause != nil {
		payload["error"] = cause.Error()
	}
	if err := c.persist(ctx, prev, next, actor, payload); err != nil {
		return nil, false, fmt.Errorf("park: %w", err)
	}
	logging.FromContext(ctx).Info("transfer parked", "resume_after", next.Deadline, "error", cause)
	return next, true, nil
}
