package transfer

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/josh-kwaku/crossledger/internal/ledger"
	"github.com/josh-kwaku/crossledger/internal/logging"
)

var errStillPending = errors.New("transaction still pending")

func (c *Coordinator) newBackOff(ctx context.Context, attempts uint64) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryInitial
	b.MaxInterval = c.cfg.RetryMax
	b.MaxElapsedTime = 0
	b.Reset()

	retries := uint64(0)
	if attempts > 0 {
		retries = attempts - 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx)
}

// submit calls adapter.Submit with bounded exponential backoff. Rejections
// stop the loop; anything else is treated as an unknown outcome and retried
// with the same reference. It returns the number of calls made.
func (c *Coordinator) submit(ctx context.Context, adapter ledger.Adapter, req ledger.SubmitRequest) (*ledger.SubmitResult, int, error) {
	log := logging.FromContext(ctx)
	var (
		result   *ledger.SubmitResult
		attempts int
	)

	op := func() error {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.LedgerCallTimeout)
		defer cancel()

		res, err := adapter.Submit(callCtx, req)
		if err != nil {
			if ledger.IsRejected(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = res
		return nil
	}

	notify := func(err error, wait time.Duration) {
		log.Warn("ledger submit failed, retrying",
			"ledger", adapter.Name(),
			"reference", req.Reference,
			"attempt", attempts,
			"retry_in", wait,
			"error", err,
		)
	}

	if err := backoff.RetryNotify(op, c.newBackOff(ctx, c.cfg.MaxSubmitAttempts), notify); err != nil {
		return nil, attempts, err
	}
	return result, attempts, nil
}

// submitOnce makes one call outside the retry budget.
func (c *Coordinator) submitOnce(ctx context.Context, adapter ledger.Adapter, req ledger.SubmitRequest) (*ledger.SubmitResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.LedgerCallTimeout)
	defer cancel()
	return adapter.Submit(callCtx, req)
}

// poll waits for a terminal ledger status. A transaction still pending after
// the poll budget is reported as pending with a nil error.
func (c *Coordinator) poll(ctx context.Context, adapter ledger.Adapter, txHash string) (ledger.TxStatus, error) {
	log := logging.FromContext(ctx)
	status := ledger.TxStatusPending

	op := func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.LedgerCallTimeout)
		defer cancel()

		s, err := adapter.PollStatus(callCtx, txHash)
		if err != nil {
			return err
		}
		status = s
		if s == ledger.TxStatusPending {
			return errStillPending
		}
		return nil
	}

	notify := func(err error, wait time.Duration) {
		if errors.Is(err, errStillPending) {
			return
		}
		log.Warn("ledger poll failed, retrying",
			"ledger", adapter.Name(),
			"tx_hash", txHash,
			"retry_in", wait,
			"error", err,
		)
	}

	err := backoff.RetryNotify(op, c.newBackOff(ctx, c.cfg.MaxPollAttempts), notify)
	if err != nil && !errors.Is(err, errStillPending) {
		return ledger.TxStatusPending, err
	}
	return status, nil
}

// refund issues the compensating transfer. A *ledger.RefundError stops the
// loop immediately.
func (c *Coordinator) refund(ctx context.Context, adapter ledger.Adapter, req ledger.RefundRequest) (*ledger.SubmitResult, int, error) {
	log := logging.FromContext(ctx)
	var (
		result   *ledger.SubmitResult
		attempts int
	)

	op := func() error {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.LedgerCallTimeout)
		defer cancel()

		res, err := adapter.Refund(callCtx, req)
		if err != nil {
			if ledger.IsRefundError(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = res
		return nil
	}

	notify := func(err error, wait time.Duration) {
		log.Warn("ledger refund failed, retrying",
			"ledger", adapter.Name(),
			"reference", req.Reference,
			"attempt", attempts,
			"retry_in", wait,
			"error", err,
		)
	}

	if err := backoff.RetryNotify(op, c.newBackOff(ctx, c.cfg.MaxSubmitAttempts), notify); err != nil {
		return nil, attempts, err
	}
	return result, attempts, nil
}
