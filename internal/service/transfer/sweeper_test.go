package transfer

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josh-kwaku/crossledger/internal/domain"
)

func newTestSweeper(h *harness) *Sweeper {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewSweeper(h.store, h.coord, logger, time.Minute, 10, 4)
}

func TestSweeper_ResumesStuckLegB(t *testing.T) {
	h := newHarness(t)
	tr := h.seed(t, func(tr *domain.Transfer) {
		tr.State = domain.TransferStateInProgress
		tr.Step = domain.StepLegBResult
		tr.LegAStatus = domain.LegStatusConfirmed
		tr.LegATxHash = strPtr("cosmos-tx-a")
		tr.LegBStatus = domain.LegStatusSubmitted
		tr.LegBTxHash = strPtr("xrpl-tx-b")
		tr.Deadline = time.Now().Add(-time.Minute)
	})
	sweeper := newTestSweeper(h)
	ctx := context.Background()

	n, err := sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := h.store.GetByID(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransferStateCommitted, got.State)
	assert.Equal(t, "xrpl-tx-b", *got.LegBTxHash)
	assert.Equal(t, 1, got.SweepAttempts)

	bSubmits, _, _ := h.legB.counts()
	assert.Zero(t, bSubmits)
}

func TestSweeper_CrashAfterLegASubmitDoesNotDoubleSpend(t *testing.T) {
	h := newHarness(t)
	tr := h.seed(t, func(tr *domain.Transfer) {
		tr.State = domain.TransferStateInProgress
		tr.Step = domain.StepLegASubmitting
		tr.Deadline = time.Now().Add(-time.Minute)
	})
	// The relay accepted leg A before the process died.
	h.legA.byReference[tr.Reference(domain.LegA)] = "cosmos-tx-before-crash"

	sweeper := newTestSweeper(h)
	ctx := context.Background()
	for range 2 {
		_, err := sweeper.RunOnce(ctx)
		require.NoError(t, err)
	}

	got, err := h.store.GetByID(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransferStateCommitted, got.State)
	assert.Equal(t, "cosmos-tx-before-crash", *got.LegATxHash)

	assert.Len(t, h.legA.byReference, 1)
	assert.Len(t, h.legB.byReference, 1)
}

func TestSweeper_SkipsTransferHeldElsewhere(t *testing.T) {
	h := newHarness(t)
	tr := h.seed(t, func(tr *domain.Transfer) {
		tr.State = domain.TransferStateInProgress
		tr.Step = domain.StepLegASubmitting
		tr.Deadline = time.Now().Add(-time.Minute)
	})
	release, err := h.locker.TryAcquire(context.Background(), tr.ID.String(), time.Minute)
	require.NoError(t, err)
	defer release()

	n, err := newTestSweeper(h).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := h.store.GetByID(context.Background(), tr.ID)
	require.NoError(t, err)
	assert.Equal(t, tr.Version, got.Version)

	aSubmits, _, _ := h.legA.counts()
	assert.Zero(t, aSubmits)
}

func TestSweeper_IgnoresFlaggedAndFutureTransfers(t *testing.T) {
	h := newHarness(t)
	h.seed(t, func(tr *domain.Transfer) {
		tr.Deadline = time.Now().Add(time.Hour)
	})
	h.seed(t, func(tr *domain.Transfer) {
		tr.Deadline = time.Now().Add(-time.Hour)
		tr.NeedsReview = true
	})

	n, err := newTestSweeper(h).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweeper_FinishesInterruptedCompensation(t *testing.T) {
	h := newHarness(t)
	reason := "leg B rejected"
	tr := h.seed(t, func(tr *domain.Transfer) {
		tr.State = domain.TransferStateCompensating
		tr.Step = domain.StepCompensating
		tr.LegAStatus = domain.LegStatusConfirmed
		tr.LegATxHash = strPtr("cosmos-tx-a")
		tr.LegBStatus = domain.LegStatusFailed
		tr.FailureReason = &reason
		tr.Deadline = time.Now().Add(-time.Minute)
	})
	sweeper := newTestSweeper(h)
	ctx := context.Background()

	n, err := sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := h.store.GetByID(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransferStateRefunded, got.State)
	assert.Equal(t, domain.LegStatusRefunded, got.LegAStatus)
	require.NotNil(t, got.RefundTxHash)

	_, _, refunds := h.legA.counts()
	assert.Equal(t, 1, refunds)
	bSubmits, _, _ := h.legB.counts()
	assert.Zero(t, bSubmits)
}
