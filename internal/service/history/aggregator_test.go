package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josh-kwaku/crossledger/internal/domain"
	"github.com/josh-kwaku/crossledger/internal/ledger"
)

type stubLedger struct {
	name      string
	health    *ledger.Health
	healthErr error
	delay     time.Duration
	txs       []domain.LedgerTx
	listErr   error

	mu    sync.Mutex
	lists int
}

func (s *stubLedger) Name() string { return s.name }

func (s *stubLedger) Submit(context.Context, ledger.SubmitRequest) (*ledger.SubmitResult, error) {
	return nil, errors.New("not used")
}

func (s *stubLedger) PollStatus(context.Context, string) (ledger.TxStatus, error) {
	return ledger.TxStatusPending, nil
}

func (s *stubLedger) Refund(context.Context, ledger.RefundRequest) (*ledger.SubmitResult, error) {
	return nil, errors.New("not used")
}

func (s *stubLedger) ListTransactions(context.Context, string, int) ([]domain.LedgerTx, error) {
	s.mu.Lock()
	s.lists++
	s.mu.Unlock()
	return s.txs, s.listErr
}

func (s *stubLedger) Health(ctx context.Context) (*ledger.Health, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.health, s.healthErr
}

type stubTransfers struct {
	transfers []domain.Transfer
	err       error
}

func (s *stubTransfers) ListByAddress(context.Context, string, int) ([]domain.Transfer, error) {
	return s.transfers, s.err
}

func newTestAggregator(legA, legB *stubLedger, transfers *stubTransfers) *Aggregator {
	cfg := Config{
		Limit:        50,
		CallTimeout:  time.Second,
		ProbeTimeout: 50 * time.Millisecond,
		CacheSize:    16,
		CacheTTL:     time.Minute,
	}
	return NewAggregator(legA, legB, transfers, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func strPtr(s string) *string { return &s }

func TestGetStatus_OneLedgerDown(t *testing.T) {
	legA := &stubLedger{name: "cosmos", health: &ledger.Health{Ledger: "cosmos", Height: 1200}}
	legB := &stubLedger{name: "xrpl", healthErr: errors.New("connection refused")}
	agg := newTestAggregator(legA, legB, &stubTransfers{})

	status := agg.GetStatus(context.Background())
	require.Len(t, status.Ledgers, 2)

	assert.Equal(t, "cosmos", status.Ledgers[0].Ledger)
	assert.True(t, status.Ledgers[0].Available)
	assert.Equal(t, int64(1200), status.Ledgers[0].Height)

	assert.Equal(t, "xrpl", status.Ledgers[1].Ledger)
	assert.False(t, status.Ledgers[1].Available)
	assert.Contains(t, status.Ledgers[1].Error, "connection refused")
}

func TestGetStatus_SlowProbeTimesOut(t *testing.T) {
	legA := &stubLedger{name: "cosmos", health: &ledger.Health{Ledger: "cosmos", Height: 7}}
	legB := &stubLedger{name: "xrpl", delay: time.Second, health: &ledger.Health{Ledger: "xrpl"}}
	agg := newTestAggregator(legA, legB, &stubTransfers{})

	start := time.Now()
	status := agg.GetStatus(context.Background())

	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.True(t, status.Ledgers[0].Available)
	assert.False(t, status.Ledgers[1].Available)
}

func TestGetTransactions_MergesAndFoldsTransfers(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	transferID := uuid.New()

	legA := &stubLedger{name: "cosmos", txs: []domain.LedgerTx{
		{TxHash: "A-leg", Ledger: "cosmos", Amount: decimal.RequireFromString("5"), Asset: "uatom", Timestamp: base.Add(time.Minute), Direction: domain.DirectionOut},
		{TxHash: "A-old", Ledger: "cosmos", Amount: decimal.RequireFromString("1"), Asset: "uatom", Timestamp: base.Add(-time.Hour), Direction: domain.DirectionIn},
		{TxHash: "A-tie", Ledger: "cosmos", Amount: decimal.RequireFromString("2"), Asset: "uatom", Timestamp: base.Add(2 * time.Minute), Direction: domain.DirectionIn},
	}}
	legB := &stubLedger{name: "xrpl", txs: []domain.LedgerTx{
		{TxHash: "B-leg", Ledger: "xrpl", Amount: decimal.RequireFromString("5"), Asset: "XRP", Timestamp: base.Add(90 * time.Second), Direction: domain.DirectionIn},
		{TxHash: "B-tie", Ledger: "xrpl", Amount: decimal.RequireFromString("3"), Asset: "XRP", Timestamp: base.Add(2 * time.Minute), Direction: domain.DirectionOut},
	}}
	transfers := &stubTransfers{transfers: []domain.Transfer{{
		ID:         transferID,
		From:       "cosmos1me",
		To:         "rYou",
		Amount:     decimal.RequireFromString("5"),
		Asset:      "uatom",
		LegATxHash: strPtr("A-leg"),
		LegBTxHash: strPtr("B-leg"),
		State:      domain.TransferStateCommitted,
		CreatedAt:  base,
	}}}
	agg := newTestAggregator(legA, legB, transfers)

	h, err := agg.GetTransactions(context.Background(), "cosmos1me")
	require.NoError(t, err)
	assert.Empty(t, h.Unavailable)

	var hashes []string
	for _, e := range h.Entries {
		hashes = append(hashes, e.TxHash)
	}
	assert.Equal(t, []string{"A-tie", "B-tie", "A-leg", "A-old"}, hashes)

	folded := h.Entries[2]
	require.NotNil(t, folded.TransferID)
	assert.Equal(t, transferID, *folded.TransferID)
	assert.Equal(t, "cosmos/xrpl", folded.Ledger)
	assert.Equal(t, "B-leg", *folded.LegBTxHash)
	assert.Equal(t, domain.DirectionOut, folded.Direction)
	assert.Equal(t, domain.TransferStateCommitted, *folded.State)
}

func TestGetTransactions_LedgerUnavailable(t *testing.T) {
	legA := &stubLedger{name: "cosmos", txs: []domain.LedgerTx{
		{TxHash: "A1", Ledger: "cosmos", Timestamp: time.Now()},
	}}
	legB := &stubLedger{name: "xrpl", listErr: errors.New("rpc status 503")}
	agg := newTestAggregator(legA, legB, &stubTransfers{})

	h, err := agg.GetTransactions(context.Background(), "cosmos1me")
	require.NoError(t, err)
	assert.Equal(t, []string{"xrpl"}, h.Unavailable)
	require.Len(t, h.Entries, 1)
	assert.Equal(t, "A1", h.Entries[0].TxHash)
}

func TestGetTransactions_StoreErrorFails(t *testing.T) {
	agg := newTestAggregator(&stubLedger{name: "cosmos"}, &stubLedger{name: "xrpl"}, &stubTransfers{err: errors.New("db down")})

	_, err := agg.GetTransactions(context.Background(), "cosmos1me")
	require.Error(t, err)
}

func TestGetTransactions_CachesLedgerResults(t *testing.T) {
	legA := &stubLedger{name: "cosmos"}
	legB := &stubLedger{name: "xrpl", listErr: errors.New("down")}
	agg := newTestAggregator(legA, legB, &stubTransfers{})
	ctx := context.Background()

	for range 3 {
		_, err := agg.GetTransactions(ctx, "cosmos1me")
		require.NoError(t, err)
	}

	assert.Equal(t, 1, legA.lists)
	assert.Equal(t, 3, legB.lists, "failures are not cached")
}

func TestGetTransactions_RequiresAddress(t *testing.T) {
	agg := newTestAggregator(&stubLedger{name: "cosmos"}, &stubLedger{name: "xrpl"}, &stubTransfers{})

	_, err := agg.GetTransactions(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}
