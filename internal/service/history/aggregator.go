// Package history serves the read side: ledger health and the merged
// per-address transaction history across both ledgers and the transfer store.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"

	"github.com/josh-kwaku/crossledger/internal/domain"
	"github.com/josh-kwaku/crossledger/internal/ledger"
	"github.com/josh-kwaku/crossledger/internal/logging"
)

type transferLister interface {
	ListByAddress(ctx context.Context, address string, limit int) ([]domain.Transfer, error)
}

type Config struct {
	Limit        int
	CallTimeout  time.Duration
	ProbeTimeout time.Duration
	CacheSize    int
	CacheTTL     time.Duration
}

type LedgerStatus struct {
	Ledger    string
	Available bool
	Height    int64
	Latency   time.Duration
	CheckedAt time.Time
	Error     string
}

type Status struct {
	Ledgers []LedgerStatus
}

type History struct {
	Address     string
	Entries     []domain.HistoryEntry
	Unavailable []string
}

type Aggregator struct {
	legA      ledger.Adapter
	legB      ledger.Adapter
	transfers transferLister
	cache     *expirable.LRU[string, []domain.LedgerTx]
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

func NewAggregator(legA, legB ledger.Adapter, transfers transferLister, cfg Config, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		legA:      legA,
		legB:      legB,
		transfers: transfers,
		cache:     expirable.NewLRU[string, []domain.LedgerTx](cfg.CacheSize, nil, cfg.CacheTTL),
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (a *Aggregator) adapters() []ledger.Adapter {
	return []ledger.Adapter{a.legA, a.legB}
}

// GetStatus probes every ledger concurrently. A failed or slow probe marks
// only that ledger unavailable.
func (a *Aggregator) GetStatus(ctx context.Context) Status {
	adapters := a.adapters()
	out := make([]LedgerStatus, len(adapters))

	var g errgroup.Group
	for i, adapter := range adapters {
		g.Go(func() error {
			out[i] = a.probe(ctx, adapter)
			return nil
		})
	}
	_ = g.Wait()

	return Status{Ledgers: out}
}

func (a *Aggregator) probe(ctx context.Context, adapter ledger.Adapter) LedgerStatus {
	probeCtx, cancel := context.WithTimeout(ctx, a.cfg.ProbeTimeout)
	defer cancel()

	h, err := adapter.Health(probeCtx)
	if err != nil {
		logging.FromContext(ctx).Warn("ledger probe failed", "ledger", adapter.Name(), "error", err)
		return LedgerStatus{
			Ledger:    adapter.Name(),
			CheckedAt: a.now(),
			Error:     err.Error(),
		}
	}
	return LedgerStatus{
		Ledger:    adapter.Name(),
		Available: true,
		Height:    h.Height,
		Latency:   h.Latency,
		CheckedAt: h.CheckedAt,
	}
}

// GetTransactions merges both ledgers' transactions with stored transfers.
// Ledger rows belonging to a transfer are folded into one entry for it.
func (a *Aggregator) GetTransactions(ctx context.Context, address string) (*History, error) {
	if address == "" {
		return nil, fmt.Errorf("GetTransactions: address required: %w", domain.ErrInvalidRequest)
	}

	adapters := a.adapters()
	perLedger := make([][]domain.LedgerTx, len(adapters))
	failed := make([]bool, len(adapters))

	var g errgroup.Group
	for i, adapter := range adapters {
		g.Go(func() error {
			txs, err := a.listCached(ctx, adapter, address)
			if err != nil {
				logging.FromContext(ctx).Warn("ledger history unavailable", "ledger", adapter.Name(), "address", address, "error", err)
				failed[i] = true
				return nil
			}
			perLedger[i] = txs
			return nil
		})
	}

	var transfers []domain.Transfer
	g.Go(func() error {
		var err error
		transfers, err = a.transfers.ListByAddress(ctx, address, a.cfg.Limit)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("GetTransactions: %w", err)
	}

	h := &History{Address: address, Unavailable: []string{}}
	for i, adapter := range adapters {
		if failed[i] {
			h.Unavailable = append(h.Unavailable, adapter.Name())
		}
	}
	h.Entries = a.merge(address, transfers, perLedger...)
	return h, nil
}

func (a *Aggregator) listCached(ctx context.Context, adapter ledger.Adapter, address string) ([]domain.LedgerTx, error) {
	key := adapter.Name() + "|" + address
	if txs, ok := a.cache.Get(key); ok {
		return txs, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
	defer cancel()

	txs, err := adapter.ListTransactions(callCtx, address, a.cfg.Limit)
	if err != nil {
		return nil, err
	}
	a.cache.Add(key, txs)
	return txs, nil
}

func (a *Aggregator) merge(address string, transfers []domain.Transfer, perLedger ...[]domain.LedgerTx) []domain.HistoryEntry {
	pairLedger := a.legA.Name() + "/" + a.legB.Name()
	owned := make(map[string]struct{})
	entries := make([]domain.HistoryEntry, 0, len(transfers))

	for i := range transfers {
		t := transfers[i]
		for _, hash := range []*string{t.LegATxHash, t.LegBTxHash, t.RefundTxHash} {
			if hash != nil {
				owned[*hash] = struct{}{}
			}
		}
		entries = append(entries, transferEntry(address, pairLedger, t))
	}

	for _, txs := range perLedger {
		for _, tx := range txs {
			if _, ok := owned[tx.TxHash]; ok {
				continue
			}
			entries = append(entries, domain.HistoryEntry{
				TxHash:    tx.TxHash,
				Ledger:    tx.Ledger,
				Amount:    tx.Amount,
				Asset:     tx.Asset,
				Timestamp: tx.Timestamp,
				Direction: tx.Direction,
			})
		}
	}

	SortEntries(entries)
	if a.cfg.Limit > 0 && len(entries) > a.cfg.Limit {
		entries = entries[:a.cfg.Limit]
	}
	return entries
}

func transferEntry(address, pairLedger string, t domain.Transfer) domain.HistoryEntry {
	id := t.ID
	state := t.State
	dir := domain.DirectionIn
	if t.From == address {
		dir = domain.DirectionOut
	}

	txHash := id.String()
	if t.LegATxHash != nil {
		txHash = *t.LegATxHash
	}

	return domain.HistoryEntry{
		TxHash:     txHash,
		Ledger:     pairLedger,
		Amount:     t.Amount,
		Asset:      t.Asset,
		Timestamp:  t.CreatedAt,
		Direction:  dir,
		TransferID: &id,
		LegATxHash: t.LegATxHash,
		LegBTxHash: t.LegBTxHash,
		State:      &state,
	}
}

// SortEntries orders newest first, then by ledger name, then by tx hash.
func SortEntries(entries []domain.HistoryEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.After(b.Timestamp)
		}
		if a.Ledger != b.Ledger {
			return a.Ledger < b.Ledger
		}
		return a.TxHash < b.TxHash
	})
}
