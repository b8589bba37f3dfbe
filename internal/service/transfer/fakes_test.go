package transfer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/josh-kwaku/crossledger/internal/alert"
	"github.com/josh-kwaku/crossledger/internal/domain"
	"github.com/josh-kwaku/crossledger/internal/ledger"
	"github.com/josh-kwaku/crossledger/internal/lock"
)

// fakeStore mirrors the conditional update rules of the Postgres repository.
type fakeStore struct {
	mu        sync.Mutex
	transfers map[uuid.UUID]*domain.Transfer
	events    []domain.TransferEvent
}

func newFakeStore() *fakeStore {
	return &fakeStore{transfers: make(map[uuid.UUID]*domain.Transfer)}
}

func (s *fakeStore) put(t *domain.Transfer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transfers[t.ID] = t.Clone()
}

func (s *fakeStore) Create(_ context.Context, t *domain.Transfer, event *domain.TransferEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.transfers {
		if existing.IdempotencyKey == t.IdempotencyKey {
			return domain.ErrDuplicateIdempotencyKey
		}
	}
	s.transfers[t.ID] = t.Clone()
	if event != nil {
		s.events = append(s.events, *event)
	}
	return nil
}

func (s *fakeStore) GetByID(_ context.Context, id uuid.UUID) (*domain.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transfers[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return t.Clone(), nil
}

func (s *fakeStore) GetByIdempotencyKey(_ context.Context, key string) (*domain.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.transfers {
		if t.IdempotencyKey == key {
			return t.Clone(), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *fakeStore) Transition(_ context.Context, prev, next *domain.Transfer, event *domain.TransferEvent) error {
	if prev.IsTerminal() {
		return domain.ErrTransferTerminal
	}
	if err := next.CheckInvariants(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.transfers[prev.ID]
	switch {
	case !ok:
		return domain.ErrNotFound
	case cur.IsTerminal():
		return domain.ErrTransferTerminal
	case cur.Version != prev.Version || cur.Step != prev.Step:
		return domain.ErrStoreConflict
	}

	next.Version = cur.Version + 1
	next.UpdatedAt = time.Now().UTC()
	s.transfers[prev.ID] = next.Clone()
	if event != nil {
		ev := *event
		ev.TransferID = prev.ID
		ev.FromStep = prev.Step
		ev.ToStep = next.Step
		ev.State = next.State
		s.events = append(s.events, ev)
	}
	return nil
}

func (s *fakeStore) ListStale(_ context.Context, now time.Time, limit int) ([]domain.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Transfer
	for _, t := range s.transfers {
		if !t.IsTerminal() && !t.NeedsReview && !t.Deadline.After(now) {
			out = append(out, *t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) eventsFor(id uuid.UUID) []domain.TransferEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TransferEvent
	for _, e := range s.events {
		if e.TransferID == id {
			out = append(out, e)
		}
	}
	return out
}

// fakeLedger behaves like a signing relay: submissions are deduplicated by
// reference so a retried reference always yields the same hash.
type fakeLedger struct {
	name string

	mu          sync.Mutex
	byReference map[string]string
	submits     int
	polls       int
	refunds     int

	submitErr func(call int) error
	pollFn    func(txHash string) (ledger.TxStatus, error)
	refundErr func(call int) error
	onSubmit  func()
}

func newFakeLedger(name string) *fakeLedger {
	return &fakeLedger{name: name, byReference: make(map[string]string)}
}

func (l *fakeLedger) Name() string { return l.name }

func (l *fakeLedger) Submit(_ context.Context, req ledger.SubmitRequest) (*ledger.SubmitResult, error) {
	if l.onSubmit != nil {
		l.onSubmit()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.submits++
	if l.submitErr != nil {
		if err := l.submitErr(l.submits); err != nil {
			return nil, err
		}
	}
	hash, ok := l.byReference[req.Reference]
	if !ok {
		hash = fmt.Sprintf("%s-tx-%d", l.name, len(l.byReference)+1)
		l.byReference[req.Reference] = hash
	}
	return &ledger.SubmitResult{TxHash: hash}, nil
}

func (l *fakeLedger) PollStatus(_ context.Context, txHash string) (ledger.TxStatus, error) {
	l.mu.Lock()
	l.polls++
	fn := l.pollFn
	l.mu.Unlock()
	if fn != nil {
		return fn(txHash)
	}
	return ledger.TxStatusConfirmed, nil
}

func (l *fakeLedger) Refund(_ context.Context, req ledger.RefundRequest) (*ledger.SubmitResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refunds++
	if l.refundErr != nil {
		if err := l.refundErr(l.refunds); err != nil {
			return nil, err
		}
	}
	hash, ok := l.byReference[req.Reference]
	if !ok {
		hash = fmt.Sprintf("%s-refund-%d", l.name, len(l.byReference)+1)
		l.byReference[req.Reference] = hash
	}
	return &ledger.SubmitResult{TxHash: hash}, nil
}

func (l *fakeLedger) ListTransactions(context.Context, string, int) ([]domain.LedgerTx, error) {
	return nil, nil
}

func (l *fakeLedger) Health(context.Context) (*ledger.Health, error) {
	return &ledger.Health{Ledger: l.name}, nil
}

func (l *fakeLedger) counts() (submits, polls, refunds int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.submits, l.polls, l.refunds
}

type fakeAlerts struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (a *fakeAlerts) Notify(_ context.Context, al alert.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, al)
	return nil
}

func (a *fakeAlerts) kinds() []alert.Kind {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]alert.Kind, 0, len(a.alerts))
	for _, al := range a.alerts {
		out = append(out, al.Kind)
	}
	return out
}

type harness struct {
	coord  *Coordinator
	store  *fakeStore
	legA   *fakeLedger
	legB   *fakeLedger
	locker *lock.MemoryLocker
	alerts *fakeAlerts
}

func testConfig() Config {
	return Config{
		MaxSubmitAttempts: 5,
		MaxPollAttempts:   3,
		RetryInitial:      time.Millisecond,
		RetryMax:          2 * time.Millisecond,
		LedgerCallTimeout: time.Second,
		LegDeadline:       time.Minute,
		DriveTimeout:      5 * time.Second,
		DriveConcurrency:  4,
		LockTTL:           10 * time.Second,
		MaxSweepAttempts:  3,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithConfig(t, nil)
}

func newHarnessWithConfig(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{
		store:  newFakeStore(),
		legA:   newFakeLedger("cosmos"),
		legB:   newFakeLedger("xrpl"),
		locker: lock.NewMemoryLocker(),
		alerts: &fakeAlerts{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.coord = NewCoordinator(h.store, h.legA, h.legB, h.locker, h.alerts, cfg, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.coord.Shutdown(ctx)
	})
	return h
}

func (h *harness) seed(t *testing.T, mutate func(*domain.Transfer)) *domain.Transfer {
	t.Helper()
	tr := domain.NewTransfer(
		uuid.NewString(),
		"cosmos1sender",
		"rRecipient",
		decimal.RequireFromString("10.5"),
		"uatom",
		nil,
		time.Now().UTC(),
		time.Minute,
	)
	if mutate != nil {
		mutate(tr)
	}
	h.store.put(tr)
	return tr
}

func strPtr(s string) *string { return &s }
