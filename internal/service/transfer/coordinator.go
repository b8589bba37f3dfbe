package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"

	"github.com/josh-kwaku/crossledger/internal/alert"
	"github.com/josh-kwaku/crossledger/internal/domain"
	"github.com/josh-kwaku/crossledger/internal/ledger"
	"github.com/josh-kwaku/crossledger/internal/lock"
	"github.com/josh-kwaku/crossledger/internal/logging"
	"github.com/josh-kwaku/crossledger/internal/metrics"
)

type transferStore interface {
	Create(ctx context.Context, t *domain.Transfer, event *domain.TransferEvent) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Transfer, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.Transfer, error)
	Transition(ctx context.Context, prev, next *domain.Transfer, event *domain.TransferEvent) error
}

type alertNotifier interface {
	Notify(ctx context.Context, a alert.Alert) error
}

type Config struct {
	MaxSubmitAttempts uint64
	MaxPollAttempts   uint64
	RetryInitial      time.Duration
	RetryMax          time.Duration
	LedgerCallTimeout time.Duration
	LegDeadline       time.Duration
	DriveTimeout      time.Duration
	DriveConcurrency  int64
	LockTTL           time.Duration
	MaxSweepAttempts  int
}

const storeWriteTimeout = 10 * time.Second

// Amounts are stored as NUMERIC(38,18).
const (
	amountScale     = 18
	amountIntDigits = 20
)

var maxAmount = decimal.New(1, amountIntDigits)

// Coordinator drives transfers through the two-leg state machine. Every
// decision is made from persisted fields so any instance can pick up any
// transfer after a crash.
type Coordinator struct {
	store  transferStore
	legA   ledger.Adapter
	legB   ledger.Adapter
	locker lock.Locker
	alerts alertNotifier
	cfg    Config
	logger *slog.Logger

	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	base   context.Context
	cancel context.CancelFunc
	now    func() time.Time
}

func NewCoordinator(
	store transferStore,
	legA ledger.Adapter,
	legB ledger.Adapter,
	locker lock.Locker,
	alerts alertNotifier,
	cfg Config,
	logger *slog.Logger,
) *Coordinator {
	base, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		store:  store,
		legA:   legA,
		legB:   legB,
		locker: locker,
		alerts: alerts,
		cfg:    cfg,
		logger: logger,
		sem:    semaphore.NewWeighted(cfg.DriveConcurrency),
		base:   base,
		cancel: cancel,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

type CreateRequest struct {
	IdempotencyKey string
	From           string
	To             string
	Amount         decimal.Decimal
	Asset          string
	DestinationTag *uint32
}

// Create records the intent and returns immediately; the transfer is driven
// in the background.
func (c *Coordinator) Create(ctx context.Context, req CreateRequest) (*domain.Transfer, error) {
	log := logging.FromContext(ctx)

	if err := validateCreate(req); err != nil {
		return nil, fmt.Errorf("Create: %w", err)
	}

	existing, err := c.checkIdempotency(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("Create: %w", err)
	}
	if existing != nil {
		log.Info("idempotent replay", "transfer_id", existing.ID, "idempotency_key", req.IdempotencyKey)
		return existing, nil
	}

	now := c.now()
	t := domain.NewTransfer(req.IdempotencyKey, req.From, req.To, req.Amount, req.Asset, req.DestinationTag, now, c.cfg.LegDeadline)
	event := &domain.TransferEvent{
		ID:         uuid.New(),
		TransferID: t.ID,
		FromStep:   domain.StepCreated,
		ToStep:     domain.StepCreated,
		State:      t.State,
		Actor:      domain.ActorCoordinator,
		CreatedAt:  now,
	}

	if err := c.store.Create(ctx, t, event); err != nil {
		if errors.Is(err, domain.ErrDuplicateIdempotencyKey) {
			existing, idempErr := c.checkIdempotency(ctx, req)
			if idempErr != nil {
				return nil, fmt.Errorf("Create: %w", idempErr)
			}
			if existing != nil {
				log.Info("idempotent replay (race)", "transfer_id", existing.ID, "idempotency_key", req.IdempotencyKey)
				return existing, nil
			}
			return nil, fmt.Errorf("Create: %w", domain.ErrDuplicateTransfer)
		}
		return nil, fmt.Errorf("Create: %w", err)
	}

	metrics.TransfersCreated.Inc()
	log.Info("transfer created",
		"transfer_id", t.ID,
		"from", t.From,
		"to", t.To,
		"amount", t.Amount.String(),
		"asset", t.Asset,
	)

	c.Dispatch(ctx, t.ID)
	return t, nil
}

func validateCreate(req CreateRequest) error {
	if req.IdempotencyKey == "" {
		return fmt.Errorf("validateCreate: idempotency key required: %w", domain.ErrInvalidRequest)
	}
	if req.From == "" || req.To == "" {
		return fmt.Errorf("validateCreate: from and to required: %w", domain.ErrInvalidRequest)
	}
	if req.Asset == "" {
		return fmt.Errorf("validateCreate: asset required: %w", domain.ErrInvalidRequest)
	}
	if !req.Amount.IsPositive() {
		return fmt.Errorf("validateCreate: %w", domain.ErrInvalidAmount)
	}
	if !req.Amount.Equal(req.Amount.Truncate(amountScale)) {
		return fmt.Errorf("validateCreate: more than %d decimal places: %w", amountScale, domain.ErrInvalidAmount)
	}
	if req.Amount.GreaterThanOrEqual(maxAmount) {
		return fmt.Errorf("validateCreate: more than %d integer digits: %w", amountIntDigits, domain.ErrInvalidAmount)
	}
	return nil
}

func (c *Coordinator) checkIdempotency(ctx context.Context, req CreateRequest) (*domain.Transfer, error) {
	existing, err := c.store.GetByIdempotencyKey(ctx, req.IdempotencyKey)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("checkIdempotency: %w", err)
	}

	if existing.From == req.From &&
		existing.To == req.To &&
		existing.Amount.Equal(req.Amount) &&
		existing.Asset == req.Asset &&
		sameTag(existing.DestinationTag, req.DestinationTag) {
		return existing, nil
	}
	return nil, fmt.Errorf("checkIdempotency: %w", domain.ErrDuplicateTransfer)
}

func sameTag(a, b *uint32) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Dispatch drives the transfer on a background goroutine. When every drive
// slot is taken the transfer is left for the sweeper to pick up once its
// deadline passes.
func (c *Coordinator) Dispatch(ctx context.Context, id uuid.UUID) {
	log := logging.FromContext(ctx).With("transfer_id", id)

	if !c.sem.TryAcquire(1) {
		log.Warn("drive capacity exhausted, deferring to sweeper")
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.sem.Release(1)
		metrics.DrivesInFlight.Inc()
		defer metrics.DrivesInFlight.Dec()

		driveCtx, cancel := context.WithTimeout(logging.WithLogger(c.base, log), c.cfg.DriveTimeout)
		defer cancel()

		if _, err := c.Drive(driveCtx, id); err != nil {
			if errors.Is(err, domain.ErrStoreConflict) {
				log.Info("transfer already being driven elsewhere")
				return
			}
			log.Error("drive failed", "error", err)
		}
	}()
}

// Drive runs the state machine for one transfer until it reaches a terminal
// state or has to wait. A concurrent drive of the same transfer returns
// domain.ErrStoreConflict.
func (c *Coordinator) Drive(ctx context.Context, id uuid.UUID) (*domain.Transfer, error) {
	release, err := c.acquire(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("Drive: %w", err)
	}
	defer release()

	t, err := c.store.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("Drive: %w", err)
	}

	t, err = c.run(ctx, t, domain.ActorCoordinator)
	if err != nil {
		return t, fmt.Errorf("Drive: %w", err)
	}
	return t, nil
}

// Resume is the sweeper's entry point. Each call counts as one sweep attempt;
// past the configured maximum the transfer is flagged for operator review.
func (c *Coordinator) Resume(ctx context.Context, id uuid.UUID) (*domain.Transfer, error) {
	release, err := c.acquire(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("Resume: %w", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.DriveTimeout)
	defer cancel()

	t, err := c.store.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("Resume: %w", err)
	}
	if t.IsTerminal() || t.NeedsReview {
		return t, nil
	}

	next := t.Clone()
	next.SweepAttempts++
	next.Deadline = c.now().Add(c.cfg.LegDeadline)

	if c.cfg.MaxSweepAttempts > 0 && next.SweepAttempts > c.cfg.MaxSweepAttempts {
		reason := fmt.Sprintf("unresolved after %d sweeps at step %s", t.SweepAttempts, t.Step)
		next.NeedsReview = true
		next.FailureReason = &reason
		if err := c.persist(ctx, t, next, domain.ActorSweeper, map[string]any{"reason": reason}); err != nil {
			return t, fmt.Errorf("Resume: %w", err)
		}
		c.raise(ctx, alert.KindSweepExhausted, next, reason)
		return next, nil
	}

	if err := c.persist(ctx, t, next, domain.ActorSweeper, map[string]any{"sweep_attempt": next.SweepAttempts}); err != nil {
		return t, fmt.Errorf("Resume: %w", err)
	}

	t, err = c.run(ctx, next, domain.ActorSweeper)
	if err != nil {
		return t, fmt.Errorf("Resume: %w", err)
	}
	return t, nil
}

// Cancel fails a transfer that has not yet attempted leg A.
func (c *Coordinator) Cancel(ctx context.Context, id uuid.UUID, operator string) (*domain.Transfer, error) {
	release, err := c.acquire(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("Cancel: %w", err)
	}
	defer release()

	t, err := c.store.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("Cancel: %w", err)
	}
	if t.IsTerminal() {
		return nil, fmt.Errorf("Cancel: %w", domain.ErrTransferTerminal)
	}

	untouched := t.LegAAttempts == 0 && t.LegATxHash == nil
	if !(t.Step == domain.StepCreated || (t.Step == domain.StepLegASubmitting && untouched)) {
		return nil, fmt.Errorf("Cancel: %w", domain.ErrNotCancellable)
	}

	reason := "cancelled by " + operator
	next := t.Clone()
	next.State = domain.TransferStateFailed
	next.Step = domain.StepFailed
	next.LegAStatus = domain.LegStatusFailed
	next.FailureReason = &reason

	if err := c.persist(ctx, t, next, domain.OperatorActor(operator), map[string]any{"reason": reason}); err != nil {
		return nil, fmt.Errorf("Cancel: %w", err)
	}
	logging.FromContext(ctx).Info("transfer cancelled", "transfer_id", id, "operator", operator)
	return next, nil
}

// ManualRefund forces compensation of leg A. Allowed while the transfer is
// in flight, leg A is confirmed and leg B has either failed or was never
// attempted.
func (c *Coordinator) ManualRefund(ctx context.Context, id uuid.UUID, operator string) (*domain.Transfer, error) {
	release, err := c.acquire(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("ManualRefund: %w", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.DriveTimeout)
	defer cancel()

	t, err := c.store.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("ManualRefund: %w", err)
	}
	if t.IsTerminal() {
		return nil, fmt.Errorf("ManualRefund: %w", domain.ErrTransferTerminal)
	}

	actor := domain.OperatorActor(operator)
	if t.Step != domain.StepCompensating {
		if !refundable(t) {
			return nil, fmt.Errorf("ManualRefund: %w", domain.ErrNotRefundable)
		}
		reason := "manual refund requested by " + operator
		next := t.Clone()
		next.State = domain.TransferStateCompensating
		next.Step = domain.StepCompensating
		next.LegBStatus = domain.LegStatusFailed
		next.NeedsReview = false
		next.FailureReason = &reason
		if err := c.persist(ctx, t, next, actor, map[string]any{"reason": reason}); err != nil {
			return nil, fmt.Errorf("ManualRefund: %w", err)
		}
		t = next
	}

	t, err = c.run(ctx, t, actor)
	if err != nil {
		return t, fmt.Errorf("ManualRefund: %w", err)
	}
	return t, nil
}

func refundable(t *domain.Transfer) bool {
	if t.LegAStatus != domain.LegStatusConfirmed {
		return false
	}
	switch t.LegBStatus {
	case domain.LegStatusFailed:
		return true
	case domain.LegStatusPending:
		return t.LegBTxHash == nil && t.LegBAttempts == 0
	}
	return false
}

func (c *Coordinator) Get(ctx context.Context, id uuid.UUID) (*domain.Transfer, error) {
	t, err := c.store.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	return t, nil
}

// Shutdown stops background drives and waits for them to persist their
// progress.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.cancel()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("Shutdown: %w", ctx.Err())
	}
}

func (c *Coordinator) acquire(ctx context.Context, id uuid.UUID) (lock.Release, error) {
	release, err := c.locker.TryAcquire(ctx, id.String(), c.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrHeld) {
			metrics.StoreConflicts.Inc()
			return nil, fmt.Errorf("acquire: %w", domain.ErrStoreConflict)
		}
		return nil, fmt.Errorf("acquire: %w", err)
	}
	return release, nil
}

// persist writes next conditionally on prev. The write uses a context that
// survives cancellation of the drive so a ledger outcome is never dropped.
func (c *Coordinator) persist(ctx context.Context, prev, next *domain.Transfer, actor string, payload map[string]any) error {
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeWriteTimeout)
	defer cancel()

	event := &domain.TransferEvent{ID: uuid.New(), Actor: actor}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("persist: marshal payload: %w", err)
		}
		event.Payload = raw
	}

	if err := c.store.Transition(storeCtx, prev, next, event); err != nil {
		if errors.Is(err, domain.ErrStoreConflict) {
			metrics.StoreConflicts.Inc()
		}
		return fmt.Errorf("persist: %w", err)
	}

	metrics.TransferTransitions.WithLabelValues(string(next.Step)).Inc()
	if next.IsTerminal() {
		metrics.TransfersFinished.WithLabelValues(string(next.State)).Inc()
	}
	return nil
}

func (c *Coordinator) raise(ctx context.Context, kind alert.Kind, t *domain.Transfer, reason string) {
	details := map[string]string{
		"step":  string(t.Step),
		"state": string(t.State),
	}
	if t.LegATxHash != nil {
		details["leg_a_tx_hash"] = *t.LegATxHash
	}
	if t.LegBTxHash != nil {
		details["leg_b_tx_hash"] = *t.LegBTxHash
	}

	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeWriteTimeout)
	defer cancel()

	err := c.alerts.Notify(notifyCtx, alert.Alert{
		Kind:       kind,
		TransferID: t.ID,
		Reason:     reason,
		Details:    details,
		OccurredAt: c.now(),
	})
	if err != nil {
		logging.FromContext(ctx).Error("alert delivery failed", "transfer_id", t.ID, "kind", kind, "error", err)
	}
}
