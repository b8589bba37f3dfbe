// Package alert publishes operator-facing escalations: failed compensations
// and transfers the sweeper gave up on.
package alert

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/josh-kwaku/crossledger/internal/metrics"
)

type Kind string

const (
	KindRefundFailed    Kind = "refund_failed"
	KindSweepExhausted  Kind = "sweep_exhausted"
	KindInvariantBroken Kind = "invariant_broken"
)

type Alert struct {
	Kind       Kind              `json:"kind"`
	TransferID uuid.UUID         `json:"transfer_id"`
	Reason     string            `json:"reason"`
	Details    map[string]string `json:"details,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, a Alert) error {
	n.logger.Error("operator alert",
		"kind", a.Kind,
		"transfer_id", a.TransferID,
		"reason", a.Reason,
		"details", a.Details,
	)
	return nil
}

// Fanout delivers to every notifier and joins their errors.
type Fanout struct {
	notifiers []Notifier
}

func NewFanout(notifiers ...Notifier) *Fanout {
	return &Fanout{notifiers: notifiers}
}

func (f *Fanout) Notify(ctx context.Context, a Alert) error {
	if a.OccurredAt.IsZero() {
		a.OccurredAt = time.Now().UTC()
	}
	metrics.AlertsPublished.WithLabelValues(string(a.Kind)).Inc()

	var errs []error
	for _, n := range f.notifiers {
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
