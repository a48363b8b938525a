package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/znz-systems/mailslot/internal/metrics"
	"github.com/znz-systems/mailslot/internal/models"
	"github.com/znz-systems/mailslot/internal/store"
	"go.uber.org/zap"
)

// ErrPermanent marks a notifier failure that retrying cannot fix.
var ErrPermanent = errors.New("permanent delivery failure")

// Notifier delivers one outbox event to its consumer.
type Notifier interface {
	Notify(ctx context.Context, event models.OutboxEvent) error
}

type WorkerOptions struct {
	PollInterval   time.Duration
	RetryBaseDelay time.Duration
	MaxRetryDelay  time.Duration
	// ClaimLease is how long a claimed event may stay in processing before
	// another claim takes it over. It must exceed the notifier timeout.
	ClaimLease time.Duration
}

// Worker drains the outbox one event at a time, retrying failed deliveries
// with exponential backoff until the event runs out of attempts.
type Worker struct {
	events         store.OutboxStore
	notifier       Notifier
	logger         *zap.Logger
	metrics        *metrics.Metrics
	pollInterval   time.Duration
	retryBaseDelay time.Duration
	maxRetryDelay  time.Duration
	claimLease     time.Duration
	now            func() time.Time
}

func NewWorker(events store.OutboxStore, notifier Notifier, logger *zap.Logger, m *metrics.Metrics, opts WorkerOptions) *Worker {
	poll := opts.PollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	retryBase := opts.RetryBaseDelay
	if retryBase <= 0 {
		retryBase = 5 * time.Second
	}
	maxRetry := opts.MaxRetryDelay
	if maxRetry <= 0 {
		maxRetry = 10 * time.Minute
	}
	lease := opts.ClaimLease
	if lease <= 0 {
		lease = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Worker{
		events:         events,
		notifier:       notifier,
		logger:         logger,
		metrics:        m,
		pollInterval:   poll,
		retryBaseDelay: retryBase,
		maxRetryDelay:  maxRetry,
		claimLease:     lease,
		now:            time.Now,
	}
}

func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		worked, err := w.processOne(ctx)
		if err != nil {
			w.logger.Error("outbox worker cycle failed", zap.Error(err))
		}
		if worked {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) processOne(ctx context.Context) (bool, error) {
	event, err := w.events.ClaimNextOutboxEvent(ctx, w.claimLease)
	if err != nil {
		return false, fmt.Errorf("claim outbox event: %w", err)
	}
	if event == nil {
		return false, nil
	}

	// A reclaimed event has already used up its attempts without an outcome
	// being recorded.
	if event.Attempts > event.MaxAttempts {
		w.metrics.OutboxHandled(event.Kind, "failed")
		w.logger.Error("outbox event abandoned after expired claims",
			zap.Int64("event_id", event.ID),
			zap.String("kind", event.Kind),
			zap.Int("attempt", event.Attempts),
		)
		if err := w.events.MarkOutboxEventFailed(ctx, event.ID, "claim lease expired"); err != nil {
			return true, fmt.Errorf("mark outbox event failed: %w", err)
		}
		return true, nil
	}

	notifyErr := w.notifier.Notify(ctx, *event)
	if notifyErr == nil {
		w.metrics.OutboxHandled(event.Kind, "done")
		if err := w.events.MarkOutboxEventDone(ctx, event.ID); err != nil {
			return true, fmt.Errorf("mark outbox event done: %w", err)
		}
		return true, nil
	}

	logger := w.logger.With(
		zap.Int64("event_id", event.ID),
		zap.String("kind", event.Kind),
		zap.Int("attempt", event.Attempts),
		zap.Error(notifyErr),
	)

	if errors.Is(notifyErr, ErrPermanent) || event.Attempts >= event.MaxAttempts {
		w.metrics.OutboxHandled(event.Kind, "failed")
		logger.Error("outbox event gave up")
		if err := w.events.MarkOutboxEventFailed(ctx, event.ID, notifyErr.Error()); err != nil {
			return true, fmt.Errorf("mark outbox event failed: %w", err)
		}
		return true, nil
	}

	delay := w.retryDelay(event.Attempts)
	w.metrics.OutboxHandled(event.Kind, "retry")
	logger.Warn("outbox event will retry", zap.Duration("delay", delay))
	if err := w.events.MarkOutboxEventRetry(ctx, event.ID, w.now().UTC().Add(delay), notifyErr.Error()); err != nil {
		return true, fmt.Errorf("mark outbox event retry: %w", err)
	}
	return true, nil
}

// Drain processes events until none is ready. Used by tests and one-shot
// commands.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		worked, err := w.processOne(ctx)
		if err != nil {
			return n, err
		}
		if !worked {
			return n, nil
		}
		n++
	}
}

func (w *Worker) retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := w.retryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= w.maxRetryDelay {
			return w.maxRetryDelay
		}
	}
	if delay > w.maxRetryDelay {
		return w.maxRetryDelay
	}
	return delay
}
