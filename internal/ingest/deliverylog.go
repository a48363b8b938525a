package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/znz-systems/mailslot/internal/metrics"
	"github.com/znz-systems/mailslot/internal/models"
	"github.com/znz-systems/mailslot/internal/store"
	"go.uber.org/zap"
)

// DeliveryLog records pipeline progress. Every write is best-effort: a failed
// write is logged and counted, and never changes the outcome of an ingest.
type DeliveryLog struct {
	store   store.DeliveryLogStore
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewDeliveryLog(s store.DeliveryLogStore, logger *zap.Logger, m *metrics.Metrics, now func() time.Time) *DeliveryLog {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &DeliveryLog{store: s, logger: logger, metrics: m, now: now}
}

// Received opens the entry for p, or finds the existing one for the same
// message id. It returns uuid.Nil when the entry could not be written.
func (l *DeliveryLog) Received(ctx context.Context, messageID string, p Payload) (id uuid.UUID, created bool) {
	entry := &models.DeliveryLogEntry{
		MessageID:      messageID,
		RecipientEmail: NormalizeEmail(p.To),
		SenderEmail:    NormalizeEmail(p.From),
		Subject:        p.Subject,
		Status:         models.DeliveryReceived,
		ReceivedAt:     p.ReceivedAt,
	}
	if p.SenderName != "" {
		name := p.SenderName
		entry.SenderName = &name
	}

	created, err := l.store.CreateDeliveryLog(ctx, entry)
	if err != nil {
		l.writeFailed("received", uuid.Nil, err, zap.String("message_id", messageID))
		return uuid.Nil, false
	}
	if !created {
		l.logger.Info("delivery already logged",
			zap.String("message_id", messageID),
			zap.String("delivery_log_id", entry.ID.String()),
			zap.String("status", string(entry.Status)),
		)
	}
	return entry.ID, created
}

func (l *DeliveryLog) Processing(ctx context.Context, id uuid.UUID, accountID uuid.UUID, p Payload) {
	if id == uuid.Nil {
		return
	}
	err := l.store.MarkDeliveryProcessing(ctx, id, models.ProcessingUpdate{
		AccountID:           accountID,
		StartedAt:           l.now().UTC(),
		ContentSizeBytes:    p.ContentSize(),
		HasHTMLContent:      p.HTMLContent != "",
		HasPlainTextContent: p.TextContent != "",
	})
	if err != nil {
		l.writeFailed("processing", id, err)
	}
}

func (l *DeliveryLog) Stored(ctx context.Context, id, newsletterID uuid.UUID) {
	if id == uuid.Nil {
		return
	}
	err := l.store.MarkDeliveryStored(ctx, id, l.now().UTC())
	if errors.Is(err, store.ErrInvalidTransition) {
		l.storedAfterTerminal(ctx, id, newsletterID)
		return
	}
	if err != nil {
		l.writeFailed("stored", id, err)
	}
}

// storedAfterTerminal reports a message stored under an entry that had already
// finished, usually a relay retry that succeeded after a failed attempt. The
// entry keeps its terminal state.
func (l *DeliveryLog) storedAfterTerminal(ctx context.Context, id, newsletterID uuid.UUID) {
	fields := []zap.Field{
		zap.String("delivery_log_id", id.String()),
		zap.String("user_newsletter_id", newsletterID.String()),
	}
	entry, err := l.store.GetDeliveryLog(ctx, id)
	if err != nil {
		l.logger.Warn("message stored but delivery log entry could not be read", append(fields, zap.Error(err))...)
		return
	}
	fields = append(fields, zap.String("status", string(entry.Status)))
	if entry.Status != models.DeliveryFailed {
		l.logger.Info("message stored under a finished delivery log entry", fields...)
		return
	}
	if entry.ErrorCode != nil {
		fields = append(fields, zap.String("previous_error_code", *entry.ErrorCode))
	}
	l.logger.Warn("message stored on retry after a failed attempt, delivery log entry stays failed", fields...)
}

func (l *DeliveryLog) Failed(ctx context.Context, id uuid.UUID, code, message string) {
	if id == uuid.Nil {
		return
	}
	if err := l.store.MarkDeliveryFailed(ctx, id, l.now().UTC(), code, message); err != nil {
		l.writeFailed("failed", id, err, zap.String("error_code", code))
	}
}

func (l *DeliveryLog) writeFailed(op string, id uuid.UUID, err error, fields ...zap.Field) {
	fields = append(fields, zap.String("operation", op), zap.Error(err))
	if id != uuid.Nil {
		fields = append(fields, zap.String("delivery_log_id", id.String()))
	}
	// A refused transition means the entry already reached a terminal state,
	// which is expected on redelivery.
	if errors.Is(err, store.ErrInvalidTransition) {
		l.logger.Debug("delivery log transition skipped", fields...)
		return
	}
	l.metrics.DeliveryLogWriteFailed(op)
	l.logger.Warn("delivery log write failed", fields...)
}
