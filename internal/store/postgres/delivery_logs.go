package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/znz-systems/mailslot/internal/models"
	"github.com/znz-systems/mailslot/internal/store"
)

const deliveryLogColumns = `id, message_id, recipient_email, sender_email, sender_name, subject, status,
	received_at, processing_started_at, completed_at, error_message, error_code,
	content_size_bytes, has_html_content, has_plain_text_content, is_acknowledged,
	account_id, created_at`

type DeliveryLogStore struct {
	db *sql.DB
}

func NewDeliveryLogStore(db *sql.DB) *DeliveryLogStore {
	return &DeliveryLogStore{db: db}
}

func (s *DeliveryLogStore) CreateDeliveryLog(ctx context.Context, entry *models.DeliveryLogEntry) (bool, error) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Status == "" {
		entry.Status = models.DeliveryReceived
	}

	err := s.db.QueryRowContext(ctx,
		`INSERT INTO delivery_logs (id, message_id, recipient_email, sender_email, sender_name, subject, status, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (message_id) DO NOTHING
		 RETURNING created_at`,
		entry.ID, entry.MessageID, entry.RecipientEmail, entry.SenderEmail, entry.SenderName,
		entry.Subject, entry.Status, entry.ReceivedAt,
	).Scan(&entry.CreatedAt)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}

	existing, err := scanDeliveryLog(s.db.QueryRowContext(ctx,
		`SELECT `+deliveryLogColumns+` FROM delivery_logs WHERE message_id = $1`,
		entry.MessageID,
	))
	if err != nil {
		return false, err
	}
	*entry = *existing
	return false, nil
}

func (s *DeliveryLogStore) MarkDeliveryProcessing(ctx context.Context, id uuid.UUID, update models.ProcessingUpdate) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE delivery_logs
		 SET status = 'processing',
		     processing_started_at = $2,
		     account_id = $3,
		     content_size_bytes = $4,
		     has_html_content = $5,
		     has_plain_text_content = $6
		 WHERE id = $1 AND status = 'received'`,
		id, update.StartedAt, update.AccountID, update.ContentSizeBytes,
		update.HasHTMLContent, update.HasPlainTextContent,
	)
	return requireOneRow(res, err)
}

func (s *DeliveryLogStore) MarkDeliveryStored(ctx context.Context, id uuid.UUID, completedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE delivery_logs
		 SET status = 'stored',
		     completed_at = $2
		 WHERE id = $1 AND status IN ('received', 'processing')`,
		id, completedAt,
	)
	return requireOneRow(res, err)
}

func (s *DeliveryLogStore) MarkDeliveryFailed(ctx context.Context, id uuid.UUID, completedAt time.Time, code, message string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE delivery_logs
		 SET status = 'failed',
		     completed_at = $2,
		     error_code = $3,
		     error_message = $4
		 WHERE id = $1 AND status IN ('received', 'processing')`,
		id, completedAt, code, message,
	)
	return requireOneRow(res, err)
}

func (s *DeliveryLogStore) GetDeliveryLog(ctx context.Context, id uuid.UUID) (*models.DeliveryLogEntry, error) {
	return scanDeliveryLog(s.db.QueryRowContext(ctx,
		`SELECT `+deliveryLogColumns+` FROM delivery_logs WHERE id = $1`,
		id,
	))
}

func (s *DeliveryLogStore) ListDeliveryLogs(ctx context.Context, filter models.DeliveryLogFilter) ([]models.DeliveryLogEntry, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	var sb strings.Builder
	sb.WriteString(`SELECT ` + deliveryLogColumns + ` FROM delivery_logs WHERE 1=1`)
	args := make([]interface{}, 0, 4)
	if filter.Status != "" {
		args = append(args, filter.Status)
		sb.WriteString(` AND status = $` + itoa(len(args)))
	}
	if filter.UnacknowledgedOnly {
		sb.WriteString(` AND is_acknowledged = FALSE`)
	}
	args = append(args, limit)
	sb.WriteString(` ORDER BY received_at DESC, id DESC LIMIT $` + itoa(len(args)))
	args = append(args, offset)
	sb.WriteString(` OFFSET $` + itoa(len(args)))

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]models.DeliveryLogEntry, 0, limit)
	for rows.Next() {
		entry, err := scanDeliveryLog(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

func (s *DeliveryLogStore) AcknowledgeDeliveryLog(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE delivery_logs SET is_acknowledged = TRUE WHERE id = $1 AND status = 'failed'`,
		id,
	)
	return requireOneRow(res, err)
}

func (s *DeliveryLogStore) CountDeliveriesBetween(ctx context.Context, since, until time.Time) (models.DeliveryCounts, error) {
	var counts models.DeliveryCounts
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE status = 'received'),
		        COUNT(*) FILTER (WHERE status = 'processing'),
		        COUNT(*) FILTER (WHERE status = 'stored'),
		        COUNT(*) FILTER (WHERE status = 'failed')
		 FROM delivery_logs
		 WHERE created_at >= $1 AND created_at <= $2`,
		since, until,
	).Scan(&counts.Total, &counts.Received, &counts.Processing, &counts.Stored, &counts.Failed)
	return counts, err
}

func (s *DeliveryLogStore) HasAnyDeliveries(ctx context.Context) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM delivery_logs)`).Scan(&exists)
	return exists, err
}

func scanDeliveryLog(scanner rowScanner) (*models.DeliveryLogEntry, error) {
	var e models.DeliveryLogEntry
	if err := scanner.Scan(
		&e.ID, &e.MessageID, &e.RecipientEmail, &e.SenderEmail, &e.SenderName, &e.Subject, &e.Status,
		&e.ReceivedAt, &e.ProcessingStartedAt, &e.CompletedAt, &e.ErrorMessage, &e.ErrorCode,
		&e.ContentSizeBytes, &e.HasHTMLContent, &e.HasPlainTextContent, &e.IsAcknowledged,
		&e.AccountID, &e.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &e, nil
}

// requireOneRow maps a guarded UPDATE that touched nothing to
// store.ErrInvalidTransition.
func requireOneRow(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrInvalidTransition
	}
	return nil
}
