package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/znz-systems/mailslot/internal/models"
)

const outboxColumns = `id, kind, payload, status, attempts, max_attempts, available_at, locked_at, last_error, created_at, updated_at, done_at`

type OutboxStore struct {
	db *sql.DB
}

func NewOutboxStore(db *sql.DB) *OutboxStore {
	return &OutboxStore{db: db}
}

func (s *OutboxStore) ClaimNextOutboxEvent(ctx context.Context, lease time.Duration) (*models.OutboxEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	event, err := scanOutboxEvent(tx.QueryRowContext(ctx,
		`WITH next_event AS (
			SELECT id
			FROM outbox_events
			WHERE (status = 'queued' AND available_at <= NOW())
			   OR ($1::float8 > 0
			       AND status = 'processing'
			       AND locked_at < NOW() - $1::float8 * INTERVAL '1 second')
			ORDER BY available_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_events e
		SET status = 'processing',
			attempts = e.attempts + 1,
			locked_at = NOW(),
			updated_at = NOW()
		FROM next_event
		WHERE e.id = next_event.id
		RETURNING e.id, e.kind, e.payload, e.status, e.attempts, e.max_attempts, e.available_at, e.locked_at, e.last_error, e.created_at, e.updated_at, e.done_at`,
		lease.Seconds(),
	))
	if err != nil {
		if err == sql.ErrNoRows {
			if commitErr := tx.Commit(); commitErr != nil {
				return nil, commitErr
			}
			return nil, nil
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return event, nil
}

func (s *OutboxStore) MarkOutboxEventDone(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox_events
		 SET status = 'done',
		     last_error = '',
		     done_at = NOW(),
		     locked_at = NULL,
		     updated_at = NOW()
		 WHERE id = $1`,
		id,
	)
	return err
}

func (s *OutboxStore) MarkOutboxEventRetry(ctx context.Context, id int64, nextAvailableAt time.Time, lastError string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox_events
		 SET status = 'queued',
		     available_at = $2,
		     last_error = $3,
		     locked_at = NULL,
		     updated_at = NOW()
		 WHERE id = $1`,
		id, nextAvailableAt, lastError,
	)
	return err
}

func (s *OutboxStore) MarkOutboxEventFailed(ctx context.Context, id int64, lastError string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox_events
		 SET status = 'failed',
		     last_error = $2,
		     done_at = NOW(),
		     locked_at = NULL,
		     updated_at = NOW()
		 WHERE id = $1`,
		id, lastError,
	)
	return err
}

func scanOutboxEvent(scanner rowScanner) (*models.OutboxEvent, error) {
	var e models.OutboxEvent
	var payload []byte
	if err := scanner.Scan(
		&e.ID, &e.Kind, &payload, &e.Status, &e.Attempts, &e.MaxAttempts,
		&e.AvailableAt, &e.LockedAt, &e.LastError, &e.CreatedAt, &e.UpdatedAt, &e.DoneAt,
	); err != nil {
		return nil, err
	}
	e.Payload = payload
	return &e, nil
}
