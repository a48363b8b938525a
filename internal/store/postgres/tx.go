package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/znz-systems/mailslot/internal/models"
	"github.com/znz-systems/mailslot/internal/store"
)

type Transactor struct {
	db *sql.DB
}

func NewTransactor(db *sql.DB) *Transactor {
	return &Transactor{db: db}
}

func (t *Transactor) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	sqlTx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type txStore struct {
	tx *sql.Tx
}

func (s *txStore) UpsertSender(ctx context.Context, email, name string) (*models.Sender, error) {
	sender := &models.Sender{}
	err := s.tx.QueryRowContext(ctx,
		`INSERT INTO senders (id, email, name)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (email) DO UPDATE
		 SET name = CASE WHEN EXCLUDED.name <> '' THEN EXCLUDED.name ELSE senders.name END,
		     updated_at = NOW()
		 RETURNING id, email, name, subscriber_count, created_at, updated_at`,
		uuid.New(), email, name,
	).Scan(&sender.ID, &sender.Email, &sender.Name, &sender.SubscriberCount, &sender.CreatedAt, &sender.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return sender, nil
}

func (s *txStore) UpsertFolder(ctx context.Context, accountID, senderID uuid.UUID, name string) (*models.Folder, bool, error) {
	folder := &models.Folder{}
	var created bool
	// The no-op update makes RETURNING yield the existing row on conflict;
	// xmax is zero only for a freshly inserted tuple.
	err := s.tx.QueryRowContext(ctx,
		`INSERT INTO folders (id, account_id, sender_id, name)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (account_id, sender_id) DO UPDATE
		 SET account_id = EXCLUDED.account_id
		 RETURNING id, account_id, sender_id, name, created_at, (xmax = 0)`,
		uuid.New(), accountID, senderID, name,
	).Scan(&folder.ID, &folder.AccountID, &folder.SenderID, &folder.Name, &folder.CreatedAt, &created)
	if err != nil {
		return nil, false, err
	}
	return folder, created, nil
}

func (s *txStore) IncrementSenderSubscribers(ctx context.Context, senderID uuid.UUID) error {
	_, err := s.tx.ExecContext(ctx,
		`UPDATE senders SET subscriber_count = subscriber_count + 1, updated_at = NOW() WHERE id = $1`,
		senderID,
	)
	return err
}

func (s *txStore) LockAccount(ctx context.Context, accountID uuid.UUID) (*models.Account, error) {
	return scanAccount(s.tx.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`,
		accountID,
	))
}

func (s *txStore) FindNewsletterByFingerprint(ctx context.Context, accountID uuid.UUID, fingerprint string) (*models.UserNewsletter, error) {
	n := &models.UserNewsletter{}
	err := s.tx.QueryRowContext(ctx,
		`SELECT id, account_id, sender_id, folder_id, subject, sender_email, sender_name, received_at,
		        source, fingerprint, external_message_id, is_private, private_content_key, content_id, created_at
		 FROM user_newsletters
		 WHERE account_id = $1 AND fingerprint = $2`,
		accountID, fingerprint,
	).Scan(
		&n.ID, &n.AccountID, &n.SenderID, &n.FolderID, &n.Subject, &n.SenderEmail, &n.SenderName, &n.ReceivedAt,
		&n.Source, &n.Fingerprint, &n.ExternalMessageID, &n.IsPrivate, &n.PrivateContentKey, &n.ContentID, &n.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (s *txStore) GetOrCreateContent(ctx context.Context, content *models.NewsletterContent) (bool, error) {
	if content.ID == uuid.Nil {
		content.ID = uuid.New()
	}
	var created bool
	err := s.tx.QueryRowContext(ctx,
		`INSERT INTO newsletter_contents (id, content_hash, blob_key, size_bytes, reader_count)
		 VALUES ($1, $2, $3, $4, 1)
		 ON CONFLICT (content_hash) DO UPDATE
		 SET reader_count = newsletter_contents.reader_count + 1
		 RETURNING id, blob_key, size_bytes, reader_count, created_at, (xmax = 0)`,
		content.ID, content.ContentHash, content.BlobKey, content.SizeBytes,
	).Scan(&content.ID, &content.BlobKey, &content.SizeBytes, &content.ReaderCount, &content.CreatedAt, &created)
	if err != nil {
		return false, err
	}
	return created, nil
}

func (s *txStore) InsertNewsletter(ctx context.Context, n *models.UserNewsletter) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	err := s.tx.QueryRowContext(ctx,
		`INSERT INTO user_newsletters (id, account_id, sender_id, folder_id, subject, sender_email, sender_name,
		        received_at, source, fingerprint, external_message_id, is_private, private_content_key, content_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (account_id, fingerprint) DO NOTHING
		 RETURNING created_at`,
		n.ID, n.AccountID, n.SenderID, n.FolderID, n.Subject, n.SenderEmail, n.SenderName,
		n.ReceivedAt, n.Source, n.Fingerprint, n.ExternalMessageID, n.IsPrivate, n.PrivateContentKey, n.ContentID,
	).Scan(&n.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrDuplicate
	}
	return err
}

func (s *txStore) IncrementStoredCount(ctx context.Context, accountID uuid.UUID) error {
	_, err := s.tx.ExecContext(ctx,
		`UPDATE accounts SET stored_message_count = stored_message_count + 1, updated_at = NOW() WHERE id = $1`,
		accountID,
	)
	return err
}

func (s *txStore) EnqueueOutboxEvent(ctx context.Context, kind string, payload []byte, maxAttempts int) (*models.OutboxEvent, error) {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return scanOutboxEvent(s.tx.QueryRowContext(ctx,
		`INSERT INTO outbox_events (kind, payload, max_attempts)
		 VALUES ($1, $2, $3)
		 RETURNING `+outboxColumns,
		kind, payload, maxAttempts,
	))
}
