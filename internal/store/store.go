package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/znz-systems/mailslot/internal/models"
)

// ErrDuplicate is returned when an insert hits a unique constraint that the
// caller is expected to resolve by re-reading the existing row.
var ErrDuplicate = errors.New("duplicate record")

// ErrInvalidTransition is returned when a guarded delivery log update matched
// no row, either because the entry does not exist or because it is already in
// a state that forbids the transition.
var ErrInvalidTransition = errors.New("invalid delivery log transition")

type DeliveryLogStore interface {
	// CreateDeliveryLog inserts entry unless one with the same MessageID exists.
	// entry.ID is set in both cases; created reports whether a row was written.
	CreateDeliveryLog(ctx context.Context, entry *models.DeliveryLogEntry) (created bool, err error)
	MarkDeliveryProcessing(ctx context.Context, id uuid.UUID, update models.ProcessingUpdate) error
	MarkDeliveryStored(ctx context.Context, id uuid.UUID, completedAt time.Time) error
	MarkDeliveryFailed(ctx context.Context, id uuid.UUID, completedAt time.Time, code, message string) error
	GetDeliveryLog(ctx context.Context, id uuid.UUID) (*models.DeliveryLogEntry, error)
	ListDeliveryLogs(ctx context.Context, filter models.DeliveryLogFilter) ([]models.DeliveryLogEntry, error)
	AcknowledgeDeliveryLog(ctx context.Context, id uuid.UUID) error
	// CountDeliveriesBetween counts entries created in [since, until]. Windows
	// use CreatedAt, the server clock, and never the relay-supplied ReceivedAt.
	CountDeliveriesBetween(ctx context.Context, since, until time.Time) (models.DeliveryCounts, error)
	HasAnyDeliveries(ctx context.Context) (bool, error)
}

type AccountStore interface {
	CreateAccount(ctx context.Context, account *models.Account) error
	GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error)
	// FindAccountsByAddress returns every account whose system address, or
	// custom alias on the pro plan, equals the lower-cased address.
	FindAccountsByAddress(ctx context.Context, address string) ([]models.Account, error)
}

type OutboxStore interface {
	// ClaimNextOutboxEvent claims the next due queued event. An event left in
	// processing for longer than lease is claimed again; lease <= 0 disables
	// reclaiming.
	ClaimNextOutboxEvent(ctx context.Context, lease time.Duration) (*models.OutboxEvent, error)
	MarkOutboxEventDone(ctx context.Context, id int64) error
	MarkOutboxEventRetry(ctx context.Context, id int64, nextAvailableAt time.Time, lastError string) error
	MarkOutboxEventFailed(ctx context.Context, id int64, lastError string) error
}

// Tx is the set of writes that must happen inside one atomic unit.
type Tx interface {
	UpsertSender(ctx context.Context, email, name string) (*models.Sender, error)
	// UpsertFolder returns the folder for (accountID, senderID), creating it
	// with name when missing. created reports whether this call inserted it.
	UpsertFolder(ctx context.Context, accountID, senderID uuid.UUID, name string) (folder *models.Folder, created bool, err error)
	IncrementSenderSubscribers(ctx context.Context, senderID uuid.UUID) error

	// LockAccount reads the account and holds it until the unit ends.
	LockAccount(ctx context.Context, accountID uuid.UUID) (*models.Account, error)
	// FindNewsletterByFingerprint returns nil, nil when nothing matches.
	FindNewsletterByFingerprint(ctx context.Context, accountID uuid.UUID, fingerprint string) (*models.UserNewsletter, error)
	GetOrCreateContent(ctx context.Context, content *models.NewsletterContent) (created bool, err error)
	InsertNewsletter(ctx context.Context, newsletter *models.UserNewsletter) error
	IncrementStoredCount(ctx context.Context, accountID uuid.UUID) error
	EnqueueOutboxEvent(ctx context.Context, kind string, payload []byte, maxAttempts int) (*models.OutboxEvent, error)
}

// Transactor runs fn inside a single atomic unit. The unit commits when fn
// returns nil and rolls back otherwise.
type Transactor interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}
