package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/znz-systems/mailslot/internal/billing"
	"github.com/znz-systems/mailslot/internal/blob"
	"github.com/znz-systems/mailslot/internal/models"
	"github.com/znz-systems/mailslot/internal/store"
	"go.uber.org/zap"
)

const EventNewsletterStored = "newsletter.stored"

type Decision string

const (
	DecisionStored    Decision = "stored"
	DecisionDuplicate Decision = "duplicate"
	DecisionPlanLimit Decision = "plan_limit"
)

type AdmissionRequest struct {
	AccountID         uuid.UUID
	Sender            models.Sender
	Folder            models.Folder
	Payload           Payload
	Source            models.NewsletterSource
	ExternalMessageID string
}

type AdmissionResult struct {
	Decision     Decision
	NewsletterID uuid.UUID
	HardCap      int64
	Private      bool
}

// StoredEvent is the outbox payload written for every newly stored message.
type StoredEvent struct {
	AccountID        uuid.UUID               `json:"accountId"`
	UserNewsletterID uuid.UUID               `json:"userNewsletterId"`
	SenderID         uuid.UUID               `json:"senderId"`
	FolderID         uuid.UUID               `json:"folderId"`
	SenderEmail      string                  `json:"senderEmail"`
	Subject          string                  `json:"subject"`
	ReceivedAt       time.Time               `json:"receivedAt"`
	Source           models.NewsletterSource `json:"source"`
}

// Admission decides whether a message is stored and stores it. The whole
// decision runs in one unit with the account row held, so concurrent
// deliveries for one account cannot both pass the duplicate or quota checks.
type Admission struct {
	tx                store.Transactor
	blobs             blob.Store
	plans             *billing.Plans
	privateDomains    []string
	outboxMaxAttempts int
	logger            *zap.Logger
}

type AdmissionOptions struct {
	// PrivateSenderDomains forces private storage for senders on these
	// domains or their subdomains.
	PrivateSenderDomains []string
	OutboxMaxAttempts    int
	Logger               *zap.Logger
}

func NewAdmission(tx store.Transactor, blobs blob.Store, plans *billing.Plans, opts AdmissionOptions) *Admission {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	domains := make([]string, 0, len(opts.PrivateSenderDomains))
	for _, d := range opts.PrivateSenderDomains {
		d = strings.Trim(strings.ToLower(strings.TrimSpace(d)), ".")
		if d != "" {
			domains = append(domains, d)
		}
	}
	return &Admission{
		tx:                tx,
		blobs:             blobs,
		plans:             plans,
		privateDomains:    domains,
		outboxMaxAttempts: opts.OutboxMaxAttempts,
		logger:            logger,
	}
}

func (a *Admission) Admit(ctx context.Context, req AdmissionRequest) (*AdmissionResult, error) {
	p := req.Payload
	fingerprint := Fingerprint(p.From, p.Subject, p.HTMLContent, p.TextContent)
	var result *AdmissionResult
	var privateKey string

	err := a.tx.WithTx(ctx, func(tx store.Tx) error {
		account, err := tx.LockAccount(ctx, req.AccountID)
		if err != nil {
			return stageError(CodePlanLookup, "lock account", err)
		}

		existing, err := tx.FindNewsletterByFingerprint(ctx, account.ID, fingerprint)
		if err != nil {
			return stageError(CodeStore, "check duplicate", err)
		}
		if existing != nil {
			result = &AdmissionResult{Decision: DecisionDuplicate, NewsletterID: existing.ID, Private: existing.IsPrivate}
			return nil
		}

		limits := a.plans.Limits(*account)
		if limits.Reached(account.StoredMessageCount) {
			a.logger.Info("plan limit reached, skipping message",
				zap.String("account_id", account.ID.String()),
				zap.String("plan", string(account.Plan)),
				zap.Int64("hard_cap", limits.HardCap),
				zap.Int64("stored", account.StoredMessageCount),
			)
			result = &AdmissionResult{Decision: DecisionPlanLimit, HardCap: limits.HardCap}
			return nil
		}

		newsletter := &models.UserNewsletter{
			ID:          uuid.New(),
			AccountID:   account.ID,
			SenderID:    req.Sender.ID,
			FolderID:    req.Folder.ID,
			Subject:     p.Subject,
			SenderEmail: req.Sender.Email,
			ReceivedAt:  p.ReceivedAt,
			Source:      req.Source,
			Fingerprint: fingerprint,
			IsPrivate:   a.isPrivate(*account, req.Sender.Email),
		}
		if p.SenderName != "" {
			name := p.SenderName
			newsletter.SenderName = &name
		}
		if req.ExternalMessageID != "" {
			id := req.ExternalMessageID
			newsletter.ExternalMessageID = &id
		}

		content := blob.Content{HTMLContent: p.HTMLContent, TextContent: p.TextContent}
		if newsletter.IsPrivate {
			key := blob.PrivateContentKey(account.ID)
			if _, err := blob.PutContent(ctx, a.blobs, key, content); err != nil {
				return stageError(CodeBlobWrite, "write private content", err)
			}
			privateKey = key
			newsletter.PrivateContentKey = &key
		} else {
			hash := ContentHash(p.HTMLContent, p.TextContent)
			record := &models.NewsletterContent{
				ContentHash: hash,
				BlobKey:     blob.SharedContentKey(hash),
				SizeBytes:   p.ContentSize(),
			}
			created, err := tx.GetOrCreateContent(ctx, record)
			if err != nil {
				return stageError(CodeStore, "record shared content", err)
			}
			if created {
				if _, err := blob.PutContent(ctx, a.blobs, record.BlobKey, content); err != nil {
					return stageError(CodeBlobWrite, "write shared content", err)
				}
			}
			newsletter.ContentID = &record.ID
		}

		if err := tx.InsertNewsletter(ctx, newsletter); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return err
			}
			return stageError(CodeStore, "insert message", err)
		}
		if err := tx.IncrementStoredCount(ctx, account.ID); err != nil {
			return stageError(CodeStore, "count stored message", err)
		}

		event, err := json.Marshal(StoredEvent{
			AccountID:        account.ID,
			UserNewsletterID: newsletter.ID,
			SenderID:         req.Sender.ID,
			FolderID:         req.Folder.ID,
			SenderEmail:      req.Sender.Email,
			Subject:          p.Subject,
			ReceivedAt:       p.ReceivedAt,
			Source:           req.Source,
		})
		if err != nil {
			return stageError(CodeStore, "encode outbox event", err)
		}
		if _, err := tx.EnqueueOutboxEvent(ctx, EventNewsletterStored, event, a.outboxMaxAttempts); err != nil {
			return stageError(CodeStore, "enqueue outbox event", err)
		}

		result = &AdmissionResult{Decision: DecisionStored, NewsletterID: newsletter.ID, Private: newsletter.IsPrivate}
		return nil
	})

	if err != nil && privateKey != "" {
		// The unit rolled back, so nothing references the private object.
		if delErr := a.blobs.Delete(context.WithoutCancel(ctx), privateKey); delErr != nil {
			a.logger.Warn("remove orphaned content", zap.String("key", privateKey), zap.Error(delErr))
		}
	}
	if errors.Is(err, store.ErrDuplicate) {
		return a.existing(ctx, req.AccountID, fingerprint)
	}
	if err != nil {
		return nil, stageError(CodeStore, "admit message", err)
	}
	return result, nil
}

// existing re-reads the message that won a concurrent insert.
func (a *Admission) existing(ctx context.Context, accountID uuid.UUID, fingerprint string) (*AdmissionResult, error) {
	var result *AdmissionResult
	err := a.tx.WithTx(ctx, func(tx store.Tx) error {
		n, err := tx.FindNewsletterByFingerprint(ctx, accountID, fingerprint)
		if err != nil {
			return err
		}
		if n == nil {
			return fmt.Errorf("message %s vanished after conflict", fingerprint)
		}
		result = &AdmissionResult{Decision: DecisionDuplicate, NewsletterID: n.ID, Private: n.IsPrivate}
		return nil
	})
	if err != nil {
		return nil, stageError(CodeStore, "read existing message", err)
	}
	return result, nil
}

func (a *Admission) isPrivate(account models.Account, senderEmail string) bool {
	if account.PrivateContent {
		return true
	}
	_, domain, ok := strings.Cut(senderEmail, "@")
	if !ok {
		return false
	}
	for _, d := range a.privateDomains {
		if domain == d || strings.HasSuffix(domain, "."+d) {
			return true
		}
	}
	return false
}
