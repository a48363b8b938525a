package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/znz-systems/mailslot/internal/billing"
	"github.com/znz-systems/mailslot/internal/blob"
	"github.com/znz-systems/mailslot/internal/metrics"
	"github.com/znz-systems/mailslot/internal/models"
	"github.com/znz-systems/mailslot/internal/store"
	"go.uber.org/zap"
)

type Deps struct {
	Deliveries store.DeliveryLogStore
	Accounts   store.AccountStore
	Tx         store.Transactor
	Blobs      blob.Store
	Plans      *billing.Plans
}

type Options struct {
	Logger               *zap.Logger
	Metrics              *metrics.Metrics
	Now                  func() time.Time
	PrivateSenderDomains []string
	OutboxMaxAttempts    int
}

// Outcome describes a finished ingest. DeliveryLogID is uuid.Nil when the
// delivery log could not be written.
type Outcome struct {
	DeliveryLogID uuid.UUID
	AccountID     uuid.UUID
	NewsletterID  uuid.UUID
	SenderID      uuid.UUID
	FolderID      uuid.UUID
	Source        models.NewsletterSource
	Skipped       bool
	Reason        Decision
	HardCap       int64
}

// Service runs validated payloads through recipient resolution, sender and
// folder resolution and admission, recording each step in the delivery log.
type Service struct {
	log        *DeliveryLog
	recipients *RecipientResolver
	senders    *SenderFolderResolver
	admission  *Admission
	logger     *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

func NewService(deps Deps, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		log:        NewDeliveryLog(deps.Deliveries, logger, opts.Metrics, now),
		recipients: NewRecipientResolver(deps.Accounts),
		senders:    NewSenderFolderResolver(deps.Tx),
		admission: NewAdmission(deps.Tx, deps.Blobs, deps.Plans, AdmissionOptions{
			PrivateSenderDomains: opts.PrivateSenderDomains,
			OutboxMaxAttempts:    opts.OutboxMaxAttempts,
			Logger:               logger,
		}),
		logger:  logger,
		metrics: opts.Metrics,
		now:     now,
	}
}

// Ingest never returns a nil Outcome. On error the Outcome carries whatever
// was resolved before the failure.
func (s *Service) Ingest(ctx context.Context, p Payload, source models.NewsletterSource) (*Outcome, error) {
	started := s.now()
	out := &Outcome{Source: source}

	messageID := p.MessageID
	if messageID == "" {
		messageID = DeliveryMessageID(p)
	}
	logger := s.logger.With(
		zap.String("message_id", messageID),
		zap.String("source", string(source)),
		zap.String("to", NormalizeEmail(p.To)),
		zap.String("from", NormalizeEmail(p.From)),
	)

	out.DeliveryLogID, _ = s.log.Received(ctx, messageID, p)

	account, err := s.recipients.Resolve(ctx, p.To)
	if err != nil {
		s.fail(ctx, logger, out, err)
		s.observe(source, ErrorCode(err), started)
		return out, err
	}
	out.AccountID = account.ID
	s.log.Processing(ctx, out.DeliveryLogID, account.ID, p)

	res, err := s.senders.Resolve(ctx, account.ID, p.From, p.SenderName)
	if err != nil {
		s.fail(ctx, logger, out, err)
		s.observe(source, ErrorCode(err), started)
		return out, err
	}
	out.SenderID = res.Sender.ID
	out.FolderID = res.Folder.ID

	admitted, err := s.admission.Admit(ctx, AdmissionRequest{
		AccountID:         account.ID,
		Sender:            res.Sender,
		Folder:            res.Folder,
		Payload:           p,
		Source:            source,
		ExternalMessageID: p.MessageID,
	})
	if err != nil {
		s.fail(ctx, logger, out, err)
		s.observe(source, ErrorCode(err), started)
		return out, err
	}

	switch admitted.Decision {
	case DecisionStored:
		out.NewsletterID = admitted.NewsletterID
		s.log.Stored(ctx, out.DeliveryLogID, admitted.NewsletterID)
		logger.Info("newsletter stored",
			zap.String("account_id", account.ID.String()),
			zap.String("user_newsletter_id", admitted.NewsletterID.String()),
			zap.Bool("private", admitted.Private),
		)
	case DecisionDuplicate:
		out.NewsletterID = admitted.NewsletterID
		out.Skipped = true
		out.Reason = DecisionDuplicate
		logger.Info("duplicate newsletter skipped",
			zap.String("account_id", account.ID.String()),
			zap.String("user_newsletter_id", admitted.NewsletterID.String()),
		)
	case DecisionPlanLimit:
		out.Skipped = true
		out.Reason = DecisionPlanLimit
		out.HardCap = admitted.HardCap
		s.log.Failed(ctx, out.DeliveryLogID, CodePlanLimitReached, "plan storage limit reached")
	}
	s.observe(source, string(admitted.Decision), started)
	return out, nil
}

func (s *Service) fail(ctx context.Context, logger *zap.Logger, out *Outcome, err error) {
	code := ErrorCode(err)
	s.log.Failed(context.WithoutCancel(ctx), out.DeliveryLogID, code, err.Error())

	switch {
	case errors.Is(err, ErrUnknownRecipient):
		logger.Info("unknown recipient")
	case errors.Is(err, ErrAmbiguousRecipient):
		logger.Error("recipient resolved to more than one account", zap.Error(err))
	default:
		logger.Error("ingest failed", zap.String("code", code), zap.Error(err))
	}
}

func (s *Service) observe(source models.NewsletterSource, outcome string, started time.Time) {
	s.metrics.ObserveIngest(string(source), outcome, s.now().Sub(started))
}
