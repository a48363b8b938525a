package smtpingress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/znz-systems/mailslot/internal/ingest"
	"github.com/znz-systems/mailslot/internal/models"
	"go.uber.org/zap"
)

// Ingester runs a validated payload through the pipeline.
type Ingester interface {
	Ingest(ctx context.Context, p ingest.Payload, source models.NewsletterSource) (*ingest.Outcome, error)
}

// Recipients resolves an envelope recipient to its account.
type Recipients interface {
	Resolve(ctx context.Context, to string) (*models.Account, error)
}

type Options struct {
	Addr            string
	Domain          string
	MaxMessageBytes int64
	MaxRecipients   int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	Logger          *zap.Logger
	Now             func() time.Time
}

// Server accepts newsletters over SMTP and feeds each recipient's copy into
// the same pipeline as the HTTP relay.
type Server struct {
	smtpServer *smtp.Server
	ingester   Ingester
	recipients Recipients
	logger     *zap.Logger
	now        func() time.Time
	maxBytes   int64
}

var (
	errNoSuchRecipient = &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 1, 1},
		Message:      "no such recipient",
	}
	errTemporary = &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "temporary failure, try again later",
	}
	errNoRecipients = &smtp.SMTPError{
		Code:         554,
		EnhancedCode: smtp.EnhancedCode{5, 5, 1},
		Message:      "no valid recipients",
	}
)

func invalidContent(msg string) *smtp.SMTPError {
	return &smtp.SMTPError{
		Code:         554,
		EnhancedCode: smtp.EnhancedCode{5, 6, 0},
		Message:      msg,
	}
}

func NewServer(ingester Ingester, recipients Recipients, opts Options) *Server {
	if opts.Domain == "" {
		opts.Domain = "localhost"
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 12 * 1024 * 1024
	}
	if opts.MaxRecipients <= 0 {
		opts.MaxRecipients = 50
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 30 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Server{
		ingester:   ingester,
		recipients: recipients,
		logger:     opts.Logger,
		now:        opts.Now,
		maxBytes:   opts.MaxMessageBytes,
	}

	smtpSrv := smtp.NewServer(s)
	smtpSrv.Addr = opts.Addr
	smtpSrv.Domain = opts.Domain
	smtpSrv.ReadTimeout = opts.ReadTimeout
	smtpSrv.WriteTimeout = opts.WriteTimeout
	smtpSrv.MaxMessageBytes = opts.MaxMessageBytes
	smtpSrv.MaxRecipients = opts.MaxRecipients

	s.smtpServer = smtpSrv
	return s
}

// ListenAndServe blocks until the server is shut down. It returns nil after
// Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("inbound SMTP server starting", zap.String("addr", s.smtpServer.Addr))
	err := s.smtpServer.ListenAndServe()
	if errors.Is(err, smtp.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.smtpServer.Shutdown(ctx); err != nil && !errors.Is(err, smtp.ErrServerClosed) {
		return err
	}
	return nil
}

// NewSession implements smtp.Backend.
func (s *Server) NewSession(c *smtp.Conn) (smtp.Session, error) {
	remote := ""
	if c != nil && c.Conn() != nil {
		remote = c.Conn().RemoteAddr().String()
	}
	return &session{server: s, logger: s.logger.With(zap.String("remote_addr", remote))}, nil
}

type session struct {
	server *Server
	logger *zap.Logger
	from   string
	to     []string
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	s.from = strings.TrimSpace(from)
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	addr := ingest.NormalizeEmail(to)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := s.server.recipients.Resolve(ctx, addr); err != nil {
		if errors.Is(err, ingest.ErrUnknownRecipient) {
			s.logger.Info("inbound email to unknown address", zap.String("to", addr))
			return errNoSuchRecipient
		}
		s.logger.Error("resolve smtp recipient", zap.String("to", addr), zap.Error(err))
		return errTemporary
	}

	for _, existing := range s.to {
		if existing == addr {
			return nil
		}
	}
	s.to = append(s.to, addr)
	return nil
}

func (s *session) Data(r io.Reader) error {
	if len(s.to) == 0 {
		return errNoRecipients
	}

	raw, err := io.ReadAll(io.LimitReader(r, s.server.maxBytes+1))
	if err != nil {
		return err
	}
	if int64(len(raw)) > s.server.maxBytes {
		return smtp.ErrDataTooLarge
	}

	msg, err := ParseMessage(raw, s.from)
	if err != nil {
		s.logger.Warn("unparseable inbound email", zap.String("from", s.from), zap.Error(err))
		return invalidContent("message could not be parsed")
	}

	receivedAt := s.server.now()
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	var temporary bool
	for _, to := range s.to {
		result := ingest.Validate(msg.RawPayload(to, receivedAt))
		payload, ok := result.Valid()
		if !ok {
			errs := result.Errors()
			s.logger.Info("inbound email failed validation",
				zap.String("from", msg.From),
				zap.String("to", to),
				zap.Int("errors", len(errs)),
			)
			return invalidContent(fmt.Sprintf("invalid message: %s", errs[0]))
		}

		out, err := s.server.ingester.Ingest(ctx, payload, models.SourceSMTP)
		if err != nil {
			if errors.Is(err, ingest.ErrUnknownRecipient) {
				continue
			}
			temporary = true
			continue
		}
		s.logger.Info("inbound email processed",
			zap.String("from", msg.From),
			zap.String("to", to),
			zap.Bool("skipped", out.Skipped),
			zap.String("reason", string(out.Reason)),
		)
	}

	// Stored copies are deduplicated on retry, so asking the client to
	// resend everything is safe.
	if temporary {
		return errTemporary
	}
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error {
	return nil
}
