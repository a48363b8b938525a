package smtpingress

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/znz-systems/mailslot/internal/billing"
	"github.com/znz-systems/mailslot/internal/blob"
	"github.com/znz-systems/mailslot/internal/ingest"
	"github.com/znz-systems/mailslot/internal/models"
	"github.com/znz-systems/mailslot/internal/store/memory"
)

type stubRecipients struct {
	err error
}

func (r stubRecipients) Resolve(context.Context, string) (*models.Account, error) {
	if r.err != nil {
		return nil, r.err
	}
	return &models.Account{}, nil
}

type stubIngester struct {
	payloads []ingest.Payload
	err      error
}

func (i *stubIngester) Ingest(_ context.Context, p ingest.Payload, source models.NewsletterSource) (*ingest.Outcome, error) {
	i.payloads = append(i.payloads, p)
	return &ingest.Outcome{Source: source}, i.err
}

func newSession(ing Ingester, rcpt Recipients) *session {
	srv := NewServer(ing, rcpt, Options{Now: func() time.Time {
		return time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	}})
	sess, _ := srv.NewSession(nil)
	return sess.(*session)
}

func smtpCode(t *testing.T, err error) int {
	t.Helper()
	var smtpErr *smtp.SMTPError
	require.True(t, errors.As(err, &smtpErr), "expected SMTP error, got %v", err)
	return smtpErr.Code
}

func TestSessionRcpt_UnknownRecipient(t *testing.T) {
	s := newSession(&stubIngester{}, stubRecipients{err: ingest.ErrUnknownRecipient})
	err := s.Rcpt("nobody@inbox.mailslot.test", nil)
	assert.Equal(t, 550, smtpCode(t, err))
	assert.Empty(t, s.to)
}

func TestSessionRcpt_LookupFailureIsTemporary(t *testing.T) {
	s := newSession(&stubIngester{}, stubRecipients{err: errors.New("db down")})
	err := s.Rcpt("reader@inbox.mailslot.test", nil)
	assert.Equal(t, 451, smtpCode(t, err))
}

func TestSessionRcpt_Deduplicates(t *testing.T) {
	s := newSession(&stubIngester{}, stubRecipients{})
	require.NoError(t, s.Rcpt("Reader@Inbox.Mailslot.Test", nil))
	require.NoError(t, s.Rcpt("reader@inbox.mailslot.test", nil))
	assert.Equal(t, []string{"reader@inbox.mailslot.test"}, s.to)
}

func TestSessionData_IngestsEachRecipient(t *testing.T) {
	ing := &stubIngester{}
	s := newSession(ing, stubRecipients{})
	require.NoError(t, s.Mail("bounce@example.com", nil))
	require.NoError(t, s.Rcpt("a@inbox.mailslot.test", nil))
	require.NoError(t, s.Rcpt("b@inbox.mailslot.test", nil))

	require.NoError(t, s.Data(strings.NewReader(multipartMessage)))
	require.Len(t, ing.payloads, 2)
	assert.Equal(t, "a@inbox.mailslot.test", ing.payloads[0].To)
	assert.Equal(t, "b@inbox.mailslot.test", ing.payloads[1].To)
	assert.NotEqual(t, ing.payloads[0].MessageID, ing.payloads[1].MessageID)
	assert.Equal(t, int64(1777622400000), ing.payloads[0].ReceivedAtMillis)
}

func TestSessionData_InvalidMessage(t *testing.T) {
	ing := &stubIngester{}
	s := newSession(ing, stubRecipients{})
	require.NoError(t, s.Rcpt("a@inbox.mailslot.test", nil))

	err := s.Data(strings.NewReader("From: news@example.com\r\n\r\nno subject"))
	assert.Equal(t, 554, smtpCode(t, err))
	assert.Empty(t, ing.payloads)
}

func TestSessionData_PipelineFailureIsTemporary(t *testing.T) {
	ing := &stubIngester{err: errors.New("blob store unavailable")}
	s := newSession(ing, stubRecipients{})
	require.NoError(t, s.Rcpt("a@inbox.mailslot.test", nil))

	err := s.Data(strings.NewReader(multipartMessage))
	assert.Equal(t, 451, smtpCode(t, err))
}

func TestSessionData_WithoutRecipients(t *testing.T) {
	s := newSession(&stubIngester{}, stubRecipients{})
	err := s.Data(strings.NewReader(multipartMessage))
	assert.Equal(t, 554, smtpCode(t, err))
}

func TestServer_EndToEnd(t *testing.T) {
	st := memory.New()
	account := models.Account{InboundAddress: "reader@inbox.mailslot.test", Plan: models.PlanFree}
	require.NoError(t, st.CreateAccount(context.Background(), &account))

	svc := ingest.NewService(ingest.Deps{
		Deliveries: st,
		Accounts:   st,
		Tx:         st,
		Blobs:      blob.NewMemoryStore(),
		Plans:      billing.NewPlans(100, 0),
	}, ingest.Options{})
	srv := NewServer(svc, ingest.NewRecipientResolver(st), Options{Domain: "inbox.mailslot.test"})

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.smtpServer.Serve(l) }()
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	c, err := smtp.Dial(l.Addr().String())
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Mail("bounce@example.com", nil))
	err = c.Rcpt("stranger@inbox.mailslot.test", nil)
	assert.Equal(t, 550, smtpCode(t, err))
	require.NoError(t, c.Rcpt("reader@inbox.mailslot.test", nil))

	w, err := c.Data()
	require.NoError(t, err)
	_, err = w.Write([]byte(multipartMessage))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, c.Quit())

	stored := st.Newsletters(account.ID)
	require.Len(t, stored, 1)
	assert.Equal(t, "Weekly digest", stored[0].Subject)
	assert.Equal(t, models.SourceSMTP, stored[0].Source)
	require.NotNil(t, stored[0].ExternalMessageID)
	assert.Equal(t, "abc-123@example.com/reader@inbox.mailslot.test", *stored[0].ExternalMessageID)
}
