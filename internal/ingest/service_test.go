package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/znz-systems/mailslot/internal/billing"
	"github.com/znz-systems/mailslot/internal/blob"
	"github.com/znz-systems/mailslot/internal/models"
	"github.com/znz-systems/mailslot/internal/store/memory"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fixture struct {
	store   *memory.Store
	blobs   *blob.MemoryStore
	service *Service
	account models.Account
}

func newFixture(t *testing.T, freeCap int64, opts ...func(*Options)) *fixture {
	t.Helper()
	st := memory.New()
	blobs := blob.NewMemoryStore()

	account := models.Account{InboundAddress: "Reader@Inbox.Mailslot.Test", Plan: models.PlanFree}
	require.NoError(t, st.CreateAccount(context.Background(), &account))

	o := Options{}
	for _, fn := range opts {
		fn(&o)
	}
	svc := NewService(Deps{
		Deliveries: st,
		Accounts:   st,
		Tx:         st,
		Blobs:      blobs,
		Plans:      billing.NewPlans(freeCap, 0),
	}, o)
	return &fixture{store: st, blobs: blobs, service: svc, account: account}
}

func payload(subject string) Payload {
	p, ok := Validate(RawPayload{
		"to":          "reader@inbox.mailslot.test",
		"from":        "News@Example.com",
		"senderName":  "Example News",
		"subject":     subject,
		"receivedAt":  float64(1_700_000_000_000),
		"htmlContent": "<p>" + subject + "</p>",
		"textContent": subject,
	}).Valid()
	if !ok {
		panic("invalid test payload")
	}
	return p
}

func (f *fixture) delivery(t *testing.T, id uuid.UUID) *models.DeliveryLogEntry {
	t.Helper()
	entry, err := f.store.GetDeliveryLog(context.Background(), id)
	require.NoError(t, err)
	return entry
}

func TestIngest_StoresNewMessage(t *testing.T) {
	f := newFixture(t, 10)

	out, err := f.service.Ingest(context.Background(), payload("Issue 1"), models.SourceEmail)
	require.NoError(t, err)
	assert.False(t, out.Skipped)
	assert.Equal(t, f.account.ID, out.AccountID)
	assert.NotEqual(t, uuid.Nil, out.NewsletterID)
	assert.NotEqual(t, uuid.Nil, out.SenderID)
	assert.NotEqual(t, uuid.Nil, out.FolderID)

	entry := f.delivery(t, out.DeliveryLogID)
	assert.Equal(t, models.DeliveryStored, entry.Status)
	require.NotNil(t, entry.AccountID)
	assert.Equal(t, f.account.ID, *entry.AccountID)
	assert.NotNil(t, entry.ProcessingStartedAt)
	assert.NotNil(t, entry.CompletedAt)
	require.NotNil(t, entry.HasHTMLContent)
	assert.True(t, *entry.HasHTMLContent)
	assert.Equal(t, "news@example.com", entry.SenderEmail)

	sender, ok := f.store.Sender("news@example.com")
	require.True(t, ok)
	assert.Equal(t, "Example News", sender.Name)
	assert.Equal(t, int64(1), sender.SubscriberCount)

	folders := f.store.Folders(f.account.ID)
	require.Len(t, folders, 1)
	assert.Equal(t, "Example News", folders[0].Name)

	account, err := f.store.GetAccount(context.Background(), f.account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), account.StoredMessageCount)

	events := f.store.OutboxEvents()
	require.Len(t, events, 1)
	assert.Equal(t, EventNewsletterStored, events[0].Kind)
	var ev StoredEvent
	require.NoError(t, json.Unmarshal(events[0].Payload, &ev))
	assert.Equal(t, out.NewsletterID, ev.UserNewsletterID)
	assert.Equal(t, models.SourceEmail, ev.Source)
}

func TestIngest_SharedContentIsDeduplicatedAcrossAccounts(t *testing.T) {
	f := newFixture(t, 10)
	other := models.Account{InboundAddress: "second@inbox.mailslot.test"}
	require.NoError(t, f.store.CreateAccount(context.Background(), &other))

	p := payload("Same body")
	_, err := f.service.Ingest(context.Background(), p, models.SourceEmail)
	require.NoError(t, err)
	p.To = "second@inbox.mailslot.test"
	_, err = f.service.Ingest(context.Background(), p, models.SourceEmail)
	require.NoError(t, err)

	contents := f.store.Contents()
	require.Len(t, contents, 1)
	assert.Equal(t, int64(2), contents[0].ReaderCount)
	assert.Len(t, f.blobs.Keys(), 1)

	got, err := blob.GetContent(context.Background(), f.blobs, contents[0].BlobKey)
	require.NoError(t, err)
	assert.Equal(t, "Same body", got.TextContent)
}

func TestIngest_PrivateAccountWritesPrivateBlob(t *testing.T) {
	f := newFixture(t, 10)
	acct, err := f.store.GetAccount(context.Background(), f.account.ID)
	require.NoError(t, err)
	acct.PrivateContent = true
	f.store.PutAccount(*acct)

	out, err := f.service.Ingest(context.Background(), payload("Secret"), models.SourceEmail)
	require.NoError(t, err)

	messages := f.store.Newsletters(f.account.ID)
	require.Len(t, messages, 1)
	assert.Equal(t, out.NewsletterID, messages[0].ID)
	assert.True(t, messages[0].IsPrivate)
	require.NotNil(t, messages[0].PrivateContentKey)
	assert.Nil(t, messages[0].ContentID)
	assert.Contains(t, *messages[0].PrivateContentKey, "private/"+f.account.ID.String()+"/")
	assert.Empty(t, f.store.Contents())
}

func TestIngest_PrivateSenderDomain(t *testing.T) {
	f := newFixture(t, 10, func(o *Options) { o.PrivateSenderDomains = []string{"example.com"} })

	_, err := f.service.Ingest(context.Background(), payload("Bank statement"), models.SourceEmail)
	require.NoError(t, err)

	messages := f.store.Newsletters(f.account.ID)
	require.Len(t, messages, 1)
	assert.True(t, messages[0].IsPrivate)
}

func TestIngest_DuplicateDeliveryReturnsSameMessage(t *testing.T) {
	f := newFixture(t, 10)
	p := payload("Issue 7")

	first, err := f.service.Ingest(context.Background(), p, models.SourceEmail)
	require.NoError(t, err)

	// A later redelivery with a new timestamp is a different delivery but
	// the same logical message.
	p.ReceivedAtMillis += 60_000
	p.ReceivedAt = p.ReceivedAt.Add(time.Minute)
	second, err := f.service.Ingest(context.Background(), p, models.SourceEmail)
	require.NoError(t, err)

	assert.True(t, second.Skipped)
	assert.Equal(t, DecisionDuplicate, second.Reason)
	assert.Equal(t, first.NewsletterID, second.NewsletterID)
	assert.Len(t, f.store.Newsletters(f.account.ID), 1)
	assert.NotEqual(t, first.DeliveryLogID, second.DeliveryLogID)

	entry := f.delivery(t, second.DeliveryLogID)
	assert.Equal(t, models.DeliveryProcessing, entry.Status)
	assert.Nil(t, entry.ErrorCode)

	account, err := f.store.GetAccount(context.Background(), f.account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), account.StoredMessageCount)
	assert.Len(t, f.store.OutboxEvents(), 1)
}

func TestIngest_SameMessageIDReusesDeliveryLogEntry(t *testing.T) {
	f := newFixture(t, 10)
	p := payload("Retry me")
	p.MessageID = "<abc@relay>"

	first, err := f.service.Ingest(context.Background(), p, models.SourceEmail)
	require.NoError(t, err)
	second, err := f.service.Ingest(context.Background(), p, models.SourceEmail)
	require.NoError(t, err)

	assert.Equal(t, first.DeliveryLogID, second.DeliveryLogID)
	entries, err := f.store.ListDeliveryLogs(context.Background(), models.DeliveryLogFilter{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, models.DeliveryStored, entries[0].Status)

	messages := f.store.Newsletters(f.account.ID)
	require.Len(t, messages, 1)
	require.NotNil(t, messages[0].ExternalMessageID)
	assert.Equal(t, "<abc@relay>", *messages[0].ExternalMessageID)
}

func TestIngest_DerivedMessageIDIsStableAcrossRetries(t *testing.T) {
	f := newFixture(t, 10)
	p := payload("No relay id")

	first, err := f.service.Ingest(context.Background(), p, models.SourceEmail)
	require.NoError(t, err)
	second, err := f.service.Ingest(context.Background(), p, models.SourceEmail)
	require.NoError(t, err)
	assert.Equal(t, first.DeliveryLogID, second.DeliveryLogID)
}

func TestIngest_PlanLimit(t *testing.T) {
	f := newFixture(t, 2)

	for _, subject := range []string{"one", "two"} {
		out, err := f.service.Ingest(context.Background(), payload(subject), models.SourceEmail)
		require.NoError(t, err)
		require.False(t, out.Skipped)
	}

	out, err := f.service.Ingest(context.Background(), payload("three"), models.SourceEmail)
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Equal(t, DecisionPlanLimit, out.Reason)
	assert.Equal(t, int64(2), out.HardCap)
	assert.Equal(t, uuid.Nil, out.NewsletterID)
	assert.NotEqual(t, uuid.Nil, out.SenderID)
	assert.Len(t, f.store.Newsletters(f.account.ID), 2)

	entry := f.delivery(t, out.DeliveryLogID)
	assert.Equal(t, models.DeliveryFailed, entry.Status)
	require.NotNil(t, entry.ErrorCode)
	assert.Equal(t, CodePlanLimitReached, *entry.ErrorCode)

	// A duplicate of a stored message still succeeds past the cap.
	dup, err := f.service.Ingest(context.Background(), payload("one"), models.SourceEmail)
	require.NoError(t, err)
	assert.Equal(t, DecisionDuplicate, dup.Reason)
}

func TestIngest_ProUnlimited(t *testing.T) {
	f := newFixture(t, 1)
	acct, err := f.store.GetAccount(context.Background(), f.account.ID)
	require.NoError(t, err)
	acct.Plan = models.PlanPro
	f.store.PutAccount(*acct)

	for _, subject := range []string{"a", "b", "c"} {
		out, err := f.service.Ingest(context.Background(), payload(subject), models.SourceEmail)
		require.NoError(t, err)
		assert.False(t, out.Skipped)
	}
}

func TestIngest_UnknownRecipient(t *testing.T) {
	f := newFixture(t, 10)
	p := payload("Hello")
	p.To = "nobody@inbox.mailslot.test"

	out, err := f.service.Ingest(context.Background(), p, models.SourceEmail)
	require.ErrorIs(t, err, ErrUnknownRecipient)
	assert.Equal(t, CodeUserNotFound, ErrorCode(err))

	entry := f.delivery(t, out.DeliveryLogID)
	assert.Equal(t, models.DeliveryFailed, entry.Status)
	require.NotNil(t, entry.ErrorCode)
	assert.Equal(t, CodeUserNotFound, *entry.ErrorCode)
	assert.Nil(t, entry.AccountID)
	assert.Empty(t, f.store.Newsletters(f.account.ID))
}

func TestIngest_CustomAliasOnlyForPro(t *testing.T) {
	f := newFixture(t, 10)
	alias := "Me@Custom.Example"
	acct, err := f.store.GetAccount(context.Background(), f.account.ID)
	require.NoError(t, err)
	acct.CustomAlias = &alias
	f.store.PutAccount(*acct)

	p := payload("Alias")
	p.To = "me@custom.example"
	_, err = f.service.Ingest(context.Background(), p, models.SourceEmail)
	require.ErrorIs(t, err, ErrUnknownRecipient)

	acct.Plan = models.PlanPro
	f.store.PutAccount(*acct)
	out, err := f.service.Ingest(context.Background(), p, models.SourceEmail)
	require.NoError(t, err)
	assert.Equal(t, f.account.ID, out.AccountID)
}

func TestIngest_AmbiguousRecipientIsAnError(t *testing.T) {
	f := newFixture(t, 10)
	alias := "reader@inbox.mailslot.test"
	f.store.PutAccount(models.Account{ID: uuid.New(), InboundAddress: "other@inbox.mailslot.test", CustomAlias: &alias, Plan: models.PlanPro})

	out, err := f.service.Ingest(context.Background(), payload("Which one"), models.SourceEmail)
	require.ErrorIs(t, err, ErrAmbiguousRecipient)
	assert.Equal(t, CodeRecipientAmbiguous, ErrorCode(err))
	assert.Equal(t, models.DeliveryFailed, f.delivery(t, out.DeliveryLogID).Status)
}

type failingBlobs struct {
	blob.Store
}

func (failingBlobs) Put(context.Context, string, string, []byte) error {
	return errors.New("bucket unavailable")
}

func TestIngest_BlobFailureRollsBack(t *testing.T) {
	st := memory.New()
	account := models.Account{InboundAddress: "reader@inbox.mailslot.test"}
	require.NoError(t, st.CreateAccount(context.Background(), &account))
	svc := NewService(Deps{
		Deliveries: st, Accounts: st, Tx: st,
		Blobs: failingBlobs{blob.NewMemoryStore()},
		Plans: billing.NewPlans(10, 0),
	}, Options{})

	out, err := svc.Ingest(context.Background(), payload("Broken"), models.SourceEmail)
	require.Error(t, err)
	assert.Equal(t, CodeBlobWrite, ErrorCode(err))

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "write shared content", se.Stage)

	entry, err := st.GetDeliveryLog(context.Background(), out.DeliveryLogID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryFailed, entry.Status)
	assert.Equal(t, CodeBlobWrite, *entry.ErrorCode)

	assert.Empty(t, st.Newsletters(account.ID))
	assert.Empty(t, st.Contents())
	assert.Empty(t, st.OutboxEvents())
	got, err := st.GetAccount(context.Background(), account.ID)
	require.NoError(t, err)
	assert.Zero(t, got.StoredMessageCount)
}

// flakyBlobs fails writes until fail is cleared.
type flakyBlobs struct {
	*blob.MemoryStore
	fail bool
}

func (b *flakyBlobs) Put(ctx context.Context, key, contentType string, body []byte) error {
	if b.fail {
		return errors.New("bucket unavailable")
	}
	return b.MemoryStore.Put(ctx, key, contentType, body)
}

func TestIngest_RetryAfterFailureIsReported(t *testing.T) {
	st := memory.New()
	account := models.Account{InboundAddress: "reader@inbox.mailslot.test"}
	require.NoError(t, st.CreateAccount(context.Background(), &account))
	blobs := &flakyBlobs{MemoryStore: blob.NewMemoryStore(), fail: true}
	core, logs := observer.New(zap.InfoLevel)
	svc := NewService(Deps{
		Deliveries: st, Accounts: st, Tx: st,
		Blobs: blobs,
		Plans: billing.NewPlans(10, 0),
	}, Options{Logger: zap.New(core)})

	first, err := svc.Ingest(context.Background(), payload("Flaky"), models.SourceEmail)
	require.Error(t, err)

	blobs.fail = false
	second, err := svc.Ingest(context.Background(), payload("Flaky"), models.SourceEmail)
	require.NoError(t, err)
	assert.Equal(t, first.DeliveryLogID, second.DeliveryLogID)
	assert.NotEqual(t, uuid.Nil, second.NewsletterID)
	assert.Len(t, st.Newsletters(account.ID), 1)

	entry, err := st.GetDeliveryLog(context.Background(), second.DeliveryLogID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryFailed, entry.Status)

	recovered := logs.FilterMessage("message stored on retry after a failed attempt, delivery log entry stays failed").All()
	require.Len(t, recovered, 1)
	assert.Equal(t, zap.WarnLevel, recovered[0].Level)
	fields := recovered[0].ContextMap()
	assert.Equal(t, second.NewsletterID.String(), fields["user_newsletter_id"])
	assert.Equal(t, CodeBlobWrite, fields["previous_error_code"])
}

func TestIngest_ConcurrentDuplicatesStoreOnce(t *testing.T) {
	f := newFixture(t, 10)

	var wg sync.WaitGroup
	results := make([]*Outcome, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := payload("Race")
			p.ReceivedAtMillis += int64(i)
			out, err := f.service.Ingest(context.Background(), p, models.SourceEmail)
			assert.NoError(t, err)
			results[i] = out
		}(i)
	}
	wg.Wait()

	messages := f.store.Newsletters(f.account.ID)
	require.Len(t, messages, 1)
	stored := 0
	for _, out := range results {
		assert.Equal(t, messages[0].ID, out.NewsletterID)
		if !out.Skipped {
			stored++
		}
	}
	assert.Equal(t, 1, stored)
	assert.Len(t, f.store.Folders(f.account.ID), 1)
}
