package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/znz-systems/mailslot/internal/models"
	"github.com/znz-systems/mailslot/internal/store"
)

func newEntry(messageID string) *models.DeliveryLogEntry {
	return &models.DeliveryLogEntry{
		MessageID:      messageID,
		RecipientEmail: "reader@inbox.mailslot.test",
		SenderEmail:    "news@example.com",
		Subject:        "Hi",
		Status:         models.DeliveryReceived,
		ReceivedAt:     time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestCreateDeliveryLog_IdempotentOnMessageID(t *testing.T) {
	ctx := context.Background()
	s := New()

	first := newEntry("m-1")
	created, err := s.CreateDeliveryLog(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)

	second := newEntry("m-1")
	second.Subject = "changed"
	created, err = s.CreateDeliveryLog(ctx, second)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Hi", second.Subject)
}

func TestDeliveryTransitions(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now().UTC()

	e := newEntry("m-1")
	_, err := s.CreateDeliveryLog(ctx, e)
	require.NoError(t, err)

	require.NoError(t, s.MarkDeliveryProcessing(ctx, e.ID, models.ProcessingUpdate{AccountID: uuid.New(), StartedAt: now}))
	assert.ErrorIs(t, s.MarkDeliveryProcessing(ctx, e.ID, models.ProcessingUpdate{StartedAt: now}), store.ErrInvalidTransition)

	require.NoError(t, s.MarkDeliveryStored(ctx, e.ID, now))
	assert.ErrorIs(t, s.MarkDeliveryFailed(ctx, e.ID, now, "STORE_FAILED", "late"), store.ErrInvalidTransition)
	assert.ErrorIs(t, s.AcknowledgeDeliveryLog(ctx, e.ID), store.ErrInvalidTransition)

	got, err := s.GetDeliveryLog(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryStored, got.Status)
	assert.Nil(t, got.ErrorCode)

	assert.ErrorIs(t, s.MarkDeliveryStored(ctx, uuid.New(), now), store.ErrInvalidTransition)
}

func TestFailedCanBeAcknowledged(t *testing.T) {
	ctx := context.Background()
	s := New()
	e := newEntry("m-1")
	_, err := s.CreateDeliveryLog(ctx, e)
	require.NoError(t, err)

	require.NoError(t, s.MarkDeliveryFailed(ctx, e.ID, time.Now(), "USER_NOT_FOUND", "unknown recipient"))
	require.NoError(t, s.AcknowledgeDeliveryLog(ctx, e.ID))

	open, err := s.ListDeliveryLogs(ctx, models.DeliveryLogFilter{Status: models.DeliveryFailed, UnacknowledgedOnly: true})
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := New()
	account := models.Account{InboundAddress: "reader@inbox.mailslot.test"}
	require.NoError(t, s.CreateAccount(ctx, &account))

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.UpsertSender(ctx, "news@example.com", "News"); err != nil {
			return err
		}
		if err := tx.IncrementStoredCount(ctx, account.ID); err != nil {
			return err
		}
		if _, err := tx.EnqueueOutboxEvent(ctx, "newsletter.stored", []byte(`{}`), 5); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, ok := s.Sender("news@example.com")
	assert.False(t, ok)
	got, err := s.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.StoredMessageCount)
	assert.Empty(t, s.OutboxEvents())
}

func TestWithTx_CommitsOnSuccess(t *testing.T) {
	ctx := context.Background()
	s := New()

	err := s.WithTx(ctx, func(tx store.Tx) error {
		sender, err := tx.UpsertSender(ctx, "news@example.com", "News")
		if err != nil {
			return err
		}
		_, created, err := tx.UpsertFolder(ctx, uuid.New(), sender.ID, "News")
		if err != nil {
			return err
		}
		assert.True(t, created)
		return tx.IncrementSenderSubscribers(ctx, sender.ID)
	})
	require.NoError(t, err)

	sender, ok := s.Sender("news@example.com")
	require.True(t, ok)
	assert.Equal(t, int64(1), sender.SubscriberCount)
}

func TestGetOrCreateContent_CountsReaders(t *testing.T) {
	ctx := context.Background()
	s := New()

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		err := s.WithTx(ctx, func(tx store.Tx) error {
			c := &models.NewsletterContent{ContentHash: "abc", BlobKey: "shared/ab/abc.json"}
			created, err := tx.GetOrCreateContent(ctx, c)
			assert.Equal(t, i == 0, created)
			ids = append(ids, c.ID)
			return err
		})
		require.NoError(t, err)
	}
	assert.Equal(t, ids[0], ids[2])
	contents := s.Contents()
	require.Len(t, contents, 1)
	assert.Equal(t, int64(3), contents[0].ReaderCount)
}

func TestFindAccountsByAddress_AliasOnlyForPro(t *testing.T) {
	ctx := context.Background()
	s := New()
	alias := "Weekly@Inbox.Mailslot.Test"
	free := models.Account{InboundAddress: "a1@inbox.mailslot.test", CustomAlias: &alias, Plan: models.PlanFree}
	require.NoError(t, s.CreateAccount(ctx, &free))

	matches, err := s.FindAccountsByAddress(ctx, "weekly@inbox.mailslot.test")
	require.NoError(t, err)
	assert.Empty(t, matches)

	free.Plan = models.PlanPro
	s.PutAccount(free)
	matches, err = s.FindAccountsByAddress(ctx, "WEEKLY@inbox.mailslot.test")
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	dup := models.Account{InboundAddress: "A1@inbox.mailslot.test"}
	assert.ErrorIs(t, s.CreateAccount(ctx, &dup), store.ErrDuplicate)
}

func TestClaimNextOutboxEvent_OrderAndAvailability(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	s := New()
	s.Now = func() time.Time { return now }

	for _, kind := range []string{"first", "second"} {
		err := s.WithTx(ctx, func(tx store.Tx) error {
			_, err := tx.EnqueueOutboxEvent(ctx, kind, []byte(`{}`), 3)
			return err
		})
		require.NoError(t, err)
	}

	e, err := s.ClaimNextOutboxEvent(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "first", e.Kind)
	assert.Equal(t, 1, e.Attempts)
	assert.Equal(t, models.OutboxProcessing, e.Status)

	require.NoError(t, s.MarkOutboxEventRetry(ctx, e.ID, now.Add(time.Minute), "timeout"))

	e2, err := s.ClaimNextOutboxEvent(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, e2)
	assert.Equal(t, "second", e2.Kind)

	none, err := s.ClaimNextOutboxEvent(ctx, 0)
	require.NoError(t, err)
	assert.Nil(t, none)

	now = now.Add(time.Minute)
	again, err := s.ClaimNextOutboxEvent(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, "first", again.Kind)
	assert.Equal(t, 2, again.Attempts)
}

func TestClaimNextOutboxEvent_ReclaimsExpiredLease(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	s := New()
	s.Now = func() time.Time { return now }
	err := s.WithTx(ctx, func(tx store.Tx) error {
		_, err := tx.EnqueueOutboxEvent(ctx, "newsletter.stored", []byte(`{}`), 3)
		return err
	})
	require.NoError(t, err)

	claimed, err := s.ClaimNextOutboxEvent(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	now = now.Add(30 * time.Second)
	held, err := s.ClaimNextOutboxEvent(ctx, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, held)

	now = now.Add(24 * time.Hour)
	disabled, err := s.ClaimNextOutboxEvent(ctx, 0)
	require.NoError(t, err)
	assert.Nil(t, disabled)

	again, err := s.ClaimNextOutboxEvent(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, claimed.ID, again.ID)
	assert.Equal(t, 2, again.Attempts)
	assert.Equal(t, now, *again.LockedAt)
}

func TestCountDeliveriesBetween_UsesCreationTime(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	s := New()

	for i, offset := range []time.Duration{-48 * time.Hour, -2 * time.Hour, time.Hour} {
		s.Now = func() time.Time { return now.Add(offset) }
		e := newEntry(fmt.Sprintf("m-%d", i))
		// The relay's timestamp is always inside the window.
		e.ReceivedAt = now.Add(-time.Minute)
		_, err := s.CreateDeliveryLog(ctx, e)
		require.NoError(t, err)
	}

	counts, err := s.CountDeliveriesBetween(ctx, now.Add(-24*time.Hour), now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Total)
	assert.Equal(t, int64(1), counts.Received)
}
