// Package memory is an in-process implementation of the store interfaces,
// used when no DATABASE_URL is configured and as the fake in tests.
package memory

import (
	"context"
	"database/sql"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/znz-systems/mailslot/internal/models"
	"github.com/znz-systems/mailslot/internal/store"
)

type state struct {
	accounts    map[uuid.UUID]models.Account
	senders     map[string]models.Sender
	folders     map[folderKey]models.Folder
	newsletters map[uuid.UUID]models.UserNewsletter
	contents    map[string]models.NewsletterContent
	outbox      map[int64]models.OutboxEvent
	nextOutbox  int64
}

type folderKey struct {
	accountID uuid.UUID
	senderID  uuid.UUID
}

func (s *state) clone() *state {
	return &state{
		accounts:    maps.Clone(s.accounts),
		senders:     maps.Clone(s.senders),
		folders:     maps.Clone(s.folders),
		newsletters: maps.Clone(s.newsletters),
		contents:    maps.Clone(s.contents),
		outbox:      maps.Clone(s.outbox),
		nextOutbox:  s.nextOutbox,
	}
}

// Store keeps all records behind a single mutex. WithTx holds the mutex for
// the whole unit and works on a copy that replaces the live state on commit.
type Store struct {
	mu         sync.Mutex
	data       *state
	deliveries map[uuid.UUID]models.DeliveryLogEntry
	byMessage  map[string]uuid.UUID

	// Now is the clock used for timestamps. Defaults to time.Now.
	Now func() time.Time
}

func New() *Store {
	return &Store{
		data: &state{
			accounts:    make(map[uuid.UUID]models.Account),
			senders:     make(map[string]models.Sender),
			folders:     make(map[folderKey]models.Folder),
			newsletters: make(map[uuid.UUID]models.UserNewsletter),
			contents:    make(map[string]models.NewsletterContent),
			outbox:      make(map[int64]models.OutboxEvent),
		},
		deliveries: make(map[uuid.UUID]models.DeliveryLogEntry),
		byMessage:  make(map[string]uuid.UUID),
		Now:        time.Now,
	}
}

func (s *Store) now() time.Time {
	return s.Now().UTC()
}

func (s *Store) Ping(context.Context) error {
	return nil
}

// Delivery log

func (s *Store) CreateDeliveryLog(_ context.Context, entry *models.DeliveryLogEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byMessage[entry.MessageID]; ok {
		*entry = s.deliveries[id]
		return false, nil
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Status == "" {
		entry.Status = models.DeliveryReceived
	}
	entry.CreatedAt = s.now()
	s.deliveries[entry.ID] = *entry
	s.byMessage[entry.MessageID] = entry.ID
	return true, nil
}

func (s *Store) transition(id uuid.UUID, from []models.DeliveryStatus, apply func(e *models.DeliveryLogEntry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.deliveries[id]
	if !ok || !slices.Contains(from, e.Status) {
		return store.ErrInvalidTransition
	}
	apply(&e)
	s.deliveries[id] = e
	return nil
}

func (s *Store) MarkDeliveryProcessing(_ context.Context, id uuid.UUID, update models.ProcessingUpdate) error {
	return s.transition(id, []models.DeliveryStatus{models.DeliveryReceived}, func(e *models.DeliveryLogEntry) {
		e.Status = models.DeliveryProcessing
		started := update.StartedAt
		accountID := update.AccountID
		size := update.ContentSizeBytes
		hasHTML := update.HasHTMLContent
		hasText := update.HasPlainTextContent
		e.ProcessingStartedAt = &started
		e.AccountID = &accountID
		e.ContentSizeBytes = &size
		e.HasHTMLContent = &hasHTML
		e.HasPlainTextContent = &hasText
	})
}

func (s *Store) MarkDeliveryStored(_ context.Context, id uuid.UUID, completedAt time.Time) error {
	return s.transition(id, []models.DeliveryStatus{models.DeliveryReceived, models.DeliveryProcessing}, func(e *models.DeliveryLogEntry) {
		e.Status = models.DeliveryStored
		e.CompletedAt = &completedAt
	})
}

func (s *Store) MarkDeliveryFailed(_ context.Context, id uuid.UUID, completedAt time.Time, code, message string) error {
	return s.transition(id, []models.DeliveryStatus{models.DeliveryReceived, models.DeliveryProcessing}, func(e *models.DeliveryLogEntry) {
		e.Status = models.DeliveryFailed
		e.CompletedAt = &completedAt
		e.ErrorCode = &code
		e.ErrorMessage = &message
	})
}

func (s *Store) GetDeliveryLog(_ context.Context, id uuid.UUID) (*models.DeliveryLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.deliveries[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &e, nil
}

func (s *Store) ListDeliveryLogs(_ context.Context, filter models.DeliveryLogFilter) ([]models.DeliveryLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	entries := make([]models.DeliveryLogEntry, 0, len(s.deliveries))
	for _, e := range s.deliveries {
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if filter.UnacknowledgedOnly && e.IsAcknowledged {
			continue
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].ReceivedAt.Equal(entries[j].ReceivedAt) {
			return entries[i].ID.String() > entries[j].ID.String()
		}
		return entries[i].ReceivedAt.After(entries[j].ReceivedAt)
	})
	if filter.Offset >= len(entries) {
		return []models.DeliveryLogEntry{}, nil
	}
	if filter.Offset > 0 {
		entries = entries[filter.Offset:]
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (s *Store) AcknowledgeDeliveryLog(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.deliveries[id]
	if !ok || e.Status != models.DeliveryFailed {
		return store.ErrInvalidTransition
	}
	e.IsAcknowledged = true
	s.deliveries[id] = e
	return nil
}

func (s *Store) CountDeliveriesBetween(_ context.Context, since, until time.Time) (models.DeliveryCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var counts models.DeliveryCounts
	for _, e := range s.deliveries {
		if e.CreatedAt.Before(since) || e.CreatedAt.After(until) {
			continue
		}
		counts.Total++
		switch e.Status {
		case models.DeliveryReceived:
			counts.Received++
		case models.DeliveryProcessing:
			counts.Processing++
		case models.DeliveryStored:
			counts.Stored++
		case models.DeliveryFailed:
			counts.Failed++
		}
	}
	return counts, nil
}

func (s *Store) HasAnyDeliveries(context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deliveries) > 0, nil
}

// Accounts

func (s *Store) CreateAccount(_ context.Context, account *models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if account.ID == uuid.Nil {
		account.ID = uuid.New()
	}
	if account.Plan == "" {
		account.Plan = models.PlanFree
	}
	account.InboundAddress = strings.ToLower(strings.TrimSpace(account.InboundAddress))
	if account.CustomAlias != nil {
		alias := strings.ToLower(strings.TrimSpace(*account.CustomAlias))
		account.CustomAlias = &alias
	}
	for _, existing := range s.data.accounts {
		if existing.InboundAddress == account.InboundAddress {
			return store.ErrDuplicate
		}
		if account.CustomAlias != nil && existing.CustomAlias != nil && *existing.CustomAlias == *account.CustomAlias {
			return store.ErrDuplicate
		}
	}
	now := s.now()
	account.CreatedAt = now
	account.UpdatedAt = now
	s.data.accounts[account.ID] = *account
	return nil
}

// PutAccount stores account as-is, bypassing uniqueness checks. Tests use it
// to seed states the schema would normally reject.
func (s *Store) PutAccount(account models.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.accounts[account.ID] = account
}

func (s *Store) GetAccount(_ context.Context, id uuid.UUID) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.data.accounts[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &a, nil
}

func (s *Store) FindAccountsByAddress(_ context.Context, address string) ([]models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	address = strings.ToLower(strings.TrimSpace(address))
	matches := make([]models.Account, 0, 1)
	for _, a := range s.data.accounts {
		if strings.ToLower(a.InboundAddress) == address {
			matches = append(matches, a)
			continue
		}
		if a.Plan == models.PlanPro && a.CustomAlias != nil && strings.ToLower(*a.CustomAlias) == address {
			matches = append(matches, a)
		}
	}
	return matches, nil
}

// Read helpers for tests and operators.

func (s *Store) Newsletters(accountID uuid.UUID) []models.UserNewsletter {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.UserNewsletter, 0)
	for _, n := range s.data.newsletters {
		if n.AccountID == accountID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Store) Folders(accountID uuid.UUID) []models.Folder {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Folder, 0)
	for k, f := range s.data.folders {
		if k.accountID == accountID {
			out = append(out, f)
		}
	}
	return out
}

func (s *Store) Sender(email string) (models.Sender, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sender, ok := s.data.senders[email]
	return sender, ok
}

func (s *Store) Contents() []models.NewsletterContent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.NewsletterContent
	for _, c := range s.data.contents {
		out = append(out, c)
	}
	return out
}

func (s *Store) OutboxEvents() []models.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.OutboxEvent
	for _, e := range s.data.outbox {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Outbox

func (s *Store) ClaimNextOutboxEvent(_ context.Context, lease time.Duration) (*models.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var next *models.OutboxEvent
	for _, e := range s.data.outbox {
		if !claimable(e, now, lease) {
			continue
		}
		if next == nil || e.AvailableAt.Before(next.AvailableAt) ||
			(e.AvailableAt.Equal(next.AvailableAt) && e.ID < next.ID) {
			candidate := e
			next = &candidate
		}
	}
	if next == nil {
		return nil, nil
	}
	next.Status = models.OutboxProcessing
	next.Attempts++
	next.LockedAt = &now
	next.UpdatedAt = now
	s.data.outbox[next.ID] = *next
	return next, nil
}

func claimable(e models.OutboxEvent, now time.Time, lease time.Duration) bool {
	switch e.Status {
	case models.OutboxQueued:
		return !e.AvailableAt.After(now)
	case models.OutboxProcessing:
		return lease > 0 && e.LockedAt != nil && e.LockedAt.Before(now.Add(-lease))
	}
	return false
}

func (s *Store) updateOutbox(id int64, apply func(e *models.OutboxEvent, now time.Time)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data.outbox[id]
	if !ok {
		return sql.ErrNoRows
	}
	now := s.now()
	apply(&e, now)
	e.LockedAt = nil
	e.UpdatedAt = now
	s.data.outbox[id] = e
	return nil
}

func (s *Store) MarkOutboxEventDone(_ context.Context, id int64) error {
	return s.updateOutbox(id, func(e *models.OutboxEvent, now time.Time) {
		e.Status = models.OutboxDone
		e.LastError = ""
		e.DoneAt = &now
	})
}

func (s *Store) MarkOutboxEventRetry(_ context.Context, id int64, nextAvailableAt time.Time, lastError string) error {
	return s.updateOutbox(id, func(e *models.OutboxEvent, _ time.Time) {
		e.Status = models.OutboxQueued
		e.AvailableAt = nextAvailableAt
		e.LastError = lastError
	})
}

func (s *Store) MarkOutboxEventFailed(_ context.Context, id int64, lastError string) error {
	return s.updateOutbox(id, func(e *models.OutboxEvent, now time.Time) {
		e.Status = models.OutboxFailed
		e.LastError = lastError
		e.DoneAt = &now
	})
}

// Transactions

func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	working := s.data.clone()
	if err := fn(&tx{state: working, now: s.now()}); err != nil {
		return err
	}
	s.data = working
	return nil
}

type tx struct {
	state *state
	now   time.Time
}

func (t *tx) UpsertSender(_ context.Context, email, name string) (*models.Sender, error) {
	sender, ok := t.state.senders[email]
	if !ok {
		sender = models.Sender{ID: uuid.New(), Email: email, Name: name, CreatedAt: t.now}
	} else if name != "" {
		sender.Name = name
	}
	sender.UpdatedAt = t.now
	t.state.senders[email] = sender
	return &sender, nil
}

func (t *tx) UpsertFolder(_ context.Context, accountID, senderID uuid.UUID, name string) (*models.Folder, bool, error) {
	key := folderKey{accountID: accountID, senderID: senderID}
	if f, ok := t.state.folders[key]; ok {
		return &f, false, nil
	}
	f := models.Folder{ID: uuid.New(), AccountID: accountID, SenderID: senderID, Name: name, CreatedAt: t.now}
	t.state.folders[key] = f
	return &f, true, nil
}

func (t *tx) IncrementSenderSubscribers(_ context.Context, senderID uuid.UUID) error {
	for email, sender := range t.state.senders {
		if sender.ID == senderID {
			sender.SubscriberCount++
			t.state.senders[email] = sender
			return nil
		}
	}
	return nil
}

func (t *tx) LockAccount(_ context.Context, accountID uuid.UUID) (*models.Account, error) {
	a, ok := t.state.accounts[accountID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &a, nil
}

func (t *tx) FindNewsletterByFingerprint(_ context.Context, accountID uuid.UUID, fingerprint string) (*models.UserNewsletter, error) {
	for _, n := range t.state.newsletters {
		if n.AccountID == accountID && n.Fingerprint == fingerprint {
			return &n, nil
		}
	}
	return nil, nil
}

func (t *tx) GetOrCreateContent(_ context.Context, content *models.NewsletterContent) (bool, error) {
	if existing, ok := t.state.contents[content.ContentHash]; ok {
		existing.ReaderCount++
		t.state.contents[content.ContentHash] = existing
		*content = existing
		return false, nil
	}
	if content.ID == uuid.Nil {
		content.ID = uuid.New()
	}
	content.ReaderCount = 1
	content.CreatedAt = t.now
	t.state.contents[content.ContentHash] = *content
	return true, nil
}

func (t *tx) InsertNewsletter(_ context.Context, n *models.UserNewsletter) error {
	for _, existing := range t.state.newsletters {
		if existing.AccountID == n.AccountID && existing.Fingerprint == n.Fingerprint {
			return store.ErrDuplicate
		}
	}
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	n.CreatedAt = t.now
	t.state.newsletters[n.ID] = *n
	return nil
}

func (t *tx) IncrementStoredCount(_ context.Context, accountID uuid.UUID) error {
	a, ok := t.state.accounts[accountID]
	if !ok {
		return sql.ErrNoRows
	}
	a.StoredMessageCount++
	a.UpdatedAt = t.now
	t.state.accounts[accountID] = a
	return nil
}

func (t *tx) EnqueueOutboxEvent(_ context.Context, kind string, payload []byte, maxAttempts int) (*models.OutboxEvent, error) {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	t.state.nextOutbox++
	e := models.OutboxEvent{
		ID:          t.state.nextOutbox,
		Kind:        kind,
		Payload:     append([]byte(nil), payload...),
		Status:      models.OutboxQueued,
		MaxAttempts: maxAttempts,
		AvailableAt: t.now,
		CreatedAt:   t.now,
		UpdatedAt:   t.now,
	}
	t.state.outbox[e.ID] = e
	return &e, nil
}
