package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type DeliveryStatus string

const (
	DeliveryReceived   DeliveryStatus = "received"
	DeliveryProcessing DeliveryStatus = "processing"
	DeliveryStored     DeliveryStatus = "stored"
	DeliveryFailed     DeliveryStatus = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliveryStored || s == DeliveryFailed
}

func (s DeliveryStatus) Valid() bool {
	switch s {
	case DeliveryReceived, DeliveryProcessing, DeliveryStored, DeliveryFailed:
		return true
	}
	return false
}

type DeliveryLogEntry struct {
	ID                  uuid.UUID      `json:"id"`
	MessageID           string         `json:"messageId"`
	RecipientEmail      string         `json:"recipientEmail"`
	SenderEmail         string         `json:"senderEmail"`
	SenderName          *string        `json:"senderName,omitempty"`
	Subject             string         `json:"subject"`
	Status              DeliveryStatus `json:"status"`
	ReceivedAt          time.Time      `json:"receivedAt"`
	ProcessingStartedAt *time.Time     `json:"processingStartedAt,omitempty"`
	CompletedAt         *time.Time     `json:"completedAt,omitempty"`
	ErrorMessage        *string        `json:"errorMessage,omitempty"`
	ErrorCode           *string        `json:"errorCode,omitempty"`
	ContentSizeBytes    *int64         `json:"contentSizeBytes,omitempty"`
	HasHTMLContent      *bool          `json:"hasHtmlContent,omitempty"`
	HasPlainTextContent *bool          `json:"hasPlainTextContent,omitempty"`
	IsAcknowledged      bool           `json:"isAcknowledged"`
	AccountID           *uuid.UUID     `json:"accountId,omitempty"`
	CreatedAt           time.Time      `json:"createdAt"`
}

// ProcessingUpdate carries the fields stamped when a delivery enters processing.
type ProcessingUpdate struct {
	AccountID           uuid.UUID
	StartedAt           time.Time
	ContentSizeBytes    int64
	HasHTMLContent      bool
	HasPlainTextContent bool
}

type DeliveryLogFilter struct {
	Status             DeliveryStatus
	UnacknowledgedOnly bool
	Limit              int
	Offset             int
}

type DeliveryCounts struct {
	Total      int64 `json:"total"`
	Received   int64 `json:"received"`
	Processing int64 `json:"processing"`
	Stored     int64 `json:"stored"`
	Failed     int64 `json:"failed"`
}

type Plan string

const (
	PlanFree Plan = "free"
	PlanPro  Plan = "pro"
)

type Account struct {
	ID                 uuid.UUID
	InboundAddress     string
	CustomAlias        *string
	Plan               Plan
	PrivateContent     bool
	StoredMessageCount int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type Sender struct {
	ID              uuid.UUID
	Email           string
	Name            string
	SubscriberCount int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Folder struct {
	ID        uuid.UUID
	AccountID uuid.UUID
	SenderID  uuid.UUID
	Name      string
	CreatedAt time.Time
}

type NewsletterSource string

const (
	SourceEmail NewsletterSource = "email"
	SourceSMTP  NewsletterSource = "smtp"
)

type UserNewsletter struct {
	ID                uuid.UUID
	AccountID         uuid.UUID
	SenderID          uuid.UUID
	FolderID          uuid.UUID
	Subject           string
	SenderEmail       string
	SenderName        *string
	ReceivedAt        time.Time
	Source            NewsletterSource
	Fingerprint       string
	ExternalMessageID *string
	IsPrivate         bool
	PrivateContentKey *string
	ContentID         *uuid.UUID
	CreatedAt         time.Time
}

type NewsletterContent struct {
	ID          uuid.UUID
	ContentHash string
	BlobKey     string
	SizeBytes   int64
	ReaderCount int64
	CreatedAt   time.Time
}

type OutboxStatus string

const (
	OutboxQueued     OutboxStatus = "queued"
	OutboxProcessing OutboxStatus = "processing"
	OutboxDone       OutboxStatus = "done"
	OutboxFailed     OutboxStatus = "failed"
)

type OutboxEvent struct {
	ID          int64
	Kind        string
	Payload     json.RawMessage
	Status      OutboxStatus
	Attempts    int
	MaxAttempts int
	AvailableAt time.Time
	LockedAt    *time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DoneAt      *time.Time
}
