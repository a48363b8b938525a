package smtpingress

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/znz-systems/mailslot/internal/ingest"
)

// Message is the part of an RFC 5322 message the pipeline cares about.
type Message struct {
	From        string
	SenderName  string
	Subject     string
	MessageID   string
	HTMLContent string
	TextContent string
}

// ParseMessage reads headers and the first text and html bodies. Attachments
// are skipped. envelopeFrom is used when the From header is missing or
// unparseable.
func ParseMessage(raw []byte, envelopeFrom string) (Message, error) {
	msg := Message{From: strings.TrimSpace(envelopeFrom)}

	reader, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return msg, fmt.Errorf("parse message: %w", err)
	}
	defer reader.Close()

	if subject, err := reader.Header.Subject(); err == nil {
		msg.Subject = strings.TrimSpace(subject)
	}
	if from, err := reader.Header.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = strings.TrimSpace(from[0].Address)
		msg.SenderName = strings.TrimSpace(from[0].Name)
	}
	if id, err := reader.Header.MessageID(); err == nil {
		msg.MessageID = id
	}

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return msg, fmt.Errorf("read part: %w", err)
		}

		header, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		mediaType, _, _ := header.ContentType()
		body, err := io.ReadAll(part.Body)
		if err != nil {
			return msg, fmt.Errorf("read body: %w", err)
		}
		switch {
		case strings.HasPrefix(mediaType, "text/html"):
			if msg.HTMLContent == "" {
				msg.HTMLContent = string(body)
			}
		case strings.HasPrefix(mediaType, "text/plain") || mediaType == "":
			if msg.TextContent == "" {
				msg.TextContent = string(body)
			}
		}
	}
	return msg, nil
}

// RawPayload builds the relay-shaped payload for one recipient so SMTP
// deliveries go through the same validation as HTTP ones. The Message-ID is
// scoped to the recipient because the delivery log is keyed by it and one
// SMTP transaction may carry several recipients.
func (m Message) RawPayload(to string, receivedAt time.Time) ingest.RawPayload {
	raw := ingest.RawPayload{
		"to":         to,
		"from":       m.From,
		"subject":    m.Subject,
		"receivedAt": float64(receivedAt.UnixMilli()),
	}
	if m.SenderName != "" {
		raw["senderName"] = m.SenderName
	}
	if m.MessageID != "" {
		raw["messageId"] = m.MessageID + "/" + ingest.NormalizeEmail(to)
	}
	if m.HTMLContent != "" {
		raw["htmlContent"] = m.HTMLContent
	}
	if m.TextContent != "" {
		raw["textContent"] = m.TextContent
	}
	return raw
}
