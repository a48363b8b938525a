package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/mail"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

const (
	MaxEmailLength      = 254
	MaxSubjectLength    = 1000
	MaxSenderNameLength = 500
	MaxMessageIDLength  = 998
	MaxContentBytes     = 5 * 1024 * 1024

	// maxTimestampMillis is the largest instant an ECMAScript Date can hold.
	maxTimestampMillis = 8.64e15
)

var ErrNotObject = errors.New("body must be a JSON object")

// RawPayload is an undecoded relay payload. Values keep their JSON types so
// that a wrongly typed field can be reported against that field.
type RawPayload map[string]any

// DecodePayload reads one JSON object from r.
func DecodePayload(r io.Reader) (RawPayload, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil, ErrNotObject
	}
	var raw RawPayload
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotObject, err)
	}
	return raw, nil
}

// Payload is a relay payload that passed validation.
type Payload struct {
	To               string
	From             string
	Subject          string
	SenderName       string
	ReceivedAt       time.Time
	ReceivedAtMillis int64
	HTMLContent      string
	TextContent      string
	MessageID        string
}

// ContentSize is the combined byte size of both bodies.
func (p Payload) ContentSize() int64 {
	return int64(len(p.HTMLContent) + len(p.TextContent))
}

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) String() string {
	return e.Field + ": " + e.Message
}

// Result is either a valid Payload or a non-empty list of field errors.
type Result struct {
	payload Payload
	errs    []FieldError
}

func (r Result) Valid() (Payload, bool) {
	if len(r.errs) > 0 {
		return Payload{}, false
	}
	return r.payload, true
}

func (r Result) Errors() []FieldError {
	return r.errs
}

type validator struct {
	raw  RawPayload
	errs []FieldError
}

func (v *validator) fail(field, format string, args ...any) {
	v.errs = append(v.errs, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// str returns the field as a string. present is false when the field is
// missing or null.
func (v *validator) str(field string, required bool) (value string, present bool) {
	rawValue, ok := v.raw[field]
	if !ok || rawValue == nil {
		if required {
			v.fail(field, "is required")
		}
		return "", false
	}
	s, ok := rawValue.(string)
	if !ok {
		v.fail(field, "must be a string")
		return "", false
	}
	return s, true
}

func (v *validator) email(field string) string {
	s, ok := v.str(field, true)
	if !ok {
		return ""
	}
	if len(s) > MaxEmailLength {
		v.fail(field, "must be at most %d characters", MaxEmailLength)
		return ""
	}
	if !ValidEmail(s) {
		v.fail(field, "must be a valid email address")
		return ""
	}
	return s
}

func (v *validator) optional(field string, maxBytes int, unit string) string {
	s, ok := v.str(field, false)
	if !ok {
		return ""
	}
	size := len(s)
	if unit == "characters" {
		size = utf8.RuneCountInString(s)
	}
	if size > maxBytes {
		v.fail(field, "must be at most %d %s", maxBytes, unit)
		return ""
	}
	return s
}

// Validate checks every rule and reports all violations together.
func Validate(raw RawPayload) Result {
	v := &validator{raw: raw}
	var p Payload

	p.To = v.email("to")
	p.From = v.email("from")

	if subject, ok := v.str("subject", true); ok {
		switch {
		case strings.TrimSpace(subject) == "":
			v.fail("subject", "is required")
		case utf8.RuneCountInString(subject) > MaxSubjectLength:
			v.fail("subject", "must be at most %d characters", MaxSubjectLength)
		default:
			p.Subject = subject
		}
	}

	p.SenderName = strings.TrimSpace(v.optional("senderName", MaxSenderNameLength, "characters"))
	p.MessageID = strings.TrimSpace(v.optional("messageId", MaxMessageIDLength, "characters"))
	p.HTMLContent = v.optional("htmlContent", MaxContentBytes, "bytes")
	p.TextContent = v.optional("textContent", MaxContentBytes, "bytes")

	switch n := raw["receivedAt"].(type) {
	case nil:
		v.fail("receivedAt", "is required")
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) || n <= 0 {
			v.fail("receivedAt", "must be a finite positive number")
		} else if n > maxTimestampMillis {
			v.fail("receivedAt", "is out of range")
		} else {
			p.ReceivedAtMillis = int64(n)
			p.ReceivedAt = time.UnixMilli(p.ReceivedAtMillis).UTC()
		}
	default:
		v.fail("receivedAt", "must be a number")
	}

	return Result{payload: p, errs: v.errs}
}

// ValidEmail reports whether s is a bare address with one @, a non-empty
// local part and a dotted domain without empty labels.
func ValidEmail(s string) bool {
	if s == "" || len(s) > MaxEmailLength {
		return false
	}
	if strings.IndexFunc(s, unicode.IsSpace) >= 0 {
		return false
	}
	local, domain, ok := strings.Cut(s, "@")
	if !ok || local == "" || strings.Contains(domain, "@") {
		return false
	}
	if !strings.Contains(domain, ".") {
		return false
	}
	for _, label := range strings.Split(domain, ".") {
		if label == "" {
			return false
		}
	}
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return false
	}
	return strings.EqualFold(addr.Address, s)
}
