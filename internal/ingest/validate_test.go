package ingest

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRaw() RawPayload {
	return RawPayload{
		"to":          "reader@inbox.mailslot.test",
		"from":        "news@example.com",
		"subject":     "Weekly digest",
		"receivedAt":  float64(1_700_000_000_000),
		"htmlContent": "<p>hello</p>",
		"textContent": "hello",
	}
}

func fieldsOf(errs []FieldError) []string {
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		out = append(out, e.Field)
	}
	return out
}

func TestValidate_Accepts(t *testing.T) {
	p, ok := Validate(validRaw()).Valid()
	require.True(t, ok)
	assert.Equal(t, "reader@inbox.mailslot.test", p.To)
	assert.Equal(t, "news@example.com", p.From)
	assert.Equal(t, "Weekly digest", p.Subject)
	assert.Equal(t, int64(1_700_000_000_000), p.ReceivedAtMillis)
	assert.Equal(t, time.UnixMilli(1_700_000_000_000).UTC(), p.ReceivedAt)
	assert.Equal(t, int64(len("<p>hello</p>")+len("hello")), p.ContentSize())
}

func TestValidate_OptionalBodiesMayBeMissingOrNull(t *testing.T) {
	raw := validRaw()
	delete(raw, "htmlContent")
	raw["textContent"] = nil

	p, ok := Validate(raw).Valid()
	require.True(t, ok)
	assert.Empty(t, p.HTMLContent)
	assert.Empty(t, p.TextContent)
}

func TestValidate_Rules(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(RawPayload)
		field  string
	}{
		{"subject at limit", func(r RawPayload) { r["subject"] = strings.Repeat("a", 1000) }, ""},
		{"subject over limit", func(r RawPayload) { r["subject"] = strings.Repeat("a", 1001) }, "subject"},
		{"subject counted in characters", func(r RawPayload) { r["subject"] = strings.Repeat("é", 1000) }, ""},
		{"blank subject", func(r RawPayload) { r["subject"] = "   " }, "subject"},
		{"missing subject", func(r RawPayload) { delete(r, "subject") }, "subject"},
		{"to without at", func(r RawPayload) { r["to"] = "reader.example.com" }, "to"},
		{"to without dot in domain", func(r RawPayload) { r["to"] = "reader@localhost" }, "to"},
		{"to with empty label", func(r RawPayload) { r["to"] = "reader@example..com" }, "to"},
		{"to with two ats", func(r RawPayload) { r["to"] = "a@b@example.com" }, "to"},
		{"to with display name", func(r RawPayload) { r["to"] = "Reader <reader@example.com>" }, "to"},
		{"to not a string", func(r RawPayload) { r["to"] = float64(42) }, "to"},
		{"from too long", func(r RawPayload) { r["from"] = strings.Repeat("a", 243) + "@example.com" }, "from"},
		{"from at length limit", func(r RawPayload) { r["from"] = strings.Repeat("a", 242) + "@example.com" }, ""},
		{"receivedAt zero", func(r RawPayload) { r["receivedAt"] = float64(0) }, "receivedAt"},
		{"receivedAt negative", func(r RawPayload) { r["receivedAt"] = float64(-5) }, "receivedAt"},
		{"receivedAt string", func(r RawPayload) { r["receivedAt"] = "yesterday" }, "receivedAt"},
		{"receivedAt missing", func(r RawPayload) { delete(r, "receivedAt") }, "receivedAt"},
		{"receivedAt huge", func(r RawPayload) { r["receivedAt"] = float64(1e300) }, "receivedAt"},
		{"html at limit", func(r RawPayload) { r["htmlContent"] = strings.Repeat("x", MaxContentBytes) }, ""},
		{"html over limit", func(r RawPayload) { r["htmlContent"] = strings.Repeat("x", MaxContentBytes+1) }, "htmlContent"},
		{"text over limit", func(r RawPayload) { r["textContent"] = strings.Repeat("x", MaxContentBytes+1) }, "textContent"},
		{"text wrong type", func(r RawPayload) { r["textContent"] = true }, "textContent"},
		{"sender name too long", func(r RawPayload) { r["senderName"] = strings.Repeat("n", 501) }, "senderName"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := validRaw()
			tt.mutate(raw)
			res := Validate(raw)
			_, ok := res.Valid()
			if tt.field == "" {
				assert.True(t, ok, "unexpected errors: %v", res.Errors())
				return
			}
			assert.False(t, ok)
			assert.Equal(t, []string{tt.field}, fieldsOf(res.Errors()))
		})
	}
}

func TestValidate_CollectsEveryViolation(t *testing.T) {
	res := Validate(RawPayload{
		"to":         "nobody",
		"from":       "also-nobody@",
		"subject":    "",
		"receivedAt": float64(-1),
	})
	_, ok := res.Valid()
	require.False(t, ok)
	assert.ElementsMatch(t, []string{"to", "from", "subject", "receivedAt"}, fieldsOf(res.Errors()))
}

func TestDecodePayload(t *testing.T) {
	raw, err := DecodePayload(strings.NewReader(`{"to":"a@b.co","receivedAt":1}`))
	require.NoError(t, err)
	assert.Equal(t, "a@b.co", raw["to"])
	assert.Equal(t, float64(1), raw["receivedAt"])

	for _, body := range []string{``, `[]`, `"x"`, `{"to":`} {
		_, err := DecodePayload(strings.NewReader(body))
		assert.ErrorIs(t, err, ErrNotObject, "body %q", body)
	}
}
