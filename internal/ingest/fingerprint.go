package ingest

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Fingerprint identifies one logical message for one account. It covers the
// normalized sender, subject and bodies and ignores delivery metadata such as
// timestamps and relay ids, which change between redeliveries.
func Fingerprint(senderEmail, subject, html, text string) string {
	return digest(
		NormalizeEmail(senderEmail),
		normalizeSubject(subject),
		normalizeBody(html),
		normalizeBody(text),
	)
}

// ContentHash identifies a body pair across accounts for shared storage.
func ContentHash(html, text string) string {
	return digest(normalizeBody(html), normalizeBody(text))
}

// DeliveryMessageID derives the delivery log key for payloads that carry no
// relay message id. A relay retry of the same payload maps to the same key.
func DeliveryMessageID(p Payload) string {
	key := digest(NormalizeEmail(p.To), normalizeSubject(p.Subject), normalizeBody(p.HTMLContent), normalizeBody(p.TextContent))
	return fmt.Sprintf("%d-%s-%s", p.ReceivedAtMillis, NormalizeEmail(p.From), key[:16])
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func normalizeSubject(subject string) string {
	return strings.Join(strings.Fields(subject), " ")
}

func normalizeBody(body string) string {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	return strings.TrimSpace(body)
}

// digest hashes each part with a length prefix so that shifting bytes between
// adjacent parts changes the result.
func digest(parts ...string) string {
	h, _ := blake2b.New256(nil)
	for _, part := range parts {
		fmt.Fprintf(h, "%d:", len(part))
		h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))
}
