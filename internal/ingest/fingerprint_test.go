package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprint_Normalizes(t *testing.T) {
	base := Fingerprint("news@example.com", "Weekly  digest", "<p>hi</p>\r\n", "hi")

	assert.Len(t, base, 64)
	assert.Equal(t, base, Fingerprint(" NEWS@example.com ", "Weekly digest", "<p>hi</p>\n", "hi\n"))
	assert.NotEqual(t, base, Fingerprint("other@example.com", "Weekly digest", "<p>hi</p>", "hi"))
	assert.NotEqual(t, base, Fingerprint("news@example.com", "Weekly digest #2", "<p>hi</p>", "hi"))
	assert.NotEqual(t, base, Fingerprint("news@example.com", "Weekly digest", "<p>hi</p>", "hello"))
}

func TestFingerprint_PartsDoNotBleed(t *testing.T) {
	assert.NotEqual(t,
		Fingerprint("news@example.com", "ab", "c", ""),
		Fingerprint("news@example.com", "a", "bc", ""),
	)
	assert.NotEqual(t, ContentHash("ab", ""), ContentHash("a", "b"))
}

func TestDeliveryMessageID(t *testing.T) {
	p := payload("Stable")
	id := DeliveryMessageID(p)
	assert.Equal(t, id, DeliveryMessageID(p))
	assert.Regexp(t, `^1700000000000-news@example\.com-[0-9a-f]{16}$`, id)

	p.To = "someone-else@inbox.mailslot.test"
	assert.NotEqual(t, id, DeliveryMessageID(p))
}
