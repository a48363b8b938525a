package blob

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

const contentType = "application/json"

// Content is the stored body of one newsletter. Objects are written once and
// never modified.
type Content struct {
	HTMLContent string `json:"htmlContent,omitempty"`
	TextContent string `json:"textContent,omitempty"`
}

func PrivateContentKey(accountID uuid.UUID) string {
	return fmt.Sprintf("private/%s/%s.json", accountID, uuid.New())
}

func SharedContentKey(hash string) string {
	prefix := hash
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	return fmt.Sprintf("shared/%s/%s.json", prefix, hash)
}

func PutContent(ctx context.Context, store Store, key string, content Content) (int64, error) {
	data, err := json.Marshal(content)
	if err != nil {
		return 0, fmt.Errorf("encode content: %w", err)
	}
	if err := store.Put(ctx, key, contentType, data); err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

func GetContent(ctx context.Context, store Store, key string) (Content, error) {
	var content Content
	data, err := store.Get(ctx, key)
	if err != nil {
		return content, err
	}
	if err := json.Unmarshal(data, &content); err != nil {
		return content, fmt.Errorf("decode content %s: %w", key, err)
	}
	return content, nil
}
