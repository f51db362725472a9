package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/groovecrate/batchd/internal/queue/storage"
)

// DecodeItemCursor parses the opaque keyset cursor produced by
// EncodeItemCursor. An empty string decodes to nil (first page).
func DecodeItemCursor(cursorStr string) (*storage.ItemCursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, err
	}

	parts := strings.Split(string(decoded), "|")
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid cursor format")
	}

	var createdAt int64
	if _, err := fmt.Sscanf(parts[0], "%d", &createdAt); err != nil {
		return nil, fmt.Errorf("invalid createdAt in cursor: %w", err)
	}

	return &storage.ItemCursor{
		CreatedAt: time.Unix(0, createdAt),
		ItemID:    parts[1],
	}, nil
}

// EncodeItemCursor packs the keyset position as base64("unixnano|item_id").
func EncodeItemCursor(cursor *storage.ItemCursor) string {
	cs := fmt.Sprintf("%d|%s", cursor.CreatedAt.UnixNano(), cursor.ItemID)
	return base64.StdEncoding.EncodeToString([]byte(cs))
}
