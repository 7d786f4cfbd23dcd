package pagination

import (
	"encoding/base64"
	"encoding/json"
)

// Cursor is the decoded form of an opaque page token. Listings order by
// snowflake ID, which is creation-ordered, so the ID alone positions the
// cursor.
type Cursor struct {
	ID string `json:"id,omitempty"`
}

type PageInfo struct {
	NextPageToken string `json:"next_page_token"`
	HasMore       bool   `json:"has_more"`
}

func EncodeCursor(data Cursor) (string, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func DecodeCursor(data string) (*Cursor, error) {
	b, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, err
	}

	var cursor Cursor
	if err := json.Unmarshal(b, &cursor); err != nil {
		return nil, err
	}
	return &cursor, nil
}

// BuildCursorPageInfo trims one extra fetched row into a has-more marker.
func BuildCursorPageInfo[T any](data []T, limit int, extractCursor func(T) string) PageInfo {
	if len(data) == 0 {
		return PageInfo{}
	}

	hasMore := len(data) > limit
	last := len(data) - 1
	if hasMore {
		last = limit - 1
	}

	return PageInfo{
		HasMore:       hasMore,
		NextPageToken: extractCursor(data[last]),
	}
}
