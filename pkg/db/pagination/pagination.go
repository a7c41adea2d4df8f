package pagination

import (
	"encoding/base64"
	"encoding/json"
)

type Pagination struct {
	PageToken string `form:"page_token"`
	PageSize  int    `form:"page_size,default=50"`
}

type Cursor struct {
	ID        string `json:"id,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
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

func DecodeCursor(token string) (Cursor, error) {
	var cursor Cursor
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return cursor, err
	}
	if err := json.Unmarshal(raw, &cursor); err != nil {
		return cursor, err
	}
	return cursor, nil
}

// BuildCursorPageInfo derives page info from a result slice fetched with
// pageSize+1 rows, using tokenFor to encode the boundary row.
func BuildCursorPageInfo[T any](items []*T, pageSize int32, tokenFor func(*T) string) *PageInfo {
	if pageSize <= 0 || len(items) <= int(pageSize) {
		return &PageInfo{}
	}
	boundary := items[pageSize-1]
	return &PageInfo{
		NextPageToken: tokenFor(boundary),
		HasMore:       true,
	}
}
