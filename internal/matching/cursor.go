package matching

import (
	"encoding/base64"
	"encoding/json"
)

type cursorPayload struct {
	Offset int `json:"o"`
}

// encodeCursor builds the opaque continuation token for the next page.
func encodeCursor(offset int) string {
	raw, _ := json.Marshal(cursorPayload{Offset: offset})
	return base64.RawURLEncoding.EncodeToString(raw)
}

// decodeCursor recovers the offset from a continuation token.
func decodeCursor(cursor string) (int, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, &ValidationError{Field: "cursor", Reason: "not a valid continuation token"}
	}
	var payload cursorPayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Offset < 0 {
		return 0, &ValidationError{Field: "cursor", Reason: "not a valid continuation token"}
	}
	return payload.Offset, nil
}
