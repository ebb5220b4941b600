package catalog

import (
	"encoding/base64"
	"encoding/json"

	"github.com/farmlokal/catalog-api/internal/apierror"
)

// Cursor is the opaque continuation token for keyset pagination: the sort
// value and id of the last row of the previous page. The sort value is kept
// as a string so one token shape covers every sortable column.
type Cursor struct {
	SortValue string `json:"sortValue"`
	ID        string `json:"id"`
}

// Encode serializes the cursor as unpadded base64url JSON.
func (c Cursor) Encode() string {
	data, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeCursor is the strict inverse of Encode. Any malformed token is a
// client error, never a server fault.
func DecodeCursor(token string) (Cursor, error) {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, apierror.Validation("invalid cursor format", nil)
	}

	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return Cursor{}, apierror.Validation("invalid cursor format", nil)
	}
	if c.ID == "" {
		return Cursor{}, apierror.Validation("invalid cursor format", nil)
	}

	return c, nil
}
