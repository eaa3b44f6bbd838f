package pagination

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/untoldecay/ChangeFlow/internal/types"
)

const (
	// MaxTokenSize rejects absurdly large cursors before any decoding.
	MaxTokenSize = 1024

	// DefaultTokenTTL bounds how long a listing epoch stays resumable.
	DefaultTokenTTL = 24 * time.Hour
)

// tokenPayload is the decoded cursor. Field order is alphabetical so the
// canonical serialization is stable.
type tokenPayload struct {
	Page      int    `json:"page"`
	SortKey   string `json:"sortKey"`
	Timestamp int64  `json:"timestamp"` // epoch start, unix milliseconds
}

// TokenCodec issues and validates opaque page tokens. With a signing key the
// token carries an HMAC-SHA256 tag; without one it is plain base64.
type TokenCodec struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewTokenCodec builds a codec. An empty key disables signing.
func NewTokenCodec(key string) *TokenCodec {
	tc := &TokenCodec{ttl: DefaultTokenTTL, now: time.Now}
	if key != "" {
		tc.key = []byte(key)
	}
	return tc
}

// Issue encodes a cursor for the given page, resume key, and epoch start.
func (tc *TokenCodec) Issue(page int, sortKey string, epoch time.Time) string {
	payload, _ := json.Marshal(tokenPayload{
		Page:      page,
		SortKey:   sortKey,
		Timestamp: epoch.UnixMilli(),
	})
	token := base64.RawURLEncoding.EncodeToString(payload)
	if len(tc.key) > 0 {
		mac := hmac.New(sha256.New, tc.key)
		mac.Write(payload)
		token += "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	}
	return token
}

// Decode validates a cursor and returns its payload. Violations map to
// INVALID_CURSOR_TOKEN; an aged-out epoch maps to EXPIRED_CURSOR_TOKEN.
func (tc *TokenCodec) Decode(token string) (tokenPayload, error) {
	var p tokenPayload

	if len(token) > MaxTokenSize {
		return p, types.NewError(types.CodeInvalidCursor, "page token exceeds %d bytes", MaxTokenSize).
			WithHint("request the first page again without a token")
	}

	body := token
	var sig string
	if idx := strings.IndexByte(token, '.'); idx >= 0 {
		body, sig = token[:idx], token[idx+1:]
	}

	payload, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return p, types.NewError(types.CodeInvalidCursor, "page token is not valid base64").
			WithHint("request the first page again without a token")
	}

	if len(tc.key) > 0 {
		if sig == "" {
			return p, types.NewError(types.CodeInvalidCursor, "page token is missing its signature")
		}
		got, err := base64.RawURLEncoding.DecodeString(sig)
		if err != nil {
			return p, types.NewError(types.CodeInvalidCursor, "page token signature is not valid base64")
		}
		mac := hmac.New(sha256.New, tc.key)
		mac.Write(payload)
		if !hmac.Equal(got, mac.Sum(nil)) {
			return p, types.NewError(types.CodeInvalidCursor, "page token signature mismatch").
				WithHint("tokens are only valid on the server that issued them")
		}
	}

	if err := json.Unmarshal(payload, &p); err != nil {
		return p, types.NewError(types.CodeInvalidCursor, "page token payload is malformed")
	}
	if p.Page < 1 || p.SortKey == "" || p.Timestamp <= 0 {
		return p, types.NewError(types.CodeInvalidCursor, "page token payload has an unexpected shape")
	}
	if _, _, err := parseSortKey(p.SortKey); err != nil {
		return p, types.NewError(types.CodeInvalidCursor, "page token carries an invalid sort key")
	}

	age := tc.now().Sub(time.UnixMilli(p.Timestamp))
	if age > tc.ttl {
		return p, types.NewError(types.CodeExpiredCursor, "page token expired %s ago", (age - tc.ttl).Round(time.Second)).
			WithHint("request the first page again without a token")
	}

	return p, nil
}
