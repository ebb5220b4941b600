// Package webhook receives supplier events: HMAC authentication, timestamp
// freshness and exactly-once recording. Verification always precedes the
// idempotency check, so an unauthenticated request can neither read nor
// influence ledger state.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Sign computes the hex HMAC-SHA256 of payload under secret. Senders sign
// the raw request body exactly as transmitted.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches payload under secret.
// The comparison is constant time.
func VerifySignature(payload []byte, signature, secret string) bool {
	expected := Sign(payload, secret)
	return hmac.Equal([]byte(signature), []byte(expected))
}

// VerifyTimestamp reports whether the Unix timestamp is within tolerance of
// now, in either direction.
func VerifyTimestamp(timestamp int64, tolerance time.Duration, now time.Time) bool {
	diff := now.Unix() - timestamp
	if diff < 0 {
		diff = -diff
	}
	return diff <= int64(tolerance.Seconds())
}
