package webhook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"eventType":"product.updated","data":{"productId":"p-1"},"timestamp":1767000000}`)
	secret := "webhook-secret"

	signature := Sign(payload, secret)
	assert.Len(t, signature, 64, "hex sha256 digest")

	assert.True(t, VerifySignature(payload, signature, secret))

	t.Run("mutated payload", func(t *testing.T) {
		tampered := append([]byte{}, payload...)
		tampered[len(tampered)-2] = '1'
		assert.False(t, VerifySignature(tampered, signature, secret))
	})

	t.Run("wrong secret", func(t *testing.T) {
		assert.False(t, VerifySignature(payload, signature, "other-secret"))
	})

	t.Run("empty signature", func(t *testing.T) {
		assert.False(t, VerifySignature(payload, "", secret))
	})
}

func TestVerifyTimestamp(t *testing.T) {
	now := time.Unix(1767000000, 0)
	tolerance := 300 * time.Second

	cases := []struct {
		name      string
		timestamp int64
		want      bool
	}{
		{"current", now.Unix(), true},
		{"just inside, past", now.Unix() - 299, true},
		{"at the boundary", now.Unix() - 300, true},
		{"just outside, past", now.Unix() - 301, false},
		{"just inside, future", now.Unix() + 299, true},
		{"just outside, future", now.Unix() + 301, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, VerifyTimestamp(tc.timestamp, tolerance, now))
		})
	}
}
