package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/farmlokal/catalog-api/internal/apierror"
	"github.com/farmlokal/catalog-api/internal/config"
)

const testSecret = "webhook-secret"

func newTestService(store eventStore) *Service {
	return NewService(newTestLedger(store), config.WebhookConfig{
		Secret:                    testSecret,
		TimestampToleranceSeconds: 300,
	})
}

func signedDelivery(t *testing.T, eventType string, ts int64) (body []byte, signature, timestamp string) {
	t.Helper()

	body, err := json.Marshal(map[string]any{
		"eventType": eventType,
		"data":      map[string]any{"productId": "p-1"},
		"timestamp": ts,
	})
	require.NoError(t, err)

	return body, Sign(body, testSecret), strconv.FormatInt(ts, 10)
}

func TestService_ProcessNewEvent(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)

	body, signature, timestamp := signedDelivery(t, "product.updated", time.Now().Unix())

	result, err := svc.Process(context.Background(), body, signature, timestamp, "evt-1")
	require.NoError(t, err)

	assert.True(t, result.Acknowledged)
	assert.False(t, result.Duplicate)
	require.Len(t, store.events, 1)
	assert.Equal(t, "product.updated", store.events["evt-1"].EventType)
}

func TestService_RedeliveryReportsDuplicate(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)
	ctx := context.Background()

	body, signature, timestamp := signedDelivery(t, "product.updated", time.Now().Unix())

	_, err := svc.Process(ctx, body, signature, timestamp, "evt-1")
	require.NoError(t, err)

	result, err := svc.Process(ctx, body, signature, timestamp, "evt-1")
	require.NoError(t, err)

	assert.True(t, result.Acknowledged)
	assert.True(t, result.Duplicate)
	assert.Len(t, store.events, 1)
}

func TestService_TamperedBodyRejectedBeforeLedger(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)

	body, signature, timestamp := signedDelivery(t, "product.updated", time.Now().Unix())
	tampered := append([]byte{}, body...)
	tampered[len(tampered)-2]++

	_, err := svc.Process(context.Background(), tampered, signature, timestamp, "evt-1")
	require.Error(t, err)

	assert.True(t, apierror.Is(err, apierror.CodeAuthentication))
	assert.Empty(t, store.events, "unauthenticated deliveries must not touch the ledger")
	assert.Zero(t, store.finds)
}

func TestService_StaleTimestampRejected(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)

	body, signature, timestamp := signedDelivery(t, "product.updated", time.Now().Add(-301*time.Second).Unix())

	_, err := svc.Process(context.Background(), body, signature, timestamp, "evt-1")
	require.Error(t, err)

	assert.True(t, apierror.Is(err, apierror.CodeAuthentication))
	assert.Empty(t, store.events)
}

func TestService_FreshTimestampAccepted(t *testing.T) {
	svc := newTestService(newMemStore())

	body, signature, timestamp := signedDelivery(t, "product.updated", time.Now().Add(-299*time.Second).Unix())

	result, err := svc.Process(context.Background(), body, signature, timestamp, "evt-1")
	require.NoError(t, err)
	assert.True(t, result.Acknowledged)
}

func TestService_MissingHeaders(t *testing.T) {
	svc := newTestService(newMemStore())
	body, signature, timestamp := signedDelivery(t, "product.updated", time.Now().Unix())

	cases := []struct {
		name                      string
		signature, timestamp, key string
	}{
		{"no signature", "", timestamp, "evt-1"},
		{"no timestamp", signature, "", "evt-1"},
		{"no idempotency key", signature, timestamp, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Process(context.Background(), body, tc.signature, tc.timestamp, tc.key)
			require.Error(t, err)
			assert.True(t, apierror.Is(err, apierror.CodeValidation))
		})
	}
}

func TestService_InvalidBody(t *testing.T) {
	svc := newTestService(newMemStore())

	for name, body := range map[string][]byte{
		"not json":           []byte("not json at all"),
		"missing event type": []byte(`{"data":{},"timestamp":1}`),
	} {
		t.Run(name, func(t *testing.T) {
			signature := Sign(body, testSecret)
			timestamp := fmt.Sprint(time.Now().Unix())

			_, err := svc.Process(context.Background(), body, signature, timestamp, "evt-1")
			require.Error(t, err)
			assert.True(t, apierror.Is(err, apierror.CodeValidation))
		})
	}
}
