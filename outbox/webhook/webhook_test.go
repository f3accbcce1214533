package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	keel "github.com/AshkanYarmoradi/go-keel"
	"github.com/AshkanYarmoradi/go-keel/adapters"
	"github.com/AshkanYarmoradi/go-keel/adapters/memory"
)

func TestPublisher_Endpoint(t *testing.T) {
	p := New("https://hooks.example.com/events/", WithEndpoint("audit", "https://audit.example.com/in"))
	assert.Equal(t, "https://hooks.example.com/events/order", p.Endpoint("order"))
	assert.Equal(t, "https://hooks.example.com/events/a%20b", p.Endpoint("a b"))
	assert.Equal(t, "https://audit.example.com/in", p.Endpoint("audit"))
	assert.Empty(t, New("").Endpoint("order"))
}

func TestPublisher_Publish_Success(t *testing.T) {
	var receivedBody []byte
	var receivedHeaders http.Header
	var receivedPath string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedHeaders = r.Header
		receivedPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		receivedBody = body
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	p := New(server.URL, WithDefaultHeaders(map[string]string{"Authorization": "Bearer token"}))

	id, err := p.Publish(context.Background(), "order", adapters.Message{
		Key:     "order-1",
		Payload: []byte(`{"type":"OrderPlaced"}`),
		Headers: map[string]string{keel.HeaderEventID: "evt-1", keel.HeaderEventType: "OrderPlaced"},
	})
	require.NoError(t, err)
	assert.Equal(t, "evt-1", id)

	assert.Equal(t, "/order", receivedPath)
	assert.Equal(t, `{"type":"OrderPlaced"}`, string(receivedBody))
	assert.Equal(t, "application/json", receivedHeaders.Get("Content-Type"))
	assert.Equal(t, "Bearer token", receivedHeaders.Get("Authorization"))
	assert.Equal(t, "OrderPlaced", receivedHeaders.Get(HeaderPrefix+keel.HeaderEventType))
	assert.Equal(t, "evt-1", receivedHeaders.Get("Idempotency-Key"))
}

func TestPublisher_Publish_Errors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		rejected bool
	}{
		{"server error", http.StatusInternalServerError, false},
		{"rate limited", http.StatusTooManyRequests, false},
		{"bad request", http.StatusBadRequest, true},
		{"gone", http.StatusGone, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			_, err := New(server.URL).Publish(context.Background(), "order", adapters.Message{Payload: []byte(`{}`)})
			require.Error(t, err)
			assert.Equal(t, tt.rejected, errors.Is(err, adapters.ErrPublishRejected))
		})
	}

	t.Run("no endpoint", func(t *testing.T) {
		_, err := New("").Publish(context.Background(), "order", adapters.Message{})
		assert.ErrorIs(t, err, adapters.ErrPublishRejected)
	})

	t.Run("timeout", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(100 * time.Millisecond)
		}))
		defer server.Close()

		_, err := New(server.URL, WithTimeout(10*time.Millisecond)).Publish(context.Background(), "order", adapters.Message{})
		require.Error(t, err)
		assert.NotErrorIs(t, err, adapters.ErrPublishRejected)
	})
}

// A server error is retried by the relay; a rejection stops the batch at once.
func TestPublisher_WithRelay(t *testing.T) {
	ctx := context.Background()

	var mu sync.Mutex
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	type OrderPlaced struct{ Customer string }
	store := keel.New(memory.NewAdapter())
	store.RegisterEvents(OrderPlaced{})
	_, err := store.Append(ctx, "order-1", keel.NoStream, []interface{}{OrderPlaced{Customer: "c"}})
	require.NoError(t, err)

	policy := keel.RetryPolicy{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
	relay := keel.NewRelay(store, New(server.URL), memory.NewCheckpointStore(), keel.WithPublishRetry(policy))

	n, err := relay.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, calls)
}
