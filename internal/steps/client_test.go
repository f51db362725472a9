package steps

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groovecrate/batchd/internal/queue"
)

func TestPostJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"story":"a story"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-key")

	var resp struct {
		Success bool   `json:"success"`
		Story   string `json:"story"`
	}
	err := client.PostJSON(context.Background(), "/v1/stories/generate", map[string]string{"artist": "x"}, &resp)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "a story", resp.Story)
}

func TestPostJSONRetriesOnceOn429(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "", WithRateLimitWait(10*time.Millisecond))

	var resp struct {
		OK bool `json:"ok"`
	}
	err := client.PostJSON(context.Background(), "/v1/test", nil, &resp)
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Equal(t, int32(2), calls.Load())
}

func TestPostJSONSecond429IsAnError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewClient(server.URL, "", WithRateLimitWait(10*time.Millisecond))

	err := client.PostJSON(context.Background(), "/v1/test", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 429")
	// Exactly one retry, never a loop.
	assert.Equal(t, int32(2), calls.Load())
	assert.False(t, queue.IsPermanent(err))
}

func TestPostJSONCanceledDuringRateLimitWait(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewClient(server.URL, "", WithRateLimitWait(time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := client.PostJSON(ctx, "/v1/test", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate-limit wait")
}

func TestPostJSONUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"boom"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "")

	err := client.PostJSON(context.Background(), "/v1/test", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
	assert.Contains(t, err.Error(), "boom")
	// Server errors are transient; the queue attempt ceiling handles them.
	assert.False(t, queue.IsPermanent(err))
}

func TestPostJSONMalformedResponseIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>not json</html>`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "")

	var resp struct{}
	err := client.PostJSON(context.Background(), "/v1/test", nil, &resp)
	require.Error(t, err)
	assert.True(t, queue.IsPermanent(err))
	assert.Contains(t, err.Error(), "malformed response JSON")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate([]byte("short"), 200))

	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}
	got := truncate(long, 200)
	assert.Len(t, got, 203)
	assert.Contains(t, got, "...")
}
