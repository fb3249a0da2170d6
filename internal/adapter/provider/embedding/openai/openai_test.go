package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crisisrag/internal/platform/retry"
)

func TestEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "text-embedding-3-small", body["model"])
		assert.EqualValues(t, 4, body["dimensions"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","model":"text-embedding-3-small",
			"data":[{"object":"embedding","index":1,"embedding":[0,1,0,0]},{"object":"embedding","index":0,"embedding":[1,0,0,0]}],
			"usage":{"prompt_tokens":2,"total_tokens":2}}`))
	}))
	defer srv.Close()

	e := New(Config{BaseURL: srv.URL, APIKey: "sk", Dims: 4})
	vecs, err := e.Embed(context.Background(), []string{"flood", "fire"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{1, 0, 0, 0}, vecs[0])
	assert.Equal(t, []float32{0, 1, 0, 0}, vecs[1])
}

func fastRetry() retry.Policy {
	return retry.Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}
}

func TestEmbedClassifiesClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	_, err := New(Config{BaseURL: srv.URL, Retry: fastRetry()}).Embed(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.Equal(t, retry.Permanent, retry.Classify(err))
	assert.EqualValues(t, 1, calls.Load())
}

func TestEmbedRetriesServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"object":"list","data":[{"object":"embedding","index":0,"embedding":[1,0,0,0]}],
			"usage":{"prompt_tokens":1,"total_tokens":1}}`))
	}))
	defer srv.Close()

	vecs, err := New(Config{BaseURL: srv.URL, Dims: 4, Retry: fastRetry()}).Embed(context.Background(), []string{"flood"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0, 0, 0}}, vecs)
	assert.EqualValues(t, 3, calls.Load())
}
