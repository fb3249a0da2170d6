package jina

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crisisrag/internal/platform/retry"
)

func TestEmbedPreservesInputOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer jina-key", r.Header.Get("Authorization"))

		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "jina-embeddings-v3", req.Model)
		assert.Equal(t, 3, req.Dimensions)

		// 倒序返回，验证按 index 还原
		var items []string
		for i := len(req.Input) - 1; i >= 0; i-- {
			items = append(items, fmt.Sprintf(`{"index":%d,"embedding":[%d,0,0]}`, i, i))
		}
		_, _ = w.Write([]byte(`{"data":[` + strings.Join(items, ",") + `],"usage":{"total_tokens":4}}`))
	}))
	defer srv.Close()

	e := New(Config{BaseURL: srv.URL, APIKey: "jina-key", Dims: 3})
	vecs, err := e.Embed(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for i, v := range vecs {
		assert.Equal(t, float32(i), v[0])
	}
	assert.Equal(t, 3, e.Dims())
}

func fastRetry() retry.Policy {
	return retry.Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}
}

func TestEmbedStatusError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "quota", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := New(Config{BaseURL: srv.URL, Retry: fastRetry()}).Embed(context.Background(), []string{"a"})
	var se *retry.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusTooManyRequests, se.StatusCode)
	assert.Equal(t, retry.Transient, retry.Classify(err))
	assert.EqualValues(t, 3, calls.Load(), "rate limiting is retried until attempts run out")
}

func TestEmbedRetriesServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "upstream busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"data":[{"index":0,"embedding":[1,0,0]}]}`))
	}))
	defer srv.Close()

	vecs, err := New(Config{BaseURL: srv.URL, Dims: 3, Retry: fastRetry()}).Embed(context.Background(), []string{"a"})
	require.NoError(t, err)
	require.Len(t, vecs, 1)
	assert.EqualValues(t, 2, calls.Load())
}

func TestEmbedClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad input", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := New(Config{BaseURL: srv.URL, Retry: fastRetry()}).Embed(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.Equal(t, retry.Permanent, retry.Classify(err))
	assert.EqualValues(t, 1, calls.Load())
}

func TestEmbedEmptyInput(t *testing.T) {
	vecs, err := New(Config{}).Embed(context.Background(), nil)
	assert.NoError(t, err)
	assert.Nil(t, vecs)
}
