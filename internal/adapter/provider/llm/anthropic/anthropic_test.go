package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crisisrag/internal/platform/retry"
	"crisisrag/internal/provider"
)

func TestCompleteSplitsSystemPrompt(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude-test",
			"content":[{"type":"text","text":"stay indoors"}],
			"stop_reason":"end_turn","usage":{"input_tokens":3,"output_tokens":2}}`))
	}))
	defer srv.Close()

	p := New(Config{APIKey: "k", BaseURL: srv.URL})
	resp, err := p.Complete(context.Background(), &provider.CompletionRequest{
		Model: "claude-test",
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: "you are a dispatcher"},
			{Role: provider.RoleUser, Content: "what now?"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "stay indoors", resp.Content)
	assert.Equal(t, 5, resp.Usage.TotalTokens)
	assert.Equal(t, "you are a dispatcher", body["system"])
	msgs, ok := body["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, msgs, 1)
}

func TestCompleteClassifiesErrors(t *testing.T) {
	for _, tc := range []struct {
		status  int
		errType string
		kind    retry.Kind
	}{
		{http.StatusTooManyRequests, "rate_limit_error", retry.Transient},
		{http.StatusBadRequest, "invalid_request_error", retry.Permanent},
		{http.StatusInternalServerError, "api_error", retry.Transient},
	} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"type":"error","error":{"type":"` + tc.errType + `","message":"x"}}`))
		}))

		_, err := New(Config{BaseURL: srv.URL}).Complete(context.Background(), &provider.CompletionRequest{
			Model:    "m",
			Messages: []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
		})
		srv.Close()

		require.Error(t, err)
		assert.Equal(t, tc.kind, retry.Classify(err), tc.errType)
	}
}
