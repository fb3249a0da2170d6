package genai

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crisisrag/internal/platform/retry"
	"crisisrag/internal/provider"
)

// scriptedLLM 按顺序返回预设结果
type scriptedLLM struct {
	mu       sync.Mutex
	replies  []string
	errs     []error
	requests []*provider.CompletionRequest
}

func (s *scriptedLLM) Name() string { return "scripted" }

func (s *scriptedLLM) Complete(_ context.Context, req *provider.CompletionRequest) (*provider.CompletionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := len(s.requests)
	s.requests = append(s.requests, req)
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i < len(s.replies) {
		return &provider.CompletionResponse{Content: s.replies[i]}, nil
	}
	return nil, errors.New("no scripted reply")
}

func (s *scriptedLLM) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func noSleep(context.Context, time.Duration) error { return nil }

func newTestClient(llm provider.LLMProvider) *Client {
	return NewClient(llm, Config{
		Model: "test-model",
		Retry: retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Sleep: noSleep},
	})
}

func TestExtractEntitiesParseChain(t *testing.T) {
	cases := map[string]string{
		"direct": `{"disaster_type":"Flood","severity":"HIGH","locations":["Houston"]}`,
		"fenced": "Sure! Here you go:\n```json\n{\"disaster_type\":\"flood\",\"severity\":\"high\",\"locations\":[\"Houston\"]}\n```\nStay safe.",
		"braces": `The entities are {"disaster_type":"flood","severity":"high","location":"Houston"} as requested.`,
	}
	for name, reply := range cases {
		t.Run(name, func(t *testing.T) {
			c := newTestClient(&scriptedLLM{replies: []string{reply}})
			ent := c.ExtractEntities(context.Background(), "flooding in Houston")

			assert.Equal(t, MethodLLM, ent.Method)
			assert.Equal(t, "flood", ent.DisasterType)
			assert.Equal(t, "high", ent.Severity)
			assert.Equal(t, []string{"Houston"}, ent.Locations)
		})
	}
}

func TestExtractEntitiesHeuristicFallback(t *testing.T) {
	llm := &scriptedLLM{replies: []string{"I cannot help with that."}}
	ent := newTestClient(llm).ExtractEntities(context.Background(), "Severe flash flood near Harris County tonight")

	assert.Equal(t, MethodHeuristic, ent.Method)
	assert.Equal(t, "flood", ent.DisasterType)
	assert.Equal(t, "high", ent.Severity)
	assert.Equal(t, []string{"Harris County"}, ent.Locations)
}

func TestExtractEntitiesBackendDown(t *testing.T) {
	down := &retry.StatusError{StatusCode: http.StatusServiceUnavailable}
	llm := &scriptedLLM{errs: []error{down, down, down}}
	ent := newTestClient(llm).ExtractEntities(context.Background(), "wildfire in Malibu")

	assert.Equal(t, 3, llm.calls())
	assert.Equal(t, MethodHeuristic, ent.Method)
	assert.Equal(t, "wildfire", ent.DisasterType)
	assert.Equal(t, []string{"Malibu"}, ent.Locations)
}

func TestClientErrorNotRetried(t *testing.T) {
	llm := &scriptedLLM{errs: []error{&retry.StatusError{StatusCode: http.StatusBadRequest}}}
	_, err := newTestClient(llm).GenerateResponse(context.Background(), "q", Context{})
	require.Error(t, err)
	assert.Equal(t, 1, llm.calls())
}

func TestSummarizeFallsBackToTruncation(t *testing.T) {
	llm := &scriptedLLM{errs: []error{&retry.StatusError{StatusCode: http.StatusUnauthorized}}}
	text := strings.Repeat("river levels rising ", 20)
	out := newTestClient(llm).Summarize(context.Background(), text, 50)

	assert.LessOrEqual(t, utf8.RuneCountInString(out), 50)
	assert.True(t, strings.HasPrefix(out, "river levels rising"))
}

func TestSummarizeShortTextUntouched(t *testing.T) {
	llm := &scriptedLLM{}
	out := newTestClient(llm).Summarize(context.Background(), " short ", 50)
	assert.Equal(t, "short", out)
	assert.Equal(t, 0, llm.calls())
}

func TestSummarizeClampsModelOutput(t *testing.T) {
	llm := &scriptedLLM{replies: []string{strings.Repeat("x", 80)}}
	out := newTestClient(llm).Summarize(context.Background(), strings.Repeat("y", 100), 40)
	assert.Equal(t, 40, utf8.RuneCountInString(out))
}

func TestGenerateResponsePrompt(t *testing.T) {
	llm := &scriptedLLM{replies: []string{"Evacuate low-lying areas."}}
	rc := Context{
		Incidents: []IncidentContext{{ID: "d1", Title: "Flood Warning issued for Houston", Summary: "Bayou rising", Source: "weather", Severity: 4}},
		Protocols: []ProtocolContext{{ID: "p1", Title: "Flood Response Protocol", Summary: "Move to higher ground"}},
	}
	out, err := newTestClient(llm).GenerateResponse(context.Background(), "what should we do about flooding?", rc)
	require.NoError(t, err)
	assert.Equal(t, "Evacuate low-lying areas.", out)

	req := llm.requests[0]
	require.Len(t, req.Messages, 2)
	assert.Equal(t, provider.RoleSystem, req.Messages[0].Role)
	assert.Contains(t, req.Messages[1].Content, "Flood Warning issued for Houston")
	assert.Contains(t, req.Messages[1].Content, "severity 4/5")
	assert.Contains(t, req.Messages[1].Content, "Flood Response Protocol")
}

func TestGenerateResponseEmptyCompletion(t *testing.T) {
	llm := &scriptedLLM{replies: []string{"   "}}
	_, err := newTestClient(llm).GenerateResponse(context.Background(), "q", Context{})
	assert.ErrorIs(t, err, ErrEmptyCompletion)
}
