package queue

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crisisrag/internal/domain/signal"
)

func TestNewTaskDefaults(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	task := NewTask(signal.StoredDocument{ID: "doc-1", Text: "river rising", Source: signal.SourceProtocol}, now)

	assert.NotEmpty(t, task.ID)
	assert.Equal(t, StatePending, task.State)
	assert.Equal(t, DefaultPriority, task.Priority)
	assert.Equal(t, DefaultMaxRetries, task.MaxRetries)
	assert.Equal(t, signal.EmbeddingType("EMBED_PROTOCOL"), task.EmbeddingType)

	raw, err := task.MarshalPayload()
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, "doc-1", m["document_id"])
	assert.Equal(t, "river rising", m["text"])
	assert.Equal(t, "EMBED_PROTOCOL", m["embedding_type"])
}

func TestApplyFailureRetryCap(t *testing.T) {
	now := time.Now()
	task := Task{MaxRetries: 3, State: StateProcessing}

	task.ApplyFailure(errors.New("boom"), now)
	assert.Equal(t, StatePending, task.State)
	task.ApplyFailure(errors.New("boom"), now)
	assert.Equal(t, StatePending, task.State)
	task.ApplyFailure(errors.New("final"), now)
	assert.Equal(t, StateFailed, task.State)
	assert.Equal(t, 3, task.RetryCount)
	assert.Equal(t, "final", task.LastError)
	assert.Nil(t, task.ClaimedAt)
}

func TestNormalizeFillsDefaults(t *testing.T) {
	now := time.Now()
	task := Task{DocumentID: "d"}
	task.Normalize(now)
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, StatePending, task.State)
	assert.Equal(t, DefaultPriority, task.Priority)
	assert.Equal(t, now, task.CreatedAt)
}
