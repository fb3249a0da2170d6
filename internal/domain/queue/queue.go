// Package queue 嵌入任务队列的领域模型与端口
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"crisisrag/internal/domain/signal"
)

// ErrTaskNotClaimed 表示任务不在 PROCESSING 状态，Complete/Fail 不生效
var (
	ErrTaskNotFound   = errors.New("task not found")
	ErrTaskNotClaimed = errors.New("task not claimed")
)

// State 任务状态
type State string

const (
	StatePending    State = "PENDING"
	StateProcessing State = "PROCESSING"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
)

const (
	// DefaultPriority 数值越小越紧急
	DefaultPriority   = 5
	DefaultMaxRetries = 3
)

// Task 一个嵌入任务
type Task struct {
	ID            string               `json:"id"`
	DocumentID    string               `json:"document_id"`
	Text          string               `json:"text"`
	EmbeddingType signal.EmbeddingType `json:"embedding_type"`
	State         State                `json:"state"`
	RetryCount    int                  `json:"retry_count"`
	MaxRetries    int                  `json:"max_retries"`
	Priority      int                  `json:"priority"`
	LastError     string               `json:"last_error,omitempty"`
	ClaimedAt     *time.Time           `json:"claimed_at,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// Payload 入队消息体
type Payload struct {
	DocumentID    string               `json:"document_id"`
	Text          string               `json:"text"`
	EmbeddingType signal.EmbeddingType `json:"embedding_type"`
}

// Payload 返回任务的消息体
func (t *Task) Payload() Payload {
	return Payload{DocumentID: t.DocumentID, Text: t.Text, EmbeddingType: t.EmbeddingType}
}

// MarshalPayload 序列化消息体，供持久化层存储
func (t *Task) MarshalPayload() ([]byte, error) {
	return json.Marshal(t.Payload())
}

// NewTask 为文档创建一个待处理任务
func NewTask(doc signal.StoredDocument, now time.Time) Task {
	return Task{
		ID:            uuid.NewString(),
		DocumentID:    doc.ID,
		Text:          doc.Text,
		EmbeddingType: signal.EmbeddingTypeFor(doc.Source),
		State:         StatePending,
		MaxRetries:    DefaultMaxRetries,
		Priority:      DefaultPriority,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Normalize 填充缺省字段
func (t *Task) Normalize(now time.Time) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.State == "" {
		t.State = StatePending
	}
	if t.Priority <= 0 {
		t.Priority = DefaultPriority
	}
	if t.MaxRetries <= 0 {
		t.MaxRetries = DefaultMaxRetries
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
}

// Claimed 任务是否处于被领取状态
func (t *Task) Claimed() bool { return t.State == StateProcessing }

// ApplyFailure 记录一次失败：retry_count+1，未达上限回到 PENDING，否则终态 FAILED
func (t *Task) ApplyFailure(cause error, now time.Time) {
	t.RetryCount++
	if cause != nil {
		t.LastError = cause.Error()
	}
	t.ClaimedAt = nil
	t.UpdatedAt = now
	if t.RetryCount < t.MaxRetries {
		t.State = StatePending
	} else {
		t.State = StateFailed
	}
}

// Queue 任务队列端口。ClaimBatch 必须原子地把任务从 PENDING 置为 PROCESSING，
// 两个并发调用者不会拿到同一任务。
type Queue interface {
	Enqueue(ctx context.Context, task Task) (Task, error)
	ClaimBatch(ctx context.Context, n int) ([]Task, error)
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id string, cause error) error
	ListFailed(ctx context.Context, limit int) ([]Task, error)
	// RequeueStale 把领取时间早于 olderThan 的 PROCESSING 任务退回 PENDING，返回数量
	RequeueStale(ctx context.Context, olderThan time.Time) (int, error)
}
