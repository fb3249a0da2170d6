// Package ingest 并发运行各数据源适配器：规范化、落库、派生告警并投递嵌入任务。
package ingest

import (
	"context"

	"crisisrag/internal/domain/queue"
	"crisisrag/internal/domain/signal"
)

// Adapter 外部数据源适配器
type Adapter interface {
	Source() signal.Source
	Fetch(ctx context.Context) ([]signal.RawItem, error)
}

// Store 文档与告警持久化。record_id 重复时 InsertDocument 返回 signal.ErrDuplicateRecord。
type Store interface {
	InsertDocument(ctx context.Context, doc signal.StoredDocument) error
	InsertAlert(ctx context.Context, alert signal.AlertRecord) error
}

// TaskQueue 嵌入任务入队
type TaskQueue interface {
	Enqueue(ctx context.Context, task queue.Task) (queue.Task, error)
}

// AlertPublisher 新告警推送（可选）
type AlertPublisher interface {
	PublishAlert(ctx context.Context, alert signal.AlertRecord) error
}

// Locker 跨副本的数据源互斥（可选）
type Locker interface {
	Acquire(ctx context.Context, source string) (bool, error)
	Release(ctx context.Context, source string) error
}
