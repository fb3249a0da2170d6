package memorydb

import (
	"context"
	"fmt"
	"sort"
	"time"

	"crisisrag/internal/domain/queue"
	applog "crisisrag/internal/platform/log"
)

// Enqueue 入队，缺省字段按 Task.Normalize 填充
func (s *Store) Enqueue(ctx context.Context, task queue.Task) (queue.Task, error) {
	if err := ctx.Err(); err != nil {
		return queue.Task{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	task.Normalize(s.now())
	if _, ok := s.tasks[task.ID]; ok {
		return queue.Task{}, fmt.Errorf("task %s already exists", task.ID)
	}
	t := task
	s.tasks[t.ID] = &t
	return task, nil
}

// ClaimBatch 在同一把锁内挑选并标记任务，保证并发调用者不会领到同一任务。
// 顺序：priority 升序，其次 created_at 升序。
func (s *Store) ClaimBatch(ctx context.Context, n int) ([]queue.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*queue.Task
	for _, t := range s.tasks {
		if t.State == queue.StatePending {
			pending = append(pending, t)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority < pending[j].Priority
		}
		if !pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].CreatedAt.Before(pending[j].CreatedAt)
		}
		return pending[i].ID < pending[j].ID
	})
	if len(pending) > n {
		pending = pending[:n]
	}

	now := s.now()
	out := make([]queue.Task, 0, len(pending))
	for _, t := range pending {
		claimed := now
		t.State = queue.StateProcessing
		t.ClaimedAt = &claimed
		t.UpdatedAt = now
		out = append(out, *t)
	}
	return out, nil
}

// Complete 标记任务完成，只接受 PROCESSING 状态的任务
func (s *Store) Complete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", queue.ErrTaskNotFound, id)
	}
	if !t.Claimed() {
		return fmt.Errorf("%w: %s is %s", queue.ErrTaskNotClaimed, id, t.State)
	}
	t.State = queue.StateCompleted
	t.ClaimedAt = nil
	t.LastError = ""
	t.UpdatedAt = s.now()
	return nil
}

// Fail 记录失败，未达重试上限的任务回到 PENDING；非 PROCESSING 任务返回 ErrTaskNotClaimed
func (s *Store) Fail(ctx context.Context, id string, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", queue.ErrTaskNotFound, id)
	}
	if !t.Claimed() {
		return fmt.Errorf("%w: %s is %s", queue.ErrTaskNotClaimed, id, t.State)
	}
	t.ApplyFailure(cause, s.now())
	if t.State == queue.StateFailed {
		applog.Warn("[Queue] Task failed permanently", "task_id", id, "retries", t.RetryCount, "error", t.LastError)
	}
	return nil
}

// ListFailed 返回终态失败的任务，最近更新的在前
func (s *Store) ListFailed(ctx context.Context, limit int) ([]queue.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []queue.Task
	for _, t := range s.tasks {
		if t.State == queue.StateFailed {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RequeueStale 回收租约过期的 PROCESSING 任务
func (s *Store) RequeueStale(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	now := s.now()
	for _, t := range s.tasks {
		if t.State != queue.StateProcessing || t.ClaimedAt == nil || !t.ClaimedAt.Before(olderThan) {
			continue
		}
		t.State = queue.StatePending
		t.ClaimedAt = nil
		t.UpdatedAt = now
		n++
	}
	return n, nil
}

// Task 按 ID 读取任务快照
func (s *Store) Task(ctx context.Context, id string) (queue.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return queue.Task{}, fmt.Errorf("%w: %s", queue.ErrTaskNotFound, id)
	}
	return *t, nil
}

var _ queue.Queue = (*Store)(nil)
