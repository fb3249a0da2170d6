package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"crisisrag/internal/domain/queue"
	applog "crisisrag/internal/platform/log"
)

const taskColumns = `id, payload, state, retry_count, max_retries, priority, last_error, claimed_at, created_at, updated_at`

// Enqueue 写入嵌入任务
func (r *Repository) Enqueue(ctx context.Context, task queue.Task) (queue.Task, error) {
	task.Normalize(time.Now().UTC())
	payload, err := task.MarshalPayload()
	if err != nil {
		return queue.Task{}, fmt.Errorf("marshal payload: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO embedding_tasks (id, document_id, embedding_type, payload, state, retry_count, max_retries, priority, last_error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		task.ID, task.DocumentID, string(task.EmbeddingType), payload, string(task.State),
		task.RetryCount, task.MaxRetries, task.Priority, task.LastError, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return queue.Task{}, fmt.Errorf("enqueue task: %w", err)
	}
	return task, nil
}

// ClaimBatch 单条 UPDATE 原子领取：子查询 FOR UPDATE SKIP LOCKED 保证并发工作器拿到不相交的任务集合
func (r *Repository) ClaimBatch(ctx context.Context, n int) ([]queue.Task, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`UPDATE embedding_tasks
		 SET state = 'PROCESSING', claimed_at = NOW(), updated_at = NOW()
		 WHERE id IN (
			SELECT id FROM embedding_tasks
			WHERE state = 'PENDING'
			ORDER BY priority, created_at, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+taskColumns, n)
	if err != nil {
		return nil, fmt.Errorf("claim tasks: %w", err)
	}
	defer rows.Close()

	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING 不保证顺序
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority < tasks[j].Priority
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// Complete 只对 PROCESSING 状态生效；未命中时区分任务不存在与未被领取
func (r *Repository) Complete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE embedding_tasks SET state = 'COMPLETED', claimed_at = NULL, last_error = '', updated_at = NOW()
		 WHERE id = $1 AND state = 'PROCESSING'`, id)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var state string
	err = r.db.QueryRowContext(ctx, `SELECT state FROM embedding_tasks WHERE id = $1`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", queue.ErrTaskNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("load task state: %w", err)
	}
	return fmt.Errorf("%w: %s is %s", queue.ErrTaskNotClaimed, id, state)
}

// Fail 在事务内锁定任务行，按 Task.ApplyFailure 计算下一状态后写回
func (r *Repository) Fail(ctx context.Context, id string, cause error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM embedding_tasks WHERE id = $1 FOR UPDATE`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", queue.ErrTaskNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	if !task.Claimed() {
		return fmt.Errorf("%w: %s is %s", queue.ErrTaskNotClaimed, id, task.State)
	}

	task.ApplyFailure(cause, time.Now().UTC())
	if _, err := tx.ExecContext(ctx,
		`UPDATE embedding_tasks SET state = $1, retry_count = $2, last_error = $3, claimed_at = NULL, updated_at = $4
		 WHERE id = $5`,
		string(task.State), task.RetryCount, task.LastError, task.UpdatedAt, id,
	); err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	if task.State == queue.StateFailed {
		applog.Warn("[Queue] Task failed permanently", "task_id", id, "retries", task.RetryCount, "error", task.LastError)
	}
	return nil
}

func (r *Repository) ListFailed(ctx context.Context, limit int) ([]queue.Task, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM embedding_tasks WHERE state = 'FAILED'
		 ORDER BY updated_at DESC, id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list failed tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (r *Repository) RequeueStale(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE embedding_tasks SET state = 'PENDING', claimed_at = NULL, updated_at = NOW()
		 WHERE state = 'PROCESSING' AND claimed_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("requeue stale tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanTasks(rows *sql.Rows) ([]queue.Task, error) {
	var out []queue.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTask(row rowScanner) (queue.Task, error) {
	var (
		t       queue.Task
		payload []byte
		state   string
		claimed sql.NullTime
	)
	if err := row.Scan(&t.ID, &payload, &state, &t.RetryCount, &t.MaxRetries, &t.Priority, &t.LastError,
		&claimed, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return t, err
	}
	var p queue.Payload
	if err := json.Unmarshal(payload, &p); err != nil {
		return t, fmt.Errorf("decode task payload: %w", err)
	}
	t.DocumentID = p.DocumentID
	t.Text = p.Text
	t.EmbeddingType = p.EmbeddingType
	t.State = queue.State(state)
	if claimed.Valid {
		c := claimed.Time
		t.ClaimedAt = &c
	}
	return t, nil
}

var _ queue.Queue = (*Repository)(nil)
