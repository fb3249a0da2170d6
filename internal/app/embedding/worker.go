// Package embedding 轮询嵌入任务队列，批量生成向量并写回文档。
package embedding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"crisisrag/internal/domain/queue"
	"crisisrag/internal/domain/signal"
	"crisisrag/internal/platform/clock"
	applog "crisisrag/internal/platform/log"
	"crisisrag/internal/provider"
)

var (
	ErrWorkerRunning = errors.New("embedding worker already running")
	errEmptyText     = errors.New("task text is empty")
)

// VectorWriter 文档向量写回；向量只写一次
type VectorWriter interface {
	UpdateEmbedding(ctx context.Context, documentID string, vec []float32, at time.Time) error
}

// Config 工作器配置
type Config struct {
	PollInterval     time.Duration
	BatchSize        int
	WriteConcurrency int
	// LeaseTimeout PROCESSING 任务超过该时长未完成视为租约过期，退回 PENDING；0 表示不回收
	LeaseTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	if c.WriteConcurrency <= 0 {
		c.WriteConcurrency = 4
	}
	return c
}

// BatchResult 一批（或 Drain 累计）的处理结果
type BatchResult struct {
	Claimed   int `json:"claimed"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Requeued  int `json:"requeued"`
}

func (r *BatchResult) add(o BatchResult) {
	r.Claimed += o.Claimed
	r.Completed += o.Completed
	r.Failed += o.Failed
	r.Requeued += o.Requeued
}

// Worker 嵌入工作器
type Worker struct {
	queue    queue.Queue
	embedder provider.EmbeddingProvider
	writer   VectorWriter
	clock    clock.Clock
	cfg      Config

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
	lastPoll atomic.Int64
}

// NewWorker 创建工作器
func NewWorker(q queue.Queue, embedder provider.EmbeddingProvider, writer VectorWriter, clk clock.Clock, cfg Config) *Worker {
	if clk == nil {
		clk = clock.Real()
	}
	return &Worker{
		queue:    q,
		embedder: embedder,
		writer:   writer,
		clock:    clk,
		cfg:      cfg.withDefaults(),
	}
}

// ProcessBatch 领取一批任务：一次 Embed 调用生成全部向量，再并发写回。
// 只有向量写入成功的任务才标记完成；嵌入调用失败时整批任务记失败。
func (w *Worker) ProcessBatch(ctx context.Context) (BatchResult, error) {
	var res BatchResult
	w.lastPoll.Store(w.clock.Now().UnixMilli())

	if w.cfg.LeaseTimeout > 0 {
		n, err := w.queue.RequeueStale(ctx, w.clock.Now().Add(-w.cfg.LeaseTimeout))
		if err != nil {
			applog.Warn("[Worker] Requeue stale tasks failed", "error", err)
		} else if n > 0 {
			res.Requeued = n
			applog.Info("[Worker] Requeued stale tasks", "count", n)
		}
	}

	tasks, err := w.queue.ClaimBatch(ctx, w.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("claim batch: %w", err)
	}
	res.Claimed = len(tasks)
	if len(tasks) == 0 {
		return res, nil
	}

	// 空文本任务直接失败，不占用嵌入调用
	valid := make([]queue.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.Text == "" {
			w.fail(ctx, t, errEmptyText)
			res.Failed++
			continue
		}
		valid = append(valid, t)
	}
	if len(valid) == 0 {
		return res, nil
	}

	start := w.clock.Now()
	vecs, err := w.embedder.Embed(ctx, lo.Map(valid, func(t queue.Task, _ int) string { return t.Text }))
	if err == nil && len(vecs) != len(valid) {
		err = fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(valid))
	}
	if err != nil {
		applog.Warn("[Worker] Embedding call failed, failing batch", "provider", w.embedder.Name(), "tasks", len(valid), "error", err)
		for _, t := range valid {
			w.fail(ctx, t, err)
		}
		res.Failed += len(valid)
		return res, nil
	}

	var completed, failed atomic.Int32
	var g errgroup.Group
	g.SetLimit(w.cfg.WriteConcurrency)
	dims := w.embedder.Dims()
	now := w.clock.Now()

	for i, t := range valid {
		t := t
		vec := vecs[i]
		g.Go(func() error {
			if dims > 0 && len(vec) != dims {
				w.fail(ctx, t, fmt.Errorf("%w: got %d, want %d", signal.ErrDimensionMismatch, len(vec), dims))
				failed.Add(1)
				return nil
			}
			if err := w.writer.UpdateEmbedding(ctx, t.DocumentID, vec, now); err != nil {
				w.fail(ctx, t, fmt.Errorf("write embedding: %w", err))
				failed.Add(1)
				return nil
			}
			if err := w.queue.Complete(ctx, t.ID); err != nil {
				applog.Warn("[Worker] Complete task failed", "task_id", t.ID, "error", err)
				failed.Add(1)
				return nil
			}
			completed.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	res.Completed = int(completed.Load())
	res.Failed += int(failed.Load())
	applog.Info("[Worker] Batch processed",
		"claimed", res.Claimed,
		"completed", res.Completed,
		"failed", res.Failed,
		"embed_ms", w.clock.Now().Sub(start).Milliseconds(),
	)
	return res, nil
}

func (w *Worker) fail(ctx context.Context, t queue.Task, cause error) {
	if err := w.queue.Fail(ctx, t.ID, cause); err != nil {
		applog.Warn("[Worker] Mark task failed errored", "task_id", t.ID, "error", err)
	}
}

// Drain 连续处理直到队列中没有可领取的任务
func (w *Worker) Drain(ctx context.Context) (BatchResult, error) {
	var total BatchResult
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		res, err := w.ProcessBatch(ctx)
		total.add(res)
		if err != nil {
			return total, err
		}
		if res.Claimed == 0 {
			return total, nil
		}
	}
}

// Start 启动轮询协程
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return ErrWorkerRunning
	}
	w.running = true
	w.stopCh = make(chan struct{})

	ticker := w.clock.NewTicker(w.cfg.PollInterval)
	w.wg.Add(1)
	go func(stop <-chan struct{}) {
		defer w.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C():
				if _, err := w.ProcessBatch(ctx); err != nil {
					applog.Error("[Worker] Poll failed", "error", err)
				}
			}
		}
	}(w.stopCh)

	applog.Info("[Worker] Started", "provider", w.embedder.Name(), "interval", w.cfg.PollInterval.String(), "batch_size", w.cfg.BatchSize)
	return nil
}

// Stop 停止轮询并等待当前批次结束
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	w.wg.Wait()
	applog.Info("[Worker] Stopped")
}

// LastPoll 最近一次轮询时间，未轮询过返回零值
func (w *Worker) LastPoll() time.Time {
	ms := w.lastPoll.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
