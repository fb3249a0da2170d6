package ingest

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"crisisrag/internal/domain/queue"
	"crisisrag/internal/domain/signal"
	"crisisrag/internal/platform/clock"
	applog "crisisrag/internal/platform/log"
)

var ErrUnknownSource = errors.New("unknown ingest source")

const (
	StatusSuccess = "success"
	StatusPartial = "partial"
)

// SourceResult 单个数据源一次运行的统计
type SourceResult struct {
	Source     signal.Source `json:"source"`
	Success    bool          `json:"success"`
	Error      string        `json:"error,omitempty"`
	Fetched    int           `json:"fetched"`
	Normalized int           `json:"normalized"`
	Inserted   int           `json:"inserted"`
	Duplicates int           `json:"duplicates"`
	Alerts     int           `json:"alerts"`
	Enqueued   int           `json:"enqueued"`
	Errors     int           `json:"errors"`
	DurationMS int64         `json:"duration_ms"`
}

// Totals 所有数据源的累计
type Totals struct {
	Fetched    int `json:"fetched"`
	Normalized int `json:"normalized"`
	Inserted   int `json:"inserted"`
	Duplicates int `json:"duplicates"`
	Alerts     int `json:"alerts"`
	Enqueued   int `json:"enqueued"`
	Errors     int `json:"errors"`
}

func (t *Totals) add(r *SourceResult) {
	t.Fetched += r.Fetched
	t.Normalized += r.Normalized
	t.Inserted += r.Inserted
	t.Duplicates += r.Duplicates
	t.Alerts += r.Alerts
	t.Enqueued += r.Enqueued
	t.Errors += r.Errors
}

// RunReport 一次全量运行的结果；只有全部数据源成功时 Success 为 true
type RunReport struct {
	Success    bool                            `json:"success"`
	Status     string                          `json:"status"`
	StartedAt  time.Time                       `json:"started_at"`
	Sources    map[signal.Source]*SourceResult `json:"sources"`
	Totals     Totals                          `json:"totals"`
	DurationMS int64                           `json:"duration_ms"`
}

// Deps 编排器依赖
type Deps struct {
	Adapters  []Adapter
	Store     Store
	Tasks     TaskQueue
	Publisher AlertPublisher // 可为 nil
	Clock     clock.Clock
	// MaxRetries 新建嵌入任务的重试上限，0 使用默认值
	MaxRetries int
}

// Orchestrator 摄取编排器
type Orchestrator struct {
	adapters   map[signal.Source]Adapter
	order      []signal.Source
	store      Store
	tasks      TaskQueue
	publisher  AlertPublisher
	clock      clock.Clock
	normalizer *signal.Normalizer
	maxRetries int
}

// NewOrchestrator 创建编排器，同一来源重复注册时后者覆盖
func NewOrchestrator(deps Deps) *Orchestrator {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	o := &Orchestrator{
		adapters:   make(map[signal.Source]Adapter, len(deps.Adapters)),
		store:      deps.Store,
		tasks:      deps.Tasks,
		publisher:  deps.Publisher,
		clock:      deps.Clock,
		normalizer: signal.NewNormalizer(deps.Clock.Now),
		maxRetries: deps.MaxRetries,
	}
	for _, a := range deps.Adapters {
		if a == nil {
			continue
		}
		if _, exists := o.adapters[a.Source()]; !exists {
			o.order = append(o.order, a.Source())
		}
		o.adapters[a.Source()] = a
	}
	return o
}

// Sources 已配置的数据源（注册顺序）
func (o *Orchestrator) Sources() []signal.Source {
	return append([]signal.Source(nil), o.order...)
}

// RunFull 并发运行全部数据源。单个数据源的错误或 panic 被记录在其结果中，不会影响其他数据源。
func (o *Orchestrator) RunFull(ctx context.Context) *RunReport {
	start := o.clock.Now()
	report := &RunReport{
		StartedAt: start.UTC(),
		Sources:   make(map[signal.Source]*SourceResult, len(o.order)),
	}

	applog.Info("[Ingest] Full run started", "sources", len(o.order))

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, src := range o.order {
		wg.Add(1)
		go func(src signal.Source) {
			defer wg.Done()
			res := o.runAdapter(ctx, o.adapters[src])
			mu.Lock()
			report.Sources[src] = res
			mu.Unlock()
		}(src)
	}
	wg.Wait()

	report.Success = true
	for _, src := range o.order {
		res := report.Sources[src]
		report.Totals.add(res)
		if !res.Success {
			report.Success = false
		}
	}
	report.Status = StatusSuccess
	if !report.Success {
		report.Status = StatusPartial
	}
	report.DurationMS = o.clock.Now().Sub(start).Milliseconds()

	applog.Info("[Ingest] Full run finished",
		"status", report.Status,
		"inserted", report.Totals.Inserted,
		"errors", report.Totals.Errors,
		"duration_ms", report.DurationMS,
	)
	return report
}

// RunSource 运行单个数据源。未配置的来源返回 ErrUnknownSource；数据源自身失败体现在结果里。
func (o *Orchestrator) RunSource(ctx context.Context, name string) (*SourceResult, error) {
	src, err := signal.ParseSource(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, name)
	}
	a, ok := o.adapters[src]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, name)
	}
	return o.runAdapter(ctx, a), nil
}

// runAdapter 执行单个数据源并捕获 panic
func (o *Orchestrator) runAdapter(ctx context.Context, a Adapter) (res *SourceResult) {
	start := o.clock.Now()
	res = &SourceResult{Source: a.Source()}

	defer func() {
		if r := recover(); r != nil {
			res.Success = false
			res.Error = fmt.Sprintf("panic: %v", r)
			res.Errors++
			applog.Error("[Ingest] Adapter panicked", "source", res.Source, "panic", r, "stack", string(debug.Stack()))
		}
		res.DurationMS = o.clock.Now().Sub(start).Milliseconds()
	}()

	items, err := a.Fetch(ctx)
	if err != nil {
		res.Error = err.Error()
		res.Errors++
		applog.Warn("[Ingest] Fetch failed", "source", res.Source, "error", err)
		return res
	}
	res.Fetched = len(items)

	for _, item := range items {
		if ctx.Err() != nil {
			res.Error = ctx.Err().Error()
			return res
		}
		o.processItem(ctx, item, res)
	}

	res.Success = true
	applog.Info("[Ingest] Source finished",
		"source", res.Source,
		"fetched", res.Fetched,
		"inserted", res.Inserted,
		"duplicates", res.Duplicates,
		"errors", res.Errors,
	)
	return res
}

// processItem 规范化 → 落库 → 告警 → 入队。单条失败只累加错误计数。
func (o *Orchestrator) processItem(ctx context.Context, item signal.RawItem, res *SourceResult) {
	rec, err := o.normalizer.Normalize(item)
	if err != nil {
		res.Errors++
		applog.Debug("[Ingest] Normalize failed", "source", res.Source, "error", err)
		return
	}
	res.Normalized++

	now := o.clock.Now()
	doc := signal.DeriveDocument(rec, now)
	if err := o.store.InsertDocument(ctx, doc); err != nil {
		if errors.Is(err, signal.ErrDuplicateRecord) {
			res.Duplicates++
			return
		}
		res.Errors++
		applog.Warn("[Ingest] Insert document failed", "source", res.Source, "record_id", rec.ID, "error", err)
		return
	}
	res.Inserted++

	if alert, ok := signal.DeriveAlert(rec, doc, now); ok {
		if err := o.store.InsertAlert(ctx, alert); err != nil {
			res.Errors++
			applog.Warn("[Ingest] Insert alert failed, document kept", "document_id", doc.ID, "error", err)
		} else {
			res.Alerts++
			o.publish(ctx, alert)
		}
	}

	task := queue.NewTask(doc, now)
	if o.maxRetries > 0 {
		task.MaxRetries = o.maxRetries
	}
	if _, err := o.tasks.Enqueue(ctx, task); err != nil {
		res.Errors++
		applog.Warn("[Ingest] Enqueue embedding task failed", "document_id", doc.ID, "error", err)
		return
	}
	res.Enqueued++
}

func (o *Orchestrator) publish(ctx context.Context, alert signal.AlertRecord) {
	if o.publisher == nil {
		return
	}
	if err := o.publisher.PublishAlert(ctx, alert); err != nil {
		applog.Warn("[Ingest] Publish alert failed", "alert_id", alert.ID, "error", err)
	}
}
