package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"crisisrag/internal/domain/signal"
	"crisisrag/internal/platform/clock"
	applog "crisisrag/internal/platform/log"
)

var ErrSchedulerRunning = errors.New("scheduler already running")

// SourceRunner 执行单个数据源
type SourceRunner interface {
	RunSource(ctx context.Context, name string) (*SourceResult, error)
}

// SchedulerConfig 各数据源独立的拉取周期，<=0 的来源不调度
type SchedulerConfig struct {
	Intervals  map[signal.Source]time.Duration
	RunOnStart bool
}

// Scheduler 每个数据源一个 ticker。同一来源的运行串行执行，运行期间到期的 tick 被丢弃。
type Scheduler struct {
	runner SourceRunner
	clock  clock.Clock
	locker Locker
	cfg    SchedulerConfig

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	tickers []clock.Ticker
	wg      sync.WaitGroup
}

// NewScheduler 创建调度器，locker 可为 nil
func NewScheduler(runner SourceRunner, clk clock.Clock, locker Locker, cfg SchedulerConfig) *Scheduler {
	if clk == nil {
		clk = clock.Real()
	}
	return &Scheduler{runner: runner, clock: clk, locker: locker, cfg: cfg}
}

// Start 注册全部 ticker 后立即返回。ctx 结束时等同于 Stop 之后不再发起新的运行。
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrSchedulerRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.tickers = nil

	for _, src := range signal.AllSources() {
		interval := s.cfg.Intervals[src]
		if interval <= 0 {
			continue
		}
		ticker := s.clock.NewTicker(interval)
		s.tickers = append(s.tickers, ticker)
		s.wg.Add(1)
		go s.loop(ctx, src, ticker, s.stopCh)
		applog.Info("[Scheduler] Source scheduled", "source", src, "interval", interval.String())
	}
	return nil
}

func (s *Scheduler) loop(ctx context.Context, src signal.Source, ticker clock.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()
	defer ticker.Stop()

	if s.cfg.RunOnStart {
		s.runOnce(ctx, src)
	}
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C():
			// 停止信号与 tick 同时就绪时优先退出
			select {
			case <-stop:
				return
			default:
			}
			s.runOnce(ctx, src)
		}
	}
}

// runOnce 运行一次；已开始的运行不受 Stop 取消，只受各客户端的请求超时约束
func (s *Scheduler) runOnce(ctx context.Context, src signal.Source) {
	runCtx := context.WithoutCancel(ctx)

	if s.locker != nil {
		ok, err := s.locker.Acquire(runCtx, string(src))
		if err != nil {
			applog.Warn("[Scheduler] Lock unavailable, running without it", "source", src, "error", err)
		} else if !ok {
			applog.Info("[Scheduler] Source locked by another instance, skipping", "source", src)
			return
		} else {
			defer func() {
				if err := s.locker.Release(runCtx, string(src)); err != nil {
					applog.Warn("[Scheduler] Release lock failed", "source", src, "error", err)
				}
			}()
		}
	}

	res, err := s.runner.RunSource(runCtx, string(src))
	if err != nil {
		applog.Error("[Scheduler] Run failed", "source", src, "error", err)
		return
	}
	if !res.Success {
		applog.Warn("[Scheduler] Source run unsuccessful", "source", src, "error", res.Error)
	}
}

// Stop 停止全部 ticker 并等待进行中的运行结束
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	for _, t := range s.tickers {
		t.Stop()
	}
	s.tickers = nil
	s.mu.Unlock()

	s.wg.Wait()
	applog.Info("[Scheduler] Stopped")
}
