package cache

import (
	"context"
	"sync"
	"time"

	"crisisrag/internal/platform/clock"
	applog "crisisrag/internal/platform/log"
)

type memEntry struct {
	data      []byte
	expiresAt time.Time
}

// MemoryBackend 进程内缓存后端：读时惰性淘汰 + 定期清扫
type MemoryBackend struct {
	mu    sync.Mutex
	items map[string]memEntry
	clock clock.Clock

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMemoryBackend 创建进程内后端，clk 为空时使用真实时钟
func NewMemoryBackend(clk clock.Clock) *MemoryBackend {
	if clk == nil {
		clk = clock.Real()
	}
	return &MemoryBackend{
		items:  make(map[string]memEntry),
		clock:  clk,
		stopCh: make(chan struct{}),
	}
}

func (m *MemoryBackend) Name() string { return "memory" }

func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.items[key]
	if !ok {
		return nil, false, nil
	}
	if !m.clock.Now().Before(e.expiresAt) {
		delete(m.items, key)
		return nil, false, nil
	}
	return e.data, true, nil
}

func (m *MemoryBackend) Set(_ context.Context, key string, data []byte, ttl time.Duration) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	m.mu.Lock()
	m.items[key] = memEntry{data: buf, expiresAt: m.clock.Now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

// Len 当前条目数（含未清扫的过期项）
func (m *MemoryBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Sweep 删除所有过期条目，返回删除数量
func (m *MemoryBackend) Sweep() int {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for k, e := range m.items {
		if !now.Before(e.expiresAt) {
			delete(m.items, k)
			removed++
		}
	}
	return removed
}

// StartSweeper 按 interval 周期清扫，Stop 时退出
func (m *MemoryBackend) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := m.clock.NewTicker(interval)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C():
				if n := m.Sweep(); n > 0 {
					applog.Debug("[Cache] Swept expired entries", "removed", n)
				}
			}
		}
	}()
}

// Stop 停止清扫协程
func (m *MemoryBackend) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}
