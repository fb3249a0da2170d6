// Package memorydb 进程内存储，实现文档、告警、任务队列、检索日志与检索索引的全部端口。
// 用于 STORAGE_BACKEND=memory 的单机部署与测试。
package memorydb

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"crisisrag/internal/domain/queue"
	"crisisrag/internal/domain/rag"
	"crisisrag/internal/domain/signal"
	applog "crisisrag/internal/platform/log"
)

// Store 内存存储，所有方法并发安全
type Store struct {
	mu  sync.RWMutex
	now func() time.Time
	// dims 向量维度，0 表示不校验
	dims int

	docs     map[string]*signal.StoredDocument
	byRecord map[string]string // record_id -> document id
	alerts   []signal.AlertRecord
	tasks    map[string]*queue.Task
	logs     []rag.RetrievalLog
}

// Options 内存存储配置
type Options struct {
	Dims int
	Now  func() time.Time
}

// New 创建内存存储
func New(opts Options) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		now:      opts.Now,
		dims:     opts.Dims,
		docs:     make(map[string]*signal.StoredDocument),
		byRecord: make(map[string]string),
		tasks:    make(map[string]*queue.Task),
	}
}

// ── 文档与告警 ───────────────────────────────────────────────

// InsertDocument 写入文档，record_id 已存在时返回 signal.ErrDuplicateRecord
func (s *Store) InsertDocument(ctx context.Context, doc signal.StoredDocument) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byRecord[doc.RecordID]; ok {
		return fmt.Errorf("%w: %s", signal.ErrDuplicateRecord, doc.RecordID)
	}
	if _, ok := s.docs[doc.ID]; ok {
		return fmt.Errorf("document %s already exists", doc.ID)
	}
	doc.Meta = maps.Clone(doc.Meta)
	s.docs[doc.ID] = &doc
	s.byRecord[doc.RecordID] = doc.ID
	return nil
}

// InsertAlert 写入告警，关联文档必须已存在
func (s *Store) InsertAlert(ctx context.Context, alert signal.AlertRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[alert.DocumentID]; !ok {
		return fmt.Errorf("%w: %s", signal.ErrDocumentNotFound, alert.DocumentID)
	}
	s.alerts = append(s.alerts, alert)
	return nil
}

// GetDocument 按 ID 读取文档
func (s *Store) GetDocument(ctx context.Context, id string) (signal.StoredDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[id]
	if !ok {
		return signal.StoredDocument{}, fmt.Errorf("%w: %s", signal.ErrDocumentNotFound, id)
	}
	return copyDocument(doc), nil
}

// DocumentByRecord 按 record_id 读取文档
func (s *Store) DocumentByRecord(ctx context.Context, recordID string) (signal.StoredDocument, error) {
	s.mu.RLock()
	id, ok := s.byRecord[recordID]
	s.mu.RUnlock()
	if !ok {
		return signal.StoredDocument{}, fmt.Errorf("%w: record %s", signal.ErrDocumentNotFound, recordID)
	}
	return s.GetDocument(ctx, id)
}

// Alerts 返回全部告警（写入顺序）
func (s *Store) Alerts(ctx context.Context) []signal.AlertRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]signal.AlertRecord(nil), s.alerts...)
}

// UpdateEmbedding 写入文档向量。向量只写一次，已有向量时忽略。
func (s *Store) UpdateEmbedding(ctx context.Context, documentID string, vec []float32, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.dims > 0 && len(vec) != s.dims {
		return fmt.Errorf("%w: got %d, want %d", signal.ErrDimensionMismatch, len(vec), s.dims)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[documentID]
	if !ok {
		return fmt.Errorf("%w: %s", signal.ErrDocumentNotFound, documentID)
	}
	if doc.Embedding != nil {
		applog.Debug("[MemoryStore] Embedding already written, skipping", "document_id", documentID)
		return nil
	}
	doc.Embedding = append([]float32(nil), vec...)
	at = at.UTC()
	doc.EmbeddedAt = &at
	return nil
}

// ── 检索日志 ─────────────────────────────────────────────────

// AppendRetrievalLog 追加一条检索日志
func (s *Store) AppendRetrievalLog(ctx context.Context, entry rag.RetrievalLog) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, entry)
	return nil
}

// RetrievalLogs 返回全部检索日志
func (s *Store) RetrievalLogs() []rag.RetrievalLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]rag.RetrievalLog(nil), s.logs...)
}

// ── 统计 ─────────────────────────────────────────────────────

// Stats 存储概况
type Stats struct {
	Documents int                 `json:"documents"`
	Embedded  int                 `json:"embedded"`
	Alerts    int                 `json:"alerts"`
	Tasks     map[queue.State]int `json:"tasks"`
}

// Stats 统计各类记录数量
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		Documents: len(s.docs),
		Alerts:    len(s.alerts),
		Tasks:     make(map[queue.State]int),
	}
	for _, d := range s.docs {
		if d.Embedding != nil {
			st.Embedded++
		}
	}
	for _, t := range s.tasks {
		st.Tasks[t.State]++
	}
	return st, nil
}

func copyDocument(d *signal.StoredDocument) signal.StoredDocument {
	out := *d
	out.Meta = maps.Clone(d.Meta)
	return out
}

// sortedDocs 按 ID 排序的文档快照，调用方须持有读锁
func (s *Store) sortedDocs() []*signal.StoredDocument {
	out := make([]*signal.StoredDocument, 0, len(s.docs))
	for _, d := range s.docs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
