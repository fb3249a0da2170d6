// Package postgres PostgreSQL 存储：文档（全文 tsvector + pgvector 向量）、告警、嵌入任务队列与检索日志。
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"crisisrag/internal/domain/rag"
	"crisisrag/internal/domain/signal"
	applog "crisisrag/internal/platform/log"
)

// Options 存储配置
type Options struct {
	// Dims 向量列维度；0 表示不限定维度（此时不建 HNSW 索引）
	Dims int
	// TextSearchConfig 全文检索配置名，默认 english
	TextSearchConfig string
}

type Repository struct {
	db   *sql.DB
	dims int
	tsc  string
}

// NewRepository 创建 PostgreSQL 存储
func NewRepository(db *sql.DB, opts Options) *Repository {
	if opts.TextSearchConfig == "" {
		opts.TextSearchConfig = "english"
	}
	return &Repository{db: db, dims: opts.Dims, tsc: opts.TextSearchConfig}
}

// DB 返回底层连接池
func (r *Repository) DB() *sql.DB { return r.db }

// EnsureSchema 确保扩展与全部表存在
func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("create extension vector: %w", err)
	}

	vectorType := "vector"
	if r.dims > 0 {
		vectorType = fmt.Sprintf("vector(%d)", r.dims)
	}

	ddl := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS documents (
		id           UUID PRIMARY KEY,
		record_id    TEXT NOT NULL UNIQUE,
		source       VARCHAR(32) NOT NULL,
		title        TEXT NOT NULL DEFAULT '',
		content      TEXT NOT NULL,
		category     VARCHAR(64) NOT NULL DEFAULT '',
		confidence   DOUBLE PRECISION NOT NULL DEFAULT 0,
		lat          DOUBLE PRECISION,
		lng          DOUBLE PRECISION,
		meta         JSONB NOT NULL DEFAULT '{}',
		published_at TIMESTAMPTZ NOT NULL,
		embedding    %[1]s,
		embedded_at  TIMESTAMPTZ,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		search_tsv   tsvector GENERATED ALWAYS AS (
			setweight(to_tsvector('%[2]s', coalesce(title, '')), 'A') ||
			setweight(to_tsvector('%[2]s', content), 'B')
		) STORED
	);
	CREATE INDEX IF NOT EXISTS idx_documents_tsv ON documents USING GIN (search_tsv);
	CREATE INDEX IF NOT EXISTS idx_documents_source_category ON documents(source, category);
	CREATE INDEX IF NOT EXISTS idx_documents_published ON documents(published_at DESC);

	CREATE TABLE IF NOT EXISTS alerts (
		id            UUID PRIMARY KEY,
		document_id   UUID NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		source        VARCHAR(32) NOT NULL,
		alert_type    VARCHAR(64) NOT NULL,
		title         TEXT NOT NULL,
		description   TEXT NOT NULL DEFAULT '',
		severity      SMALLINT NOT NULL CHECK (severity BETWEEN 1 AND 5),
		lat           DOUBLE PRECISION,
		lng           DOUBLE PRECISION,
		location_name TEXT NOT NULL DEFAULT '',
		start_time    TIMESTAMPTZ NOT NULL,
		end_time      TIMESTAMPTZ,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_alerts_document ON alerts(document_id);
	CREATE INDEX IF NOT EXISTS idx_alerts_severity ON alerts(severity DESC, start_time DESC);

	CREATE TABLE IF NOT EXISTS embedding_tasks (
		id             UUID PRIMARY KEY,
		document_id    UUID NOT NULL,
		embedding_type VARCHAR(32) NOT NULL,
		payload        JSONB NOT NULL,
		state          VARCHAR(16) NOT NULL DEFAULT 'PENDING',
		retry_count    INT NOT NULL DEFAULT 0,
		max_retries    INT NOT NULL DEFAULT 3,
		priority       INT NOT NULL DEFAULT 5,
		last_error     TEXT NOT NULL DEFAULT '',
		claimed_at     TIMESTAMPTZ,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CHECK (retry_count <= max_retries)
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_claim ON embedding_tasks(state, priority, created_at);

	CREATE TABLE IF NOT EXISTS retrieval_logs (
		id           UUID PRIMARY KEY,
		query        TEXT NOT NULL,
		entities     JSONB,
		incident_ids TEXT[] NOT NULL DEFAULT '{}',
		protocol_ids TEXT[] NOT NULL DEFAULT '{}',
		cached       BOOLEAN NOT NULL DEFAULT FALSE,
		fallback     BOOLEAN NOT NULL DEFAULT FALSE,
		success      BOOLEAN NOT NULL,
		error        TEXT NOT NULL DEFAULT '',
		timings      JSONB NOT NULL DEFAULT '{}',
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_retrieval_logs_created ON retrieval_logs(created_at DESC);
	`, vectorType, r.tsc)

	if _, err := r.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	if r.dims > 0 {
		q := `CREATE INDEX IF NOT EXISTS idx_documents_embedding ON documents USING hnsw (embedding vector_cosine_ops)`
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			applog.Warn("[Storage] CREATE INDEX hnsw failed, vector search falls back to sequential scan", "error", err)
		}
	}
	return nil
}

// Ping 检查连接
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// --- Documents ---

// InsertDocument 写入文档；record_id 冲突时返回 signal.ErrDuplicateRecord
func (r *Repository) InsertDocument(ctx context.Context, doc signal.StoredDocument) error {
	meta, err := marshalMeta(doc.Meta)
	if err != nil {
		return err
	}
	lat, lng := locationArgs(doc.Location)

	var id string
	err = r.db.QueryRowContext(ctx,
		`INSERT INTO documents (id, record_id, source, title, content, category, confidence, lat, lng, meta, published_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (record_id) DO NOTHING
		 RETURNING id`,
		doc.ID, doc.RecordID, string(doc.Source), doc.Title, doc.Text, doc.Category, doc.Confidence,
		lat, lng, meta, doc.PublishedAt, doc.CreatedAt,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", signal.ErrDuplicateRecord, doc.RecordID)
	}
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

const documentColumns = `id, record_id, source, title, content, category, confidence, lat, lng, meta, published_at, embedded_at, created_at`

// GetDocument 按 ID 读取文档（含向量）
func (r *Repository) GetDocument(ctx context.Context, id string) (signal.StoredDocument, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+`, embedding::text FROM documents WHERE id = $1`, id)

	var vec sql.NullString
	doc, err := scanDocument(row, &vec)
	if errors.Is(err, sql.ErrNoRows) {
		return signal.StoredDocument{}, fmt.Errorf("%w: %s", signal.ErrDocumentNotFound, id)
	}
	if err != nil {
		return signal.StoredDocument{}, fmt.Errorf("get document: %w", err)
	}
	if vec.Valid {
		if doc.Embedding, err = parseVector(vec.String); err != nil {
			return signal.StoredDocument{}, err
		}
	}
	return doc, nil
}

// UpdateEmbedding 写入向量，只对尚无向量的文档生效
func (r *Repository) UpdateEmbedding(ctx context.Context, documentID string, vec []float32, at time.Time) error {
	if r.dims > 0 && len(vec) != r.dims {
		return fmt.Errorf("%w: got %d, want %d", signal.ErrDimensionMismatch, len(vec), r.dims)
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE documents SET embedding = $1::vector, embedded_at = $2
		 WHERE id = $3 AND embedding IS NULL`,
		formatVector(vec), at.UTC(), documentID,
	)
	if err != nil {
		return fmt.Errorf("update embedding: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM documents WHERE id = $1)`, documentID).Scan(&exists); err != nil {
		return fmt.Errorf("check document: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", signal.ErrDocumentNotFound, documentID)
	}
	applog.Debug("[Storage] Embedding already written, skipping", "document_id", documentID)
	return nil
}

// --- Alerts ---

func (r *Repository) InsertAlert(ctx context.Context, a signal.AlertRecord) error {
	lat, lng := locationArgs(a.Location)
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO alerts (id, document_id, source, alert_type, title, description, severity, lat, lng, location_name, start_time, end_time, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		a.ID, a.DocumentID, string(a.Source), a.AlertType, a.Title, a.Description, a.Severity,
		lat, lng, a.LocationName, a.StartTime, a.EndTime, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// ListAlertsByDocument 读取文档关联的告警
func (r *Repository) ListAlertsByDocument(ctx context.Context, documentID string) ([]signal.AlertRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, document_id, source, alert_type, title, description, severity, lat, lng, location_name, start_time, end_time, created_at
		 FROM alerts WHERE document_id = $1 ORDER BY created_at`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []signal.AlertRecord
	for rows.Next() {
		var (
			a        signal.AlertRecord
			src      string
			lat, lng sql.NullFloat64
			end      sql.NullTime
		)
		if err := rows.Scan(&a.ID, &a.DocumentID, &src, &a.AlertType, &a.Title, &a.Description, &a.Severity,
			&lat, &lng, &a.LocationName, &a.StartTime, &end, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Source = signal.Source(src)
		a.Location = locationFrom(lat, lng)
		if end.Valid {
			t := end.Time
			a.EndTime = &t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Retrieval logs ---

func (r *Repository) AppendRetrievalLog(ctx context.Context, entry rag.RetrievalLog) error {
	var entities any
	if entry.Entities != nil {
		b, err := json.Marshal(entry.Entities)
		if err != nil {
			return fmt.Errorf("marshal entities: %w", err)
		}
		entities = b
	}
	timings, err := json.Marshal(entry.Timings)
	if err != nil {
		return fmt.Errorf("marshal timings: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO retrieval_logs (id, query, entities, incident_ids, protocol_ids, cached, fallback, success, error, timings, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		entry.ID, entry.Query, entities, pq.Array(nonNil(entry.IncidentIDs)), pq.Array(nonNil(entry.ProtocolIDs)),
		entry.Cached, entry.Fallback, entry.Success, entry.Error, timings, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert retrieval log: %w", err)
	}
	return nil
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner, extra ...any) (signal.StoredDocument, error) {
	var (
		doc      signal.StoredDocument
		src      string
		lat, lng sql.NullFloat64
		meta     []byte
		embedded sql.NullTime
	)
	dest := []any{&doc.ID, &doc.RecordID, &src, &doc.Title, &doc.Text, &doc.Category, &doc.Confidence,
		&lat, &lng, &meta, &doc.PublishedAt, &embedded, &doc.CreatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return doc, err
	}
	doc.Source = signal.Source(src)
	doc.Location = locationFrom(lat, lng)
	if embedded.Valid {
		t := embedded.Time
		doc.EmbeddedAt = &t
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &doc.Meta); err != nil {
			return doc, fmt.Errorf("decode meta: %w", err)
		}
	}
	return doc, nil
}

func marshalMeta(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal meta: %w", err)
	}
	return b, nil
}

func locationArgs(l *signal.Location) (any, any) {
	if l == nil {
		return nil, nil
	}
	return l.Lat, l.Lng
}

func locationFrom(lat, lng sql.NullFloat64) *signal.Location {
	if !lat.Valid || !lng.Valid {
		return nil
	}
	return &signal.Location{Lat: lat.Float64, Lng: lng.Float64}
}

// formatVector 转为 pgvector 文本格式 [1,2,3]
func formatVector(vec []float32) string {
	var sb strings.Builder
	sb.Grow(len(vec) * 8)
	sb.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}

func parseVector(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	if s == "" {
		return []float32{}, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("parse vector component %d: %w", i, err)
		}
		out[i] = float32(f)
	}
	return out, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
