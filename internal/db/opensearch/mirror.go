package opensearch

import (
	"context"
	"time"

	"crisisrag/internal/domain/signal"
	applog "crisisrag/internal/platform/log"
)

// PrimaryStore 主存储的写入能力
type PrimaryStore interface {
	InsertDocument(ctx context.Context, doc signal.StoredDocument) error
	InsertAlert(ctx context.Context, alert signal.AlertRecord) error
	UpdateEmbedding(ctx context.Context, documentID string, vec []float32, at time.Time) error
}

// Mirror 先写主存储，成功后同步到 OpenSearch。主存储是唯一事实来源，镜像失败只记日志。
type Mirror struct {
	primary PrimaryStore
	client  *Client
}

// NewMirror 创建镜像写入器
func NewMirror(primary PrimaryStore, client *Client) *Mirror {
	return &Mirror{primary: primary, client: client}
}

func (m *Mirror) InsertDocument(ctx context.Context, doc signal.StoredDocument) error {
	if err := m.primary.InsertDocument(ctx, doc); err != nil {
		return err
	}
	if err := m.client.BulkIndex(ctx, []signal.StoredDocument{doc}); err != nil {
		applog.Warn("[OpenSearch] Mirror index failed", "document_id", doc.ID, "error", err)
	}
	return nil
}

func (m *Mirror) InsertAlert(ctx context.Context, alert signal.AlertRecord) error {
	return m.primary.InsertAlert(ctx, alert)
}

func (m *Mirror) UpdateEmbedding(ctx context.Context, documentID string, vec []float32, at time.Time) error {
	if err := m.primary.UpdateEmbedding(ctx, documentID, vec, at); err != nil {
		return err
	}
	if err := m.client.UpdateVector(ctx, documentID, vec, at); err != nil {
		applog.Warn("[OpenSearch] Mirror vector update failed", "document_id", documentID, "error", err)
	}
	return nil
}
