package redisdb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"crisisrag/internal/domain/signal"
	applog "crisisrag/internal/platform/log"
	"crisisrag/internal/platform/retry"
)

// AlertPublisher 把新告警推入 Redis 列表供下游消费，并累计发布计数
type AlertPublisher struct {
	client   *redis.Client
	queue    string
	statsKey string
	policy   retry.Policy
}

// NewAlertPublisher 创建告警发布器，queue / statsKey 为空时使用 alerts_queue / stats_queue
func NewAlertPublisher(client *redis.Client, queue, statsKey string) *AlertPublisher {
	if queue == "" {
		queue = "alerts_queue"
	}
	if statsKey == "" {
		statsKey = "stats_queue"
	}
	return &AlertPublisher{
		client:   client,
		queue:    queue,
		statsKey: statsKey,
		policy:   retry.Policy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxJitter: 200 * time.Millisecond},
	}
}

// WithRetry 替换发布重试策略
func (p *AlertPublisher) WithRetry(policy retry.Policy) *AlertPublisher {
	p.policy = policy
	return p
}

type alertMessage struct {
	ID           string           `json:"id"`
	DocumentID   string           `json:"document_id"`
	Source       string           `json:"source"`
	AlertType    string           `json:"alert_type"`
	Title        string           `json:"title"`
	Content      string           `json:"content"`
	Severity     int              `json:"severity"`
	Location     *signal.Location `json:"location,omitempty"`
	LocationName string           `json:"location_name,omitempty"`
	Status       string           `json:"status"`
	CreatedAt    string           `json:"created_at"`
}

// PublishAlert 在 MULTI/EXEC 中 LPUSH 告警 JSON 并 HINCRBY alerts_published，失败按策略重试
func (p *AlertPublisher) PublishAlert(ctx context.Context, alert signal.AlertRecord) error {
	payload, err := json.Marshal(alertMessage{
		ID:           alert.ID,
		DocumentID:   alert.DocumentID,
		Source:       string(alert.Source),
		AlertType:    alert.AlertType,
		Title:        alert.Title,
		Content:      alert.Description,
		Severity:     alert.Severity,
		Location:     alert.Location,
		LocationName: alert.LocationName,
		Status:       "pending",
		CreatedAt:    alert.CreatedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	err = retry.Do(ctx, p.policy, "redis.publish_alert", func(ctx context.Context) error {
		_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LPush(ctx, p.queue, payload)
			pipe.HIncrBy(ctx, p.statsKey, "alerts_published", 1)
			return nil
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}

	applog.Debug("[AlertPublisher] Published", "alert_id", alert.ID, "queue", p.queue)
	return nil
}
