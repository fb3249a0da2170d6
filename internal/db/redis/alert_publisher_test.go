package redisdb

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crisisrag/internal/domain/signal"
	"crisisrag/internal/platform/retry"
)

// flakyPipeline 拦截事务管道：前 failures 次返回错误，之后直接成功，不访问真实服务器
type flakyPipeline struct {
	failures int32
	calls    atomic.Int32
	lastCmds []string
}

func (h *flakyPipeline) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return nil, errors.New("dial disabled in test")
	}
}

func (h *flakyPipeline) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return next
}

func (h *flakyPipeline) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		n := h.calls.Add(1)
		h.lastCmds = h.lastCmds[:0]
		for _, c := range cmds {
			h.lastCmds = append(h.lastCmds, c.Name())
		}
		if n <= h.failures {
			return errors.New("connection reset by peer")
		}
		return nil
	}
}

func newFlakyClient(t *testing.T, failures int32) (*redis.Client, *flakyPipeline) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	t.Cleanup(func() { _ = client.Close() })
	hook := &flakyPipeline{failures: failures}
	client.AddHook(hook)
	return client, hook
}

func noWaitPolicy(attempts int) retry.Policy {
	return retry.Policy{
		MaxAttempts: attempts,
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}
}

func TestPublishAlertRetriesTransientFailure(t *testing.T) {
	client, hook := newFlakyClient(t, 2)
	p := NewAlertPublisher(client, "", "").WithRetry(noWaitPolicy(3))

	err := p.PublishAlert(context.Background(), signal.AlertRecord{ID: "a1", Source: signal.SourceWeather, Severity: 4})
	require.NoError(t, err)
	assert.EqualValues(t, 3, hook.calls.Load())
	assert.Contains(t, hook.lastCmds, "lpush")
	assert.Contains(t, hook.lastCmds, "hincrby")
}

func TestPublishAlertGivesUp(t *testing.T) {
	client, hook := newFlakyClient(t, 10)
	p := NewAlertPublisher(client, "alerts", "stats").WithRetry(noWaitPolicy(3))

	err := p.PublishAlert(context.Background(), signal.AlertRecord{ID: "a1", Source: signal.SourceSocial})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset by peer")
	assert.EqualValues(t, 3, hook.calls.Load())
}
