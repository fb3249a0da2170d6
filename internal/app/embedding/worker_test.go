package embedding

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	memorydb "crisisrag/internal/db/memory"
	"crisisrag/internal/domain/queue"
	"crisisrag/internal/domain/signal"
	"crisisrag/internal/platform/clock"
)

var t0 = time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)

type fakeEmbedder struct {
	mu      sync.Mutex
	dims    int
	outDims int
	err     error
	batches [][]string
}

func (f *fakeEmbedder) Name() string { return "fake" }
func (f *fakeEmbedder) Dims() int    { return f.dims }

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, append([]string(nil), texts...))
	if f.err != nil {
		return nil, f.err
	}
	n := f.outDims
	if n == 0 {
		n = f.dims
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, n)
		v[0] = float32(len(t))
		out[i] = v
	}
	return out, nil
}

// failingWriter 对指定文档的写入失败
type failingWriter struct {
	*memorydb.Store
	failFor string
}

func (w failingWriter) UpdateEmbedding(ctx context.Context, id string, vec []float32, at time.Time) error {
	if id == w.failFor {
		return errors.New("connection reset")
	}
	return w.Store.UpdateEmbedding(ctx, id, vec, at)
}

func seed(t *testing.T, store *memorydb.Store, n int) []queue.Task {
	t.Helper()
	ctx := context.Background()
	var tasks []queue.Task
	for i := 0; i < n; i++ {
		d := signal.StoredDocument{
			ID:       "doc-" + string(rune('a'+i)),
			RecordID: "weather:" + string(rune('a'+i)),
			Source:   signal.SourceWeather,
			Text:     "flood text " + string(rune('a'+i)),
		}
		require.NoError(t, store.InsertDocument(ctx, d))
		task, err := store.Enqueue(ctx, queue.NewTask(d, t0))
		require.NoError(t, err)
		tasks = append(tasks, task)
	}
	return tasks
}

func TestProcessBatchSingleEmbedCall(t *testing.T) {
	clk := clock.NewFake(t0)
	store := memorydb.New(memorydb.Options{Dims: 4, Now: clk.Now})
	tasks := seed(t, store, 3)
	emb := &fakeEmbedder{dims: 4}

	w := NewWorker(store, emb, store, clk, Config{BatchSize: 10})
	res, err := w.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Claimed: 3, Completed: 3}, res)
	require.Len(t, emb.batches, 1)
	assert.Len(t, emb.batches[0], 3)

	for _, task := range tasks {
		got, err := store.Task(context.Background(), task.ID)
		require.NoError(t, err)
		assert.Equal(t, queue.StateCompleted, got.State)

		doc, err := store.GetDocument(context.Background(), task.DocumentID)
		require.NoError(t, err)
		assert.Len(t, doc.Embedding, 4)
	}
}

func TestProcessBatchEmbedFailureFailsWholeBatch(t *testing.T) {
	clk := clock.NewFake(t0)
	store := memorydb.New(memorydb.Options{Now: clk.Now})
	tasks := seed(t, store, 2)

	w := NewWorker(store, &fakeEmbedder{dims: 4, err: errors.New("503")}, store, clk, Config{})
	res, err := w.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Failed)

	for _, task := range tasks {
		got, err := store.Task(context.Background(), task.ID)
		require.NoError(t, err)
		assert.Equal(t, queue.StatePending, got.State)
		assert.Equal(t, 1, got.RetryCount)
		assert.Equal(t, "503", got.LastError)
	}
}

func TestProcessBatchWriteFailureLeavesTaskRetryable(t *testing.T) {
	clk := clock.NewFake(t0)
	store := memorydb.New(memorydb.Options{Now: clk.Now})
	tasks := seed(t, store, 2)

	w := NewWorker(store, &fakeEmbedder{dims: 4}, failingWriter{Store: store, failFor: tasks[0].DocumentID}, clk, Config{})
	res, err := w.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)
	assert.Equal(t, 1, res.Failed)

	first, err := store.Task(context.Background(), tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatePending, first.State)
	assert.Contains(t, first.LastError, "connection reset")

	second, err := store.Task(context.Background(), tasks[1].ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateCompleted, second.State)
}

func TestProcessBatchDimensionMismatchFailsTask(t *testing.T) {
	clk := clock.NewFake(t0)
	store := memorydb.New(memorydb.Options{Now: clk.Now})
	tasks := seed(t, store, 1)

	w := NewWorker(store, &fakeEmbedder{dims: 4, outDims: 3}, store, clk, Config{})
	res, err := w.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	got, err := store.Task(context.Background(), tasks[0].ID)
	require.NoError(t, err)
	assert.Contains(t, got.LastError, signal.ErrDimensionMismatch.Error())

	doc, err := store.GetDocument(context.Background(), tasks[0].DocumentID)
	require.NoError(t, err)
	assert.Nil(t, doc.Embedding)
}

func TestDrainUntilTerminal(t *testing.T) {
	clk := clock.NewFake(t0)
	store := memorydb.New(memorydb.Options{Now: clk.Now})
	tasks := seed(t, store, 2)

	w := NewWorker(store, &fakeEmbedder{dims: 4, err: errors.New("quota exceeded")}, store, clk, Config{BatchSize: 1})
	total, err := w.Drain(context.Background())
	require.NoError(t, err)
	// 每个任务失败 DefaultMaxRetries 次后进入终态
	assert.Equal(t, 2*queue.DefaultMaxRetries, total.Failed)

	failed, err := store.ListFailed(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, failed, len(tasks))

	res, err := w.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Claimed)
}

func TestRequeueExpiredLease(t *testing.T) {
	clk := clock.NewFake(t0)
	store := memorydb.New(memorydb.Options{Now: clk.Now})
	seed(t, store, 1)

	// 另一个工作器领取后崩溃
	claimed, err := store.ClaimBatch(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	clk.Advance(15 * time.Minute)
	w := NewWorker(store, &fakeEmbedder{dims: 4}, store, clk, Config{LeaseTimeout: 10 * time.Minute})
	res, err := w.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Requeued)
	assert.Equal(t, 1, res.Completed)

	// 原工作器恢复后迟到的失败回报不影响已完成的任务
	err = store.Fail(context.Background(), claimed[0].ID, errors.New("timeout"))
	assert.ErrorIs(t, err, queue.ErrTaskNotClaimed)
	got, err := store.Task(context.Background(), claimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateCompleted, got.State)
	assert.Zero(t, got.RetryCount)
}

func TestStartPollsOnTicker(t *testing.T) {
	clk := clock.NewFake(t0)
	store := memorydb.New(memorydb.Options{Now: clk.Now})
	tasks := seed(t, store, 1)

	w := NewWorker(store, &fakeEmbedder{dims: 4}, store, clk, Config{PollInterval: time.Second})
	require.NoError(t, w.Start(context.Background()))
	assert.ErrorIs(t, w.Start(context.Background()), ErrWorkerRunning)

	clk.Advance(time.Second)
	assert.Eventually(t, func() bool {
		got, err := store.Task(context.Background(), tasks[0].ID)
		return err == nil && got.State == queue.StateCompleted
	}, time.Second, 5*time.Millisecond)

	w.Stop()
	assert.Equal(t, 0, clk.ActiveTickers())
	assert.False(t, w.LastPoll().IsZero())
}
