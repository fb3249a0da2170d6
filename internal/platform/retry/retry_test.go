package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSleep struct{ waits []time.Duration }

func (r *recordingSleep) sleep(_ context.Context, d time.Duration) error {
	r.waits = append(r.waits, d)
	return nil
}

func testPolicy(rec *recordingSleep) Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, Sleep: rec.sleep}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{&StatusError{StatusCode: http.StatusBadRequest}, Permanent},
		{&StatusError{StatusCode: http.StatusNotFound}, Permanent},
		{&StatusError{StatusCode: http.StatusTooManyRequests}, Transient},
		{&StatusError{StatusCode: http.StatusInternalServerError}, Transient},
		{&StatusError{StatusCode: http.StatusServiceUnavailable}, Transient},
		{fmt.Errorf("wrapped: %w", &StatusError{StatusCode: http.StatusForbidden}), Permanent},
		{context.DeadlineExceeded, Transient},
		{context.Canceled, Permanent},
		{errors.New("connection reset by peer"), Transient},
		{MarkPermanent(errors.New("bad input")), Permanent},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.err), "%v", tc.err)
	}
}

func TestDoRetriesTransientUntilSuccess(t *testing.T) {
	rec := &recordingSleep{}
	calls := 0
	err := Do(context.Background(), testPolicy(rec), "op", func(context.Context) error {
		calls++
		if calls < 3 {
			return &StatusError{StatusCode: http.StatusBadGateway}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, rec.waits)
}

func TestDoStopsOnPermanent(t *testing.T) {
	rec := &recordingSleep{}
	calls := 0
	err := Do(context.Background(), testPolicy(rec), "op", func(context.Context) error {
		calls++
		return &StatusError{StatusCode: http.StatusUnauthorized}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, rec.waits)
}

func TestDoGivesUpAfterMaxAttempts(t *testing.T) {
	rec := &recordingSleep{}
	calls := 0
	_, err := DoValue(context.Background(), testPolicy(rec), "op", func(context.Context) (int, error) {
		calls++
		return 0, &StatusError{StatusCode: http.StatusTooManyRequests}
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, rec.waits, 2)

	var se *StatusError
	assert.True(t, errors.As(err, &se))
}

func TestBackoffJitterBounded(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxJitter: time.Second}
	for i := 0; i < 50; i++ {
		d := p.Backoff(2)
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.Less(t, d, 3*time.Second)
	}
}

func TestDoHonoursContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, Policy{MaxAttempts: 3, BaseDelay: time.Hour}, "op", func(context.Context) error {
		return errors.New("transport down")
	})
	assert.ErrorIs(t, err, context.Canceled)
}
