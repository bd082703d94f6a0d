package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingRefresher struct {
	calls atomic.Int32
	n     int
	err   error
}

func (r *countingRefresher) RefreshDue(context.Context) (int, error) {
	r.calls.Add(1)
	return r.n, r.err
}

func TestNewRejectsBadSpec(t *testing.T) {
	_, err := New("every tuesday", &countingRefresher{}, 0, nil)
	require.Error(t, err)
}

func TestRunOnce(t *testing.T) {
	r := &countingRefresher{n: 3}
	s, err := New("", r, time.Second, nil)
	require.NoError(t, err)
	require.Equal(t, 3, s.RunOnce(context.Background()))

	r.err = errors.New("store unavailable")
	r.n = 1
	require.Equal(t, 1, s.RunOnce(context.Background()))
	require.EqualValues(t, 2, r.calls.Load())
}

func TestSchedulerFiresEntries(t *testing.T) {
	r := &countingRefresher{}
	s, err := New("@every 1s", r, time.Second, nil)
	require.NoError(t, err)
	s.Start()

	require.Eventually(t, func() bool { return r.calls.Load() > 0 }, 3*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}
