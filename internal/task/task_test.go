package task

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arloliu/go-gsioc/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_StartStopWait(t *testing.T) {
	mgr := NewManager(context.Background(), logger.GetLogger())

	var iterations atomic.Int32
	err := mgr.Start("loop", func(ctx context.Context) bool {
		iterations.Add(1)
		select {
		case <-ctx.Done():
		case <-time.After(time.Millisecond):
		}
		return true
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return iterations.Load() > 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, mgr.Count())

	mgr.Stop()
	mgr.Wait()
	assert.Equal(t, 0, mgr.Count())
}

func TestManager_TaskReturnsFalse(t *testing.T) {
	mgr := NewManager(context.Background(), nil)

	done := make(chan struct{})
	require.NoError(t, mgr.Start("once", func(context.Context) bool {
		close(done)
		return false
	}))

	<-done
	assert.Eventually(t, func() bool { return mgr.Count() == 0 }, time.Second, 5*time.Millisecond)
}

func TestManager_PanicIsRecovered(t *testing.T) {
	mgr := NewManager(context.Background(), nil)

	require.NoError(t, mgr.Start("panicky", func(context.Context) bool {
		panic("boom")
	}))

	assert.Eventually(t, func() bool { return mgr.Count() == 0 }, time.Second, 5*time.Millisecond)
}

func TestManager_StartInterval(t *testing.T) {
	mgr := NewManager(context.Background(), nil)

	var ticks atomic.Int32
	require.NoError(t, mgr.StartInterval("tick", func(context.Context) bool {
		ticks.Add(1)
		return true
	}, 10*time.Millisecond, true))

	assert.Eventually(t, func() bool { return ticks.Load() >= 3 }, time.Second, 5*time.Millisecond)

	mgr.Stop()
	mgr.Wait()

	err := mgr.StartInterval("bad", func(context.Context) bool { return true }, 0, false)
	require.Error(t, err)
}

func TestManager_StartAfterStop(t *testing.T) {
	mgr := NewManager(context.Background(), nil)
	mgr.Stop()

	err := mgr.Start("late", func(context.Context) bool { return false })
	require.ErrorIs(t, err, ErrStopped)

	mgr.Wait()
	require.NoError(t, mgr.Start("rearmed", func(context.Context) bool { return false }))
}
