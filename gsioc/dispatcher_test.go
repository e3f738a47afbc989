package gsioc

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcher_SerializesCallers(t *testing.T) {
	e, remote := newTestEngine(t, newTestConfig(t))
	startSlave(t, remote, &fakeSlave{addr: 33, identity: "GX"})

	d, err := NewDispatcher(context.Background(), e, WithQueueSize(2))
	require.NoError(t, err)
	defer d.Stop()

	const callers = 5

	var wg sync.WaitGroup
	replies := make([]string, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			reply, err := d.Send(context.Background(), liquidHandler, Buffered(fmt.Sprintf("SX%d/1", i)))
			replies[i] = reply.Data
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, fmt.Sprintf("SX%d/1", i), replies[i])
	}
	assert.Equal(t, uint64(1), e.Metrics().ConnectCount.Load())
}

func TestDispatcher_Connect(t *testing.T) {
	e, remote := newTestEngine(t, newTestConfig(t))
	startSlave(t, remote, &fakeSlave{addr: 3, identity: "D Inject"})

	d, err := NewDispatcher(context.Background(), e)
	require.NoError(t, err)
	defer d.Stop()

	identity, err := d.Connect(context.Background(), Slave{Name: "valve", Addr: 3})
	require.NoError(t, err)
	assert.Equal(t, "D Inject", identity)
}

func TestDispatcher_Heartbeat(t *testing.T) {
	e, remote := newTestEngine(t, newTestConfig(t))
	slave := startSlave(t, remote, &fakeSlave{addr: 33, identity: "GX"})

	d, err := NewDispatcher(context.Background(), e, WithHeartbeat(liquidHandler, 100*time.Millisecond))
	require.NoError(t, err)
	defer d.Stop()

	assert.Eventually(t, func() bool { return slave.connects.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(0), d.HeartbeatFailures())
}

func TestDispatcher_Stop(t *testing.T) {
	e, _ := newTestEngine(t, newTestConfig(t))

	d, err := NewDispatcher(context.Background(), e)
	require.NoError(t, err)

	d.Stop()
	d.Stop()

	_, err = d.Send(context.Background(), liquidHandler, Buffered("H"))
	require.ErrorIs(t, err, ErrDispatcherClosed)
}

func TestDispatcher_CancelledRequest(t *testing.T) {
	e, _ := newTestEngine(t, newTestConfig(t))

	d, err := NewDispatcher(context.Background(), e)
	require.NoError(t, err)
	defer d.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = d.Send(ctx, liquidHandler, Buffered("H"))
	require.ErrorIs(t, err, context.Canceled)
}

func TestDispatcher_InvalidOptions(t *testing.T) {
	e, _ := newTestEngine(t, newTestConfig(t))

	_, err := NewDispatcher(context.Background(), e, WithQueueSize(-1))
	require.Error(t, err)

	_, err = NewDispatcher(context.Background(), e, WithHeartbeat(Slave{Addr: 99}, time.Second))
	require.ErrorIs(t, err, ErrInvalidAddress)

	_, err = NewDispatcher(context.Background(), e, WithHeartbeat(liquidHandler, 0))
	require.Error(t, err)
}
