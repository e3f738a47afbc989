package gsioc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-gsioc/internal/task"
	"github.com/arloliu/go-gsioc/logger"
)

const DefaultQueueSize = 10

// ErrDispatcherClosed is returned for requests submitted to a stopped Dispatcher.
var ErrDispatcherClosed = errors.New("gsioc: dispatcher closed")

type request struct {
	ctx     context.Context //nolint:containedctx
	slave   Slave
	cmd     Command
	connect bool
	respCh  chan response
}

type response struct {
	identity string
	reply    Reply
	err      error
}

// Dispatcher fans commands from many goroutines into one consumer that owns
// the Commander. Requests are executed strictly in submission order.
//
// With a heartbeat configured, the consumer also connects the heartbeat slave
// periodically while the queue is idle, so a dead bus shows up in the logs
// before the next procedure step needs it.
type Dispatcher struct {
	cmdr    Commander
	queue   chan *request
	taskMgr *task.Manager
	logger  logger.Logger

	heartbeat         *Slave
	heartbeatInterval time.Duration
	heartbeatFailures atomic.Uint64

	done     chan struct{}
	stopOnce sync.Once
}

var _ Commander = (*Dispatcher)(nil)

// DispatcherOption is a functional option for configuring a Dispatcher.
type DispatcherOption interface {
	apply(*Dispatcher) error
}

type dispatcherOptFunc func(*Dispatcher) error

func (f dispatcherOptFunc) apply(d *Dispatcher) error { return f(d) }

// WithQueueSize sets the capacity of the request queue.
func WithQueueSize(n int) DispatcherOption {
	return dispatcherOptFunc(func(d *Dispatcher) error {
		if n < 0 {
			return fmt.Errorf("gsioc: invalid queue size %d", n)
		}
		d.queue = make(chan *request, n)

		return nil
	})
}

// WithHeartbeat connects slave every interval while no request is queued.
func WithHeartbeat(slave Slave, interval time.Duration) DispatcherOption {
	return dispatcherOptFunc(func(d *Dispatcher) error {
		if err := slave.Validate(); err != nil {
			return err
		}
		if interval <= 0 {
			return fmt.Errorf("gsioc: invalid heartbeat interval %v", interval)
		}
		d.heartbeat = &slave
		d.heartbeatInterval = interval

		return nil
	})
}

// WithDispatcherLogger sets the logger of the Dispatcher.
func WithDispatcherLogger(l logger.Logger) DispatcherOption {
	return dispatcherOptFunc(func(d *Dispatcher) error {
		if l == nil {
			return errors.New("gsioc: logger must not be nil")
		}
		d.logger = l

		return nil
	})
}

// NewDispatcher creates a Dispatcher serving cmdr and starts its consumer.
// The consumer stops when ctx is done or Stop is called.
func NewDispatcher(ctx context.Context, cmdr Commander, opts ...DispatcherOption) (*Dispatcher, error) {
	d := &Dispatcher{
		cmdr:   cmdr,
		queue:  make(chan *request, DefaultQueueSize),
		logger: logger.GetLogger(),
		done:   make(chan struct{}),
	}

	for _, opt := range opts {
		if err := opt.apply(d); err != nil {
			return nil, err
		}
	}

	d.taskMgr = task.NewManager(ctx, d.logger)

	if err := d.taskMgr.Start("gsioc-dispatcher", d.consume); err != nil {
		return nil, err
	}

	if d.heartbeat != nil {
		if err := d.taskMgr.StartInterval("gsioc-heartbeat", d.beat, d.heartbeatInterval, false); err != nil {
			d.Stop()
			return nil, err
		}
	}

	return d, nil
}

// Connect queues a connect to slave and waits for its identity.
func (d *Dispatcher) Connect(ctx context.Context, slave Slave) (string, error) {
	resp, err := d.submit(ctx, &request{ctx: ctx, slave: slave, connect: true})
	if err != nil {
		return "", err
	}

	return resp.identity, resp.err
}

// Send queues cmd for slave and waits for the reply.
func (d *Dispatcher) Send(ctx context.Context, slave Slave, cmd Command) (Reply, error) {
	resp, err := d.submit(ctx, &request{ctx: ctx, slave: slave, cmd: cmd})
	if err != nil {
		return Reply{}, err
	}

	return resp.reply, resp.err
}

// HeartbeatFailures returns the number of failed heartbeat connects.
func (d *Dispatcher) HeartbeatFailures() uint64 { return d.heartbeatFailures.Load() }

// Stop terminates the consumer and the heartbeat. Requests still queued fail
// with ErrDispatcherClosed. Stop is idempotent.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.done)
		d.taskMgr.Stop()
		d.taskMgr.Wait()
	})
}

func (d *Dispatcher) submit(ctx context.Context, req *request) (response, error) {
	req.respCh = make(chan response, 1)

	select {
	case <-d.done:
		return response{}, ErrDispatcherClosed
	default:
	}

	select {
	case d.queue <- req:
	case <-d.done:
		return response{}, ErrDispatcherClosed
	case <-ctx.Done():
		return response{}, ctx.Err()
	}

	select {
	case resp := <-req.respCh:
		return resp, nil
	case <-d.done:
		return response{}, ErrDispatcherClosed
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
}

// consume executes one queued request.
func (d *Dispatcher) consume(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false

	case req := <-d.queue:
		if err := req.ctx.Err(); err != nil {
			req.respCh <- response{err: err}
			return true
		}

		var resp response
		if req.connect {
			resp.identity, resp.err = d.cmdr.Connect(req.ctx, req.slave)
		} else {
			resp.reply, resp.err = d.cmdr.Send(req.ctx, req.slave, req.cmd)
		}
		req.respCh <- resp

		return true
	}
}

func (d *Dispatcher) beat(ctx context.Context) bool {
	if len(d.queue) > 0 {
		return true
	}

	beatCtx, cancel := context.WithTimeout(ctx, d.heartbeatInterval)
	defer cancel()

	identity, err := d.Connect(beatCtx, *d.heartbeat)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}

		d.heartbeatFailures.Add(1)
		d.logger.Warn("gsioc: heartbeat failed", "slave", d.heartbeat.String(), "error", err)

		return true
	}

	d.logger.Debug("gsioc: heartbeat", "slave", d.heartbeat.String(), "identity", identity)

	return true
}
