// Package transport owns the half-duplex byte channel between the bus master
// and its slaves.
//
// A Bus wraps any io.ReadWriteCloser: a serial port opened with [Open] or
// [OpenLegacy], a serial-over-TCP bridge, or one end of net.Pipe in tests.
// A background goroutine pumps received bytes into a buffer so that every
// read carries its own timeout and context, independent of whether the
// underlying stream supports deadlines.
//
// A Bus is shared by exactly one protocol engine. [Bus.Claim] is the
// ownership handle enforcing that: the first claim succeeds, later claims
// fail with [ErrBusClaimed] until the holder releases it.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-gsioc/internal/pool"
	"github.com/arloliu/go-gsioc/logger"
)

const rxBufferSize = 4096

// Sentinel errors for the bus transport.
var (
	ErrConnectTimeout  = errors.New("transport: connect timeout")
	ErrPortUnavailable = errors.New("transport: port unavailable")
	ErrReadTimeout     = errors.New("transport: read timeout")
	ErrBusClosed       = errors.New("transport: bus closed")
	ErrBusClaimed      = errors.New("transport: bus already claimed")
)

// Bus is an exclusive half-duplex byte channel.
//
// Reads and writes are safe to call from different goroutines, but the
// protocol layered on top must issue one exchange at a time.
type Bus struct {
	name   string
	rwc    io.ReadWriteCloser
	logger logger.Logger

	rx      chan byte
	rxErr   error // set by the pump before rx is closed
	done    chan struct{}
	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
	claimed   atomic.Bool
}

// NewBus wraps rwc and starts the receive pump. name is used in log output.
func NewBus(name string, rwc io.ReadWriteCloser, l logger.Logger) *Bus {
	if l == nil {
		l = logger.GetLogger()
	}

	b := &Bus{
		name:   name,
		rwc:    rwc,
		logger: l,
		rx:     make(chan byte, rxBufferSize),
		done:   make(chan struct{}),
	}
	go b.pump()

	return b
}

// Name returns the port name the bus was opened with.
func (b *Bus) Name() string { return b.name }

func (b *Bus) String() string { return fmt.Sprintf("<bus %s>", b.name) }

// pump copies received bytes into rx until the stream fails or the bus closes.
// A read returning (0, nil) is a driver-level poll timeout and is retried.
func (b *Bus) pump() {
	defer close(b.rx)

	buf := make([]byte, 256)
	for {
		n, err := b.rwc.Read(buf)
		for i := 0; i < n; i++ {
			select {
			case b.rx <- buf[i]:
			case <-b.done:
				return
			}
		}

		if err != nil {
			b.rxErr = err
			return
		}

		select {
		case <-b.done:
			return
		default:
		}
	}
}

// Claim takes exclusive ownership of the bus. The returned release function
// gives it back; calling release more than once is harmless.
func (b *Bus) Claim() (release func(), err error) {
	if !b.claimed.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: %s", ErrBusClaimed, b.name)
	}

	var once sync.Once

	return func() {
		once.Do(func() { b.claimed.Store(false) })
	}, nil
}

// ReadOne reads one byte, waiting at most timeout.
func (b *Bus) ReadOne(ctx context.Context, timeout time.Duration) (byte, error) {
	select {
	case <-b.done:
		return 0, ErrBusClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	// fast path: data already buffered
	select {
	case v, ok := <-b.rx:
		if !ok {
			return 0, b.streamErr()
		}
		return v, nil
	default:
	}

	timer := pool.GetTimer(timeout)
	defer pool.PutTimer(timer)

	select {
	case v, ok := <-b.rx:
		if !ok {
			return 0, b.streamErr()
		}
		return v, nil
	case <-timer.C:
		return 0, ErrReadTimeout
	case <-b.done:
		return 0, ErrBusClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// ReadExact reads exactly n bytes. The timeout bounds the whole read, not
// each byte; fewer than n bytes in time fails with ErrReadTimeout and returns
// what was received. Bytes already buffered are returned even when the
// timeout has elapsed.
func (b *Bus) ReadExact(ctx context.Context, n int, timeout time.Duration) ([]byte, error) {
	buf := make([]byte, 0, n)
	deadline := time.Now().Add(timeout)

	for len(buf) < n {
		remaining := max(time.Until(deadline), 0)

		v, err := b.ReadOne(ctx, remaining)
		if err != nil {
			return buf, err
		}
		buf = append(buf, v)
	}

	return buf, nil
}

// Write sends all of p. There is no backpressure signal from the line itself.
func (b *Bus) Write(p []byte) error {
	select {
	case <-b.done:
		return ErrBusClosed
	default:
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	for written := 0; written < len(p); {
		n, err := b.rwc.Write(p[written:])
		written += n

		if err != nil {
			return fmt.Errorf("transport: write to %s: %w", b.name, err)
		}
	}

	return nil
}

// WriteByte sends a single byte.
func (b *Bus) WriteByte(v byte) error {
	return b.Write([]byte{v})
}

// Drain discards every byte already received and returns how many were dropped.
func (b *Bus) Drain() int {
	dropped := 0
	for {
		select {
		case _, ok := <-b.rx:
			if !ok {
				return dropped
			}
			dropped++
		default:
			if dropped > 0 {
				b.logger.Debug("transport: drained stale input", "port", b.name, "bytes", dropped)
			}
			return dropped
		}
	}
}

// Close releases the channel. It is idempotent.
func (b *Bus) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
		b.closeErr = b.rwc.Close()
		b.logger.Debug("transport: bus closed", "port", b.name)
	})

	return b.closeErr
}

func (b *Bus) streamErr() error {
	select {
	case <-b.done:
		return ErrBusClosed
	default:
	}

	if b.rxErr != nil {
		return fmt.Errorf("%w: %w", ErrBusClosed, b.rxErr)
	}

	return ErrBusClosed
}
