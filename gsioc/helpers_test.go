package gsioc

import (
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arloliu/go-gsioc/transport"
)

// newTestConfig creates a Config with short timeouts suitable for tests.
func newTestConfig(t *testing.T, opts ...ConnOption) *Config {
	t.Helper()

	defaults := []ConnOption{
		WithPassiveTermination(MinPassiveTermination), // 20ms
		WithEchoTimeout(50 * time.Millisecond),
		WithReadTimeout(50 * time.Millisecond),
		WithBusyInterval(0),
		WithCharPacing(0),
		WithReconnectDelay(0),
	}

	cfg, err := NewConfig(append(defaults, opts...)...)
	if err != nil {
		t.Fatalf("newTestConfig: %v", err)
	}

	return cfg
}

// newTestEngine creates an Engine backed by the local end of net.Pipe().
// Returns the engine and the remote end for slave simulation.
func newTestEngine(t *testing.T, cfg *Config) (*Engine, net.Conn) {
	t.Helper()

	local, remote := net.Pipe()
	bus := transport.NewBus("pipe", local, nil)
	t.Cleanup(func() {
		_ = bus.Close()
		_ = remote.Close()
	})

	e, err := NewEngine(bus, cfg)
	if err != nil {
		t.Fatalf("newTestEngine: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })

	return e, remote
}

// fakeSlave simulates a GSIOC slave on the remote end of a pipe.
type fakeSlave struct {
	addr     int
	identity string

	// rejects is the number of connects answered with an invalid echo.
	rejects int
	// busy is the number of LF acquires answered with '#'.
	busy int
	// zeroPrefix sends a 0x00 byte before every immediate response.
	zeroPrefix bool
	// echo transforms buffered command echoes; nil echoes unchanged.
	echo func(byte) byte
	// responses maps immediate commands other than '%' to their response.
	responses map[byte]string

	connects atomic.Int32
}

// serve runs the slave until the pipe closes.
func (s *fakeSlave) serve(conn net.Conn) {
	connected := false
	buffered := false

	for {
		b, err := readByte(conn)
		if err != nil {
			return
		}

		switch {
		case b == DisconnectAll:
			connected = false
			buffered = false

		case b >= AddrOffset && b < 0xC0:
			if int(b-AddrOffset) != s.addr {
				connected = false
				continue
			}
			if s.rejects > 0 {
				s.rejects--
				_ = writeByte(conn, 0x20)
				continue
			}
			connected = true
			s.connects.Add(1)
			_ = writeByte(conn, b)

		case !connected:

		case buffered:
			echo := b
			if s.echo != nil && b != CR {
				echo = s.echo(b)
			}
			if b == CR {
				buffered = false
			}
			_ = writeByte(conn, echo)

		case b == LF:
			if s.busy > 0 {
				s.busy--
				_ = writeByte(conn, Busy)
				continue
			}
			buffered = true
			_ = writeByte(conn, LF)

		case b == '%':
			if s.respond(conn, s.identity) != nil {
				return
			}

		default:
			if resp, ok := s.responses[b]; ok {
				if s.respond(conn, resp) != nil {
					return
				}
			}
		}
	}
}

// respond sends an immediate response, waiting for ACK after every
// non-terminal byte.
func (s *fakeSlave) respond(conn net.Conn, resp string) error {
	if s.zeroPrefix {
		if err := writeByte(conn, 0x00); err != nil {
			return err
		}
	}

	for i := 0; i < len(resp); i++ {
		if i == len(resp)-1 {
			return writeByte(conn, resp[i]+AddrOffset)
		}

		if err := writeByte(conn, resp[i]); err != nil {
			return err
		}
		if ack, err := readByte(conn); err != nil || ack != ACK {
			return io.ErrUnexpectedEOF
		}
	}

	return nil
}

func readByte(r io.Reader) (byte, error) {
	buf := make([]byte, 1)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, err
	}

	return buf[0], nil
}

func writeByte(w io.Writer, b byte) error {
	_, err := w.Write([]byte{b})
	return err
}

// readOneByte reads exactly 1 byte from r, failing the test on error.
func readOneByte(t *testing.T, r io.Reader) byte {
	t.Helper()

	b, err := readByte(r)
	if err != nil {
		t.Fatalf("readOneByte: %v", err)
	}

	return b
}

// mustWrite writes data to w, failing the test on error.
func mustWrite(t *testing.T, w io.Writer, data []byte) {
	t.Helper()

	if _, err := w.Write(data); err != nil {
		t.Fatalf("mustWrite: %v", err)
	}
}

// startSlave runs s on remote in a new goroutine.
func startSlave(t *testing.T, remote net.Conn, s *fakeSlave) *fakeSlave {
	t.Helper()

	go s.serve(remote)

	return s
}
