package powersupply

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/arloliu/go-gsioc/transport"
)

// fakeDevice simulates the power source on the remote end of a pipe.
type fakeDevice struct {
	identity string
	// noise is written before every response frame.
	noise []byte
	// silent commands are read but never answered.
	silent map[string]bool
	// replies overrides the answer to a command.
	replies map[string]string

	mu       sync.Mutex
	commands []string
	out      bool
	voltage  float64
	current  float64
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{identity: DefaultIdentity}
}

func (d *fakeDevice) serve(conn net.Conn) {
	buf := make([]byte, 1)
	var line []byte

	for {
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		if buf[0] != EOL {
			line = append(line, buf[0])
			continue
		}

		cmd := string(line)
		line = line[:0]

		resp, ok := d.handle(cmd)
		if !ok {
			continue
		}

		frame := append([]byte{}, d.noise...)
		frame = append(frame, Initiator)
		frame = append(frame, resp...)
		frame = append(frame, EOL, Terminator)
		if _, err := conn.Write(frame); err != nil {
			return
		}
	}
}

func (d *fakeDevice) handle(cmd string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.commands = append(d.commands, cmd)

	if d.silent[cmd] {
		return "", false
	}
	if resp, ok := d.replies[cmd]; ok {
		return resp, true
	}

	switch {
	case cmd == cmdIdentity:
		return d.identity, true
	case cmd == cmdOutOn:
		d.out = true
		return "", true
	case cmd == cmdOutOff:
		d.out = false
		return "", true
	case cmd == cmdSave:
		return "", true
	case cmd == cmdVoltage:
		if !d.out {
			return statusOff, true
		}
		return fmt.Sprintf("%05.2fV", d.voltage), true
	case cmd == cmdCurrent:
		if !d.out {
			return statusOff, true
		}
		return fmt.Sprintf("%05.1fmA", d.current), true
	case cmd == cmdStatus:
		if !d.out {
			return statusOff, true
		}
		return "CV", true
	case strings.HasPrefix(cmd, "VOLT "):
		v, err := strconv.ParseFloat(strings.TrimPrefix(cmd, "VOLT "), 64)
		if err != nil {
			return "Syntax Error", true
		}
		if v > MaxVoltage {
			return "Out Of Range", true
		}
		d.voltage = v
		return "", true
	case strings.HasPrefix(cmd, "CURR "):
		v, err := strconv.ParseFloat(strings.TrimPrefix(cmd, "CURR "), 64)
		if err != nil {
			return "Syntax Error", true
		}
		d.current = v
		return "", true
	}

	return "Syntax Error", true
}

func (d *fakeDevice) sent() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]string(nil), d.commands...)
}

func (d *fakeDevice) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.commands = nil
}

// pipeOpener returns an Opener that connects a new pipe to dev on every call.
func pipeOpener(t *testing.T, dev *fakeDevice) Opener {
	t.Helper()

	return func(context.Context) (*transport.Bus, error) {
		local, remote := net.Pipe()
		bus := transport.NewBus("pipe", local, nil)
		t.Cleanup(func() {
			_ = bus.Close()
			_ = remote.Close()
		})
		go dev.serve(remote)

		return bus, nil
	}
}

// newTestClient creates a Client over a pipe served by dev.
func newTestClient(t *testing.T, dev *fakeDevice, opts ...Option) *Client {
	t.Helper()

	bus, _ := pipeOpener(t, dev)(context.Background())
	c, err := NewClient(bus, opts...)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	return c
}

// newTestSupply creates an initialized Supply served by dev.
func newTestSupply(t *testing.T, dev *fakeDevice, opts ...Option) *Supply {
	t.Helper()

	s, err := New(pipeOpener(t, dev), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	return s
}
