package device

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/arloliu/go-gsioc/gsioc"
)

var errBusDown = errors.New("bus down")

// fakeCommander records the traffic of the adapters instead of using a bus.
type fakeCommander struct {
	mu       sync.Mutex
	connects []gsioc.Slave
	commands []string
	failOn   string
	// mismatches is reported on every reply.
	mismatches int
}

func (f *fakeCommander) Connect(_ context.Context, slave gsioc.Slave) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.connects = append(f.connects, slave)

	return slave.Name, nil
}

func (f *fakeCommander) Send(_ context.Context, _ gsioc.Slave, cmd gsioc.Command) (gsioc.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failOn != "" && cmd.Text == f.failOn {
		return gsioc.Reply{}, errBusDown
	}
	f.commands = append(f.commands, cmd.Text)

	return gsioc.Reply{Data: cmd.Text, Mismatches: f.mismatches}, nil
}

func (f *fakeCommander) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.commands...)
}

// zeroTiming disables every settle wait.
func zeroTiming() Option { return WithTiming(Timing{}) }

func newTestPump(t *testing.T, cmdr gsioc.Commander) *SyringePump {
	t.Helper()

	p, err := NewSyringePump(cmdr, zeroTiming())
	if err != nil {
		t.Fatalf("NewSyringePump: %v", err)
	}

	return p
}
