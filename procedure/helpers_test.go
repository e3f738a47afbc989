package procedure

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/arloliu/go-gsioc/device"
	"github.com/arloliu/go-gsioc/gsioc"
)

// fakeCommander records the bus traffic of the device adapters.
type fakeCommander struct {
	mu       sync.Mutex
	commands []sentCommand
}

type sentCommand struct {
	addr int
	text string
}

func (f *fakeCommander) Connect(_ context.Context, slave gsioc.Slave) (string, error) {
	return slave.Name, nil
}

func (f *fakeCommander) Send(_ context.Context, slave gsioc.Slave, cmd gsioc.Command) (gsioc.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.commands = append(f.commands, sentCommand{addr: slave.Addr, text: cmd.Text})

	return gsioc.Reply{Data: cmd.Text}, nil
}

// sentTo returns the commands sent to the slave at addr.
func (f *fakeCommander) sentTo(addr int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []string
	for _, c := range f.commands {
		if c.addr == addr {
			out = append(out, c.text)
		}
	}

	return out
}

// moves returns the XY moves of the liquid handler.
func (f *fakeCommander) moves() []string {
	var out []string
	for _, c := range f.sentTo(device.LiquidHandlerSlave.Addr) {
		if len(c) > 2 && c[:2] == "SX" {
			out = append(out, c)
		}
	}

	return out
}

func (f *fakeCommander) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.commands)
}

// fakePower records the calls of the procedures to the power source.
type fakePower struct {
	mu      sync.Mutex
	calls   []string
	voltage float64 // value returned by GetVoltage
	reads   int
	closed  int
	initErr error
}

func (p *fakePower) record(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls = append(p.calls, fmt.Sprintf(format, args...))
}

func (p *fakePower) Initialize(context.Context) error {
	p.record("init")
	return p.initErr
}

func (p *fakePower) SetCurrent(_ context.Context, mA float64) error {
	p.record("current %v", mA)
	return nil
}

func (p *fakePower) SetVoltage(_ context.Context, v float64) error {
	p.record("voltage %v", v)
	return nil
}

func (p *fakePower) GetVoltage(context.Context) (float64, error) {
	p.record("read")

	p.mu.Lock()
	defer p.mu.Unlock()
	p.reads++

	return p.voltage, nil
}

func (p *fakePower) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed++

	return nil
}

var errPumpStalled = errors.New("pump stalled")

type flowRun struct {
	rate     float64
	duration time.Duration
}

type fakeFlow struct {
	runs []flowRun
	err  error
}

func (f *fakeFlow) Pump(ctx context.Context, rate float64, d time.Duration) error {
	f.runs = append(f.runs, flowRun{rate: rate, duration: d})
	if f.err != nil {
		return f.err
	}

	return ctx.Err()
}

// newTestOrchestrator wires an Orchestrator with zero settle times to a
// recording commander.
func newTestOrchestrator(t *testing.T, power PowerSource, flow FlowPump, opts ...Option) (*Orchestrator, *fakeCommander) {
	t.Helper()

	cmdr := &fakeCommander{}
	zero := device.WithTiming(device.Timing{})

	lh, err := device.NewLiquidHandler(cmdr, zero)
	if err != nil {
		t.Fatalf("NewLiquidHandler: %v", err)
	}
	pump, err := device.NewSyringePump(cmdr, zero)
	if err != nil {
		t.Fatalf("NewSyringePump: %v", err)
	}
	valve, err := device.NewInjectionValve(cmdr, zero)
	if err != nil {
		t.Fatalf("NewInjectionValve: %v", err)
	}

	o, err := New(Devices{LiquidHandler: lh, Pump: pump, Valve: valve}, power, flow,
		append([]Option{WithTiming(Timing{})}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	return o, cmdr
}
