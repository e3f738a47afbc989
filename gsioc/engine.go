package gsioc

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-gsioc/internal/pool"
	"github.com/arloliu/go-gsioc/logger"
	"github.com/arloliu/go-gsioc/transport"
)

// Wire characters of the GSIOC protocol.
const (
	DisconnectAll byte = 0xFF
	AddrOffset    byte = 0x80
	EchoMin       byte = 0x7F
	ACK           byte = 0x06
	LF            byte = 0x0A
	CR            byte = 0x0D
	Busy          byte = '#'

	identityCommand = "%"
)

// Engine is the GSIOC bus master.
//
// It implements the connect handshake, immediate commands and buffered
// commands on top of a transport.Bus. The engine claims the bus on creation,
// so at most one slave can be connected per bus.
//
// Engine is NOT goroutine-safe, consistent with the half-duplex nature of
// GSIOC. Concurrent callers must go through a Dispatcher.
type Engine struct {
	bus     *transport.Bus
	cfg     *Config
	logger  logger.Logger
	release func()

	state   atomicConnState
	addr    atomic.Int32
	closed  atomic.Bool
	metrics Metrics
}

var _ Commander = (*Engine)(nil)

// NewEngine claims bus and returns a master driving it.
func NewEngine(bus *transport.Bus, cfg *Config) (*Engine, error) {
	if cfg == nil {
		var err error
		if cfg, err = NewConfig(); err != nil {
			return nil, err
		}
	}

	release, err := bus.Claim()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		bus:     bus,
		cfg:     cfg,
		logger:  cfg.GetLogger().With("bus", bus.Name()),
		release: release,
	}
	e.addr.Store(-1)

	return e, nil
}

// State returns the addressing state.
func (e *Engine) State() ConnState { return e.state.Get() }

// ConnectedAddr returns the address of the connected slave, or -1.
func (e *Engine) ConnectedAddr() int {
	if !e.state.IsConnected() {
		return -1
	}

	return int(e.addr.Load())
}

// Metrics returns the counters of the engine.
func (e *Engine) Metrics() *Metrics { return &e.metrics }

// Close releases the bus claim. The bus itself stays open and is closed by
// its owner. Close is idempotent.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	e.state.ToDisconnected()
	e.addr.Store(-1)
	e.release()

	return nil
}

// Connect addresses slave with a fresh attempt budget and returns its identity.
func (e *Engine) Connect(ctx context.Context, slave Slave) (string, error) {
	if e.closed.Load() {
		return "", ErrEngineClosed
	}

	budget := NewRetryBudget(e.cfg.retryLimit)

	return e.connect(ctx, slave, &budget)
}

// Send runs cmd on slave, connecting first unless slave is already the
// connected one. The whole operation shares one fresh attempt budget.
func (e *Engine) Send(ctx context.Context, slave Slave, cmd Command) (Reply, error) {
	if e.closed.Load() {
		return Reply{}, ErrEngineClosed
	}

	if err := checkCommand(cmd); err != nil {
		return Reply{}, err
	}

	budget := NewRetryBudget(e.cfg.retryLimit)

	if e.ConnectedAddr() != slave.Addr {
		if _, err := e.connect(ctx, slave, &budget); err != nil {
			return Reply{}, err
		}
	}

	var (
		reply Reply
		err   error
	)

	switch cmd.Kind {
	case ImmediateKind:
		reply.Data, err = e.ImmediateCommand(ctx, &budget, cmd.Text)
	default:
		reply, err = e.BufferedCommand(ctx, &budget, cmd.Text)
	}

	if err != nil {
		// the slave state is unknown after a failed exchange; address it again next time
		e.state.ToDisconnected()

		return reply, fmt.Errorf("gsioc: %s %s: %w", slave, cmd, err)
	}

	e.logger.Debug("gsioc: command done", "slave", slave.String(), "command", cmd.String(),
		"reply", reply.Data, "mismatches", reply.Mismatches, "budget", budget.String())

	return reply, nil
}

func (e *Engine) connect(ctx context.Context, slave Slave, budget *RetryBudget) (string, error) {
	identity, err := e.Handshake(ctx, slave.Addr, budget)
	if err != nil {
		return "", fmt.Errorf("gsioc: connect %s: %w", slave, err)
	}

	e.logger.Info("gsioc: connected", "slave", slave.String(), "identity", identity, "budget", budget.String())

	return identity, nil
}

// Handshake performs the connect sequence for the slave at addr:
//
//  1. Send the disconnect-all byte 0xFF.
//  2. Wait the passive termination interval.
//  3. Send addr+128.
//  4. Accept an echo in [0x7F, 0xFF]; confirm the slave with the immediate
//     identity command and return the identity.
//
// A rejected or missing echo takes one attempt from budget and the sequence
// restarts after the reconnect delay. An exhausted budget fails with ErrNoReply.
func (e *Engine) Handshake(ctx context.Context, addr int, budget *RetryBudget) (string, error) {
	if addr < 0 || addr > MaxSlaveAddr {
		return "", fmt.Errorf("%w: %d not in [0, %d]", ErrInvalidAddress, addr, MaxSlaveAddr)
	}

	e.state.ToConnecting()
	e.addr.Store(int32(addr))
	addrByte := byte(addr) + AddrOffset

	for {
		if err := e.writeByte(DisconnectAll); err != nil {
			return "", e.failConnect(err)
		}

		if err := pool.Sleep(ctx, e.cfg.passiveTermination); err != nil {
			return "", e.failConnect(err)
		}
		e.bus.Drain()

		if err := e.writeByte(addrByte); err != nil {
			return "", e.failConnect(err)
		}

		echo, err := e.readByte(ctx, e.cfg.echoTimeout)
		switch {
		case err == nil && echo >= EchoMin:
			identity, err := e.immediate(ctx, budget, identityCommand[0])
			if err != nil {
				return "", e.failConnect(fmt.Errorf("identity: %w", err))
			}

			e.state.ToConnected()
			e.metrics.incConnectCount()

			return identity, nil

		case err == nil:
			e.logger.Debug("gsioc: invalid connect echo", "addr", addr, "echo", fmt.Sprintf("0x%02X", echo), "budget", budget.String())

		case errors.Is(err, transport.ErrReadTimeout):
			e.logger.Debug("gsioc: no connect echo", "addr", addr, "budget", budget.String())

		default:
			return "", e.failConnect(err)
		}

		e.metrics.incConnectRetryCount()
		if !budget.Take() {
			e.metrics.incNoReplyCount()
			return "", e.failConnect(fmt.Errorf("%w: slave %d did not accept the connect", ErrNoReply, addr))
		}

		if err := pool.Sleep(ctx, e.cfg.reconnectDelay); err != nil {
			return "", e.failConnect(err)
		}
	}
}

func (e *Engine) failConnect(err error) error {
	e.state.ToDisconnected()
	e.addr.Store(-1)

	return err
}

// ImmediateCommand sends the single-character command ch and collects the
// response. Every non-terminal response byte is acknowledged with 0x06; the
// terminal byte has bit 7 set and carries data byte-128. Zero bytes are
// ignored. Each read timeout takes one attempt from budget.
func (e *Engine) ImmediateCommand(ctx context.Context, budget *RetryBudget, ch string) (string, error) {
	if err := checkImmediate(ch); err != nil {
		return "", err
	}

	resp, err := e.immediate(ctx, budget, ch[0])
	if err != nil {
		return resp, err
	}
	e.metrics.incCommandCount()

	return resp, nil
}

func (e *Engine) immediate(ctx context.Context, budget *RetryBudget, ch byte) (string, error) {
	if err := e.writeByte(ch); err != nil {
		return "", err
	}

	resp := make([]byte, 0, 16)
	for {
		b, err := e.readRetry(ctx, budget)
		if err != nil {
			return string(resp), err
		}

		switch {
		case b == 0x00:
			continue
		case b > 127:
			resp = append(resp, b-AddrOffset)
			return string(resp), nil
		default:
			resp = append(resp, b)
			if err := e.writeByte(ACK); err != nil {
				return string(resp), err
			}
		}
	}
}

// BufferedCommand sends text framed as LF+text+CR.
//
// Phase 1 repeats LF until the slave echoes LF; a busy echo '#' or any other
// byte takes one attempt from budget. Phase 2 sends the remaining characters
// one at a time and reads one echo each. Echoes that differ from the sent
// character are counted in Reply.Mismatches but never abort the command,
// which completes when a CR is echoed.
func (e *Engine) BufferedCommand(ctx context.Context, budget *RetryBudget, text string) (Reply, error) {
	if err := checkBuffered(text); err != nil {
		return Reply{}, err
	}

	frame := make([]byte, 0, len(text)+2)
	frame = append(frame, LF)
	frame = append(frame, text...)
	frame = append(frame, CR)

	if err := e.acquire(ctx, budget); err != nil {
		return Reply{}, err
	}

	var reply Reply
	resp := make([]byte, 0, len(text))

	for _, ch := range frame[1:] {
		if err := pool.Sleep(ctx, e.cfg.charPacing); err != nil {
			return reply, err
		}

		if err := e.writeByte(ch); err != nil {
			return reply, err
		}

		echo, err := e.readRetry(ctx, budget)
		if err != nil {
			reply.Data = string(resp)
			return reply, err
		}

		if echo != ch {
			reply.Mismatches++
			e.metrics.addEchoMismatchCount(1)
			e.logger.Warn("gsioc: echo mismatch",
				"sent", fmt.Sprintf("0x%02X", ch),
				"echo", fmt.Sprintf("0x%02X", echo),
			)
		}

		if echo == CR {
			reply.Data = string(resp)
			e.metrics.incCommandCount()

			return reply, nil
		}
		resp = append(resp, echo)
	}

	reply.Data = string(resp)

	return reply, fmt.Errorf("%w: frame of %q sent without a CR echo", ErrProtocolMismatch, text)
}

// acquire runs phase 1 of a buffered command.
func (e *Engine) acquire(ctx context.Context, budget *RetryBudget) error {
	for {
		if err := e.writeByte(LF); err != nil {
			return err
		}

		echo, err := e.readByte(ctx, e.cfg.readTimeout)
		switch {
		case err == nil && echo == LF:
			return nil

		case err == nil && echo == Busy:
			e.metrics.incBusyCount()
			e.logger.Debug("gsioc: slave busy", "budget", budget.String())

			if !budget.Take() {
				e.metrics.incNoReplyCount()
				return fmt.Errorf("%w: %w", ErrNoReply, ErrBusyRetry)
			}

			if err := pool.Sleep(ctx, e.cfg.busyInterval); err != nil {
				return err
			}

			continue

		case err == nil:
			e.metrics.addEchoMismatchCount(1)
			e.logger.Debug("gsioc: unexpected acquire echo", "echo", fmt.Sprintf("0x%02X", echo), "budget", budget.String())

		case errors.Is(err, transport.ErrReadTimeout):
			e.metrics.incReadTimeoutCount()

		default:
			return err
		}

		if !budget.Take() {
			e.metrics.incNoReplyCount()
			return fmt.Errorf("%w: slave did not accept the buffered command", ErrNoReply)
		}
	}
}

// --- Low-level I/O helpers ---

// readRetry reads one byte, re-reading after each timeout while budget allows.
func (e *Engine) readRetry(ctx context.Context, budget *RetryBudget) (byte, error) {
	for {
		b, err := e.readByte(ctx, e.cfg.readTimeout)
		if err == nil {
			return b, nil
		}

		if !errors.Is(err, transport.ErrReadTimeout) {
			return 0, err
		}

		e.metrics.incReadTimeoutCount()
		if !budget.Take() {
			e.metrics.incNoReplyCount()
			return 0, fmt.Errorf("%w: %w", ErrNoReply, err)
		}
	}
}

func (e *Engine) readByte(ctx context.Context, timeout time.Duration) (byte, error) {
	return e.bus.ReadOne(ctx, timeout)
}

func (e *Engine) writeByte(b byte) error {
	return e.bus.WriteByte(b)
}

func checkCommand(cmd Command) error {
	switch cmd.Kind {
	case ImmediateKind:
		return checkImmediate(cmd.Text)
	case BufferedKind:
		return checkBuffered(cmd.Text)
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidCommand, cmd.Kind)
	}
}

func checkImmediate(ch string) error {
	if len(ch) != 1 || ch[0] > 127 {
		return fmt.Errorf("%w: immediate command must be one ASCII character, got %q", ErrInvalidCommand, ch)
	}

	return nil
}

func checkBuffered(text string) error {
	for i := 0; i < len(text); i++ {
		if c := text[i]; c > 127 || c == LF || c == CR {
			return fmt.Errorf("%w: invalid character 0x%02X in buffered command %q", ErrInvalidCommand, c, text)
		}
	}

	return nil
}
