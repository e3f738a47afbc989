package powersupply

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/arloliu/go-gsioc/internal/retry"
	"github.com/arloliu/go-gsioc/logger"
	"github.com/arloliu/go-gsioc/transport"
)

// Framing bytes of the power-source protocol.
const (
	Initiator  byte = 0x13
	Terminator byte = 0x11
	EOL        byte = '\r'
)

// Sentinel errors of the power-source protocol.
var (
	ErrCommunication      = errors.New("powersupply: RS232 framing, parity or overrun error")
	ErrSyntax             = errors.New("powersupply: invalid command syntax")
	ErrOutOfRange         = errors.New("powersupply: parameter out of range")
	ErrNoResponse         = errors.New("powersupply: no response")
	ErrUnexpectedResponse = errors.New("powersupply: unexpected response")
	ErrInvalidCommand     = errors.New("powersupply: invalid command")
)

// deviceErrors maps the error messages reported by the device.
var deviceErrors = map[string]error{
	"Communication Error": ErrCommunication,
	"Syntax Error":        ErrSyntax,
	"Out Of Range":        ErrOutOfRange,
}

// Client exchanges CR-terminated ASCII commands with the power source.
// Responses are framed by Initiator and Terminator; anything received
// outside a frame is discarded.
//
// Client is goroutine-safe; commands are serialized.
type Client struct {
	bus     *transport.Bus
	release func()
	cfg     *config
	logger  logger.Logger
	mu      sync.Mutex
}

// NewClient claims bus and returns a Client speaking over it.
func NewClient(bus *transport.Bus, opts ...Option) (*Client, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}

	release, err := bus.Claim()
	if err != nil {
		return nil, err
	}

	return &Client{
		bus:     bus,
		release: release,
		cfg:     cfg,
		logger:  cfg.logger.With("port", bus.Name()),
	}, nil
}

// Send sends one command and returns its response without framing.
//
// Queries (commands containing '?') must answer with a value; every other
// command must answer with an empty frame. Errors reported by the device
// are returned as ErrCommunication, ErrSyntax or ErrOutOfRange.
func (c *Client) Send(ctx context.Context, command string) (string, error) {
	if command == "" || strings.ContainsAny(command, "\r\n") {
		return "", fmt.Errorf("%w: %q", ErrInvalidCommand, command)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.bus.Drain()

	c.logger.Debug("powersupply: sending", "command", command)
	if err := c.bus.Write(append([]byte(command), EOL)); err != nil {
		return "", err
	}

	raw, err := c.collect(ctx)
	if err != nil {
		return "", fmt.Errorf("powersupply: %q: %w", command, err)
	}

	resp := strings.ReplaceAll(raw, string(EOL), "")
	c.logger.Debug("powersupply: received", "command", command, "response", resp)

	if derr, ok := deviceErrors[resp]; ok {
		return "", fmt.Errorf("powersupply: %q: %w", command, derr)
	}

	query := strings.Contains(command, "?")
	if query == (resp == "") {
		return "", fmt.Errorf("%w: %q answered %q", ErrUnexpectedResponse, command, resp)
	}

	return resp, nil
}

// collect reads one response frame and returns its body.
func (c *Client) collect(ctx context.Context) (string, error) {
	budget := retry.NewBudget(c.cfg.retryLimit)

	for {
		b, err := c.read(ctx, &budget)
		if err != nil {
			return "", err
		}
		if b == Initiator {
			break
		}
		c.logger.Debug("powersupply: discarded byte outside frame", "byte", b)
	}

	var body strings.Builder
	for {
		b, err := c.read(ctx, &budget)
		if err != nil {
			return "", err
		}
		if b == Terminator {
			return body.String(), nil
		}
		body.WriteByte(b)
	}
}

func (c *Client) read(ctx context.Context, budget *retry.Budget) (byte, error) {
	for {
		b, err := c.bus.ReadOne(ctx, c.cfg.readTimeout)
		if err == nil {
			return b, nil
		}
		if !errors.Is(err, transport.ErrReadTimeout) {
			return 0, err
		}
		if !budget.Take() {
			return 0, fmt.Errorf("%w after %d retries", ErrNoResponse, budget.Used())
		}
	}
}

// Close releases the bus and closes it.
func (c *Client) Close() error {
	c.release()
	return c.bus.Close()
}
