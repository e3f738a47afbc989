package gsioc

import (
	"context"
	"errors"
	"fmt"

	"github.com/arloliu/go-gsioc/internal/retry"
)

// Sentinel errors of the GSIOC master.
var (
	ErrNoReply          = errors.New("gsioc: no reply")
	ErrInvalidCommand   = errors.New("gsioc: invalid command")
	ErrInvalidAddress   = errors.New("gsioc: invalid slave address")
	ErrProtocolMismatch = errors.New("gsioc: protocol mismatch")
	ErrBusyRetry        = errors.New("gsioc: slave busy")
	ErrEngineClosed     = errors.New("gsioc: engine closed")
)

// RetryBudget is the attempt budget of one logical bus operation. It is
// owned by the caller and passed into every low-level call.
type RetryBudget = retry.Budget

// NewRetryBudget returns a budget of n attempts.
func NewRetryBudget(n int) RetryBudget { return retry.NewBudget(n) }

// Slave identifies a device on the bus.
type Slave struct {
	Name string
	Addr int
}

func (s Slave) String() string {
	return fmt.Sprintf("%s@%d", s.Name, s.Addr)
}

// Validate checks the unit ID range 0-63.
func (s Slave) Validate() error {
	if s.Addr < 0 || s.Addr > MaxSlaveAddr {
		return fmt.Errorf("%w: %d not in [0, %d]", ErrInvalidAddress, s.Addr, MaxSlaveAddr)
	}

	return nil
}

// CommandKind distinguishes immediate from buffered commands.
type CommandKind uint8

const (
	ImmediateKind CommandKind = iota
	BufferedKind
)

func (k CommandKind) String() string {
	switch k {
	case ImmediateKind:
		return "immediate"
	case BufferedKind:
		return "buffered"
	default:
		return "unknown"
	}
}

// Command is a GSIOC command addressed to the connected slave.
type Command struct {
	Kind CommandKind
	Text string
}

// Immediate returns an immediate command. ch must be exactly one ASCII
// character; this is checked when the command is sent.
func Immediate(ch string) Command { return Command{Kind: ImmediateKind, Text: ch} }

// Buffered returns a buffered command. The LF/CR framing is added on the wire.
func Buffered(text string) Command { return Command{Kind: BufferedKind, Text: text} }

func (c Command) String() string {
	return fmt.Sprintf("%s %q", c.Kind, c.Text)
}

// Reply is the response of a command.
type Reply struct {
	// Data is the response text. For buffered commands it is the echoed
	// text without the LF/CR framing.
	Data string
	// Mismatches counts echoed characters that differed from the sent one.
	// It is always zero for immediate commands.
	Mismatches int
}

// Commander is the connect-and-send capability shared by the device adapters.
// Engine and Dispatcher implement it.
type Commander interface {
	// Connect addresses slave and returns its identity.
	Connect(ctx context.Context, slave Slave) (string, error)
	// Send runs cmd on slave, connecting first when slave is not the
	// currently connected one.
	Send(ctx context.Context, slave Slave, cmd Command) (Reply, error)
}
