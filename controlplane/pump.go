package controlplane

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/arloliu/go-gsioc/internal/pool"
	"github.com/arloliu/go-gsioc/logger"
	"github.com/arloliu/go-gsioc/procedure"
)

// Commands written to the pump's command variable.
const (
	PumpCommandPump = "pump"
	PumpCommandStop = "stop"
)

// stopTimeout bounds the stop command sent after a cancelled run.
const stopTimeout = 10 * time.Second

// RemotePump drives a continuous flow pump that is controlled through
// control-plane variables: <name>.FlowRate in µL/min and <name>.Command.
type RemotePump struct {
	store  Store
	name   string
	logger logger.Logger
}

var _ procedure.FlowPump = (*RemotePump)(nil)

// NewRemotePump creates a RemotePump whose variables are prefixed by name.
func NewRemotePump(store Store, name string, l logger.Logger) (*RemotePump, error) {
	if store == nil || name == "" {
		return nil, errors.New("controlplane: remote pump needs a store and a name")
	}
	if l == nil {
		l = logger.GetLogger()
	}

	return &RemotePump{store: store, name: name, logger: l}, nil
}

// FlowRateKey returns the variable holding the flow rate.
func (p *RemotePump) FlowRateKey() string { return p.name + ".FlowRate" }

// CommandKey returns the variable holding the pump command.
func (p *RemotePump) CommandKey() string { return p.name + ".Command" }

// Pump runs the pump at flowRate for d and stops it. The stop command is
// sent even when ctx is cancelled during the run.
func (p *RemotePump) Pump(ctx context.Context, flowRate float64, d time.Duration) error {
	if flowRate < 0 || d < 0 {
		return fmt.Errorf("controlplane: invalid pump run %vµL/min for %v", flowRate, d)
	}

	p.logger.Info("controlplane: pumping", "pump", p.name, "flowRate", flowRate, "duration", d)

	if err := p.store.Set(ctx, p.FlowRateKey(), strconv.FormatFloat(flowRate, 'f', -1, 64)); err != nil {
		return err
	}
	if err := p.store.Set(ctx, p.CommandKey(), PumpCommandPump); err != nil {
		return err
	}

	runErr := pool.Sleep(ctx, d)

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()

	if err := p.store.Set(stopCtx, p.CommandKey(), PumpCommandStop); err != nil {
		return errors.Join(runErr, err)
	}

	return runErr
}
