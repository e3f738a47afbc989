package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/arloliu/go-gsioc/config"
	"github.com/arloliu/go-gsioc/controlplane"
	"github.com/arloliu/go-gsioc/device"
	"github.com/arloliu/go-gsioc/gsioc"
	"github.com/arloliu/go-gsioc/logger"
	"github.com/arloliu/go-gsioc/powersupply"
	"github.com/arloliu/go-gsioc/procedure"
	"github.com/arloliu/go-gsioc/transport"
)

// platform is the wired instrument stack.
type platform struct {
	bus          *transport.Bus
	engine       *gsioc.Engine
	dispatcher   *gsioc.Dispatcher
	orchestrator *procedure.Orchestrator
	closers      []func() error
}

// openGSIOC opens the GSIOC bus and starts the dispatcher serializing it.
func openGSIOC(ctx context.Context, cfg config.Platform, l logger.Logger) (*platform, error) {
	if cfg.Bus.Port == "" {
		return nil, errors.New("bus port is not configured")
	}

	topts, err := cfg.TransportOptions(l)
	if err != nil {
		return nil, err
	}
	ecfg, err := cfg.EngineConfig(l)
	if err != nil {
		return nil, err
	}

	bus, err := transport.Open(ctx, cfg.Bus.Port, cfg.Bus.BaudRate, topts...)
	if err != nil {
		return nil, err
	}
	p := &platform{bus: bus}
	p.closers = append(p.closers, bus.Close)

	if p.engine, err = gsioc.NewEngine(bus, ecfg); err != nil {
		return nil, p.fail(err)
	}
	p.closers = append(p.closers, p.engine.Close)

	if p.dispatcher, err = gsioc.NewDispatcher(ctx, p.engine, cfg.DispatcherOptions(l)...); err != nil {
		return nil, p.fail(err)
	}
	p.closers = append(p.closers, func() error { p.dispatcher.Stop(); return nil })

	return p, nil
}

// openPlatform wires the complete platform: GSIOC devices, power source and
// flow pump.
func openPlatform(ctx context.Context, cfg config.Platform, store controlplane.Store, l logger.Logger) (*platform, error) {
	p, err := openGSIOC(ctx, cfg, l)
	if err != nil {
		return nil, err
	}

	lh, err := device.NewLiquidHandler(p.dispatcher, cfg.LiquidHandlerOptions(l)...)
	if err != nil {
		return nil, p.fail(err)
	}
	pump, err := device.NewSyringePump(p.dispatcher, cfg.SyringePumpOptions(l)...)
	if err != nil {
		return nil, p.fail(err)
	}
	valve, err := device.NewInjectionValve(p.dispatcher, cfg.InjectionValveOptions(l)...)
	if err != nil {
		return nil, p.fail(err)
	}

	var power procedure.PowerSource
	if cfg.Power.Enabled {
		if power, err = powersupply.New(powersupply.SerialOpener(cfg.Power.Port, transport.WithLogger(l)), cfg.PowerOptions(l)...); err != nil {
			return nil, p.fail(err)
		}
	}

	flow, err := controlplane.NewRemotePump(store, cfg.Control.FlowPump, l)
	if err != nil {
		return nil, p.fail(err)
	}

	devs := procedure.Devices{LiquidHandler: lh, Pump: pump, Valve: valve}
	if p.orchestrator, err = procedure.New(devs, power, flow, cfg.ProcedureOptions(l)...); err != nil {
		return nil, p.fail(err)
	}

	return p, nil
}

// Close releases everything in reverse order of acquisition.
func (p *platform) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		errs = append(errs, p.closers[i]())
	}
	p.closers = nil

	return errors.Join(errs...)
}

func (p *platform) fail(err error) error {
	return errors.Join(err, p.Close())
}

// openStore creates the configured control-plane store.
func openStore(ctx context.Context, cfg config.Platform) (controlplane.Store, func() error, error) {
	switch cfg.Control.Store {
	case config.StoreRedis:
		s, err := controlplane.NewRedisStore(ctx, cfg.RedisOptions())
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case config.StoreHTTP:
		s, err := controlplane.NewHTTPStore(cfg.Control.URL, nil)
		if err != nil {
			return nil, nil, err
		}
		return s, func() error { return nil }, nil

	case config.StoreMemory:
		return controlplane.NewMemoryStore(controlplane.DefaultVariables()), func() error { return nil }, nil
	}

	return nil, nil, fmt.Errorf("unknown control store %q", cfg.Control.Store)
}
