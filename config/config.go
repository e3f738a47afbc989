// Package config loads the platform configuration from a TOML file and turns
// it into the option sets of the individual packages.
package config

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/arloliu/go-gsioc/controlplane"
	"github.com/arloliu/go-gsioc/device"
	"github.com/arloliu/go-gsioc/gsioc"
	"github.com/arloliu/go-gsioc/logger"
	"github.com/arloliu/go-gsioc/powersupply"
	"github.com/arloliu/go-gsioc/procedure"
	"github.com/arloliu/go-gsioc/rack"
	"github.com/arloliu/go-gsioc/transport"
)

// Store backends of the control plane.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreHTTP   = "http"
)

// Duration is a time.Duration written as a Go duration string ("200ms").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v

	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func dur(d time.Duration) Duration { return Duration{Duration: d} }

// Platform is the complete platform configuration.
type Platform struct {
	Log     Log     `toml:"log"`
	Bus     Bus     `toml:"bus"`
	GSIOC   GSIOC   `toml:"gsioc"`
	Devices Devices `toml:"devices"`
	Rack    Rack    `toml:"rack"`
	Timing  Timing  `toml:"timing"`
	Power   Power   `toml:"power"`
	Control Control `toml:"control"`
}

type Log struct {
	Level     string `toml:"level"`
	AddSource bool   `toml:"add_source"`
}

// Bus is the serial line shared by the GSIOC instruments.
type Bus struct {
	Port           string   `toml:"port"`
	BaudRate       int      `toml:"baud_rate"`
	Parity         string   `toml:"parity"`
	StopBits       int      `toml:"stop_bits"`
	ConnectTimeout Duration `toml:"connect_timeout"`
	QueueSize      int      `toml:"queue_size"`
	// Heartbeat connects the liquid handler periodically while idle; zero disables it.
	Heartbeat Duration `toml:"heartbeat"`
}

type GSIOC struct {
	PassiveTermination Duration `toml:"passive_termination"`
	EchoTimeout        Duration `toml:"echo_timeout"`
	ReadTimeout        Duration `toml:"read_timeout"`
	BusyInterval       Duration `toml:"busy_interval"`
	CharPacing         Duration `toml:"char_pacing"`
	ReconnectDelay     Duration `toml:"reconnect_delay"`
	RetryLimit         int      `toml:"retry_limit"`
}

type Slave struct {
	Name string `toml:"name"`
	Addr int    `toml:"addr"`
}

func (s Slave) gsioc() gsioc.Slave { return gsioc.Slave{Name: s.Name, Addr: s.Addr} }

type Devices struct {
	LiquidHandler  Slave      `toml:"liquid_handler"`
	SyringePump    Slave      `toml:"syringe_pump"`
	InjectionValve Slave      `toml:"injection_valve"`
	MaxStroke      float64    `toml:"max_stroke"`
	VialZ          float64    `toml:"vial_z"`
	Dock           [3]float64 `toml:"dock"`
}

type Rack struct {
	Width   int     `toml:"width"`
	Height  int     `toml:"height"`
	OriginX float64 `toml:"origin_x"`
	OriginY float64 `toml:"origin_y"`
	PitchX  float64 `toml:"pitch_x"`
	PitchY  float64 `toml:"pitch_y"`
}

// Timing scales every settle wait of the devices and procedures; 1 is real
// time, 0 removes the waits for dry runs against simulated instruments.
type Timing struct {
	Scale float64 `toml:"scale"`
}

type Power struct {
	Enabled     bool     `toml:"enabled"`
	Port        string   `toml:"port"`
	Identity    string   `toml:"identity"`
	ReadTimeout Duration `toml:"read_timeout"`
	RetryLimit  int      `toml:"retry_limit"`
}

type Redis struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Prefix   string `toml:"prefix"`
}

type Control struct {
	Store        string   `toml:"store"`
	Listen       string   `toml:"listen"`
	URL          string   `toml:"url"`
	Redis        Redis    `toml:"redis"`
	PollInterval Duration `toml:"poll_interval"`
	StartDelay   Duration `toml:"start_delay"`
	FlowPump     string   `toml:"flow_pump"`
}

// Default returns the configuration of the reference platform.
func Default() Platform {
	return Platform{
		Log: Log{Level: "info"},
		Bus: Bus{
			BaudRate:       transport.DefaultBaudRate,
			Parity:         "even",
			StopBits:       1,
			ConnectTimeout: dur(transport.DefaultConnectTimeout),
			QueueSize:      gsioc.DefaultQueueSize,
		},
		GSIOC: GSIOC{
			PassiveTermination: dur(gsioc.DefaultPassiveTermination),
			EchoTimeout:        dur(gsioc.DefaultEchoTimeout),
			ReadTimeout:        dur(gsioc.DefaultReadTimeout),
			BusyInterval:       dur(gsioc.DefaultBusyInterval),
			CharPacing:         dur(gsioc.DefaultCharPacing),
			ReconnectDelay:     dur(gsioc.DefaultReconnectDelay),
			RetryLimit:         gsioc.DefaultRetryLimit,
		},
		Devices: Devices{
			LiquidHandler:  Slave{Name: device.LiquidHandlerSlave.Name, Addr: device.LiquidHandlerSlave.Addr},
			SyringePump:    Slave{Name: device.SyringePumpSlave.Name, Addr: device.SyringePumpSlave.Addr},
			InjectionValve: Slave{Name: device.InjectionValveSlave.Name, Addr: device.InjectionValveSlave.Addr},
			MaxStroke:      device.DefaultMaxStroke,
			VialZ:          device.DefaultVialZ,
			Dock:           [3]float64{device.DefaultDockX, device.DefaultDockY, device.DefaultDockZ},
		},
		Rack: Rack{
			Width:   rack.DefaultWidth,
			Height:  rack.DefaultHeight,
			OriginX: rack.DefaultOriginX,
			OriginY: rack.DefaultOriginY,
			PitchX:  rack.DefaultPitchX,
			PitchY:  rack.DefaultPitchY,
		},
		Timing: Timing{Scale: 1},
		Power: Power{
			Identity:    powersupply.DefaultIdentity,
			ReadTimeout: dur(powersupply.DefaultReadTimeout),
			RetryLimit:  powersupply.DefaultRetryLimit,
		},
		Control: Control{
			Store:        StoreMemory,
			Listen:       ":8000",
			Redis:        Redis{Addr: "localhost:6379", Prefix: controlplane.DefaultRedisPrefix},
			PollInterval: dur(controlplane.DefaultPollInterval),
			StartDelay:   dur(controlplane.DefaultStartDelay),
			FlowPump:     "AsiaPump",
		},
	}
}

// Load reads path over the defaults and validates the result. Unknown keys
// are rejected.
func Load(path string) (Platform, error) {
	cfg := Default()

	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Platform{}, fmt.Errorf("config: load %s: %w", path, err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Platform{}, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}

	if err := cfg.Validate(); err != nil {
		return Platform{}, fmt.Errorf("config: %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks the values the option constructors do not.
func (p Platform) Validate() error {
	if _, err := logger.ParseLevel(p.Log.Level); err != nil {
		return err
	}
	if _, err := parseParity(p.Bus.Parity); err != nil {
		return err
	}
	if p.Bus.BaudRate <= 0 {
		return fmt.Errorf("bus baud rate %d must be positive", p.Bus.BaudRate)
	}
	if p.Bus.Heartbeat.Duration < 0 {
		return fmt.Errorf("bus heartbeat %v must not be negative", p.Bus.Heartbeat)
	}

	for _, s := range []Slave{p.Devices.LiquidHandler, p.Devices.SyringePump, p.Devices.InjectionValve} {
		if err := s.gsioc().Validate(); err != nil {
			return err
		}
	}

	if err := p.RackLayout().Validate(); err != nil {
		return err
	}

	if p.Timing.Scale < 0 || math.IsNaN(p.Timing.Scale) || math.IsInf(p.Timing.Scale, 0) {
		return fmt.Errorf("timing scale %v must be a non-negative number", p.Timing.Scale)
	}

	if p.Power.Enabled && p.Power.Port == "" {
		return errors.New("power port is required when the power source is enabled")
	}

	switch p.Control.Store {
	case StoreMemory, StoreRedis:
	case StoreHTTP:
		if p.Control.URL == "" {
			return errors.New("control url is required for the http store")
		}
	default:
		return fmt.Errorf("unknown control store %q", p.Control.Store)
	}

	return nil
}

// Logger builds the logger described by [log].
func (p Platform) Logger() (logger.Logger, error) {
	level, err := logger.ParseLevel(p.Log.Level)
	if err != nil {
		return nil, err
	}

	return logger.NewSlog(level, p.Log.AddSource), nil
}

// TransportOptions returns the options opening the GSIOC bus.
func (p Platform) TransportOptions(l logger.Logger) ([]transport.Option, error) {
	parity, err := parseParity(p.Bus.Parity)
	if err != nil {
		return nil, err
	}

	return []transport.Option{
		transport.WithConnectTimeout(p.Bus.ConnectTimeout.Duration),
		transport.WithParity(parity),
		transport.WithStopBits(p.Bus.StopBits),
		transport.WithLogger(l),
	}, nil
}

// EngineConfig builds the GSIOC protocol configuration.
func (p Platform) EngineConfig(l logger.Logger) (*gsioc.Config, error) {
	g := p.GSIOC

	return gsioc.NewConfig(
		gsioc.WithPassiveTermination(g.PassiveTermination.Duration),
		gsioc.WithEchoTimeout(g.EchoTimeout.Duration),
		gsioc.WithReadTimeout(g.ReadTimeout.Duration),
		gsioc.WithBusyInterval(g.BusyInterval.Duration),
		gsioc.WithCharPacing(g.CharPacing.Duration),
		gsioc.WithReconnectDelay(g.ReconnectDelay.Duration),
		gsioc.WithRetryLimit(g.RetryLimit),
		gsioc.WithLogger(l),
	)
}

// DispatcherOptions returns the options of the bus dispatcher.
func (p Platform) DispatcherOptions(l logger.Logger) []gsioc.DispatcherOption {
	opts := []gsioc.DispatcherOption{
		gsioc.WithQueueSize(p.Bus.QueueSize),
		gsioc.WithDispatcherLogger(l),
	}
	if p.Bus.Heartbeat.Duration > 0 {
		opts = append(opts, gsioc.WithHeartbeat(p.Devices.LiquidHandler.gsioc(), p.Bus.Heartbeat.Duration))
	}

	return opts
}

// LiquidHandlerOptions returns the options of the liquid handler adapter.
func (p Platform) LiquidHandlerOptions(l logger.Logger) []device.Option {
	d := p.Devices

	return append(p.deviceOptions(d.LiquidHandler, l),
		device.WithDock(d.Dock[0], d.Dock[1], d.Dock[2]),
		device.WithVialZ(d.VialZ),
	)
}

// SyringePumpOptions returns the options of the syringe pump adapter.
func (p Platform) SyringePumpOptions(l logger.Logger) []device.Option {
	return append(p.deviceOptions(p.Devices.SyringePump, l), device.WithMaxStroke(p.Devices.MaxStroke))
}

// InjectionValveOptions returns the options of the injection valve adapter.
func (p Platform) InjectionValveOptions(l logger.Logger) []device.Option {
	return p.deviceOptions(p.Devices.InjectionValve, l)
}

func (p Platform) deviceOptions(s Slave, l logger.Logger) []device.Option {
	return []device.Option{
		device.WithSlave(s.gsioc()),
		device.WithTiming(p.DeviceTiming()),
		device.WithLogger(l),
	}
}

// RackLayout returns the vial rack.
func (p Platform) RackLayout() rack.Rack {
	r := p.Rack

	return rack.Rack{
		Width:   r.Width,
		Height:  r.Height,
		OriginX: r.OriginX,
		OriginY: r.OriginY,
		PitchX:  r.PitchX,
		PitchY:  r.PitchY,
	}
}

// DeviceTiming returns the device settle waits scaled by [timing].
func (p Platform) DeviceTiming() device.Timing {
	t := device.DefaultTiming()
	s := p.scale

	return device.Timing{
		ConnectSettle:        s(t.ConnectSettle),
		HomeSettle:           s(t.HomeSettle),
		MoveSettle:           s(t.MoveSettle),
		DockSettle:           s(t.DockSettle),
		GoHomeSettle:         s(t.GoHomeSettle),
		ValveSettle:          s(t.ValveSettle),
		AspirateSettle:       s(t.AspirateSettle),
		DispenseSettle:       s(t.DispenseSettle),
		StrokeSettle:         s(t.StrokeSettle),
		AspirateFillTime:     s(t.AspirateFillTime),
		AspirateTransferTime: s(t.AspirateTransferTime),
		DispenseFillTime:     s(t.DispenseFillTime),
		DispenseTransferBase: s(t.DispenseTransferBase),
		DispenseTransferFlow: s(t.DispenseTransferFlow),
		MinStrokeWait:        s(t.MinStrokeWait),
	}
}

// ProcedureTiming returns the procedure settle waits scaled by [timing].
func (p Platform) ProcedureTiming() procedure.Timing {
	t := procedure.DefaultTiming()
	s := p.scale

	return procedure.Timing{
		StepSettle:        s(t.StepSettle),
		ArriveSettle:      s(t.ArriveSettle),
		PumpSettle:        s(t.PumpSettle),
		DockSettle:        s(t.DockSettle),
		ValveSettle:       s(t.ValveSettle),
		MixtureSettle:     s(t.MixtureSettle),
		SlugSettle:        s(t.SlugSettle),
		PowerOffSettle:    s(t.PowerOffSettle),
		PowerPollInterval: s(t.PowerPollInterval),
	}
}

// ProcedureOptions returns the options of the orchestrator.
func (p Platform) ProcedureOptions(l logger.Logger) []procedure.Option {
	return []procedure.Option{
		procedure.WithRack(p.RackLayout()),
		procedure.WithTiming(p.ProcedureTiming()),
		procedure.WithLogger(l),
	}
}

// PowerOptions returns the options of the power-source controller.
func (p Platform) PowerOptions(l logger.Logger) []powersupply.Option {
	return []powersupply.Option{
		powersupply.WithIdentity(p.Power.Identity),
		powersupply.WithReadTimeout(p.Power.ReadTimeout.Duration),
		powersupply.WithRetryLimit(p.Power.RetryLimit),
		powersupply.WithLogger(l),
	}
}

// RedisOptions returns the connection settings of the Redis store.
func (p Platform) RedisOptions() controlplane.RedisOptions {
	r := p.Control.Redis

	return controlplane.RedisOptions{Addr: r.Addr, Password: r.Password, DB: r.DB, Prefix: r.Prefix}
}

// RunnerOptions returns the options of the closed-loop runner.
func (p Platform) RunnerOptions(l logger.Logger) []controlplane.RunnerOption {
	return []controlplane.RunnerOption{
		controlplane.WithPollInterval(p.Control.PollInterval.Duration),
		controlplane.WithStartDelay(p.Control.StartDelay.Duration),
		controlplane.WithRunnerLogger(l),
	}
}

func (p Platform) scale(d time.Duration) time.Duration {
	return time.Duration(float64(d) * p.Timing.Scale)
}

func parseParity(name string) (transport.Parity, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "even":
		return transport.EvenParity, nil
	case "none":
		return transport.NoParity, nil
	case "odd":
		return transport.OddParity, nil
	default:
		return transport.EvenParity, fmt.Errorf("unknown parity %q", name)
	}
}
