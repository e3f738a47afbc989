package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-gsioc/controlplane"
	"github.com/arloliu/go-gsioc/device"
	"github.com/arloliu/go-gsioc/gsioc"
	"github.com/arloliu/go-gsioc/logger"
	"github.com/arloliu/go-gsioc/powersupply"
	"github.com/arloliu/go-gsioc/procedure"
	"github.com/arloliu/go-gsioc/transport"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "platform.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoad_DefaultsAndOverrides(t *testing.T) {
	path := writeConfig(t, `
[log]
level = "debug"

[bus]
port = "/dev/ttyUSB0"
heartbeat = "30s"

[gsioc]
read_timeout = "500ms"
retry_limit = 3

[devices]
max_stroke = 250.0
dock = [140.0, 1.0, 90.0]

[devices.syringe_pump]
name = "VERITY 4020"
addr = 12

[timing]
scale = 0.5

[power]
enabled = true
port = "/dev/ttyUSB1"

[control]
store = "redis"

[control.redis]
addr = "redis:6379"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/dev/ttyUSB0", cfg.Bus.Port)
	assert.Equal(t, transport.DefaultBaudRate, cfg.Bus.BaudRate)
	assert.Equal(t, 30*time.Second, cfg.Bus.Heartbeat.Duration)
	assert.Equal(t, 500*time.Millisecond, cfg.GSIOC.ReadTimeout.Duration)
	assert.Equal(t, gsioc.DefaultEchoTimeout, cfg.GSIOC.EchoTimeout.Duration)
	assert.Equal(t, 3, cfg.GSIOC.RetryLimit)
	assert.Equal(t, Slave{Name: "VERITY 4020", Addr: 12}, cfg.Devices.SyringePump)
	assert.Equal(t, device.LiquidHandlerSlave.Addr, cfg.Devices.LiquidHandler.Addr)
	assert.Equal(t, [3]float64{140, 1, 90}, cfg.Devices.Dock)
	assert.InDelta(t, 250.0, cfg.Devices.MaxStroke, 1e-9)
	assert.True(t, cfg.Power.Enabled)
	assert.Equal(t, powersupply.DefaultIdentity, cfg.Power.Identity)
	assert.Equal(t, StoreRedis, cfg.Control.Store)
	assert.Equal(t, "redis:6379", cfg.Control.Redis.Addr)
	assert.Equal(t, controlplane.DefaultRedisPrefix, cfg.Control.Redis.Prefix)

	assert.Equal(t, 500*time.Millisecond, cfg.DeviceTiming().ConnectSettle)
	assert.Equal(t, time.Second, cfg.ProcedureTiming().ArriveSettle)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown key", "[bus]\nbaud = 9600\n"},
		{"bad duration", "[gsioc]\nread_timeout = \"soon\"\n"},
		{"bad parity", "[bus]\nparity = \"mark\"\n"},
		{"bad level", "[log]\nlevel = \"loud\"\n"},
		{"address out of range", "[devices.injection_valve]\naddr = 64\n"},
		{"negative scale", "[timing]\nscale = -1.0\n"},
		{"power without port", "[power]\nenabled = true\n"},
		{"http store without url", "[control]\nstore = \"http\"\n"},
		{"unknown store", "[control]\nstore = \"etcd\"\n"},
		{"empty rack", "[rack]\nwidth = 0\n"},
		{"syntax", "[bus\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestDefault_BuildsComponents(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	l := logger.GetLogger()

	_, err := cfg.TransportOptions(l)
	require.NoError(t, err)

	ec, err := cfg.EngineConfig(l)
	require.NoError(t, err)
	assert.Equal(t, gsioc.DefaultRetryLimit, ec.RetryLimit())

	cmdr := gsioc.Commander(nil)
	lh, err := device.NewLiquidHandler(cmdr, cfg.LiquidHandlerOptions(l)...)
	require.NoError(t, err)
	pump, err := device.NewSyringePump(cmdr, cfg.SyringePumpOptions(l)...)
	require.NoError(t, err)
	valve, err := device.NewInjectionValve(cmdr, cfg.InjectionValveOptions(l)...)
	require.NoError(t, err)

	assert.Equal(t, device.SyringePumpSlave, pump.Slave())
	assert.Equal(t, device.InjectionValveSlave, valve.Slave())

	_, err = procedure.New(procedure.Devices{LiquidHandler: lh, Pump: pump, Valve: valve}, nil, nil, cfg.ProcedureOptions(l)...)
	require.NoError(t, err)

	_, err = powersupply.New(powersupply.SerialOpener("/dev/null"), cfg.PowerOptions(l)...)
	require.NoError(t, err)

	_, err = controlplane.NewRunner(controlplane.NewMemoryStore(nil), func(context.Context, procedure.Recipe) error { return nil }, cfg.RunnerOptions(l)...)
	require.NoError(t, err)

	assert.Len(t, cfg.DispatcherOptions(l), 2)
}

func TestTimingScaleZero(t *testing.T) {
	cfg := Default()
	cfg.Timing.Scale = 0

	assert.Equal(t, device.Timing{}, cfg.DeviceTiming())
	assert.Equal(t, procedure.Timing{}, cfg.ProcedureTiming())
}

func TestDuration_Text(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte(" 1m30s ")))
	assert.Equal(t, 90*time.Second, d.Duration)

	text, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(text))
}
