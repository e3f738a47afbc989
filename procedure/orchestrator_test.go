package procedure

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-gsioc/device"
	"github.com/arloliu/go-gsioc/rack"
)

var (
	pumpAddr  = device.SyringePumpSlave.Addr
	valveAddr = device.InjectionValveSlave.Addr
)

func TestAspirateFromVial(t *testing.T) {
	o, cmdr := newTestOrchestrator(t, nil, nil)

	require.NoError(t, o.AspirateFromVial(context.Background(), 5, 20, 1))

	assert.Equal(t, []string{"H", "SX119/60", "SZ75:50:30", "PN:+20:1", "PR:-20:2", "H"}, textsOf(cmdr))
	assert.InDelta(t, 20.0, o.AspiratedVolume(), 1e-9)
}

func TestAspirateFromVial_OutOfRange(t *testing.T) {
	o, cmdr := newTestOrchestrator(t, nil, nil)

	err := o.AspirateFromVial(context.Background(), 48, 20, 1)
	require.ErrorIs(t, err, rack.ErrIndexOutOfRange)
	assert.Zero(t, cmdr.count())
}

func TestGoToVial(t *testing.T) {
	o, cmdr := newTestOrchestrator(t, nil, nil)

	require.NoError(t, o.GoToVial(context.Background(), 0))
	assert.Equal(t, []string{"SX101/42"}, cmdr.moves())
	assert.Empty(t, cmdr.sentTo(pumpAddr))
}

func TestDispenseToVial_RaisesTrackedVolume(t *testing.T) {
	o, cmdr := newTestOrchestrator(t, nil, nil)

	require.NoError(t, o.DispenseToVial(context.Background(), 4, 25, 0.5))

	assert.Equal(t, []string{"PR:+25:2", "PN:-25:0.5"}, cmdr.sentTo(pumpAddr))
	assert.Zero(t, o.AspiratedVolume())
}

func TestInject(t *testing.T) {
	o, cmdr := newTestOrchestrator(t, nil, nil)
	o.pump.SetAspiratedVolume(100)

	require.NoError(t, o.Inject(context.Background(), 1))

	assert.Equal(t, []string{"SX147/0.5"}, cmdr.moves())
	assert.Equal(t, []string{"VL"}, cmdr.sentTo(valveAddr))
	assert.Equal(t, []string{"PR:+120:2", "PN:-120:1"}, cmdr.sentTo(pumpAddr))
	assert.Zero(t, o.AspiratedVolume())
}

func TestAspirateMixture(t *testing.T) {
	o, cmdr := newTestOrchestrator(t, nil, nil)

	require.NoError(t, o.AspirateMixture(context.Background(), []float64{2, 5.0, 3, 2.5}, 0.5))

	assert.Equal(t, []string{
		"PN:+15:0.5", "PR:-15:2", // vial 2: 5 + headspace
		"PR:+10:2", "PN:-10:0.5", // headspace to vial 6
		"PN:+12.5:0.5", "PR:-12.5:2", // vial 3: 2.5 + headspace
		"PR:+10:2", "PN:-10:0.5", // headspace to vial 7
	}, cmdr.sentTo(pumpAddr))
	assert.Equal(t, []string{"SX137/42", "SX137/60", "SX155/42", "SX155/60"}, cmdr.moves())
	assert.InDelta(t, 7.5, o.AspiratedVolume(), 1e-9)
}

func TestAspirateMixture_RoundsVolume(t *testing.T) {
	o, cmdr := newTestOrchestrator(t, nil, nil)

	require.NoError(t, o.AspirateMixture(context.Background(), []float64{1, 4.26}, 0.5))
	assert.Equal(t, "PN:+14.3:0.5", cmdr.sentTo(pumpAddr)[0])
}

func TestAspirateMixture_OddLength(t *testing.T) {
	o, cmdr := newTestOrchestrator(t, nil, nil)

	err := o.AspirateMixture(context.Background(), []float64{2, 5.0, 3}, 0.5)
	require.ErrorIs(t, err, ErrInvalidRecipe)
	assert.Zero(t, cmdr.count())
}

func TestAspirateMixture_HeadspaceVialOutOfRange(t *testing.T) {
	o, cmdr := newTestOrchestrator(t, nil, nil)

	// vial 44 exists, its headspace vial 48 does not
	err := o.AspirateMixture(context.Background(), []float64{44, 5}, 0.5)
	require.ErrorIs(t, err, ErrInvalidRecipe)
	require.ErrorIs(t, err, rack.ErrIndexOutOfRange)
	assert.Zero(t, cmdr.count())
	assert.Zero(t, o.AspiratedVolume())
}

func TestSlugFormation(t *testing.T) {
	o, cmdr := newTestOrchestrator(t, nil, nil)

	err := o.SlugFormation(context.Background(), []Substance{{Vial: 5, Volume: 20}})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"SX137/42",  // gas vial 2
		"SX119/60",  // substance vial 5
		"SX119/42",  // solvent vial 1
		"SX137/42",  // gas vial 2
		"SX147/0.5", // injection dock
	}, cmdr.moves())
	assert.Equal(t, []string{
		"PN:+60:1", "PR:-60:2",
		"PN:+20:1", "PR:-20:2",
		"PN:+10:1", "PR:-10:2",
		"PR:+108:2", "PN:-108:1",
	}, cmdr.sentTo(pumpAddr))
	assert.Equal(t, []string{"VL", "VI"}, cmdr.sentTo(valveAddr))
	assert.Zero(t, o.AspiratedVolume())
}

func TestPerformReaction_ConfirmsOff(t *testing.T) {
	power := &fakePower{}
	flow := &fakeFlow{}
	o, _ := newTestOrchestrator(t, power, flow)

	require.NoError(t, o.PerformReaction(context.Background(), 500, time.Minute, 10, 1.5))

	assert.Equal(t, []string{"init", "current 1.5", "voltage 10", "voltage 0", "read"}, power.calls)
	assert.Equal(t, []flowRun{{rate: 500, duration: time.Minute}}, flow.runs)
	assert.Equal(t, 1, power.closed)
}

func TestPerformReaction_GivesUpAfterTenPolls(t *testing.T) {
	power := &fakePower{voltage: 3.2}
	o, _ := newTestOrchestrator(t, power, &fakeFlow{})

	err := o.PerformReaction(context.Background(), 500, time.Second, 10, 1.5)
	require.ErrorIs(t, err, ErrPowerNotOff)

	assert.Equal(t, 10, power.reads)
	assert.Equal(t, 1, power.closed)

	offs := 0
	for _, c := range power.calls {
		if c == "voltage 0" {
			offs++
		}
	}
	assert.Equal(t, 11, offs)
}

func TestPerformReaction_FlowFailureStillPowersOff(t *testing.T) {
	power := &fakePower{}
	o, _ := newTestOrchestrator(t, power, &fakeFlow{err: errPumpStalled})

	err := o.PerformReaction(context.Background(), 500, time.Second, 10, 1.5)
	require.ErrorIs(t, err, errPumpStalled)

	assert.Contains(t, power.calls, "voltage 0")
	assert.Equal(t, 1, power.reads)
	assert.Equal(t, 1, power.closed)
}

func TestPerformReaction_InitFailureCloses(t *testing.T) {
	power := &fakePower{initErr: assert.AnError}
	flow := &fakeFlow{}
	o, _ := newTestOrchestrator(t, power, flow)

	err := o.PerformReaction(context.Background(), 500, time.Second, 10, 1.5)
	require.ErrorIs(t, err, assert.AnError)
	assert.Empty(t, flow.runs)
	assert.Equal(t, 1, power.closed)
}

func TestPerformReaction_RequiresCollaborators(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil, nil)

	require.ErrorIs(t, o.PerformReaction(context.Background(), 500, time.Second, 10, 1.5), ErrNoReactor)
}

func TestRunRecipe(t *testing.T) {
	power := &fakePower{}
	flow := &fakeFlow{}
	o, cmdr := newTestOrchestrator(t, power, flow)

	r, err := ParseRecipe([]float64{500, 60, 10, 150, 5, 20})
	require.NoError(t, err)

	require.NoError(t, o.RunRecipe(context.Background(), r))

	assert.Equal(t, []flowRun{
		{rate: 1000, duration: 14500 * time.Millisecond},
		{rate: 500, duration: time.Minute},
	}, flow.runs)
	assert.Contains(t, power.calls, "current 1.5")
	assert.Equal(t, []string{"VL", "VI"}, cmdr.sentTo(valveAddr))
}

func TestRunRecipe_WithoutPowerSourceMovesNothing(t *testing.T) {
	flow := &fakeFlow{}
	o, cmdr := newTestOrchestrator(t, nil, flow)

	r, err := ParseRecipe([]float64{500, 60, 10, 150, 5, 20})
	require.NoError(t, err)

	require.ErrorIs(t, o.RunRecipe(context.Background(), r), ErrNoReactor)
	assert.Zero(t, cmdr.count())
	assert.Empty(t, flow.runs)
}

func TestRunRecipe_UnknownVialMovesNothing(t *testing.T) {
	power := &fakePower{}
	flow := &fakeFlow{}
	o, cmdr := newTestOrchestrator(t, power, flow)

	r, err := ParseRecipe([]float64{500, 60, 10, 150, 5, 20, 99, 20})
	require.NoError(t, err)

	err = o.RunRecipe(context.Background(), r)
	require.ErrorIs(t, err, ErrInvalidRecipe)
	require.ErrorIs(t, err, rack.ErrIndexOutOfRange)
	assert.Zero(t, cmdr.count())
	assert.Zero(t, o.AspiratedVolume())
	assert.Empty(t, flow.runs)
	assert.Empty(t, power.calls)
}

func TestValidateRecipe(t *testing.T) {
	o, cmdr := newTestOrchestrator(t, nil, nil)

	require.NoError(t, o.ValidateRecipe(Recipe{Substances: []Substance{{Vial: 0, Volume: 1}, {Vial: 47, Volume: 1}}}))
	require.ErrorIs(t, o.ValidateRecipe(Recipe{Substances: []Substance{{Vial: 48, Volume: 1}}}), ErrInvalidRecipe)

	p := DefaultParameters()
	p.GasVial = 60
	o, _ = newTestOrchestrator(t, nil, nil, WithParameters(p))
	require.ErrorIs(t, o.ValidateRecipe(Recipe{}), ErrInvalidRecipe)
	assert.Zero(t, cmdr.count())
}

func TestCancelledProcedure(t *testing.T) {
	o, cmdr := newTestOrchestrator(t, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := o.AspirateFromVial(ctx, 5, 20, 1)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, cmdr.count())
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Devices{}, nil, nil)
	require.Error(t, err)

	bad := DefaultParameters()
	bad.InjectMargin = 0.5
	cmdr := &fakeCommander{}
	lh, _ := device.NewLiquidHandler(cmdr)
	pump, _ := device.NewSyringePump(cmdr)
	valve, _ := device.NewInjectionValve(cmdr)

	_, err = New(Devices{LiquidHandler: lh, Pump: pump, Valve: valve}, nil, nil, WithParameters(bad))
	require.Error(t, err)

	_, err = New(Devices{LiquidHandler: lh, Pump: pump, Valve: valve}, nil, nil, WithRack(rack.Rack{}))
	require.Error(t, err)
}

func textsOf(cmdr *fakeCommander) []string {
	cmdr.mu.Lock()
	defer cmdr.mu.Unlock()

	out := make([]string, 0, len(cmdr.commands))
	for _, c := range cmdr.commands {
		out = append(out, c.text)
	}

	return out
}
