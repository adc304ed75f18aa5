package lifecycle

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/itohio/goplasma/pkg/acquisition"
	"github.com/itohio/goplasma/pkg/config"
	"github.com/itohio/goplasma/pkg/driver"
	"github.com/itohio/goplasma/pkg/link"
	"github.com/itohio/goplasma/pkg/protocol"
	"github.com/itohio/goplasma/pkg/sim"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type display struct {
	mu     sync.Mutex
	values map[string]string
	rows   int
}

func newDisplay() *display {
	return &display{values: map[string]string{}}
}

func (d *display) Show(label, value string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.values[label] = value
}

func (d *display) Plot(rows []protocol.TelemetryFrame) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rows += len(rows)
}

func (d *display) get(label string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.values[label]
}

func (d *display) plotted() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rows
}

func testAcquisition() config.AcquisitionConfig {
	return config.AcquisitionConfig{
		SupplyPeriod:    20 * time.Millisecond,
		FrequencyPeriod: 10 * time.Millisecond,
		LogPeriod:       5 * time.Millisecond,
		JoinTimeout:     time.Second,
	}
}

type fixture struct {
	mgr     *Manager
	ctrl    *driver.Controller
	dev     *sim.Device
	display *display
}

func newFixture(t *testing.T, wrap func(*driver.Controller) Device, log logrus.FieldLogger) *fixture {
	t.Helper()
	dev := sim.New(config.Default().Mock)
	require.NoError(t, dev.SetReadTimeout(2*time.Millisecond))

	ctrl := driver.New(driver.PortDialer(dev, link.WithCharDelay(0)), config.Default().Limits, nil)
	require.NoError(t, ctrl.Initialize())
	t.Cleanup(func() { ctrl.Close() })

	var d Device = ctrl
	if wrap != nil {
		d = wrap(ctrl)
	}

	disp := newDisplay()
	return &fixture{
		mgr:     New(d, disp, testAcquisition(), log),
		ctrl:    ctrl,
		dev:     dev,
		display: disp,
	}
}

func (f *fixture) lastCommand() string {
	cmds := f.dev.Commands()
	return cmds[len(cmds)-1]
}

func (f *fixture) lastCommands(n int) []string {
	cmds := f.dev.Commands()
	return cmds[len(cmds)-n:]
}

func TestManager_FullCycle(t *testing.T) {
	f := newFixture(t, nil, nil)
	assert.Equal(t, PoweredOff, f.mgr.Phase())

	require.NoError(t, f.mgr.PowerOn())
	assert.Equal(t, PoweredOn, f.mgr.Phase())
	assert.Equal(t, "on", f.display.get(acquisition.LabelSystem))

	require.NoError(t, f.mgr.SetVoltage(300))
	assert.Equal(t, "300", f.display.get(acquisition.LabelVoltage))

	require.NoError(t, f.mgr.StrikePlasma(StrikeOptions{}))
	assert.Equal(t, PlasmaActive, f.mgr.Phase())
	assert.Equal(t, "on", f.display.get(acquisition.LabelPlasma))
	assert.Equal(t, strconv.Itoa(config.Default().Mock.Deadtime), f.display.get(acquisition.LabelDeadtime))
	assert.True(t, f.dev.Status().PlasmaActive)
	require.NotNil(t, f.mgr.Session())

	assert.Eventually(t, func() bool {
		return f.display.plotted() > 0 && f.display.get(acquisition.LabelV15) == "15.0"
	}, time.Second, 5*time.Millisecond)

	sess := f.mgr.Session()
	require.NoError(t, f.mgr.StopPlasma())
	assert.Equal(t, PoweredOn, f.mgr.Phase())
	assert.Nil(t, f.mgr.Session())
	assert.True(t, sess.Wait(0), "acquisition joined")
	assert.Equal(t, []string{"q", "s?"}, f.lastCommands(2), "stop is confirmed")
	assert.False(t, f.dev.Status().PlasmaActive)
	assert.Equal(t, "off", f.display.get(acquisition.LabelPlasma))

	require.NoError(t, f.mgr.PowerOff())
	assert.Equal(t, PoweredOff, f.mgr.Phase())
	assert.False(t, f.dev.Status().LowVoltageOn)
}

func TestManager_TransitionGuards(t *testing.T) {
	f := newFixture(t, nil, nil)

	assert.True(t, driver.IsPrecondition(f.mgr.StrikePlasma(StrikeOptions{})))
	assert.True(t, driver.IsPrecondition(f.mgr.StopPlasma()))
	assert.True(t, driver.IsPrecondition(f.mgr.PowerOff()))

	require.NoError(t, f.mgr.PowerOn())
	assert.True(t, driver.IsPrecondition(f.mgr.PowerOn()))
	assert.True(t, driver.IsPrecondition(f.mgr.StopPlasma()))
	assert.Equal(t, PoweredOn, f.mgr.Phase())
}

func TestManager_PowerOnFailure(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.dev.SetFaults(sim.Faults{StuckLowVoltage: true})

	err := f.mgr.PowerOn()
	assert.True(t, driver.IsDesync(err))
	assert.Equal(t, PoweredOff, f.mgr.Phase())
}

func TestManager_PowerOffFailureIsFatal(t *testing.T) {
	logger, hook := test.NewNullLogger()
	f := newFixture(t, nil, logger)
	require.NoError(t, f.mgr.PowerOn())

	f.dev.SetFaults(sim.Faults{Silent: true})
	err := f.mgr.PowerOff()

	assert.True(t, errors.Is(err, ErrUndefinedState))
	assert.True(t, f.mgr.Undefined())
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
}

func TestManager_StrikeNeedsManualValues(t *testing.T) {
	f := newFixture(t, nil, nil)
	require.NoError(t, f.mgr.PowerOn())
	n := len(f.dev.Commands())

	err := f.mgr.StrikePlasma(StrikeOptions{})
	require.True(t, driver.IsPrecondition(err))
	assert.Contains(t, err.Error(), "set a voltage first")
	assert.NotContains(t, f.dev.Commands()[n:], "s!")
	assert.Equal(t, PoweredOn, f.mgr.Phase())

	require.NoError(t, f.mgr.SetAutoVoltage(true))
	require.NoError(t, f.mgr.SetFrequency(40))
	require.NoError(t, f.mgr.SetAutoFrequency(false))
	require.NoError(t, f.mgr.SetAutoFrequency(true))
	require.NoError(t, f.mgr.StrikePlasma(StrikeOptions{}))
	assert.Equal(t, PlasmaActive, f.mgr.Phase())
	require.NoError(t, f.mgr.StopPlasma())
}

func TestManager_StrikeWithLogFile(t *testing.T) {
	f := newFixture(t, nil, nil)
	require.NoError(t, f.mgr.PowerOn())
	require.NoError(t, f.mgr.SetVoltage(250))

	err := f.mgr.StrikePlasma(StrikeOptions{Logging: true})
	assert.True(t, driver.IsPrecondition(err), "logging without a destination")

	path := filepath.Join(t.TempDir(), "plasma.csv")
	require.NoError(t, f.mgr.StrikePlasma(StrikeOptions{Logging: true, LogPath: path}))
	assert.True(t, f.ctrl.Snapshot().LoggingEnabled)
	assert.True(t, f.dev.Status().Logging)

	assert.Eventually(t, func() bool { return f.display.plotted() >= 4 }, time.Second, 5*time.Millisecond)
	require.NoError(t, f.mgr.StopPlasma())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(string(data), "\n")
	assert.Equal(t, protocol.LogHeader, lines[0])
	frames, err := protocol.ParseBlock(data)
	require.NoError(t, err)
	assert.NotEmpty(t, frames)
}

func TestManager_IgnitionFailure(t *testing.T) {
	f := newFixture(t, nil, nil)
	require.NoError(t, f.mgr.PowerOn())
	require.NoError(t, f.mgr.SetVoltage(300))
	f.dev.SetFaults(sim.Faults{RefuseHighVoltage: true})

	err := f.mgr.StrikePlasma(StrikeOptions{})

	assert.True(t, driver.IsIgnition(err))
	assert.Equal(t, PoweredOff, f.mgr.Phase())
	assert.Nil(t, f.mgr.Session())
	assert.Equal(t, "z", f.lastCommand())
	assert.False(t, f.dev.Status().LowVoltageOn)
}

func TestManager_ShutdownSystemFromAnyPhase(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, f *fixture)
	}{
		{"powered off", func(t *testing.T, f *fixture) {}},
		{"powered on", func(t *testing.T, f *fixture) {
			require.NoError(t, f.mgr.PowerOn())
		}},
		{"manual modes", func(t *testing.T, f *fixture) {
			require.NoError(t, f.mgr.PowerOn())
			require.NoError(t, f.mgr.SetFrequency(30))
			require.NoError(t, f.mgr.SetAutoFrequency(false))
			require.NoError(t, f.mgr.SetAutoVoltage(true))
		}},
		{"plasma active", func(t *testing.T, f *fixture) {
			require.NoError(t, f.mgr.PowerOn())
			require.NoError(t, f.mgr.SetVoltage(300))
			require.NoError(t, f.mgr.StrikePlasma(StrikeOptions{}))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil, nil)
			tt.setup(t, f)

			require.NoError(t, f.mgr.ShutdownSystem())

			assert.Equal(t, PoweredOff, f.mgr.Phase())
			st := f.mgr.State()
			assert.True(t, st.AutoFrequency)
			assert.False(t, st.AutoVoltage)
			assert.False(t, st.LowVoltageOn)

			hw := f.dev.Status()
			assert.False(t, hw.PlasmaActive)
			assert.False(t, hw.LowVoltageOn)
			assert.False(t, hw.HighVoltageOn)
			assert.True(t, hw.AutoFrequency)
			assert.False(t, hw.AutoVoltage)
			assert.Contains(t, f.dev.Commands(), "q")
			assert.Nil(t, f.mgr.Session())
		})
	}
}

func TestManager_FrequencyDesyncPowersOff(t *testing.T) {
	f := newFixture(t, nil, nil)
	require.NoError(t, f.mgr.PowerOn())
	f.dev.SetFaults(sim.Faults{FrequencyReply: "nak"})

	err := f.mgr.SetFrequency(45)

	assert.True(t, driver.IsDesync(err))
	assert.Equal(t, PoweredOff, f.mgr.Phase())
	assert.False(t, f.dev.Status().LowVoltageOn)
	assert.Zero(t, f.mgr.State().LastFrequencyHz)
}

// stuckDevice never returns from a log block query until released.
type stuckDevice struct {
	*driver.Controller
	entered chan struct{}
	once    sync.Once
	release chan struct{}
}

func (d *stuckDevice) QueryLogBlock() ([]byte, error) {
	d.once.Do(func() { close(d.entered) })
	<-d.release
	return nil, errors.New("released")
}

func TestManager_JoinTimeoutStillStopsDevice(t *testing.T) {
	stuck := &stuckDevice{entered: make(chan struct{}), release: make(chan struct{})}
	logger, hook := test.NewNullLogger()
	f := newFixture(t, func(c *driver.Controller) Device {
		stuck.Controller = c
		return stuck
	}, logger)
	defer close(stuck.release)

	f.mgr.cfg.JoinTimeout = 20 * time.Millisecond
	require.NoError(t, f.mgr.PowerOn())
	require.NoError(t, f.mgr.SetVoltage(300))
	require.NoError(t, f.mgr.StrikePlasma(StrikeOptions{}))

	select {
	case <-stuck.entered:
	case <-time.After(time.Second):
		t.Fatal("acquisition never queried the log")
	}

	start := time.Now()
	require.NoError(t, f.mgr.StopPlasma())
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, PoweredOn, f.mgr.Phase())
	assert.Equal(t, []string{"q", "s?"}, f.lastCommands(2))
	assert.False(t, f.dev.Status().PlasmaActive)

	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && strings.Contains(e.Message, "did not stop") {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestPhase_String(t *testing.T) {
	assert.Equal(t, "plasma active", PlasmaActive.String())
	assert.Equal(t, "phase(9)", Phase(9).String())
	assert.Contains(t, (&JoinTimeoutError{Timeout: time.Second}).Error(), "1s")
}

func TestManager_StopNotConfirmedShutsDown(t *testing.T) {
	f := newFixture(t, nil, nil)
	require.NoError(t, f.mgr.PowerOn())
	require.NoError(t, f.mgr.SetVoltage(300))
	require.NoError(t, f.mgr.StrikePlasma(StrikeOptions{}))

	f.dev.SetFaults(sim.Faults{IgnoreStop: true})
	err := f.mgr.StopPlasma()

	var desync *driver.DesyncError
	require.True(t, errors.As(err, &desync))
	assert.Equal(t, "on", desync.Got)
	assert.Equal(t, PoweredOff, f.mgr.Phase())
	assert.Equal(t, "z", f.lastCommand())
	assert.False(t, f.dev.Status().PlasmaActive)
	assert.False(t, f.dev.Status().LowVoltageOn)
}
