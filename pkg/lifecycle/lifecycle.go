// Package lifecycle runs the power, strike and stop sequence of the plasma
// driver and starts and stops acquisition around each strike.
package lifecycle

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/itohio/goplasma/pkg/acquisition"
	"github.com/itohio/goplasma/pkg/config"
	"github.com/itohio/goplasma/pkg/driver"
	"github.com/itohio/goplasma/pkg/logging"
	"github.com/sirupsen/logrus"
)

// Phase is the lifecycle state.
type Phase int

const (
	PoweredOff Phase = iota
	PoweredOn
	Striking
	PlasmaActive
	Stopping
)

func (p Phase) String() string {
	switch p {
	case PoweredOff:
		return "powered off"
	case PoweredOn:
		return "powered on"
	case Striking:
		return "striking"
	case PlasmaActive:
		return "plasma active"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// ErrUndefinedState means the low-voltage rails could not be confirmed off.
// It is fatal: the operator has to check the hardware.
var ErrUndefinedState = errors.New("hardware state undefined; check the driver and cycle its power")

// JoinTimeoutError reports an acquisition goroutine that did not stop in time.
// The device is stopped regardless.
type JoinTimeoutError struct {
	Timeout time.Duration
}

func (e *JoinTimeoutError) Error() string {
	return fmt.Sprintf("acquisition did not stop within %v; device stop sent anyway", e.Timeout)
}

// Device is the controller surface the lifecycle drives.
type Device interface {
	acquisition.Device
	ToggleLowVoltage() (bool, error)
	SetLogging(enable bool) error
	SetFrequency(khz float64) error
	SetVoltage(volts float64) error
	SetAutoFrequency(enable bool) error
	SetAutoVoltage(enable bool) error
	RestoreBaseline() error
	Strike(onIgnition func()) error
	Stop() error
	Shutdown() error
	QueryPlasma() (bool, error)
	QueryDeadtime() (int, error)
}

var _ Device = (*driver.Controller)(nil)

// StrikeOptions selects where the session log goes.
type StrikeOptions struct {
	// Logging enables device logging and requires LogPath.
	Logging bool
	// LogPath is the CSV destination. Empty keeps the log in memory.
	LogPath string
}

// Manager owns the lifecycle state machine. Its operations are serialized.
type Manager struct {
	dev     Device
	display acquisition.Display
	cfg     config.AcquisitionConfig
	metrics *acquisition.Metrics
	log     logrus.FieldLogger

	op sync.Mutex // serializes operations

	mu        sync.RWMutex
	phase     Phase
	undefined bool
	sess      *acquisition.Session
}

// Option configures a Manager.
type Option func(*Manager)

// WithMetrics instruments acquisition sessions.
func WithMetrics(m *acquisition.Metrics) Option {
	return func(mgr *Manager) {
		mgr.metrics = m
	}
}

// New creates a manager in the PoweredOff phase.
func New(dev Device, display acquisition.Display, cfg config.AcquisitionConfig, log logrus.FieldLogger, opts ...Option) *Manager {
	if display == nil {
		display = acquisition.NopDisplay{}
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = config.Default().Acquisition.JoinTimeout
	}
	m := &Manager{
		dev:     dev,
		display: display,
		cfg:     cfg,
		log:     logging.Or(log).WithField("component", "lifecycle"),
		phase:   PoweredOff,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = acquisition.NewMetrics(nil)
	}
	return m
}

// Phase returns the current phase.
func (m *Manager) Phase() Phase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.phase
}

// Undefined reports whether a power-off failed and the rails are in an unknown state.
func (m *Manager) Undefined() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.undefined
}

// Session returns the running acquisition session, if any.
func (m *Manager) Session() *acquisition.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sess
}

func (m *Manager) setPhase(p Phase) {
	m.mu.Lock()
	prev := m.phase
	m.phase = p
	m.mu.Unlock()

	if prev != p {
		m.log.Debugf("%s -> %s", prev, p)
	}
	m.display.Show(acquisition.LabelSystem, acquisition.FormatLED(p != PoweredOff))
	m.display.Show(acquisition.LabelPlasma, acquisition.FormatLED(p == PlasmaActive))
}

func (m *Manager) require(op string, allowed ...Phase) error {
	phase := m.Phase()
	for _, p := range allowed {
		if phase == p {
			return nil
		}
	}
	return &driver.PreconditionError{Op: op, Reason: fmt.Sprintf("not possible while %s", phase)}
}

// PowerOn switches the low-voltage rails on.
func (m *Manager) PowerOn() error {
	const op = "power on"
	m.op.Lock()
	defer m.op.Unlock()

	if err := m.require(op, PoweredOff); err != nil {
		return err
	}

	on, err := m.dev.ToggleLowVoltage()
	if err != nil {
		return err
	}
	if !on {
		return &driver.DesyncError{Op: op, Want: "on", Got: "off"}
	}

	m.mu.Lock()
	m.undefined = false
	m.mu.Unlock()
	m.setPhase(PoweredOn)
	m.log.Info("Powered on")
	return nil
}

// PowerOff stops any running plasma and switches the low-voltage rails off. If
// the rails cannot be confirmed off the system is flagged undefined and an
// error wrapping ErrUndefinedState is returned.
func (m *Manager) PowerOff() error {
	const op = "power off"
	m.op.Lock()
	defer m.op.Unlock()

	if p := m.Phase(); p == PlasmaActive || p == Striking {
		if err := m.stopPlasma(); err != nil {
			m.log.Warnf("Stop before power off: %v", err)
			if m.Phase() == PoweredOff {
				return err
			}
		}
	}
	if err := m.require(op, PoweredOn); err != nil {
		return err
	}

	on, err := m.dev.ToggleLowVoltage()
	if err == nil && on {
		err = errors.New("rails reported on")
	}
	if err != nil {
		m.mu.Lock()
		m.undefined = true
		m.mu.Unlock()
		m.log.WithError(err).Error("Power off failed, hardware state undefined")
		return fmt.Errorf("%s: %w: %v", op, ErrUndefinedState, err)
	}

	m.setPhase(PoweredOff)
	m.log.Info("Powered off")
	return nil
}

// StrikePlasma starts an acquisition session and ignites the plasma. Manual
// set-points must be validated wherever the matching auto mode is off. The
// phase becomes PlasmaActive once the device accepted the strike.
func (m *Manager) StrikePlasma(opts StrikeOptions) error {
	const op = "strike plasma"
	m.op.Lock()
	defer m.op.Unlock()

	if err := m.require(op, PoweredOn); err != nil {
		return err
	}

	st := m.dev.Snapshot()
	if !st.AutoVoltage && !st.VoltageValidated {
		return &driver.PreconditionError{Op: op, Reason: "auto-voltage is off and no manual voltage was set; set a voltage first"}
	}
	if !st.AutoFrequency && !st.FrequencyValidated {
		return &driver.PreconditionError{Op: op, Reason: "auto-frequency is off and no manual frequency was set; set a frequency first"}
	}
	if opts.Logging && opts.LogPath == "" {
		return &driver.PreconditionError{Op: op, Reason: "data logging is on but no file was chosen; choose where to save the log"}
	}

	if st.LoggingEnabled != opts.Logging {
		if err := m.dev.SetLogging(opts.Logging); err != nil {
			return err
		}
	}

	path := ""
	if opts.Logging {
		path = opts.LogPath
	}
	sess, err := acquisition.NewSession(path)
	if err != nil {
		return &driver.PreconditionError{Op: op, Reason: "log file unavailable", Err: err}
	}

	m.mu.Lock()
	m.sess = sess
	m.mu.Unlock()
	m.setPhase(Striking)

	sched := acquisition.NewScheduler(m.dev, m.display, m.cfg, m.log, acquisition.WithMetrics(m.metrics))
	go sched.Run(sess)

	if err := m.dev.Strike(sess.Ignite); err != nil {
		m.endSession()
		if driver.IsIgnition(err) {
			m.setPhase(PoweredOff)
		} else {
			m.setPhase(PoweredOn)
		}
		return err
	}

	<-sess.Ignited()
	m.setPhase(PlasmaActive)
	m.log.WithField("log", sess.Path()).Info("Plasma active")

	if pct, err := m.dev.QueryDeadtime(); err == nil {
		m.display.Show(acquisition.LabelDeadtime, strconv.Itoa(pct))
	} else {
		m.log.WithError(err).Warn("Dead time not read")
	}
	return nil
}

// StopPlasma ends the acquisition session and stops the plasma. "q" is sent
// even if acquisition did not stop in time. If the bridge still reports the
// plasma running afterwards the whole system is shut down.
func (m *Manager) StopPlasma() error {
	m.op.Lock()
	defer m.op.Unlock()

	if err := m.require("stop plasma", PlasmaActive, Striking); err != nil {
		return err
	}
	return m.stopPlasma()
}

func (m *Manager) stopPlasma() error {
	m.setPhase(Stopping)
	m.endSession()
	err := m.dev.Stop()
	if err == nil {
		err = m.confirmStopped()
	}
	if driver.IsDesync(err) {
		m.log.WithError(err).Error("Plasma still running after stop, shutting down")
		return errors.Join(err, m.shutdown())
	}
	m.setPhase(PoweredOn)
	if err == nil {
		m.log.Info("Plasma stopped")
	}
	return err
}

// confirmStopped asks the bridge whether it is still driving the plasma.
func (m *Manager) confirmStopped() error {
	running, err := m.dev.QueryPlasma()
	if err != nil {
		return err
	}
	if running {
		return &driver.DesyncError{Op: "stop plasma", Want: "off", Got: "on"}
	}
	return nil
}

// endSession cancels and joins the running session. A join timeout is logged
// and otherwise ignored.
func (m *Manager) endSession() {
	m.mu.Lock()
	sess := m.sess
	m.sess = nil
	m.mu.Unlock()

	if sess == nil {
		return
	}

	sess.Cancel()
	if !sess.Wait(m.cfg.JoinTimeout) {
		m.log.Warn((&JoinTimeoutError{Timeout: m.cfg.JoinTimeout}).Error())
		return
	}
	if err := sess.Err(); err != nil {
		m.log.Warnf("Log file not closed cleanly: %v", err)
	}
}

// ShutdownSystem returns the hardware to a known safe state from any phase:
// plasma stopped, auto-frequency on, auto-voltage off, supplies off. Every
// step is attempted; failures are joined.
func (m *Manager) ShutdownSystem() error {
	m.op.Lock()
	defer m.op.Unlock()
	return m.shutdown()
}

func (m *Manager) shutdown() error {
	m.setPhase(Stopping)
	m.endSession()

	var errs []error
	if err := m.dev.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := m.dev.RestoreBaseline(); err != nil {
		errs = append(errs, err)
	}
	if err := m.dev.Shutdown(); err != nil {
		errs = append(errs, err)
	} else {
		m.mu.Lock()
		m.undefined = false
		m.mu.Unlock()
	}

	m.setPhase(PoweredOff)
	err := errors.Join(errs...)
	if err != nil {
		m.log.WithError(err).Warn("Shutdown incomplete")
	} else {
		m.log.Info("System shut down")
	}
	return err
}

// SetFrequency sends a manual frequency. If the device does not acknowledge
// it, the system is shut down.
func (m *Manager) SetFrequency(khz float64) error {
	m.op.Lock()
	defer m.op.Unlock()

	err := m.dev.SetFrequency(khz)
	if driver.IsDesync(err) {
		m.log.WithError(err).Error("Frequency not confirmed, shutting down")
		return errors.Join(err, m.shutdown())
	}
	return err
}

// SetVoltage sends a manual voltage set-point.
func (m *Manager) SetVoltage(volts float64) error {
	m.op.Lock()
	defer m.op.Unlock()

	if err := m.dev.SetVoltage(volts); err != nil {
		return err
	}
	m.display.Show(acquisition.LabelVoltage, fmt.Sprintf("%.0f", m.dev.Snapshot().LastVoltageSetpoint))
	return nil
}

// SetAutoFrequency switches device-side frequency correction.
func (m *Manager) SetAutoFrequency(enable bool) error {
	m.op.Lock()
	defer m.op.Unlock()
	return m.dev.SetAutoFrequency(enable)
}

// SetAutoVoltage switches device-side voltage correction.
func (m *Manager) SetAutoVoltage(enable bool) error {
	m.op.Lock()
	defer m.op.Unlock()
	return m.dev.SetAutoVoltage(enable)
}

// State returns the controller's confirmed device state.
func (m *Manager) State() driver.State {
	return m.dev.Snapshot()
}
