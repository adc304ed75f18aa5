// Package driver is the stateful façade over the plasma driver's command set.
// It tracks what the device last confirmed and refuses requests whose
// preconditions do not hold.
package driver

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/itohio/goplasma/pkg/config"
	"github.com/itohio/goplasma/pkg/link"
	"github.com/itohio/goplasma/pkg/logging"
	"github.com/itohio/goplasma/pkg/protocol"
	"github.com/sirupsen/logrus"
)

// State is the last confirmed device state.
type State struct {
	Initialized         bool
	LowVoltageOn        bool
	HighVoltageOn       bool
	AutoVoltage         bool
	AutoFrequency       bool
	LoggingEnabled      bool
	LastFrequencyHz     int
	LastVoltageSetpoint float64

	// Set once a manual value inside the limits was accepted by the device.
	FrequencyValidated bool
	VoltageValidated   bool
}

// Controller issues commands and keeps State in step with the device. State
// changes only after the device confirmed them.
type Controller struct {
	dial   Dialer
	limits config.LimitsConfig
	log    logrus.FieldLogger

	mu    sync.RWMutex
	tr    Transport
	state State
}

// New creates a controller. Nothing is sent until Initialize.
func New(dial Dialer, limits config.LimitsConfig, log logrus.FieldLogger) *Controller {
	return &Controller{
		dial:   dial,
		limits: limits,
		log:    logging.Or(log).WithField("component", "driver"),
	}
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Limits returns the manual set-point limits in force. They are fixed when the
// controller is created.
func (c *Controller) Limits() config.LimitsConfig {
	return c.limits
}

func (c *Controller) update(fn func(s *State)) {
	c.mu.Lock()
	fn(&c.state)
	c.mu.Unlock()
}

func (c *Controller) transport() Transport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tr
}

// exchange sends one command and classifies transport failures.
func (c *Controller) exchange(cmd protocol.Command) ([]byte, error) {
	tr := c.transport()
	if tr == nil {
		return nil, &ConnectivityError{Op: cmd.Op.String(), Err: ErrNotInitialized}
	}

	reply, err := tr.Send(cmd.Wire(), framingOf(cmd.Shape()))
	if err != nil {
		if errors.Is(err, link.ErrNoReply) || errors.Is(err, link.ErrClosed) {
			return nil, &ConnectivityError{Op: cmd.Op.String(), Err: err}
		}
		return reply, fmt.Errorf("%s: %w", cmd.Op, err)
	}
	return reply, nil
}

// Initialize opens the transport and performs the handshake. The device is then
// put into the baseline: auto-frequency on, auto-voltage off, logging off. If the
// baseline is not confirmed the transport is released again.
func (c *Controller) Initialize() error {
	const op = "initialize"

	if old := c.transport(); old != nil {
		c.Close()
	}

	tr, err := c.dial()
	if err != nil {
		return &ConnectivityError{Op: op, Err: err}
	}

	hs := protocol.Handshake()
	if _, err := tr.Send(hs.Wire(), framingOf(hs.Shape())); err != nil {
		tr.Close()
		return &ConnectivityError{Op: op, Err: err}
	}

	c.mu.Lock()
	c.tr = tr
	c.state = State{Initialized: true}
	c.mu.Unlock()

	if err := c.RestoreBaseline(); err != nil {
		c.Close()
		return fmt.Errorf("%s: baseline not confirmed: %w", op, err)
	}

	c.log.Info("Device connected")
	return nil
}

// Close releases the transport. The controller must be initialized again before use.
func (c *Controller) Close() error {
	c.mu.Lock()
	tr := c.tr
	c.tr = nil
	c.state.Initialized = false
	c.mu.Unlock()

	if tr == nil {
		return nil
	}
	return tr.Close()
}

// RestoreBaseline forces auto-frequency on, auto-voltage off and logging off
// without consulting the manual set-point gates. Every step is attempted.
func (c *Controller) RestoreBaseline() error {
	var errs []error
	if err := c.SetAutoFrequency(true); err != nil {
		errs = append(errs, err)
	}
	if err := c.setAutoVoltage(false); err != nil {
		errs = append(errs, err)
	}
	if err := c.SetLogging(false); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// CheckFrequency reports whether khz is an acceptable manual frequency.
func (c *Controller) CheckFrequency(khz float64) error {
	if math.IsNaN(khz) || khz < c.limits.FrequencyMinKHz || khz > c.limits.FrequencyMaxKHz {
		return &PreconditionError{
			Op:     "set frequency",
			Reason: fmt.Sprintf("%g kHz is out of range; enter a value between %g and %g kHz", khz, c.limits.FrequencyMinKHz, c.limits.FrequencyMaxKHz),
		}
	}
	return nil
}

// CheckVoltage reports whether volts is an acceptable manual voltage.
func (c *Controller) CheckVoltage(volts float64) error {
	if math.IsNaN(volts) || volts < c.limits.VoltageMin || volts > c.limits.VoltageMax {
		return &PreconditionError{
			Op:     "set voltage",
			Reason: fmt.Sprintf("%g V is out of range; enter a value between %g and %g V", volts, c.limits.VoltageMin, c.limits.VoltageMax),
		}
	}
	return nil
}

// SetFrequency sends a manual frequency. The value is rounded to whole Hz and
// recorded only when the device acknowledges with "ok". Out of range values are
// never sent. A DesyncError here leaves the bridge frequency unknown; the caller
// has to bring the system to a safe state.
func (c *Controller) SetFrequency(khz float64) error {
	if err := c.CheckFrequency(khz); err != nil {
		return err
	}

	cmd := protocol.SetFrequency(protocol.KHzToHz(khz))
	reply, err := c.exchange(cmd)
	if err != nil {
		return err
	}
	if !protocol.IsAck(reply) {
		return &DesyncError{Op: cmd.Op.String(), Want: "ok", Got: string(reply)}
	}

	c.update(func(s *State) {
		s.LastFrequencyHz = cmd.Arg
		s.FrequencyValidated = true
	})
	return nil
}

// SetVoltage sends a manual voltage set-point in whole volts.
func (c *Controller) SetVoltage(volts float64) error {
	if err := c.CheckVoltage(volts); err != nil {
		return err
	}

	v := int(math.Round(volts))
	if _, err := c.exchange(protocol.SetVoltage(v)); err != nil {
		return err
	}

	c.update(func(s *State) {
		s.LastVoltageSetpoint = float64(v)
		s.VoltageValidated = true
	})
	return nil
}

// SetAutoFrequency switches device-side frequency correction. Disabling it
// requires a validated manual frequency. The device echoes the mode; a
// mismatch leaves the recorded mode unchanged.
func (c *Controller) SetAutoFrequency(enable bool) error {
	cmd := protocol.SetAutoFrequency(enable)
	if !enable && !c.Snapshot().FrequencyValidated {
		return &PreconditionError{
			Op:     cmd.Op.String(),
			Reason: "no validated manual frequency; set a frequency before disabling auto-frequency",
		}
	}

	reply, err := c.exchange(cmd)
	if err != nil {
		return err
	}
	echo, err := protocol.ParseEcho(reply)
	if err != nil || echo != enable {
		return &DesyncError{Op: cmd.Op.String(), Want: fmt.Sprint(cmd.Arg), Got: string(reply)}
	}

	c.update(func(s *State) { s.AutoFrequency = enable })
	return nil
}

// SetAutoVoltage switches device-side voltage correction. Disabling it
// requires a validated manual voltage.
func (c *Controller) SetAutoVoltage(enable bool) error {
	if !enable && !c.Snapshot().VoltageValidated {
		return &PreconditionError{
			Op:     protocol.OpSetAutoVoltage.String(),
			Reason: "no validated manual voltage; set a voltage before disabling auto-voltage",
		}
	}
	return c.setAutoVoltage(enable)
}

func (c *Controller) setAutoVoltage(enable bool) error {
	cmd := protocol.SetAutoVoltage(enable)
	reply, err := c.exchange(cmd)
	if err != nil {
		return err
	}
	echo, err := protocol.ParseEcho(reply)
	if err != nil || echo != enable {
		return &DesyncError{Op: cmd.Op.String(), Want: fmt.Sprint(cmd.Arg), Got: string(reply)}
	}
	c.update(func(s *State) { s.AutoVoltage = enable })
	return nil
}

// SetLogging switches the device's telemetry logging.
func (c *Controller) SetLogging(enable bool) error {
	if _, err := c.exchange(protocol.SetLogging(enable)); err != nil {
		return err
	}
	c.update(func(s *State) { s.LoggingEnabled = enable })
	return nil
}

func (c *Controller) exchangeSwitch(cmd protocol.Command) (bool, error) {
	reply, err := c.exchange(cmd)
	if err != nil {
		return false, err
	}
	on, err := protocol.ParseSwitch(reply)
	if err != nil {
		return false, fmt.Errorf("%s: %w", cmd.Op, err)
	}
	return on, nil
}

// ToggleLowVoltage toggles the 3.3V and 15V rails together and returns the new state.
func (c *Controller) ToggleLowVoltage() (bool, error) {
	on, err := c.exchangeSwitch(protocol.ToggleLowVoltage())
	if err != nil {
		return false, err
	}
	c.update(func(s *State) { s.LowVoltageOn = on })
	return on, nil
}

// ToggleHighVoltage toggles the high-voltage rail and returns the new state.
func (c *Controller) ToggleHighVoltage() (bool, error) {
	on, err := c.exchangeSwitch(protocol.ToggleHighVoltage())
	if err != nil {
		return false, err
	}
	c.update(func(s *State) { s.HighVoltageOn = on })
	return on, nil
}

// Query3V3 asks whether the 3.3V rail is on.
func (c *Controller) Query3V3() (bool, error) {
	return c.exchangeSwitch(protocol.QuerySupply(protocol.Rail3V3))
}

// Query15V asks whether the 15V rail is on.
func (c *Controller) Query15V() (bool, error) {
	return c.exchangeSwitch(protocol.QuerySupply(protocol.Rail15V))
}

// QueryHV asks whether the high-voltage rail is on.
func (c *Controller) QueryHV() (bool, error) {
	return c.exchangeSwitch(protocol.QuerySupply(protocol.RailHV))
}

// Strike ignites the plasma. Both low-voltage rails are queried afresh and
// must be on, otherwise a PreconditionError is returned and nothing else is
// sent. The high-voltage rail is then confirmed, or toggled on. Any failure
// from there on shuts the device down and returns an IgnitionError. When the
// device has been sent "s!", onIgnition is called.
func (c *Controller) Strike(onIgnition func()) error {
	const op = "strike plasma"

	v15, err := c.Query15V()
	if err != nil {
		return &PreconditionError{Op: op, Reason: "could not confirm the 15V rail", Err: err}
	}
	v33, err := c.Query3V3()
	if err != nil {
		return &PreconditionError{Op: op, Reason: "could not confirm the 3.3V rail", Err: err}
	}
	c.update(func(s *State) { s.LowVoltageOn = v15 && v33 })
	if !v15 || !v33 {
		return &PreconditionError{Op: op, Reason: "low-voltage supplies are off; power on first"}
	}

	fail := func(stage string, err error) error {
		if serr := c.Shutdown(); serr != nil {
			err = errors.Join(err, serr)
		}
		return &IgnitionError{Stage: stage, Err: err}
	}

	hv, err := c.QueryHV()
	if err != nil {
		return fail("high-voltage query", err)
	}
	if !hv {
		hv, err = c.ToggleHighVoltage()
		if err != nil {
			return fail("high-voltage toggle", err)
		}
		if !hv {
			return fail("high-voltage toggle", errors.New("rail stayed off"))
		}
	}
	c.update(func(s *State) { s.HighVoltageOn = true })

	if _, err := c.exchange(protocol.Strike()); err != nil {
		return fail("strike command", err)
	}

	c.log.Info("Plasma ignited")
	if onIgnition != nil {
		onIgnition()
	}
	return nil
}

// Stop stops the plasma. It always sends "q" and is safe to repeat.
func (c *Controller) Stop() error {
	_, err := c.exchange(protocol.Stop())
	return err
}

// Shutdown stops the plasma and switches every supply off.
func (c *Controller) Shutdown() error {
	if _, err := c.exchange(protocol.Shutdown()); err != nil {
		return err
	}
	c.update(func(s *State) {
		s.LowVoltageOn = false
		s.HighVoltageOn = false
	})
	return nil
}

// QuerySupplies reads the measured supply voltages.
func (c *Controller) QuerySupplies() (protocol.SupplyReadout, error) {
	reply, err := c.exchange(protocol.QuerySupplies())
	if err != nil {
		return protocol.SupplyReadout{}, err
	}
	return protocol.ParseSupplies(reply)
}

// QueryFrequency reads the current bridge frequency in Hz.
func (c *Controller) QueryFrequency() (int, error) {
	cmd := protocol.QueryFrequency()
	reply, err := c.exchange(cmd)
	if err != nil {
		return 0, err
	}
	hz, err := protocol.ParseNumber(reply)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", cmd.Op, err)
	}
	return hz, nil
}

// QueryVoltage reads the voltage report as text.
func (c *Controller) QueryVoltage() (string, error) {
	reply, err := c.exchange(protocol.QueryVoltage())
	return string(reply), err
}

// QueryLogHeader reads the CSV header of the telemetry log.
func (c *Controller) QueryLogHeader() ([]byte, error) {
	return c.exchange(protocol.QueryLogHeader())
}

// QueryLogBlock reads the newest telemetry block without its sentinel.
func (c *Controller) QueryLogBlock() ([]byte, error) {
	return c.exchange(protocol.QueryLogBlock())
}

// QueryPlasma asks whether the plasma is running.
func (c *Controller) QueryPlasma() (bool, error) {
	return c.exchangeSwitch(protocol.QueryPlasma())
}

// QueryDeadtime reads the bridge dead time in percent.
func (c *Controller) QueryDeadtime() (int, error) {
	cmd := protocol.QueryDeadtime()
	reply, err := c.exchange(cmd)
	if err != nil {
		return 0, err
	}
	pct, err := protocol.ParseNumber(reply)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", cmd.Op, err)
	}
	return pct, nil
}
