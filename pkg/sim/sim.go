// Package sim simulates the plasma driver's remote-control UART for testing
// and development. It behaves like a serial port: characters written to it are
// parsed the way the firmware does, and replies are read back.
package sim

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/itohio/goplasma/pkg/config"
	"github.com/itohio/goplasma/pkg/link"
	"github.com/itohio/goplasma/pkg/protocol"
)

// rxBufferSize matches the firmware's command buffer. Longer commands wrap and
// are received as garbage.
const rxBufferSize = 10

// ErrClosed is returned by Read and Write after Close.
var ErrClosed = errors.New("simulator closed")

// Faults injects misbehaviour. The zero value is a healthy device.
type Faults struct {
	Silent            bool   // no replies at all
	AutoFrequencyEcho string // replaces the mf echo when set
	AutoVoltageEcho   string // replaces the mv echo when set
	FrequencyReply    string // replaces the f! "ok" when set
	SupplyReply       string // replaces the p?a triple when set
	StuckLowVoltage   bool   // p!lv never turns the low rails on
	RefuseHighVoltage bool   // p!hv never turns the high rail on
	IgnoreStop        bool   // q leaves the plasma running
}

// Device simulates the plasma driver.
type Device struct {
	cfg config.MockConfig
	now func() time.Time

	mu          sync.Mutex
	closed      bool
	readTimeout time.Duration
	out         bytes.Buffer
	notify      chan struct{}

	rx       [rxBufferSize]byte
	rxLen    int
	lastChar time.Time
	dropped  int
	commands []string
	faults   Faults

	// Firmware state
	v3_3, v15, hv bool
	active        bool
	strikeTime    time.Time
	frequency     int
	deadtime      int
	voltage       int
	autoFrequency bool
	autoVoltage   bool
	logging       bool
}

var _ link.Port = (*Device)(nil)

// Option configures a Device.
type Option func(*Device)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Device) {
		d.now = now
	}
}

// New creates a powered-down simulated driver.
func New(cfg config.MockConfig, opts ...Option) *Device {
	if cfg.FrequencyHz == 0 {
		cfg.FrequencyHz = 45000
	}
	if cfg.RowsPerBlock == 0 {
		cfg.RowsPerBlock = 1
	}

	d := &Device{
		cfg:           cfg,
		now:           time.Now,
		readTimeout:   link.DefaultReadTimeout,
		notify:        make(chan struct{}, 1),
		frequency:     cfg.FrequencyHz,
		deadtime:      cfg.Deadtime,
		voltage:       -1,
		autoFrequency: true,
		autoVoltage:   true,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetFaults replaces the injected faults.
func (d *Device) SetFaults(f Faults) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults = f
}

// Commands returns every command the firmware parser received, in order.
func (d *Device) Commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.commands...)
}

// Dropped returns the number of characters lost to insufficient pacing.
func (d *Device) Dropped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Status describes the simulated hardware.
type Status struct {
	LowVoltageOn  bool
	HighVoltageOn bool
	PlasmaActive  bool
	FrequencyHz   int
	Voltage       int
	AutoFrequency bool
	AutoVoltage   bool
	Logging       bool
}

// Status returns the simulated hardware state.
func (d *Device) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Status{
		LowVoltageOn:  d.v3_3 && d.v15,
		HighVoltageOn: d.hv,
		PlasmaActive:  d.active,
		FrequencyHz:   d.frequency,
		Voltage:       d.voltage,
		AutoFrequency: d.autoFrequency,
		AutoVoltage:   d.autoVoltage,
		Logging:       d.logging,
	}
}

// Write feeds characters to the firmware parser.
func (d *Device) Write(b []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, ErrClosed
	}

	for _, c := range b {
		now := d.now()
		if d.cfg.MinCharGap > 0 && !d.lastChar.IsZero() && now.Sub(d.lastChar) < d.cfg.MinCharGap {
			d.lastChar = now
			d.dropped++
			continue
		}
		d.lastChar = now
		d.receive(c)
	}
	return len(b), nil
}

// receive mirrors the firmware's receive interrupt.
func (d *Device) receive(c byte) {
	if c == link.Terminator {
		cmd := string(d.rx[:d.rxLen])
		d.rxLen = 0
		d.commands = append(d.commands, cmd)
		d.execute(cmd)
		return
	}
	if d.rxLen < rxBufferSize-1 {
		d.rx[d.rxLen] = c
		d.rxLen++
		return
	}
	d.rxLen = 0
}

// Read returns pending reply bytes. It waits up to the read timeout and
// returns 0, nil when nothing arrived, like a serial port.
func (d *Device) Read(b []byte) (int, error) {
	d.mu.Lock()
	timeout := d.readTimeout
	d.mu.Unlock()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return 0, ErrClosed
		}
		if d.out.Len() > 0 {
			n, err := d.out.Read(b)
			d.mu.Unlock()
			return n, err
		}
		d.mu.Unlock()

		select {
		case <-d.notify:
		case <-deadline.C:
			return 0, nil
		}
	}
}

// ResetInputBuffer discards unread reply bytes.
func (d *Device) ResetInputBuffer() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.out.Reset()
	return nil
}

// SetReadTimeout sets how long Read waits for data.
func (d *Device) SetReadTimeout(t time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readTimeout = t
	return nil
}

// Close closes the simulated port.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *Device) print(s string) {
	if d.faults.Silent {
		return
	}
	d.out.WriteString(s)
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

// execute runs one complete command.
func (d *Device) execute(cmd string) {
	if cmd == "" {
		return
	}

	switch cmd[0] {
	case '~':
		d.print("~")

	case 'p':
		if len(cmd) < 3 {
			return
		}
		switch cmd[1] {
		case '?':
			d.querySupply(cmd[2:])
		case '!':
			d.print(onOff(d.toggleSupply(cmd[2:])))
		}

	case 's':
		if len(cmd) < 2 {
			return
		}
		switch cmd[1] {
		case '?':
			d.print(onOff(d.active))
		case '!':
			if d.active {
				d.stopPlasma()
			} else {
				d.startPlasma()
			}
		}

	case 'd':
		if len(cmd) < 2 {
			return
		}
		switch cmd[1] {
		case '?':
			d.print(strconv.Itoa(d.deadtime))
		case '!':
			if v, err := strconv.Atoi(cmd[2:]); err == nil {
				d.deadtime = v
			}
		}

	case 'v':
		if len(cmd) < 2 {
			return
		}
		switch cmd[1] {
		case '?':
			d.print(strconv.Itoa(d.voltage))
		case '!':
			if v, err := strconv.Atoi(cmd[2:]); err == nil {
				d.voltage = v
			}
		}

	case 'f':
		if len(cmd) < 2 {
			return
		}
		switch cmd[1] {
		case '?':
			d.print(strconv.Itoa(d.frequency))
		case '!':
			if v, err := strconv.Atoi(cmd[2:]); err == nil {
				d.frequency = v
			}
			if d.faults.FrequencyReply != "" {
				d.print(d.faults.FrequencyReply)
			} else {
				d.print("ok")
			}
		}

	case 'l':
		if len(cmd) < 2 {
			return
		}
		switch cmd[1] {
		case '1':
			d.logging = true
		case '0':
			d.logging = false
		case 'h':
			d.print(protocol.LogHeader + "\n\r")
		case '?':
			d.printLog()
		}

	case 'm':
		if len(cmd) < 3 {
			return
		}
		enable := cmd[2] == '1'
		echo := "0"
		if enable {
			echo = "1"
		}
		switch cmd[1] {
		case 'f':
			d.autoFrequency = enable
			if d.faults.AutoFrequencyEcho != "" {
				echo = d.faults.AutoFrequencyEcho
			}
			d.print(echo)
		case 'v':
			d.autoVoltage = enable
			if d.faults.AutoVoltageEcho != "" {
				echo = d.faults.AutoVoltageEcho
			}
			d.print(echo)
		}

	case 'q':
		if !d.faults.IgnoreStop {
			d.stopPlasma()
		}

	case 'z':
		d.stopPlasma()
		d.v3_3, d.v15 = false, false
	}
}

func (d *Device) querySupply(which string) {
	switch {
	case strings.Contains(which, "15"):
		d.print(onOff(d.v15))
	case strings.Contains(which, "3.3"):
		d.print(onOff(d.v3_3))
	case strings.Contains(which, "hv"):
		d.print(onOff(d.hv))
	case strings.Contains(which, "a"):
		if d.faults.SupplyReply != "" {
			d.print(d.faults.SupplyReply)
			return
		}
		d.print(fmt.Sprintf("%7d,%7d,%7d", d.millivolts(d.v3_3, 3300), d.millivolts(d.v15, 15000), d.millivolts(d.hv, 500000)))
	}
}

func (d *Device) millivolts(on bool, nominal int) int {
	if on {
		return nominal
	}
	return 0
}

func (d *Device) toggleSupply(which string) bool {
	switch {
	case strings.Contains(which, "lv"):
		if d.v3_3 {
			d.stopPlasma()
			d.v3_3, d.v15 = false, false
			return false
		}
		if d.faults.StuckLowVoltage {
			return false
		}
		d.v3_3, d.v15 = true, true
		return true
	case strings.Contains(which, "hv"):
		if d.hv {
			d.stopPlasma()
			return false
		}
		if d.faults.RefuseHighVoltage || !d.v15 {
			return false
		}
		d.hv = true
		return true
	}
	return false
}

func (d *Device) startPlasma() {
	if !d.hv {
		d.print("fail")
		return
	}
	d.active = true
	d.strikeTime = d.now()
	d.frequency = d.cfg.FrequencyHz
	d.deadtime = d.cfg.Deadtime
}

// stopPlasma stops the bridge and drops the high-voltage rail.
func (d *Device) stopPlasma() {
	d.active = false
	d.hv = false
}

// printLog emits the newest rows followed by the block sentinel. Nothing is
// sent while the plasma is off.
func (d *Device) printLog() {
	if !d.active {
		return
	}

	var b strings.Builder
	elapsed := float64(d.now().Sub(d.strikeTime).Microseconds())
	for i := 0; i < d.cfg.RowsPerBlock; i++ {
		t := elapsed + float64(i)*10
		b.WriteString(d.row(t))
		b.WriteString("\n\r")
	}
	b.WriteByte(link.Sentinel)
	d.print(b.String())
}

// row formats one telemetry row the way the firmware does.
func (d *Device) row(t float64) string {
	setpoint := float64(d.voltage)
	if setpoint <= 0 {
		setpoint = 300
	}

	noise := (math.Sin(t*0.001) + math.Cos(t*0.0013)) * d.cfg.NoiseLevel * 0.5
	half := setpoint/2 + noise
	current := 0.2 + 0.01*math.Sin(t*0.0007)
	freq := float64(d.frequency)

	return fmt.Sprintf("%.2f,%d,%d,%f,%f,%f,%f,%f, %d, %f, %f",
		t, d.frequency, d.deadtime, current,
		half, -half, half/20, -half/20,
		1, freq+1000, freq-1000)
}
