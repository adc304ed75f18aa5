package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/dialog"
	"fyne.io/fyne/v2/theme"
	"fyne.io/fyne/v2/widget"
	"github.com/itohio/goplasma/pkg/lifecycle"
)

func (s *appState) createConnectButton() fyne.CanvasObject {
	s.connectBtn = widget.NewButtonWithIcon("", theme.LoginIcon(), s.connect)
	return s.connectBtn
}

// createControls builds the left-hand control column.
func createControls(s *appState) fyne.CanvasObject {
	s.powerBtn = widget.NewButtonWithIcon("Power on", theme.ViewRefreshIcon(), s.handlePower)
	s.strikeBtn = widget.NewButtonWithIcon("Strike", theme.MediaPlayIcon(), s.handleStrike)
	s.strikeBtn.Importance = widget.HighImportance
	s.stopBtn = widget.NewButtonWithIcon("Stop", theme.MediaStopIcon(), s.handleStop)
	s.stopBtn.Importance = widget.DangerImportance

	limits := s.env.ctrl.Limits()
	s.voltageEntry = widget.NewEntry()
	s.voltageEntry.SetPlaceHolder(fmt.Sprintf("%.0f-%.0f", limits.VoltageMin, limits.VoltageMax))
	s.voltageBtn = widget.NewButtonWithIcon("", theme.ConfirmIcon(), s.handleVoltage)
	s.voltageEntry.OnSubmitted = func(string) { s.handleVoltage() }

	s.freqEntry = widget.NewEntry()
	s.freqEntry.SetPlaceHolder(fmt.Sprintf("%.0f-%.0f", limits.FrequencyMinKHz, limits.FrequencyMaxKHz))
	s.freqBtn = widget.NewButtonWithIcon("", theme.ConfirmIcon(), s.handleFrequency)
	s.freqEntry.OnSubmitted = func(string) { s.handleFrequency() }

	s.autoFreq = widget.NewCheck("Auto frequency", func(on bool) {
		if s.syncing {
			return
		}
		s.run(func() error { return s.mgr.SetAutoFrequency(on) })
	})
	s.autoVoltage = widget.NewCheck("Auto voltage", func(on bool) {
		if s.syncing {
			return
		}
		s.run(func() error { return s.mgr.SetAutoVoltage(on) })
	})
	s.logging = widget.NewCheck("Data logging", s.handleLogging)

	form := widget.NewForm(
		widget.NewFormItem("Voltage (V)", container.NewBorder(nil, nil, nil, s.voltageBtn, s.voltageEntry)),
		widget.NewFormItem("Frequency (kHz)", container.NewBorder(nil, nil, nil, s.freqBtn, s.freqEntry)),
	)

	return container.NewVBox(
		widget.NewCard("Power", "", container.NewVBox(s.powerBtn)),
		widget.NewCard("Plasma", "", container.NewVBox(s.strikeBtn, s.stopBtn, s.logging)),
		widget.NewCard("Set-points", "", container.NewVBox(form, s.autoFreq, s.autoVoltage)),
	)
}

// connect (re)initializes the controller.
func (s *appState) connect() {
	s.run(func() error {
		if p := s.mgr.Phase(); p != lifecycle.PoweredOff {
			return fmt.Errorf("connect: not possible while %s", p)
		}
		return s.env.connect()
	})
}

// run executes op off the Fyne thread, reports its error and refreshes the
// controls from the confirmed device state. Checkboxes rejected by the device
// revert through the refresh.
func (s *appState) run(op func() error) {
	go func() {
		err := op()
		fyne.Do(func() {
			if err != nil {
				s.showError(err)
			}
			s.refreshControls()
		})
	}()
}

func (s *appState) showError(err error) {
	s.env.log.WithError(err).Warn("Operation failed")
	dialog.ShowError(err, s.window)
}

func (s *appState) handlePower() {
	if s.mgr.Phase() == lifecycle.PoweredOff {
		s.run(s.mgr.PowerOn)
		return
	}
	s.run(s.mgr.PowerOff)
}

func (s *appState) handleStrike() {
	opts := lifecycle.StrikeOptions{Logging: s.logging.Checked, LogPath: s.logPath}
	s.trace.Reset()
	s.scopeWidget.Clear()
	s.strikeBtn.Disable()
	s.run(func() error { return s.mgr.StrikePlasma(opts) })
}

func (s *appState) handleStop() {
	s.stopBtn.Disable()
	s.run(s.mgr.StopPlasma)
}

func (s *appState) handleVoltage() {
	v, err := parseNumber(s.voltageEntry.Text)
	if err != nil {
		s.showError(fmt.Errorf("voltage: %w", err))
		return
	}
	if err := s.env.ctrl.CheckVoltage(v); err != nil {
		dialog.ShowInformation("Voltage out of range", err.Error(), s.window)
		return
	}
	s.run(func() error { return s.mgr.SetVoltage(v) })
}

func (s *appState) handleFrequency() {
	f, err := parseNumber(s.freqEntry.Text)
	if err != nil {
		s.showError(fmt.Errorf("frequency: %w", err))
		return
	}
	if err := s.env.ctrl.CheckFrequency(f); err != nil {
		dialog.ShowInformation("Frequency out of range", err.Error(), s.window)
		return
	}
	s.run(func() error { return s.mgr.SetFrequency(f) })
}

// handleLogging asks where to save the log when logging is switched on.
// Cancelling the file dialog switches logging off again.
func (s *appState) handleLogging(on bool) {
	if s.syncing || !on {
		return
	}
	dialog.ShowFileSave(func(w fyne.URIWriteCloser, err error) {
		if err != nil || w == nil {
			if err != nil {
				s.showError(err)
			}
			s.setChecked(s.logging, false)
			return
		}
		s.logPath = w.URI().Path()
		if err := w.Close(); err != nil {
			s.env.log.WithError(err).Warn("Closing log file placeholder")
		}
		s.logPathLabel.SetText("Log: " + s.logPath)
	}, s.window)
}

func (s *appState) setChecked(c *widget.Check, on bool) {
	s.syncing = true
	c.SetChecked(on)
	s.syncing = false
}

// refreshControls enables the controls the current phase allows and syncs the
// switches with the confirmed device state.
func (s *appState) refreshControls() {
	st := s.mgr.State()
	phase := s.mgr.Phase()

	enable := func(w fyne.Disableable, on bool) {
		if on {
			w.Enable()
		} else {
			w.Disable()
		}
	}

	ready := st.Initialized
	enable(s.connectBtn, phase == lifecycle.PoweredOff)
	enable(s.powerBtn, ready && (phase == lifecycle.PoweredOff || phase == lifecycle.PoweredOn))
	enable(s.strikeBtn, ready && phase == lifecycle.PoweredOn)
	enable(s.stopBtn, ready && (phase == lifecycle.PlasmaActive || phase == lifecycle.Striking))
	for _, w := range []fyne.Disableable{s.voltageEntry, s.voltageBtn, s.freqEntry, s.freqBtn, s.autoFreq, s.autoVoltage} {
		enable(w, ready)
	}
	enable(s.logging, phase != lifecycle.PlasmaActive && phase != lifecycle.Striking)

	if phase == lifecycle.PoweredOff {
		s.powerBtn.SetText("Power on")
	} else {
		s.powerBtn.SetText("Power off")
	}

	s.setChecked(s.autoFreq, st.AutoFrequency)
	s.setChecked(s.autoVoltage, st.AutoVoltage)

	switch {
	case s.mgr.Undefined():
		s.warning.SetText(lifecycle.ErrUndefinedState.Error())
	case !ready:
		s.warning.SetText("Not connected")
	default:
		s.warning.SetText("")
	}
}

// parseNumber accepts a decimal comma as well as a point.
func parseNumber(text string) (float64, error) {
	text = strings.TrimSpace(strings.ReplaceAll(text, ",", "."))
	if text == "" {
		return 0, errors.New("no value entered")
	}
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("%q is not a number", text)
	}
	return v, nil
}
