package main

import (
	"fmt"
	"strconv"
	"time"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/dialog"
	"fyne.io/fyne/v2/theme"
	"fyne.io/fyne/v2/widget"
	"github.com/itohio/goplasma/pkg/link"
)

func (s *appState) createSettingsButton() fyne.CanvasObject {
	return widget.NewButtonWithIcon("", theme.SettingsIcon(), func() {
		showSettingsDialog(s)
	})
}

// showSettingsDialog displays the configuration tabs. Serial settings apply on
// the next connect, the rest on the next start.
func showSettingsDialog(s *appState) {
	tabs := container.NewAppTabs(
		createSerialTab(s),
		createLimitsTab(s),
		createAcquisitionTab(s),
		createMockTab(s),
	)

	d := dialog.NewCustom("Settings", "Close", tabs, s.window)
	d.Resize(fyne.NewSize(600, 450))
	d.Show()
}

func (s *appState) saveConfig() {
	if err := s.env.cfg.Validate(); err != nil {
		dialog.ShowError(err, s.window)
		return
	}
	if err := s.env.cfg.Save(s.env.cfgPath); err != nil {
		dialog.ShowError(fmt.Errorf("failed to save config: %w", err), s.window)
	}
}

func createSerialTab(s *appState) *container.TabItem {
	ports, err := link.Ports()
	portOptions := []string{}
	portMap := make(map[string]string) // display name -> port name

	if err == nil {
		for _, port := range ports {
			displayName := port.Name
			if port.Description != "" && port.Description != port.Name {
				displayName = fmt.Sprintf("%s (%s)", port.Name, port.Description)
			}
			portOptions = append(portOptions, displayName)
			portMap[displayName] = port.Name
		}
	} else {
		s.env.log.WithError(err).Warn("Listing serial ports")
	}

	current := s.env.cfg.Serial.Port
	currentDisplay := current
	found := false
	for _, opt := range portOptions {
		if portMap[opt] == current {
			currentDisplay = opt
			found = true
			break
		}
	}
	if !found && current != "" {
		portOptions = append(portOptions, current)
		portMap[current] = current
	}

	portSelect := widget.NewSelect(portOptions, nil)
	if currentDisplay != "" {
		portSelect.SetSelected(currentDisplay)
	}

	charDelayEntry := widget.NewEntry()
	charDelayEntry.SetText(s.env.cfg.Serial.CharDelay.String())
	readTimeoutEntry := widget.NewEntry()
	readTimeoutEntry.SetText(s.env.cfg.Serial.ReadTimeout.String())

	form := &widget.Form{
		Items: []*widget.FormItem{
			{Text: "Serial Port", Widget: portSelect},
			{Text: "Character delay", Widget: charDelayEntry},
			{Text: "Read timeout", Widget: readTimeoutEntry},
		},
		OnSubmit: func() {
			if portSelect.Selected != "" {
				port := portMap[portSelect.Selected]
				if port == "" {
					port = portSelect.Selected
				}
				s.env.cfg.Serial.Port = port
			}
			if d, err := time.ParseDuration(charDelayEntry.Text); err == nil {
				s.env.cfg.Serial.CharDelay = d
			}
			if d, err := time.ParseDuration(readTimeoutEntry.Text); err == nil {
				s.env.cfg.Serial.ReadTimeout = d
			}
			s.saveConfig()
		},
	}

	return container.NewTabItem("Serial", form)
}

func createLimitsTab(s *appState) *container.TabItem {
	l := &s.env.cfg.Limits
	fMin := floatEntry(l.FrequencyMinKHz, 1)
	fMax := floatEntry(l.FrequencyMaxKHz, 1)
	vMin := floatEntry(l.VoltageMin, 0)
	vMax := floatEntry(l.VoltageMax, 0)

	form := &widget.Form{
		Items: []*widget.FormItem{
			{Text: "Frequency min (kHz)", Widget: fMin},
			{Text: "Frequency max (kHz)", Widget: fMax},
			{Text: "Voltage min (V)", Widget: vMin},
			{Text: "Voltage max (V)", Widget: vMax},
		},
		OnSubmit: func() {
			setFloat(&l.FrequencyMinKHz, fMin.Text)
			setFloat(&l.FrequencyMaxKHz, fMax.Text)
			setFloat(&l.VoltageMin, vMin.Text)
			setFloat(&l.VoltageMax, vMax.Text)
			s.saveConfig()
		},
	}

	return container.NewTabItem("Limits", form)
}

func createAcquisitionTab(s *appState) *container.TabItem {
	a := &s.env.cfg.Acquisition
	supply := durationEntry(a.SupplyPeriod)
	freq := durationEntry(a.FrequencyPeriod)
	logPeriod := durationEntry(a.LogPeriod)
	join := durationEntry(a.JoinTimeout)
	window := durationEntry(a.PlotWindow)
	points := widget.NewEntry()
	points.SetText(strconv.Itoa(a.MaxPlotPoints))

	form := &widget.Form{
		Items: []*widget.FormItem{
			{Text: "Supply period", Widget: supply},
			{Text: "Frequency period", Widget: freq},
			{Text: "Log period", Widget: logPeriod},
			{Text: "Join timeout", Widget: join},
			{Text: "Plot window", Widget: window},
			{Text: "Max plot points", Widget: points},
		},
		OnSubmit: func() {
			setDuration(&a.SupplyPeriod, supply.Text)
			setDuration(&a.FrequencyPeriod, freq.Text)
			setDuration(&a.LogPeriod, logPeriod.Text)
			setDuration(&a.JoinTimeout, join.Text)
			setDuration(&a.PlotWindow, window.Text)
			if n, err := strconv.Atoi(points.Text); err == nil && n > 0 {
				a.MaxPlotPoints = n
			}
			s.saveConfig()
		},
	}

	return container.NewTabItem("Acquisition", form)
}

func createMockTab(s *appState) *container.TabItem {
	m := &s.env.cfg.Mock
	freq := widget.NewEntry()
	freq.SetText(strconv.Itoa(m.FrequencyHz))
	rows := widget.NewEntry()
	rows.SetText(strconv.Itoa(m.RowsPerBlock))
	noise := floatEntry(m.NoiseLevel, 3)
	gap := durationEntry(m.MinCharGap)

	form := &widget.Form{
		Items: []*widget.FormItem{
			{Text: "Frequency (Hz)", Widget: freq},
			{Text: "Rows per log block", Widget: rows},
			{Text: "Noise level (V)", Widget: noise},
			{Text: "Min character gap", Widget: gap},
		},
		OnSubmit: func() {
			if n, err := strconv.Atoi(freq.Text); err == nil {
				m.FrequencyHz = n
			}
			if n, err := strconv.Atoi(rows.Text); err == nil {
				m.RowsPerBlock = n
			}
			setFloat(&m.NoiseLevel, noise.Text)
			setDuration(&m.MinCharGap, gap.Text)
			s.saveConfig()
		},
	}

	return container.NewTabItem("Mock", form)
}

func floatEntry(v float64, decimals int) *widget.Entry {
	e := widget.NewEntry()
	e.SetText(strconv.FormatFloat(v, 'f', decimals, 64))
	return e
}

func durationEntry(d time.Duration) *widget.Entry {
	e := widget.NewEntry()
	e.SetText(d.String())
	return e
}

func setFloat(dst *float64, text string) {
	if v, err := parseNumber(text); err == nil {
		*dst = v
	}
}

func setDuration(dst *time.Duration, text string) {
	if d, err := time.ParseDuration(text); err == nil {
		*dst = d
	}
}
