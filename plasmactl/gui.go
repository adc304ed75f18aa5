package main

import (
	"image/color"
	"sync"
	"time"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/app"
	"fyne.io/fyne/v2/canvas"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/widget"
	"github.com/itohio/goplasma/pkg/acquisition"
	"github.com/itohio/goplasma/pkg/lifecycle"
	"github.com/itohio/goplasma/pkg/scope"
	"github.com/itohio/goplasma/pkg/telemetry"
	"github.com/spf13/cobra"
)

var guiCmd = &cobra.Command{
	Use:   "gui",
	Short: "Desktop control panel",
	Long: `Open the desktop control panel: supply and plasma controls, manual
frequency and voltage, auto-correction switches, data logging and a live
plot of the plasma voltage and bridge current.`,
	RunE: runGUI,
}

func init() {
	rootCmd.AddCommand(guiCmd)
}

var (
	ledOn  = color.RGBA{R: 0, G: 200, B: 80, A: 255}
	ledOff = color.RGBA{R: 70, G: 70, B: 70, A: 255}
)

// appState holds the GUI state. Widgets are touched only on the Fyne thread.
type appState struct {
	env    *environment
	mgr    *lifecycle.Manager
	trace  *telemetry.Trace
	window fyne.Window

	scopeWidget *scope.ScopeWidget
	connectBtn  *widget.Button
	powerBtn    *widget.Button
	strikeBtn   *widget.Button
	stopBtn     *widget.Button

	voltageEntry *widget.Entry
	voltageBtn   *widget.Button
	freqEntry    *widget.Entry
	freqBtn      *widget.Button
	autoFreq     *widget.Check
	autoVoltage  *widget.Check
	logging      *widget.Check
	logPath      string
	logPathLabel *widget.Label
	warning      *widget.Label

	readouts map[string]*widget.Label
	leds     map[string]*canvas.Circle

	syncing bool // set while checkboxes are updated from device state

	lastUpdateTime time.Time
	updateMu       sync.Mutex
}

func runGUI(cmd *cobra.Command, args []string) error {
	env, err := newEnvironment(currentFlags())
	if err != nil {
		return err
	}

	application := app.NewWithID("com.itohio.goplasma")
	window := application.NewWindow("Plasma Driver")
	window.Resize(fyne.NewSize(1200, 800))
	window.CenterOnScreen()

	state := &appState{
		env:      env,
		trace:    telemetry.New(env.cfg.Acquisition),
		window:   window,
		readouts: make(map[string]*widget.Label),
		leds:     make(map[string]*canvas.Circle),
	}
	display := &telemetry.Display{Trace: state.trace, OnShow: state.show}
	state.mgr = env.manager(display)
	defer func() {
		if err := env.close(state.mgr); err != nil {
			env.log.WithError(err).Warn("Shutdown on exit incomplete")
		}
	}()

	state.scopeWidget = scope.New(env.cfg.Acquisition.PlotWindow, env.cfg.Acquisition.MaxPlotPoints)
	state.watchTrace()

	window.SetContent(container.NewBorder(
		createToolbar(state),
		createStatusBar(state),
		createControls(state),
		nil,
		state.scopeWidget,
	))
	state.refreshControls()

	state.connect()
	window.ShowAndRun()
	return nil
}

// watchTrace pushes trace updates to the scope, throttled to ~60 FPS.
func (s *appState) watchTrace() {
	const updateInterval = 16 * time.Millisecond
	s.trace.OnUpdate(func(points []telemetry.Point) {
		s.updateMu.Lock()
		now := time.Now()
		if now.Sub(s.lastUpdateTime) < updateInterval {
			s.updateMu.Unlock()
			return
		}
		s.lastUpdateTime = now
		s.updateMu.Unlock()

		fyne.Do(func() {
			s.scopeWidget.UpdateData(points)
		})
	})
}

// show publishes a readout. It is called from the acquisition goroutine.
func (s *appState) show(label, value string) {
	fyne.Do(func() {
		if led, ok := s.leds[label]; ok {
			led.FillColor = ledOff
			if value == acquisition.FormatLED(true) {
				led.FillColor = ledOn
			}
			led.Refresh()
			return
		}
		if l, ok := s.readouts[label]; ok {
			l.SetText(value)
		}
	})
}

func createToolbar(s *appState) fyne.CanvasObject {
	led := func(label, title string) fyne.CanvasObject {
		c := canvas.NewCircle(ledOff)
		s.leds[label] = c
		return container.NewHBox(container.NewGridWrap(fyne.NewSize(16, 16), c), widget.NewLabel(title))
	}
	readout := func(label, title, unit string) fyne.CanvasObject {
		l := widget.NewLabel("-")
		s.readouts[label] = l
		return container.NewHBox(widget.NewLabel(title), l, widget.NewLabel(unit))
	}

	return container.NewBorder(nil, nil,
		container.NewHBox(s.createConnectButton(), s.createSettingsButton()),
		container.NewHBox(
			led(acquisition.LabelSystem, "System"),
			led(acquisition.LabelPlasma, "Plasma"),
		),
		container.NewHBox(
			readout(acquisition.LabelV3_3, "3.3V:", "V"),
			readout(acquisition.LabelV15, "15V:", "V"),
			readout(acquisition.LabelVHV, "HV:", "V"),
			readout(acquisition.LabelFrequency, "f:", "kHz"),
			readout(acquisition.LabelVoltage, "Vset:", "V"),
			readout(acquisition.LabelDeadtime, "Dead time:", "%"),
		),
	)
}

func createStatusBar(s *appState) fyne.CanvasObject {
	s.warning = widget.NewLabel("")
	s.warning.Importance = widget.DangerImportance
	s.logPathLabel = widget.NewLabel("")
	return container.NewBorder(nil, nil, s.warning, s.logPathLabel)
}
