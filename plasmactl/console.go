package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/itohio/goplasma/pkg/acquisition"
	"github.com/itohio/goplasma/pkg/lifecycle"
	"github.com/itohio/goplasma/pkg/protocol"
	"github.com/spf13/cobra"
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Terminal control panel",
	Long: `Control the driver from the terminal. Type a command and press Enter:

  connect          connect (or reconnect) to the driver
  on | off         switch the low-voltage supplies
  strike [file]    strike the plasma, logging to file if given
  stop             stop the plasma
  v <volts>        manual voltage set-point
  f <kHz>          manual frequency
  af on|off        auto-frequency
  av on|off        auto-voltage
  shutdown         return to the safe state
  quit             shut down and exit`,
	RunE: runConsole,
}

func init() {
	rootCmd.AddCommand(consoleCmd)
}

const maxConsoleEvents = 8

// consoleCommand is one parsed input line.
type consoleCommand struct {
	name  string
	value float64
	on    bool
	path  string
}

func parseCommand(line string) (consoleCommand, error) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) == 0 {
		return consoleCommand{}, errors.New("empty command")
	}
	cmd := consoleCommand{name: strings.ToLower(fields[0])}
	args := fields[1:]

	switch cmd.name {
	case "connect", "on", "off", "stop", "shutdown", "quit", "exit":
		if len(args) != 0 {
			return cmd, fmt.Errorf("%s takes no arguments", cmd.name)
		}
		if cmd.name == "exit" {
			cmd.name = "quit"
		}
	case "strike":
		if len(args) > 1 {
			return cmd, errors.New("usage: strike [file]")
		}
		if len(args) == 1 {
			cmd.path = args[0]
		}
	case "v", "f":
		if len(args) != 1 {
			return cmd, fmt.Errorf("usage: %s <value>", cmd.name)
		}
		v, err := parseNumber(args[0])
		if err != nil {
			return cmd, err
		}
		cmd.value = v
	case "af", "av":
		if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
			return cmd, fmt.Errorf("usage: %s on|off", cmd.name)
		}
		cmd.on = args[0] == "on"
	default:
		return cmd, fmt.Errorf("unknown command %q", cmd.name)
	}
	return cmd, nil
}

// Messages
type showMsg struct {
	label string
	value string
}

type plotMsg struct {
	rows int // since the previous plotMsg
	last protocol.TelemetryFrame
}

type opResultMsg struct {
	what string
	err  error
}

// teaDisplay forwards readouts to the running program. Plot updates are
// coalesced to a few per second.
type teaDisplay struct {
	mu       sync.Mutex
	send     func(tea.Msg)
	rows     int
	lastSent time.Time
}

var _ acquisition.Display = (*teaDisplay)(nil)

func (d *teaDisplay) Show(label, value string) {
	d.mu.Lock()
	send := d.send
	d.mu.Unlock()
	if send != nil {
		send(showMsg{label: label, value: value})
	}
}

func (d *teaDisplay) Plot(rows []protocol.TelemetryFrame) {
	if len(rows) == 0 {
		return
	}
	d.mu.Lock()
	d.rows += len(rows)
	now := time.Now()
	if d.send == nil || now.Sub(d.lastSent) < 200*time.Millisecond {
		d.mu.Unlock()
		return
	}
	d.lastSent = now
	msg := plotMsg{rows: d.rows, last: rows[len(rows)-1]}
	d.rows = 0
	send := d.send
	d.mu.Unlock()
	send(msg)
}

func (d *teaDisplay) attach(send func(tea.Msg)) {
	d.mu.Lock()
	d.send = send
	d.mu.Unlock()
}

// consoleModel is the Bubble Tea model of the console.
type consoleModel struct {
	env   *environment
	mgr   *lifecycle.Manager
	input textinput.Model

	readouts map[string]string
	rows     int
	last     protocol.TelemetryFrame
	events   []string
	busy     string
	quitting bool
}

func newConsoleModel(env *environment, mgr *lifecycle.Manager) consoleModel {
	ti := textinput.New()
	ti.Placeholder = "help: connect, on, strike, stop, v 300, f 45, af off, quit"
	ti.CharLimit = 128
	ti.Width = 60
	ti.Focus()

	return consoleModel{
		env:      env,
		mgr:      mgr,
		input:    ti,
		readouts: make(map[string]string),
	}
}

func (m consoleModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.operation("connect", m.env.connect))
}

// operation runs op off the UI goroutine.
func (m consoleModel) operation(what string, op func() error) tea.Cmd {
	return func() tea.Msg {
		return opResultMsg{what: what, err: op()}
	}
}

func (m consoleModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			m.quitting = true
			return m, tea.Quit
		case tea.KeyEnter:
			line := m.input.Value()
			m.input.SetValue("")
			return m.execute(line)
		}

	case showMsg:
		m.readouts[msg.label] = msg.value
		return m, nil

	case plotMsg:
		m.rows += msg.rows
		m.last = msg.last
		return m, nil

	case opResultMsg:
		m.busy = ""
		if msg.err != nil {
			m.addEvent(fmt.Sprintf("✗ %s: %v", msg.what, msg.err))
		} else {
			m.addEvent("✓ " + msg.what)
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m consoleModel) execute(line string) (tea.Model, tea.Cmd) {
	if strings.TrimSpace(line) == "" {
		return m, nil
	}
	c, err := parseCommand(line)
	if err != nil {
		m.addEvent("✗ " + err.Error())
		return m, nil
	}
	if c.name == "quit" {
		m.quitting = true
		return m, tea.Quit
	}
	if m.busy != "" {
		m.addEvent(fmt.Sprintf("✗ %s: still running %s", c.name, m.busy))
		return m, nil
	}

	var op func() error
	switch c.name {
	case "connect":
		op = m.env.connect
	case "on":
		op = m.mgr.PowerOn
	case "off":
		op = m.mgr.PowerOff
	case "strike":
		m.rows = 0
		opts := lifecycle.StrikeOptions{Logging: c.path != "", LogPath: c.path}
		op = func() error { return m.mgr.StrikePlasma(opts) }
	case "stop":
		op = m.mgr.StopPlasma
	case "shutdown":
		op = m.mgr.ShutdownSystem
	case "v":
		if err := m.env.ctrl.CheckVoltage(c.value); err != nil {
			m.addEvent("✗ " + err.Error())
			return m, nil
		}
		op = func() error { return m.mgr.SetVoltage(c.value) }
	case "f":
		if err := m.env.ctrl.CheckFrequency(c.value); err != nil {
			m.addEvent("✗ " + err.Error())
			return m, nil
		}
		op = func() error { return m.mgr.SetFrequency(c.value) }
	case "af":
		op = func() error { return m.mgr.SetAutoFrequency(c.on) }
	case "av":
		op = func() error { return m.mgr.SetAutoVoltage(c.on) }
	}

	m.busy = strings.TrimSpace(line)
	return m, m.operation(m.busy, op)
}

func (m *consoleModel) addEvent(e string) {
	m.events = append(m.events, time.Now().Format("15:04:05 ")+e)
	if len(m.events) > maxConsoleEvents {
		m.events = m.events[len(m.events)-maxConsoleEvents:]
	}
}

func (m consoleModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)
	labelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)
	valueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))
	offStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))
	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)
	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	led := func(label string) string {
		if m.readouts[label] == acquisition.FormatLED(true) {
			return valueStyle.Render("●")
		}
		return offStyle.Render("○")
	}
	value := func(label, unit string) string {
		v, ok := m.readouts[label]
		if !ok {
			return offStyle.Render("-")
		}
		return valueStyle.Render(v + unit)
	}

	st := m.mgr.State()
	var s strings.Builder
	s.WriteString(titleStyle.Render("PLASMA DRIVER"))
	s.WriteString("\n\n")

	status := fmt.Sprintf("%s %s  %s %s  %s %s",
		led(acquisition.LabelSystem), labelStyle.Render("System"),
		led(acquisition.LabelPlasma), labelStyle.Render("Plasma"),
		labelStyle.Render("Phase:"), valueStyle.Render(m.mgr.Phase().String()),
	)
	if !st.Initialized {
		status += "  " + errorStyle.Render("not connected")
	}
	if m.mgr.Undefined() {
		status += "\n" + errorStyle.Render(lifecycle.ErrUndefinedState.Error())
	}

	supplies := fmt.Sprintf("%s %s   %s %s   %s %s",
		labelStyle.Render("3.3V:"), value(acquisition.LabelV3_3, "V"),
		labelStyle.Render("15V:"), value(acquisition.LabelV15, "V"),
		labelStyle.Render("HV:"), value(acquisition.LabelVHV, "V"),
	)
	setpoints := fmt.Sprintf("%s %s %s   %s %s %s   %s %s",
		labelStyle.Render("f:"), value(acquisition.LabelFrequency, " kHz"), autoTag(st.AutoFrequency, offStyle),
		labelStyle.Render("Vset:"), value(acquisition.LabelVoltage, " V"), autoTag(st.AutoVoltage, offStyle),
		labelStyle.Render("Dead time:"), value(acquisition.LabelDeadtime, "%"),
	)
	rows := fmt.Sprintf("%s %s", labelStyle.Render("Rows:"), valueStyle.Render(fmt.Sprintf("%d", m.rows)))
	if m.rows > 0 {
		rows += fmt.Sprintf("   %s %s   %s %s",
			labelStyle.Render("Vpla:"), valueStyle.Render(fmt.Sprintf("%.1f", m.last.PlasmaVoltage())),
			labelStyle.Render("Ibr:"), valueStyle.Render(fmt.Sprintf("%.2f", m.last.BridgeCurrent)),
		)
	}

	s.WriteString(boxStyle.Render(strings.Join([]string{status, supplies, setpoints, rows}, "\n")))
	s.WriteString("\n\n")

	for _, e := range m.events {
		if strings.Contains(e, "✗") {
			s.WriteString(errorStyle.Render(e))
		} else {
			s.WriteString(e)
		}
		s.WriteString("\n")
	}
	if m.busy != "" {
		s.WriteString(offStyle.Render("… " + m.busy))
		s.WriteString("\n")
	}
	s.WriteString("\n")
	s.WriteString(m.input.View())
	s.WriteString("\n")
	return s.String()
}

func autoTag(on bool, style lipgloss.Style) string {
	if on {
		return style.Render("(auto)")
	}
	return style.Render("(manual)")
}

func runConsole(cmd *cobra.Command, args []string) error {
	env, err := newEnvironment(currentFlags())
	if err != nil {
		return err
	}
	// keep log output off the terminal UI unless it goes to a file
	if env.cfg.Log.Output != "file" {
		env.log.SetOutput(io.Discard)
	}

	display := &teaDisplay{}
	mgr := env.manager(display)

	p := tea.NewProgram(newConsoleModel(env, mgr), tea.WithAltScreen())
	display.attach(p.Send)

	_, runErr := p.Run()
	display.attach(nil)

	fmt.Println("Shutting down...")
	return errors.Join(runErr, env.close(mgr))
}
