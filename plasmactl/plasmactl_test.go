package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/itohio/goplasma/pkg/driver"
	"github.com/itohio/goplasma/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockEnv(t *testing.T) *environment {
	t.Helper()
	env, err := newEnvironment(flags{
		configPath: filepath.Join(t.TempDir(), "missing.yaml"),
		mock:       true,
		logLevel:   "error",
	})
	require.NoError(t, err)
	env.cfg.Serial.CharDelay = 0
	env.cfg.Serial.ReadTimeout = 2 * time.Millisecond
	return env
}

func TestNewEnvironment_Overrides(t *testing.T) {
	dir := t.TempDir()
	env, err := newEnvironment(flags{
		configPath: filepath.Join(dir, "missing.yaml"),
		port:       "/dev/ttyUSB7",
		logLevel:   "debug",
	})
	require.NoError(t, err)
	t.Cleanup(func() { env.close(nil) })

	assert.Equal(t, "/dev/ttyUSB7", env.cfg.Serial.Port)
	assert.Equal(t, env.cfg.Limits, env.ctrl.Limits())
	assert.Equal(t, "debug", env.log.GetLevel().String())
	assert.False(t, env.cfg.Metrics.Enabled)
	assert.Nil(t, env.server)
	assert.Equal(t, int64(0), env.linkStats().Commands)
}

func TestNewEnvironment_BadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("serial: [not a map"), 0644))

	_, err := newEnvironment(flags{configPath: path})
	assert.Error(t, err)
}

func TestRunSession_Mock(t *testing.T) {
	env := newMockEnv(t)
	path := filepath.Join(t.TempDir(), "run.csv")

	err := runSession(context.Background(), env, runOptions{
		duration: 200 * time.Millisecond,
		logFile:  path,
		voltage:  250,
		autoFreq: true,
	})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), protocol.LogHeader))

	assert.False(t, env.ctrl.Snapshot().Initialized, "controller released on exit")
	assert.Greater(t, env.linkStats().Commands, int64(0))
	assert.Equal(t, 0.0, testutil.ToFloat64(env.metrics.SessionActive))
}

func TestRunSession_Interrupted(t *testing.T) {
	env := newMockEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := runSession(ctx, env, runOptions{duration: time.Hour, voltage: 250, autoFreq: true})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRunSession_ManualFrequencyRequired(t *testing.T) {
	env := newMockEnv(t)

	err := runSession(context.Background(), env, runOptions{duration: time.Millisecond, voltage: 250, autoFreq: false})
	assert.True(t, driver.IsPrecondition(err), "auto-frequency off needs a manual frequency")
	assert.False(t, env.ctrl.Snapshot().Initialized)
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line    string
		want    consoleCommand
		wantErr bool
	}{
		{line: "on", want: consoleCommand{name: "on"}},
		{line: "  STOP ", want: consoleCommand{name: "stop"}},
		{line: "exit", want: consoleCommand{name: "quit"}},
		{line: "strike", want: consoleCommand{name: "strike"}},
		{line: "strike /tmp/run.csv", want: consoleCommand{name: "strike", path: "/tmp/run.csv"}},
		{line: "v 300", want: consoleCommand{name: "v", value: 300}},
		{line: "f 45,5", want: consoleCommand{name: "f", value: 45.5}},
		{line: "af off", want: consoleCommand{name: "af"}},
		{line: "av on", want: consoleCommand{name: "av", on: true}},
		{line: "", wantErr: true},
		{line: "on now", wantErr: true},
		{line: "v", wantErr: true},
		{line: "v abc", wantErr: true},
		{line: "af maybe", wantErr: true},
		{line: "strike a b", wantErr: true},
		{line: "ignite", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := parseCommand(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseNumber(t *testing.T) {
	v, err := parseNumber(" 45,25 ")
	require.NoError(t, err)
	assert.Equal(t, 45.25, v)

	_, err = parseNumber("")
	assert.Error(t, err)
	_, err = parseNumber("x1")
	assert.Error(t, err)
}

func TestTeaDisplay(t *testing.T) {
	var msgs []any
	d := &teaDisplay{}

	d.Show("v15", "15.0") // not attached yet
	d.attach(func(m tea.Msg) { msgs = append(msgs, m) })

	d.Show("v15", "15.0")
	d.Plot([]protocol.TelemetryFrame{{FreqHz: 1}, {FreqHz: 2}})
	d.Plot([]protocol.TelemetryFrame{{FreqHz: 3}}) // coalesced

	require.Len(t, msgs, 2)
	assert.Equal(t, showMsg{label: "v15", value: "15.0"}, msgs[0])
	assert.Equal(t, plotMsg{rows: 2, last: protocol.TelemetryFrame{FreqHz: 2}}, msgs[1])
}

func TestLogDisplay(t *testing.T) {
	env := newMockEnv(t)
	d := &logDisplay{log: env.log}

	d.Show("v15", "15.0")
	d.Plot(nil)
	d.Plot([]protocol.TelemetryFrame{{FreqHz: 1}, {FreqHz: 2}})

	rows, last := d.summary()
	assert.Equal(t, 2, rows)
	assert.Equal(t, 2, last.FreqHz)
}
