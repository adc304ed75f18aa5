package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/itohio/goplasma/pkg/acquisition"
	"github.com/itohio/goplasma/pkg/lifecycle"
	"github.com/itohio/goplasma/pkg/protocol"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	runDuration    time.Duration
	runLogFile     string
	runVoltage     float64
	runFrequency   float64
	runAutoFreq    bool
	runAutoVoltage bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Strike the plasma for a fixed duration",
	Long: `Power the driver, strike the plasma, record telemetry for the given
duration and shut everything down again. Ctrl-C stops early.

Manual set-points are only needed where the matching auto mode is off:
  plasmactl run --duration 30s --log-file run.csv
  plasmactl run --auto-frequency=false --frequency 45 --voltage 300`,
	RunE: runHeadless,
}

func init() {
	runCmd.Flags().DurationVarP(&runDuration, "duration", "d", 10*time.Second, "How long to keep the plasma on")
	runCmd.Flags().StringVarP(&runLogFile, "log-file", "o", "", "Write the telemetry log to this CSV file")
	runCmd.Flags().Float64Var(&runVoltage, "voltage", 0, "Manual voltage set-point (V)")
	runCmd.Flags().Float64Var(&runFrequency, "frequency", 0, "Manual frequency (kHz)")
	runCmd.Flags().BoolVar(&runAutoFreq, "auto-frequency", true, "Let the driver track the resonance frequency")
	runCmd.Flags().BoolVar(&runAutoVoltage, "auto-voltage", false, "Let the driver regulate the voltage")
	rootCmd.AddCommand(runCmd)
}

// runOptions are the run command's settings.
type runOptions struct {
	duration    time.Duration
	logFile     string
	voltage     float64
	frequency   float64
	autoFreq    bool
	autoVoltage bool
}

// logDisplay reports readouts through the logger and counts plotted rows.
type logDisplay struct {
	log logrus.FieldLogger

	mu   sync.Mutex
	rows int
	last protocol.TelemetryFrame
}

var _ acquisition.Display = (*logDisplay)(nil)

func (d *logDisplay) Show(label, value string) {
	d.log.WithField(label, value).Debug("Readout")
}

func (d *logDisplay) Plot(rows []protocol.TelemetryFrame) {
	if len(rows) == 0 {
		return
	}
	d.mu.Lock()
	d.rows += len(rows)
	d.last = rows[len(rows)-1]
	d.mu.Unlock()
}

func (d *logDisplay) summary() (int, protocol.TelemetryFrame) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rows, d.last
}

func runHeadless(cmd *cobra.Command, args []string) error {
	env, err := newEnvironment(currentFlags())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return runSession(ctx, env, runOptions{
		duration:    runDuration,
		logFile:     runLogFile,
		voltage:     runVoltage,
		frequency:   runFrequency,
		autoFreq:    runAutoFreq,
		autoVoltage: runAutoVoltage,
	})
}

// runSession strikes the plasma for opts.duration or until ctx is done. The
// system is always shut down before returning.
func runSession(ctx context.Context, env *environment, opts runOptions) (err error) {
	display := &logDisplay{log: env.log.WithField("component", "run")}
	mgr := env.manager(display)
	defer func() {
		if cerr := env.close(mgr); cerr != nil {
			env.log.WithError(cerr).Warn("Shutdown incomplete")
			if err == nil {
				err = cerr
			}
		}
	}()

	if err := env.connect(); err != nil {
		return err
	}
	if err := mgr.PowerOn(); err != nil {
		return err
	}

	if opts.frequency > 0 {
		if err := mgr.SetFrequency(opts.frequency); err != nil {
			return err
		}
	}
	if err := mgr.SetAutoFrequency(opts.autoFreq); err != nil {
		return err
	}
	if opts.voltage > 0 {
		if err := mgr.SetVoltage(opts.voltage); err != nil {
			return err
		}
	}
	if err := mgr.SetAutoVoltage(opts.autoVoltage); err != nil {
		return err
	}

	if err := mgr.StrikePlasma(lifecycle.StrikeOptions{Logging: opts.logFile != "", LogPath: opts.logFile}); err != nil {
		return err
	}
	sess := mgr.Session()

	timer := time.NewTimer(opts.duration)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		env.log.Info("Interrupted")
	}

	if err := mgr.StopPlasma(); err != nil {
		return err
	}

	rows, last := display.summary()
	fields := logrus.Fields{"rows": rows}
	if sess != nil {
		fields["bytes"] = sess.Written()
	}
	if opts.logFile != "" {
		fields["log"] = opts.logFile
	}
	if rows > 0 {
		fields["last_freq_khz"] = acquisition.FormatKHz(last.FreqHz)
		fields["last_vpla"] = fmt.Sprintf("%.1f", last.PlasmaVoltage())
	}
	env.log.WithFields(fields).Info("Run finished")
	return nil
}
