// Package acquisition polls the device while plasma is active. Three tasks
// share one clock: supply readout, frequency readout and telemetry logging.
package acquisition

import (
	"time"

	"github.com/itohio/goplasma/pkg/config"
	"github.com/itohio/goplasma/pkg/driver"
	"github.com/itohio/goplasma/pkg/logging"
	"github.com/itohio/goplasma/pkg/protocol"
	"github.com/sirupsen/logrus"
)

// Device is the read-only part of the controller the scheduler uses.
type Device interface {
	QuerySupplies() (protocol.SupplyReadout, error)
	QueryFrequency() (int, error)
	QueryLogHeader() ([]byte, error)
	QueryLogBlock() ([]byte, error)
	Snapshot() driver.State
}

var _ Device = (*driver.Controller)(nil)

// deadline tracks when a periodic task runs next. Deadlines advance by whole
// periods from the session start so task latency does not accumulate. A
// deadline missed by more than a period is re-anchored to now instead of
// being caught up with a burst of runs.
type deadline struct {
	period time.Duration
	next   time.Time
}

func (d *deadline) due(now time.Time) bool {
	return !now.Before(d.next)
}

// advance schedules the following run and reports whether runs were skipped.
func (d *deadline) advance(now time.Time) bool {
	d.next = d.next.Add(d.period)
	if d.next.Before(now) {
		d.next = now.Add(d.period)
		return true
	}
	return false
}

type task struct {
	name    string
	enabled func() bool
	run     func(sess *Session)
	deadline
}

// Scheduler runs the acquisition tasks for one session at a time.
type Scheduler struct {
	dev     Device
	display Display
	cfg     config.AcquisitionConfig
	metrics *Metrics
	log     logrus.FieldLogger

	now  func() time.Time
	wait func(d time.Duration, cancel <-chan struct{})
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMetrics records task activity.
func WithMetrics(m *Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// WithClock replaces the wall clock and the cancellable wait between ticks.
func WithClock(now func() time.Time, wait func(d time.Duration, cancel <-chan struct{})) Option {
	return func(s *Scheduler) {
		s.now = now
		s.wait = wait
	}
}

// NewScheduler creates a scheduler.
func NewScheduler(dev Device, display Display, cfg config.AcquisitionConfig, log logrus.FieldLogger, opts ...Option) *Scheduler {
	if display == nil {
		display = NopDisplay{}
	}
	def := config.Default().Acquisition
	if cfg.SupplyPeriod <= 0 {
		cfg.SupplyPeriod = def.SupplyPeriod
	}
	if cfg.FrequencyPeriod <= 0 {
		cfg.FrequencyPeriod = def.FrequencyPeriod
	}
	if cfg.LogPeriod <= 0 {
		cfg.LogPeriod = def.LogPeriod
	}
	s := &Scheduler{
		dev:     dev,
		display: display,
		cfg:     cfg,
		metrics: NewMetrics(nil),
		log:     logging.Or(log).WithField("component", "acquisition"),
		now:     time.Now,
		wait:    sleepOrCancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func sleepOrCancel(d time.Duration, cancel <-chan struct{}) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-cancel:
	}
}

// Run blocks until sess is cancelled. Polling starts once the session is
// ignited. The sink is flushed and closed before Run returns. Run never stops
// the device.
func (s *Scheduler) Run(sess *Session) {
	defer sess.finish()

	select {
	case <-sess.Ignited():
	case <-sess.Done():
		s.log.Debug("Session cancelled before ignition")
		return
	}

	s.metrics.SessionActive.Set(1)
	defer s.metrics.SessionActive.Set(0)

	if header, err := s.dev.QueryLogHeader(); err != nil {
		s.log.Debugf("Log header unavailable: %v", err)
	} else if err := sess.write(append(header, '\n')); err != nil {
		s.log.Debugf("Log header not written: %v", err)
	}

	start := s.now()
	tasks := []*task{
		{name: "supply", run: s.readSupplies, deadline: deadline{period: s.cfg.SupplyPeriod, next: start}},
		{name: "frequency", run: s.readFrequency, enabled: s.autoFrequency, deadline: deadline{period: s.cfg.FrequencyPeriod, next: start}},
		{name: "log", run: s.readLog, deadline: deadline{period: s.cfg.LogPeriod, next: start}},
	}

	s.log.Info("Acquisition started")
	for !sess.Cancelled() {
		for _, t := range tasks {
			if sess.Cancelled() {
				break
			}
			if !t.due(s.now()) {
				continue
			}
			if t.enabled == nil || t.enabled() {
				t.run(sess)
				s.metrics.Ticks.WithLabelValues(t.name).Inc()
			}
			if t.advance(s.now()) {
				s.metrics.Overruns.WithLabelValues(t.name).Inc()
			}
		}

		next := tasks[0].next
		for _, t := range tasks[1:] {
			if t.next.Before(next) {
				next = t.next
			}
		}
		s.wait(next.Sub(s.now()), sess.Done())
	}
	s.log.WithField("bytes", sess.Written()).Info("Acquisition stopped")
}

func (s *Scheduler) autoFrequency() bool {
	return s.dev.Snapshot().AutoFrequency
}

// readSupplies publishes the supply triple. Malformed or missing replies leave
// the readouts untouched.
func (s *Scheduler) readSupplies(*Session) {
	r, err := s.dev.QuerySupplies()
	if err != nil {
		s.metrics.SupplyDiscarded.Inc()
		s.log.Debugf("Supply readout discarded: %v", err)
		return
	}
	s.display.Show(LabelV3_3, FormatVolts(r.V3_3))
	s.display.Show(LabelV15, FormatVolts(r.V15))
	s.display.Show(LabelVHV, FormatVolts(r.VHV))
}

func (s *Scheduler) readFrequency(*Session) {
	hz, err := s.dev.QueryFrequency()
	if err != nil {
		s.log.Debugf("Frequency readout skipped: %v", err)
		return
	}
	s.display.Show(LabelFrequency, FormatKHz(hz))
}

// readLog appends the newest block to the sink as received and plots its
// rows. Failures are counted and skipped.
func (s *Scheduler) readLog(sess *Session) {
	start := s.now()
	block, err := s.dev.QueryLogBlock()
	s.metrics.LogBlockDuration.Observe(s.now().Sub(start).Seconds())
	if err != nil {
		s.metrics.LogFailures.Inc()
		s.log.Debugf("Log block skipped: %v", err)
		if len(block) == 0 {
			return
		}
	}

	if err := sess.write(block); err != nil {
		s.metrics.LogFailures.Inc()
		s.log.Debugf("Log block not written: %v", err)
	} else {
		s.metrics.LogBytes.Add(float64(len(block)))
	}

	rows, err := protocol.ParseBlock(block)
	if err != nil {
		s.log.Debugf("Dropped malformed rows: %v", err)
	}
	if len(rows) > 0 {
		s.metrics.LogRows.Add(float64(len(rows)))
		s.display.Plot(rows)
	}
}
