// Package telemetry keeps a time-windowed trace of the driver's log rows for
// display.
package telemetry

import (
	"sync"
	"time"

	"github.com/itohio/goplasma/pkg/acquisition"
	"github.com/itohio/goplasma/pkg/config"
	"github.com/itohio/goplasma/pkg/protocol"
)

// Point is one plotted log row.
type Point struct {
	Elapsed time.Duration // since the first row of the session
	Plasma  float64       // VplaL1 - VplaL2
	Current float64       // bridge current
	FreqHz  int
}

// UpdateFunc receives a copy of the trace after each batch of rows.
type UpdateFunc func(points []Point)

// Trace is a FIFO of points, trimmed by elapsed time rather than by count.
// Oldest point first.
type Trace struct {
	window time.Duration

	mu      sync.RWMutex
	points  []Point
	started bool
	anchor  float64 // device time of elapsed zero, µs
	lastRaw float64

	callbacks []UpdateFunc
	cbMu      sync.RWMutex
}

// New creates an empty trace using the configured plot window.
func New(cfg config.AcquisitionConfig) *Trace {
	window := cfg.PlotWindow
	if window <= 0 {
		window = config.Default().Acquisition.PlotWindow
	}
	return &Trace{
		window: window,
		points: make([]Point, 0, 256),
	}
}

// Window returns the trace length in elapsed time.
func (t *Trace) Window() time.Duration {
	return t.window
}

// Plot appends a batch of rows and notifies subscribers.
func (t *Trace) Plot(rows []protocol.TelemetryFrame) {
	if len(rows) == 0 {
		return
	}

	t.mu.Lock()
	for _, row := range rows {
		t.add(row)
	}
	t.trim()
	t.mu.Unlock()

	t.notifyCallbacks()
}

// Reset clears the trace for a new session.
func (t *Trace) Reset() {
	t.mu.Lock()
	t.points = t.points[:0]
	t.started = false
	t.anchor = 0
	t.lastRaw = 0
	t.mu.Unlock()
}

// add converts a row. A device clock that runs backwards (micros() wrap or a
// device reset) is re-anchored so elapsed time keeps increasing.
func (t *Trace) add(row protocol.TelemetryFrame) {
	switch {
	case !t.started:
		t.started = true
		t.anchor = row.Time
	case row.Time < t.lastRaw:
		t.anchor = row.Time - (t.lastRaw - t.anchor)
	}
	t.lastRaw = row.Time

	t.points = append(t.points, Point{
		Elapsed: time.Duration((row.Time - t.anchor) * float64(time.Microsecond)),
		Plasma:  row.PlasmaVoltage(),
		Current: row.BridgeCurrent,
		FreqHz:  row.FreqHz,
	})
}

func (t *Trace) trim() {
	if len(t.points) == 0 {
		return
	}
	cutoff := t.points[len(t.points)-1].Elapsed - t.window
	i := 0
	for i < len(t.points) && t.points[i].Elapsed < cutoff {
		i++
	}
	if i > 0 {
		t.points = append(t.points[:0], t.points[i:]...)
	}
}

// Points returns a copy of the trace.
func (t *Trace) Points() []Point {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]Point, len(t.points))
	copy(result, t.points)
	return result
}

// OnUpdate registers a callback. Callbacks run on the plotting goroutine and
// should return quickly.
func (t *Trace) OnUpdate(cb UpdateFunc) {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	t.callbacks = append(t.callbacks, cb)
}

func (t *Trace) notifyCallbacks() {
	points := t.Points()

	t.cbMu.RLock()
	callbacks := make([]UpdateFunc, len(t.callbacks))
	copy(callbacks, t.callbacks)
	t.cbMu.RUnlock()

	for _, cb := range callbacks {
		if cb != nil {
			cb(points)
		}
	}
}

// Downsample decimates points to at most maxPoints, reusing dst when it has
// the capacity.
func Downsample(dst []Point, points []Point, maxPoints int) []Point {
	if maxPoints <= 0 || len(points) <= maxPoints {
		if cap(dst) >= len(points) {
			dst = dst[:len(points)]
			copy(dst, points)
			return dst
		}
		result := make([]Point, len(points))
		copy(result, points)
		return result
	}

	if cap(dst) >= maxPoints {
		dst = dst[:0]
	} else {
		dst = make([]Point, 0, maxPoints)
	}

	step := float64(len(points)) / float64(maxPoints)
	for i := range maxPoints {
		idx := int(float64(i) * step)
		if idx < len(points) {
			dst = append(dst, points[idx])
		}
	}
	return dst
}

// Display forwards readouts to OnShow and rows to the trace. Either side may
// be nil.
type Display struct {
	Trace  *Trace
	OnShow func(label, value string)
}

var _ acquisition.Display = (*Display)(nil)

func (d *Display) Show(label, value string) {
	if d.OnShow != nil {
		d.OnShow(label, value)
	}
}

func (d *Display) Plot(rows []protocol.TelemetryFrame) {
	if d.Trace != nil {
		d.Trace.Plot(rows)
	}
}
