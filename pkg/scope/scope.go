// Package scope is a Fyne widget plotting the plasma voltage and bridge
// current of the running session.
package scope

import (
	"image/color"
	"sync"
	"time"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/canvas"
	"fyne.io/fyne/v2/widget"
	"github.com/itohio/goplasma/pkg/telemetry"
)

// ScopeWidget draws the telemetry trace oscilloscope style. Plasma voltage
// uses the left axis, bridge current the right one.
type ScopeWidget struct {
	widget.BaseWidget

	window time.Duration

	mu      sync.RWMutex
	display []telemetry.Point // downsampled, reused between updates

	voltage    axis
	current    axis
	xMin, xMax time.Duration

	maxDisplayPoints int
}

// New creates a scope showing at least window of elapsed time and drawing at
// most maxPoints points.
func New(window time.Duration, maxPoints int) *ScopeWidget {
	if window <= 0 {
		window = 10 * time.Second
	}
	if maxPoints <= 0 {
		maxPoints = 1000
	}
	s := &ScopeWidget{
		window:           window,
		display:          make([]telemetry.Point, 0, maxPoints),
		maxDisplayPoints: maxPoints,
	}
	s.updateAutoScale()
	s.ExtendBaseWidget(s)
	s.Refresh()
	return s
}

// UpdateData replaces the plotted points. Call it through fyne.Do from
// trace callbacks.
func (s *ScopeWidget) UpdateData(points []telemetry.Point) {
	s.mu.Lock()
	s.display = telemetry.Downsample(s.display, points, s.maxDisplayPoints)
	s.updateAutoScale()
	s.mu.Unlock()

	s.Refresh()
}

// Clear drops all points.
func (s *ScopeWidget) Clear() {
	s.UpdateData(nil)
}

func (s *ScopeWidget) updateAutoScale() {
	s.voltage = fitAxis(s.display, func(p telemetry.Point) float64 { return p.Plasma })
	s.current = fitAxis(s.display, func(p telemetry.Point) float64 { return p.Current })

	s.xMin, s.xMax = 0, s.window
	if n := len(s.display); n > 0 {
		s.xMin = s.display[0].Elapsed
		s.xMax = max(s.xMin+s.window, s.display[n-1].Elapsed)
	}
}

// CreateRenderer creates the widget renderer.
func (s *ScopeWidget) CreateRenderer() fyne.WidgetRenderer {
	bg := canvas.NewRectangle(color.RGBA{R: 20, G: 20, B: 20, A: 255})
	return &scopeRenderer{
		scope:   s,
		bg:      bg,
		objects: []fyne.CanvasObject{bg},
	}
}
