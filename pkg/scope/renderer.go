package scope

import (
	"fmt"
	"image/color"
	"time"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/canvas"
	"github.com/chewxy/math32"
	"github.com/itohio/goplasma/pkg/telemetry"
)

var (
	colorGrid    = color.RGBA{R: 40, G: 40, B: 40, A: 255}
	colorLabel   = color.RGBA{R: 150, G: 150, B: 150, A: 255}
	colorVoltage = color.RGBA{R: 255, G: 165, B: 0, A: 255}
	colorCurrent = color.RGBA{R: 100, G: 200, B: 255, A: 255}
)

const (
	marginLeft   = float32(60)
	marginRight  = float32(60)
	marginTop    = float32(20)
	marginBottom = float32(40)

	hDivisions = 8
	vDivisions = 10
)

// axis is a value range mapped onto the plot height.
type axis struct {
	min, max float64
}

// fitAxis returns the range of value over points with a 10% margin. An empty
// or flat series gets a unit range.
func fitAxis(points []telemetry.Point, value func(telemetry.Point) float64) axis {
	if len(points) == 0 {
		return axis{min: 0, max: 1}
	}
	lo, hi := value(points[0]), value(points[0])
	for _, p := range points[1:] {
		v := value(p)
		lo = min(lo, v)
		hi = max(hi, v)
	}
	span := hi - lo
	if span == 0 {
		span = 1
	}
	margin := span * 0.1
	return axis{min: lo - margin, max: hi + margin}
}

// plot is the drawing area inside the margins.
type plot struct {
	x, y, w, h float32
	xMin, xMax time.Duration
}

func newPlot(size fyne.Size, xMin, xMax time.Duration) plot {
	return plot{
		x:    marginLeft,
		y:    marginTop,
		w:    math32.Max(size.Width-marginLeft-marginRight, 1),
		h:    math32.Max(size.Height-marginTop-marginBottom, 1),
		xMin: xMin,
		xMax: xMax,
	}
}

// project maps an elapsed time and a value on a to widget coordinates.
func (p plot) project(elapsed time.Duration, v float64, a axis) fyne.Position {
	span := float32((p.xMax - p.xMin).Seconds())
	if span <= 0 {
		span = 1
	}
	fx := float32((elapsed - p.xMin).Seconds()) / span
	fy := float32((v - a.min) / (a.max - a.min))
	return fyne.NewPos(p.x+clamp01(fx)*p.w, p.y+p.h-clamp01(fy)*p.h)
}

func clamp01(v float32) float32 {
	return math32.Min(math32.Max(v, 0), 1)
}

// scopeRenderer renders the scope widget.
type scopeRenderer struct {
	scope   *ScopeWidget
	bg      *canvas.Rectangle
	objects []fyne.CanvasObject

	lastSize fyne.Size
}

func (r *scopeRenderer) MinSize() fyne.Size {
	return fyne.NewSize(400, 300)
}

func (r *scopeRenderer) Layout(size fyne.Size) {
	r.bg.Resize(size)
	if r.lastSize != size {
		r.lastSize = size
		r.scope.BaseWidget.Refresh()
	}
}

func (r *scopeRenderer) Refresh() {
	r.scope.mu.RLock()
	points := r.scope.display
	voltage := r.scope.voltage
	current := r.scope.current
	xMin, xMax := r.scope.xMin, r.scope.xMax
	r.scope.mu.RUnlock()

	size := r.scope.Size()
	if size.Width == 0 || size.Height == 0 {
		return
	}

	r.objects = []fyne.CanvasObject{r.bg}
	p := newPlot(size, xMin, xMax)

	r.drawGrid(p, voltage, current)
	r.drawSeries(p, points, voltage, colorVoltage, 1.5, func(pt telemetry.Point) float64 { return pt.Plasma })
	r.drawSeries(p, points, current, colorCurrent, 1.5, func(pt telemetry.Point) float64 { return pt.Current })
	r.drawLegend(p)
}

func (r *scopeRenderer) drawGrid(p plot, voltage, current axis) {
	for i := range hDivisions + 1 {
		y := p.y + float32(i)*p.h/hDivisions
		r.line(fyne.NewPos(p.x, y), fyne.NewPos(p.x+p.w, y), colorGrid, 1)

		frac := float64(i) / hDivisions
		left := r.text(formatValue(voltage.max-frac*(voltage.max-voltage.min), "V"), colorVoltage, fyne.TextAlignTrailing)
		left.Move(fyne.NewPos(p.x-5, y-6))
		right := r.text(formatValue(current.max-frac*(current.max-current.min), "A"), colorCurrent, fyne.TextAlignLeading)
		right.Move(fyne.NewPos(p.x+p.w+5, y-6))
	}

	span := p.xMax - p.xMin
	for i := range vDivisions + 1 {
		x := p.x + float32(i)*p.w/vDivisions
		r.line(fyne.NewPos(x, p.y), fyne.NewPos(x, p.y+p.h), colorGrid, 1)

		offset := time.Duration(float64(span) * float64(i) / vDivisions)
		label := r.text(formatTime(p.xMin+offset), colorLabel, fyne.TextAlignCenter)
		label.Move(fyne.NewPos(x-20, p.y+p.h+5))
	}
}

func (r *scopeRenderer) drawSeries(p plot, points []telemetry.Point, a axis, c color.Color, width float32, value func(telemetry.Point) float64) {
	if len(points) < 2 {
		return
	}
	prev := p.project(points[0].Elapsed, value(points[0]), a)
	for _, pt := range points[1:] {
		next := p.project(pt.Elapsed, value(pt), a)
		r.line(prev, next, c, width)
		prev = next
	}
}

func (r *scopeRenderer) drawLegend(p plot) {
	v := r.text("Vpla", colorVoltage, fyne.TextAlignLeading)
	v.Move(fyne.NewPos(p.x+10, p.y+5))
	i := r.text("Ibridge", colorCurrent, fyne.TextAlignLeading)
	i.Move(fyne.NewPos(p.x+50, p.y+5))
}

func (r *scopeRenderer) line(a, b fyne.Position, c color.Color, width float32) {
	l := canvas.NewLine(c)
	l.Position1 = a
	l.Position2 = b
	l.StrokeWidth = width
	r.objects = append(r.objects, l)
}

func (r *scopeRenderer) text(s string, c color.Color, align fyne.TextAlign) *canvas.Text {
	t := canvas.NewText(s, c)
	t.TextSize = 10
	t.Alignment = align
	r.objects = append(r.objects, t)
	return t
}

func (r *scopeRenderer) Objects() []fyne.CanvasObject {
	return r.objects
}

func (r *scopeRenderer) Destroy() {}

// formatValue renders v with a precision that suits its magnitude.
func formatValue(v float64, unit string) string {
	a := math32.Abs(float32(v))
	switch {
	case a < 1e-3:
		return "0" + unit
	case a >= 100:
		return fmt.Sprintf("%.0f%s", v, unit)
	case a >= 10:
		return fmt.Sprintf("%.1f%s", v, unit)
	default:
		return fmt.Sprintf("%.2f%s", v, unit)
	}
}

func formatTime(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}
