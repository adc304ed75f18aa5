package acquisition

import (
	"fmt"

	"github.com/itohio/goplasma/pkg/protocol"
)

// Labels published to a Display.
const (
	LabelV3_3      = "v3_3"
	LabelV15       = "v15"
	LabelVHV       = "v_hv"
	LabelFrequency = "freq_khz"
	LabelSystem    = "system"
	LabelPlasma    = "plasma"
	LabelVoltage   = "voltage"
	LabelDeadtime  = "deadtime_pct"
)

// Display receives readouts and telemetry rows. It never calls back into the core.
type Display interface {
	Show(label, value string)
	Plot(rows []protocol.TelemetryFrame)
}

// NopDisplay discards everything.
type NopDisplay struct{}

func (NopDisplay) Show(string, string) {}

func (NopDisplay) Plot([]protocol.TelemetryFrame) {}

// FormatVolts renders a supply readout value.
func FormatVolts(v float64) string {
	return fmt.Sprintf("%.1f", v)
}

// FormatKHz renders a frequency in Hz as kHz.
func FormatKHz(hz int) string {
	return fmt.Sprintf("%.3f", float64(hz)/1000)
}

// FormatLED renders an on/off indicator.
func FormatLED(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
