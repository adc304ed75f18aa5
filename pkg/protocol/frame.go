package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// FrameFields is the number of comma separated values in a log row.
const FrameFields = 11

// LogHeader is the CSV header the driver reports for its log rows.
const LogHeader = "Time(us),Freq (Hz),Deadtime (%),Bridge I,VplaL1,VplaL2,VbriS1,VbriS2,TIM1 status,upper freq calc point, lower freq calc point"

// TelemetryFrame is one log row.
type TelemetryFrame struct {
	Time          float64
	FreqHz        int
	DeadtimePct   int
	BridgeCurrent float64
	VPlaL1        float64
	VPlaL2        float64
	VBriS1        float64
	VBriS2        float64
	TimStatus     int
	UpperBound    float64
	LowerBound    float64
}

// PlasmaVoltage returns the differential plasma voltage.
func (f TelemetryFrame) PlasmaVoltage() float64 {
	return f.VPlaL1 - f.VPlaL2
}

// Elapsed returns the time of f relative to first, in the row's time unit.
func (f TelemetryFrame) Elapsed(first TelemetryFrame) float64 {
	return f.Time - first.Time
}

// ParseFrame parses one CSV log row.
func ParseFrame(line string) (TelemetryFrame, error) {
	parts := strings.Split(strings.TrimSpace(line), ",")
	if len(parts) != FrameFields {
		return TelemetryFrame{}, &TelemetryParseError{
			What:  "log row",
			Input: line,
			Err:   fmt.Errorf("expected %d comma-separated values, got %d", FrameFields, len(parts)),
		}
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	var (
		f    TelemetryFrame
		errs []error
	)
	float := func(i int, dst *float64) {
		v, err := strconv.ParseFloat(parts[i], 64)
		if err != nil {
			errs = append(errs, err)
			return
		}
		*dst = v
	}
	integer := func(i int, dst *int) {
		v, err := strconv.Atoi(parts[i])
		if err != nil {
			errs = append(errs, err)
			return
		}
		*dst = v
	}

	float(0, &f.Time)
	integer(1, &f.FreqHz)
	integer(2, &f.DeadtimePct)
	float(3, &f.BridgeCurrent)
	float(4, &f.VPlaL1)
	float(5, &f.VPlaL2)
	float(6, &f.VBriS1)
	float(7, &f.VBriS2)
	integer(8, &f.TimStatus)
	float(9, &f.UpperBound)
	float(10, &f.LowerBound)

	if len(errs) > 0 {
		return TelemetryFrame{}, &TelemetryParseError{What: "log row", Input: line, Err: errors.Join(errs...)}
	}
	return f, nil
}

// ParseBlock parses every row of a log block. Blank lines and header lines are
// skipped. Rows that fail to parse are dropped and reported together in the
// returned error; the rows that did parse are returned regardless.
func ParseBlock(block []byte) ([]TelemetryFrame, error) {
	block = bytes.TrimSuffix(block, []byte{'#'})

	var (
		frames []TelemetryFrame
		errs   []error
	)
	for _, line := range strings.Split(string(block), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || IsHeader(line) {
			continue
		}
		f, err := ParseFrame(line)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		frames = append(frames, f)
	}
	return frames, errors.Join(errs...)
}

// IsHeader reports whether line is a CSV header rather than a data row.
func IsHeader(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), "Time")
}
