package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnexpectedReply is returned when a reply does not have the expected shape.
var ErrUnexpectedReply = errors.New("unexpected reply")

// TelemetryParseError reports a readout or log row with the wrong shape. The
// acquisition loop discards such ticks.
type TelemetryParseError struct {
	What  string
	Input string
	Err   error
}

func (e *TelemetryParseError) Error() string {
	return fmt.Sprintf("malformed %s %q: %v", e.What, e.Input, e.Err)
}

func (e *TelemetryParseError) Unwrap() error {
	return e.Err
}

func unexpected(shape Shape, reply []byte) error {
	return fmt.Errorf("%w: want %s, got %q", ErrUnexpectedReply, shape, reply)
}

func clean(reply []byte) string {
	return strings.TrimSpace(string(reply))
}

// ParseSwitch decodes an "on"/"off" reply.
func ParseSwitch(reply []byte) (bool, error) {
	switch clean(reply) {
	case "on":
		return true, nil
	case "off":
		return false, nil
	default:
		return false, unexpected(ShapeSwitch, reply)
	}
}

// IsAck reports whether the reply is the "ok" acknowledgement.
func IsAck(reply []byte) bool {
	return clean(reply) == "ok"
}

// ParseEcho decodes a "0"/"1" echo.
func ParseEcho(reply []byte) (bool, error) {
	switch clean(reply) {
	case "1":
		return true, nil
	case "0":
		return false, nil
	default:
		return false, unexpected(ShapeEcho, reply)
	}
}

// ParseNumber decodes a decimal integer reply.
func ParseNumber(reply []byte) (int, error) {
	n, err := strconv.Atoi(clean(reply))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", unexpected(ShapeNumber, reply), err)
	}
	return n, nil
}

// SupplyReadout holds the measured supply voltages in volts.
type SupplyReadout struct {
	V3_3 float64
	V15  float64
	VHV  float64
}

func isDelimiter(r rune) bool {
	return r == ',' || r == ' ' || r == '\t' || r == '\r' || r == '\n'
}

// ParseSupplies decodes the ADC supply triple. The driver reports millivolts as
// three comma or space delimited fields; any other field count is a parse error.
func ParseSupplies(reply []byte) (SupplyReadout, error) {
	fields := strings.FieldsFunc(string(reply), isDelimiter)
	if len(fields) != 3 {
		return SupplyReadout{}, &TelemetryParseError{
			What:  "supply readout",
			Input: string(reply),
			Err:   fmt.Errorf("expected 3 fields, got %d", len(fields)),
		}
	}

	var mv [3]float64
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return SupplyReadout{}, &TelemetryParseError{What: "supply readout", Input: string(reply), Err: err}
		}
		mv[i] = v
	}

	return SupplyReadout{
		V3_3: mv[0] / 1000,
		V15:  mv[1] / 1000,
		VHV:  mv[2] / 1000,
	}, nil
}
