package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable_EveryOpDefined(t *testing.T) {
	seen := map[string]Op{}
	for op := Op(0); op < opCount; op++ {
		e := table[op]
		assert.NotEmpty(t, e.name, "op %d has no name", op)
		assert.NotEmpty(t, e.prefix, "op %d has no prefix", op)
		if prev, ok := seen[e.prefix]; ok && !e.arg {
			t.Errorf("ops %v and %v share prefix %q", prev, op, e.prefix)
		}
		seen[e.prefix] = op
	}
	assert.Equal(t, "op(99)", Op(99).String())
}

func TestCommand_Wire(t *testing.T) {
	tests := []struct {
		cmd   Command
		wire  string
		shape Shape
	}{
		{Handshake(), "~", ShapeAny},
		{QuerySupply(Rail3V3), "p?3.3", ShapeSwitch},
		{QuerySupply(Rail15V), "p?15", ShapeSwitch},
		{QuerySupply(RailHV), "p?hv", ShapeSwitch},
		{ToggleLowVoltage(), "p!lv", ShapeSwitch},
		{ToggleHighVoltage(), "p!hv", ShapeSwitch},
		{SetFrequency(45000), "f!45000", ShapeAck},
		{QueryFrequency(), "f?", ShapeNumber},
		{SetVoltage(300), "v!300", ShapeNone},
		{QueryVoltage(), "v?", ShapeText},
		{SetAutoFrequency(true), "mf1", ShapeEcho},
		{SetAutoFrequency(false), "mf0", ShapeEcho},
		{SetAutoVoltage(true), "mv1", ShapeEcho},
		{SetAutoVoltage(false), "mv0", ShapeEcho},
		{SetLogging(true), "l1", ShapeNone},
		{SetLogging(false), "l0", ShapeNone},
		{Strike(), "s!", ShapeNone},
		{Stop(), "q", ShapeNone},
		{Shutdown(), "z", ShapeNone},
		{QueryLogHeader(), "lh", ShapeText},
		{QueryLogBlock(), "l?", ShapeBlock},
		{QuerySupplies(), "p?a", ShapeTriple},
		{QueryPlasma(), "s?", ShapeSwitch},
		{QueryDeadtime(), "d?", ShapeNumber},
	}

	for _, tt := range tests {
		t.Run(tt.wire, func(t *testing.T) {
			assert.Equal(t, tt.wire, tt.cmd.Wire())
			assert.Equal(t, tt.shape, tt.cmd.Shape())
		})
	}
}

func TestCommand_String(t *testing.T) {
	assert.Equal(t, "set frequency (f!45000)", SetFrequency(45000).String())
	assert.Equal(t, "HV", RailHV.String())
	assert.Equal(t, "block", ShapeBlock.String())
}

func TestKHzToHz(t *testing.T) {
	tests := []struct {
		khz  float64
		want int
	}{
		{45, 45000},
		{45.0004, 45000},
		{45.0006, 45001},
		{20, 20000},
		{64.9999, 65000},
		{33.3333, 33333},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, KHzToHz(tt.khz), "%v kHz", tt.khz)
	}
}

func TestParseSwitch(t *testing.T) {
	on, err := ParseSwitch([]byte("on"))
	require.NoError(t, err)
	assert.True(t, on)

	on, err = ParseSwitch([]byte(" off\r"))
	require.NoError(t, err)
	assert.False(t, on)

	_, err = ParseSwitch([]byte("1"))
	assert.True(t, errors.Is(err, ErrUnexpectedReply))
}

func TestParseEcho(t *testing.T) {
	v, err := ParseEcho([]byte("1"))
	require.NoError(t, err)
	assert.True(t, v)

	v, err = ParseEcho([]byte("0"))
	require.NoError(t, err)
	assert.False(t, v)

	_, err = ParseEcho([]byte("ok"))
	assert.True(t, errors.Is(err, ErrUnexpectedReply))
}

func TestParseNumber(t *testing.T) {
	n, err := ParseNumber([]byte("45000"))
	require.NoError(t, err)
	assert.Equal(t, 45000, n)

	_, err = ParseNumber([]byte("fast"))
	assert.True(t, errors.Is(err, ErrUnexpectedReply))
}

func TestIsAck(t *testing.T) {
	assert.True(t, IsAck([]byte("ok")))
	assert.True(t, IsAck([]byte("ok\r")))
	assert.False(t, IsAck([]byte("err")))
	assert.False(t, IsAck(nil))
}

func TestParseSupplies(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  SupplyReadout
	}{
		{"commas", "3300,15000,500000", SupplyReadout{3.3, 15, 500}},
		{"padded", "   3300,  15000, 500000", SupplyReadout{3.3, 15, 500}},
		{"spaces", "3300 15000 500000", SupplyReadout{3.3, 15, 500}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSupplies([]byte(tt.reply))
			require.NoError(t, err)
			assert.InDelta(t, tt.want.V3_3, got.V3_3, 1e-9)
			assert.InDelta(t, tt.want.V15, got.V15, 1e-9)
			assert.InDelta(t, tt.want.VHV, got.VHV, 1e-9)
		})
	}
}

func TestParseSupplies_WrongFieldCount(t *testing.T) {
	for _, reply := range []string{"3300,15000", "3300,15000,500000,1", "", "a,b,c"} {
		_, err := ParseSupplies([]byte(reply))
		var perr *TelemetryParseError
		assert.True(t, errors.As(err, &perr), "reply %q", reply)
	}
}

const sampleRow = "12.50,45000,1,0.125000,210.500000,-209.250000,11.000000,-10.500000, 3, 46000.000000, 44000.000000"

func TestParseFrame(t *testing.T) {
	f, err := ParseFrame(sampleRow)
	require.NoError(t, err)

	assert.Equal(t, 12.5, f.Time)
	assert.Equal(t, 45000, f.FreqHz)
	assert.Equal(t, 1, f.DeadtimePct)
	assert.Equal(t, 0.125, f.BridgeCurrent)
	assert.Equal(t, 3, f.TimStatus)
	assert.Equal(t, 46000.0, f.UpperBound)
	assert.Equal(t, 44000.0, f.LowerBound)
	assert.InDelta(t, 419.75, f.PlasmaVoltage(), 1e-9)
}

func TestParseFrame_Malformed(t *testing.T) {
	_, err := ParseFrame("1,2,3")
	var perr *TelemetryParseError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "log row", perr.What)

	_, err = ParseFrame("x,45000,1,0.1,1,1,1,1,1,1,1")
	assert.True(t, errors.As(err, &perr))
}

func TestParseBlock(t *testing.T) {
	block := LogHeader + "\n\r" + sampleRow + "\n\r" + "garbage\n\r" + sampleRow + "\n\r#"

	frames, err := ParseBlock([]byte(block))
	assert.Len(t, frames, 2)
	var perr *TelemetryParseError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "garbage", perr.Input)

	frames, err = ParseBlock([]byte(sampleRow + "\n\r"))
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, 0.0, frames[0].Elapsed(frames[0]))
}

func TestIsHeader(t *testing.T) {
	assert.True(t, IsHeader(LogHeader))
	assert.False(t, IsHeader(sampleRow))
}
