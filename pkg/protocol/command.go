// Package protocol encodes requests for the plasma driver's remote-control UART
// and decodes its replies. It performs no I/O.
package protocol

import (
	"fmt"
	"math"
	"strconv"
)

// Op enumerates every command the driver understands.
type Op int

const (
	OpHandshake Op = iota
	OpQuery3V3
	OpQuery15V
	OpQueryHV
	OpToggleLowVoltage
	OpToggleHighVoltage
	OpSetFrequency
	OpQueryFrequency
	OpSetVoltage
	OpQueryVoltage
	OpSetAutoFrequency
	OpSetAutoVoltage
	OpSetLogging
	OpStrike
	OpStop
	OpShutdown
	OpQueryLogHeader
	OpQueryLogBlock
	OpQuerySupplies
	OpQueryPlasma
	OpQueryDeadtime

	opCount
)

// Shape is the expected form of a reply.
type Shape int

const (
	ShapeNone   Shape = iota // nothing is read back
	ShapeAny                 // any non-empty line
	ShapeSwitch              // "on" / "off"
	ShapeAck                 // "ok"
	ShapeEcho                // "0" / "1"
	ShapeNumber              // decimal integer
	ShapeText                // free text line
	ShapeTriple              // three delimited numbers
	ShapeBlock               // raw bytes up to the '#' sentinel
)

func (s Shape) String() string {
	switch s {
	case ShapeNone:
		return "none"
	case ShapeAny:
		return "any"
	case ShapeSwitch:
		return "switch"
	case ShapeAck:
		return "ack"
	case ShapeEcho:
		return "echo"
	case ShapeNumber:
		return "number"
	case ShapeText:
		return "text"
	case ShapeTriple:
		return "triple"
	case ShapeBlock:
		return "block"
	default:
		return fmt.Sprintf("shape(%d)", int(s))
	}
}

type entry struct {
	name   string
	prefix string
	shape  Shape
	arg    bool
}

// table is indexed by Op. Ops with arg set append their integer argument to prefix.
var table = [opCount]entry{
	OpHandshake:         {"handshake", "~", ShapeAny, false},
	OpQuery3V3:          {"query 3.3V supply", "p?3.3", ShapeSwitch, false},
	OpQuery15V:          {"query 15V supply", "p?15", ShapeSwitch, false},
	OpQueryHV:           {"query high-voltage supply", "p?hv", ShapeSwitch, false},
	OpToggleLowVoltage:  {"toggle low-voltage rails", "p!lv", ShapeSwitch, false},
	OpToggleHighVoltage: {"toggle high-voltage rail", "p!hv", ShapeSwitch, false},
	OpSetFrequency:      {"set frequency", "f!", ShapeAck, true},
	OpQueryFrequency:    {"query frequency", "f?", ShapeNumber, false},
	OpSetVoltage:        {"set voltage", "v!", ShapeNone, true},
	OpQueryVoltage:      {"query voltage", "v?", ShapeText, false},
	OpSetAutoFrequency:  {"set auto-frequency", "mf", ShapeEcho, true},
	OpSetAutoVoltage:    {"set auto-voltage", "mv", ShapeEcho, true},
	OpSetLogging:        {"set logging", "l", ShapeNone, true},
	OpStrike:            {"strike plasma", "s!", ShapeNone, false},
	OpStop:              {"stop plasma", "q", ShapeNone, false},
	OpShutdown:          {"shutdown", "z", ShapeNone, false},
	OpQueryLogHeader:    {"query log header", "lh", ShapeText, false},
	OpQueryLogBlock:     {"query log block", "l?", ShapeBlock, false},
	OpQuerySupplies:     {"query supply voltages", "p?a", ShapeTriple, false},
	OpQueryPlasma:       {"query plasma", "s?", ShapeSwitch, false},
	OpQueryDeadtime:     {"query dead time", "d?", ShapeNumber, false},
}

func (o Op) String() string {
	if o < 0 || o >= opCount {
		return fmt.Sprintf("op(%d)", int(o))
	}
	return table[o].name
}

// Command is one encoded request.
type Command struct {
	Op  Op
	Arg int
}

// Wire returns the command text without the '\r' terminator.
func (c Command) Wire() string {
	e := table[c.Op]
	if !e.arg {
		return e.prefix
	}
	return e.prefix + strconv.Itoa(c.Arg)
}

// Shape returns the reply shape the command expects.
func (c Command) Shape() Shape {
	return table[c.Op].shape
}

func (c Command) String() string {
	return fmt.Sprintf("%s (%s)", c.Op, c.Wire())
}

// Rail identifies a queryable supply output.
type Rail int

const (
	Rail3V3 Rail = iota
	Rail15V
	RailHV
)

func (r Rail) String() string {
	switch r {
	case Rail3V3:
		return "3.3V"
	case Rail15V:
		return "15V"
	case RailHV:
		return "HV"
	default:
		return fmt.Sprintf("rail(%d)", int(r))
	}
}

func flag(enable bool) int {
	if enable {
		return 1
	}
	return 0
}

func Handshake() Command         { return Command{Op: OpHandshake} }
func ToggleLowVoltage() Command  { return Command{Op: OpToggleLowVoltage} }
func ToggleHighVoltage() Command { return Command{Op: OpToggleHighVoltage} }
func QueryFrequency() Command    { return Command{Op: OpQueryFrequency} }
func QueryVoltage() Command      { return Command{Op: OpQueryVoltage} }
func Strike() Command            { return Command{Op: OpStrike} }
func Stop() Command              { return Command{Op: OpStop} }
func Shutdown() Command          { return Command{Op: OpShutdown} }
func QueryLogHeader() Command    { return Command{Op: OpQueryLogHeader} }
func QueryLogBlock() Command     { return Command{Op: OpQueryLogBlock} }
func QuerySupplies() Command     { return Command{Op: OpQuerySupplies} }
func QueryPlasma() Command       { return Command{Op: OpQueryPlasma} }
func QueryDeadtime() Command     { return Command{Op: OpQueryDeadtime} }

// QuerySupply asks whether a rail is on.
func QuerySupply(r Rail) Command {
	switch r {
	case Rail15V:
		return Command{Op: OpQuery15V}
	case RailHV:
		return Command{Op: OpQueryHV}
	default:
		return Command{Op: OpQuery3V3}
	}
}

// SetFrequency sets the H-bridge frequency. The wire carries whole Hz.
func SetFrequency(hz int) Command { return Command{Op: OpSetFrequency, Arg: hz} }

// SetVoltage sets the voltage set-point in whole volts.
func SetVoltage(volts int) Command { return Command{Op: OpSetVoltage, Arg: volts} }

func SetAutoFrequency(enable bool) Command {
	return Command{Op: OpSetAutoFrequency, Arg: flag(enable)}
}

func SetAutoVoltage(enable bool) Command {
	return Command{Op: OpSetAutoVoltage, Arg: flag(enable)}
}

func SetLogging(enable bool) Command {
	return Command{Op: OpSetLogging, Arg: flag(enable)}
}

// KHzToHz converts a kHz set-point to the nearest whole Hz.
func KHzToHz(khz float64) int {
	return int(math.Round(khz * 1000))
}
