// internal/scpi/commands.go
package scpi

import (
	"fmt"

	"meter-bridge/internal/model"
)

// SCPI_COMMANDS contains the fixed command and query strings the
// bridge exchanges with OWON XDM-family meters
var SCPI_COMMANDS = struct {
	// Queries
	IDENTITY    string
	MEASUREMENT string
	FUNCTION    string

	// System commands
	RESET       string
	REMOTE_LOCK string
	LOCAL_MODE  string
	BEEPER_ON   string
	BEEPER_OFF  string
}{
	IDENTITY:    "*IDN?",
	MEASUREMENT: "MEAS?",
	FUNCTION:    "FUNC?",

	RESET:       "*RST",
	REMOTE_LOCK: "SYST:REM",
	LOCAL_MODE:  "SYST:LOC",
	BEEPER_ON:   "SYST:BEEP:STATe ON",
	BEEPER_OFF:  "SYST:BEEP:STATe OFF",
}

// Rate is a sampling rate setting
type Rate string

const (
	RateSlow   Rate = "S"
	RateMedium Rate = "M"
	RateFast   Rate = "F"
)

// IsValidRate checks a rate setting
func IsValidRate(r Rate) bool {
	return r == RateSlow || r == RateMedium || r == RateFast
}

// RateCommand builds the sampling rate command
func RateCommand(r Rate) string {
	return fmt.Sprintf("RATE %s", r)
}

// BeeperCommand builds the beeper state command
func BeeperCommand(enabled bool) string {
	if enabled {
		return SCPI_COMMANDS.BEEPER_ON
	}
	return SCPI_COMMANDS.BEEPER_OFF
}

// ContThresholdCommand builds the continuity threshold command (ohms)
func ContThresholdCommand(ohms int) string {
	return fmt.Sprintf("CONT:THREshold %d", ohms)
}

// DiodeThresholdCommand builds the diode threshold command (volts)
func DiodeThresholdCommand(volts float64) string {
	return fmt.Sprintf("DIOD:THREshold %g", volts)
}

// RangeOption is one selectable range of a measurement function
type RangeOption struct {
	Label string // human-readable, e.g. "500mV"
	Arg   string // wire argument, e.g. "500E-3"
}

// ConfigTable describes the CONF command and range options of one mode
type ConfigTable struct {
	Command string
	Ranges  []RangeOption
}

// configTables corresponds to the OWON XDM1041 function configuration
// commands and their documented range arguments.
var configTables = map[model.Mode]ConfigTable{
	model.ModeVoltageDC: {
		Command: "CONF:VOLT:DC",
		Ranges: []RangeOption{
			{model.RangeAuto, "AUTO"},
			{"50mV", "50E-3"},
			{"500mV", "500E-3"},
			{"5V", "5"},
			{"50V", "50"},
			{"500V", "500"},
			{"1000V", "1000"},
		},
	},
	model.ModeVoltageAC: {
		Command: "CONF:VOLT:AC",
		Ranges: []RangeOption{
			{model.RangeAuto, "AUTO"},
			{"500mV", "500E-3"},
			{"5V", "5"},
			{"50V", "50"},
			{"500V", "500"},
			{"750V", "750"},
		},
	},
	model.ModeCurrentDC: {
		Command: "CONF:CURR:DC",
		Ranges: []RangeOption{
			{model.RangeAuto, "AUTO"},
			{"500uA", "500E-6"},
			{"5mA", "5E-3"},
			{"50mA", "50E-3"},
			{"500mA", "500E-3"},
			{"5A", "5"},
			{"10A", "10"},
		},
	},
	model.ModeCurrentAC: {
		Command: "CONF:CURR:AC",
		Ranges: []RangeOption{
			{model.RangeAuto, "AUTO"},
			{"500uA", "500E-6"},
			{"5mA", "5E-3"},
			{"50mA", "50E-3"},
			{"500mA", "500E-3"},
			{"5A", "5"},
			{"10A", "10"},
		},
	},
	model.ModeResistance2W: {
		Command: "CONF:RES",
		Ranges: []RangeOption{
			{model.RangeAuto, "AUTO"},
			{"500Ohm", "500"},
			{"5kOhm", "5E3"},
			{"50kOhm", "50E3"},
			{"500kOhm", "500E3"},
			{"5MOhm", "5E6"},
			{"50MOhm", "50E6"},
		},
	},
	model.ModeResistance4W: {
		Command: "CONF:FRES",
		Ranges: []RangeOption{
			{model.RangeAuto, "AUTO"},
			{"500Ohm", "500"},
			{"5kOhm", "5E3"},
			{"50kOhm", "50E3"},
		},
	},
	model.ModeCapacitance: {
		Command: "CONF:CAP",
		Ranges: []RangeOption{
			{model.RangeAuto, "AUTO"},
			{"50nF", "50E-9"},
			{"500nF", "500E-9"},
			{"5uF", "5E-6"},
			{"50uF", "50E-6"},
			{"500uF", "500E-6"},
			{"5mF", "5E-3"},
			{"50mF", "50E-3"},
		},
	},
	model.ModeFrequency: {
		Command: "CONF:FREQ",
		Ranges:  []RangeOption{{model.RangeAuto, "AUTO"}},
	},
	model.ModePeriod: {
		Command: "CONF:PER",
		Ranges:  []RangeOption{{model.RangeAuto, "AUTO"}},
	},
	model.ModeDutyCycle: {
		Command: "CONF:FREQ:DCYC",
		Ranges:  []RangeOption{{model.RangeAuto, "AUTO"}},
	},
	model.ModeContinuity: {
		Command: "CONF:CONT",
		Ranges:  []RangeOption{},
	},
	model.ModeDiode: {
		Command: "CONF:DIOD",
		Ranges:  []RangeOption{},
	},
	model.ModeTemperature: {
		Command: "CONF:TEMP:RTD",
		Ranges: []RangeOption{
			{"PT100", "PT100"},
			{"K-type", "KITS90"},
		},
	},
}

// ConfigTableFor returns the configuration table for a mode
func ConfigTableFor(mode model.Mode) (ConfigTable, bool) {
	t, ok := configTables[mode]
	return t, ok
}

// ModeCommand builds the function configuration command for a mode
// with no explicit range argument
func ModeCommand(mode model.Mode) (string, error) {
	t, ok := configTables[mode]
	if !ok {
		return "", fmt.Errorf("mode %s has no configuration command", mode)
	}
	return t.Command, nil
}

// RangeCommand builds the function configuration command that selects
// the named range. The label must be one of the mode's table entries.
func RangeCommand(mode model.Mode, rangeLabel string) (string, error) {
	t, ok := configTables[mode]
	if !ok {
		return "", fmt.Errorf("mode %s has no configuration command", mode)
	}
	for _, opt := range t.Ranges {
		if opt.Label == rangeLabel {
			return fmt.Sprintf("%s %s", t.Command, opt.Arg), nil
		}
	}
	return "", fmt.Errorf("mode %s has no range %q", mode, rangeLabel)
}
