// internal/model/meter.go
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Mode represents the measurement function the meter is operating in
type Mode string

const (
	ModeVoltageDC    Mode = "DCV"
	ModeVoltageAC    Mode = "ACV"
	ModeCurrentDC    Mode = "DCI"
	ModeCurrentAC    Mode = "ACI"
	ModeResistance2W Mode = "RES_2W"
	ModeResistance4W Mode = "RES_4W"
	ModeCapacitance  Mode = "CAP"
	ModeFrequency    Mode = "FREQ"
	ModePeriod       Mode = "PERIOD"
	ModeDutyCycle    Mode = "DUTY_CYCLE"
	ModeContinuity   Mode = "CONTINUITY"
	ModeDiode        Mode = "DIODE"
	ModeTemperature  Mode = "TEMP"

	// ModeDiodeContAmbiguous is reported when the firmware version is
	// unknown and the diode/continuity identifier remap cannot be decided.
	ModeDiodeContAmbiguous Mode = "DIODE_OR_CONTINUITY"
)

// Unit represents the physical unit of a measurement
type Unit string

const (
	UnitVolt    Unit = "V"
	UnitAmpere  Unit = "A"
	UnitOhm     Unit = "Ohm"
	UnitFarad   Unit = "F"
	UnitHertz   Unit = "Hz"
	UnitSecond  Unit = "s"
	UnitPercent Unit = "%"
	UnitCelsius Unit = "degC"
	UnitNone    Unit = ""
)

// modeUnits maps each mode to the unit its readings carry.
var modeUnits = map[Mode]Unit{
	ModeVoltageDC:          UnitVolt,
	ModeVoltageAC:          UnitVolt,
	ModeCurrentDC:          UnitAmpere,
	ModeCurrentAC:          UnitAmpere,
	ModeResistance2W:       UnitOhm,
	ModeResistance4W:       UnitOhm,
	ModeCapacitance:        UnitFarad,
	ModeFrequency:          UnitHertz,
	ModePeriod:             UnitSecond,
	ModeDutyCycle:          UnitPercent,
	ModeContinuity:         UnitOhm,
	ModeDiode:              UnitVolt,
	ModeTemperature:        UnitCelsius,
	ModeDiodeContAmbiguous: UnitNone,
}

// UnitFor returns the unit readings carry in the given mode
func UnitFor(mode Mode) Unit {
	if u, ok := modeUnits[mode]; ok {
		return u
	}
	return UnitNone
}

// IsValidMode checks whether a mode belongs to the closed enumeration
func IsValidMode(mode Mode) bool {
	_, ok := modeUnits[mode]
	return ok
}

// RangeAuto is the range label for auto-ranging
const RangeAuto = "auto"

// ConnectionState represents the device state machine state
type ConnectionState string

const (
	StateDisconnected ConnectionState = "DISCONNECTED"
	StateConnecting   ConnectionState = "CONNECTING"
	StateSyncing      ConnectionState = "SYNCING"
	StateReady        ConnectionState = "READY"
)

// Measurement is a single reading taken from the instrument.
// Timestamp is captured with time.Now and therefore carries both the
// wall clock and the monotonic clock reading. Overflow readings carry
// no numeric value.
type Measurement struct {
	Value     float64   `json:"value"`
	Overflow  bool      `json:"overflow"`
	Unit      Unit      `json:"unit"`
	Mode      Mode      `json:"mode"`
	Range     string    `json:"range"`
	Timestamp time.Time `json:"timestamp"`
}

// DecimalValue renders the reading as an exact decimal, avoiding float
// formatting artifacts in recorded output
func (m *Measurement) DecimalValue() decimal.Decimal {
	return decimal.NewFromFloat(m.Value)
}

// Snapshot is the authoritative view of the instrument state. It is
// owned by the device state machine; consumers always receive copies.
type Snapshot struct {
	State           ConnectionState `json:"state"`
	Port            string          `json:"port,omitempty"`
	Mode            Mode            `json:"mode"`
	Range           string          `json:"range"`
	Rate            string          `json:"rate"`
	BeeperEnabled   bool            `json:"beeper_enabled"`
	ContThreshold   int             `json:"cont_threshold"`
	DiodeThreshold  float64         `json:"diode_threshold"`
	RemoteLock      bool            `json:"remote_lock"`
	Manufacturer    string          `json:"manufacturer,omitempty"`
	Model           string          `json:"model,omitempty"`
	SerialNumber    string          `json:"serial_number,omitempty"`
	FirmwareVersion string          `json:"firmware_version,omitempty"`
	QuirkActive     bool            `json:"quirk_active"`
	LastError       string          `json:"last_error,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// IsConnected reports whether the snapshot belongs to an open session
func (s *Snapshot) IsConnected() bool {
	return s.State == StateSyncing || s.State == StateReady
}

// Record is the structured row handed to recording sinks.
type Record struct {
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	Mode      Mode      `json:"mode"`
	Range     string    `json:"range"`
	Value     float64   `json:"value"`
	Overflow  bool      `json:"overflow"`
	Unit      Unit      `json:"unit"`
}

// ValueString renders the recorded value for delimited-text output,
// using OVERFLOW for out-of-range readings instead of a sentinel number
func (r *Record) ValueString() string {
	if r.Overflow {
		return "OVERFLOW"
	}
	return decimal.NewFromFloat(r.Value).String()
}

// NewRecord builds a record from a measurement
func NewRecord(index int, m *Measurement) Record {
	return Record{
		Index:     index,
		Timestamp: m.Timestamp,
		Mode:      m.Mode,
		Range:     m.Range,
		Value:     m.Value,
		Overflow:  m.Overflow,
		Unit:      m.Unit,
	}
}
