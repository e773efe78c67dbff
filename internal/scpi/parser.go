// internal/scpi/parser.go
package scpi

import (
	"fmt"
	"strconv"
	"time"

	"meter-bridge/internal/model"
	"meter-bridge/internal/quirk"
)

// overloadCode is the raw value the meter reports for an out-of-range
// resistance, continuity or diode reading. It must never surface as a
// numeric measurement.
const overloadCode = 1e9

// overloadModes are the modes in which the overload code applies. The
// ambiguous diode-or-continuity mode is included because both of its
// candidates are overload modes.
var overloadModes = map[model.Mode]bool{
	model.ModeResistance2W:       true,
	model.ModeResistance4W:       true,
	model.ModeContinuity:         true,
	model.ModeDiode:              true,
	model.ModeDiodeContAmbiguous: true,
}

// functionModes maps FUNC? readback identifiers to raw modes, before
// any quirk resolution.
var functionModes = map[string]model.Mode{
	"VOLT":    model.ModeVoltageDC,
	"VOLT AC": model.ModeVoltageAC,
	"CURR":    model.ModeCurrentDC,
	"CURR AC": model.ModeCurrentAC,
	"RES":     model.ModeResistance2W,
	"FRES":    model.ModeResistance4W,
	"CAP":     model.ModeCapacitance,
	"FREQ":    model.ModeFrequency,
	"PER":     model.ModePeriod,
	"DCYC":    model.ModeDutyCycle,
	"DIOD":    model.ModeDiode,
	"CONT":    model.ModeContinuity,
	"TEMP":    model.ModeTemperature,
}

// QueryKind identifies which outstanding query a frame answers. The
// protocol is strictly sequential, so the caller always knows this.
type QueryKind int

const (
	QueryNone QueryKind = iota
	QueryIdentity
	QueryMeasurement
	QueryFunction
)

func (q QueryKind) String() string {
	switch q {
	case QueryIdentity:
		return "identity"
	case QueryMeasurement:
		return "measurement"
	case QueryFunction:
		return "function"
	default:
		return "none"
	}
}

// Identity holds the parsed *IDN? response
type Identity struct {
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	SerialNumber string `json:"serial_number"`
	Firmware     string `json:"firmware"`
}

// ParseError is a field-level semantic failure. It discards only the
// failing field's update; the rest of the snapshot is left unchanged.
type ParseError struct {
	Query QueryKind
	Raw   string
	Msg   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("scpi: %s response %q: %s", e.Query, e.Raw, e.Msg)
}

// UpdateKind identifies what a parsed frame updates
type UpdateKind int

const (
	UpdateIdentity UpdateKind = iota
	UpdateMode
	UpdateMeasurement
)

// Update is the typed result of parsing one response frame
type Update struct {
	Kind        UpdateKind
	Identity    *Identity
	Mode        model.Mode
	Measurement *model.Measurement
}

// Parse maps a decoded token to a typed update. Parsing is pure: it
// reads the snapshot for context (current mode and range) and never
// mutates it.
func Parse(query QueryKind, tok RawToken, snap *model.Snapshot, policy quirk.RemapPolicy) (Update, error) {
	switch query {
	case QueryIdentity:
		return parseIdentity(tok)
	case QueryFunction:
		return parseFunction(tok, policy)
	case QueryMeasurement:
		return parseMeasurement(tok, snap)
	default:
		return Update{}, &ParseError{Query: query, Raw: tok.Raw, Msg: "no outstanding query"}
	}
}

func parseIdentity(tok RawToken) (Update, error) {
	if len(tok.Fields) < 4 {
		return Update{}, &ParseError{Query: QueryIdentity, Raw: tok.Raw, Msg: "want 4 comma-separated fields"}
	}
	return Update{
		Kind: UpdateIdentity,
		Identity: &Identity{
			Manufacturer: tok.Fields[0],
			Model:        tok.Fields[1],
			SerialNumber: tok.Fields[2],
			Firmware:     tok.Fields[3],
		},
	}, nil
}

func parseFunction(tok RawToken, policy quirk.RemapPolicy) (Update, error) {
	raw, ok := functionModes[tok.Raw]
	if !ok {
		return Update{}, &ParseError{Query: QueryFunction, Raw: tok.Raw, Msg: "unknown function identifier"}
	}
	return Update{Kind: UpdateMode, Mode: policy.Resolve(raw)}, nil
}

func parseMeasurement(tok RawToken, snap *model.Snapshot) (Update, error) {
	value, err := strconv.ParseFloat(tok.Raw, 64)
	if err != nil {
		return Update{}, &ParseError{Query: QueryMeasurement, Raw: tok.Raw, Msg: "not a numeric reading"}
	}

	m := &model.Measurement{
		Mode:      snap.Mode,
		Unit:      model.UnitFor(snap.Mode),
		Range:     snap.Range,
		Timestamp: time.Now(),
	}
	if value == overloadCode && overloadModes[snap.Mode] {
		m.Overflow = true
	} else {
		m.Value = value
	}

	return Update{Kind: UpdateMeasurement, Measurement: m}, nil
}
