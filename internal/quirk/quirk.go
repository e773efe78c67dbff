// internal/quirk/quirk.go
package quirk

import (
	"fmt"
	"strconv"
	"strings"

	"meter-bridge/internal/model"
)

// XDM1041 and XDM1241 firmware below 4.3.0 swaps the DIOD and CONT
// identifiers in FUNC? readbacks. The swap was fixed in 4.3.0.
var swapFixedIn = Version{Major: 4, Minor: 3, Patch: 0}

// Models known to carry the swapped identifiers on old firmware.
var affectedModels = map[string]bool{
	"XDM1041": true,
	"XDM1241": true,
}

// Version is a parsed firmware version used only as a comparison key
type Version struct {
	Major int
	Minor int
	Patch int
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Less reports whether v precedes o
func (v Version) Less(o Version) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	if v.Minor != o.Minor {
		return v.Minor < o.Minor
	}
	return v.Patch < o.Patch
}

// ParseVersion parses a firmware version string such as "V4.2.1" or
// "4.3.0". Anything that does not yield a three-part numeric version
// is an error; callers fall back to the configured fail-safe policy.
func ParseVersion(s string) (Version, error) {
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "V"))
	parts := strings.Split(s, ".")
	if len(parts) < 3 {
		return Version{}, fmt.Errorf("firmware version %q: want major.minor.patch", s)
	}

	var v Version
	var err error
	if v.Major, err = strconv.Atoi(parts[0]); err != nil {
		return Version{}, fmt.Errorf("firmware version %q: bad major: %w", s, err)
	}
	if v.Minor, err = strconv.Atoi(parts[1]); err != nil {
		return Version{}, fmt.Errorf("firmware version %q: bad minor: %w", s, err)
	}
	if v.Patch, err = strconv.Atoi(parts[2]); err != nil {
		return Version{}, fmt.Errorf("firmware version %q: bad patch: %w", s, err)
	}

	return v, nil
}

// RemapPolicy decides how raw diode/continuity identifiers map to
// semantic modes for a given firmware
type RemapPolicy int

const (
	// PolicyPassThrough leaves readback identifiers unchanged.
	PolicyPassThrough RemapPolicy = iota
	// PolicySwapDiodeContinuity remaps DIOD to continuity and CONT to diode.
	PolicySwapDiodeContinuity
	// PolicyAmbiguous reports both identifiers as the ambiguous mode.
	PolicyAmbiguous
)

func (p RemapPolicy) String() string {
	switch p {
	case PolicySwapDiodeContinuity:
		return "swap"
	case PolicyAmbiguous:
		return "ambiguous"
	default:
		return "pass-through"
	}
}

// Options controls the fail-safe branch taken when the firmware
// version cannot be determined
type Options struct {
	// AssumeSwapWhenUnknown treats unknown firmware as pre-fix firmware.
	AssumeSwapWhenUnknown bool
	// ReportAmbiguous surfaces the ambiguous mode instead of guessing.
	// Takes precedence over AssumeSwapWhenUnknown.
	ReportAmbiguous bool
}

// PolicyFor returns the remap policy for an identified instrument.
// Models outside the affected family always pass through. An
// unparseable firmware string on an affected model takes the
// configured fail-safe branch.
func PolicyFor(meterModel, firmware string, opts Options) RemapPolicy {
	if !affectedModels[strings.ToUpper(strings.TrimSpace(meterModel))] {
		return PolicyPassThrough
	}

	v, err := ParseVersion(firmware)
	if err != nil {
		if opts.ReportAmbiguous {
			return PolicyAmbiguous
		}
		if opts.AssumeSwapWhenUnknown {
			return PolicySwapDiodeContinuity
		}
		return PolicyPassThrough
	}

	if v.Less(swapFixedIn) {
		return PolicySwapDiodeContinuity
	}
	return PolicyPassThrough
}

// Resolve maps a raw readback mode to its semantic mode under the
// policy. Modes other than diode and continuity are never remapped.
func (p RemapPolicy) Resolve(raw model.Mode) model.Mode {
	if raw != model.ModeDiode && raw != model.ModeContinuity {
		return raw
	}

	switch p {
	case PolicySwapDiodeContinuity:
		if raw == model.ModeDiode {
			return model.ModeContinuity
		}
		return model.ModeDiode
	case PolicyAmbiguous:
		return model.ModeDiodeContAmbiguous
	default:
		return raw
	}
}
