// internal/quirk/quirk_test.go
package quirk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meter-bridge/internal/model"
)

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("V4.2.1")
	require.NoError(t, err)
	assert.Equal(t, Version{Major: 4, Minor: 2, Patch: 1}, v)

	v, err = ParseVersion("4.3.0")
	require.NoError(t, err)
	assert.Equal(t, Version{Major: 4, Minor: 3, Patch: 0}, v)
}

func TestParseVersionRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "4.2", "four.two.one", "V4..1"} {
		_, err := ParseVersion(s)
		assert.Error(t, err, "input %q", s)
	}
}

func TestVersionLess(t *testing.T) {
	assert.True(t, Version{4, 2, 9}.Less(Version{4, 3, 0}))
	assert.True(t, Version{3, 9, 9}.Less(Version{4, 0, 0}))
	assert.False(t, Version{4, 3, 0}.Less(Version{4, 3, 0}))
	assert.False(t, Version{4, 3, 1}.Less(Version{4, 3, 0}))
}

func TestPolicyForAffectedFirmware(t *testing.T) {
	policy := PolicyFor("XDM1041", "V4.2.1", Options{})
	assert.Equal(t, PolicySwapDiodeContinuity, policy)

	policy = PolicyFor("XDM1241", "V3.9.0", Options{})
	assert.Equal(t, PolicySwapDiodeContinuity, policy)
}

func TestPolicyForFixedFirmware(t *testing.T) {
	assert.Equal(t, PolicyPassThrough, PolicyFor("XDM1041", "V4.3.0", Options{}))
	assert.Equal(t, PolicyPassThrough, PolicyFor("XDM1041", "V5.0.0", Options{}))
}

func TestPolicyForUnaffectedModel(t *testing.T) {
	// Other models pass through regardless of firmware.
	assert.Equal(t, PolicyPassThrough, PolicyFor("XDM2041", "V1.0.0", Options{AssumeSwapWhenUnknown: true}))
}

func TestPolicyForUnknownFirmwareFailSafe(t *testing.T) {
	assert.Equal(t, PolicyPassThrough, PolicyFor("XDM1041", "garbage", Options{}))

	assert.Equal(t, PolicySwapDiodeContinuity,
		PolicyFor("XDM1041", "garbage", Options{AssumeSwapWhenUnknown: true}))

	// ReportAmbiguous wins over AssumeSwapWhenUnknown.
	assert.Equal(t, PolicyAmbiguous,
		PolicyFor("XDM1041", "garbage", Options{AssumeSwapWhenUnknown: true, ReportAmbiguous: true}))
}

func TestResolveSwap(t *testing.T) {
	p := PolicySwapDiodeContinuity

	assert.Equal(t, model.ModeContinuity, p.Resolve(model.ModeDiode))
	assert.Equal(t, model.ModeDiode, p.Resolve(model.ModeContinuity))
}

func TestResolveNeverTouchesOtherModes(t *testing.T) {
	for _, p := range []RemapPolicy{PolicyPassThrough, PolicySwapDiodeContinuity, PolicyAmbiguous} {
		assert.Equal(t, model.ModeVoltageDC, p.Resolve(model.ModeVoltageDC))
		assert.Equal(t, model.ModeResistance2W, p.Resolve(model.ModeResistance2W))
	}
}

func TestResolveAmbiguous(t *testing.T) {
	p := PolicyAmbiguous

	assert.Equal(t, model.ModeDiodeContAmbiguous, p.Resolve(model.ModeDiode))
	assert.Equal(t, model.ModeDiodeContAmbiguous, p.Resolve(model.ModeContinuity))
}
