// internal/scpi/commands_test.go
package scpi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meter-bridge/internal/model"
)

func TestRateCommand(t *testing.T) {
	assert.Equal(t, "RATE S", RateCommand(RateSlow))
	assert.Equal(t, "RATE M", RateCommand(RateMedium))
	assert.Equal(t, "RATE F", RateCommand(RateFast))

	assert.True(t, IsValidRate("S"))
	assert.False(t, IsValidRate("X"))
}

func TestThresholdCommands(t *testing.T) {
	assert.Equal(t, "CONT:THREshold 50", ContThresholdCommand(50))
	assert.Equal(t, "DIOD:THREshold 2", DiodeThresholdCommand(2.0))
	assert.Equal(t, "DIOD:THREshold 1.5", DiodeThresholdCommand(1.5))
}

func TestModeCommand(t *testing.T) {
	cmd, err := ModeCommand(model.ModeVoltageDC)
	require.NoError(t, err)
	assert.Equal(t, "CONF:VOLT:DC", cmd)

	cmd, err = ModeCommand(model.ModeResistance4W)
	require.NoError(t, err)
	assert.Equal(t, "CONF:FRES", cmd)

	_, err = ModeCommand(model.ModeDiodeContAmbiguous)
	assert.Error(t, err)
}

func TestRangeCommand(t *testing.T) {
	cmd, err := RangeCommand(model.ModeVoltageDC, "50mV")
	require.NoError(t, err)
	assert.Equal(t, "CONF:VOLT:DC 50E-3", cmd)

	cmd, err = RangeCommand(model.ModeVoltageDC, model.RangeAuto)
	require.NoError(t, err)
	assert.Equal(t, "CONF:VOLT:DC AUTO", cmd)

	cmd, err = RangeCommand(model.ModeTemperature, "PT100")
	require.NoError(t, err)
	assert.Equal(t, "CONF:TEMP:RTD PT100", cmd)
}

func TestRangeCommandRejectsUnknownLabel(t *testing.T) {
	_, err := RangeCommand(model.ModeVoltageDC, "9000V")
	assert.Error(t, err)

	// Continuity and diode expose no selectable ranges.
	_, err = RangeCommand(model.ModeContinuity, "500Ohm")
	assert.Error(t, err)
}
