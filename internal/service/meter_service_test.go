// internal/service/meter_service_test.go
package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"meter-bridge/internal/model"
)

func baseSnapshot() model.Snapshot {
	return model.Snapshot{
		State:          model.StateReady,
		Port:           "/dev/ttyUSB0",
		Mode:           model.ModeVoltageDC,
		Range:          model.RangeAuto,
		Rate:           "S",
		BeeperEnabled:  true,
		ContThreshold:  50,
		DiodeThreshold: 2.0,
		Model:          "XDM1041",
		UpdatedAt:      time.Now(),
	}
}

func TestSnapshotChangedIgnoresTimestamp(t *testing.T) {
	prev := baseSnapshot()

	cur := prev
	cur.UpdatedAt = cur.UpdatedAt.Add(time.Second)

	assert.False(t, snapshotChanged(prev, cur))
}

func TestSnapshotChangedCoversEveryField(t *testing.T) {
	prev := baseSnapshot()

	mutations := map[string]func(s *model.Snapshot){
		"state":     func(s *model.Snapshot) { s.State = model.StateSyncing },
		"mode":      func(s *model.Snapshot) { s.Mode = model.ModeDiode },
		"range":     func(s *model.Snapshot) { s.Range = "50V" },
		"rate":      func(s *model.Snapshot) { s.Rate = "F" },
		"beeper":    func(s *model.Snapshot) { s.BeeperEnabled = false },
		"cont":      func(s *model.Snapshot) { s.ContThreshold = 100 },
		"diode":     func(s *model.Snapshot) { s.DiodeThreshold = 1.5 },
		"quirk":     func(s *model.Snapshot) { s.QuirkActive = true },
		"identity":  func(s *model.Snapshot) { s.FirmwareVersion = "V4.3.0" },
		"lastError": func(s *model.Snapshot) { s.LastError = "device unresponsive" },
	}

	for name, mutate := range mutations {
		cur := prev
		mutate(&cur)
		assert.True(t, snapshotChanged(prev, cur), "mutation %q not detected", name)
	}
}
