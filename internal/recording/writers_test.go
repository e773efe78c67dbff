// internal/recording/writers_test.go
package recording

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meter-bridge/internal/model"
)

func testSession() Session {
	return Session{
		ID:        uuid.New(),
		StartedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Mode:      ModeManual,
	}
}

func TestCSVSinkWritesHeaderAndRows(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewCSVSink(dir, testSession())
	require.NoError(t, err)

	ts := time.Date(2025, 6, 1, 12, 0, 1, 0, time.UTC)
	require.NoError(t, sink.Write(model.Record{
		Index: 0, Timestamp: ts, Mode: model.ModeVoltageDC,
		Range: model.RangeAuto, Value: 0.00235, Unit: model.UnitVolt,
	}))
	require.NoError(t, sink.Write(model.Record{
		Index: 1, Timestamp: ts, Mode: model.ModeResistance2W,
		Range: model.RangeAuto, Overflow: true, Unit: model.UnitOhm,
	}))
	require.NoError(t, sink.Close())

	files, err := filepath.Glob(filepath.Join(dir, "session_*.csv"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	f, err := os.Open(files[0])
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, []string{"index", "timestamp", "mode", "range", "value", "unit"}, rows[0])
	assert.Equal(t, "0", rows[1][0])
	assert.Equal(t, "0.00235", rows[1][4])
	assert.Equal(t, "V", rows[1][5])

	// Out-of-range readings are spelled out, never the sentinel value.
	assert.Equal(t, "OVERFLOW", rows[2][4])
}

func TestJSONSinkWritesOneObjectPerLine(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewJSONSink(dir, testSession())
	require.NoError(t, err)

	ts := time.Date(2025, 6, 1, 12, 0, 1, 0, time.UTC)
	require.NoError(t, sink.Write(model.Record{
		Index: 0, Timestamp: ts, Mode: model.ModeVoltageDC,
		Range: model.RangeAuto, Value: 0.00235, Unit: model.UnitVolt,
	}))
	require.NoError(t, sink.Write(model.Record{
		Index: 1, Timestamp: ts, Mode: model.ModeDiode,
		Range: model.RangeAuto, Overflow: true, Unit: model.UnitVolt,
	}))
	require.NoError(t, sink.Close())

	files, err := filepath.Glob(filepath.Join(dir, "session_*.jsonl"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	data, err := os.ReadFile(files[0])
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var rec model.Record
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, 0.00235, rec.Value)
	assert.False(t, rec.Overflow)

	require.NoError(t, json.Unmarshal([]byte(lines[1]), &rec))
	assert.True(t, rec.Overflow)
}
