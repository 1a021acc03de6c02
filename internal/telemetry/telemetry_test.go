package telemetry

import (
	"bytes"
	"encoding/json"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *log.Logger {
	return log.New(&bytes.Buffer{}, "", 0)
}

func TestStreamWritesStartRecord(t *testing.T) {
	var buf bytes.Buffer
	s := NewStream(&buf, testLogger())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var rec Record
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "start", rec.Type)
	require.NotNil(t, rec.Start)
	assert.Equal(t, s.RunID(), rec.Start.RunID)
	assert.NotEmpty(t, rec.Start.RunID)
}

func TestStreamPublishStampsTime(t *testing.T) {
	var buf bytes.Buffer
	s := NewStream(&buf, testLogger())
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	s.Publish(Record{Type: "hr", HeartRate: &HeartRateRecord{BPM: 142}})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var rec Record
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &rec))
	assert.Equal(t, "hr", rec.Type)
	assert.True(t, rec.At.Equal(fixed))
	require.NotNil(t, rec.HeartRate)
	assert.Equal(t, uint16(142), rec.HeartRate.BPM)
}

func TestStreamFansOutToListeners(t *testing.T) {
	s := NewStream(nil, testLogger())

	var got []Record
	stop := s.Listen(func(r Record) { got = append(got, r) })
	defer stop()

	s.Publish(Record{Type: "cp", Power: &PowerRecord{Watts: 250, Cadence: 180}})

	require.Len(t, got, 1)
	assert.Equal(t, "cp", got[0].Type)
	assert.Equal(t, int16(250), got[0].Power.Watts)
}

func TestStreamNilSink(t *testing.T) {
	s := NewStream(nil, testLogger())
	assert.NotPanics(t, func() {
		s.Publish(Record{Type: "status", Status: &StatusRecord{Message: "scanning"}})
	})
}

func TestStreamNilLoggerPanics(t *testing.T) {
	assert.Panics(t, func() { NewStream(nil, nil) })
}
