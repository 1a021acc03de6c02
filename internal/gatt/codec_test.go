package gatt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHeartRateUint8(t *testing.T) {
	m, err := ParseHeartRate([]byte{0x00, 72})
	require.NoError(t, err)
	assert.Equal(t, uint16(72), m.BPM)
}

func TestParseHeartRateUint16(t *testing.T) {
	m, err := ParseHeartRate([]byte{0x01, 0x2C, 0x01})
	require.NoError(t, err)
	assert.Equal(t, uint16(300), m.BPM)
}

func TestParseHeartRateTooShort(t *testing.T) {
	_, err := ParseHeartRate([]byte{0x00})
	assert.Error(t, err)

	_, err = ParseHeartRate([]byte{0x01, 0x2C})
	assert.Error(t, err)
}

func TestParsePowerMeasurementBasic(t *testing.T) {
	// flags=0, power=250 W
	m, err := ParsePowerMeasurement([]byte{0x00, 0x00, 0xFA, 0x00})
	require.NoError(t, err)
	assert.Equal(t, int16(250), m.Power)
	assert.False(t, m.HasCrankData)
}

func TestParsePowerMeasurementNegativePower(t *testing.T) {
	m, err := ParsePowerMeasurement([]byte{0x00, 0x00, 0xFF, 0xFF})
	require.NoError(t, err)
	assert.Equal(t, int16(-1), m.Power)
}

func TestParsePowerMeasurementCrankData(t *testing.T) {
	// flags bit 5 set: crank revs=1000, crank time=2048
	buf := []byte{0x20, 0x00, 0xC8, 0x00, 0xE8, 0x03, 0x00, 0x08}
	m, err := ParsePowerMeasurement(buf)
	require.NoError(t, err)
	assert.Equal(t, int16(200), m.Power)
	require.True(t, m.HasCrankData)
	assert.Equal(t, uint16(1000), m.CrankRevs)
	assert.Equal(t, uint16(2048), m.CrankEventTime)
}

func TestParsePowerMeasurementBalanceShiftsCrankData(t *testing.T) {
	// flags bits 0 and 5: balance byte precedes crank data
	buf := []byte{0x21, 0x00, 0x64, 0x00, 50, 0x0A, 0x00, 0x00, 0x04}
	m, err := ParsePowerMeasurement(buf)
	require.NoError(t, err)
	require.True(t, m.HasBalance)
	assert.Equal(t, uint8(50), m.Balance)
	require.True(t, m.HasCrankData)
	assert.Equal(t, uint16(10), m.CrankRevs)
	assert.Equal(t, uint16(1024), m.CrankEventTime)
}

func TestParseIndoorBikeDataSpeedOnly(t *testing.T) {
	// flags=0x0000: speed present, nothing else
	d, err := ParseIndoorBikeData([]byte{0x00, 0x00, 0xD0, 0x07})
	require.NoError(t, err)
	require.True(t, d.HasSpeed)
	assert.Equal(t, uint16(2000), d.Speed)
	assert.False(t, d.HasPower)
	assert.Equal(t, -1, d.PowerOffset)
}

func TestParseIndoorBikeDataCadenceAndPower(t *testing.T) {
	// flags: cadence (bit 2) + power (bit 6)
	buf := []byte{
		0x44, 0x00, // flags
		0xD0, 0x07, // speed 20.00 km/h
		0xB4, 0x00, // cadence 180 (90 rpm)
		0xC8, 0x00, // power 200 W
	}
	d, err := ParseIndoorBikeData(buf)
	require.NoError(t, err)
	require.True(t, d.HasCadence)
	assert.Equal(t, uint16(180), d.Cadence)
	assert.Equal(t, 4, d.CadenceOffset)
	require.True(t, d.HasPower)
	assert.Equal(t, int16(200), d.Power)
	assert.Equal(t, 6, d.PowerOffset)
}

func TestParseIndoorBikeDataOptionalFieldWidths(t *testing.T) {
	// flags: avg speed (bit 1), total distance (bit 4), resistance (bit 5),
	// power (bit 6). Power offset must account for all preceding widths.
	buf := []byte{
		0x72, 0x00, // flags
		0xD0, 0x07, // speed
		0xC4, 0x09, // avg speed
		0x10, 0x27, 0x00, // total distance, 3 bytes
		0x05, 0x00, // resistance 5
		0x2C, 0x01, // power 300 W
	}
	d, err := ParseIndoorBikeData(buf)
	require.NoError(t, err)
	require.True(t, d.HasResistance)
	assert.Equal(t, int16(5), d.Resistance)
	require.True(t, d.HasPower)
	assert.Equal(t, int16(300), d.Power)
	assert.Equal(t, 11, d.PowerOffset)
	assert.False(t, d.HasCadence)
}

func TestParseMachineStatusTargetPower(t *testing.T) {
	s, err := ParseMachineStatus([]byte{0x08, 0x2C, 0x01})
	require.NoError(t, err)
	require.NotNil(t, s.TargetPower)
	assert.Equal(t, int16(300), *s.TargetPower)
}

func TestParseMachineStatusTargetIncline(t *testing.T) {
	s, err := ParseMachineStatus([]byte{0x06, 0xF4, 0x01})
	require.NoError(t, err)
	require.NotNil(t, s.TargetIncline)
	assert.Equal(t, int16(500), *s.TargetIncline)
}

func TestParseMachineStatusUnknownOpCodeKeepsRaw(t *testing.T) {
	s, err := ParseMachineStatus([]byte{0x42, 0x01, 0x02, 0x03})
	require.NoError(t, err)
	assert.Equal(t, byte(0x42), s.OpCode)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, s.Raw)
}

func TestParseSimulationParams(t *testing.T) {
	p, err := ParseSimulationParams([]byte{0x11, 0x00, 0x00, 0xF4, 0x01, 0x33, 0x28})
	require.NoError(t, err)
	assert.Equal(t, int16(0), p.WindSpeed)
	assert.Equal(t, int16(500), p.Grade)
	require.NotNil(t, p.Crr)
	assert.Equal(t, uint8(0x33), *p.Crr)
	require.NotNil(t, p.Cw)
	assert.Equal(t, uint8(0x28), *p.Cw)
}

func TestGradeToResistance(t *testing.T) {
	// (500+100)/20 = 30
	assert.Equal(t, int16(30), GradeToResistance(500))
	// clamped at both ends
	assert.Equal(t, int16(0), GradeToResistance(-2000))
	assert.Equal(t, int16(100), GradeToResistance(10000))
	// boundary: grade -100 maps to exactly 0, grade 1900 to exactly 100
	assert.Equal(t, int16(0), GradeToResistance(-100))
	assert.Equal(t, int16(100), GradeToResistance(1900))
	// extreme grades clamp instead of wrapping
	assert.Equal(t, int16(100), GradeToResistance(32767))
	assert.Equal(t, int16(0), GradeToResistance(-32768))
}

func TestBuildTargetResistance(t *testing.T) {
	assert.Equal(t, []byte{0x04, 30}, BuildTargetResistance(30))
}

func TestBuildCSCMeasurement(t *testing.T) {
	buf := BuildCSCMeasurement(1000, 2048)
	assert.Equal(t, []byte{0x02, 0xE8, 0x03, 0x00, 0x08}, buf)
}
