package gatt

import (
	"encoding/binary"
	"fmt"
)

// HeartRateMeasurement holds the decoded heart rate measurement characteristic.
// See: https://www.bluetooth.com/specifications/specs/heart-rate-service-1-0/
type HeartRateMeasurement struct {
	BPM uint16
}

// ParseHeartRate parses heart rate measurement characteristic data.
// Bit 0 of the flags byte selects an 8-bit or 16-bit value.
func ParseHeartRate(buf []byte) (HeartRateMeasurement, error) {
	if len(buf) < 2 {
		return HeartRateMeasurement{}, fmt.Errorf("heart rate data too short: %d bytes", len(buf))
	}

	flags := buf[0]
	if flags&0x01 == 0 {
		return HeartRateMeasurement{BPM: uint16(buf[1])}, nil
	}
	if len(buf) < 3 {
		return HeartRateMeasurement{}, fmt.Errorf("heart rate UINT16 data too short: %d bytes", len(buf))
	}
	return HeartRateMeasurement{BPM: binary.LittleEndian.Uint16(buf[1:3])}, nil
}

// PowerMeasurement holds the decoded cycling power measurement characteristic.
// See: https://www.bluetooth.com/specifications/specs/cycling-power-service-1-1/
type PowerMeasurement struct {
	Flags uint16
	Power int16 // instantaneous power, watts

	HasBalance bool
	Balance    uint8

	HasCrankData   bool
	CrankRevs      uint16 // cumulative crank revolutions, wraps at 2^16
	CrankEventTime uint16 // 1/1024 s units, wraps at 2^16
}

// Cycling power measurement flag bits
const (
	cpFlagPedalPowerBalance = 1 << 0
	cpFlagCrankRevData      = 1 << 5
)

// ParsePowerMeasurement parses cycling power measurement characteristic data.
// Only the fields the relay needs are decoded; optional fields between
// balance and crank data are not supported by the sensors this targets.
func ParsePowerMeasurement(buf []byte) (PowerMeasurement, error) {
	if len(buf) < 4 {
		return PowerMeasurement{}, fmt.Errorf("cycling power data too short: %d bytes", len(buf))
	}

	m := PowerMeasurement{
		Flags: binary.LittleEndian.Uint16(buf[0:2]),
		Power: int16(binary.LittleEndian.Uint16(buf[2:4])),
	}
	offset := 4

	if m.Flags&cpFlagPedalPowerBalance != 0 {
		if len(buf) > offset {
			m.HasBalance = true
			m.Balance = buf[offset]
		}
		offset++
	}

	if m.Flags&cpFlagCrankRevData != 0 {
		if len(buf) >= offset+4 {
			m.HasCrankData = true
			m.CrankRevs = binary.LittleEndian.Uint16(buf[offset : offset+2])
			m.CrankEventTime = binary.LittleEndian.Uint16(buf[offset+2 : offset+4])
		}
	}

	return m, nil
}

// IndoorBikeData holds the fields of the FTMS Indoor Bike Data characteristic
// the relay decodes, plus the byte offsets of the optional cadence and power
// fields so cached power can be written back in place.
// See: https://www.bluetooth.com/specifications/specs/fitness-machine-service-1-0/
type IndoorBikeData struct {
	Flags uint16

	HasSpeed bool
	Speed    uint16 // 0.01 km/h units

	HasCadence    bool
	Cadence       uint16 // 0.5 rpm units
	CadenceOffset int    // byte offset of the cadence field, -1 if absent

	HasResistance bool
	Resistance    int16

	HasPower    bool
	Power       int16 // watts
	PowerOffset int   // byte offset of the power field, -1 if absent
}

// Indoor Bike Data flag bits (FTMS 1.0 spec)
const (
	ibdFlagMoreData      = 1 << 0 // inverted: 0 means instantaneous speed present
	ibdFlagAverageSpeed  = 1 << 1
	ibdFlagCadence       = 1 << 2
	ibdFlagAverageCad    = 1 << 3
	ibdFlagTotalDistance = 1 << 4
	ibdFlagResistance    = 1 << 5
	ibdFlagPower         = 1 << 6
)

// ParseIndoorBikeData walks the variable layout of the Indoor Bike Data
// record. Each optional field's offset depends on the cumulative width of the
// optional fields before it, so the walk advances the offset for every flag
// whether or not the field is decoded.
func ParseIndoorBikeData(buf []byte) (IndoorBikeData, error) {
	if len(buf) < 2 {
		return IndoorBikeData{}, fmt.Errorf("indoor bike data too short: %d bytes", len(buf))
	}

	d := IndoorBikeData{
		Flags:         binary.LittleEndian.Uint16(buf[0:2]),
		CadenceOffset: -1,
		PowerOffset:   -1,
	}
	offset := 2

	// Instantaneous speed, present unless the More Data bit is set
	if d.Flags&ibdFlagMoreData == 0 {
		if len(buf) >= offset+2 {
			d.HasSpeed = true
			d.Speed = binary.LittleEndian.Uint16(buf[offset : offset+2])
		}
		offset += 2
	}

	if d.Flags&ibdFlagAverageSpeed != 0 {
		offset += 2
	}

	if d.Flags&ibdFlagCadence != 0 {
		d.CadenceOffset = offset
		if len(buf) >= offset+2 {
			d.HasCadence = true
			d.Cadence = binary.LittleEndian.Uint16(buf[offset : offset+2])
		}
		offset += 2
	}

	if d.Flags&ibdFlagAverageCad != 0 {
		offset += 2
	}

	if d.Flags&ibdFlagTotalDistance != 0 {
		offset += 3
	}

	if d.Flags&ibdFlagResistance != 0 {
		if len(buf) >= offset+2 {
			d.HasResistance = true
			d.Resistance = int16(binary.LittleEndian.Uint16(buf[offset : offset+2]))
		}
		offset += 2
	}

	if d.Flags&ibdFlagPower != 0 {
		d.PowerOffset = offset
		if len(buf) >= offset+2 {
			d.HasPower = true
			d.Power = int16(binary.LittleEndian.Uint16(buf[offset : offset+2]))
		}
		offset += 2
	}

	return d, nil
}

// MachineStatus holds the decoded Fitness Machine Status payload. Only the
// op codes the trainers actually emit are given structured fields; anything
// else is carried as the raw parameter bytes.
type MachineStatus struct {
	OpCode byte

	TargetSpeed      *uint16 // 0.01 km/h units
	TargetIncline    *int16  // 0.01 % units
	TargetResistance *int8
	TargetPower      *int16 // watts
	TargetHeartRate  *uint8 // bpm
	Temperature      *uint8

	Raw []byte // parameter bytes for unrecognized op codes
}

// ParseMachineStatus decodes a Fitness Machine Status notification for
// telemetry. The relay republishes the original bytes regardless.
func ParseMachineStatus(buf []byte) (MachineStatus, error) {
	if len(buf) < 1 {
		return MachineStatus{}, fmt.Errorf("machine status data empty")
	}

	s := MachineStatus{OpCode: buf[0]}
	switch s.OpCode {
	case MachineStatusTargetSpeed:
		if len(buf) >= 3 {
			v := binary.LittleEndian.Uint16(buf[1:3])
			s.TargetSpeed = &v
		}
	case MachineStatusTargetIncline:
		if len(buf) >= 3 {
			v := int16(binary.LittleEndian.Uint16(buf[1:3]))
			s.TargetIncline = &v
		}
	case MachineStatusTargetResistance:
		if len(buf) >= 2 {
			v := int8(buf[1])
			s.TargetResistance = &v
		}
	case MachineStatusTargetPower:
		if len(buf) >= 3 {
			v := int16(binary.LittleEndian.Uint16(buf[1:3]))
			s.TargetPower = &v
		}
	case MachineStatusTargetHeartRate:
		if len(buf) >= 2 {
			v := buf[1]
			s.TargetHeartRate = &v
		}
	case 0x83, 0x84:
		if len(buf) >= 2 {
			v := buf[1]
			s.Temperature = &v
		}
	default:
		if len(buf) > 1 {
			s.Raw = append([]byte(nil), buf[1:]...)
		}
	}
	return s, nil
}

// BuildCSCMeasurement builds a CSC measurement notification carrying crank
// data only (flags=0x02), used to republish cadence derived from a power
// meter's crank counters.
func BuildCSCMeasurement(crankRevs, crankEventTime uint16) []byte {
	buf := make([]byte, 5)
	buf[0] = 0x02 // crank revolution data present
	binary.LittleEndian.PutUint16(buf[1:3], crankRevs)
	binary.LittleEndian.PutUint16(buf[3:5], crankEventTime)
	return buf
}

// SimulationParams holds the payload of a Set Indoor Bike Simulation command.
type SimulationParams struct {
	WindSpeed int16 // 0.001 m/s units
	Grade     int16 // 0.01 % units
	Crr       *uint8
	Cw        *uint8
}

// ParseSimulationParams parses the parameters of a 0x11 control point
// command. The op code byte must still be at buf[0].
func ParseSimulationParams(buf []byte) (SimulationParams, error) {
	if len(buf) < 5 {
		return SimulationParams{}, fmt.Errorf("simulation command too short: %d bytes", len(buf))
	}
	p := SimulationParams{
		WindSpeed: int16(binary.LittleEndian.Uint16(buf[1:3])),
		Grade:     int16(binary.LittleEndian.Uint16(buf[3:5])),
	}
	if len(buf) >= 6 {
		v := buf[5]
		p.Crr = &v
	}
	if len(buf) >= 7 {
		v := buf[6]
		p.Cw = &v
	}
	return p, nil
}

// GradeToResistance converts a simulation grade (0.01 % units) to a target
// resistance level: grade -100 maps to 0, grade 1900 maps to 100, clamped.
func GradeToResistance(grade int16) int16 {
	// widened so grades near the int16 limits cannot wrap before clamping
	r := (int(grade) + 100) / 20
	if r < 0 {
		r = 0
	}
	if r > 100 {
		r = 100
	}
	return int16(r)
}

// BuildTargetResistance builds a 2-byte Set Target Resistance command.
func BuildTargetResistance(level int16) []byte {
	return []byte{FTMSOpCodeSetTargetResistance, byte(level)}
}
