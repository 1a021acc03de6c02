// Package telemetry publishes relay activity as a stream of JSON records,
// one object per line, suitable for tailing or piping into analysis tools.
package telemetry

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lowaak/trainer-relay/internal/events"
)

// Record is a single telemetry line. Exactly one of the payload pointers is
// set, matching Type.
type Record struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`

	Start      *StartRecord      `json:"start,omitempty"`
	HeartRate  *HeartRateRecord  `json:"hr,omitempty"`
	Power      *PowerRecord      `json:"cp,omitempty"`
	Bike       *BikeRecord       `json:"ftms,omitempty"`
	Status     *StatusRecord     `json:"status,omitempty"`
	Simulation *SimulationRecord `json:"sim,omitempty"`
	Devices    *DevicesRecord    `json:"devices,omitempty"`
	GradeTable *GradeTableRecord `json:"grade_table,omitempty"`
}

// StartRecord opens every stream so runs can be told apart in a shared file.
type StartRecord struct {
	RunID string `json:"run_id"`
}

type HeartRateRecord struct {
	BPM  uint16 `json:"bpm"`
	RSSI int16  `json:"rssi"`
}

type PowerRecord struct {
	Watts   int16  `json:"watts"`
	Cadence uint16 `json:"cadence_half_rpm"`
}

type BikeRecord struct {
	SpeedRaw uint16  `json:"speed_raw"`
	Cadence  *uint16 `json:"cadence_half_rpm,omitempty"`
	Watts    *int16  `json:"watts,omitempty"`
	Injected bool    `json:"injected,omitempty"`
}

// StatusRecord covers connection and machine status changes.
type StatusRecord struct {
	Device  string `json:"device,omitempty"`
	Message string `json:"message"`
}

// SimulationRecord logs a translated simulation command.
type SimulationRecord struct {
	WindSpeed  int16 `json:"wind_speed"`
	GradeRaw   int16 `json:"grade"`
	Applied    int16 `json:"applied_grade"`
	Resistance int16 `json:"resistance"`
	Limited    bool  `json:"limited,omitempty"`
}

type DeviceRecord struct {
	Address     string `json:"address"`
	Name        string `json:"name,omitempty"`
	RSSI        int16  `json:"rssi"`
	ServiceMask uint8  `json:"service_mask"`
	Saved       bool   `json:"saved"`
	Connected   bool   `json:"connected"`
}

type DevicesRecord struct {
	Devices []DeviceRecord `json:"devices"`
}

type GradeTableRecord struct {
	Ceilings      []int16 `json:"ceilings"`
	ActiveSeconds uint32  `json:"active_seconds"`
}

// Stream fans telemetry records out to in-process listeners and, when a sink
// is attached, writes each record to it as a JSON line.
type Stream struct {
	runID string
	log   *log.Logger

	records *events.CallbackEvent[Record]

	mu   sync.Mutex
	sink io.Writer
	now  func() time.Time
}

// NewStream creates a Stream with a fresh run id. sink may be nil; records
// are still fanned out to listeners.
func NewStream(sink io.Writer, logger *log.Logger) *Stream {
	if logger == nil {
		panic("logger cannot be nil")
	}
	s := &Stream{
		runID:   uuid.NewString(),
		log:     logger,
		records: events.NewCallbackEvent[Record](false),
		sink:    sink,
		now:     time.Now,
	}
	s.Publish(Record{Type: "start", Start: &StartRecord{RunID: s.runID}})
	return s
}

// RunID returns this stream's run identifier.
func (s *Stream) RunID() string {
	return s.runID
}

// Listen registers a callback for every published record.
func (s *Stream) Listen(callback func(Record)) func() {
	return s.records.Listen(callback)
}

// Publish stamps and emits a record. Sink write failures are logged, not
// returned: telemetry must never stall the relay.
func (s *Stream) Publish(rec Record) {
	s.mu.Lock()
	if rec.At.IsZero() {
		rec.At = s.now()
	}
	if s.sink != nil {
		if err := s.writeLine(rec); err != nil {
			s.log.Printf("telemetry: dropping record: %v", err)
		}
	}
	s.mu.Unlock()

	s.records.Notify(rec)
}

func (s *Stream) writeLine(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal %s record: %w", rec.Type, err)
	}
	data = append(data, '\n')
	if _, err := s.sink.Write(data); err != nil {
		return fmt.Errorf("write %s record: %w", rec.Type, err)
	}
	return nil
}
