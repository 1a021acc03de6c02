// Package governor caps the simulation grade sent to the trainer based on
// current speed, and learns stricter caps from thermal release events so the
// trainer is never asked to hold a resistance it has already failed at.
package governor

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lowaak/trainer-relay/internal/store"
)

// Speed range covered by the cap table, in 0.01 km/h units. Below the range
// the rider is too slow for the cap to matter; above it airflow keeps the
// unit cool.
const (
	SpeedMin    uint16 = 1000
	SpeedMax    uint16 = 3000
	NumBuckets         = 50
	BucketWidth uint16 = 40
)

// Grades are in 0.01% units.
const (
	InitialCeiling int16 = 2000 // 20%
	ceilingFloor   int16 = 100  // never learn below 1%
	decayStep      int16 = 10   // +0.10% per decay interval
)

const (
	decayInterval = 3600 * time.Second // one hour of active use
	activeMinStep = time.Second
)

// persisted layout for the store record
type savedState struct {
	Ceilings      []int16 `json:"ceilings"`
	ActiveSeconds uint32  `json:"active_seconds"`
}

// Governor holds the per speed bucket grade ceilings. Not safe for
// concurrent use; the relay only touches it from the event loop.
type Governor struct {
	st     store.Store
	logger *log.Logger

	ceilings      [NumBuckets]int16
	activeSeconds uint32
	decayedAt     uint32 // activeSeconds at last decay
	lastCheck     time.Time
	lastCheckSet  bool
}

func New(st store.Store, logger *log.Logger) *Governor {
	if st == nil {
		panic("store cannot be nil")
	}
	if logger == nil {
		panic("logger cannot be nil")
	}
	g := &Governor{st: st, logger: logger}
	g.load()
	return g
}

func (g *Governor) load() {
	for i := range g.ceilings {
		g.ceilings[i] = InitialCeiling
	}

	data, err := g.st.Read(store.KeyGradeTable)
	if errors.Is(err, store.ErrNotFound) {
		g.logger.Printf("governor: no saved table, starting at %d", InitialCeiling)
		return
	}
	if err != nil {
		g.logger.Printf("governor: read saved table: %v", err)
		return
	}

	var saved savedState
	if err := json.Unmarshal(data, &saved); err != nil || len(saved.Ceilings) != NumBuckets {
		g.logger.Printf("governor: discarding malformed saved table")
		return
	}
	copy(g.ceilings[:], saved.Ceilings)
	g.activeSeconds = saved.ActiveSeconds
	g.decayedAt = saved.ActiveSeconds
	g.logger.Printf("governor: loaded table, %d active hours", g.activeSeconds/3600)
}

func (g *Governor) save() {
	saved := savedState{
		Ceilings:      append([]int16(nil), g.ceilings[:]...),
		ActiveSeconds: g.activeSeconds,
	}
	data, err := json.Marshal(saved)
	if err != nil {
		g.logger.Printf("governor: marshal table: %v", err)
		return
	}
	if err := g.st.Write(store.KeyGradeTable, data); err != nil {
		g.logger.Printf("governor: save table: %v", err)
	}
}

// bucket maps a speed to its table index, or -1 outside the covered range.
func bucket(speed uint16) int {
	if speed < SpeedMin || speed >= SpeedMax {
		return -1
	}
	b := int((speed - SpeedMin) / BucketWidth)
	if b >= NumBuckets {
		b = NumBuckets - 1
	}
	return b
}

// Apply caps requested to the ceiling for the bucket covering speed.
// Returns the grade to use and whether it was lowered.
func (g *Governor) Apply(speed uint16, requested int16) (applied int16, limited bool) {
	b := bucket(speed)
	if b < 0 {
		return requested, false
	}
	if requested > g.ceilings[b] {
		return g.ceilings[b], true
	}
	return requested, false
}

// Learn lowers the ceiling for the bucket covering speed after a thermal
// release at the given grade. The new ceiling is 90% of the release grade,
// floored at 1%, and only ever moves down.
func (g *Governor) Learn(speed uint16, gradeAtRelease int16) {
	b := bucket(speed)
	if b < 0 {
		return
	}

	// widen before multiplying, int16 overflows past grade 364
	newCeiling := int16(int(gradeAtRelease) * 90 / 100)
	if newCeiling < ceilingFloor {
		newCeiling = ceilingFloor
	}
	if newCeiling >= g.ceilings[b] {
		return
	}

	g.ceilings[b] = newCeiling
	g.logger.Printf("governor: bucket %d (speed ~%d) ceiling lowered to %d.%02d%%",
		b, SpeedMin+uint16(b)*BucketWidth, newCeiling/100, newCeiling%100)
	g.save()
}

// RecordActive accrues active riding time and runs decay when an hour of it
// has passed. Calls closer together than a second are ignored so a fast
// event loop cannot inflate the accrual.
func (g *Governor) RecordActive(active bool, now time.Time) {
	if !g.lastCheckSet {
		g.lastCheck = now
		g.lastCheckSet = true
		return
	}
	elapsed := now.Sub(g.lastCheck)
	if elapsed < activeMinStep {
		return
	}
	if active {
		g.activeSeconds += uint32(elapsed / time.Second)
		g.decay()
	}
	g.lastCheck = now
}

// decay raises every lowered ceiling by one step per hour of active use,
// never past the initial ceiling.
func (g *Governor) decay() {
	if time.Duration(g.activeSeconds-g.decayedAt)*time.Second < decayInterval {
		return
	}
	g.decayedAt = g.activeSeconds

	changed := false
	for i := range g.ceilings {
		if g.ceilings[i] < InitialCeiling {
			g.ceilings[i] += decayStep
			if g.ceilings[i] > InitialCeiling {
				g.ceilings[i] = InitialCeiling
			}
			changed = true
		}
	}
	if changed {
		g.logger.Printf("governor: ceilings decayed upward at %d active hours", g.activeSeconds/3600)
		g.save()
	}
}

// Ceilings returns a copy of the cap table.
func (g *Governor) Ceilings() []int16 {
	return append([]int16(nil), g.ceilings[:]...)
}

// ActiveSeconds returns total accrued active time in seconds.
func (g *Governor) ActiveSeconds() uint32 {
	return g.activeSeconds
}

// BucketRange describes one row in a table dump.
type BucketRange struct {
	SpeedStart uint16
	SpeedEnd   uint16
	Ceiling    int16
}

// Table returns the cap table with the speed range each bucket covers.
func (g *Governor) Table() []BucketRange {
	rows := make([]BucketRange, NumBuckets)
	for i := range g.ceilings {
		start := SpeedMin + uint16(i)*BucketWidth
		rows[i] = BucketRange{
			SpeedStart: start,
			SpeedEnd:   start + BucketWidth - 1,
			Ceiling:    g.ceilings[i],
		}
	}
	return rows
}

// String summarizes the table for logs.
func (g *Governor) String() string {
	lowered := 0
	for _, c := range g.ceilings {
		if c < InitialCeiling {
			lowered++
		}
	}
	return fmt.Sprintf("governor(%d/%d buckets lowered, %dh active)", lowered, NumBuckets, g.activeSeconds/3600)
}
