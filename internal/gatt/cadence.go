package gatt

import "time"

// CadenceStaleAfter is how long the crank revolution count may stay unchanged
// before the derived cadence decays to zero.
const CadenceStaleAfter = 4000 * time.Millisecond

// CadenceTracker derives cadence from the cumulative crank revolution and
// crank event time counters of successive power measurements. Both counters
// are 16-bit and wrap, so deltas are computed modulo 2^16.
type CadenceTracker struct {
	primed         bool
	lastRevs       uint16
	lastEventTime  uint16
	lastChangeTime time.Time
	cadence        uint16 // 0.5 rpm units
}

// Update feeds the tracker a new crank reading observed at wall-clock time
// now and returns the current cadence in 0.5 rpm units.
func (t *CadenceTracker) Update(crankRevs, crankEventTime uint16, now time.Time) uint16 {
	if !t.primed {
		t.primed = true
		t.lastChangeTime = now
		t.lastRevs = crankRevs
		t.lastEventTime = crankEventTime
		return t.cadence
	}

	revDelta := crankRevs - t.lastRevs // wraparound-safe: uint16 arithmetic
	if revDelta > 0 {
		timeDelta := crankEventTime - t.lastEventTime
		if timeDelta > 0 {
			// rpm = revDelta / (timeDelta/1024) * 60; doubled for 0.5 rpm units
			c := uint32(revDelta) * 122880 / uint32(timeDelta)
			if c > 65535 {
				c = 65535
			}
			t.cadence = uint16(c)
		}
		t.lastChangeTime = now
	} else if now.Sub(t.lastChangeTime) >= CadenceStaleAfter {
		// Rider stopped pedaling but the sensor keeps reporting the same
		// counters; hold the last value until the stale window elapses.
		t.cadence = 0
	}

	t.lastRevs = crankRevs
	t.lastEventTime = crankEventTime
	return t.cadence
}

// Cadence returns the last derived cadence in 0.5 rpm units.
func (t *CadenceTracker) Cadence() uint16 { return t.cadence }

// LastCrank returns the most recent raw crank counters, used to republish a
// CSC measurement.
func (t *CadenceTracker) LastCrank() (revs, eventTime uint16, ok bool) {
	return t.lastRevs, t.lastEventTime, t.primed
}
