package gatt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var cadenceEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestCadenceTrackerBasic(t *testing.T) {
	var tr CadenceTracker

	// First reading only primes the tracker
	c := tr.Update(100, 0, cadenceEpoch)
	assert.Equal(t, uint16(0), c)

	// 2 revs over 1024 ticks (1 second) = 120 rpm = 240 half-rpm
	c = tr.Update(102, 1024, cadenceEpoch.Add(time.Second))
	assert.Equal(t, uint16(240), c)
}

func TestCadenceTrackerWraparound(t *testing.T) {
	var tr CadenceTracker

	tr.Update(65534, 64000, cadenceEpoch)
	// revs wrap 65534 -> 2 (delta 4), time wraps 64000 -> 512 (delta 2048)
	c := tr.Update(2, 512, cadenceEpoch.Add(2*time.Second))
	// 4 revs over 2 s = 120 rpm = 240 half-rpm
	assert.Equal(t, uint16(240), c)
}

func TestCadenceTrackerDecaysToZeroWhenStale(t *testing.T) {
	var tr CadenceTracker

	tr.Update(10, 0, cadenceEpoch)
	c := tr.Update(12, 2048, cadenceEpoch.Add(2*time.Second))
	assert.Equal(t, uint16(120), c)

	// Unchanged crank count within the stale window holds the value
	c = tr.Update(12, 2048, cadenceEpoch.Add(4*time.Second))
	assert.Equal(t, uint16(120), c)

	// Unchanged for >= 4000 ms since the last change: decays to zero
	c = tr.Update(12, 2048, cadenceEpoch.Add(7*time.Second))
	assert.Equal(t, uint16(0), c)
}

func TestCadenceTrackerNeverDecaysWhileChanging(t *testing.T) {
	var tr CadenceTracker

	tr.Update(0, 0, cadenceEpoch)
	now := cadenceEpoch
	revs := uint16(0)
	ticks := uint16(0)
	for i := 0; i < 10; i++ {
		now = now.Add(5 * time.Second) // gaps longer than the stale window
		revs += 5
		ticks += 5120
		c := tr.Update(revs, ticks, now)
		assert.NotZero(t, c, "cadence must not decay while the crank count advances")
	}
}

func TestCadenceTrackerZeroTimeDeltaKeepsPrevious(t *testing.T) {
	var tr CadenceTracker

	tr.Update(10, 1000, cadenceEpoch)
	c := tr.Update(12, 3048, cadenceEpoch.Add(2*time.Second))
	assert.Equal(t, uint16(120), c)

	// Rev delta without a time delta cannot produce a rate; hold the value
	c = tr.Update(13, 3048, cadenceEpoch.Add(3*time.Second))
	assert.Equal(t, uint16(120), c)
}

func TestCadenceTrackerLastCrank(t *testing.T) {
	var tr CadenceTracker

	_, _, ok := tr.LastCrank()
	assert.False(t, ok)

	tr.Update(42, 77, cadenceEpoch)
	revs, ticks, ok := tr.LastCrank()
	assert.True(t, ok)
	assert.Equal(t, uint16(42), revs)
	assert.Equal(t, uint16(77), ticks)
}
