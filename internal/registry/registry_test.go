package registry

import (
	"bytes"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/trainer-relay/internal/store"
	"github.com/lowaak/trainer-relay/internal/transport"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func newTestRegistry(t *testing.T) (*Registry, *store.MemStore) {
	t.Helper()
	st := store.NewMemStore()
	return New(st, "Z-Relay", log.New(&bytes.Buffer{}, "", 0)), st
}

func hrAdv(addr, name string) transport.AdvertisementEvent {
	return transport.AdvertisementEvent{
		Addr:     transport.Addr(addr),
		Name:     name,
		RSSI:     -60,
		Services: []uint16{0x180D},
	}
}

func TestObserveIgnoresOwnPrefix(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.OpenPairingWindow(t0)

	dev := r.Observe(hrAdv("AA:00", "Z-Relay 1A2B"), t0)
	assert.Nil(t, dev)
}

func TestObserveUnknownOutsideWindow(t *testing.T) {
	r, _ := newTestRegistry(t)

	dev := r.Observe(hrAdv("AA:00", "HRM"), t0)
	assert.Nil(t, dev)
}

func TestObserveDuringWindow(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.OpenPairingWindow(t0)

	dev := r.Observe(hrAdv("AA:00", "HRM"), t0)
	require.NotNil(t, dev)
	assert.Equal(t, uint8(0x01), dev.ServiceMask)
	assert.Equal(t, "HRM", dev.Name)
	assert.False(t, dev.Saved)
}

func TestObserveMaskAccumulates(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.OpenPairingWindow(t0)

	r.Observe(hrAdv("AA:00", "Trainer"), t0)
	dev := r.Observe(transport.AdvertisementEvent{
		Addr:     "AA:00",
		Name:     "Trainer",
		Services: []uint16{0x1818, 0x1826},
	}, t0.Add(time.Second))

	require.NotNil(t, dev)
	assert.Equal(t, uint8(0x07), dev.ServiceMask)
}

func TestObserveServicelessUnknownSkipped(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.OpenPairingWindow(t0)

	dev := r.Observe(transport.AdvertisementEvent{Addr: "AA:00", Name: "Watch"}, t0)
	assert.Nil(t, dev)
}

func TestObserveCapturesLateName(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.OpenPairingWindow(t0)

	// first advertisement carries no name, so the address stands in
	first := r.Observe(hrAdv("AA:00", ""), t0)
	require.NotNil(t, first)
	assert.Equal(t, "AA:00", first.Name)

	dev := r.Observe(hrAdv("AA:00", "HRM"), t0.Add(time.Second))
	require.NotNil(t, dev)
	assert.Equal(t, "HRM", dev.Name)
}

func TestShouldConnect(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.OpenPairingWindow(t0)

	dev := r.Observe(hrAdv("AA:00", "HRM"), t0)
	require.NotNil(t, dev)
	assert.True(t, r.ShouldConnect(dev, t0))

	// one attempt at a time
	r.MarkPending(dev.Addr, t0)
	assert.False(t, r.ShouldConnect(dev, t0))

	r.ClearPending(dev.Addr)
	dev.Connected = true
	assert.False(t, r.ShouldConnect(dev, t0))
}

func TestShouldConnectNeedsName(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.OpenPairingWindow(t0)

	dev := r.Observe(hrAdv("AA:00", ""), t0)
	require.NotNil(t, dev)
	assert.False(t, r.ShouldConnect(dev, t0))
}

func TestUnsavedNotConnectedOutsideWindow(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.OpenPairingWindow(t0)

	dev := r.Observe(hrAdv("AA:00", "HRM"), t0)
	require.NotNil(t, dev)

	after := t0.Add(PairingWindow + time.Second)
	assert.False(t, r.ShouldConnect(dev, after))
}

func TestConnectTimeoutDetection(t *testing.T) {
	r, _ := newTestRegistry(t)

	r.MarkPending("AA:00", t0)

	_, timedOut := r.PendingTimedOut(t0.Add(5 * time.Second))
	assert.False(t, timedOut)

	addr, timedOut := r.PendingTimedOut(t0.Add(ConnectTimeout + time.Second))
	require.True(t, timedOut)
	assert.Equal(t, transport.Addr("AA:00"), addr)
}

func TestHandleConnectedAutoSaves(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.OpenPairingWindow(t0)

	r.Observe(hrAdv("AA:00", "HRM"), t0)
	dev := r.HandleConnected("AA:00", 1, t0)

	require.NotNil(t, dev)
	assert.True(t, dev.Connected)
	assert.True(t, dev.Saved)
	assert.Equal(t, 1, r.SavedCount())
}

func TestSavedDeviceSurvivesRestart(t *testing.T) {
	st := store.NewMemStore()
	logger := log.New(&bytes.Buffer{}, "", 0)

	r := New(st, "Z-Relay", logger)
	r.OpenPairingWindow(t0)
	r.Observe(hrAdv("AA:00", "HRM"), t0)
	r.HandleConnected("AA:00", 1, t0)

	// new process, no pairing window
	r2 := New(st, "Z-Relay", logger)
	assert.Equal(t, 1, r2.SavedCount())

	dev := r2.Observe(hrAdv("AA:00", "HRM"), t0)
	require.NotNil(t, dev)
	assert.True(t, dev.Saved)
	assert.True(t, r2.ShouldConnect(dev, t0))
}

func TestSaveDeviceSlotReuse(t *testing.T) {
	r, _ := newTestRegistry(t)

	dev := &Device{Addr: "AA:00", Name: "HRM", ServiceMask: 0x01}
	require.NoError(t, r.SaveDevice(dev))
	require.Equal(t, 1, r.SavedCount())

	// same address overwrites in place
	dev.ServiceMask = 0x03
	require.NoError(t, r.SaveDevice(dev))
	assert.Equal(t, 1, r.SavedCount())
}

func TestSaveDeviceSlotsFull(t *testing.T) {
	r, _ := newTestRegistry(t)

	for i := 0; i < store.MaxSavedDevices; i++ {
		dev := &Device{Addr: transport.Addr(string(rune('A' + i))), Name: "dev", ServiceMask: 0x01}
		require.NoError(t, r.SaveDevice(dev))
	}

	extra := &Device{Addr: "ZZ:99", Name: "extra", ServiceMask: 0x01}
	assert.ErrorIs(t, r.SaveDevice(extra), ErrSlotsFull)
}

func TestClearSaved(t *testing.T) {
	st := store.NewMemStore()
	logger := log.New(&bytes.Buffer{}, "", 0)
	r := New(st, "Z-Relay", logger)

	require.NoError(t, r.SaveDevice(&Device{Addr: "AA:00", Name: "HRM", ServiceMask: 0x01}))
	r.ClearSaved()
	assert.Equal(t, 0, r.SavedCount())

	// cleared slots load as empty, not as damaged records
	var restartLog bytes.Buffer
	r2 := New(st, "Z-Relay", log.New(&restartLog, "", 0))
	assert.Equal(t, 0, r2.SavedCount())
	assert.NotContains(t, restartLog.String(), "malformed")

	// and stay reusable
	require.NoError(t, r2.SaveDevice(&Device{Addr: "BB:11", Name: "PWR", ServiceMask: 0x02}))
	assert.Equal(t, 1, r2.SavedCount())
}

func TestPurge(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.OpenPairingWindow(t0)

	r.Observe(hrAdv("AA:00", "HRM"), t0)
	r.Observe(hrAdv("BB:11", "Trainer"), t0)
	r.HandleConnected("BB:11", 1, t0)

	removed := r.Purge(t0.Add(StaleAfter + time.Second))

	require.Len(t, removed, 1)
	assert.Equal(t, transport.Addr("AA:00"), removed[0])
	assert.NotNil(t, r.Device("BB:11"))
	assert.Nil(t, r.Device("AA:00"))
}

func TestHandleDisconnected(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.OpenPairingWindow(t0)

	r.Observe(hrAdv("AA:00", "HRM"), t0)
	r.HandleConnected("AA:00", 1, t0)

	dev := r.HandleDisconnected("AA:00")
	require.NotNil(t, dev)
	assert.False(t, dev.Connected)
	assert.Equal(t, transport.Link(0), dev.Link)

	// record dropped, the next advertisement re-discovers it as saved
	assert.Nil(t, r.Device("AA:00"))
	redisc := r.Observe(hrAdv("AA:00", "HRM"), t0.Add(time.Minute))
	require.NotNil(t, redisc)
	assert.True(t, redisc.Saved)
}
