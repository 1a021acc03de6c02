// Package registry tracks downstream devices seen in scan results, decides
// which of them to connect to, and keeps up to four of them saved so they
// reconnect automatically after a restart.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/lowaak/trainer-relay/internal/gatt"
	"github.com/lowaak/trainer-relay/internal/store"
	"github.com/lowaak/trainer-relay/internal/transport"
)

const (
	// PairingWindow is how long scanning accepts unknown devices after the
	// user asks for pairing.
	PairingWindow = 5 * time.Minute

	// StaleAfter is how long an unconnected device stays listed without a
	// fresh advertisement.
	StaleAfter = 10 * time.Second

	// ConnectTimeout bounds a single connection attempt.
	ConnectTimeout = 10 * time.Second
)

// ErrSlotsFull is returned when all saved device slots are taken.
var ErrSlotsFull = errors.New("all saved device slots in use")

// Device is one tracked downstream device.
type Device struct {
	Addr        transport.Addr
	Name        string
	RSSI        int16
	ServiceMask uint8
	LastSeen    time.Time
	Saved       bool
	Connected   bool
	Link        transport.Link
}

// named reports whether a real device name has been captured, as opposed to
// the address standing in for one.
func (d *Device) named() bool {
	return d.Name != "" && d.Name != string(d.Addr)
}

// savedDevice is the persisted slot layout. Valid is false for a slot that
// was cleared; the record stays on disk so clearing is a plain overwrite.
type savedDevice struct {
	Addr        string `json:"addr"`
	Name        string `json:"name"`
	ServiceMask uint8  `json:"service_mask"`
	Valid       bool   `json:"valid"`
}

// Registry is not safe for concurrent use; the relay drives it from the
// event loop only.
type Registry struct {
	st         store.Store
	logger     *log.Logger
	namePrefix string

	devices map[transport.Addr]*Device
	saved   [store.MaxSavedDevices]*savedDevice

	windowUntil time.Time

	pendingAddr  transport.Addr
	pendingSince time.Time
	pending      bool
}

// New loads saved devices from st. namePrefix filters out our own mirrored
// advertisement so two relays never connect to each other.
func New(st store.Store, namePrefix string, logger *log.Logger) *Registry {
	if st == nil {
		panic("store cannot be nil")
	}
	if logger == nil {
		panic("logger cannot be nil")
	}
	r := &Registry{
		st:         st,
		logger:     logger,
		namePrefix: namePrefix,
		devices:    make(map[transport.Addr]*Device),
	}
	r.loadSaved()
	return r
}

func (r *Registry) loadSaved() {
	for i := 0; i < store.MaxSavedDevices; i++ {
		data, err := r.st.Read(store.KeySavedDeviceBase + uint16(i))
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			r.logger.Printf("registry: read saved slot %d: %v", i, err)
			continue
		}
		var sd savedDevice
		if err := json.Unmarshal(data, &sd); err != nil {
			r.logger.Printf("registry: discarding malformed saved slot %d", i)
			continue
		}
		if !sd.Valid || sd.Addr == "" {
			// cleared slot
			continue
		}
		r.saved[i] = &sd
		r.logger.Printf("registry: loaded saved device %d: %s (%s) mask=%d", i, sd.Name, sd.Addr, sd.ServiceMask)
	}
}

// OpenPairingWindow accepts unknown devices until now plus PairingWindow.
func (r *Registry) OpenPairingWindow(now time.Time) {
	r.windowUntil = now.Add(PairingWindow)
	r.logger.Printf("registry: pairing window open for %v", PairingWindow)
}

// ClosePairingWindow ends the window early.
func (r *Registry) ClosePairingWindow() {
	r.windowUntil = time.Time{}
}

// PairingWindowActive reports whether unknown devices are currently accepted.
func (r *Registry) PairingWindowActive(now time.Time) bool {
	return now.Before(r.windowUntil)
}

// isSaved looks an address up in the saved slots.
func (r *Registry) isSaved(addr transport.Addr) bool {
	for _, sd := range r.saved {
		if sd != nil && sd.Addr == string(addr) {
			return true
		}
	}
	return false
}

// Observe folds an advertisement into the device list. It returns the
// tracked device, or nil when the advertiser is filtered out: our own
// mirror, or an unknown device outside the pairing window, or one without
// any service of interest.
func (r *Registry) Observe(adv transport.AdvertisementEvent, now time.Time) *Device {
	if r.namePrefix != "" && strings.HasPrefix(adv.Name, r.namePrefix) {
		return nil
	}

	var mask uint8
	for _, svc := range adv.Services {
		mask |= gatt.ServiceMaskFor(svc)
	}

	dev, known := r.devices[adv.Addr]
	if known {
		if adv.Name != "" && adv.Name != dev.Name {
			wasAddress := !dev.named()
			dev.Name = adv.Name
			if wasAddress {
				r.logger.Printf("registry: captured name for %s: %s", dev.Addr, dev.Name)
			}
		}
		dev.LastSeen = now
		dev.ServiceMask |= mask
		dev.RSSI = adv.RSSI
		dev.Saved = r.isSaved(adv.Addr)
		return dev
	}

	saved := r.isSaved(adv.Addr)
	if !r.PairingWindowActive(now) && !saved {
		return nil
	}
	if r.PairingWindowActive(now) && mask == 0 && !saved {
		return nil
	}

	name := adv.Name
	if name == "" {
		name = string(adv.Addr)
	}
	dev = &Device{
		Addr:        adv.Addr,
		Name:        name,
		RSSI:        adv.RSSI,
		ServiceMask: mask,
		LastSeen:    now,
		Saved:       saved,
	}
	r.devices[adv.Addr] = dev
	r.logger.Printf("registry: added device %s (mask=%d saved=%v)", dev.Name, dev.ServiceMask, saved)
	return dev
}

// ShouldConnect reports whether dev is a connection candidate right now:
// it offers a service of interest, its real name has been captured, it is
// not already connected, no other attempt is in flight, and it is either
// saved or the pairing window is open.
func (r *Registry) ShouldConnect(dev *Device, now time.Time) bool {
	if dev == nil || dev.Connected || r.pending {
		return false
	}
	if dev.ServiceMask == 0 || !dev.named() {
		return false
	}
	if !dev.Saved && !r.PairingWindowActive(now) {
		return false
	}
	return true
}

// MarkPending records that a connection attempt to addr has started.
func (r *Registry) MarkPending(addr transport.Addr, now time.Time) {
	r.pendingAddr = addr
	r.pendingSince = now
	r.pending = true
}

// PendingTimedOut returns the address of an attempt that has exceeded
// ConnectTimeout, if any. The attempt stays pending until ClearPending.
func (r *Registry) PendingTimedOut(now time.Time) (transport.Addr, bool) {
	if !r.pending || now.Sub(r.pendingSince) < ConnectTimeout {
		return "", false
	}
	return r.pendingAddr, true
}

// ClearPending forgets the in-flight attempt for addr, if it is the one
// pending.
func (r *Registry) ClearPending(addr transport.Addr) {
	if r.pending && r.pendingAddr == addr {
		r.pending = false
		r.pendingAddr = ""
	}
}

// HandleConnected marks the device up and auto-saves it so it reconnects on
// the next run without a pairing window.
func (r *Registry) HandleConnected(addr transport.Addr, link transport.Link, now time.Time) *Device {
	r.ClearPending(addr)

	dev, ok := r.devices[addr]
	if !ok {
		dev = &Device{Addr: addr, Name: string(addr), LastSeen: now}
		r.devices[addr] = dev
	}
	dev.Connected = true
	dev.Link = link
	dev.LastSeen = now

	if !dev.Saved {
		if err := r.SaveDevice(dev); err != nil {
			r.logger.Printf("registry: save %s: %v", dev.Name, err)
		} else {
			r.logger.Printf("registry: auto-saved connected device %s", dev.Name)
		}
	}
	return dev
}

// HandleDisconnected drops the device record so the next advertisement is a
// clean re-discovery. Saved-ness lives in the slots, so a saved device still
// reconnects without a pairing window.
func (r *Registry) HandleDisconnected(addr transport.Addr) *Device {
	dev, ok := r.devices[addr]
	if !ok {
		return nil
	}
	delete(r.devices, addr)
	dev.Connected = false
	dev.Link = 0
	return dev
}

// Purge drops devices not seen within StaleAfter, sparing connected ones,
// and returns the dropped addresses.
func (r *Registry) Purge(now time.Time) []transport.Addr {
	var removed []transport.Addr
	for addr, dev := range r.devices {
		if dev.Connected {
			dev.LastSeen = now
			continue
		}
		if now.Sub(dev.LastSeen) > StaleAfter {
			delete(r.devices, addr)
			removed = append(removed, addr)
			r.logger.Printf("registry: removed device %s", dev.Name)
		}
	}
	return removed
}

// SaveDevice writes dev into its existing slot, or the first free one.
func (r *Registry) SaveDevice(dev *Device) error {
	slot := -1
	free := -1
	for i, sd := range r.saved {
		if sd != nil && sd.Addr == string(dev.Addr) {
			slot = i
			break
		}
		if sd == nil && free == -1 {
			free = i
		}
	}
	if slot == -1 {
		slot = free
	}
	if slot == -1 {
		return ErrSlotsFull
	}

	sd := &savedDevice{
		Addr:        string(dev.Addr),
		Name:        dev.Name,
		ServiceMask: dev.ServiceMask,
		Valid:       true,
	}
	data, err := json.Marshal(sd)
	if err != nil {
		return fmt.Errorf("marshal saved device: %w", err)
	}
	if err := r.st.Write(store.KeySavedDeviceBase+uint16(slot), data); err != nil {
		return fmt.Errorf("write saved slot %d: %w", slot, err)
	}
	r.saved[slot] = sd
	dev.Saved = true
	r.logger.Printf("registry: saved device to slot %d: %s (%s)", slot, dev.Name, dev.Addr)
	return nil
}

// ClearSaved empties every saved slot.
func (r *Registry) ClearSaved() {
	cleared, err := json.Marshal(savedDevice{})
	if err != nil {
		r.logger.Printf("registry: marshal cleared slot: %v", err)
		return
	}
	for i := range r.saved {
		if r.saved[i] == nil {
			continue
		}
		if err := r.st.Write(store.KeySavedDeviceBase+uint16(i), cleared); err != nil {
			r.logger.Printf("registry: clear saved slot %d: %v", i, err)
		}
		r.saved[i] = nil
	}
	for _, dev := range r.devices {
		dev.Saved = false
	}
	r.logger.Printf("registry: cleared all saved devices")
}

// SavedCount returns how many slots are occupied.
func (r *Registry) SavedCount() int {
	n := 0
	for _, sd := range r.saved {
		if sd != nil {
			n++
		}
	}
	return n
}

// Device returns the tracked device for addr, or nil.
func (r *Registry) Device(addr transport.Addr) *Device {
	return r.devices[addr]
}

// Devices returns a copy of the tracked device list.
func (r *Registry) Devices() []Device {
	out := make([]Device, 0, len(r.devices))
	for _, dev := range r.devices {
		out = append(out, *dev)
	}
	return out
}
