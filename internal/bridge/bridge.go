// Package bridge is the relay core: it owns the downstream connection slots,
// walks discovery on new links, routes sensor notifications to the mirrored
// upstream characteristics, and translates console control point commands for
// trainers that only understand target resistance.
//
// Everything runs on one goroutine draining a single event stream, so no
// state in this package is locked.
package bridge

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/lowaak/trainer-relay/internal/gatt"
	"github.com/lowaak/trainer-relay/internal/governor"
	"github.com/lowaak/trainer-relay/internal/registry"
	"github.com/lowaak/trainer-relay/internal/telemetry"
	"github.com/lowaak/trainer-relay/internal/transport"
)

const (
	// MaxSlots is the downstream connection capacity.
	MaxSlots = 3

	// MaxSubscriptions bounds the per slot subscription table.
	MaxSubscriptions = 5
)

// ErrBadLength rejects an empty console control point write.
var ErrBadLength = errors.New("control point write too short")

type subscription struct {
	valueHandle uint16
	cccHandle   uint16
	kind        gatt.ServiceKind
}

// slot is one downstream link context. A slot with link 0 is free.
type slot struct {
	link transport.Link
	addr transport.Addr
	rssi int16

	subs     [MaxSubscriptions]subscription
	subCount int
	subsFull bool

	// FTMS control point value handle, 0 until discovered
	controlPoint uint16
}

func (s *slot) clear() {
	*s = slot{}
}

// Bridge wires the two radio roles together. Drive it with Run, or call
// HandleEvent directly in tests.
type Bridge struct {
	central  transport.Central
	upstream transport.Upstream
	reg      *registry.Registry
	gov      *governor.Governor // nil disables grade limiting
	stream   *telemetry.Stream
	logger   *log.Logger

	slots [MaxSlots]slot
	cache powerCache
	trans translator

	// last instantaneous speed seen from the trainer, 0.01 km/h units,
	// feeds the governor's speed bucketing
	lastSpeed uint16

	// single pending control point response toward the console
	pendingResponse []byte

	windowWasActive bool

	now func() time.Time
}

func New(
	central transport.Central,
	upstream transport.Upstream,
	reg *registry.Registry,
	gov *governor.Governor,
	stream *telemetry.Stream,
	logger *log.Logger,
) *Bridge {
	if central == nil {
		panic("central cannot be nil")
	}
	if upstream == nil {
		panic("upstream cannot be nil")
	}
	if reg == nil {
		panic("registry cannot be nil")
	}
	if stream == nil {
		panic("stream cannot be nil")
	}
	if logger == nil {
		panic("logger cannot be nil")
	}
	return &Bridge{
		central:  central,
		upstream: upstream,
		reg:      reg,
		gov:      gov,
		stream:   stream,
		logger:   logger,
		now:      time.Now,
	}
}

// Start begins scanning for downstream devices.
func (b *Bridge) Start() error {
	return b.central.StartScan(gatt.DiscoveryServices)
}

// Run drains events until ctx is canceled.
func (b *Bridge) Run(ctx context.Context, events <-chan transport.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			b.HandleEvent(ev)
		}
	}
}

// HandleEvent processes one event to completion. Never call it concurrently.
func (b *Bridge) HandleEvent(ev transport.Event) {
	switch v := ev.(type) {
	case transport.AdvertisementEvent:
		b.handleAdvertisement(v)
	case transport.ConnectedEvent:
		b.handleConnected(v)
	case transport.DisconnectedEvent:
		b.handleDisconnected(v)
	case transport.AttributeFoundEvent:
		b.handleAttributeFound(v)
	case transport.DiscoveryCompleteEvent:
		b.handleDiscoveryComplete(v)
	case transport.NotificationEvent:
		b.routeNotification(v)
	case transport.WriteCompleteEvent:
		b.handleWriteComplete(v)
	case transport.ConsoleWriteEvent:
		err := b.handleConsoleCommand(v.Value)
		if v.Reply != nil {
			v.Reply <- err
		}
	case transport.TickEvent:
		b.handleTick(v)
	case transport.PairingRequestEvent:
		b.handlePairingRequest(v)
	case transport.DumpRequestEvent:
		b.publishDevices()
		b.publishGradeTable()
	default:
		b.logger.Printf("bridge: unhandled event %T", ev)
	}

	// Control point responses are deferred out of the receiving handler and
	// sent at most one at a time.
	if b.pendingResponse != nil {
		if err := b.upstream.Indicate(b.pendingResponse); err != nil {
			b.logger.Printf("bridge: control point response dropped: %v", err)
		}
		b.pendingResponse = nil
	}
}

func (b *Bridge) handleAdvertisement(v transport.AdvertisementEvent) {
	now := b.now()
	known := b.reg.Device(v.Addr) != nil

	dev := b.reg.Observe(v, now)
	if dev == nil {
		return
	}
	if !known {
		b.publishDevices()
	}

	if !b.reg.ShouldConnect(dev, now) || b.freeSlot() < 0 {
		return
	}

	if err := b.central.StopScan(); err != nil {
		b.logger.Printf("bridge: stop scan before connect: %v", err)
	}
	b.logger.Printf("bridge: connecting to %s (%s)", dev.Name, dev.Addr)
	b.reg.MarkPending(dev.Addr, now)
	if err := b.central.Connect(dev.Addr); err != nil {
		b.logger.Printf("bridge: connect %s: %v", dev.Addr, err)
		b.reg.ClearPending(dev.Addr)
		b.resumeScan()
	}
}

func (b *Bridge) handleConnected(v transport.ConnectedEvent) {
	now := b.now()
	dev := b.reg.HandleConnected(v.Addr, v.Link, now)

	idx := b.freeSlot()
	if idx < 0 {
		b.logger.Printf("bridge: no free slot for %s, dropping connection", v.Addr)
		if err := b.central.Disconnect(v.Link); err != nil {
			b.logger.Printf("bridge: disconnect %s: %v", v.Addr, err)
		}
		return
	}

	s := &b.slots[idx]
	s.clear()
	s.link = v.Link
	s.addr = v.Addr
	s.rssi = dev.RSSI

	b.logger.Printf("bridge: %s connected (slot %d), starting discovery", dev.Name, idx)
	b.publishDevices()

	if err := b.central.Discover(v.Link, gatt.DiscoveryServices); err != nil {
		b.logger.Printf("bridge: discover on %s: %v", v.Addr, err)
		b.resumeScan()
	}
}

func (b *Bridge) handleDisconnected(v transport.DisconnectedEvent) {
	if s := b.slotByLink(v.Link); s != nil {
		s.clear()
	}
	b.trans.linkDown(v.Link)

	if dev := b.reg.HandleDisconnected(v.Addr); dev != nil {
		b.logger.Printf("bridge: %s disconnected", dev.Name)
	}
	b.reg.ClearPending(v.Addr)
	b.publishDevices()
	b.resumeScan()
}

func (b *Bridge) handleAttributeFound(v transport.AttributeFoundEvent) {
	s := b.slotByLink(v.Link)
	if s == nil {
		b.logger.Printf("bridge: attribute on unknown link %d", v.Link)
		return
	}
	if s.subsFull {
		return
	}

	// Per service, only characteristics the relay mirrors are eligible.
	switch v.Service {
	case gatt.ServiceHeartRate:
		if v.Characteristic != gatt.CharHeartRateMeasurement {
			return
		}
	case gatt.ServiceCyclingPower:
		if v.Characteristic != gatt.CharCyclingPowerMeasurement {
			return
		}
	case gatt.ServiceFitnessMachine:
		switch v.Characteristic {
		case gatt.CharIndoorBikeData, gatt.CharTrainingStatus,
			gatt.CharMachineStatus, gatt.CharFTMSControlPoint:
		default:
			return
		}
	default:
		return
	}

	kind := gatt.KindForCharacteristic(v.Characteristic)
	if kind == gatt.KindUnknown {
		return
	}

	if s.subCount >= MaxSubscriptions {
		b.logger.Printf("bridge: subscription table full on %s, discovery halted", s.addr)
		s.subsFull = true
		return
	}

	mode := transport.ModeNotify
	if kind == gatt.KindControlPoint {
		mode = transport.ModeIndicate
	}

	if err := b.central.Subscribe(v.Link, v.ValueHandle, v.CCCHandle, mode, kind); err != nil {
		// Non-fatal: skip this characteristic, keep walking.
		b.logger.Printf("bridge: subscribe %s on %s: %v", kind, s.addr, err)
		return
	}

	s.subs[s.subCount] = subscription{
		valueHandle: v.ValueHandle,
		cccHandle:   v.CCCHandle,
		kind:        kind,
	}
	s.subCount++

	if kind == gatt.KindControlPoint {
		s.controlPoint = v.ValueHandle
		b.logger.Printf("bridge: trainer control point at handle %d on %s", v.ValueHandle, s.addr)
	}
}

func (b *Bridge) handleDiscoveryComplete(v transport.DiscoveryCompleteEvent) {
	s := b.slotByLink(v.Link)
	if v.Err != nil {
		// Non-fatal: keep whatever subscriptions were established.
		b.logger.Printf("bridge: discovery on link %d aborted: %v", v.Link, v.Err)
	} else if s != nil {
		b.logger.Printf("bridge: discovery on %s done, %d subscriptions", s.addr, s.subCount)
	}
	b.resumeScan()
}

func (b *Bridge) handleTick(v transport.TickEvent) {
	if removed := b.reg.Purge(v.At); len(removed) > 0 {
		b.publishDevices()
	}

	if addr, ok := b.reg.PendingTimedOut(v.At); ok {
		b.logger.Printf("bridge: connection to %s timed out, cancelling", addr)
		if err := b.central.CancelConnect(addr); err != nil {
			b.logger.Printf("bridge: cancel connect %s: %v", addr, err)
		}
		b.reg.ClearPending(addr)
		b.resumeScan()
	}

	active := b.reg.PairingWindowActive(v.At)
	if b.windowWasActive && !active {
		b.logger.Printf("bridge: pairing window expired, known devices only")
		b.publishStatus("pairing window closed")
	}
	b.windowWasActive = active

	if b.gov != nil {
		b.gov.RecordActive(b.riderActive(v.At), v.At)
	}
}

func (b *Bridge) handlePairingRequest(v transport.PairingRequestEvent) {
	if v.ClearSaved {
		b.reg.ClearSaved()
	}
	now := b.now()
	b.reg.OpenPairingWindow(now)
	b.windowWasActive = true
	b.publishStatus("pairing window open")
	b.resumeScan()
}

// riderActive feeds the governor's active time accrual: a connected trainer
// or meaningful pedaling power counts as riding.
func (b *Bridge) riderActive(now time.Time) bool {
	for i := range b.slots {
		if b.slots[i].link != 0 && b.slots[i].controlPoint != 0 {
			return true
		}
	}
	return b.cache.validAt(now) && b.cache.power > 50
}

func (b *Bridge) resumeScan() {
	if err := b.central.StartScan(gatt.DiscoveryServices); err != nil {
		b.logger.Printf("bridge: resume scan: %v", err)
	}
}

func (b *Bridge) freeSlot() int {
	for i := range b.slots {
		if b.slots[i].link == 0 {
			return i
		}
	}
	return -1
}

func (b *Bridge) slotByLink(link transport.Link) *slot {
	if link == 0 {
		return nil
	}
	for i := range b.slots {
		if b.slots[i].link == link {
			return &b.slots[i]
		}
	}
	return nil
}

// trainerSlot returns the slot holding a discovered control point, or nil.
func (b *Bridge) trainerSlot() *slot {
	for i := range b.slots {
		if b.slots[i].link != 0 && b.slots[i].controlPoint != 0 {
			return &b.slots[i]
		}
	}
	return nil
}

func (b *Bridge) publishStatus(msg string) {
	b.stream.Publish(telemetry.Record{
		Type:   "status",
		Status: &telemetry.StatusRecord{Message: msg},
	})
}

func (b *Bridge) publishDevices() {
	devices := b.reg.Devices()
	recs := make([]telemetry.DeviceRecord, 0, len(devices))
	for _, d := range devices {
		recs = append(recs, telemetry.DeviceRecord{
			Address:     string(d.Addr),
			Name:        d.Name,
			RSSI:        d.RSSI,
			ServiceMask: d.ServiceMask,
			Saved:       d.Saved,
			Connected:   d.Connected,
		})
	}
	b.stream.Publish(telemetry.Record{
		Type:    "devices",
		Devices: &telemetry.DevicesRecord{Devices: recs},
	})
}

func (b *Bridge) publishGradeTable() {
	if b.gov == nil {
		return
	}
	b.stream.Publish(telemetry.Record{
		Type: "grade_table",
		GradeTable: &telemetry.GradeTableRecord{
			Ceilings:      b.gov.Ceilings(),
			ActiveSeconds: b.gov.ActiveSeconds(),
		},
	})
}
