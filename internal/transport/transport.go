// Package transport abstracts the BLE radio behind two narrow interfaces:
// Central for the downstream side (scanning, connecting, subscribing to
// sensors) and Upstream for the peripheral side (the mirrored services the
// console subscribes to). Implementations push everything that happens on the
// radio into a single event stream so the rest of the relay can stay on one
// goroutine.
package transport

import (
	"time"

	"github.com/lowaak/trainer-relay/internal/gatt"
)

// Addr identifies a remote device. On Linux this is the MAC address string.
type Addr string

// Link identifies an established downstream connection. The zero value is
// never a valid link.
type Link int

// SubscribeMode selects how a characteristic delivers values.
type SubscribeMode int

const (
	ModeNotify SubscribeMode = iota + 1
	ModeIndicate
)

// Mirror names one of the upstream characteristics the relay republishes on.
type Mirror int

const (
	MirrorHeartRate Mirror = iota
	MirrorCSC
	MirrorPower
	MirrorIndoorBike
	MirrorTrainingStatus
	MirrorMachineStatus
)

func (m Mirror) String() string {
	switch m {
	case MirrorHeartRate:
		return "hr"
	case MirrorCSC:
		return "csc"
	case MirrorPower:
		return "cp"
	case MirrorIndoorBike:
		return "ibd"
	case MirrorTrainingStatus:
		return "training"
	case MirrorMachineStatus:
		return "machine"
	default:
		return "unknown"
	}
}

// Event is a closed set of things that can happen on either radio role.
// All variants are delivered on the same stream and handled by a single
// consumer, so handlers never race each other.
type Event interface {
	isEvent()
}

// AdvertisementEvent reports a scan result.
type AdvertisementEvent struct {
	Addr     Addr
	Name     string
	RSSI     int16
	Services []uint16
}

// ConnectedEvent reports a downstream connection coming up. The transport
// assigns the Link.
type ConnectedEvent struct {
	Link Link
	Addr Addr
}

// DisconnectedEvent reports a downstream connection going away, whether
// requested or not.
type DisconnectedEvent struct {
	Link Link
	Addr Addr
}

// AttributeFoundEvent reports one subscribable characteristic found during
// discovery on a link.
type AttributeFoundEvent struct {
	Link           Link
	Service        uint16
	Characteristic uint16
	ValueHandle    uint16
	CCCHandle      uint16
}

// DiscoveryCompleteEvent ends a discovery pass on a link. Err is non-nil if
// the pass aborted early.
type DiscoveryCompleteEvent struct {
	Link Link
	Err  error
}

// NotificationEvent carries a value pushed by a downstream device. Kind is
// the tag given at Subscribe time; the transport never inspects Value.
type NotificationEvent struct {
	Link  Link
	Kind  gatt.ServiceKind
	Value []byte
}

// WriteCompleteEvent reports the outcome of a Central.Write.
type WriteCompleteEvent struct {
	Link Link
	Err  error
}

// ConsoleWriteEvent carries a control point command written by the console.
// When Reply is non-nil the handler must send exactly one value on it; the
// transport uses it to order its own bookkeeping after the command has been
// accepted. A nil error means the command was taken, not that it succeeded.
type ConsoleWriteEvent struct {
	Value []byte
	Reply chan<- error
}

// TickEvent drives time-based work (connect timeouts, pairing window expiry,
// stale device purging) through the same serialized stream as radio traffic.
type TickEvent struct {
	At time.Time
}

// PairingRequestEvent opens the pairing window. Injected by the process
// signal handler so the request is serialized with radio traffic.
type PairingRequestEvent struct {
	ClearSaved bool
}

// DumpRequestEvent asks for device list and grade table telemetry snapshots.
type DumpRequestEvent struct{}

func (AdvertisementEvent) isEvent()     {}
func (ConnectedEvent) isEvent()         {}
func (DisconnectedEvent) isEvent()      {}
func (AttributeFoundEvent) isEvent()    {}
func (DiscoveryCompleteEvent) isEvent() {}
func (NotificationEvent) isEvent()      {}
func (WriteCompleteEvent) isEvent()     {}
func (ConsoleWriteEvent) isEvent()      {}
func (TickEvent) isEvent()              {}
func (PairingRequestEvent) isEvent()    {}
func (DumpRequestEvent) isEvent()       {}

// Central is the downstream radio role.
//
// Connect, Discover and Write are asynchronous: results arrive as events.
// Subscribe is synchronous because implementations register the callback
// before any notification can be delivered.
type Central interface {
	StartScan(services []uint16) error
	StopScan() error
	Connect(addr Addr) error
	CancelConnect(addr Addr) error
	Disconnect(link Link) error
	Discover(link Link, services []uint16) error
	Subscribe(link Link, valueHandle, cccHandle uint16, mode SubscribeMode, kind gatt.ServiceKind) error
	Write(link Link, valueHandle uint16, value []byte) error
}

// Upstream is the peripheral radio role.
type Upstream interface {
	// Notify republishes a value on one of the mirrored characteristics.
	// It is a no-op when no console is subscribed.
	Notify(mirror Mirror, value []byte) error
	// Indicate sends a control point response toward the console.
	// Best effort: an unsubscribed or absent console drops it.
	Indicate(value []byte) error
}
