package transport

import (
	"fmt"
	"log"
	"sync"

	"tinygo.org/x/bluetooth"

	"github.com/lowaak/trainer-relay/internal/events"
	"github.com/lowaak/trainer-relay/internal/gatt"
)

// BLECentral drives the downstream role on a tinygo bluetooth adapter.
//
// The adapter API is callback based and UUID addressed; BLECentral flattens
// it into the handle addressed event stream the relay consumes. Value handles
// are synthesized per link during discovery, with the client descriptor
// handle reported as value handle plus one.
type BLECentral struct {
	adapter *bluetooth.Adapter
	sink    *events.ChannelEvent[Event]
	logger  *log.Logger

	mu       sync.Mutex
	nextLink Link
	links    map[Link]*centralLink
	byAddr   map[Addr]*centralLink
	scanned  map[Addr]bluetooth.Address
	canceled map[Addr]bool
	scanning bool
}

type centralLink struct {
	link   Link
	addr   Addr
	device bluetooth.Device

	// populated by Discover, keyed by synthesized value handle
	chars map[uint16]bluetooth.DeviceCharacteristic
}

var _ Central = (*BLECentral)(nil)

func NewBLECentral(adapter *bluetooth.Adapter, sink *events.ChannelEvent[Event], logger *log.Logger) *BLECentral {
	if adapter == nil {
		panic("adapter cannot be nil")
	}
	if sink == nil {
		panic("sink cannot be nil")
	}
	if logger == nil {
		panic("logger cannot be nil")
	}
	return &BLECentral{
		adapter:  adapter,
		sink:     sink,
		logger:   logger,
		nextLink: 1,
		links:    make(map[Link]*centralLink),
		byAddr:   make(map[Addr]*centralLink),
		scanned:  make(map[Addr]bluetooth.Address),
		canceled: make(map[Addr]bool),
	}
}

// Enable powers the adapter and installs the connect handler. Call once
// before any other method.
func (c *BLECentral) Enable() error {
	c.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			c.handleConnected(device)
		} else {
			c.handleDisconnected(device)
		}
	})
	if err := c.adapter.Enable(); err != nil {
		return fmt.Errorf("enable adapter: %w", err)
	}
	return nil
}

func (c *BLECentral) handleConnected(device bluetooth.Device) {
	addr := Addr(device.Address.String())

	c.mu.Lock()
	if c.canceled[addr] {
		delete(c.canceled, addr)
		c.mu.Unlock()
		c.logger.Printf("BLECentral: %s connected after cancel, dropping", addr)
		if err := device.Disconnect(); err != nil {
			c.logger.Printf("BLECentral: disconnect of canceled %s: %v", addr, err)
		}
		return
	}
	l := &centralLink{
		link:   c.nextLink,
		addr:   addr,
		device: device,
		chars:  make(map[uint16]bluetooth.DeviceCharacteristic),
	}
	c.nextLink++
	c.links[l.link] = l
	c.byAddr[addr] = l
	c.mu.Unlock()

	c.logger.Printf("BLECentral: connected %s (link %d)", addr, l.link)
	c.sink.Notify(ConnectedEvent{Link: l.link, Addr: addr})
}

func (c *BLECentral) handleDisconnected(device bluetooth.Device) {
	addr := Addr(device.Address.String())

	c.mu.Lock()
	l, ok := c.byAddr[addr]
	if ok {
		delete(c.links, l.link)
		delete(c.byAddr, addr)
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	c.logger.Printf("BLECentral: disconnected %s (link %d)", addr, l.link)
	c.sink.Notify(DisconnectedEvent{Link: l.link, Addr: addr})
}

// StartScan begins scanning for devices advertising any of the given 16-bit
// services. The scan callback runs on the adapter goroutine; results are
// forwarded as AdvertisementEvents.
func (c *BLECentral) StartScan(services []uint16) error {
	c.mu.Lock()
	if c.scanning {
		c.mu.Unlock()
		return nil
	}
	c.scanning = true
	c.mu.Unlock()

	wanted := make(map[uint16]struct{}, len(services))
	for _, s := range services {
		wanted[s] = struct{}{}
	}

	go func() {
		err := c.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			var advertised []uint16
			for _, u := range result.ServiceUUIDs() {
				if u.Is16Bit() {
					advertised = append(advertised, u.Get16Bit())
				}
			}
			if len(wanted) > 0 {
				found := false
				for _, s := range advertised {
					if _, ok := wanted[s]; ok {
						found = true
						break
					}
				}
				if !found {
					return
				}
			}

			addr := Addr(result.Address.String())
			c.mu.Lock()
			c.scanned[addr] = result.Address
			c.mu.Unlock()

			c.sink.Notify(AdvertisementEvent{
				Addr:     addr,
				Name:     result.LocalName(),
				RSSI:     result.RSSI,
				Services: advertised,
			})
		})
		if err != nil {
			c.logger.Printf("BLECentral: scan ended: %v", err)
		}
		c.mu.Lock()
		c.scanning = false
		c.mu.Unlock()
	}()
	return nil
}

func (c *BLECentral) StopScan() error {
	c.mu.Lock()
	wasScanning := c.scanning
	c.mu.Unlock()
	if !wasScanning {
		return nil
	}
	if err := c.adapter.StopScan(); err != nil {
		return fmt.Errorf("stop scan: %w", err)
	}
	return nil
}

// Connect initiates a connection to a previously scanned address. The result
// arrives as a ConnectedEvent via the connect handler.
func (c *BLECentral) Connect(addr Addr) error {
	c.mu.Lock()
	bleAddr, ok := c.scanned[addr]
	delete(c.canceled, addr)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("connect %s: address not seen in scan", addr)
	}

	c.logger.Printf("BLECentral: connecting to %s", addr)
	go func() {
		_, err := c.adapter.Connect(bleAddr, bluetooth.ConnectionParams{})
		if err != nil {
			c.logger.Printf("BLECentral: connect %s: %v", addr, err)
		}
	}()
	return nil
}

// CancelConnect abandons a pending connection attempt. The adapter has no
// cancel primitive, so a connection that completes anyway is dropped on
// arrival.
func (c *BLECentral) CancelConnect(addr Addr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, up := c.byAddr[addr]; up {
		return fmt.Errorf("cancel connect %s: already connected", addr)
	}
	c.canceled[addr] = true
	return nil
}

func (c *BLECentral) Disconnect(link Link) error {
	c.mu.Lock()
	l, ok := c.links[link]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("disconnect link %d: unknown link", link)
	}
	if err := l.device.Disconnect(); err != nil {
		return fmt.Errorf("disconnect %s: %w", l.addr, err)
	}
	return nil
}

// Discover enumerates notify capable characteristics in the given services.
// One AttributeFoundEvent is emitted per characteristic, then a single
// DiscoveryCompleteEvent. Runs on its own goroutine since the adapter calls
// block.
func (c *BLECentral) Discover(link Link, services []uint16) error {
	c.mu.Lock()
	l, ok := c.links[link]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("discover link %d: unknown link", link)
	}

	uuids := make([]bluetooth.UUID, len(services))
	for i, s := range services {
		uuids[i] = bluetooth.New16BitUUID(s)
	}

	go func() {
		err := c.discover(l, uuids)
		c.sink.Notify(DiscoveryCompleteEvent{Link: link, Err: err})
	}()
	return nil
}

func (c *BLECentral) discover(l *centralLink, uuids []bluetooth.UUID) error {
	svcs, err := l.device.DiscoverServices(uuids)
	if err != nil {
		return fmt.Errorf("discover services on %s: %w", l.addr, err)
	}

	// Synthesized handles: value at odd positions, descriptor right after,
	// matching the count-up an ATT table would produce.
	var next uint16 = 1
	for i := range svcs {
		svc := svcs[i]
		if !svc.UUID().Is16Bit() {
			continue
		}
		svc16 := svc.UUID().Get16Bit()

		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			return fmt.Errorf("discover characteristics of %04x on %s: %w", svc16, l.addr, err)
		}
		for j := range chars {
			ch := chars[j]
			if !ch.UUID().Is16Bit() {
				continue
			}
			valueHandle := next
			next += 2

			c.mu.Lock()
			l.chars[valueHandle] = ch
			c.mu.Unlock()

			c.sink.Notify(AttributeFoundEvent{
				Link:           l.link,
				Service:        svc16,
				Characteristic: ch.UUID().Get16Bit(),
				ValueHandle:    valueHandle,
				CCCHandle:      valueHandle + 1,
			})
		}
	}
	return nil
}

// Subscribe enables notifications on a previously discovered characteristic.
// The adapter writes the client descriptor itself, so cccHandle and mode are
// informational here; indications are acknowledged at the link layer.
func (c *BLECentral) Subscribe(link Link, valueHandle, cccHandle uint16, mode SubscribeMode, kind gatt.ServiceKind) error {
	c.mu.Lock()
	l, ok := c.links[link]
	var ch bluetooth.DeviceCharacteristic
	if ok {
		ch, ok = l.chars[valueHandle]
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("subscribe link %d handle %d: unknown attribute", link, valueHandle)
	}

	err := ch.EnableNotifications(func(buf []byte) {
		value := make([]byte, len(buf))
		copy(value, buf)
		c.sink.Notify(NotificationEvent{Link: link, Kind: kind, Value: value})
	})
	if err != nil {
		return fmt.Errorf("enable notifications on link %d handle %d: %w", link, valueHandle, err)
	}
	c.logger.Printf("BLECentral: subscribed link %d handle %d as %s", link, valueHandle, kind)
	return nil
}

// Write sends a write without response, the only write path BlueZ exposes
// here, and reports the outcome as a WriteCompleteEvent.
func (c *BLECentral) Write(link Link, valueHandle uint16, value []byte) error {
	c.mu.Lock()
	l, ok := c.links[link]
	var ch bluetooth.DeviceCharacteristic
	if ok {
		ch, ok = l.chars[valueHandle]
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("write link %d handle %d: unknown attribute", link, valueHandle)
	}

	data := make([]byte, len(value))
	copy(data, value)
	go func() {
		_, err := ch.WriteWithoutResponse(data)
		if err != nil {
			err = fmt.Errorf("write link %d handle %d: %w", link, valueHandle, err)
		}
		c.sink.Notify(WriteCompleteEvent{Link: link, Err: err})
	}()
	return nil
}
