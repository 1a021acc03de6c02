package transport

import (
	"fmt"
	"log"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/lowaak/trainer-relay/internal/events"
	"github.com/lowaak/trainer-relay/internal/gatt"
)

// consoleReplyTimeout bounds how long a control point write handler waits for
// the event loop to take the command.
const consoleReplyTimeout = 2 * time.Second

// BLEUpstream registers the mirrored sensor services on a tinygo bluetooth
// adapter and advertises them to the console.
//
// Four services are exposed: heart rate with the measurement characteristic,
// speed and cadence with the measurement characteristic, cycling power with
// the measurement characteristic, and fitness machine with indoor bike data,
// training status, machine status and the control point.
type BLEUpstream struct {
	adapter *bluetooth.Adapter
	sink    *events.ChannelEvent[Event]
	logger  *log.Logger

	// first console connection to write the control point; writes from any
	// other connection are rejected, there is no multi-console support
	mu      sync.Mutex
	console bluetooth.Connection
	pinned  bool

	hrMeasurement    bluetooth.Characteristic
	cscMeasurement   bluetooth.Characteristic
	powerMeasurement bluetooth.Characteristic
	indoorBikeData   bluetooth.Characteristic
	trainingStatus   bluetooth.Characteristic
	machineStatus    bluetooth.Characteristic
	controlPoint     bluetooth.Characteristic
}

var _ Upstream = (*BLEUpstream)(nil)

func NewBLEUpstream(adapter *bluetooth.Adapter, sink *events.ChannelEvent[Event], logger *log.Logger) *BLEUpstream {
	if adapter == nil {
		panic("adapter cannot be nil")
	}
	if sink == nil {
		panic("sink cannot be nil")
	}
	if logger == nil {
		panic("logger cannot be nil")
	}
	return &BLEUpstream{
		adapter: adapter,
		sink:    sink,
		logger:  logger,
	}
}

// Register installs the GATT table. Call once, before Advertise.
func (u *BLEUpstream) Register() error {
	services := []bluetooth.Service{
		{
			UUID: bluetooth.New16BitUUID(gatt.ServiceHeartRate),
			Characteristics: []bluetooth.CharacteristicConfig{
				{
					Handle: &u.hrMeasurement,
					UUID:   bluetooth.New16BitUUID(gatt.CharHeartRateMeasurement),
					Flags:  bluetooth.CharacteristicNotifyPermission,
				},
			},
		},
		{
			UUID: bluetooth.New16BitUUID(gatt.ServiceCyclingSpeedCadence),
			Characteristics: []bluetooth.CharacteristicConfig{
				{
					Handle: &u.cscMeasurement,
					UUID:   bluetooth.New16BitUUID(gatt.CharCSCMeasurement),
					Flags:  bluetooth.CharacteristicNotifyPermission,
				},
			},
		},
		{
			UUID: bluetooth.New16BitUUID(gatt.ServiceCyclingPower),
			Characteristics: []bluetooth.CharacteristicConfig{
				{
					Handle: &u.powerMeasurement,
					UUID:   bluetooth.New16BitUUID(gatt.CharCyclingPowerMeasurement),
					Flags:  bluetooth.CharacteristicNotifyPermission,
				},
			},
		},
		{
			UUID: bluetooth.New16BitUUID(gatt.ServiceFitnessMachine),
			Characteristics: []bluetooth.CharacteristicConfig{
				{
					Handle: &u.indoorBikeData,
					UUID:   bluetooth.New16BitUUID(gatt.CharIndoorBikeData),
					Flags:  bluetooth.CharacteristicNotifyPermission,
				},
				{
					Handle: &u.trainingStatus,
					UUID:   bluetooth.New16BitUUID(gatt.CharTrainingStatus),
					Flags:  bluetooth.CharacteristicNotifyPermission,
				},
				{
					Handle: &u.machineStatus,
					UUID:   bluetooth.New16BitUUID(gatt.CharMachineStatus),
					Flags:  bluetooth.CharacteristicNotifyPermission,
				},
				{
					Handle:     &u.controlPoint,
					UUID:       bluetooth.New16BitUUID(gatt.CharFTMSControlPoint),
					Flags:      bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicIndicatePermission,
					WriteEvent: u.handleControlPointWrite,
				},
			},
		},
	}

	for _, svc := range services {
		if err := u.adapter.AddService(&svc); err != nil {
			return fmt.Errorf("add service %s: %w", svc.UUID.String(), err)
		}
	}
	return nil
}

func (u *BLEUpstream) handleControlPointWrite(client bluetooth.Connection, offset int, value []byte) {
	// ATT level validation mirrors what a real machine rejects.
	if offset != 0 {
		u.logger.Printf("BLEUpstream: control point write with offset %d rejected", offset)
		return
	}
	if len(value) < 1 {
		u.logger.Printf("BLEUpstream: empty control point write rejected")
		return
	}

	u.mu.Lock()
	if !u.pinned {
		u.console = client
		u.pinned = true
	} else if u.console != client {
		u.mu.Unlock()
		u.logger.Printf("BLEUpstream: control point write from second console rejected")
		return
	}
	u.mu.Unlock()

	cmd := make([]byte, len(value))
	copy(cmd, value)
	u.logger.Printf("BLEUpstream: console -> %s (0x%02x)", gatt.FTMSOpCodeName(cmd[0]), cmd[0])

	reply := make(chan error, 1)
	u.sink.Notify(ConsoleWriteEvent{Value: cmd, Reply: reply})

	// Wait so back to back console commands enter the loop in write order.
	select {
	case err := <-reply:
		if err != nil {
			u.logger.Printf("BLEUpstream: control point command refused: %v", err)
		}
	case <-time.After(consoleReplyTimeout):
		u.logger.Printf("BLEUpstream: control point command not taken within %v", consoleReplyTimeout)
	}
}

// Advertise starts advertising the mirrored fitness machine under name.
func (u *BLEUpstream) Advertise(name string) error {
	adv := u.adapter.DefaultAdvertisement()
	err := adv.Configure(bluetooth.AdvertisementOptions{
		LocalName: name,
		ServiceUUIDs: []bluetooth.UUID{
			bluetooth.New16BitUUID(gatt.ServiceFitnessMachine),
			bluetooth.New16BitUUID(gatt.ServiceCyclingPower),
			bluetooth.New16BitUUID(gatt.ServiceHeartRate),
		},
	})
	if err != nil {
		return fmt.Errorf("configure advertisement: %w", err)
	}
	if err := adv.Start(); err != nil {
		return fmt.Errorf("start advertising: %w", err)
	}
	u.logger.Printf("BLEUpstream: advertising as %q", name)
	return nil
}

// Notify pushes a value to the console on the given mirror. The adapter
// drops the write when nothing is subscribed.
func (u *BLEUpstream) Notify(mirror Mirror, value []byte) error {
	ch := u.mirrorCharacteristic(mirror)
	if ch == nil {
		return fmt.Errorf("notify: unknown mirror %v", mirror)
	}
	if _, err := ch.Write(value); err != nil {
		return fmt.Errorf("notify %s: %w", mirror, err)
	}
	return nil
}

// Indicate sends a control point response. The adapter delivers it as an
// indication because the characteristic only carries the indicate flag.
func (u *BLEUpstream) Indicate(value []byte) error {
	if _, err := u.controlPoint.Write(value); err != nil {
		return fmt.Errorf("indicate control point response: %w", err)
	}
	return nil
}

func (u *BLEUpstream) mirrorCharacteristic(mirror Mirror) *bluetooth.Characteristic {
	switch mirror {
	case MirrorHeartRate:
		return &u.hrMeasurement
	case MirrorCSC:
		return &u.cscMeasurement
	case MirrorPower:
		return &u.powerMeasurement
	case MirrorIndoorBike:
		return &u.indoorBikeData
	case MirrorTrainingStatus:
		return &u.trainingStatus
	case MirrorMachineStatus:
		return &u.machineStatus
	default:
		return nil
	}
}
