package bridge

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/lowaak/trainer-relay/internal/gatt"
	"github.com/lowaak/trainer-relay/internal/telemetry"
	"github.com/lowaak/trainer-relay/internal/transport"
)

// powerCacheWindow is how long a power meter reading may stand in for the
// trainer's own power field.
const powerCacheWindow = 5 * time.Second

// powerCache fuses power meter readings into trainer telemetry. Written only
// on cycling power notifications, read when republishing indoor bike data.
type powerCache struct {
	power   int16
	cadence uint16
	at      time.Time
	set     bool

	tracker gatt.CadenceTracker
}

func (c *powerCache) validAt(now time.Time) bool {
	return c.set && now.Sub(c.at) <= powerCacheWindow
}

func (b *Bridge) routeNotification(v transport.NotificationEvent) {
	switch v.Kind {
	case gatt.KindHeartRate:
		b.routeHeartRate(v)
	case gatt.KindCyclingPower:
		b.routeCyclingPower(v)
	case gatt.KindIndoorBikeData:
		b.routeIndoorBikeData(v)
	case gatt.KindTrainingStatus:
		if err := b.upstream.Notify(transport.MirrorTrainingStatus, v.Value); err != nil {
			b.logger.Printf("bridge: republish training status: %v", err)
		}
	case gatt.KindMachineStatus:
		b.routeMachineStatus(v)
	case gatt.KindControlPoint:
		b.handleTrainerResponse(v.Value)
	default:
		b.logger.Printf("bridge: dropping notification with unresolved kind from link %d", v.Link)
	}
}

func (b *Bridge) routeHeartRate(v transport.NotificationEvent) {
	if err := b.upstream.Notify(transport.MirrorHeartRate, v.Value); err != nil {
		b.logger.Printf("bridge: republish heart rate: %v", err)
	}

	m, err := gatt.ParseHeartRate(v.Value)
	if err != nil {
		b.logger.Printf("bridge: heart rate decode: %v", err)
		return
	}

	var rssi int16
	if s := b.slotByLink(v.Link); s != nil {
		rssi = s.rssi
	}
	b.stream.Publish(telemetry.Record{
		Type:      "hr",
		HeartRate: &telemetry.HeartRateRecord{BPM: m.BPM, RSSI: rssi},
	})
}

func (b *Bridge) routeCyclingPower(v transport.NotificationEvent) {
	// Verbatim first: latency on the live power number beats everything
	// derived from it.
	if err := b.upstream.Notify(transport.MirrorPower, v.Value); err != nil {
		b.logger.Printf("bridge: republish power: %v", err)
	}

	m, err := gatt.ParsePowerMeasurement(v.Value)
	if err != nil {
		b.logger.Printf("bridge: power decode: %v", err)
		return
	}

	now := b.now()
	cadence := b.cache.tracker.Cadence()
	if m.HasCrankData {
		cadence = b.cache.tracker.Update(m.CrankRevs, m.CrankEventTime, now)
		csc := gatt.BuildCSCMeasurement(m.CrankRevs, m.CrankEventTime)
		if err := b.upstream.Notify(transport.MirrorCSC, csc); err != nil {
			b.logger.Printf("bridge: republish cadence: %v", err)
		}
	}

	b.cache.power = m.Power
	b.cache.cadence = cadence
	b.cache.at = now
	b.cache.set = true

	b.stream.Publish(telemetry.Record{
		Type:  "cp",
		Power: &telemetry.PowerRecord{Watts: m.Power, Cadence: cadence},
	})
}

func (b *Bridge) routeIndoorBikeData(v transport.NotificationEvent) {
	d, err := gatt.ParseIndoorBikeData(v.Value)
	if err != nil {
		b.logger.Printf("bridge: indoor bike data decode: %v", err)
		if err := b.upstream.Notify(transport.MirrorIndoorBike, v.Value); err != nil {
			b.logger.Printf("bridge: republish indoor bike data: %v", err)
		}
		return
	}

	if d.HasSpeed {
		b.lastSpeed = d.Speed
	}

	// Overwrite the trainer's power field in place with the power meter's
	// reading while the cache is fresh. A record without a power field is
	// never widened to add one.
	now := b.now()
	injected := false
	watts := d.Power
	if d.PowerOffset >= 0 && len(v.Value) >= d.PowerOffset+2 && b.cache.validAt(now) {
		binary.LittleEndian.PutUint16(v.Value[d.PowerOffset:d.PowerOffset+2], uint16(b.cache.power))
		watts = b.cache.power
		injected = true
	}

	if err := b.upstream.Notify(transport.MirrorIndoorBike, v.Value); err != nil {
		b.logger.Printf("bridge: republish indoor bike data: %v", err)
	}

	rec := telemetry.BikeRecord{SpeedRaw: d.Speed, Injected: injected}
	if d.HasCadence {
		c := d.Cadence
		rec.Cadence = &c
	}
	if d.HasPower || injected {
		w := watts
		rec.Watts = &w
	}
	b.stream.Publish(telemetry.Record{Type: "ftms", Bike: &rec})
}

func (b *Bridge) routeMachineStatus(v transport.NotificationEvent) {
	if err := b.upstream.Notify(transport.MirrorMachineStatus, v.Value); err != nil {
		b.logger.Printf("bridge: republish machine status: %v", err)
	}

	s, err := gatt.ParseMachineStatus(v.Value)
	if err != nil {
		b.logger.Printf("bridge: machine status decode: %v", err)
		return
	}
	b.stream.Publish(telemetry.Record{
		Type:   "status",
		Status: &telemetry.StatusRecord{Message: machineStatusMessage(s)},
	})
}

func machineStatusMessage(s gatt.MachineStatus) string {
	switch {
	case s.TargetSpeed != nil:
		return fmt.Sprintf("machine status: target speed %d", *s.TargetSpeed)
	case s.TargetIncline != nil:
		return fmt.Sprintf("machine status: target incline %d", *s.TargetIncline)
	case s.TargetResistance != nil:
		return fmt.Sprintf("machine status: target resistance %d", *s.TargetResistance)
	case s.TargetPower != nil:
		return fmt.Sprintf("machine status: target power %dW", *s.TargetPower)
	case s.TargetHeartRate != nil:
		return fmt.Sprintf("machine status: target heart rate %d", *s.TargetHeartRate)
	case s.Temperature != nil:
		return fmt.Sprintf("machine status: temperature %d", *s.Temperature)
	default:
		return fmt.Sprintf("machine status: op 0x%02x % x", s.OpCode, s.Raw)
	}
}
