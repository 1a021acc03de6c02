package bridge

import (
	"github.com/lowaak/trainer-relay/internal/gatt"
	"github.com/lowaak/trainer-relay/internal/telemetry"
	"github.com/lowaak/trainer-relay/internal/transport"
)

// translator owns the control point forwarding state: at most one downstream
// write in flight, and whether the last forwarded command was rewritten from
// a simulation command to target resistance.
//
// The translated flag is a single bit, not keyed per command. A second
// translated command cannot start before the first completes thanks to the
// one in flight policy, which bounds the mis-rewrite window to responses the
// trainer sends unprompted.
type translator struct {
	inFlight     bool
	inFlightLink transport.Link
	translated   bool
}

func (t *translator) linkDown(link transport.Link) {
	if t.inFlight && t.inFlightLink == link {
		t.inFlight = false
		t.translated = false
	}
}

// handleConsoleCommand processes one control point write from the console.
// A non-nil return is a protocol violation surfaced to the transport; every
// downstream problem is accepted and dropped instead, since the write has
// already been acknowledged at the protocol level.
func (b *Bridge) handleConsoleCommand(cmd []byte) error {
	if len(cmd) < 1 {
		return ErrBadLength
	}

	b.logger.Printf("bridge: console command %s (0x%02x)", gatt.FTMSOpCodeName(cmd[0]), cmd[0])

	s := b.trainerSlot()
	if s == nil {
		b.logger.Printf("bridge: no trainer control point, dropping command")
		return nil
	}

	if b.trans.inFlight {
		b.logger.Printf("bridge: write in flight, dropping command 0x%02x", cmd[0])
		return nil
	}

	out := cmd
	translated := false
	if cmd[0] == gatt.FTMSOpCodeSetIndoorBikeSim {
		if p, err := gatt.ParseSimulationParams(cmd); err == nil {
			applied, limited := p.Grade, false
			if b.gov != nil {
				applied, limited = b.gov.Apply(b.lastSpeed, p.Grade)
			}
			resistance := gatt.GradeToResistance(applied)
			out = gatt.BuildTargetResistance(resistance)
			translated = true

			b.stream.Publish(telemetry.Record{
				Type: "sim",
				Simulation: &telemetry.SimulationRecord{
					WindSpeed:  p.WindSpeed,
					GradeRaw:   p.Grade,
					Applied:    applied,
					Resistance: resistance,
					Limited:    limited,
				},
			})
		}
	}

	if err := b.central.Write(s.link, s.controlPoint, out); err != nil {
		b.logger.Printf("bridge: forward to trainer: %v", err)
		return nil
	}
	b.trans.inFlight = true
	b.trans.inFlightLink = s.link
	b.trans.translated = translated
	return nil
}

func (b *Bridge) handleWriteComplete(v transport.WriteCompleteEvent) {
	if !b.trans.inFlight || b.trans.inFlightLink != v.Link {
		return
	}
	b.trans.inFlight = false
	if v.Err != nil {
		b.logger.Printf("bridge: forwarding to trainer failed: %v", v.Err)
		b.trans.translated = false
	}
}

// handleTrainerResponse relays a control point indication from the trainer
// toward the console, rewriting the echoed op code back to the simulation
// command when the forwarded command was a translation. The actual send is
// deferred to the end of the event dispatch.
func (b *Bridge) handleTrainerResponse(payload []byte) {
	b.logger.Printf("bridge: trainer response [% x]", payload)

	out := payload
	if len(payload) >= 3 && payload[0] == gatt.FTMSOpCodeResponseCode {
		if b.trans.translated && payload[1] == gatt.FTMSOpCodeSetTargetResistance {
			out = append([]byte(nil), payload...)
			out[1] = gatt.FTMSOpCodeSetIndoorBikeSim
			b.trans.translated = false
		}
		b.logger.Printf("bridge: response to %s: %s",
			gatt.FTMSOpCodeName(out[1]), resultName(payload[2]))
	}

	if b.pendingResponse != nil {
		b.logger.Printf("bridge: previous response still pending, dropping")
		return
	}
	b.pendingResponse = out
}

func resultName(code byte) string {
	switch code {
	case gatt.FTMSResultSuccess:
		return "Success"
	case gatt.FTMSResultOpCodeNotSupported:
		return "Not Supported"
	case gatt.FTMSResultInvalidParameter:
		return "Invalid Parameter"
	case gatt.FTMSResultOperationFailed:
		return "Failed"
	case gatt.FTMSResultControlNotPermitted:
		return "Control Not Permitted"
	default:
		return "Unknown"
	}
}
