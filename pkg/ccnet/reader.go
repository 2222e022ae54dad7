package ccnet

import (
	"context"
	"errors"
)

// readLoop consumes the port byte-stream, re-frames packets, and
// dispatches each to the pending slot for its address — or, if none is
// outstanding, treats it as unsolicited and ACKs it, per spec.md §4.2's
// reply-dispatch rule. It returns (handing control back to the
// reconnect supervisor) on any transport fault.
func (v *Validator) readLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		addr, payload, err := readFrame(v.port)
		if err != nil {
			if errors.Is(err, ErrBadFrame) {
				v.log.WithError(err).Debug("dropping frame")
				continue
			}
			// Any other error here means the transport is gone — drain
			// waiters and let the supervisor reopen.
			v.log.WithError(err).Warn("read failed, reconnecting")
			v.slots.DrainAll()
			return
		}
		v.dispatch(addr, payload)
	}
}

func (v *Validator) dispatch(addr byte, payload []byte) {
	slot, ok := v.slots.Take(addr)
	if !ok {
		// Unsolicited: ACK it and drop, per spec.md §4.2.
		v.log.Debug("unsolicited frame, sending host ACK")
		_ = v.port.Write(buildFrame(addr, cmdAck, nil))
		return
	}

	if len(payload) == 1 {
		switch payload[0] {
		case cmdAck:
			slot.Resolve(reply{cmd: slot.Cmd, raw: nil})
			return
		case cmdNak:
			slot.Fail(ErrNak)
			return
		case cmdIllegal:
			slot.Fail(ErrIllegal)
			return
		}
	}

	slot.Resolve(reply{cmd: slot.Cmd, raw: payload})
	// Ack any structured (non-ACK/NAK/ILLEGAL) reply so the device can
	// proceed, matching the teacher's Ack(v) call after a successful
	// readResponse.
	_ = v.port.Write(buildFrame(addr, cmdAck, nil))
}
