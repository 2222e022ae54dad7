package cctalk

import (
	"context"
	"errors"
)

// readLoop consumes the bus, re-frames packets, and dispatches each to
// the single bus-wide pending slot. It returns on any transport fault,
// handing control back to the reconnect supervisor.
func (h *Host) readLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		dest, src, hdr, data, err := readFrame(h.port)
		if err != nil {
			if errors.Is(err, ErrBadFrame) {
				h.log.WithError(err).Debug("dropping frame")
				continue
			}
			h.log.WithError(err).Warn("read failed, reconnecting")
			h.slots.DrainAll()
			return
		}
		h.dispatch(dest, src, hdr, data)
	}
}

func (h *Host) dispatch(dest, src, hdr byte, data []byte) {
	if dest != h.hostAddr {
		// Bus echo: a frame addressed to a different master. Drop it
		// without touching the pending slot, per spec.md §4.3.
		return
	}
	slot, ok := h.slots.Take(busKey{})
	if !ok {
		h.log.Debug("unsolicited cctalk frame, dropping")
		return
	}
	slot.Resolve(reply{src: src, hdr: hdr, data: data})
}
