package cctalk

import (
	"encoding/binary"
	"fmt"
)

// eventKind says which PollResult slice an event code's payload feeds.
type eventKind int

const (
	kindStatus eventKind = iota
	kindProcessing
	kindCredit
)

// eventDef is one row of the tagged-variant dispatch table spec.md §9
// recommends over a dynamic per-code switch: code, label, how many
// bytes the cursor advances, and where the decoded records go.
type eventDef struct {
	label    string
	kind     eventKind
	sign     float64 // applied to kindCredit record values
	hasCount bool     // byte after the code is a record count, n*7 bytes follow
	single   bool     // exactly one 7-byte record follows, no count byte
	extra    int      // additional bytes consumed beyond the code byte itself
}

// eventTable mirrors spec.md §4.3's Request_Status_c event-code table.
var eventTable = map[byte]eventDef{
	0x00: {label: "Idle", kind: kindStatus},
	0x01: {label: "Dispensing", kind: kindProcessing, hasCount: true},
	0x02: {label: "Dispensed", kind: kindCredit, hasCount: true, sign: -1},
	0x03: {label: "Coins Low", kind: kindStatus},
	0x04: {label: "Empty", kind: kindStatus},
	0x05: {label: "Jammed", kind: kindProcessing, hasCount: true},
	0x06: {label: "Halted", kind: kindProcessing, hasCount: true},
	0x07: {label: "Floating", kind: kindProcessing, hasCount: true},
	0x08: {label: "Floated", kind: kindProcessing, hasCount: true},
	0x09: {label: "Timeout", kind: kindProcessing, hasCount: true},
	0x0A: {label: "Incomplete Payout", kind: kindProcessing, hasCount: true},
	0x0B: {label: "Incomplete Float", kind: kindProcessing, hasCount: true},
	0x0C: {label: "Cashbox Paid", kind: kindCredit, hasCount: true, sign: 1},
	0x0D: {label: "Coin Credit", kind: kindCredit, single: true, sign: 1},
	0x11: {label: "Disabled", kind: kindStatus},
	0x13: {label: "Slave Reset", kind: kindStatus},
	0x24: {label: "Calibration Fault", kind: kindStatus, extra: 1},
}

func decodeRecord(b []byte, sign float64) EventRecord {
	hundredths := binary.LittleEndian.Uint32(b[:4])
	return EventRecord{
		Value:   sign * float64(hundredths) / 100,
		Country: string(b[4:7]),
	}
}

// parseStatusC walks data applying eventTable, per spec.md §4.3's
// event-code parser: each record advances the cursor and appends to
// resp.status, .processing or .credit.
func parseStatusC(data []byte) (PollResult, error) {
	var res PollResult
	cursor := 0
	for cursor < len(data) {
		code := data[cursor]
		def, ok := eventTable[code]
		if !ok {
			return PollResult{}, fmt.Errorf("%w: unknown event code %#x", ErrBadFrame, code)
		}

		switch {
		case def.single:
			if cursor+8 > len(data) {
				return PollResult{}, fmt.Errorf("%w: short %s record", ErrBadFrame, def.label)
			}
			rec := decodeRecord(data[cursor+1:cursor+8], def.sign)
			res.Credit = append(res.Credit, rec)
			cursor += 8

		case def.hasCount:
			if cursor+2 > len(data) {
				return PollResult{}, fmt.Errorf("%w: truncated %s header", ErrBadFrame, def.label)
			}
			n := int(data[cursor+1])
			need := 2 + 7*n
			if cursor+need > len(data) {
				return PollResult{}, fmt.Errorf("%w: truncated %s records", ErrBadFrame, def.label)
			}
			sign := float64(1)
			if def.kind == kindCredit {
				sign = def.sign
			}
			recs := make([]EventRecord, n)
			for i := 0; i < n; i++ {
				off := cursor + 2 + i*7
				recs[i] = decodeRecord(data[off:off+7], sign)
			}
			switch def.kind {
			case kindProcessing:
				res.Processing = append(res.Processing, recs...)
			case kindCredit:
				res.Credit = append(res.Credit, recs...)
			}
			cursor += need

		default:
			cursor += 1 + def.extra
			res.Status = append(res.Status, def.label)
		}
	}
	return res, nil
}
