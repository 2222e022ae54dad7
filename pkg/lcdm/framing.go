package lcdm

import "fmt"

// bcc XORs every byte of frame (lead through ETX inclusive), per
// spec.md §4.4.
func bcc(frame []byte) byte {
	var x byte
	for _, b := range frame {
		x ^= b
	}
	return x
}

// buildFrame assembles lead|ID|STX|CMD|data|ETX|BCC with the given lead
// byte — frameLead (EOT) for an outgoing command, frameReplyLead (SOH)
// for a device's data-frame reply.
func buildFrame(lead, cmd byte, data []byte) []byte {
	frame := make([]byte, 0, 5+len(data))
	frame = append(frame, lead, deviceID, stx, cmd)
	frame = append(frame, data...)
	frame = append(frame, etx)
	return append(frame, bcc(frame))
}

// buildCommandFrame assembles an outgoing host->device command frame.
func buildCommandFrame(cmd byte, data []byte) []byte {
	return buildFrame(frameLead, cmd, data)
}

// buildReplyFrame assembles a device->host data-frame reply, per
// spec.md §4.4's SOH-led reply framing. Used by the driver's test
// doubles to stand in for the physical device.
func buildReplyFrame(cmd byte, data []byte) []byte {
	return buildFrame(frameReplyLead, cmd, data)
}

// encodeCount formats n as a zero-padded two-digit ASCII decimal, per
// spec.md §4.4's count-parameter encoding. Callers are responsible for
// keeping n within the planner's 60-note per-command limit.
func encodeCount(n int) ([]byte, error) {
	if n < 0 || n > 99 {
		return nil, fmt.Errorf("lcdm: count %d out of ASCII-decimal width-2 range", n)
	}
	return []byte{'0' + byte(n/10), '0' + byte(n%10)}, nil
}

func decodeASCIIDigits(b []byte) (int, error) {
	n := 0
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%w: non-decimal count byte %#x", ErrBadFrame, c)
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}
