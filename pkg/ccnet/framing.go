package ccnet

import (
	"encoding/binary"
	"fmt"

	"github.com/howeyc/crc16"
)

// checksum computes the CCNET frame CRC: poly 0x8408, init 0, reflected
// — the same CRC-16/CCITT variant the sl500_api sibling file computes
// via crc16.ChecksumCCITT rather than a hand-rolled loop.
func checksum(data []byte) uint16 {
	return crc16.ChecksumCCITT(data)
}

// buildFrame assembles SYNC|ADR|LEN|CMD|payload|CRC16-LE. LEN counts
// the whole frame including the trailing CRC.
func buildFrame(addr, cmd byte, payload []byte) []byte {
	length := 6 + len(payload)
	frame := make([]byte, 0, length)
	frame = append(frame, sync0, addr, byte(length), cmd)
	frame = append(frame, payload...)

	crc := checksum(frame)
	crcBytes := make([]byte, 2)
	binary.LittleEndian.PutUint16(crcBytes, crc)
	return append(frame, crcBytes...)
}

// readFrame reads one full CCNET frame off port: SYNC, then (ADR, LEN),
// then LEN-3 more bytes, verifying the trailing CRC16. Returns the
// frame's address and its payload (CMD byte plus data), with the CRC
// stripped.
func readFrame(rp ccnetReader) (addr byte, payload []byte, err error) {
	for {
		b, err := rp.ReadByte()
		if err != nil {
			return 0, nil, err
		}
		if b == sync0 {
			break
		}
	}
	head, err := rp.ReadExact(2)
	if err != nil {
		return 0, nil, err
	}
	addr, length := head[0], head[1]
	if length < 6 {
		return 0, nil, fmt.Errorf("%w: length %d too short", ErrBadFrame, length)
	}
	rest, err := rp.ReadExact(int(length) - 3)
	if err != nil {
		return 0, nil, err
	}
	full := append([]byte{sync0, addr, length}, rest...)

	crcGot := binary.LittleEndian.Uint16(full[len(full)-2:])
	body := full[:len(full)-2]
	if checksum(body) != crcGot {
		return 0, nil, fmt.Errorf("%w: crc mismatch", ErrBadFrame)
	}

	return addr, body[3:], nil
}

// ccnetReader is the subset of serialio.Port the framer needs; kept as
// an interface so tests can feed frames from a plain bytes.Reader.
type ccnetReader interface {
	ReadByte() (byte, error)
	ReadExact(n int) ([]byte, error)
}
