package cctalk

import (
	"fmt"

	"github.com/howeyc/crc16"
)

// buildFrame assembles DEST|LEN|SRC|HDR|data|CK. CK is the 8-bit value
// that makes the whole frame (everything up to and including CK) sum to
// zero mod 256 — the host never emits the CCITT-CRC variant, only
// recognizes it on read (see verifyChecksum).
func buildFrame(dest, src, hdr byte, data []byte) []byte {
	frame := make([]byte, 0, 4+len(data)+1)
	frame = append(frame, dest, byte(len(data)), src, hdr)
	frame = append(frame, data...)
	return append(frame, sumToZero(frame))
}

func sumToZero(frame []byte) byte {
	var sum byte
	for _, b := range frame {
		sum += b
	}
	return byte(0) - sum
}

// verifyChecksum accepts either the standard sum-to-zero checksum or
// the legacy CRC-16/CCITT variant's low byte, per spec.md §3's "a
// CCITT-CRC variant is recognized on read but not emitted".
func verifyChecksum(frame []byte, ck byte) bool {
	if sumToZero(frame) == ck {
		return true
	}
	return byte(crc16.ChecksumCCITT(frame)) == ck
}

// readFrame reads one ccTalk frame: (DEST,LEN,SRC,HDR), then LEN data
// bytes, then the trailing checksum byte.
func readFrame(rp cctalkReader) (dest, src, hdr byte, data []byte, err error) {
	head, err := rp.ReadExact(4)
	if err != nil {
		return 0, 0, 0, nil, err
	}
	dest, length, src, hdr := head[0], head[1], head[2], head[3]
	data, err = rp.ReadExact(int(length))
	if err != nil {
		return 0, 0, 0, nil, err
	}
	ckByte, err := rp.ReadByte()
	if err != nil {
		return 0, 0, 0, nil, err
	}

	full := append([]byte{dest, length, src, hdr}, data...)
	if !verifyChecksum(full, ckByte) {
		return 0, 0, 0, nil, fmt.Errorf("%w: checksum mismatch", ErrBadFrame)
	}
	return dest, src, hdr, data, nil
}

// cctalkReader is the subset of serialio.Port the framer needs.
type cctalkReader interface {
	ReadByte() (byte, error)
	ReadExact(n int) ([]byte, error)
}
