package lcdm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

// Status sends STATUS and decodes the error code plus sensor flags.
func (d *Dispenser) Status(ctx context.Context) (StatusReply, error) {
	_, data, err := d.exchange(ctx, CmdStatus, nil)
	if err != nil {
		return StatusReply{}, err
	}
	if len(data) < 3 {
		return StatusReply{}, fmt.Errorf("%w: short status reply", ErrBadFrame)
	}
	return StatusReply{
		ErrorCode: data[0],
		Flags:     decodeSensorFlags(binary.LittleEndian.Uint16(data[1:3])),
	}, nil
}

// RomVersion sends ROM_VERSION and returns the device's raw version
// string.
func (d *Dispenser) RomVersion(ctx context.Context) (string, error) {
	_, data, err := d.exchange(ctx, CmdRomVersion, nil)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Purge runs PURGE, clearing any bill caught mid-transport.
func (d *Dispenser) Purge(ctx context.Context) error {
	_, _, err := d.exchange(ctx, CmdPurge, nil)
	return err
}

// TestUpper/TestLower exercise a cassette's feed mechanism without
// crediting a dispense.
func (d *Dispenser) TestUpper(ctx context.Context) error {
	_, _, err := d.exchange(ctx, CmdTestUpper, nil)
	return err
}

func (d *Dispenser) TestLower(ctx context.Context) error {
	_, _, err := d.exchange(ctx, CmdTestLower, nil)
	return err
}

// dispenseOne issues a single dispense command for up to 60 notes and
// decodes the fixed-offset reply fields from spec.md §4.4: check[0:2],
// exit[2:4], error[5], status[6], reject[7:9] (shifted one byte from
// the spec's literal "reject[6:8]" to avoid overlapping status[6] —
// see DESIGN.md).
func (d *Dispenser) dispenseOne(ctx context.Context, cmd byte, count int) (DispenseReply, error) {
	payload, err := encodeCount(count)
	if err != nil {
		return DispenseReply{}, err
	}
	_, data, err := d.exchange(ctx, cmd, payload)
	if err != nil {
		return DispenseReply{}, err
	}
	if len(data) < 9 {
		return DispenseReply{}, fmt.Errorf("%w: short dispense reply", ErrBadFrame)
	}
	check, err := decodeASCIIDigits(data[0:2])
	if err != nil {
		return DispenseReply{}, err
	}
	exit, err := decodeASCIIDigits(data[2:4])
	if err != nil {
		return DispenseReply{}, err
	}
	reject, err := decodeASCIIDigits(data[7:9])
	if err != nil {
		return DispenseReply{}, err
	}
	return DispenseReply{
		Check:     check,
		Exit:      exit,
		ErrorCode: data[5],
		Status:    data[6],
		Reject:    reject,
	}, nil
}

// Dispense runs the amount-to-cassette planner from spec.md §4.4:
// cassettes are tried nominal-descending, a count over 60 notes is
// chunked down to 50 per request (51-60 notes are sent as a single
// command, matching the original source's `count > 60` boundary), and
// the loop stops early if a cassette reports an error code outside the
// tolerated set.
func (d *Dispenser) Dispense(ctx context.Context, amount int) (DispenseResult, error) {
	cassettes := []cassette{
		{"upper", CmdUpperDispense, d.upperNominal},
		{"lower", CmdLowerDispense, d.lowerNominal},
	}
	sort.Slice(cassettes, func(i, j int) bool { return cassettes[i].nominal > cassettes[j].nominal })

	remaining := amount
	var result DispenseResult

	for _, c := range cassettes {
		if c.nominal <= 0 {
			continue
		}
		n := remaining / c.nominal
		for n > 0 {
			reqCount := n
			if reqCount > 60 {
				reqCount = 50
			}
			reply, err := d.dispenseOne(ctx, c.cmd, reqCount)
			if err != nil {
				code := -2
				if errors.Is(err, ErrNotConnected) {
					code = -1
				}
				result.Errors = append(result.Errors, CassetteResult{Cassette: c.name, Error: code})
				break
			}

			remaining -= reply.Exit * c.nominal
			n -= reply.Exit

			if !okErrorCodes[reply.ErrorCode] {
				result.Errors = append(result.Errors, CassetteResult{Cassette: c.name, Error: int(reply.ErrorCode)})
				result.Out = amount - remaining
				result.OK = remaining == 0
				return result, nil
			}
			if reply.Exit == 0 {
				// Device reported an acceptable code but dispensed
				// nothing — stop this cassette rather than spin.
				break
			}
		}
	}

	result.Out = amount - remaining
	result.OK = remaining == 0
	return result, nil
}
