package cctalk

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"
)

// command writes a framed request to addr and blocks for the bus-wide
// reply or the request timeout. Installing the slot under busKey{}
// enforces spec.md §5's "at most one outstanding request across the
// entire bus" invariant — a second caller's Install fails with
// pending.ErrBusy until this one resolves.
func (h *Host) command(ctx context.Context, addr, hdr byte, data []byte) (reply, error) {
	if err := h.WaitConnected(ctx); err != nil {
		return reply{}, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	slot, err := h.slots.Install(busKey{}, hdr, h.timeout)
	if err != nil {
		return reply{}, err
	}
	if err := h.port.Write(buildFrame(addr, h.hostAddr, hdr, data)); err != nil {
		h.slots.DrainAll()
		return reply{}, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	type out struct {
		r   reply
		err error
	}
	ch := make(chan out, 1)
	go func() {
		r, err := slot.Wait()
		ch <- out{r, err}
	}()

	select {
	case o := <-ch:
		return o.r, o.err
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
}

// SimplePoll is a bare presence probe: any checksum-valid reply counts
// as success, per spec.md §4.3.
func (h *Host) SimplePoll(ctx context.Context, addr byte) error {
	_, err := h.command(ctx, addr, hdrSimplePoll, nil)
	return err
}

// Identify fetches the five identification opcodes used by Init to
// populate DeviceInfo.
func (h *Host) Identify(ctx context.Context, addr byte) (DeviceInfo, error) {
	fetch := func(hdr byte) (string, error) {
		r, err := h.command(ctx, addr, hdr, nil)
		if err != nil {
			return "", err
		}
		return string(r.data), nil
	}

	var info DeviceInfo
	var err error
	if info.Manufacturer, err = fetch(hdrRequestManufacturerID); err != nil {
		return DeviceInfo{}, err
	}
	if info.EquipmentCategory, err = fetch(hdrRequestEquipmentCategory); err != nil {
		return DeviceInfo{}, err
	}
	if info.ProductCode, err = fetch(hdrRequestProductCode); err != nil {
		return DeviceInfo{}, err
	}
	if info.SerialNumber, err = fetch(hdrRequestSerial); err != nil {
		return DeviceInfo{}, err
	}
	if info.SoftwareRevision, err = fetch(hdrRequestSoftwareRevision); err != nil {
		return DeviceInfo{}, err
	}
	return info, nil
}

// RequestStatusC polls the event stream and decodes it via the
// event-code dispatch table.
func (h *Host) RequestStatusC(ctx context.Context, addr byte) (PollResult, error) {
	r, err := h.command(ctx, addr, hdrRequestStatusC, nil)
	if err != nil {
		return PollResult{}, err
	}
	return parseStatusC(r.data)
}

// SetMasterInhibit toggles the peripheral's top-level enable switch.
func (h *Host) SetMasterInhibit(ctx context.Context, addr byte, on bool) error {
	payload := byte(0)
	if on {
		payload = 1
	}
	_, err := h.command(ctx, addr, hdrSetMasterInhibit, []byte{payload})
	return err
}

// SetPeripheralDeviceMasterInhibit toggles inhibits on every channel of
// the peripheral (a coarse all-or-nothing mask at the driver level).
func (h *Host) SetPeripheralDeviceMasterInhibit(ctx context.Context, addr byte, on bool) error {
	mask := byte(0x00)
	if on {
		mask = 0xFF
	}
	_, err := h.command(ctx, addr, hdrSetPeripheralDeviceMasterInhibit, []byte{mask})
	return err
}

// PayoutAmountC requests a hopper pay out amountHundredths of country's
// currency.
func (h *Host) PayoutAmountC(ctx context.Context, addr byte, amountHundredths uint32, country string) error {
	payload := make([]byte, 7)
	binary.LittleEndian.PutUint32(payload[:4], amountHundredths)
	copy(payload[4:], country)
	_, err := h.command(ctx, addr, hdrPayoutAmountC, payload)
	return err
}

// RunUnitCalibration runs a hopper's self-calibration cycle.
func (h *Host) RunUnitCalibration(ctx context.Context, addr byte) error {
	_, err := h.command(ctx, addr, hdrRunUnitCalibration, nil)
	return err
}

// Empty drives all coins out of a hopper into the cashbox.
func (h *Host) Empty(ctx context.Context, addr byte) error {
	_, err := h.command(ctx, addr, hdrEmpty, nil)
	return err
}

// GetDeviceSetupC fetches a SMART_HOPPER's denomination table: a
// leading count byte followed by n 7-byte records, each a 4-byte
// little-endian hundredths value plus a 3-byte country code — the same
// shape decodeRecord already decodes for Request_Status_c's credit
// events, per original_source/atm/cctalk/protocol.py's init()
// (`int.from_bytes(n[:-3],'little')/100`, `n[-3:].decode()`).
func (h *Host) GetDeviceSetupC(ctx context.Context, addr byte) ([]Coin, error) {
	r, err := h.command(ctx, addr, hdrGetDeviceSetupC, nil)
	if err != nil {
		return nil, err
	}
	if len(r.data) == 0 {
		return nil, fmt.Errorf("%w: empty device-setup reply", ErrBadFrame)
	}
	n := int(r.data[0])
	if len(r.data) < 1+n*7 {
		return nil, fmt.Errorf("%w: short device-setup reply", ErrBadFrame)
	}
	coins := make([]Coin, n)
	for i := 0; i < n; i++ {
		rec := decodeRecord(r.data[1+i*7:1+i*7+7], 1)
		coins[i] = Coin{Value: rec.Value, Country: rec.Country}
	}
	return coins, nil
}

// Init runs the per-address bring-up sequence from spec.md §4.3:
// simple-poll, then identification, then (for SMART_HOPPER equipment)
// the device-setup coin table.
func (h *Host) Init(ctx context.Context, addr byte) error {
	if err := h.SimplePoll(ctx, addr); err != nil {
		return err
	}
	info, err := h.Identify(ctx, addr)
	if err != nil {
		return err
	}
	h.setDeviceInfo(addr, info)

	if info.EquipmentCategory == "SMART_HOPPER" {
		coins, err := h.GetDeviceSetupC(ctx, addr)
		if err != nil {
			return err
		}
		h.setCoins(addr, coins)
	}
	return nil
}

// WaitCredit polls RequestStatusC until a credit event appears, the
// ccTalk analogue of CCNET's StackOne — used by the HTTP surface's
// stack_one-equivalent route.
func (h *Host) WaitCredit(ctx context.Context, addr byte) (EventRecord, error) {
	for {
		res, err := h.RequestStatusC(ctx, addr)
		if err != nil {
			return EventRecord{}, err
		}
		if len(res.Credit) > 0 {
			return res.Credit[0], nil
		}
		select {
		case <-time.After(200 * time.Millisecond):
		case <-ctx.Done():
			return EventRecord{}, ctx.Err()
		}
	}
}
