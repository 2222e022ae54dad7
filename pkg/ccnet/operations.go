package ccnet

import (
	"context"
	"fmt"
	"math"
	"time"
)

// command installs a pending slot for addr, writes the framed request,
// and blocks for the reply or the request timeout — the Go analogue of
// the teacher's sendRequest+readResponse pair, generalized to route
// through the shared reader goroutine instead of reading inline.
func (v *Validator) command(ctx context.Context, addr, cmd byte, payload []byte) (reply, error) {
	if err := v.WaitConnected(ctx); err != nil {
		return reply{}, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	slot, err := v.slots.Install(addr, cmd, v.timeout)
	if err != nil {
		return reply{}, err
	}
	if err := v.port.Write(buildFrame(addr, cmd, payload)); err != nil {
		v.slots.DrainAll()
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

// Reset sends RESET, polls until the device leaves the power-up states,
// then fetches and installs the bill table, per spec.md §4.2.
func (v *Validator) Reset(ctx context.Context) error {
	v.setState(v.addr, StateUnknown)
	if _, err := v.command(ctx, v.addr, cmdReset, nil); err != nil {
		return err
	}
	for {
		st := v.getState(v.addr)
		if st != StateUnknown && (st < PowerUp || st > Initialize) {
			break
		}
		if _, err := v.Poll(ctx); err != nil {
			return err
		}
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	bills, err := v.GetBillTable(ctx)
	if err != nil {
		return err
	}
	v.setNominals(v.addr, bills)
	return nil
}

// Enable sends SET_BILL_TABLE with all 24 bills enabled.
func (v *Validator) Enable(ctx context.Context) error {
	_, err := v.command(ctx, v.addr, cmdSetBillTable, []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF})
	return err
}

// Disable sends SET_BILL_TABLE with all 24 bills disabled.
func (v *Validator) Disable(ctx context.Context) error {
	_, err := v.command(ctx, v.addr, cmdSetBillTable, []byte{0, 0, 0, 0, 0, 0})
	return err
}

// Poll sends POLL and decodes the state/param reply, recording the new
// state — transitions are only ever observed via polling, per spec.md
// §3's invariant.
func (v *Validator) Poll(ctx context.Context) (PollResult, error) {
	r, err := v.command(ctx, v.addr, cmdPoll, nil)
	if err != nil {
		return PollResult{}, err
	}
	if len(r.raw) == 0 {
		return PollResult{}, fmt.Errorf("%w: empty poll reply", ErrBadFrame)
	}
	var param byte
	if len(r.raw) > 1 {
		param = r.raw[1]
	}
	st := Status(r.raw[0])
	v.setState(v.addr, st)
	return PollResult{State: st, Param: param}, nil
}

// Identification decodes IDENTIFICATION's fixed-offset fields.
type Identification struct {
	PartNumber   string
	SerialNumber string
	AssetNumber  []byte
}

func (v *Validator) Identification(ctx context.Context) (Identification, error) {
	r, err := v.command(ctx, v.addr, cmdIdentify, nil)
	if err != nil {
		return Identification{}, err
	}
	if len(r.raw) < 34 {
		return Identification{}, fmt.Errorf("%w: short identification reply", ErrBadFrame)
	}
	return Identification{
		PartNumber:   string(r.raw[:15]),
		SerialNumber: string(r.raw[16:27]),
		AssetNumber:  append([]byte(nil), r.raw[28:34]...),
	}, nil
}

// GetBillTable fetches and decodes the 24-slot denomination table, per
// spec.md §4.2: value = byte0 * 10^exp, exp signed (byte4 > 127 means
// exp = byte4 - 256).
func (v *Validator) GetBillTable(ctx context.Context) ([]Bill, error) {
	r, err := v.command(ctx, v.addr, cmdGetBillTable, nil)
	if err != nil {
		return nil, err
	}
	if len(r.raw) < 24*5 {
		return nil, fmt.Errorf("%w: short bill table", ErrBadFrame)
	}
	// spec.md §9(b): the first slot's leading byte non-zero guards that
	// the table is populated, not a comparison with ASCII '0'.
	if r.raw[0] == 0 {
		return nil, ErrWrongState
	}

	bills := make([]Bill, 24)
	for i := 0; i < 24; i++ {
		slot := r.raw[i*5 : i*5+5]
		mantissa := slot[0]
		country := string(slot[1:4])
		expByte := slot[4]
		exp := int(expByte)
		if expByte > 127 {
			exp = int(expByte) - 256
		}
		bills[i] = Bill{
			Value:   float64(mantissa) * math.Pow(10, float64(exp)),
			Country: country,
		}
	}
	return bills, nil
}

// Stack commits the escrowed bill to the cashbox.
func (v *Validator) Stack(ctx context.Context) error {
	_, err := v.command(ctx, v.addr, cmdStack, nil)
	return err
}

// Return rejects the escrowed bill back to the customer.
func (v *Validator) Return(ctx context.Context) error {
	_, err := v.command(ctx, v.addr, cmdReturn, nil)
	return err
}

// Hold keeps a bill in escrow without stacking or returning it.
func (v *Validator) Hold(ctx context.Context) error {
	_, err := v.command(ctx, v.addr, cmdHold, nil)
	return err
}

// StackOne polls until the device reaches escrow/holding/stacked, stacks
// an escrowed/held bill, and returns its accepted nominal — per
// spec.md §4.2's stack_one algorithm.
func (v *Validator) StackOne(ctx context.Context) (Bill, error) {
	res, err := v.waitState(ctx, EscrowPosition, Holding, BillStacked)
	if err != nil {
		return Bill{}, err
	}
	if res.State == EscrowPosition || res.State == Holding {
		if err := v.Stack(ctx); err != nil {
			return Bill{}, err
		}
		res, err = v.waitState(ctx, BillStacked)
		if err != nil {
			return Bill{}, err
		}
	}
	nominals := v.Nominals(v.addr)
	if int(res.Param) >= len(nominals) {
		return Bill{}, fmt.Errorf("%w: nominal slot %d out of range", ErrBadFrame, res.Param)
	}
	return nominals[res.Param], nil
}

func (v *Validator) waitState(ctx context.Context, states ...Status) (PollResult, error) {
	want := make(map[Status]bool, len(states))
	for _, s := range states {
		want[s] = true
	}
	for {
		res, err := v.Poll(ctx)
		if err != nil {
			return PollResult{}, err
		}
		if want[res.State] {
			return res, nil
		}
		select {
		case <-time.After(200 * time.Millisecond):
		case <-ctx.Done():
			return PollResult{}, ctx.Err()
		}
	}
}
