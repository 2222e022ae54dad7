package lcdm

import (
	"context"
	"fmt"
	"time"
)

// exchange runs one full two-phase command cycle: write the command
// frame, await the link-layer ACK/NAK within LinkAckTimeout, then await
// the data reply within DataReplyTimeout, ACKing or NAKing it by BCC.
// d.mu is held for the whole cycle, giving the strict FIFO spec.md §5
// requires: the next command cannot be issued until this one resolves.
func (d *Dispenser) exchange(ctx context.Context, cmd byte, data []byte) (byte, []byte, error) {
	if err := d.WaitConnected(ctx); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	frame := buildCommandFrame(cmd, data)
	if err := d.port.Write(frame); err != nil {
		d.reportFault()
		return 0, nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	link, err := d.readByteTimeout(LinkAckTimeout)
	if err != nil {
		return 0, nil, err
	}
	switch link {
	case linkNak:
		return 0, nil, ErrNak
	case linkAck:
	default:
		return 0, nil, fmt.Errorf("%w: unexpected link byte %#x", ErrBadFrame, link)
	}

	respCmd, respData, bccOK, err := d.readDataFrame()
	if err != nil {
		return 0, nil, err
	}
	if !bccOK {
		_ = d.port.Write([]byte{linkNak})
		return 0, nil, fmt.Errorf("%w: bad BCC", ErrBadFrame)
	}
	_ = d.port.Write([]byte{linkAck})
	return respCmd, respData, nil
}

type byteResult struct {
	b   byte
	err error
}

func (d *Dispenser) readByteTimeout(deadline time.Duration) (byte, error) {
	ch := make(chan byteResult, 1)
	go func() {
		b, err := d.port.ReadByte()
		ch <- byteResult{b, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			d.reportFault()
			return 0, fmt.Errorf("%w: %v", ErrNotConnected, r.err)
		}
		return r.b, nil
	case <-time.After(deadline):
		d.reportFault()
		return 0, ErrTimeout
	}
}

type dataFrameResult struct {
	cmd  byte
	data []byte
	ok   bool
	err  error
}

// readDataFrame reads lead|ID|STX, scans for ETX, reads the trailing
// BCC byte, and reports whether the computed BCC matched.
func (d *Dispenser) readDataFrame() (byte, []byte, bool, error) {
	ch := make(chan dataFrameResult, 1)
	go func() {
		head, err := d.port.ReadExact(3)
		if err != nil {
			ch <- dataFrameResult{err: err}
			return
		}
		if head[0] != frameReplyLead || head[1] != deviceID || head[2] != stx {
			ch <- dataFrameResult{err: fmt.Errorf("%w: bad frame header", ErrBadFrame)}
			return
		}
		body, err := d.port.ReadUntil(etx)
		if err != nil {
			ch <- dataFrameResult{err: err}
			return
		}
		if len(body) < 2 {
			ch <- dataFrameResult{err: fmt.Errorf("%w: empty data frame", ErrBadFrame)}
			return
		}
		bccByte, err := d.port.ReadByte()
		if err != nil {
			ch <- dataFrameResult{err: err}
			return
		}
		full := append(append([]byte{}, head...), body...)
		ch <- dataFrameResult{
			cmd:  body[0],
			data: body[1 : len(body)-1], // strip trailing ETX
			ok:   bcc(full) == bccByte,
		}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			d.reportFault()
			return 0, nil, false, fmt.Errorf("%w: %v", ErrNotConnected, r.err)
		}
		return r.cmd, r.data, r.ok, nil
	case <-time.After(DataReplyTimeout):
		d.reportFault()
		return 0, nil, false, ErrTimeout
	}
}
