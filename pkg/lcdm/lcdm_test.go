package lcdm

import (
	"bufio"
	"context"
	"net"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/alex-eri/atm-drivers/internal/serialio"
)

func TestBCCRoundTrip(t *testing.T) {
	frame := buildCommandFrame(CmdStatus, nil)
	// The trailing byte must be the XOR of everything before it (lead
	// through ETX inclusive).
	require.Equal(t, bcc(frame[:len(frame)-1]), frame[len(frame)-1])
}

func TestEncodeCountWidth2(t *testing.T) {
	b, err := encodeCount(7)
	require.NoError(t, err)
	require.Equal(t, []byte("07"), b)

	_, err = encodeCount(100)
	require.Error(t, err)
}

// fakeDispenser drives the device side of a net.Pipe: reads one command
// cycle, ACKs at the link layer, sends a canned data-frame reply, and
// reads the host's final ACK/NAK.
type fakeDispenser struct {
	br   *bufio.Reader
	conn net.Conn
}

func newFakeDispenser(conn net.Conn) *fakeDispenser {
	return &fakeDispenser{br: bufio.NewReader(conn), conn: conn}
}

func (f *fakeDispenser) receiveCommand() (cmd byte, data []byte, err error) {
	head := make([]byte, 3)
	if _, err = readFullBuf(f.br, head); err != nil {
		return 0, nil, err
	}
	cmdByte, err := f.br.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	body, err := f.br.ReadBytes(etx)
	if err != nil {
		return 0, nil, err
	}
	if _, err = f.br.ReadByte(); err != nil { // BCC, unchecked by the fake device
		return 0, nil, err
	}
	return cmdByte, body[:len(body)-1], nil
}

func readFullBuf(br *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := br.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (f *fakeDispenser) ackLink() error {
	_, err := f.conn.Write([]byte{linkAck})
	return err
}

func (f *fakeDispenser) sendReply(cmd byte, data []byte) error {
	_, err := f.conn.Write(buildReplyFrame(cmd, data))
	return err
}

func (f *fakeDispenser) readHostAck() (byte, error) {
	return f.br.ReadByte()
}

func newTestDispenser(t *testing.T, upperNominal, lowerNominal int) (*Dispenser, *fakeDispenser) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	d := &Dispenser{
		log:          logrus.NewEntry(logrus.StandardLogger()),
		port:         serialio.NewFromConn(client, nil),
		connected:    make(chan struct{}),
		fault:        make(chan struct{}),
		upperNominal: upperNominal,
		lowerNominal: lowerNominal,
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go d.Run(ctx)
	require.NoError(t, d.WaitConnected(ctx))
	return d, newFakeDispenser(server)
}

func dispenseReplyBytes(check, exit int, errorCode, status byte, reject int) []byte {
	chk, _ := encodeCount(check)
	ext, _ := encodeCount(exit)
	rej, _ := encodeCount(reject)
	data := make([]byte, 0, 9)
	data = append(data, chk...)
	data = append(data, ext...)
	data = append(data, 0) // byte 4: unused gap before error[5]
	data = append(data, errorCode, status)
	data = append(data, rej...)
	return data
}

func TestDispenseWholeAmountFromOneCassette(t *testing.T) {
	d, dev := newTestDispenser(t, 1000, 100)

	done := make(chan struct {
		res DispenseResult
		err error
	}, 1)
	go func() {
		res, err := d.Dispense(context.Background(), 36000)
		done <- struct {
			res DispenseResult
			err error
		}{res, err}
	}()

	cmd, data, err := dev.receiveCommand()
	require.NoError(t, err)
	require.Equal(t, CmdUpperDispense, cmd)
	n, err := decodeASCIIDigits(data)
	require.NoError(t, err)
	require.Equal(t, 36, n)

	require.NoError(t, dev.ackLink())
	require.NoError(t, dev.sendReply(CmdUpperDispense, dispenseReplyBytes(36, 36, 0x30, 0x30, 0)))
	hostAck, err := dev.readHostAck()
	require.NoError(t, err)
	require.Equal(t, linkAck, hostAck)

	out := <-done
	require.NoError(t, out.err)
	require.Equal(t, 36000, out.res.Out)
	require.True(t, out.res.OK)
	require.Empty(t, out.res.Errors)
}

func TestDispenseNearEndFallsThroughToLowerCassette(t *testing.T) {
	d, dev := newTestDispenser(t, 1000, 100)

	done := make(chan struct {
		res DispenseResult
		err error
	}, 1)
	go func() {
		res, err := d.Dispense(context.Background(), 5000)
		done <- struct {
			res DispenseResult
			err error
		}{res, err}
	}()

	// Upper cassette: requested 5, near-end after 3.
	cmd, _, err := dev.receiveCommand()
	require.NoError(t, err)
	require.Equal(t, CmdUpperDispense, cmd)
	require.NoError(t, dev.ackLink())
	require.NoError(t, dev.sendReply(CmdUpperDispense, dispenseReplyBytes(3, 3, 0x38, 0x31, 0)))
	hostAck, err := dev.readHostAck()
	require.NoError(t, err)
	require.Equal(t, linkAck, hostAck)

	// Planner retries upper for the remaining 2 notes; this time it
	// dispenses nothing more (still near-end) — the driver must stop
	// retrying that cassette rather than spin.
	cmd, _, err = dev.receiveCommand()
	require.NoError(t, err)
	require.Equal(t, CmdUpperDispense, cmd)
	require.NoError(t, dev.ackLink())
	require.NoError(t, dev.sendReply(CmdUpperDispense, dispenseReplyBytes(0, 0, 0x38, 0x31, 0)))
	hostAck, err = dev.readHostAck()
	require.NoError(t, err)
	require.Equal(t, linkAck, hostAck)

	// Lower cassette covers the remaining 2000.
	cmd, data, err := dev.receiveCommand()
	require.NoError(t, err)
	require.Equal(t, CmdLowerDispense, cmd)
	n, err := decodeASCIIDigits(data)
	require.NoError(t, err)
	require.Equal(t, 20, n)
	require.NoError(t, dev.ackLink())
	require.NoError(t, dev.sendReply(CmdLowerDispense, dispenseReplyBytes(20, 20, 0x30, 0x30, 0)))
	hostAck, err = dev.readHostAck()
	require.NoError(t, err)
	require.Equal(t, linkAck, hostAck)

	out := <-done
	require.NoError(t, out.err)
	require.Equal(t, 5000, out.res.Out)
	require.True(t, out.res.OK)
}

func TestDispenseChunksOver50Notes(t *testing.T) {
	d, dev := newTestDispenser(t, 100, 0)

	done := make(chan struct {
		res DispenseResult
		err error
	}, 1)
	go func() {
		res, err := d.Dispense(context.Background(), 7000) // 70 notes @100
		done <- struct {
			res DispenseResult
			err error
		}{res, err}
	}()

	cmd, data, err := dev.receiveCommand()
	require.NoError(t, err)
	require.Equal(t, CmdUpperDispense, cmd)
	n, err := decodeASCIIDigits(data)
	require.NoError(t, err)
	require.Equal(t, 50, n) // first chunk capped at 50
	require.NoError(t, dev.ackLink())
	require.NoError(t, dev.sendReply(CmdUpperDispense, dispenseReplyBytes(50, 50, 0x30, 0x30, 0)))
	_, err = dev.readHostAck()
	require.NoError(t, err)

	cmd, data, err = dev.receiveCommand()
	require.NoError(t, err)
	require.Equal(t, CmdUpperDispense, cmd)
	n, err = decodeASCIIDigits(data)
	require.NoError(t, err)
	require.Equal(t, 20, n) // remaining 20 notes
	require.NoError(t, dev.ackLink())
	require.NoError(t, dev.sendReply(CmdUpperDispense, dispenseReplyBytes(20, 20, 0x30, 0x30, 0)))
	_, err = dev.readHostAck()
	require.NoError(t, err)

	out := <-done
	require.NoError(t, out.err)
	require.Equal(t, 7000, out.res.Out)
	require.True(t, out.res.OK)
}

func TestDispenseSendsUpTo60NotesUnchunked(t *testing.T) {
	d, dev := newTestDispenser(t, 100, 0)

	done := make(chan struct {
		res DispenseResult
		err error
	}, 1)
	go func() {
		res, err := d.Dispense(context.Background(), 5500) // 55 notes @100
		done <- struct {
			res DispenseResult
			err error
		}{res, err}
	}()

	cmd, data, err := dev.receiveCommand()
	require.NoError(t, err)
	require.Equal(t, CmdUpperDispense, cmd)
	n, err := decodeASCIIDigits(data)
	require.NoError(t, err)
	require.Equal(t, 55, n) // 51-60 notes go out as a single command, not chunked to 50
	require.NoError(t, dev.ackLink())
	require.NoError(t, dev.sendReply(CmdUpperDispense, dispenseReplyBytes(55, 55, 0x30, 0x30, 0)))
	_, err = dev.readHostAck()
	require.NoError(t, err)

	out := <-done
	require.NoError(t, out.err)
	require.Equal(t, 5500, out.res.Out)
	require.True(t, out.res.OK)
}

