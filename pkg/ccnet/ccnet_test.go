package ccnet

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/alex-eri/atm-drivers/internal/pending"
	"github.com/alex-eri/atm-drivers/internal/serialio"
)

// byteReader adapts any io.Reader to the ccnetReader interface readFrame
// needs, for tests that don't go through a live serialio.Port.
type byteReader struct{ r io.Reader }

func (b byteReader) ReadByte() (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(b.r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (b byteReader) ReadExact(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(b.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func TestFrameRoundTrip(t *testing.T) {
	frame := buildFrame(AddrValidator, cmdPoll, []byte{0x14, 0x00})
	addr, payload, err := readFrame(byteReader{bytes.NewReader(frame)})
	require.NoError(t, err)
	require.Equal(t, AddrValidator, addr)
	require.Equal(t, []byte{0x14, 0x00}, payload)
}

func TestReadFrameDetectsCorruption(t *testing.T) {
	frame := buildFrame(AddrValidator, cmdPoll, []byte{0x14})
	frame[len(frame)-1] ^= 0xFF // flip a CRC bit
	_, _, err := readFrame(byteReader{bytes.NewReader(frame)})
	require.ErrorIs(t, err, ErrBadFrame)
}

// fakeDevice drives the peripheral side of an in-memory pipe: it reads
// host frames with the same framer the driver uses and replies through
// a caller-supplied handler, so each test only needs to describe how
// the device should answer a given command.
type fakeDevice struct {
	conn net.Conn
	br   *bufio.Reader
}

func newFakeDevice(conn net.Conn) *fakeDevice {
	return &fakeDevice{conn: conn, br: bufio.NewReader(conn)}
}

// next returns the host's next request frame. The host ACKs every
// structured reply it receives; those bare ACK frames are skipped here.
func (f *fakeDevice) next() (addr byte, payload []byte, err error) {
	for {
		addr, payload, err = readFrame(byteReader{f.br})
		if err != nil || len(payload) != 1 || payload[0] != cmdAck {
			return addr, payload, err
		}
	}
}

// reply sends data as the device's response payload: a bare ACK when
// data is empty, or the raw data bytes otherwise. buildFrame's own
// cmd/payload split is just a framing detail — for device->host frames
// the reconstituted payload (cmd+payload) is what readFrame hands back
// to the caller as response data, so data[0] stands in for that first
// byte rather than a real command code.
func (f *fakeDevice) reply(addr byte, data []byte) error {
	if len(data) == 0 {
		_, err := f.conn.Write(buildFrame(addr, cmdAck, nil))
		return err
	}
	_, err := f.conn.Write(buildFrame(addr, data[0], data[1:]))
	return err
}

// newTestValidator builds a Validator wired to one end of a net.Pipe,
// bypassing New/serialio.Config device discovery entirely.
func newTestValidator(t *testing.T) (*Validator, *fakeDevice) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	v := &Validator{
		log:       logrus.NewEntry(logrus.StandardLogger()),
		addr:      AddrValidator,
		slots:     pending.NewTable[byte, reply](),
		timeout:   500 * time.Millisecond,
		port:      serialio.NewFromConn(client, nil),
		connected: make(chan struct{}),
		state:     map[byte]Status{AddrValidator: StateUnknown},
		nominals:  map[byte][]Bill{},
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go v.Run(ctx)

	require.NoError(t, v.WaitConnected(ctx))
	return v, newFakeDevice(server)
}

func TestEnable(t *testing.T) {
	v, dev := newTestValidator(t)

	done := make(chan error, 1)
	go func() { done <- v.Enable(context.Background()) }()

	addr, payload, err := dev.next()
	require.NoError(t, err)
	require.Equal(t, AddrValidator, addr)
	require.Equal(t, cmdSetBillTable, payload[0])
	require.NoError(t, dev.reply(addr, nil))

	require.NoError(t, <-done)
}

func TestBillTableRoundTrip(t *testing.T) {
	v, dev := newTestValidator(t)

	table := make([]byte, 24*5)
	// slot 0: 5 * 10^0 = 5, country "RUS"
	table[0] = 5
	copy(table[1:4], "RUS")
	table[4] = 0
	// slot 1: 1 * 10^2 = 100
	table[5] = 1
	copy(table[6:9], "RUS")
	table[9] = 2

	done := make(chan struct {
		bills []Bill
		err   error
	}, 1)
	go func() {
		bills, err := v.GetBillTable(context.Background())
		done <- struct {
			bills []Bill
			err   error
		}{bills, err}
	}()

	addr, payload, err := dev.next()
	require.NoError(t, err)
	require.Equal(t, cmdGetBillTable, payload[0])
	require.NoError(t, dev.reply(addr, table))

	res := <-done
	require.NoError(t, res.err)
	require.Len(t, res.bills, 24)
	require.InDelta(t, 5.0, res.bills[0].Value, 0.001)
	require.Equal(t, "RUS", res.bills[0].Country)
	require.InDelta(t, 100.0, res.bills[1].Value, 0.001)
}

func TestStackOneAcceptsEscrowedBill(t *testing.T) {
	v, dev := newTestValidator(t)
	v.setNominals(v.addr, []Bill{{Value: 50, Country: "RUS"}, {Value: 100, Country: "RUS"}})

	done := make(chan struct {
		bill Bill
		err  error
	}, 1)
	go func() {
		bill, err := v.StackOne(context.Background())
		done <- struct {
			bill Bill
			err  error
		}{bill, err}
	}()

	// First poll: escrow position holding nominal slot 1.
	addr, payload, err := dev.next()
	require.NoError(t, err)
	require.Equal(t, cmdPoll, payload[0])
	require.NoError(t, dev.reply(addr, []byte{byte(EscrowPosition), 1}))

	// StackOne sends Stack.
	addr, payload, err = dev.next()
	require.NoError(t, err)
	require.Equal(t, cmdStack, payload[0])
	require.NoError(t, dev.reply(addr, nil))

	// StackOne polls again until BillStacked.
	addr, payload, err = dev.next()
	require.NoError(t, err)
	require.Equal(t, cmdPoll, payload[0])
	require.NoError(t, dev.reply(addr, []byte{byte(BillStacked), 1}))

	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, 100.0, res.bill.Value)
}

func TestCorruptFrameIsDroppedNotFatal(t *testing.T) {
	v, dev := newTestValidator(t)

	done := make(chan error, 1)
	go func() { _, err := v.Poll(context.Background()); done <- err }()

	addr, _, err := dev.next()
	require.NoError(t, err)

	// Send a corrupted frame first: the driver must drop it silently and
	// keep the slot armed rather than treating the transport as dead.
	bad := buildFrame(addr, byte(Idling), []byte{0})
	bad[len(bad)-1] ^= 0xFF
	_, werr := dev.conn.Write(bad)
	require.NoError(t, werr)

	// Now send the real reply; the request should still succeed within
	// its deadline.
	require.NoError(t, dev.reply(addr, []byte{byte(Idling), 0}))

	require.NoError(t, <-done)
}
