// Package serialio is the common serial transport shared by the CCNET,
// ccTalk and LCDM drivers: open/reopen a port, write-and-drain, and the
// two blocking read primitives each wire protocol needs.
package serialio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tarm/serial"
)

// ErrClosed is returned by Write/ReadExact/ReadUntil when the port has
// not been opened yet, or has been closed following an I/O fault.
var ErrClosed = errors.New("serialio: port closed")

// Config describes how to open a single serial line. Parity and stop
// bits are fixed at 8N1 across all three protocols, per spec.
type Config struct {
	Name    string
	Baud    int
	Timeout time.Duration
}

// conn is the subset of tarm/serial.Port's surface a Port needs. Tests
// satisfy it with an in-memory pipe instead of a real device.
type conn interface {
	io.Reader
	io.Writer
	io.Closer
}

type flusher interface {
	Flush() error
}

// Port wraps a serial connection with the read/write primitives the
// protocol engines need, plus reopen-on-fault bookkeeping. Each
// driver's reader goroutine owns ReadExact/ReadUntil, while caller
// goroutines own Write; CCNET's reader goroutine also calls Write to
// send host ACK frames. Write holds no lock of its own.
type Port struct {
	cfg Config
	log *logrus.Entry

	opener func() (conn, error)

	raw conn
	buf *bufio.Reader
}

// New constructs a Port description without opening it.
func New(cfg Config, log *logrus.Entry) *Port {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	p := &Port{cfg: cfg, log: log.WithField("port", cfg.Name)}
	p.opener = p.openReal
	return p
}

// NewFromConn builds a Port around an already-connected conn (e.g. a
// net.Pipe half), bypassing device discovery entirely. Used by tests
// that simulate a peripheral on the other end of the wire.
func NewFromConn(rw conn, log *logrus.Entry) *Port {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	p := &Port{log: log}
	p.opener = func() (conn, error) { return rw, nil }
	return p
}

func (p *Port) openReal() (conn, error) {
	sc := &serial.Config{
		Name:        p.cfg.Name,
		Baud:        p.cfg.Baud,
		ReadTimeout: p.cfg.Timeout,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
	}
	return serial.OpenPort(sc)
}

// Open opens (or reopens) the underlying serial line, 8N1, no flow
// control, at the configured baud rate.
func (p *Port) Open() error {
	raw, err := p.opener()
	if err != nil {
		return fmt.Errorf("serialio: open %s: %w", p.cfg.Name, err)
	}
	p.raw = raw
	p.buf = bufio.NewReaderSize(raw, 512)
	p.log.Debug("port opened")
	return nil
}

// Close tears down the port. Safe to call on an already-closed Port.
func (p *Port) Close() error {
	if p.raw == nil {
		return nil
	}
	err := p.raw.Close()
	p.raw = nil
	p.buf = nil
	return err
}

// Write writes data and blocks until it has drained to the wire.
func (p *Port) Write(data []byte) error {
	if p.raw == nil {
		return ErrClosed
	}
	p.log.Debugf("-> %X", data)
	n, err := p.raw.Write(data)
	if err != nil {
		return fmt.Errorf("serialio: write: %w", err)
	}
	if n != len(data) {
		return fmt.Errorf("serialio: short write %d/%d", n, len(data))
	}
	if f, ok := p.raw.(flusher); ok {
		return f.Flush()
	}
	return nil
}

// ReadExact blocks until exactly n bytes have been read.
func (p *Port) ReadExact(n int) ([]byte, error) {
	if p.buf == nil {
		return nil, ErrClosed
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(p.buf, buf); err != nil {
		return nil, fmt.Errorf("serialio: read %d bytes: %w", n, err)
	}
	return buf, nil
}

// ReadByte blocks until one byte has been read.
func (p *Port) ReadByte() (byte, error) {
	if p.buf == nil {
		return 0, ErrClosed
	}
	b, err := p.buf.ReadByte()
	if err != nil {
		return 0, fmt.Errorf("serialio: read byte: %w", err)
	}
	return b, nil
}

// ReadUntil blocks until delim has been read, returning all bytes up
// to and including it. Used by the LCDM driver to scan for ETX.
func (p *Port) ReadUntil(delim byte) ([]byte, error) {
	if p.buf == nil {
		return nil, ErrClosed
	}
	data, err := p.buf.ReadBytes(delim)
	if err != nil {
		return nil, fmt.Errorf("serialio: read until %#x: %w", delim, err)
	}
	return data, nil
}
