// Package lcdm implements the LCDM-2000 two-cassette bill dispenser
// protocol: a link-layer ACK/NAK handshake followed by a
// lead|ID|STX|CMD|data|ETX|BCC data frame, and the amount-to-cassette
// dispense planner.
//
// Grounded on ft-t/cc_validator_api's CCValidator for logging idiom,
// sentinel-error taxonomy and reconnect-on-fault shape, adapted from a
// multiplexed per-address reply dispatch to LCDM's strict two-phase
// request/response cycle (spec.md §5: "the next command cannot be
// issued until both phases resolve or time out").
package lcdm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/alex-eri/atm-drivers/internal/serialio"
)

// Link-layer bytes and frame delimiters, per spec.md §3/§4.4.
const (
	frameLead      byte = 0x04 // EOT, leads the outgoing command frame
	frameReplyLead byte = 0x01 // SOH, leads the incoming data-frame reply
	deviceID       byte = 0x50
	stx            byte = 0x02
	etx            byte = 0x03
	linkAck        byte = 0x06
	linkNak        byte = 0x15
)

// Command opcodes, per spec.md §4.4.
const (
	CmdPurge               byte = 0x44
	CmdUpperDispense       byte = 0x45
	CmdStatus              byte = 0x46
	CmdRomVersion          byte = 0x47
	CmdLowerDispense       byte = 0x55
	CmdUpperLowerDispense  byte = 0x56
	CmdTestUpper           byte = 0x76
	CmdTestLower           byte = 0x77
)

// Per-command timeouts, per spec.md §4.4.
const (
	LinkAckTimeout  = 2 * time.Second
	DataReplyTimeout = 60 * time.Second
)

// Sentinel errors, per spec.md §7.
var (
	ErrNotConnected = errors.New("lcdm: not connected")
	ErrNak          = errors.New("lcdm: link layer NAK")
	ErrBadFrame     = errors.New("lcdm: malformed frame")
	ErrTimeout      = errors.New("lcdm: request timed out")
)

// ErrorLabels names the device error codes from spec.md §4.4's table.
var ErrorLabels = map[byte]string{
	0x30: "Good",
	0x31: "Normal Stop",
	0x32: "Jam",
	0x33: "Cassette Missing",
	0x38: "Upper Bill End",
	0x40: "Lower Bill End",
	0x4E: "End of Life",
}

// okErrorCodes are the error codes the dispense planner tolerates
// without aborting the whole request, per spec.md §4.4 step 2(d).
var okErrorCodes = map[byte]bool{
	0x00: true,
	0x30: true,
	0x31: true,
	0x38: true,
	0x40: true,
}

// SensorFlags decodes STATUS's little-endian 16-bit flag word, per
// spec.md §4.4.
type SensorFlags struct {
	Chk1, Chk2       bool
	Div1, Div2       bool
	Ejt              bool
	Exit             bool
	NearEnd0         bool
	Always1          bool
	Sol              bool
	Cassette0, Cassette1 bool
	Chk3, Chk4       bool
	NearEnd1         bool
	Reject           bool
}

func decodeSensorFlags(word uint16) SensorFlags {
	bit := func(n uint) bool { return word&(1<<n) != 0 }
	return SensorFlags{
		Chk1: bit(0), Chk2: bit(1),
		Div1: bit(2), Div2: bit(3),
		Ejt: bit(4), Exit: bit(5),
		NearEnd0: bit(6), Always1: bit(7),
		Sol:       bit(8),
		Cassette0: bit(9), Cassette1: bit(10),
		Chk3: bit(11), Chk4: bit(12),
		NearEnd1: bit(13), Reject: bit(14),
	}
}

// StatusReply is STATUS's decoded reply.
type StatusReply struct {
	ErrorCode byte
	Flags     SensorFlags
}

// DispenseReply is a dispense command's decoded reply, per spec.md
// §4.4's fixed-offset fields.
type DispenseReply struct {
	Check     int
	Exit      int
	ErrorCode byte
	Status    byte
	Reject    int
}

// CassetteResult records one cassette's contribution to a Dispense
// call, for the planner's error log.
type CassetteResult struct {
	Cassette string
	Error    int // device error code, or -1 transport / -2 other
}

// DispenseResult is Dispense's outcome, per spec.md §8's invariant
// `out == sum(exit_i * nominal_i)`.
type DispenseResult struct {
	Out    int
	OK     bool
	Errors []CassetteResult
}

// cassette binds one physical cassette to its dispense command and
// configured nominal.
type cassette struct {
	name    string
	cmd     byte
	nominal int
}

// Dispenser drives one LCDM-2000 over a dedicated serial line.
type Dispenser struct {
	log *logrus.Entry

	mu   sync.Mutex // serializes the two-phase command cycle end to end
	port *serialio.Port

	connMu    sync.RWMutex
	connected chan struct{}

	faultMu sync.Mutex
	fault   chan struct{}

	upperNominal int
	lowerNominal int
}

// New constructs a Dispenser. upperNominal/lowerNominal are the
// configured denominations loaded into each cassette (spec.md has no
// device-side nominal fetch for LCDM — these are operator-configured).
func New(cfg serialio.Config, upperNominal, lowerNominal int, log *logrus.Entry) *Dispenser {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("driver", "lcdm")
	return &Dispenser{
		log:          log,
		port:         serialio.New(cfg, log),
		connected:    make(chan struct{}),
		fault:        make(chan struct{}),
		upperNominal: upperNominal,
		lowerNominal: lowerNominal,
	}
}

// Run owns the serial port for the lifetime of ctx, reopening on any
// reported fault, per spec.md §5.
func (d *Dispenser) Run(ctx context.Context) {
	serialio.Supervise(ctx, d.port, d.log, d.onOpen, d.waitFault)
}

func (d *Dispenser) onOpen() {
	d.connMu.Lock()
	select {
	case <-d.connected:
	default:
		close(d.connected)
	}
	d.connMu.Unlock()

	d.faultMu.Lock()
	d.fault = make(chan struct{})
	d.faultMu.Unlock()
}

// waitFault blocks until a command reports a transport fault, or ctx is
// cancelled — LCDM has no unsolicited notification stream to read, so
// there is nothing else for the supervised "reader" to do.
func (d *Dispenser) waitFault(ctx context.Context) {
	d.faultMu.Lock()
	fault := d.fault
	d.faultMu.Unlock()
	select {
	case <-fault:
	case <-ctx.Done():
	}
}

func (d *Dispenser) reportFault() {
	d.faultMu.Lock()
	select {
	case <-d.fault:
	default:
		close(d.fault)
	}
	d.faultMu.Unlock()
}

// WaitConnected blocks until the port is open, or ctx is cancelled.
func (d *Dispenser) WaitConnected(ctx context.Context) error {
	d.connMu.RLock()
	ch := d.connected
	d.connMu.RUnlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
