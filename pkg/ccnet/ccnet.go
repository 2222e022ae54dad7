// Package ccnet implements the CCNET bill-validator wire protocol: a
// SYNC|ADR|LEN|CMD|payload|CRC16 envelope, polled state machine, bill
// escrow/stack/return lifecycle and bill-table introspection.
//
// Grounded on ft-t/cc_validator_api's CCValidator (framing, CRC,
// request/response shape) generalized from a single blocking call per
// command into a reader goroutine plus per-address pending slots, per
// spec.md §4.2/§5.
package ccnet

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/alex-eri/atm-drivers/internal/pending"
	"github.com/alex-eri/atm-drivers/internal/serialio"
)

// Wire constants, per spec.md §4.2.
const (
	sync0 byte = 0x02

	cmdReset        byte = 0x30
	cmdStatus       byte = 0x31
	cmdSetSecurity  byte = 0x32
	cmdPoll         byte = 0x33
	cmdSetBillTable byte = 0x34
	cmdSetCoinTypes byte = 0x0c
	cmdStack        byte = 0x35
	cmdReturn       byte = 0x36
	cmdIdentify     byte = 0x37
	cmdHold         byte = 0x38
	cmdGetBillTable byte = 0x41
	cmdGetCoinTable byte = 0x10
	cmdAck          byte = 0x00
	cmdNak          byte = 0xFF
	cmdIllegal      byte = 0x30
)

// Addresses recognized by the protocol.
const (
	AddrValidator byte = 0x03
	AddrCoin      byte = 0x02
)

// Status is a CCNET device state code, returned by Poll.
type Status byte

// State codes from spec.md §4.2 (abridged table).
const (
	StateUnknown             Status = 0x00 // not-yet-known; see spec.md §9(a)
	PowerUp                  Status = 0x10
	PowerUpWithBillValidator Status = 0x11
	PowerUpWithBillStacker   Status = 0x12
	Initialize               Status = 0x13
	Idling                   Status = 0x14
	Accepting                Status = 0x15
	Stacking                 Status = 0x17
	Returning                Status = 0x18
	UnitDisabled             Status = 0x19
	Holding                  Status = 0x1A
	DeviceBusy               Status = 0x1B
	Rejecting                Status = 0x1C
	DropCassetteFull         Status = 0x41
	DropCassetteOutOfPos     Status = 0x42
	ValidatorJammed          Status = 0x43
	DropCassetteJammed       Status = 0x44
	Cheated                  Status = 0x45
	GenericFailure           Status = 0x47
	EscrowPosition           Status = 0x80
	BillStacked              Status = 0x81
	BillReturned             Status = 0x82
)

func (s Status) String() string {
	switch s {
	case PowerUp:
		return "power up"
	case PowerUpWithBillValidator:
		return "power up with bill in validator"
	case PowerUpWithBillStacker:
		return "power up with bill in stacker"
	case Initialize:
		return "initialize"
	case Idling:
		return "idling"
	case Accepting:
		return "accepting"
	case Stacking:
		return "stacking"
	case Returning:
		return "returning"
	case UnitDisabled:
		return "unit disabled"
	case Holding:
		return "holding"
	case DeviceBusy:
		return "device busy"
	case Rejecting:
		return "rejecting"
	case DropCassetteFull:
		return "drop cassette full"
	case DropCassetteOutOfPos:
		return "drop cassette out of position"
	case ValidatorJammed:
		return "validator jammed"
	case DropCassetteJammed:
		return "drop cassette jammed"
	case Cheated:
		return "cheated"
	case GenericFailure:
		return "generic failure"
	case EscrowPosition:
		return "escrow position"
	case BillStacked:
		return "bill stacked"
	case BillReturned:
		return "bill returned"
	default:
		return "unknown"
	}
}

// Sentinel errors, per spec.md §7.
var (
	ErrNotConnected  = errors.New("ccnet: not connected")
	ErrNak           = errors.New("ccnet: NAK")
	ErrIllegal       = errors.New("ccnet: illegal command")
	ErrBadFrame      = errors.New("ccnet: malformed response")
	ErrWrongState    = errors.New("ccnet: bill table requested in wrong state")
)

// RequestTimeout is the per-request deadline from spec.md §4.2.
const RequestTimeout = 10 * time.Second

// Bill is one bill-table slot, decoded per spec.md §4.2's
// value = byte0 * 10^exp rule.
type Bill struct {
	Value   float64
	Country string
}

// PollResult is the decoded reply to Poll.
type PollResult struct {
	State Status
	Param byte
}

// reply is what the reader goroutine hands to a waiting caller: the
// originating command and the raw response bytes (nil for a bare ACK),
// which each operation decodes itself.
type reply struct {
	cmd byte
	raw []byte
}

// Validator drives one CCNET serial line (a bill validator at address
// 0x03, or a coin acceptor at 0x02).
type Validator struct {
	log     *logrus.Entry
	addr    byte
	slots   *pending.Table[byte, reply]
	timeout time.Duration

	port *serialio.Port

	mu        sync.RWMutex
	connected chan struct{}
	state     map[byte]Status
	nominals  map[byte][]Bill
}

// New constructs a Validator bound to the given port configuration. It
// does not open the port — call Run in a goroutine to do that.
func New(cfg serialio.Config, addr byte, log *logrus.Entry) *Validator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("driver", "ccnet").WithField("addr", addr)
	return &Validator{
		log:       log,
		addr:      addr,
		slots:     pending.NewTable[byte, reply](),
		timeout:   RequestTimeout,
		port:      serialio.New(cfg, log),
		connected: make(chan struct{}),
		state:     map[byte]Status{addr: StateUnknown},
		nominals:  map[byte][]Bill{},
	}
}

// Run owns the serial port for the lifetime of ctx: it opens, reads,
// and reopens on fault, per spec.md §5's reconnect policy. Call it in
// its own goroutine.
func (v *Validator) Run(ctx context.Context) {
	serialio.Supervise(ctx, v.port, v.log, v.onOpen, v.readLoop)
}

func (v *Validator) onOpen() {
	v.mu.Lock()
	select {
	case <-v.connected:
	default:
		close(v.connected)
	}
	v.mu.Unlock()
}

// WaitConnected blocks until the port is open, or ctx is cancelled.
func (v *Validator) WaitConnected(ctx context.Context) error {
	v.mu.RLock()
	ch := v.connected
	v.mu.RUnlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (v *Validator) getState(addr byte) Status {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state[addr]
}

func (v *Validator) setState(addr byte, s Status) {
	v.mu.Lock()
	v.state[addr] = s
	v.mu.Unlock()
}

func (v *Validator) setNominals(addr byte, bills []Bill) {
	v.mu.Lock()
	v.nominals[addr] = bills
	v.mu.Unlock()
}

// Nominals returns the bill table fetched for addr during the last
// Reset, read-only after that per spec.md §3's invariants.
func (v *Validator) Nominals(addr byte) []Bill {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]Bill, len(v.nominals[addr]))
	copy(out, v.nominals[addr])
	return out
}
