// Package cctalk implements a ccTalk bus host: a multi-drop master that
// polls coin acceptors and bill recyclers over one shared serial line,
// parses the buffered status/event stream, and drives payout.
//
// Grounded on ft-t/cc_validator_api's CCValidator for the overall
// framing/reconnect/pending-slot shape, generalized from a per-address
// single-pending-request invariant (CCNET) to the bus-wide single
// pending request ccTalk's half-duplex multi-drop bus requires.
package cctalk

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/alex-eri/atm-drivers/internal/pending"
	"github.com/alex-eri/atm-drivers/internal/serialio"
)

// Header opcodes, per spec.md §4.3's selected catalogue.
const (
	hdrAck                             byte = 0
	hdrEmpty                           byte = 24
	hdrRunUnitCalibration              byte = 34
	hdrPayoutAmountC                   byte = 39
	hdrSetPeripheralDeviceMasterInhibit byte = 48
	hdrGetDeviceSetupC                 byte = 46
	hdrRequestStatusC                  byte = 47
	hdrSetMasterInhibit                byte = 228
	hdrRequestSoftwareRevision         byte = 241
	hdrRequestSerial                   byte = 242
	hdrRequestProductCode              byte = 244
	hdrRequestEquipmentCategory        byte = 245
	hdrRequestManufacturerID           byte = 246
	hdrSimplePoll                      byte = 254
)

// DefaultHostAddress is the address this host answers to on the bus.
const DefaultHostAddress byte = 1

// Sentinel errors, per spec.md §7.
var (
	ErrNotConnected = errors.New("cctalk: not connected")
	ErrBadFrame     = errors.New("cctalk: malformed frame")
	ErrNotOK        = errors.New("cctalk: peripheral returned non-ACK")
)

// RequestTimeout is the bus-wide per-request deadline from spec.md §4.3.
const RequestTimeout = time.Second

// Coin is one denomination slot of a SMART_HOPPER device-setup reply,
// decoded from the same 7-byte record as Request_Status_c events: a
// 4-byte little-endian hundredths value plus a 3-byte country code.
type Coin struct {
	Value   float64
	Country string
}

// DeviceInfo is the identification quintet fetched during Init.
type DeviceInfo struct {
	Manufacturer      string
	EquipmentCategory string
	ProductCode       string
	SerialNumber      string
	SoftwareRevision  string
}

// EventRecord is one 7-byte denomination record inside a Request_Status_c
// reply: a scaled value (already divided by 100) plus its country code.
type EventRecord struct {
	Value   float64
	Country string
}

// PollResult is the decoded reply to RequestStatusC: zero or more
// status labels plus any processing/credit denomination records, per
// spec.md §4.3's event-code table.
type PollResult struct {
	Status     []string
	Processing []EventRecord
	Credit     []EventRecord
}

// reply is what the reader goroutine hands to a waiting caller.
type reply struct {
	src  byte
	hdr  byte
	data []byte
}

// busKey is the single pending-slot key: ccTalk enforces at most one
// outstanding request across the *entire* bus, not per address, per
// spec.md §4.3/§5's "bus-wide FIFO" ordering guarantee.
type busKey struct{}

// Host drives one ccTalk bus over a serial line.
type Host struct {
	log      *logrus.Entry
	hostAddr byte
	slots    *pending.Table[busKey, reply]
	timeout  time.Duration

	port *serialio.Port

	mu         sync.RWMutex
	connected  chan struct{}
	deviceInfo map[byte]DeviceInfo
	coins      map[byte][]Coin
}

// New constructs a Host bound to the given port configuration, answering
// to hostAddr on the bus (DefaultHostAddress unless multiple hosts share
// a wire). It does not open the port — call Run in its own goroutine.
func New(cfg serialio.Config, hostAddr byte, log *logrus.Entry) *Host {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("driver", "cctalk")
	return &Host{
		log:        log,
		hostAddr:   hostAddr,
		slots:      pending.NewTable[busKey, reply](),
		timeout:    RequestTimeout,
		port:       serialio.New(cfg, log),
		connected:  make(chan struct{}),
		deviceInfo: map[byte]DeviceInfo{},
		coins:      map[byte][]Coin{},
	}
}

// Run owns the serial port for the lifetime of ctx, per spec.md §5's
// reconnect policy. Call it in its own goroutine.
func (h *Host) Run(ctx context.Context) {
	serialio.Supervise(ctx, h.port, h.log, h.onOpen, h.readLoop)
}

func (h *Host) onOpen() {
	h.mu.Lock()
	select {
	case <-h.connected:
	default:
		close(h.connected)
	}
	h.mu.Unlock()
}

// WaitConnected blocks until the bus is open, or ctx is cancelled.
func (h *Host) WaitConnected(ctx context.Context) error {
	h.mu.RLock()
	ch := h.connected
	h.mu.RUnlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Host) setDeviceInfo(addr byte, info DeviceInfo) {
	h.mu.Lock()
	h.deviceInfo[addr] = info
	h.mu.Unlock()
}

// DeviceInfo returns the identification fetched for addr during Init.
func (h *Host) DeviceInfo(addr byte) DeviceInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.deviceInfo[addr]
}

func (h *Host) setCoins(addr byte, coins []Coin) {
	h.mu.Lock()
	h.coins[addr] = coins
	h.mu.Unlock()
}

// Coins returns the denomination list fetched for a SMART_HOPPER addr.
func (h *Host) Coins(addr byte) []Coin {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Coin, len(h.coins[addr]))
	copy(out, h.coins[addr])
	return out
}
