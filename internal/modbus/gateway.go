package modbus

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	gx "github.com/grid-x/modbus"
	"github.com/sirupsen/logrus"
)

// busClient is the slice of the modbus client surface the gateway uses.
// Satisfied by gx.Client.
type busClient interface {
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	ReadInputRegisters(address, quantity uint16) ([]byte, error)
	ReadCoils(address, quantity uint16) ([]byte, error)
	ReadDiscreteInputs(address, quantity uint16) ([]byte, error)
	WriteSingleRegister(address, value uint16) ([]byte, error)
	WriteSingleCoil(address, value uint16) ([]byte, error)
}

// transport wraps one grid-x client handler behind framer-independent
// accessors. The concrete handler type differs per framer but all of them
// expose Connect/Close/SetSlave and a Timeout field.
type transport struct {
	client     busClient
	connect    func() error
	close      func() error
	setSlave   func(byte)
	setTimeout func(time.Duration)
	framer     Framer
}

func newTransport(key GatewayKey, framer Framer, timeout time.Duration) *transport {
	addr := key.String()
	switch framer {
	case FramerSocket:
		h := gx.NewTCPClientHandler(addr)
		h.Timeout = timeout
		return &transport{
			client:     gx.NewClient(h),
			connect:    h.Connect,
			close:      h.Close,
			setSlave:   h.SetSlave,
			setTimeout: func(d time.Duration) { h.Timeout = d },
			framer:     framer,
		}
	case FramerASCII:
		h := gx.NewASCIIOverTCPClientHandler(addr)
		h.Timeout = timeout
		return &transport{
			client:     gx.NewClient(h),
			connect:    h.Connect,
			close:      h.Close,
			setSlave:   h.SetSlave,
			setTimeout: func(d time.Duration) { h.Timeout = d },
			framer:     framer,
		}
	default: // FramerRTU
		h := gx.NewRTUOverTCPClientHandler(addr)
		h.Timeout = timeout
		return &transport{
			client:     gx.NewClient(h),
			connect:    h.Connect,
			close:      h.Close,
			setSlave:   h.SetSlave,
			setTimeout: func(d time.Duration) { h.Timeout = d },
			framer:     framer,
		}
	}
}

// Gateway owns exactly one physical transport to a (host,port) pair. All
// reads and writes through the same gateway are strictly serialized: the
// devices behind it share one RS-485 bus and overlapping frames would
// collide.
type Gateway struct {
	key     GatewayKey
	breaker *Breaker
	log     *logrus.Entry

	// dial opens the transport, replaceable in tests.
	dial func(GatewayKey, Framer, time.Duration) *transport

	// mu serializes transactions, connMu guards the connection pointer.
	// They are separate so Reset can tear down a connection without
	// queueing behind an in-flight transaction.
	mu     sync.Mutex
	connMu sync.Mutex
	conn   *transport
}

// NewGateway creates a disconnected gateway; the transport opens lazily on
// first use with the requesting device's framer and timeout.
func NewGateway(key GatewayKey, breakerCfg BreakerConfig, log *logrus.Entry) *Gateway {
	return &Gateway{
		key:     key,
		breaker: NewBreaker(breakerCfg),
		log:     log.WithField("gateway", key.String()),
		dial:    newTransport,
	}
}

// Key returns the gateway's (host,port) identity.
func (g *Gateway) Key() GatewayKey { return g.key }

// Acquire fails fast with a CircuitOpen error while the breaker is open.
// It is checked before the serialization lock so a busy gateway still
// rejects immediately.
func (g *Gateway) Acquire() error { return g.breaker.Allow() }

// RecordSuccess clears the breaker's consecutive failure count.
func (g *Gateway) RecordSuccess() { g.breaker.RecordSuccess() }

// RecordFailure counts one exhausted call against the breaker.
func (g *Gateway) RecordFailure() { g.breaker.RecordFailure() }

// BreakerState returns the breaker state for status reporting.
func (g *Gateway) BreakerState() BreakerState { return g.breaker.State() }

// Connected reports whether a transport is currently open.
func (g *Gateway) Connected() bool {
	g.connMu.Lock()
	defer g.connMu.Unlock()
	return g.conn != nil
}

// Read executes one read transaction for the device. Serialized per gateway.
func (g *Gateway) Read(dev DeviceConfig, rt RegisterType, address, count uint16) ([]int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	tr, err := g.ensure(dev)
	if err != nil {
		return nil, err
	}
	tr.setSlave(byte(dev.SlaveID))
	tr.setTimeout(dev.Timeout)

	var raw []byte
	switch rt {
	case RegisterHolding:
		raw, err = tr.client.ReadHoldingRegisters(address, count)
	case RegisterInput:
		raw, err = tr.client.ReadInputRegisters(address, count)
	case RegisterCoil:
		raw, err = tr.client.ReadCoils(address, count)
	case RegisterDiscrete:
		raw, err = tr.client.ReadDiscreteInputs(address, count)
	default:
		return nil, fmt.Errorf("unsupported register type %q", rt)
	}
	if err != nil {
		return nil, err
	}
	return decodeValues(rt, raw, count)
}

// Write executes one write transaction for the device. Only holding
// registers and coils are writable.
func (g *Gateway) Write(dev DeviceConfig, rt RegisterType, address uint16, value int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	tr, err := g.ensure(dev)
	if err != nil {
		return err
	}
	tr.setSlave(byte(dev.SlaveID))
	tr.setTimeout(dev.Timeout)

	switch rt {
	case RegisterHolding:
		_, err = tr.client.WriteSingleRegister(address, uint16(value))
	case RegisterCoil:
		coil := uint16(0x0000)
		if value != 0 {
			coil = 0xFF00
		}
		_, err = tr.client.WriteSingleCoil(address, coil)
	default:
		return fmt.Errorf("register type %q is not writable", rt)
	}
	return err
}

// ensure opens the transport if necessary. Caller holds g.mu.
func (g *Gateway) ensure(dev DeviceConfig) (*transport, error) {
	g.connMu.Lock()
	defer g.connMu.Unlock()
	if g.conn != nil {
		return g.conn, nil
	}
	tr := g.dial(g.key, dev.Framer, dev.Timeout)
	if err := tr.connect(); err != nil {
		return nil, err
	}
	g.log.WithField("framer", dev.Framer).Debug("gateway connected")
	g.conn = tr
	return tr, nil
}

// Reset closes and forgets the current connection; the next transaction
// reopens it. Safe to call concurrently with an in-flight transaction.
func (g *Gateway) Reset() {
	g.connMu.Lock()
	defer g.connMu.Unlock()
	if g.conn != nil {
		if err := g.conn.close(); err != nil {
			g.log.WithError(err).Debug("gateway close during reset")
		}
		g.conn = nil
	}
}

// Close is the idempotent teardown used on reload and shutdown.
func (g *Gateway) Close() {
	g.Reset()
}

func decodeValues(rt RegisterType, raw []byte, count uint16) ([]int, error) {
	n := int(count)
	values := make([]int, n)
	if rt.IsBit() {
		need := (n + 7) / 8
		if len(raw) < need {
			return nil, fmt.Errorf("short bit response: got %d bytes, want %d", len(raw), need)
		}
		for i := 0; i < n; i++ {
			values[i] = int(raw[i/8] >> (i % 8) & 0x01)
		}
		return values, nil
	}
	if len(raw) < n*2 {
		return nil, fmt.Errorf("short register response: got %d bytes, want %d", len(raw), n*2)
	}
	for i := 0; i < n; i++ {
		values[i] = int(binary.BigEndian.Uint16(raw[i*2:]))
	}
	return values, nil
}
