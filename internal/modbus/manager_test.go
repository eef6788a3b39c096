package modbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gx "github.com/grid-x/modbus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modbus-middleware/internal/apperr"
)

// fakeBus scripts transaction outcomes. Every client method consumes the
// next step.
type fakeBus struct {
	mu    sync.Mutex
	steps []busStep
	calls int

	lastWriteAddr  uint16
	lastWriteValue uint16

	block chan struct{} // when set, calls block until closed
}

type busStep struct {
	data []byte
	err  error
}

func (f *fakeBus) next() ([]byte, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.steps) == 0 {
		return nil, errors.New("unscripted call")
	}
	step := f.steps[0]
	f.steps = f.steps[1:]
	return step.data, step.err
}

func (f *fakeBus) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) { return f.next() }
func (f *fakeBus) ReadInputRegisters(address, quantity uint16) ([]byte, error)  { return f.next() }
func (f *fakeBus) ReadCoils(address, quantity uint16) ([]byte, error)           { return f.next() }
func (f *fakeBus) ReadDiscreteInputs(address, quantity uint16) ([]byte, error)  { return f.next() }

func (f *fakeBus) WriteSingleRegister(address, value uint16) ([]byte, error) {
	f.mu.Lock()
	f.lastWriteAddr, f.lastWriteValue = address, value
	f.mu.Unlock()
	return f.next()
}

func (f *fakeBus) WriteSingleCoil(address, value uint16) ([]byte, error) {
	f.mu.Lock()
	f.lastWriteAddr, f.lastWriteValue = address, value
	f.mu.Unlock()
	return f.next()
}

func (f *fakeBus) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testDevice(id string, retries int) DeviceConfig {
	return DeviceConfig{
		DeviceID:   id,
		Host:       "gw1",
		Port:       502,
		SlaveID:    1,
		Timeout:    time.Second,
		Framer:     FramerSocket,
		MaxRetries: retries,
		RetryDelay: time.Millisecond,
	}
}

// newTestManager wires the device's gateway to the fake bus, counting resets.
func newTestManager(dev DeviceConfig, bus *fakeBus, resets *atomic.Int32) *Manager {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	m := NewManager([]DeviceConfig{dev}, DefaultBreakerConfig(), nil, log)

	gw := NewGateway(dev.GatewayKey(), DefaultBreakerConfig(), m.log)
	gw.dial = func(GatewayKey, Framer, time.Duration) *transport {
		return &transport{
			client:  bus,
			connect: func() error { return nil },
			close: func() error {
				if resets != nil {
					resets.Add(1)
				}
				return nil
			},
			setSlave:   func(byte) {},
			setTimeout: func(time.Duration) {},
		}
	}
	m.gateways[dev.GatewayKey()] = gw
	return m
}

func TestManagerReadSuccess(t *testing.T) {
	bus := &fakeBus{steps: []busStep{{data: []byte{0x00, 0x2A, 0x00, 0x07}}}}
	m := newTestManager(testDevice("d1", 3), bus, nil)

	values, err := m.Read(context.Background(), "d1", RegisterHolding, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{42, 7}, values)
	assert.Equal(t, 1, bus.callCount())
}

func TestManagerUnknownDevice(t *testing.T) {
	m := newTestManager(testDevice("d1", 0), &fakeBus{}, nil)
	_, err := m.Read(context.Background(), "ghost", RegisterHolding, 0, 1)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestManagerProtocolErrorNotRetried(t *testing.T) {
	bus := &fakeBus{steps: []busStep{
		{err: &gx.Error{FunctionCode: 0x83, ExceptionCode: 2}},
	}}
	m := newTestManager(testDevice("d1", 3), bus, nil)

	_, err := m.Read(context.Background(), "d1", RegisterHolding, 9999, 1)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindDevice))
	assert.Equal(t, 2, apperr.AsError(err).Code)

	// No retries, and the gateway stays healthy: the device answered.
	assert.Equal(t, 1, bus.callCount())
	assert.Equal(t, 0, m.gateways[testDevice("d1", 3).GatewayKey()].breaker.Failures())
}

func TestManagerTransportErrorRetried(t *testing.T) {
	bus := &fakeBus{steps: []busStep{
		{err: errors.New("connection reset")},
		{err: errors.New("connection reset")},
		{data: []byte{0x00, 0x01}},
	}}
	var resets atomic.Int32
	m := newTestManager(testDevice("d1", 3), bus, &resets)

	values, err := m.Read(context.Background(), "d1", RegisterHolding, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, values)
	assert.Equal(t, 3, bus.callCount())
	// The connection is torn down before each retry.
	assert.Equal(t, int32(2), resets.Load())
}

func TestManagerRetriesExhausted(t *testing.T) {
	bus := &fakeBus{steps: []busStep{
		{err: errors.New("refused")},
		{err: errors.New("refused")},
		{err: errors.New("refused")},
	}}
	dev := testDevice("d1", 2)
	m := newTestManager(dev, bus, nil)

	_, err := m.Read(context.Background(), "d1", RegisterHolding, 0, 1)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindTransport))
	assert.Equal(t, 3, bus.callCount())

	// One exhausted call counts once against the breaker.
	assert.Equal(t, 1, m.gateways[dev.GatewayKey()].breaker.Failures())
}

func TestManagerCircuitOpensAndRejects(t *testing.T) {
	dev := testDevice("d1", 0)
	bus := &fakeBus{}
	for i := 0; i < 5; i++ {
		bus.steps = append(bus.steps, busStep{err: errors.New("refused")})
	}
	m := newTestManager(dev, bus, nil)

	for i := 0; i < 5; i++ {
		_, err := m.Read(context.Background(), "d1", RegisterHolding, 0, 1)
		require.Error(t, err)
	}
	assert.Equal(t, BreakerOpen, m.gateways[dev.GatewayKey()].BreakerState())

	// The open breaker rejects without touching the bus.
	before := bus.callCount()
	_, err := m.Read(context.Background(), "d1", RegisterHolding, 0, 1)
	assert.True(t, apperr.IsKind(err, apperr.KindCircuitOpen))
	assert.Equal(t, before, bus.callCount())
}

func TestManagerBudgetTimeoutResetsGateway(t *testing.T) {
	block := make(chan struct{})
	bus := &fakeBus{steps: []busStep{{data: []byte{0x00, 0x01}}}, block: block}
	var resets atomic.Int32
	m := newTestManager(testDevice("d1", 3), bus, &resets)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := m.Read(ctx, "d1", RegisterHolding, 0, 1)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindTimeout))

	// The abandoned attempt resets the connection once it returns.
	close(block)
	assert.Eventually(t, func() bool { return resets.Load() == 1 }, time.Second, 10*time.Millisecond)
}

func TestManagerWriteCoil(t *testing.T) {
	bus := &fakeBus{steps: []busStep{{data: []byte{0xFF, 0x00}}}}
	m := newTestManager(testDevice("d1", 0), bus, nil)

	err := m.Write(context.Background(), "d1", RegisterCoil, 4, 1)
	require.NoError(t, err)
	assert.Equal(t, uint16(4), bus.lastWriteAddr)
	assert.Equal(t, uint16(0xFF00), bus.lastWriteValue)
}

func TestManagerReloadDropsUnreferencedGateway(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	d1 := testDevice("d1", 0)
	d2 := testDevice("d2", 0)
	d2.Host = "gw2"
	m := NewManager([]DeviceConfig{d1, d2}, DefaultBreakerConfig(), nil, log)
	m.gatewayFor(d1.GatewayKey())
	m.gatewayFor(d2.GatewayKey())
	require.Len(t, m.GatewayStatuses(), 2)

	m.Reload([]DeviceConfig{d1})
	assert.Len(t, m.GatewayStatuses(), 1)
	assert.Equal(t, []string{"d1"}, m.ListDevices())

	_, err := m.Read(context.Background(), "d2", RegisterHolding, 0, 1)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestManagerGatewaySharedAcrossDevices(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	d1 := testDevice("d1", 0)
	d2 := testDevice("d2", 0)
	d2.SlaveID = 2
	m := NewManager([]DeviceConfig{d1, d2}, DefaultBreakerConfig(), nil, log)

	gw1 := m.gatewayFor(d1.GatewayKey())
	gw2 := m.gatewayFor(d2.GatewayKey())
	assert.Same(t, gw1, gw2)

	statuses := m.GatewayStatuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, 2, statuses[0].DeviceCount)
	assert.Equal(t, "closed", statuses[0].CircuitState)
}
