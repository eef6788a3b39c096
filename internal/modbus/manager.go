package modbus

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	gx "github.com/grid-x/modbus"
	"github.com/sirupsen/logrus"

	"modbus-middleware/internal/apperr"
)

// Recorder receives the outcome of every gateway transaction. Implemented by
// the metrics collector; a nil Recorder disables recording.
type Recorder interface {
	ObserveRequest(op string, rt RegisterType, latency time.Duration, err error)
}

// GatewayStatus is one row of the gateway status listing.
type GatewayStatus struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	Connected    bool   `json:"connected"`
	CircuitState string `json:"circuit_state"`
	DeviceCount  int    `json:"device_count"`
}

// Manager multiplexes logical devices onto shared per-(host,port) gateways.
// The device map is swapped atomically on reload so readers never block; the
// gateway pool is guarded by a mutex and pruned when a reload drops the last
// device of a gateway.
type Manager struct {
	log        *logrus.Entry
	recorder   Recorder
	breakerCfg BreakerConfig

	devices atomic.Value // map[string]DeviceConfig

	mu       sync.Mutex
	gateways map[GatewayKey]*Gateway
	closed   bool
}

// NewManager builds a manager over the given device configs.
func NewManager(configs []DeviceConfig, breakerCfg BreakerConfig, rec Recorder, log *logrus.Logger) *Manager {
	m := &Manager{
		log:        log.WithField("component", "modbus"),
		recorder:   rec,
		breakerCfg: breakerCfg,
		gateways:   make(map[GatewayKey]*Gateway),
	}
	m.devices.Store(indexDevices(configs))
	return m
}

func indexDevices(configs []DeviceConfig) map[string]DeviceConfig {
	idx := make(map[string]DeviceConfig, len(configs))
	for _, c := range configs {
		idx[c.DeviceID] = c
	}
	return idx
}

func (m *Manager) deviceMap() map[string]DeviceConfig {
	return m.devices.Load().(map[string]DeviceConfig)
}

// DeviceConfigFor resolves a device id, returning a NotFound error for
// unknown or deactivated devices.
func (m *Manager) DeviceConfigFor(deviceID string) (DeviceConfig, error) {
	dev, ok := m.deviceMap()[deviceID]
	if !ok {
		return DeviceConfig{}, apperr.Newf(apperr.KindNotFound, "device %q not found", deviceID)
	}
	return dev, nil
}

// ListDevices returns the known device ids in sorted order.
func (m *Manager) ListDevices() []string {
	devs := m.deviceMap()
	ids := make([]string, 0, len(devs))
	for id := range devs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// gatewayFor returns the pooled gateway for the key, creating it on first use.
func (m *Manager) gatewayFor(key GatewayKey) *Gateway {
	m.mu.Lock()
	defer m.mu.Unlock()
	gw, ok := m.gateways[key]
	if !ok {
		gw = NewGateway(key, m.breakerCfg, m.log)
		m.gateways[key] = gw
	}
	return gw
}

// Read resolves the device and executes a read through its gateway, applying
// the retry policy and circuit breaker.
func (m *Manager) Read(ctx context.Context, deviceID string, rt RegisterType, address, count int) ([]int, error) {
	dev, err := m.DeviceConfigFor(deviceID)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	var values []int
	err = m.runWithRetry(ctx, dev, func(gw *Gateway) error {
		var rerr error
		values, rerr = gw.Read(dev, rt, uint16(address), uint16(count))
		return rerr
	})
	if m.recorder != nil {
		m.recorder.ObserveRequest("read", rt, time.Since(start), err)
	}
	if err != nil {
		return nil, err
	}
	return values, nil
}

// Write resolves the device and executes a single-register or single-coil
// write through its gateway.
func (m *Manager) Write(ctx context.Context, deviceID string, rt RegisterType, address, value int) error {
	dev, err := m.DeviceConfigFor(deviceID)
	if err != nil {
		return err
	}
	start := time.Now()
	err = m.runWithRetry(ctx, dev, func(gw *Gateway) error {
		return gw.Write(dev, rt, uint16(address), value)
	})
	if m.recorder != nil {
		m.recorder.ObserveRequest("write", rt, time.Since(start), err)
	}
	return err
}

// runWithRetry executes call on the device's gateway. Transport failures are
// retried up to dev.MaxRetries times with the gateway reset before each
// retry. A Modbus exception response is returned immediately: the gateway
// delivered the frame, the unit just rejected it, so it neither retries nor
// counts against the breaker. Only a fully exhausted call records one
// breaker failure.
func (m *Manager) runWithRetry(ctx context.Context, dev DeviceConfig, call func(*Gateway) error) error {
	gw := m.gatewayFor(dev.GatewayKey())
	if err := gw.Acquire(); err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= dev.MaxRetries; attempt++ {
		if attempt > 0 {
			gw.Reset()
			if err := sleepCtx(ctx, dev.RetryDelay); err != nil {
				gw.RecordFailure()
				return budgetError(ctx, dev, lastErr)
			}
			m.log.WithFields(logrus.Fields{
				"device":  dev.DeviceID,
				"attempt": attempt,
				"retries": dev.MaxRetries,
			}).Warn("retrying modbus request")
		}

		err := m.attempt(ctx, gw, call)
		if err == nil {
			gw.RecordSuccess()
			return nil
		}

		var mbErr *gx.Error
		if errors.As(err, &mbErr) {
			// The unit answered with an exception frame.
			gw.RecordSuccess()
			e := apperr.Wrap(apperr.KindDevice, err, "device rejected the request")
			e.Code = int(mbErr.ExceptionCode)
			return e
		}
		if apperr.IsKind(err, apperr.KindTimeout) && ctx.Err() != nil {
			// Total request budget expired, no point retrying.
			gw.RecordFailure()
			return err
		}
		lastErr = err
	}

	gw.RecordFailure()
	return classifyTransport(lastErr, dev)
}

// attempt runs call bounded by ctx. The underlying client has no cancel
// hook, so on expiry the in-flight transaction is abandoned and the gateway
// reset once it returns, dropping any late response bytes.
func (m *Manager) attempt(ctx context.Context, gw *Gateway, call func(*Gateway) error) error {
	done := make(chan error, 1)
	go func() { done <- call(gw) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		go func() {
			<-done
			gw.Reset()
		}()
		return apperr.Wrap(apperr.KindTimeout, ctx.Err(), "request budget exhausted")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func budgetError(ctx context.Context, dev DeviceConfig, lastErr error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apperr.Wrap(apperr.KindTimeout, ctx.Err(), "request budget exhausted")
	}
	if lastErr != nil {
		return classifyTransport(lastErr, dev)
	}
	return apperr.Wrap(apperr.KindTransport, ctx.Err(), "request canceled")
}

func classifyTransport(err error, dev DeviceConfig) error {
	if err == nil {
		return nil
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return apperr.Wrap(apperr.KindTimeout, err, "device "+dev.DeviceID+" timed out")
	}
	return apperr.Wrap(apperr.KindTransport, err, "gateway communication failed")
}

// Reload swaps in a new device map. Gateways no longer referenced by any
// device are closed and dropped; surviving gateways keep their connection
// and breaker state.
func (m *Manager) Reload(configs []DeviceConfig) {
	idx := indexDevices(configs)
	m.devices.Store(idx)

	referenced := make(map[GatewayKey]bool, len(idx))
	for _, dev := range idx {
		referenced[dev.GatewayKey()] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for key, gw := range m.gateways {
		if !referenced[key] {
			gw.Close()
			delete(m.gateways, key)
			m.log.WithField("gateway", key.String()).Info("gateway dropped on reload")
		}
	}
	m.log.WithField("devices", len(idx)).Info("device map reloaded")
}

// GatewayStatuses reports the pooled gateways sorted by key.
func (m *Manager) GatewayStatuses() []GatewayStatus {
	devs := m.deviceMap()
	counts := make(map[GatewayKey]int)
	for _, dev := range devs {
		counts[dev.GatewayKey()]++
	}

	m.mu.Lock()
	statuses := make([]GatewayStatus, 0, len(m.gateways))
	for key, gw := range m.gateways {
		statuses = append(statuses, GatewayStatus{
			Host:         key.Host,
			Port:         key.Port,
			Connected:    gw.Connected(),
			CircuitState: gw.BreakerState().String(),
			DeviceCount:  counts[key],
		})
	}
	m.mu.Unlock()

	sort.Slice(statuses, func(i, j int) bool {
		if statuses[i].Host != statuses[j].Host {
			return statuses[i].Host < statuses[j].Host
		}
		return statuses[i].Port < statuses[j].Port
	})
	return statuses
}

// CloseAll tears down every gateway connection. Used on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for key, gw := range m.gateways {
		gw.Close()
		delete(m.gateways, key)
	}
}
