// Package service implements the read and write request pipelines sitting
// between the HTTP layer and the modbus manager.
package service

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"modbus-middleware/internal/cache"
	"modbus-middleware/internal/modbus"
)

// requestBudget bounds one API request end to end, retries included. A
// request that exhausts the budget returns a timeout no matter how the
// per-device timeout and retry count multiply out.
const requestBudget = 5 * time.Second

// Bus is the manager surface the service consumes.
type Bus interface {
	Read(ctx context.Context, deviceID string, rt modbus.RegisterType, address, count int) ([]int, error)
	Write(ctx context.Context, deviceID string, rt modbus.RegisterType, address, value int) error
	DeviceConfigFor(deviceID string) (modbus.DeviceConfig, error)
}

// ReadResult is one completed read, with its provenance.
type ReadResult struct {
	DeviceID     string              `json:"device_id"`
	RegisterType modbus.RegisterType `json:"register_type"`
	Address      int                 `json:"address"`
	Count        int                 `json:"count"`
	Values       []int               `json:"values"`
	Source       string              `json:"source"`
	CachedAt     *time.Time          `json:"cached_at,omitempty"`
}

// WriteResult confirms one completed write.
type WriteResult struct {
	DeviceID     string              `json:"device_id"`
	RegisterType modbus.RegisterType `json:"register_type"`
	Address      int                 `json:"address"`
	Value        int                 `json:"value"`
	Invalidated  int                 `json:"cache_entries_invalidated"`
}

// Registers is the read/write pipeline.
type Registers struct {
	bus   Bus
	cache *cache.Cache
	log   *logrus.Entry
}

// NewRegisters builds the pipeline.
func NewRegisters(bus Bus, c *cache.Cache, log *logrus.Logger) *Registers {
	return &Registers{bus: bus, cache: c, log: log.WithField("component", "service")}
}

// Read serves one read request. With useCache, a fresh cached entry is
// returned without touching the bus; a miss falls through to a live read.
// Live values are cached for subsequent cache reads.
func (r *Registers) Read(ctx context.Context, deviceID, registerType string, address, count int, useCache bool) (ReadResult, error) {
	rt, err := modbus.ParseRegisterType(registerType)
	if err != nil {
		return ReadResult{}, err
	}
	if err := modbus.ValidateRead(rt, address, count); err != nil {
		return ReadResult{}, err
	}
	if _, err := r.bus.DeviceConfigFor(deviceID); err != nil {
		return ReadResult{}, err
	}

	if useCache {
		if e, ok := r.cache.Get(deviceID, rt, address, count); ok {
			cachedAt := e.CachedAt
			return ReadResult{
				DeviceID:     deviceID,
				RegisterType: rt,
				Address:      address,
				Count:        count,
				Values:       e.Values,
				Source:       "cache",
				CachedAt:     &cachedAt,
			}, nil
		}
	}

	rctx, cancel := context.WithTimeout(ctx, requestBudget)
	defer cancel()

	values, err := r.bus.Read(rctx, deviceID, rt, address, count)
	if err != nil {
		return ReadResult{}, err
	}
	r.cache.Set(deviceID, rt, address, count, values)

	return ReadResult{
		DeviceID:     deviceID,
		RegisterType: rt,
		Address:      address,
		Count:        count,
		Values:       values,
		Source:       "live",
	}, nil
}

// Write serves one write request, then drops every cached range covering the
// written address. The cache is not re-seeded: the next read observes the
// device's actual post-write state.
func (r *Registers) Write(ctx context.Context, deviceID, registerType string, address, value int) (WriteResult, error) {
	rt, err := modbus.ParseRegisterType(registerType)
	if err != nil {
		return WriteResult{}, err
	}
	if err := modbus.ValidateWrite(rt, address, value); err != nil {
		return WriteResult{}, err
	}
	if _, err := r.bus.DeviceConfigFor(deviceID); err != nil {
		return WriteResult{}, err
	}

	wctx, cancel := context.WithTimeout(ctx, requestBudget)
	defer cancel()

	if err := r.bus.Write(wctx, deviceID, rt, address, value); err != nil {
		return WriteResult{}, err
	}
	invalidated := r.cache.InvalidateCovering(deviceID, rt, address)
	r.log.WithFields(logrus.Fields{
		"device":      deviceID,
		"type":        rt,
		"address":     address,
		"invalidated": invalidated,
	}).Info("register written")

	return WriteResult{
		DeviceID:     deviceID,
		RegisterType: rt,
		Address:      address,
		Value:        value,
		Invalidated:  invalidated,
	}, nil
}
