// Package poller drives the background polling loop: every interval it
// reloads the active targets from the database, reads them grouped by
// gateway, caches the values and publishes them to the broker.
package poller

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"modbus-middleware/internal/cache"
	"modbus-middleware/internal/modbus"
	"modbus-middleware/internal/mqtt"
	"modbus-middleware/internal/store"
)

// readBudget bounds one polled read end to end, retries included.
const readBudget = 5 * time.Second

// maxConcurrentGateways caps how many gateways are polled in parallel.
const maxConcurrentGateways = 16

// TargetSource yields the targets to poll. Implemented by the store; the
// database is re-read every cycle so admin edits take effect without a
// restart.
type TargetSource interface {
	ListActiveTargets(ctx context.Context) ([]store.PollingTarget, error)
}

// Reader executes reads and resolves device configuration. Implemented by
// the modbus manager.
type Reader interface {
	Read(ctx context.Context, deviceID string, rt modbus.RegisterType, address, count int) ([]int, error)
	DeviceConfigFor(deviceID string) (modbus.DeviceConfig, error)
}

// CycleRecorder receives per-cycle counts. Implemented by the metrics
// collector.
type CycleRecorder interface {
	ObserveCycle(polled, failed, skipped int, dur time.Duration)
}

// Poller owns the polling loop.
type Poller struct {
	source    TargetSource
	reader    Reader
	cache     *cache.Cache
	publisher mqtt.Publisher
	recorder  CycleRecorder
	interval  time.Duration
	log       *logrus.Entry
}

// New builds a poller. recorder may be nil.
func New(source TargetSource, reader Reader, c *cache.Cache, pub mqtt.Publisher,
	recorder CycleRecorder, interval time.Duration, log *logrus.Logger) *Poller {
	return &Poller{
		source:    source,
		reader:    reader,
		cache:     c,
		publisher: pub,
		recorder:  recorder,
		interval:  interval,
		log:       log.WithField("component", "poller"),
	}
}

// Run polls until ctx is canceled. Cycles never overlap: a cycle that runs
// longer than the interval delays the next one instead of stacking.
func (p *Poller) Run(ctx context.Context) {
	p.log.WithField("interval", p.interval).Info("poller started")
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			p.log.Info("poller stopped")
			return
		case <-timer.C:
		}

		start := time.Now()
		p.cycle(ctx)
		elapsed := time.Since(start)

		next := p.interval - elapsed
		if next < 0 {
			next = 0
		}
		timer.Reset(next)
	}
}

// cycle executes one poll of all active targets. Gateways are polled in
// parallel; within a gateway, targets run sequentially in id order so the
// shared bus sees a stable sequence.
func (p *Poller) cycle(ctx context.Context) {
	start := time.Now()

	targets, err := p.source.ListActiveTargets(ctx)
	if err != nil {
		p.log.WithError(err).Error("loading polling targets failed")
		return
	}

	var polled, failed, skipped atomic.Int64

	groups := make(map[modbus.GatewayKey][]store.PollingTarget)
	var order []modbus.GatewayKey
	for _, t := range targets {
		dev, err := p.reader.DeviceConfigFor(t.DeviceID)
		if err != nil {
			skipped.Add(1)
			p.log.WithFields(logrus.Fields{"target": t.ID, "device": t.DeviceID}).
				Debug("skipping target, device not loaded")
			continue
		}
		key := dev.GatewayKey()
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], t)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentGateways)
	for _, key := range order {
		batch := groups[key]
		g.Go(func() error {
			for _, t := range batch {
				if gctx.Err() != nil {
					return nil
				}
				if p.pollTarget(gctx, t) {
					polled.Add(1)
				} else {
					failed.Add(1)
				}
			}
			return nil
		})
	}
	g.Wait()

	dur := time.Since(start)
	if p.recorder != nil {
		p.recorder.ObserveCycle(int(polled.Load()), int(failed.Load()), int(skipped.Load()), dur)
	}
	p.log.WithFields(logrus.Fields{
		"polled":   polled.Load(),
		"failed":   failed.Load(),
		"skipped":  skipped.Load(),
		"duration": dur,
	}).Debug("polling cycle finished")
}

// pollTarget reads one target, caches and publishes on success. A failure is
// logged and the cycle moves on.
func (p *Poller) pollTarget(ctx context.Context, t store.PollingTarget) bool {
	rt, err := modbus.ParseRegisterType(t.RegisterType)
	if err != nil {
		p.log.WithError(err).WithField("target", t.ID).Warn("invalid polling target")
		return false
	}

	rctx, cancel := context.WithTimeout(ctx, readBudget)
	defer cancel()

	values, err := p.reader.Read(rctx, t.DeviceID, rt, t.Address, t.Count)
	if err != nil {
		p.log.WithError(err).WithFields(logrus.Fields{
			"target": t.ID,
			"device": t.DeviceID,
		}).Warn("poll read failed")
		return false
	}

	p.cache.Set(t.DeviceID, rt, t.Address, t.Count, values)
	p.publisher.PublishSample(mqtt.Sample{
		DeviceID:     t.DeviceID,
		RegisterType: string(rt),
		Address:      t.Address,
		Count:        t.Count,
		Values:       values,
		Timestamp:    time.Now(),
	})
	return true
}
