package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modbus-middleware/internal/apperr"
	"modbus-middleware/internal/modbus"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	s, err := Open(":memory:", false, log)
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleDevice(id string) ModbusDevice {
	return ModbusDevice{
		DeviceID:   id,
		Host:       "10.0.0.5",
		Port:       5020,
		SlaveID:    1,
		Timeout:    3,
		Framer:     "SOCKET",
		MaxRetries: 3,
		RetryDelay: 0.1,
	}
}

func TestDeviceCreateAndGet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	created, err := s.CreateDevice(ctx, sampleDevice("d1"))
	require.NoError(t, err)
	assert.True(t, created.IsActive)
	assert.WithinDuration(t, time.Now(), created.CreatedAt, 5*time.Second)

	got, err := s.GetDevice(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", got.Host)

	_, err = s.GetDevice(ctx, "nope")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestDeviceDuplicateConflict(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_, err := s.CreateDevice(ctx, sampleDevice("d1"))
	require.NoError(t, err)

	_, err = s.CreateDevice(ctx, sampleDevice("d1"))
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))
}

func TestDeviceCreateValidates(t *testing.T) {
	s := testStore(t)

	bad := sampleDevice("d1")
	bad.SlaveID = 300
	_, err := s.CreateDevice(context.Background(), bad)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestDevicePartialUpdate(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	_, err := s.CreateDevice(ctx, sampleDevice("d1"))
	require.NoError(t, err)

	port := 503
	dev, err := s.UpdateDevice(ctx, "d1", DeviceUpdate{Port: &port})
	require.NoError(t, err)
	assert.Equal(t, 503, dev.Port)
	assert.Equal(t, "10.0.0.5", dev.Host)

	badSlave := 0
	_, err = s.UpdateDevice(ctx, "d1", DeviceUpdate{SlaveID: &badSlave})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestDeviceSoftDelete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	_, err := s.CreateDevice(ctx, sampleDevice("d1"))
	require.NoError(t, err)

	dev, err := s.DeactivateDevice(ctx, "d1")
	require.NoError(t, err)
	assert.False(t, dev.IsActive)

	// The row persists and can be fetched.
	got, err := s.GetDevice(ctx, "d1")
	require.NoError(t, err)
	assert.False(t, got.IsActive)

	active, err := s.ListActiveDevices(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := s.ListDevices(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	dev, err = s.ActivateDevice(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, dev.IsActive)
}

func TestActiveDeviceConfigs(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	_, err := s.CreateDevice(ctx, sampleDevice("d1"))
	require.NoError(t, err)
	_, err = s.CreateDevice(ctx, sampleDevice("d2"))
	require.NoError(t, err)
	_, err = s.DeactivateDevice(ctx, "d2")
	require.NoError(t, err)

	configs, err := s.ActiveDeviceConfigs(ctx)
	require.NoError(t, err)
	require.Len(t, configs, 1)
	assert.Equal(t, "d1", configs[0].DeviceID)
	assert.Equal(t, modbus.FramerSocket, configs[0].Framer)
	assert.Equal(t, 3*time.Second, configs[0].Timeout)
}

func TestTargetCRUD(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	_, err := s.CreateDevice(ctx, sampleDevice("d1"))
	require.NoError(t, err)

	created, err := s.CreateTarget(ctx, PollingTarget{
		DeviceID:     "d1",
		RegisterType: "holding",
		Address:      0,
		Count:        5,
		Description:  "line voltage",
	})
	require.NoError(t, err)
	assert.NotZero(t, created.ID)
	assert.True(t, created.IsActive)

	// Unknown device is rejected.
	_, err = s.CreateTarget(ctx, PollingTarget{DeviceID: "ghost", RegisterType: "holding", Count: 1})
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))

	// Out-of-range count is rejected.
	_, err = s.CreateTarget(ctx, PollingTarget{DeviceID: "d1", RegisterType: "holding", Count: 126})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	addr := 100
	updated, err := s.UpdateTarget(ctx, created.ID, TargetUpdate{Address: &addr})
	require.NoError(t, err)
	assert.Equal(t, 100, updated.Address)
	assert.Equal(t, 5, updated.Count)

	deleted, err := s.DeactivateTarget(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, deleted.IsActive)

	active, err := s.ListActiveTargets(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	_, err = s.ActivateTarget(ctx, created.ID)
	require.NoError(t, err)
}

func TestActiveTargetsOrderedByID(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	_, err := s.CreateDevice(ctx, sampleDevice("d1"))
	require.NoError(t, err)

	for _, addr := range []int{30, 10, 20} {
		_, err := s.CreateTarget(ctx, PollingTarget{
			DeviceID: "d1", RegisterType: "holding", Address: addr, Count: 1,
		})
		require.NoError(t, err)
	}

	targets, err := s.ListActiveTargets(ctx)
	require.NoError(t, err)
	require.Len(t, targets, 3)
	assert.Less(t, targets[0].ID, targets[1].ID)
	assert.Less(t, targets[1].ID, targets[2].ID)
	assert.Equal(t, []int{30, 10, 20}, []int{targets[0].Address, targets[1].Address, targets[2].Address})
}

func TestTargetsByDevice(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	_, err := s.CreateDevice(ctx, sampleDevice("d1"))
	require.NoError(t, err)

	_, err = s.TargetsByDevice(ctx, "ghost")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))

	_, err = s.CreateTarget(ctx, PollingTarget{DeviceID: "d1", RegisterType: "input", Count: 1})
	require.NoError(t, err)

	targets, err := s.TargetsByDevice(ctx, "d1")
	require.NoError(t, err)
	assert.Len(t, targets, 1)
}

func TestSeedFromFile(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	seed := `
devices:
  - device_id: d1
    host: 10.0.0.5
    port: 5020
    slave_id: 1
    framer: SOCKET
    targets:
      - register_type: holding
        address: 0
        count: 5
  - device_id: d2
    host: 10.0.0.6
`
	path := filepath.Join(t.TempDir(), "devices.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seed), 0o600))

	require.NoError(t, s.SeedFromFile(ctx, path))

	devices, err := s.ListActiveDevices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 2)
	// Omitted fields take the documented defaults.
	assert.Equal(t, 502, devices[1].Port)
	assert.Equal(t, "RTU", devices[1].Framer)
	assert.Equal(t, 10.0, devices[1].Timeout)
	assert.Equal(t, 5, devices[1].MaxRetries)
	assert.Equal(t, 0.1, devices[1].RetryDelay)

	targets, err := s.ListActiveTargets(ctx)
	require.NoError(t, err)
	assert.Len(t, targets, 1)

	// A second seed run is a no-op once the table is populated.
	require.NoError(t, s.SeedFromFile(ctx, path))
	devices, err = s.ListDevices(ctx)
	require.NoError(t, err)
	assert.Len(t, devices, 2)
}
