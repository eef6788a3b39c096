package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modbus-middleware/internal/modbus"
)

func TestCacheHitAndMiss(t *testing.T) {
	c := New(time.Minute)

	_, ok := c.Get("d1", modbus.RegisterHolding, 0, 5)
	assert.False(t, ok)

	c.Set("d1", modbus.RegisterHolding, 0, 5, []int{1, 2, 3, 4, 5})
	e, ok := c.Get("d1", modbus.RegisterHolding, 0, 5)
	require.True(t, ok)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, e.Values)
	assert.WithinDuration(t, time.Now(), e.CachedAt, time.Second)

	// Ranges are exact: a different count is a different key.
	_, ok = c.Get("d1", modbus.RegisterHolding, 0, 4)
	assert.False(t, ok)

	st := c.Stats()
	assert.Equal(t, uint64(1), st.Hits)
	assert.Equal(t, uint64(2), st.Misses)
	assert.Equal(t, uint64(1), st.Sets)
}

func TestCacheExpiryCountsEviction(t *testing.T) {
	c := New(20 * time.Millisecond)
	c.Set("d1", modbus.RegisterHolding, 0, 1, []int{7})

	_, ok := c.Get("d1", modbus.RegisterHolding, 0, 1)
	require.True(t, ok)

	time.Sleep(30 * time.Millisecond)

	_, ok = c.Get("d1", modbus.RegisterHolding, 0, 1)
	assert.False(t, ok)

	st := c.Stats()
	assert.Equal(t, uint64(1), st.Evictions)
	assert.Equal(t, 0, st.Entries)
}

func TestCacheSetRefreshesEntry(t *testing.T) {
	c := New(30 * time.Millisecond)
	c.Set("d1", modbus.RegisterHolding, 0, 1, []int{1})
	time.Sleep(20 * time.Millisecond)
	c.Set("d1", modbus.RegisterHolding, 0, 1, []int{2})
	time.Sleep(20 * time.Millisecond)

	e, ok := c.Get("d1", modbus.RegisterHolding, 0, 1)
	require.True(t, ok)
	assert.Equal(t, []int{2}, e.Values)
}

func TestInvalidateCovering(t *testing.T) {
	c := New(time.Minute)
	c.Set("d1", modbus.RegisterHolding, 0, 10, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9})
	c.Set("d1", modbus.RegisterHolding, 5, 1, []int{5})
	c.Set("d1", modbus.RegisterHolding, 20, 5, []int{0, 0, 0, 0, 0})
	c.Set("d1", modbus.RegisterCoil, 5, 1, []int{1})
	c.Set("d2", modbus.RegisterHolding, 5, 1, []int{5})

	// Address 5 falls inside [0,10) and [5,6) of d1's holding space only.
	n := c.InvalidateCovering("d1", modbus.RegisterHolding, 5)
	assert.Equal(t, 2, n)

	_, ok := c.Get("d1", modbus.RegisterHolding, 0, 10)
	assert.False(t, ok)
	_, ok = c.Get("d1", modbus.RegisterHolding, 20, 5)
	assert.True(t, ok)
	_, ok = c.Get("d1", modbus.RegisterCoil, 5, 1)
	assert.True(t, ok)
	_, ok = c.Get("d2", modbus.RegisterHolding, 5, 1)
	assert.True(t, ok)
}

func TestInvalidateDeviceAndClear(t *testing.T) {
	c := New(time.Minute)
	c.Set("d1", modbus.RegisterHolding, 0, 1, []int{1})
	c.Set("d1", modbus.RegisterInput, 3, 2, []int{1, 2})
	c.Set("d2", modbus.RegisterHolding, 0, 1, []int{1})

	assert.Equal(t, 2, c.InvalidateDevice("d1"))
	assert.Len(t, c.Entries(), 1)

	assert.Equal(t, 1, c.Clear())
	assert.Empty(t, c.Entries())
}

func TestDeviceEntriesSorted(t *testing.T) {
	c := New(time.Minute)
	c.Set("d1", modbus.RegisterHolding, 10, 1, []int{1})
	c.Set("d1", modbus.RegisterCoil, 0, 1, []int{0})
	c.Set("d2", modbus.RegisterHolding, 0, 1, []int{1})

	entries := c.DeviceEntries("d1")
	require.Len(t, entries, 2)
	assert.Equal(t, "d1:coil:0:1", entries[0].Key())
	assert.Equal(t, "d1:holding:10:1", entries[1].Key())
}

func TestCleanupExpired(t *testing.T) {
	c := New(20 * time.Millisecond)
	c.Set("d1", modbus.RegisterHolding, 0, 1, []int{1})
	c.Set("d1", modbus.RegisterHolding, 1, 1, []int{2})

	assert.Equal(t, 0, c.CleanupExpired())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 2, c.CleanupExpired())
	assert.Equal(t, uint64(2), c.Stats().Evictions)
}

func TestResetStatsKeepsEntries(t *testing.T) {
	c := New(time.Minute)
	c.Set("d1", modbus.RegisterHolding, 0, 1, []int{1})
	c.Get("d1", modbus.RegisterHolding, 0, 1)

	c.ResetStats()
	st := c.Stats()
	assert.Equal(t, uint64(0), st.Hits)
	assert.Equal(t, uint64(0), st.Sets)
	assert.Equal(t, 1, st.Entries)
}

func TestSetCopiesValues(t *testing.T) {
	c := New(time.Minute)
	vals := []int{1, 2}
	c.Set("d1", modbus.RegisterHolding, 0, 2, vals)
	vals[0] = 99

	e, _ := c.Get("d1", modbus.RegisterHolding, 0, 2)
	assert.Equal(t, []int{1, 2}, e.Values)
}
