package intensity_test

import (
	"testing"
	"time"

	"github.com/fortify-onion/fortify/intensity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultiplierNeutral(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1.0, intensity.Multiplier(0))
}

func TestMultiplierOrdering(t *testing.T) {
	t.Parallel()

	assert.Less(t, intensity.Multiplier(10), intensity.Multiplier(0))
	assert.Less(t, intensity.Multiplier(0), intensity.Multiplier(-10))

	for level := intensity.Min; level < intensity.Max; level++ {
		assert.Greater(t, intensity.Multiplier(level), intensity.Multiplier(level+1), "level %d", level)
	}
}

func TestMultiplierExtremes(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 2.0, intensity.Multiplier(intensity.Min), 1e-9)
	assert.InDelta(t, 0.1, intensity.Multiplier(intensity.Max), 1e-9)
	assert.Equal(t, intensity.Multiplier(intensity.Max), intensity.Multiplier(100))
	assert.Equal(t, intensity.Multiplier(intensity.Min), intensity.Multiplier(-100))
}

func TestScaledDirections(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 10.0, intensity.Scaled(100, 10, intensity.Throughput), 1e-9)
	assert.InDelta(t, 1000.0, intensity.Scaled(100, 10, intensity.Restrictive), 1e-9)
	assert.InDelta(t, 200.0, intensity.Scaled(100, -10, intensity.Throughput), 1e-9)
	assert.InDelta(t, 50.0, intensity.Scaled(100, -10, intensity.Restrictive), 1e-9)
}

func TestComputeDefaultsAtZero(t *testing.T) {
	t.Parallel()

	th := intensity.Compute(0, intensity.DefaultTable())

	assert.Equal(t, 5, th.FailureThreshold)
	assert.Equal(t, 20, th.Burst)
	assert.Equal(t, time.Hour, th.BanDuration)
	assert.Equal(t, 10*time.Minute, th.TrustedIdle)
	assert.Equal(t, 5*time.Minute, th.ChallengeTTL)
	assert.Equal(t, 2, th.Difficulty)
}

func TestComputeInversion(t *testing.T) {
	t.Parallel()

	table := intensity.DefaultTable()
	strict := intensity.Compute(intensity.Max, table)
	lax := intensity.Compute(intensity.Min, table)

	assert.Less(t, strict.RequestsPerSecond, lax.RequestsPerSecond)
	assert.Less(t, strict.LoadCapacity, lax.LoadCapacity)
	assert.Less(t, strict.TrustedIdle, lax.TrustedIdle)
	assert.Greater(t, strict.BanDuration, lax.BanDuration)
	assert.Greater(t, strict.Difficulty, lax.Difficulty)
	assert.Equal(t, 4, strict.Difficulty)
	assert.Equal(t, 1, lax.Difficulty)
}

func TestComputeBanLongerThanTrust(t *testing.T) {
	t.Parallel()

	table := intensity.DefaultTable()

	for level := intensity.Min; level <= intensity.Max; level++ {
		th := intensity.Compute(level, table)
		assert.Greater(t, th.BanDuration, th.TrustedIdle, "level %d", level)
		assert.GreaterOrEqual(t, th.LoadHardLimit, th.LoadCapacity, "level %d", level)
		assert.GreaterOrEqual(t, th.FailureThreshold, 1, "level %d", level)
	}
}

func TestDialSetAndSubscribe(t *testing.T) {
	t.Parallel()

	dial := intensity.NewDial(0, intensity.DefaultTable())
	updates := dial.Subscribe()

	_, changed := dial.Set(0)
	assert.False(t, changed)

	th, changed := dial.Set(7)
	require.True(t, changed)
	assert.Equal(t, 7, th.Level)
	assert.Equal(t, 7, dial.Level())

	dial.Set(99)

	select {
	case got := <-updates:
		assert.Equal(t, intensity.Max, got.Level)
	case <-time.After(time.Second):
		t.Fatal("no update")
	}

	select {
	case <-updates:
		t.Fatal("stale update should be dropped")
	default:
	}
}
