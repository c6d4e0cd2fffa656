package pacing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCwndTargetPolls_NeverZero(t *testing.T) {
	assert.Equal(t, uint64(1), CwndTargetPolls(0, 1200))
	assert.Equal(t, uint64(1), CwndTargetPolls(100, 1200))
	assert.Equal(t, uint64(10), CwndTargetPolls(12000, 1200))
}

func TestInflightPacketEstimate_RoundsUp(t *testing.T) {
	assert.Equal(t, uint64(2), InflightPacketEstimate(1201, 1200))
	assert.Equal(t, uint64(1), InflightPacketEstimate(1200, 1200))
	assert.Equal(t, uint64(0), InflightPacketEstimate(0, 1200))
}

func TestDeficit_FloorsAtZero(t *testing.T) {
	assert.Equal(t, uint64(3), Deficit(10, 7))
	assert.Equal(t, uint64(0), Deficit(5, 10))
}

func TestEffectiveDeficit_DemandFloorAndBurstCap(t *testing.T) {
	assert.Equal(t, uint64(5), EffectiveDeficit(2, 5, 100))
	assert.Equal(t, uint64(100), EffectiveDeficit(2, 500, 100))
	assert.Equal(t, uint64(2), EffectiveDeficit(2, 0, 100))
}

func TestIdleGate_AllowsWhileActive(t *testing.T) {
	now := time.Now()
	g := NewIdleGate(time.Second, now)
	assert.True(t, g.Allow(now.Add(time.Second), false))
}

func TestIdleGate_ThrottlesAfterThreshold(t *testing.T) {
	start := time.Now()
	g := NewIdleGate(500*time.Millisecond, start)

	idleAt := start.Add(IdleThreshold + time.Millisecond)
	assert.True(t, g.Allow(idleAt, false), "first poll after going idle should be allowed")
	assert.False(t, g.Allow(idleAt.Add(100*time.Millisecond), false), "too soon for another poll")
	assert.True(t, g.Allow(idleAt.Add(600*time.Millisecond), false), "interval has elapsed")
}

func TestIdleGate_DemandBypassesIdleThrottle(t *testing.T) {
	start := time.Now()
	g := NewIdleGate(time.Hour, start)
	idleAt := start.Add(IdleThreshold + time.Millisecond)
	assert.True(t, g.Allow(idleAt, false))
	assert.False(t, g.Allow(idleAt.Add(time.Millisecond), false))
	assert.True(t, g.Allow(idleAt.Add(2*time.Millisecond), true), "recursive path with demand bypasses idle gate")
}

func TestResolver_PollCount_ComposesPacingAndIdle(t *testing.T) {
	now := time.Now()
	r := NewResolver(Authoritative, time.Second, now)
	// Not yet idle: normal pacing math applies.
	count := r.PollCount(now.Add(10*time.Millisecond), Quality{Cwnd: 12000, BytesInFlight: 0}, 1200, 0)
	assert.Equal(t, uint64(10), count)
}

func TestResolver_PollCount_RespectsBurstCap(t *testing.T) {
	now := time.Now()
	r := NewResolver(Recursive, time.Second, now)
	r.BurstCap = 3
	count := r.PollCount(now.Add(time.Millisecond), Quality{Cwnd: 1_000_000, BytesInFlight: 0}, 100, 0)
	assert.LessOrEqual(t, count, uint64(3))
}
