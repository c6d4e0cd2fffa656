// Package pacing implements the Pacing / Path Controller: it converts QUIC
// path quality (cwnd, bytes-in-flight, rtt) into a target number of
// in-flight DNS polls per resolver path, and implements idle throttling so
// a quiet tunnel doesn't keep polling at full pace forever.
package pacing

import "time"

// IdleThreshold is how long a tunnel must see zero active streams before
// idle throttling kicks in.
const IdleThreshold = 2 * time.Second

// DefaultBurstCap bounds how many polls a single scheduler tick may emit
// on one resolver path, regardless of how large the computed deficit is.
const DefaultBurstCap = 16

// Mode distinguishes resolver paths that are stateless about queries
// (Authoritative, so the client must track inflight poll IDs) from ones
// that maintain per-query state on the client's behalf (Recursive, so the
// client only tracks a demand counter).
type Mode int

const (
	Recursive Mode = iota
	Authoritative
)

// Quality is one snapshot of QUIC path quality, as surfaced by
// internal/quicpath's connection tracer.
type Quality struct {
	Cwnd          uint64
	BytesInFlight uint64
	RTT           time.Duration
}

// CwndTargetPolls approximates how many in-flight polls the current
// congestion window can sustain.
func CwndTargetPolls(cwnd uint64, mtu int) uint64 {
	if mtu <= 0 || cwnd == 0 {
		return 1
	}
	target := cwnd / uint64(mtu)
	if target == 0 {
		target = 1
	}
	return target
}

// InflightPacketEstimate rounds bytesInFlight up to a packet count at mtu
// granularity.
func InflightPacketEstimate(bytesInFlight uint64, mtu int) uint64 {
	if mtu <= 0 {
		return 0
	}
	return (bytesInFlight + uint64(mtu) - 1) / uint64(mtu)
}

// Deficit is max(0, target-inflight).
func Deficit(target, inflight uint64) uint64 {
	if target > inflight {
		return target - inflight
	}
	return 0
}

// EffectiveDeficit applies the demand-driven floor (SPEC_FULL.md §4.6):
// pendingPolls guarantees at least that many polls even if the pacing
// estimate alone would send fewer, then clamps to burstCap.
func EffectiveDeficit(pacingDeficit, pendingPolls, burstCap uint64) uint64 {
	d := pacingDeficit
	if pendingPolls > d {
		d = pendingPolls
	}
	if burstCap > 0 && d > burstCap {
		d = burstCap
	}
	return d
}

// IdleGate implements the idle-throttle rule: after IdleThreshold of zero
// active streams, suppress polls until idlePollInterval has elapsed since
// the last one allowed, then allow exactly one. This is deliberately not
// golang.org/x/time/rate.Limiter: that type models a continuously
// refilling token bucket, whereas this rule is edge-triggered ("silence,
// then exactly one") with no accumulation of credit while idle.
type IdleGate struct {
	idlePollInterval time.Duration
	lastStreamActive time.Time
	lastPollAllowed  time.Time
}

// NewIdleGate builds a gate with the given idle-poll interval. now is the
// construction time, treated as the initial "last active" instant so a
// tunnel that starts with zero streams doesn't immediately look idle.
func NewIdleGate(idlePollInterval time.Duration, now time.Time) *IdleGate {
	return &IdleGate{idlePollInterval: idlePollInterval, lastStreamActive: now}
}

// MarkStreamActive records that at least one stream had activity at now.
func (g *IdleGate) MarkStreamActive(now time.Time) {
	g.lastStreamActive = now
}

// Allow reports whether polling is permitted at now, given hasDemand (a
// recursive path with outstanding demand bypasses the idle gate entirely,
// per SPEC_FULL.md §4.6).
func (g *IdleGate) Allow(now time.Time, hasDemand bool) bool {
	if now.Sub(g.lastStreamActive) < IdleThreshold {
		return true
	}
	if hasDemand {
		return true
	}
	if now.Sub(g.lastPollAllowed) >= g.idlePollInterval {
		g.lastPollAllowed = now
		return true
	}
	return false
}

// Resolver composes the idle gate with the pacing math for one resolver
// path, producing the number of poll queries to send this tick.
type Resolver struct {
	Mode     Mode
	BurstCap uint64
	Idle     *IdleGate
}

// NewResolver builds a per-path pacer. idlePollInterval is the minimum gap
// between polls once the path has gone idle.
func NewResolver(mode Mode, idlePollInterval time.Duration, now time.Time) *Resolver {
	return &Resolver{
		Mode:     mode,
		BurstCap: DefaultBurstCap,
		Idle:     NewIdleGate(idlePollInterval, now),
	}
}

// PollCount computes how many poll queries to send this tick, given the
// path's current quality snapshot, the MTU, and pendingPolls (the
// demand-driven floor for this path).
func (r *Resolver) PollCount(now time.Time, q Quality, mtu int, pendingPolls uint64) uint64 {
	hasDemand := r.Mode == Recursive && pendingPolls > 0
	if !r.Idle.Allow(now, hasDemand) {
		return 0
	}

	target := CwndTargetPolls(q.Cwnd, mtu)
	inflight := InflightPacketEstimate(q.BytesInFlight, mtu)
	deficit := Deficit(target, inflight)
	return EffectiveDeficit(deficit, pendingPolls, r.BurstCap)
}
