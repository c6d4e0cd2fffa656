// Package flowcontrol implements the per-stream receive-side flow-control,
// back-pressure and half-close state machine shared by the client and
// server runtime loops. It has no dependency on the transport: callers
// supply hooks that do the actual enqueueing, consuming and stopping, so
// the same state machine drives a quic-go-backed stream on either side of
// the tunnel.
package flowcontrol

import "github.com/pkg/errors"

// RecvState tracks the receive half of a stream.
type RecvState int

const (
	RecvOpen RecvState = iota
	RecvFinReceived
)

// SendState tracks the send half of a stream.
type SendState int

const (
	SendOpen SendState = iota
	SendClosing
	SendFinQueued
)

// Default tuning constants. These are overridable per Config so tests can
// exercise small ceilings without allocating megabytes of fixture data.
const (
	DefaultMaxQueuedBytes  = 256 * 1024
	DefaultConnReserveBytes = 1024 * 1024
)

// State is the flow-control bookkeeping for one stream. It is embedded by
// internal/streams.Stream, which adds side-specific fields.
type State struct {
	RecvState RecvState
	SendState SendState

	RxBytes        uint64
	ConsumedOffset uint64
	QueuedBytes    uint64
	TxBytes        uint64

	// FinOffset is nil until the peer's fin has arrived.
	FinOffset *uint64

	// Discarding latches true once the receive queue has overflowed: the
	// local sink has been dropped and further peer bytes still advance
	// ConsumedOffset but are never buffered again.
	Discarding bool

	// StopSendingSent is set the first (and only) time stop_sending is
	// issued for this stream.
	StopSendingSent bool
}

// Config parameterizes one call to HandleReceive.
type Config struct {
	// MultiStream is true once the owning connection has hosted more than
	// one live stream; it switches ReserveTargetOffset to per-stream
	// credit instead of connection-wide reservation.
	MultiStream bool
	// ReserveBytes is the connection-level reservation window; only
	// consulted in single-stream mode.
	ReserveBytes uint64
	// MaxQueuedBytes is the back-pressure ceiling for this stream.
	MaxQueuedBytes uint64
}

// Ops are the side-specific operations HandleReceive invokes. All are
// required except OnConsumeError, which may be nil if Consume never fails.
type Ops struct {
	// Enqueue buffers data toward the local sink (TCP write buffer on the
	// client, target connector queue on the server).
	Enqueue func(data []byte) error
	// OnOverflow is called exactly once, when the queue ceiling is first
	// exceeded. It should drop the local sink reference.
	OnOverflow func()
	// Consume tells the transport it may release bytes up to newOffset.
	Consume func(newOffset uint64) error
	// StopSending asks the transport to signal the peer to stop sending
	// on this stream.
	StopSending func()
	// LogOverflow records queued/incoming/max for diagnostics.
	LogOverflow func(queued, incoming, max uint64)
	// OnConsumeError is invoked if Consume returns an error.
	OnConsumeError func(err error, current, target uint64)
}

// Outcome is the result of one HandleReceive call.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeOverflow
	OutcomeFatal
)

// HandleReceive implements the algorithm in SPEC_FULL.md §4.4. It is the
// single entry point for all peer-to-local data flow.
func HandleReceive(s *State, data []byte, cfg Config, ops Ops) Outcome {
	n := uint64(len(data))
	maxQueued := cfg.MaxQueuedBytes
	if maxQueued == 0 {
		maxQueued = DefaultMaxQueuedBytes
	}

	if s.Discarding || s.QueuedBytes+n > maxQueued {
		if !s.Discarding {
			ops.LogOverflow(s.QueuedBytes, n, maxQueued)
			s.Discarding = true
			ops.OnOverflow()
		}
		if !s.StopSendingSent {
			ops.StopSending()
			s.StopSendingSent = true
		}
		// Overflowing bytes still count toward rx_bytes so the offset
		// reservation below can continue to release them to the peer.
		s.RxBytes += n
		advanceConsumed(s, cfg, ops)
		return OutcomeOverflow
	}

	s.RxBytes += n
	s.QueuedBytes += n
	if err := ops.Enqueue(data); err != nil {
		return OutcomeFatal
	}

	if !advanceConsumed(s, cfg, ops) {
		return OutcomeFatal
	}
	return OutcomeOK
}

func advanceConsumed(s *State, cfg Config, ops Ops) bool {
	newOffset := ReserveTargetOffset(s.RxBytes, s.QueuedBytes, s.FinOffset, reserveBytes(cfg))
	if newOffset <= s.ConsumedOffset {
		return true
	}
	if err := ops.Consume(newOffset); err != nil {
		if ops.OnConsumeError != nil {
			ops.OnConsumeError(err, s.ConsumedOffset, newOffset)
		}
		return false
	}
	s.ConsumedOffset = newOffset
	return true
}

func reserveBytes(cfg Config) uint64 {
	if cfg.MultiStream {
		return 0
	}
	if cfg.ReserveBytes == 0 {
		return DefaultConnReserveBytes
	}
	return cfg.ReserveBytes
}

// ReserveTargetOffset computes the offset up to which the transport may be
// told it can release flow-control credit, given the current accounting.
// In multi-stream mode the stream gets exactly its own per-stream credit
// (rxBytes - queuedBytes). In single-stream mode the connection-wide
// reserveBytes window additionally lets the stream release bytes it has
// not yet drained from queuedBytes, up to the cap of rxBytes - reserveBytes;
// this is what lets a lone stream use the whole connection's receive
// window rather than being limited by its own small queue.
func ReserveTargetOffset(rxBytes, queuedBytes uint64, finOffset *uint64, reserveBytes uint64) uint64 {
	perStreamCredit := subOrZero(rxBytes, queuedBytes)

	target := perStreamCredit
	if reserveBytes > 0 {
		connWide := subOrZero(rxBytes, reserveBytes)
		if connWide > target {
			target = connWide
		}
	}

	if finOffset != nil && target > *finOffset {
		target = *finOffset
	}
	return target
}

func subOrZero(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}

// PromoteEntry is one stream's state as seen by PromoteStreams.
type PromoteEntry struct {
	State *State
	// ReserveBytes is the connection-wide window that was in effect
	// before promotion; after promotion every stream is recomputed with
	// MultiStream: true, ReserveBytes: 0.
	ReserveBytes uint64
}

// PromoteStreams re-announces every existing stream's consumed offset
// using the multi-stream formula. Called once, when a connection observes
// its second live stream, so the connection stops holding global
// reservation on behalf of the first stream.
func PromoteStreams(entries []PromoteEntry, consume func(s *State, newOffset uint64) error, onErr func(s *State, err error)) {
	for _, e := range entries {
		s := e.State
		newOffset := ReserveTargetOffset(s.RxBytes, s.QueuedBytes, s.FinOffset, 0)
		if newOffset <= s.ConsumedOffset {
			continue
		}
		if err := consume(s, newOffset); err != nil {
			if onErr != nil {
				onErr(s, errors.Wrap(err, "promote_streams consume"))
			}
			continue
		}
		s.ConsumedOffset = newOffset
	}
}

// ConnReserveBytes returns the connection-level reservation window used
// only in single-stream mode. Exposed as a function (rather than a bare
// constant) so a future config override has a single call site to change.
func ConnReserveBytes() uint64 {
	return DefaultConnReserveBytes
}

// HandlePeerFin records arrival of the peer's fin. It returns the byte
// offset the fin was latched at and whether it had already been latched by
// an earlier call. Enqueueing the fin toward the local sink is the
// caller's job: if the sink cannot accept it yet, the caller must remember
// to flush it later (server-side pending-fin deferral, see
// internal/streams).
func HandlePeerFin(s *State) (offset uint64, alreadySet bool) {
	if s.FinOffset != nil {
		return *s.FinOffset, true
	}
	off := s.RxBytes
	s.FinOffset = &off
	s.RecvState = RecvFinReceived
	return off, false
}

// Removable reports whether the stream satisfies the removal invariant:
// both halves closed and nothing left queued.
func Removable(s *State) bool {
	return s.RecvState == RecvFinReceived && s.SendState == SendFinQueued && s.QueuedBytes == 0
}
