// Package streams is the Stream Engine: it wraps internal/flowcontrol's
// transport-agnostic state machine with a quic-go binding (Consume reads
// exactly the newly-released bytes off the quic.Stream; StopSending calls
// stream.CancelRead) and the half-close / reset bookkeeping both runtime
// loops share.
package streams

import (
	"time"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"

	"github.com/duskwire/duskwire/internal/flowcontrol"
	"github.com/duskwire/duskwire/internal/invariant"
)

// Key identifies a stream by (connection, stream-id).
type Key struct {
	ConnID   string
	StreamID quic.StreamID
}

// Sink is the local data consumer for one direction of a stream: the
// client's TCP connection, or (once attached) the server's target
// connection.
type Sink interface {
	Write(p []byte) (int, error)
	CloseWrite() error
}

// ResetCode mirrors the canonical application error codes SPEC_FULL.md
// §4.4/§7 name.
type ResetCode uint64

const (
	// ResetFileCancel echoes a peer-initiated reset or stop-sending.
	ResetFileCancel ResetCode = 1
	// ResetInternalError aborts both directions on a local fatal error
	// (overflow already handled separately; this is for consume, send and
	// target-dial failures).
	ResetInternalError ResetCode = 2
)

// Engine is one stream's flow-control state plus its quic-go binding.
type Engine struct {
	flowcontrol.State

	Key  Key
	quic quic.Stream
	cfg  flowcontrol.Config

	reporter *invariant.Reporter
	site     string // "client" or "server", for invariant/log context

	sink       Sink
	pendingFin bool // peer fin arrived before a sink was attached
}

// NewEngine builds an Engine bound to qs, ready to receive data once a
// Sink is attached (client streams attach immediately; server streams
// attach lazily once the target connector completes).
func NewEngine(key Key, qs quic.Stream, cfg flowcontrol.Config, reporter *invariant.Reporter, site string) *Engine {
	return &Engine{
		Key:      key,
		quic:     qs,
		cfg:      cfg,
		reporter: reporter,
		site:     site,
	}
}

// AttachSink installs the local data consumer. If the peer's fin already
// arrived and was latched (pendingFin), it is flushed to the new sink
// immediately, in order — this is the server-side deferral SPEC_FULL.md
// §4.4 describes for streams whose target connector hadn't dialed yet
// when the peer closed its write side.
func (e *Engine) AttachSink(s Sink) error {
	e.sink = s
	if e.pendingFin {
		e.pendingFin = false
		if err := s.CloseWrite(); err != nil {
			return errors.Wrap(err, "streams: flushing deferred fin to newly attached sink")
		}
	}
	return nil
}

// SetMultiStream flips the engine into multi-stream flow-control mode
// (per-stream reservation instead of connection-wide). Used by Table when
// a connection gains its second live stream.
func (e *Engine) SetMultiStream(multi bool) {
	e.cfg.MultiStream = multi
	if multi {
		e.cfg.ReserveBytes = 0
	}
}

// QueueLocalFin advances the local half of the stream through
// Open -> Closing -> FinQueued once its data source has drained and its
// own fin has been handed to the transport. Callers (ClientStream.
// PumpToTunnel, ServerStream.PumpFromTarget) call this exactly once, right
// after qs.Close() succeeds.
func (e *Engine) QueueLocalFin() {
	e.SendState = flowcontrol.SendClosing
	e.SendState = flowcontrol.SendFinQueued
}

// Promote re-announces this stream's consumed offset using the
// multi-stream formula (SPEC_FULL.md §4.4 "Promotion on multi-stream").
// Called once per existing stream when a connection observes its second
// live stream, via flowcontrol.PromoteStreams.
func (e *Engine) Promote() {
	flowcontrol.PromoteStreams([]flowcontrol.PromoteEntry{{State: &e.State}},
		func(s *flowcontrol.State, newOffset uint64) error {
			want := newOffset - s.ConsumedOffset
			return drainQUIC(e.quic, want)
		},
		func(s *flowcontrol.State, err error) {
			e.reporter.Report(e.site+".promote_consume_error", time.Second, map[string]interface{}{
				"stream_id": e.Key.StreamID,
				"err":       err.Error(),
			}, "promote_streams consume failed")
		},
	)
}

// HandleData runs data through flowcontrol.HandleReceive with this
// engine's quic-go-backed operations.
func (e *Engine) HandleData(data []byte) flowcontrol.Outcome {
	return flowcontrol.HandleReceive(&e.State, data, e.cfg, flowcontrol.Ops{
		Enqueue: func(d []byte) error {
			if e.sink == nil {
				// Server side, connector hasn't attached yet: bytes are
				// still accounted for (so the peer keeps getting credit)
				// but have nowhere to go. The caller (server runtime loop)
				// is responsible for stashing d in the connector's
				// pending-data latch before calling HandleData in this
				// state; by the time HandleData is called the bytes are
				// already safely queued there, so there's nothing further
				// to do here.
				return nil
			}
			_, err := e.sink.Write(d)
			if err != nil {
				return err
			}
			// Write is synchronous (a TCP socket write, not an internal
			// buffer), so the bytes are drained the instant they're
			// handed off; queued_bytes reflects only what's genuinely
			// still held locally.
			e.QueuedBytes -= uint64(len(d))
			return nil
		},
		OnOverflow: func() {
			e.sink = nil
		},
		Consume: func(newOffset uint64) error {
			want := newOffset - e.ConsumedOffset
			return drainQUIC(e.quic, want)
		},
		StopSending: func() {
			e.quic.CancelRead(quic.StreamErrorCode(ResetFileCancel))
		},
		LogOverflow: func(queued, incoming, max uint64) {
			e.reporter.Report(e.site+".stream_overflow", time.Second, map[string]interface{}{
				"stream_id": e.Key.StreamID,
				"queued":    queued,
				"incoming":  incoming,
				"max":       max,
			}, "stream receive queue overflowed, latching discarding")
		},
		OnConsumeError: func(err error, current, target uint64) {
			e.reporter.Report(e.site+".consume_error", time.Second, map[string]interface{}{
				"stream_id": e.Key.StreamID,
				"current":   current,
				"target":    target,
				"err":       err.Error(),
			}, "consume() failed, aborting stream")
		},
	})
}

// drainQUIC reads exactly n further bytes from qs. Because quic-go already
// buffered the bytes internally (they arrived as part of a STREAM frame
// before HandleData was ever called — HandleData only does the
// flow-control accounting), this never blocks waiting on the network; it
// just drains quic-go's own receive buffer by the amount flow-control
// decided to release, which is what tells quic-go it may extend the
// stream's receive window to the peer.
func drainQUIC(qs quic.Stream, n uint64) error {
	buf := make([]byte, n)
	var read uint64
	for read < n {
		m, err := qs.Read(buf[read:])
		read += uint64(m)
		if err != nil {
			if read >= n {
				return nil
			}
			return err
		}
	}
	return nil
}

// HandlePeerFin records arrival of the peer's fin and either closes the
// attached sink's write side immediately or latches pendingFin for the
// server's lazy-attach case.
func (e *Engine) HandlePeerFin() error {
	_, already := flowcontrol.HandlePeerFin(&e.State)
	if already {
		return nil
	}
	if e.sink == nil {
		e.pendingFin = true
		return nil
	}
	return errors.Wrap(e.sink.CloseWrite(), "streams: closing sink write side on peer fin")
}

// Removable reports whether this stream may be dropped from its table.
func (e *Engine) Removable() bool {
	return flowcontrol.Removable(&e.State)
}

// Reset tears down both directions after a peer reset/stop-sending or a
// local fatal error, logging the rich diagnostic snapshot SPEC_FULL.md
// §4.4 calls for.
func (e *Engine) Reset(code ResetCode, cause string) {
	e.reporter.Report(e.site+".stream_reset", 0, map[string]interface{}{
		"stream_id":         e.Key.StreamID,
		"rx_bytes":          e.RxBytes,
		"tx_bytes":          e.TxBytes,
		"queued_bytes":      e.QueuedBytes,
		"consumed_offset":   e.ConsumedOffset,
		"fin_offset":        e.FinOffset,
		"recv_state":        e.RecvState,
		"send_state":        e.SendState,
		"stop_sending_sent": e.StopSendingSent,
		"cause":             cause,
	}, "stream reset")
	e.quic.CancelRead(quic.StreamErrorCode(code))
	e.quic.CancelWrite(quic.StreamErrorCode(code))
}

// CheckInvariants verifies the stream invariants SPEC_FULL.md §3 lists and
// reports (never aborts) every violation found.
func (e *Engine) CheckInvariants() {
	if e.RecvState == flowcontrol.RecvFinReceived && e.FinOffset == nil {
		e.reporter.Report(e.site+".invariant.fin_offset_unset", 0, map[string]interface{}{"stream_id": e.Key.StreamID}, "recv_state is FinReceived but fin_offset is unset")
	}
	if e.ConsumedOffset > e.RxBytes {
		e.reporter.Report(e.site+".invariant.consumed_exceeds_rx", 0, map[string]interface{}{"stream_id": e.Key.StreamID}, "consumed_offset exceeds rx_bytes")
	}
	if e.QueuedBytes > e.cfg.MaxQueuedBytes && e.cfg.MaxQueuedBytes != 0 {
		e.reporter.Report(e.site+".invariant.queued_over_max", 0, map[string]interface{}{"stream_id": e.Key.StreamID}, "queued_bytes exceeds MAX_QUEUED_BYTES")
	}
}
