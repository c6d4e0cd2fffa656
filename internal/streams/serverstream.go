package streams

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"github.com/duskwire/duskwire/internal/flowcontrol"
	"github.com/duskwire/duskwire/internal/invariant"
	"github.com/duskwire/duskwire/internal/metrics"
)

// ConnectorState is the explicit state machine SPEC_FULL.md §9's redesign
// note asks for, replacing the original's implicit pending_data/pending_fin
// booleans: a server-side stream's target connection only moves forward
// through these four states, never reversing. A failed dial goes straight
// from Dialing to Draining, and a failed write to the stream from Ready to
// Draining.
type ConnectorState int

const (
	// Dialing: the first bytes for this stream arrived and a dial to
	// target_addr was started, but no sink exists yet. Inbound bytes and a
	// peer fin are latched on the ServerStream; the bytes still go through
	// Engine.HandleData for accounting, but its Enqueue has nowhere to put
	// them.
	Dialing ConnectorState = iota
	// Ready: the dial succeeded; a Sink is attached and latched data/fin
	// have been flushed to it in order.
	Ready
	// Closing: the local application half-closed or errored; the stream's
	// own fin has been queued toward the peer, but the target connection's
	// read side (tunnel-to-target direction) may still be draining.
	Closing
	// Draining: both directions have reached a terminal state and the
	// connector is only waiting to be reaped from the stream table.
	Draining
)

// TargetConnector dials target_addr for the first data byte on a new
// server-side stream and reports back with a Ready sink, per SPEC_FULL.md
// §4.7. Dialing is asynchronous so the runtime loop's single-threaded
// inner loop never blocks on a slow target.
type TargetConnector struct {
	targetAddr string
	dialer     net.Dialer
}

// NewTargetConnector builds a connector that dials targetAddr with a
// bounded per-attempt timeout.
func NewTargetConnector(targetAddr string, dialTimeout time.Duration) *TargetConnector {
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	return &TargetConnector{
		targetAddr: targetAddr,
		dialer:     net.Dialer{Timeout: dialTimeout},
	}
}

// DialResult is delivered on the channel returned by Dial.
type DialResult struct {
	Conn net.Conn
	Err  error
}

// Dial starts an asynchronous connection attempt and returns a channel
// that receives exactly one DialResult.
func (tc *TargetConnector) Dial(ctx context.Context) <-chan DialResult {
	ch := make(chan DialResult, 1)
	go func() {
		conn, err := tc.dialer.DialContext(ctx, "tcp", tc.targetAddr)
		ch <- DialResult{Conn: conn, Err: err}
	}()
	return ch
}

// ServerStream is a server-side stream: its Engine plus the connector
// state machine and the latches that hold data arriving before Dialing
// completes.
type ServerStream struct {
	Engine *Engine

	mu    sync.Mutex
	state ConnectorState

	pendingData [][]byte
	pendingFin  bool

	qs   quic.Stream
	conn net.Conn
	log  *zerolog.Logger
}

// NewServerStream creates a stream in the Dialing state, bound to qs. It
// does not start the dial itself: the runtime loop owns the
// TargetConnector, starts the dial after construction and hands the result
// to CompleteDial.
func NewServerStream(connID string, qs quic.Stream, reporter *invariant.Reporter, log *zerolog.Logger) *ServerStream {
	ss := &ServerStream{
		qs:    qs,
		log:   log,
		state: Dialing,
	}
	ss.Engine = NewEngine(Key{ConnID: connID, StreamID: qs.StreamID()}, qs, flowcontrol.Config{}, reporter, "server")
	return ss
}

// State reports the current connector state.
func (ss *ServerStream) State() ConnectorState {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.state
}

// HandleInboundData runs incoming tunnel bytes through the flow-control
// engine. While Dialing, the engine has no sink attached, so Engine's own
// Enqueue no-op fires and HandleInboundData separately latches a copy for
// replay once Ready — this mirrors the Rust original's pending_data queue,
// now made an explicit part of the Dialing state rather than an
// ever-present optional field.
func (ss *ServerStream) HandleInboundData(data []byte) flowcontrol.Outcome {
	ss.mu.Lock()
	dialing := ss.state == Dialing
	if dialing {
		cp := make([]byte, len(data))
		copy(cp, data)
		ss.pendingData = append(ss.pendingData, cp)
	}
	ss.mu.Unlock()

	return ss.Engine.HandleData(data)
}

// HandlePeerFin latches a fin during Dialing, same rationale as
// HandleInboundData.
func (ss *ServerStream) HandlePeerFin() error {
	ss.mu.Lock()
	if ss.state == Dialing {
		ss.pendingFin = true
		ss.mu.Unlock()
		return nil
	}
	ss.mu.Unlock()
	return ss.Engine.HandlePeerFin()
}

// CompleteDial transitions Dialing -> Ready (on success) or tears the
// stream down (on failure), flushing any latched data/fin to the new sink
// in arrival order.
func (ss *ServerStream) CompleteDial(result DialResult) error {
	ss.mu.Lock()
	if ss.state != Dialing {
		ss.mu.Unlock()
		return nil // already torn down or superseded
	}
	if result.Err != nil {
		ss.state = Draining
		ss.mu.Unlock()
		ss.Engine.Reset(ResetInternalError, "target dial failed: "+result.Err.Error())
		return result.Err
	}

	ss.conn = result.Conn
	sink := NewTCPSink(result.Conn)
	ss.state = Ready
	pending := ss.pendingData
	ss.pendingData = nil
	fin := ss.pendingFin
	ss.pendingFin = false
	ss.mu.Unlock()

	for _, d := range pending {
		if _, err := sink.Write(d); err != nil {
			ss.Engine.Reset(ResetInternalError, "flushing pending data to target failed")
			return err
		}
	}
	if err := ss.Engine.AttachSink(sink); err != nil {
		return err
	}
	if fin {
		if err := ss.Engine.HandlePeerFin(); err != nil {
			return err
		}
	}
	return nil
}

// PumpFromTarget copies bytes read from the now-dialed target connection
// onto the QUIC stream, transitioning Ready -> Closing -> Draining as the
// target's side winds down. Intended to run in its own goroutine once
// CompleteDial has succeeded.
func (ss *ServerStream) PumpFromTarget() error {
	buf := make([]byte, 32*1024)
	for {
		n, err := ss.conn.Read(buf)
		if n > 0 {
			if _, werr := ss.qs.Write(buf[:n]); werr != nil {
				ss.setState(Draining)
				return werr
			}
			ss.Engine.TxBytes += uint64(n)
			metrics.BytesRelayed.WithLabelValues("target_to_tunnel", "server").Add(float64(n))
		}
		if err != nil {
			ss.setState(Closing)
			if err == io.EOF {
				if cerr := ss.qs.Close(); cerr != nil {
					ss.setState(Draining)
					return cerr
				}
				ss.Engine.QueueLocalFin()
				ss.setState(Draining)
				return nil
			}
			ss.setState(Draining)
			return err
		}
	}
}

func (ss *ServerStream) setState(st ConnectorState) {
	ss.mu.Lock()
	ss.state = st
	ss.mu.Unlock()
}

// Removable reports whether the stream's flow-control half-close
// invariant is satisfied AND the connector is Ready or Draining. A stream
// stuck in Dialing is never removable: it always needs CompleteDial to run
// first, even if that means tearing down with an error.
func (ss *ServerStream) Removable() bool {
	if !ss.Engine.Removable() {
		return false
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.state == Draining || ss.state == Ready
}
