// Package quicpath observes per-connection path quality (congestion
// window, bytes in flight, round-trip time) via a quic-go
// logging.ConnectionTracer, the only way quic-go exposes this state since
// it has no public getter for it. Grounded on the teacher's
// quic/tracing.go, trimmed to the fields the Pacing & Path Controller
// (SPEC_FULL.md §4.6) actually needs and stripped of cloudflared's
// Prometheus-collector split between client/server metric shapes — this
// tunnel has exactly one connection alive at a time per process, so a
// single snapshot suffices.
package quicpath

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go/logging"
	"github.com/rs/zerolog"
)

// Snapshot is the path-quality state the Pacing & Path Controller reads
// each inner-loop tick.
type Snapshot struct {
	CongestionWindow logging.ByteCount
	BytesInFlight    logging.ByteCount
	PacketsInFlight  int
	SmoothedRTT      time.Duration
	UpdatedAt        time.Time
	Closed           bool
	CloseErr         error
}

// Tracer builds a logging.ConnectionTracer per QUIC connection and
// publishes its most recent snapshot behind an atomic pointer, safe to
// read from the runtime loop's single goroutine while quic-go's internal
// goroutines write to it.
type Tracer struct {
	logger  *zerolog.Logger
	current atomic.Pointer[Snapshot]
}

// New builds a Tracer. AsLoggingTracer adapts it to the logging.Tracer
// interface quic-go accepts.
func New(logger *zerolog.Logger) *Tracer {
	t := &Tracer{logger: logger}
	t.current.Store(&Snapshot{})
	return t
}

// Latest returns the most recently observed path-quality snapshot.
func (t *Tracer) Latest() Snapshot {
	return *t.current.Load()
}

// topTracer adapts Tracer to logging.Tracer, the interface quic-go's
// quic.Config.Tracer field expects. A new connTracer is handed out per
// connection, but every runtime loop here only ever has one live
// connection at a time, so they all update the same owner's atomic
// pointer.
type topTracer struct {
	owner *Tracer
}

// AsLoggingTracer returns the logging.Tracer to install on quic.Config.
func (t *Tracer) AsLoggingTracer() logging.Tracer {
	return &topTracer{owner: t}
}

func (tt *topTracer) TracerForConnection(_ context.Context, _ logging.Perspective, _ logging.ConnectionID) logging.ConnectionTracer {
	return &connTracer{owner: tt.owner}
}

func (*topTracer) SentPacket(net.Addr, *logging.Header, logging.ByteCount, []logging.Frame) {}
func (*topTracer) DroppedPacket(net.Addr, logging.PacketType, logging.ByteCount, logging.PacketDropReason) {
}

var _ logging.Tracer = (*topTracer)(nil)

type connTracer struct {
	owner *Tracer
}

func (ct *connTracer) StartedConnection(local, remote net.Addr, srcConnID, destConnID logging.ConnectionID) {
}

func (ct *connTracer) NegotiatedVersion(chosen logging.VersionNumber, clientVersions, serverVersions []logging.VersionNumber) {
}

func (ct *connTracer) ClosedConnection(err error) {
	prev := ct.owner.current.Load()
	next := *prev
	next.Closed = true
	next.CloseErr = err
	next.UpdatedAt = timeNow()
	ct.owner.current.Store(&next)
}

func (ct *connTracer) SentPacket(hdr *logging.ExtendedHeader, size logging.ByteCount, ack *logging.AckFrame, frames []logging.Frame) {
}

func (ct *connTracer) ReceivedPacket(hdr *logging.ExtendedHeader, size logging.ByteCount, frames []logging.Frame) {
}

func (ct *connTracer) BufferedPacket(pt logging.PacketType) {}

func (ct *connTracer) DroppedPacket(pt logging.PacketType, size logging.ByteCount, reason logging.PacketDropReason) {
}

func (ct *connTracer) LostPacket(level logging.EncryptionLevel, number logging.PacketNumber, reason logging.PacketLossReason) {
}

// UpdatedMetrics is the one callback this tracer actually cares about: it
// is quic-go's only channel for congestion-window and bytes-in-flight,
// there being no public getter for either.
func (ct *connTracer) UpdatedMetrics(rttStats *logging.RTTStats, cwnd, bytesInFlight logging.ByteCount, packetsInFlight int) {
	next := Snapshot{
		CongestionWindow: cwnd,
		BytesInFlight:    bytesInFlight,
		PacketsInFlight:  packetsInFlight,
		UpdatedAt:        timeNow(),
	}
	if rttStats != nil {
		next.SmoothedRTT = rttStats.SmoothedRTT()
	}
	ct.owner.current.Store(&next)
}

func (ct *connTracer) SentTransportParameters(parameters *logging.TransportParameters)     {}
func (ct *connTracer) ReceivedTransportParameters(parameters *logging.TransportParameters) {}
func (ct *connTracer) RestoredTransportParameters(parameters *logging.TransportParameters) {}
func (ct *connTracer) ReceivedVersionNegotiationPacket(header *logging.Header, numbers []logging.VersionNumber) {
}
func (ct *connTracer) ReceivedRetry(header *logging.Header) {}
func (ct *connTracer) AcknowledgedPacket(level logging.EncryptionLevel, number logging.PacketNumber) {
}
func (ct *connTracer) UpdatedCongestionState(state logging.CongestionState)                           {}
func (ct *connTracer) UpdatedPTOCount(value uint32)                                                   {}
func (ct *connTracer) UpdatedKeyFromTLS(level logging.EncryptionLevel, perspective logging.Perspective) {}
func (ct *connTracer) UpdatedKey(generation logging.KeyPhase, remote bool)                             {}
func (ct *connTracer) DroppedEncryptionLevel(level logging.EncryptionLevel)                            {}
func (ct *connTracer) DroppedKey(generation logging.KeyPhase)                                          {}
func (ct *connTracer) SetLossTimer(timerType logging.TimerType, level logging.EncryptionLevel, t time.Time) {
}
func (ct *connTracer) LossTimerExpired(timerType logging.TimerType, level logging.EncryptionLevel) {}
func (ct *connTracer) LossTimerCanceled()                                                          {}
func (ct *connTracer) Close()                                                                      {}
func (ct *connTracer) Debug(name, msg string)                                                       {}

var _ logging.ConnectionTracer = (*connTracer)(nil)

// timeNow is a seam so tests can exercise ordering without depending on
// wall-clock time directly; production always uses time.Now.
var timeNow = time.Now
