package streams

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"github.com/duskwire/duskwire/internal/flowcontrol"
	"github.com/duskwire/duskwire/internal/invariant"
	"github.com/duskwire/duskwire/internal/metrics"
)

// errConsumeFailed is returned by PumpFromTunnel when the engine's Consume
// hook (reading the released bytes back off the QUIC stream) fails; the
// stream has already been reset by the time it surfaces.
var errConsumeFailed = errors.New("streams: consume failed, stream reset")

// TCPSink adapts a net.Conn to the Sink interface: Write relays bytes from
// the tunnel to the local application, CloseWrite issues a TCP half-close
// so the application sees EOF without losing the ability to finish
// sending its own response.
type TCPSink struct {
	conn net.Conn
}

// NewTCPSink wraps conn.
func NewTCPSink(conn net.Conn) *TCPSink {
	return &TCPSink{conn: conn}
}

func (t *TCPSink) Write(p []byte) (int, error) {
	return t.conn.Write(p)
}

// CloseWrite half-closes conn if it supports it (*net.TCPConn does);
// otherwise falls back to a full close.
func (t *TCPSink) CloseWrite() error {
	type halfCloser interface {
		CloseWrite() error
	}
	if hc, ok := t.conn.(halfCloser); ok {
		return hc.CloseWrite()
	}
	return t.conn.Close()
}

// ClientStream pumps bytes between a local TCP connection and its
// corresponding QUIC stream: TCP-to-tunnel is a plain copy loop (the QUIC
// send side has no flow-control machine of its own to run, since quic-go
// already paces stream writes against the peer's advertised window); the
// other direction runs through Engine.HandleData as frames arrive from the
// Runtime Loop's read side.
type ClientStream struct {
	Engine *Engine
	conn   net.Conn
	qs     quic.Stream
	log    *zerolog.Logger
}

// NewClientStream builds a stream engine over qs and wires conn as both
// its data source (TCP-to-tunnel) and its Sink (tunnel-to-TCP). The engine
// starts in single-stream mode (connection-wide reservation); the caller
// promotes it via Engine.SetMultiStream once a second stream appears on
// the same connection.
func NewClientStream(connID string, qs quic.Stream, conn net.Conn, reporter *invariant.Reporter, log *zerolog.Logger) (*ClientStream, error) {
	eng := NewEngine(Key{ConnID: connID, StreamID: qs.StreamID()}, qs, flowcontrol.Config{}, reporter, "client")
	if err := eng.AttachSink(NewTCPSink(conn)); err != nil {
		return nil, err
	}
	return &ClientStream{Engine: eng, conn: conn, qs: qs, log: log}, nil
}

// PumpToTunnel copies bytes read from the local TCP connection onto the
// QUIC stream until EOF or error, then closes the QUIC send side. It is
// meant to run in its own goroutine, one per accepted connection, mirroring
// the teacher's bidirectional pipe idiom in stream/pipe.go.
func (cs *ClientStream) PumpToTunnel() error {
	buf := make([]byte, 32*1024)
	for {
		n, err := cs.conn.Read(buf)
		if n > 0 {
			if _, werr := cs.qs.Write(buf[:n]); werr != nil {
				return werr
			}
			cs.Engine.TxBytes += uint64(n)
			metrics.BytesRelayed.WithLabelValues("tcp_to_tunnel", "client").Add(float64(n))
		}
		if err != nil {
			if err == io.EOF {
				if cerr := cs.qs.Close(); cerr != nil {
					return cerr
				}
				cs.Engine.QueueLocalFin()
				return nil
			}
			return err
		}
	}
}

// PumpFromTunnel reads frames off the QUIC stream and runs them through the
// flow-control engine, which writes them to the local TCP connection (or
// latches overflow/fin as appropriate). Intended to run in its own
// goroutine alongside PumpToTunnel.
func (cs *ClientStream) PumpFromTunnel() error {
	buf := make([]byte, 32*1024)
	for {
		n, err := cs.qs.Read(buf)
		if n > 0 {
			outcome := cs.Engine.HandleData(buf[:n])
			metrics.BytesRelayed.WithLabelValues("tunnel_to_tcp", "client").Add(float64(n))
			if outcome == flowcontrol.OutcomeFatal {
				cs.Engine.Reset(ResetInternalError, "consume failed on client stream")
				return errConsumeFailed
			}
		}
		if err != nil {
			if err == io.EOF {
				return cs.Engine.HandlePeerFin()
			}
			return err
		}
	}
}

// IdleSince reports the time elapsed since last, for the idle-demand
// bookkeeping in the Pacing & Path Controller (SPEC_FULL.md §4.6). The
// stream does not track its own last-activity time; the caller supplies it.
func (cs *ClientStream) IdleSince(last time.Time) time.Duration {
	return time.Since(last)
}
