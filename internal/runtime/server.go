package runtime

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/duskwire/duskwire/internal/config"
	"github.com/duskwire/duskwire/internal/dnsframe"
	"github.com/duskwire/duskwire/internal/dnsquic"
	"github.com/duskwire/duskwire/internal/flowcontrol"
	"github.com/duskwire/duskwire/internal/invariant"
	"github.com/duskwire/duskwire/internal/lifecycle"
	"github.com/duskwire/duskwire/internal/metrics"
	"github.com/duskwire/duskwire/internal/streams"
	"github.com/duskwire/duskwire/internal/tlsconfig"
)

// Server runs the server-side Runtime Loop (SPEC_FULL.md §4.2): symmetric
// to Client in shape, but it has no TCP listener and accepts many QUIC
// connections instead of one, fanning each into its own goroutine tracked
// by an errgroup (no concurrency limit is set), mirroring the teacher's connection.QUICConnection.Serve
// per-connection fan-out.
type Server struct {
	cfg      *config.Server
	hooks    lifecycle.Hooks
	log      *zerolog.Logger
	reporter *invariant.Reporter
}

// NewServer builds a Server Runtime Loop. hooks may be lifecycle.NoopHooks{}.
func NewServer(cfg *config.Server, hooks lifecycle.Hooks, log *zerolog.Logger) *Server {
	return &Server{cfg: cfg, hooks: hooks, log: log, reporter: invariant.New(log)}
}

// Run blocks for the server's lifetime: nil on clean shutdown, an error on
// unrecoverable failure.
func (sv *Server) Run(ctx context.Context, shutdown *lifecycle.Signal) error {
	adapter, err := dnsframe.New(sv.cfg.Domain)
	if err != nil {
		sv.hooks.Stopped(lifecycle.ExitInvalidDomain)
		return err
	}

	udpAddr, err := net.ResolveUDPAddr("udp", sv.cfg.ListenAddr)
	if err != nil {
		sv.hooks.Stopped(lifecycle.ExitListenerBindFailure)
		return errors.Wrap(err, "runtime: resolving server listen address")
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		sv.hooks.Stopped(lifecycle.ExitListenerBindFailure)
		return errors.Wrap(err, "runtime: binding server UDP socket")
	}
	defer udpConn.Close()
	sv.hooks.ListenerReady()

	tlsConf, err := tlsconfig.LoadServerConfig(sv.cfg.CertPath, sv.cfg.KeyPath)
	if err != nil {
		return err
	}

	sconn := dnsquic.NewServer(udpConn, adapter, sv.log)
	transport := &quic.Transport{Conn: sconn}
	defer transport.Close()

	quicConf := &quic.Config{KeepAlivePeriod: 15 * time.Second}
	ln, err := transport.ListenEarly(tlsConf, quicConf)
	if err != nil {
		sv.hooks.Stopped(lifecycle.ExitListenerBindFailure)
		return errors.Wrap(err, "runtime: starting QUIC listener")
	}
	defer ln.Close()

	group, gctx := errgroup.WithContext(ctx)
	go func() {
		<-shutdown.Wait()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept(gctx)
		if err != nil {
			if shutdown.Fired() {
				break
			}
			if gctx.Err() != nil {
				break
			}
			sv.log.Warn().Err(err).Msg("accepting QUIC connection failed")
			continue
		}
		sv.hooks.QUICReady()
		group.Go(func() error {
			sv.serveConnection(gctx, conn, shutdown)
			return nil
		})
	}

	err = group.Wait()
	if shutdown.Fired() || ctx.Err() != nil {
		return nil
	}
	return err
}

// serveConnection drives one QUIC connection's inner loop: accept streams,
// dial target_addr on first data, relay, and reap finished streams, until
// the connection closes.
func (sv *Server) serveConnection(ctx context.Context, conn quic.EarlyConnection, shutdown *lifecycle.Signal) {
	connID := uuid.NewString()
	table := streams.NewTable()

	reapTicker := time.NewTicker(time.Second)
	defer reapTicker.Stop()

	streamErrs := make(chan error, 1)
	go sv.acceptStreams(ctx, conn, connID, table, streamErrs)

	for {
		select {
		case <-shutdown.Wait():
			_ = conn.CloseWithError(0, "server shutdown")
			return
		case <-ctx.Done():
			_ = conn.CloseWithError(0, "context canceled")
			return
		case <-conn.Context().Done():
			return
		case <-streamErrs:
			return
		case <-reapTicker.C:
			table.ReapServer()
		}
	}
}

// acceptStreams accepts every stream the peer opens on conn and starts its
// target connector; it runs until AcceptStream returns an error (the
// connection closed), at which point it signals done.
func (sv *Server) acceptStreams(ctx context.Context, conn quic.EarlyConnection, connID string, table *streams.Table, done chan<- error) {
	for {
		qs, err := conn.AcceptStream(ctx)
		if err != nil {
			done <- err
			return
		}
		metrics.StreamsAccepted.WithLabelValues("server").Inc()
		go sv.handleStream(ctx, qs, connID, table)
	}
}

// handleStream builds a ServerStream over qs in the Dialing state, starts
// its target connector, and on success relays bytes for the rest of the
// stream's life, per SPEC_FULL.md §4.7.
func (sv *Server) handleStream(ctx context.Context, qs quic.Stream, connID string, table *streams.Table) {
	ss := streams.NewServerStream(connID, qs, sv.reporter, sv.log)
	table.AddServer(ss)

	connector := streams.NewTargetConnector(sv.cfg.TargetAddr, sv.cfg.DialTimeout)
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeoutOrDefault(sv.cfg.DialTimeout))

	// Dialing runs independently of the inbound read loop below: a peer fin
	// arriving before the dial completes must still be latched and flushed
	// once CompleteDial attaches a sink, so the dial is never cancelled
	// just because the read loop below returned.
	go func() {
		defer cancel()
		result := <-connector.Dial(dialCtx)
		if err := ss.CompleteDial(result); err != nil {
			sv.log.Debug().Err(err).Msg("target dial failed for server stream")
			return
		}
		if err := ss.PumpFromTarget(); err != nil {
			sv.log.Debug().Err(err).Msg("server stream pump ended")
		}
	}()

	// Drain inbound bytes from the peer into the engine; while Dialing
	// these are latched and flushed once CompleteDial attaches a sink.
	buf := make([]byte, 32*1024)
	for {
		n, err := qs.Read(buf)
		if n > 0 {
			outcome := ss.HandleInboundData(buf[:n])
			metrics.BytesRelayed.WithLabelValues("tunnel_to_target", "server").Add(float64(n))
			if outcome == flowcontrol.OutcomeFatal {
				ss.Engine.Reset(streams.ResetInternalError, "consume failed on server stream")
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				if finErr := ss.HandlePeerFin(); finErr != nil {
					sv.log.Debug().Err(finErr).Msg("handling peer fin failed")
				}
			}
			return
		}
	}
}

func dialTimeoutOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return 10 * time.Second
	}
	return d
}
