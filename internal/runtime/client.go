// Package runtime implements the client and server Runtime Loops:
// the top-level goroutines that own the QUIC context, the stream table,
// and (on the client) the local TCP listener. Structurally grounded on
// the teacher's connection.QUICConnection.Serve outer/inner loop split
// and its errgroup-based per-connection fan-out.
package runtime

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"github.com/duskwire/duskwire/internal/acceptor"
	"github.com/duskwire/duskwire/internal/config"
	"github.com/duskwire/duskwire/internal/dnsframe"
	"github.com/duskwire/duskwire/internal/dnsquic"
	"github.com/duskwire/duskwire/internal/invariant"
	"github.com/duskwire/duskwire/internal/lifecycle"
	"github.com/duskwire/duskwire/internal/metrics"
	"github.com/duskwire/duskwire/internal/pacing"
	"github.com/duskwire/duskwire/internal/quicpath"
	"github.com/duskwire/duskwire/internal/streams"
	"github.com/duskwire/duskwire/internal/tlsconfig"
)

// consecutiveUnreadyCloseLimit is the hard-fail threshold SPEC_FULL.md
// §4.1's outer loop names: five reconnect attempts in a row that never
// reach the Ready state abort the Runtime Loop entirely.
const consecutiveUnreadyCloseLimit = 5

// Client runs the client-side Runtime Loop.
type Client struct {
	cfg      *config.Client
	hooks    lifecycle.Hooks
	log      *zerolog.Logger
	reporter *invariant.Reporter
}

// NewClient builds a Client Runtime Loop. hooks may be lifecycle.NoopHooks{}.
func NewClient(cfg *config.Client, hooks lifecycle.Hooks, log *zerolog.Logger) *Client {
	return &Client{cfg: cfg, hooks: hooks, log: log, reporter: invariant.New(log)}
}

// Run blocks for the tunnel's lifetime, per SPEC_FULL.md §4.1's public
// contract: nil on clean shutdown, an error on unrecoverable failure.
func (cl *Client) Run(ctx context.Context, shutdown *lifecycle.Signal) error {
	adapter, err := dnsframe.New(cl.cfg.Domain)
	if err != nil {
		cl.hooks.Stopped(lifecycle.ExitInvalidDomain)
		return err
	}

	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		cl.hooks.Stopped(lifecycle.ExitListenerBindFailure)
		return errors.Wrap(err, "runtime: binding client UDP socket")
	}
	defer udpConn.Close()
	protectSocketFD(udpConn, cl.hooks)

	ln, err := bindTCPListener(cl.cfg.ListenAddr)
	if err != nil {
		cl.hooks.Stopped(lifecycle.ExitListenerBindFailure)
		return errors.Wrap(err, "runtime: binding TCP listener")
	}
	defer ln.Close()
	cl.hooks.ListenerReady()

	gate := acceptor.New(cl.cfg.AcceptorMax)
	accepted := make(chan net.Conn)
	go cl.acceptLoop(ctx, ln, gate, accepted, shutdown)

	return cl.outerLoop(ctx, udpConn, adapter, gate, accepted, shutdown)
}

// outerLoop is the client's per-connection-attempt reconnect loop.
func (cl *Client) outerLoop(ctx context.Context, udpConn *net.UDPConn, adapter *dnsframe.Adapter, gate *acceptor.Gate, accepted <-chan net.Conn, shutdown *lifecycle.Signal) error {
	backoff := NewBackoff(250*time.Millisecond, 5*time.Second)
	consecutiveUnready := 0

	for {
		if shutdown.Fired() {
			return nil
		}

		// Acceptor limiter: reset() invoked each reconnect (SPEC_FULL.md
		// §3's "Lifecycles"). The generation bump invalidates any
		// reservation still in flight from the previous connection; the
		// fresh ceiling is reapplied immediately since quic-go exposes no
		// public callback for the peer's live MAX_STREAMS value (same
		// limitation as the congestion-control override below), so the
		// configured acceptor-max is the standing ceiling for this
		// connection's lifetime.
		gate.Reset()
		gate.UpdateLimit(cl.cfg.AcceptorMax)

		resolverAddrs, err := config.ResolveAll(cl.cfg.Resolvers)
		if err != nil {
			return err
		}
		resolvers := dnsquic.NewResolverSet(resolverAddrs)
		pconn := dnsquic.New(udpConn, adapter, resolvers, cl.log)
		tracer := quicpath.New(cl.log)

		tlsConf, err := tlsconfig.LoadClientConfig(cl.cfg.PinnedCertPath, cl.cfg.ServerName)
		if err != nil {
			return err
		}

		if cl.cfg.CongestionControl != "" {
			// quic-go has no public pluggable congestion-control API in
			// this version; the request is logged, not enforced.
			cl.log.Info().Str("congestion_control", cl.cfg.CongestionControl).Msg("congestion control override requested but not supported by the bound QUIC library; ignoring")
		}

		quicConf := &quic.Config{
			KeepAlivePeriod: 15 * time.Second,
			Tracer:          tracer.AsLoggingTracer(),
		}

		metrics.ReconnectsTotal.Inc()
		reachedReady, err := cl.runConnection(ctx, pconn, resolvers, tlsConf, quicConf, adapter, tracer, accepted, shutdown)
		if err != nil {
			cl.log.Warn().Err(err).Msg("client connection attempt failed")
		}

		if reachedReady {
			consecutiveUnready = 0
			backoff.Reset()
		} else {
			consecutiveUnready++
			if consecutiveUnready >= consecutiveUnreadyCloseLimit {
				return errors.Errorf("runtime: %d consecutive connection attempts never reached Ready", consecutiveUnready)
			}
		}

		if shutdown.Fired() {
			return nil
		}
		select {
		case <-time.After(backoff.Next()):
		case <-shutdown.Wait():
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// runConnection dials one QUIC connection and drives its inner loop until
// it closes. Returns whether the connection ever reached the Ready state.
func (cl *Client) runConnection(ctx context.Context, pconn *dnsquic.PacketConn, resolvers *dnsquic.ResolverSet, tlsConf *tls.Config, quicConf *quic.Config, adapter *dnsframe.Adapter, tracer *quicpath.Tracer, accepted <-chan net.Conn, shutdown *lifecycle.Signal) (bool, error) {
	transport := &quic.Transport{Conn: pconn}
	defer transport.Close()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, err := transport.DialEarly(dialCtx, dnsquic.VirtualPeer, tlsConf, quicConf)
	if err != nil {
		return false, errors.Wrap(err, "runtime: dialing QUIC connection")
	}

	cl.hooks.QUICReady()

	connID := uuid.NewString()
	table := streams.NewTable()

	idlePollInterval := time.Duration(cl.cfg.IdlePollIntervalMS) * time.Millisecond
	if idlePollInterval <= 0 {
		idlePollInterval = 500 * time.Millisecond
	}
	now := time.Now()
	addrs := resolvers.All()
	pacers := make([]*pacing.Resolver, len(addrs))
	pendingPolls := make([]uint64, len(addrs))
	addrIndex := make(map[string]int, len(addrs))
	for i, a := range addrs {
		pacers[i] = pacing.NewResolver(pacing.Authoritative, idlePollInterval, now)
		addrIndex[a.String()] = i
	}

	pollTicker := time.NewTicker(200 * time.Millisecond)
	defer pollTicker.Stop()
	reapTicker := time.NewTicker(time.Second)
	defer reapTicker.Stop()

	for {
		select {
		case <-shutdown.Wait():
			_ = conn.CloseWithError(0, "client shutdown")
			return true, nil
		case <-ctx.Done():
			_ = conn.CloseWithError(0, "context canceled")
			return true, nil
		case <-conn.Context().Done():
			return true, context.Cause(conn.Context())
		case tcpConn := <-accepted:
			cl.openClientStream(ctx, conn, connID, tcpConn, table)
		case notice := <-pconn.Pending:
			// Demand-driven floor (SPEC_FULL.md §4.5/§4.6): a reply
			// indicating more server-originated data is queued bumps this
			// resolver's pending-polls counter so the next poll burst sends
			// at least one, regardless of the pacing estimate.
			if notice.Pending {
				if idx, ok := addrIndex[notice.Resolver.String()]; ok {
					pendingPolls[idx]++
				}
			}
		case <-pollTicker.C:
			cl.sendPollBurst(pconn, resolvers, pacers, pendingPolls, adapter.MTU(), tracer)
		case <-reapTicker.C:
			table.ReapClient()
		}
	}
}

// openClientStream opens a new QUIC stream for an accepted TCP connection
// and starts its two pump goroutines: one stream per accepted connection
// (SPEC_FULL.md §4.1). Failures close the TCP connection
// rather than abort the whole Runtime Loop, mirroring the teacher's
// per-connection error isolation in connection/quic.go.
func (cl *Client) openClientStream(ctx context.Context, conn quic.EarlyConnection, connID string, tcpConn net.Conn, table *streams.Table) {
	qs, err := conn.OpenStreamSync(ctx)
	if err != nil {
		cl.log.Warn().Err(err).Msg("opening QUIC stream for accepted connection failed")
		tcpConn.Close()
		return
	}

	cs, err := streams.NewClientStream(connID, qs, tcpConn, cl.reporter, cl.log)
	if err != nil {
		cl.log.Warn().Err(err).Msg("building client stream failed")
		tcpConn.Close()
		return
	}
	table.AddClient(cs)

	go func() {
		if err := cs.PumpToTunnel(); err != nil {
			cl.log.Debug().Err(err).Msg("tcp-to-tunnel pump ended")
		}
	}()
	go func() {
		if err := cs.PumpFromTunnel(); err != nil {
			cl.log.Debug().Err(err).Msg("tunnel-to-tcp pump ended")
		}
	}()
}

// sendPollBurst drives one pacing tick across every resolver path,
// computing each path's poll count from its latest path-quality snapshot
// and its pending-polls demand floor, then sending that many poll queries.
// pendingPolls[i] is drained (not just read) as its polls are sent, per
// SPEC_FULL.md §4.1 step 11's "decrementing pending_polls" rule.
func (cl *Client) sendPollBurst(pconn *dnsquic.PacketConn, resolvers *dnsquic.ResolverSet, pacers []*pacing.Resolver, pendingPolls []uint64, mtu int, tracer *quicpath.Tracer) {
	snap := tracer.Latest()
	quality := pacing.Quality{
		Cwnd:          uint64(snap.CongestionWindow),
		BytesInFlight: uint64(snap.BytesInFlight),
		RTT:           snap.SmoothedRTT,
	}
	now := time.Now()
	addrs := resolvers.All()
	for i, addr := range addrs {
		count := pacers[i].PollCount(now, quality, mtu, pendingPolls[i])
		sent := uint64(0)
		for n := uint64(0); n < count; n++ {
			if _, err := pconn.SendPoll(addr); err != nil {
				cl.reporter.Report("client.poll_send_failed", time.Second, map[string]interface{}{"resolver": addr.String(), "err": err.Error()}, "failed to send poll query")
				break
			}
			sent++
			metrics.PollQueriesSent.WithLabelValues(addr.String()).Inc()
		}
		if sent >= pendingPolls[i] {
			pendingPolls[i] = 0
		} else {
			pendingPolls[i] -= sent
		}
	}
}

// acceptLoop accepts local TCP connections, reserving Acceptor Gate
// credit before each Accept so the client never creates a stream the peer
// would refuse for lack of MAX_STREAMS credit (SPEC_FULL.md §4.3), then
// hands each accepted connection to the current inner loop over accepted.
// Reconnects replace the inner loop but never this goroutine, so a
// connection accepted mid-reconnect simply waits for the next runConnection
// to pick it up.
func (cl *Client) acceptLoop(ctx context.Context, ln net.Listener, gate *acceptor.Gate, accepted chan<- net.Conn, shutdown *lifecycle.Signal) {
	for {
		reservation, err := gate.Reserve(ctx)
		if err != nil {
			return // gate closed or context canceled
		}

		conn, err := ln.Accept()
		if err != nil {
			reservation.Release()
			if shutdown.Fired() {
				return
			}
			cl.log.Warn().Err(err).Msg("accept failed")
			continue
		}

		if !reservation.Commit() {
			// Stale reservation (a Reset happened mid-accept): drop the
			// connection rather than create a stream the peer never
			// agreed to.
			metrics.StreamsRejected.WithLabelValues("client").Inc()
			conn.Close()
			continue
		}

		metrics.StreamsAccepted.WithLabelValues("client").Inc()
		max, used, _ := gate.Snapshot()
		metrics.AcceptorCredit.WithLabelValues("client").Set(float64(max) - float64(used))
		select {
		case accepted <- conn:
		case <-shutdown.Wait():
			conn.Close()
			return
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
}

func bindTCPListener(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err == nil {
		return ln, nil
	}
	host, port, splitErr := net.SplitHostPort(addr)
	if splitErr == nil && (host == "::" || host == "[::]") {
		if ln2, err2 := net.Listen("tcp", net.JoinHostPort("0.0.0.0", port)); err2 == nil {
			return ln2, nil
		}
	}
	return nil, err
}

func protectSocketFD(conn *net.UDPConn, hooks lifecycle.Hooks) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return
	}
	_ = raw.Control(func(fd uintptr) {
		hooks.ProtectSocket(int(fd))
	})
}
