package dnsquic

import (
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/duskwire/duskwire/internal/dnsframe"
)

// maxOutboxPerPeer bounds how many encoded datagrams this process holds for
// one peer waiting on a query to ride back on. A peer that stops polling
// (crashed, migrated, NAT rebound without a new query ever arriving) would
// otherwise grow its queue forever; the bound just drops the oldest.
const maxOutboxPerPeer = 256

// ServerPacketConn is the authoritative server's net.PacketConn: DNS has no
// server push, so every reply rides an actual incoming query. ReadFrom
// decodes data queries into QUIC datagrams (answering each with whatever is
// queued for that peer as a side effect) and WriteTo only enqueues —
// because a write from quic-go, unlike on the client, has no query to
// attach to yet; it waits for the peer's next poll or data query.
type ServerPacketConn struct {
	udp     *net.UDPConn
	adapter *dnsframe.Adapter
	log     *zerolog.Logger

	mu     sync.Mutex
	outbox map[string][][]byte
}

// NewServer builds a ServerPacketConn bound to udp, framing every reply
// under adapter's domain.
func NewServer(udp *net.UDPConn, adapter *dnsframe.Adapter, log *zerolog.Logger) *ServerPacketConn {
	return &ServerPacketConn{
		udp:     udp,
		adapter: adapter,
		log:     log,
		outbox:  make(map[string][][]byte),
	}
}

// ReadFrom blocks until a data query arrives carrying a non-empty datagram,
// answering every query it sees (data or poll) along the way. Poll queries
// and empty-payload data queries are absorbed internally, exactly
// mirroring the client PacketConn's ReadFrom loop.
func (s *ServerPacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	buf := make([]byte, 65535)
	for {
		n, addr, err := s.udp.ReadFromUDP(buf)
		if err != nil {
			return 0, nil, err
		}

		msg := new(dns.Msg)
		if unpackErr := msg.Unpack(buf[:n]); unpackErr != nil {
			s.log.Debug().Err(unpackErr).Str("peer", addr.String()).Msg("dropping unparseable DNS query")
			continue
		}

		if dnsframe.IsPollQuery(msg) {
			s.replyTo(msg, addr)
			continue
		}

		datagram, decErr := s.adapter.DecodeDataQuery(msg)
		if decErr != nil {
			s.log.Debug().Err(decErr).Str("peer", addr.String()).Msg("dropping malformed data query")
			continue
		}
		s.replyTo(msg, addr)
		if len(datagram) == 0 {
			continue
		}
		copy(p, datagram)
		return len(datagram), addr, nil
	}
}

// replyTo answers query with whatever is next in addr's outbox (or an
// empty TXT answer if nothing is queued), flagging pending when more
// remains.
func (s *ServerPacketConn) replyTo(query *dns.Msg, addr *net.UDPAddr) {
	s.mu.Lock()
	key := addr.String()
	var next []byte
	if q := s.outbox[key]; len(q) > 0 {
		next = q[0]
		s.outbox[key] = q[1:]
	}
	pending := len(s.outbox[key]) > 0
	s.mu.Unlock()

	reply := dnsframe.BuildReply(query, next, pending)
	packed, err := reply.Pack()
	if err != nil {
		s.log.Warn().Err(err).Msg("packing DNS reply failed")
		return
	}
	if _, err := s.udp.WriteToUDP(packed, addr); err != nil {
		s.log.Warn().Err(err).Str("peer", addr.String()).Msg("writing DNS reply failed")
	}
}

// WriteTo queues p for addr; it is handed back on addr's next query rather
// than sent immediately, since the server can never write to the wire
// unprompted.
func (s *ServerPacketConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return 0, errors.Errorf("dnsquic: server packet conn cannot address %v", addr)
	}
	cp := make([]byte, len(p))
	copy(cp, p)

	s.mu.Lock()
	key := udpAddr.String()
	q := append(s.outbox[key], cp)
	if len(q) > maxOutboxPerPeer {
		q = q[len(q)-maxOutboxPerPeer:]
	}
	s.outbox[key] = q
	s.mu.Unlock()
	return len(p), nil
}

func (s *ServerPacketConn) Close() error { return s.udp.Close() }

func (s *ServerPacketConn) LocalAddr() net.Addr { return s.udp.LocalAddr() }

func (s *ServerPacketConn) SetDeadline(t time.Time) error      { return s.udp.SetDeadline(t) }
func (s *ServerPacketConn) SetReadDeadline(t time.Time) error  { return s.udp.SetReadDeadline(t) }
func (s *ServerPacketConn) SetWriteDeadline(t time.Time) error { return s.udp.SetWriteDeadline(t) }

var _ net.PacketConn = (*ServerPacketConn)(nil)
