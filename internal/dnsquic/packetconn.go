// Package dnsquic implements the net.PacketConn quic-go writes its wire
// traffic through: every outbound QUIC packet becomes a DNS-framed data
// query via internal/dnsframe, and every inbound DNS reply is decoded back
// into a QUIC packet. Poll queries (which carry no QUIC bytes at all) are
// sent directly on the underlying socket outside this path, since they
// exist purely to elicit server-originated data — see SendPoll.
package dnsquic

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/duskwire/duskwire/internal/dnsframe"
)

// virtualAddr is the stable net.Addr quic-go sees for the tunnel peer.
// The real destination of every packet is one of the configured DNS
// resolvers, chosen independently per write; quic-go only needs a single
// consistent address identifying "the other side of this connection".
type virtualAddr struct{ label string }

func (v virtualAddr) Network() string { return "dnsquic" }
func (v virtualAddr) String() string  { return v.label }

// VirtualPeer is the net.Addr PacketConn.ReadFrom always reports and the
// address quic-go should dial as its remote address.
var VirtualPeer net.Addr = virtualAddr{label: "slipstream-peer"}

// ResolverSet is a small round-robin pool of resolver UDP addresses. A
// single resolver is also a valid (length-1) ResolverSet.
type ResolverSet struct {
	addrs []*net.UDPAddr
	next  uint32
}

// NewResolverSet builds a round-robin pool from resolved UDP addresses.
func NewResolverSet(addrs []*net.UDPAddr) *ResolverSet {
	return &ResolverSet{addrs: addrs}
}

// Next returns the next resolver address in round-robin order.
func (r *ResolverSet) Next() *net.UDPAddr {
	i := atomic.AddUint32(&r.next, 1) - 1
	return r.addrs[int(i)%len(r.addrs)]
}

// Len reports how many resolvers are in the set.
func (r *ResolverSet) Len() int { return len(r.addrs) }

// All returns every resolver address, for callers (the Pacing & Path
// Controller) that need to poll each one independently rather than
// round-robin a single logical stream of queries.
func (r *ResolverSet) All() []*net.UDPAddr { return r.addrs }

// PendingNotice is delivered whenever a reply's pending flag is observed,
// so the Pacing & Path Controller can bump its per-resolver poll deficit
// without parsing replies itself.
type PendingNotice struct {
	Resolver *net.UDPAddr
	Pending  bool
}

// PacketConn is a quic.Transport-compatible net.PacketConn backed by one
// underlying UDP socket and a dnsframe.Adapter. It is shared by exactly
// one QUIC connection attempt at a time, matching the teacher's one
// QUIC-client-per-reconnect lifecycle.
type PacketConn struct {
	udp      *net.UDPConn
	adapter  *dnsframe.Adapter
	resolver *ResolverSet
	idSeq    uint32
	counter  uint32
	log      *zerolog.Logger

	Pending chan PendingNotice
}

// New wraps an already-bound UDP socket (the caller is responsible for
// having bound it and called the platform's socket-protect hook on its
// file descriptor beforehand, per the Runtime Loop's startup ordering).
func New(udp *net.UDPConn, adapter *dnsframe.Adapter, resolvers *ResolverSet, log *zerolog.Logger) *PacketConn {
	return &PacketConn{
		udp:      udp,
		adapter:  adapter,
		resolver: resolvers,
		log:      log,
		Pending:  make(chan PendingNotice, 16),
	}
}

// WriteTo encodes p as a DNS data query and sends it to the next resolver
// in round-robin order. addr is ignored: quic-go's notion of a single
// remote address doesn't carry which resolver to use, so resolver
// selection is this type's own responsibility.
func (c *PacketConn) WriteTo(p []byte, _ net.Addr) (int, error) {
	id := uint16(atomic.AddUint32(&c.idSeq, 1))
	counter := atomic.AddUint32(&c.counter, 1)
	msg, err := c.adapter.BuildDataQuery(p, id, counter)
	if err != nil {
		return 0, errors.Wrap(err, "dnsquic: building data query")
	}
	wire, err := msg.Pack()
	if err != nil {
		return 0, errors.Wrap(err, "dnsquic: packing DNS message")
	}
	dst := c.resolver.Next()
	if _, err := c.udp.WriteToUDP(wire, dst); err != nil {
		return 0, errors.Wrap(err, "dnsquic: writing to resolver")
	}
	return len(p), nil
}

// SendPoll issues an empty-payload poll query directly to dst, bypassing
// quic-go entirely. Returns the query's DNS ID for diagnostic logging; the
// reply is picked up by the same ReadFrom loop as any other reply.
func (c *PacketConn) SendPoll(dst *net.UDPAddr) (uint16, error) {
	id := uint16(atomic.AddUint32(&c.idSeq, 1))
	counter := atomic.AddUint32(&c.counter, 1)
	msg := c.adapter.BuildPollQuery(id, counter)
	wire, err := msg.Pack()
	if err != nil {
		return 0, errors.Wrap(err, "dnsquic: packing poll query")
	}
	if _, err := c.udp.WriteToUDP(wire, dst); err != nil {
		return 0, errors.Wrap(err, "dnsquic: sending poll query")
	}
	return id, nil
}

// ReadFrom blocks until it can deliver a non-empty QUIC packet to the
// caller (quic-go's read pump). Replies carrying only the pending flag and
// no payload (poll-query responses, or data replies with nothing queued
// yet) are absorbed here: their pending bit is forwarded on Pending and
// the loop reads the next datagram instead of returning zero bytes, which
// would otherwise look like a malformed empty QUIC packet to quic-go.
func (c *PacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	buf := make([]byte, 65535)
	for {
		n, from, err := c.udp.ReadFromUDP(buf)
		if err != nil {
			return 0, nil, err
		}
		msg := new(dns.Msg)
		if err := msg.Unpack(buf[:n]); err != nil {
			c.log.Debug().Err(err).Msg("dnsquic: dropping unparsable DNS reply")
			continue
		}
		datagram, pending, err := dnsframe.ParseReply(msg)
		if err != nil {
			c.log.Debug().Err(err).Msg("dnsquic: dropping invalid DNS reply")
			continue
		}
		if pending {
			c.notifyPending(from, true)
		}
		if len(datagram) == 0 {
			continue
		}
		copied := copy(p, datagram)
		return copied, VirtualPeer, nil
	}
}

func (c *PacketConn) notifyPending(from *net.UDPAddr, pending bool) {
	select {
	case c.Pending <- PendingNotice{Resolver: from, Pending: pending}:
	default:
		// Pacing controller is behind; the next poll cycle will re-derive
		// demand from its own deficit accounting, so a dropped notice here
		// is not load-bearing.
	}
}

// Close closes the underlying socket.
func (c *PacketConn) Close() error { return c.udp.Close() }

// LocalAddr reports the underlying socket's local address.
func (c *PacketConn) LocalAddr() net.Addr { return c.udp.LocalAddr() }

// SetDeadline, SetReadDeadline and SetWriteDeadline proxy to the
// underlying socket; quic-go calls these to interrupt its read loop on
// connection close.
func (c *PacketConn) SetDeadline(t time.Time) error      { return c.udp.SetDeadline(t) }
func (c *PacketConn) SetReadDeadline(t time.Time) error  { return c.udp.SetReadDeadline(t) }
func (c *PacketConn) SetWriteDeadline(t time.Time) error { return c.udp.SetWriteDeadline(t) }

var _ net.PacketConn = (*PacketConn)(nil)
