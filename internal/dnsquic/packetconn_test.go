package dnsquic

import (
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duskwire/duskwire/internal/dnsframe"
)

func nopLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

func listenLoopbackUDP(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// fakeResolver answers every data query with a fixed TXT payload and every
// poll query with an empty-but-pending reply, mimicking the server side
// just enough to exercise PacketConn's read path.
func fakeResolver(t *testing.T, conn *net.UDPConn, adapter *dnsframe.Adapter, payload []byte) {
	t.Helper()
	go func() {
		buf := make([]byte, 4096)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			msg := new(dns.Msg)
			if err := msg.Unpack(buf[:n]); err != nil {
				continue
			}
			var reply *dns.Msg
			if dnsframe.IsPollQuery(msg) {
				reply = dnsframe.BuildReply(msg, payload, false)
			} else {
				reply = dnsframe.BuildReply(msg, payload, true)
			}
			wire, err := reply.Pack()
			if err != nil {
				continue
			}
			_, _ = conn.WriteToUDP(wire, from)
		}
	}()
}

func TestPacketConn_WriteToThenReadFrom_RoundTrips(t *testing.T) {
	adapter, err := dnsframe.New("tunnel.example.com")
	require.NoError(t, err)

	resolverConn := listenLoopbackUDP(t)
	clientConn := listenLoopbackUDP(t)

	payload := []byte("quic short header bytes")
	fakeResolver(t, resolverConn, adapter, payload)

	resolvers := NewResolverSet([]*net.UDPAddr{resolverConn.LocalAddr().(*net.UDPAddr)})
	pc := New(clientConn, adapter, resolvers, nopLogger())

	n, err := pc.WriteTo([]byte("outbound quic packet"), VirtualPeer)
	require.NoError(t, err)
	assert.Equal(t, len("outbound quic packet"), n)

	buf := make([]byte, 4096)
	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	read, addr, err := pc.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, VirtualPeer, addr)
	assert.Equal(t, payload, buf[:read])

	select {
	case notice := <-pc.Pending:
		assert.True(t, notice.Pending)
	case <-time.After(time.Second):
		t.Fatal("expected a pending notice from the data-query reply")
	}
}

func TestPacketConn_SendPoll_GetsNonPendingReply(t *testing.T) {
	adapter, err := dnsframe.New("tunnel.example.com")
	require.NoError(t, err)

	resolverConn := listenLoopbackUDP(t)
	clientConn := listenLoopbackUDP(t)

	fakeResolver(t, resolverConn, adapter, nil)

	resolvers := NewResolverSet([]*net.UDPAddr{resolverConn.LocalAddr().(*net.UDPAddr)})
	pc := New(clientConn, adapter, resolvers, nopLogger())

	_, err = pc.SendPoll(resolverConn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	// An empty, non-pending reply is absorbed by ReadFrom without ever
	// surfacing to the caller, so ReadFrom keeps waiting until the short
	// read deadline below expires.
	clientConn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, 4096)
	_, _, err = pc.ReadFrom(buf)
	assert.Error(t, err) // deadline exceeded: nothing with a payload ever arrives
}

func TestResolverSet_NextRoundRobins(t *testing.T) {
	a := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1}
	b := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 2}
	rs := NewResolverSet([]*net.UDPAddr{a, b})

	assert.Equal(t, a, rs.Next())
	assert.Equal(t, b, rs.Next())
	assert.Equal(t, a, rs.Next())
	assert.Equal(t, 2, rs.Len())
	assert.Equal(t, []*net.UDPAddr{a, b}, rs.All())
}
