package streams

import (
	"net"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// localPipe returns a connected pair of net.Conn usable as TCPSink targets
// in tests, without touching any real socket.
func localPipe(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return a, b
}

func TestTCPSink_WriteAndCloseWrite(t *testing.T) {
	client, remote := localPipe(t)
	sink := NewTCPSink(client)

	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := remote.Read(buf)
		done <- buf[:n]
	}()

	n, err := sink.Write([]byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte("ping"), <-done)

	// net.Pipe's Conn doesn't implement CloseWrite, so this must fall back
	// to a full Close without erroring.
	require.NoError(t, sink.CloseWrite())
}

func TestClientStream_EngineHandleData_RelaysAndHandlesFin(t *testing.T) {
	id := quic.StreamID(10)
	qs := newFakeQUICStream(id)
	local, remote := localPipe(t)

	cs, err := NewClientStream("conn-1", qs, local, testReporter(), nopLogger())
	require.NoError(t, err)

	qs.feed([]byte("payload"))

	read := make(chan string, 1)
	go func() {
		buf := make([]byte, 16)
		n, rerr := remote.Read(buf)
		if rerr != nil {
			read <- ""
			return
		}
		read <- string(buf[:n])
	}()

	outcome := cs.Engine.HandleData([]byte("payload"))
	assert.Equal(t, 0, int(outcome)) // flowcontrol.OutcomeOK == 0
	assert.Equal(t, "payload", <-read)

	require.NoError(t, cs.Engine.HandlePeerFin())
}

func TestClientStream_IdleSince(t *testing.T) {
	id := quic.StreamID(11)
	qs := newFakeQUICStream(id)
	local, _ := localPipe(t)
	cs, err := NewClientStream("conn-1", qs, local, testReporter(), nopLogger())
	require.NoError(t, err)

	past := time.Now().Add(-5 * time.Second)
	assert.GreaterOrEqual(t, cs.IdleSince(past), 5*time.Second)
}
