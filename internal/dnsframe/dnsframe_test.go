package dnsframe

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RejectsInvalidDomain(t *testing.T) {
	_, err := New("not a domain!!")
	assert.Error(t, err)
}

func TestMTU_PositiveForReasonableDomain(t *testing.T) {
	mtu := MTU("tunnel.example.com")
	assert.Greater(t, mtu, 0)
	assert.Less(t, mtu, maxSafeUDPMessage)
}

func TestBuildDataQuery_RoundTrips(t *testing.T) {
	a, err := New("tunnel.example.com")
	require.NoError(t, err)

	payload := []byte("hello quic datagram, round trip me please")
	msg, err := a.BuildDataQuery(payload, 0xBEEF, 7)
	require.NoError(t, err)
	require.Equal(t, dns.TypeTXT, msg.Question[0].Qtype)
	require.Equal(t, uint16(0xBEEF), msg.Id)
	assert.True(t, msg.RecursionDesired)
	assert.False(t, msg.CheckingDisabled)

	got, err := a.DecodeDataQuery(msg)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestBuildDataQuery_RejectsOversizedDatagram(t *testing.T) {
	a, err := New("tunnel.example.com")
	require.NoError(t, err)
	big := make([]byte, a.MTU()+1)
	_, err = a.BuildDataQuery(big, 1, 1)
	assert.Error(t, err)
}

func TestPollQuery_DetectedAsPoll(t *testing.T) {
	a, err := New("tunnel.example.com")
	require.NoError(t, err)

	poll := a.BuildPollQuery(1, 42)
	assert.True(t, IsPollQuery(poll))

	data, err := a.BuildDataQuery([]byte("x"), 1, 42)
	require.NoError(t, err)
	assert.False(t, IsPollQuery(data))
}

func TestBuildReply_ParseReply_RoundTrips(t *testing.T) {
	a, err := New("tunnel.example.com")
	require.NoError(t, err)
	query := a.BuildPollQuery(99, 1)

	payload := []byte("server originated bytes")
	reply := BuildReply(query, payload, true)

	got, pending, err := ParseReply(reply)
	require.NoError(t, err)
	assert.True(t, pending)
	assert.Equal(t, payload, got)
}

func TestBuildReply_EmptyPayloadNoAnswer(t *testing.T) {
	a, err := New("tunnel.example.com")
	require.NoError(t, err)
	query := a.BuildPollQuery(1, 1)
	reply := BuildReply(query, nil, false)

	got, pending, err := ParseReply(reply)
	require.NoError(t, err)
	assert.False(t, pending)
	assert.Nil(t, got)
}

func TestParseReply_RejectsNonReply(t *testing.T) {
	a, err := New("tunnel.example.com")
	require.NoError(t, err)
	query := a.BuildPollQuery(1, 1)

	_, _, err = ParseReply(query)
	assert.ErrorIs(t, err, ErrNotAReply)
}

func TestBuildDataQuery_DistinctCountersDefeatCaching(t *testing.T) {
	a, err := New("tunnel.example.com")
	require.NoError(t, err)

	payload := []byte("same payload")
	m1, err := a.BuildDataQuery(payload, 1, 1)
	require.NoError(t, err)
	m2, err := a.BuildDataQuery(payload, 1, 2)
	require.NoError(t, err)

	assert.NotEqual(t, m1.Question[0].Name, m2.Question[0].Name)
}
