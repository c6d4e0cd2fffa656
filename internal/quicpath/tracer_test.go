package quicpath

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quic-go/quic-go/logging"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracer_UpdatedMetrics_PublishesSnapshot(t *testing.T) {
	l := zerolog.Nop()
	tr := New(&l)

	initial := tr.Latest()
	assert.Equal(t, logging.ByteCount(0), initial.CongestionWindow)
	assert.False(t, initial.Closed)

	loggingTracer := tr.AsLoggingTracer()
	ct := loggingTracer.TracerForConnection(context.Background(), logging.PerspectiveClient, logging.ConnectionID{})
	require.NotNil(t, ct)

	rtt := &logging.RTTStats{}
	rtt.UpdateRTT(50*time.Millisecond, 0, time.Now())
	ct.UpdatedMetrics(rtt, 65536, 12000, 9)

	snap := tr.Latest()
	assert.Equal(t, logging.ByteCount(65536), snap.CongestionWindow)
	assert.Equal(t, logging.ByteCount(12000), snap.BytesInFlight)
	assert.Equal(t, 9, snap.PacketsInFlight)
	assert.False(t, snap.Closed)
}

func TestTracer_ClosedConnection_LatchesError(t *testing.T) {
	l := zerolog.Nop()
	tr := New(&l)
	loggingTracer := tr.AsLoggingTracer()
	ct := loggingTracer.TracerForConnection(context.Background(), logging.PerspectiveServer, logging.ConnectionID{})

	wantErr := errors.New("idle timeout")
	ct.ClosedConnection(wantErr)

	snap := tr.Latest()
	assert.True(t, snap.Closed)
	assert.Equal(t, wantErr, snap.CloseErr)
}

func TestTracer_TwoConnTracersShareOwnerSnapshot(t *testing.T) {
	l := zerolog.Nop()
	tr := New(&l)
	loggingTracer := tr.AsLoggingTracer()

	ct1 := loggingTracer.TracerForConnection(context.Background(), logging.PerspectiveClient, logging.ConnectionID{})
	ct2 := loggingTracer.TracerForConnection(context.Background(), logging.PerspectiveClient, logging.ConnectionID{})

	ct1.UpdatedMetrics(&logging.RTTStats{}, 1000, 100, 1)
	ct2.UpdatedMetrics(&logging.RTTStats{}, 2000, 200, 2)

	snap := tr.Latest()
	assert.Equal(t, logging.ByteCount(2000), snap.CongestionWindow, "latest writer wins on the shared owner pointer")
}
