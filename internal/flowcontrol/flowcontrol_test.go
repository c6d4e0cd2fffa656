package flowcontrol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleReceive_OrderedAccounting(t *testing.T) {
	s := &State{}
	var consumedTo uint64
	var buffered []byte

	cfg := Config{MaxQueuedBytes: 1024}
	ops := Ops{
		Enqueue: func(data []byte) error {
			buffered = append(buffered, data...)
			return nil
		},
		OnOverflow:  func() {},
		StopSending: func() {},
		LogOverflow: func(queued, incoming, max uint64) {},
		Consume: func(newOffset uint64) error {
			consumedTo = newOffset
			return nil
		},
	}

	outcome := HandleReceive(s, make([]byte, 100), cfg, ops)
	require.Equal(t, OutcomeOK, outcome)
	assert.Equal(t, uint64(100), s.RxBytes)
	assert.Equal(t, uint64(100), s.QueuedBytes)
	assert.Len(t, buffered, 100)
	// Single-stream mode reserves the whole connection window, so nothing
	// is released yet (rx - reserve is negative, clamped to zero).
	assert.Equal(t, uint64(0), consumedTo)
}

func TestHandleReceive_MonotoneConsume(t *testing.T) {
	s := &State{}
	drained := uint64(0)
	var lastConsumed uint64

	cfg := Config{MaxQueuedBytes: 1024, MultiStream: true}
	ops := Ops{
		Enqueue: func(data []byte) error {
			// Simulate the sink draining everything immediately so
			// queued_bytes stays small and per-stream credit grows.
			n := uint64(len(data))
			s.QueuedBytes -= n
			drained += n
			return nil
		},
		OnOverflow:  func() {},
		StopSending: func() {},
		LogOverflow: func(queued, incoming, max uint64) {},
		Consume: func(newOffset uint64) error {
			require.GreaterOrEqual(t, newOffset, lastConsumed)
			lastConsumed = newOffset
			return nil
		},
	}

	for i := 0; i < 5; i++ {
		outcome := HandleReceive(s, make([]byte, 10), cfg, ops)
		require.Equal(t, OutcomeOK, outcome)
	}
	assert.Equal(t, uint64(50), drained)
	assert.Equal(t, uint64(50), lastConsumed)
	assert.LessOrEqual(t, s.ConsumedOffset, s.RxBytes)
}

func TestHandleReceive_OverflowLatchesDiscardingAndStopSendsOnce(t *testing.T) {
	s := &State{}
	overflowCount := 0
	stopSendCount := 0

	cfg := Config{MaxQueuedBytes: 100}
	ops := Ops{
		Enqueue: func(data []byte) error {
			t.Fatalf("enqueue must not be called once overflow has latched discarding")
			return nil
		},
		OnOverflow: func() { overflowCount++ },
		StopSending: func() {
			stopSendCount++
		},
		LogOverflow: func(queued, incoming, max uint64) {},
		Consume: func(newOffset uint64) error {
			return nil
		},
	}

	// Preset the queue at the ceiling so the first one-byte push overflows.
	s.QueuedBytes = 100
	outcome := HandleReceive(s, []byte{0}, cfg, ops)
	require.Equal(t, OutcomeOverflow, outcome)
	assert.True(t, s.Discarding)
	assert.True(t, s.StopSendingSent)
	assert.Equal(t, 1, overflowCount)
	assert.Equal(t, 1, stopSendCount)

	// Subsequent overflowing pushes must not re-fire StopSending.
	outcome = HandleReceive(s, []byte{0}, cfg, ops)
	require.Equal(t, OutcomeOverflow, outcome)
	assert.Equal(t, 1, stopSendCount, "stop_sending must be emitted exactly once")
	assert.LessOrEqual(t, s.QueuedBytes, cfg.MaxQueuedBytes)
}

func TestHandleReceive_ConsumeErrorIsFatal(t *testing.T) {
	s := &State{}
	cfg := Config{MaxQueuedBytes: 1024}
	var reportedErr error
	ops := Ops{
		Enqueue:     func(data []byte) error { return nil },
		OnOverflow:  func() {},
		StopSending: func() {},
		LogOverflow: func(queued, incoming, max uint64) {},
		Consume: func(newOffset uint64) error {
			return errors.New("boom")
		},
		OnConsumeError: func(err error, current, target uint64) {
			reportedErr = err
		},
	}
	s.RxBytes = 1000 // already received and drained, so the reserve formula wants to release bytes
	outcome := HandleReceive(s, []byte{0}, cfg, ops)
	assert.Equal(t, OutcomeFatal, outcome)
	assert.Error(t, reportedErr)
}

func TestReserveTargetOffset_MultiStreamIsExactPerStreamCredit(t *testing.T) {
	got := ReserveTargetOffset(1000, 200, nil, 0)
	assert.Equal(t, uint64(800), got)
}

func TestReserveTargetOffset_SingleStreamUsesConnectionWindow(t *testing.T) {
	// rx=1000, queued=900 (barely draining), reserve=100: per-stream
	// credit is 100, conn-wide is 900; the max of the two wins.
	got := ReserveTargetOffset(1000, 900, nil, 100)
	assert.Equal(t, uint64(900), got)
}

func TestReserveTargetOffset_ClampsToFinOffset(t *testing.T) {
	fin := uint64(500)
	got := ReserveTargetOffset(1000, 0, &fin, 0)
	assert.Equal(t, uint64(500), got)
}

func TestRemovable(t *testing.T) {
	s := &State{RecvState: RecvFinReceived, SendState: SendFinQueued, QueuedBytes: 0}
	assert.True(t, Removable(s))
	s.QueuedBytes = 1
	assert.False(t, Removable(s))
}

func TestHandlePeerFin_SetOnlyOnce(t *testing.T) {
	s := &State{RxBytes: 42}
	off, already := HandlePeerFin(s)
	assert.Equal(t, uint64(42), off)
	assert.False(t, already)
	assert.Equal(t, RecvFinReceived, s.RecvState)

	s.RxBytes = 100 // must not move the latched fin offset
	off2, already2 := HandlePeerFin(s)
	assert.Equal(t, uint64(42), off2)
	assert.True(t, already2)
}
