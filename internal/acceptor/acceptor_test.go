package acceptor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveCommit_BasicCredit(t *testing.T) {
	g := New(2)
	ctx := context.Background()

	r1, err := g.Reserve(ctx)
	require.NoError(t, err)
	r2, err := g.Reserve(ctx)
	require.NoError(t, err)

	max, used, _ := g.Snapshot()
	assert.Equal(t, uint64(2), max)
	assert.Equal(t, uint64(2), used)

	assert.True(t, r1.Commit())
	assert.True(t, r2.Commit())
}

func TestReserve_BlocksUntilCreditFrees(t *testing.T) {
	g := New(1)
	ctx := context.Background()

	r1, err := g.Reserve(ctx)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		r2, err := g.Reserve(ctx)
		require.NoError(t, err)
		assert.True(t, r2.Commit())
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second reserve must not succeed while credit is exhausted")
	case <-time.After(50 * time.Millisecond):
	}

	r1.Release()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second reserve should unblock once credit is released")
	}
}

func TestReset_InvalidatesInFlightReservations(t *testing.T) {
	g := New(5)
	ctx := context.Background()

	r, err := g.Reserve(ctx)
	require.NoError(t, err)

	g.Reset()

	// Stale reservation must not commit.
	assert.False(t, r.Commit())

	max, used, gen := g.Snapshot()
	assert.Equal(t, uint64(0), max)
	assert.Equal(t, uint64(0), used)
	assert.Equal(t, uint64(1), gen)
}

func TestReserve_NoMoreThanMaxLiveAtOnce(t *testing.T) {
	g := New(3)
	ctx := context.Background()

	var committed int32
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := g.Reserve(ctx)
			if err != nil {
				return
			}
			if r.Commit() {
				committed++
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, int(committed), 3)

	_, used, _ := g.Snapshot()
	assert.LessOrEqual(t, used, uint64(3))
}

func TestUpdateLimit_WakesWaiters(t *testing.T) {
	g := New(0)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		r, err := g.Reserve(ctx)
		require.NoError(t, err)
		assert.True(t, r.Commit())
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	g.UpdateLimit(1)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter should wake once limit allows a reservation")
	}
}

func TestReleaseOrCommit_IsIdempotent(t *testing.T) {
	g := New(1)
	ctx := context.Background()
	r, err := g.Reserve(ctx)
	require.NoError(t, err)

	assert.True(t, r.Commit())
	assert.False(t, r.Commit(), "second commit must be a no-op, not double-free")
	r.Release() // also a no-op, must not panic or double-decrement

	_, used, _ := g.Snapshot()
	assert.Equal(t, uint64(1), used)
}

func TestClose_UnblocksPendingReserve(t *testing.T) {
	g := New(0)
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() {
		_, err := g.Reserve(ctx)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	g.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Reserve should return once the gate is closed")
	}
}
