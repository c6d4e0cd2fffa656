// Package acceptor implements the client-side Acceptor Gate: a generational
// reservation limiter that never lets the runtime loop create a local
// TCP-backed stream the peer would refuse for lack of MAX_STREAMS credit.
//
// It generalizes the teacher's session.Limiter / flow.Limiter pattern (a
// mutex-guarded counter with a hot-swappable ceiling) with a generation
// counter: every reconnect bumps the generation, which silently invalidates
// any reservation that is still in flight from the previous connection.
package acceptor

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrClosed is returned by Reserve when the gate has been closed.
var ErrClosed = errors.New("acceptor: gate closed")

// Gate holds (max, used, generation) and lets callers reserve a slot before
// accepting a socket, and commit it only if the generation hasn't moved on
// since.
type Gate struct {
	mu         sync.Mutex
	max        uint64
	used       uint64
	generation uint64
	closed     bool
	waiters    []chan struct{}
}

// New builds a Gate with the given starting credit (0 is a legal starting
// point: the gate simply has no credit until UpdateLimit is called, which
// matches a freshly (re)connected QUIC connection that hasn't yet received
// MAX_STREAMS from the peer).
func New(max uint64) *Gate {
	return &Gate{max: max}
}

// Reservation is a held slot. It must be released exactly once, either via
// Commit (which keeps the slot iff the generation still matches) or
// Release (which always frees it).
type Reservation struct {
	gate       *Gate
	generation uint64
	resolved   bool
}

// Reserve suspends until used < max (or the gate is closed or ctx is
// done), then atomically increments used and captures the current
// generation.
func (g *Gate) Reserve(ctx context.Context) (*Reservation, error) {
	for {
		g.mu.Lock()
		if g.closed {
			g.mu.Unlock()
			return nil, ErrClosed
		}
		if g.used < g.max {
			g.used++
			gen := g.generation
			g.mu.Unlock()
			return &Reservation{gate: g, generation: gen}, nil
		}
		wake := make(chan struct{})
		g.waiters = append(g.waiters, wake)
		g.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Commit succeeds iff the reservation's generation still matches the
// gate's current generation; otherwise the reservation is released
// silently and Commit returns false. Calling Commit or Release more than
// once on the same Reservation is a no-op.
func (r *Reservation) Commit() bool {
	if r.resolved {
		return false
	}
	r.resolved = true

	g := r.gate
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.generation != r.generation {
		// The reservation's credit was already zeroed out from under it by
		// Reset(); the current generation's used count is not the one that
		// was incremented and must not be touched here.
		g.notifyLocked()
		return false
	}
	return true
}

// Release frees the reservation without committing it. Safe to call on an
// already-committed or already-released reservation (no-op).
func (r *Reservation) Release() {
	if r.resolved {
		return
	}
	r.resolved = true

	g := r.gate
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.generation == r.generation {
		g.used--
	}
	g.notifyLocked()
}

// UpdateLimit stores a new max (called whenever the peer advances
// MAX_STREAMS) and wakes any waiters who might now have room.
func (g *Gate) UpdateLimit(max uint64) {
	g.mu.Lock()
	g.max = max
	g.notifyLocked()
	g.mu.Unlock()
}

// Reset bumps the generation and zeroes max/used. Called once per
// reconnect. All outstanding reservations become stale: their eventual
// Commit will fail and their Release will not double-decrement used since
// used has already been rezeroed independent of them.
func (g *Gate) Reset() {
	g.mu.Lock()
	g.generation++
	g.max = 0
	g.used = 0
	g.notifyLocked()
	g.mu.Unlock()
}

// Close unblocks every pending Reserve with ErrClosed.
func (g *Gate) Close() {
	g.mu.Lock()
	g.closed = true
	g.notifyLocked()
	g.mu.Unlock()
}

// Snapshot returns the current (max, used, generation) triple, for
// metrics and tests.
func (g *Gate) Snapshot() (max, used, generation uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.max, g.used, g.generation
}

func (g *Gate) notifyLocked() {
	for _, w := range g.waiters {
		close(w)
	}
	g.waiters = nil
}
