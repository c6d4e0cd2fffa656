package streams

import (
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/duskwire/duskwire/internal/metrics"
)

// Table is the per-connection stream table both runtime loops keep,
// keyed by (conn, stream-id) per SPEC_FULL.md §4.1/§4.2. It also tracks
// whether the connection has been promoted into multi-stream flow-control
// mode, which happens once and only once, the moment a second live stream
// is observed.
type Table struct {
	mu      sync.Mutex
	entries map[quic.StreamID]*entry
	multi   bool
}

type entry struct {
	client *ClientStream
	server *ServerStream
}

// NewTable returns an empty stream table.
func NewTable() *Table {
	return &Table{entries: make(map[quic.StreamID]*entry)}
}

// AddClient registers a client-side stream and promotes the whole table to
// multi-stream mode if this is its second live entry.
func (t *Table) AddClient(cs *ClientStream) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[cs.qs.StreamID()] = &entry{client: cs}
	t.maybePromoteLocked()
	metrics.ActiveStreams.WithLabelValues("client").Set(float64(len(t.entries)))
}

// AddServer registers a server-side stream, same promotion rule.
func (t *Table) AddServer(ss *ServerStream) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[ss.qs.StreamID()] = &entry{server: ss}
	t.maybePromoteLocked()
	metrics.ActiveStreams.WithLabelValues("server").Set(float64(len(t.entries)))
}

func (t *Table) maybePromoteLocked() {
	if t.multi || len(t.entries) < 2 {
		return
	}
	t.multi = true
	for _, e := range t.entries {
		if e.client != nil {
			e.client.Engine.SetMultiStream(true)
			e.client.Engine.Promote()
		}
		if e.server != nil {
			e.server.Engine.SetMultiStream(true)
			e.server.Engine.Promote()
		}
	}
}

// Remove drops a stream from the table once Removable.
func (t *Table) Remove(id quic.StreamID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
}

// Len reports the number of live entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// ReapServer removes every server-side stream for which Removable() is
// true and returns how many were reaped, mirroring the sweep the server
// runtime loop runs each inner-loop tick.
func (t *Table) ReapServer() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, e := range t.entries {
		if e.server != nil && e.server.Removable() {
			delete(t.entries, id)
			n++
		}
	}
	if n > 0 {
		metrics.ActiveStreams.WithLabelValues("server").Set(float64(len(t.entries)))
	}
	return n
}

// ReapClient is the client-side equivalent of ReapServer.
func (t *Table) ReapClient() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, e := range t.entries {
		if e.client != nil && e.client.Engine.Removable() {
			delete(t.entries, id)
			n++
		}
	}
	if n > 0 {
		metrics.ActiveStreams.WithLabelValues("client").Set(float64(len(t.entries)))
	}
	return n
}
