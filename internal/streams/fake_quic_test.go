package streams

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// fakeQUICStream is a minimal, in-memory implementation of quic.Stream
// (ReceiveStream + SendStream + SetDeadline) for testing the flow-control
// binding without a real QUIC connection. Reads come from a fixed buffer
// fed in by the test; writes go to an inspectable buffer; Cancel* calls
// are merely recorded.
type fakeQUICStream struct {
	id quic.StreamID

	mu         sync.Mutex
	readBuf    bytes.Buffer
	writeBuf   bytes.Buffer
	readErr    error
	closed     bool
	cancelRead  *quic.StreamErrorCode
	cancelWrite *quic.StreamErrorCode
}

func newFakeQUICStream(id quic.StreamID) *fakeQUICStream {
	return &fakeQUICStream{id: id}
}

func (f *fakeQUICStream) StreamID() quic.StreamID { return f.id }

func (f *fakeQUICStream) feed(p []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readBuf.Write(p)
}

func (f *fakeQUICStream) setReadErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readErr = err
}

func (f *fakeQUICStream) written() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.writeBuf.Bytes()...)
}

func (f *fakeQUICStream) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readBuf.Len() == 0 {
		if f.readErr != nil {
			return 0, f.readErr
		}
		return 0, errors.New("fakeQUICStream: no data buffered")
	}
	return f.readBuf.Read(p)
}

func (f *fakeQUICStream) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, errors.New("fakeQUICStream: write after close")
	}
	return f.writeBuf.Write(p)
}

func (f *fakeQUICStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeQUICStream) CancelRead(code quic.StreamErrorCode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := code
	f.cancelRead = &c
}

func (f *fakeQUICStream) CancelWrite(code quic.StreamErrorCode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := code
	f.cancelWrite = &c
}

func (f *fakeQUICStream) Context() context.Context { return context.Background() }

func (f *fakeQUICStream) SetReadDeadline(time.Time) error  { return nil }
func (f *fakeQUICStream) SetWriteDeadline(time.Time) error { return nil }
func (f *fakeQUICStream) SetDeadline(time.Time) error      { return nil }

var _ quic.Stream = (*fakeQUICStream)(nil)
