package channel

import (
	"context"
	"sync"
)

// Fake is an in-memory Channel for tests: Send buffers bytes rather than
// writing to a socket, and PushIncoming/PushClosed/PushError let a test
// play the server side. Grounded on the same idea as a loopback
// bytes.Buffer transport, adapted to this package's event-channel Channel
// interface instead of io.ReadWriteCloser.
type Fake struct {
	mu     sync.Mutex
	sent   []byte
	events chan Event
	closed bool
}

// NewFake creates a Fake channel ready to use.
func NewFake() *Fake {
	return &Fake{events: make(chan Event, 64)}
}

func (f *Fake) Send(ctx context.Context, b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrShutdown
	}
	f.sent = append(f.sent, b...)
	return nil
}

func (f *Fake) Events() <-chan Event { return f.events }

func (f *Fake) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	close(f.events)
}

// TakeSent returns every byte written via Send since the last call to
// TakeSent, and clears the internal buffer.
func (f *Fake) TakeSent() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.sent
	f.sent = nil
	return b
}

// PushIncoming delivers b to the channel's consumer as an IncomingData
// event, simulating bytes arriving from the peer.
func (f *Fake) PushIncoming(b []byte) {
	f.events <- Event{Kind: EventIncomingData, Data: b}
}

// PushClosed simulates the peer closing the connection.
func (f *Fake) PushClosed() {
	f.events <- Event{Kind: EventClosed}
}

// PushError simulates a transport-level error.
func (f *Fake) PushError(err error) {
	f.events <- Event{Kind: EventError, Err: err}
}
