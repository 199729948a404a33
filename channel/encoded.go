package channel

import (
	"context"
	"sync"

	"github.com/sbergen/gomqtt/packets"
)

// EncodedEventKind identifies which field of EncodedEvent is populated.
type EncodedEventKind int

const (
	EncodedPacketsReceived EncodedEventKind = iota
	EncodedClosed
	EncodedError
)

// EncodedEvent is one asynchronous notification from an EncodedChannel.
// A decode error surfaces as EncodedPacketsReceived with Err set and
// Packets holding whatever was successfully decoded before the error —
// the caller should treat this as fatal and disconnect, per
// SPEC_FULL.md §4.3.
type EncodedEvent struct {
	Kind    EncodedEventKind
	Packets []packets.Packet
	Err     error
}

// EncodedChannel wraps a Channel, owns the inbound byte accumulator, and
// converts raw byte events into decoded-packet events. It has no protocol
// knowledge beyond framing: it does not know CONNECT from PUBLISH, only
// how to find packet boundaries.
type EncodedChannel struct {
	ch           Channel
	events       chan EncodedEvent
	done         chan struct{}
	shutdownOnce sync.Once
}

// Wrap starts adapting ch's raw byte events into decoded-packet events.
// The returned EncodedChannel owns ch: closing or erroring ch will close
// the EncodedChannel's event stream, and EncodedChannel.Shutdown shuts
// down ch.
func Wrap(ch Channel) *EncodedChannel {
	ec := &EncodedChannel{
		ch:     ch,
		events: make(chan EncodedEvent, 8),
		done:   make(chan struct{}),
	}
	go ec.run()
	return ec
}

func (ec *EncodedChannel) run() {
	defer close(ec.events)
	var accumulator []byte
	for {
		select {
		case ev, ok := <-ec.ch.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case EventIncomingData:
				accumulator = append(accumulator, ev.Data...)
				pkts, leftover, err := packets.DecodeMany(accumulator)
				accumulator = leftover
				if err != nil {
					ec.emit(EncodedEvent{Kind: EncodedPacketsReceived, Packets: pkts, Err: err})
					return
				}
				if len(pkts) > 0 {
					ec.emit(EncodedEvent{Kind: EncodedPacketsReceived, Packets: pkts})
				}
			case EventClosed:
				ec.emit(EncodedEvent{Kind: EncodedClosed})
				return
			case EventError:
				ec.emit(EncodedEvent{Kind: EncodedError, Err: ev.Err})
				return
			}
		case <-ec.done:
			return
		}
	}
}

func (ec *EncodedChannel) emit(ev EncodedEvent) {
	select {
	case ec.events <- ev:
	case <-ec.done:
	}
}

// Send encodes p and forwards the resulting bytes to the wrapped Channel.
func (ec *EncodedChannel) Send(ctx context.Context, p packets.Packet) error {
	buf, err := packets.Encode(nil, p)
	if err != nil {
		return err
	}
	return ec.ch.Send(ctx, buf)
}

// Events returns the stream of decoded-packet/closed/error notifications.
func (ec *EncodedChannel) Events() <-chan EncodedEvent { return ec.events }

// Shutdown tears down the wrapped Channel and stops the adapter goroutine.
// Idempotent.
func (ec *EncodedChannel) Shutdown() {
	ec.shutdownOnce.Do(func() { close(ec.done) })
	ec.ch.Shutdown()
}
