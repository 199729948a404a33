// Package ws implements channel.Channel over a WebSocket connection,
// framing each Send as one binary message and surfacing each received
// binary message as one IncomingData event.
package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sbergen/gomqtt/channel"
)

// Subprotocol is advertised during the WebSocket handshake, per common
// MQTT-over-WebSocket broker practice.
const Subprotocol = "mqtt"

// Options configures a Dial.
type Options struct {
	URL            string
	ConnectTimeout time.Duration
}

// Dial opens a WebSocket connection to opts.URL and wraps it as a
// channel.Channel, one binary message per Send/IncomingData.
func Dial(ctx context.Context, opts Options) (channel.Channel, error) {
	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}
	dialer := websocket.Dialer{
		Subprotocols:     []string{Subprotocol},
		HandshakeTimeout: 45 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, opts.URL, nil)
	if err != nil {
		return nil, err
	}
	return wrap(conn), nil
}

type channelConn struct {
	conn         *websocket.Conn
	events       chan channel.Event
	done         chan struct{}
	writeMu      sync.Mutex
	shutdownOnce sync.Once
}

func wrap(conn *websocket.Conn) *channelConn {
	c := &channelConn{
		conn:   conn,
		events: make(chan channel.Event, 8),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *channelConn) readLoop() {
	defer close(c.events)
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.emit(channel.Event{Kind: channel.EventClosed})
				} else {
					c.emit(channel.Event{Kind: channel.EventError, Err: &channel.TransportError{Err: err}})
				}
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		if !c.emit(channel.Event{Kind: channel.EventIncomingData, Data: data}) {
			return
		}
	}
}

func (c *channelConn) emit(ev channel.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *channelConn) Send(ctx context.Context, b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		select {
		case <-c.done:
			return channel.ErrShutdown
		default:
			return &channel.SendFailed{Err: err}
		}
	}
	return nil
}

func (c *channelConn) Events() <-chan channel.Event { return c.events }

func (c *channelConn) Shutdown() {
	c.shutdownOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}
