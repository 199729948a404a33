// Package tcp implements channel.Channel over a net.Conn, optionally
// upgraded to TLS. Its only MQTT knowledge is the fixed header: it reads
// until a whole frame has arrived and forwards that frame's bytes, leaving
// packet decoding to the caller's channel.EncodedChannel.
package tcp

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sbergen/gomqtt/channel"
	"github.com/sbergen/gomqtt/packets"
)

// Options configures a Dial. Port defaults to 1883, or 8883 when TLSConfig
// is set, if left zero.
type Options struct {
	Host           string
	Port           uint16
	ConnectTimeout time.Duration
	TLSConfig      *tls.Config
}

func (o Options) port() uint16 {
	if o.Port != 0 {
		return o.Port
	}
	if o.TLSConfig != nil {
		return 8883
	}
	return 1883
}

// Dial connects to opts.Host:opts.Port, honoring ctx's deadline and
// opts.ConnectTimeout (whichever is sooner), and wraps the resulting
// connection as a channel.Channel.
func Dial(ctx context.Context, opts Options) (channel.Channel, error) {
	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}
	addr := fmt.Sprintf("%s:%d", opts.Host, opts.port())
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if opts.TLSConfig != nil {
		tlsConn := tls.Client(conn, opts.TLSConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		conn = tlsConn
	}
	return wrap(conn), nil
}

// channelConn adapts a net.Conn to channel.Channel: one read-loop
// goroutine per connection, pushing one IncomingData event per complete
// frame (see readLoop).
type channelConn struct {
	conn         net.Conn
	events       chan channel.Event
	done         chan struct{}
	shutdownOnce sync.Once
}

func wrap(conn net.Conn) *channelConn {
	c := &channelConn{
		conn:   conn,
		events: make(chan channel.Event, 8),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// readLoop grows acc until it holds at least one full frame (per
// packets.DecodeHeader's remaining-length), then emits exactly that
// frame's bytes as one IncomingData event. This does no MQTT framing of
// its own — a frame that doesn't decode cleanly is forwarded as-is and
// left for the EncodedChannel to reject — it only avoids handing the
// EncodedChannel a series of arbitrary mid-frame chunks on every read
// syscall.
func (c *channelConn) readLoop() {
	defer close(c.events)
	var acc []byte
	buf := make([]byte, 4096)
	for {
		for {
			_, _, remainingLength, hn, err := packets.DecodeHeader(acc)
			if err == packets.ErrDataTooShort {
				break
			}
			if err != nil {
				if len(acc) > 0 {
					if !c.emit(channel.Event{Kind: channel.EventIncomingData, Data: acc}) {
						return
					}
					acc = nil
				}
				break
			}
			total := hn + int(remainingLength)
			if len(acc) < total {
				break
			}
			frame := append([]byte(nil), acc[:total]...)
			if !c.emit(channel.Event{Kind: channel.EventIncomingData, Data: frame}) {
				return
			}
			acc = acc[total:]
		}

		n, err := c.conn.Read(buf)
		if n > 0 {
			acc = append(acc, buf[:n]...)
		}
		if err != nil {
			select {
			case <-c.done:
			default:
				if len(acc) > 0 {
					c.emit(channel.Event{Kind: channel.EventIncomingData, Data: acc})
				}
				if err == io.EOF {
					c.emit(channel.Event{Kind: channel.EventClosed})
				} else {
					c.emit(channel.Event{Kind: channel.EventError, Err: &channel.TransportError{Err: err}})
				}
			}
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
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	_, err := c.conn.Write(b)
	if err != nil {
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
