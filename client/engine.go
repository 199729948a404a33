package client

import (
	"context"
	"sync"
	"time"

	"github.com/sbergen/gomqtt/channel"
	"github.com/sbergen/gomqtt/internal/clientid"
	"github.com/sbergen/gomqtt/internal/telemetry"
	"github.com/sbergen/gomqtt/packets"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DialFunc establishes the underlying byte transport a Client drives. It
// is supplied by the caller (typically via config.Dial) so this package
// never imports a concrete transport and cannot form an import cycle with
// transport/tcp or transport/ws.
type DialFunc func(ctx context.Context) (channel.Channel, error)

// connState is the engine's own view of the connection lifecycle. It is
// touched only from inside the run goroutine.
type connState int

const (
	stateIdle connState = iota
	stateConnecting
	stateConnected
)

type connectRequest struct {
	ctx   context.Context
	reply chan connectReply
}

type connectReply struct {
	sessionPresent bool
	err            error
}

type publishRequest struct {
	data  packets.PublishData
	reply chan error
}

type subscribeRequestMsg struct {
	reqs  []packets.SubscribeRequest
	reply chan subscribeReply
}

type subscribeReply struct {
	results []packets.SubscribeResult
	err     error
}

// pendingSubscription is what the engine keeps for a SUBSCRIBE awaiting its
// SUBACK: the original per-filter requests (needed to validate the SUBACK's
// return-code count) and the channel to reply to once it arrives.
type pendingSubscription struct {
	reqs  []packets.SubscribeRequest
	reply chan subscribeReply
}

type unsubscribeRequestMsg struct {
	filters []string
	reply   chan error
}

type disconnectRequest struct{}

// outboundPublish is a QoS1/QoS2 PUBLISH the engine has sent and is
// waiting on an ack for. The original Publish call has already been
// replied to by the time this entry exists (spec.md §4.4: the reply is
// "bytes handed to channel," not "ack received"); this table is pure
// bookkeeping for a future resend policy (§9), never a pending reply.
type outboundPublish struct {
	data packets.PublishData
}

// PersistOutbound, when set, is called on every insertion into or removal
// from the engine's outbound-unacked table. It is a hook for a future
// redelivery policy; this revision never resends from the table itself,
// per the explicit non-goal on reconnection/resend.
type PersistOutbound func(map[uint16]packets.PublishData)

// Client is a single MQTT connection driven by one background goroutine.
// All exported methods are safe to call concurrently; they communicate
// with the engine goroutine over channels rather than sharing memory.
type Client struct {
	opts    ConnectOptions
	dial    DialFunc
	updates chan<- Update
	metrics *telemetry.Metrics
	log     *zap.Logger

	requests chan any
	stop     chan struct{}

	eg        *errgroup.Group
	closeOnce sync.Once
	closed    chan struct{}
}

// Start launches the engine goroutine and returns immediately; the
// connection is not established until Connect is called. updates receives
// connection-state transitions and inbound application messages for the
// lifetime of the Client.
func Start(opts ConnectOptions, dial DialFunc, updates chan<- Update, metrics *telemetry.Metrics, log *zap.Logger) *Client {
	if opts.ClientID == "" {
		opts.ClientID = clientid.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	eg := &errgroup.Group{}
	c := &Client{
		opts:     opts,
		dial:     dial,
		updates:  updates,
		metrics:  metrics,
		log:      log,
		requests: make(chan any),
		stop:     make(chan struct{}),
		eg:       eg,
		closed:   make(chan struct{}),
	}
	eng := &engine{Client: c}
	eg.Go(func() error {
		eng.run()
		close(c.closed)
		return nil
	})
	return c
}

// Connect opens the connection and blocks until the server replies with a
// CONNACK, ctx is done, or the Client is closed. On ctx expiring, Connect
// itself requests a disconnect before returning ErrConnectTimedOut, per
// the public-API timeout contract: the engine itself never times out a
// connect attempt.
func (c *Client) Connect(ctx context.Context) (sessionPresent bool, err error) {
	reply := make(chan connectReply, 1)
	req := connectRequest{ctx: ctx, reply: reply}
	select {
	case c.requests <- req:
	case <-c.closed:
		return false, ErrKilled
	}
	select {
	case r := <-reply:
		return r.sessionPresent, r.err
	case <-ctx.Done():
		c.Disconnect()
		return false, ErrConnectTimedOut
	case <-c.closed:
		return false, ErrKilled
	}
}

// Publish sends one application message and returns as soon as the
// engine has handed the encoded packet to the channel, ctx is done, or
// the Client is closed — for every QoS, not only QoS0. A nil error means
// the bytes were sent, not that the broker has acknowledged delivery;
// QoS1/QoS2 acknowledgement happens asynchronously and is not observable
// through this call.
func (c *Client) Publish(ctx context.Context, msg packets.MessageData) error {
	data := packets.PublishData{Message: msg}
	reply := make(chan error, 1)
	select {
	case c.requests <- publishRequest{data: data, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return ErrKilled
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return ErrKilled
	}
}

// Subscribe requests one or more topic filter subscriptions and blocks
// for the SUBACK, ctx being done, or the Client closing.
func (c *Client) Subscribe(ctx context.Context, reqs []packets.SubscribeRequest) ([]packets.SubscribeResult, error) {
	reply := make(chan subscribeReply, 1)
	select {
	case c.requests <- subscribeRequestMsg{reqs: reqs, reply: reply}:
	case <-ctx.Done():
		return nil, ErrSubscribeFailed
	case <-c.closed:
		return nil, ErrKilled
	}
	select {
	case r := <-reply:
		return r.results, r.err
	case <-ctx.Done():
		return nil, ErrSubscribeFailed
	case <-c.closed:
		return nil, ErrKilled
	}
}

// Unsubscribe requests removal of one or more subscriptions and blocks
// for the UNSUBACK, ctx being done, or the Client closing.
func (c *Client) Unsubscribe(ctx context.Context, filters []string) error {
	reply := make(chan error, 1)
	select {
	case c.requests <- unsubscribeRequestMsg{filters: filters, reply: reply}:
	case <-ctx.Done():
		return ErrUnsubscribeFailed
	case <-c.closed:
		return ErrKilled
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ErrUnsubscribeFailed
	case <-c.closed:
		return ErrKilled
	}
}

// Disconnect requests a graceful shutdown of any active connection. It
// does not stop the engine goroutine; call Close to do that. Disconnect
// waits only until the engine goroutine accepts the request (or the Client
// is closed); it does not wait for the teardown to finish.
func (c *Client) Disconnect() {
	select {
	case c.requests <- disconnectRequest{}:
	case <-c.closed:
	}
}

// Close stops the engine goroutine and waits for it to exit. After Close
// returns, every pending and future call besides Close itself returns
// ErrKilled. Close is idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.stop)
	})
	return c.eg.Wait()
}

// timerC returns t's channel, or nil if t is nil, so a select case can be
// unconditionally included in the engine's loop and disabled simply by
// never arming the timer.
func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}
