package client

import (
	"context"
	"time"

	"github.com/sbergen/gomqtt/channel"
	"github.com/sbergen/gomqtt/packets"
	"go.uber.org/zap"
)

// engine is the state the run goroutine owns exclusively. No field here
// is touched from any other goroutine; Client's exported methods only
// ever communicate with it through the requests/stop/closed channels.
type engine struct {
	*Client

	state          connState
	enc            *channel.EncodedChannel
	sessionPresent bool

	nextPacketID    uint16
	pendingSubs     map[uint16]pendingSubscription
	pendingUnsubs   map[uint16]chan error
	outboundUnacked map[uint16]outboundPublish
	inboundQoS2     map[uint16]struct{}

	connectReply chan connectReply

	// While Connected with a non-zero keep-alive, exactly one of pingTimer/
	// disconnectTimer is armed at any time (neither when KeepAliveSeconds is
	// 0): pingTimer while idle, counting down to the next PINGREQ;
	// disconnectTimer after a PINGREQ has gone out, counting down to giving
	// up on the PINGRESP.
	pingTimer       *time.Timer
	disconnectTimer *time.Timer
	pingSentAt      time.Time
}

func (e *engine) run() {
	e.pendingSubs = make(map[uint16]pendingSubscription)
	e.pendingUnsubs = make(map[uint16]chan error)
	e.outboundUnacked = make(map[uint16]outboundPublish)
	e.inboundQoS2 = make(map[uint16]struct{})

	for {
		select {
		case req := <-e.requests:
			e.handleRequest(req)
		case ev, ok := <-e.encodedEvents():
			e.handleEncodedEvent(ev, ok)
		case <-timerC(e.pingTimer):
			e.handlePingFired()
		case <-timerC(e.disconnectTimer):
			e.teardown(errPingResponseTimedOut)
		case <-e.stop:
			e.teardownFinal()
			return
		}
	}
}

// encodedEvents returns the active connection's event stream, or nil
// (which blocks forever in a select) when there is no connection.
func (e *engine) encodedEvents() <-chan channel.EncodedEvent {
	if e.enc == nil {
		return nil
	}
	return e.enc.Events()
}

func (e *engine) handleRequest(req any) {
	switch r := req.(type) {
	case connectRequest:
		e.handleConnect(r)
	case publishRequest:
		e.handlePublish(r)
	case subscribeRequestMsg:
		e.handleSubscribe(r)
	case unsubscribeRequestMsg:
		e.handleUnsubscribe(r)
	case disconnectRequest:
		e.handleDisconnectRequest()
	}
}

func (e *engine) handleConnect(r connectRequest) {
	switch e.state {
	case stateConnected:
		r.reply <- connectReply{sessionPresent: e.sessionPresent}
	case stateConnecting:
		r.reply <- connectReply{err: ErrConnectInProgress}
	case stateIdle:
		if e.metrics != nil {
			e.metrics.ConnectAttempts.Inc()
		}
		ch, err := e.dial(r.ctx)
		if err != nil {
			r.reply <- connectReply{err: err}
			return
		}
		e.enc = channel.Wrap(ch)
		e.state = stateConnecting
		e.connectReply = r.reply
		pkt := packets.ConnectPacket{ClientID: e.opts.ClientID, KeepAliveSeconds: e.opts.KeepAliveSeconds}
		if err := e.sendPacket(r.ctx, pkt); err != nil {
			e.teardown(err)
			return
		}
		if e.opts.KeepAliveSeconds > 0 {
			e.armPingTimer()
		}
	}
}

// handlePublish replies to r.reply as soon as the packet is handed to the
// channel, for every QoS: spec.md §4.4/§6 reply Ok(()) on "bytes handed to
// channel," not on broker acknowledgement. QoS1/QoS2 exchanges are still
// tracked in outboundUnacked afterward, but purely as the resend
// bookkeeping spec.md §9 describes — nothing reads that table to decide
// what to reply to the caller.
func (e *engine) handlePublish(r publishRequest) {
	// Valid in Connected and ConnectingToServer: a publish issued while the
	// CONNACK is still in flight is queued onto the wire immediately, same as
	// one issued once connected.
	if e.state != stateConnected && e.state != stateConnecting {
		r.reply <- ErrNotConnected
		return
	}
	ctx := context.Background()
	if r.data.Message.QoS != packets.AtMostOnce {
		r.data.PacketID = e.allocatePacketID()
	}
	err := e.sendPacket(ctx, packets.PublishPacket{Data: r.data})
	if err != nil {
		r.reply <- &PublishError{Err: err}
		return
	}
	r.reply <- nil
	if r.data.Message.QoS != packets.AtMostOnce {
		e.outboundUnacked[r.data.PacketID] = outboundPublish{data: r.data}
		e.persist()
	}
}

func (e *engine) handleSubscribe(r subscribeRequestMsg) {
	if e.state != stateConnected {
		r.reply <- subscribeReply{err: ErrNotConnected}
		return
	}
	id := e.allocatePacketID()
	e.pendingSubs[id] = pendingSubscription{reqs: r.reqs, reply: r.reply}
	e.setPendingGauge()
	pkt := packets.SubscribePacket{PacketID: id, Requests: r.reqs}
	if err := e.sendPacket(context.Background(), pkt); err != nil {
		delete(e.pendingSubs, id)
		e.setPendingGauge()
		r.reply <- subscribeReply{err: err}
	}
}

func (e *engine) handleUnsubscribe(r unsubscribeRequestMsg) {
	if e.state != stateConnected {
		r.reply <- ErrNotConnected
		return
	}
	id := e.allocatePacketID()
	e.pendingUnsubs[id] = r.reply
	e.setPendingGauge()
	pkt := packets.UnsubscribePacket{PacketID: id, Filters: r.filters}
	if err := e.sendPacket(context.Background(), pkt); err != nil {
		delete(e.pendingUnsubs, id)
		e.setPendingGauge()
		r.reply <- err
	}
}

func (e *engine) handleDisconnectRequest() {
	switch e.state {
	case stateIdle:
		return
	case stateConnecting:
		e.teardown(ErrDisconnectRequested)
	case stateConnected:
		e.sendPacket(context.Background(), packets.DisconnectPacket{})
		e.teardown(nil)
	}
}

func (e *engine) handleEncodedEvent(ev channel.EncodedEvent, ok bool) {
	if !ok {
		e.teardown(errClosedByPeer)
		return
	}
	switch ev.Kind {
	case channel.EncodedPacketsReceived:
		for _, p := range ev.Packets {
			e.handlePacket(p)
		}
		if ev.Err != nil {
			e.teardown(ev.Err)
		}
	case channel.EncodedClosed:
		e.teardown(errClosedByPeer)
	case channel.EncodedError:
		e.teardown(ev.Err)
	}
}

func (e *engine) handlePacket(p packets.Packet) {
	if e.metrics != nil {
		e.metrics.PacketsReceived.WithLabelValues(p.Type().String()).Inc()
	}
	switch pkt := p.(type) {
	case packets.ConnAckPacket:
		e.handleConnAck(pkt)
	case packets.PublishPacket:
		e.handleInboundPublish(pkt.Data)
	case packets.PubAckPacket:
		e.completeOutbound(pkt.PacketID)
	case packets.PubRecPacket:
		e.handlePubRec(pkt.PacketID)
	case packets.PubCompPacket:
		e.completeOutbound(pkt.PacketID)
	case packets.PubRelPacket:
		e.handlePubRel(pkt.PacketID)
	case packets.SubAckPacket:
		pending, ok := e.pendingSubs[pkt.PacketID]
		if !ok {
			e.teardown(errProtocolViolation)
			return
		}
		delete(e.pendingSubs, pkt.PacketID)
		e.setPendingGauge()
		if len(pkt.Results) != len(pending.reqs) {
			pending.reply <- subscribeReply{err: errProtocolViolation}
			e.teardown(errProtocolViolation)
			return
		}
		pending.reply <- subscribeReply{results: pkt.Results}
	case packets.UnsubAckPacket:
		reply, ok := e.pendingUnsubs[pkt.PacketID]
		if !ok {
			e.teardown(errProtocolViolation)
			return
		}
		delete(e.pendingUnsubs, pkt.PacketID)
		e.setPendingGauge()
		reply <- nil
	case packets.PingRespPacket:
		if e.disconnectTimer != nil {
			e.disconnectTimer.Stop()
			e.disconnectTimer = nil
		}
		if e.opts.KeepAliveSeconds > 0 {
			// Next ping is scheduled relative to when this PINGREQ was
			// sent, not to now, per the keep-alive scenario's literal
			// wording: a PingResp arriving quickly must not buy extra
			// idle time beyond one keep-alive interval from the ping.
			remaining := e.opts.keepAliveDuration() - time.Since(e.pingSentAt)
			if remaining < 0 {
				remaining = 0
			}
			e.pingTimer = time.NewTimer(remaining)
		}
	default:
		e.teardown(errProtocolViolation)
	}
}

func (e *engine) handleConnAck(pkt packets.ConnAckPacket) {
	if e.state != stateConnecting {
		e.teardown(errProtocolViolation)
		return
	}
	reply := e.connectReply
	e.connectReply = nil
	if pkt.Err != nil {
		ce := fromWireConnectError(pkt.Err.(packets.ConnectError))
		if e.metrics != nil {
			e.metrics.ConnectFailures.Inc()
		}
		if reply != nil {
			reply <- connectReply{err: ce}
		}
		e.teardown(ce)
		return
	}
	e.state = stateConnected
	e.sessionPresent = pkt.SessionPresent
	e.logger().Info("connected", zap.Bool("session_present", pkt.SessionPresent))
	if reply != nil {
		reply <- connectReply{sessionPresent: pkt.SessionPresent}
	}
	e.deliver(connectAcceptedUpdate(pkt.SessionPresent))
}

func (e *engine) handleInboundPublish(data packets.PublishData) {
	switch data.Message.QoS {
	case packets.AtMostOnce:
		e.deliver(receivedMessageUpdate(data.Message.Topic, data.Message.Payload, data.Message.Retain))
	case packets.AtLeastOnce:
		e.deliver(receivedMessageUpdate(data.Message.Topic, data.Message.Payload, data.Message.Retain))
		e.sendPacket(context.Background(), packets.PubAckPacket{PacketID: data.PacketID})
	case packets.ExactlyOnce:
		if _, seen := e.inboundQoS2[data.PacketID]; !seen {
			e.inboundQoS2[data.PacketID] = struct{}{}
			e.deliver(receivedMessageUpdate(data.Message.Topic, data.Message.Payload, data.Message.Retain))
		}
		e.sendPacket(context.Background(), packets.PubRecPacket{PacketID: data.PacketID})
	}
}

func (e *engine) handlePubRec(id uint16) {
	if _, ok := e.outboundUnacked[id]; !ok {
		return
	}
	e.sendPacket(context.Background(), packets.PubRelPacket{PacketID: id})
}

func (e *engine) handlePubRel(id uint16) {
	if _, ok := e.inboundQoS2[id]; ok {
		delete(e.inboundQoS2, id)
	}
	e.sendPacket(context.Background(), packets.PubCompPacket{PacketID: id})
}

func (e *engine) completeOutbound(id uint16) {
	if _, ok := e.outboundUnacked[id]; !ok {
		return
	}
	delete(e.outboundUnacked, id)
	e.persist()
}

// persist calls the caller-supplied PersistOutbound hook, if any, with a
// snapshot of the outbound-unacked table.
func (e *engine) persist() {
	if e.opts.PersistOutbound == nil {
		return
	}
	snapshot := make(map[uint16]packets.PublishData, len(e.outboundUnacked))
	for id, entry := range e.outboundUnacked {
		snapshot[id] = entry.data
	}
	e.opts.PersistOutbound(snapshot)
}

// handlePingFired sends a PINGREQ and arms the disconnect timer in its
// place, preserving the invariant that exactly one of pingTimer/
// disconnectTimer is armed while Connected: pingTimer is cleared first so
// sendPacket's own resetPingTimer call (every outbound packet postpones
// the next ping) is a no-op for this particular send. A send failure on a
// liveness-critical packet force-disconnects immediately, per spec.md
// §4.5, rather than waiting for disconnectTimer to notice.
func (e *engine) handlePingFired() {
	e.pingTimer = nil
	e.pingSentAt = time.Now()
	if err := e.sendPacket(context.Background(), packets.PingReqPacket{}); err != nil {
		e.teardown(err)
		return
	}
	e.disconnectTimer = time.NewTimer(e.opts.ServerTimeout)
}

func (e *engine) armPingTimer() {
	e.pingTimer = time.NewTimer(e.opts.keepAliveDuration())
}

// resetPingTimer postpones the next scheduled PINGREQ, called after every
// successful outbound send while keep-alive is active. It is a no-op while
// awaiting a PINGRESP (pingTimer is nil during that window), which is what
// keeps pingTimer and disconnectTimer mutually exclusive.
func (e *engine) resetPingTimer() {
	if e.pingTimer == nil {
		return
	}
	e.pingTimer.Stop()
	e.armPingTimer()
}

// teardown aborts the current connection attempt or connection, notifying
// every waiter and emitting exactly one Update, then returns the engine
// to stateIdle so a future Connect can start fresh. err is nil for a
// caller-requested graceful disconnect.
func (e *engine) teardown(err error) {
	wasConnecting := e.state == stateConnecting
	wasConnected := e.state == stateConnected
	if wasConnecting || wasConnected {
		fields := []zap.Field{zap.String("client_id", e.opts.ClientID), zap.Error(err), zap.Bool("was_connected", wasConnected)}
		if err == nil {
			e.logger().Info("disconnected", fields...)
		} else {
			e.logger().Warn("tearing down connection", fields...)
		}
	}

	// err is nil only for a caller-requested graceful disconnect; waiters
	// still need a concrete error rather than a nil one they might wrap.
	replyErr := err
	if replyErr == nil {
		replyErr = ErrNotConnected
	}

	if e.connectReply != nil {
		e.connectReply <- connectReply{err: replyErr}
		e.connectReply = nil
	}
	for id, pending := range e.pendingSubs {
		pending.reply <- subscribeReply{err: ErrSubscribeFailed}
		delete(e.pendingSubs, id)
	}
	for id, reply := range e.pendingUnsubs {
		reply <- ErrUnsubscribeFailed
		delete(e.pendingUnsubs, id)
	}
	e.outboundUnacked = make(map[uint16]outboundPublish)
	e.persist()
	e.inboundQoS2 = make(map[uint16]struct{})
	e.setPendingGauge()

	if e.pingTimer != nil {
		e.pingTimer.Stop()
		e.pingTimer = nil
	}
	if e.disconnectTimer != nil {
		e.disconnectTimer.Stop()
		e.disconnectTimer = nil
	}
	if e.enc != nil {
		e.enc.Shutdown()
		e.enc = nil
	}

	// Every teardown path emits Disconnected, matching the engine's
	// transition table: ConnectFailed is a documented Update variant that
	// this revision's state machine never triggers (see DESIGN.md).
	if wasConnecting || wasConnected {
		if wasConnected && e.metrics != nil {
			e.metrics.Reconnects.Inc()
		}
		e.deliver(disconnectedUpdate())
	}
	e.state = stateIdle
	e.sessionPresent = false
}

// teardownFinal runs when the Client is being closed entirely: it tears
// down any live connection but does not emit an Update, since nothing
// will read from c.updates once run returns.
func (e *engine) teardownFinal() {
	if e.state != stateIdle {
		if e.enc != nil {
			e.enc.Shutdown()
		}
	}
	for _, pending := range e.pendingSubs {
		pending.reply <- subscribeReply{err: ErrKilled}
	}
	for _, reply := range e.pendingUnsubs {
		reply <- ErrKilled
	}
	if e.connectReply != nil {
		e.connectReply <- connectReply{err: ErrKilled}
	}
	if e.pingTimer != nil {
		e.pingTimer.Stop()
	}
	if e.disconnectTimer != nil {
		e.disconnectTimer.Stop()
	}
}

func (e *engine) deliver(u Update) {
	if e.updates == nil {
		return
	}
	select {
	case e.updates <- u:
	case <-e.stop:
	}
}

func (e *engine) sendPacket(ctx context.Context, p packets.Packet) error {
	if e.enc == nil {
		return ErrNotConnected
	}
	err := e.enc.Send(ctx, p)
	if err == nil {
		e.resetPingTimer()
		if e.metrics != nil {
			e.metrics.PacketsSent.WithLabelValues(p.Type().String()).Inc()
		}
	}
	return err
}

func (e *engine) setPendingGauge() {
	if e.metrics == nil {
		return
	}
	e.metrics.PendingRequests.Set(float64(len(e.pendingSubs) + len(e.pendingUnsubs)))
}

func (e *engine) logger() *zap.Logger {
	if e.log == nil {
		return zap.NewNop()
	}
	return e.log
}

// allocatePacketID returns a packet identifier not currently in use by any
// outbound request this engine is waiting on a reply for, checking all four
// tables: pendingSubs, pendingUnsubs, outboundUnacked, and inboundQoS2. The
// peer assigns inbound QoS2 ids independently of ours, but a single id space
// is shared on the wire, so an id that collides with one we're still
// tracking for a peer-initiated exchange must not be handed out either.
func (e *engine) allocatePacketID() uint16 {
	for {
		e.nextPacketID++
		if e.nextPacketID == 0 {
			e.nextPacketID = 1
		}
		id := e.nextPacketID
		if _, ok := e.pendingSubs[id]; ok {
			continue
		}
		if _, ok := e.pendingUnsubs[id]; ok {
			continue
		}
		if _, ok := e.outboundUnacked[id]; ok {
			continue
		}
		if _, ok := e.inboundQoS2[id]; ok {
			continue
		}
		return id
	}
}
