package packets

// Packet is implemented by every concrete MQTT control packet type this
// codec knows how to encode or decode.
type Packet interface {
	Type() PacketType
}

// ConnectPacket is the client's request to open a session. This client
// always connects with a clean session, so CleanSession is not
// configurable here; see SPEC_FULL.md §6 for the fixed CONNECT flags.
type ConnectPacket struct {
	ClientID         string
	KeepAliveSeconds uint16
}

func (ConnectPacket) Type() PacketType { return TypeConnect }

// ConnAckPacket is the server's reply to CONNECT. Err is nil on success
// and a ConnectError on failure; SessionPresent is only meaningful when
// Err is nil.
type ConnAckPacket struct {
	SessionPresent bool
	Err            error
}

func (ConnAckPacket) Type() PacketType { return TypeConnAck }

// PublishPacket carries one application message, in either direction.
type PublishPacket struct {
	Data PublishData
}

func (PublishPacket) Type() PacketType { return TypePublish }

// PubAckPacket acknowledges a QoS1 PUBLISH.
type PubAckPacket struct{ PacketID uint16 }

func (PubAckPacket) Type() PacketType { return TypePubAck }

// PubRecPacket is the first acknowledgment of a QoS2 PUBLISH.
type PubRecPacket struct{ PacketID uint16 }

func (PubRecPacket) Type() PacketType { return TypePubRec }

// PubRelPacket is the second step of the QoS2 exchange.
type PubRelPacket struct{ PacketID uint16 }

func (PubRelPacket) Type() PacketType { return TypePubRel }

// PubCompPacket completes the QoS2 exchange.
type PubCompPacket struct{ PacketID uint16 }

func (PubCompPacket) Type() PacketType { return TypePubComp }

// SubscribePacket requests one or more topic filter subscriptions.
// Requests must be non-empty.
type SubscribePacket struct {
	PacketID uint16
	Requests []SubscribeRequest
}

func (SubscribePacket) Type() PacketType { return TypeSubscribe }

// SubAckPacket replies to a SubscribePacket, one SubscribeResult per
// requested filter, in request order.
type SubAckPacket struct {
	PacketID uint16
	Results  []SubscribeResult
}

func (SubAckPacket) Type() PacketType { return TypeSubAck }

// UnsubscribePacket requests removal of one or more subscriptions.
// Filters must be non-empty.
type UnsubscribePacket struct {
	PacketID uint16
	Filters  []string
}

func (UnsubscribePacket) Type() PacketType { return TypeUnsubscribe }

// UnsubAckPacket replies to an UnsubscribePacket.
type UnsubAckPacket struct{ PacketID uint16 }

func (UnsubAckPacket) Type() PacketType { return TypeUnsubAck }

// PingReqPacket requests liveness confirmation from the server.
type PingReqPacket struct{}

func (PingReqPacket) Type() PacketType { return TypePingReq }

// PingRespPacket confirms server liveness.
type PingRespPacket struct{}

func (PingRespPacket) Type() PacketType { return TypePingResp }

// DisconnectPacket is the client's graceful connection termination notice.
type DisconnectPacket struct{}

func (DisconnectPacket) Type() PacketType { return TypeDisconnect }
