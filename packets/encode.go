package packets

import "errors"

// Encode appends the wire encoding of p to dst and returns the result.
// Encode is a pure function: it performs no I/O and never blocks.
func Encode(dst []byte, p Packet) ([]byte, error) {
	switch pk := p.(type) {
	case ConnectPacket:
		return encodeConnect(dst, pk)
	case PublishPacket:
		return encodePublish(dst, pk)
	case PubAckPacket:
		return encodeIDOnly(dst, TypePubAck, pk.PacketID)
	case PubRecPacket:
		return encodeIDOnly(dst, TypePubRec, pk.PacketID)
	case PubRelPacket:
		return encodeIDOnly(dst, TypePubRel, pk.PacketID)
	case PubCompPacket:
		return encodeIDOnly(dst, TypePubComp, pk.PacketID)
	case UnsubAckPacket:
		return encodeIDOnly(dst, TypeUnsubAck, pk.PacketID)
	case SubscribePacket:
		return encodeSubscribe(dst, pk)
	case UnsubscribePacket:
		return encodeUnsubscribe(dst, pk)
	case PingReqPacket:
		return encodeHeader(dst, TypePingReq, flagsZero, 0), nil
	case DisconnectPacket:
		return encodeHeader(dst, TypeDisconnect, flagsZero, 0), nil
	case ConnAckPacket:
		return encodeConnAck(dst, pk)
	case SubAckPacket:
		return encodeSubAck(dst, pk)
	case PingRespPacket:
		return encodeHeader(dst, TypePingResp, flagsZero, 0), nil
	default:
		return dst, errors.New("packets: unknown packet type for Encode")
	}
}

// encodeConnect does not reject an empty p.ClientID: server-assigned client
// ids are a valid CONNECT, and enforcement of non-empty ids is a server
// policy, not a wire-format constraint.
func encodeConnect(dst []byte, p ConnectPacket) ([]byte, error) {
	const connectFlagsCleanSession = 0x02
	remaining := stringSize("MQTT") + 1 + 1 + 2 + stringSize(p.ClientID)
	dst = encodeHeader(dst, TypeConnect, flagsZero, uint32(remaining))
	dst = encodeString(dst, "MQTT")
	dst = append(dst, 4, connectFlagsCleanSession)
	dst = append(dst, byte(p.KeepAliveSeconds>>8), byte(p.KeepAliveSeconds))
	dst = encodeString(dst, p.ClientID)
	return dst, nil
}

func encodeConnAck(dst []byte, p ConnAckPacket) ([]byte, error) {
	dst = encodeHeader(dst, TypeConnAck, flagsZero, 2)
	var sp byte
	if p.SessionPresent {
		sp = 1
	}
	dst = append(dst, sp)
	if p.Err == nil {
		dst = append(dst, 0)
		return dst, nil
	}
	ce, ok := p.Err.(ConnectError)
	if !ok {
		return dst, errors.New("packets: ConnAckPacket.Err must be a ConnectError")
	}
	dst = append(dst, byte(ce))
	return dst, nil
}

func encodePublish(dst []byte, p PublishPacket) ([]byte, error) {
	if err := p.Data.Validate(); err != nil {
		return dst, err
	}
	m := p.Data.Message
	remaining := stringSize(m.Topic) + len(m.Payload)
	if p.Data.HasPacketID() {
		remaining += 2
	}
	flags := publishFlags(p.Data.Dup, m.QoS, m.Retain)
	dst = encodeHeader(dst, TypePublish, flags, uint32(remaining))
	dst = encodeString(dst, m.Topic)
	if p.Data.HasPacketID() {
		dst = append(dst, byte(p.Data.PacketID>>8), byte(p.Data.PacketID))
	}
	dst = append(dst, m.Payload...)
	return dst, nil
}

func encodeIDOnly(dst []byte, typ PacketType, id uint16) ([]byte, error) {
	dst = encodeHeader(dst, typ, fixedFlagsFor(typ), 2)
	dst = append(dst, byte(id>>8), byte(id))
	return dst, nil
}

func encodeSubscribe(dst []byte, p SubscribePacket) ([]byte, error) {
	if len(p.Requests) == 0 {
		return dst, ErrEmptySubscribe
	}
	remaining := 2
	for _, r := range p.Requests {
		remaining += stringSize(r.Filter) + 1
	}
	dst = encodeHeader(dst, TypeSubscribe, fixedFlagsFor(TypeSubscribe), uint32(remaining))
	dst = append(dst, byte(p.PacketID>>8), byte(p.PacketID))
	for _, r := range p.Requests {
		dst = encodeString(dst, r.Filter)
		dst = append(dst, byte(r.QoS&0x3))
	}
	return dst, nil
}

func encodeSubAck(dst []byte, p SubAckPacket) ([]byte, error) {
	remaining := 2 + len(p.Results)
	dst = encodeHeader(dst, TypeSubAck, flagsZero, uint32(remaining))
	dst = append(dst, byte(p.PacketID>>8), byte(p.PacketID))
	for _, r := range p.Results {
		if r.Failed {
			dst = append(dst, 0x80)
			continue
		}
		dst = append(dst, byte(r.Granted&0x3))
	}
	return dst, nil
}

func encodeUnsubscribe(dst []byte, p UnsubscribePacket) ([]byte, error) {
	if len(p.Filters) == 0 {
		return dst, ErrEmptyUnsubscribe
	}
	remaining := 2
	for _, f := range p.Filters {
		remaining += stringSize(f)
	}
	dst = encodeHeader(dst, TypeUnsubscribe, fixedFlagsFor(TypeUnsubscribe), uint32(remaining))
	dst = append(dst, byte(p.PacketID>>8), byte(p.PacketID))
	for _, f := range p.Filters {
		dst = encodeString(dst, f)
	}
	return dst, nil
}
