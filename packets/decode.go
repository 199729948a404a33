package packets

// DecodePacket decodes one complete packet from the start of buf. On
// success it returns the packet and the unconsumed suffix of buf. If buf
// does not yet contain a complete packet it returns ErrDataTooShort and the
// caller should retry once more bytes have arrived; any other error is
// fatal to the connection the bytes came from.
func DecodePacket(buf []byte) (Packet, []byte, error) {
	typ, flags, remainingLength, hn, err := DecodeHeader(buf)
	if err != nil {
		return nil, buf, err
	}
	total := hn + int(remainingLength)
	if len(buf) < total {
		return nil, buf, ErrDataTooShort
	}
	body := buf[hn:total]
	leftover := buf[total:]

	p, err := decodeBody(typ, flags, body)
	if err != nil {
		return nil, buf, err
	}
	return p, leftover, nil
}

// DecodeMany decodes as many complete packets as possible from the start
// of buf, stopping at the first incomplete packet. It returns every packet
// decoded, plus the unconsumed suffix of buf as leftover. Any error other
// than running out of complete packets is propagated immediately and no
// further packets are decoded.
func DecodeMany(buf []byte) ([]Packet, []byte, error) {
	var packets []Packet
	for {
		p, rest, err := DecodePacket(buf)
		if err == ErrDataTooShort {
			return packets, buf, nil
		}
		if err != nil {
			return packets, buf, err
		}
		packets = append(packets, p)
		buf = rest
	}
}

func decodeBody(typ PacketType, flags byte, body []byte) (Packet, error) {
	switch typ {
	case TypeConnAck:
		return decodeConnAck(body)
	case TypePublish:
		return decodePublish(flags, body)
	case TypePubAck:
		id, err := decodeIDOnly(body)
		return PubAckPacket{PacketID: id}, err
	case TypePubRec:
		id, err := decodeIDOnly(body)
		return PubRecPacket{PacketID: id}, err
	case TypePubRel:
		id, err := decodeIDOnly(body)
		return PubRelPacket{PacketID: id}, err
	case TypePubComp:
		id, err := decodeIDOnly(body)
		return PubCompPacket{PacketID: id}, err
	case TypeUnsubAck:
		id, err := decodeIDOnly(body)
		return UnsubAckPacket{PacketID: id}, err
	case TypeSubAck:
		return decodeSubAck(body)
	case TypePingResp:
		if len(body) != 0 {
			return nil, ErrInvalidData
		}
		return PingRespPacket{}, nil
	case TypeConnect:
		return decodeConnect(body)
	case TypeSubscribe:
		return decodeSubscribe(body)
	case TypeUnsubscribe:
		return decodeUnsubscribe(body)
	case TypePingReq:
		if len(body) != 0 {
			return nil, ErrInvalidData
		}
		return PingReqPacket{}, nil
	case TypeDisconnect:
		if len(body) != 0 {
			return nil, ErrInvalidData
		}
		return DisconnectPacket{}, nil
	default:
		return nil, &InvalidPacketIdentifier{Got: byte(typ) << 4}
	}
}

func decodeIDOnly(body []byte) (uint16, error) {
	if len(body) != 2 {
		return 0, ErrInvalidData
	}
	return uint16(body[0])<<8 | uint16(body[1]), nil
}

func decodeConnAck(body []byte) (Packet, error) {
	if len(body) != 2 {
		return nil, ErrInvalidData
	}
	ackFlags, code := body[0], body[1]
	if ackFlags&^1 != 0 {
		return nil, ErrInvalidData
	}
	p := ConnAckPacket{SessionPresent: ackFlags&1 != 0}
	switch {
	case code == 0:
		p.Err = nil
	case code >= 1 && code <= 5:
		p.Err = connectErrorFromWire(code)
	default:
		return nil, ErrInvalidData
	}
	return p, nil
}

func decodePublish(flags byte, body []byte) (Packet, error) {
	qos := QoS((flags >> 1) & 0x3)
	dup := flags&(1<<3) != 0
	retain := flags&1 != 0
	if qos > ExactlyOnce {
		return nil, ErrInvalidData
	}
	topic, n, err := decodeString(body)
	if err != nil {
		return nil, err
	}
	body = body[n:]
	var id uint16
	if qos != AtMostOnce {
		if len(body) < 2 {
			return nil, ErrInvalidData
		}
		id = uint16(body[0])<<8 | uint16(body[1])
		body = body[2:]
	}
	payload := append([]byte(nil), body...)
	return PublishPacket{Data: PublishData{
		Message:  MessageData{Topic: topic, Payload: payload, QoS: qos, Retain: retain},
		Dup:      dup,
		PacketID: id,
	}}, nil
}

func decodeSubAck(body []byte) (Packet, error) {
	if len(body) < 2 {
		return nil, ErrInvalidData
	}
	id := uint16(body[0])<<8 | uint16(body[1])
	codes := body[2:]
	if len(codes) == 0 {
		return nil, ErrInvalidData
	}
	results := make([]SubscribeResult, len(codes))
	for i, c := range codes {
		switch c {
		case 0x00, 0x01, 0x02:
			results[i] = Success(QoS(c))
		case 0x80:
			results[i] = Failure()
		default:
			return nil, ErrInvalidData
		}
	}
	return SubAckPacket{PacketID: id, Results: results}, nil
}

func decodeConnect(body []byte) (Packet, error) {
	proto, n, err := decodeString(body)
	if err != nil {
		return nil, err
	}
	body = body[n:]
	if proto != "MQTT" || len(body) < 4 {
		return nil, ErrInvalidData
	}
	// body[0] = protocol level, body[1] = connect flags (ignored: this
	// codec only needs to round-trip what this client itself sends).
	keepAlive := uint16(body[2])<<8 | uint16(body[3])
	body = body[4:]
	clientID, _, err := decodeString(body)
	if err != nil {
		return nil, err
	}
	return ConnectPacket{ClientID: clientID, KeepAliveSeconds: keepAlive}, nil
}

func decodeSubscribe(body []byte) (Packet, error) {
	if len(body) < 2 {
		return nil, ErrInvalidData
	}
	id := uint16(body[0])<<8 | uint16(body[1])
	body = body[2:]
	var reqs []SubscribeRequest
	for len(body) > 0 {
		filter, n, err := decodeString(body)
		if err != nil {
			return nil, err
		}
		body = body[n:]
		if len(body) < 1 {
			return nil, ErrInvalidData
		}
		reqs = append(reqs, SubscribeRequest{Filter: filter, QoS: QoS(body[0] & 0x3)})
		body = body[1:]
	}
	if len(reqs) == 0 {
		return nil, ErrEmptySubscribe
	}
	return SubscribePacket{PacketID: id, Requests: reqs}, nil
}

func decodeUnsubscribe(body []byte) (Packet, error) {
	if len(body) < 2 {
		return nil, ErrInvalidData
	}
	id := uint16(body[0])<<8 | uint16(body[1])
	body = body[2:]
	var filters []string
	for len(body) > 0 {
		filter, n, err := decodeString(body)
		if err != nil {
			return nil, err
		}
		body = body[n:]
		filters = append(filters, filter)
	}
	if len(filters) == 0 {
		return nil, ErrEmptyUnsubscribe
	}
	return UnsubscribePacket{PacketID: id, Filters: filters}, nil
}
