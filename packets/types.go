package packets

// QoS is the MQTT Quality of Service level requested for a publish or a
// subscription.
type QoS uint8

const (
	// AtMostOnce delivers a message zero or one times, with no acknowledgment.
	AtMostOnce QoS = iota
	// AtLeastOnce delivers a message one or more times, acknowledged by PUBACK.
	AtLeastOnce
	// ExactlyOnce delivers a message exactly once, via the PUBREC/PUBREL/PUBCOMP exchange.
	ExactlyOnce
)

// IsValid reports whether q is one of the three MQTT 3.1.1 QoS levels.
func (q QoS) IsValid() bool { return q <= ExactlyOnce }

func (q QoS) String() string {
	switch q {
	case AtMostOnce:
		return "QoS0"
	case AtLeastOnce:
		return "QoS1"
	case ExactlyOnce:
		return "QoS2"
	default:
		return "invalid QoS"
	}
}

// MessageData is the application-level content of a PUBLISH packet,
// independent of the dup flag and packet identifier that only apply to the
// outbound/inbound framing of a particular delivery attempt.
type MessageData struct {
	Topic   string
	Payload []byte
	QoS     QoS
	Retain  bool
}

// PublishData is a PUBLISH packet's full content, including the framing
// fields (Dup, PacketID) that MessageData itself does not carry.
//
// Invariant: Dup is false and PacketID is 0 if and only if QoS is
// AtMostOnce; for QoS 1 and 2, PacketID is non-zero.
type PublishData struct {
	Message  MessageData
	Dup      bool
	PacketID uint16
}

// HasPacketID reports whether this publish carries a non-zero packet
// identifier, i.e. whether Message.QoS is not AtMostOnce.
func (p PublishData) HasPacketID() bool { return p.Message.QoS != AtMostOnce }

// Validate checks the Dup/PacketID invariant documented on PublishData.
func (p PublishData) Validate() error {
	if p.Message.QoS == AtMostOnce {
		if p.Dup {
			return errDupOnQoS0
		}
		if p.PacketID != 0 {
			return errPacketIDOnQoS0
		}
		return nil
	}
	if p.PacketID == 0 {
		return errGotZeroPacketID
	}
	return nil
}

// SubscribeRequest is one topic filter / desired QoS pair within a
// SUBSCRIBE packet.
type SubscribeRequest struct {
	Filter string
	QoS    QoS
}

// SubscribeResult is the server's per-filter outcome reported in a SUBACK
// packet: either the granted QoS, or a failure.
type SubscribeResult struct {
	Granted QoS
	Failed  bool
}

// Success builds a successful SubscribeResult for the given granted QoS.
func Success(qos QoS) SubscribeResult { return SubscribeResult{Granted: qos} }

// Failure builds a failed SubscribeResult.
func Failure() SubscribeResult { return SubscribeResult{Failed: true} }

// ConnectError is the wire-level CONNACK return code for an unsuccessful
// connection attempt, as defined by MQTT 3.1.1 section 3.2.2.3.
type ConnectError uint8

const (
	ErrUnacceptableProtocolVersion ConnectError = 1
	ErrIdentifierRefused          ConnectError = 2
	ErrServerUnavailable          ConnectError = 3
	ErrBadUsernameOrPassword      ConnectError = 4
	ErrNotAuthorized              ConnectError = 5
)

func (e ConnectError) Error() string {
	switch e {
	case ErrUnacceptableProtocolVersion:
		return "unacceptable protocol version"
	case ErrIdentifierRefused:
		return "client identifier refused"
	case ErrServerUnavailable:
		return "server unavailable"
	case ErrBadUsernameOrPassword:
		return "bad username or password"
	case ErrNotAuthorized:
		return "not authorized"
	default:
		return "unknown connect error"
	}
}

// connectErrorFromWire maps a CONNACK return code byte (1..5) to a
// ConnectError. The caller must have already verified code is in range.
func connectErrorFromWire(code byte) ConnectError { return ConnectError(code) }
