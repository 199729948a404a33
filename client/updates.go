package client

// UpdateKind identifies which fields of an Update are meaningful.
type UpdateKind int

const (
	UpdateConnectionStateChanged UpdateKind = iota
	UpdateReceivedMessage
)

// ConnectionState is the sub-state carried by an
// UpdateConnectionStateChanged update.
type ConnectionState int

const (
	StateConnectAccepted ConnectionState = iota
	// StateConnectFailed is part of the documented Update surface but the
	// engine's state machine never emits it: every teardown path, rejected
	// CONNACK included, reports Disconnected. The direct Connect reply
	// still carries the specific connect error.
	StateConnectFailed
	StateDisconnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnectAccepted:
		return "ConnectAccepted"
	case StateConnectFailed:
		return "ConnectFailed"
	case StateDisconnected:
		return "Disconnected"
	default:
		return "unknown connection state"
	}
}

// Update is one asynchronous notification delivered to the channel passed
// to Start: either a connection-state transition or a received
// application message.
type Update struct {
	Kind UpdateKind

	// Valid when Kind == UpdateConnectionStateChanged.
	State          ConnectionState
	SessionPresent bool  // valid when State == StateConnectAccepted
	Err            error // valid when State == StateConnectFailed

	// Valid when Kind == UpdateReceivedMessage.
	Topic    string
	Payload  []byte
	Retained bool
}

func connectAcceptedUpdate(sessionPresent bool) Update {
	return Update{Kind: UpdateConnectionStateChanged, State: StateConnectAccepted, SessionPresent: sessionPresent}
}

func disconnectedUpdate() Update {
	return Update{Kind: UpdateConnectionStateChanged, State: StateDisconnected}
}

func receivedMessageUpdate(topic string, payload []byte, retained bool) Update {
	return Update{Kind: UpdateReceivedMessage, Topic: topic, Payload: payload, Retained: retained}
}
