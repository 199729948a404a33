package client

import "time"

// ConnectOptions configures a Client's identity and liveness timing.
// Sessions are always clean in this revision: there is no persisted-state
// option to set.
type ConnectOptions struct {
	// ClientID identifies this client to the server. If empty, Start
	// generates one via internal/clientid.
	ClientID string
	// KeepAliveSeconds is the maximum idle interval the client promises
	// the server it will not exceed without sending a packet or a
	// PINGREQ. Encoded on the wire as-is.
	KeepAliveSeconds uint16
	// ServerTimeout bounds how long the client waits for a PINGRESP
	// before declaring the connection dead.
	ServerTimeout time.Duration
	// PersistOutbound, if set, is called with a snapshot of the
	// outbound-unacked table after every insertion or removal. It has no
	// effect on delivery; this revision does not resend from the table.
	PersistOutbound PersistOutbound
}

func (o ConnectOptions) keepAliveDuration() time.Duration {
	return time.Duration(o.KeepAliveSeconds) * time.Second
}
