// Package clientid generates default MQTT client identifiers for callers
// that leave ConnectOptions.ClientID empty.
package clientid

import "github.com/rs/xid"

// New returns a fresh globally-unique client identifier, short enough to
// fit within the MQTT-recommended 23-byte ClientID length for broad
// server compatibility.
func New() string {
	return xid.New().String()
}
