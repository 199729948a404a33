package client_test

import (
	"context"
	"testing"

	"github.com/sbergen/gomqtt/client"
	"github.com/sbergen/gomqtt/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// spec.md §4.5's example protocol violation: a SubAck for a packet id the
// engine has no pending subscription for must disconnect, not be dropped.
func TestSubAckForUnknownPacketIDDisconnects(t *testing.T) {
	c, d, updates := startTestClient(client.ConnectOptions{ClientID: "pv1"})
	defer c.Close()
	connectClient(t, c, d)
	// Consume the ConnectAccepted update emitted by the handshake.
	require.Equal(t, client.StateConnectAccepted, recvUpdate(t, updates).State)

	ack, err := packets.Encode(nil, packets.SubAckPacket{
		PacketID: 999,
		Results:  []packets.SubscribeResult{packets.Success(packets.AtMostOnce)},
	})
	require.NoError(t, err)
	d.fake.PushIncoming(ack)

	u := recvUpdate(t, updates)
	assert.Equal(t, client.UpdateConnectionStateChanged, u.Kind)
	assert.Equal(t, client.StateDisconnected, u.State)
}

// Same as above, for UnsubAck.
func TestUnsubAckForUnknownPacketIDDisconnects(t *testing.T) {
	c, d, updates := startTestClient(client.ConnectOptions{ClientID: "pv2"})
	defer c.Close()
	connectClient(t, c, d)
	// Consume the ConnectAccepted update emitted by the handshake.
	require.Equal(t, client.StateConnectAccepted, recvUpdate(t, updates).State)

	ack, err := packets.Encode(nil, packets.UnsubAckPacket{PacketID: 999})
	require.NoError(t, err)
	d.fake.PushIncoming(ack)

	u := recvUpdate(t, updates)
	assert.Equal(t, client.UpdateConnectionStateChanged, u.Kind)
	assert.Equal(t, client.StateDisconnected, u.State)
}

// spec.md §4.4: a SubAck whose return-code count doesn't match the
// original request's filter count is a protocol violation, not an
// accept-as-is.
func TestSubAckLengthMismatchDisconnects(t *testing.T) {
	c, d, updates := startTestClient(client.ConnectOptions{ClientID: "pv3"})
	defer c.Close()
	connectClient(t, c, d)
	// Consume the ConnectAccepted update emitted by the handshake.
	require.Equal(t, client.StateConnectAccepted, recvUpdate(t, updates).State)

	subDone := make(chan struct{})
	var subErr error
	go func() {
		_, subErr = c.Subscribe(context.Background(), []packets.SubscribeRequest{
			{Filter: "a", QoS: packets.AtMostOnce},
			{Filter: "b", QoS: packets.AtLeastOnce},
		})
		close(subDone)
	}()

	sent := waitForSent(t, d.fake)
	pkt, _, err := packets.DecodePacket(sent)
	require.NoError(t, err)
	sub, ok := pkt.(packets.SubscribePacket)
	require.True(t, ok)

	ack, err := packets.Encode(nil, packets.SubAckPacket{
		PacketID: sub.PacketID,
		Results:  []packets.SubscribeResult{packets.Success(packets.AtMostOnce)},
	})
	require.NoError(t, err)
	d.fake.PushIncoming(ack)

	<-subDone
	assert.Error(t, subErr)

	u := recvUpdate(t, updates)
	assert.Equal(t, client.UpdateConnectionStateChanged, u.Kind)
	assert.Equal(t, client.StateDisconnected, u.State)
}
