package client_test

import (
	"context"
	"testing"
	"time"

	"github.com/sbergen/gomqtt/channel"
	"github.com/sbergen/gomqtt/client"
	"github.com/sbergen/gomqtt/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDialer hands out a single Fake channel and records it, so the test
// can play the server side of the connection after Connect is called.
type fakeDialer struct {
	fake *channel.Fake
	err  error
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{fake: channel.NewFake()}
}

func (d *fakeDialer) dial(ctx context.Context) (channel.Channel, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.fake, nil
}

func recvUpdate(t *testing.T, updates <-chan client.Update) client.Update {
	t.Helper()
	select {
	case u := <-updates:
		return u
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for update")
		return client.Update{}
	}
}

func startTestClient(opts client.ConnectOptions) (*client.Client, *fakeDialer, chan client.Update) {
	d := newFakeDialer()
	updates := make(chan client.Update, 8)
	c := client.Start(opts, d.dial, updates, nil, nil)
	return c, d, updates
}

// S1: CONNACK 0x20 0x02 0x00 0x00 accepts the connection with no prior
// session.
func TestScenarioConnectAccepted(t *testing.T) {
	c, d, updates := startTestClient(client.ConnectOptions{ClientID: "s1"})
	defer c.Close()

	connectDone := make(chan struct{})
	var sessionPresent bool
	var connectErr error
	go func() {
		sessionPresent, connectErr = c.Connect(context.Background())
		close(connectDone)
	}()

	waitForSent(t, d.fake)
	d.fake.PushIncoming([]byte{0x20, 0x02, 0x00, 0x00})

	<-connectDone
	require.NoError(t, connectErr)
	assert.False(t, sessionPresent)

	u := recvUpdate(t, updates)
	assert.Equal(t, client.UpdateConnectionStateChanged, u.Kind)
	assert.Equal(t, client.StateConnectAccepted, u.State)
	assert.False(t, u.SessionPresent)
}

// S2: CONNACK 0x20 0x02 0x00 0x04 (bad username/password) fails the
// connect call directly and still emits Disconnected on the updates
// stream, not ConnectFailed. A subsequent connect attempt then succeeds.
func TestScenarioConnectRejectedThenRetried(t *testing.T) {
	c, d, updates := startTestClient(client.ConnectOptions{ClientID: "s2"})
	defer c.Close()

	connectDone := make(chan struct{})
	var connectErr error
	go func() {
		_, connectErr = c.Connect(context.Background())
		close(connectDone)
	}()

	waitForSent(t, d.fake)
	d.fake.PushIncoming([]byte{0x20, 0x02, 0x00, 0x04})

	<-connectDone
	assert.ErrorIs(t, connectErr, client.ErrBadUsernameOrPassword)

	u := recvUpdate(t, updates)
	assert.Equal(t, client.UpdateConnectionStateChanged, u.Kind)
	assert.Equal(t, client.StateDisconnected, u.State)

	// Retry with a fresh Fake channel standing in for a new dial.
	d.fake = channel.NewFake()
	connectDone = make(chan struct{})
	var sessionPresent bool
	go func() {
		sessionPresent, connectErr = c.Connect(context.Background())
		close(connectDone)
	}()
	waitForSent(t, d.fake)
	d.fake.PushIncoming([]byte{0x20, 0x02, 0x00, 0x00})
	<-connectDone
	require.NoError(t, connectErr)
	assert.False(t, sessionPresent)
}

// S3: SUBACK [0x00, 0x01, 0x80] reports Success(QoS0), Success(QoS1),
// Failure for the three requested filters.
func TestScenarioSubscribeMixedResults(t *testing.T) {
	c, d, _ := startTestClient(client.ConnectOptions{ClientID: "s3"})
	defer c.Close()
	connectClient(t, c, d)

	subDone := make(chan struct{})
	var results []packets.SubscribeResult
	var subErr error
	go func() {
		results, subErr = c.Subscribe(context.Background(), []packets.SubscribeRequest{
			{Filter: "a", QoS: packets.AtMostOnce},
			{Filter: "b", QoS: packets.AtLeastOnce},
			{Filter: "c", QoS: packets.ExactlyOnce},
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
		Results: []packets.SubscribeResult{
			packets.Success(packets.AtMostOnce),
			packets.Success(packets.AtLeastOnce),
			packets.Failure(),
		},
	})
	require.NoError(t, err)
	d.fake.PushIncoming(ack)

	<-subDone
	require.NoError(t, subErr)
	require.Len(t, results, 3)
	assert.Equal(t, packets.Success(packets.AtMostOnce), results[0])
	assert.Equal(t, packets.Success(packets.AtLeastOnce), results[1])
	assert.Equal(t, packets.Failure(), results[2])
}

// S4: a QoS0 publish is sent with no packet identifier and the engine
// does not wait for any server response.
func TestScenarioPublishQoS0(t *testing.T) {
	c, d, _ := startTestClient(client.ConnectOptions{ClientID: "s4"})
	defer c.Close()
	connectClient(t, c, d)

	err := c.Publish(context.Background(), packets.MessageData{
		Topic:   "t",
		Payload: []byte("hi"),
		QoS:     packets.AtMostOnce,
	})
	require.NoError(t, err)

	sent := waitForSent(t, d.fake)
	pkt, _, err := packets.DecodePacket(sent)
	require.NoError(t, err)
	pub, ok := pkt.(packets.PublishPacket)
	require.True(t, ok)
	assert.Equal(t, uint16(0), pub.Data.PacketID)
	assert.Equal(t, "hi", string(pub.Data.Message.Payload))
}

// Publish replies as soon as the packet is handed to the channel for
// QoS1/QoS2 too (spec.md §4.4/§6: reply Ok(()) on bytes handed to the
// channel, not on broker acknowledgement) — it must not block waiting
// for the PubAck.
func TestScenarioPublishQoS1RepliesBeforeAck(t *testing.T) {
	c, d, _ := startTestClient(client.ConnectOptions{ClientID: "s4b"})
	defer c.Close()
	connectClient(t, c, d)

	publishDone := make(chan struct{})
	var pubErr error
	go func() {
		pubErr = c.Publish(context.Background(), packets.MessageData{
			Topic:   "t",
			Payload: []byte("hi"),
			QoS:     packets.AtLeastOnce,
		})
		close(publishDone)
	}()

	sent := waitForSent(t, d.fake)
	pkt, _, err := packets.DecodePacket(sent)
	require.NoError(t, err)
	pub, ok := pkt.(packets.PublishPacket)
	require.True(t, ok)
	assert.NotEqual(t, uint16(0), pub.Data.PacketID)

	// Publish must already have returned: no PubAck has been sent yet.
	select {
	case <-publishDone:
	case <-time.After(time.Second):
		t.Fatal("Publish did not return before the PubAck arrived")
	}
	require.NoError(t, pubErr)

	ack, err := packets.Encode(nil, packets.PubAckPacket{PacketID: pub.Data.PacketID})
	require.NoError(t, err)
	d.fake.PushIncoming(ack)
}

// Same as above for QoS2: Publish must not wait for the PubRec/PubRel/
// PubComp exchange either.
func TestScenarioPublishQoS2RepliesBeforeAck(t *testing.T) {
	c, d, _ := startTestClient(client.ConnectOptions{ClientID: "s4c"})
	defer c.Close()
	connectClient(t, c, d)

	publishDone := make(chan struct{})
	var pubErr error
	go func() {
		pubErr = c.Publish(context.Background(), packets.MessageData{
			Topic:   "t",
			Payload: []byte("hi"),
			QoS:     packets.ExactlyOnce,
		})
		close(publishDone)
	}()

	sent := waitForSent(t, d.fake)
	pkt, _, err := packets.DecodePacket(sent)
	require.NoError(t, err)
	pub, ok := pkt.(packets.PublishPacket)
	require.True(t, ok)

	select {
	case <-publishDone:
	case <-time.After(time.Second):
		t.Fatal("Publish did not return before the QoS2 ack exchange completed")
	}
	require.NoError(t, pubErr)

	rec, err := packets.Encode(nil, packets.PubRecPacket{PacketID: pub.Data.PacketID})
	require.NoError(t, err)
	d.fake.PushIncoming(rec)

	sent = waitForSent(t, d.fake)
	pkt, _, err = packets.DecodePacket(sent)
	require.NoError(t, err)
	_, ok = pkt.(packets.PubRelPacket)
	require.True(t, ok)
}

// S5: with keep_alive=1s and server_timeout=500ms, an idle connection
// sends a PINGREQ after 1s; a PINGRESP within 500ms keeps the connection
// alive and reschedules the next ping 1s after the PINGREQ was sent.
func TestScenarioKeepAlivePingSucceeds(t *testing.T) {
	c, d, updates := startTestClient(client.ConnectOptions{
		ClientID:         "s5",
		KeepAliveSeconds: 1,
		ServerTimeout:    500 * time.Millisecond,
	})
	defer c.Close()
	connectClient(t, c, d)
	// Consume the ConnectAccepted update emitted by the handshake.
	require.Equal(t, client.StateConnectAccepted, recvUpdate(t, updates).State)

	sent := waitForSentWithin(t, d.fake, 2*time.Second)
	pkt, _, err := packets.DecodePacket(sent)
	require.NoError(t, err)
	_, ok := pkt.(packets.PingReqPacket)
	require.True(t, ok)

	pingResp, err := packets.Encode(nil, packets.PingRespPacket{})
	require.NoError(t, err)
	d.fake.PushIncoming(pingResp)

	// No Disconnected update should follow; a second PINGREQ should
	// eventually arrive, proving the connection is still alive.
	select {
	case u := <-updates:
		t.Fatalf("unexpected update after PingResp: %+v", u)
	case <-time.After(200 * time.Millisecond):
	}

	sent = waitForSentWithin(t, d.fake, 2*time.Second)
	pkt, _, err = packets.DecodePacket(sent)
	require.NoError(t, err)
	_, ok = pkt.(packets.PingReqPacket)
	require.True(t, ok)
}

// S5 (failure branch): no PINGRESP within server_timeout disconnects and
// emits Disconnected.
func TestScenarioKeepAlivePingTimesOut(t *testing.T) {
	c, d, updates := startTestClient(client.ConnectOptions{
		ClientID:         "s5b",
		KeepAliveSeconds: 1,
		ServerTimeout:    200 * time.Millisecond,
	})
	defer c.Close()
	connectClient(t, c, d)
	// Consume the ConnectAccepted update emitted by the handshake.
	require.Equal(t, client.StateConnectAccepted, recvUpdate(t, updates).State)

	waitForSentWithin(t, d.fake, 2*time.Second) // the PINGREQ

	u := recvUpdate(t, updates)
	assert.Equal(t, client.UpdateConnectionStateChanged, u.Kind)
	assert.Equal(t, client.StateDisconnected, u.State)
}

// S6: disconnecting before the CONNACK arrives shuts the channel down
// and resolves the pending Connect call with ErrDisconnectRequested, with
// Disconnected on the updates stream.
func TestScenarioDisconnectBeforeConnAck(t *testing.T) {
	c, d, updates := startTestClient(client.ConnectOptions{ClientID: "s6"})
	defer c.Close()

	connectDone := make(chan struct{})
	var connectErr error
	go func() {
		_, connectErr = c.Connect(context.Background())
		close(connectDone)
	}()

	waitForSent(t, d.fake)
	c.Disconnect()

	<-connectDone
	assert.ErrorIs(t, connectErr, client.ErrDisconnectRequested)

	u := recvUpdate(t, updates)
	assert.Equal(t, client.UpdateConnectionStateChanged, u.Kind)
	assert.Equal(t, client.StateDisconnected, u.State)
}

// connectClient drives a full CONNECT/CONNACK handshake for tests that
// only care about what happens once connected.
func connectClient(t *testing.T, c *client.Client, d *fakeDialer) {
	t.Helper()
	connectDone := make(chan struct{})
	go func() {
		c.Connect(context.Background())
		close(connectDone)
	}()
	waitForSent(t, d.fake)
	d.fake.PushIncoming([]byte{0x20, 0x02, 0x00, 0x00})
	<-connectDone
}

func waitForSent(t *testing.T, f *channel.Fake) []byte {
	return waitForSentWithin(t, f, time.Second)
}

func waitForSentWithin(t *testing.T, f *channel.Fake, timeout time.Duration) []byte {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if b := f.TakeSent(); len(b) > 0 {
			return b
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for sent bytes")
	return nil
}
