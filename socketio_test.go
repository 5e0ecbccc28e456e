package chatsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeSocketPacketEvent(t *testing.T) {
	p, err := decodeSocketPacket(`2["message_received",{"id":"m1","content":"hi"}]`)
	require.NoError(t, err)
	assert.Equal(t, byte(socketEvent), p.Type)
	assert.Equal(t, "/", p.Namespace)
	assert.Equal(t, -1, p.AckID)

	name, payload, err := p.event()
	require.NoError(t, err)
	assert.Equal(t, "message_received", name)
	assert.JSONEq(t, `{"id":"m1","content":"hi"}`, string(payload))
}

func TestDecodeSocketPacketNamespaceAndAck(t *testing.T) {
	p, err := decodeSocketPacket(`2/admin,12["ping",1]`)
	require.NoError(t, err)
	assert.Equal(t, "/admin", p.Namespace)
	assert.Equal(t, 12, p.AckID)

	name, payload, err := p.event()
	require.NoError(t, err)
	assert.Equal(t, "ping", name)
	assert.Equal(t, "1", string(payload))

	p, err = decodeSocketPacket(`0/admin`)
	require.NoError(t, err)
	assert.Equal(t, "/admin", p.Namespace)
	assert.Empty(t, p.Data)
}

func TestDecodeSocketPacketEventWithoutArgs(t *testing.T) {
	p, err := decodeSocketPacket(`2["refresh"]`)
	require.NoError(t, err)
	name, payload, err := p.event()
	require.NoError(t, err)
	assert.Equal(t, "refresh", name)
	assert.Nil(t, payload)
}

func TestDecodeSocketPacketRejectsMalformed(t *testing.T) {
	for _, frame := range []string{
		"",
		`2["broken"`,
		`51-["upload",{"_placeholder":true,"num":0}]`,
	} {
		_, err := decodeSocketPacket(frame)
		assert.ErrorIs(t, err, errMalformedPacket, "frame %q", frame)
	}

	p, err := decodeSocketPacket(`2{"not":"an array"}`)
	require.NoError(t, err)
	_, _, err = p.event()
	assert.ErrorIs(t, err, errMalformedPacket)

	p, err = decodeSocketPacket(`2[]`)
	require.NoError(t, err)
	_, _, err = p.event()
	assert.ErrorIs(t, err, errMalformedPacket)
}

func TestConnectError(t *testing.T) {
	p, err := decodeSocketPacket(`4{"message":"unauthorized"}`)
	require.NoError(t, err)
	assert.Equal(t, "unauthorized", p.connectError())

	p, err = decodeSocketPacket(`4`)
	require.NoError(t, err)
	assert.Equal(t, "connection refused", p.connectError())
}

func TestEncodeEvent(t *testing.T) {
	frame, err := encodeEvent("join_room", roomPayload{ConversationID: "c1", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, `42["join_room",{"conversationId":"c1","userId":"u1"}]`, frame)

	frame, err = encodeEvent("heartbeat", nil)
	require.NoError(t, err)
	assert.Equal(t, `42["heartbeat"]`, frame)

	_, err = encodeEvent("bad", make(chan int))
	assert.Error(t, err)
}

func TestEncodeConnect(t *testing.T) {
	frame, err := encodeConnect(map[string]string{"userId": "u1"})
	require.NoError(t, err)
	assert.Equal(t, `40{"userId":"u1"}`, frame)

	frame, err = encodeConnect(nil)
	require.NoError(t, err)
	assert.Equal(t, "40", frame)
}

func TestDecodeEnginePacket(t *testing.T) {
	p, err := decodeEnginePacket(`0{"sid":"abc","pingInterval":25000,"pingTimeout":20000}`)
	require.NoError(t, err)
	assert.Equal(t, byte(engineOpen), p.Type)

	_, err = decodeEnginePacket("")
	assert.ErrorIs(t, err, errMalformedPacket)
}

func TestOpenPacketLiveness(t *testing.T) {
	assert.Equal(t, 45*time.Second, engineOpenPacket{PingInterval: 25000, PingTimeout: 20000}.liveness())
	assert.Zero(t, engineOpenPacket{}.liveness())
}

func TestSocketIOURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"http://localhost:3001", "ws://localhost:3001/socket.io/?EIO=4&transport=websocket"},
		{"https://chat.example.com/", "wss://chat.example.com/socket.io/?EIO=4&transport=websocket"},
		{"ws://10.0.0.5:3001/socket.io", "ws://10.0.0.5:3001/socket.io/?EIO=4&transport=websocket"},
		{"wss://chat.example.com/api", "wss://chat.example.com/api/socket.io/?EIO=4&transport=websocket"},
	}
	for _, tt := range tests {
		got, err := socketIOURL(tt.base)
		require.NoError(t, err, tt.base)
		assert.Equal(t, tt.want, got, tt.base)
	}

	_, err := socketIOURL("ftp://chat.example.com")
	assert.Error(t, err)
}
