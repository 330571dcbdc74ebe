package main

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeOpen(t *testing.T) {
	frame := encodeOpen("abc123")
	require.Equal(t, byte('0'), frame[0])

	var payload openPayload
	require.NoError(t, json.Unmarshal(frame[1:], &payload))
	assert.Equal(t, "abc123", payload.Sid)
	assert.Equal(t, pingInterval.Milliseconds(), payload.PingInterval)
	assert.Equal(t, pingTimeout.Milliseconds(), payload.PingTimeout)
	assert.NotNil(t, payload.Upgrades)
}

func TestEncodeEvent(t *testing.T) {
	frame, err := encodeEvent("new_message", map[string]string{"content": "hi"})
	require.NoError(t, err)
	assert.Equal(t, `42["new_message",{"content":"hi"}]`, string(frame))
}

func TestDecodeFrame(t *testing.T) {
	tests := []struct {
		raw     string
		kind    frameKind
		payload string
	}{
		{`0{"sid":"x"}`, frameOpen, `{"sid":"x"}`},
		{"2", framePing, ""},
		{"2probe", framePing, "probe"},
		{"3", framePong, ""},
		{"40", frameBind, ""},
		{`42["authenticate",{"token":"t"}]`, frameEvent, `["authenticate",{"token":"t"}]`},
		{"", frameUnknown, ""},
		{"9", frameUnknown, ""},
		{"4", frameUnknown, ""},
		{"41", frameUnknown, ""},
	}
	for _, tc := range tests {
		t.Run(tc.raw, func(t *testing.T) {
			kind, payload := decodeFrame([]byte(tc.raw))
			assert.Equal(t, tc.kind, kind)
			assert.Equal(t, tc.payload, string(payload))
		})
	}
}

func TestDecodeEvent(t *testing.T) {
	name, data, err := decodeEvent([]byte(`["send_message",{"roomId":"r1","content":"c"}]`))
	require.NoError(t, err)
	assert.Equal(t, "send_message", name)
	assert.JSONEq(t, `{"roomId":"r1","content":"c"}`, string(data))

	// Missing data object defaults to {}.
	name, data, err = decodeEvent([]byte(`["typing"]`))
	require.NoError(t, err)
	assert.Equal(t, "typing", name)
	assert.JSONEq(t, `{}`, string(data))

	_, _, err = decodeEvent([]byte(`{"not":"array"}`))
	assert.Error(t, err)
	_, _, err = decodeEvent([]byte(`[]`))
	assert.Error(t, err)
	_, _, err = decodeEvent([]byte(`[42,{}]`))
	assert.Error(t, err)
}

func TestEventRoundTrip(t *testing.T) {
	frame, err := encodeEvent("user_typing", map[string]interface{}{"typing": true})
	require.NoError(t, err)

	kind, payload := decodeFrame(frame)
	require.Equal(t, frameEvent, kind)

	name, data, err := decodeEvent(payload)
	require.NoError(t, err)
	assert.Equal(t, "user_typing", name)
	assert.JSONEq(t, `{"typing":true}`, string(data))
}

func TestPayloadAliases(t *testing.T) {
	// snake_case is accepted as an alias on ingress.
	var p sendMessagePayload
	require.NoError(t, json.Unmarshal(
		[]byte(`{"room_id":"r","content":"c","message_type":"text","parent_id":"p"}`), &p))
	assert.Equal(t, "r", p.RoomId)
	assert.Equal(t, "text", p.MessageType)
	assert.Equal(t, "p", p.ParentId)

	// camelCase wins when both are present.
	require.NoError(t, json.Unmarshal(
		[]byte(`{"roomId":"camel","room_id":"snake","content":"c"}`), &p))
	assert.Equal(t, "camel", p.RoomId)

	var f forwardPayload
	require.NoError(t, json.Unmarshal(
		[]byte(`{"message_id":"m","target_room_id":"t"}`), &f))
	assert.Equal(t, "m", f.MessageId)
	assert.Equal(t, "t", f.TargetRoomId)
}
