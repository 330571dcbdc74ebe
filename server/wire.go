/******************************************************************************
 *
 *  Description :
 *
 *    Framing of the event protocol. Frames are UTF-8 text with a numeric
 *    type prefix: 0 = session open, 2 = ping, 3 = pong, 40 = session bind,
 *    42 = event. Event payloads are a JSON array [name, data].
 *
 *****************************************************************************/

package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Frame kinds.
type frameKind int

const (
	frameUnknown frameKind = iota
	frameOpen
	framePing
	framePong
	frameBind
	frameEvent
)

// Heartbeat parameters advertised in the open frame. The transport tears
// down sessions that miss pongs past the timeout.
const (
	pingInterval = 25 * time.Second
	pingTimeout  = 20 * time.Second
)

var errBadFrame = errors.New("wire: malformed frame")

// openPayload is the JSON body of the session-open frame.
type openPayload struct {
	Sid          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int64    `json:"pingInterval"`
	PingTimeout  int64    `json:"pingTimeout"`
}

// encodeOpen builds the session-open frame sent to a client on accept.
func encodeOpen(sid string) []byte {
	body, _ := json.Marshal(openPayload{
		Sid:          sid,
		Upgrades:     []string{},
		PingInterval: pingInterval.Milliseconds(),
		PingTimeout:  pingTimeout.Milliseconds(),
	})
	return append([]byte("0"), body...)
}

// encodeBindAck acknowledges the client's session-bind frame.
func encodeBindAck(sid string) []byte {
	body, _ := json.Marshal(map[string]string{"sid": sid})
	return append([]byte("40"), body...)
}

// encodePing and encodePong are the heartbeat frames.
func encodePing() []byte { return []byte("2") }
func encodePong() []byte { return []byte("3") }

// encodeEvent builds a 42-frame carrying [name, data].
func encodeEvent(name string, data interface{}) ([]byte, error) {
	body, err := json.Marshal([2]interface{}{name, data})
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s: %w", name, err)
	}
	return append([]byte("42"), body...), nil
}

// decodeFrame classifies a raw frame and returns its payload bytes.
func decodeFrame(raw []byte) (frameKind, []byte) {
	if len(raw) == 0 {
		return frameUnknown, nil
	}
	switch raw[0] {
	case '0':
		return frameOpen, raw[1:]
	case '2':
		return framePing, raw[1:]
	case '3':
		return framePong, raw[1:]
	case '4':
		if len(raw) < 2 {
			return frameUnknown, nil
		}
		switch raw[1] {
		case '0':
			return frameBind, raw[2:]
		case '2':
			return frameEvent, raw[2:]
		}
	}
	return frameUnknown, nil
}

// decodeEvent splits an event payload into its name and data object.
func decodeEvent(payload []byte) (string, json.RawMessage, error) {
	payload = bytes.TrimSpace(payload)
	var parts []json.RawMessage
	if err := json.Unmarshal(payload, &parts); err != nil {
		return "", nil, errBadFrame
	}
	if len(parts) < 1 {
		return "", nil, errBadFrame
	}
	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil {
		return "", nil, errBadFrame
	}
	var data json.RawMessage
	if len(parts) > 1 {
		data = parts[1]
	} else {
		data = json.RawMessage("{}")
	}
	return name, data, nil
}
