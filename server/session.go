/******************************************************************************
 *
 *  Description :
 *
 *    Handling of client sessions. One user may have multiple sessions; each
 *    session proceeds UNBOUND -> BOUND -> CLOSED and may subscribe to any
 *    number of rooms once bound.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/onionchat/onionchat/server/store"
	t "github.com/onionchat/onionchat/server/store/types"
)

// Session lifecycle states.
type sessionState int

const (
	// sessUnbound: transport is up, no authenticated user yet. The only
	// verb accepted is authenticate.
	sessUnbound sessionState = iota
	// sessBound: authenticated; all verbs accepted.
	sessBound
	// sessClosed: terminal.
	sessClosed
)

const (
	// Outbound queue depth per session.
	sendQueueLen = 256
	// Max inbound frame size. Message content is ciphertext but still text.
	maxMessageSize = 1 << 20
	writeWait      = 10 * time.Second
)

// Session represents a single websocket connection.
type Session struct {
	// Socket id, the presence registry key.
	sid string

	ws *websocket.Conn

	remoteAddr string

	// State machine. Touched only on the session's read loop.
	state sessionState

	// Bound user, valid in sessBound.
	uid  t.Uid
	user *t.User

	// Rooms this session subscribed to for fan-out. Read-loop only; the
	// hub keeps its own mirrored sets.
	joined map[t.Uid]bool

	// Outbound frames, buffered.
	send chan []byte

	// Session termination, buffer 1. An optional final frame is flushed
	// before the connection closes.
	stop chan []byte

	// Time of the last inbound frame.
	lastAction time.Time
}

// queueOut appends a pre-encoded frame to the session's send queue.
// Returns false if the queue is full.
func (s *Session) queueOut(frame []byte) bool {
	if s == nil {
		return true
	}
	select {
	case s.send <- frame:
		return true
	default:
		log.Warn().Str("sid", s.sid).Msg("session: send queue full")
		return false
	}
}

// queueEvent encodes and queues a 42-frame for this session only.
func (s *Session) queueEvent(name string, data interface{}) {
	frame, err := encodeEvent(name, data)
	if err != nil {
		log.Error().Err(err).Str("event", name).Msg("session: encode failed")
		return
	}
	s.queueOut(frame)
}

// queueError sends an error event to the originator only.
func (s *Session) queueError(message string) {
	s.queueEvent(evError, &errorEvent{Message: message})
}

// stopSession requests termination of the session's loops.
func (s *Session) stopSession() {
	select {
	case s.stop <- nil:
	default:
	}
}

// readLoop pumps inbound frames until the connection dies.
func (s *Session) readLoop() {
	defer func() {
		s.cleanUp()
		s.ws.Close()
	}()

	s.ws.SetReadLimit(maxMessageSize)
	s.ws.SetReadDeadline(time.Now().Add(pingInterval + pingTimeout))

	for {
		_, raw, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("sid", s.sid).Msg("session: read failed")
			}
			return
		}
		s.lastAction = time.Now()
		s.ws.SetReadDeadline(time.Now().Add(pingInterval + pingTimeout))
		s.dispatchRaw(raw)
		if s.state == sessClosed {
			return
		}
	}
}

// writeLoop pumps outbound frames and heartbeats.
func (s *Session) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.ws.Close() // unblocks the read loop
	}()

	for {
		select {
		case frame := <-s.send:
			if err := s.writeFrame(frame); err != nil {
				return
			}
		case frame := <-s.stop:
			if frame != nil {
				s.writeFrame(frame)
			}
			return
		case <-ticker.C:
			if err := s.writeFrame(encodePing()); err != nil {
				return
			}
		}
	}
}

func (s *Session) writeFrame(frame []byte) error {
	s.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return s.ws.WriteMessage(websocket.TextMessage, frame)
}

// dispatchRaw classifies a frame and routes events to their verb handlers.
func (s *Session) dispatchRaw(raw []byte) {
	kind, payload := decodeFrame(raw)
	switch kind {
	case framePing:
		s.queueOut(encodePong())
	case framePong:
		// Deadline already extended by the read loop.
	case frameBind:
		s.queueOut(encodeBindAck(s.sid))
	case frameEvent:
		name, data, err := decodeEvent(payload)
		if err != nil {
			s.queueError("malformed event")
			return
		}
		s.dispatch(name, data)
	default:
		log.Debug().Str("sid", s.sid).Msg("session: unknown frame")
	}
}

// dispatch runs one verb. Any verb other than authenticate requires the
// session to be bound.
func (s *Session) dispatch(name string, data json.RawMessage) {
	if name == "authenticate" {
		s.authenticate(data)
		return
	}

	if s.state != sessBound {
		s.queueError("Not authenticated")
		return
	}

	switch name {
	case "join_room":
		s.joinRoom(data)
	case "leave_room":
		s.leaveRoom(data)
	case "send_message":
		s.sendMessage(data)
	case "edit_message":
		s.editMessage(data)
	case "delete_message":
		s.deleteMessage(data)
	case "add_reaction":
		s.reaction(data, true)
	case "remove_reaction":
		s.reaction(data, false)
	case "typing":
		s.typing(data)
	case "mark_read":
		s.markRead(data)
	case "forward_message":
		s.forwardMessage(data)
	default:
		s.queueError("unknown verb")
	}
}

// authenticate binds the socket to a user. Failure sends an error event and
// tears the session down.
func (s *Session) authenticate(data json.RawMessage) {
	var pkt authPayload
	if err := json.Unmarshal(data, &pkt); err != nil || pkt.Token == "" {
		s.authFailed()
		return
	}

	uid, err := globals.auth.Decode(pkt.Token)
	if err != nil {
		s.authFailed()
		return
	}

	user, err := store.Users.Get(uid)
	if err != nil || user == nil || user.IsBanned {
		s.authFailed()
		return
	}

	s.state = sessBound
	s.uid = uid
	s.user = user

	// Update the registry first, then shadow the transition into the store
	// outside the lock. The brief inconsistency window is acceptable:
	// presence is soft state.
	first := globals.presence.Bind(s.sid, uid, user)
	if first {
		if err := store.Users.SetOnline(uid, true); err != nil {
			log.Error().Err(err).Str("user", uid.String()).Msg("session: online update failed")
		}
	}

	log.Info().Str("user", user.Username).Str("sid", s.sid).Msg("session authenticated")

	s.queueEvent(evAuthenticated, map[string]interface{}{
		"userId":   uid,
		"username": user.Username,
	})
	globals.hub.routeToAll(s.sid, evUserOnline, map[string]interface{}{
		"userId":   uid,
		"username": user.Username,
	})
}

func (s *Session) authFailed() {
	frame, _ := encodeEvent(evError, &errorEvent{Message: "Authentication failed"})
	s.state = sessClosed
	select {
	case s.stop <- frame:
	default:
	}
}

// joinRoom subscribes the session to a room's fan-out. Requires membership.
func (s *Session) joinRoom(data json.RawMessage) {
	var pkt roomPayload
	if err := json.Unmarshal(data, &pkt); err != nil {
		return
	}
	roomId, err := t.ParseUid(pkt.RoomId)
	if err != nil {
		s.queueError("Invalid room ID")
		return
	}

	if _, aerr := requireMember(roomId, s.uid); aerr != nil {
		s.queueError("Not a member of this room")
		return
	}

	s.joined[roomId] = true
	globals.hub.join <- &hubSubscription{room: roomId, sess: s}

	s.queueEvent(evJoinedRoom, map[string]interface{}{"roomId": pkt.RoomId})
}

// leaveRoom unsubscribes the session from a room's fan-out. Membership in
// the store is unchanged.
func (s *Session) leaveRoom(data json.RawMessage) {
	var pkt roomPayload
	if err := json.Unmarshal(data, &pkt); err != nil {
		return
	}
	roomId, err := t.ParseUid(pkt.RoomId)
	if err != nil {
		return
	}

	delete(s.joined, roomId)
	globals.hub.leave <- &hubSubscription{room: roomId, sess: s}

	s.queueEvent(evLeftRoom, map[string]interface{}{"roomId": pkt.RoomId})
}

// sendMessage persists a message and fans it out to the room.
func (s *Session) sendMessage(data json.RawMessage) {
	var pkt sendMessagePayload
	if err := json.Unmarshal(data, &pkt); err != nil {
		return
	}
	roomId, err := t.ParseUid(pkt.RoomId)
	if err != nil {
		return
	}
	if pkt.Content == "" {
		s.queueError("Message content is required")
		return
	}
	if t.ValidateMessageType(pkt.MessageType) != nil {
		s.queueError("Unknown message type")
		return
	}

	if _, aerr := requireMember(roomId, s.uid); aerr != nil {
		s.queueError("Not a member of this room")
		return
	}

	msg := &t.Message{
		RoomId:      roomId,
		SenderId:    s.uid,
		Content:     pkt.Content,
		MessageType: pkt.MessageType,
		Metadata:    pkt.Metadata,
		Attachments: pkt.Attachments,
		Reactions:   t.Reactions{},
	}
	if msg.MessageType == "" {
		msg.MessageType = t.MessageTypeText
	}
	if pkt.ParentId != "" {
		if parentId, err := t.ParseUid(pkt.ParentId); err == nil {
			msg.ParentId = &parentId
		}
	}

	if err := store.Messages.Save(msg); err != nil {
		log.Error().Err(err).Str("room", roomId.String()).Msg("session: message save failed")
		s.queueError("Failed to send message")
		return
	}
	messagesPersisted.Inc()

	msg.Sender = s.user.AsSender()
	globals.hub.routeToRoom(roomId, "", evNewMessage, msg)
}

// editMessage overwrites a message's ciphertext. Sender only.
func (s *Session) editMessage(data json.RawMessage) {
	var pkt editMessagePayload
	if err := json.Unmarshal(data, &pkt); err != nil {
		return
	}
	msgId, err := t.ParseUid(pkt.MessageId)
	if err != nil {
		return
	}
	if pkt.Content == "" {
		s.queueError("Message content is required")
		return
	}

	msg, err := store.Messages.Get(msgId)
	if err != nil {
		s.queueError("Failed to edit message")
		return
	}
	if msg == nil {
		s.queueError("Message not found")
		return
	}
	if msg.SenderId != s.uid {
		s.queueError("Can only edit your own messages")
		return
	}

	if err := store.Messages.UpdateContent(msgId, pkt.Content); err != nil {
		log.Error().Err(err).Str("message", msgId.String()).Msg("session: edit failed")
		s.queueError("Failed to edit message")
		return
	}

	globals.hub.routeToRoom(msg.RoomId, "", evMessageEdited, map[string]interface{}{
		"messageId": msgId,
		"content":   pkt.Content,
		"editedAt":  t.TimeNow(),
	})
}

// deleteMessage tombstones a message. Sender or global admin.
func (s *Session) deleteMessage(data json.RawMessage) {
	var pkt messagePayload
	if err := json.Unmarshal(data, &pkt); err != nil {
		return
	}
	msgId, err := t.ParseUid(pkt.MessageId)
	if err != nil {
		return
	}

	msg, err := store.Messages.Get(msgId)
	if err != nil || msg == nil {
		s.queueError("Message not found")
		return
	}
	if msg.SenderId != s.uid && !s.user.IsAdmin {
		s.queueError("Permission denied")
		return
	}

	if err := store.Messages.Tombstone(msgId); err != nil {
		log.Error().Err(err).Str("message", msgId.String()).Msg("session: delete failed")
		s.queueError("Failed to delete message")
		return
	}

	globals.hub.routeToRoom(msg.RoomId, "", evMessageDeleted, map[string]interface{}{
		"messageId": msgId,
	})
}

// reaction adds or removes a reaction with set semantics. Idempotent; the
// updated map is fanned out either way.
func (s *Session) reaction(data json.RawMessage, add bool) {
	var pkt reactionPayload
	if err := json.Unmarshal(data, &pkt); err != nil {
		return
	}
	msgId, err := t.ParseUid(pkt.MessageId)
	if err != nil || pkt.Emoji == "" {
		return
	}

	msg, err := store.Messages.Get(msgId)
	if err != nil || msg == nil {
		return
	}
	if _, aerr := requireMember(msg.RoomId, s.uid); aerr != nil {
		return
	}

	if msg.Reactions == nil {
		msg.Reactions = t.Reactions{}
	}
	var changed bool
	if add {
		changed = msg.Reactions.Add(pkt.Emoji, s.uid)
	} else {
		changed = msg.Reactions.Remove(pkt.Emoji, s.uid)
	}
	if changed {
		if err := store.Messages.SetReactions(msgId, msg.Reactions); err != nil {
			log.Error().Err(err).Str("message", msgId.String()).Msg("session: reaction update failed")
			return
		}
	}

	event := evReactionAdded
	if !add {
		event = evReactionRemoved
	}
	globals.hub.routeToRoom(msg.RoomId, "", event, map[string]interface{}{
		"messageId": msgId,
		"userId":    s.uid,
		"emoji":     pkt.Emoji,
		"reactions": msg.Reactions,
	})
}

// typing fans a transient typing indicator out to the room, excluding the
// originator.
func (s *Session) typing(data json.RawMessage) {
	var pkt typingPayload
	if err := json.Unmarshal(data, &pkt); err != nil {
		return
	}
	roomId, err := t.ParseUid(pkt.RoomId)
	if err != nil {
		return
	}
	if _, aerr := requireMember(roomId, s.uid); aerr != nil {
		return
	}

	globals.hub.routeToRoom(roomId, s.sid, evUserTyping, map[string]interface{}{
		"userId":   s.uid,
		"username": s.user.Username,
		"typing":   pkt.Typing,
	})
}

// markRead records the member's read mark and notifies the room, excluding
// the originator.
func (s *Session) markRead(data json.RawMessage) {
	var pkt markReadPayload
	if err := json.Unmarshal(data, &pkt); err != nil {
		return
	}
	roomId, err := t.ParseUid(pkt.RoomId)
	if err != nil {
		return
	}
	msgId, err := t.ParseUid(pkt.MessageId)
	if err != nil {
		return
	}
	if _, aerr := requireMember(roomId, s.uid); aerr != nil {
		return
	}

	if err := store.Members.SetLastRead(roomId, s.uid, msgId); err != nil {
		log.Error().Err(err).Str("room", roomId.String()).Msg("session: read mark failed")
		return
	}

	globals.hub.routeToRoom(roomId, s.sid, evMessageRead, map[string]interface{}{
		"userId":    s.uid,
		"messageId": msgId,
	})
}

// forwardMessage copies a message into another room with a parent link.
// Requires membership in both rooms.
func (s *Session) forwardMessage(data json.RawMessage) {
	var pkt forwardPayload
	if err := json.Unmarshal(data, &pkt); err != nil {
		return
	}
	msgId, err := t.ParseUid(pkt.MessageId)
	if err != nil {
		return
	}
	targetRoomId, err := t.ParseUid(pkt.TargetRoomId)
	if err != nil {
		return
	}

	original, err := store.Messages.Get(msgId)
	if err != nil || original == nil {
		return
	}
	if _, aerr := requireMember(original.RoomId, s.uid); aerr != nil {
		return
	}
	if _, aerr := requireMember(targetRoomId, s.uid); aerr != nil {
		return
	}

	forwarded := &t.Message{
		RoomId:      targetRoomId,
		SenderId:    s.uid,
		Content:     original.Content,
		MessageType: original.MessageType,
		Metadata:    original.Metadata,
		ParentId:    &original.Id,
		Reactions:   t.Reactions{},
	}
	if err := store.Messages.Save(forwarded); err != nil {
		log.Error().Err(err).Str("message", msgId.String()).Msg("session: forward failed")
		return
	}
	messagesPersisted.Inc()

	forwarded.Sender = s.user.AsSender()
	globals.hub.routeToRoom(targetRoomId, "", evNewMessage, forwarded)
}

// cleanUp runs once when the session's read loop exits: presence unbind,
// durable offline shadow, hub detach.
func (s *Session) cleanUp() {
	wasBound := s.state == sessBound
	s.state = sessClosed

	globals.hub.detach <- s
	globals.sessionStore.Delete(s)

	if !wasBound {
		return
	}

	uid, last := globals.presence.Unbind(s.sid)
	if uid == t.ZeroUid {
		return
	}
	if last {
		if err := store.Users.SetOnline(uid, false); err != nil {
			log.Error().Err(err).Str("user", uid.String()).Msg("session: offline update failed")
		}
		globals.hub.routeToAll(s.sid, evUserOffline, map[string]interface{}{
			"userId": uid,
		})
	}

	log.Debug().Str("sid", s.sid).Str("user", uid.String()).Msg("session closed")
}
