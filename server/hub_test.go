package main

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onionchat/onionchat/server/store"
	t "github.com/onionchat/onionchat/server/store/types"
)

// newTestSession builds a bound session backed by channels only; no
// websocket is attached, so tests read frames straight off s.send.
func newTestSession(tt *testing.T, uid t.Uid) *Session {
	tt.Helper()
	user, err := store.Users.Get(uid)
	require.NoError(tt, err)
	require.NotNil(tt, user)

	s := &Session{
		sid:    newSessionId(),
		state:  sessBound,
		uid:    uid,
		user:   user,
		joined: make(map[t.Uid]bool),
		send:   make(chan []byte, sendQueueLen),
		stop:   make(chan []byte, 1),
	}
	globals.sessionStore.mu.Lock()
	globals.sessionStore.sessions[s.sid] = s
	globals.sessionStore.mu.Unlock()
	tt.Cleanup(func() { globals.sessionStore.Delete(s) })
	return s
}

func mustRaw(tt *testing.T, v interface{}) json.RawMessage {
	tt.Helper()
	raw, err := json.Marshal(v)
	require.NoError(tt, err)
	return raw
}

// recvEvent waits for the next 42-frame on the session and decodes it.
func recvEvent(tt *testing.T, s *Session) (string, map[string]interface{}) {
	tt.Helper()
	select {
	case frame := <-s.send:
		kind, payload := decodeFrame(frame)
		require.Equal(tt, frameEvent, kind, "frame: %s", frame)
		name, data, err := decodeEvent(payload)
		require.NoError(tt, err)
		var decoded map[string]interface{}
		require.NoError(tt, json.Unmarshal(data, &decoded))
		return name, decoded
	case <-time.After(2 * time.Second):
		tt.Fatal("no event received")
		return "", nil
	}
}

// expectSilence asserts that no frame arrives within the grace window.
func expectSilence(tt *testing.T, s *Session) {
	tt.Helper()
	select {
	case frame := <-s.send:
		tt.Fatalf("unexpected frame: %s", frame)
	case <-time.After(150 * time.Millisecond):
	}
}

// seedUser inserts a user directly into the store.
func seedUser(tt *testing.T, username string, admin bool) t.Uid {
	tt.Helper()
	user := &t.User{Username: username, PasswordHash: "x", IsAdmin: admin}
	require.NoError(tt, store.Users.Create(user))
	return user.Id
}

// seedRoom inserts a room with the creator as admin member and joins the
// listed extra members.
func seedRoom(tt *testing.T, creator t.Uid, members ...t.Uid) t.Uid {
	tt.Helper()
	creatorId := creator
	room := &t.Room{
		Name:          "room",
		RoomType:      t.RoomTypePrivate,
		EncryptionKey: "k",
		CreatorId:     &creatorId,
		MaxMembers:    t.DefaultRoomMembers,
	}
	require.NoError(tt, store.Rooms.Create(room, creator))
	for _, m := range members {
		require.NoError(tt, store.Members.Add(&t.RoomMember{
			RoomId: room.Id, UserId: m, Role: t.RoleMember,
		}))
	}
	return room.Id
}

// subscribe joins the session to the room's fan-out and waits for the ack.
// The ack alone does not show the hub has processed the subscription.
func subscribe(tt *testing.T, s *Session, room t.Uid) {
	tt.Helper()
	s.joinRoom(mustRaw(tt, map[string]string{"roomId": room.String()}))
	name, _ := recvEvent(tt, s)
	require.Equal(tt, evJoinedRoom, name)
	// The hub join channel is processed by the same single goroutine that
	// will later route events; give it a beat to drain.
	time.Sleep(20 * time.Millisecond)
}

// Members subscribed to the room receive the message; a connected
// non-member does not.
func TestFanOutMembersOnly(tt *testing.T) {
	setupServer(tt)

	alice := seedUser(tt, "alice", false)
	bob := seedUser(tt, "bob", false)
	carol := seedUser(tt, "carol", false)
	room := seedRoom(tt, alice, bob)

	aliceSess := newTestSession(tt, alice)
	bobSess := newTestSession(tt, bob)
	carolSess := newTestSession(tt, carol)

	subscribe(tt, aliceSess, room)
	subscribe(tt, bobSess, room)

	// Carol is connected but not a member; her join is refused.
	carolSess.joinRoom(mustRaw(tt, map[string]string{"roomId": room.String()}))
	name, _ := recvEvent(tt, carolSess)
	assert.Equal(tt, evError, name)

	aliceSess.sendMessage(mustRaw(tt, map[string]string{
		"roomId": room.String(), "content": "hi",
	}))

	name, data := recvEvent(tt, bobSess)
	assert.Equal(tt, evNewMessage, name)
	assert.Equal(tt, "hi", data["content"])
	assert.Equal(tt, alice.String(), data["senderId"])

	// The sender receives their own message too.
	name, _ = recvEvent(tt, aliceSess)
	assert.Equal(tt, evNewMessage, name)

	expectSilence(tt, carolSess)
}

// Edits are sender-only; a member's attempt yields an error and no
// change, the sender's succeeds and fans out.
func TestEditOwnership(tt *testing.T) {
	setupServer(tt)

	bob := seedUser(tt, "bob", false)
	carol := seedUser(tt, "carol", false)
	room := seedRoom(tt, bob, carol)

	bobSess := newTestSession(tt, bob)
	carolSess := newTestSession(tt, carol)
	subscribe(tt, bobSess, room)
	subscribe(tt, carolSess, room)

	bobSess.sendMessage(mustRaw(tt, map[string]string{
		"roomId": room.String(), "content": "original",
	}))
	_, msgData := recvEvent(tt, bobSess)
	recvEvent(tt, carolSess) // drain carol's copy
	msgId := msgData["id"].(string)

	// Carol is a room member but not the sender.
	carolSess.editMessage(mustRaw(tt, map[string]string{
		"messageId": msgId, "content": "x",
	}))
	name, data := recvEvent(tt, carolSess)
	assert.Equal(tt, evError, name)
	assert.NotEmpty(tt, data["message"])

	msgUid, err := t.ParseUid(msgId)
	require.NoError(tt, err)
	stored, err := store.Messages.Get(msgUid)
	require.NoError(tt, err)
	assert.Equal(tt, "original", stored.Content)
	assert.False(tt, stored.IsEdited)

	// Bob edits his own message; everyone gets message_edited.
	bobSess.editMessage(mustRaw(tt, map[string]string{
		"messageId": msgId, "content": "x",
	}))
	name, data = recvEvent(tt, carolSess)
	assert.Equal(tt, evMessageEdited, name)
	assert.Equal(tt, "x", data["content"])
	name, _ = recvEvent(tt, bobSess)
	assert.Equal(tt, evMessageEdited, name)

	stored, err = store.Messages.Get(msgUid)
	require.NoError(tt, err)
	assert.Equal(tt, "x", stored.Content)
	assert.True(tt, stored.IsEdited)
}

func TestDeleteTombstones(tt *testing.T) {
	setupServer(tt)

	bob := seedUser(tt, "bob", false)
	admin := seedUser(tt, "root", true)
	room := seedRoom(tt, bob, admin)

	bobSess := newTestSession(tt, bob)
	adminSess := newTestSession(tt, admin)
	subscribe(tt, bobSess, room)
	subscribe(tt, adminSess, room)

	bobSess.sendMessage(mustRaw(tt, map[string]string{
		"roomId": room.String(), "content": "doomed",
	}))
	_, msgData := recvEvent(tt, bobSess)
	recvEvent(tt, adminSess)
	msgId := msgData["id"].(string)

	// A global admin may delete another user's message.
	adminSess.deleteMessage(mustRaw(tt, map[string]string{"messageId": msgId}))
	name, _ := recvEvent(tt, bobSess)
	assert.Equal(tt, evMessageDeleted, name)
	recvEvent(tt, adminSess)

	msgUid, err := t.ParseUid(msgId)
	require.NoError(tt, err)
	stored, err := store.Messages.Get(msgUid)
	require.NoError(tt, err)
	// Tombstone: the row survives with blanked content.
	require.NotNil(tt, stored)
	assert.True(tt, stored.IsDeleted)
	assert.Empty(tt, stored.Content)
	assert.NotNil(tt, stored.DeletedAt)
}

func TestReactionIdempotence(tt *testing.T) {
	setupServer(tt)

	bob := seedUser(tt, "bob", false)
	room := seedRoom(tt, bob)

	sess := newTestSession(tt, bob)
	subscribe(tt, sess, room)

	sess.sendMessage(mustRaw(tt, map[string]string{
		"roomId": room.String(), "content": "m",
	}))
	_, msgData := recvEvent(tt, sess)
	msgId := msgData["id"].(string)

	react := mustRaw(tt, map[string]string{"messageId": msgId, "emoji": "👍"})
	sess.reaction(react, true)
	recvEvent(tt, sess)
	sess.reaction(react, true)
	_, data := recvEvent(tt, sess)

	// The second add is a no-op: still exactly one reactor.
	reactions := data["reactions"].(map[string]interface{})
	assert.Len(tt, reactions["👍"].([]interface{}), 1)

	msgUid, err := t.ParseUid(msgId)
	require.NoError(tt, err)
	stored, err := store.Messages.Get(msgUid)
	require.NoError(tt, err)
	assert.Len(tt, stored.Reactions["👍"], 1)
}

func TestTypingExcludesOriginator(tt *testing.T) {
	setupServer(tt)

	alice := seedUser(tt, "alice", false)
	bob := seedUser(tt, "bob", false)
	room := seedRoom(tt, alice, bob)

	aliceSess := newTestSession(tt, alice)
	bobSess := newTestSession(tt, bob)
	subscribe(tt, aliceSess, room)
	subscribe(tt, bobSess, room)

	aliceSess.typing(mustRaw(tt, map[string]interface{}{
		"roomId": room.String(), "typing": true,
	}))

	name, data := recvEvent(tt, bobSess)
	assert.Equal(tt, evUserTyping, name)
	assert.Equal(tt, true, data["typing"])
	assert.Equal(tt, "alice", data["username"])

	// Self-suppression: the originator hears nothing.
	expectSilence(tt, aliceSess)
}

func TestForwardRequiresBothMemberships(tt *testing.T) {
	setupServer(tt)

	alice := seedUser(tt, "alice", false)
	bob := seedUser(tt, "bob", false)
	src := seedRoom(tt, alice, bob)
	dst := seedRoom(tt, bob) // alice is not a member of dst

	aliceSess := newTestSession(tt, alice)
	bobSess := newTestSession(tt, bob)
	subscribe(tt, aliceSess, src)
	subscribe(tt, bobSess, dst)

	aliceSess.sendMessage(mustRaw(tt, map[string]string{
		"roomId": src.String(), "content": "payload",
	}))
	_, msgData := recvEvent(tt, aliceSess)
	msgId := msgData["id"].(string)

	// Alice cannot forward into a room she does not belong to.
	aliceSess.forwardMessage(mustRaw(tt, map[string]string{
		"messageId": msgId, "targetRoomId": dst.String(),
	}))
	expectSilence(tt, bobSess)

	// Bob, a member of both, can.
	bobMember, err := store.Members.Get(src, bob)
	require.NoError(tt, err)
	require.NotNil(tt, bobMember)

	bobSess.forwardMessage(mustRaw(tt, map[string]string{
		"messageId": msgId, "targetRoomId": dst.String(),
	}))
	name, data := recvEvent(tt, bobSess)
	assert.Equal(tt, evNewMessage, name)
	assert.Equal(tt, "payload", data["content"])
	// The forward keeps a link to its ancestor.
	assert.Equal(tt, msgId, data["parentId"])
}

// The last unbind flips the durable flag and notifies
// everyone else.
func TestPresenceTransitionOnDisconnect(tt *testing.T) {
	setupServer(tt)

	alice := seedUser(tt, "alice", false)
	bob := seedUser(tt, "bob", false)

	aliceSess := newTestSession(tt, alice)
	bobSess := newTestSession(tt, bob)

	// Simulate the bind that authenticate performs.
	globals.presence.Bind(aliceSess.sid, alice, aliceSess.user)
	require.NoError(tt, store.Users.SetOnline(alice, true))

	stored, err := store.Users.Get(alice)
	require.NoError(tt, err)
	assert.True(tt, stored.IsOnline)

	closeInstant := t.TimeNow()
	aliceSess.cleanUp()

	stored, err = store.Users.Get(alice)
	require.NoError(tt, err)
	assert.False(tt, stored.IsOnline)
	require.NotNil(tt, stored.LastSeen)
	assert.WithinDuration(tt, closeInstant, *stored.LastSeen, time.Second)

	name, data := recvEvent(tt, bobSess)
	assert.Equal(tt, evUserOffline, name)
	assert.Equal(tt, alice.String(), data["userId"])
}

func TestUnboundSessionRejectsVerbs(tt *testing.T) {
	setupServer(tt)
	seedUser(tt, "alice", false)

	s := &Session{
		sid:    newSessionId(),
		state:  sessUnbound,
		joined: make(map[t.Uid]bool),
		send:   make(chan []byte, 8),
		stop:   make(chan []byte, 1),
	}

	s.dispatch("send_message", mustRaw(tt, map[string]string{"roomId": "x", "content": "hi"}))
	name, data := recvEvent(tt, s)
	assert.Equal(tt, evError, name)
	assert.Equal(tt, "Not authenticated", data["message"])
}

func TestAuthenticateBadTokenClosesSession(tt *testing.T) {
	setupServer(tt)

	s := &Session{
		sid:    newSessionId(),
		state:  sessUnbound,
		joined: make(map[t.Uid]bool),
		send:   make(chan []byte, 8),
		stop:   make(chan []byte, 1),
	}

	s.dispatch("authenticate", mustRaw(tt, map[string]string{"token": "garbage"}))
	assert.Equal(tt, sessClosed, s.state)

	// The final error frame travels on the stop channel.
	select {
	case frame := <-s.stop:
		kind, payload := decodeFrame(frame)
		require.Equal(tt, frameEvent, kind)
		name, _, err := decodeEvent(payload)
		require.NoError(tt, err)
		assert.Equal(tt, evError, name)
	default:
		tt.Fatal("no terminal frame queued")
	}
}
