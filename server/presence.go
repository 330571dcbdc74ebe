/******************************************************************************
 *
 *  Description :
 *
 *    In-memory presence registry: user -> sockets and socket -> session
 *    snapshot. Source of truth for live presence; the is_online column in
 *    the store is a durable shadow updated outside the lock.
 *
 *****************************************************************************/

package main

import (
	"sync"

	t "github.com/onionchat/onionchat/server/store/types"
)

// presenceEntry is the per-socket session snapshot.
type presenceEntry struct {
	userId t.Uid
	user   *t.User
}

// PresenceRegistry tracks which users have live sockets. Writes are O(1)
// and never hold the lock across I/O; callers issue the durable DB update
// after the lock is released.
type PresenceRegistry struct {
	mu sync.RWMutex

	// user id -> socket ids, in bind order.
	userSockets map[t.Uid][]string
	// socket id -> bound session snapshot.
	socketSession map[string]presenceEntry
}

// NewPresenceRegistry returns an empty registry.
func NewPresenceRegistry() *PresenceRegistry {
	return &PresenceRegistry{
		userSockets:   make(map[t.Uid][]string),
		socketSession: make(map[string]presenceEntry),
	}
}

// Bind associates a socket with a user. Returns true when this is the
// user's first live socket, i.e. the user just came online.
func (p *PresenceRegistry) Bind(socketId string, userId t.Uid, user *t.User) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.socketSession[socketId]; ok {
		// Rebinding the same socket is a no-op for the online transition.
		return false
	}
	p.socketSession[socketId] = presenceEntry{userId: userId, user: user}
	p.userSockets[userId] = append(p.userSockets[userId], socketId)
	return len(p.userSockets[userId]) == 1
}

// Unbind removes a socket. Returns the bound user id and whether that was
// the user's last socket (the user just went offline). The zero Uid is
// returned for sockets that were never bound.
func (p *PresenceRegistry) Unbind(socketId string) (t.Uid, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.socketSession[socketId]
	if !ok {
		return t.ZeroUid, false
	}
	delete(p.socketSession, socketId)

	sockets := p.userSockets[entry.userId]
	for i, sid := range sockets {
		if sid == socketId {
			sockets = append(sockets[:i], sockets[i+1:]...)
			break
		}
	}
	if len(sockets) == 0 {
		delete(p.userSockets, entry.userId)
		return entry.userId, true
	}
	p.userSockets[entry.userId] = sockets
	return entry.userId, false
}

// Get returns the session snapshot bound to the socket, or nil.
func (p *PresenceRegistry) Get(socketId string) (t.Uid, *t.User) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entry, ok := p.socketSession[socketId]
	if !ok {
		return t.ZeroUid, nil
	}
	return entry.userId, entry.user
}

// IsOnline reports whether the user has at least one live socket.
func (p *PresenceRegistry) IsOnline(userId t.Uid) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.userSockets[userId]) > 0
}

// SocketsOf returns a copy of the user's live socket ids in bind order.
func (p *PresenceRegistry) SocketsOf(userId t.Uid) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	sockets := p.userSockets[userId]
	out := make([]string, len(sockets))
	copy(out, sockets)
	return out
}

// OnlineCount returns the number of distinct online users.
func (p *PresenceRegistry) OnlineCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.userSockets)
}

// SocketCount returns the number of bound sockets.
func (p *PresenceRegistry) SocketCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.socketSession)
}
