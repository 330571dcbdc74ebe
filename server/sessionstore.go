/******************************************************************************
 *
 *  Description :
 *
 *    Registry of live sessions, keyed by socket id.
 *
 *****************************************************************************/

package main

import (
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	t "github.com/onionchat/onionchat/server/store/types"
)

// SessionStore holds all live sessions of this process.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionStore returns an empty session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*Session)}
}

// Create registers a new session for the websocket connection. The caller
// starts its read and write loops.
func (ss *SessionStore) Create(ws *websocket.Conn, remoteAddr string) *Session {
	s := &Session{
		sid:        newSessionId(),
		ws:         ws,
		remoteAddr: remoteAddr,
		state:      sessUnbound,
		joined:     make(map[t.Uid]bool),
		send:       make(chan []byte, sendQueueLen),
		stop:       make(chan []byte, 1),
		lastAction: time.Now(),
	}

	ss.mu.Lock()
	ss.sessions[s.sid] = s
	count := len(ss.sessions)
	ss.mu.Unlock()

	liveSessions.Set(float64(count))
	return s
}

// Get returns the session with the given socket id, or nil.
func (ss *SessionStore) Get(sid string) *Session {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return ss.sessions[sid]
}

// Delete removes the session from the store.
func (ss *SessionStore) Delete(s *Session) {
	ss.mu.Lock()
	delete(ss.sessions, s.sid)
	count := len(ss.sessions)
	ss.mu.Unlock()

	liveSessions.Set(float64(count))
}

// Range calls f for every live session until f returns false.
func (ss *SessionStore) Range(f func(s *Session) bool) {
	ss.mu.RLock()
	snapshot := make([]*Session, 0, len(ss.sessions))
	for _, s := range ss.sessions {
		snapshot = append(snapshot, s)
	}
	ss.mu.RUnlock()

	for _, s := range snapshot {
		if !f(s) {
			return
		}
	}
}

// Count returns the number of live sessions.
func (ss *SessionStore) Count() int {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return len(ss.sessions)
}

// Shutdown stops every live session.
func (ss *SessionStore) Shutdown() {
	ss.Range(func(s *Session) bool {
		s.stopSession()
		return true
	})
}

// newSessionId generates an opaque random socket id.
func newSessionId() string {
	buf := make([]byte, 16)
	rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}
