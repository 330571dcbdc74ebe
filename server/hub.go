/******************************************************************************
 *
 *  Description :
 *
 *    The event broker's fan-out core. The hub owns the per-room subscriber
 *    sets and routes events to every session whose joined-room set contains
 *    the target room, exactly once per session.
 *
 *****************************************************************************/

package main

import (
	"github.com/rs/zerolog/log"

	t "github.com/onionchat/onionchat/server/store/types"
)

// hubSubscription subscribes or unsubscribes a session to a room's fan-out.
type hubSubscription struct {
	room t.Uid
	sess *Session
}

// hubEvent is a single event to deliver.
type hubEvent struct {
	// Target room. Ignored when broadcast is set.
	room t.Uid
	// Deliver to every connected session instead of one room.
	broadcast bool
	// Socket id to suppress, for self-excluding verbs. Empty delivers to all.
	skipSid string
	// Pre-encoded 42-frame.
	frame []byte
}

// Hub routes events to subscribed sessions. All map access happens on the
// hub goroutine; sessions communicate through channels only.
type Hub struct {
	// Per-room subscriber sets, maintained incrementally on join/leave.
	rooms map[t.Uid]map[*Session]bool

	// Subscribe a session to room fan-out. Buffered.
	join chan *hubSubscription

	// Unsubscribe a session from one room. Buffered.
	leave chan *hubSubscription

	// Remove a session from every room (disconnect). Buffered.
	detach chan *Session

	// Events to deliver, buffered 4096.
	route chan *hubEvent

	// Request to shut down, unbuffered.
	shutdown chan chan<- bool
}

func newHub() *Hub {
	h := &Hub{
		rooms:    make(map[t.Uid]map[*Session]bool),
		join:     make(chan *hubSubscription, 32),
		leave:    make(chan *hubSubscription, 32),
		detach:   make(chan *Session, 32),
		route:    make(chan *hubEvent, 4096),
		shutdown: make(chan chan<- bool),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.join:
			members := h.rooms[sub.room]
			if members == nil {
				members = make(map[*Session]bool)
				h.rooms[sub.room] = members
			}
			members[sub.sess] = true

		case sub := <-h.leave:
			if members := h.rooms[sub.room]; members != nil {
				delete(members, sub.sess)
				if len(members) == 0 {
					delete(h.rooms, sub.room)
				}
			}

		case sess := <-h.detach:
			for room, members := range h.rooms {
				delete(members, sess)
				if len(members) == 0 {
					delete(h.rooms, room)
				}
			}

		case ev := <-h.route:
			if ev.broadcast {
				globals.sessionStore.Range(func(sess *Session) bool {
					h.deliver(sess, ev)
					return true
				})
			} else {
				for sess := range h.rooms[ev.room] {
					h.deliver(sess, ev)
				}
			}

		case done := <-h.shutdown:
			log.Info().Int("rooms", len(h.rooms)).Msg("hub shutdown")
			done <- true
			return
		}
	}
}

// deliver writes the frame to one session's send queue. A stuck session is
// detached rather than allowed to block the fan-out loop.
func (h *Hub) deliver(sess *Session, ev *hubEvent) {
	if ev.skipSid != "" && sess.sid == ev.skipSid {
		return
	}
	select {
	case sess.send <- ev.frame:
		fanoutDeliveries.Inc()
	default:
		log.Warn().Str("sid", sess.sid).Msg("hub: session send queue full, stopping it")
		sess.stopSession()
	}
}

// routeToRoom fans an event out to one room. skipSid suppresses the
// originator for self-excluding verbs.
func (h *Hub) routeToRoom(room t.Uid, skipSid, event string, data interface{}) {
	frame, err := encodeEvent(event, data)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("hub: encode failed")
		return
	}
	h.route <- &hubEvent{room: room, skipSid: skipSid, frame: frame}
}

// routeToAll fans an event out to every connected session.
func (h *Hub) routeToAll(skipSid, event string, data interface{}) {
	frame, err := encodeEvent(event, data)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("hub: encode failed")
		return
	}
	h.route <- &hubEvent{broadcast: true, skipSid: skipSid, frame: frame}
}
