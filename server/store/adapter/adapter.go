// Package adapter contains the interface to be implemented by the database
// adapter.
package adapter

import (
	t "github.com/onionchat/onionchat/server/store/types"
)

// Adapter is the interface that must be implemented by a database adapter.
// Every method is atomic at the row level; composite operations (room
// creation with the creator's membership) run inside a transaction.
type Adapter interface {
	// General

	// Open connects to the database and configures the pool.
	Open(dsn string) error
	// Close closes the adapter.
	Close() error
	// IsOpen checks if the adapter is ready for use.
	IsOpen() bool
	// InitSchema creates tables and indexes if they do not exist.
	InitSchema() error
	// GetName returns the name of the adapter.
	GetName() string

	// User management

	// UserCreate creates a user record.
	UserCreate(user *t.User) error
	// UserGet returns the record for a given user id, nil if not found.
	UserGet(id t.Uid) (*t.User, error)
	// UserGetByUsername returns the record for a given username, nil if not found.
	UserGetByUsername(username string) (*t.User, error)
	// UserGetAll returns all users ordered by username.
	UserGetAll() ([]t.User, error)
	// UserCount returns the total number of users.
	UserCount() (int, error)
	// UserUpdate applies a partial update to the named columns.
	UserUpdate(id t.Uid, update map[string]interface{}) error
	// UserDelete removes the user record.
	UserDelete(id t.Uid) error
	// UserSetOnline flips the durable online flag; offline also stamps last_seen.
	UserSetOnline(id t.Uid, online bool) error
	// UserOwnedRoomCount returns how many rooms the user created.
	UserOwnedRoomCount(id t.Uid) (int, error)
	// UserUsernameOrEmailExists reports a register-time collision.
	UserUsernameOrEmailExists(username string, email *string) (bool, error)

	// Room management

	// RoomCreate inserts the room and the creator's admin membership in one
	// transaction.
	RoomCreate(room *t.Room, creator t.Uid) error
	// RoomGet returns the room, nil if not found.
	RoomGet(id t.Uid) (*t.Room, error)
	// RoomsPublic returns all public rooms, newest first.
	RoomsPublic() ([]t.Room, error)
	// RoomsForUser returns public rooms plus the user's private memberships,
	// newest first.
	RoomsForUser(user t.Uid) ([]t.Room, error)
	// RoomsAll returns every room, newest first.
	RoomsAll() ([]t.Room, error)
	// RoomDelete removes the room; memberships and messages cascade.
	RoomDelete(id t.Uid) error

	// Membership

	// MemberAdd inserts a membership. Returns t.ErrDuplicate on conflict.
	MemberAdd(member *t.RoomMember) error
	// MemberGet returns the membership, nil if absent.
	MemberGet(room, user t.Uid) (*t.RoomMember, error)
	// MemberRemove deletes a membership. Returns false when none existed.
	MemberRemove(room, user t.Uid) (bool, error)
	// MembersForRoom returns all memberships of the room.
	MembersForRoom(room t.Uid) ([]t.RoomMember, error)
	// MemberCount returns the current number of members in the room.
	MemberCount(room t.Uid) (int, error)
	// MemberSetLastRead records the member's read mark.
	MemberSetLastRead(room, user, message t.Uid) error

	// Messages

	// MessageSave persists a new message and assigns id/created_at.
	MessageSave(msg *t.Message) error
	// MessageGet returns the message, nil if not found.
	MessageGet(id t.Uid) (*t.Message, error)
	// MessagesForRoom returns messages newest first with pagination, each
	// carrying its sender projection.
	MessagesForRoom(room t.Uid, opt *t.QueryOpt) ([]t.Message, error)
	// MessageUpdateContent overwrites content and marks the edit.
	MessageUpdateContent(id t.Uid, content string) error
	// MessageTombstone blanks the content and marks the row deleted.
	MessageTombstone(id t.Uid) error
	// MessageSetReactions replaces the reactions map.
	MessageSetReactions(id t.Uid, reactions t.Reactions) error
	// MessageCount returns the total number of messages.
	MessageCount() (int, error)

	// Admin statistics

	// Stats returns aggregate counters for the admin dashboard.
	Stats() (*Stats, error)
}

// Stats is the aggregate snapshot returned by GET /api/admin/stats.
type Stats struct {
	TotalUsers          int
	OnlineUsers         int
	BannedUsers         int
	AdminUsers          int
	RecentRegistrations int
	TotalRooms          int
	PublicRooms         int
	TotalMessages       int
	ActiveRooms         []ActiveRoom
}

// ActiveRoom is one row of the most-active-rooms board.
type ActiveRoom struct {
	Id           t.Uid  `db:"id" json:"id"`
	Name         string `db:"name" json:"name"`
	MessageCount int    `db:"message_count" json:"messageCount"`
}
