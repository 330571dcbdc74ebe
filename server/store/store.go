// Package store is a thin facade over the database adapter. It owns the
// adapter registry and groups operations by entity.
package store

import (
	"crypto/rand"
	"encoding/base64"
	"errors"

	"github.com/onionchat/onionchat/server/store/adapter"
	t "github.com/onionchat/onionchat/server/store/types"
)

var adp adapter.Adapter

var availableAdapters = make(map[string]adapter.Adapter)

// RegisterAdapter makes a database adapter available by name. Called from
// the adapter package's init or from main.
func RegisterAdapter(name string, a adapter.Adapter) {
	if a == nil {
		panic("store: nil adapter")
	}
	if _, dup := availableAdapters[name]; dup {
		panic("store: adapter '" + name + "' is already registered")
	}
	availableAdapters[name] = a
}

// Open initializes the named adapter with the given DSN and creates the
// schema if needed.
func Open(name, dsn string) error {
	a, ok := availableAdapters[name]
	if !ok {
		return errors.New("store: unknown adapter '" + name + "'")
	}
	if err := a.Open(dsn); err != nil {
		return err
	}
	if err := a.InitSchema(); err != nil {
		a.Close()
		return err
	}
	adp = a
	return nil
}

// Close shuts down the active adapter.
func Close() error {
	if adp == nil {
		return nil
	}
	err := adp.Close()
	adp = nil
	return err
}

// UseAdapter installs an already-open adapter directly. Test hook.
func UseAdapter(a adapter.Adapter) {
	adp = a
}

// GenerateRoomKey returns a fresh random symmetric room key, base64 encoded.
// Clients use it for message encryption; the server treats it as opaque.
func GenerateRoomKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// UsersObjMapper is the store API for users.
type UsersObjMapper struct{}

// Users is the access point for user operations.
var Users UsersObjMapper

// Create inserts a new user record.
func (UsersObjMapper) Create(user *t.User) error {
	return adp.UserCreate(user)
}

// Get loads a user by id, nil if not found.
func (UsersObjMapper) Get(id t.Uid) (*t.User, error) {
	return adp.UserGet(id)
}

// GetByUsername loads a user by username, nil if not found.
func (UsersObjMapper) GetByUsername(username string) (*t.User, error) {
	return adp.UserGetByUsername(username)
}

// GetAll returns all users ordered by username.
func (UsersObjMapper) GetAll() ([]t.User, error) {
	return adp.UserGetAll()
}

// Count returns the total number of users.
func (UsersObjMapper) Count() (int, error) {
	return adp.UserCount()
}

// Update applies a partial column update.
func (UsersObjMapper) Update(id t.Uid, update map[string]interface{}) error {
	return adp.UserUpdate(id, update)
}

// Delete removes the user.
func (UsersObjMapper) Delete(id t.Uid) error {
	return adp.UserDelete(id)
}

// SetOnline updates the durable presence shadow.
func (UsersObjMapper) SetOnline(id t.Uid, online bool) error {
	return adp.UserSetOnline(id, online)
}

// OwnedRoomCount returns how many rooms the user created.
func (UsersObjMapper) OwnedRoomCount(id t.Uid) (int, error) {
	return adp.UserOwnedRoomCount(id)
}

// Exists reports a username/email collision for registration.
func (UsersObjMapper) Exists(username string, email *string) (bool, error) {
	return adp.UserUsernameOrEmailExists(username, email)
}

// RoomsObjMapper is the store API for rooms.
type RoomsObjMapper struct{}

// Rooms is the access point for room operations.
var Rooms RoomsObjMapper

// Create inserts a room with the creator as its admin member.
func (RoomsObjMapper) Create(room *t.Room, creator t.Uid) error {
	return adp.RoomCreate(room, creator)
}

// Get loads a room by id, nil if not found.
func (RoomsObjMapper) Get(id t.Uid) (*t.Room, error) {
	return adp.RoomGet(id)
}

// GetPublic returns all public rooms.
func (RoomsObjMapper) GetPublic() ([]t.Room, error) {
	return adp.RoomsPublic()
}

// GetForUser returns public rooms plus the user's private memberships.
func (RoomsObjMapper) GetForUser(user t.Uid) ([]t.Room, error) {
	return adp.RoomsForUser(user)
}

// GetAll returns every room.
func (RoomsObjMapper) GetAll() ([]t.Room, error) {
	return adp.RoomsAll()
}

// Delete removes the room with its memberships and messages.
func (RoomsObjMapper) Delete(id t.Uid) error {
	return adp.RoomDelete(id)
}

// MembersObjMapper is the store API for room memberships.
type MembersObjMapper struct{}

// Members is the access point for membership operations.
var Members MembersObjMapper

// Add inserts a membership; t.ErrDuplicate when it already exists.
func (MembersObjMapper) Add(member *t.RoomMember) error {
	return adp.MemberAdd(member)
}

// Get loads one membership, nil if absent.
func (MembersObjMapper) Get(room, user t.Uid) (*t.RoomMember, error) {
	return adp.MemberGet(room, user)
}

// Remove deletes a membership; false when none existed.
func (MembersObjMapper) Remove(room, user t.Uid) (bool, error) {
	return adp.MemberRemove(room, user)
}

// GetForRoom returns all memberships of a room.
func (MembersObjMapper) GetForRoom(room t.Uid) ([]t.RoomMember, error) {
	return adp.MembersForRoom(room)
}

// Count returns the room's current member count.
func (MembersObjMapper) Count(room t.Uid) (int, error) {
	return adp.MemberCount(room)
}

// SetLastRead records the member's read mark.
func (MembersObjMapper) SetLastRead(room, user, message t.Uid) error {
	return adp.MemberSetLastRead(room, user, message)
}

// MessagesObjMapper is the store API for messages.
type MessagesObjMapper struct{}

// Messages is the access point for message operations.
var Messages MessagesObjMapper

// Save persists a message, assigning id and created_at.
func (MessagesObjMapper) Save(msg *t.Message) error {
	return adp.MessageSave(msg)
}

// Get loads a message by id, nil if not found.
func (MessagesObjMapper) Get(id t.Uid) (*t.Message, error) {
	return adp.MessageGet(id)
}

// GetForRoom returns a page of the room's messages, newest first.
func (MessagesObjMapper) GetForRoom(room t.Uid, opt *t.QueryOpt) ([]t.Message, error) {
	return adp.MessagesForRoom(room, opt)
}

// UpdateContent overwrites a message's ciphertext and marks it edited.
func (MessagesObjMapper) UpdateContent(id t.Uid, content string) error {
	return adp.MessageUpdateContent(id, content)
}

// Tombstone blanks the content and marks the row deleted. The row is
// retained for referential integrity.
func (MessagesObjMapper) Tombstone(id t.Uid) error {
	return adp.MessageTombstone(id)
}

// SetReactions replaces the reactions map.
func (MessagesObjMapper) SetReactions(id t.Uid, reactions t.Reactions) error {
	return adp.MessageSetReactions(id, reactions)
}

// StatsObjMapper is the store API for aggregate statistics.
type StatsObjMapper struct{}

// Stats is the access point for admin statistics.
var Stats StatsObjMapper

// Get returns the aggregate snapshot for the admin dashboard.
func (StatsObjMapper) Get() (*adapter.Stats, error) {
	return adp.Stats()
}
