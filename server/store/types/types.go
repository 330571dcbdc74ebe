// Package types defines the entities shared by the store, the REST surface
// and the event broker.
package types

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Uid is a 128-bit record identifier, rendered on the wire in the canonical
// dashed form.
type Uid = uuid.UUID

// ZeroUid is the all-zero Uid.
var ZeroUid Uid

// NewUid returns a fresh random Uid.
func NewUid() Uid {
	return uuid.New()
}

// ParseUid parses the canonical dashed form.
func ParseUid(s string) (Uid, error) {
	return uuid.Parse(s)
}

// TimeNow returns the current UTC time rounded to millisecond precision,
// the resolution we promise on the wire.
func TimeNow() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}

// Store errors surfaced across the adapter boundary.
var (
	// ErrDuplicate means a uniqueness constraint was violated.
	ErrDuplicate = errors.New("duplicate record")
	// ErrNotFound means the requested record does not exist.
	ErrNotFound = errors.New("record not found")
)

// Room types.
const (
	RoomTypePublic  = "public"
	RoomTypePrivate = "private"
)

// Member roles.
const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Message types. The content itself is opaque ciphertext in all of them;
// the type only hints at how the client should render it.
const (
	MessageTypeText   = "text"
	MessageTypeFile   = "file"
	MessageTypeImage  = "image"
	MessageTypeVideo  = "video"
	MessageTypeSystem = "system"
)

// Room size limits.
const (
	MinRoomMembers     = 2
	MaxRoomMembers     = 1000
	DefaultRoomMembers = 100
)

const (
	minUsernameLen = 3
	maxUsernameLen = 50
	minPasswordLen = 8
	maxPasswordLen = 100
	maxRoomNameLen = 100
	maxDescLen     = 500
)

// User is a registered account. PasswordHash never leaves the store layer.
type User struct {
	Id           Uid        `db:"id" json:"id"`
	Username     string     `db:"username" json:"username"`
	Email        *string    `db:"email" json:"email,omitempty"`
	PasswordHash string     `db:"password_hash" json:"-"`
	PublicKey    *string    `db:"public_key" json:"publicKey,omitempty"`
	PrivateKey   *string    `db:"private_key" json:"-"`
	DisplayName  *string    `db:"display_name" json:"displayName,omitempty"`
	Avatar       *string    `db:"avatar" json:"avatar,omitempty"`
	IsOnline     bool       `db:"is_online" json:"isOnline"`
	LastSeen     *time.Time `db:"last_seen" json:"lastSeen,omitempty"`
	IsAdmin      bool       `db:"is_admin" json:"isAdmin"`
	IsBanned     bool       `db:"is_banned" json:"isBanned"`
	CreatedAt    time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updatedAt"`
}

// Sender is the projection of a user attached to every message on the wire.
type Sender struct {
	Id          Uid     `json:"id"`
	Username    string  `json:"username"`
	DisplayName *string `json:"displayName,omitempty"`
	Avatar      *string `json:"avatar,omitempty"`
	PublicKey   *string `json:"publicKey,omitempty"`
}

// AsSender returns the message-sender projection of the user.
func (u *User) AsSender() *Sender {
	return &Sender{
		Id:          u.Id,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		Avatar:      u.Avatar,
		PublicKey:   u.PublicKey,
	}
}

// Room is a container of members and ciphertext messages. EncryptionKey is
// the symmetric key clients use; it is only serialized through the member
// projection.
type Room struct {
	Id            Uid       `db:"id" json:"id"`
	Name          string    `db:"name" json:"name"`
	Description   *string   `db:"description" json:"description,omitempty"`
	RoomType      string    `db:"room_type" json:"type"`
	EncryptionKey string    `db:"encryption_key" json:"-"`
	CreatorId     *Uid      `db:"creator_id" json:"creatorId,omitempty"`
	MaxMembers    int       `db:"max_members" json:"maxMembers"`
	Avatar        *string   `db:"avatar" json:"avatar,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"createdAt"`
}

// RoomView is a room as serialized for a particular audience. The member
// projection carries the encryption key, the public one does not.
type RoomView struct {
	Room
	EncryptionKey string `json:"encryptionKey,omitempty"`
}

// PublicView strips the encryption key.
func (r *Room) PublicView() *RoomView {
	return &RoomView{Room: *r}
}

// MemberView includes the encryption key.
func (r *Room) MemberView() *RoomView {
	return &RoomView{Room: *r, EncryptionKey: r.EncryptionKey}
}

// IsPublic reports whether the room is visible to non-members.
func (r *Room) IsPublic() bool {
	return r.RoomType == RoomTypePublic
}

// RoomMember is a user's membership in a room.
type RoomMember struct {
	Id                Uid        `db:"id" json:"id"`
	RoomId            Uid        `db:"room_id" json:"roomId"`
	UserId            Uid        `db:"user_id" json:"userId"`
	Role              string     `db:"role" json:"role"`
	JoinedAt          time.Time  `db:"joined_at" json:"joinedAt"`
	LastReadMessageId *Uid       `db:"last_read_message_id" json:"lastReadMessageId,omitempty"`
	LastReadAt        *time.Time `db:"last_read_at" json:"lastReadAt,omitempty"`
}

// Reactions maps an emoji to the set of user ids who reacted with it.
// Persisted as a JSONB column.
type Reactions map[string][]Uid

// Value implements driver.Valuer.
func (r Reactions) Value() (driver.Value, error) {
	if r == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(r)
}

// Scan implements sql.Scanner.
func (r *Reactions) Scan(src interface{}) error {
	if src == nil {
		*r = Reactions{}
		return nil
	}
	var b []byte
	switch v := src.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("reactions: cannot scan %T", src)
	}
	if len(b) == 0 {
		*r = Reactions{}
		return nil
	}
	return json.Unmarshal(b, r)
}

// Add inserts user into the emoji's set. Returns false if the user had
// already reacted with that emoji.
func (r Reactions) Add(emoji string, user Uid) bool {
	for _, u := range r[emoji] {
		if u == user {
			return false
		}
	}
	r[emoji] = append(r[emoji], user)
	return true
}

// Remove deletes user from the emoji's set, dropping the emoji key when its
// set becomes empty. Returns false if the user had not reacted.
func (r Reactions) Remove(emoji string, user Uid) bool {
	users, ok := r[emoji]
	if !ok {
		return false
	}
	for i, u := range users {
		if u == user {
			users = append(users[:i], users[i+1:]...)
			if len(users) == 0 {
				delete(r, emoji)
			} else {
				r[emoji] = users
			}
			return true
		}
	}
	return false
}

// Metadata is opaque client-supplied JSON attached to a message.
type Metadata []byte

// Value implements driver.Valuer.
func (m Metadata) Value() (driver.Value, error) {
	if len(m) == 0 {
		return []byte("{}"), nil
	}
	return []byte(m), nil
}

// Scan implements sql.Scanner.
func (m *Metadata) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*m = nil
	case []byte:
		*m = append((*m)[:0], v...)
	case string:
		*m = Metadata(v)
	default:
		return fmt.Errorf("metadata: cannot scan %T", src)
	}
	return nil
}

// MarshalJSON emits the raw payload, or null when empty.
func (m Metadata) MarshalJSON() ([]byte, error) {
	if len(m) == 0 {
		return []byte("null"), nil
	}
	return []byte(m), nil
}

// UnmarshalJSON stores the raw payload.
func (m *Metadata) UnmarshalJSON(b []byte) error {
	*m = append((*m)[:0], b...)
	return nil
}

// Message is a single chat message. Content is ciphertext produced by the
// client; the server stores and returns it bit-for-bit.
type Message struct {
	Id          Uid        `db:"id" json:"id"`
	RoomId      Uid        `db:"room_id" json:"roomId"`
	SenderId    Uid        `db:"sender_id" json:"senderId"`
	Content     string     `db:"content" json:"content"`
	MessageType string     `db:"message_type" json:"messageType"`
	Metadata    Metadata   `db:"metadata" json:"metadata,omitempty"`
	Attachments []string   `db:"attachments" json:"attachments,omitempty"`
	ParentId    *Uid       `db:"parent_id" json:"parentId,omitempty"`
	Reactions   Reactions  `db:"reactions" json:"reactions"`
	IsEdited    bool       `db:"is_edited" json:"isEdited"`
	EditedAt    *time.Time `db:"edited_at" json:"editedAt,omitempty"`
	IsDeleted   bool       `db:"is_deleted" json:"isDeleted"`
	DeletedAt   *time.Time `db:"deleted_at" json:"deletedAt,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"createdAt"`

	// Sender projection, populated by the store on reads. Not a column.
	Sender *Sender `db:"-" json:"sender,omitempty"`
}

// QueryOpt carries pagination for list queries.
type QueryOpt struct {
	Limit  int
	Offset int
}

// Pagination defaults and caps applied to every list endpoint.
const (
	DefaultQueryLimit = 50
	MaxQueryLimit     = 200
)

// Normalize clamps the options into the allowed range.
func (o *QueryOpt) Normalize() {
	if o.Limit <= 0 {
		o.Limit = DefaultQueryLimit
	} else if o.Limit > MaxQueryLimit {
		o.Limit = MaxQueryLimit
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
}

// ValidateUsername enforces 3-50 characters, alphanumeric plus underscore.
func ValidateUsername(name string) error {
	if len(name) < minUsernameLen || len(name) > maxUsernameLen {
		return fmt.Errorf("username must be %d-%d characters", minUsernameLen, maxUsernameLen)
	}
	for _, c := range name {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_') {
			return errors.New("username may contain only letters, digits and underscore")
		}
	}
	return nil
}

// ValidatePassword enforces the length range only; composition is the
// client's business.
func ValidatePassword(pass string) error {
	if len(pass) < minPasswordLen || len(pass) > maxPasswordLen {
		return fmt.Errorf("password must be %d-%d characters", minPasswordLen, maxPasswordLen)
	}
	return nil
}

// ValidateRoomName enforces 1-100 characters.
func ValidateRoomName(name string) error {
	if len(name) < 1 || len(name) > maxRoomNameLen {
		return fmt.Errorf("room name must be 1-%d characters", maxRoomNameLen)
	}
	return nil
}

// ValidateRoomType accepts "public", "private" or empty (the caller
// defaults empty to private).
func ValidateRoomType(rt string) error {
	if rt != "" && rt != RoomTypePublic && rt != RoomTypePrivate {
		return errors.New("room type must be public or private")
	}
	return nil
}

// ValidateMaxMembers enforces the 2-1000 range.
func ValidateMaxMembers(n int) error {
	if n < MinRoomMembers || n > MaxRoomMembers {
		return fmt.Errorf("max members must be between %d and %d", MinRoomMembers, MaxRoomMembers)
	}
	return nil
}

// ValidateDescription enforces the length cap.
func ValidateDescription(desc string) error {
	if len(desc) > maxDescLen {
		return fmt.Errorf("description must be at most %d characters", maxDescLen)
	}
	return nil
}

// ValidateMessageType accepts the known set or empty (defaults to text).
func ValidateMessageType(mt string) error {
	switch mt {
	case "", MessageTypeText, MessageTypeFile, MessageTypeImage, MessageTypeVideo, MessageTypeSystem:
		return nil
	}
	return errors.New("unknown message type")
}
