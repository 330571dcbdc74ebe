/******************************************************************************
 *
 *  Description :
 *
 *    Wire structures: REST request/response bodies and event payloads.
 *    Fields are camelCase on the wire; snake_case is accepted as an alias
 *    on ingress.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"time"

	t "github.com/onionchat/onionchat/server/store/types"
)

// coalesce returns the first non-empty string.
func coalesce(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func coalesceStrPtr(vals ...*string) *string {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func coalesceIntPtr(vals ...*int) *int {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

// Client to server: REST requests.

// RegisterRequest is the body of POST /api/auth/register.
type RegisterRequest struct {
	Username    string  `json:"username"`
	Password    string  `json:"password"`
	Email       *string `json:"email"`
	DisplayName *string `json:"displayName"`
	PublicKey   *string `json:"publicKey"`
}

// UnmarshalJSON accepts both camelCase and snake_case field names.
func (r *RegisterRequest) UnmarshalJSON(b []byte) error {
	var aux struct {
		Username        string  `json:"username"`
		Password        string  `json:"password"`
		Email           *string `json:"email"`
		DisplayName     *string `json:"displayName"`
		DisplayNameAlt  *string `json:"display_name"`
		PublicKey       *string `json:"publicKey"`
		PublicKeyAlt    *string `json:"public_key"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	r.Username = aux.Username
	r.Password = aux.Password
	r.Email = aux.Email
	r.DisplayName = coalesceStrPtr(aux.DisplayName, aux.DisplayNameAlt)
	r.PublicKey = coalesceStrPtr(aux.PublicKey, aux.PublicKeyAlt)
	return nil
}

// LoginRequest is the body of POST /api/auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthResponse is returned by register and login.
type AuthResponse struct {
	Message string  `json:"message"`
	Token   string  `json:"token"`
	User    *t.User `json:"user"`
}

// CreateRoomRequest is the body of POST /api/rooms.
type CreateRoomRequest struct {
	Name        string  `json:"name"`
	Description *string `json:"description"`
	Type        string  `json:"type"`
	MaxMembers  *int    `json:"maxMembers"`
	Avatar      *string `json:"avatar"`
}

// UnmarshalJSON accepts both camelCase and snake_case field names.
func (r *CreateRoomRequest) UnmarshalJSON(b []byte) error {
	var aux struct {
		Name          string  `json:"name"`
		Description   *string `json:"description"`
		Type          string  `json:"type"`
		RoomType      string  `json:"room_type"`
		MaxMembers    *int    `json:"maxMembers"`
		MaxMembersAlt *int    `json:"max_members"`
		Avatar        *string `json:"avatar"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	r.Name = aux.Name
	r.Description = aux.Description
	r.Type = coalesce(aux.Type, aux.RoomType)
	r.MaxMembers = coalesceIntPtr(aux.MaxMembers, aux.MaxMembersAlt)
	r.Avatar = aux.Avatar
	return nil
}

// AddMemberRequest is the body of POST /api/rooms/:id/members.
type AddMemberRequest struct {
	UserId string `json:"userId"`
}

// UnmarshalJSON accepts both camelCase and snake_case field names.
func (r *AddMemberRequest) UnmarshalJSON(b []byte) error {
	var aux struct {
		UserId    string `json:"userId"`
		UserIdAlt string `json:"user_id"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	r.UserId = coalesce(aux.UserId, aux.UserIdAlt)
	return nil
}

// MemberResponse is one entry of GET /api/rooms/:id/members.
type MemberResponse struct {
	UserId   t.Uid          `json:"userId"`
	Role     string         `json:"role"`
	JoinedAt time.Time      `json:"joinedAt"`
	User     *MemberProfile `json:"user"`
}

// MemberProfile is the user projection inside MemberResponse.
type MemberProfile struct {
	Id          t.Uid      `json:"id"`
	Username    string     `json:"username"`
	DisplayName *string    `json:"displayName,omitempty"`
	Avatar      *string    `json:"avatar,omitempty"`
	PublicKey   *string    `json:"publicKey,omitempty"`
	IsOnline    bool       `json:"isOnline"`
	LastSeen    *time.Time `json:"lastSeen,omitempty"`
}

// Client to server: event verb payloads.

// authPayload is the payload of the "authenticate" verb.
type authPayload struct {
	Token string `json:"token"`
}

// roomPayload carries a single room id ("join_room", "leave_room").
type roomPayload struct {
	RoomId string `json:"roomId"`
}

// UnmarshalJSON accepts both camelCase and snake_case field names.
func (p *roomPayload) UnmarshalJSON(b []byte) error {
	var aux struct {
		RoomId    string `json:"roomId"`
		RoomIdAlt string `json:"room_id"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	p.RoomId = coalesce(aux.RoomId, aux.RoomIdAlt)
	return nil
}

// sendMessagePayload is the payload of "send_message".
type sendMessagePayload struct {
	RoomId      string     `json:"roomId"`
	Content     string     `json:"content"`
	MessageType string     `json:"messageType"`
	ParentId    string     `json:"parentId"`
	Metadata    t.Metadata `json:"metadata"`
	Attachments []string   `json:"attachments"`
}

// UnmarshalJSON accepts both camelCase and snake_case field names.
func (p *sendMessagePayload) UnmarshalJSON(b []byte) error {
	var aux struct {
		RoomId         string     `json:"roomId"`
		RoomIdAlt      string     `json:"room_id"`
		Content        string     `json:"content"`
		MessageType    string     `json:"messageType"`
		MessageTypeAlt string     `json:"message_type"`
		ParentId       string     `json:"parentId"`
		ParentIdAlt    string     `json:"parent_id"`
		Metadata       t.Metadata `json:"metadata"`
		Attachments    []string   `json:"attachments"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	p.RoomId = coalesce(aux.RoomId, aux.RoomIdAlt)
	p.Content = aux.Content
	p.MessageType = coalesce(aux.MessageType, aux.MessageTypeAlt)
	p.ParentId = coalesce(aux.ParentId, aux.ParentIdAlt)
	p.Metadata = aux.Metadata
	p.Attachments = aux.Attachments
	return nil
}

// editMessagePayload is the payload of "edit_message".
type editMessagePayload struct {
	MessageId string `json:"messageId"`
	Content   string `json:"content"`
}

// UnmarshalJSON accepts both camelCase and snake_case field names.
func (p *editMessagePayload) UnmarshalJSON(b []byte) error {
	var aux struct {
		MessageId    string `json:"messageId"`
		MessageIdAlt string `json:"message_id"`
		Content      string `json:"content"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	p.MessageId = coalesce(aux.MessageId, aux.MessageIdAlt)
	p.Content = aux.Content
	return nil
}

// messagePayload carries a single message id ("delete_message").
type messagePayload struct {
	MessageId string `json:"messageId"`
}

// UnmarshalJSON accepts both camelCase and snake_case field names.
func (p *messagePayload) UnmarshalJSON(b []byte) error {
	var aux struct {
		MessageId    string `json:"messageId"`
		MessageIdAlt string `json:"message_id"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	p.MessageId = coalesce(aux.MessageId, aux.MessageIdAlt)
	return nil
}

// reactionPayload is the payload of "add_reaction"/"remove_reaction".
type reactionPayload struct {
	MessageId string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

// UnmarshalJSON accepts both camelCase and snake_case field names.
func (p *reactionPayload) UnmarshalJSON(b []byte) error {
	var aux struct {
		MessageId    string `json:"messageId"`
		MessageIdAlt string `json:"message_id"`
		Emoji        string `json:"emoji"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	p.MessageId = coalesce(aux.MessageId, aux.MessageIdAlt)
	p.Emoji = aux.Emoji
	return nil
}

// typingPayload is the payload of "typing".
type typingPayload struct {
	RoomId string `json:"roomId"`
	Typing bool   `json:"typing"`
}

// UnmarshalJSON accepts both camelCase and snake_case field names.
func (p *typingPayload) UnmarshalJSON(b []byte) error {
	var aux struct {
		RoomId    string `json:"roomId"`
		RoomIdAlt string `json:"room_id"`
		Typing    bool   `json:"typing"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	p.RoomId = coalesce(aux.RoomId, aux.RoomIdAlt)
	p.Typing = aux.Typing
	return nil
}

// markReadPayload is the payload of "mark_read".
type markReadPayload struct {
	RoomId    string `json:"roomId"`
	MessageId string `json:"messageId"`
}

// UnmarshalJSON accepts both camelCase and snake_case field names.
func (p *markReadPayload) UnmarshalJSON(b []byte) error {
	var aux struct {
		RoomId       string `json:"roomId"`
		RoomIdAlt    string `json:"room_id"`
		MessageId    string `json:"messageId"`
		MessageIdAlt string `json:"message_id"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	p.RoomId = coalesce(aux.RoomId, aux.RoomIdAlt)
	p.MessageId = coalesce(aux.MessageId, aux.MessageIdAlt)
	return nil
}

// forwardPayload is the payload of "forward_message".
type forwardPayload struct {
	MessageId    string `json:"messageId"`
	TargetRoomId string `json:"targetRoomId"`
}

// UnmarshalJSON accepts both camelCase and snake_case field names.
func (p *forwardPayload) UnmarshalJSON(b []byte) error {
	var aux struct {
		MessageId       string `json:"messageId"`
		MessageIdAlt    string `json:"message_id"`
		TargetRoomId    string `json:"targetRoomId"`
		TargetRoomIdAlt string `json:"target_room_id"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	p.MessageId = coalesce(aux.MessageId, aux.MessageIdAlt)
	p.TargetRoomId = coalesce(aux.TargetRoomId, aux.TargetRoomIdAlt)
	return nil
}

// Server to client event names.
const (
	evAuthenticated   = "authenticated"
	evError           = "error"
	evUserOnline      = "user_online"
	evUserOffline     = "user_offline"
	evJoinedRoom      = "joined_room"
	evLeftRoom        = "left_room"
	evNewMessage      = "new_message"
	evMessageEdited   = "message_edited"
	evMessageDeleted  = "message_deleted"
	evReactionAdded   = "reaction_added"
	evReactionRemoved = "reaction_removed"
	evUserTyping      = "user_typing"
	evMessageRead     = "message_read"
	evRoomCreated     = "room_created"
	evRoomDeleted     = "room_deleted"
	evMemberJoined    = "member_joined"
	evMemberLeft      = "member_left"
	evMemberRemoved   = "member_removed"
	evUserBanned      = "user_banned"
)

// errorEvent is the payload of the "error" event, sent to the originator
// only, never fanned out.
type errorEvent struct {
	Message string `json:"message"`
}
