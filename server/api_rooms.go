/******************************************************************************
 *
 *  Description :
 *
 *    REST surface: rooms, membership and message history.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/onionchat/onionchat/server/store"
	t "github.com/onionchat/onionchat/server/store/types"
)

// pathUid parses the named path parameter as a Uid.
func pathUid(r *http.Request, name string) (t.Uid, *AppError) {
	id, err := t.ParseUid(r.PathValue(name))
	if err != nil {
		return t.ZeroUid, errBadRequest("Invalid id")
	}
	return id, nil
}

// queryOpt reads limit/offset query parameters.
func queryOpt(r *http.Request) *t.QueryOpt {
	var opt t.QueryOpt
	opt.Limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	opt.Offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	opt.Normalize()
	return &opt
}

// handleListRooms returns public rooms plus the caller's private
// memberships, in the public projection.
func handleListRooms(w http.ResponseWriter, r *http.Request, user *t.User) {
	rooms, err := store.Rooms.GetForUser(user.Id)
	if err != nil {
		writeError(w, r, errDatabase(err))
		return
	}
	views := make([]*t.RoomView, 0, len(rooms))
	for i := range rooms {
		views = append(views, rooms[i].PublicView())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rooms": views})
}

// handleCreateRoom creates a room with a fresh symmetric key and the caller
// as its admin member. Public rooms require a global admin.
func handleCreateRoom(w http.ResponseWriter, r *http.Request, user *t.User) {
	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, errValidation("Invalid JSON body"))
		return
	}

	if err := t.ValidateRoomName(req.Name); err != nil {
		writeError(w, r, errValidation(err.Error()))
		return
	}
	if err := t.ValidateRoomType(req.Type); err != nil {
		writeError(w, r, errValidation(err.Error()))
		return
	}
	if req.Description != nil {
		if err := t.ValidateDescription(*req.Description); err != nil {
			writeError(w, r, errValidation(err.Error()))
			return
		}
	}
	maxMembers := t.DefaultRoomMembers
	if req.MaxMembers != nil {
		maxMembers = *req.MaxMembers
	}
	if err := t.ValidateMaxMembers(maxMembers); err != nil {
		writeError(w, r, errValidation(err.Error()))
		return
	}

	roomType := req.Type
	if roomType == "" {
		roomType = t.RoomTypePrivate
	}
	if roomType == t.RoomTypePublic && !user.IsAdmin {
		writeError(w, r, errAuthorization("Only admins can create public rooms"))
		return
	}

	key, err := store.GenerateRoomKey()
	if err != nil {
		writeError(w, r, &AppError{Kind: KindEncryption, Details: "Failed to generate room key", Err: err})
		return
	}

	creatorId := user.Id
	room := &t.Room{
		Name:          req.Name,
		Description:   req.Description,
		RoomType:      roomType,
		EncryptionKey: key,
		CreatorId:     &creatorId,
		MaxMembers:    maxMembers,
		Avatar:        req.Avatar,
	}
	if err := store.Rooms.Create(room, user.Id); err != nil {
		writeError(w, r, errDatabase(err))
		return
	}

	log.Info().Str("room", room.Name).Str("user", user.Username).Msg("room created")

	globals.hub.routeToAll("", evRoomCreated, room.PublicView())

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Room created successfully",
		"room":    room.MemberView(),
	})
}

// handleGetRoom returns the member projection. Viewing a public room
// auto-joins the viewer if capacity permits.
func handleGetRoom(w http.ResponseWriter, r *http.Request, user *t.User) {
	roomId, aerr := pathUid(r, "id")
	if aerr != nil {
		writeError(w, r, aerr)
		return
	}

	room, err := store.Rooms.Get(roomId)
	if err != nil {
		writeError(w, r, errDatabase(err))
		return
	}
	if room == nil {
		writeError(w, r, errNotFound("Room not found"))
		return
	}

	member, err := store.Members.Get(roomId, user.Id)
	if err != nil {
		writeError(w, r, errDatabase(err))
		return
	}

	if member == nil {
		if !room.IsPublic() {
			writeError(w, r, errAuthorization("Not a member of this room"))
			return
		}
		if aerr := requireCapacity(room); aerr != nil {
			writeError(w, r, aerr)
			return
		}
		if err := store.Members.Add(&t.RoomMember{
			RoomId: roomId,
			UserId: user.Id,
			Role:   t.RoleMember,
		}); err != nil && err != t.ErrDuplicate {
			writeError(w, r, errDatabase(err))
			return
		}
		log.Info().Str("user", user.Username).Str("room", room.Name).Msg("auto-joined public room")
		globals.hub.routeToRoom(roomId, "", evMemberJoined, map[string]interface{}{
			"roomId":   roomId,
			"userId":   user.Id,
			"username": user.Username,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"room": room.MemberView()})
}

// handleJoinRoom creates an explicit membership.
func handleJoinRoom(w http.ResponseWriter, r *http.Request, user *t.User) {
	roomId, aerr := pathUid(r, "id")
	if aerr != nil {
		writeError(w, r, aerr)
		return
	}

	room, err := store.Rooms.Get(roomId)
	if err != nil {
		writeError(w, r, errDatabase(err))
		return
	}
	if room == nil {
		writeError(w, r, errNotFound("Room not found"))
		return
	}

	member, err := store.Members.Get(roomId, user.Id)
	if err != nil {
		writeError(w, r, errDatabase(err))
		return
	}
	if member != nil {
		writeError(w, r, errBadRequest("Already a member of this room"))
		return
	}

	if aerr := requireCapacity(room); aerr != nil {
		writeError(w, r, aerr)
		return
	}

	if err := store.Members.Add(&t.RoomMember{
		RoomId: roomId,
		UserId: user.Id,
		Role:   t.RoleMember,
	}); err != nil {
		if err == t.ErrDuplicate {
			writeError(w, r, errBadRequest("Already a member of this room"))
			return
		}
		writeError(w, r, errDatabase(err))
		return
	}

	log.Info().Str("user", user.Username).Str("room", room.Name).Msg("joined room")

	globals.hub.routeToRoom(roomId, "", evMemberJoined, map[string]interface{}{
		"roomId":   roomId,
		"userId":   user.Id,
		"username": user.Username,
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Joined room successfully",
		"room":    room.MemberView(),
	})
}

// handleLeaveRoom removes the caller's membership. The creator cannot
// leave; they delete the room instead.
func handleLeaveRoom(w http.ResponseWriter, r *http.Request, user *t.User) {
	roomId, aerr := pathUid(r, "id")
	if aerr != nil {
		writeError(w, r, aerr)
		return
	}

	room, err := store.Rooms.Get(roomId)
	if err != nil {
		writeError(w, r, errDatabase(err))
		return
	}
	if room == nil {
		writeError(w, r, errNotFound("Room not found"))
		return
	}

	if room.CreatorId != nil && *room.CreatorId == user.Id {
		writeError(w, r, errBadRequest("Room creator cannot leave. Delete the room instead."))
		return
	}

	removed, err := store.Members.Remove(roomId, user.Id)
	if err != nil {
		writeError(w, r, errDatabase(err))
		return
	}
	if !removed {
		writeError(w, r, errNotFound("Not a member of this room"))
		return
	}

	log.Info().Str("user", user.Username).Str("room", room.Name).Msg("left room")

	globals.hub.routeToRoom(roomId, "", evMemberLeft, map[string]interface{}{
		"roomId":   roomId,
		"userId":   user.Id,
		"username": user.Username,
	})

	writeJSON(w, http.StatusOK, map[string]string{"message": "Left room successfully"})
}

// handleDeleteRoom removes the room with all memberships and messages.
// Creator or global admin only.
func handleDeleteRoom(w http.ResponseWriter, r *http.Request, user *t.User) {
	roomId, aerr := pathUid(r, "id")
	if aerr != nil {
		writeError(w, r, aerr)
		return
	}

	room, err := store.Rooms.Get(roomId)
	if err != nil {
		writeError(w, r, errDatabase(err))
		return
	}
	if room == nil {
		writeError(w, r, errNotFound("Room not found"))
		return
	}

	if aerr := requireOwnerOrAdmin(room.CreatorId, user); aerr != nil {
		writeError(w, r, errAuthorization("Only room creator or admin can delete room"))
		return
	}

	if err := store.Rooms.Delete(roomId); err != nil {
		writeError(w, r, errDatabase(err))
		return
	}

	log.Info().Str("room", room.Name).Str("user", user.Username).Msg("room deleted")

	globals.hub.routeToAll("", evRoomDeleted, map[string]interface{}{"roomId": roomId})

	writeJSON(w, http.StatusOK, map[string]string{"message": "Room deleted successfully"})
}

// handleGetMessages returns a page of history, newest first. Members only.
func handleGetMessages(w http.ResponseWriter, r *http.Request, user *t.User) {
	roomId, aerr := pathUid(r, "id")
	if aerr != nil {
		writeError(w, r, aerr)
		return
	}

	if _, aerr := requireMember(roomId, user.Id); aerr != nil {
		writeError(w, r, aerr)
		return
	}

	messages, err := store.Messages.GetForRoom(roomId, queryOpt(r))
	if err != nil {
		writeError(w, r, errDatabase(err))
		return
	}
	if messages == nil {
		messages = []t.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": messages})
}

// handleSearchMessages returns the room's full history. Content is opaque
// ciphertext, so filtering happens client side; this endpoint is the
// unpaginated read the client decrypts and searches locally.
func handleSearchMessages(w http.ResponseWriter, r *http.Request, user *t.User) {
	roomId, aerr := pathUid(r, "id")
	if aerr != nil {
		writeError(w, r, aerr)
		return
	}

	if _, aerr := requireMember(roomId, user.Id); aerr != nil {
		writeError(w, r, aerr)
		return
	}

	messages := []t.Message{}
	for offset := 0; ; offset += t.MaxQueryLimit {
		page, err := store.Messages.GetForRoom(roomId, &t.QueryOpt{Limit: t.MaxQueryLimit, Offset: offset})
		if err != nil {
			writeError(w, r, errDatabase(err))
			return
		}
		messages = append(messages, page...)
		if len(page) < t.MaxQueryLimit {
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages": messages,
		"query":    r.URL.Query().Get("q"),
	})
}

// handleGetMembers lists the room's members with their user profiles.
func handleGetMembers(w http.ResponseWriter, r *http.Request, user *t.User) {
	roomId, aerr := pathUid(r, "id")
	if aerr != nil {
		writeError(w, r, aerr)
		return
	}

	if _, aerr := requireMember(roomId, user.Id); aerr != nil {
		writeError(w, r, aerr)
		return
	}

	members, err := store.Members.GetForRoom(roomId)
	if err != nil {
		writeError(w, r, errDatabase(err))
		return
	}

	out := make([]*MemberResponse, 0, len(members))
	for i := range members {
		m := &members[i]
		u, err := store.Users.Get(m.UserId)
		if err != nil {
			writeError(w, r, errDatabase(err))
			return
		}
		if u == nil {
			continue
		}
		out = append(out, &MemberResponse{
			UserId:   m.UserId,
			Role:     m.Role,
			JoinedAt: m.JoinedAt,
			User: &MemberProfile{
				Id:          u.Id,
				Username:    u.Username,
				DisplayName: u.DisplayName,
				Avatar:      u.Avatar,
				PublicKey:   u.PublicKey,
				IsOnline:    u.IsOnline,
				LastSeen:    u.LastSeen,
			},
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"members": out})
}

// handleAddMember adds a user to the room. Room admin or global admin only.
func handleAddMember(w http.ResponseWriter, r *http.Request, user *t.User) {
	roomId, aerr := pathUid(r, "id")
	if aerr != nil {
		writeError(w, r, aerr)
		return
	}

	var req AddMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, errValidation("Invalid JSON body"))
		return
	}
	targetId, err := t.ParseUid(req.UserId)
	if err != nil {
		writeError(w, r, errBadRequest("Invalid userId"))
		return
	}

	room, err := store.Rooms.Get(roomId)
	if err != nil {
		writeError(w, r, errDatabase(err))
		return
	}
	if room == nil {
		writeError(w, r, errNotFound("Room not found"))
		return
	}

	if aerr := requireRoomAdmin(roomId, user); aerr != nil {
		writeError(w, r, aerr)
		return
	}

	target, err := store.Users.Get(targetId)
	if err != nil {
		writeError(w, r, errDatabase(err))
		return
	}
	if target == nil {
		writeError(w, r, errNotFound("User not found"))
		return
	}

	if aerr := requireCapacity(room); aerr != nil {
		writeError(w, r, aerr)
		return
	}

	if err := store.Members.Add(&t.RoomMember{
		RoomId: roomId,
		UserId: targetId,
		Role:   t.RoleMember,
	}); err != nil && err != t.ErrDuplicate {
		writeError(w, r, errDatabase(err))
		return
	}

	log.Info().Str("user", target.Username).Str("room", room.Name).
		Str("by", user.Username).Msg("member added")

	globals.hub.routeToRoom(roomId, "", evMemberJoined, map[string]interface{}{
		"roomId":   roomId,
		"userId":   targetId,
		"username": target.Username,
	})

	writeJSON(w, http.StatusOK, map[string]string{"message": "Member added successfully"})
}

// handleRemoveMember removes a user from the room. Room admin or global
// admin only; the creator cannot be removed.
func handleRemoveMember(w http.ResponseWriter, r *http.Request, user *t.User) {
	roomId, aerr := pathUid(r, "id")
	if aerr != nil {
		writeError(w, r, aerr)
		return
	}
	targetId, aerr := pathUid(r, "uid")
	if aerr != nil {
		writeError(w, r, aerr)
		return
	}

	room, err := store.Rooms.Get(roomId)
	if err != nil {
		writeError(w, r, errDatabase(err))
		return
	}
	if room == nil {
		writeError(w, r, errNotFound("Room not found"))
		return
	}

	if aerr := requireRoomAdmin(roomId, user); aerr != nil {
		writeError(w, r, aerr)
		return
	}

	if room.CreatorId != nil && *room.CreatorId == targetId {
		writeError(w, r, errBadRequest("Cannot remove room creator"))
		return
	}

	removed, err := store.Members.Remove(roomId, targetId)
	if err != nil {
		writeError(w, r, errDatabase(err))
		return
	}
	if !removed {
		writeError(w, r, errNotFound("Member not found"))
		return
	}

	log.Info().Str("user", targetId.String()).Str("room", room.Name).Msg("member removed")

	globals.hub.routeToRoom(roomId, "", evMemberRemoved, map[string]interface{}{
		"roomId": roomId,
		"userId": targetId,
	})

	writeJSON(w, http.StatusOK, map[string]string{"message": "Member removed successfully"})
}
