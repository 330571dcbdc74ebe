/******************************************************************************
 *
 *  Description :
 *
 *    Authorization kernel: the predicates every request path runs before
 *    touching data. Consumed by the REST surface and the event broker.
 *
 *****************************************************************************/

package main

import (
	"net/http"
	"strings"

	"github.com/onionchat/onionchat/server/store"
	t "github.com/onionchat/onionchat/server/store/types"
)

// requireAuthenticated extracts and verifies the bearer token, loads the
// user and rejects banned accounts. Token failures are a uniform 401.
func requireAuthenticated(r *http.Request) (*t.User, *AppError) {
	header := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || token == "" {
		return nil, errAuthentication("Missing authorization token")
	}

	uid, err := globals.auth.Decode(token)
	if err != nil {
		return nil, errAuthentication("Invalid token")
	}

	user, err := store.Users.Get(uid)
	if err != nil {
		return nil, errDatabase(err)
	}
	if user == nil {
		return nil, errAuthentication("User not found")
	}
	if aerr := requireNotBanned(user); aerr != nil {
		return nil, aerr
	}
	return user, nil
}

// requireNotBanned rejects banned accounts.
func requireNotBanned(user *t.User) *AppError {
	if user.IsBanned {
		return errAuthorization("Your account has been banned")
	}
	return nil
}

// requireAdmin rejects non-admin accounts.
func requireAdmin(user *t.User) *AppError {
	if !user.IsAdmin {
		return errAuthorization("Admin access required")
	}
	return nil
}

// requireMember checks room membership and returns the member's role for
// downstream role checks.
func requireMember(room, user t.Uid) (string, *AppError) {
	member, err := store.Members.Get(room, user)
	if err != nil {
		return "", errDatabase(err)
	}
	if member == nil {
		return "", errAuthorization("Not a member of this room")
	}
	return member.Role, nil
}

// requireRoomAdmin allows room admins and global admins.
func requireRoomAdmin(room t.Uid, user *t.User) *AppError {
	role, aerr := requireMember(room, user.Id)
	if aerr != nil {
		if user.IsAdmin {
			return nil
		}
		return aerr
	}
	if role != t.RoleAdmin && !user.IsAdmin {
		return errAuthorization("Only room admins can do this")
	}
	return nil
}

// requireOwnerOrAdmin allows the entity's owner and global admins.
func requireOwnerOrAdmin(owner *t.Uid, user *t.User) *AppError {
	if user.IsAdmin {
		return nil
	}
	if owner != nil && *owner == user.Id {
		return nil
	}
	return errAuthorization("Permission denied")
}

// requireCapacity rejects joins into a full room.
func requireCapacity(room *t.Room) *AppError {
	count, err := store.Members.Count(room.Id)
	if err != nil {
		return errDatabase(err)
	}
	if count >= room.MaxMembers {
		return errBadRequest("Room is full")
	}
	return nil
}
