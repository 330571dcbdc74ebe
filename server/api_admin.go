/******************************************************************************
 *
 *  Description :
 *
 *    REST surface: global administration.
 *
 *****************************************************************************/

package main

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/onionchat/onionchat/server/store"
	t "github.com/onionchat/onionchat/server/store/types"
)

// adminTarget runs the admin predicate and loads the target user from the
// path.
func adminTarget(w http.ResponseWriter, r *http.Request, user *t.User) (*t.User, bool) {
	if aerr := requireAdmin(user); aerr != nil {
		writeError(w, r, aerr)
		return nil, false
	}
	targetId, aerr := pathUid(r, "id")
	if aerr != nil {
		writeError(w, r, aerr)
		return nil, false
	}
	target, err := store.Users.Get(targetId)
	if err != nil {
		writeError(w, r, errDatabase(err))
		return nil, false
	}
	if target == nil {
		writeError(w, r, errNotFound("User not found"))
		return nil, false
	}
	return target, true
}

// handleAdminListUsers returns every account, ordered by username.
func handleAdminListUsers(w http.ResponseWriter, r *http.Request, user *t.User) {
	if aerr := requireAdmin(user); aerr != nil {
		writeError(w, r, aerr)
		return
	}
	users, err := store.Users.GetAll()
	if err != nil {
		writeError(w, r, errDatabase(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"users": users})
}

// handleAdminPromote grants admin to the target.
func handleAdminPromote(w http.ResponseWriter, r *http.Request, user *t.User) {
	target, ok := adminTarget(w, r, user)
	if !ok {
		return
	}
	if target.IsAdmin {
		writeError(w, r, errBadRequest("User is already an admin"))
		return
	}
	if err := store.Users.Update(target.Id, map[string]interface{}{"is_admin": true}); err != nil {
		writeError(w, r, errDatabase(err))
		return
	}
	log.Info().Str("user", target.Username).Str("by", user.Username).Msg("user promoted to admin")
	writeJSON(w, http.StatusOK, map[string]string{"message": "User promoted to admin successfully"})
}

// handleAdminDemote revokes admin. Self-demotion and demoting the last
// admin are rejected to preserve the at-least-one-admin invariant.
func handleAdminDemote(w http.ResponseWriter, r *http.Request, user *t.User) {
	target, ok := adminTarget(w, r, user)
	if !ok {
		return
	}
	if target.Id == user.Id {
		writeError(w, r, errBadRequest("Cannot demote yourself"))
		return
	}
	if !target.IsAdmin {
		writeError(w, r, errBadRequest("User is not an admin"))
		return
	}

	stats, err := store.Stats.Get()
	if err != nil {
		writeError(w, r, errDatabase(err))
		return
	}
	if stats.AdminUsers <= 1 {
		writeError(w, r, errBadRequest("Cannot demote the last admin"))
		return
	}

	if err := store.Users.Update(target.Id, map[string]interface{}{"is_admin": false}); err != nil {
		writeError(w, r, errDatabase(err))
		return
	}
	log.Info().Str("user", target.Username).Str("by", user.Username).Msg("user demoted")
	writeJSON(w, http.StatusOK, map[string]string{"message": "User demoted successfully"})
}

// handleAdminBan bans the target and clears its stored online flag; open
// sockets of the target are not closed. Admins must be demoted before they
// can be banned.
func handleAdminBan(w http.ResponseWriter, r *http.Request, user *t.User) {
	target, ok := adminTarget(w, r, user)
	if !ok {
		return
	}
	if target.Id == user.Id {
		writeError(w, r, errBadRequest("Cannot ban yourself"))
		return
	}
	if target.IsAdmin {
		writeError(w, r, errBadRequest("Cannot ban an admin. Demote them first."))
		return
	}
	if target.IsBanned {
		writeError(w, r, errBadRequest("User is already banned"))
		return
	}

	if err := store.Users.Update(target.Id, map[string]interface{}{
		"is_banned": true,
		"is_online": false,
	}); err != nil {
		writeError(w, r, errDatabase(err))
		return
	}

	log.Info().Str("user", target.Username).Str("by", user.Username).Msg("user banned")

	globals.hub.routeToAll("", evUserBanned, map[string]interface{}{"userId": target.Id})

	writeJSON(w, http.StatusOK, map[string]string{"message": "User banned successfully"})
}

// handleAdminUnban lifts a ban.
func handleAdminUnban(w http.ResponseWriter, r *http.Request, user *t.User) {
	target, ok := adminTarget(w, r, user)
	if !ok {
		return
	}
	if !target.IsBanned {
		writeError(w, r, errBadRequest("User is not banned"))
		return
	}
	if err := store.Users.Update(target.Id, map[string]interface{}{"is_banned": false}); err != nil {
		writeError(w, r, errDatabase(err))
		return
	}
	log.Info().Str("user", target.Username).Str("by", user.Username).Msg("user unbanned")
	writeJSON(w, http.StatusOK, map[string]string{"message": "User unbanned successfully"})
}

// handleAdminDeleteUser removes an account. Rejected while the target still
// owns rooms; those must be deleted or transferred first.
func handleAdminDeleteUser(w http.ResponseWriter, r *http.Request, user *t.User) {
	target, ok := adminTarget(w, r, user)
	if !ok {
		return
	}
	if target.Id == user.Id {
		writeError(w, r, errBadRequest("Cannot delete yourself"))
		return
	}

	owned, err := store.Users.OwnedRoomCount(target.Id)
	if err != nil {
		writeError(w, r, errDatabase(err))
		return
	}
	if owned > 0 {
		writeError(w, r, errBadRequest("User is creator of rooms. Delete or transfer those rooms first."))
		return
	}

	if err := store.Users.Delete(target.Id); err != nil {
		writeError(w, r, errDatabase(err))
		return
	}
	log.Info().Str("user", target.Username).Str("by", user.Username).Msg("user deleted")
	writeJSON(w, http.StatusOK, map[string]string{"message": "User deleted successfully"})
}

// handleAdminListRooms returns every room with its member count and the
// creator profile.
func handleAdminListRooms(w http.ResponseWriter, r *http.Request, user *t.User) {
	if aerr := requireAdmin(user); aerr != nil {
		writeError(w, r, aerr)
		return
	}

	rooms, err := store.Rooms.GetAll()
	if err != nil {
		writeError(w, r, errDatabase(err))
		return
	}

	out := make([]map[string]interface{}, 0, len(rooms))
	for i := range rooms {
		room := &rooms[i]
		memberCount, err := store.Members.Count(room.Id)
		if err != nil {
			writeError(w, r, errDatabase(err))
			return
		}
		entry := map[string]interface{}{
			"room":        room.PublicView(),
			"memberCount": memberCount,
		}
		if room.CreatorId != nil {
			if creator, err := store.Users.Get(*room.CreatorId); err == nil && creator != nil {
				entry["creator"] = map[string]interface{}{
					"id":          creator.Id,
					"username":    creator.Username,
					"displayName": creator.DisplayName,
				}
			}
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rooms": out})
}

// handleAdminDeleteRoom removes any room.
func handleAdminDeleteRoom(w http.ResponseWriter, r *http.Request, user *t.User) {
	if aerr := requireAdmin(user); aerr != nil {
		writeError(w, r, aerr)
		return
	}
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

	if err := store.Rooms.Delete(roomId); err != nil {
		writeError(w, r, errDatabase(err))
		return
	}
	log.Info().Str("room", room.Name).Str("by", user.Username).Msg("room deleted by admin")

	globals.hub.routeToAll("", evRoomDeleted, map[string]interface{}{"roomId": roomId})

	writeJSON(w, http.StatusOK, map[string]string{"message": "Room deleted successfully"})
}

// handleAdminStats returns the aggregate dashboard snapshot.
func handleAdminStats(w http.ResponseWriter, r *http.Request, user *t.User) {
	if aerr := requireAdmin(user); aerr != nil {
		writeError(w, r, aerr)
		return
	}

	stats, err := store.Stats.Get()
	if err != nil {
		writeError(w, r, errDatabase(err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"users": map[string]interface{}{
			"total":               stats.TotalUsers,
			"online":              stats.OnlineUsers,
			"banned":              stats.BannedUsers,
			"admins":              stats.AdminUsers,
			"recentRegistrations": stats.RecentRegistrations,
		},
		"rooms": map[string]interface{}{
			"total":  stats.TotalRooms,
			"public": stats.PublicRooms,
		},
		"messages": map[string]interface{}{
			"total": stats.TotalMessages,
		},
		"sockets": map[string]interface{}{
			"active": globals.sessionStore.Count(),
		},
		"activeRooms": stats.ActiveRooms,
	})
}
