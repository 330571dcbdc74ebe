/******************************************************************************
 *
 *  Description :
 *
 *    REST surface: registration, login, session info, user directory.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/onionchat/onionchat/server/store"
	t "github.com/onionchat/onionchat/server/store/types"
)

// handleRegister creates an account. The first user of a fresh store is
// promoted to admin.
func handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, errValidation("Invalid JSON body"))
		return
	}

	if err := t.ValidateUsername(req.Username); err != nil {
		writeError(w, r, errValidation(err.Error()))
		return
	}
	if err := t.ValidatePassword(req.Password); err != nil {
		writeError(w, r, errValidation(err.Error()))
		return
	}

	exists, err := store.Users.Exists(req.Username, req.Email)
	if err != nil {
		writeError(w, r, errDatabase(err))
		return
	}
	if exists {
		writeError(w, r, errConflict("Username or email already exists"))
		return
	}

	count, err := store.Users.Count()
	if err != nil {
		writeError(w, r, errDatabase(err))
		return
	}
	firstUser := count == 0

	hash, err := globals.auth.Hash(req.Password)
	if err != nil {
		writeError(w, r, errInternal("Failed to hash password", err))
		return
	}

	displayName := req.DisplayName
	if displayName == nil {
		displayName = &req.Username
	}

	user := &t.User{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: hash,
		PublicKey:    req.PublicKey,
		DisplayName:  displayName,
		IsAdmin:      firstUser,
	}
	if err := store.Users.Create(user); err != nil {
		if err == t.ErrDuplicate {
			writeError(w, r, errConflict("Username or email already exists"))
			return
		}
		writeError(w, r, errDatabase(err))
		return
	}

	token, err := globals.auth.Issue(user.Id)
	if err != nil {
		writeError(w, r, errInternal("Failed to generate token", err))
		return
	}

	if firstUser {
		log.Info().Str("user", user.Username).Msg("first user registered as admin")
	} else {
		log.Info().Str("user", user.Username).Msg("new user registered")
	}

	writeJSON(w, http.StatusOK, &AuthResponse{
		Message: "User registered successfully",
		Token:   token,
		User:    user,
	})
}

// handleLogin verifies credentials and issues a token. Banned accounts get
// 403 only after the password check passes.
func handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, errValidation("Invalid JSON body"))
		return
	}

	user, err := store.Users.GetByUsername(req.Username)
	if err != nil {
		writeError(w, r, errDatabase(err))
		return
	}
	if user == nil || !globals.auth.Verify(req.Password, user.PasswordHash) {
		writeError(w, r, errAuthentication("Invalid credentials"))
		return
	}

	if user.IsBanned {
		writeError(w, r, errAuthorization("Your account has been banned. Please contact an administrator."))
		return
	}

	now := t.TimeNow()
	if err := store.Users.Update(user.Id, map[string]interface{}{"last_seen": now}); err != nil {
		writeError(w, r, errDatabase(err))
		return
	}
	user.LastSeen = &now

	token, err := globals.auth.Issue(user.Id)
	if err != nil {
		writeError(w, r, errInternal("Failed to generate token", err))
		return
	}

	log.Info().Str("user", user.Username).Msg("user logged in")

	writeJSON(w, http.StatusOK, &AuthResponse{
		Message: "Login successful",
		Token:   token,
		User:    user,
	})
}

// handleLogout stamps the durable presence shadow. The bearer token itself
// is stateless and simply expires.
func handleLogout(w http.ResponseWriter, r *http.Request, user *t.User) {
	if err := store.Users.SetOnline(user.Id, false); err != nil {
		writeError(w, r, errDatabase(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out successfully"})
}

// handleMe returns the authenticated user.
func handleMe(w http.ResponseWriter, r *http.Request, user *t.User) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"user": user})
}

// handleListUsers returns the user directory, ordered by username.
func handleListUsers(w http.ResponseWriter, r *http.Request, user *t.User) {
	users, err := store.Users.GetAll()
	if err != nil {
		writeError(w, r, errDatabase(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"users": users})
}
