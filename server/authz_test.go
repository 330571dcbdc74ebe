package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onionchat/onionchat/server/store"
	t "github.com/onionchat/onionchat/server/store/types"
)

// getUser loads a seeded user or fails the test.
func getUser(tt *testing.T, id t.Uid) *t.User {
	tt.Helper()
	user, err := store.Users.Get(id)
	require.NoError(tt, err)
	require.NotNil(tt, user)
	return user
}

func TestRequireAuthenticated(tt *testing.T) {
	setupServer(tt)
	alice := seedUser(tt, "alice", false)

	token, err := globals.auth.Issue(alice)
	require.NoError(tt, err)

	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	user, aerr := requireAuthenticated(req)
	require.Nil(tt, aerr)
	assert.Equal(tt, alice, user.Id)

	// Missing header, wrong scheme, garbage token: all a uniform 401.
	for _, header := range []string{"", "Basic abc", "Bearer ", "Bearer garbage"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		_, aerr := requireAuthenticated(req)
		require.NotNil(tt, aerr, "header %q", header)
		assert.Equal(tt, http.StatusUnauthorized, aerr.Status())
	}
}

func TestRequireAuthenticatedBanned(tt *testing.T) {
	fake := setupServer(tt)
	alice := seedUser(tt, "alice", false)
	require.NoError(tt, fake.UserUpdate(alice, map[string]interface{}{"is_banned": true}))

	token, err := globals.auth.Issue(alice)
	require.NoError(tt, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	_, aerr := requireAuthenticated(req)
	require.NotNil(tt, aerr)
	assert.Equal(tt, http.StatusForbidden, aerr.Status())
}

func TestRequireMember(tt *testing.T) {
	setupServer(tt)
	alice := seedUser(tt, "alice", false)
	bob := seedUser(tt, "bob", false)
	room := seedRoom(tt, alice)

	role, aerr := requireMember(room, alice)
	require.Nil(tt, aerr)
	assert.Equal(tt, t.RoleAdmin, role)

	_, aerr = requireMember(room, bob)
	require.NotNil(tt, aerr)
	assert.Equal(tt, http.StatusForbidden, aerr.Status())
}

func TestRequireRoomAdmin(tt *testing.T) {
	setupServer(tt)
	creator := seedUser(tt, "creator", false)
	member := seedUser(tt, "member", false)
	globalAdmin := seedUser(tt, "root", true)
	outsider := seedUser(tt, "outsider", false)
	room := seedRoom(tt, creator, member)

	assert.Nil(tt, requireRoomAdmin(room, getUser(tt, creator)))
	assert.NotNil(tt, requireRoomAdmin(room, getUser(tt, member)))
	// A global admin passes even without a membership.
	assert.Nil(tt, requireRoomAdmin(room, getUser(tt, globalAdmin)))
	assert.NotNil(tt, requireRoomAdmin(room, getUser(tt, outsider)))
}

func TestRequireOwnerOrAdmin(tt *testing.T) {
	setupServer(tt)
	owner := seedUser(tt, "owner", false)
	other := seedUser(tt, "other", false)
	admin := seedUser(tt, "root", true)

	ownerId := owner
	assert.Nil(tt, requireOwnerOrAdmin(&ownerId, getUser(tt, owner)))
	assert.NotNil(tt, requireOwnerOrAdmin(&ownerId, getUser(tt, other)))
	assert.Nil(tt, requireOwnerOrAdmin(&ownerId, getUser(tt, admin)))
	// Nil owner: only admins pass.
	assert.NotNil(tt, requireOwnerOrAdmin(nil, getUser(tt, owner)))
	assert.Nil(tt, requireOwnerOrAdmin(nil, getUser(tt, admin)))
}

func TestRequireCapacity(tt *testing.T) {
	setupServer(tt)
	alice := seedUser(tt, "alice", false)
	bob := seedUser(tt, "bob", false)

	creatorId := alice
	room := &t.Room{
		Name: "tiny", RoomType: t.RoomTypePrivate, EncryptionKey: "k",
		CreatorId: &creatorId, MaxMembers: 2,
	}
	require.NoError(tt, store.Rooms.Create(room, alice))

	assert.Nil(tt, requireCapacity(room))

	require.NoError(tt, store.Members.Add(&t.RoomMember{
		RoomId: room.Id, UserId: bob, Role: t.RoleMember,
	}))
	aerr := requireCapacity(room)
	require.NotNil(tt, aerr)
	assert.Equal(tt, http.StatusBadRequest, aerr.Status())
}
