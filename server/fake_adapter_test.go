package main

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/onionchat/onionchat/server/auth"
	"github.com/onionchat/onionchat/server/media"
	"github.com/onionchat/onionchat/server/store"
	"github.com/onionchat/onionchat/server/store/adapter"
	t "github.com/onionchat/onionchat/server/store/types"
)

// fakeAdapter is an in-memory adapter for handler and broker tests.
type fakeAdapter struct {
	mu       sync.Mutex
	users    map[t.Uid]*t.User
	rooms    map[t.Uid]*t.Room
	members  map[t.Uid]map[t.Uid]*t.RoomMember // room -> user -> member
	messages map[t.Uid]*t.Message
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		users:    make(map[t.Uid]*t.User),
		rooms:    make(map[t.Uid]*t.Room),
		members:  make(map[t.Uid]map[t.Uid]*t.RoomMember),
		messages: make(map[t.Uid]*t.Message),
	}
}

func (f *fakeAdapter) Open(string) error  { return nil }
func (f *fakeAdapter) Close() error       { return nil }
func (f *fakeAdapter) IsOpen() bool       { return true }
func (f *fakeAdapter) InitSchema() error  { return nil }
func (f *fakeAdapter) GetName() string    { return "fake" }

func copyUser(u *t.User) *t.User {
	c := *u
	return &c
}

func (f *fakeAdapter) UserCreate(user *t.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Username == user.Username {
			return t.ErrDuplicate
		}
	}
	if user.Id == t.ZeroUid {
		user.Id = t.NewUid()
	}
	now := t.TimeNow()
	user.CreatedAt = now
	user.UpdatedAt = now
	f.users[user.Id] = copyUser(user)
	return nil
}

func (f *fakeAdapter) UserGet(id t.Uid) (*t.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, nil
	}
	return copyUser(u), nil
}

func (f *fakeAdapter) UserGetByUsername(username string) (*t.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Username == username {
			return copyUser(u), nil
		}
	}
	return nil, nil
}

func (f *fakeAdapter) UserGetAll() ([]t.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]t.User, 0, len(f.users))
	for _, u := range f.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (f *fakeAdapter) UserCount() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.users), nil
}

func (f *fakeAdapter) UserUpdate(id t.Uid, update map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return t.ErrNotFound
	}
	for col, val := range update {
		switch col {
		case "is_admin":
			u.IsAdmin = val.(bool)
		case "is_banned":
			u.IsBanned = val.(bool)
		case "is_online":
			u.IsOnline = val.(bool)
		case "last_seen":
			ts := val.(time.Time)
			u.LastSeen = &ts
		}
	}
	u.UpdatedAt = t.TimeNow()
	return nil
}

func (f *fakeAdapter) UserDelete(id t.Uid) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[id]; !ok {
		return t.ErrNotFound
	}
	delete(f.users, id)
	return nil
}

func (f *fakeAdapter) UserSetOnline(id t.Uid, online bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return t.ErrNotFound
	}
	u.IsOnline = online
	if !online {
		now := t.TimeNow()
		u.LastSeen = &now
	}
	return nil
}

func (f *fakeAdapter) UserOwnedRoomCount(id t.Uid) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.rooms {
		if r.CreatorId != nil && *r.CreatorId == id {
			n++
		}
	}
	return n, nil
}

func (f *fakeAdapter) UserUsernameOrEmailExists(username string, email *string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Username == username {
			return true, nil
		}
		if email != nil && u.Email != nil && *u.Email == *email {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeAdapter) RoomCreate(room *t.Room, creator t.Uid) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if room.Id == t.ZeroUid {
		room.Id = t.NewUid()
	}
	room.CreatedAt = t.TimeNow()
	c := *room
	f.rooms[room.Id] = &c
	f.members[room.Id] = map[t.Uid]*t.RoomMember{
		creator: {
			Id:       t.NewUid(),
			RoomId:   room.Id,
			UserId:   creator,
			Role:     t.RoleAdmin,
			JoinedAt: room.CreatedAt,
		},
	}
	return nil
}

func (f *fakeAdapter) RoomGet(id t.Uid) (*t.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rooms[id]
	if !ok {
		return nil, nil
	}
	c := *r
	return &c, nil
}

func (f *fakeAdapter) RoomsPublic() ([]t.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []t.Room
	for _, r := range f.rooms {
		if r.RoomType == t.RoomTypePublic {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f *fakeAdapter) RoomsForUser(user t.Uid) ([]t.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []t.Room
	for id, r := range f.rooms {
		if r.RoomType == t.RoomTypePublic {
			out = append(out, *r)
			continue
		}
		if _, ok := f.members[id][user]; ok {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f *fakeAdapter) RoomsAll() ([]t.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []t.Room
	for _, r := range f.rooms {
		out = append(out, *r)
	}
	return out, nil
}

func (f *fakeAdapter) RoomDelete(id t.Uid) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rooms[id]; !ok {
		return t.ErrNotFound
	}
	delete(f.rooms, id)
	delete(f.members, id)
	for mid, m := range f.messages {
		if m.RoomId == id {
			delete(f.messages, mid)
		}
	}
	return nil
}

func (f *fakeAdapter) MemberAdd(member *t.RoomMember) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	roomMembers := f.members[member.RoomId]
	if roomMembers == nil {
		roomMembers = make(map[t.Uid]*t.RoomMember)
		f.members[member.RoomId] = roomMembers
	}
	if _, ok := roomMembers[member.UserId]; ok {
		return t.ErrDuplicate
	}
	if member.Id == t.ZeroUid {
		member.Id = t.NewUid()
	}
	if member.JoinedAt.IsZero() {
		member.JoinedAt = t.TimeNow()
	}
	c := *member
	roomMembers[member.UserId] = &c
	return nil
}

func (f *fakeAdapter) MemberGet(room, user t.Uid) (*t.RoomMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.members[room][user]
	if !ok {
		return nil, nil
	}
	c := *m
	return &c, nil
}

func (f *fakeAdapter) MemberRemove(room, user t.Uid) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.members[room][user]; !ok {
		return false, nil
	}
	delete(f.members[room], user)
	return true, nil
}

func (f *fakeAdapter) MembersForRoom(room t.Uid) ([]t.RoomMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []t.RoomMember
	for _, m := range f.members[room] {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

func (f *fakeAdapter) MemberCount(room t.Uid) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.members[room]), nil
}

func (f *fakeAdapter) MemberSetLastRead(room, user, message t.Uid) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.members[room][user]
	if !ok {
		return t.ErrNotFound
	}
	msg := message
	now := t.TimeNow()
	m.LastReadMessageId = &msg
	m.LastReadAt = &now
	return nil
}

func (f *fakeAdapter) MessageSave(msg *t.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg.Id == t.ZeroUid {
		msg.Id = t.NewUid()
	}
	msg.CreatedAt = t.TimeNow()
	if msg.Reactions == nil {
		msg.Reactions = t.Reactions{}
	}
	c := *msg
	f.messages[msg.Id] = &c
	return nil
}

func (f *fakeAdapter) MessageGet(id t.Uid) (*t.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok {
		return nil, nil
	}
	c := *m
	return &c, nil
}

func (f *fakeAdapter) MessagesForRoom(room t.Uid, opt *t.QueryOpt) ([]t.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	opt.Normalize()
	var out []t.Message
	for _, m := range f.messages {
		if m.RoomId == room {
			c := *m
			if sender, ok := f.users[m.SenderId]; ok {
				c.Sender = sender.AsSender()
			}
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if opt.Offset >= len(out) {
		return nil, nil
	}
	out = out[opt.Offset:]
	if len(out) > opt.Limit {
		out = out[:opt.Limit]
	}
	return out, nil
}

func (f *fakeAdapter) MessageUpdateContent(id t.Uid, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok {
		return t.ErrNotFound
	}
	now := t.TimeNow()
	m.Content = content
	m.IsEdited = true
	m.EditedAt = &now
	return nil
}

func (f *fakeAdapter) MessageTombstone(id t.Uid) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok {
		return t.ErrNotFound
	}
	now := t.TimeNow()
	m.Content = ""
	m.IsDeleted = true
	m.DeletedAt = &now
	return nil
}

func (f *fakeAdapter) MessageSetReactions(id t.Uid, reactions t.Reactions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok {
		return t.ErrNotFound
	}
	m.Reactions = reactions
	return nil
}

func (f *fakeAdapter) MessageCount() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages), nil
}

func (f *fakeAdapter) Stats() (*adapter.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &adapter.Stats{TotalUsers: len(f.users), TotalRooms: len(f.rooms),
		TotalMessages: len(f.messages)}
	for _, u := range f.users {
		if u.IsAdmin {
			s.AdminUsers++
		}
		if u.IsBanned {
			s.BannedUsers++
		}
		if u.IsOnline {
			s.OnlineUsers++
		}
	}
	for _, r := range f.rooms {
		if r.RoomType == t.RoomTypePublic {
			s.PublicRooms++
		}
	}
	return s, nil
}

// setupServer wires the globals against a fresh fake adapter and returns it.
func setupServer(tb interface {
	TempDir() string
	Cleanup(func())
}) *fakeAdapter {
	fake := newFakeAdapter()
	store.UseAdapter(fake)

	globals.config = &Config{
		Host:               "127.0.0.1",
		Port:               0,
		JWTSecret:          "test-secret",
		JWTExpiresIn:       time.Hour,
		BcryptCost:         4,
		RateLimitPerSecond: 1000,
		RateLimitBurstSize: 1000,
		MaxFileSize:        1 << 20,
		UploadDir:          tb.TempDir(),
		EnableLinkPreview:  true,
	}
	globals.auth = auth.New(globals.config.JWTSecret, globals.config.JWTExpiresIn, globals.config.BcryptCost)
	globals.sessionStore = NewSessionStore()
	globals.presence = NewPresenceRegistry()
	globals.hub = newHub()
	globals.media = media.NewFileStore(globals.config.UploadDir)
	globals.previewClient = &http.Client{Timeout: time.Second}

	tb.Cleanup(func() {
		done := make(chan bool)
		globals.hub.shutdown <- done
		<-done
	})
	return fake
}
