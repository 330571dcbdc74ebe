// Package postgres implements the database adapter on PostgreSQL via sqlx.
package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/onionchat/onionchat/server/store"
	"github.com/onionchat/onionchat/server/store/adapter"
	t "github.com/onionchat/onionchat/server/store/types"
)

func init() {
	store.RegisterAdapter("postgres", New())
}

// Pool bounds and timeouts. Acquisition beyond MaxOpenConns blocks; that is
// the backpressure point for request handlers.
const (
	minOpenConns   = 5
	maxOpenConns   = 50
	acquireTimeout = 30 * time.Second
	connMaxIdle    = 5 * time.Minute
)

type pgAdapter struct {
	db *sqlx.DB
}

// New returns an unopened PostgreSQL adapter.
func New() adapter.Adapter {
	return &pgAdapter{}
}

func (a *pgAdapter) GetName() string {
	return "postgres"
}

func (a *pgAdapter) Open(dsn string) error {
	if a.db != nil {
		return errors.New("postgres: already open")
	}
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(minOpenConns)
	db.SetConnMaxIdleTime(connMaxIdle)
	if err = db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("postgres: ping: %w", err)
	}
	a.db = db
	return nil
}

func (a *pgAdapter) Close() error {
	if a.db == nil {
		return nil
	}
	err := a.db.Close()
	a.db = nil
	return err
}

func (a *pgAdapter) IsOpen() bool {
	return a.db != nil
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id UUID PRIMARY KEY,
	username VARCHAR(50) UNIQUE NOT NULL,
	email VARCHAR(255),
	password_hash VARCHAR(255) NOT NULL,
	public_key TEXT,
	private_key TEXT,
	display_name VARCHAR(100),
	avatar TEXT,
	is_online BOOLEAN NOT NULL DEFAULT FALSE,
	last_seen TIMESTAMPTZ,
	is_admin BOOLEAN NOT NULL DEFAULT FALSE,
	is_banned BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS rooms (
	id UUID PRIMARY KEY,
	name VARCHAR(100) NOT NULL,
	description TEXT,
	room_type VARCHAR(20) NOT NULL CHECK (room_type IN ('public', 'private')),
	encryption_key TEXT NOT NULL,
	creator_id UUID REFERENCES users(id),
	max_members INTEGER NOT NULL DEFAULT 100,
	avatar TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS messages (
	id UUID PRIMARY KEY,
	room_id UUID NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
	sender_id UUID NOT NULL REFERENCES users(id),
	content TEXT NOT NULL,
	message_type VARCHAR(20) NOT NULL,
	metadata JSONB NOT NULL DEFAULT '{}',
	attachments TEXT[] NOT NULL DEFAULT '{}',
	parent_id UUID,
	reactions JSONB NOT NULL DEFAULT '{}',
	is_edited BOOLEAN NOT NULL DEFAULT FALSE,
	edited_at TIMESTAMPTZ,
	is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
	deleted_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS room_members (
	id UUID PRIMARY KEY,
	room_id UUID NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
	user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	role VARCHAR(20) NOT NULL DEFAULT 'member',
	joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	last_read_message_id UUID,
	last_read_at TIMESTAMPTZ,
	UNIQUE(room_id, user_id)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_users_username ON users(username);
CREATE INDEX IF NOT EXISTS idx_rooms_created_at ON rooms(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_messages_room_created ON messages(room_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_messages_parent_id ON messages(parent_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_room_members_room_user ON room_members(room_id, user_id);
CREATE INDEX IF NOT EXISTS idx_room_members_user_id ON room_members(user_id);
`

func (a *pgAdapter) InitSchema() error {
	_, err := a.db.Exec(schema)
	return err
}

// isUniqueViolation reports a PostgreSQL unique_violation (23505).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// User management

func (a *pgAdapter) UserCreate(user *t.User) error {
	if user.Id == t.ZeroUid {
		user.Id = t.NewUid()
	}
	now := t.TimeNow()
	user.CreatedAt = now
	user.UpdatedAt = now
	_, err := a.db.Exec(
		`INSERT INTO users (id, username, email, password_hash, public_key, private_key,
			display_name, avatar, is_admin, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		user.Id, user.Username, user.Email, user.PasswordHash, user.PublicKey, user.PrivateKey,
		user.DisplayName, user.Avatar, user.IsAdmin, user.CreatedAt, user.UpdatedAt)
	if isUniqueViolation(err) {
		return t.ErrDuplicate
	}
	return err
}

func (a *pgAdapter) UserGet(id t.Uid) (*t.User, error) {
	var user t.User
	err := a.db.Get(&user, `SELECT * FROM users WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (a *pgAdapter) UserGetByUsername(username string) (*t.User, error) {
	var user t.User
	err := a.db.Get(&user, `SELECT * FROM users WHERE username = $1`, username)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (a *pgAdapter) UserGetAll() ([]t.User, error) {
	var users []t.User
	err := a.db.Select(&users, `SELECT * FROM users ORDER BY username ASC`)
	return users, err
}

func (a *pgAdapter) UserCount() (int, error) {
	var n int
	err := a.db.Get(&n, `SELECT COUNT(*) FROM users`)
	return n, err
}

// UserUpdate builds a parameterised SET list from the update map. Keys are
// trusted column names supplied by the store layer, never client input.
func (a *pgAdapter) UserUpdate(id t.Uid, update map[string]interface{}) error {
	if len(update) == 0 {
		return nil
	}
	query := `UPDATE users SET updated_at = NOW()`
	args := []interface{}{id}
	i := 2
	for col, val := range update {
		query += fmt.Sprintf(", %s = $%d", col, i)
		args = append(args, val)
		i++
	}
	query += ` WHERE id = $1`
	_, err := a.db.Exec(query, args...)
	return err
}

func (a *pgAdapter) UserDelete(id t.Uid) error {
	res, err := a.db.Exec(`DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return t.ErrNotFound
	}
	return nil
}

func (a *pgAdapter) UserSetOnline(id t.Uid, online bool) error {
	var err error
	if online {
		_, err = a.db.Exec(`UPDATE users SET is_online = TRUE WHERE id = $1`, id)
	} else {
		_, err = a.db.Exec(
			`UPDATE users SET is_online = FALSE, last_seen = $2 WHERE id = $1`, id, t.TimeNow())
	}
	return err
}

func (a *pgAdapter) UserOwnedRoomCount(id t.Uid) (int, error) {
	var n int
	err := a.db.Get(&n, `SELECT COUNT(*) FROM rooms WHERE creator_id = $1`, id)
	return n, err
}

func (a *pgAdapter) UserUsernameOrEmailExists(username string, email *string) (bool, error) {
	var exists bool
	err := a.db.Get(&exists,
		`SELECT EXISTS(SELECT 1 FROM users WHERE username = $1 OR ($2::text IS NOT NULL AND email = $2))`,
		username, email)
	return exists, err
}

// Room management

func (a *pgAdapter) RoomCreate(room *t.Room, creator t.Uid) error {
	if room.Id == t.ZeroUid {
		room.Id = t.NewUid()
	}
	room.CreatedAt = t.TimeNow()

	tx, err := a.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err = tx.Exec(
		`INSERT INTO rooms (id, name, description, room_type, encryption_key, creator_id,
			max_members, avatar, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		room.Id, room.Name, room.Description, room.RoomType, room.EncryptionKey,
		room.CreatorId, room.MaxMembers, room.Avatar, room.CreatedAt); err != nil {
		return err
	}

	if _, err = tx.Exec(
		`INSERT INTO room_members (id, room_id, user_id, role, joined_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		t.NewUid(), room.Id, creator, t.RoleAdmin, room.CreatedAt); err != nil {
		return err
	}

	return tx.Commit()
}

func (a *pgAdapter) RoomGet(id t.Uid) (*t.Room, error) {
	var room t.Room
	err := a.db.Get(&room, `SELECT * FROM rooms WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (a *pgAdapter) RoomsPublic() ([]t.Room, error) {
	var rooms []t.Room
	err := a.db.Select(&rooms,
		`SELECT * FROM rooms WHERE room_type = 'public' ORDER BY created_at DESC`)
	return rooms, err
}

func (a *pgAdapter) RoomsForUser(user t.Uid) ([]t.Room, error) {
	var rooms []t.Room
	err := a.db.Select(&rooms,
		`SELECT DISTINCT r.* FROM rooms r
		 LEFT JOIN room_members m ON m.room_id = r.id AND m.user_id = $1
		 WHERE r.room_type = 'public' OR m.user_id IS NOT NULL
		 ORDER BY r.created_at DESC`, user)
	return rooms, err
}

func (a *pgAdapter) RoomsAll() ([]t.Room, error) {
	var rooms []t.Room
	err := a.db.Select(&rooms, `SELECT * FROM rooms ORDER BY created_at DESC`)
	return rooms, err
}

func (a *pgAdapter) RoomDelete(id t.Uid) error {
	res, err := a.db.Exec(`DELETE FROM rooms WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return t.ErrNotFound
	}
	return nil
}

// Membership

func (a *pgAdapter) MemberAdd(member *t.RoomMember) error {
	if member.Id == t.ZeroUid {
		member.Id = t.NewUid()
	}
	if member.JoinedAt.IsZero() {
		member.JoinedAt = t.TimeNow()
	}
	_, err := a.db.Exec(
		`INSERT INTO room_members (id, room_id, user_id, role, joined_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		member.Id, member.RoomId, member.UserId, member.Role, member.JoinedAt)
	if isUniqueViolation(err) {
		return t.ErrDuplicate
	}
	return err
}

func (a *pgAdapter) MemberGet(room, user t.Uid) (*t.RoomMember, error) {
	var member t.RoomMember
	err := a.db.Get(&member,
		`SELECT * FROM room_members WHERE room_id = $1 AND user_id = $2`, room, user)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &member, nil
}

func (a *pgAdapter) MemberRemove(room, user t.Uid) (bool, error) {
	res, err := a.db.Exec(
		`DELETE FROM room_members WHERE room_id = $1 AND user_id = $2`, room, user)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (a *pgAdapter) MembersForRoom(room t.Uid) ([]t.RoomMember, error) {
	var members []t.RoomMember
	err := a.db.Select(&members,
		`SELECT * FROM room_members WHERE room_id = $1 ORDER BY joined_at ASC`, room)
	return members, err
}

func (a *pgAdapter) MemberCount(room t.Uid) (int, error) {
	var n int
	err := a.db.Get(&n, `SELECT COUNT(*) FROM room_members WHERE room_id = $1`, room)
	return n, err
}

func (a *pgAdapter) MemberSetLastRead(room, user, message t.Uid) error {
	_, err := a.db.Exec(
		`UPDATE room_members SET last_read_message_id = $3, last_read_at = $4
		 WHERE room_id = $1 AND user_id = $2`,
		room, user, message, t.TimeNow())
	return err
}

// Messages

func (a *pgAdapter) MessageSave(msg *t.Message) error {
	if msg.Id == t.ZeroUid {
		msg.Id = t.NewUid()
	}
	msg.CreatedAt = t.TimeNow()
	if msg.Reactions == nil {
		msg.Reactions = t.Reactions{}
	}
	attachments := msg.Attachments
	if attachments == nil {
		attachments = []string{}
	}
	_, err := a.db.Exec(
		`INSERT INTO messages (id, room_id, sender_id, content, message_type, metadata,
			attachments, parent_id, reactions, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		msg.Id, msg.RoomId, msg.SenderId, msg.Content, msg.MessageType, msg.Metadata,
		pq.Array(attachments), msg.ParentId, msg.Reactions, msg.CreatedAt)
	return err
}

const messageSelect = `
	SELECT m.id, m.room_id, m.sender_id, m.content, m.message_type, m.metadata,
	       m.attachments, m.parent_id, m.reactions, m.is_edited, m.edited_at,
	       m.is_deleted, m.deleted_at, m.created_at,
	       u.username AS sender_username, u.display_name AS sender_display_name,
	       u.avatar AS sender_avatar, u.public_key AS sender_public_key
	FROM messages m JOIN users u ON u.id = m.sender_id`

func (a *pgAdapter) MessageGet(id t.Uid) (*t.Message, error) {
	row := a.db.QueryRowx(messageSelect+` WHERE m.id = $1`, id)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (a *pgAdapter) MessagesForRoom(room t.Uid, opt *t.QueryOpt) ([]t.Message, error) {
	opt.Normalize()
	rows, err := a.db.Queryx(
		messageSelect+` WHERE m.room_id = $1 ORDER BY m.created_at DESC LIMIT $2 OFFSET $3`,
		room, opt.Limit, opt.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []t.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *msg)
	}
	return msgs, rows.Err()
}

// rowScanner is satisfied by both *sqlx.Row and *sqlx.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*t.Message, error) {
	var msg t.Message
	var attachments pq.StringArray
	var sender t.Sender
	err := row.Scan(
		&msg.Id, &msg.RoomId, &msg.SenderId, &msg.Content, &msg.MessageType, &msg.Metadata,
		&attachments, &msg.ParentId, &msg.Reactions, &msg.IsEdited, &msg.EditedAt,
		&msg.IsDeleted, &msg.DeletedAt, &msg.CreatedAt,
		&sender.Username, &sender.DisplayName, &sender.Avatar, &sender.PublicKey)
	if err != nil {
		return nil, err
	}
	msg.Attachments = attachments
	sender.Id = msg.SenderId
	msg.Sender = &sender
	return &msg, nil
}

func (a *pgAdapter) MessageUpdateContent(id t.Uid, content string) error {
	_, err := a.db.Exec(
		`UPDATE messages SET content = $2, is_edited = TRUE, edited_at = $3 WHERE id = $1`,
		id, content, t.TimeNow())
	return err
}

func (a *pgAdapter) MessageTombstone(id t.Uid) error {
	_, err := a.db.Exec(
		`UPDATE messages SET content = '', is_deleted = TRUE, deleted_at = $2 WHERE id = $1`,
		id, t.TimeNow())
	return err
}

func (a *pgAdapter) MessageSetReactions(id t.Uid, reactions t.Reactions) error {
	_, err := a.db.Exec(`UPDATE messages SET reactions = $2 WHERE id = $1`, id, reactions)
	return err
}

func (a *pgAdapter) MessageCount() (int, error) {
	var n int
	err := a.db.Get(&n, `SELECT COUNT(*) FROM messages`)
	return n, err
}

// Admin statistics

func (a *pgAdapter) Stats() (*adapter.Stats, error) {
	var s adapter.Stats
	err := a.db.Get(&s.TotalUsers, `SELECT COUNT(*) FROM users`)
	if err == nil {
		err = a.db.Get(&s.OnlineUsers, `SELECT COUNT(*) FROM users WHERE is_online = TRUE`)
	}
	if err == nil {
		err = a.db.Get(&s.BannedUsers, `SELECT COUNT(*) FROM users WHERE is_banned = TRUE`)
	}
	if err == nil {
		err = a.db.Get(&s.AdminUsers, `SELECT COUNT(*) FROM users WHERE is_admin = TRUE`)
	}
	if err == nil {
		err = a.db.Get(&s.RecentRegistrations,
			`SELECT COUNT(*) FROM users WHERE created_at > NOW() - INTERVAL '24 hours'`)
	}
	if err == nil {
		err = a.db.Get(&s.TotalRooms, `SELECT COUNT(*) FROM rooms`)
	}
	if err == nil {
		err = a.db.Get(&s.PublicRooms, `SELECT COUNT(*) FROM rooms WHERE room_type = 'public'`)
	}
	if err == nil {
		err = a.db.Get(&s.TotalMessages, `SELECT COUNT(*) FROM messages`)
	}
	if err == nil {
		err = a.db.Select(&s.ActiveRooms,
			`SELECT r.id, r.name, COUNT(m.id) AS message_count
			 FROM rooms r LEFT JOIN messages m ON m.room_id = r.id
			 GROUP BY r.id, r.name ORDER BY message_count DESC LIMIT 5`)
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}
