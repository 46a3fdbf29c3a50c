package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
)

const (
	sqliteConstraintCode = 19
	defaultBusyTimeout   = 5000
)

// Store wraps the SQLite handle and exposes the persistence operations the
// server needs: users, rooms, messages, reactions, and read receipts.
type Store struct {
	db *sql.DB
}

// User represents a row in the users table.
type User struct {
	ID           int64
	Username     string
	PasswordHash []byte
	CreatedAt    time.Time
}

// Room represents a chat room.
type Room struct {
	ID        int64
	Name      string
	CreatedAt time.Time
}

// Message is a persisted chat message joined with its sender's username.
// Optional file fields are zero-valued when the message carries no media.
type Message struct {
	ID          int64
	RoomID      int64
	SenderID    int64
	SenderName  string
	Content     string
	HasContent  bool
	MessageType string
	FileURL     string
	FileName    string
	FileSize    int64
	MimeType    string
	Timestamp   time.Time
}

// NewMessage carries the fields needed to persist a message.
type NewMessage struct {
	RoomID      int64
	SenderID    int64
	Content     *string
	MessageType string
	FileURL     string
	FileName    string
	FileSize    int64
	MimeType    string
}

// ReactionRow is one user's reaction to a message.
type ReactionRow struct {
	ReactionType string
	UserID       int64
	Username     string
}

// ErrUserExists is returned when attempting to insert a duplicate username.
var ErrUserExists = errors.New("user already exists")

// ErrMessageNotFound is returned when a reaction or receipt references a
// message that does not exist.
var ErrMessageNotFound = errors.New("message not found")

// NewStore initializes the SQLite database at the provided path. Call Close when done.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "roomchat.db"
	}
	dsn := buildDSN(path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
		// already in a form sqlite understands
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d&_pragma=foreign_keys=ON", path, separator, defaultBusyTimeout)
}

// Migrate runs the schema creation statements.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL UNIQUE,
			password_hash BLOB NOT NULL,
			refresh_token TEXT,
			refresh_token_expires DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS chat_rooms (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			room_id INTEGER NOT NULL,
			sender_id INTEGER NOT NULL,
			content TEXT,
			message_type TEXT NOT NULL DEFAULT 'text',
			file_url TEXT,
			file_name TEXT,
			file_size INTEGER,
			mime_type TEXT,
			timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY(room_id) REFERENCES chat_rooms(id) ON DELETE CASCADE,
			FOREIGN KEY(sender_id) REFERENCES users(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS message_reactions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL,
			reaction_type TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(message_id, user_id),
			FOREIGN KEY(message_id) REFERENCES messages(id) ON DELETE CASCADE,
			FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS message_reads (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL,
			read_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(message_id, user_id),
			FOREIGN KEY(message_id) REFERENCES messages(id) ON DELETE CASCADE,
			FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room_id, timestamp, id);`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CreateUser inserts a new user. ErrUserExists is returned on conflicts.
func (s *Store) CreateUser(ctx context.Context, username string, passwordHash []byte) (int64, error) {
	result, err := s.db.ExecContext(ctx, `INSERT INTO users(username, password_hash) VALUES(?, ?)`, username, passwordHash)
	if err != nil {
		if isConstraintError(err) {
			return 0, ErrUserExists
		}
		return 0, err
	}
	return result.LastInsertId()
}

// GetUserByUsername fetches a user by username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, username, password_hash, created_at FROM users WHERE username = ?`, username)
	return scanUser(row)
}

// GetUserByID fetches a user by primary key.
func (s *Store) GetUserByID(ctx context.Context, id int64) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, username, password_hash, created_at FROM users WHERE id = ?`, id)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*User, error) {
	var user User
	if err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

// StoreRefreshToken records a refresh token and its expiry for a user,
// replacing any previous one.
func (s *Store) StoreRefreshToken(ctx context.Context, userID int64, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET refresh_token=?, refresh_token_expires=? WHERE id=?`, token, expiresAt.UTC(), userID)
	return err
}

// GetUserByRefreshToken returns the user holding a still-valid refresh token.
func (s *Store) GetUserByRefreshToken(ctx context.Context, token string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, created_at FROM users
		WHERE refresh_token = ? AND refresh_token_expires > ?`, token, time.Now().UTC())
	return scanUser(row)
}

// RevokeRefreshToken clears the stored refresh token for a user.
func (s *Store) RevokeRefreshToken(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET refresh_token=NULL, refresh_token_expires=NULL WHERE id=?`, userID)
	return err
}

// CreateRoom inserts a room and returns it.
func (s *Store) CreateRoom(ctx context.Context, name string) (*Room, error) {
	result, err := s.db.ExecContext(ctx, `INSERT INTO chat_rooms(name) VALUES(?)`, name)
	if err != nil {
		return nil, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetRoom(ctx, id)
}

// GetRoom fetches a room by id.
func (s *Store) GetRoom(ctx context.Context, id int64) (*Room, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, created_at FROM chat_rooms WHERE id = ?`, id)
	return scanRoom(row)
}

// GetRoomByName fetches a room by case-insensitive name match.
func (s *Store) GetRoomByName(ctx context.Context, name string) (*Room, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, created_at FROM chat_rooms WHERE LOWER(name) = LOWER(?) ORDER BY id LIMIT 1`, name)
	return scanRoom(row)
}

func scanRoom(row *sql.Row) (*Room, error) {
	var room Room
	if err := row.Scan(&room.ID, &room.Name, &room.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &room, nil
}

// ListRooms returns all rooms, newest first.
func (s *Store) ListRooms(ctx context.Context) ([]Room, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at FROM chat_rooms ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var rooms []Room
	for rows.Next() {
		var room Room
		if err := rows.Scan(&room.ID, &room.Name, &room.CreatedAt); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

const messageColumns = `
	m.id, m.room_id, m.sender_id, u.username, m.content, m.message_type,
	m.file_url, m.file_name, m.file_size, m.mime_type, m.timestamp`

// CreateMessage persists a message and returns the stored row.
func (s *Store) CreateMessage(ctx context.Context, msg NewMessage) (*Message, error) {
	if msg.MessageType == "" {
		msg.MessageType = "text"
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO messages(room_id, sender_id, content, message_type, file_url, file_name, file_size, mime_type)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.RoomID, msg.SenderID, msg.Content, msg.MessageType,
		nullString(msg.FileURL), nullString(msg.FileName), nullInt64(msg.FileSize), nullString(msg.MimeType))
	if err != nil {
		if isConstraintError(err) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetMessage(ctx, id)
}

// GetMessage fetches one message by id, nil if absent.
func (s *Store) GetMessage(ctx context.Context, id int64) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages m JOIN users u ON u.id = m.sender_id
		WHERE m.id = ?`, id)
	msg, err := scanMessage(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return msg, nil
}

// ListRoomMessages returns every message in a room in chronological order,
// timestamp ties broken by id.
func (s *Store) ListRoomMessages(ctx context.Context, roomID int64) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages m JOIN users u ON u.id = m.sender_id
		WHERE m.room_id = ?
		ORDER BY m.timestamp ASC, m.id ASC`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

// ListRecentMessages returns the newest limit messages of a room in
// chronological order.
func (s *Store) ListRecentMessages(ctx context.Context, roomID int64, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT * FROM (
			SELECT `+messageColumns+`
			FROM messages m JOIN users u ON u.id = m.sender_id
			WHERE m.room_id = ?
			ORDER BY m.timestamp DESC, m.id DESC
			LIMIT ?
		) ORDER BY timestamp ASC, id ASC`, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	var messages []Message
	for rows.Next() {
		msg, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

func scanMessage(scan func(...any) error) (*Message, error) {
	var (
		msg      Message
		content  sql.NullString
		fileURL  sql.NullString
		fileName sql.NullString
		fileSize sql.NullInt64
		mimeType sql.NullString
	)
	err := scan(&msg.ID, &msg.RoomID, &msg.SenderID, &msg.SenderName, &content, &msg.MessageType,
		&fileURL, &fileName, &fileSize, &mimeType, &msg.Timestamp)
	if err != nil {
		return nil, err
	}
	msg.Content = content.String
	msg.HasContent = content.Valid
	msg.FileURL = fileURL.String
	msg.FileName = fileName.String
	msg.FileSize = fileSize.Int64
	msg.MimeType = mimeType.String
	return &msg, nil
}

// UpsertReaction records a user's reaction to a message; a prior reaction by
// the same user is replaced. ErrMessageNotFound is returned when the message
// does not exist.
func (s *Store) UpsertReaction(ctx context.Context, messageID, userID int64, reactionType string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_reactions(message_id, user_id, reaction_type)
		VALUES(?, ?, ?)
		ON CONFLICT(message_id, user_id)
		DO UPDATE SET reaction_type=excluded.reaction_type, updated_at=CURRENT_TIMESTAMP`,
		messageID, userID, reactionType)
	if err != nil && isConstraintError(err) {
		return ErrMessageNotFound
	}
	return err
}

// RemoveReaction deletes a user's reaction from a message and reports whether
// one existed.
func (s *Store) RemoveReaction(ctx context.Context, messageID, userID int64) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM message_reactions WHERE message_id=? AND user_id=?`, messageID, userID)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ListReactions returns all reactions to a message with reacting usernames,
// oldest reaction first.
func (s *Store) ListReactions(ctx context.Context, messageID int64) ([]ReactionRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.reaction_type, r.user_id, u.username
		FROM message_reactions r JOIN users u ON u.id = r.user_id
		WHERE r.message_id = ?
		ORDER BY r.id ASC`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var reactions []ReactionRow
	for rows.Next() {
		var r ReactionRow
		if err := rows.Scan(&r.ReactionType, &r.UserID, &r.Username); err != nil {
			return nil, err
		}
		reactions = append(reactions, r)
	}
	return reactions, rows.Err()
}

// UserReaction returns a user's reaction type on a message, or "" if none.
func (s *Store) UserReaction(ctx context.Context, messageID, userID int64) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT reaction_type FROM message_reactions WHERE message_id=? AND user_id=?`, messageID, userID)
	var reactionType string
	if err := row.Scan(&reactionType); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return reactionType, nil
}

// InsertRead records a read receipt and reports whether it was newly created.
func (s *Store) InsertRead(ctx context.Context, messageID, userID int64) (bool, error) {
	result, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO message_reads(message_id, user_id) VALUES(?, ?)`, messageID, userID)
	if err != nil {
		if isConstraintError(err) {
			return false, ErrMessageNotFound
		}
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// MarkRoomMessagesRead inserts receipts for every unread message in the room
// not authored by the user, in one transaction, and returns how many were
// newly marked.
func (s *Store) MarkRoomMessagesRead(ctx context.Context, roomID, userID int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	result, err := tx.ExecContext(ctx, `
		INSERT INTO message_reads(message_id, user_id)
		SELECT m.id, ? FROM messages m
		WHERE m.room_id = ? AND m.sender_id != ?
		  AND NOT EXISTS (SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.user_id = ?)`,
		userID, roomID, userID, userID)
	if err != nil {
		return 0, err
	}
	marked, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return marked, tx.Commit()
}

// CountUnread counts messages in a room authored by someone else with no
// receipt for the user.
func (s *Store) CountUnread(ctx context.Context, roomID, userID int64) (int64, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM messages m
		WHERE m.room_id = ? AND m.sender_id != ?
		  AND NOT EXISTS (SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.user_id = ?)`,
		roomID, userID, userID)
	var count int64
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt64(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		// Mask off the extended result bits so SQLITE_CONSTRAINT_UNIQUE,
		// _FOREIGNKEY, etc. all match.
		return sqliteErr.Code()&0xff == sqliteConstraintCode
	}
	return false
}
