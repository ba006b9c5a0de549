package db

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"chatrelay/models"
)

type DB struct {
	conn *sql.DB
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT UNIQUE NOT NULL,
			last_seen INTEGER,
			connected INTEGER DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			"from" TEXT NOT NULL,
			"to" TEXT,
			text TEXT,
			filename TEXT,
			filetype TEXT,
			data TEXT,
			ts INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_from_to_ts ON messages("from", "to", ts)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_ts ON messages(ts)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}

	return nil
}

// User methods

// UpsertUser inserts the user or refreshes last_seen, marking it connected.
func (db *DB) UpsertUser(name string, ts int64) error {
	_, err := db.conn.Exec(
		`INSERT INTO users(name, last_seen, connected) VALUES(?, ?, 1)
		 ON CONFLICT(name) DO UPDATE SET last_seen = excluded.last_seen, connected = 1`,
		name, ts,
	)
	return errors.Wrapf(err, "upsert user %s", name)
}

// SetDisconnected marks the user offline and refreshes last_seen.
func (db *DB) SetDisconnected(name string, ts int64) error {
	_, err := db.conn.Exec(
		"UPDATE users SET connected = 0, last_seen = ? WHERE name = ?",
		ts, name,
	)
	return errors.Wrapf(err, "disconnect user %s", name)
}

// ConnectedUsers returns names with connected=1, sorted case-insensitively.
func (db *DB) ConnectedUsers() ([]string, error) {
	rows, err := db.conn.Query("SELECT name FROM users WHERE connected = 1 ORDER BY name COLLATE NOCASE")
	if err != nil {
		return nil, errors.Wrap(err, "query connected users")
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.Wrap(err, "scan connected user")
		}
		names = append(names, name)
	}

	return names, errors.Wrap(rows.Err(), "iterate connected users")
}

// User returns a single user row by name.
func (db *DB) User(name string) (*models.User, error) {
	var u models.User
	var connected int
	var lastSeen sql.NullInt64
	err := db.conn.QueryRow(
		"SELECT id, name, COALESCE(last_seen, 0), connected FROM users WHERE name = ?",
		name,
	).Scan(&u.ID, &u.Name, &lastSeen, &connected)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, errors.Wrapf(err, "query user %s", name)
	}
	u.LastSeen = lastSeen.Int64
	u.Connected = connected != 0
	return &u, nil
}

// Message methods

// InsertMessage appends the message and returns the store-assigned id.
func (db *DB) InsertMessage(m *models.Message) (int64, error) {
	var text, filename, filetype, data any
	if m.IsFile() {
		filename, filetype, data = m.Filename, m.Filetype, m.Data
	} else {
		text = m.Text
	}

	res, err := db.conn.Exec(
		`INSERT INTO messages("from", "to", text, filename, filetype, data, ts)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		m.From, m.To, text, filename, filetype, data, m.TS,
	)
	if err != nil {
		return 0, errors.Wrap(err, "insert message")
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "message id")
	}
	return id, nil
}

// HistoryBetween returns messages exchanged between a and b in either
// direction, oldest first, capped at limit.
func (db *DB) HistoryBetween(a, b string, limit int) ([]models.Message, error) {
	rows, err := db.conn.Query(
		`SELECT id, "from", "to", text, filename, filetype, data, ts
		 FROM messages
		 WHERE (("from" = ? AND "to" = ?) OR ("from" = ? AND "to" = ?))
		 ORDER BY ts ASC
		 LIMIT ?`,
		a, b, b, a, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query history")
	}
	defer rows.Close()

	return scanMessages(rows)
}

// GlobalHistory returns broadcast messages (no recipient), oldest first,
// capped at limit.
func (db *DB) GlobalHistory(limit int) ([]models.Message, error) {
	rows, err := db.conn.Query(
		`SELECT id, "from", "to", text, filename, filetype, data, ts
		 FROM messages
		 WHERE "to" IS NULL
		 ORDER BY ts ASC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query global history")
	}
	defer rows.Close()

	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]models.Message, error) {
	var messages []models.Message
	for rows.Next() {
		var m models.Message
		var to, text, filename, filetype, data sql.NullString
		if err := rows.Scan(&m.ID, &m.From, &to, &text, &filename, &filetype, &data, &m.TS); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		if to.Valid {
			m.To = &to.String
		}
		m.Text = text.String
		m.Filename = filename.String
		m.Filetype = filetype.String
		m.Data = data.String
		messages = append(messages, m)
	}

	return messages, errors.Wrap(rows.Err(), "iterate messages")
}
