package users

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hearthd/hearthd/internal/types"
)

// TokenInfo describes an issued token without revealing its value; only
// the hash of a token is ever stored.
type TokenInfo struct {
	ID         types.TokenID `json:"id"`
	Username   string        `json:"username"`
	DeviceName string        `json:"deviceName"`
	CreatedAt  time.Time     `json:"createdAt"`
}

// Store persists users and tokens. It does not own the database
// connection; the caller opens it and closes it on shutdown, so tests
// can hand in an in-memory database.
type Store struct {
	db *sql.DB
}

// NewStore prepares the schema on the given database.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate users: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS users (
		username TEXT PRIMARY KEY,
		salt TEXT NOT NULL,
		password_hash TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tokens (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		token_hash TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL,
		device_name TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tokens_username ON tokens(username);
	`)
	return err
}

// Usernames returns every stored username in creation order.
func (s *Store) Usernames() ([]string, error) {
	rows, err := s.db.Query(`SELECT username FROM users ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// CountUsers returns the number of user rows.
func (s *Store) CountUsers() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

// HasUser reports whether a username exists, matched case-insensitively.
func (s *Store) HasUser(username string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM users WHERE lower(username) = lower(?)`, username).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CreateUser inserts a user row. The caller has validated the username
// and hashed the password.
func (s *Store) CreateUser(username, salt, passwordHash string) error {
	_, err := s.db.Exec(`
		INSERT INTO users (username, salt, password_hash) VALUES (?, ?, ?)
	`, username, salt, passwordHash)
	return err
}

// Credentials returns the stored salt and password hash for a username,
// matched case-insensitively.
func (s *Store) Credentials(username string) (salt, passwordHash string, ok bool, err error) {
	err = s.db.QueryRow(`
		SELECT salt, password_hash FROM users WHERE lower(username) = lower(?)
	`, username).Scan(&salt, &passwordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, err
	}
	return salt, passwordHash, true, nil
}

// RemoveUser deletes a user and every token issued to it, reporting
// whether a user row was actually removed.
func (s *Store) RemoveUser(username string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM users WHERE lower(username) = lower(?)`, username)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	_, err = s.db.Exec(`DELETE FROM tokens WHERE lower(username) = lower(?)`, username)
	return true, err
}

// InsertToken stores a hashed token.
func (s *Store) InsertToken(id types.TokenID, username, tokenHash string, createdAt time.Time, deviceName string) error {
	_, err := s.db.Exec(`
		INSERT INTO tokens (id, username, token_hash, created_at, device_name)
		VALUES (?, ?, ?, ?, ?)
	`, id.String(), username, tokenHash, createdAt.Format(time.RFC3339Nano), deviceName)
	return err
}

// TokenByHash looks up a token row. The stored hash comes back alongside
// the username so the caller can compare in constant time.
func (s *Store) TokenByHash(tokenHash string) (username, storedHash string, ok bool, err error) {
	err = s.db.QueryRow(`
		SELECT username, token_hash FROM tokens WHERE token_hash = ?
	`, tokenHash).Scan(&username, &storedHash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, err
	}
	return username, storedHash, true, nil
}

// TokensForUser lists token metadata for a username, matched
// case-insensitively, oldest first.
func (s *Store) TokensForUser(username string) ([]TokenInfo, error) {
	rows, err := s.db.Query(`
		SELECT id, username, created_at, device_name FROM tokens
		WHERE lower(username) = lower(?) ORDER BY created_at ASC
	`, username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TokenInfo
	for rows.Next() {
		var info TokenInfo
		var id, createdAt string
		if err := rows.Scan(&id, &info.Username, &createdAt, &info.DeviceName); err != nil {
			return nil, err
		}
		info.ID = types.TokenID(id)
		info.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, info)
	}
	return out, rows.Err()
}

// RemoveToken deletes one token by id, reporting whether it existed.
func (s *Store) RemoveToken(id types.TokenID) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM tokens WHERE id = ?`, id.String())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
