package users

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/hearthd/hearthd/internal/events"
	"github.com/hearthd/hearthd/internal/types"
)

// Password stretching parameters. Stored hashes do not record them, so
// changing these invalidates every existing user.
const (
	pbkdf2Iterations = 210000
	pbkdf2KeyLen     = 64
	saltLen          = 16
	tokenLen         = 32
)

// passwordSymbols is the set a password must draw at least one symbol
// from.
const passwordSymbols = `!@#$%^&*()+-=_?.,;:`

// Manager owns account and token lifecycle on top of the store, and the
// push-button transaction state. Database access is safe for concurrent
// use; push-button state is guarded by mu.
type Manager struct {
	log   *slog.Logger
	store *Store
	bus   *events.Bus

	mu        sync.Mutex
	pbCounter int32
	pbTx      *pushButtonTx
	pbNotify  func(clientID string, transactionID int32, success bool, token string)
}

// NewManager creates a user manager over the given store.
func NewManager(log *slog.Logger, store *Store, bus *events.Bus) *Manager {
	return &Manager{log: log, store: store, bus: bus}
}

// Users returns every account's username. Read errors are logged and
// yield an empty list.
func (m *Manager) Users() []string {
	names, err := m.store.Usernames()
	if err != nil {
		m.log.Error("listing users failed", "error", err)
		return nil
	}
	return names
}

// HasUsers reports whether any account exists. The RPC layer widens the
// unauthenticated method set during initial setup based on this. A
// backend failure counts as "has users" so a broken database never opens
// the setup surface.
func (m *Manager) HasUsers() bool {
	n, err := m.store.CountUsers()
	if err != nil {
		m.log.Error("counting users failed", "error", err)
		return true
	}
	return n > 0
}

// CreateUser validates and creates an account. The username must look
// like an email address; the password must satisfy the strength rule.
func (m *Manager) CreateUser(username, password string) UserError {
	if !validUsername(username) {
		m.log.Warn("rejecting user, username must look like an email address", "username", username)
		return UserErrorInvalidUserId
	}
	if !validPassword(password) {
		m.log.Warn("rejecting user, password too weak", "username", username)
		return UserErrorBadPassword
	}
	exists, err := m.store.HasUser(username)
	if err != nil {
		m.log.Error("checking for duplicate user failed", "error", err)
		return UserErrorBackendError
	}
	if exists {
		m.log.Warn("username already in use", "username", username)
		return UserErrorDuplicateUserId
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		m.log.Error("generating salt failed", "error", err)
		return UserErrorBackendError
	}
	if err := m.store.CreateUser(username, base64.StdEncoding.EncodeToString(salt), hashPassword(password, salt)); err != nil {
		m.log.Error("creating user failed", "username", username, "error", err)
		return UserErrorBackendError
	}
	m.log.Info("user created", "username", username)
	m.bus.Publish(events.Event{
		Source: events.SourceUsers,
		Kind:   events.KindUserCreated,
		Data:   map[string]any{"username": username},
	})
	return UserErrorNoError
}

// RemoveUser deletes an account and all its tokens.
func (m *Manager) RemoveUser(username string) UserError {
	removed, err := m.store.RemoveUser(username)
	if err != nil {
		m.log.Error("removing user failed", "username", username, "error", err)
		return UserErrorBackendError
	}
	if !removed {
		return UserErrorInvalidUserId
	}
	m.log.Info("user removed", "username", username)
	return UserErrorNoError
}

// Authenticate verifies a password and, on success, issues a fresh token
// bound to the account. The plaintext token is returned exactly once and
// never stored.
func (m *Manager) Authenticate(username, password, deviceName string) (string, bool) {
	fail := func() (string, bool) {
		m.bus.Publish(events.Event{
			Source: events.SourceUsers,
			Kind:   events.KindLoginFailed,
			Data:   map[string]any{"username": username},
		})
		return "", false
	}
	if !validUsername(username) {
		m.log.Warn("authentication rejected, malformed username", "username", username)
		return fail()
	}
	salt64, storedHash, ok, err := m.store.Credentials(username)
	if err != nil {
		m.log.Error("reading credentials failed", "username", username, "error", err)
		return fail()
	}
	if !ok {
		m.log.Warn("authentication failed, no such user", "username", username)
		return fail()
	}
	salt, err := base64.StdEncoding.DecodeString(salt64)
	if err != nil {
		m.log.Error("stored salt is not valid base64", "username", username, "error", err)
		return fail()
	}
	if subtle.ConstantTimeCompare([]byte(hashPassword(password, salt)), []byte(storedHash)) != 1 {
		m.log.Warn("authentication failed", "username", username)
		return fail()
	}
	token, err := m.issueToken(username, deviceName)
	if err != nil {
		m.log.Error("storing token failed", "username", username, "error", err)
		return fail()
	}
	m.log.Info("user authenticated", "username", username, "device_name", deviceName)
	m.bus.Publish(events.Event{
		Source: events.SourceUsers,
		Kind:   events.KindLoginSucceeded,
		Data:   map[string]any{"username": username, "device_name": deviceName},
	})
	return token, true
}

// VerifyToken reports whether a supplied token matches a stored one.
func (m *Manager) VerifyToken(token string) bool {
	_, ok := m.UserForToken(token)
	return ok
}

// UserForToken resolves a token to its account. Push-button tokens carry
// an empty username and still verify.
func (m *Manager) UserForToken(token string) (string, bool) {
	if !validTokenChars(token) {
		m.log.Warn("token failed character validation")
		return "", false
	}
	hash := hashToken(token)
	username, storedHash, ok, err := m.store.TokenByHash(hash)
	if err != nil {
		m.log.Error("token lookup failed", "error", err)
		return "", false
	}
	if !ok {
		return "", false
	}
	if subtle.ConstantTimeCompare([]byte(storedHash), []byte(hash)) != 1 {
		return "", false
	}
	return username, true
}

// Tokens lists token metadata for an account.
func (m *Manager) Tokens(username string) ([]TokenInfo, UserError) {
	if !validUsername(username) {
		return nil, UserErrorInvalidUserId
	}
	infos, err := m.store.TokensForUser(username)
	if err != nil {
		m.log.Error("listing tokens failed", "username", username, "error", err)
		return nil, UserErrorBackendError
	}
	return infos, UserErrorNoError
}

// RemoveToken revokes one token by id.
func (m *Manager) RemoveToken(id types.TokenID) UserError {
	removed, err := m.store.RemoveToken(id)
	if err != nil {
		m.log.Error("removing token failed", "token_id", id, "error", err)
		return UserErrorBackendError
	}
	if !removed {
		return UserErrorTokenNotFound
	}
	m.log.Debug("token removed", "token_id", id)
	m.bus.Publish(events.Event{
		Source: events.SourceUsers,
		Kind:   events.KindTokenRemoved,
		Data:   map[string]any{"token_id": id.String()},
	})
	return UserErrorNoError
}

// issueToken mints an opaque token, stores its hash, and hands the
// plaintext back.
func (m *Manager) issueToken(username, deviceName string) (string, error) {
	raw := make([]byte, tokenLen)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	token := base64.RawURLEncoding.EncodeToString(raw)
	if err := m.store.InsertToken(types.NewTokenID(), username, hashToken(token), time.Now(), deviceName); err != nil {
		return "", err
	}
	return token, nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.StdEncoding.EncodeToString(sum[:])
}

func hashPassword(password string, salt []byte) string {
	key := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, pbkdf2KeyLen, sha512.New)
	return base64.StdEncoding.EncodeToString(key)
}

// validUsername accepts the email shape local@domain.tld: a local part
// of letters, digits, and _.+-, then a dotted domain of letters, digits,
// and hyphens.
func validUsername(s string) bool {
	local, domain, ok := strings.Cut(s, "@")
	if !ok || local == "" {
		return false
	}
	for _, r := range local {
		if !isAlnum(r) && !strings.ContainsRune("_.+-", r) {
			return false
		}
	}
	parts := strings.Split(domain, ".")
	if len(parts) < 2 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
		for _, r := range p {
			if !isAlnum(r) && r != '-' {
				return false
			}
		}
	}
	return true
}

// validPassword wants length 8 or more with at least one letter, one
// digit, and one symbol from passwordSymbols. Control characters never
// pass.
func validPassword(s string) bool {
	if len(s) < 8 {
		return false
	}
	var letter, digit, symbol bool
	for _, r := range s {
		switch {
		case r < 0x20 || r == 0x7f:
			return false
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
			letter = true
		case r >= '0' && r <= '9':
			digit = true
		case strings.ContainsRune(passwordSymbols, r):
			symbol = true
		}
	}
	return letter && digit && symbol
}

// validTokenChars accepts the printable alphabet tokens are issued from,
// plus base64 padding and the standard-alphabet characters. Everything
// else, control characters included, fails before the database is
// consulted.
func validTokenChars(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !isAlnum(r) && !strings.ContainsRune("_.+-/=", r) {
			return false
		}
	}
	return true
}

func isAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}
