// Package session manages device sessions backing the gateway's bearer
// tokens: issuance, validation by token hash, revocation, atomic rotation
// and the periodic maintenance sweep.
package session

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Session status values as stored in the sessions table.
const (
	StatusActive  = "active"
	StatusRevoked = "revoked"
	StatusExpired = "expired"
)

// Defaults for session lifetime and maintenance.
const (
	DefaultTTL           = 7 * 24 * time.Hour
	DefaultSweepInterval = 24 * time.Hour
	revokedRetention     = 30 * 24 * time.Hour
)

var (
	ErrNotFound = errors.New("session: not found")
	ErrExpired  = errors.New("session: expired")
	ErrRevoked  = errors.New("session: revoked")
)

// Session is one device session row.
type Session struct {
	SessionID    string
	UserUUID     string
	DeviceUUID   string
	TokenHash    string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	Status       string
	LastActivity time.Time
	Metadata     map[string]string
}

// Service persists and validates sessions. Tokens themselves are never
// stored; only their SHA-256 hex digests are.
type Service struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// New creates a session Service over an open gateway store.
func New(db *sql.DB, logger *slog.Logger) *Service {
	return &Service{db: db, logger: logger, now: time.Now}
}

// HashToken returns the digest under which a bearer token is stored.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Issue creates a new active session for the token. TTL falls back to
// DefaultTTL when non-positive.
func (s *Service) Issue(ctx context.Context, userUUID, deviceUUID, token string, ttl time.Duration, metadata map[string]string) (*Session, error) {
	if userUUID == "" {
		return nil, fmt.Errorf("session: user uuid required")
	}
	if token == "" {
		return nil, fmt.Errorf("session: token required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	now := s.now().UTC()
	sess := &Session{
		SessionID:    uuid.NewString(),
		UserUUID:     userUUID,
		DeviceUUID:   deviceUUID,
		TokenHash:    HashToken(token),
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		Status:       StatusActive,
		LastActivity: now,
		Metadata:     metadata,
	}
	if err := s.insert(ctx, s.db, sess); err != nil {
		return nil, err
	}
	s.logger.Debug("session issued", "session_id", sess.SessionID, "user_uuid", userUUID)
	return sess, nil
}

// Validate resolves a bearer token to its active session and touches
// last_activity. Expired and revoked sessions fail with their sentinel.
func (s *Service) Validate(ctx context.Context, token string) (*Session, error) {
	sess, err := s.byTokenHash(ctx, HashToken(token))
	if err != nil {
		return nil, err
	}
	switch {
	case sess.Status == StatusRevoked:
		return nil, ErrRevoked
	case sess.Status == StatusExpired, s.now().UTC().After(sess.ExpiresAt):
		return nil, ErrExpired
	}

	now := s.now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_activity = ? WHERE session_id = ?`,
		timestamp(now), sess.SessionID); err != nil {
		// Validation already succeeded; a failed touch is not fatal.
		s.logger.Warn("session activity update failed", "session_id", sess.SessionID, "error", err)
	}
	sess.LastActivity = now
	return sess, nil
}

// Revoke marks one session revoked. Revoking an unknown session returns
// ErrNotFound.
func (s *Service) Revoke(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ? WHERE session_id = ?`,
		StatusRevoked, sessionID)
	if err != nil {
		return fmt.Errorf("session: revoke: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.logger.Info("session revoked", "session_id", sessionID)
	return nil
}

// RevokeUser revokes every active session of a user and reports how many.
func (s *Service) RevokeUser(ctx context.Context, userUUID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ? WHERE user_uuid = ? AND status = ?`,
		StatusRevoked, userUUID, StatusActive)
	if err != nil {
		return 0, fmt.Errorf("session: revoke user: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("user sessions revoked", "user_uuid", userUUID, "count", n)
	}
	return n, nil
}

// Rotate atomically replaces the session behind oldToken with a fresh one
// carrying newToken. Every active session of the same user and device is
// revoked — the access token issued alongside a refresh token rides its own
// row — and the new session inherits user, device and metadata. All changes
// commit together or not at all.
func (s *Service) Rotate(ctx context.Context, oldToken, newToken string, ttl time.Duration) (*Session, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("session: rotate: %w", err)
	}
	defer tx.Rollback()

	old, err := s.byTokenHashTx(ctx, tx, HashToken(oldToken))
	if err != nil {
		return nil, err
	}
	switch {
	case old.Status == StatusRevoked:
		return nil, ErrRevoked
	case old.Status == StatusExpired, s.now().UTC().After(old.ExpiresAt):
		return nil, ErrExpired
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET status = ? WHERE user_uuid = ? AND device_uuid = ? AND status = ?`,
		StatusRevoked, old.UserUUID, old.DeviceUUID, StatusActive); err != nil {
		return nil, fmt.Errorf("session: rotate: revoke old: %w", err)
	}

	now := s.now().UTC()
	next := &Session{
		SessionID:    uuid.NewString(),
		UserUUID:     old.UserUUID,
		DeviceUUID:   old.DeviceUUID,
		TokenHash:    HashToken(newToken),
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		Status:       StatusActive,
		LastActivity: now,
		Metadata:     old.Metadata,
	}
	if err := s.insert(ctx, tx, next); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("session: rotate: %w", err)
	}
	s.logger.Debug("session rotated",
		"old_session_id", old.SessionID, "new_session_id", next.SessionID)
	return next, nil
}

// Sweep marks overdue sessions expired and purges revoked sessions past
// retention. Returns (expired, purged).
func (s *Service) Sweep(ctx context.Context) (int64, int64, error) {
	now := s.now().UTC()

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ? WHERE status = ? AND expires_at < ?`,
		StatusExpired, StatusActive, timestamp(now))
	if err != nil {
		return 0, 0, fmt.Errorf("session: sweep expire: %w", err)
	}
	expired, _ := res.RowsAffected()

	res, err = s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE status IN (?, ?) AND last_activity < ?`,
		StatusRevoked, StatusExpired, timestamp(now.Add(-revokedRetention)))
	if err != nil {
		return expired, 0, fmt.Errorf("session: sweep purge: %w", err)
	}
	purged, _ := res.RowsAffected()

	if expired > 0 || purged > 0 {
		s.logger.Info("session sweep", "expired", expired, "purged", purged)
	}
	return expired, purged, nil
}

// RunMaintenance sweeps on the given interval until the context ends.
// Non-positive intervals fall back to DefaultSweepInterval.
func (s *Service) RunMaintenance(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("session sweep failed", "error", err)
			}
		}
	}
}

// Get returns one session by id.
func (s *Service) Get(ctx context.Context, sessionID string) (*Session, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		selectColumns+` WHERE session_id = ?`, sessionID))
}

// ActiveCount reports how many sessions are currently active.
func (s *Service) ActiveCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE status = ?`, StatusActive).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("session: count: %w", err)
	}
	return n, nil
}

const selectColumns = `SELECT session_id, user_uuid, device_uuid, token_hash,
	created_at, expires_at, status, last_activity, metadata FROM sessions`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Service) insert(ctx context.Context, db execer, sess *Session) error {
	meta := "{}"
	if len(sess.Metadata) > 0 {
		b, err := json.Marshal(sess.Metadata)
		if err != nil {
			return fmt.Errorf("session: encode metadata: %w", err)
		}
		meta = string(b)
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO sessions (
			session_id, user_uuid, device_uuid, token_hash,
			created_at, expires_at, status, last_activity, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.SessionID, sess.UserUUID, sess.DeviceUUID, sess.TokenHash,
		timestamp(sess.CreatedAt), timestamp(sess.ExpiresAt),
		sess.Status, timestamp(sess.LastActivity), meta)
	if err != nil {
		return fmt.Errorf("session: insert: %w", err)
	}
	return nil
}

func (s *Service) byTokenHash(ctx context.Context, hash string) (*Session, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		selectColumns+` WHERE token_hash = ?`, hash))
}

func (s *Service) byTokenHashTx(ctx context.Context, tx *sql.Tx, hash string) (*Session, error) {
	return s.scanOne(tx.QueryRowContext(ctx,
		selectColumns+` WHERE token_hash = ?`, hash))
}

func (s *Service) scanOne(row *sql.Row) (*Session, error) {
	var sess Session
	var created, expires, activity, meta string
	err := row.Scan(&sess.SessionID, &sess.UserUUID, &sess.DeviceUUID, &sess.TokenHash,
		&created, &expires, &sess.Status, &activity, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session: scan: %w", err)
	}
	sess.CreatedAt = parseTimestamp(created)
	sess.ExpiresAt = parseTimestamp(expires)
	sess.LastActivity = parseTimestamp(activity)
	if meta != "" && meta != "{}" {
		_ = json.Unmarshal([]byte(meta), &sess.Metadata)
	}
	return &sess, nil
}

// timestampLayout keeps a fixed-width fraction so stored strings compare
// correctly with SQL <.
const timestampLayout = "2006-01-02T15:04:05.000000000Z"

func timestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func parseTimestamp(s string) time.Time {
	t, err := time.Parse(timestampLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}
