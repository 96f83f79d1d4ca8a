package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/aico-ai/gateway/internal/gateway/apierr"
)

// Lockout defaults for PIN verification.
const (
	DefaultMaxPINAttempts = 5
	DefaultLockoutWindow  = 15 * time.Minute
)

// PINUser is one configured PIN credential.
type PINUser struct {
	UserUUID string
	Username string
	PIN      string
	Roles    []string
}

type pinRecord struct {
	hash     string
	username string
	roles    []string

	failures    int
	windowStart time.Time
	lockedUntil time.Time
}

// PINVerifier checks user PINs with a brute-force guard: after maxAttempts
// failures inside the window the user is locked out for the window duration.
type PINVerifier struct {
	mu          sync.Mutex
	users       map[string]*pinRecord
	secret      []byte
	maxAttempts int
	window      time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// NewPINVerifier creates a verifier over the configured credentials. PINs
// are stored as keyed hashes, never raw. Zero limits take the defaults.
func NewPINVerifier(users []PINUser, secret []byte, maxAttempts int, window time.Duration, logger *slog.Logger) *PINVerifier {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxPINAttempts
	}
	if window <= 0 {
		window = DefaultLockoutWindow
	}
	v := &PINVerifier{
		users:       make(map[string]*pinRecord, len(users)),
		secret:      secret,
		maxAttempts: maxAttempts,
		window:      window,
		logger:      logger,
		now:         time.Now,
	}
	for _, u := range users {
		v.users[u.UserUUID] = &pinRecord{
			hash:     v.hash(u.UserUUID, u.PIN),
			username: u.Username,
			roles:    append([]string(nil), u.Roles...),
		}
	}
	return v
}

// Verify checks the PIN for the user. Unknown users, wrong PINs and
// locked-out users all fail with an authentication error; the caller cannot
// tell which from the message.
func (v *PINVerifier) Verify(userUUID, pin string) (*Identity, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	rec, ok := v.users[userUUID]
	if !ok {
		return nil, apierr.E(apierr.ErrAuthentication, "pin verification failed")
	}

	now := v.now()
	if now.Before(rec.lockedUntil) {
		v.logger.Warn("pin attempt while locked out", "user_uuid", userUUID)
		return nil, apierr.E(apierr.ErrAuthentication, "pin verification failed")
	}
	if now.Sub(rec.windowStart) > v.window {
		rec.failures = 0
		rec.windowStart = now
	}

	if !hmac.Equal([]byte(v.hash(userUUID, pin)), []byte(rec.hash)) {
		rec.failures++
		if rec.failures >= v.maxAttempts {
			rec.lockedUntil = now.Add(v.window)
			rec.failures = 0
			v.logger.Warn("pin lockout engaged", "user_uuid", userUUID)
		}
		return nil, apierr.E(apierr.ErrAuthentication, "pin verification failed")
	}

	rec.failures = 0
	rec.lockedUntil = time.Time{}
	return &Identity{
		UserUUID: userUUID,
		Username: rec.username,
		Roles:    append([]string(nil), rec.roles...),
		Method:   MethodBearer,
	}, nil
}

func (v *PINVerifier) hash(userUUID, pin string) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(userUUID))
	mac.Write([]byte{0})
	mac.Write([]byte(pin))
	return hex.EncodeToString(mac.Sum(nil))
}
