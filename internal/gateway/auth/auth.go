package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/aico-ai/gateway/internal/gateway/apierr"
	"github.com/aico-ai/gateway/internal/gateway/keys"
	"github.com/aico-ai/gateway/internal/gateway/session"
)

// Request carries the credential material one inbound request presented.
// Adapters fill in what their transport offers; empty fields are skipped.
type Request struct {
	BearerToken   string
	APIKey        string
	SessionCookie string
	RemoteAddr    string
	// TrustedLocal is set only by the local IPC adapter.
	TrustedLocal bool
}

// APIKeyEntry maps one configured API key to its principal.
type APIKeyEntry struct {
	Key      string
	UserUUID string
	Username string
	Roles    []string
}

// Authenticator resolves request credentials to identities. Methods are
// tried in a fixed order: BEARER, API_KEY, SESSION_COOKIE, TRUSTED_LOCAL.
type Authenticator struct {
	tokens   *TokenService
	sessions *session.Service
	pins     *PINVerifier
	logger   *slog.Logger

	keyHashes map[string]*APIKeyEntry
	keySecret []byte

	// revoked is the in-memory fallback used when the session store cannot
	// record a revocation. Keyed by token hash.
	revokedMu sync.RWMutex
	revoked   map[string]struct{}
}

// Config holds Authenticator dependencies and settings.
type Config struct {
	Tokens   *TokenService
	Sessions *session.Service
	Keys     *keys.Service
	PINs     *PINVerifier
	APIKeys  []APIKeyEntry
	Logger   *slog.Logger
}

// New creates an Authenticator. Configured API keys are stored hashed.
func New(cfg Config) (*Authenticator, error) {
	keySecret, err := cfg.Keys.SigningSecret(keys.PurposeAPIKeyHash)
	if err != nil {
		return nil, err
	}
	a := &Authenticator{
		tokens:    cfg.Tokens,
		sessions:  cfg.Sessions,
		pins:      cfg.PINs,
		logger:    cfg.Logger,
		keySecret: keySecret,
		keyHashes: make(map[string]*APIKeyEntry, len(cfg.APIKeys)),
		revoked:   make(map[string]struct{}),
	}
	for _, src := range cfg.APIKeys {
		entry := src
		entry.Key = "" // only the hash is retained
		a.keyHashes[a.hashAPIKey(src.Key)] = &entry
	}
	return a, nil
}

// Authenticate resolves the request to an identity or fails with an
// authentication error.
func (a *Authenticator) Authenticate(ctx context.Context, req Request) (*Identity, error) {
	if req.BearerToken != "" {
		return a.authenticateJWT(ctx, req.BearerToken)
	}
	if req.APIKey != "" {
		return a.authenticateAPIKey(req.APIKey)
	}
	if req.SessionCookie != "" {
		return a.authenticateCookie(ctx, req.SessionCookie)
	}
	if req.TrustedLocal {
		return &Identity{
			UserUUID:    "local",
			Username:    "local",
			Roles:       []string{"admin"},
			Permissions: []string{"*"},
			Method:      MethodTrustedLocal,
		}, nil
	}
	return nil, apierr.E(apierr.ErrAuthentication, "no credentials presented")
}

// authenticateJWT checks the session row first (revocation wins over
// signature validity), then verifies the token itself.
func (a *Authenticator) authenticateJWT(ctx context.Context, token string) (*Identity, error) {
	if a.isRevokedLocally(token) {
		return nil, apierr.E(apierr.ErrAuthentication, "token revoked")
	}

	var sess *session.Session
	if a.sessions != nil {
		var err error
		sess, err = a.sessions.Validate(ctx, token)
		switch {
		case err == nil:
		case errors.Is(err, session.ErrRevoked):
			return nil, apierr.E(apierr.ErrAuthentication, "token revoked")
		case errors.Is(err, session.ErrExpired):
			return nil, apierr.E(apierr.ErrAuthentication, "token expired")
		case errors.Is(err, session.ErrNotFound):
			return nil, apierr.E(apierr.ErrAuthentication, "unknown token")
		default:
			// Authentication fails closed: a token whose revocation state
			// cannot be checked is not accepted on signature alone.
			a.logger.Error("session lookup failed", "error", err)
			return nil, apierr.E(apierr.ErrAuthentication, "session verification unavailable")
		}
	}

	claims, err := a.tokens.Validate(token)
	if err != nil {
		return nil, err
	}
	id := claims.Identity(MethodBearer)
	if sess != nil {
		id.SessionID = sess.SessionID
		id.DeviceUUID = sess.DeviceUUID
	}
	return id, nil
}

func (a *Authenticator) authenticateAPIKey(key string) (*Identity, error) {
	entry, ok := a.keyHashes[a.hashAPIKey(key)]
	if !ok {
		return nil, apierr.E(apierr.ErrAuthentication, "invalid api key")
	}
	return &Identity{
		UserUUID: entry.UserUUID,
		Username: entry.Username,
		Roles:    append([]string(nil), entry.Roles...),
		Method:   MethodAPIKey,
	}, nil
}

// authenticateCookie treats the cookie value as a session token. Roles ride
// in the session metadata under "roles" (comma separated).
func (a *Authenticator) authenticateCookie(ctx context.Context, cookie string) (*Identity, error) {
	if a.sessions == nil {
		return nil, apierr.E(apierr.ErrAuthentication, "session cookies not supported")
	}
	sess, err := a.sessions.Validate(ctx, cookie)
	if err != nil {
		return nil, apierr.E(apierr.ErrAuthentication, "invalid session")
	}
	var roles []string
	if raw := sess.Metadata["roles"]; raw != "" {
		roles = strings.Split(raw, ",")
	}
	return &Identity{
		UserUUID:   sess.UserUUID,
		Roles:      roles,
		Method:     MethodSessionCookie,
		SessionID:  sess.SessionID,
		DeviceUUID: sess.DeviceUUID,
	}, nil
}

// TokenPair is the result of issuing credentials for a principal.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// IssueTokens signs an access and refresh token for the identity and binds
// each to its own session row.
func (a *Authenticator) IssueTokens(ctx context.Context, id *Identity, deviceUUID string) (*TokenPair, error) {
	access, err := a.tokens.Issue(id, TokenTypeAccess)
	if err != nil {
		return nil, err
	}
	refresh, err := a.tokens.Issue(id, TokenTypeRefresh)
	if err != nil {
		return nil, err
	}
	if a.sessions != nil {
		meta := map[string]string{"roles": strings.Join(id.Roles, ",")}
		if _, err := a.sessions.Issue(ctx, id.UserUUID, deviceUUID, access, a.tokens.AccessTTL(), meta); err != nil {
			return nil, err
		}
		if _, err := a.sessions.Issue(ctx, id.UserUUID, deviceUUID, refresh, a.tokens.RefreshTTL(), meta); err != nil {
			return nil, err
		}
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int(a.tokens.AccessTTL().Seconds()),
		TokenType:    "Bearer",
	}, nil
}

// Refresh trades a valid token for a fresh access token. The rotation
// revokes the presented token's session and every other active session of
// the same user and device in one transaction, so the access token issued
// alongside a refresh token dies with it; on any failure the current token
// remains valid and nothing new is issued.
func (a *Authenticator) Refresh(ctx context.Context, current string) (*TokenPair, error) {
	id, err := a.authenticateJWT(ctx, current)
	if err != nil {
		return nil, err
	}

	access, err := a.tokens.Issue(id, TokenTypeAccess)
	if err != nil {
		return nil, err
	}
	if a.sessions != nil {
		if _, err := a.sessions.Rotate(ctx, current, access, a.tokens.AccessTTL()); err != nil {
			return nil, apierr.E(apierr.ErrAuthentication, "refresh rejected")
		}
	} else {
		a.revokeLocally(current)
	}
	return &TokenPair{
		AccessToken: access,
		ExpiresIn:   int(a.tokens.AccessTTL().Seconds()),
		TokenType:   "Bearer",
	}, nil
}

// RevokeToken marks the token's session revoked. When the session store is
// unavailable the token hash is held in the in-memory fallback set instead.
// Revoking an already-revoked or unknown token succeeds.
func (a *Authenticator) RevokeToken(ctx context.Context, token string) error {
	if a.sessions != nil {
		sess, err := a.sessions.Validate(ctx, token)
		switch {
		case err == nil:
			if err := a.sessions.Revoke(ctx, sess.SessionID); err == nil {
				return nil
			}
		case errors.Is(err, session.ErrRevoked), errors.Is(err, session.ErrExpired):
			return nil
		}
	}
	a.revokeLocally(token)
	return nil
}

// AuthenticatePIN verifies a user's PIN and returns the principal on
// success. Lockout and failure counting live in the PIN verifier.
func (a *Authenticator) AuthenticatePIN(userUUID, pin string) (*Identity, error) {
	if a.pins == nil {
		return nil, apierr.E(apierr.ErrAuthentication, "pin authentication not configured")
	}
	return a.pins.Verify(userUUID, pin)
}

func (a *Authenticator) hashAPIKey(key string) string {
	mac := hmac.New(sha256.New, a.keySecret)
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *Authenticator) revokeLocally(token string) {
	a.revokedMu.Lock()
	a.revoked[session.HashToken(token)] = struct{}{}
	a.revokedMu.Unlock()
}

func (a *Authenticator) isRevokedLocally(token string) bool {
	a.revokedMu.RLock()
	_, ok := a.revoked[session.HashToken(token)]
	a.revokedMu.RUnlock()
	return ok
}
