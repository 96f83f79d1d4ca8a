package auth

import (
	"fmt"
	"sort"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/aico-ai/gateway/internal/gateway/apierr"
	"github.com/aico-ai/gateway/internal/gateway/keys"
)

// Token types carried in the "type" claim.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

const (
	issuer            = "aico-api-gateway"
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour
)

// Claims is the gateway's JWT claim set.
type Claims struct {
	Username    string   `json:"username,omitempty"`
	UserUUID    string   `json:"user_uuid"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	TokenType   string   `json:"type"`
	jwt.RegisteredClaims
}

// TokenService signs and verifies gateway JWTs with a secret derived from
// the key service.
type TokenService struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewTokenService derives the signing secret. Zero TTLs take the defaults.
func NewTokenService(ks *keys.Service, accessTTL, refreshTTL time.Duration) (*TokenService, error) {
	secret, err := ks.SigningSecret(keys.PurposeJWTSigning)
	if err != nil {
		return nil, err
	}
	if accessTTL <= 0 {
		accessTTL = DefaultAccessTTL
	}
	if refreshTTL <= 0 {
		refreshTTL = DefaultRefreshTTL
	}
	return &TokenService{
		secret:     secret,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}, nil
}

// AccessTTL returns the configured access-token lifetime.
func (t *TokenService) AccessTTL() time.Duration { return t.accessTTL }

// RefreshTTL returns the configured refresh-token lifetime.
func (t *TokenService) RefreshTTL() time.Duration { return t.refreshTTL }

// Issue signs a token of the given type for the identity.
func (t *TokenService) Issue(id *Identity, tokenType string) (string, error) {
	ttl := t.accessTTL
	if tokenType == TokenTypeRefresh {
		ttl = t.refreshTTL
	}
	now := t.now().UTC()

	perms := append([]string(nil), id.Permissions...)
	sort.Strings(perms)

	claims := Claims{
		Username:    id.Username,
		UserUUID:    id.UserUUID,
		Roles:       append([]string(nil), id.Roles...),
		Permissions: perms,
		TokenType:   tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			// The jti keeps tokens minted within the same second distinct;
			// session rows are keyed by token hash.
			ID:        uuid.NewString(),
			Subject:   id.UserUUID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return signed, nil
}

// Validate verifies the signature and claims and returns the claim set.
// Only HMAC-SHA256 signatures are accepted.
func (t *TokenService) Validate(tokenString string) (*Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", tok.Method.Alg())
		}
		return t.secret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(func() time.Time { return t.now() }),
	)
	if err != nil {
		if claims.ExpiresAt != nil && t.now().After(claims.ExpiresAt.Time) {
			return nil, apierr.E(apierr.ErrAuthentication, "token expired")
		}
		return nil, apierr.E(apierr.ErrAuthentication, "invalid token")
	}
	if claims.UserUUID == "" {
		return nil, apierr.E(apierr.ErrAuthentication, "token missing user identity")
	}
	return &claims, nil
}

// Identity builds the principal a validated claim set represents.
func (c *Claims) Identity(method string) *Identity {
	return &Identity{
		UserUUID:    c.UserUUID,
		Username:    c.Username,
		Roles:       append([]string(nil), c.Roles...),
		Permissions: append([]string(nil), c.Permissions...),
		Method:      method,
	}
}
