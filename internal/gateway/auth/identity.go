// Package auth implements the gateway's authentication and authorization:
// JWT issue/validate bound to session rows, API keys, PIN credentials with
// lockout, and permission-pattern authorization.
package auth

import "context"

// Authentication methods, tried in this order per request.
const (
	MethodBearer        = "BEARER"
	MethodAPIKey        = "API_KEY"
	MethodSessionCookie = "SESSION_COOKIE"
	MethodTrustedLocal  = "TRUSTED_LOCAL"
)

// Identity is the authenticated principal attached to a request.
type Identity struct {
	UserUUID    string   `json:"user_uuid"`
	Username    string   `json:"username,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	Method      string   `json:"method"`
	SessionID   string   `json:"session_id,omitempty"`
	DeviceUUID  string   `json:"device_uuid,omitempty"`
}

type identityKey struct{}

// WithIdentity attaches an identity to the context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity attached to the context, if any.
func IdentityFrom(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(*Identity)
	return id, ok
}
