package auth

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/aico-ai/gateway/common/spec/envelope"
	"github.com/aico-ai/gateway/internal/gateway/apierr"
)

// Default policies for the authorizer.
const (
	PolicyDeny  = "deny"
	PolicyAllow = "allow"
)

// Authorizer decides whether an identity may perform an action. Permission
// patterns are "*" (everything), exact strings, or "prefix*" matches; an
// identity's effective set is the union of its direct permissions and those
// of its roles.
type Authorizer struct {
	mu        sync.RWMutex
	rolePerms map[string][]string
	defAllow  bool
	logger    *slog.Logger

	// unions memoizes effective permission sets per user and role tuple.
	// Wiped whenever the role policy changes.
	unions map[string][]string
}

// NewAuthorizer creates an Authorizer with the given role→permissions policy
// and default decision ("allow" or "deny"; anything else means deny).
func NewAuthorizer(rolePerms map[string][]string, defaultPolicy string, logger *slog.Logger) *Authorizer {
	a := &Authorizer{
		rolePerms: make(map[string][]string, len(rolePerms)),
		defAllow:  defaultPolicy == PolicyAllow,
		logger:    logger,
		unions:    make(map[string][]string),
	}
	for role, perms := range rolePerms {
		a.rolePerms[role] = append([]string(nil), perms...)
	}
	return a
}

// SetRolePermissions replaces the policy for one role and invalidates the
// memoized unions wholesale.
func (a *Authorizer) SetRolePermissions(role string, perms []string) {
	a.mu.Lock()
	a.rolePerms[role] = append([]string(nil), perms...)
	a.unions = make(map[string][]string)
	a.mu.Unlock()
}

// Authorize returns nil when the identity may perform the action, an
// authorization error otherwise. The resource, when it is a message
// envelope, enables the conversation-owner rule: conversation.* actions on
// messages the identity itself produced are always allowed.
func (a *Authorizer) Authorize(id *Identity, action string, resource *envelope.Envelope) error {
	if id == nil {
		return apierr.E(apierr.ErrAuthorization, "no identity")
	}

	for _, p := range a.effectivePermissions(id) {
		if patternMatches(p, action) {
			return nil
		}
	}

	if resource != nil && strings.HasPrefix(action, "conversation.") &&
		resource.Metadata.Source == id.UserUUID {
		return nil
	}

	a.mu.RLock()
	allow := a.defAllow
	a.mu.RUnlock()
	if allow {
		return nil
	}
	a.logger.Debug("authorization denied", "user_uuid", id.UserUUID, "action", action)
	return apierr.E(apierr.ErrAuthorization, "not permitted: %s", action)
}

// effectivePermissions returns the memoized union of the identity's direct
// permissions and its roles' permissions.
func (a *Authorizer) effectivePermissions(id *Identity) []string {
	key := unionKey(id)

	a.mu.RLock()
	cached, ok := a.unions[key]
	a.mu.RUnlock()
	if ok {
		return cached
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if cached, ok := a.unions[key]; ok {
		return cached
	}

	set := make(map[string]struct{}, len(id.Permissions))
	for _, p := range id.Permissions {
		set[p] = struct{}{}
	}
	for _, role := range id.Roles {
		for _, p := range a.rolePerms[role] {
			set[p] = struct{}{}
		}
	}
	union := make([]string, 0, len(set))
	for p := range set {
		union = append(union, p)
	}
	sort.Strings(union)
	a.unions[key] = union
	return union
}

func unionKey(id *Identity) string {
	roles := append([]string(nil), id.Roles...)
	sort.Strings(roles)
	perms := append([]string(nil), id.Permissions...)
	sort.Strings(perms)
	return id.UserUUID + "|" + strings.Join(roles, ",") + "|" + strings.Join(perms, ",")
}

// patternMatches reports whether one permission pattern covers the action.
func patternMatches(pattern, action string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(action, pattern[:len(pattern)-1])
	default:
		return pattern == action
	}
}
