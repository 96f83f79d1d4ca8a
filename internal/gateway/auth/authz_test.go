package auth

import (
	"errors"
	"testing"

	"github.com/aico-ai/gateway/common/spec/envelope"
	"github.com/aico-ai/gateway/internal/gateway/apierr"
)

func newTestAuthorizer(defaultPolicy string) *Authorizer {
	return NewAuthorizer(map[string][]string{
		"admin": {"*"},
		"user":  {"conversation.*", "api.users.get"},
	}, defaultPolicy, discardLogger())
}

func TestAuthorizePatterns(t *testing.T) {
	az := newTestAuthorizer(PolicyDeny)

	tests := []struct {
		name   string
		id     *Identity
		action string
		allow  bool
	}{
		{"wildcard role", &Identity{UserUUID: "a", Roles: []string{"admin"}}, "anything.at.all", true},
		{"prefix pattern", &Identity{UserUUID: "b", Roles: []string{"user"}}, "conversation.send", true},
		{"exact permission", &Identity{UserUUID: "b", Roles: []string{"user"}}, "api.users.get", true},
		{"no match", &Identity{UserUUID: "b", Roles: []string{"user"}}, "api.admin.reset", false},
		{"direct permission", &Identity{UserUUID: "c", Permissions: []string{"logs.read"}}, "logs.read", true},
		{"unknown role", &Identity{UserUUID: "d", Roles: []string{"ghost"}}, "api.users.get", false},
		{"no roles no perms", &Identity{UserUUID: "e"}, "api.users.get", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := az.Authorize(tc.id, tc.action, nil)
			if tc.allow && err != nil {
				t.Errorf("denied: %v", err)
			}
			if !tc.allow && !errors.Is(err, apierr.ErrAuthorization) {
				t.Errorf("error = %v, want authorization error", err)
			}
		})
	}
}

func TestAuthorizeConversationOwner(t *testing.T) {
	az := newTestAuthorizer(PolicyDeny)
	id := &Identity{UserUUID: "user-1"}

	own := envelope.New("user-1", "conversation.message", envelope.Payload{})
	if err := az.Authorize(id, "conversation.delete", own); err != nil {
		t.Errorf("owner denied on own message: %v", err)
	}

	other := envelope.New("user-2", "conversation.message", envelope.Payload{})
	if err := az.Authorize(id, "conversation.delete", other); !errors.Is(err, apierr.ErrAuthorization) {
		t.Errorf("non-owner allowed: %v", err)
	}

	// Owner rule only covers conversation.* actions.
	if err := az.Authorize(id, "api.users.delete", own); !errors.Is(err, apierr.ErrAuthorization) {
		t.Errorf("owner rule leaked outside conversation actions: %v", err)
	}
}

func TestAuthorizeDefaultPolicy(t *testing.T) {
	az := newTestAuthorizer(PolicyAllow)
	if err := az.Authorize(&Identity{UserUUID: "x"}, "whatever", nil); err != nil {
		t.Errorf("default allow not honored: %v", err)
	}
	if err := az.Authorize(nil, "whatever", nil); !errors.Is(err, apierr.ErrAuthorization) {
		t.Errorf("nil identity allowed: %v", err)
	}
}

func TestAuthorizePolicyChangeInvalidatesCache(t *testing.T) {
	az := newTestAuthorizer(PolicyDeny)
	id := &Identity{UserUUID: "u", Roles: []string{"user"}}

	if err := az.Authorize(id, "api.users.get", nil); err != nil {
		t.Fatalf("initial: %v", err)
	}

	az.SetRolePermissions("user", []string{"conversation.*"})
	if err := az.Authorize(id, "api.users.get", nil); !errors.Is(err, apierr.ErrAuthorization) {
		t.Errorf("stale permission union served after policy change: %v", err)
	}
}
