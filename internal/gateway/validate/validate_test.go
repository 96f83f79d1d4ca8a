package validate

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/aico-ai/gateway/internal/gateway/apierr"
)

const userSchema = `{
	"type": "object",
	"required": ["username"],
	"properties": {
		"username": {"type": "string", "minLength": 1},
		"age": {"type": "integer", "minimum": 0}
	}
}`

const looseSchema = `{"type": "object"}`

func newTestRegistry(t *testing.T, strict bool) *Registry {
	t.Helper()
	r := NewRegistry(strict, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := r.Register("api/users", []byte(userSchema)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register("api", []byte(looseSchema)); err != nil {
		t.Fatalf("register: %v", err)
	}
	return r
}

func TestValidateLongestPrefixWins(t *testing.T) {
	r := newTestRegistry(t, false)

	// api/users/create matches api/users, not the looser api schema.
	err := r.Validate("api/users/create", json.RawMessage(`{"age": 30}`))
	if !errors.Is(err, apierr.ErrValidation) {
		t.Errorf("missing username accepted: %v", err)
	}
	if err := r.Validate("api/users/create", json.RawMessage(`{"username": "ana"}`)); err != nil {
		t.Errorf("valid payload rejected: %v", err)
	}

	// Other api topics only need to be objects.
	if err := r.Validate("api/system/status", json.RawMessage(`{}`)); err != nil {
		t.Errorf("loose schema rejected: %v", err)
	}
	if err := r.Validate("api/system/status", json.RawMessage(`[1,2]`)); !errors.Is(err, apierr.ErrValidation) {
		t.Errorf("array accepted by object schema: %v", err)
	}
}

func TestValidatePrefixBoundary(t *testing.T) {
	r := NewRegistry(false, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := r.Register("api/users", []byte(userSchema)); err != nil {
		t.Fatal(err)
	}
	// "api/usersearch" is not under the "api/users" prefix.
	if err := r.Validate("api/usersearch", json.RawMessage(`{}`)); err != nil {
		t.Errorf("segment boundary ignored: %v", err)
	}
}

func TestValidateUnknownTopic(t *testing.T) {
	relaxed := newTestRegistry(t, false)
	if err := relaxed.Validate("system/heartbeat", json.RawMessage(`42`)); err != nil {
		t.Errorf("unknown topic rejected in relaxed mode: %v", err)
	}

	strict := newTestRegistry(t, true)
	if err := strict.Validate("system/heartbeat", json.RawMessage(`42`)); !errors.Is(err, apierr.ErrValidation) {
		t.Errorf("unknown topic passed in strict mode: %v", err)
	}
}

func TestValidateDottedTopicNormalized(t *testing.T) {
	r := newTestRegistry(t, false)
	err := r.Validate("api.users.create", json.RawMessage(`{"age": 1}`))
	if !errors.Is(err, apierr.ErrValidation) {
		t.Errorf("dotted topic bypassed schema: %v", err)
	}
}

func TestValidateMalformedJSON(t *testing.T) {
	r := newTestRegistry(t, false)
	if err := r.Validate("api/users/create", json.RawMessage(`{malformed`)); !errors.Is(err, apierr.ErrValidation) {
		t.Errorf("malformed payload error = %v", err)
	}
}

func TestRegisterBadSchema(t *testing.T) {
	r := NewRegistry(false, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := r.Register("api", []byte(`{"type": 12}`)); err == nil {
		t.Error("invalid schema accepted")
	}
	if err := r.Register("", []byte(looseSchema)); err == nil {
		t.Error("empty prefix accepted")
	}
}
