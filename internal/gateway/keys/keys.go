// Package keys implements the gateway's key service: it holds the process
// master key and hands out purpose-bound signing secrets to subsystems.
//
// The auth manager asks for the "jwt-signing" secret at startup; API key
// verification uses "api-key-hash". Derived secrets are cached so repeated
// lookups are cheap and deterministic for the life of the process.
package keys

import (
	"errors"
	"sync"

	"github.com/aico-ai/gateway/common/crypto"
	"github.com/aico-ai/gateway/common/environment"
)

// ErrUnavailable is returned when no master key is configured. The process
// exits with code 3 when the key service cannot be initialized.
var ErrUnavailable = errors.New("keys: key service unavailable")

// Purpose labels for derived secrets.
const (
	PurposeJWTSigning = "jwt-signing"
	PurposeAPIKeyHash = "api-key-hash"
)

// EnvMasterKey is the environment variable holding the hex master key.
const EnvMasterKey = "AICO_MASTER_KEY"

// Service derives and caches purpose-bound secrets from the master key.
type Service struct {
	master []byte

	mu      sync.Mutex
	derived map[string][]byte
}

// New creates a Service from a raw 32-byte master key.
func New(masterKey []byte) (*Service, error) {
	if len(masterKey) != crypto.KeySize {
		return nil, ErrUnavailable
	}
	return &Service{master: masterKey, derived: make(map[string][]byte)}, nil
}

// FromEnv loads the master key from AICO_MASTER_KEY and creates a Service.
func FromEnv() (*Service, error) {
	raw, err := environment.RequiredString(EnvMasterKey)
	if err != nil {
		return nil, errors.Join(ErrUnavailable, err)
	}
	master, err := crypto.ParseMasterKey(raw)
	if err != nil {
		return nil, errors.Join(ErrUnavailable, err)
	}
	return New(master)
}

// SigningSecret returns the derived secret for the given purpose. The result
// is stable for the life of the process.
func (s *Service) SigningSecret(purpose string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if key, ok := s.derived[purpose]; ok {
		return key, nil
	}
	key, err := crypto.DeriveKey(s.master, purpose)
	if err != nil {
		return nil, err
	}
	s.derived[purpose] = key
	return key, nil
}
