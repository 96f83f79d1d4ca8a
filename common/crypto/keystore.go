// Package crypto provides master-key handling and purpose-bound subkey
// derivation for the gateway's key service.
//
// The gateway holds a single 256-bit master key (AICO_MASTER_KEY, hex).
// Subsystems never see the master key directly: each obtains a derived
// subkey bound to a purpose label ("jwt-signing", "api-key-hash", ...), so a
// leaked subkey cannot be used to forge material for another purpose.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// KeySize is the required master key length (32 bytes / 256 bits).
const KeySize = 32

// ParseMasterKey decodes a 64-character hex string (32 bytes / 256 bits) into
// a raw key suitable for use with DeriveKey.
//
// This function is a pure library function with no environment dependencies.
// Callers are responsible for reading the key material from env or config.
//
// Generate a suitable key with:
//
//	openssl rand -hex 32
func ParseMasterKey(rawHex string) ([]byte, error) {
	raw := strings.TrimSpace(rawHex)
	if raw == "" {
		return nil, fmt.Errorf("master key is empty")
	}

	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid hex in master key: %w", err)
	}

	if len(key) != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes (%d hex chars), got %d bytes",
			KeySize, KeySize*2, len(key))
	}

	return key, nil
}

// DeriveKey derives a 32-byte subkey from the master key, bound to the given
// purpose label. Derivation is HMAC-SHA256(masterKey, "aico/v1/"+purpose),
// which keeps subkeys for distinct purposes computationally independent.
func DeriveKey(masterKey []byte, purpose string) ([]byte, error) {
	if len(masterKey) != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", KeySize, len(masterKey))
	}
	if strings.TrimSpace(purpose) == "" {
		return nil, fmt.Errorf("derivation purpose must not be empty")
	}

	mac := hmac.New(sha256.New, masterKey)
	mac.Write([]byte("aico/v1/" + purpose))
	return mac.Sum(nil), nil
}
