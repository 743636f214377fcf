// Package auth provides password hashing and credential verification.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	// Argon2id parameters. Memory is in KiB (19 MiB).
	argonMemory      = 19456
	argonIterations  = 2
	argonParallelism = 1
	argonSaltLength  = 16
	argonKeyLength   = 32

	minPasswordLength = 8
)

// ValidatePassword enforces the minimum credential policy.
func ValidatePassword(password string) error {
	if len(password) < minPasswordLength {
		return fmt.Errorf("password must be at least %d characters long", minPasswordLength)
	}
	return nil
}

// HashPassword derives an Argon2id hash and encodes it as a PHC string.
// Each call uses a fresh random salt, so hashing the same password twice
// yields distinct strings.
func HashPassword(password string) (string, error) {
	if err := ValidatePassword(password); err != nil {
		return "", fmt.Errorf("invalid password: %w", err)
	}

	salt := make([]byte, argonSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt, argonIterations, argonMemory, argonParallelism, argonKeyLength)

	encoded := fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		argonMemory, argonIterations, argonParallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	)
	return encoded, nil
}

// VerifyPassword checks a password against a PHC-encoded Argon2id hash in
// constant time. A malformed hash verifies as false rather than erroring,
// so callers can treat the result as a plain credential check.
func VerifyPassword(password, encoded string) bool {
	if password == "" || encoded == "" {
		return false
	}

	salt, key, memory, iterations, parallelism, err := decodePHC(encoded)
	if err != nil {
		return false
	}

	derived := argon2.IDKey([]byte(password), salt, iterations, memory, parallelism, uint32(len(key)))
	return subtle.ConstantTimeCompare(derived, key) == 1
}

// decodePHC parses $argon2id$v=19$m=...,t=...,p=...$salt$hash. The stored
// parameters are honored so existing hashes survive parameter upgrades.
func decodePHC(encoded string) (salt, key []byte, memory, iterations uint32, parallelism uint8, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return nil, nil, 0, 0, 0, fmt.Errorf("malformed argon2id hash")
	}

	var version int
	if _, err = fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return nil, nil, 0, 0, 0, fmt.Errorf("malformed version: %w", err)
	}
	if version != argon2.Version {
		return nil, nil, 0, 0, 0, fmt.Errorf("unsupported argon2 version %d", version)
	}

	var p uint32
	if _, err = fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &p); err != nil {
		return nil, nil, 0, 0, 0, fmt.Errorf("malformed parameters: %w", err)
	}
	parallelism = uint8(p)

	salt, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, nil, 0, 0, 0, fmt.Errorf("malformed salt: %w", err)
	}
	key, err = base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return nil, nil, 0, 0, 0, fmt.Errorf("malformed hash: %w", err)
	}
	return salt, key, memory, iterations, parallelism, nil
}
