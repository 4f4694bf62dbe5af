// Package identity derives canonical primary keys from natural keys.
//
// Derivation is a pure function: two processes resolving the same handle
// always converge on the same primary key without a lookup round trip. The
// CRM historically minted randomized IDs per write path (user_<ts>_<rand>,
// twitter_<handle>, raw UUIDs) and reconciled them with repair scripts after
// the fact; deterministic derivation removes that duplicate-creation failure
// mode at the source.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// InvalidKeyError indicates a natural key that is empty after normalization.
// This is a caller error and is never retried.
type InvalidKeyError struct {
	KeyType string
	Raw     string
}

func (e InvalidKeyError) Error() string {
	return fmt.Sprintf("invalid %s natural key %q", e.KeyType, e.Raw)
}

// maxDirectKeyLen bounds primary keys minted by direct concatenation.
// Longer values (wallet addresses and the like) fall back to a digest.
const maxDirectKeyLen = 48

// Normalize canonicalizes a natural key: trim whitespace, strip a single
// leading '@', lowercase.
func Normalize(keyType, raw string) (string, error) {
	normalized := strings.TrimSpace(raw)
	normalized = strings.TrimPrefix(normalized, "@")
	normalized = strings.ToLower(normalized)
	if normalized == "" {
		return "", InvalidKeyError{KeyType: keyType, Raw: raw}
	}
	return normalized, nil
}

// ResolvePrimaryKey derives the canonical primary key for a natural key.
// Short, key-safe values keep the readable <keyType>_<value> form the CRM's
// best-behaved write path already used; anything else gets a stable digest.
func ResolvePrimaryKey(keyType, raw string) (string, error) {
	normalized, err := Normalize(keyType, raw)
	if err != nil {
		return "", err
	}
	if keySafe(normalized) {
		return fmt.Sprintf("%s_%s", keyType, normalized), nil
	}
	digest := sha256.Sum256([]byte(normalized))
	return fmt.Sprintf("%s_%s", keyType, hex.EncodeToString(digest[:])[:12]), nil
}

// IsCanonical reports whether a primary key matches the derivation for the
// given natural key. Used by the duplicate scorer to favor entities whose
// keys were minted deterministically.
func IsCanonical(primaryKey, keyType, raw string) bool {
	derived, err := ResolvePrimaryKey(keyType, raw)
	if err != nil {
		return false
	}
	return derived == primaryKey
}

// keySafe reports whether the normalized value can be embedded in a primary
// key directly.
func keySafe(value string) bool {
	if len(value) > maxDirectKeyLen {
		return false
	}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-' || r == '.':
		default:
			return false
		}
	}
	return true
}
