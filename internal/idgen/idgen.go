package idgen

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// New returns a UUIDv7 identifier string.
// If UUIDv7 generation fails, it falls back to a random UUIDv4.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// NewSessionKey returns a random 32 character hex key for a new conversation.
func NewSessionKey() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

var ErrInvalidSessionKey = errors.New("invalid session key")

var sessionKeyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]*$`)

// ValidateSessionKey checks that a client supplied session key is usable.
// Rules: letters, digits, dash, underscore, dot and colon; must start with a
// letter or digit; max 128 characters.
func ValidateSessionKey(key string) error {
	if len(key) > 128 {
		return fmt.Errorf("%w: too long (max 128 characters)", ErrInvalidSessionKey)
	}
	if !sessionKeyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q must match %s", ErrInvalidSessionKey, key, sessionKeyPattern.String())
	}
	return nil
}
