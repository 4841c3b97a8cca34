package utils

import (
	"strings"

	"github.com/google/uuid"
)

// GenerateID returns a new random identifier.
func GenerateID() string {
	return uuid.NewString()
}

// IsValidID reports whether id parses as a UUID.
func IsValidID(id string) bool {
	_, err := uuid.Parse(strings.TrimSpace(id))
	return err == nil
}
