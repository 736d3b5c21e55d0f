package utils

import (
	"github.com/google/uuid"
)

// NewID returns a random unique identifier.
func NewID() string {
	return uuid.NewString()
}

// NewTag returns a unique consumer tag carrying a readable prefix.
func NewTag(prefix string) string {
	if prefix == "" {
		return NewID()
	}
	return prefix + "-" + NewID()
}
