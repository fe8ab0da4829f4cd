package util

import "github.com/google/uuid"

// NewID returns a random (v4) UUID string. Users, projects and tasks share the format.
func NewID() string {
	return uuid.NewString()
}

// IsID reports whether value is a canonical UUID.
func IsID(value string) bool {
	if len(value) != 36 {
		return false
	}
	_, err := uuid.Parse(value)
	return err == nil
}
