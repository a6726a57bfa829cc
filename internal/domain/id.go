package domain

import "github.com/google/uuid"

// NewID generates a UUIDv7 string for application-owned entities.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewCorrelationID generates a correlation id for one logical operation.
// Plain UUIDv4; callers may also supply their own opaque value.
func NewCorrelationID() string {
	return uuid.NewString()
}
