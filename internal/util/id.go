package util

import "github.com/google/uuid"

// NewID returns a random UUID string used for messages, bookings and jobs.
func NewID() string {
	return uuid.NewString()
}
