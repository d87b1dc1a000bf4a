package domain

import "time"

// User is an account that owns environments.
type User struct {
	ID           string
	Email        string
	PasswordHash []byte
	CreatedAt    time.Time
}
