// Package domain contains entities without logic, just meta-data.
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const (
	MaxUsernameLen = 64
)

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
)

type (
	UserID  string
	UserKey string
)

// User is an account record. Key is the externally shareable capability
// token; ID stays internal. Users are immutable once created and live for
// the process lifetime.
type User struct {
	ID       UserID  `json:"id"`
	Key      UserKey `json:"key"`
	Username string  `json:"username"`
}

// NewUser is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewUser(username string) (*User, error) {
	if len(username) == 0 {
		return nil, ErrUsernameEmpty
	}
	if len(username) > MaxUsernameLen {
		return nil, ErrUsernameTooLong
	}
	return &User{
		ID:       UserID(uuid.NewString()),
		Key:      UserKey(uuid.NewString()),
		Username: username,
	}, nil
}
