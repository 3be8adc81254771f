package chat

import (
	"errors"
	"fmt"
)

// Failures reported by the Manager. Match with errors.Is.
var (
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrInvalidToken       = errors.New("invalid session token")
	ErrNotFound           = errors.New("session not found")
	ErrInvalidState       = errors.New("session not active")
	ErrEmptyContent       = errors.New("content is empty")
	ErrUnauthorized       = errors.New("agent does not own session")
	ErrInvalidInput       = errors.New("invalid input")
)

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}
