package auth

import "errors"

var (
	ErrInvalidInput = errors.New("auth: invalid input")
	ErrUnauthorized = errors.New("auth: unauthorized")
	ErrUnknownRole  = errors.New("auth: unknown role")
	ErrInvalidToken = errors.New("auth: invalid token")
)
