package client

import (
	"fmt"
	"time"
)

// Error is a non-2xx answer from the control API.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// Token is the bearer token returned by Login.
type Token struct {
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LoginResponse is the body of POST /auth/token.
type LoginResponse struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	Token    *Token `json:"token"`
}
