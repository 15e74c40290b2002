package auth

import (
	"errors"
	"time"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrPermissionDenied   = errors.New("permission denied")
)

// Role names. An operator may drive the backend lifecycle, a viewer may only
// read status.
const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
)

// Action is what a request wants to do to the control API.
type Action string

const (
	ActionRead  Action = "read"
	ActionWrite Action = "write"
)

// AuthMethod represents the type of authentication
type AuthMethod string

const (
	AuthMethodBasic AuthMethod = "basic" // username/password
	AuthMethodJWT   AuthMethod = "jwt"   // bearer token from /auth/token
)

// Config is the [server.auth] section.
type Config struct {
	Enabled    bool          `mapstructure:"enabled"`
	JWTSecret  string        `mapstructure:"jwt_secret"`
	TokenTTL   time.Duration `mapstructure:"token_ttl"`
	BcryptCost int           `mapstructure:"bcrypt_cost"`
	Users      []User        `mapstructure:"users"`
}

// User is one configured account. PasswordHash is a bcrypt hash, see
// HashPassword.
type User struct {
	Name         string `mapstructure:"name"`
	PasswordHash string `mapstructure:"password_hash"`
	Role         string `mapstructure:"role"`
}

// Result is an authenticated principal.
type Result struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	Token    *Token `json:"token,omitempty"`
}

// Token is a signed bearer token.
type Token struct {
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LoginRequest carries credentials of one method.
type LoginRequest struct {
	Method   AuthMethod
	Username string
	Password string
	Token    string
}

// Allows reports whether role may perform action.
func Allows(role string, action Action) bool {
	switch role {
	case RoleOperator:
		return true
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}
