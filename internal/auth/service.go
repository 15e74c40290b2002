// Package auth guards the control API with configured users, basic
// credentials and short-lived JWT bearer tokens.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const issuer = "tether"

// Service authenticates requests against the configured users.
type Service struct {
	users     map[string]User
	jwtSecret []byte
	tokenTTL  time.Duration
	now       func() time.Time
}

// Claims represents JWT claims
type Claims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// NewService validates cfg and builds a Service.
func NewService(cfg Config) (*Service, error) {
	if len(cfg.JWTSecret) < 16 {
		return nil, fmt.Errorf("auth: jwt_secret must be at least 16 bytes")
	}
	if len(cfg.Users) == 0 {
		return nil, fmt.Errorf("auth: enabled without any [[server.auth.users]]")
	}
	users := make(map[string]User, len(cfg.Users))
	for _, u := range cfg.Users {
		if u.Name == "" || u.PasswordHash == "" {
			return nil, fmt.Errorf("auth: user needs name and password_hash")
		}
		if u.Role == "" {
			u.Role = RoleViewer
		}
		if u.Role != RoleViewer && u.Role != RoleOperator {
			return nil, fmt.Errorf("auth: user %s: unknown role %q", u.Name, u.Role)
		}
		if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
			return nil, fmt.Errorf("auth: user %s: password_hash is not a bcrypt hash", u.Name)
		}
		if _, dup := users[u.Name]; dup {
			return nil, fmt.Errorf("auth: duplicate user %s", u.Name)
		}
		users[u.Name] = u
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Service{users: users, jwtSecret: []byte(cfg.JWTSecret), tokenTTL: ttl, now: time.Now}, nil
}

// HashPassword returns the bcrypt hash to put in a user's password_hash.
func HashPassword(password string, cost int) (string, error) {
	if password == "" {
		return "", fmt.Errorf("password is required")
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(h), nil
}

// Authenticate performs authentication based on the login request
func (s *Service) Authenticate(req LoginRequest) (*Result, error) {
	switch req.Method {
	case AuthMethodBasic:
		return s.authenticateBasic(req.Username, req.Password)
	case AuthMethodJWT:
		return s.authenticateJWT(req.Token)
	default:
		return nil, fmt.Errorf("unsupported auth method: %s", req.Method)
	}
}

func (s *Service) authenticateBasic(username, password string) (*Result, error) {
	u, ok := s.users[username]
	if !ok || password == "" {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &Result{Username: u.Name, Role: u.Role}, nil
}

func (s *Service) authenticateJWT(tokenString string) (*Result, error) {
	if tokenString == "" {
		return nil, ErrInvalidCredentials
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return nil, ErrInvalidCredentials
	}
	// Tokens of users removed from the config stop working.
	u, ok := s.users[claims.Username]
	if !ok {
		return nil, ErrInvalidCredentials
	}
	return &Result{Username: u.Name, Role: u.Role}, nil
}

// IssueToken signs a bearer token for an authenticated principal.
func (s *Service) IssueToken(r *Result) (*Token, error) {
	now := s.now()
	expiresAt := now.Add(s.tokenTTL)
	claims := &Claims{
		Username: r.Username,
		Role:     r.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   r.Username,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return &Token{Type: "Bearer", Value: signed, ExpiresAt: expiresAt}, nil
}
