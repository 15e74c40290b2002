package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ResultKey is the gin context key holding the *Result of a request.
const ResultKey = "auth_result"

// Middleware authenticates gin requests with a Service.
type Middleware struct {
	svc *Service
}

func NewMiddleware(svc *Service) *Middleware {
	return &Middleware{svc: svc}
}

// Require rejects requests that are unauthenticated or whose role does not
// allow action.
func (m *Middleware) Require(action Action) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := m.authenticate(c.Request)
		if err != nil {
			c.Header("WWW-Authenticate", `Basic realm="tether"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		if !Allows(res.Role, action) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": ErrPermissionDenied.Error()})
			return
		}
		c.Set(ResultKey, res)
		c.Next()
	}
}

// TokenHandler exchanges basic credentials for a bearer token.
func (m *Middleware) TokenHandler(c *gin.Context) {
	username, password, ok := c.Request.BasicAuth()
	if !ok {
		c.Header("WWW-Authenticate", `Basic realm="tether"`)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "basic credentials required"})
		return
	}
	res, err := m.svc.Authenticate(LoginRequest{Method: AuthMethodBasic, Username: username, Password: password})
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	tok, err := m.svc.IssueToken(res)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	res.Token = tok
	c.JSON(http.StatusOK, res)
}

func (m *Middleware) authenticate(r *http.Request) (*Result, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, value, _ := strings.Cut(h, " ")
		if strings.EqualFold(scheme, "bearer") {
			return m.svc.Authenticate(LoginRequest{Method: AuthMethodJWT, Token: value})
		}
	}
	if username, password, ok := r.BasicAuth(); ok {
		return m.svc.Authenticate(LoginRequest{Method: AuthMethodBasic, Username: username, Password: password})
	}
	return nil, ErrInvalidCredentials
}
