package receiver

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Auth guards the ingest endpoints with basic auth, a bearer token, or
// both. With nothing configured every request is allowed.
type Auth struct {
	user, pass string
	bearer     string
}

func NewAuth(user, pass, bearer string) *Auth {
	return &Auth{user: user, pass: pass, bearer: bearer}
}

func (a *Auth) Enabled() bool {
	return a != nil && (a.bearer != "" || a.user != "")
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Check reports whether the request carries valid credentials and writes a
// 401 response when it does not.
func (a *Auth) Check(c *gin.Context) bool {
	if !a.Enabled() {
		return true
	}
	h := c.GetHeader("Authorization")
	if a.bearer != "" && strings.HasPrefix(h, "Bearer ") && equal(strings.TrimPrefix(h, "Bearer "), a.bearer) {
		return true
	}
	if a.user != "" {
		if u, p, ok := c.Request.BasicAuth(); ok && equal(u, a.user) && equal(p, a.pass) {
			return true
		}
	}
	log.Warn().Str("path", c.FullPath()).Str("remote", c.ClientIP()).Msg("unauthorized ingest request")
	c.Header("WWW-Authenticate", `Basic realm="alertiq"`)
	c.AbortWithStatusJSON(http.StatusUnauthorized, map[string]any{"ok": false, "error": "unauthorized"})
	return false
}

func (a *Auth) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.Check(c) {
			c.Next()
		}
	}
}
