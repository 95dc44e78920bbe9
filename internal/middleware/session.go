package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	iauth "github.com/objectwire/objectwire/internal/auth"
	"github.com/objectwire/objectwire/internal/models"
)

const (
	// CtxSessionKey holds the resolved *models.Session, when a valid bearer
	// token accompanied the request.
	CtxSessionKey = "session"
	// CtxTokenKey holds the raw bearer token.
	CtxTokenKey = "sessionToken"
)

// Session resolves the bearer token, when present, and stores the session on
// the request context. It never rejects: entities that allow anonymous access
// are served without a session, and handlers enforce requiresSession per
// entity.
func Session(sessions *iauth.SessionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if len(authz) < 8 || !strings.EqualFold(authz[:7], "Bearer ") {
			c.Next()
			return
		}

		token := strings.TrimSpace(authz[7:])
		session, err := sessions.Resolve(c.Request.Context(), token)
		if err == nil {
			c.Set(CtxSessionKey, session)
			c.Set(CtxTokenKey, token)
		}

		c.Next()
	}
}

// SessionFromContext extracts the resolved session, or nil.
func SessionFromContext(c *gin.Context) *models.Session {
	value, ok := c.Get(CtxSessionKey)
	if !ok {
		return nil
	}
	session, ok := value.(*models.Session)
	if !ok {
		return nil
	}
	return session
}
