package middleware

import (
	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"costbook/internal/core/apperror"
)

// HeaderAdminToken authenticates full-recompute requests. The operator's
// token is checked against a bcrypt hash so the plaintext never lives in
// server configuration.
const HeaderAdminToken = "X-Admin-Token"

// AdminToken middleware guards maintenance endpoints with a shared operator
// token. An empty hash disables the endpoints entirely.
func AdminToken(tokenHash string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tokenHash == "" {
			_ = c.Error(apperror.NewForbidden("admin endpoints are disabled"))
			c.Abort()
			return
		}

		token := c.GetHeader(HeaderAdminToken)
		if token == "" {
			_ = c.Error(apperror.NewUnauthorized("missing admin token"))
			c.Abort()
			return
		}

		if err := bcrypt.CompareHashAndPassword([]byte(tokenHash), []byte(token)); err != nil {
			_ = c.Error(apperror.NewForbidden("invalid admin token"))
			c.Abort()
			return
		}

		c.Next()
	}
}
