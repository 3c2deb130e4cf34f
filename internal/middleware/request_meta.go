package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/buildmaster-api/internal/models"
	"github.com/noah-isme/buildmaster-api/pkg/middleware/requestid"
)

const (
	sessionHeader = "X-Session-ID"
	sessionCookie = "session_id"
)

// RequestMeta copies client details onto the request context so captured audit entries can
// carry them. It must run after the request ID middleware.
func RequestMeta() gin.HandlerFunc {
	return func(c *gin.Context) {
		meta := models.RequestMeta{
			IPAddress: c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
			SessionID: c.GetHeader(sessionHeader),
			RequestID: requestid.Value(c),
		}
		if meta.SessionID == "" {
			if cookie, err := c.Cookie(sessionCookie); err == nil {
				meta.SessionID = cookie
			}
		}

		c.Request = c.Request.WithContext(models.ContextWithRequestMeta(c.Request.Context(), meta))
		c.Next()
	}
}
