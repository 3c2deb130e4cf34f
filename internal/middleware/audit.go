package middleware

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/buildmaster-api/internal/models"
)

// ChangeRecorder captures entity changes.
type ChangeRecorder interface {
	Record(ctx context.Context, entityType, entityID, action, actorName string, current, previous any)
}

// Audit records an entry for entityType after every successful request. The entity ID is
// read from the :id route parameter and the actor from the JWT claims.
func Audit(recorder ChangeRecorder, entityType, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		if recorder == nil || c.Writer.Status() >= 400 {
			return
		}

		actor := ""
		if value, ok := c.Get(ContextUserKey); ok {
			if claims, ok := value.(*models.JWTClaims); ok {
				actor = claims.Email
			}
		}

		recorder.Record(c.Request.Context(), entityType, c.Param("id"), action, actor, map[string]any{
			"path":      c.FullPath(),
			"method":    c.Request.Method,
			"status":    c.Writer.Status(),
			"latencyMs": time.Since(start).Milliseconds(),
		}, nil)
	}
}
