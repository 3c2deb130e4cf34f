package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/buildmaster-api/internal/models"
	appErrors "github.com/noah-isme/buildmaster-api/pkg/errors"
	"github.com/noah-isme/buildmaster-api/pkg/response"
)

// ContextUserKey is the gin context key storing JWT claims.
const ContextUserKey = "currentUser"

// TokenValidator verifies access tokens.
type TokenValidator interface {
	ValidateToken(tokenString string) (*models.JWTClaims, error)
}

// UnauthorizedRecorder receives rejected access attempts.
type UnauthorizedRecorder interface {
	RecordUnauthorized(ctx context.Context, username, requestPath, reason string)
}

// JWT protects routes by requiring a valid access token. Rejections are reported to recorder
// when it is non-nil.
func JWT(validator TokenValidator, recorder UnauthorizedRecorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			deny(c, recorder, "", "missing authorization header", appErrors.ErrUnauthorized)
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			deny(c, recorder, "", "invalid authorization header", appErrors.Clone(appErrors.ErrUnauthorized, "invalid authorization header"))
			return
		}

		claims, err := validator.ValidateToken(parts[1])
		if err != nil {
			deny(c, recorder, "", "invalid token", err)
			return
		}

		c.Set(ContextUserKey, claims)
		c.Next()
	}
}

// OptionalJWT attaches claims when present but does not block.
func OptionalJWT(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.Next()
			return
		}

		if claims, err := validator.ValidateToken(parts[1]); err == nil {
			c.Set(ContextUserKey, claims)
		}
		c.Next()
	}
}

func deny(c *gin.Context, recorder UnauthorizedRecorder, username, reason string, err error) {
	if recorder != nil {
		recorder.RecordUnauthorized(c.Request.Context(), username, c.Request.URL.Path, reason)
	}
	response.Error(c, err)
	c.Abort()
}
