package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/buildmaster-api/internal/models"
	appErrors "github.com/noah-isme/buildmaster-api/pkg/errors"
)

// RBAC enforces role-based access control for routes. "SELF" allows a user to reach routes
// whose :id parameter is their own ID.
func RBAC(recorder UnauthorizedRecorder, allowed ...string) gin.HandlerFunc {
	allowSelf := false
	allowedRoles := make(map[models.UserRole]struct{}, len(allowed))
	for _, a := range allowed {
		if a == "SELF" {
			allowSelf = true
			continue
		}
		allowedRoles[models.UserRole(a)] = struct{}{}
	}

	return func(c *gin.Context) {
		claimsValue, exists := c.Get(ContextUserKey)
		claims, ok := claimsValue.(*models.JWTClaims)
		if !exists || !ok {
			deny(c, recorder, "", "missing credentials", appErrors.ErrUnauthorized)
			return
		}

		if _, ok := allowedRoles[claims.Role]; ok {
			c.Next()
			return
		}

		if allowSelf {
			if targetID := c.Param("id"); targetID != "" && targetID == claims.UserID {
				c.Next()
				return
			}
		}

		deny(c, recorder, claims.Email, "role "+string(claims.Role)+" not permitted", appErrors.ErrForbidden)
	}
}

// RequireRoles is a helper that accepts a list of roles.
func RequireRoles(recorder UnauthorizedRecorder, roles ...models.UserRole) gin.HandlerFunc {
	allowed := make([]string, len(roles))
	for i, r := range roles {
		allowed[i] = string(r)
	}
	return RBAC(recorder, allowed...)
}
