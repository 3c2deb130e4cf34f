package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/buildmaster-api/internal/middleware"
	"github.com/noah-isme/buildmaster-api/internal/models"
	appErrors "github.com/noah-isme/buildmaster-api/pkg/errors"
	"github.com/noah-isme/buildmaster-api/pkg/response"
)

func claimsFromContext(c *gin.Context) *models.JWTClaims {
	value, exists := c.Get(middleware.ContextUserKey)
	if !exists {
		return nil
	}
	claims, ok := value.(*models.JWTClaims)
	if !ok {
		return nil
	}
	return claims
}

// actorFromContext names the caller for the audit trail. Anonymous callers yield "" so the
// capture layer records the default actor.
func actorFromContext(c *gin.Context) string {
	if claims := claimsFromContext(c); claims != nil {
		return claims.Email
	}
	return ""
}

func bindJSON(c *gin.Context, dest interface{}) bool {
	if err := c.ShouldBindJSON(dest); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return false
	}
	return true
}
