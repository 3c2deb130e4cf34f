package router

import (
	"context"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"github.com/noah-isme/buildmaster-api/internal/handler"
	"github.com/noah-isme/buildmaster-api/internal/middleware"
	"github.com/noah-isme/buildmaster-api/internal/models"
	"github.com/noah-isme/buildmaster-api/internal/service"
	"github.com/noah-isme/buildmaster-api/pkg/config"
	"github.com/noah-isme/buildmaster-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/buildmaster-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/buildmaster-api/pkg/middleware/requestid"
)

// AuditRecorder receives both entity changes and rejected access attempts.
type AuditRecorder interface {
	Record(ctx context.Context, entityType, entityID, action, actorName string, current, previous any)
	RecordUnauthorized(ctx context.Context, username, requestPath, reason string)
}

// Dependencies are the collaborators mounted by New. AuthHandler and UserHandler are optional;
// their routes are skipped when nil.
type Dependencies struct {
	Config         *config.Config
	Logger         *zap.Logger
	Metrics        *service.MetricsService
	Tokens         middleware.TokenValidator
	Audit          AuditRecorder
	AuditHandler   *handler.AuditHandler
	AuthHandler    *handler.AuthHandler
	UserHandler    *handler.UserHandler
	MetricsHandler *handler.MetricsHandler
}

// New builds the gin engine with the global middleware chain and every route.
func New(deps Dependencies) *gin.Engine {
	cfg := deps.Config
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(middleware.RequestMeta())
	r.Use(logger.GinMiddleware(deps.Logger))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(deps.Metrics))
	r.Use(middleware.WithResponseMeta())

	r.GET("/health", deps.MetricsHandler.Health)
	r.GET("/ready", deps.MetricsHandler.Ready)
	r.GET("/metrics", deps.MetricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	authRequired := middleware.JWT(deps.Tokens, deps.Audit)
	admins := middleware.RequireRoles(deps.Audit, models.RoleSuperAdmin, models.RoleAdmin)

	api.GET("/metrics/summary", authRequired, admins, deps.MetricsHandler.Summary)

	if h := deps.AuthHandler; h != nil {
		auth := api.Group("/auth")
		auth.POST("/login", h.Login)
		auth.POST("/register", h.Register)
		auth.POST("/refresh", h.Refresh)
		auth.POST("/logout", authRequired, h.Logout)
		auth.POST("/change-password", authRequired, h.ChangePassword)
		auth.GET("/me", authRequired, h.Me)
	}

	if h := deps.UserHandler; h != nil {
		users := api.Group("/users", authRequired)
		adminOrSelf := middleware.RBAC(deps.Audit, string(models.RoleSuperAdmin), string(models.RoleAdmin), "SELF")
		users.GET("", admins, h.List)
		users.POST("", admins, h.Create)
		users.GET("/:id", adminOrSelf, h.Get)
		users.PUT("/:id", adminOrSelf, h.Update)
		users.DELETE("/:id", admins, h.Delete)
	}

	audit := api.Group("/audit", authRequired, admins)
	{
		h := deps.AuditHandler
		audit.GET("", h.List)
		audit.GET("/recent", h.Recent)
		audit.GET("/statistics", h.Statistics)
		audit.GET("/search", h.Search)
		audit.GET("/date-range", h.ByDateRange)
		audit.GET("/export", middleware.Audit(deps.Audit, models.EntityAuditLog, models.AuditActionExport), h.Export)
		audit.GET("/entity/:entityType", h.ByEntityType)
		audit.GET("/entity/:entityType/:entityId", h.ByEntity)
		audit.GET("/actor/:actorName", h.ByActor)
		audit.GET("/action/:action", h.ByAction)
		audit.GET("/:id", h.Get)
	}

	return r
}
