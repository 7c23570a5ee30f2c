package admin

import (
	relayhttp "tokenrelay/internal/http"
	"tokenrelay/internal/http/api/admin/handlers"
	"tokenrelay/internal/pricing"
	"tokenrelay/internal/ratelimit"
	"tokenrelay/internal/tracker"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Options carries the collaborators the admin surface needs.
type Options struct {
	DB            *gorm.DB
	Book          *pricing.Book
	Tracker       *tracker.Tracker
	Defaults      ratelimit.Defaults
	AdminAPIKey   string
	AllowedModels []string
}

// RegisterRoutes mounts the admin surface under /admin, gated by the
// shared admin credential.
func RegisterRoutes(engine *gin.Engine, opts Options) {
	auditor := handlers.NewAuditor(opts.DB)
	userHandler := handlers.NewUserHandler(opts.DB, opts.Tracker, auditor, opts.Defaults)
	limitHandler := handlers.NewLimitHandler(opts.DB, auditor)
	pricingHandler := handlers.NewPricingHandler(opts.Book, auditor, opts.AllowedModels)
	auditHandler := handlers.NewAuditHandler(opts.DB)

	group := engine.Group("/admin", relayhttp.AdminAuth(opts.AdminAPIKey))

	group.POST("/users", userHandler.Create)
	group.GET("/users", userHandler.List)
	group.DELETE("/users", userHandler.DeleteAll)
	group.GET("/users/:id", userHandler.Get)
	group.DELETE("/users/:id", userHandler.Delete)
	group.GET("/users/:id/usage", userHandler.Usage)
	group.GET("/users/:id/limits", limitHandler.Get)
	group.PUT("/users/:id/limits", limitHandler.Put)

	group.POST("/pricing", pricingHandler.Create)
	group.GET("/pricing", pricingHandler.List)
	group.GET("/pricing/:model", pricingHandler.Get)
	group.PUT("/pricing/:model", pricingHandler.Update)
	group.DELETE("/pricing/:model", pricingHandler.Delete)
	group.GET("/pricing/:model/:sub", pricingHandler.History)

	group.GET("/audit", auditHandler.List)
}
