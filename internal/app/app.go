package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"tokenrelay/internal/backend"
	"tokenrelay/internal/config"
	"tokenrelay/internal/db"
	relayhttp "tokenrelay/internal/http"
	"tokenrelay/internal/http/api/admin"
	"tokenrelay/internal/http/api/handlers"
	"tokenrelay/internal/pricing"
	"tokenrelay/internal/ratelimit"
	"tokenrelay/internal/tracker"
	"tokenrelay/internal/upload"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// shutdownTimeout bounds the drain of in-flight requests on exit.
const shutdownTimeout = 10 * time.Second

// Migrate opens the store and applies the schema.
func Migrate(cfg *config.Config) error {
	conn, errOpen := db.Open(cfg.DatabasePath)
	if errOpen != nil {
		return errOpen
	}
	return db.Migrate(conn)
}

// components holds the wired pipeline collaborators.
type components struct {
	conn     *gorm.DB
	counters *ratelimit.CounterBank
	limiter  *ratelimit.Limiter
	book     *pricing.Book
	tracker  *tracker.Tracker
	client   *backend.Client
	ingestor *upload.Ingestor
}

// build wires the component graph in dependency order.
func build(cfg *config.Config, conn *gorm.DB) *components {
	counters := ratelimit.NewCounterBank()
	limiter := ratelimit.NewLimiter(conn, counters, limiterDefaults(cfg))
	book := pricing.NewBook(conn)
	usage := tracker.New(conn, book, limiter)
	return &components{
		conn:     conn,
		counters: counters,
		limiter:  limiter,
		book:     book,
		tracker:  usage,
		client:   backend.NewClient(cfg.OllamaBaseURL, cfg.OllamaMaxConcurrent),
		ingestor: upload.NewIngestor(cfg.MaxUploadBytes(), cfg.AllowedImageTypes),
	}
}

// limiterDefaults maps configuration onto the coded admission defaults.
func limiterDefaults(cfg *config.Config) ratelimit.Defaults {
	return ratelimit.Defaults{
		RequestsPerMinute: cfg.DefaultRequestsPerMinute,
		RequestsPerDay:    cfg.DefaultRequestsPerDay,
		TokensPerMinute:   cfg.DefaultTokensPerMinute,
		TokensPerDay:      cfg.DefaultTokensPerDay,
		TotalTokenLimit:   cfg.DefaultTotalTokenLimit,
	}
}

// buildRouter assembles the middleware chain and both wire surfaces.
func buildRouter(cfg *config.Config, parts *components) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), relayhttp.RequestID(), relayhttp.CORS())

	engine.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":     "ok",
			"service":    "tokenrelay",
			"ollama_url": cfg.OllamaBaseURL,
		})
	})
	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	if cfg.StaticDir != "" {
		if info, errStat := os.Stat(cfg.StaticDir); errStat == nil && info.IsDir() {
			engine.Static("/static", cfg.StaticDir)
		}
	}

	completionHandler := handlers.NewCompletionHandler(parts.client, parts.limiter, parts.tracker, parts.ingestor)
	modelsHandler := handlers.NewModelsHandler(parts.client)
	usageHandler := handlers.NewUsageHandler(parts.tracker)
	pricingHandler := handlers.NewPricingHandler(parts.book)

	v1 := engine.Group("/v1", relayhttp.UserAuth(parts.conn))
	v1.POST("/chat/completions", completionHandler.Create)
	v1.POST("/chat/completions/upload", completionHandler.CreateUpload)
	v1.GET("/models", modelsHandler.List)
	v1.GET("/usage", usageHandler.Get)
	v1.GET("/usage/summary", usageHandler.Summary)
	v1.GET("/usage/history", usageHandler.History)
	v1.GET("/pricing", pricingHandler.List)

	admin.RegisterRoutes(engine, admin.Options{
		DB:            parts.conn,
		Book:          parts.book,
		Tracker:       parts.tracker,
		Defaults:      limiterDefaults(cfg),
		AdminAPIKey:   cfg.AdminAPIKey,
		AllowedModels: cfg.AllowedPricingModels,
	})

	return engine
}

// RunServer boots the proxy: store, migrations, component graph, counter
// pruner, and the HTTP server. It blocks until ctx is cancelled, then
// drains in-flight requests.
func RunServer(ctx context.Context, cfg *config.Config) error {
	conn, errOpen := db.Open(cfg.DatabasePath)
	if errOpen != nil {
		return errOpen
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}
	log.WithField("path", cfg.DatabasePath).Info("database ready")

	parts := build(cfg, conn)

	prunerCtx, cancelPruner := context.WithCancel(ctx)
	defer cancelPruner()
	parts.counters.StartPruner(prunerCtx, 5*time.Minute)

	server := &http.Server{
		Addr:    cfg.Addr(),
		Handler: buildRouter(cfg, parts),
	}

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		<-ctx.Done()
		drainCtx, cancelDrain := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelDrain()
		if errShutdown := server.Shutdown(drainCtx); errShutdown != nil {
			log.WithError(errShutdown).Warn("server shutdown")
		}
	}()

	log.WithField("addr", cfg.Addr()).WithField("backend", cfg.OllamaBaseURL).Info("proxy listening")
	if errServe := server.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
		return errServe
	}
	// ListenAndServe returns as soon as Shutdown begins; wait for the drain.
	<-drained
	return nil
}
