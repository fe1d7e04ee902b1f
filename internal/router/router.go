package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Attempt *handler.AttemptHandler
	WS      *handler.WSHandler
	Monitor *handler.MonitorHandler
	System  *handler.SystemHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	authService *service.AuthService,
	handlers *Handlers,
	limiter *middleware.RateLimiter,
	cfg *config.Config,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.Default()

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())

	// Apply brotli middleware globally; streams are skipped.
	router.Use(middleware.Brotli())

	router.GET("/health", handlers.System.Health)

	// ─── 1. Candidate Group (JWT + Single Device + Attempt Scope) ──────
	attemptAPI := router.Group("/api/v1/attempts/:attempt_id")
	attemptAPI.Use(
		limiter.Middleware(),
		middleware.RequireCandidateJWT(authService),
		middleware.CheckSingleDevice(authService),
		middleware.RequireAttemptScope("attempt_id"),
		middleware.NoStore(),
	)
	{
		attemptAPI.GET("/state", handlers.Attempt.GetState)
		attemptAPI.GET("/paper", handlers.Attempt.GetPaper)
		attemptAPI.POST("/submit", handlers.Attempt.SubmitFinal)
	}

	// ─── 2. WebSocket Group (Candidate WS Auth) ────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(
		limiter.Middleware(),
		middleware.RequireCandidateWSAuth(authService),
		middleware.CheckSingleDevice(authService),
	)
	{
		ws.GET("/attempts/:attempt_id/stream", middleware.RequireAttemptScope("attempt_id"), handlers.WS.AttemptStream)
	}

	// ─── 3. Proctor Group (JWT + Test Scope) ───────────────────────────
	proctorAPI := router.Group("/api/v1/proctor")
	proctorAPI.Use(middleware.RequireProctorJWT(authService))
	{
		proctorAPI.GET("/system/metrics", handlers.System.SystemMetricsSSE)
		proctorAPI.GET("/system/metrics/snapshot", handlers.System.GetMetrics)

		tests := proctorAPI.Group("/tests/:test_id")
		tests.Use(middleware.RequireTestScope("test_id"))
		{
			tests.GET("/monitor", handlers.Monitor.MonitorTestSSE)
			tests.GET("/progress", handlers.Monitor.GetProgress)
			tests.GET("/results", handlers.Monitor.ListResults)
			tests.POST("/devices/reset", handlers.Monitor.ResetDevice)
		}
	}

	return router
}
