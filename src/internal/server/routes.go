package server

import (
	"time"

	"proctorhub-monitoring-svc/src/clients"
	"proctorhub-monitoring-svc/src/internal/dependency"
	"proctorhub-monitoring-svc/src/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var log = *logrus.StandardLogger()

func SetupRoutes(deps *dependency.Manager) {
	router := deps.Router
	router.Use(enableCORS)

	setupHealthEndpoint(deps)
	setupPublicRoutes(router, deps)
	setupMonitoringRoutes(router, deps)
}

func setupHealthEndpoint(deps *dependency.Manager) {
	router := deps.Router
	mongodb := deps.Mongodb
	redisClient := deps.Redis
	cfg := deps.Config

	router.GET("/health", func(c *gin.Context) {
		log.Info("Health check endpoint requested")

		mongoStatus := "ok"
		if err := mongodb.Client.Ping(c.Request.Context(), nil); err != nil {
			mongoStatus = "error: " + err.Error()
		}

		redisStatus := "ok"
		if err := redisClient.Client.Ping(c.Request.Context()).Err(); err != nil {
			redisStatus = "error: " + err.Error()
		}

		c.JSON(200, gin.H{
			"status":    "ok",
			"service":   cfg.App.Name,
			"version":   cfg.App.Version,
			"mongodb":   mongoStatus,
			"redis":     redisStatus,
			"timestamp": time.Now().UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	})

	router.GET("/health/detailed", func(c *gin.Context) {
		log.Info("Detailed health check endpoint requested")

		c.JSON(200, gin.H{
			"status":  "operational",
			"service": cfg.App.Name,
			"version": cfg.App.Version,
			"components": gin.H{
				"database": gin.H{
					"mongodb": getStatus(isMongoConnected(mongodb, c)),
					"redis":   getStatus(isRedisConnected(redisClient.Client, c)),
				},
				"services": gin.H{
					"ingestion":  "operational",
					"aggregator": "operational",
					"realtime":   "operational",
				},
			},
		})
	})
}

func setupPublicRoutes(router *gin.Engine, deps *dependency.Manager) {
	// API status endpoint
	router.GET("/api/v1/status", func(c *gin.Context) {
		log.Info("API status requested")
		c.JSON(200, gin.H{
			"api_version": "v1",
			"status":      "operational",
			"service":     "proctorhub-monitoring-svc",
		})
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func setupMonitoringRoutes(router *gin.Engine, deps *dependency.Manager) {
	authMiddleware := middleware.NewAuthMiddleware(deps.Config.Security.JwtKey)

	monitoringHandler := deps.MonitoringHandler
	aggregatorHandler := deps.AggregatorHandler
	adminHandler := deps.AdminHandler
	streamHandler := deps.StreamHandler

	// Apply route name FIRST, then auth middlewares
	group := router.Group("/api/v1/monitoring")
	{
		// Student write path. Violations use RequireAuth only: reports from
		// non-student roles are dropped in the service with a 2xx, never a 403.
		group.POST("/sessions",
			setRouteName("startSession"),
			authMiddleware.RequireAuth(),
			authMiddleware.RequireStudent(),
			monitoringHandler.StartSession)

		group.POST("/heartbeat",
			setRouteName("heartbeat"),
			authMiddleware.RequireAuth(),
			authMiddleware.RequireStudent(),
			monitoringHandler.Heartbeat)

		group.POST("/violations",
			setRouteName("reportViolation"),
			authMiddleware.RequireAuth(),
			monitoringHandler.ReportViolation)

		// Staff read/override path.
		group.GET("/live-sessions",
			setRouteName("getLiveSessions"),
			authMiddleware.RequireAuth(),
			authMiddleware.RequireStaff(),
			aggregatorHandler.GetLiveSessions)

		group.GET("/stream",
			setRouteName("monitoringStream"),
			authMiddleware.RequireAuth(),
			authMiddleware.RequireStaff(),
			streamHandler.Stream)

		group.POST("/resolve-alert",
			setRouteName("resolveAlert"),
			authMiddleware.RequireAuth(),
			authMiddleware.RequireStaff(),
			adminHandler.ResolveAlert)

		group.POST("/flag-session",
			setRouteName("flagSession"),
			authMiddleware.RequireAuth(),
			authMiddleware.RequireStaff(),
			adminHandler.FlagSession)

		group.POST("/grant-retake",
			setRouteName("grantRetake"),
			authMiddleware.RequireAuth(),
			authMiddleware.RequireStaff(),
			adminHandler.GrantRetake)
	}
}

func setRouteName(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("route_name", name)
		c.Next()
	}
}

func isMongoConnected(mongodb *clients.MongoDB, c *gin.Context) bool {
	if err := mongodb.Client.Ping(c.Request.Context(), nil); err != nil {
		return false
	}
	return true
}

func isRedisConnected(redisClient *redis.Client, c *gin.Context) bool {
	if err := redisClient.Ping(c.Request.Context()).Err(); err != nil {
		return false
	}
	return true
}

func enableCORS(c *gin.Context) {
	c.Header("Access-Control-Allow-Origin", "*")
	c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
	c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

	if c.Request.Method == "OPTIONS" {
		c.AbortWithStatus(204)
		return
	}

	c.Next()
}

func getStatus(b bool) string {
	if b {
		return "connected"
	}
	return "disconnected"
}
