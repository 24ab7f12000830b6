package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/trackproc/trackproc/internal/config"
	"github.com/trackproc/trackproc/internal/mapmatch"
	"github.com/trackproc/trackproc/internal/metrics"
	"github.com/trackproc/trackproc/internal/queue"
	"github.com/trackproc/trackproc/internal/store"
	"github.com/trackproc/trackproc/pkg/utils"
	"golang.org/x/time/rate"
)

// Server HTTP сервер приема измерений и чтения обработанного потока
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	logger      *utils.Logger
	config      *config.Config
	restHandler *RESTHandler
	wsHandler   *WebSocketHandler
}

// NewServer создает HTTP сервер
func NewServer(cfg *config.Config, st store.SampleStore, q *queue.Queue, matcher mapmatch.Matcher, logger *utils.Logger) *Server {
	// Production mode для Gin
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Middleware
	router.Use(LoggerMiddleware(logger))
	router.Use(gin.Recovery())
	router.Use(CORSMiddleware())
	router.Use(RateLimitMiddleware())
	router.Use(SecurityHeadersMiddleware())
	router.Use(metrics.HTTPMetricsMiddleware())

	restHandler := NewRESTHandler(st, q, matcher, logger)
	wsHandler := NewWebSocketHandler(logger)

	server := &Server{
		router:      router,
		logger:      logger,
		config:      cfg,
		restHandler: restHandler,
		wsHandler:   wsHandler,
	}

	server.httpServer = &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	server.setupRoutes()

	return server
}

// setupRoutes настраивает маршруты
func (s *Server) setupRoutes() {
	// Health check
	s.router.GET("/health", s.restHandler.HealthCheck)

	// API v1 группа
	v1 := s.router.Group("/api/v1")
	{
		// Прием сырых измерений
		v1.POST("/samples", s.restHandler.PostSample)

		// Чтение потоков
		v1.GET("/devices/:device/latest", s.restHandler.GetLatest)
		v1.GET("/devices/:device/track", s.restHandler.GetTrack)
		v1.GET("/devices/:device/raw", s.restHandler.GetRawSamples)
		v1.GET("/trips/:trip/track", s.restHandler.GetTripTrack)
	}

	// WebSocket поток обработанных точек
	s.router.GET("/ws/v1/stream", s.wsHandler.HandleWebSocket)

	// Метрики Prometheus
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// WebSocket возвращает обработчик трансляции для подписки на процессор
func (s *Server) WebSocket() *WebSocketHandler {
	return s.wsHandler
}

// REST возвращает REST handler для подписки архиватора на прием
func (s *Server) REST() *RESTHandler {
	return s.restHandler
}

// Start запускает HTTP сервер
func (s *Server) Start() error {
	s.logger.WithFields(map[string]interface{}{
		"address": s.config.Server.Address,
		"mode":    gin.Mode(),
	}).Info("Starting HTTP server")

	return s.httpServer.ListenAndServe()
}

// Shutdown корректное завершение сервера
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	s.wsHandler.Close()
	return s.httpServer.Shutdown(ctx)
}

// ==================== Middleware ====================

// LoggerMiddleware логирование запросов
func LoggerMiddleware(logger *utils.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		// Обработка запроса
		c.Next()

		latency := time.Since(start)

		logger.WithFields(map[string]interface{}{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"latency_ms": latency.Milliseconds(),
			"client_ip":  c.ClientIP(),
		}).Info("HTTP request completed")
	}
}

// CORSMiddleware настройка CORS
func CORSMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     []string{"*"}, // В production указать конкретные домены
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"*"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

// RateLimitMiddleware ограничение частоты HTTP запросов
func RateLimitMiddleware() gin.HandlerFunc {
	limiter := rate.NewLimiter(rate.Limit(500), 1000)

	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"code":    "rate_limit_exceeded",
				"message": "Too many requests",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// SecurityHeadersMiddleware заголовки безопасности
func SecurityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}
