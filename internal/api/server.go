// Package api exposes the operator surface: health, pipeline status and
// system flags.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"confluence-trading-bot/internal/cache"
	"confluence-trading-bot/internal/database"
	"confluence-trading-bot/internal/events"
	"confluence-trading-bot/internal/logging"
)

// Stats counts pipeline errors per stage, fed from the event bus
type Stats struct {
	mu     sync.RWMutex
	errors map[string]int
}

// NewStats creates a stats collector subscribed to error events
func NewStats(bus *events.EventBus) *Stats {
	s := &Stats{errors: make(map[string]int)}
	bus.Subscribe(events.EventError, func(e events.Event) {
		stage, _ := e.Data["stage"].(string)
		if stage == "" {
			stage = "unknown"
		}
		s.mu.Lock()
		s.errors[stage]++
		s.mu.Unlock()
	})
	return s
}

// ErrorCounts returns a copy of the per-stage error counters
func (s *Stats) ErrorCounts() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]int, len(s.errors))
	for stage, count := range s.errors {
		out[stage] = count
	}
	return out
}

// Server is the HTTP operator API
type Server struct {
	router *gin.Engine
	repo   *database.Repository
	cache  *cache.MarketCache
	stats  *Stats
	srv    *http.Server
	log    *logging.Logger

	startedAt time.Time
}

// NewServer creates the API server. allowedOrigins is a comma-separated
// CORS origin list; empty means allow all.
func NewServer(repo *database.Repository, marketCache *cache.MarketCache, stats *Stats, allowedOrigins string) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     splitOrigins(allowedOrigins),
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	s := &Server{
		router:    router,
		repo:      repo,
		cache:     marketCache,
		stats:     stats,
		log:       logging.WithComponent("api"),
		startedAt: time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/trades/open", s.handleOpenTrades)
		api.GET("/trades/recent", s.handleRecentTrades)
		api.GET("/flags/:key", s.handleGetFlag)
		api.POST("/flags/:key", s.handleSetFlag)
	}
}

// Start serves on host:port until the context ends, then drains within
// the shutdown timeout
func (s *Server) Start(ctx context.Context, host string, port int, shutdownTimeout time.Duration) error {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 5 * time.Second
	}
	s.srv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, port),
		Handler: s.router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("api shutdown failed", "error", err)
		}
	}()

	s.log.Info("api server listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	dbErr := s.repo.HealthCheck(ctx)
	status := "ok"
	code := http.StatusOK
	if dbErr != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":         status,
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"database":       healthString(dbErr),
		"redis_healthy":  s.cache != nil && s.cache.IsHealthy(),
		"error_counters": s.stats.ErrorCounts(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	ctx := c.Request.Context()

	sweep, err := s.repo.ActiveSweep(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	response := gin.H{"active_sweep": sweep}
	if sweep != nil {
		state, err := s.repo.GetStateBySweepID(ctx, sweep.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		response["confluence_state"] = state
	}

	openCount, err := s.repo.CountOpenTrades(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	response["open_trades"] = openCount

	emergency, err := s.repo.GetFlag(ctx, database.FlagEmergencyStop)
	if err == nil {
		response["emergency_stop"] = emergency
	}

	c.JSON(http.StatusOK, response)
}

func (s *Server) handleOpenTrades(c *gin.Context) {
	trades, err := s.repo.OpenTrades(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) handleRecentTrades(c *gin.Context) {
	trades, err := s.repo.RecentClosedTrades(c.Request.Context(), 20)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) handleGetFlag(c *gin.Context) {
	value, err := s.repo.GetFlag(c.Request.Context(), c.Param("key"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": c.Param("key"), "value": value})
}

func (s *Server) handleSetFlag(c *gin.Context) {
	var body struct {
		Value bool `json:"value"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be {\"value\": bool}"})
		return
	}

	key := c.Param("key")
	if err := s.repo.SetFlag(c.Request.Context(), key, body.Value); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.log.Info("flag changed via api", "key", key, "value", body.Value)
	c.JSON(http.StatusOK, gin.H{"key": key, "value": body.Value})
}

func healthString(err error) string {
	if err == nil {
		return "ok"
	}
	return err.Error()
}

func splitOrigins(origins string) []string {
	if origins == "" || origins == "*" {
		return []string{"*"}
	}
	parts := strings.Split(origins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
