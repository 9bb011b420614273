// Package api is the machine-facing JSON status surface: session state,
// harvest audit trail, manual harvest triggers, and data integrity checks.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"tradebot/internal/harvest"
	"tradebot/internal/marketdata"
	"tradebot/internal/orders"
	"tradebot/pkg/gateway"
)

// Server wires the HTTP handlers to the bot's components.
type Server struct {
	session   *gateway.Client
	md        *marketdata.Normalizer
	tracker   *orders.Tracker
	engine    *harvest.Engine
	jwtSecret string
	apiKey    string
}

func NewServer(session *gateway.Client, md *marketdata.Normalizer, tracker *orders.Tracker, engine *harvest.Engine, jwtSecret, apiKey string) *Server {
	return &Server{
		session:   session,
		md:        md,
		tracker:   tracker,
		engine:    engine,
		jwtSecret: jwtSecret,
		apiKey:    apiKey,
	}
}

// Router builds the gin engine with auth on everything except the token
// exchange and health probe.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
	r.POST("/api/auth/token", s.handleToken)

	authed := r.Group("/api", AuthMiddleware(s.jwtSecret))
	{
		authed.GET("/status", s.handleStatus)
		authed.GET("/harvest/log", s.handleHarvestLog)
		authed.POST("/harvest/run", s.handleHarvestRun)
		authed.GET("/data/verify", s.handleVerify)
		authed.POST("/data/export", s.handleExport)
		authed.GET("/data/stats", s.handleStats)
	}
	return r
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected":            s.session.IsConnected(),
		"session_state":        s.session.StateNow().String(),
		"pending_requests":     s.session.Correlator().Outstanding(),
		"pending_orders":       s.tracker.PendingCount(),
		"active_subscriptions": s.md.Symbols(),
		"time":                 time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleHarvestLog(c *gin.Context) {
	limit := intQuery(c, "limit", 100)
	entries, err := s.engine.RecentLog(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *Server) handleHarvestRun(c *gin.Context) {
	var req struct {
		Symbols    []string `json:"symbols" binding:"required"`
		Timeframes []struct {
			Duration   string `json:"duration"`
			BarSize    string `json:"bar_size"`
			WhatToShow string `json:"what_to_show"`
		} `json:"timeframes"`
		MaxParallel int `json:"max_parallel"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	timeframes := make([]harvest.TimeframeSpec, 0, len(req.Timeframes))
	for _, tf := range req.Timeframes {
		timeframes = append(timeframes, harvest.TimeframeSpec{
			Duration:   tf.Duration,
			BarSize:    tf.BarSize,
			WhatToShow: tf.WhatToShow,
		})
	}
	if len(timeframes) == 0 {
		timeframes = []harvest.TimeframeSpec{{Duration: "1 Y", BarSize: "1 day"}}
	}

	result := s.engine.HarvestMultiple(c.Request.Context(), req.Symbols, timeframes, req.MaxParallel)
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleVerify(c *gin.Context) {
	symbol := c.Query("symbol")
	timeframe := c.Query("timeframe")
	if symbol == "" || timeframe == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol and timeframe are required"})
		return
	}
	v, err := s.engine.VerifyIntegrity(c.Request.Context(), symbol, timeframe, c.Query("data_type"), time.Time{}, time.Time{})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) handleExport(c *gin.Context) {
	var req struct {
		Symbol    string `json:"symbol" binding:"required"`
		Timeframe string `json:"timeframe" binding:"required"`
		DataType  string `json:"data_type"`
		Path      string `json:"path"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := s.engine.ExportCSV(c.Request.Context(), req.Symbol, req.Timeframe, req.DataType, req.Path, time.Time{}, time.Time{})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.engine.StoreStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func intQuery(c *gin.Context, key string, def int) int {
	if v := c.Query(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
