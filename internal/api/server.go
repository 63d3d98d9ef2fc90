// Package api serves the read-only control surface: health, the live engine
// snapshot, risk budget, archived trades, daily summaries, and prometheus
// metrics. The core never takes trading commands over HTTP; the loop is the
// only decision maker.
package api

import (
	"net/http"
	"strconv"
	"time"

	"momentum-core/internal/engine"
	"momentum-core/internal/regime"
	"momentum-core/internal/risk"
	"momentum-core/pkg/db"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server wires HTTP endpoints around the engine.
type Server struct {
	Router      *gin.Engine
	Core        *engine.Engine
	Store       *db.Store
	Risk        *risk.Controller
	Regime      *regime.Monitor
	JWTSecret   string
	OperatorKey string
	Meta        SystemMeta
}

// SystemMeta describes runtime status exposed to operators.
type SystemMeta struct {
	FeedMode string
	Symbols  []string
	Version  string
	Started  time.Time
}

func NewServer(core *engine.Engine, store *db.Store, riskCtl *risk.Controller, mon *regime.Monitor, meta SystemMeta, jwtSecret, operatorKey string) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware())
	r.Use(CORSMiddleware())

	s := &Server{
		Router:      r,
		Core:        core,
		Store:       store,
		Risk:        riskCtl,
		Regime:      mon,
		JWTSecret:   jwtSecret,
		OperatorKey: operatorKey,
		Meta:        meta,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.Router.Group("/api")
	{
		api.POST("/auth/token", s.login)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.GET("/status", s.getStatus)
			protected.GET("/regime", s.getRegime)
			protected.GET("/instances", s.getInstances)
			protected.GET("/risk", s.getRisk)
			protected.GET("/trades", s.getTrades)
			protected.GET("/trades/:symbol", s.getTradesBySymbol)
			protected.GET("/summary/:date", s.getDailySummary)
		}
	}
}

// Start serves HTTP on addr, blocking until the listener fails.
func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) getStatus(c *gin.Context) {
	snap := s.Core.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"feed_mode": s.Meta.FeedMode,
		"symbols":   s.Meta.Symbols,
		"version":   s.Meta.Version,
		"started":   s.Meta.Started,
		"last_tick": snap.At,
		"mood":      snap.Mood,
		"equity":    snap.Equity,
	})
}

func (s *Server) getRegime(c *gin.Context) {
	st := s.Regime.Current()
	c.JSON(http.StatusOK, gin.H{
		"mood":        st.Mood.String(),
		"score":       st.Score,
		"computed_at": st.ComputedAt,
		"params":      s.Regime.Params(st.Mood),
	})
}

func (s *Server) getInstances(c *gin.Context) {
	snap := s.Core.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"at":        snap.At,
		"instances": snap.Instances,
	})
}

func (s *Server) getRisk(c *gin.Context) {
	snap := s.Core.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"budget":         s.Risk.Snapshot(),
		"open_positions": snap.OpenPositions,
		"equity":         snap.Equity,
		"settled_cash":   snap.SettledCash,
	})
}

func (s *Server) getTrades(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	trades, err := s.Store.ListTrades(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list trades"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) getTradesBySymbol(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	trades, err := s.Store.TradesBySymbol(c.Request.Context(), c.Param("symbol"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list trades"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) getDailySummary(c *gin.Context) {
	date := c.Param("date")
	if _, err := time.Parse("2006-01-02", date); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
		return
	}
	sum, err := s.Store.DailySummary(c.Request.Context(), date)
	if err == db.ErrNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "no summary for date"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load summary"})
		return
	}
	c.JSON(http.StatusOK, sum)
}
