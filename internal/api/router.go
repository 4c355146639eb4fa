// Package api exposes the read-only query surface over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rewired-gh/skysentry/internal/logger"
	"github.com/rewired-gh/skysentry/internal/models"
	"github.com/rewired-gh/skysentry/internal/service"
)

// Querier is the query service the handlers read from.
type Querier interface {
	Regions() []service.RegionStatus
	LatestSnapshot(region string) (service.SnapshotView, error)
	FlightHistory(icao24 string) (models.HistoryWindow, bool)
	ListAlerts(filter models.FindingFilter) ([]models.Finding, error)
	RequestFetchNow(region string) error
	Summarize(region string) (string, error)
	FindFlight(ident string) ([]models.StateVector, error)
	Health() error
}

type Options struct {
	Address string
	// MetricsPath serves MetricsHandler when both are set.
	MetricsPath    string
	MetricsHandler http.Handler
}

// Server is the HTTP query API.
type Server struct {
	engine *gin.Engine
	srv    *http.Server
}

func NewServer(q Querier, hub *Hub, opts Options) *Server {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(), requestMetrics())

	h := &handler{q: q}
	r.GET("/health", h.Health)
	if opts.MetricsPath != "" && opts.MetricsHandler != nil {
		r.GET(opts.MetricsPath, gin.WrapH(opts.MetricsHandler))
	}

	api := r.Group("/api/v1")
	{
		api.GET("/regions", h.GetRegions)
		api.GET("/regions/:region/snapshot", h.GetSnapshot)
		api.GET("/regions/:region/summary", h.GetSummary)
		api.POST("/regions/:region/fetch", h.PostFetch)
		api.GET("/aircraft/:icao24/history", h.GetHistory)
		api.GET("/flights/:ident", h.GetFlight)
		api.GET("/alerts", h.GetAlerts)
		if hub != nil {
			api.GET("/alerts/stream", gin.WrapH(hub))
		}
	}

	return &Server{
		engine: r,
		srv: &http.Server{
			Addr:              opts.Address,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		logger.Info("Starting query API on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Query API stopped: %v", err)
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
