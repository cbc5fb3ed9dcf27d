// Package api serves the dashboard REST surface: investigations and their
// timelines, the dashboard side of human review, lifecycle controls,
// metrics, analytics, the audit view over the event log, a live event
// stream over SSE, and runtime settings.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/gbrigandi/soctalk/pkg/bus"
	"github.com/gbrigandi/soctalk/pkg/config"
	"github.com/gbrigandi/soctalk/pkg/database"
	"github.com/gbrigandi/soctalk/pkg/events"
	"github.com/gbrigandi/soctalk/pkg/eventstore"
	"github.com/gbrigandi/soctalk/pkg/hil"
	"github.com/gbrigandi/soctalk/pkg/settings"
)

// Server wires the HTTP handlers to the read model and the event log.
type Server struct {
	db        *sqlx.DB
	store     *eventstore.Store
	projector events.Projector
	reviews   *hil.Store
	settings  *settings.Provider
	bus       *bus.Bus
	auth      *Authenticator
	log       *slog.Logger
}

// NewServer returns the API server.
func NewServer(db *sqlx.DB, store *eventstore.Store, proj events.Projector, reviews *hil.Store, provider *settings.Provider, eventBus *bus.Bus, auth *Authenticator) *Server {
	return &Server{
		db:        db,
		store:     store,
		projector: proj,
		reviews:   reviews,
		settings:  provider,
		bus:       eventBus,
		auth:      auth,
		log:       slog.With("component", "api"),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/health", s.healthHandler)

	r.POST("/api/v1/auth/login", s.loginHandler)
	r.POST("/api/v1/auth/logout", s.logoutHandler)

	v1 := r.Group("/api/v1", s.auth.Middleware())
	{
		v1.GET("/auth/me", s.meHandler)

		v1.GET("/investigations", s.listInvestigationsHandler)
		v1.GET("/investigations/:id", s.getInvestigationHandler)
		v1.GET("/investigations/:id/timeline", s.timelineHandler)

		v1.GET("/reviews", s.listReviewsHandler)

		v1.GET("/metrics/overview", s.metricsOverviewHandler)
		v1.GET("/metrics/hourly", s.metricsHourlyHandler)
		v1.GET("/stats/iocs", s.iocStatsHandler)
		v1.GET("/stats/rules", s.ruleStatsHandler)
		v1.GET("/stats/analyzers", s.analyzerStatsHandler)
		v1.GET("/analytics", s.analyticsHandler)

		v1.GET("/events", s.eventsHandler)

		v1.GET("/audit", s.auditHandler)
		v1.GET("/audit/investigation/:id", s.auditInvestigationHandler)
		v1.GET("/audit/event-types", s.auditEventTypesHandler)
		v1.GET("/audit/stats", s.auditStatsHandler)

		v1.GET("/settings", s.getSettingsHandler)

		analyst := v1.Group("", s.auth.RequireRole(RoleAnalyst))
		{
			analyst.POST("/investigations/:id/review", s.reviewHandler)
			analyst.POST("/investigations/:id/pause", s.pauseHandler)
			analyst.POST("/investigations/:id/resume", s.resumeHandler)
			analyst.POST("/investigations/:id/cancel", s.cancelHandler)
		}

		admin := v1.Group("", s.auth.RequireRole(RoleAdmin))
		{
			admin.PUT("/settings", s.updateSettingsHandler)
			admin.POST("/settings/reset", s.resetSettingsHandler)
		}
	}

	return r
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, cfg *config.Config) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.log.Info("http server shutting down")
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/health" {
			return
		}
		s.log.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	health, err := database.Health(ctx, s.db.DB)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "database": health})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "database": health})
}
