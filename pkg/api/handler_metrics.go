package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gbrigandi/soctalk/pkg/projector"
)

type metricsOverview struct {
	Total          int            `json:"total"`
	ByStatus       map[string]int `json:"by_status"`
	BySeverity     map[string]int `json:"by_severity"`
	Open           int            `json:"open"`
	PendingReviews int            `json:"pending_reviews"`
	Escalated24h   int            `json:"escalated_24h"`
	Closed24h      int            `json:"closed_24h"`
}

// metricsOverviewHandler handles GET /api/v1/metrics/overview.
func (s *Server) metricsOverviewHandler(c *gin.Context) {
	ctx := c.Request.Context()
	overview := metricsOverview{
		ByStatus:   make(map[string]int),
		BySeverity: make(map[string]int),
	}

	type bucket struct {
		Key   string `db:"key"`
		Count int    `db:"count"`
	}

	var byStatus []bucket
	err := s.db.SelectContext(ctx, &byStatus,
		`SELECT status AS key, count(*) AS count FROM investigations GROUP BY status`)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	for _, b := range byStatus {
		overview.ByStatus[b.Key] = b.Count
		overview.Total += b.Count
	}
	overview.Open = overview.ByStatus["pending"] +
		overview.ByStatus["in_progress"] + overview.ByStatus["paused"]

	var bySeverity []bucket
	err = s.db.SelectContext(ctx, &bySeverity,
		`SELECT severity AS key, count(*) AS count FROM investigations GROUP BY severity`)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	for _, b := range bySeverity {
		overview.BySeverity[b.Key] = b.Count
	}

	err = s.db.GetContext(ctx, &overview.PendingReviews,
		`SELECT count(*) FROM pending_reviews WHERE status = 'pending'`)
	if err != nil {
		respondStoreError(c, err)
		return
	}

	since := time.Now().Add(-24 * time.Hour)
	err = s.db.GetContext(ctx, &overview.Escalated24h,
		`SELECT count(*) FROM investigations WHERE status = 'escalated' AND closed_at >= $1`, since)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	err = s.db.GetContext(ctx, &overview.Closed24h,
		`SELECT count(*) FROM investigations WHERE closed_at >= $1`, since)
	if err != nil {
		respondStoreError(c, err)
		return
	}

	c.JSON(http.StatusOK, overview)
}

// metricsHourlyHandler handles GET /api/v1/metrics/hourly. ?hours= bounds
// the window, default 24, max 168.
func (s *Server) metricsHourlyHandler(c *gin.Context) {
	hours := 24
	if v := c.Query("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 168 {
			respondError(c, http.StatusBadRequest, "hours must be between 1 and 168")
			return
		}
		hours = n
	}

	rows := []projector.HourlyMetricRow{}
	err := s.db.SelectContext(c.Request.Context(), &rows, `
		SELECT * FROM hourly_metrics
		WHERE hour >= $1
		ORDER BY hour`, time.Now().Add(-time.Duration(hours)*time.Hour).Truncate(time.Hour))
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hours": hours, "metrics": rows})
}

func statLimit(c *gin.Context) int {
	limit := 25
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	return limit
}

// iocStatsHandler handles GET /api/v1/stats/iocs, most-sighted first.
func (s *Server) iocStatsHandler(c *gin.Context) {
	rows := []projector.IOCStatRow{}
	err := s.db.SelectContext(c.Request.Context(), &rows, `
		SELECT * FROM ioc_stats
		ORDER BY sightings DESC, last_seen DESC
		LIMIT $1`, statLimit(c))
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"iocs": rows})
}

// ruleStatsHandler handles GET /api/v1/stats/rules, noisiest rules first.
func (s *Server) ruleStatsHandler(c *gin.Context) {
	rows := []projector.RuleStatRow{}
	err := s.db.SelectContext(c.Request.Context(), &rows, `
		SELECT * FROM rule_stats
		ORDER BY alert_count DESC
		LIMIT $1`, statLimit(c))
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": rows})
}

// analyzerStatsHandler handles GET /api/v1/stats/analyzers.
func (s *Server) analyzerStatsHandler(c *gin.Context) {
	rows := []projector.AnalyzerStatRow{}
	err := s.db.SelectContext(c.Request.Context(), &rows, `
		SELECT * FROM analyzer_stats
		ORDER BY invocations DESC
		LIMIT $1`, statLimit(c))
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"analyzers": rows})
}
