package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gbrigandi/soctalk/pkg/eventstore"
	"github.com/gbrigandi/soctalk/pkg/projector"
)

const (
	defaultAuditPageSize = 50
	maxAuditPageSize     = 200

	defaultAuditEventLimit = 100
	maxAuditEventLimit     = 500

	defaultAuditStatsHours = 24
	maxAuditStatsHours     = 168
)

type auditFilter struct {
	eventType       string
	aggregateType   string
	investigationID string
	start           *time.Time
	end             *time.Time
	page            int
	pageSize        int
}

func parseAuditFilter(c *gin.Context) (auditFilter, error) {
	f := auditFilter{
		eventType:       c.Query("event_type"),
		aggregateType:   c.Query("aggregate_type"),
		investigationID: c.Query("investigation_id"),
		page:            1,
		pageSize:        defaultAuditPageSize,
	}

	if v := c.Query("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			f.page = n
		}
	}
	if v := c.Query("page_size"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= maxAuditPageSize {
			f.pageSize = n
		}
	}
	for name, dst := range map[string]**time.Time{"start_date": &f.start, "end_date": &f.end} {
		v := c.Query(name)
		if v == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("invalid %s, want RFC3339", name)
		}
		*dst = &ts
	}
	return f, nil
}

func (f auditFilter) where() (string, []any) {
	var clauses []string
	var args []any

	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if f.eventType != "" {
		add("event_type = $%d", f.eventType)
	}
	if f.aggregateType != "" {
		add("aggregate_type = $%d", f.aggregateType)
	}
	if f.investigationID != "" {
		add("aggregate_id = $%d", f.investigationID)
	}
	if f.start != nil {
		add("timestamp >= $%d", *f.start)
	}
	if f.end != nil {
		add("timestamp <= $%d", *f.end)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// auditHandler handles GET /api/v1/audit: the raw event log, newest first,
// with optional type/aggregate/time filters.
func (s *Server) auditHandler(c *gin.Context) {
	f, err := parseAuditFilter(c)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	where, args := f.where()

	var total int
	if err := s.db.GetContext(c.Request.Context(), &total,
		"SELECT count(*) FROM events"+where, args...); err != nil {
		respondStoreError(c, err)
		return
	}

	query := fmt.Sprintf("SELECT * FROM events%s ORDER BY timestamp DESC LIMIT %d OFFSET %d",
		where, f.pageSize, (f.page-1)*f.pageSize)
	rows := []eventstore.Event{}
	if err := s.db.SelectContext(c.Request.Context(), &rows, query, args...); err != nil {
		respondStoreError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events":    rows,
		"total":     total,
		"page":      f.page,
		"page_size": f.pageSize,
	})
}

// auditInvestigationHandler handles GET /api/v1/audit/investigation/:id: the
// investigation summary plus its event stream in version order.
func (s *Server) auditInvestigationHandler(c *gin.Context) {
	id := c.Param("id")

	limit := defaultAuditEventLimit
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= maxAuditEventLimit {
			limit = n
		}
	}

	var row projector.InvestigationRow
	err := s.db.GetContext(c.Request.Context(), &row,
		`SELECT * FROM investigations WHERE id = $1`, id)
	if err != nil {
		respondStoreError(c, err)
		return
	}

	var total int
	if err := s.db.GetContext(c.Request.Context(), &total,
		`SELECT count(*) FROM events WHERE aggregate_id = $1`, id); err != nil {
		respondStoreError(c, err)
		return
	}

	trail := []eventstore.Event{}
	err = s.db.SelectContext(c.Request.Context(), &trail, `
		SELECT * FROM events
		WHERE aggregate_id = $1
		ORDER BY version
		LIMIT $2`, id, limit)
	if err != nil {
		respondStoreError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"investigation_id": id,
		"title":            row.Title,
		"status":           row.Status,
		"phase":            row.CurrentPhase,
		"created_at":       row.CreatedAt,
		"events":           trail,
		"total_events":     total,
	})
}

// auditEventTypesHandler handles GET /api/v1/audit/event-types, feeding the
// dashboard's filter dropdown.
func (s *Server) auditEventTypesHandler(c *gin.Context) {
	types := []string{}
	err := s.db.SelectContext(c.Request.Context(), &types,
		`SELECT DISTINCT event_type FROM events ORDER BY event_type`)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"event_types": types})
}

type auditTypeCount struct {
	EventType string `db:"event_type" json:"event_type"`
	Count     int    `db:"count" json:"count"`
}

type auditHourCount struct {
	Hour  time.Time `db:"hour" json:"hour"`
	Count int       `db:"count" json:"count"`
}

// auditStatsHandler handles GET /api/v1/audit/stats: event volume by type
// and by hour over a recent window.
func (s *Server) auditStatsHandler(c *gin.Context) {
	hours := defaultAuditStatsHours
	if v := c.Query("hours"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= maxAuditStatsHours {
			hours = n
		}
	}
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)

	byType := []auditTypeCount{}
	err := s.db.SelectContext(c.Request.Context(), &byType, `
		SELECT event_type, count(*) AS count
		FROM events
		WHERE timestamp >= $1
		GROUP BY event_type
		ORDER BY count DESC`, since)
	if err != nil {
		respondStoreError(c, err)
		return
	}

	byHour := []auditHourCount{}
	err = s.db.SelectContext(c.Request.Context(), &byHour, `
		SELECT date_trunc('hour', timestamp) AS hour, count(*) AS count
		FROM events
		WHERE timestamp >= $1
		GROUP BY hour
		ORDER BY hour`, since)
	if err != nil {
		respondStoreError(c, err)
		return
	}

	total := 0
	for _, tc := range byType {
		total += tc.Count
	}
	c.JSON(http.StatusOK, gin.H{
		"period_hours": hours,
		"total_events": total,
		"by_type":      byType,
		"by_hour":      byHour,
	})
}
