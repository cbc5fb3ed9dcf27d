package api

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/gbrigandi/soctalk/pkg/eventstore"
	"github.com/gbrigandi/soctalk/pkg/hil"
	"github.com/gbrigandi/soctalk/pkg/models"
	"github.com/gbrigandi/soctalk/pkg/projector"
)

const (
	defaultPageSize = 25
	maxPageSize     = 100
)

var sortColumns = map[string]string{
	"created_at": "created_at",
	"updated_at": "updated_at",
	"severity":   "severity",
	"status":     "status",
}

type listParams struct {
	page     int
	pageSize int
	sortBy   string
	sortDesc bool
	statuses []string
	severity string
	search   string
}

func parseListParams(c *gin.Context) (listParams, error) {
	p := listParams{page: 1, pageSize: defaultPageSize, sortBy: "created_at", sortDesc: true}

	if v := c.Query("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			p.page = n
		}
	}
	if v := c.Query("page_size"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= maxPageSize {
			p.pageSize = n
		}
	}

	if v := c.Query("sort_by"); v != "" {
		if _, ok := sortColumns[v]; !ok {
			return p, fmt.Errorf("invalid sort_by %q", v)
		}
		p.sortBy = v
	}
	if v := c.Query("sort_order"); v != "" {
		switch v {
		case "asc":
			p.sortDesc = false
		case "desc":
			p.sortDesc = true
		default:
			return p, fmt.Errorf("invalid sort_order %q, must be asc or desc", v)
		}
	}

	if v := c.Query("status"); v != "" {
		for _, st := range strings.Split(v, ",") {
			if !models.InvestigationStatus(st).Valid() {
				return p, fmt.Errorf("invalid status %q", st)
			}
			p.statuses = append(p.statuses, st)
		}
	}
	if v := c.Query("severity"); v != "" {
		if !models.Severity(v).Valid() {
			return p, fmt.Errorf("invalid severity %q", v)
		}
		p.severity = v
	}
	if v := c.Query("search"); v != "" {
		if len(v) < 3 {
			return p, fmt.Errorf("search query must be at least 3 characters")
		}
		p.search = v
	}
	return p, nil
}

type listResponse struct {
	Investigations []projector.InvestigationRow `json:"investigations"`
	Page           int                          `json:"page"`
	PageSize       int                          `json:"page_size"`
	Total          int                          `json:"total"`
}

// listInvestigationsHandler handles GET /api/v1/investigations.
func (s *Server) listInvestigationsHandler(c *gin.Context) {
	p, err := parseListParams(c)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	where, args := buildListFilter(p)

	var total int
	if err := s.db.GetContext(c.Request.Context(), &total,
		"SELECT count(*) FROM investigations"+where, args...); err != nil {
		respondStoreError(c, err)
		return
	}

	order := " ORDER BY " + sortColumns[p.sortBy]
	if p.sortDesc {
		order += " DESC"
	}
	query := fmt.Sprintf("SELECT * FROM investigations%s%s LIMIT %d OFFSET %d",
		where, order, p.pageSize, (p.page-1)*p.pageSize)

	rows := []projector.InvestigationRow{}
	if err := s.db.SelectContext(c.Request.Context(), &rows, query, args...); err != nil {
		respondStoreError(c, err)
		return
	}

	c.JSON(http.StatusOK, listResponse{
		Investigations: rows,
		Page:           p.page,
		PageSize:       p.pageSize,
		Total:          total,
	})
}

func buildListFilter(p listParams) (string, []any) {
	var clauses []string
	var args []any

	if len(p.statuses) > 0 {
		placeholders := make([]string, len(p.statuses))
		for i, st := range p.statuses {
			args = append(args, st)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		clauses = append(clauses, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if p.severity != "" {
		args = append(args, p.severity)
		clauses = append(clauses, fmt.Sprintf("severity = $%d", len(args)))
	}
	if p.search != "" {
		args = append(args, "%"+p.search+"%")
		clauses = append(clauses, fmt.Sprintf("(title ILIKE $%d OR description ILIKE $%d)", len(args), len(args)))
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

type investigationDetail struct {
	projector.InvestigationRow
	Review *projector.PendingReviewRow `json:"review,omitempty"`
}

// getInvestigationHandler handles GET /api/v1/investigations/:id.
func (s *Server) getInvestigationHandler(c *gin.Context) {
	id := c.Param("id")

	var row projector.InvestigationRow
	err := s.db.GetContext(c.Request.Context(), &row,
		`SELECT * FROM investigations WHERE id = $1`, id)
	if err != nil {
		respondStoreError(c, err)
		return
	}

	detail := investigationDetail{InvestigationRow: row}
	review, err := s.reviews.Latest(c.Request.Context(), id)
	switch {
	case err == nil:
		detail.Review = review
	case errors.Is(err, hil.ErrNoPendingReview):
		// No review was ever requested.
	default:
		respondStoreError(c, err)
		return
	}

	c.JSON(http.StatusOK, detail)
}

// timelineHandler handles GET /api/v1/investigations/:id/timeline. It
// returns the investigation's full event stream in version order.
func (s *Server) timelineHandler(c *gin.Context) {
	id := c.Param("id")

	var exists bool
	err := s.db.GetContext(c.Request.Context(), &exists,
		`SELECT EXISTS (SELECT 1 FROM investigations WHERE id = $1)`, id)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	if !exists {
		respondStoreError(c, sql.ErrNoRows)
		return
	}

	timeline, err := s.store.Events(c.Request.Context(), s.db, id)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	if timeline == nil {
		timeline = []eventstore.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"investigation_id": id, "events": timeline})
}
