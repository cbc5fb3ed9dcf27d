package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

type confidenceBucket struct {
	Range string `json:"range"`
	Count int    `json:"count"`
}

type dailyTrend struct {
	Day       time.Time `db:"day" json:"day"`
	Created   int       `db:"created" json:"created"`
	Closed    int       `db:"closed" json:"closed"`
	Escalated int       `db:"escalated" json:"escalated"`
}

type analyticsResponse struct {
	AutoCloseRate     float64            `json:"auto_close_rate"`
	EscalationRate    float64            `json:"escalation_rate"`
	HumanOverrideRate float64            `json:"human_override_rate"`
	ConfidenceBuckets []confidenceBucket `json:"confidence_buckets"`
	DailyTrends       []dailyTrend       `json:"daily_trends"`
}

// analyticsHandler handles GET /api/v1/analytics: the executive view of how
// much work the agent resolves on its own and how often humans overrule it.
func (s *Server) analyticsHandler(c *gin.Context) {
	days := 14
	if v := c.Query("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 90 {
			respondError(c, http.StatusBadRequest, "days must be between 1 and 90")
			return
		}
		days = n
	}
	since := time.Now().AddDate(0, 0, -days)

	ctx := c.Request.Context()
	resp := analyticsResponse{}

	type outcome struct {
		Status string `db:"status"`
		Count  int    `db:"count"`
	}
	var outcomes []outcome
	err := s.db.SelectContext(ctx, &outcomes, `
		SELECT status, count(*) AS count FROM investigations
		WHERE closed_at >= $1
		  AND status IN ('escalated', 'closed', 'auto_closed', 'rejected', 'cancelled')
		GROUP BY status`, since)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	terminal := 0
	counts := make(map[string]int)
	for _, o := range outcomes {
		counts[o.Status] = o.Count
		terminal += o.Count
	}
	if terminal > 0 {
		resp.AutoCloseRate = float64(counts["auto_closed"]) / float64(terminal)
		resp.EscalationRate = float64(counts["escalated"]) / float64(terminal)
	}

	// A rejected review is a human overruling an AI escalation.
	var decided, overridden int
	err = s.db.GetContext(ctx, &decided, `
		SELECT count(*) FROM pending_reviews
		WHERE status <> 'pending' AND requested_at >= $1`, since)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	err = s.db.GetContext(ctx, &overridden, `
		SELECT count(*) FROM pending_reviews
		WHERE status = 'rejected' AND requested_at >= $1`, since)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	if decided > 0 {
		resp.HumanOverrideRate = float64(overridden) / float64(decided)
	}

	buckets, err := s.confidenceBuckets(c, since)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	resp.ConfidenceBuckets = buckets

	trends := []dailyTrend{}
	err = s.db.SelectContext(ctx, &trends, `
		SELECT date_trunc('day', created_at) AS day,
		       count(*) AS created,
		       count(*) FILTER (WHERE closed_at IS NOT NULL) AS closed,
		       count(*) FILTER (WHERE status = 'escalated') AS escalated
		FROM investigations
		WHERE created_at >= $1
		GROUP BY day
		ORDER BY day`, since)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	resp.DailyTrends = trends

	c.JSON(http.StatusOK, resp)
}

// confidenceBuckets splits verdict confidence into five 20% bands.
func (s *Server) confidenceBuckets(c *gin.Context, since time.Time) ([]confidenceBucket, error) {
	type band struct {
		Bucket int `db:"bucket"`
		Count  int `db:"count"`
	}
	var bands []band
	err := s.db.SelectContext(c.Request.Context(), &bands, `
		SELECT least(floor(verdict_confidence * 5), 4)::int AS bucket, count(*) AS count
		FROM investigations
		WHERE verdict_confidence IS NOT NULL AND created_at >= $1
		GROUP BY bucket`, since)
	if err != nil {
		return nil, err
	}

	labels := [5]string{"0-20%", "20-40%", "40-60%", "60-80%", "80-100%"}
	buckets := make([]confidenceBucket, 5)
	for i, label := range labels {
		buckets[i] = confidenceBucket{Range: label}
	}
	for _, b := range bands {
		if b.Bucket >= 0 && b.Bucket < len(buckets) {
			buckets[b.Bucket].Count = b.Count
		}
	}
	return buckets, nil
}
