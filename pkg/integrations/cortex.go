package integrations

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gbrigandi/soctalk/pkg/models"
)

// AnalyzerMap routes observable types to the Cortex analyzers that can
// judge them.
var AnalyzerMap = map[models.ObservableType][]string{
	models.ObservableIP:         {"AbuseIPDB"},
	models.ObservableURL:        {"VirusTotal", "Urlscan.io"},
	models.ObservableHashMD5:    {"VirusTotal"},
	models.ObservableHashSHA1:   {"VirusTotal"},
	models.ObservableHashSHA256: {"VirusTotal"},
	models.ObservableDomain:     {"AbuseFinder"},
	models.ObservableEmail:      {"AbuseFinder"},
	models.ObservableFQDN:       {"AbuseFinder"},
}

// CortexConfig carries the analyzer engine endpoint.
type CortexConfig struct {
	URL         string
	APIKey      string
	InsecureTLS bool

	// PollInterval and JobTimeout bound report polling.
	PollInterval time.Duration
	JobTimeout   time.Duration
}

// CortexClient runs observables through Cortex analyzers.
type CortexClient struct {
	cfg  CortexConfig
	core *httpCore
}

// NewCortexClient returns a client for the given Cortex deployment.
func NewCortexClient(cfg CortexConfig) *CortexClient {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 2 * time.Minute
	}
	core := newHTTPCore("cortex", cfg.URL, cfg.InsecureTLS)
	core.authorize = func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	return &CortexClient{cfg: cfg, core: core}
}

// cortexDataType maps our observable types onto Cortex data types.
func cortexDataType(t models.ObservableType) string {
	switch t {
	case models.ObservableIP:
		return "ip"
	case models.ObservableURL:
		return "url"
	case models.ObservableHashMD5, models.ObservableHashSHA1, models.ObservableHashSHA256:
		return "hash"
	case models.ObservableDomain:
		return "domain"
	case models.ObservableFQDN:
		return "fqdn"
	case models.ObservableEmail:
		return "mail"
	default:
		return "other"
	}
}

type cortexJob struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Report struct {
		Summary struct {
			Taxonomies []struct {
				Level     string `json:"level"`
				Namespace string `json:"namespace"`
				Predicate string `json:"predicate"`
				Value     any    `json:"value"`
			} `json:"taxonomies"`
		} `json:"summary"`
		Full map[string]any `json:"full"`
	} `json:"report"`
}

// Analyze submits one observable to one analyzer and waits for the report.
func (c *CortexClient) Analyze(ctx context.Context, analyzer string, o models.Observable) (models.EnrichmentResult, error) {
	start := time.Now()
	result := models.EnrichmentResult{
		Observable: o,
		Analyzer:   analyzer,
		Verdict:    models.VerdictUnknown,
	}

	var job cortexJob
	err := c.core.doJSON(ctx, http.MethodPost,
		"/api/analyzer/"+analyzer+"/run",
		map[string]any{
			"data":     o.Value,
			"dataType": cortexDataType(o.Type),
			"tlp":      2,
		}, &job)
	if err != nil {
		result.Error = err.Error()
		return result, fmt.Errorf("submitting %s job: %w", analyzer, err)
	}

	job, err = c.waitForReport(ctx, job.ID)
	if err != nil {
		result.Error = err.Error()
		return result, err
	}

	result.Verdict, result.Confidence = deriveVerdict(analyzer, job)
	result.Details = job.Report.Full
	result.ResponseTimeMS = time.Since(start).Milliseconds()
	return result, nil
}

func (c *CortexClient) waitForReport(ctx context.Context, jobID string) (cortexJob, error) {
	deadline := time.Now().Add(c.cfg.JobTimeout)
	for {
		var job cortexJob
		err := c.core.doJSON(ctx, http.MethodGet, "/api/job/"+jobID+"/report", nil, &job)
		if err != nil {
			return job, fmt.Errorf("polling job %s: %w", jobID, err)
		}
		switch job.Status {
		case "Success":
			return job, nil
		case "Failure", "Deleted":
			return job, fmt.Errorf("job %s ended with status %s", jobID, job.Status)
		}
		if time.Now().After(deadline) {
			return job, fmt.Errorf("job %s timed out after %s", jobID, c.cfg.JobTimeout)
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

// deriveVerdict converts an analyzer report into a verdict and confidence.
func deriveVerdict(analyzer string, job cortexJob) (models.EnrichmentVerdict, float64) {
	switch {
	case strings.EqualFold(analyzer, "AbuseIPDB"):
		if score, ok := abuseIPDBScore(job); ok {
			return abuseIPDBVerdict(score)
		}
	case strings.EqualFold(analyzer, "VirusTotal"):
		if ratio, ok := virusTotalRatio(job); ok {
			return virusTotalVerdict(ratio)
		}
	}
	return taxonomyVerdict(job)
}

// abuseIPDBVerdict scores by abuse confidence: 80+ malicious, 30+
// suspicious, below that benign with confidence falling as the score rises.
func abuseIPDBVerdict(score float64) (models.EnrichmentVerdict, float64) {
	switch {
	case score >= 80:
		return models.VerdictMalicious, score / 100
	case score >= 30:
		return models.VerdictSuspicious, score / 100
	default:
		return models.VerdictBenign, 1 - score/100
	}
}

// virusTotalVerdict scores by detection ratio: 30%+ of engines malicious,
// 10%+ suspicious, otherwise benign.
func virusTotalVerdict(ratio float64) (models.EnrichmentVerdict, float64) {
	switch {
	case ratio >= 0.3:
		confidence := 0.5 + ratio
		if confidence > 0.95 {
			confidence = 0.95
		}
		return models.VerdictMalicious, confidence
	case ratio >= 0.1:
		return models.VerdictSuspicious, 0.5 + ratio
	default:
		return models.VerdictBenign, 1 - ratio
	}
}

func abuseIPDBScore(job cortexJob) (float64, bool) {
	data, ok := job.Report.Full["data"].(map[string]any)
	if !ok {
		return 0, false
	}
	score, ok := data["abuseConfidenceScore"].(float64)
	return score, ok
}

func virusTotalRatio(job cortexJob) (float64, bool) {
	positives, ok1 := job.Report.Full["positives"].(float64)
	total, ok2 := job.Report.Full["total"].(float64)
	if ok1 && ok2 && total > 0 {
		return positives / total, true
	}
	stats, ok := job.Report.Full["last_analysis_stats"].(map[string]any)
	if !ok {
		return 0, false
	}
	malicious, _ := stats["malicious"].(float64)
	var sum float64
	for _, v := range stats {
		if f, ok := v.(float64); ok {
			sum += f
		}
	}
	if sum == 0 {
		return 0, false
	}
	return malicious / sum, true
}

// taxonomyVerdict falls back to the report's taxonomy levels.
func taxonomyVerdict(job cortexJob) (models.EnrichmentVerdict, float64) {
	verdict := models.VerdictUnknown
	confidence := 0.0
	for _, tax := range job.Report.Summary.Taxonomies {
		switch strings.ToLower(tax.Level) {
		case "malicious":
			return models.VerdictMalicious, 0.8
		case "suspicious":
			verdict, confidence = models.VerdictSuspicious, 0.6
		case "safe", "info":
			if verdict == models.VerdictUnknown {
				verdict, confidence = models.VerdictBenign, 0.6
			}
		}
	}
	return verdict, confidence
}
