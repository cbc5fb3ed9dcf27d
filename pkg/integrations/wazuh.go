package integrations

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gbrigandi/soctalk/pkg/models"
)

// WazuhConfig carries the SIEM endpoints and credentials. The manager API
// serves agent and syscollector data; the indexer serves alert search.
type WazuhConfig struct {
	ManagerURL  string
	IndexerURL  string
	User        string
	Password    string
	InsecureTLS bool

	// AlertWindow bounds how far back FetchAlerts looks.
	AlertWindow time.Duration
}

// WazuhClient talks to the Wazuh manager and indexer.
type WazuhClient struct {
	cfg     WazuhConfig
	manager *httpCore
	indexer *httpCore

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewWazuhClient returns a client for the given deployment.
func NewWazuhClient(cfg WazuhConfig) *WazuhClient {
	if cfg.AlertWindow <= 0 {
		cfg.AlertWindow = 10 * time.Minute
	}
	c := &WazuhClient{cfg: cfg}
	c.manager = newHTTPCore("wazuh-manager", cfg.ManagerURL, cfg.InsecureTLS)
	c.manager.authorize = c.bearer
	c.indexer = newHTTPCore("wazuh-indexer", cfg.IndexerURL, cfg.InsecureTLS)
	c.indexer.authorize = func(req *http.Request) {
		req.Header.Set("Authorization", "Basic "+
			base64.StdEncoding.EncodeToString([]byte(cfg.User+":"+cfg.Password)))
	}
	return c
}

func (c *WazuhClient) bearer(req *http.Request) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// Authenticate obtains a manager JWT. Tokens are refreshed a minute before
// their 15 minute lifetime ends.
func (c *WazuhClient) Authenticate(ctx context.Context) error {
	c.mu.Lock()
	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	core := newHTTPCore("wazuh-auth", c.cfg.ManagerURL, c.cfg.InsecureTLS)
	core.authorize = func(req *http.Request) {
		req.SetBasicAuth(c.cfg.User, c.cfg.Password)
	}
	var resp struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := core.doJSON(ctx, http.MethodPost, "/security/user/authenticate", nil, &resp); err != nil {
		return fmt.Errorf("wazuh authentication: %w", err)
	}

	c.mu.Lock()
	c.token = resp.Data.Token
	c.tokenExpiry = time.Now().Add(14 * time.Minute)
	c.mu.Unlock()
	return nil
}

type indexerHit struct {
	ID     string `json:"_id"`
	Source struct {
		Timestamp time.Time `json:"timestamp"`
		Rule      struct {
			ID          string   `json:"id"`
			Description string   `json:"description"`
			Level       int      `json:"level"`
			Groups      []string `json:"groups"`
		} `json:"rule"`
		Agent struct {
			ID   string `json:"id"`
			Name string `json:"name"`
			IP   string `json:"ip"`
		} `json:"agent"`
		FullLog string `json:"full_log"`
	} `json:"_source"`
}

// FetchAlerts queries the indexer for alerts within the configured window
// and normalizes them, extracting observables from each alert's log line.
func (c *WazuhClient) FetchAlerts(ctx context.Context) ([]models.Alert, error) {
	query := map[string]any{
		"size": 500,
		"sort": []map[string]any{{"timestamp": map[string]string{"order": "desc"}}},
		"query": map[string]any{
			"range": map[string]any{
				"timestamp": map[string]string{
					"gte": time.Now().UTC().Add(-c.cfg.AlertWindow).Format(time.RFC3339),
				},
			},
		},
	}
	var resp struct {
		Hits struct {
			Hits []indexerHit `json:"hits"`
		} `json:"hits"`
	}
	if err := c.indexer.doJSON(ctx, http.MethodPost, "/wazuh-alerts-*/_search", query, &resp); err != nil {
		return nil, fmt.Errorf("wazuh alert search: %w", err)
	}

	alerts := make([]models.Alert, 0, len(resp.Hits.Hits))
	for _, hit := range resp.Hits.Hits {
		a := models.Alert{
			ID:              hit.ID,
			Timestamp:       hit.Source.Timestamp,
			RuleID:          hit.Source.Rule.ID,
			RuleDescription: hit.Source.Rule.Description,
			RuleLevel:       hit.Source.Rule.Level,
			Severity:        models.SeverityFromWazuhLevel(hit.Source.Rule.Level),
			Source: models.AlertSource{
				AgentID:   hit.Source.Agent.ID,
				AgentName: hit.Source.Agent.Name,
				AgentIP:   hit.Source.Agent.IP,
			},
			RawText: hit.Source.FullLog,
		}
		a.ExtractObservables()
		alerts = append(alerts, a)
	}
	return alerts, nil
}

// AgentInfo returns the manager's record for one agent.
func (c *WazuhClient) AgentInfo(ctx context.Context, agentID string) (map[string]any, error) {
	if err := c.Authenticate(ctx); err != nil {
		return nil, err
	}
	var resp struct {
		Data struct {
			AffectedItems []map[string]any `json:"affected_items"`
		} `json:"data"`
	}
	path := "/agents?agents_list=" + url.QueryEscape(NormalizeAgentID(agentID))
	if err := c.manager.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("wazuh agent info: %w", err)
	}
	if len(resp.Data.AffectedItems) == 0 {
		return nil, fmt.Errorf("agent %s not found", agentID)
	}
	return resp.Data.AffectedItems[0], nil
}

// AgentVulnerabilities lists known CVEs on an agent.
func (c *WazuhClient) AgentVulnerabilities(ctx context.Context, agentID string) ([]map[string]any, error) {
	if err := c.Authenticate(ctx); err != nil {
		return nil, err
	}
	var resp struct {
		Data struct {
			AffectedItems []map[string]any `json:"affected_items"`
		} `json:"data"`
	}
	path := "/vulnerability/" + url.PathEscape(NormalizeAgentID(agentID))
	if err := c.manager.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("wazuh vulnerabilities: %w", err)
	}
	return resp.Data.AffectedItems, nil
}

// AgentProcesses lists running processes from the agent's syscollector.
func (c *WazuhClient) AgentProcesses(ctx context.Context, agentID string) ([]map[string]any, error) {
	return c.syscollector(ctx, agentID, "processes")
}

// AgentPorts lists open ports from the agent's syscollector.
func (c *WazuhClient) AgentPorts(ctx context.Context, agentID string) ([]map[string]any, error) {
	return c.syscollector(ctx, agentID, "ports")
}

func (c *WazuhClient) syscollector(ctx context.Context, agentID, section string) ([]map[string]any, error) {
	if err := c.Authenticate(ctx); err != nil {
		return nil, err
	}
	var resp struct {
		Data struct {
			AffectedItems []map[string]any `json:"affected_items"`
		} `json:"data"`
	}
	path := fmt.Sprintf("/syscollector/%s/%s", url.PathEscape(NormalizeAgentID(agentID)), section)
	if err := c.manager.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("wazuh syscollector %s: %w", section, err)
	}
	return resp.Data.AffectedItems, nil
}

var agentIDRe = regexp.MustCompile(`ID:\s*(\d+)`)

// NormalizeAgentID extracts a numeric agent id from free-form text and
// zero-pads it to the three digits the manager API expects.
func NormalizeAgentID(raw string) string {
	s := strings.TrimSpace(raw)
	if m := agentIDRe.FindStringSubmatch(s); m != nil {
		s = m[1]
	}
	if n, err := strconv.Atoi(s); err == nil {
		return fmt.Sprintf("%03d", n)
	}
	return s
}

var alertFieldRes = map[string]*regexp.Regexp{
	"id":          regexp.MustCompile(`Alert ID:\s*(\S+)`),
	"time":        regexp.MustCompile(`Time:\s*(.+)`),
	"agent":       regexp.MustCompile(`Agent:\s*(.+)`),
	"level":       regexp.MustCompile(`Level:\s*(\d+)`),
	"description": regexp.MustCompile(`Description:\s*(.+)`),
}

// ParseAlertBlocks recovers structured alerts from the formatted text some
// query tools return, one block per alert separated by blank lines.
func ParseAlertBlocks(text string) []models.Alert {
	var alerts []models.Alert
	for _, block := range strings.Split(text, "\n\n") {
		if !strings.Contains(block, "Alert ID:") {
			continue
		}
		a := models.Alert{}
		if m := alertFieldRes["id"].FindStringSubmatch(block); m != nil {
			a.ID = m[1]
		}
		if m := alertFieldRes["time"].FindStringSubmatch(block); m != nil {
			if ts, err := time.Parse(time.RFC3339, strings.TrimSpace(m[1])); err == nil {
				a.Timestamp = ts
			}
		}
		if m := alertFieldRes["agent"].FindStringSubmatch(block); m != nil {
			a.Source.AgentName = strings.TrimSpace(m[1])
			if id := agentIDRe.FindStringSubmatch(m[1]); id != nil {
				a.Source.AgentID = NormalizeAgentID(id[1])
			}
		}
		if m := alertFieldRes["level"].FindStringSubmatch(block); m != nil {
			a.RuleLevel, _ = strconv.Atoi(m[1])
			a.Severity = models.SeverityFromWazuhLevel(a.RuleLevel)
		}
		if m := alertFieldRes["description"].FindStringSubmatch(block); m != nil {
			a.RuleDescription = strings.TrimSpace(m[1])
		}
		if a.ID != "" {
			a.RawText = block
			alerts = append(alerts, a)
		}
	}
	return alerts
}
