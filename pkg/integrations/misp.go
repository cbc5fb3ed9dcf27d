package integrations

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gbrigandi/soctalk/pkg/models"
)

// maxIOCsPerCheck caps how many IOCs one contextualization pass queries.
const maxIOCsPerCheck = 10

// maxEventContexts caps how many matched events are expanded.
const maxEventContexts = 3

// MISPConfig carries the threat-intelligence platform endpoint.
type MISPConfig struct {
	URL         string
	APIKey      string
	InsecureTLS bool
}

// MISPClient queries the MISP threat-intelligence platform.
type MISPClient struct {
	core *httpCore
}

// NewMISPClient returns a client for the given MISP instance.
func NewMISPClient(cfg MISPConfig) *MISPClient {
	core := newHTTPCore("misp", cfg.URL, cfg.InsecureTLS)
	core.authorize = func(req *http.Request) {
		req.Header.Set("Authorization", cfg.APIKey)
	}
	return &MISPClient{core: core}
}

type mispAttribute struct {
	ID       string `json:"id"`
	EventID  string `json:"event_id"`
	Category string `json:"category"`
	Type     string `json:"type"`
	Value    string `json:"value"`
	ToIDS    bool   `json:"to_ids"`
	Comment  string `json:"comment"`
}

type mispEvent struct {
	ID     string `json:"id"`
	Info   string `json:"info"`
	Date   string `json:"date"`
	Galaxy []struct {
		Type          string `json:"type"`
		Name          string `json:"name"`
		GalaxyCluster []struct {
			Value string `json:"value"`
		} `json:"GalaxyCluster"`
	} `json:"Galaxy"`
	Tag []struct {
		Name string `json:"name"`
	} `json:"Tag"`
}

// SearchAttributes looks up one IOC value across MISP attributes.
func (c *MISPClient) SearchAttributes(ctx context.Context, value string) ([]mispAttribute, error) {
	var resp struct {
		Response struct {
			Attribute []mispAttribute `json:"Attribute"`
		} `json:"response"`
	}
	body := map[string]any{
		"value":        value,
		"limit":        20,
		"returnFormat": "json",
	}
	if err := c.core.doJSON(ctx, http.MethodPost, "/attributes/restSearch", body, &resp); err != nil {
		return nil, fmt.Errorf("misp attribute search: %w", err)
	}
	return resp.Response.Attribute, nil
}

// GetEvent fetches one event with its galaxies and tags.
func (c *MISPClient) GetEvent(ctx context.Context, eventID string) (*mispEvent, error) {
	var resp struct {
		Event mispEvent `json:"Event"`
	}
	if err := c.core.doJSON(ctx, http.MethodGet, "/events/view/"+eventID, nil, &resp); err != nil {
		return nil, fmt.Errorf("misp event %s: %w", eventID, err)
	}
	return &resp.Event, nil
}

// CheckWarninglists reports which of the given values sit on a warninglist
// (known-benign infrastructure such as public DNS resolvers or CDN ranges).
func (c *MISPClient) CheckWarninglists(ctx context.Context, values []string) ([]string, error) {
	var resp map[string]struct {
		Value []struct {
			Name string `json:"name"`
		} `json:"value"`
	}
	if err := c.core.doJSON(ctx, http.MethodPost, "/warninglists/checkValue", values, &resp); err != nil {
		return nil, fmt.Errorf("misp warninglist check: %w", err)
	}
	var hits []string
	for value, entry := range resp {
		if len(entry.Value) > 0 {
			hits = append(hits, value)
		}
	}
	return hits, nil
}

// CheckIOCs runs up to maxIOCsPerCheck observables through attribute search,
// warninglists, and event expansion, returning the aggregated context and
// the findings it implies.
func (c *MISPClient) CheckIOCs(ctx context.Context, observables []models.Observable) (*models.MISPContext, []models.Finding, error) {
	if len(observables) > maxIOCsPerCheck {
		observables = observables[:maxIOCsPerCheck]
	}

	mc := &models.MISPContext{LastChecked: time.Now().UTC()}
	var findings []models.Finding
	eventIDs := make(map[string]bool)
	values := make([]string, 0, len(observables))

	for _, o := range observables {
		values = append(values, o.Value)
		mc.CheckedIOCs = append(mc.CheckedIOCs, o.Value)

		attrs, err := c.SearchAttributes(ctx, o.Value)
		if err != nil {
			return mc, findings, err
		}
		for _, attr := range attrs {
			mc.Matches = append(mc.Matches, map[string]any{
				"value":    attr.Value,
				"type":     attr.Type,
				"category": attr.Category,
				"event_id": attr.EventID,
				"to_ids":   attr.ToIDS,
			})
			eventIDs[attr.EventID] = true

			severity := models.SeverityMedium
			desc := fmt.Sprintf("IOC %s matched MISP attribute in event %s", o.Value, attr.EventID)
			if attr.ToIDS {
				severity = models.SeverityHigh
				desc = fmt.Sprintf("IOC %s is an active detection indicator (to_ids) in event %s", o.Value, attr.EventID)
			}
			findings = append(findings, models.Finding{
				Severity:    severity,
				Description: desc,
				Source:      "misp",
				Evidence:    []string{attr.Value},
			})
		}
	}

	if hits, err := c.CheckWarninglists(ctx, values); err == nil {
		mc.WarninglistHits = hits
		for _, hit := range hits {
			findings = append(findings, models.Finding{
				Severity:    models.SeverityLow,
				Description: fmt.Sprintf("IOC %s is on a MISP warninglist and likely benign infrastructure", hit),
				Source:      "misp",
			})
		}
	}

	expanded := 0
	for eventID := range eventIDs {
		if expanded >= maxEventContexts {
			break
		}
		ev, err := c.GetEvent(ctx, eventID)
		if err != nil {
			continue
		}
		expanded++
		mc.Events = append(mc.Events, map[string]any{
			"id":   ev.ID,
			"info": ev.Info,
			"date": ev.Date,
		})

		actors, campaigns := extractAttributions(ev)
		for _, actor := range actors {
			mc.ThreatActors = appendUnique(mc.ThreatActors, actor)
			findings = append(findings, models.Finding{
				Severity:    models.SeverityHigh,
				Description: fmt.Sprintf("Activity attributed to threat actor %s (MISP event %s)", actor, ev.ID),
				Source:      "misp",
			})
		}
		for _, campaign := range campaigns {
			mc.Campaigns = appendUnique(mc.Campaigns, campaign)
			findings = append(findings, models.Finding{
				Severity:    models.SeverityHigh,
				Description: fmt.Sprintf("Activity linked to campaign %s (MISP event %s)", campaign, ev.ID),
				Source:      "misp",
			})
		}
	}

	return mc, findings, nil
}

// extractAttributions pulls threat actor and campaign names out of an
// event's galaxies and tags.
func extractAttributions(ev *mispEvent) (actors, campaigns []string) {
	for _, g := range ev.Galaxy {
		for _, cluster := range g.GalaxyCluster {
			switch g.Type {
			case "threat-actor", "intrusion-set":
				actors = append(actors, cluster.Value)
			case "campaign":
				campaigns = append(campaigns, cluster.Value)
			}
		}
	}
	for _, tag := range ev.Tag {
		name := tag.Name
		switch {
		case strings.HasPrefix(name, `misp-galaxy:threat-actor="`):
			actors = append(actors, strings.TrimSuffix(strings.TrimPrefix(name, `misp-galaxy:threat-actor="`), `"`))
		case strings.HasPrefix(name, `misp-galaxy:campaign="`):
			campaigns = append(campaigns, strings.TrimSuffix(strings.TrimPrefix(name, `misp-galaxy:campaign="`), `"`))
		}
	}
	return actors, campaigns
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
