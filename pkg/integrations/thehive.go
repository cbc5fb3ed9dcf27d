package integrations

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"

	"github.com/gbrigandi/soctalk/pkg/models"
)

// TheHiveConfig carries the incident-response platform endpoint.
type TheHiveConfig struct {
	URL         string
	APIKey      string
	InsecureTLS bool
}

// TheHiveClient creates cases and observables in TheHive.
type TheHiveClient struct {
	core *httpCore
}

// NewTheHiveClient returns a client for the given TheHive instance.
func NewTheHiveClient(cfg TheHiveConfig) *TheHiveClient {
	core := newHTTPCore("thehive", cfg.URL, cfg.InsecureTLS)
	core.authorize = func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	return &TheHiveClient{core: core}
}

// CreateCase opens a new case and returns its id.
func (c *TheHiveClient) CreateCase(ctx context.Context, tc models.TheHiveCase) (string, error) {
	var resp json.RawMessage
	if err := c.core.doJSON(ctx, http.MethodPost, "/api/v1/case", tc, &resp); err != nil {
		return "", fmt.Errorf("thehive case creation: %w", err)
	}
	caseID := ExtractCaseID(string(resp))
	if caseID == "" {
		return "", fmt.Errorf("thehive response carried no case id: %s", truncate(string(resp), 200))
	}
	return caseID, nil
}

// theHiveDataType maps our observable types onto TheHive data types.
func theHiveDataType(t models.ObservableType) string {
	switch t {
	case models.ObservableIP:
		return "ip"
	case models.ObservableDomain:
		return "domain"
	case models.ObservableFQDN:
		return "fqdn"
	case models.ObservableURL:
		return "url"
	case models.ObservableHashMD5, models.ObservableHashSHA1, models.ObservableHashSHA256:
		return "hash"
	case models.ObservableEmail:
		return "mail"
	case models.ObservableFilename:
		return "filename"
	case models.ObservableRegistryKey:
		return "registry"
	default:
		return "other"
	}
}

// AddObservable attaches one observable to an existing case. Malicious
// judgements set the IOC flag so TheHive treats the value as an indicator.
func (c *TheHiveClient) AddObservable(ctx context.Context, caseID string, o models.Observable, malicious bool) error {
	body := map[string]any{
		"dataType": theHiveDataType(o.Type),
		"data":     o.Value,
		"message":  o.Context,
		"ioc":      malicious,
		"tlp":      2,
	}
	path := "/api/v1/case/" + caseID + "/observable"
	if err := c.core.doJSON(ctx, http.MethodPost, path, body, nil); err != nil {
		return fmt.Errorf("thehive observable %s: %w", o.Key(), err)
	}
	return nil
}

var caseIDRes = []*regexp.Regexp{
	regexp.MustCompile(`"_id"\s*:\s*"([^"]+)"`),
	regexp.MustCompile(`"id"\s*:\s*"([^"]+)"`),
	regexp.MustCompile(`case\s*#?\s*(~?\w+)`),
}

// ExtractCaseID pulls a case id out of a creation response, preferring the
// JSON _id field and falling back to looser patterns for text responses.
func ExtractCaseID(raw string) string {
	var obj struct {
		UnderscoreID string `json:"_id"`
		ID           string `json:"id"`
	}
	if err := json.Unmarshal([]byte(raw), &obj); err == nil {
		if obj.UnderscoreID != "" {
			return obj.UnderscoreID
		}
		if obj.ID != "" {
			return obj.ID
		}
	}
	for _, re := range caseIDRes {
		if m := re.FindStringSubmatch(raw); m != nil {
			return m[1]
		}
	}
	return ""
}
