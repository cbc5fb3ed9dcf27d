package polling

import (
	"sort"
	"strings"
	"time"

	"github.com/gbrigandi/soctalk/pkg/models"
)

// Group is a set of alerts judged to belong to one investigation.
type Group struct {
	Key    string
	Alerts []models.Alert
}

// MaxSeverity returns the highest severity in the group.
func (g Group) MaxSeverity() models.Severity {
	max := models.SeverityLow
	for _, a := range g.Alerts {
		max = models.MaxSeverity(max, a.Severity)
	}
	return max
}

// ruleGroupPatterns maps rule-description substrings to a correlation
// bucket. Order matters: first match wins.
var ruleGroupPatterns = []struct {
	substring string
	group     string
}{
	{"sysmon", "sysmon"},
	{"authentication", "auth"},
	{"brute", "bruteforce"},
	{"malware", "malware"},
	{"rootkit", "rootkit"},
	{"web", "web_attack"},
	{"sql", "sql_injection"},
	{"file integrity", "fim"},
	{"vulnerability", "vuln"},
}

// Correlator groups alerts that share an agent, indicator, or rule family
// within a time window.
type Correlator struct {
	window time.Duration
}

// NewCorrelator returns a correlator with the given time window.
func NewCorrelator(window time.Duration) *Correlator {
	return &Correlator{window: window}
}

// correlationKey picks the strongest available grouping dimension, in
// order: source agent, an IP observable, a file hash, a domain, then the
// rule family. Alerts with none of these get a standalone bucket.
func correlationKey(a models.Alert) string {
	if a.Source.AgentID != "" {
		return "agent:" + a.Source.AgentID
	}
	for _, o := range a.Observables {
		if o.Type == models.ObservableIP {
			return "ip:" + o.Value
		}
	}
	for _, o := range a.Observables {
		switch o.Type {
		case models.ObservableHashMD5, models.ObservableHashSHA1, models.ObservableHashSHA256:
			return "hash:" + o.Value
		}
	}
	for _, o := range a.Observables {
		if o.Type == models.ObservableDomain || o.Type == models.ObservableFQDN {
			return "domain:" + o.Value
		}
	}
	desc := strings.ToLower(a.RuleDescription)
	for _, p := range ruleGroupPatterns {
		if strings.Contains(desc, p.substring) {
			return "rulegroup:" + p.group
		}
	}
	return "alert:" + a.ID
}

// Correlate buckets alerts by correlation key. Within a bucket, alerts
// older than the window behind the newest alert are dropped; they belong
// to an earlier incident that already had its chance.
func (c *Correlator) Correlate(alerts []models.Alert) []Group {
	buckets := make(map[string][]models.Alert)
	var order []string
	for _, a := range alerts {
		key := correlationKey(a)
		if _, ok := buckets[key]; !ok {
			order = append(order, key)
		}
		buckets[key] = append(buckets[key], a)
	}

	var groups []Group
	for _, key := range order {
		bucket := buckets[key]

		var newest time.Time
		for _, a := range bucket {
			if a.Timestamp.After(newest) {
				newest = a.Timestamp
			}
		}
		cutoff := newest.Add(-c.window)

		var kept []models.Alert
		for _, a := range bucket {
			if !a.Timestamp.Before(cutoff) {
				kept = append(kept, a)
			}
		}
		if len(kept) == 0 {
			continue
		}
		sort.SliceStable(kept, func(i, j int) bool {
			return kept[i].Timestamp.Before(kept[j].Timestamp)
		})
		groups = append(groups, Group{Key: key, Alerts: kept})
	}
	return groups
}
