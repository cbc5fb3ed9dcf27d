package models

import (
	"net"
	"regexp"
	"strings"
)

// Observable is a security-relevant indicator extracted from an alert.
// Identity is the (Value, Type) pair; Source and Context are informational.
type Observable struct {
	Value   string         `json:"value"`
	Type    ObservableType `json:"type"`
	Source  string         `json:"source,omitempty"`
	Context string         `json:"context,omitempty"`
	Tags    []string       `json:"tags,omitempty"`
}

// Key returns the composite identity used for deduplication.
func (o Observable) Key() string {
	return string(o.Type) + ":" + o.Value
}

var (
	md5Re    = regexp.MustCompile(`^[a-fA-F0-9]{32}$`)
	sha1Re   = regexp.MustCompile(`^[a-fA-F0-9]{40}$`)
	sha256Re = regexp.MustCompile(`^[a-fA-F0-9]{64}$`)
	emailRe  = regexp.MustCompile(`^[\w.+-]+@[\w-]+\.[\w.-]+$`)
	domainRe = regexp.MustCompile(`^([a-zA-Z0-9-]+\.)+[a-zA-Z]{2,}$`)
)

// DetectObservableType classifies a raw value. Detection order matters:
// IPs and hashes before URLs, emails before domains.
func DetectObservableType(value string) ObservableType {
	v := strings.TrimSpace(value)
	switch {
	case net.ParseIP(v) != nil:
		return ObservableIP
	case md5Re.MatchString(v):
		return ObservableHashMD5
	case sha1Re.MatchString(v):
		return ObservableHashSHA1
	case sha256Re.MatchString(v):
		return ObservableHashSHA256
	case strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://"):
		return ObservableURL
	case emailRe.MatchString(v):
		return ObservableEmail
	case domainRe.MatchString(v):
		return ObservableDomain
	default:
		return ObservableUnknown
	}
}

// EnrichmentResult records one analyzer's judgement of one observable.
type EnrichmentResult struct {
	Observable     Observable        `json:"observable"`
	Analyzer       string            `json:"analyzer"`
	Verdict        EnrichmentVerdict `json:"verdict"`
	Confidence     float64           `json:"confidence"`
	Details        map[string]any    `json:"details,omitempty"`
	Error          string            `json:"error,omitempty"`
	ResponseTimeMS int64             `json:"response_time_ms,omitempty"`
}

// IsMalicious reports whether the analyzer judged the observable malicious.
func (e EnrichmentResult) IsMalicious() bool {
	return e.Verdict == VerdictMalicious
}

// IsSuspicious reports whether the analyzer judged the observable suspicious.
func (e EnrichmentResult) IsSuspicious() bool {
	return e.Verdict == VerdictSuspicious
}

// Finding is a derived analytic conclusion attached to an investigation.
type Finding struct {
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
	Source      string   `json:"source,omitempty"`
	Evidence    []string `json:"evidence,omitempty"`
}
