// Package masking redacts credential material from alert log lines before
// they are quoted into language-model prompts or chat messages. Indicator
// values (IPs, hashes, domains) are left intact; they are the evidence.
package masking

import "regexp"

type pattern struct {
	name        string
	regex       *regexp.Regexp
	replacement string
}

// builtinPatterns covers the credential shapes that show up in raw SIEM
// log lines. Hex hashes are deliberately not matched: a hash is an
// observable, not a secret.
var builtinPatterns = []pattern{
	{
		name:        "password",
		regex:       regexp.MustCompile(`(?i)(?:password|passwd|pwd|pass)["']?\s*[:=]\s*["']?([^"'\s\n]{6,})["']?`),
		replacement: `password=__MASKED_PASSWORD__`,
	},
	{
		name:        "api_key",
		regex:       regexp.MustCompile(`(?i)(?:api[_-]?key|apikey)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-]{16,})["']?`),
		replacement: `api_key=__MASKED_API_KEY__`,
	},
	{
		name:        "token",
		regex:       regexp.MustCompile(`(?i)(?:token|bearer|jwt)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-.]{16,})["']?`),
		replacement: `token=__MASKED_TOKEN__`,
	},
	{
		name:        "url_credentials",
		regex:       regexp.MustCompile(`(\w+://)[^/\s:@]+:[^/\s:@]+@`),
		replacement: `${1}__MASKED_CREDENTIALS__@`,
	},
	{
		name:        "pem_block",
		regex:       regexp.MustCompile(`(?s)-----BEGIN [A-Z ]+-----.*?-----END [A-Z ]+-----`),
		replacement: `__MASKED_PEM_BLOCK__`,
	},
	{
		name:        "ssh_key",
		regex:       regexp.MustCompile(`ssh-(?:rsa|dss|ed25519|ecdsa)\s+[A-Za-z0-9+/=]+`),
		replacement: `__MASKED_SSH_KEY__`,
	},
}

// Redact replaces credential material in text with mask markers.
func Redact(text string) string {
	for _, p := range builtinPatterns {
		text = p.regex.ReplaceAllString(text, p.replacement)
	}
	return text
}
