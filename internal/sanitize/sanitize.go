// Package sanitize scrubs credential-shaped values from text before it is
// persisted or broadcast. Agents are expected to scrub their own output; this
// re-scrub on ingest is the control plane's second line.
package sanitize

import (
	"encoding/json"
	"regexp"
)

const redacted = "***REDACTED***"

type pattern struct {
	name string
	re   *regexp.Regexp
	repl string
}

// Patterns are matched in order; assignment-shaped patterns preserve the key
// and replace only the value.
var patterns = []pattern{
	{
		name: "anthropic_key",
		re:   regexp.MustCompile(`\bsk-ant-[A-Za-z0-9_\-]{20,}`),
		repl: redacted,
	},
	{
		name: "openai_key",
		re:   regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{20,}`),
		repl: redacted,
	},
	{
		name: "github_token",
		re:   regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,255}\b`),
		repl: redacted,
	},
	{
		name: "slack_token",
		re:   regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9\-]{10,72}\b`),
		repl: redacted,
	},
	{
		name: "aws_access_key",
		re:   regexp.MustCompile(`\bAKIA[A-Z0-9]{16}\b`),
		repl: redacted,
	},
	{
		name: "google_api_key",
		re:   regexp.MustCompile(`\bAIza[A-Za-z0-9_\-]{35}\b`),
		repl: redacted,
	},
	{
		name: "bearer_token",
		re:   regexp.MustCompile(`(?i)\b(bearer)\s+[A-Za-z0-9_\-\.=]{20,}`),
		repl: "$1 " + redacted,
	},
	{
		name: "key_assignment",
		re:   regexp.MustCompile(`(?i)\b([A-Z0-9_]*(?:API_KEY|ACCESS_KEY|SECRET_KEY|AUTH_TOKEN|ACCESS_TOKEN|CLIENT_SECRET|PASSWORD|CREDENTIALS?))(["']?\s*[:=]\s*["']?)[^\s"',;]{8,}`),
		repl: "$1$2" + redacted,
	},
	{
		name: "private_key_block",
		re:   regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`),
		repl: redacted,
	},
	{
		name: "jwt",
		re:   regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]{10,}\.[A-Za-z0-9_\-]{10,}\.[A-Za-z0-9_\-]{10,}\b`),
		repl: redacted,
	},
}

// String replaces every credential-shaped substring of s with ***REDACTED***.
func String(s string) string {
	if s == "" {
		return s
	}
	for _, p := range patterns {
		s = p.re.ReplaceAllString(s, p.repl)
	}
	return s
}

// JSON sanitizes every string leaf of a JSON document. Invalid JSON is
// sanitized as plain text so nothing slips through on parse failure.
func JSON(raw []byte) []byte {
	if len(raw) == 0 {
		return raw
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return []byte(String(string(raw)))
	}
	out, err := json.Marshal(walk(doc))
	if err != nil {
		return []byte(String(string(raw)))
	}
	return out
}

func walk(v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return String(t)
	case map[string]interface{}:
		for k, val := range t {
			t[k] = walk(val)
		}
		return t
	case []interface{}:
		for i, val := range t {
			t[i] = walk(val)
		}
		return t
	default:
		return v
	}
}
