package selfheal

import (
	"os"
	"sort"
	"strings"
)

var sensitiveKeyMarkers = []string{"token", "secret", "password", "key", "credential", "auth"}

func isSensitiveKey(key string) bool {
	lowered := strings.ToLower(key)
	for _, marker := range sensitiveKeyMarkers {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}

// Redactor scrubs known secret values out of text before it is persisted or
// transmitted. It replaces exact values rather than pattern matching, so it
// stays cheap enough to run on every failure message.
type Redactor struct {
	secrets     []string
	placeholder string
}

func NewRedactor(secrets []string) *Redactor {
	seen := make(map[string]struct{}, len(secrets))
	kept := make([]string, 0, len(secrets))
	for _, v := range secrets {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		kept = append(kept, v)
	}
	// Longest first so partial overlaps scrub the full value.
	sort.Slice(kept, func(i, j int) bool { return len(kept[i]) > len(kept[j]) })
	return &Redactor{secrets: kept, placeholder: "***"}
}

// RedactorFromEnviron collects the values of every environment variable
// whose name looks credential-bearing.
func RedactorFromEnviron(extraSecrets ...string) *Redactor {
	secrets := make([]string, 0, 8)
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" {
			continue
		}
		if isSensitiveKey(key) {
			secrets = append(secrets, value)
		}
	}
	secrets = append(secrets, extraSecrets...)
	return NewRedactor(secrets)
}

func (r *Redactor) Scrub(text string) string {
	if text == "" {
		return ""
	}
	scrubbed := text
	for _, secret := range r.secrets {
		scrubbed = strings.ReplaceAll(scrubbed, secret, r.placeholder)
	}
	return scrubbed
}

func (r *Redactor) ScrubAll(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = r.Scrub(v)
	}
	return out
}
