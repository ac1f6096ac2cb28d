package selfheal

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Signature is the normalized, secret-scrubbed fingerprint of a failure,
// used to detect consecutive identical failures of the same step.
type Signature struct {
	Value       string `json:"value"`
	Fingerprint string `json:"fingerprint"`
}

func newSignature(value string) Signature {
	normalized := collapseWhitespace(strings.ToLower(strings.TrimSpace(value)))
	sum := sha256.Sum256([]byte(normalized))
	return Signature{Value: normalized, Fingerprint: hex.EncodeToString(sum[:])}
}

func (s Signature) Matches(other *Signature) bool {
	return other != nil && s.Fingerprint == other.Fingerprint
}

func (s Signature) IsZero() bool { return s.Fingerprint == "" }

// SignatureInput carries the failure facts a signature is derived from.
// ExitCode below zero means the runtime never reported one.
type SignatureInput struct {
	StepID   string
	SkillID  string
	ExitCode int
	Hint     string
	Message  string
}

// BuildSignature formats, scrubs and lowercases the failure facts into a
// stable signature. Returns nil when there is nothing to fingerprint.
func BuildSignature(in SignatureInput, redactor *Redactor) *Signature {
	parts := make([]string, 0, 5)
	if in.StepID != "" {
		parts = append(parts, "step:"+in.StepID)
	}
	if in.SkillID != "" {
		parts = append(parts, "skill:"+in.SkillID)
	}
	if in.ExitCode >= 0 {
		parts = append(parts, fmt.Sprintf("exit:%d", in.ExitCode))
	}
	if in.Hint != "" {
		parts = append(parts, "hint:"+in.Hint)
	}
	if in.Message != "" {
		parts = append(parts, in.Message)
	}
	if len(parts) == 0 {
		return nil
	}
	payload := collapseWhitespace(strings.Join(parts, " | "))
	if redactor != nil {
		payload = redactor.Scrub(payload)
	}
	sig := newSignature(payload)
	return &sig
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
