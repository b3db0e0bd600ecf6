package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// PIIType labels a category of personally identifiable information.
type PIIType string

const (
	PIIEmail     PIIType = "email"
	PIIPhone     PIIType = "phone"
	PIIPostcode  PIIType = "postcode"
	PIIURL       PIIType = "url"
	PIIStudentID PIIType = "student_id"
)

// PIIMatch records one detected instance.
type PIIMatch struct {
	Type PIIType
	Line int
	Text string
}

// pattern couples a PII category with its regex and redaction placeholder.
// Order matters: URLs are redacted before emails so a mailto-style address
// inside a URL is not double-matched.
type pattern struct {
	typ         PIIType
	re          *regexp.Regexp
	replacement string
}

// Anonymizer hashes student identity and strips PII from free text before
// anything leaves for the sandbox. It is also the last gate on the way back:
// generated feedback is re-scanned so a leak in either direction fails the
// job instead of shipping.
type Anonymizer struct {
	salt     string
	patterns []pattern
}

// NewAnonymizer builds an anonymizer with the standard detection patterns.
// The salt, when non-empty, is mixed into identity hashes so the mapping
// cannot be rebuilt from public student ids alone.
func NewAnonymizer(salt string) *Anonymizer {
	return &Anonymizer{
		salt: salt,
		patterns: []pattern{
			{PIIURL, regexp.MustCompile(`https?://[^\s]+`), "[URL_REDACTED]"},
			{PIIEmail, regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), "[EMAIL_REDACTED]"},
			{PIIPhone, regexp.MustCompile(`\b(?:\+44\s?|0)(?:\d\s?){9,10}\b`), "[PHONE_REDACTED]"},
			{PIIPostcode, regexp.MustCompile(`\b[A-Z]{1,2}\d{1,2}\s?\d[A-Z]{2}\b`), "[POSTCODE_REDACTED]"},
			{PIIStudentID, regexp.MustCompile(`\b[A-Z]\d{7}\b`), "[STUDENT_ID_REDACTED]"},
		},
	}
}

// AnonymizeStudentID returns a one-way hex digest of the student id. The
// hash is deterministic for a given salt so repeat submissions from the same
// student correlate without exposing who they are.
func (a *Anonymizer) AnonymizeStudentID(studentID string) (string, error) {
	trimmed := strings.TrimSpace(studentID)
	if trimmed == "" {
		return "", ErrEmptyStudentID
	}
	sum := sha256.Sum256([]byte(a.salt + trimmed))
	return hex.EncodeToString(sum[:]), nil
}

// DetectPII scans text and reports every match with its line number.
func (a *Anonymizer) DetectPII(content string) []PIIMatch {
	var matches []PIIMatch
	for lineNum, line := range strings.Split(content, "\n") {
		for _, p := range a.patterns {
			for _, text := range p.re.FindAllString(line, -1) {
				matches = append(matches, PIIMatch{Type: p.typ, Line: lineNum + 1, Text: text})
			}
		}
	}
	return matches
}

// Sanitize replaces every detected PII instance with its placeholder.
func (a *Anonymizer) Sanitize(content string) string {
	sanitized := content
	for _, p := range a.patterns {
		sanitized = p.re.ReplaceAllString(sanitized, p.replacement)
	}
	return sanitized
}

// ValidateOutput rejects text that still carries PII. Called on sandbox
// output before feedback is surfaced, and on error details before they are
// recorded, so the privacy contract holds on failure paths too.
func (a *Anonymizer) ValidateOutput(output string) error {
	matches := a.DetectPII(output)
	if len(matches) > 0 {
		types := map[PIIType]struct{}{}
		for _, m := range matches {
			types[m.Type] = struct{}{}
		}
		// Deliberately counts only; echoing the matched text would leak the
		// very thing we are rejecting.
		return fmt.Errorf("engine: output carries %d pii instance(s) across %d type(s)", len(matches), len(types))
	}
	return nil
}
