// Package injection scans untrusted text for prompt-injection patterns.
//
// The scanner is deliberately blunt: it runs a fixed set of case-insensitive
// regexes plus an invisible-Unicode sweep over the raw string and reports the
// first category that matches. It is applied to cron job prompts before an
// agent run is spawned and to memory-file writes; it is never applied to
// attachments or files the text merely references.
package injection

import (
	"fmt"
	"regexp"
	"strings"
)

// Finding describes one matched injection pattern.
type Finding struct {
	// Pattern is a stable key identifying the matched category.
	Pattern string
	// Detail is a short human-readable explanation.
	Detail string
}

type rule struct {
	key    string
	detail string
	re     *regexp.Regexp
}

var rules = []rule{
	{
		key:    "override_instructions",
		detail: "attempts to override prior instructions",
		re:     regexp.MustCompile(`(?i)\bignore\s+(?:(?:previous|all|above|prior|your|any|the)\s+){1,3}instructions\b`),
	},
	{
		key:    "hide_from_user",
		detail: "instructs the agent to conceal activity from the user",
		re:     regexp.MustCompile(`(?i)\bdo\s+not\s+tell\s+the\s+user\b`),
	},
	{
		key:    "system_prompt_override",
		detail: "claims a system prompt override",
		re:     regexp.MustCompile(`(?i)\bsystem\s+prompt\s+override\b`),
	},
	{
		key:    "disregard_rules",
		detail: "instructs the agent to disregard its rules",
		re:     regexp.MustCompile(`(?i)\bdisregard\s+(?:your|all|any)\s+(?:instructions|rules|guidelines)\b`),
	},
	{
		key:    "env_exfiltration",
		detail: "references secret-bearing environment variables",
		re:     regexp.MustCompile(`(?:\$\{?|\bprintenv\s+|\bgetenv\(\s*"?)[A-Z0-9_]*(?:KEY|TOKEN|SECRET|PASSWORD|CREDENTIAL|API)\b[A-Z0-9_]*`),
	},
	{
		key:    "dotfile_read",
		detail: "reads credential dotfiles",
		re:     regexp.MustCompile(`(?i)\bcat\s+(?:\S*/)?\.(?:env|netrc|pgpass)\b`),
	},
	{
		key:    "authorized_keys_write",
		detail: "writes to an SSH authorized_keys file",
		re:     regexp.MustCompile(`(?i)(?:>>?\s*\S*authorized_keys\b|\btee\b[^\n]*authorized_keys\b)`),
	},
	{
		key:    "sudoers_modification",
		detail: "touches /etc/sudoers",
		re:     regexp.MustCompile(`/etc/sudoers`),
	},
	{
		key:    "destructive_root_rm",
		detail: "recursive delete of the filesystem root",
		re:     regexp.MustCompile(`(?i)\brm\s+-(?:[a-z]*r[a-z]*f|[a-z]*f[a-z]*r)[a-z]*\s+/(?:\s|$|")`),
	},
}

// Invisible code points used to smuggle instructions past human review.
// Escaped literals only: a raw U+FEFF is a BOM and must not appear
// mid-file in Go source.
var invisibleRunes = map[rune]string{
	'\u200B': "U+200B zero width space",
	'\u200C': "U+200C zero width non-joiner",
	'\u200D': "U+200D zero width joiner",
	'\u2060': "U+2060 word joiner",
	'\uFEFF': "U+FEFF byte order mark",
	'\u202A': "U+202A LRE",
	'\u202B': "U+202B RLE",
	'\u202C': "U+202C PDF",
	'\u202D': "U+202D LRO",
	'\u202E': "U+202E RLO",
}

// Scan returns every pattern category the text matches, rule order first,
// invisible Unicode last. An empty slice means the text is clean.
func Scan(text string) []Finding {
	var findings []Finding
	for _, r := range rules {
		if r.re.MatchString(text) {
			findings = append(findings, Finding{Pattern: r.key, Detail: r.detail})
		}
	}
	if name, ok := firstInvisible(text); ok {
		findings = append(findings, Finding{
			Pattern: "invisible_unicode",
			Detail:  fmt.Sprintf("contains invisible character %s", name),
		})
	}
	return findings
}

// Blocked reports whether the text trips the scanner, with the reason for
// the first match. The empty string is never blocked.
func Blocked(text string) (bool, string) {
	if strings.TrimSpace(text) == "" {
		return false, ""
	}
	findings := Scan(text)
	if len(findings) == 0 {
		return false, ""
	}
	f := findings[0]
	return true, fmt.Sprintf("%s: %s", f.Pattern, f.Detail)
}

func firstInvisible(text string) (string, bool) {
	for _, r := range text {
		if name, ok := invisibleRunes[r]; ok {
			return name, true
		}
	}
	return "", false
}
