// Package approval detects dangerous shell commands and holds the
// pending-approval state that gates their execution.
package approval

import (
	"path"
	"regexp"
	"strings"
)

// Pattern keys are coarse categories, not literal commands. A session
// approval of one key authorizes every later command matching that key.
const (
	PatternRMRecursive      = "rm_recursive"
	PatternDestructiveRM    = "destructive_root_rm"
	PatternCurlPipeSh       = "curl_pipe_sh"
	PatternShellViaC        = "shell_via_c"
	PatternSQLDrop          = "sql_drop"
	PatternSQLDeleteNoWhere = "sql_delete_nowhere"
	PatternReverseShell     = "reverse_shell"
	PatternSudoersMod       = "sudoers_mod"
)

// descriptions shown in approval prompts.
var descriptions = map[string]string{
	PatternRMRecursive:      "recursive file deletion",
	PatternDestructiveRM:    "recursive deletion of the filesystem root",
	PatternCurlPipeSh:       "downloading a script and piping it into a shell",
	PatternShellViaC:        "long inline shell payload",
	PatternSQLDrop:          "dropping a database table",
	PatternSQLDeleteNoWhere: "SQL delete without a WHERE clause",
	PatternReverseShell:     "reverse shell or listener setup",
	PatternSudoersMod:       "modifying sudoers configuration",
}

// shellViaCThreshold is the payload length past which an inline shell
// invocation needs approval.
const shellViaCThreshold = 60

var (
	curlPipeShRe = regexp.MustCompile(`(?i)\bcurl\b[^|]*\|\s*(?:sudo\s+)?(?:ba|z|da)?sh\b`)
	shellViaCRe  = regexp.MustCompile(`(?i)\b(?:ba|z)?sh\s+(?:-[a-z]+\s+)*-c\s+(.+)$`)
	sqlDropRe    = regexp.MustCompile(`(?i)\bdrop\s+table\b`)
	sqlDeleteRe  = regexp.MustCompile(`(?i)\bdelete\s+from\b`)
	sqlWhereRe   = regexp.MustCompile(`(?i)\bwhere\b`)
	mkfifoShRe   = regexp.MustCompile(`(?i)\bmkfifo\b.*\|\s*(?:ba|z)?sh\b`)
	visudoRe     = regexp.MustCompile(`(?i)\bvisudo\b`)
	sudoersWrite = regexp.MustCompile(`(?i)(?:>>?\s*|\btee\b[^|]*\s|\bcp\b[^|]*\s|\bmv\b[^|]*\s|\bsed\b[^|]*-i[^|]*\s)/etc/sudoers`)

	suspiciousTokens = []string{
		"rm ", "curl", "wget", "base64", "eval", "mkfifo", "nc ", "chmod", "dd ", "/etc/",
	}
)

// Detect classifies a command. It runs on the exact string the sandbox
// will execute, after any sudo rewrite. The bool reports whether the
// command needs approval; key and description identify the category.
func Detect(command string) (bool, string, string) {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return false, "", ""
	}

	if key := detectRM(trimmed); key != "" {
		return true, key, descriptions[key]
	}
	if visudoRe.MatchString(trimmed) || sudoersWrite.MatchString(trimmed) {
		return true, PatternSudoersMod, descriptions[PatternSudoersMod]
	}
	if curlPipeShRe.MatchString(trimmed) {
		return true, PatternCurlPipeSh, descriptions[PatternCurlPipeSh]
	}
	if detectNCListener(trimmed) || mkfifoShRe.MatchString(trimmed) {
		return true, PatternReverseShell, descriptions[PatternReverseShell]
	}
	if sqlDropRe.MatchString(trimmed) {
		return true, PatternSQLDrop, descriptions[PatternSQLDrop]
	}
	if sqlDeleteRe.MatchString(trimmed) && !sqlWhereRe.MatchString(trimmed) {
		return true, PatternSQLDeleteNoWhere, descriptions[PatternSQLDeleteNoWhere]
	}
	if m := shellViaCRe.FindStringSubmatch(trimmed); m != nil {
		payload := strings.Trim(m[1], `'"`)
		if len(payload) > shellViaCThreshold && containsSuspicious(payload) {
			return true, PatternShellViaC, descriptions[PatternShellViaC]
		}
	}

	return false, "", ""
}

func containsSuspicious(payload string) bool {
	lower := strings.ToLower(payload)
	for _, tok := range suspiciousTokens {
		if strings.Contains(lower, tok) {
			return true
		}
	}
	return false
}

// segmentSplit breaks a command line on shell separators so each simple
// command is inspected on its own.
var segmentSplit = regexp.MustCompile(`[;|&]+`)

// detectRM looks for recursive deletes. Flags are tokens starting with a
// dash; a filename like "readme.txt" never counts as a flag, so plain
// "rm readme.txt" stays quiet.
func detectRM(command string) string {
	cleaned := strings.NewReplacer(`'`, " ", `"`, " ").Replace(command)

	recursive := false
	for _, segment := range segmentSplit.Split(cleaned, -1) {
		tokens := strings.Fields(segment)
		for i, tok := range tokens {
			if !strings.EqualFold(tok, "rm") {
				continue
			}
			hasR, hasF, rootTarget := scanRMArgs(tokens[i+1:])
			if hasR && hasF && rootTarget {
				return PatternDestructiveRM
			}
			if hasR {
				recursive = true
			}
		}
	}
	if recursive {
		return PatternRMRecursive
	}
	return ""
}

// detectNCListener flags netcat in listen mode with a port, whether the
// flags are fused ("-lvp") or separate ("-l -p 4444").
func detectNCListener(command string) bool {
	cleaned := strings.NewReplacer(`'`, " ", `"`, " ").Replace(command)
	for _, segment := range segmentSplit.Split(cleaned, -1) {
		tokens := strings.Fields(segment)
		for i, tok := range tokens {
			if !strings.EqualFold(tok, "nc") && !strings.EqualFold(tok, "ncat") && !strings.EqualFold(tok, "netcat") {
				continue
			}
			var hasL, hasP bool
			for _, a := range tokens[i+1:] {
				if !strings.HasPrefix(a, "-") || len(a) < 2 {
					continue
				}
				lower := strings.ToLower(a)
				if strings.Contains(lower, "l") {
					hasL = true
				}
				if strings.Contains(lower, "p") {
					hasP = true
				}
			}
			if hasL && hasP {
				return true
			}
		}
	}
	return false
}

func scanRMArgs(args []string) (hasR, hasF, rootTarget bool) {
	flagsDone := false
	for _, a := range args {
		switch {
		case a == "--":
			flagsDone = true
		case !flagsDone && strings.HasPrefix(a, "--"):
			switch strings.ToLower(a) {
			case "--recursive":
				hasR = true
			case "--force":
				hasF = true
			}
		case !flagsDone && strings.HasPrefix(a, "-") && len(a) > 1:
			lower := strings.ToLower(a)
			if strings.ContainsAny(lower, "r") {
				hasR = true
			}
			if strings.Contains(lower, "f") {
				hasF = true
			}
		default:
			if path.Clean(a) == "/" {
				rootTarget = true
			}
		}
	}
	return hasR, hasF, rootTarget
}

// maxPromptCommand bounds the command text shown in approval prompts.
const maxPromptCommand = 500

// PromptCommand truncates a command for display in an approval prompt.
func PromptCommand(command string) string {
	if len(command) <= maxPromptCommand {
		return command
	}
	return command[:maxPromptCommand] + "…"
}
