package wrapper

import (
	"regexp"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

var (
	// tmux default format: "main: 2 windows (created ...) (attached)".
	tmuxListLine = regexp.MustCompile(`^([^:\s][^:]*): \d+ windows?\b`)
	// screen -ls: "	12345.main	(Detached)".
	screenListLine = regexp.MustCompile(`^\d+\.(\S+)\s+\(`)
)

// ParseSessionList extracts session names from the output of ListCommand.
// ANSI escape sequences are stripped first. Blank or unrecognised output
// yields an empty list, never an error.
func ParseSessionList(kind Kind, raw string) []string {
	var parse func(line string) (string, bool)
	switch kind {
	case KindTmux, KindByobu:
		parse = parseTmuxLine
	case KindScreen:
		parse = parseScreenLine
	case KindZellij:
		parse = parseZellijLine
	default:
		return []string{}
	}

	names := []string{}
	seen := map[string]bool{}
	clean := strings.ReplaceAll(ansi.Strip(raw), "\r", "")
	for _, line := range strings.Split(clean, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, ok := parse(line)
		if !ok || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names
}

func parseTmuxLine(line string) (string, bool) {
	lower := strings.ToLower(line)
	if strings.HasPrefix(lower, "no server running") ||
		strings.HasPrefix(lower, "no sessions") ||
		strings.HasPrefix(lower, "error connecting") ||
		strings.HasPrefix(lower, "failed to connect") {
		return "", false
	}
	if m := tmuxListLine.FindStringSubmatch(line); m != nil {
		return m[1], true
	}
	// -F '#{session_name}' prints one bare name per line. Names may hold
	// spaces but never ':'.
	if strings.Contains(line, ":") {
		return "", false
	}
	return line, true
}

func parseScreenLine(line string) (string, bool) {
	if m := screenListLine.FindStringSubmatch(line); m != nil {
		return m[1], true
	}
	return "", false
}

func parseZellijLine(line string) (string, bool) {
	lower := strings.ToLower(line)
	if strings.HasPrefix(lower, "no active zellij sessions") || strings.HasPrefix(lower, "error") {
		return "", false
	}
	name := line
	if i := strings.IndexAny(line, " \t["); i >= 0 {
		name = line[:i]
	}
	if name == "" {
		return "", false
	}
	return name, true
}
