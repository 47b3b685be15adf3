// Package wrapper builds shell commands for remote terminal multiplexers
// (tmux, screen, zellij, byobu) and parses their session listings. It holds
// no state.
package wrapper

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind names a remote session wrapper.
type Kind string

const (
	KindNone   Kind = "none"
	KindTmux   Kind = "tmux"
	KindScreen Kind = "screen"
	KindZellij Kind = "zellij"
	KindByobu  Kind = "byobu"
)

// Kinds lists the supported wrappers, KindNone first.
var Kinds = []Kind{KindNone, KindTmux, KindScreen, KindZellij, KindByobu}

// ParseKind maps a stored preference to a Kind. The empty string is KindNone.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if k == "" {
		return KindNone, nil
	}
	for _, known := range Kinds {
		if k == known {
			return k, nil
		}
	}
	return KindNone, fmt.Errorf("unknown session wrapper %q", s)
}

// commandSet holds the command templates for one wrapper. Empty templates
// mark unsupported operations; %[1]s and %[2]s are quoted names.
type commandSet struct {
	attach string
	list   string
	kill   string
	rename string
}

var commands = map[Kind]commandSet{
	KindTmux: {
		attach: "tmux new-session -A -s %[1]s",
		list:   "tmux list-sessions -F '#{session_name}'",
		kill:   "tmux kill-session -t %[1]s",
		rename: "tmux rename-session -t %[1]s %[2]s",
	},
	KindScreen: {
		attach: "screen -dRR %[1]s",
		list:   "screen -ls",
		kill:   "screen -S %[1]s -X quit",
		rename: "screen -S %[1]s -X sessionname %[2]s",
	},
	KindZellij: {
		attach: "zellij attach --create %[1]s",
		list:   "zellij list-sessions --no-formatting",
		kill:   "zellij kill-session %[1]s",
	},
	KindByobu: {
		attach: "byobu new-session -A -s %[1]s",
		list:   "byobu list-sessions",
		kill:   "byobu kill-session -t %[1]s",
		rename: "byobu rename-session -t %[1]s %[2]s",
	},
}

// AttachCommand returns the command that attaches to session name, creating
// it if needed. ok is false for KindNone and unknown kinds.
func AttachCommand(kind Kind, name string) (cmd string, ok bool) {
	return render(commands[kind].attach, name, "")
}

// ListCommand returns the command that lists existing sessions.
func ListCommand(kind Kind) (cmd string, ok bool) {
	c := commands[kind].list
	return c, c != ""
}

// KillCommand returns the command that terminates session name.
func KillCommand(kind Kind, name string) (cmd string, ok bool) {
	return render(commands[kind].kill, name, "")
}

// RenameCommand returns the command that renames session oldName to newName.
// zellij has no rename.
func RenameCommand(kind Kind, oldName, newName string) (cmd string, ok bool) {
	return render(commands[kind].rename, oldName, newName)
}

// CanRename reports whether kind supports renaming sessions.
func CanRename(kind Kind) bool {
	return commands[kind].rename != ""
}

func render(tmpl, a, b string) (string, bool) {
	if tmpl == "" {
		return "", false
	}
	return fmt.Sprintf(tmpl, shellQuote(a), shellQuote(b)), true
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// defaultBaseName is used when a label has no usable characters.
const defaultBaseName = "haven"

const maxNameLen = 32

// SanitizeName turns a display label into a session name accepted by every
// wrapper: letters, digits, '-' and '_' only.
func SanitizeName(label string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.TrimSpace(label) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
			lastDash = false
		case !lastDash && b.Len() > 0:
			b.WriteByte('-')
			lastDash = true
		}
		if b.Len() >= maxNameLen {
			break
		}
	}
	name := strings.Trim(b.String(), "-")
	if len(name) > maxNameLen {
		name = strings.TrimRight(name[:maxNameLen], "-")
	}
	if name == "" {
		return defaultBaseName
	}
	return name
}

// ChooseName returns base, or base-2, base-3, ... whichever is first absent
// from taken.
func ChooseName(base string, taken []string) string {
	used := make(map[string]bool, len(taken))
	for _, t := range taken {
		used[t] = true
	}
	if !used[base] {
		return base
	}
	for i := 2; ; i++ {
		candidate := base + "-" + strconv.Itoa(i)
		if !used[candidate] {
			return candidate
		}
	}
}
