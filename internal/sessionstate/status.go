package sessionstate

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of a Session.
type Status int

const (
	StatusConnecting Status = iota
	StatusConnected
	StatusReconnecting
	StatusDisconnected
	StatusError
)

var statusNames = [...]string{
	StatusConnecting:   "connecting",
	StatusConnected:    "connected",
	StatusReconnecting: "reconnecting",
	StatusDisconnected: "disconnected",
	StatusError:        "error",
}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// MarshalText encodes the status by name for JSON responses.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	name := strings.ToLower(string(text))
	for i, n := range statusNames {
		if n == name {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown session status %q", text)
}

// Active reports whether the supervisor is still driving the session.
func (s Status) Active() bool {
	return s == StatusConnecting || s == StatusConnected || s == StatusReconnecting
}

// priority orders statuses for profile aggregation, highest wins.
func (s Status) priority() int {
	switch s {
	case StatusConnected:
		return 4
	case StatusReconnecting:
		return 3
	case StatusConnecting:
		return 2
	case StatusError:
		return 1
	default:
		return 0
	}
}
