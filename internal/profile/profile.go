// Package profile persists saved connection targets in SQLite via gorm and
// resolves them, with decrypted credentials, into the Profile values the
// supervisor connects with.
package profile

import (
	"fmt"
	"strings"
	"time"

	"github.com/havenssh/core/internal/transport"
	"github.com/havenssh/core/internal/wrapper"
)

// Profile is a resolved connection target ready to be dialled.
type Profile struct {
	ID                 string
	Label              string
	Transport          transport.Kind
	Host               string
	Port               int
	Username           string
	Auth               transport.AuthMethod
	HostKeyFingerprint string
	Wrapper            wrapper.Kind
	WrapperSessionName string
	// RememberCredentials allows the supervisor to keep the connection
	// config and replay it on reconnect.
	RememberCredentials bool
}

// TransportConfig builds the dial configuration for p.
func (p Profile) TransportConfig(timeout, keepalive time.Duration) transport.Config {
	return transport.Config{
		Kind:               p.Transport,
		Host:               p.Host,
		Port:               p.Port,
		Username:           p.Username,
		Auth:               p.Auth,
		Timeout:            timeout,
		HostKeyFingerprint: p.HostKeyFingerprint,
		KeepaliveInterval:  keepalive,
	}
}

// Input is the plaintext form used to create or update a profile. Empty
// secrets on update keep the stored ones.
type Input struct {
	Label               string `json:"label" yaml:"label"`
	Transport           string `json:"transport" yaml:"transport"`
	Host                string `json:"host" yaml:"host"`
	Port                int    `json:"port" yaml:"port"`
	Username            string `json:"username" yaml:"username"`
	AuthKind            string `json:"auth_kind" yaml:"auth"`
	Password            string `json:"password,omitempty" yaml:"password"`
	PrivateKey          string `json:"private_key,omitempty" yaml:"private_key"`
	PrivateKeyFile      string `json:"-" yaml:"private_key_file"`
	Passphrase          string `json:"passphrase,omitempty" yaml:"passphrase"`
	HostKeyFingerprint  string `json:"host_key_fingerprint,omitempty" yaml:"host_key_fingerprint"`
	Wrapper             string `json:"wrapper" yaml:"wrapper"`
	WrapperSessionName  string `json:"wrapper_session_name,omitempty" yaml:"wrapper_session_name"`
	RememberCredentials bool   `json:"remember_credentials" yaml:"remember_credentials"`
}

// defaultPorts apply when Input.Port is zero.
var defaultPorts = map[transport.Kind]int{
	transport.KindSSH:     22,
	transport.KindOverlay: 4243,
}

// normalize fills defaults and validates in.
func (in *Input) normalize() error {
	in.Label = strings.TrimSpace(in.Label)
	in.Host = strings.TrimSpace(in.Host)
	if in.Label == "" {
		return fmt.Errorf("label is required")
	}
	if in.Host == "" {
		return fmt.Errorf("host is required")
	}

	kind := transport.Kind(strings.ToLower(in.Transport))
	if kind == "" {
		kind = transport.KindSSH
	}
	if _, ok := defaultPorts[kind]; !ok {
		return fmt.Errorf("unknown transport %q", in.Transport)
	}
	in.Transport = string(kind)

	if in.Port == 0 {
		in.Port = defaultPorts[kind]
	}
	if in.Port < 0 || in.Port > 65535 {
		return fmt.Errorf("invalid port %d", in.Port)
	}

	switch transport.AuthKind(strings.ToLower(in.AuthKind)) {
	case "", transport.AuthPassword:
		in.AuthKind = string(transport.AuthPassword)
	case transport.AuthKey:
		in.AuthKind = string(transport.AuthKey)
	default:
		return fmt.Errorf("unknown auth kind %q", in.AuthKind)
	}

	w, err := wrapper.ParseKind(in.Wrapper)
	if err != nil {
		return err
	}
	in.Wrapper = string(w)
	return nil
}
