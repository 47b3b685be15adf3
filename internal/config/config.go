package config

import (
	"log"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	DataPath     string `envconfig:"DATA_PATH" default:"./data"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:""`
	LogPath      string `envconfig:"LOG_PATH" default:""`
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:"127.0.0.1:8022"`
	ProfilesFile string `envconfig:"PROFILES_FILE" default:""`

	// Fernet key used to encrypt stored credentials. Generated and persisted
	// in the profile database when empty.
	EncryptionKey string `envconfig:"ENCRYPTION_KEY" default:""`

	// Reconnection policy
	ReconnectMaxAttempts  int           `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`
	ReconnectInitialDelay time.Duration `envconfig:"RECONNECT_INITIAL_DELAY" default:"2s"`
	ReconnectMaxDelay     time.Duration `envconfig:"RECONNECT_MAX_DELAY" default:"30s"`

	// Terminal bridge settings
	ExitStatusWait   time.Duration `envconfig:"EXIT_STATUS_WAIT" default:"500ms"`
	InputDedupWindow time.Duration `envconfig:"INPUT_DEDUP_WINDOW" default:"50ms"`
	WriteQueueSize   int           `envconfig:"WRITE_QUEUE_SIZE" default:"256"`
	TerminalType     string        `envconfig:"TERMINAL_TYPE" default:"xterm-256color"`
	TerminalCols     int           `envconfig:"TERMINAL_COLS" default:"80"`
	TerminalRows     int           `envconfig:"TERMINAL_ROWS" default:"24"`

	// Transport settings
	ConnectTimeout    time.Duration `envconfig:"CONNECT_TIMEOUT" default:"15s"`
	KeepaliveInterval time.Duration `envconfig:"KEEPALIVE_INTERVAL" default:"30s"`
}

var Cfg Settings

func Load() {
	s, err := Process()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	Cfg = s
}

// Process reads HAVEN_* environment variables into a fresh Settings value and
// fills in the paths derived from DataPath.
func Process() (Settings, error) {
	var s Settings
	if err := envconfig.Process("HAVEN", &s); err != nil {
		return Settings{}, err
	}
	if s.DatabasePath == "" {
		s.DatabasePath = filepath.Join(s.DataPath, "haven.db")
	}
	if s.LogPath == "" {
		s.LogPath = filepath.Join(s.DataPath, "haven.log")
	}
	return s, nil
}
