// Package supervisor drives session lifecycles: it opens transports and
// shells, binds each shell to a Terminal Bridge, reacts to drops with bounded
// reconnection, and removes sessions on request. All state lives in the
// sessionstate.Store; the supervisor only holds bookkeeping for in-flight
// reconnects, the event log and the per-profile file channel cache.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/havenssh/core/internal/bridge"
	"github.com/havenssh/core/internal/logutil"
	"github.com/havenssh/core/internal/profile"
	"github.com/havenssh/core/internal/sessionstate"
	"github.com/havenssh/core/internal/transport"
	"github.com/havenssh/core/internal/wrapper"
)

var (
	// ErrSessionNotFound is returned for an unknown or removed session ID.
	ErrSessionNotFound = errors.New("supervisor: session not found")
	// ErrNotConnected is returned when a session has no live bridge or
	// transport for the requested operation.
	ErrNotConnected = errors.New("supervisor: session not connected")
)

// ProfileNotifier receives profile-level notifications. *profile.Store
// satisfies it.
type ProfileNotifier interface {
	MarkConnected(profileID string) error
	SetWrapperSessionName(profileID, name string) error
}

// Options configures a Supervisor. Zero fields take the defaults.
type Options struct {
	Policy Policy
	Bridge bridge.Options

	TerminalType      string
	Cols, Rows        int
	ConnectTimeout    time.Duration
	KeepaliveInterval time.Duration

	// Sleep waits for d or until ctx is done. Tests replace it to observe
	// the backoff without waiting.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultOptions returns the standard configuration.
func DefaultOptions() Options {
	return Options{
		Policy:            DefaultPolicy(),
		Bridge:            bridge.DefaultOptions(),
		TerminalType:      "xterm-256color",
		Cols:              80,
		Rows:              24,
		ConnectTimeout:    15 * time.Second,
		KeepaliveInterval: 30 * time.Second,
		Sleep:             sleepContext,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	o.Policy = o.Policy.withDefaults()
	if o.TerminalType == "" {
		o.TerminalType = d.TerminalType
	}
	if o.Cols <= 0 {
		o.Cols = d.Cols
	}
	if o.Rows <= 0 {
		o.Rows = d.Rows
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.Sleep == nil {
		o.Sleep = d.Sleep
	}
	return o
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Supervisor is safe for concurrent use.
type Supervisor struct {
	store    *sessionstate.Store
	factory  transport.Factory
	profiles ProfileNotifier
	opts     Options
	events   *eventLog

	mu           sync.RWMutex
	reconnecting map[string]*reconnectJob
	listeners    []EventListener

	filesMu sync.Mutex
	files   map[string]*fileEntry
}

// New returns a Supervisor that records sessions in store and creates
// transports with factory. profiles may be nil.
func New(store *sessionstate.Store, factory transport.Factory, profiles ProfileNotifier, opts Options) *Supervisor {
	return &Supervisor{
		store:        store,
		factory:      factory,
		profiles:     profiles,
		opts:         opts.withDefaults(),
		events:       newEventLog(),
		reconnecting: make(map[string]*reconnectJob),
		files:        make(map[string]*fileEntry),
	}
}

// Store returns the session table the supervisor maintains.
func (s *Supervisor) Store() *sessionstate.Store {
	return s.store
}

// OnEvent registers a listener for session lifecycle events.
func (s *Supervisor) OnEvent(l EventListener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

// Events returns the recorded events of session id, oldest first.
func (s *Supervisor) Events(id string) []Event {
	return s.events.get(id)
}

func (s *Supervisor) emit(id string, typ EventType, details string) {
	ev := Event{SessionID: id, Type: typ, Timestamp: time.Now(), Details: details}
	if sess, ok := s.store.Get(id); ok {
		ev.ProfileID = sess.ProfileID
	}
	s.events.record(ev)

	s.mu.RLock()
	listeners := make([]EventListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.RUnlock()
	for _, l := range listeners {
		l(ev)
	}
}

// Connect returns the active session of p if one exists, and otherwise opens
// a new one.
func (s *Supervisor) Connect(ctx context.Context, p profile.Profile) (string, error) {
	for _, sess := range s.store.SessionsForProfile(p.ID) {
		if sess.Status.Active() {
			return sess.ID, nil
		}
	}
	return s.open(ctx, p, p.Label)
}

// NewTab always opens an additional session to p.
func (s *Supervisor) NewTab(ctx context.Context, p profile.Profile) (string, error) {
	label := p.Label
	if n := len(s.store.SessionsForProfile(p.ID)); n > 0 {
		label = fmt.Sprintf("%s (%d)", p.Label, n+1)
	}
	return s.open(ctx, p, label)
}

// open registers a CONNECTING session and establishes it. On failure the
// session passes through ERROR and is removed.
func (s *Supervisor) open(ctx context.Context, p profile.Profile, label string) (string, error) {
	client, err := s.factory(p.Transport)
	if err != nil {
		return "", err
	}
	id := s.store.Register(p.ID, label, client)
	s.store.SetWrapper(id, p.Wrapper, s.chooseSessionName(id, p))

	cfg := p.TransportConfig(s.opts.ConnectTimeout, s.opts.KeepaliveInterval)
	sh, err := s.dial(ctx, client, cfg)
	if err != nil {
		s.fail(id, err)
		return "", fmt.Errorf("connect %s: %w", logutil.SanitizeForLog(label), err)
	}

	s.store.AttachShellHandle(id, sh)
	if p.RememberCredentials {
		s.store.StoreConnectionConfig(id, &cfg)
	}
	s.store.UpdateStatus(id, sessionstate.StatusConnected)

	bopts := s.opts.Bridge
	bopts.OnDisconnect = func(t bridge.Termination) { s.handleDisconnect(id, t) }
	bopts.PendingCommand = s.wrapperCommand(id)
	b := bridge.New(id, sh, bopts)
	s.store.AttachBridge(id, b)
	if !s.store.Exists(id) {
		// Removed while connecting; the teardown already ran without the
		// bridge.
		b.Close()
		return "", fmt.Errorf("connect %s: %w", logutil.SanitizeForLog(label), ErrSessionNotFound)
	}

	log.Printf("[supervisor] session %s connected to %s@%s:%d", id,
		logutil.SanitizeForLog(p.Username), logutil.SanitizeForLog(p.Host), p.Port)
	s.emit(id, EventConnected, fmt.Sprintf("%s:%d", p.Host, p.Port))
	s.markConnected(p.ID)
	return id, nil
}

// dial connects client and opens a shell on it.
func (s *Supervisor) dial(ctx context.Context, client transport.Client, cfg transport.Config) (transport.Shell, error) {
	if err := client.Connect(ctx, cfg); err != nil {
		return nil, err
	}
	sh, err := client.OpenShell(ctx, s.opts.TerminalType, s.opts.Cols, s.opts.Rows)
	if err != nil {
		if derr := client.Disconnect(); derr != nil {
			log.Printf("[supervisor] disconnect after failed shell open: %v", derr)
		}
		return nil, fmt.Errorf("open shell: %w", err)
	}
	return sh, nil
}

func (s *Supervisor) fail(id string, err error) {
	log.Printf("[supervisor] session %s failed: %v", id, err)
	s.store.UpdateStatus(id, sessionstate.StatusError)
	s.emit(id, EventError, err.Error())
	s.store.Remove(id)
	s.events.remove(id)
}

func (s *Supervisor) markConnected(profileID string) {
	if s.profiles == nil || profileID == "" {
		return
	}
	if err := s.profiles.MarkConnected(profileID); err != nil {
		log.Printf("[supervisor] mark profile %s connected: %v", profileID, err)
	}
}

// chooseSessionName picks the remote wrapper session for a new session of p:
// the profile's stored name, or one derived from its label, suffixed when
// another local session of the profile already uses it.
func (s *Supervisor) chooseSessionName(id string, p profile.Profile) string {
	if _, ok := wrapper.AttachCommand(p.Wrapper, ""); !ok {
		return ""
	}
	base := p.WrapperSessionName
	if base == "" {
		base = wrapper.SanitizeName(p.Label)
	}
	var taken []string
	for _, other := range s.store.SessionsForProfile(p.ID) {
		if other.ID != id && other.ChosenSessionName != "" {
			taken = append(taken, other.ChosenSessionName)
		}
	}
	return wrapper.ChooseName(base, taken)
}

// wrapperCommand returns the attach command to send at the first prompt of
// session id, or "" when it has no wrapper.
func (s *Supervisor) wrapperCommand(id string) string {
	sess, ok := s.store.Get(id)
	if !ok {
		return ""
	}
	cmd, ok := wrapper.AttachCommand(sess.Wrapper, sess.ChosenSessionName)
	if !ok {
		return ""
	}
	log.Printf("[supervisor] session %s will attach to %s session %s", id, sess.Wrapper,
		logutil.SanitizeForLog(sess.ChosenSessionName))
	return cmd
}

// handleDisconnect runs on the bridge reader when a stream ends on its own.
func (s *Supervisor) handleDisconnect(id string, t bridge.Termination) {
	sess, ok := s.store.Get(id)
	if !ok {
		return
	}
	switch {
	case t.Clean:
		s.store.UpdateStatus(id, sessionstate.StatusDisconnected)
		s.emit(id, EventCleanExit, t.String())
	case sess.Config == nil:
		s.store.UpdateStatus(id, sessionstate.StatusDisconnected)
		s.emit(id, EventDisconnected, t.String())
	default:
		s.triggerReconnect(id, t.String())
	}
}

func (s *Supervisor) session(id string) (*sessionstate.Session, error) {
	sess, ok := s.store.Get(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// SendInput forwards terminal input to session id.
func (s *Supervisor) SendInput(id string, data []byte) error {
	sess, err := s.session(id)
	if err != nil {
		return err
	}
	if sess.Bridge == nil {
		return ErrNotConnected
	}
	return sess.Bridge.SendInput(data)
}

// Resize changes the terminal size of session id.
func (s *Supervisor) Resize(id string, cols, rows int) error {
	sess, err := s.session(id)
	if err != nil {
		return err
	}
	if sess.Bridge == nil {
		return ErrNotConnected
	}
	return sess.Bridge.Resize(cols, rows)
}

// Bridge returns the terminal bridge of session id.
func (s *Supervisor) Bridge(id string) (*bridge.Bridge, error) {
	sess, err := s.session(id)
	if err != nil {
		return nil, err
	}
	if sess.Bridge == nil {
		return nil, ErrNotConnected
	}
	return sess.Bridge, nil
}

// Disconnect removes session id, cancelling any reconnect in progress. It
// reports whether the session existed.
func (s *Supervisor) Disconnect(id string) bool {
	s.cancelReconnect(id)
	removed := s.store.Remove(id)
	s.events.remove(id)
	if removed {
		log.Printf("[supervisor] session %s disconnected by user", id)
	}
	return removed
}

// DisconnectProfile removes every session of profileID. It returns the
// number of sessions removed.
func (s *Supervisor) DisconnectProfile(profileID string) int {
	removed := s.store.RemoveAllForProfile(profileID)
	for _, sess := range removed {
		s.cancelReconnect(sess.ID)
		s.events.remove(sess.ID)
	}
	s.forgetFileChannel(profileID)
	return len(removed)
}

// DisconnectAll removes every session.
func (s *Supervisor) DisconnectAll() int {
	s.cancelAllReconnects()
	removed := s.store.RemoveAll()
	for _, sess := range removed {
		s.events.remove(sess.ID)
	}
	s.forgetFileChannels()
	if len(removed) > 0 {
		log.Printf("[supervisor] disconnected all sessions (%d)", len(removed))
	}
	return len(removed)
}
