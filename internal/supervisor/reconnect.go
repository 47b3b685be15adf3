// reconnect.go implements bounded reconnection with exponential backoff.
//
// When a bridge reports an unexpected drop on a session whose connection
// config was retained, triggerReconnect starts one goroutine for it. The
// goroutine sleeps, re-checks that the session still exists, opens a fresh
// transport and shell from the stored config and rebinds the session's
// existing bridge. Delays double from InitialDelay up to MaxDelay. After
// MaxAttempts failures the session is left DISCONNECTED.

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/havenssh/core/internal/sessionstate"
)

// Policy bounds reconnection.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultPolicy returns 5 attempts starting at 2s and capped at 30s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  5,
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = d.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	return p
}

// Delay returns the wait before attempt n (1-based).
func (p Policy) Delay(n int) time.Duration {
	d := p.InitialDelay
	for i := 1; i < n; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return d
}

// errSessionGone aborts a reconnect whose session was removed.
var errSessionGone = errors.New("session removed")

// reconnectJob identifies one reconnect goroutine in Supervisor.reconnecting.
type reconnectJob struct {
	cancel context.CancelFunc
}

// release drops job's entry for session id unless a newer job replaced it.
func (s *Supervisor) release(id string, job *reconnectJob) {
	s.mu.Lock()
	if s.reconnecting[id] == job {
		delete(s.reconnecting, id)
	}
	s.mu.Unlock()
}

// triggerReconnect starts reconnection of session id and returns
// immediately. Only one reconnect runs per session; duplicates are dropped.
func (s *Supervisor) triggerReconnect(id, reason string) {
	s.mu.Lock()
	if _, inProgress := s.reconnecting[id]; inProgress {
		s.mu.Unlock()
		log.Printf("[reconnect] already in progress for session %s, skipping", id)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	job := &reconnectJob{cancel: cancel}
	s.reconnecting[id] = job
	s.mu.Unlock()

	go func() {
		defer func() {
			s.release(id, job)
			cancel()
		}()
		s.reconnect(ctx, id, reason, job)
	}()
}

func (s *Supervisor) cancelReconnect(id string) {
	s.mu.Lock()
	job, ok := s.reconnecting[id]
	delete(s.reconnecting, id)
	s.mu.Unlock()
	if ok {
		job.cancel()
	}
}

func (s *Supervisor) cancelAllReconnects() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, job := range s.reconnecting {
		job.cancel()
		delete(s.reconnecting, id)
	}
}

// Reconnecting reports whether a reconnect is in progress for session id.
func (s *Supervisor) Reconnecting(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.reconnecting[id]
	return ok
}

func (s *Supervisor) reconnect(ctx context.Context, id, reason string, job *reconnectJob) {
	sess, ok := s.store.Get(id)
	if !ok {
		return
	}
	log.Printf("[reconnect] session %s dropped (%s), reconnecting", id, reason)
	s.store.UpdateStatus(id, sessionstate.StatusReconnecting)
	s.emit(id, EventReconnecting, reason)

	// Release the dead connection before dialling a new one.
	if sess.Transport != nil {
		if err := sess.Transport.Disconnect(); err != nil {
			log.Printf("[reconnect] session %s: close stale transport: %v", id, err)
		}
	}

	policy := s.opts.Policy
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if !s.store.Exists(id) {
			log.Printf("[reconnect] session %s removed, aborting", id)
			return
		}
		if err := s.opts.Sleep(ctx, policy.Delay(attempt)); err != nil {
			log.Printf("[reconnect] session %s cancelled", id)
			return
		}
		if !s.store.Exists(id) {
			log.Printf("[reconnect] session %s removed, aborting", id)
			return
		}

		log.Printf("[reconnect] session %s attempt %d/%d", id, attempt, policy.MaxAttempts)
		s.emit(id, EventReconnectAttempt, fmt.Sprintf("attempt %d/%d", attempt, policy.MaxAttempts))

		err := s.reattach(ctx, id, attempt, job)
		if err == nil {
			return
		}
		if errors.Is(err, errSessionGone) || ctx.Err() != nil {
			return
		}
		lastErr = err
		log.Printf("[reconnect] session %s attempt %d failed: %v", id, attempt, err)
	}

	log.Printf("[reconnect] session %s gave up after %d attempts: %v", id, policy.MaxAttempts, lastErr)
	s.store.UpdateStatus(id, sessionstate.StatusDisconnected)
	s.emit(id, EventReconnectFailed, fmt.Sprintf("gave up after %d attempts: %v", policy.MaxAttempts, lastErr))
}

// reattach opens a new transport and shell from the stored config and
// rebinds the session's bridge to them. All bookkeeping happens before the
// rebind, and job is released first, so a drop of the new shell starts a
// fresh reconnect.
func (s *Supervisor) reattach(ctx context.Context, id string, attempt int, job *reconnectJob) error {
	sess, ok := s.store.Get(id)
	if !ok {
		return errSessionGone
	}
	if sess.Config == nil {
		return fmt.Errorf("no stored connection config")
	}
	cfg := *sess.Config

	client, err := s.factory(cfg.Kind)
	if err != nil {
		return err
	}
	sh, err := s.dial(ctx, client, cfg)
	if err != nil {
		return err
	}

	abandon := func() error {
		sh.Close()
		client.Disconnect()
		return errSessionGone
	}

	s.store.AttachTransport(id, client)
	s.store.AttachShellHandle(id, sh)
	if !s.store.Exists(id) {
		return abandon()
	}
	b := sess.Bridge
	if b == nil || b.Closed() {
		return abandon()
	}
	// The new shell has nothing injected yet.
	b.SetPendingCommand(s.wrapperCommand(id))
	s.store.UpdateStatus(id, sessionstate.StatusConnected)
	s.markConnected(sess.ProfileID)
	log.Printf("[reconnect] session %s reconnected after %d attempt(s)", id, attempt)
	s.emit(id, EventReconnected, fmt.Sprintf("after %d attempt(s)", attempt))

	s.release(id, job)
	if err := b.Rebind(sh); err != nil {
		return abandon()
	}
	return nil
}
