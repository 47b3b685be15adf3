package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/havenssh/core/internal/logutil"
	"github.com/havenssh/core/internal/sessionstate"
	"github.com/havenssh/core/internal/transport"
	"github.com/havenssh/core/internal/wrapper"
)

// wrapperSession returns session id when its transport can run commands.
func (s *Supervisor) wrapperSession(id string) (*sessionstate.Session, error) {
	sess, err := s.session(id)
	if err != nil {
		return nil, err
	}
	if sess.Transport == nil || !sess.Transport.IsConnected() {
		return nil, ErrNotConnected
	}
	return sess, nil
}

// ListRemoteSessions lists the wrapper sessions on the host of session id.
func (s *Supervisor) ListRemoteSessions(ctx context.Context, id string) ([]string, error) {
	sess, err := s.wrapperSession(id)
	if err != nil {
		return nil, err
	}
	cmd, ok := wrapper.ListCommand(sess.Wrapper)
	if !ok {
		return nil, fmt.Errorf("list %s sessions: %w", sess.Wrapper, transport.ErrUnsupported)
	}
	out, err := sess.Transport.Exec(ctx, cmd)
	// Listing exits non-zero when no server is running, and screen -ls
	// always does; the output is still parseable.
	var exitErr *transport.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return nil, fmt.Errorf("list %s sessions: %w", sess.Wrapper, err)
	}
	return wrapper.ParseSessionList(sess.Wrapper, string(out)), nil
}

// KillRemoteSession terminates wrapper session name on the host of session
// id.
func (s *Supervisor) KillRemoteSession(ctx context.Context, id, name string) error {
	sess, err := s.wrapperSession(id)
	if err != nil {
		return err
	}
	cmd, ok := wrapper.KillCommand(sess.Wrapper, name)
	if !ok {
		return fmt.Errorf("kill %s session: %w", sess.Wrapper, transport.ErrUnsupported)
	}
	if _, err := sess.Transport.Exec(ctx, cmd); err != nil {
		return fmt.Errorf("kill %s session %s: %w", sess.Wrapper, logutil.SanitizeForLog(name), err)
	}
	log.Printf("[supervisor] killed %s session %s via %s", sess.Wrapper, logutil.SanitizeForLog(name), id)
	return nil
}

// RenameRemoteSession renames wrapper session oldName to newName. Local
// sessions attached to oldName follow the rename so they reattach to the
// right session after a reconnect.
func (s *Supervisor) RenameRemoteSession(ctx context.Context, id, oldName, newName string) error {
	if newName == "" || wrapper.SanitizeName(newName) != newName {
		return fmt.Errorf("invalid session name %q", newName)
	}
	sess, err := s.wrapperSession(id)
	if err != nil {
		return err
	}
	cmd, ok := wrapper.RenameCommand(sess.Wrapper, oldName, newName)
	if !ok {
		return fmt.Errorf("rename %s session: %w", sess.Wrapper, transport.ErrUnsupported)
	}
	if _, err := sess.Transport.Exec(ctx, cmd); err != nil {
		return fmt.Errorf("rename %s session %s: %w", sess.Wrapper, logutil.SanitizeForLog(oldName), err)
	}

	for _, other := range s.store.SessionsForProfile(sess.ProfileID) {
		if other.ChosenSessionName == oldName {
			s.store.SetChosenSessionName(other.ID, newName)
		}
	}
	if sess.ChosenSessionName == oldName && s.profiles != nil {
		if err := s.profiles.SetWrapperSessionName(sess.ProfileID, newName); err != nil {
			log.Printf("[supervisor] remember session name for profile %s: %v", sess.ProfileID, err)
		}
	}
	log.Printf("[supervisor] renamed %s session %s to %s", sess.Wrapper,
		logutil.SanitizeForLog(oldName), logutil.SanitizeForLog(newName))
	return nil
}
