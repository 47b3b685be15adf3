package supervisor

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/havenssh/core/internal/sessionstate"
	"github.com/havenssh/core/internal/transport"
)

// fileEntry caches one profile's secondary channel. mu serialises opens so
// concurrent callers share a single channel.
type fileEntry struct {
	mu        sync.Mutex
	fc        transport.FileChannel
	sessionID string
}

// FileChannel returns the file-transfer channel of profileID, opening it on a
// connected session of the profile when there is none yet. A channel closed
// by the remote end is replaced transparently.
func (s *Supervisor) FileChannel(ctx context.Context, profileID string) (transport.FileChannel, error) {
	s.filesMu.Lock()
	entry, ok := s.files[profileID]
	if !ok {
		entry = &fileEntry{}
		s.files[profileID] = entry
	}
	s.filesMu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.fc != nil {
		if entry.fc.Alive() && s.store.Exists(entry.sessionID) {
			return entry.fc, nil
		}
		log.Printf("[supervisor] file channel of profile %s is stale, reopening", profileID)
		if err := entry.fc.Close(); err != nil {
			log.Printf("[supervisor] close stale file channel: %v", err)
		}
		entry.fc = nil
		entry.sessionID = ""
	}

	sess := s.connectedSession(profileID)
	if sess == nil {
		return nil, ErrNotConnected
	}
	fc, err := sess.Transport.OpenSecondaryChannel(ctx)
	if err != nil {
		return nil, fmt.Errorf("open file channel: %w", err)
	}
	entry.fc = fc
	entry.sessionID = sess.ID
	// Teardown of the owning session closes the channel.
	s.store.AttachFileChannel(sess.ID, fc)
	log.Printf("[supervisor] opened file channel for profile %s on session %s", profileID, sess.ID)
	return fc, nil
}

// connectedSession returns the oldest CONNECTED session of profileID whose
// transport is up.
func (s *Supervisor) connectedSession(profileID string) *sessionstate.Session {
	for _, sess := range s.store.SessionsForProfile(profileID) {
		if sess.Status == sessionstate.StatusConnected && sess.Transport != nil && sess.Transport.IsConnected() {
			return sess
		}
	}
	return nil
}

// forgetFileChannel drops the cached channel of profileID. The channel
// itself is closed by its session's teardown.
func (s *Supervisor) forgetFileChannel(profileID string) {
	s.filesMu.Lock()
	delete(s.files, profileID)
	s.filesMu.Unlock()
}

func (s *Supervisor) forgetFileChannels() {
	s.filesMu.Lock()
	s.files = make(map[string]*fileEntry)
	s.filesMu.Unlock()
}
