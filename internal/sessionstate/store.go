// Package sessionstate is the authoritative table of live sessions.
//
// The table is an immutable map published through an atomic pointer. Every
// mutation copies the map and the touched Session, then swaps the pointer
// with compare-and-swap, so readers never block and never observe a partial
// update. Removal is synchronous; releasing the removed sessions' network
// resources happens later on a single shared teardown goroutine.
package sessionstate

import (
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/havenssh/core/internal/bridge"
	"github.com/havenssh/core/internal/logutil"
	"github.com/havenssh/core/internal/transport"
	"github.com/havenssh/core/internal/wrapper"
)

// Session is one remote shell connection. Values held by the Store are never
// modified in place; treat them as read-only.
type Session struct {
	ID        string
	ProfileID string
	Label     string
	Status    Status
	CreatedAt time.Time

	Transport   transport.Client
	Shell       transport.Shell
	Bridge      *bridge.Bridge
	FileChannel transport.FileChannel

	// Config is retained only when the session may be replayed on reconnect.
	Config *transport.Config
	// Wrapper is the remote multiplexer the session auto-attaches to.
	Wrapper wrapper.Kind
	// ChosenSessionName is the remote wrapper session this tab attaches to.
	ChosenSessionName string
}

// Snapshot is an immutable view of the table keyed by session ID.
type Snapshot map[string]*Session

// Store is safe for concurrent use.
type Store struct {
	table atomic.Pointer[Snapshot]

	subMu  sync.Mutex
	subs   map[int]chan Snapshot
	nextID int

	teardown *teardownQueue
	now      func() time.Time
}

// NewStore returns an empty Store with its teardown worker running.
func NewStore() *Store {
	s := &Store{
		subs:     make(map[int]chan Snapshot),
		teardown: newTeardownQueue(),
		now:      time.Now,
	}
	empty := Snapshot{}
	s.table.Store(&empty)
	return s
}

// Snapshot returns the current table.
func (s *Store) Snapshot() Snapshot {
	return *s.table.Load()
}

// mutate applies fn to a copy of the table and publishes the result. fn
// returns false to leave the table untouched. fn may run more than once under
// contention.
func (s *Store) mutate(fn func(next Snapshot) bool) {
	for {
		old := s.table.Load()
		next := make(Snapshot, len(*old)+1)
		for k, v := range *old {
			next[k] = v
		}
		if !fn(next) {
			return
		}
		if s.table.CompareAndSwap(old, &next) {
			s.notify()
			return
		}
	}
}

// update replaces session id with a modified copy. It is a no-op when the
// session is gone.
func (s *Store) update(id string, fn func(sess *Session)) {
	s.mutate(func(next Snapshot) bool {
		cur, ok := next[id]
		if !ok {
			return false
		}
		cp := *cur
		fn(&cp)
		next[id] = &cp
		return true
	})
}

// Register adds a CONNECTING session and returns its fresh ID.
func (s *Store) Register(profileID, label string, client transport.Client) string {
	id := uuid.NewString()
	sess := &Session{
		ID:        id,
		ProfileID: profileID,
		Label:     label,
		Status:    StatusConnecting,
		CreatedAt: s.now(),
		Transport: client,
	}
	s.mutate(func(next Snapshot) bool {
		next[id] = sess
		return true
	})
	log.Printf("[session] registered %s for profile %s (%s)", id, profileID, logutil.SanitizeForLog(label))
	return id
}

// UpdateStatus sets the status of session id. Unknown IDs are ignored.
func (s *Store) UpdateStatus(id string, status Status) {
	s.update(id, func(sess *Session) { sess.Status = status })
}

// AttachTransport replaces the transport client of session id.
func (s *Store) AttachTransport(id string, client transport.Client) {
	s.update(id, func(sess *Session) { sess.Transport = client })
}

// AttachShellHandle records the current shell of session id.
func (s *Store) AttachShellHandle(id string, shell transport.Shell) {
	s.update(id, func(sess *Session) { sess.Shell = shell })
}

// AttachBridge records the terminal bridge of session id.
func (s *Store) AttachBridge(id string, b *bridge.Bridge) {
	s.update(id, func(sess *Session) { sess.Bridge = b })
}

// AttachFileChannel records the secondary file channel so teardown closes it.
func (s *Store) AttachFileChannel(id string, fc transport.FileChannel) {
	s.update(id, func(sess *Session) { sess.FileChannel = fc })
}

// StoreConnectionConfig keeps cfg for reconnection. A nil cfg clears it.
func (s *Store) StoreConnectionConfig(id string, cfg *transport.Config) {
	s.update(id, func(sess *Session) {
		if cfg == nil {
			sess.Config = nil
			return
		}
		cp := *cfg
		sess.Config = &cp
	})
}

// SetChosenSessionName records the remote wrapper session name of session id.
func (s *Store) SetChosenSessionName(id, name string) {
	s.update(id, func(sess *Session) { sess.ChosenSessionName = name })
}

// SetWrapper records the wrapper kind and the remote session name together.
func (s *Store) SetWrapper(id string, kind wrapper.Kind, name string) {
	s.update(id, func(sess *Session) {
		sess.Wrapper = kind
		sess.ChosenSessionName = name
	})
}

// Remove deletes session id and schedules its teardown. It reports whether
// the session existed.
func (s *Store) Remove(id string) bool {
	removed := s.removeWhere(func(sess *Session) bool { return sess.ID == id })
	return len(removed) > 0
}

// RemoveAllForProfile deletes every session of profileID and returns them.
func (s *Store) RemoveAllForProfile(profileID string) []*Session {
	return s.removeWhere(func(sess *Session) bool { return sess.ProfileID == profileID })
}

// RemoveAll empties the table and returns the removed sessions.
func (s *Store) RemoveAll() []*Session {
	return s.removeWhere(func(*Session) bool { return true })
}

func (s *Store) removeWhere(match func(*Session) bool) []*Session {
	var removed []*Session
	s.mutate(func(next Snapshot) bool {
		removed = removed[:0]
		for id, sess := range next {
			if match(sess) {
				removed = append(removed, sess)
				delete(next, id)
			}
		}
		return len(removed) > 0
	})
	if len(removed) == 0 {
		return nil
	}
	sortByCreation(removed)
	for _, sess := range removed {
		log.Printf("[session] removed %s (%s)", sess.ID, sess.Status)
		s.teardown.submit(func() { teardown(sess) })
	}
	return removed
}

// Get returns the session with the given ID.
func (s *Store) Get(id string) (*Session, bool) {
	sess, ok := s.Snapshot()[id]
	return sess, ok
}

// Exists reports whether id is still in the table.
func (s *Store) Exists(id string) bool {
	_, ok := s.Get(id)
	return ok
}

// Len returns the number of sessions in the table.
func (s *Store) Len() int {
	return len(s.Snapshot())
}

// All returns every session, oldest first.
func (s *Store) All() []*Session {
	return s.filter(func(*Session) bool { return true })
}

// ActiveSessions returns sessions that are connecting, connected or
// reconnecting, oldest first.
func (s *Store) ActiveSessions() []*Session {
	return s.filter(func(sess *Session) bool { return sess.Status.Active() })
}

// SessionsForProfile returns the sessions of profileID, oldest first.
func (s *Store) SessionsForProfile(profileID string) []*Session {
	return s.filter(func(sess *Session) bool { return sess.ProfileID == profileID })
}

// IsProfileConnected reports whether any session of profileID is connected
// or reconnecting.
func (s *Store) IsProfileConnected(profileID string) bool {
	for _, sess := range s.Snapshot() {
		if sess.ProfileID == profileID && (sess.Status == StatusConnected || sess.Status == StatusReconnecting) {
			return true
		}
	}
	return false
}

// AggregateStatus returns the highest-priority status among the sessions of
// profileID, or StatusDisconnected when it has none.
func (s *Store) AggregateStatus(profileID string) Status {
	agg := StatusDisconnected
	for _, sess := range s.Snapshot() {
		if sess.ProfileID == profileID && sess.Status.priority() > agg.priority() {
			agg = sess.Status
		}
	}
	return agg
}

func (s *Store) filter(keep func(*Session) bool) []*Session {
	var out []*Session
	for _, sess := range s.Snapshot() {
		if keep(sess) {
			out = append(out, sess)
		}
	}
	sortByCreation(out)
	return out
}

func sortByCreation(list []*Session) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}

// Subscribe returns a channel that receives the latest table after every
// change. Slow subscribers only ever see the most recent snapshot. The
// returned func unsubscribes and closes the channel.
func (s *Store) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
			close(ch)
		})
	}
}

func (s *Store) notify() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if len(s.subs) == 0 {
		return
	}
	snap := s.Snapshot()
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

// Flush waits for every teardown scheduled so far.
func (s *Store) Flush() {
	s.teardown.flush()
}

// Close drains pending teardown and stops the worker. Later removals tear
// down synchronously.
func (s *Store) Close() {
	s.teardown.close()
}
