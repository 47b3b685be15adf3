package sessionstate

import (
	"log"
	"sync"
)

// teardownQueue runs jobs one at a time, in submission order, on a single
// goroutine. Submission never blocks.
type teardownQueue struct {
	mu      sync.Mutex
	jobs    []func()
	closing bool
	wake    chan struct{}
	stopped chan struct{}
}

func newTeardownQueue() *teardownQueue {
	q := &teardownQueue{
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go q.run()
	return q
}

// submit queues job. After close, jobs run inline on the caller.
func (q *teardownQueue) submit(job func()) {
	q.mu.Lock()
	if q.closing {
		q.mu.Unlock()
		job()
		return
	}
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *teardownQueue) run() {
	defer close(q.stopped)
	for {
		q.mu.Lock()
		if len(q.jobs) == 0 {
			closing := q.closing
			q.mu.Unlock()
			if closing {
				return
			}
			<-q.wake
			continue
		}
		job := q.jobs[0]
		q.jobs[0] = nil
		q.jobs = q.jobs[1:]
		q.mu.Unlock()

		job()
	}
}

// flush blocks until every job submitted before the call has run.
func (q *teardownQueue) flush() {
	done := make(chan struct{})
	q.submit(func() { close(done) })
	<-done
}

// close drains queued jobs and stops the worker.
func (q *teardownQueue) close() {
	q.mu.Lock()
	if q.closing {
		q.mu.Unlock()
		<-q.stopped
		return
	}
	q.closing = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	<-q.stopped
}

// teardown releases a removed session's resources in order: bridge, file
// channel, shell, transport. Each step runs even if an earlier one fails.
func teardown(s *Session) {
	if s.Bridge != nil {
		guard(s.ID, "close bridge", s.Bridge.Close)
	}
	if s.FileChannel != nil {
		guard(s.ID, "close file channel", s.FileChannel.Close)
	}
	if s.Shell != nil {
		guard(s.ID, "close shell", s.Shell.Close)
	}
	if s.Transport != nil {
		guard(s.ID, "disconnect transport", s.Transport.Disconnect)
	}
	log.Printf("[teardown] session %s released", s.ID)
}

func guard(id, step string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[teardown] session %s: %s panicked: %v", id, step, r)
		}
	}()
	if err := fn(); err != nil {
		log.Printf("[teardown] session %s: %s: %v", id, step, err)
	}
}
